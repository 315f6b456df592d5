// Package explorer summarizes the object graph of a PDF document as a tree
// of nodes suitable for JSON output.
//
// Explore never fails. Documents the PDF library can open are described by
// their page tree and their indirect objects; anything else is scanned
// textually for "N G obj" markers. Input without recognizable structure
// yields a bare Document node.
package explorer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"

	"seehuhn.de/go/pdf"
	"seehuhn.de/go/pdf/pagetree"
	"seehuhn.de/go/pdf/sequential"

	"watermarkd/internal/pdfdoc"
)

// Node types.
const (
	TypeDocument = "Document"
	TypePage     = "Page"
	TypeObject   = "Object"
)

// maxParentDepth bounds the walk up the page tree for inherited attributes.
const maxParentDepth = 32

// Node is one element of the exploration tree.
type Node struct {
	Type     string    `json:"type"`
	ID       string    `json:"id,omitempty"`
	Kind     string    `json:"kind,omitempty"`
	BBox     []float64 `json:"bbox,omitempty"`
	Children []*Node   `json:"children"`
}

func newNode(typ, id string) *Node {
	return &Node{Type: typ, ID: id, Children: []*Node{}}
}

// Explore returns the object tree of data.
func Explore(data []byte) *Node {
	if root, ok := exploreParsed(data); ok {
		return root
	}
	return exploreText(data)
}

// WriteJSON writes n to w as JSON, indented when indent is true.
func WriteJSON(w io.Writer, n *Node, indent bool) error {
	enc := json.NewEncoder(w)
	if indent {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(n)
}

func exploreParsed(data []byte) (root *Node, ok bool) {
	defer func() {
		if p := recover(); p != nil {
			root, ok = nil, false
		}
	}()

	r, err := pdfdoc.Open(data)
	if err != nil {
		return nil, false
	}
	defer r.Close()

	root = newNode(TypeDocument, "")

	pages, _ := pagetree.FindPages(r)
	for i, ref := range pages {
		if ref == 0 {
			continue
		}
		page := newNode(TypePage, "page-"+strconv.Itoa(i))
		page.BBox = mediaBox(r, ref)
		root.Children = append(root.Children, page)
	}

	for _, ref := range objectRefs(data) {
		n := newNode(TypeObject, objectID(ref.Number(), ref.Generation()))
		obj, err := pdf.Resolve(r, ref)
		if err != nil {
			n.Kind = "unreadable"
		} else {
			n.Kind = kindOf(obj)
			if t := declaredType(obj); t != "" {
				n.Type = t
			}
		}
		root.Children = append(root.Children, n)
	}
	return root, true
}

// objectRefs lists the object numbers found in the file body, keeping the
// last definition of each number (incremental updates override earlier
// sections).
func objectRefs(data []byte) []pdf.Reference {
	info, err := sequential.Scan(bytes.NewReader(data))
	if err != nil || info == nil {
		return nil
	}

	gens := make(map[uint32]uint16)
	for _, sec := range info.Sections {
		for _, obj := range sec.Objects {
			gens[obj.Number] = obj.Generation
		}
	}

	numbers := make([]uint32, 0, len(gens))
	for n := range gens {
		numbers = append(numbers, n)
	}
	sort.Slice(numbers, func(i, j int) bool { return numbers[i] < numbers[j] })

	refs := make([]pdf.Reference, 0, len(numbers))
	for _, n := range numbers {
		refs = append(refs, pdf.NewReference(n, gens[n]))
	}
	return refs
}

// mediaBox returns the page's MediaBox, following Parent links for
// inherited values.
func mediaBox(r pdf.Getter, ref pdf.Reference) []float64 {
	var obj pdf.Object = ref
	for i := 0; i < maxParentDepth && obj != nil; i++ {
		dict, err := pdf.GetDict(r, obj)
		if err != nil || dict == nil {
			return nil
		}
		if box, err := pdf.GetRectangle(r, dict["MediaBox"]); err == nil && box != nil {
			return []float64{box.LLx, box.LLy, box.URx, box.URy}
		}
		obj = dict["Parent"]
	}
	return nil
}

func declaredType(obj any) string {
	var dict pdf.Dict
	switch v := obj.(type) {
	case pdf.Dict:
		dict = v
	case *pdf.Stream:
		if v != nil {
			dict = v.Dict
		}
	}
	if name, ok := dict["Type"].(pdf.Name); ok {
		return string(name)
	}
	return ""
}

func kindOf(obj any) string {
	switch obj.(type) {
	case nil:
		return "null"
	case pdf.Dict:
		return "dict"
	case *pdf.Stream:
		return "stream"
	case pdf.Array:
		return "array"
	case pdf.Name:
		return "name"
	case pdf.String:
		return "string"
	case pdf.Integer:
		return "integer"
	case pdf.Real:
		return "real"
	case pdf.Boolean:
		return "boolean"
	default:
		return "other"
	}
}

func objectID(number uint32, generation uint16) string {
	return fmt.Sprintf("obj-%d-%d", number, generation)
}

var (
	objPattern  = regexp.MustCompile(`(?s)(\d{1,10})\s+(\d{1,5})\s+obj\b(.*?)endobj`)
	typePattern = regexp.MustCompile(`/Type\s*/([A-Za-z0-9_.+-]+)`)
)

// exploreText scans raw bytes for object boundaries and declared types.
func exploreText(data []byte) *Node {
	root := newNode(TypeDocument, "")

	type found struct {
		number uint32
		gen    uint16
		typ    string
	}
	byNumber := make(map[uint32]found)
	for _, m := range objPattern.FindAllSubmatch(data, -1) {
		n, err := strconv.ParseUint(string(m[1]), 10, 32)
		if err != nil {
			continue
		}
		g, err := strconv.ParseUint(string(m[2]), 10, 16)
		if err != nil {
			continue
		}
		f := found{number: uint32(n), gen: uint16(g), typ: TypeObject}
		if t := typePattern.FindSubmatch(m[3]); t != nil {
			f.typ = string(t[1])
		}
		byNumber[f.number] = f
	}

	numbers := make([]uint32, 0, len(byNumber))
	for n := range byNumber {
		numbers = append(numbers, n)
	}
	sort.Slice(numbers, func(i, j int) bool { return numbers[i] < numbers[j] })

	for _, n := range numbers {
		f := byNumber[n]
		root.Children = append(root.Children, newNode(f.typ, objectID(f.number, f.gen)))
	}
	return root
}

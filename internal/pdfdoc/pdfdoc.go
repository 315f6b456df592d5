// Package pdfdoc wraps seehuhn.de/go/pdf for the few document-level
// operations the watermarking methods need: opening a document from
// memory, reading and rewriting the Producer entry and the file
// identifier, and synthesizing a placeholder document.
package pdfdoc

import (
	"bytes"
	"errors"
	"fmt"

	"seehuhn.de/go/pdf"
	"seehuhn.de/go/pdf/pdfcopy"
)

// Header is the magic prefix of every PDF file.
const Header = "%PDF-"

// ErrNotPDF is returned when the input cannot be parsed as a PDF document.
var ErrNotPDF = errors.New("pdfdoc: not a readable PDF document")

// Metadata is the document-level information read from a PDF file.
type Metadata struct {
	Version  string
	Producer string
	// ID holds the permanent and the changing file identifier, if present.
	ID [][]byte
}

// InstanceID returns the changing file identifier, or nil.
func (m *Metadata) InstanceID() []byte {
	if len(m.ID) < 2 || len(m.ID[1]) == 0 {
		return nil
	}
	return m.ID[1]
}

// HasHeader reports whether data starts with the PDF header, allowing for
// leading whitespace.
func HasHeader(data []byte) bool {
	return bytes.HasPrefix(bytes.TrimLeft(data, " \t\r\n\f\x00"), []byte(Header))
}

// Open parses data as a PDF document. Parser panics on hostile input are
// converted into ErrNotPDF.
func Open(data []byte) (r *pdf.Reader, err error) {
	if !HasHeader(data) {
		return nil, ErrNotPDF
	}
	defer func() {
		if p := recover(); p != nil {
			r, err = nil, fmt.Errorf("%w: parser panic: %v", ErrNotPDF, p)
		}
	}()

	r, err = pdf.NewReader(bytes.NewReader(data), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotPDF, err)
	}
	if meta := r.GetMeta(); meta == nil || meta.Catalog == nil {
		r.Close()
		return nil, fmt.Errorf("%w: missing document catalog", ErrNotPDF)
	}
	return r, nil
}

// CanOpen reports whether Open succeeds on data.
func CanOpen(data []byte) bool {
	r, err := Open(data)
	if err != nil {
		return false
	}
	r.Close()
	return true
}

// Inspect reads the document metadata of data.
func Inspect(data []byte) (*Metadata, error) {
	r, err := Open(data)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	meta := r.GetMeta()
	m := &Metadata{
		Version: meta.Version.String(),
		ID:      meta.ID,
	}
	if meta.Info != nil {
		m.Producer = string(meta.Info.Producer)
	}
	return m, nil
}

// Edit describes a rewrite of the document-level metadata. Nil fields are
// left unchanged.
type Edit struct {
	Producer   *string
	InstanceID []byte
}

// Rewrite copies the document in data into a new file, applying edit to the
// information dictionary and the file identifier. All other content is
// carried over unchanged.
func Rewrite(data []byte, edit Edit) (out []byte, err error) {
	r, err := Open(data)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	defer func() {
		if p := recover(); p != nil {
			out, err = nil, fmt.Errorf("pdfdoc: rewrite panic: %v", p)
		}
	}()

	src := r.GetMeta()
	buf := &bytes.Buffer{}
	w, err := pdf.NewWriter(buf, src.Version, nil)
	if err != nil {
		return nil, fmt.Errorf("pdfdoc: new writer: %w", err)
	}

	trans := pdfcopy.NewCopier(w, r)
	catalog, err := pdfcopy.CopyStruct(trans, src.Catalog)
	if err != nil {
		return nil, fmt.Errorf("pdfdoc: copy catalog: %w", err)
	}
	dst := w.GetMeta()
	dst.Catalog = catalog

	if src.Info != nil {
		info, err := pdfcopy.CopyStruct(trans, src.Info)
		if err != nil {
			return nil, fmt.Errorf("pdfdoc: copy info: %w", err)
		}
		dst.Info = info
	}
	if edit.Producer != nil {
		if dst.Info == nil {
			dst.Info = &pdf.Info{}
		}
		dst.Info.Producer = pdf.TextString(*edit.Producer)
	}

	dst.ID = src.ID
	if edit.InstanceID != nil {
		permanent := edit.InstanceID
		if len(src.ID) > 0 && len(src.ID[0]) > 0 {
			permanent = src.ID[0]
		}
		dst.ID = [][]byte{permanent, edit.InstanceID}
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("pdfdoc: write: %w", err)
	}
	return buf.Bytes(), nil
}

// Blank returns a minimal valid one-page US Letter document.
func Blank() ([]byte, error) {
	buf := &bytes.Buffer{}
	w, err := pdf.NewWriter(buf, pdf.V1_7, nil)
	if err != nil {
		return nil, err
	}

	pagesRef := w.Alloc()
	pageRef := w.Alloc()
	err = w.Put(pagesRef, pdf.Dict{
		"Type":  pdf.Name("Pages"),
		"Kids":  pdf.Array{pageRef},
		"Count": pdf.Integer(1),
	})
	if err != nil {
		return nil, err
	}
	err = w.Put(pageRef, pdf.Dict{
		"Type":     pdf.Name("Page"),
		"Parent":   pagesRef,
		"MediaBox": pdf.Array{pdf.Integer(0), pdf.Integer(0), pdf.Integer(612), pdf.Integer(792)},
	})
	if err != nil {
		return nil, err
	}
	w.GetMeta().Catalog.Pages = pagesRef

	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

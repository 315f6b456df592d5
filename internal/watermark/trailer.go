package watermark

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"watermarkd/internal/commitment"
)

const (
	// HashEOFName is the registry name of the trailer-append method.
	HashEOFName = "hash-eof"

	hashEOFContext = "watermarkd/hash-eof/v1:"

	trailerVersion = 1
	trailerBegin   = "\n%WMK-BEGIN v1\n"
	trailerEnd     = "%WMK-END"
)

var eofMarker = []byte("%%EOF")

// trailerPayload is the JSON document carried, base64-encoded, inside the
// trailer block.
type trailerPayload struct {
	Version int    `json:"v"`
	Secret  string `json:"secret"`
	MAC     string `json:"mac"`
}

// HashEOF appends a self-contained watermark block after the end of the
// document. The block holds the secret and a MAC binding it to the key and
// to the hash of every byte that precedes the block.
//
// Block layout, each line a PDF comment:
//
//	%WMK-BEGIN v1
//	%<base64 of {"v":1,"secret":...,"mac":...}>
//	%WMK-END
type HashEOF struct {
	name   string
	commit *commitment.Committer
}

// NewHashEOF returns the trailer-append method.
func NewHashEOF() *HashEOF {
	m, _ := newHashEOF(HashEOFName, hashEOFContext)
	return m
}

func newHashEOF(name, context string) (*HashEOF, error) {
	c, err := commitment.New(context)
	if err != nil {
		return nil, err
	}
	return &HashEOF{name: name, commit: c}, nil
}

func (m *HashEOF) Name() string { return m.name }

func (m *HashEOF) Usage() string {
	return "Appends a comment block after the final %%EOF marker holding the " +
		"secret and an HMAC over the secret and the SHA-256 of the document " +
		"body. Extraction needs only the file and the key."
}

// IsApplicable reports whether doc has a %%EOF marker and no trailer block
// follows the last one.
func (m *HashEOF) IsApplicable(doc []byte) bool {
	tail, ok := afterEOF(doc)
	return ok && !bytes.Contains(tail, []byte(trailerBegin))
}

// afterEOF returns the bytes from the last %%EOF marker on.
func afterEOF(doc []byte) ([]byte, bool) {
	i := bytes.LastIndex(doc, eofMarker)
	if i < 0 {
		return nil, false
	}
	return doc[i:], true
}

// Embed returns doc with a trailer block appended.
func (m *HashEOF) Embed(doc []byte, secret, key string, _ EmbedOptions) ([]byte, error) {
	if secret == "" {
		return nil, fmt.Errorf("%w: empty secret", ErrInvalidSecret)
	}
	if !utf8.ValidString(secret) {
		return nil, fmt.Errorf("%w: secret is not valid UTF-8", ErrInvalidSecret)
	}
	if key == "" {
		return nil, fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	if _, ok := afterEOF(doc); !ok {
		return nil, fmt.Errorf("%w: no %%%%EOF marker", ErrNotApplicable)
	}
	if !m.IsApplicable(doc) {
		return nil, fmt.Errorf("%w: document already carries a trailer block", ErrNotApplicable)
	}

	payload, err := json.Marshal(trailerPayload{
		Version: trailerVersion,
		Secret:  secret,
		MAC:     hex.EncodeToString(m.mac(key, secret, doc)),
	})
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(doc)+len(payload)*2+64)
	out = append(out, doc...)
	out = append(out, trailerBegin...)
	out = append(out, '%')
	out = base64.StdEncoding.AppendEncode(out, payload)
	out = append(out, '\n')
	out = append(out, trailerEnd...)
	out = append(out, '\n')
	return out, nil
}

// Extract locates the trailer block, verifies its MAC against the body
// preceding it and returns the secret.
func (m *HashEOF) Extract(doc []byte, key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("%w: empty key", ErrInvalidKey)
	}

	tail, ok := afterEOF(doc)
	if !ok {
		return "", fmt.Errorf("%w: no trailer block", ErrSecretNotFound)
	}
	rel := bytes.Index(tail, []byte(trailerBegin))
	if rel < 0 {
		return "", fmt.Errorf("%w: no trailer block", ErrSecretNotFound)
	}
	idx := len(doc) - len(tail) + rel
	body := doc[:idx]
	p, err := parseTrailer(doc[idx+len(trailerBegin):])
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	want, err := hex.DecodeString(p.MAC)
	if err != nil || !hmac.Equal(want, m.mac(key, p.Secret, body)) {
		return "", ErrInvalidKey
	}
	return p.Secret, nil
}

func (m *HashEOF) mac(key, secret string, body []byte) []byte {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(secret)))
	bodyHash := sha256.Sum256(body)
	return m.commit.Sum([]byte(key), n[:], []byte(secret), bodyHash[:])
}

// parseTrailer decodes the lines following the begin marker.
func parseTrailer(rest []byte) (*trailerPayload, error) {
	line, after, ok := bytes.Cut(rest, []byte("\n"))
	if !ok || len(line) < 2 || line[0] != '%' {
		return nil, fmt.Errorf("malformed trailer block")
	}
	if end := bytes.TrimRight(after, " \t\r\n"); string(end) != trailerEnd {
		return nil, fmt.Errorf("trailer block is not terminated")
	}

	raw, err := base64.StdEncoding.DecodeString(string(line[1:]))
	if err != nil {
		return nil, fmt.Errorf("trailer payload: %v", err)
	}
	var p trailerPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("trailer payload: %v", err)
	}
	if p.Version != trailerVersion {
		return nil, fmt.Errorf("unsupported trailer version %d", p.Version)
	}
	return &p, nil
}

package watermark

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"watermarkd/internal/pdfdoc"
)

func TestHashEOFRoundTrip(t *testing.T) {
	m := NewHashEOF()
	doc := samplePDF(t)

	for _, secret := range []string{"user@example.com", "0123456789abcdef", "line\nbreak %%EOF"} {
		out, err := m.Embed(doc, secret, "key123", EmbedOptions{})
		require.NoError(t, err)
		assert.True(t, bytes.HasPrefix(out, doc), "original body is preserved")

		got, err := m.Extract(out, "key123")
		require.NoError(t, err)
		assert.Equal(t, secret, got)
	}
}

func TestHashEOFOutputStillOpens(t *testing.T) {
	out, err := NewHashEOF().Embed(samplePDF(t), "user@example.com", "key123", EmbedOptions{})
	require.NoError(t, err)
	assert.True(t, pdfdoc.CanOpen(out))
}

func TestHashEOFWrongKey(t *testing.T) {
	m := NewHashEOF()
	out, err := m.Embed(samplePDF(t), "secret", "key1", EmbedOptions{})
	require.NoError(t, err)

	_, err = m.Extract(out, "key2")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestHashEOFBodyTamper(t *testing.T) {
	m := NewHashEOF()
	doc := samplePDF(t)
	out, err := m.Embed(doc, "secret", "key", EmbedOptions{})
	require.NoError(t, err)

	out[len(doc)/2] ^= 0x01
	_, err = m.Extract(out, "key")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestHashEOFCorruptBlock(t *testing.T) {
	m := NewHashEOF()
	doc := samplePDF(t)
	out, err := m.Embed(doc, "secret", "key", EmbedOptions{})
	require.NoError(t, err)

	// Damage the base64 payload line.
	payloadStart := len(doc) + len(trailerBegin) + 1
	out[payloadStart] = '!'
	_, err = m.Extract(out, "key")
	assert.ErrorIs(t, err, ErrInvalidKey)

	// Drop the end marker.
	truncated := bytes.TrimSuffix(out, []byte(trailerEnd+"\n"))
	_, err = m.Extract(truncated, "key")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestHashEOFNoBlock(t *testing.T) {
	_, err := NewHashEOF().Extract(samplePDF(t), "key")
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

func TestHashEOFApplicability(t *testing.T) {
	m := NewHashEOF()
	doc := samplePDF(t)
	assert.True(t, m.IsApplicable(doc))

	out, err := m.Embed(doc, "secret", "key", EmbedOptions{})
	require.NoError(t, err)
	assert.False(t, m.IsApplicable(out))

	_, err = m.Embed(out, "other", "key", EmbedOptions{})
	assert.ErrorIs(t, err, ErrNotApplicable)
}

func TestHashEOFInputValidation(t *testing.T) {
	m := NewHashEOF()
	_, err := m.Embed(samplePDF(t), "", "key", EmbedOptions{})
	assert.ErrorIs(t, err, ErrInvalidSecret)
	_, err = m.Embed(samplePDF(t), "secret", "", EmbedOptions{})
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, err = m.Extract(samplePDF(t), "")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestHashEOFRequiresEOFMarker(t *testing.T) {
	m := NewHashEOF()
	for _, doc := range [][]byte{
		[]byte("not a pdf at all"),
		[]byte("%PDF-1.4\n1 0 obj\n<<>>\nendobj\n"),
		nil,
	} {
		assert.False(t, m.IsApplicable(doc), "%q", doc)
		_, err := m.Embed(doc, "secret", "key", EmbedOptions{})
		assert.ErrorIs(t, err, ErrNotApplicable, "%q", doc)
		_, err = m.Extract(doc, "key")
		assert.ErrorIs(t, err, ErrSecretNotFound, "%q", doc)
	}

	minimal := []byte("%PDF-1.4\n%%EOF\n")
	assert.True(t, m.IsApplicable(minimal))
	out, err := m.Embed(minimal, "secret", "key", EmbedOptions{})
	require.NoError(t, err)
	got, err := m.Extract(out, "key")
	require.NoError(t, err)
	assert.Equal(t, "secret", got)
}

func TestHashEOFRejectsInvalidUTF8Secret(t *testing.T) {
	m := NewHashEOF()
	doc := []byte("%PDF-1.4\n%%EOF\n")

	_, err := m.Embed(doc, "ab\xffcd", "k", EmbedOptions{})
	assert.ErrorIs(t, err, ErrInvalidSecret)

	out, err := m.Embed(doc, "abécd", "k", EmbedOptions{})
	require.NoError(t, err)
	got, err := m.Extract(out, "k")
	require.NoError(t, err)
	assert.Equal(t, "abécd", got)
}

func TestHashEOFIgnoresMarkerBeforeFinalEOF(t *testing.T) {
	m := NewHashEOF()
	// A stream whose bytes happen to contain the begin marker, followed by
	// a later revision.
	doc := []byte("%PDF-1.4\nstream" + trailerBegin + "endstream\n%%EOF\n2 0 obj\n<<>>\nendobj\n%%EOF\n")
	assert.True(t, m.IsApplicable(doc))

	_, err := m.Extract(doc, "key")
	assert.ErrorIs(t, err, ErrSecretNotFound)

	out, err := m.Embed(doc, "secret", "key", EmbedOptions{})
	require.NoError(t, err)
	assert.False(t, m.IsApplicable(out))
	got, err := m.Extract(out, "key")
	require.NoError(t, err)
	assert.Equal(t, "secret", got)
}

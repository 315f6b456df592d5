package pdfdoc

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlankIsReadable(t *testing.T) {
	data, err := Blank()
	require.NoError(t, err)
	assert.True(t, HasHeader(data))
	assert.True(t, CanOpen(data))

	m, err := Inspect(data)
	require.NoError(t, err)
	assert.Empty(t, m.Producer)
}

func TestRewriteProducerAndInstance(t *testing.T) {
	data, err := Blank()
	require.NoError(t, err)

	producer := "deadbeef"
	instance := bytes.Repeat([]byte{0xab}, 16)
	out, err := Rewrite(data, Edit{Producer: &producer, InstanceID: instance})
	require.NoError(t, err)

	m, err := Inspect(out)
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", m.Producer)
	assert.Equal(t, instance, m.InstanceID())

	// A second rewrite keeps the permanent identifier.
	next := bytes.Repeat([]byte{0xcd}, 16)
	out2, err := Rewrite(out, Edit{InstanceID: next})
	require.NoError(t, err)
	m2, err := Inspect(out2)
	require.NoError(t, err)
	assert.Equal(t, m.ID[0], m2.ID[0])
	assert.Equal(t, next, m2.InstanceID())
	assert.Equal(t, "deadbeef", m2.Producer)
}

func TestOpenRejectsGarbage(t *testing.T) {
	for _, in := range [][]byte{
		nil,
		[]byte("not a pdf at all"),
		[]byte("%PDF-1.7\ngarbage without structure"),
	} {
		_, err := Open(in)
		assert.ErrorIs(t, err, ErrNotPDF, "%q", in)
		assert.False(t, CanOpen(in))
	}
}

func TestInstanceIDMissing(t *testing.T) {
	m := &Metadata{}
	assert.Nil(t, m.InstanceID())
	m.ID = [][]byte{{1}, {}}
	assert.Nil(t, m.InstanceID())
}

package slot

import (
	"testing"
	"time"

	assert "github.com/stretchr/testify/assert"
	require "github.com/stretchr/testify/require"

	"go.klb.dev/interchange/internal/format"
)

func TestPublish_ReplacesPreviousOwner(t *testing.T) {
	var tbl Table
	now := time.Now()

	first := tbl.Publish(Clipboard, format.PlainText, []byte("first"), now)
	second := tbl.Publish(Clipboard, format.PlainText, []byte("second"), now)

	s, ok := tbl.Owned(Clipboard)
	require.True(t, ok)
	assert.Equal(t, []byte("second"), s.Buffer)
	assert.Greater(t, second.Generation, first.Generation)

	// The first buffer is a frozen copy, unaffected by the republish.
	assert.Equal(t, []byte("first"), first.Buffer)
}

func TestPublish_CopiesInput(t *testing.T) {
	var tbl Table
	in := []byte("hello")
	tbl.Publish(Primary, format.Utf8Text, in, time.Now())
	in[0] = 'j'

	s, ok := tbl.Owned(Primary)
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), s.Buffer)
	assert.Equal(t, 5, s.DeclaredLength)
}

func TestRevoke_HidesBuffer(t *testing.T) {
	var tbl Table
	tbl.Publish(Primary, format.PlainText, []byte("x"), time.Now())
	assert.True(t, tbl.Revoke(Primary))

	s, ok := tbl.Owned(Primary)
	assert.False(t, ok)
	assert.Nil(t, s.Buffer)
	assert.False(t, tbl.Revoke(Primary))
}

func TestSlotsIndependent(t *testing.T) {
	var tbl Table
	tbl.Publish(Primary, format.PlainText, []byte("p"), time.Now())
	_, ok := tbl.Owned(Clipboard)
	assert.False(t, ok)
}

func TestExpand(t *testing.T) {
	assert.Equal(t, []ID{Clipboard, Primary}, Both.Expand())
	assert.Equal(t, []ID{Primary}, Primary.Expand())
}

func TestParseID(t *testing.T) {
	id, err := ParseID("PRIMARY")
	require.NoError(t, err)
	assert.Equal(t, Primary, id)

	id, err = ParseID("")
	require.NoError(t, err)
	assert.Equal(t, Clipboard, id)

	_, err = ParseID("secondary")
	assert.Error(t, err)
}

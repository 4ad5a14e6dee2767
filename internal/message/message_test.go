package message

import (
	"strings"
	"testing"

	assert "github.com/stretchr/testify/assert"
	require "github.com/stretchr/testify/require"
)

func TestPublishIsOneLineOfJSON(t *testing.T) {
	m := &Message{Type: TypePublish, Slot: "both", Items: []Item{NewItem("image/png", []byte{0x89, 'P', '\n'})}}
	b, err := m.Encode()
	require.NoError(t, err)
	assert.NotContains(t, string(b), "\n")
	assert.True(t, strings.HasPrefix(string(b), `{"type":"PUBLISH","slot":"both"`))

	got, err := Decode(b)
	require.NoError(t, err)
	data, err := got.Data()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x89, 'P', '\n'}, data)
	assert.Equal(t, "image/png", got.Items[0].Format)
}

func TestDecode_RejectsUntyped(t *testing.T) {
	_, err := Decode([]byte(`{"slot":"primary"}`))
	assert.Error(t, err)
	_, err = Decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestErr(t *testing.T) {
	assert.NoError(t, (&Message{Type: TypeOK}).Err())
	err := Errorf("no %s", "transport").Err()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no transport")
}

func TestData_Empty(t *testing.T) {
	data, err := (&Message{Type: TypePasteResult}).Data()
	assert.NoError(t, err)
	assert.Nil(t, data)
}

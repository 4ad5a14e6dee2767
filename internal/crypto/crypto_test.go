package crypto

import (
	"testing"

	assert "github.com/stretchr/testify/assert"
	require "github.com/stretchr/testify/require"
)

func TestSealOpen(t *testing.T) {
	key, err := DeriveKey("s3cret")
	require.NoError(t, err)
	ct, err := Seal([]byte(`{"type":"PING"}`), key)
	require.NoError(t, err)

	plain, err := Open(ct, key)
	require.NoError(t, err)
	assert.Equal(t, `{"type":"PING"}`, string(plain))
}

func TestDeriveKeyIsDeterministic(t *testing.T) {
	a, err := DeriveKey("token")
	require.NoError(t, err)
	b, err := DeriveKey("token")
	require.NoError(t, err)
	c, err := DeriveKey("other")
	require.NoError(t, err)
	assert.Equal(t, *a, *b)
	assert.NotEqual(t, *a, *c)

	_, err = DeriveKey("")
	assert.ErrorIs(t, err, ErrEmptyToken)
}

func TestOpen_WrongKey(t *testing.T) {
	a, _ := DeriveKey("a")
	b, _ := DeriveKey("b")
	ct, err := Seal([]byte("x"), a)
	require.NoError(t, err)
	_, err = Open(ct, b)
	assert.ErrorIs(t, err, ErrAuth)
	_, err = Open(ct[:10], a)
	assert.ErrorIs(t, err, ErrShort)
}

// Package crypto seals daemon messages sent over TCP with NaCl secretbox.
//
// A 32-byte symmetric key is derived from the shared token using HKDF-SHA256.
// Every message is encrypted with a random 24-byte nonce prepended to the
// ciphertext:
//
//	[ 24-byte nonce ][ ciphertext ]
//
// The local unix socket is protected by file permissions and carries plain
// JSON; the wire layer passes a nil key there.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	// KeySize is the length of a derived key.
	KeySize   = 32
	nonceSize = 24
)

var hkdfInfo = []byte("interchange-v1")

var (
	// ErrEmptyToken is returned when deriving a key from an empty token.
	ErrEmptyToken = errors.New("crypto: empty token")
	// ErrShort is returned for ciphertext shorter than a nonce.
	ErrShort = errors.New("crypto: ciphertext too short")
	// ErrAuth is returned when a message fails authentication, which
	// usually means the peers hold different tokens.
	ErrAuth = errors.New("crypto: decryption failed (wrong token?)")
)

// Key is a secretbox key.
type Key = [KeySize]byte

// DeriveKey derives a key from a token string using HKDF-SHA256. Both sides
// must use the same token to derive the same key.
func DeriveKey(token string) (*Key, error) {
	if token == "" {
		return nil, ErrEmptyToken
	}
	h := hkdf.New(sha256.New, []byte(token), nil, hkdfInfo)
	var key Key
	if _, err := io.ReadFull(h, key[:]); err != nil {
		return nil, fmt.Errorf("key derivation: %w", err)
	}
	return &key, nil
}

// Seal encrypts plaintext with key, prepending a random nonce.
func Seal(plaintext []byte, key *Key) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("nonce generation: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, key), nil
}

// Open decrypts ciphertext (nonce+ciphertext) with key.
func Open(ciphertext []byte, key *Key) ([]byte, error) {
	if len(ciphertext) < nonceSize+secretbox.Overhead {
		return nil, ErrShort
	}
	var nonce [nonceSize]byte
	copy(nonce[:], ciphertext[:nonceSize])
	plain, ok := secretbox.Open(nil, ciphertext[nonceSize:], &nonce, key)
	if !ok {
		return nil, ErrAuth
	}
	return plain, nil
}

// Package secretcodec encrypts small secrets (TOTP seeds) at rest with a
// caller-supplied key.
//
// Ciphertexts are AES-256-GCM with layout [nonce | ciphertext | tag]. The
// cipher key is derived from the caller's key material with HKDF-SHA256, so any
// non-empty key length is accepted. Key management itself stays outside this
// package; nothing here holds keys in package-level state.
package secretcodec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const hkdfInfo = "mailauth/secretcodec/v1"

var (
	// ErrEmptyKey is returned when no key material is supplied.
	ErrEmptyKey = errors.New("secretcodec: empty key")
	// ErrCiphertextTooShort is returned when the input cannot hold a nonce and tag.
	ErrCiphertextTooShort = errors.New("secretcodec: ciphertext too short")
	// ErrDecrypt is returned when authentication of the ciphertext fails.
	ErrDecrypt = errors.New("secretcodec: decryption failed")
)

// Encrypt seals plaintext under key.
func Encrypt(plaintext, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("secretcodec: nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a value produced by Encrypt with the same key.
func Decrypt(ciphertext, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	ns := gcm.NonceSize()
	if len(ciphertext) < ns+gcm.Overhead() {
		return nil, ErrCiphertextTooShort
	}

	plaintext, err := gcm.Open(nil, ciphertext[:ns], ciphertext[ns:], nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// Codec binds Encrypt and Decrypt to one key.
type Codec struct {
	key []byte
}

// New returns a Codec holding a private copy of key.
func New(key []byte) (*Codec, error) {
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}
	return &Codec{key: append([]byte(nil), key...)}, nil
}

// Encrypt seals plaintext.
func (c *Codec) Encrypt(plaintext []byte) ([]byte, error) {
	return Encrypt(plaintext, c.key)
}

// Decrypt opens ciphertext.
func (c *Codec) Decrypt(ciphertext []byte) ([]byte, error) {
	return Decrypt(ciphertext, c.key)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}

	derived := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, key, nil, []byte(hkdfInfo)), derived); err != nil {
		return nil, fmt.Errorf("secretcodec: derive key: %w", err)
	}

	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("secretcodec: cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

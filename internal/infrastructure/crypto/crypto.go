// Package crypto encrypts secrets at rest: provider tokens and tenant
// credentials.
package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrInvalidKey         = errors.New("encryption key must be exactly 32 bytes")
	ErrCiphertextTooShort = errors.New("ciphertext too short")
	ErrUndecryptable      = errors.New("ciphertext does not open under any configured key")
)

// Encryptor seals strings with XChaCha20-Poly1305 under the current key.
// Output is base64(nonce || ciphertext). Values sealed under a previous key
// still open, so keys can be rotated without rewriting every row first.
type Encryptor struct {
	current  cipher.AEAD
	previous []cipher.AEAD
}

func NewEncryptor(key string, previous ...string) (*Encryptor, error) {
	current, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	e := &Encryptor{current: current}
	for _, k := range previous {
		aead, err := newAEAD(k)
		if err != nil {
			return nil, fmt.Errorf("previous key: %w", err)
		}
		e.previous = append(e.previous, aead)
	}
	return e, nil
}

func newAEAD(key string) (cipher.AEAD, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrInvalidKey
	}
	aead, err := chacha20poly1305.NewX([]byte(key))
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return aead, nil
}

// Encrypt returns "" for "" so optional columns stay empty.
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	aead := e.current
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (e *Encryptor) Decrypt(ciphertext string) (string, error) {
	plaintext, _, err := e.open(ciphertext)
	return plaintext, err
}

// NeedsRotation reports whether ciphertext was sealed under a previous key.
func (e *Encryptor) NeedsRotation(ciphertext string) (bool, error) {
	_, stale, err := e.open(ciphertext)
	return stale, err
}

func (e *Encryptor) open(ciphertext string) (string, bool, error) {
	if ciphertext == "" {
		return "", false, nil
	}

	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", false, fmt.Errorf("failed to decode ciphertext: %w", err)
	}
	nonceSize := chacha20poly1305.NonceSizeX
	if len(data) < nonceSize+chacha20poly1305.Overhead {
		return "", false, ErrCiphertextTooShort
	}
	nonce, sealed := data[:nonceSize], data[nonceSize:]

	if plaintext, err := e.current.Open(nil, nonce, sealed, nil); err == nil {
		return string(plaintext), false, nil
	}
	for _, aead := range e.previous {
		if plaintext, err := aead.Open(nil, nonce, sealed, nil); err == nil {
			return string(plaintext), true, nil
		}
	}
	return "", false, ErrUndecryptable
}

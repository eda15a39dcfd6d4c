// Package secrets seals gateway credentials for storage at rest. Records
// hold the ciphertext, IV, and auth tag separately, base64 in JSON, so
// rows stay portable across runtimes. Keys and plaintext stay in process
// memory and out of every log line.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

const (
	// KeyLen is AES-256.
	KeyLen = 32
	ivLen  = 12
	tagLen = 16
)

// ErrTampered is returned when a blob fails authentication. A record that
// was modified at rest must never decrypt quietly.
var ErrTampered = errors.New("credential failed authentication")

// Blob is one encrypted credential. Field names follow the storage schema.
type Blob struct {
	Encrypted string `json:"encrypted"`
	IV        string `json:"iv"`
	AuthTag   string `json:"authTag"`
}

// Codec encrypts and decrypts credentials under one key.
type Codec struct {
	aead cipher.AEAD
}

// New builds a codec. The key must be exactly KeyLen bytes.
func New(key []byte) (*Codec, error) {
	if len(key) != KeyLen {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", KeyLen, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &Codec{aead: aead}, nil
}

// Encrypt seals plaintext under a fresh random IV. Two calls with the
// same input produce different blobs; an IV is never reused.
func (c *Codec) Encrypt(plaintext string) (Blob, error) {
	iv := make([]byte, ivLen)
	if _, err := rand.Read(iv); err != nil {
		return Blob{}, fmt.Errorf("draw iv: %w", err)
	}
	sealed := c.aead.Seal(nil, iv, []byte(plaintext), nil)
	split := len(sealed) - tagLen
	return Blob{
		Encrypted: base64.StdEncoding.EncodeToString(sealed[:split]),
		IV:        base64.StdEncoding.EncodeToString(iv),
		AuthTag:   base64.StdEncoding.EncodeToString(sealed[split:]),
	}, nil
}

// Decrypt opens a blob. Any modification to any of the three fields fails
// with ErrTampered.
func (c *Codec) Decrypt(blob Blob) (string, error) {
	ct, err := base64.StdEncoding.DecodeString(blob.Encrypted)
	if err != nil {
		return "", fmt.Errorf("encrypted field: %w", err)
	}
	iv, err := base64.StdEncoding.DecodeString(blob.IV)
	if err != nil {
		return "", fmt.Errorf("iv field: %w", err)
	}
	tag, err := base64.StdEncoding.DecodeString(blob.AuthTag)
	if err != nil {
		return "", fmt.Errorf("authTag field: %w", err)
	}
	if len(iv) != ivLen || len(tag) != tagLen {
		return "", ErrTampered
	}
	plain, err := c.aead.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return "", ErrTampered
	}
	return string(plain), nil
}

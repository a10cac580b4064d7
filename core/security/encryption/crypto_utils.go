// Package encryption seals stored row payloads with AES-GCM.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/scrypt"
)

// SaltSize is the length of the random salt a passphrase is stretched with.
const SaltSize = 16

// scrypt cost parameters for passphrases.
const (
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

var (
	ErrCiphertextTooShort = errors.New("ciphertext is too short")
	ErrMissingSalt        = errors.New("passphrase key requires a salt")
)

// RowCipher encrypts row payloads. The random nonce is prepended to every
// ciphertext; the bucket name is bound as additional data so a payload cannot be
// replayed into another entity type.
type RowCipher struct {
	gcm cipher.AEAD
}

// NewRowCipher accepts a 16, 24 or 32 byte key (AES-128, AES-192, AES-256).
func NewRowCipher(key []byte) (*RowCipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &RowCipher{gcm: gcm}, nil
}

// IsRawKey reports whether s is 32, 48 or 64 hex digits, i.e. usable as AES
// key material without derivation.
func IsRawKey(s string) bool {
	_, ok := rawKey(s)
	return ok
}

func rawKey(s string) ([]byte, bool) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, false
	}
	switch len(raw) {
	case 16, 24, 32:
		return raw, true
	}
	return nil, false
}

// NewSalt returns SaltSize random bytes.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// ParseKey reads a configured key. A raw hex key (see IsRawKey) is used as is
// and salt is ignored; anything else is a passphrase, stretched to an AES-256
// key with scrypt over salt. An empty key disables encryption (nil cipher).
func ParseKey(s string, salt []byte) (*RowCipher, error) {
	if s == "" {
		return nil, nil
	}
	if raw, ok := rawKey(s); ok {
		return NewRowCipher(raw)
	}
	if len(salt) == 0 {
		return nil, ErrMissingSalt
	}
	key, err := scrypt.Key([]byte(s), salt, scryptN, scryptR, scryptP, 32)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return NewRowCipher(key)
}

func (c *RowCipher) Seal(bucket, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.gcm.NonceSize(), c.gcm.NonceSize()+len(plaintext)+c.gcm.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return c.gcm.Seal(nonce, nonce, plaintext, bucket), nil
}

func (c *RowCipher) Open(bucket, ciphertext []byte) ([]byte, error) {
	n := c.gcm.NonceSize()
	if len(ciphertext) < n {
		return nil, ErrCiphertextTooShort
	}
	plaintext, err := c.gcm.Open(nil, ciphertext[:n], ciphertext[n:], bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

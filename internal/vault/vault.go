// ABOUTME: Symmetric encryption of vendor credentials at rest using AES-256-GCM
// ABOUTME: Packs ciphertext as ivHex:tagHex:cipherHex and derives keys from passphrases via HKDF

package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	keySize   = 32
	ivSize    = 12
	tagSize   = 16
	hkdfLabel = "wa-gateway credential vault v1"

	// minPassphraseLen guards against trivially short keys when not given raw hex.
	minPassphraseLen = 16
)

// ErrDecryption is returned for any malformed, tampered, or wrong-key ciphertext.
var ErrDecryption = errors.New("credential decryption failed")

// ErrInvalidKey is returned when the configured key cannot be used.
var ErrInvalidKey = errors.New("invalid vault key")

// Vault encrypts and decrypts credential strings with a single process-wide key.
// It is safe for concurrent use.
type Vault struct {
	aead cipher.AEAD
}

// New builds a Vault from key material. A 64 character hex string is used as
// the raw 32-byte key; anything else is treated as a passphrase and stretched
// with HKDF-SHA256.
func New(key string) (*Vault, error) {
	raw, err := deriveKey(key)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	aead, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return &Vault{aead: aead}, nil
}

func deriveKey(key string) ([]byte, error) {
	if len(key) == keySize*2 {
		if raw, err := hex.DecodeString(key); err == nil {
			return raw, nil
		}
	}

	if len(key) < minPassphraseLen {
		return nil, fmt.Errorf("%w: passphrase must be at least %d bytes or %d hex chars", ErrInvalidKey, minPassphraseLen, keySize*2)
	}

	raw := make([]byte, keySize)
	r := hkdf.New(sha256.New, []byte(key), nil, []byte(hkdfLabel))
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}
	return raw, nil
}

// Encrypt seals plaintext with a fresh random IV.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generating iv: %w", err)
	}

	sealed := v.aead.Seal(nil, iv, []byte(plaintext), nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(tag) + ":" + hex.EncodeToString(ct), nil
}

// Decrypt opens a value produced by Encrypt.
func (v *Vault) Decrypt(packed string) (string, error) {
	parts := strings.Split(packed, ":")
	if len(parts) != 3 {
		return "", fmt.Errorf("%w: expected 3 segments, got %d", ErrDecryption, len(parts))
	}

	iv, err := hex.DecodeString(parts[0])
	if err != nil || len(iv) != ivSize {
		return "", fmt.Errorf("%w: bad iv", ErrDecryption)
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil || len(tag) != tagSize {
		return "", fmt.Errorf("%w: bad tag", ErrDecryption)
	}
	ct, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", fmt.Errorf("%w: bad ciphertext", ErrDecryption)
	}

	plain, err := v.aead.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	return string(plain), nil
}

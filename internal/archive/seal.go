package archive

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// SealedSuffix is appended to the key of every encrypted archive object.
const SealedSuffix = ".enc"

// Sealer encrypts archive objects with AES-256-GCM. A sealed object is the
// random nonce followed by the ciphertext.
type Sealer struct {
	gcm cipher.AEAD
}

// NewSealer creates a Sealer from a 64-character hex-encoded (32-byte) key.
func NewSealer(hexKey string) (*Sealer, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decode archive encryption key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("archive encryption key must be 32 bytes (64 hex chars), got %d bytes", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &Sealer{gcm: gcm}, nil
}

// Seal encrypts body.
func (s *Sealer) Seal(body []byte) ([]byte, error) {
	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return s.gcm.Seal(nonce, nonce, body, nil), nil
}

// Open decrypts an object produced by Seal.
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	n := s.gcm.NonceSize()
	if len(sealed) < n {
		return nil, fmt.Errorf("sealed object too short")
	}
	body, err := s.gcm.Open(nil, sealed[:n], sealed[n:], nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt archive object: %w", err)
	}
	return body, nil
}

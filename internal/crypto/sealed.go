package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// sealedVersion prefixes every at-rest blob so the format can change later.
const sealedVersion byte = 0x01

// MasterKey seals provider credentials at rest.
type MasterKey struct {
	key []byte
}

// NewMasterKey decodes a base64 32-byte key.
func NewMasterKey(b64 string) (*MasterKey, error) {
	key, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("crypto: master key: %w", err)
	}
	if len(key) != keySize {
		Zero(key)
		return nil, fmt.Errorf("crypto: master key must be %d bytes, got %d", keySize, len(key))
	}
	return &MasterKey{key: key}, nil
}

// Seal returns version || nonce || ciphertext+tag.
func (m *MasterKey) Seal(plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(m.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: nonce: %w", err)
	}
	out := make([]byte, 0, 1+nonceSize+len(plaintext)+tagSize)
	out = append(out, sealedVersion)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plaintext, nil), nil
}

// Open reverses Seal. The caller owns (and must zero) the result.
func (m *MasterKey) Open(blob []byte) ([]byte, error) {
	if len(blob) < 1+nonceSize+tagSize || blob[0] != sealedVersion {
		return nil, ErrInvalidFormat
	}
	gcm, err := newGCM(m.key)
	if err != nil {
		return nil, err
	}
	pt, err := gcm.Open(nil, blob[1:1+nonceSize], blob[1+nonceSize:], nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return pt, nil
}

// Close zeroes the key.
func (m *MasterKey) Close() {
	Zero(m.key)
}

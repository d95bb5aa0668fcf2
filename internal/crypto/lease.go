// Package crypto implements the lease payload cipher and provider key sealing.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// Algorithm is the only supported lease payload algorithm.
const Algorithm = "AES256"

const (
	keySize   = 32
	nonceSize = 12
	tagSize   = 16
	leaseInfo = "leasegate/lease/v1|"
)

var (
	// ErrInvalidFormat signals a malformed ip_token.
	ErrInvalidFormat = errors.New("crypto: invalid lease payload format")
	// ErrDecrypt signals an authentication failure (wrong key or tampered payload).
	ErrDecrypt = errors.New("crypto: decryption failed")
)

// EncryptedLease is the sealed provider credential carried in a lease.
type EncryptedLease struct {
	Algorithm  string
	IV         []byte
	Ciphertext []byte
	AuthTag    []byte
}

// String renders ALG:iv_b64:ciphertext_b64:tag_b64.
func (e EncryptedLease) String() string {
	enc := base64.StdEncoding
	return strings.Join([]string{
		e.Algorithm,
		enc.EncodeToString(e.IV),
		enc.EncodeToString(e.Ciphertext),
		enc.EncodeToString(e.AuthTag),
	}, ":")
}

// ParseEncryptedLease parses the ip_token wire form.
func ParseEncryptedLease(s string) (EncryptedLease, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 4 || parts[0] != Algorithm {
		return EncryptedLease{}, ErrInvalidFormat
	}
	enc := base64.StdEncoding
	iv, err := enc.DecodeString(parts[1])
	if err != nil || len(iv) != nonceSize {
		return EncryptedLease{}, ErrInvalidFormat
	}
	ct, err := enc.DecodeString(parts[2])
	if err != nil {
		return EncryptedLease{}, ErrInvalidFormat
	}
	tag, err := enc.DecodeString(parts[3])
	if err != nil || len(tag) != tagSize {
		return EncryptedLease{}, ErrInvalidFormat
	}
	return EncryptedLease{Algorithm: parts[0], IV: iv, Ciphertext: ct, AuthTag: tag}, nil
}

// DeriveLeaseKey derives the per-lease key from the agent credential and the shared salt.
// The caller must Zero the result once done.
func DeriveLeaseKey(credential, salt []byte, leaseID string) ([]byte, error) {
	if len(credential) == 0 || len(salt) == 0 {
		return nil, fmt.Errorf("crypto: credential and salt are required")
	}
	r := hkdf.New(sha256.New, credential, salt, []byte(leaseInfo+leaseID))
	key := make([]byte, keySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("crypto: derive lease key: %w", err)
	}
	return key, nil
}

// SealLease encrypts plaintext under key into an EncryptedLease.
func SealLease(key, plaintext []byte) (EncryptedLease, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return EncryptedLease{}, err
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return EncryptedLease{}, fmt.Errorf("crypto: nonce: %w", err)
	}
	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	n := len(sealed) - tagSize
	return EncryptedLease{
		Algorithm:  Algorithm,
		IV:         nonce,
		Ciphertext: sealed[:n],
		AuthTag:    sealed[n:],
	}, nil
}

// OpenLease decrypts an EncryptedLease. The caller owns (and must zero) the result.
func OpenLease(key []byte, e EncryptedLease) ([]byte, error) {
	if e.Algorithm != Algorithm {
		return nil, ErrInvalidFormat
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	sealed := make([]byte, 0, len(e.Ciphertext)+len(e.AuthTag))
	sealed = append(sealed, e.Ciphertext...)
	sealed = append(sealed, e.AuthTag...)
	pt, err := gcm.Open(nil, e.IV, sealed, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return pt, nil
}

// Zero overwrites b.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("crypto: key must be %d bytes, got %d", keySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("crypto: gcm: %w", err)
	}
	return gcm, nil
}

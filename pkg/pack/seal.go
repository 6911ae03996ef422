package pack

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
)

// sealMagic prefixes password-sealed packages.
var sealMagic = []byte("XFERSEAL")

const (
	saltSize  = 16
	nonceSize = 24
	keySize   = 32

	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

var (
	// ErrPasswordRequired is returned when a sealed package is opened without a password.
	ErrPasswordRequired = errors.New("package is sealed: password required")

	// ErrWrongPassword is returned when a sealed package cannot be opened with the given password.
	ErrWrongPassword = errors.New("failed to open sealed package: wrong password or corrupted data")
)

// IsSealed reports whether data is a password-sealed package.
func IsSealed(data []byte) bool {
	return bytes.HasPrefix(data, sealMagic)
}

// Seal encrypts data with a key derived from password.
// Layout: magic | salt | nonce | secretbox(data).
func Seal(data []byte, password string) ([]byte, error) {
	if password == "" {
		return nil, ErrPasswordRequired
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	key, err := deriveKey(password, salt)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(sealMagic)+saltSize+nonceSize+len(data)+secretbox.Overhead)
	out = append(out, sealMagic...)
	out = append(out, salt...)
	out = append(out, nonce[:]...)
	return secretbox.Seal(out, data, &nonce, key), nil
}

// Open decrypts a sealed package.
func Open(data []byte, password string) ([]byte, error) {
	if !IsSealed(data) {
		return nil, fmt.Errorf("package is not sealed")
	}
	if password == "" {
		return nil, ErrPasswordRequired
	}

	body := data[len(sealMagic):]
	if len(body) < saltSize+nonceSize+secretbox.Overhead {
		return nil, ErrWrongPassword
	}
	salt := body[:saltSize]
	var nonce [nonceSize]byte
	copy(nonce[:], body[saltSize:saltSize+nonceSize])

	key, err := deriveKey(password, salt)
	if err != nil {
		return nil, err
	}
	plain, ok := secretbox.Open(nil, body[saltSize+nonceSize:], &nonce, key)
	if !ok {
		return nil, ErrWrongPassword
	}
	return plain, nil
}

func deriveKey(password string, salt []byte) (*[keySize]byte, error) {
	derived, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	var key [keySize]byte
	copy(key[:], derived)
	return &key, nil
}

// Package auth implements the optional authenticated session of the
// management API: a password derived key, a nonce handshake proving the
// key, and an encrypted stream keyed per session.
package auth

import (
	"crypto/pbkdf2"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// KeyLength is the length of generated passwords.
	KeyLength   = 16
	keyAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

	kdfSalt       = "CANIPER-Key-v1"
	kdfIterations = 100000
	sessionInfo   = "CANIPER-Session-v1"
)

// ErrEmptyPassword is returned when deriving a key from "".
var ErrEmptyPassword = errors.New("password cannot be empty")

// GenerateKey returns a random alphanumeric password of KeyLength chars.
func GenerateKey() (string, error) {
	raw := make([]byte, KeyLength)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	for i, b := range raw {
		raw[i] = keyAlphabet[int(b)%len(keyAlphabet)]
	}
	return string(raw), nil
}

// DeriveKey stretches a password to a 32 byte key.
func DeriveKey(password string) ([]byte, error) {
	if password == "" {
		return nil, ErrEmptyPassword
	}
	return pbkdf2.Key(sha256.New, password, []byte(kdfSalt), kdfIterations, 32)
}

// SessionKey expands key and both handshake nonces into the key of one
// encrypted session.
func SessionKey(key []byte, n Nonces) ([]byte, error) {
	salt := make([]byte, 0, len(n.Server)+len(n.Client))
	salt = append(append(salt, n.Server...), n.Client...)
	out := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, key, salt, []byte(sessionInfo)), out); err != nil {
		return nil, err
	}
	return out, nil
}

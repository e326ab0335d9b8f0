package auth

import (
	"bufio"
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"

	apitypes "github.com/Alia5/CANIPER/apitypes"
	apierror "github.com/Alia5/CANIPER/internal/server/api/error"
)

// Handshake layout:
//
//	client: Magic | client nonce[32] | HMAC-SHA256(key, proofContext|nonce)
//	server: "OK\0" | server nonce[32]   or one problem+json line
const (
	Magic        = "CNP1\x00"
	NonceSize    = 32
	proofContext = "CANIPER-Auth-v1"
	accepted     = "OK\x00"
)

// Nonces are the two random values exchanged by a handshake.
type Nonces struct {
	Client []byte
	Server []byte
}

func proof(key, nonce []byte) []byte {
	mac := hmac.New(sha256.New, key)
	_, _ = mac.Write([]byte(proofContext))
	_, _ = mac.Write(nonce)
	return mac.Sum(nil)
}

func randomNonce() ([]byte, error) {
	n := make([]byte, NonceSize)
	if _, err := rand.Read(n); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return n, nil
}

// Detect reports whether the buffered stream starts with Magic.
func Detect(r *bufio.Reader) (bool, error) {
	b, err := r.Peek(len(Magic))
	if err != nil {
		return false, err
	}
	return string(b) == Magic, nil
}

// ClientHandshake proves key to the server and returns the nonces of the
// session. A rejection from the server is returned as *apitypes.ApiError.
func ClientHandshake(r *bufio.Reader, w io.Writer, key []byte) (Nonces, error) {
	if len(key) == 0 {
		return Nonces{}, fmt.Errorf("handshake: missing key")
	}
	client, err := randomNonce()
	if err != nil {
		return Nonces{}, err
	}

	msg := make([]byte, 0, len(Magic)+NonceSize+sha256.Size)
	msg = append(msg, Magic...)
	msg = append(msg, client...)
	msg = append(msg, proof(key, client)...)
	if _, err := w.Write(msg); err != nil {
		return Nonces{}, fmt.Errorf("write handshake: %w", err)
	}

	status := make([]byte, len(accepted))
	if _, err := io.ReadFull(r, status); err != nil {
		if err == io.EOF {
			return Nonces{}, apierror.ErrUnauthorized("invalid password")
		}
		return Nonces{}, fmt.Errorf("read handshake status: %w", err)
	}
	if string(status) != accepted {
		rest, _ := r.ReadBytes('\n')
		line := bytes.TrimSpace(append(status, rest...))
		var apiErr apitypes.ApiError
		if json.Unmarshal(line, &apiErr) == nil && (apiErr.Status != 0 || apiErr.Title != "") {
			return Nonces{}, &apiErr
		}
		return Nonces{}, fmt.Errorf("unexpected handshake reply %q", line)
	}

	server := make([]byte, NonceSize)
	if _, err := io.ReadFull(r, server); err != nil {
		return Nonces{}, fmt.Errorf("read server nonce: %w", err)
	}
	return Nonces{Client: client, Server: server}, nil
}

// ServerHandshake consumes a client handshake (Magic included), checks the
// proof against key and answers with the server nonce. A wrong proof
// returns an unauthorized API error and writes nothing.
func ServerHandshake(r *bufio.Reader, w io.Writer, key []byte) (Nonces, error) {
	if len(key) == 0 {
		return Nonces{}, fmt.Errorf("handshake: missing key")
	}
	if _, err := r.Discard(len(Magic)); err != nil {
		return Nonces{}, fmt.Errorf("read handshake magic: %w", err)
	}
	msg := make([]byte, NonceSize+sha256.Size)
	if _, err := io.ReadFull(r, msg); err != nil {
		return Nonces{}, fmt.Errorf("read client handshake: %w", err)
	}
	client, got := msg[:NonceSize], msg[NonceSize:]
	if !hmac.Equal(got, proof(key, client)) {
		return Nonces{}, apierror.ErrUnauthorized("invalid password")
	}

	server, err := randomNonce()
	if err != nil {
		return Nonces{}, err
	}
	if _, err := w.Write(append([]byte(accepted), server...)); err != nil {
		return Nonces{}, fmt.Errorf("write handshake reply: %w", err)
	}
	return Nonces{Client: client, Server: server}, nil
}

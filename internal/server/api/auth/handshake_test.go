package auth_test

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net"
	"strings"
	"testing"

	apitypes "github.com/Alia5/CANIPER/apitypes"
	"github.com/Alia5/CANIPER/internal/server/api/auth"
	apierror "github.com/Alia5/CANIPER/internal/server/api/error"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetect(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    bool
		wantErr bool
	}{
		{name: "magic", input: auth.Magic + "rest", want: true},
		{name: "plain request", input: "bus/list\x00", want: false},
		{name: "too short", input: "pi", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := bufio.NewReader(strings.NewReader(tt.input))
			got, err := auth.Detect(r)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			peeked, _ := r.Peek(1)
			assert.Equal(t, tt.input[:1], string(peeked), "Detect does not consume")
		})
	}
}

// serveOnce runs ServerHandshake on the server end and reports rejections
// the way the API server does.
func serveOnce(conn net.Conn, key []byte) <-chan auth.Nonces {
	out := make(chan auth.Nonces, 1)
	go func() {
		defer close(out)
		n, err := auth.ServerHandshake(bufio.NewReader(conn), conn, key)
		if err != nil {
			var apiErr apitypes.ApiError
			if errors.As(err, &apiErr) {
				b, _ := json.Marshal(apiErr)
				_, _ = conn.Write(append(b, '\n'))
			}
			_ = conn.Close()
			return
		}
		out <- n
	}()
	return out
}

func TestHandshake(t *testing.T) {
	tests := []struct {
		name      string
		clientPw  string
		serverPw  string
		wantError string
	}{
		{name: "matching keys", clientPw: "secret", serverPw: "secret"},
		{name: "wrong password", clientPw: "nope", serverPw: "secret", wantError: "401 Unauthorized: invalid password"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, s := net.Pipe()
			defer c.Close()
			defer s.Close()

			done := serveOnce(s, mustKey(t, tt.serverPw))
			got, err := auth.ClientHandshake(bufio.NewReader(c), c, mustKey(t, tt.clientPw))
			if tt.wantError != "" {
				assert.EqualError(t, err, tt.wantError)
				return
			}
			require.NoError(t, err)
			srv := <-done
			assert.Equal(t, srv.Client, got.Client)
			assert.Equal(t, srv.Server, got.Server)
			assert.Len(t, got.Server, auth.NonceSize)
		})
	}
}

func TestServerHandshake_Errors(t *testing.T) {
	key := mustKey(t, "secret")
	tests := []struct {
		name  string
		input []byte
		key   []byte
		want  string
	}{
		{name: "missing key", input: []byte(auth.Magic), key: nil, want: "missing key"},
		{name: "truncated", input: append([]byte(auth.Magic), "short"...), key: key, want: "read client handshake"},
		{name: "bad proof", input: append([]byte(auth.Magic), make([]byte, auth.NonceSize+32)...), key: key, want: "invalid password"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			_, err := auth.ServerHandshake(bufio.NewReader(bytes.NewReader(tt.input)), &out, tt.key)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			assert.Zero(t, out.Len(), "nothing is written on failure")
		})
	}

	var apiErr apitypes.ApiError
	_, err := auth.ServerHandshake(bufio.NewReader(bytes.NewReader(append([]byte(auth.Magic), make([]byte, auth.NonceSize+32)...))), io.Discard, key)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, apierror.ErrUnauthorized("invalid password"), apiErr)
}

func TestClientHandshake_BadReply(t *testing.T) {
	c, s := net.Pipe()
	defer c.Close()
	go func() {
		_, _ = io.ReadFull(s, make([]byte, len(auth.Magic)+auth.NonceSize+32))
		_, _ = s.Write([]byte("NOPE\n"))
		_ = s.Close()
	}()
	_, err := auth.ClientHandshake(bufio.NewReader(c), c, mustKey(t, "secret"))
	assert.ErrorContains(t, err, "unexpected handshake reply")
}

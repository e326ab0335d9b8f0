package auth_test

import (
	"encoding/binary"
	"io"
	"net"
	"testing"

	"github.com/Alia5/CANIPER/internal/server/api/auth"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sessionPair(t *testing.T, clientKey, serverKey []byte) (client, server *auth.Conn, rawClient, rawServer net.Conn) {
	t.Helper()
	rawClient, rawServer = net.Pipe()
	t.Cleanup(func() {
		_ = rawClient.Close()
		_ = rawServer.Close()
	})
	var err error
	client, err = auth.Wrap(rawClient, clientKey, true)
	require.NoError(t, err)
	server, err = auth.Wrap(rawServer, serverKey, false)
	require.NoError(t, err)
	return client, server, rawClient, rawServer
}

func mustKey(t *testing.T, pw string) []byte {
	t.Helper()
	k, err := auth.DeriveKey(pw)
	require.NoError(t, err)
	return k
}

func TestConn_BothDirections(t *testing.T) {
	key := mustKey(t, "test123")
	client, server, _, _ := sessionPair(t, key, key)

	msgs := []string{"ping\x00", "bus/list\x00", "bus/1/add {\"type\":\"gsusb\"}\x00"}
	go func() {
		for _, m := range msgs {
			_, _ = client.Write([]byte(m))
		}
	}()
	for _, want := range msgs {
		buf := make([]byte, len(want))
		_, err := io.ReadFull(server, buf)
		require.NoError(t, err)
		assert.Equal(t, want, string(buf))
	}

	go func() { _, _ = server.Write([]byte("{\"ok\":true}\n")) }()
	buf := make([]byte, 12)
	_, err := io.ReadFull(client, buf)
	require.NoError(t, err)
	assert.Equal(t, "{\"ok\":true}\n", string(buf))
}

func TestConn_PartialReads(t *testing.T) {
	key := mustKey(t, "test123")
	client, server, _, _ := sessionPair(t, key, key)

	go func() { _, _ = client.Write([]byte("abcdef")) }()
	small := make([]byte, 4)
	n, err := server.Read(small)
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(small[:n]))
	n, err = server.Read(small)
	require.NoError(t, err)
	assert.Equal(t, "ef", string(small[:n]))
}

func TestConn_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		other []byte
		raw   func(w net.Conn)
		want  string
	}{
		{
			name:  "different keys",
			other: mustKey(t, "123test"),
			want:  "message authentication failed",
		},
		{
			name: "oversized record",
			raw: func(w net.Conn) {
				var hdr [4]byte
				binary.BigEndian.PutUint32(hdr[:], 1<<21)
				_, _ = w.Write(hdr[:])
			},
			want: auth.ErrRecordTooLarge.Error(),
		},
		{
			name: "record sealed by the receiving side",
			raw:  nil,
			want: "message authentication failed",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := mustKey(t, "test123")
			other := key
			if tt.other != nil {
				other = tt.other
			}
			client, server, rawClient, _ := sessionPair(t, key, other)

			switch {
			case tt.raw != nil:
				go tt.raw(rawClient)
			case tt.other != nil:
				go func() { _, _ = client.Write([]byte("x")) }()
			default:
				// a server-direction record replayed towards the server
				mirror, err := auth.Wrap(rawClient, key, false)
				require.NoError(t, err)
				go func() { _, _ = mirror.Write([]byte("x")) }()
			}

			_, err := server.Read(make([]byte, 8))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestWrap_BadKey(t *testing.T) {
	a, _ := net.Pipe()
	defer a.Close()
	_, err := auth.Wrap(a, []byte{1, 2, 3}, true)
	assert.ErrorContains(t, err, "bad key length")
}

func TestConn_ClosedPeer(t *testing.T) {
	key := mustKey(t, "test123")
	client, server, _, rawServer := sessionPair(t, key, key)
	require.NoError(t, rawServer.Close())

	_, err := client.Write([]byte("x"))
	assert.Error(t, err)
	_, err = server.Read(make([]byte, 1))
	assert.Error(t, err)
}

package log

import (
	"bytes"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRawLogger(t *testing.T) {
	var buf bytes.Buffer
	r := NewRaw(&buf).(*rawLogger)
	r.now = func() time.Time { return time.Date(2024, 5, 6, 7, 8, 9, 123456000, time.UTC) }

	r.Log(true, []byte{0x01, 0x11, 0x80, 0x05})
	r.Log(false, []byte{0xff})
	r.Log(true, []byte{0x00, 0x0a})
	r.Log(true, nil)

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "2024/05/06 07:08:09.123456 C->S chunk: 4 bytes @0, hex: 01 11 80 05", lines[0])
	assert.Equal(t, "2024/05/06 07:08:09.123456 S->C chunk: 1 bytes @0, hex: ff", lines[1])
	assert.Equal(t, "2024/05/06 07:08:09.123456 C->S chunk: 2 bytes @4, hex: 00 0a", lines[2])
}

func TestRawLogger_NilWriter(t *testing.T) {
	assert.NotPanics(t, func() { NewRaw(nil).Log(true, []byte{1, 2, 3}) })
}

func TestTap(t *testing.T) {
	var buf bytes.Buffer
	raw := NewRaw(&buf)
	client, server := net.Pipe()
	defer client.Close()
	tapped := Tap(server, raw, true)
	defer tapped.Close()

	go func() {
		_, _ = client.Write([]byte{0xaa, 0xbb})
		_, _ = io.ReadFull(client, make([]byte, 1))
	}()
	_, err := io.ReadFull(tapped, make([]byte, 2))
	require.NoError(t, err)
	_, err = tapped.Write([]byte{0xcc})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "C->S chunk: 2 bytes @0, hex: aa bb")
	assert.Contains(t, out, "S->C chunk: 1 bytes @0, hex: cc")

	assert.Same(t, server, Tap(server, nil, true))
}

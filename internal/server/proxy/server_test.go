package proxy

import (
	"bytes"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Alia5/CANIPER/internal/log"
	usbs "github.com/Alia5/CANIPER/internal/server/usb"
	htesting "github.com/Alia5/CANIPER/internal/testing"
	caniperTesting "github.com/Alia5/CANIPER/testing"
	"github.com/Alia5/CANIPER/virtualbus"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestProxy_ForwardsAndLogs(t *testing.T) {
	upstream := usbs.New(usbs.ServerConfig{Addr: "127.0.0.1:0", ConnectionTimeout: time.Second}, slog.Default(), nil)
	upErr := make(chan error, 1)
	go func() { upErr <- upstream.ListenAndServe() }()
	select {
	case <-upstream.Ready():
	case err := <-upErr:
		t.Fatalf("upstream failed: %v", err)
	}
	t.Cleanup(func() { _ = upstream.Close() })

	b := virtualbus.New()
	require.NoError(t, upstream.AddBus(b))
	_, err := b.Add(htesting.NewMockDevice(0x1d50, 0x606f))
	require.NoError(t, err)

	var logs, raw syncBuffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	p := New("127.0.0.1:0", upstream.Addr(), time.Second, logger, log.NewRaw(&raw))
	require.NoError(t, p.Listen())
	served := make(chan error, 1)
	go func() { served <- p.Serve() }()

	devs, err := caniperTesting.NewUsbIpClient(t, p.Addr()).ListDevices()
	require.NoError(t, err)
	require.Len(t, devs, 1)
	assert.Equal(t, uint16(0x1d50), devs[0].IDVendor)

	require.Eventually(t, func() bool {
		return bytes.Contains([]byte(logs.String()), []byte("op=OP_REP_DEVLIST"))
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, logs.String(), "op=OP_REQ_DEVLIST")
	assert.Contains(t, logs.String(), "vid=1d50")
	assert.Contains(t, raw.String(), "C->S chunk:")

	require.NoError(t, p.Close())
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("proxy did not stop")
	}
}

func TestProxy_UpstreamDown(t *testing.T) {
	var logs syncBuffer
	p := New("127.0.0.1:0", "127.0.0.1:1", 200*time.Millisecond, slog.New(slog.NewTextHandler(&logs, nil)), log.NewRaw(nil))
	require.NoError(t, p.Listen())
	go func() { _ = p.Serve() }()
	t.Cleanup(func() { _ = p.Close() })

	_, err := caniperTesting.NewUsbIpClient(t, p.Addr()).ListDevices()
	assert.Error(t, err)
	require.Eventually(t, func() bool {
		return bytes.Contains([]byte(logs.String()), []byte("Failed to connect to upstream"))
	}, 2*time.Second, 10*time.Millisecond)
}

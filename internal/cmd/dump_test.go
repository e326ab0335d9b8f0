package cmd

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Alia5/CANIPER/apiclient"
	"github.com/Alia5/CANIPER/apitypes"
	"github.com/Alia5/CANIPER/can"
	"github.com/Alia5/CANIPER/device"
	"github.com/Alia5/CANIPER/internal/server/api"
	"github.com/Alia5/CANIPER/internal/server/usb"
	htesting "github.com/Alia5/CANIPER/internal/testing"
	"github.com/Alia5/CANIPER/virtualbus"

	_ "github.com/Alia5/CANIPER/internal/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFramePrinter_Format(t *testing.T) {
	fd := can.Frame{ID: 0x42, DLC: 9, Flags: can.FlagFDF | can.FlagBRS}
	tests := []struct {
		name string
		p    framePrinter
		sf   apiclient.StreamFrame
		want string
	}{
		{
			name: "classic",
			sf:   apiclient.StreamFrame{Channel: 1, Frame: can.Frame{ID: 0x123, DLC: 2, Data: [64]byte{0xde, 0xad}}},
			want: "ch1       123   [2] DE AD\n",
		},
		{
			name: "extended",
			sf:   apiclient.StreamFrame{Frame: can.Frame{ID: 0x1abcdef, Flags: can.FlagIDE}},
			want: "ch0  01ABCDEF   [0]\n",
		},
		{
			name: "remote",
			sf:   apiclient.StreamFrame{Frame: can.Frame{ID: 0x7ff, DLC: 4, Flags: can.FlagRTR}},
			want: "ch0       7FF   [0]  remote request\n",
		},
		{
			name: "fd with brs",
			sf:   apiclient.StreamFrame{Frame: fd},
			want: "ch0       042  [12]" + strings.Repeat(" 00", 12) + "  brs\n",
		},
		{
			name: "timestamp",
			p:    framePrinter{timestamps: true, now: func() time.Time { return time.Unix(1700000000, 123456789) }},
			sf:   apiclient.StreamFrame{Frame: can.Frame{ID: 0x1}},
			want: "(1700000000.123456) ch0       001   [0]\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.p.format(tt.sf))
		})
	}
}

func TestFramePrinter_Color(t *testing.T) {
	p := framePrinter{color: true}
	out := p.format(apiclient.StreamFrame{Frame: can.Frame{ID: 0x10}})
	assert.Contains(t, out, ansiID+"     010"+ansiReset)
}

func TestDump_Colorize(t *testing.T) {
	var buf bytes.Buffer
	assert.True(t, (&Dump{Color: "always"}).colorize(&buf))
	assert.False(t, (&Dump{Color: "never"}).colorize(&buf))
	assert.False(t, (&Dump{Color: "auto"}).colorize(&buf), "buffers are not terminals")
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestDump_Stream(t *testing.T) {
	var apiSrv *api.Server
	addr, srv, done := htesting.StartAPIServer(t, func(_ *api.Router, _ *usb.Server, as *api.Server) {
		apiSrv = as
		RegisterRoutes(as)
	})
	defer done()

	b, err := virtualbus.NewWithBusId(1)
	require.NoError(t, err)
	require.NoError(t, srv.AddBus(b))

	dev, err := apiclient.New(addr).DeviceAdd(1, "gsusb", &device.CreateOptions{
		Channels: []apitypes.ChannelSpec{{Backend: apitypes.BackendVirtual, Bus: "dump"}},
	})
	require.NoError(t, err)

	bus := apiSrv.Network().Bus("dump")
	peer := bus.Attach()
	defer peer.Close()

	d := &Dump{Addr: addr, BusID: 1, DeviceID: dev.DevId, Color: "never", Send: []string{"t1232BEEF"}}
	var out lockedBuffer
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.dump(ctx, &out, slog.Default()) }()

	select {
	case f := <-peer.Out:
		assert.Equal(t, uint32(0x123), f.ID)
		assert.Equal(t, []byte{0xbe, 0xef}, f.Payload())
	case <-time.After(2 * time.Second):
		t.Fatal("sent frame did not reach the bus")
	}

	peer.Write(can.Frame{ID: 0x321, DLC: 1, Data: [64]byte{0x55}})
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "321   [1] 55")
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dump did not stop on cancel")
	}
}

func TestDump_BadSendFrame(t *testing.T) {
	d := &Dump{Addr: "127.0.0.1:9", Send: []string{"x123"}}
	err := d.dump(context.Background(), &bytes.Buffer{}, slog.Default())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--send")
}

package gsusb

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Alia5/CANIPER/can"
	"github.com/Alia5/CANIPER/usb"
)

// fakeController is a scripted 80 MHz controller.
type fakeController struct {
	mu       sync.Mutex
	name     string
	ready    bool
	caps     can.Mode
	capsErr  error
	started  bool
	mode     can.Mode
	timing   can.Timing
	dtiming  can.Timing
	state    can.State
	cnt      can.ErrorCounters
	filters  *can.FilterSet
	stateCb  can.StateChangeCallback
	sent     []can.Frame
	sendErr  error
	txResult error
	stops    int
}

func newFakeController(caps can.Mode) *fakeController {
	return &fakeController{
		name:    "fake",
		ready:   true,
		caps:    caps,
		state:   can.StateStopped,
		filters: can.NewFilterSet(2),
	}
}

func (f *fakeController) Name() string { return f.name }
func (f *fakeController) Ready() bool  { return f.ready }

func (f *fakeController) Capabilities() (can.Mode, error) { return f.caps, f.capsErr }
func (f *fakeController) CoreClock() (uint32, error)      { return 80_000_000, nil }

func (f *fakeController) TimingMin() can.Timing {
	return can.Timing{SJW: 1, PropSeg: 0, PhaseSeg1: 2, PhaseSeg2: 2, Prescaler: 1}
}

func (f *fakeController) TimingMax() can.Timing {
	return can.Timing{SJW: 128, PropSeg: 0, PhaseSeg1: 256, PhaseSeg2: 128, Prescaler: 32}
}

func (f *fakeController) TimingDataMin() can.Timing {
	return can.Timing{SJW: 1, PropSeg: 0, PhaseSeg1: 1, PhaseSeg2: 1, Prescaler: 1}
}

func (f *fakeController) TimingDataMax() can.Timing {
	return can.Timing{SJW: 16, PropSeg: 0, PhaseSeg1: 32, PhaseSeg2: 16, Prescaler: 32}
}

func (f *fakeController) SetTiming(t can.Timing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started {
		return can.ErrBusy
	}
	f.timing = t
	return nil
}

func (f *fakeController) SetTimingData(t can.Timing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started {
		return can.ErrBusy
	}
	f.dtiming = t
	return nil
}

func (f *fakeController) SetMode(m can.Mode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started {
		return can.ErrBusy
	}
	f.mode = m
	return nil
}

func (f *fakeController) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started {
		return can.ErrAlreadyStarted
	}
	f.started = true
	f.state = can.StateErrorActive
	return nil
}

func (f *fakeController) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	if !f.started {
		return can.ErrAlreadyStopped
	}
	f.started = false
	f.state = can.StateStopped
	return nil
}

func (f *fakeController) State() (can.State, can.ErrorCounters, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, f.cnt, nil
}

func (f *fakeController) Send(_ context.Context, fr can.Frame, done can.TxCallback) error {
	f.mu.Lock()
	if f.sendErr != nil {
		f.mu.Unlock()
		return f.sendErr
	}
	f.sent = append(f.sent, fr)
	res := f.txResult
	f.mu.Unlock()
	done(res)
	return nil
}

func (f *fakeController) AddRxFilter(cb can.RxCallback, flt can.Filter) (int, error) {
	return f.filters.Add(cb, flt)
}

func (f *fakeController) RemoveRxFilter(id int) { f.filters.Remove(id) }

func (f *fakeController) SetStateChangeCallback(cb can.StateChangeCallback) {
	f.mu.Lock()
	f.stateCb = cb
	f.mu.Unlock()
}

func (f *fakeController) receive(fr can.Frame) { f.filters.Dispatch(fr) }

func (f *fakeController) setState(s can.State, cnt can.ErrorCounters) {
	f.mu.Lock()
	f.state, f.cnt = s, cnt
	cb := f.stateCb
	f.mu.Unlock()
	if cb != nil {
		cb(s, cnt)
	}
}

func (f *fakeController) sentFrames() []can.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]can.Frame(nil), f.sent...)
}

// memTransport hands host frames to the test through a channel.
type memTransport struct {
	frames chan []byte
}

func newMemTransport(buffered int) *memTransport {
	return &memTransport{frames: make(chan []byte, buffered)}
}

func (m *memTransport) SendIn(ctx context.Context, frame []byte) error {
	select {
	case m.frames <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *memTransport) InEndpoint() uint8  { return EndpointIn }
func (m *memTransport) OutEndpoint() uint8 { return EndpointOut }

func (m *memTransport) next(t *testing.T) HostFrame {
	t.Helper()
	select {
	case b := <-m.frames:
		f, err := ParseHostFrame(b)
		require.NoError(t, err)
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for host frame")
	}
	return HostFrame{}
}

func (m *memTransport) none(t *testing.T) {
	t.Helper()
	select {
	case b := <-m.frames:
		t.Fatalf("unexpected host frame % x", b)
	case <-time.After(50 * time.Millisecond):
	}
}

type testRig struct {
	e     *Engine
	tr    *memTransport
	ctrls []*fakeController
}

func newRig(t *testing.T, n int, caps can.Mode, hooks Hooks, cfg Config) *testRig {
	t.Helper()
	r := &testRig{tr: newMemTransport(64)}
	ctrls := make([]can.Controller, n)
	for i := range ctrls {
		fc := newFakeController(caps)
		r.ctrls = append(r.ctrls, fc)
		ctrls[i] = fc
	}
	e, err := New(r.tr, ctrls, hooks, cfg, slog.Default())
	require.NoError(t, err)
	t.Cleanup(e.Close)
	r.e = e
	e.Enable()
	return r
}

func (r *testRig) out(req uint8, ch uint16, v any) error {
	var data []byte
	switch p := v.(type) {
	case []byte:
		data = p
	case nil:
	default:
		data = Encode(p)
	}
	setup := usb.SetupPacket{
		RequestType: usb.RequestDirectionHostToDevice | usb.RequestTypeVendor | usb.RequestRecipientInterface,
		Request:     req,
		Value:       ch,
		Length:      uint16(len(data)),
	}
	_, err := r.e.HandleControl(setup, data)
	return err
}

func (r *testRig) in(req uint8, ch uint16) ([]byte, error) {
	setup := usb.SetupPacket{
		RequestType: usb.RequestDirectionDeviceToHost | usb.RequestTypeVendor | usb.RequestRecipientInterface,
		Request:     req,
		Value:       ch,
		Length:      0xff,
	}
	return r.e.HandleControl(setup, nil)
}

func (r *testRig) start(t *testing.T, ch uint16, flags uint32) {
	t.Helper()
	require.NoError(t, r.out(RequestMode, ch, &DeviceMode{Mode: ChannelModeStart, Flags: flags}))
}

// hostTx builds a bulk OUT transfer.
func hostTx(echo, id uint32, dlc, ch, flags uint8, payload ...byte) []byte {
	f := HostFrame{HostFrameHeader: HostFrameHeader{EchoID: echo, CANID: id, DLC: dlc, Channel: ch, Flags: flags}}
	copy(f.Data[:], payload)
	return f.AppendBinary(nil)
}

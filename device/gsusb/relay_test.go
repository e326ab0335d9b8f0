package gsusb

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/CANIPER/can"
)

func TestRxFrame(t *testing.T) {
	r := newRig(t, 1, can.ModeFD, Hooks{}, Config{})
	r.start(t, 0, FeatureFD)

	r.ctrls[0].receive(can.Frame{ID: 0x1abcdef, DLC: 3, Flags: can.FlagIDE, Data: [64]byte{1, 2, 3}})
	f := r.tr.next(t)
	assert.Equal(t, EchoIDRx, f.EchoID)
	assert.Equal(t, 0x1abcdef|IDIDE, f.CANID)
	assert.Equal(t, uint8(3), f.DLC)
	assert.Equal(t, uint8(0), f.Flags)
	assert.Equal(t, []byte{1, 2, 3, 0, 0, 0, 0, 0}, f.Data[:8])

	r.ctrls[0].receive(can.Frame{ID: 0x12, DLC: 12, Flags: can.FlagFDF | can.FlagBRS | can.FlagESI})
	f = r.tr.next(t)
	assert.Equal(t, FlagFD|FlagBRS|FlagESI, f.Flags)
	assert.Equal(t, FDPayloadSize, f.PayloadSize())

	r.ctrls[0].receive(can.Frame{ID: 0x7ff, DLC: 0, Flags: can.FlagRTR})
	f = r.tr.next(t)
	assert.Equal(t, 0x7ff|IDRTR, f.CANID)
}

func TestRxTimestampAndActivity(t *testing.T) {
	board := newFakeBoard()
	r := newRig(t, 1, 0, HooksFrom(board), Config{})
	r.start(t, 0, FeatureHWTimestamp)

	r.ctrls[0].receive(can.Frame{ID: 1, DLC: 1})
	f := r.tr.next(t)
	assert.True(t, f.HasTimestamp)
	assert.NotZero(t, f.Timestamp)
	require.Eventually(t, func() bool {
		board.mu.Lock()
		defer board.mu.Unlock()
		return board.activity == 1
	}, time.Second, 5*time.Millisecond)

	r.ctrls[0].setState(can.StateErrorWarning, can.ErrorCounters{TX: 96})
	f = r.tr.next(t)
	assert.NotZero(t, f.CANID&IDErr)
	r.tr.none(t)
	board.mu.Lock()
	assert.Equal(t, 1, board.activity)
	board.mu.Unlock()
}

func TestTxEcho(t *testing.T) {
	tests := []struct {
		name    string
		id      uint32
		dlc     uint8
		flags   uint8
		payload []byte
		want    can.Frame
	}{
		{
			name:    "classic standard",
			id:      0x123,
			dlc:     2,
			payload: []byte{0xde, 0xad},
			want:    can.Frame{ID: 0x123, DLC: 2, Data: [64]byte{0xde, 0xad}},
		},
		{
			name: "extended remote",
			id:   0x1abcdef | IDIDE | IDRTR,
			dlc:  4,
			want: can.Frame{ID: 0x1abcdef, DLC: 4, Flags: can.FlagIDE | can.FlagRTR},
		},
		{
			name:    "standard id masked",
			id:      0xfff,
			dlc:     1,
			payload: []byte{9},
			want:    can.Frame{ID: 0x7ff, DLC: 1, Data: [64]byte{9}},
		},
		{
			name:    "fd brs",
			id:      0x10,
			dlc:     9,
			flags:   FlagFD | FlagBRS,
			payload: []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12},
			want:    can.Frame{ID: 0x10, DLC: 9, Flags: can.FlagFDF | can.FlagBRS, Data: [64]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRig(t, 1, can.ModeFD, Hooks{}, Config{})
			r.start(t, 0, FeatureFD)

			require.NoError(t, r.e.ReceiveOut(context.Background(), hostTx(42, tt.id, tt.dlc, 0, tt.flags, tt.payload...)))
			echo := r.tr.next(t)
			assert.Equal(t, uint32(42), echo.EchoID)
			assert.Equal(t, uint8(0), echo.Channel)
			assert.Equal(t, tt.flags, echo.Flags)
			assert.Zero(t, echo.CANID)
			assert.Zero(t, echo.DLC)
			assert.Equal(t, [64]byte{}, echo.Data)

			sent := r.ctrls[0].sentFrames()
			require.Len(t, sent, 1)
			assert.Equal(t, tt.want, sent[0])
		})
	}
}

func TestTxEchoPadding(t *testing.T) {
	r := newRig(t, 1, can.ModeFD, Hooks{}, Config{})
	r.start(t, 0, FeatureFD)

	// a classic frame arrives with only the bytes it carries
	out := hostTx(1, 0x100, 1, 0, 0, 0xaa)[:HostFrameHeaderSize+1]
	require.NoError(t, r.e.ReceiveOut(context.Background(), out))
	b := <-r.tr.frames
	assert.Len(t, b, HostFrameHeaderSize+ClassicPayloadSize)

	out = hostTx(2, 0x100, 1, 0, FlagFD, 0xaa)[:HostFrameHeaderSize+1]
	require.NoError(t, r.e.ReceiveOut(context.Background(), out))
	b = <-r.tr.frames
	assert.Len(t, b, HostFrameHeaderSize+FDPayloadSize)
}

func TestTxDrops(t *testing.T) {
	r := newRig(t, 1, 0, Hooks{}, Config{})
	ctx := context.Background()

	// channel not started
	require.NoError(t, r.e.ReceiveOut(ctx, hostTx(1, 0x1, 0, 0, 0)))
	require.Eventually(t, func() bool { return len(r.e.pool) == defaultPoolSize }, time.Second, 5*time.Millisecond)
	r.start(t, 0, 0)
	// short header
	require.NoError(t, r.e.ReceiveOut(ctx, make([]byte, 11)))
	// unknown channel
	require.NoError(t, r.e.ReceiveOut(ctx, hostTx(2, 0x1, 0, 5, 0)))
	// dlc longer than the payload
	require.NoError(t, r.e.ReceiveOut(ctx, hostTx(3, 0x1, 8, 0, 0)[:HostFrameHeaderSize+4]))

	r.tr.none(t)
	assert.Empty(t, r.ctrls[0].sentFrames())
	require.Eventually(t, func() bool { return len(r.e.pool) == defaultPoolSize }, time.Second, 5*time.Millisecond)
}

func TestTxFailures(t *testing.T) {
	r := newRig(t, 1, 0, Hooks{}, Config{})
	r.start(t, 0, 0)
	ctx := context.Background()

	r.ctrls[0].mu.Lock()
	r.ctrls[0].txResult = can.ErrNetDown
	r.ctrls[0].mu.Unlock()
	require.NoError(t, r.e.ReceiveOut(ctx, hostTx(1, 0x1, 0, 0, 0)))
	r.tr.none(t)

	r.ctrls[0].mu.Lock()
	r.ctrls[0].txResult = nil
	r.ctrls[0].sendErr = errors.New("bus stalled")
	r.ctrls[0].mu.Unlock()
	require.NoError(t, r.e.ReceiveOut(ctx, hostTx(2, 0x1, 0, 0, 0)))
	r.tr.none(t)
	require.Eventually(t, func() bool { return len(r.e.pool) == defaultPoolSize }, time.Second, 5*time.Millisecond)
}

func TestReceiveOutDisabled(t *testing.T) {
	r := newRig(t, 1, 0, Hooks{}, Config{})
	r.e.Disable()
	assert.ErrorIs(t, r.e.ReceiveOut(context.Background(), hostTx(1, 0x1, 0, 0, 0)), ErrNoDevice)
}

func TestOverflowCounter(t *testing.T) {
	var o overflowCounter
	assert.False(t, o.take())

	for range 3 {
		o.give()
	}
	for i := range 3 {
		assert.True(t, o.take(), "token %d", i)
	}
	assert.False(t, o.take())

	o.n.Store(math.MaxUint32)
	o.give()
	assert.Equal(t, uint32(math.MaxUint32), o.n.Load(), "saturates")
	o.reset()
	assert.False(t, o.take())
}

func TestOverflowFlagPerLostFrame(t *testing.T) {
	r := newRig(t, 1, 0, Hooks{}, Config{})
	r.start(t, 0, 0)
	ch, err := r.e.Registry().Channel(0)
	require.NoError(t, err)

	const lost = 3
	for range lost {
		ch.overflows.give()
	}
	for i := range lost {
		r.ctrls[0].receive(can.Frame{ID: uint32(i)})
		f := r.tr.next(t)
		assert.Equal(t, uint32(i), f.CANID)
		assert.NotZero(t, f.Flags&FlagOverflow, "frame %d", i)
	}
	assert.Zero(t, ch.Overflows())

	r.ctrls[0].receive(can.Frame{ID: 0x55})
	f := r.tr.next(t)
	assert.Equal(t, uint32(0x55), f.CANID)
	assert.Zero(t, f.Flags&FlagOverflow)
}

func TestOverflowPoolExhausted(t *testing.T) {
	r := &testRig{tr: newMemTransport(0)}
	fc := newFakeController(0)
	r.ctrls = []*fakeController{fc}
	e, err := New(r.tr, []can.Controller{fc}, Hooks{}, Config{PoolSize: 2}, slog.Default())
	require.NoError(t, err)
	t.Cleanup(e.Close)
	r.e = e
	e.Enable()
	r.start(t, 0, 0)

	// Two buffers are held until the host reads, so frames 2..4 are lost.
	for i := range 5 {
		fc.receive(can.Frame{ID: uint32(i)})
	}
	ch, _ := e.Registry().Channel(0)

	flagged := 0
	count := func(f HostFrame) {
		if f.Flags&FlagOverflow != 0 {
			flagged++
		}
	}
	count(r.tr.next(t))
	count(r.tr.next(t))
	require.Eventually(t, func() bool { return len(e.pool) == 2 }, time.Second, 5*time.Millisecond)

	for i := range 3 {
		fc.receive(can.Frame{ID: 0x10 + uint32(i)})
		count(r.tr.next(t))
	}
	assert.Equal(t, 3, flagged)
	assert.Zero(t, ch.Overflows())

	fc.receive(can.Frame{ID: 0x55})
	f := r.tr.next(t)
	assert.Equal(t, uint32(0x55), f.CANID)
	assert.Zero(t, f.Flags&FlagOverflow)
}

func TestBusOffRestart(t *testing.T) {
	r := newRig(t, 1, 0, Hooks{}, Config{})
	r.start(t, 0, 0)
	ch, _ := r.e.Registry().Channel(0)

	r.ctrls[0].setState(can.StateBusOff, can.ErrorCounters{TX: 255})
	f := r.tr.next(t)
	assert.Equal(t, IDErr|IDErrCnt|IDErrBusOff, f.CANID)
	assert.Equal(t, uint8(ClassicPayloadSize), f.DLC)
	assert.Equal(t, uint8(255), f.Data[6])
	assert.True(t, ch.BusOff())

	r.ctrls[0].setState(can.StateErrorActive, can.ErrorCounters{})
	f = r.tr.next(t)
	assert.Equal(t, IDErr|IDErrCnt|IDErrCrtl|IDErrRestarted, f.CANID)
	assert.Equal(t, ErrCrtlActive, f.Data[1])
	assert.False(t, ch.BusOff())

	r.ctrls[0].setState(can.StateErrorPassive, can.ErrorCounters{TX: 128, RX: 3})
	f = r.tr.next(t)
	assert.Equal(t, IDErr|IDErrCnt|IDErrCrtl, f.CANID)
	assert.Equal(t, ErrCrtlTxPassive|ErrCrtlRxPassive, f.Data[1])
	assert.Equal(t, uint8(128), f.Data[6])
	assert.Equal(t, uint8(3), f.Data[7])

	r.ctrls[0].setState(can.StateStopped, can.ErrorCounters{})
	r.tr.none(t)
}

func TestTwoChannelEcho(t *testing.T) {
	r := newRig(t, 2, 0, Hooks{}, Config{})
	r.start(t, 0, 0)
	r.start(t, 1, 0)
	ctx := context.Background()

	require.NoError(t, r.e.ReceiveOut(ctx, hostTx(10, 0x100, 1, 0, 0, 0x01)))
	require.NoError(t, r.e.ReceiveOut(ctx, hostTx(11, 0x200, 1, 1, 0, 0x02)))

	got := map[uint32]HostFrame{}
	for range 2 {
		f := r.tr.next(t)
		got[f.EchoID] = f
	}
	require.Contains(t, got, uint32(10))
	require.Contains(t, got, uint32(11))
	assert.Equal(t, uint8(0), got[10].Channel)
	assert.Equal(t, uint8(1), got[11].Channel)
	for _, f := range got {
		assert.Zero(t, f.Flags&FlagOverflow)
	}
	require.Len(t, r.ctrls[0].sentFrames(), 1)
	require.Len(t, r.ctrls[1].sentFrames(), 1)
	assert.Equal(t, uint32(0x200), r.ctrls[1].sentFrames()[0].ID)
}

func TestDisableResetsChannels(t *testing.T) {
	r := newRig(t, 2, 0, Hooks{}, Config{})
	r.start(t, 0, 0)
	r.start(t, 1, 0)
	r.e.Disable()
	for _, ch := range r.e.Registry().Channels() {
		assert.False(t, ch.Started())
	}
	assert.False(t, r.ctrls[0].started)
	assert.False(t, r.ctrls[1].started)

	r.e.Enable()
	r.start(t, 0, 0)
}

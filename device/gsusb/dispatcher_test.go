package gsusb

import (
	"encoding/binary"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/CANIPER/can"
	"github.com/Alia5/CANIPER/usb"
)

const allModes = can.ModeLoopback | can.ModeListenOnly | can.ModeFD | can.ModeOneShot | can.Mode3Samples

type fakeBoard struct {
	mu          sync.Mutex
	identify    map[uint16]bool
	termination map[uint16]bool
	ts          uint32
	states      []bool
	activity    int
	stateErr    error
}

func newFakeBoard() *fakeBoard {
	return &fakeBoard{identify: map[uint16]bool{}, termination: map[uint16]bool{}}
}

func (b *fakeBoard) Identify(ch uint16, on bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.identify[ch] = on
	return nil
}

func (b *fakeBoard) SetTermination(ch uint16, on bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.termination[ch] = on
	return nil
}

func (b *fakeBoard) Termination(ch uint16) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.termination[ch], nil
}

func (b *fakeBoard) Timestamp() (uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ts += 10
	return b.ts, nil
}

func (b *fakeBoard) ChannelStateChanged(_ uint16, started bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.states = append(b.states, started)
	return b.stateErr
}

func (b *fakeBoard) ChannelActivity(uint16) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.activity++
	return nil
}

func u32(v uint32) []byte { return binary.LittleEndian.AppendUint32(nil, v) }

func TestRegistryLimits(t *testing.T) {
	_, err := New(newMemTransport(1), nil, Hooks{}, Config{}, slog.Default())
	assert.ErrorIs(t, err, ErrNotSupported)

	ctrls := []can.Controller{newFakeController(0), newFakeController(0), newFakeController(0)}
	_, err = New(newMemTransport(1), ctrls, Hooks{}, Config{MaxChannels: 2}, slog.Default())
	assert.ErrorIs(t, err, ErrNotSupported)

	notReady := newFakeController(0)
	notReady.ready = false
	_, err = New(newMemTransport(1), []can.Controller{notReady}, Hooks{}, Config{}, slog.Default())
	assert.ErrorIs(t, err, ErrNoDevice)

	noCaps := newFakeController(0)
	noCaps.capsErr = errors.New("boom")
	_, err = New(newMemTransport(1), []can.Controller{noCaps}, Hooks{}, Config{}, slog.Default())
	assert.ErrorIs(t, err, ErrNoDevice)

	noFilter := newFakeController(0)
	noFilter.filters = can.NewFilterSet(1)
	_, err = New(newMemTransport(1), []can.Controller{noFilter}, Hooks{}, Config{}, slog.Default())
	assert.ErrorIs(t, err, ErrNoDevice)
}

func TestFeatures(t *testing.T) {
	r := newRig(t, 1, allModes, HooksFrom(newFakeBoard()), Config{})
	ch, err := r.e.Registry().Channel(0)
	require.NoError(t, err)
	want := FeatureGetState | FeatureHWTimestamp | FeatureIdentify | FeatureTermination |
		FeatureLoopBack | FeatureListenOnly | FeatureFD | FeatureBTConstExt | FeatureOneShot | FeatureTripleSample
	assert.Equal(t, want, ch.Features())

	r = newRig(t, 1, 0, Hooks{}, Config{})
	ch, err = r.e.Registry().Channel(0)
	require.NoError(t, err)
	assert.Equal(t, FeatureGetState, ch.Features())
}

func TestHostFormat(t *testing.T) {
	r := newRig(t, 1, 0, Hooks{}, Config{})
	assert.NoError(t, r.out(RequestHostFormat, 0, u32(HostFormat)))
	assert.ErrorIs(t, r.out(RequestHostFormat, 0, u32(0xefbe0000)), ErrNotSupported)
	assert.ErrorIs(t, r.out(RequestHostFormat, 0, []byte{0xef, 0xbe}), ErrInvalid)
}

func TestRecipient(t *testing.T) {
	r := newRig(t, 1, 0, Hooks{}, Config{})
	setup := usb.SetupPacket{
		RequestType: usb.RequestDirectionDeviceToHost | usb.RequestTypeVendor | usb.RequestRecipientDevice,
		Request:     RequestDeviceConfig,
	}
	_, err := r.e.HandleControl(setup, nil)
	assert.ErrorIs(t, err, ErrNotSupported)

	setup.Request = MSOSVendorCode
	setup.Index = MSOS20DescriptorIndex
	b, err := r.e.HandleControl(setup, nil)
	require.NoError(t, err)
	assert.Equal(t, MSOS20DescriptorSet(), b)
}

func TestStartFlags(t *testing.T) {
	r := newRig(t, 1, can.ModeLoopback|can.ModeListenOnly, Hooks{}, Config{})
	ch, _ := r.e.Registry().Channel(0)

	err := r.out(RequestMode, 0, &DeviceMode{Mode: ChannelModeStart, Flags: FeatureLoopBack | FeatureFD})
	assert.ErrorIs(t, err, ErrNotSupported)
	assert.False(t, ch.Started())
	assert.Zero(t, ch.Mode())
	assert.False(t, r.ctrls[0].started)

	r.start(t, 0, FeatureLoopBack|FeatureListenOnly)
	assert.True(t, ch.Started())
	assert.Equal(t, FeatureLoopBack|FeatureListenOnly, ch.Mode())
	assert.Equal(t, can.ModeLoopback|can.ModeListenOnly, r.ctrls[0].mode)

	err = r.out(RequestMode, 0, &DeviceMode{Mode: ChannelModeStart})
	assert.ErrorIs(t, err, ErrAlready)

	assert.ErrorIs(t, r.out(RequestMode, 0, &DeviceMode{Mode: 7}), ErrNotSupported)
	assert.ErrorIs(t, r.out(RequestMode, 1, &DeviceMode{Mode: ChannelModeStart}), ErrInvalid)
	assert.ErrorIs(t, r.out(RequestMode, 0, []byte{1, 0, 0, 0}), ErrInvalid)
}

func TestResetIdempotent(t *testing.T) {
	board := newFakeBoard()
	r := newRig(t, 1, 0, HooksFrom(board), Config{})
	r.start(t, 0, 0)
	reset := &DeviceMode{Mode: ChannelModeReset}
	require.NoError(t, r.out(RequestMode, 0, reset))
	require.NoError(t, r.out(RequestMode, 0, reset))

	ch, _ := r.e.Registry().Channel(0)
	assert.False(t, ch.Started())
	assert.Zero(t, ch.Mode())
	assert.Equal(t, []bool{true, false, false}, board.states)
}

func TestStateObserverErrorIgnored(t *testing.T) {
	board := newFakeBoard()
	board.stateErr = errors.New("led broken")
	r := newRig(t, 1, 0, HooksFrom(board), Config{})
	r.start(t, 0, 0)
}

func TestBittiming(t *testing.T) {
	r := newRig(t, 1, can.ModeFD, Hooks{}, Config{})
	bt := &Bittiming{PropSeg: 6, PhaseSeg1: 7, PhaseSeg2: 2, SJW: 1, BRP: 10}

	require.NoError(t, r.out(RequestBittiming, 0, bt))
	assert.Equal(t, can.Timing{SJW: 1, PhaseSeg1: 13, PhaseSeg2: 2, Prescaler: 10}, r.ctrls[0].timing)

	dbt := &Bittiming{PropSeg: 1, PhaseSeg1: 5, PhaseSeg2: 2, SJW: 1, BRP: 2}
	require.NoError(t, r.out(RequestDataBittiming, 0, dbt))
	assert.Equal(t, can.Timing{SJW: 1, PhaseSeg1: 6, PhaseSeg2: 2, Prescaler: 2}, r.ctrls[0].dtiming)

	assert.ErrorIs(t, r.out(RequestBittiming, 0, make([]byte, 19)), ErrInvalid)
	assert.ErrorIs(t, r.out(RequestBittiming, 2, bt), ErrInvalid)

	r.start(t, 0, 0)
	nominal, data := r.ctrls[0].timing, r.ctrls[0].dtiming
	other := &Bittiming{PropSeg: 1, PhaseSeg1: 3, PhaseSeg2: 3, SJW: 2, BRP: 4}
	assert.ErrorIs(t, r.out(RequestBittiming, 0, other), ErrBusy)
	assert.ErrorIs(t, r.out(RequestDataBittiming, 0, other), ErrBusy)
	assert.Equal(t, nominal, r.ctrls[0].timing, "rejected request left nominal timing alone")
	assert.Equal(t, data, r.ctrls[0].dtiming, "rejected request left data timing alone")
}

func TestDataBittimingWithoutFD(t *testing.T) {
	r := newRig(t, 1, 0, Hooks{}, Config{})
	err := r.out(RequestDataBittiming, 0, &Bittiming{PhaseSeg1: 4, PhaseSeg2: 2, SJW: 1, BRP: 1})
	assert.ErrorIs(t, err, ErrNotSupported)
	_, err = r.in(RequestBTConstExt, 0)
	assert.ErrorIs(t, err, ErrNotSupported)
}

func TestBTConst(t *testing.T) {
	r := newRig(t, 1, can.ModeFD, Hooks{}, Config{})
	b, err := r.in(RequestBTConst, 0)
	require.NoError(t, err)
	var bc BTConst
	require.NoError(t, Decode(b, &bc))
	assert.Equal(t, BTConst{
		Feature:  FeatureGetState | FeatureFD | FeatureBTConstExt,
		FclkCAN:  80_000_000,
		Tseg1Min: 2, Tseg1Max: 256,
		Tseg2Min: 2, Tseg2Max: 128,
		SJWMax: 128,
		BRPMin: 1, BRPMax: 32, BRPInc: 1,
	}, bc)

	b, err = r.in(RequestBTConstExt, 0)
	require.NoError(t, err)
	var ext BTConstExt
	require.NoError(t, Decode(b, &ext))
	assert.Equal(t, bc, ext.BTConst)
	assert.Equal(t, uint32(1), ext.DTseg1Min)
	assert.Equal(t, uint32(32), ext.DTseg1Max)
	assert.Equal(t, uint32(16), ext.DTseg2Max)
	assert.Equal(t, uint32(16), ext.DSJWMax)
	assert.Equal(t, uint32(1), ext.DBRPInc)

	_, err = r.in(RequestBTConst, 1)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestDeviceConfigChannels(t *testing.T) {
	for _, n := range []int{1, 2, 256} {
		t.Run("", func(t *testing.T) {
			r := newRig(t, n, 0, Hooks{}, Config{})
			b, err := r.in(RequestDeviceConfig, 0)
			require.NoError(t, err)
			var dc DeviceConfig
			require.NoError(t, Decode(b, &dc))
			assert.Equal(t, uint8(n-1), dc.ICount)
			assert.Equal(t, SWVersion, dc.SWVersion)
			assert.Equal(t, HWVersion, dc.HWVersion)
		})
	}
}

func TestGetState(t *testing.T) {
	r := newRig(t, 1, 0, Hooks{}, Config{})
	b, err := r.in(RequestGetState, 0)
	require.NoError(t, err)
	var ds DeviceState
	require.NoError(t, Decode(b, &ds))
	assert.Equal(t, StateStopped, ds.State)

	r.start(t, 0, 0)
	r.ctrls[0].setState(can.StateErrorPassive, can.ErrorCounters{TX: 130, RX: 4})
	b, err = r.in(RequestGetState, 0)
	require.NoError(t, err)
	require.NoError(t, Decode(b, &ds))
	assert.Equal(t, DeviceState{State: StateErrorPassive, RxErr: 4, TxErr: 130}, ds)

	r.ctrls[0].setState(can.State(9), can.ErrorCounters{})
	_, err = r.in(RequestGetState, 0)
	assert.ErrorIs(t, err, ErrNotSupported)
}

func TestBoardRequests(t *testing.T) {
	board := newFakeBoard()
	r := newRig(t, 2, 0, HooksFrom(board), Config{})

	require.NoError(t, r.out(RequestIdentify, 1, u32(On)))
	assert.True(t, board.identify[1])
	assert.ErrorIs(t, r.out(RequestIdentify, 1, u32(2)), ErrNotSupported)
	assert.ErrorIs(t, r.out(RequestIdentify, 2, u32(On)), ErrInvalid)

	require.NoError(t, r.out(RequestSetTermination, 0, u32(On)))
	b, err := r.in(RequestGetTermination, 0)
	require.NoError(t, err)
	assert.Equal(t, u32(On), b)
	_, err = r.in(RequestGetTermination, 3)
	assert.ErrorIs(t, err, ErrInvalid)

	b, err = r.in(RequestTimestamp, 0)
	require.NoError(t, err)
	assert.Len(t, b, 4)
}

func TestUnsupportedRequests(t *testing.T) {
	r := newRig(t, 1, 0, Hooks{}, Config{})
	assert.ErrorIs(t, r.out(RequestIdentify, 0, u32(On)), ErrNotSupported)
	assert.ErrorIs(t, r.out(RequestSetTermination, 0, u32(On)), ErrNotSupported)
	assert.ErrorIs(t, r.out(RequestSetUserID, 0, u32(1)), ErrNotSupported)
	assert.ErrorIs(t, r.out(RequestBTConst, 0, nil), ErrNotSupported)

	for _, req := range []uint8{RequestBerr, RequestGetUserID, RequestTimestamp, RequestGetTermination, RequestMode, 0x42} {
		_, err := r.in(req, 0)
		assert.ErrorIs(t, err, ErrNotSupported, RequestName(req))
	}
}

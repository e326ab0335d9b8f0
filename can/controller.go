package can

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrAlreadyStarted = errors.New("can: controller already started")
	ErrAlreadyStopped = errors.New("can: controller already stopped")
	ErrNotReady       = errors.New("can: controller not ready")
	ErrNetDown        = errors.New("can: controller stopped")
	ErrNotSupported   = errors.New("can: not supported")
	ErrBusy           = errors.New("can: controller busy")
	ErrInvalidFrame   = errors.New("can: invalid frame")
	ErrInvalidTiming  = errors.New("can: invalid timing")
	ErrNoFilterSlot   = errors.New("can: no free filter slot")
)

// Mode is a set of controller operating mode bits.
type Mode uint32

const (
	ModeNormal     Mode = 0
	ModeLoopback   Mode = 1 << 0
	ModeListenOnly Mode = 1 << 1
	ModeFD         Mode = 1 << 2
	ModeOneShot    Mode = 1 << 3
	Mode3Samples   Mode = 1 << 4
)

// State is the fault confinement state of a controller.
type State int

const (
	StateErrorActive State = iota
	StateErrorWarning
	StateErrorPassive
	StateBusOff
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateErrorActive:
		return "error-active"
	case StateErrorWarning:
		return "error-warning"
	case StateErrorPassive:
		return "error-passive"
	case StateBusOff:
		return "bus-off"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ParseState is the inverse of State.String.
func ParseState(s string) (State, error) {
	for st := StateErrorActive; st <= StateStopped; st++ {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("can: unknown state %q", s)
}

// ErrorCounters holds the transmit and receive error counters.
type ErrorCounters struct {
	TX uint8
	RX uint8
}

// Timing is a set of bit timing parameters, in time quanta except for
// Prescaler.
type Timing struct {
	SJW       uint16
	PropSeg   uint16
	PhaseSeg1 uint16
	PhaseSeg2 uint16
	Prescaler uint16
}

// Bitrate returns the bitrate the timing yields on a controller clocked at
// clock Hz, or 0 when the timing is degenerate.
func (t Timing) Bitrate(clock uint32) uint32 {
	tq := uint32(1) + uint32(t.PropSeg) + uint32(t.PhaseSeg1) + uint32(t.PhaseSeg2)
	if t.Prescaler == 0 {
		return 0
	}
	return clock / (uint32(t.Prescaler) * tq)
}

// Within reports whether every field of t lies inside [min, max].
func (t Timing) Within(min, max Timing) bool {
	in := func(v, lo, hi uint16) bool { return v >= lo && v <= hi }
	return in(t.SJW, min.SJW, max.SJW) &&
		in(t.PropSeg, min.PropSeg, max.PropSeg) &&
		in(t.PhaseSeg1, min.PhaseSeg1, max.PhaseSeg1) &&
		in(t.PhaseSeg2, min.PhaseSeg2, max.PhaseSeg2) &&
		in(t.Prescaler, min.Prescaler, max.Prescaler)
}

// Filter selects received frames: a frame matches when its identifier
// agrees with ID on every bit set in Mask and its IDE flag equals the
// filter's.
type Filter struct {
	ID    uint32
	Mask  uint32
	Flags FrameFlags
}

// Matches reports whether f passes the filter.
func (flt Filter) Matches(f Frame) bool {
	if (flt.Flags&FlagIDE != 0) != f.Extended() {
		return false
	}
	return (f.ID^flt.ID)&flt.Mask == 0
}

type (
	// RxCallback receives frames that passed a filter.
	RxCallback func(Frame)
	// TxCallback reports the outcome of a queued transmission.
	TxCallback func(error)
	// StateChangeCallback reports fault confinement transitions.
	StateChangeCallback func(State, ErrorCounters)
)

// Controller is a single CAN controller.
//
// Callbacks registered through AddRxFilter, SetStateChangeCallback and the
// done argument of Send run on controller goroutines and must not block.
type Controller interface {
	// Name identifies the controller in logs.
	Name() string
	// Ready reports whether the controller can be used.
	Ready() bool
	// Capabilities returns the mode bits the controller supports.
	Capabilities() (Mode, error)
	// CoreClock returns the controller clock in Hz.
	CoreClock() (uint32, error)
	TimingMin() Timing
	TimingMax() Timing
	// SetTiming applies nominal bit timing. Fails with ErrBusy once started.
	SetTiming(Timing) error
	// SetMode applies operating mode bits. Fails with ErrBusy once started.
	SetMode(Mode) error
	Start() error
	// Stop aborts pending transmissions with ErrNetDown.
	Stop() error
	State() (State, ErrorCounters, error)
	// Send queues f and blocks until the controller accepts it or ctx is
	// done. done is invoked exactly once when the send was accepted.
	Send(ctx context.Context, f Frame, done TxCallback) error
	AddRxFilter(cb RxCallback, f Filter) (int, error)
	RemoveRxFilter(id int)
	SetStateChangeCallback(cb StateChangeCallback)
}

// DataPhaseController is a Controller with a CAN FD data phase.
type DataPhaseController interface {
	Controller
	TimingDataMin() Timing
	TimingDataMax() Timing
	SetTimingData(Timing) error
}

// FilterSet is a concurrency safe set of receive filters that backends use
// to dispatch incoming frames.
type FilterSet struct {
	mu      sync.RWMutex
	nextID  int
	max     int
	entries map[int]filterEntry
}

type filterEntry struct {
	flt Filter
	cb  RxCallback
}

// NewFilterSet returns a set holding at most max filters; max <= 0 means
// unlimited.
func NewFilterSet(max int) *FilterSet {
	return &FilterSet{max: max, entries: make(map[int]filterEntry)}
}

func (s *FilterSet) Add(cb RxCallback, flt Filter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.max > 0 && len(s.entries) >= s.max {
		return -1, ErrNoFilterSlot
	}
	id := s.nextID
	s.nextID++
	s.entries[id] = filterEntry{flt: flt, cb: cb}
	return id, nil
}

func (s *FilterSet) Remove(id int) {
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
}

// Dispatch hands f to the callback of every matching filter and returns the
// number of matches.
func (s *FilterSet) Dispatch(f Frame) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.entries {
		if e.flt.Matches(f) {
			e.cb(f)
			n++
		}
	}
	return n
}

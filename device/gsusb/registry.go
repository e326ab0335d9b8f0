package gsusb

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"

	"github.com/Alia5/CANIPER/can"
)

// Channel binds one gs_usb channel to its controller.
type Channel struct {
	index    uint16
	ctrl     can.Controller
	features uint32

	mode      atomic.Uint32
	started   atomic.Bool
	busOff    atomic.Bool
	overflows overflowCounter
	filters   []int
}

func (c *Channel) Index() uint16              { return c.index }
func (c *Channel) Controller() can.Controller { return c.ctrl }
func (c *Channel) Features() uint32           { return c.features }
func (c *Channel) Mode() uint32               { return c.mode.Load() }
func (c *Channel) Started() bool              { return c.started.Load() }
func (c *Channel) BusOff() bool               { return c.busOff.Load() }

// Overflows returns the number of pending overflow tokens.
func (c *Channel) Overflows() uint32 { return c.overflows.n.Load() }

func (c *Channel) timestamped() bool { return c.mode.Load()&FeatureHWTimestamp != 0 }

// dataPhase returns the controller's data phase timing, if it has one.
func (c *Channel) dataPhase() (can.DataPhaseController, bool) {
	if c.features&FeatureFD == 0 {
		return nil, false
	}
	dp, ok := c.ctrl.(can.DataPhaseController)
	return dp, ok
}

// overflowCounter is a saturating counting semaphore.
type overflowCounter struct {
	n atomic.Uint32
}

func (o *overflowCounter) give() {
	for {
		v := o.n.Load()
		if v == math.MaxUint32 || o.n.CompareAndSwap(v, v+1) {
			return
		}
	}
}

// take consumes one token if there is any. Each lost frame flags one
// relayed frame.
func (o *overflowCounter) take() bool {
	for {
		v := o.n.Load()
		if v == 0 {
			return false
		}
		if o.n.CompareAndSwap(v, v-1) {
			return true
		}
	}
}

func (o *overflowCounter) reset() { o.n.Store(0) }

// eventSink receives controller callbacks for a channel.
type eventSink interface {
	onRxFrame(ch *Channel, f can.Frame)
	onStateChange(ch *Channel, s can.State, cnt can.ErrorCounters)
}

// Registry is the fixed set of channels of one device.
type Registry struct {
	channels []*Channel
	logger   *slog.Logger
}

var catchAllFilters = []can.Filter{
	{ID: 0, Mask: 0},
	{ID: 0, Mask: 0, Flags: can.FlagIDE},
}

// NewRegistry binds ctrls to channels 0..n-1. maxChannels caps n; values
// outside [1, MaxChannels] fall back to MaxChannels.
func NewRegistry(ctrls []can.Controller, hooks Hooks, sink eventSink, maxChannels int, logger *slog.Logger) (*Registry, error) {
	if maxChannels < 1 || maxChannels > MaxChannels {
		maxChannels = MaxChannels
	}
	if len(ctrls) < 1 || len(ctrls) > maxChannels {
		return nil, fmt.Errorf("%w: %d channels (max %d)", ErrNotSupported, len(ctrls), maxChannels)
	}
	r := &Registry{logger: logger}
	common := FeatureGetState | hooks.features()
	for i, ctrl := range ctrls {
		ch := &Channel{index: uint16(i), ctrl: ctrl}
		if err := r.bind(ch, common, sink); err != nil {
			r.unbind()
			return nil, err
		}
		r.channels = append(r.channels, ch)
		logger.Debug("Channel registered", "channel", i, "controller", ctrl.Name(), "features", fmt.Sprintf("0x%04x", ch.features))
	}
	return r, nil
}

func (r *Registry) bind(ch *Channel, common uint32, sink eventSink) error {
	if !ch.ctrl.Ready() {
		return fmt.Errorf("%w: channel %d controller %s not ready", ErrNoDevice, ch.index, ch.ctrl.Name())
	}
	caps, err := ch.ctrl.Capabilities()
	if err != nil {
		return fmt.Errorf("%w: channel %d capabilities: %v", ErrNoDevice, ch.index, err)
	}
	for _, flt := range catchAllFilters {
		id, err := ch.ctrl.AddRxFilter(func(f can.Frame) { sink.onRxFrame(ch, f) }, flt)
		if err != nil {
			for _, prev := range ch.filters {
				ch.ctrl.RemoveRxFilter(prev)
			}
			return fmt.Errorf("%w: channel %d filter: %v", ErrNoDevice, ch.index, err)
		}
		ch.filters = append(ch.filters, id)
	}
	ch.ctrl.SetStateChangeCallback(func(s can.State, cnt can.ErrorCounters) { sink.onStateChange(ch, s, cnt) })
	ch.features = common | featuresFromCapabilities(caps)
	return nil
}

func (r *Registry) unbind() {
	for _, ch := range r.channels {
		for _, id := range ch.filters {
			ch.ctrl.RemoveRxFilter(id)
		}
		ch.ctrl.SetStateChangeCallback(nil)
	}
	r.channels = nil
}

func featuresFromCapabilities(caps can.Mode) uint32 {
	var f uint32
	if caps&can.ModeLoopback != 0 {
		f |= FeatureLoopBack
	}
	if caps&can.ModeListenOnly != 0 {
		f |= FeatureListenOnly
	}
	if caps&can.ModeFD != 0 {
		f |= FeatureFD | FeatureBTConstExt
	}
	if caps&can.ModeOneShot != 0 {
		f |= FeatureOneShot
	}
	if caps&can.Mode3Samples != 0 {
		f |= FeatureTripleSample
	}
	return f
}

// controllerMode maps host mode flags to controller mode bits.
func controllerMode(flags uint32) can.Mode {
	var m can.Mode
	if flags&FeatureListenOnly != 0 {
		m |= can.ModeListenOnly
	}
	if flags&FeatureLoopBack != 0 {
		m |= can.ModeLoopback
	}
	if flags&FeatureTripleSample != 0 {
		m |= can.Mode3Samples
	}
	if flags&FeatureOneShot != 0 {
		m |= can.ModeOneShot
	}
	if flags&FeatureFD != 0 {
		m |= can.ModeFD
	}
	return m
}

// Len returns the number of channels.
func (r *Registry) Len() int { return len(r.channels) }

// Channel returns channel ch.
func (r *Registry) Channel(ch uint16) (*Channel, error) {
	if int(ch) >= len(r.channels) {
		return nil, fmt.Errorf("%w: channel %d out of range", ErrInvalid, ch)
	}
	return r.channels[ch], nil
}

// Channels returns every channel in index order.
func (r *Registry) Channels() []*Channel { return r.channels }

// Reset stops channel ch and clears its runtime state. Resetting a stopped
// channel succeeds.
func (r *Registry) Reset(ch uint16) error {
	c, err := r.Channel(ch)
	if err != nil {
		return err
	}
	c.mode.Store(0)
	c.started.Store(false)
	c.busOff.Store(false)
	c.overflows.reset()
	if err := c.ctrl.Stop(); err != nil && !errors.Is(err, can.ErrAlreadyStopped) {
		return fmt.Errorf("channel %d stop: %w", ch, err)
	}
	return nil
}

// ResetAll resets every channel, logging failures.
func (r *Registry) ResetAll() {
	for _, c := range r.channels {
		if err := r.Reset(c.index); err != nil {
			r.logger.Error("Failed to reset channel", "channel", c.index, "error", err)
		}
	}
}

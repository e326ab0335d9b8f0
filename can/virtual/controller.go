package virtual

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/Alia5/CANIPER/can"
)

// Config describes the controller a Controller pretends to be.
type Config struct {
	Name         string
	CoreClock    uint32
	Capabilities can.Mode
	TimingMin    can.Timing
	TimingMax    can.Timing
	DataMin      can.Timing
	DataMax      can.Timing
	TxQueue      int
	MaxFilters   int
}

// DefaultConfig describes an 80 MHz CAN FD controller.
func DefaultConfig(name string) Config {
	return Config{
		Name:         name,
		CoreClock:    80_000_000,
		Capabilities: can.ModeLoopback | can.ModeListenOnly | can.ModeFD | can.ModeOneShot | can.Mode3Samples,
		TimingMin:    can.Timing{SJW: 1, PropSeg: 0, PhaseSeg1: 2, PhaseSeg2: 2, Prescaler: 1},
		TimingMax:    can.Timing{SJW: 128, PropSeg: 0, PhaseSeg1: 256, PhaseSeg2: 128, Prescaler: 32},
		DataMin:      can.Timing{SJW: 1, PropSeg: 0, PhaseSeg1: 1, PhaseSeg2: 1, Prescaler: 1},
		DataMax:      can.Timing{SJW: 16, PropSeg: 0, PhaseSeg1: 32, PhaseSeg2: 16, Prescaler: 32},
		TxQueue:      16,
		MaxFilters:   16,
	}
}

type txRequest struct {
	f    can.Frame
	done can.TxCallback
}

// Controller is a CAN controller attached to a virtual Bus. It ACKs every
// frame it puts on the bus, so transmissions always succeed.
type Controller struct {
	cfg     Config
	bus     *Bus
	logger  *slog.Logger
	filters *can.FilterSet
	ready   atomic.Bool

	mu         sync.RWMutex
	started    bool
	mode       can.Mode
	timing     can.Timing
	dataTiming can.Timing
	state      can.State
	counters   can.ErrorCounters
	stateCb    can.StateChangeCallback
	port       *Port
	tx         chan txRequest
	stop       chan struct{}
	wg         sync.WaitGroup
}

func NewController(bus *Bus, cfg Config, logger *slog.Logger) *Controller {
	if cfg.TxQueue <= 0 {
		cfg.TxQueue = 16
	}
	c := &Controller{
		cfg:     cfg,
		bus:     bus,
		logger:  logger.With("controller", cfg.Name, "bus", bus.Name()),
		filters: can.NewFilterSet(cfg.MaxFilters),
		state:   can.StateStopped,
	}
	c.ready.Store(true)
	return c
}

func (c *Controller) Name() string { return c.cfg.Name }

// Bus returns the bus the controller is attached to.
func (c *Controller) Bus() *Bus { return c.bus }

func (c *Controller) Ready() bool { return c.ready.Load() }

// SetReady marks the controller (un)usable.
func (c *Controller) SetReady(ready bool) { c.ready.Store(ready) }

func (c *Controller) Capabilities() (can.Mode, error) { return c.cfg.Capabilities, nil }

func (c *Controller) CoreClock() (uint32, error) { return c.cfg.CoreClock, nil }

func (c *Controller) TimingMin() can.Timing     { return c.cfg.TimingMin }
func (c *Controller) TimingMax() can.Timing     { return c.cfg.TimingMax }
func (c *Controller) TimingDataMin() can.Timing { return c.cfg.DataMin }
func (c *Controller) TimingDataMax() can.Timing { return c.cfg.DataMax }

func (c *Controller) SetTiming(t can.Timing) error {
	if !t.Within(c.cfg.TimingMin, c.cfg.TimingMax) {
		return fmt.Errorf("%w: %+v", can.ErrInvalidTiming, t)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return can.ErrBusy
	}
	c.timing = t
	c.logger.Debug("Nominal timing set", "bitrate", t.Bitrate(c.cfg.CoreClock))
	return nil
}

func (c *Controller) SetTimingData(t can.Timing) error {
	if c.cfg.Capabilities&can.ModeFD == 0 {
		return can.ErrNotSupported
	}
	if !t.Within(c.cfg.DataMin, c.cfg.DataMax) {
		return fmt.Errorf("%w: %+v", can.ErrInvalidTiming, t)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return can.ErrBusy
	}
	c.dataTiming = t
	c.logger.Debug("Data timing set", "bitrate", t.Bitrate(c.cfg.CoreClock))
	return nil
}

// Timing returns the applied nominal and data phase timing.
func (c *Controller) Timing() (nominal, data can.Timing) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.timing, c.dataTiming
}

func (c *Controller) SetMode(m can.Mode) error {
	if m&^c.cfg.Capabilities != 0 {
		return fmt.Errorf("%w: mode 0x%x", can.ErrNotSupported, uint32(m))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return can.ErrBusy
	}
	c.mode = m
	return nil
}

// Mode returns the applied mode bits.
func (c *Controller) Mode() can.Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return can.ErrAlreadyStarted
	}
	c.started = true
	c.state = can.StateErrorActive
	c.counters = can.ErrorCounters{}
	c.port = c.bus.Attach()
	c.tx = make(chan txRequest, c.cfg.TxQueue)
	c.stop = make(chan struct{})
	c.wg.Add(2)
	go c.rxLoop(c.port, c.mode, c.stop)
	go c.txLoop(c.port, c.mode, c.tx, c.stop)
	c.logger.Info("Controller started", "mode", fmt.Sprintf("0x%x", uint32(c.mode)))
	return nil
}

func (c *Controller) Stop() error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return can.ErrAlreadyStopped
	}
	c.started = false
	c.state = can.StateStopped
	close(c.stop)
	tx, port := c.tx, c.port
	cnt, cb := c.counters, c.stateCb
	c.mu.Unlock()

	c.wg.Wait()
	port.Close()
drain:
	for {
		select {
		case r := <-tx:
			r.done(can.ErrNetDown)
		default:
			break drain
		}
	}
	if cb != nil {
		cb(can.StateStopped, cnt)
	}
	c.logger.Info("Controller stopped")
	return nil
}

func (c *Controller) State() (can.State, can.ErrorCounters, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state, c.counters, nil
}

// InjectState forces a fault confinement state and reports it through the
// state change callback.
func (c *Controller) InjectState(s can.State, cnt can.ErrorCounters) error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return can.ErrNetDown
	}
	c.state, c.counters = s, cnt
	cb := c.stateCb
	c.mu.Unlock()
	if cb != nil {
		cb(s, cnt)
	}
	return nil
}

func (c *Controller) Send(ctx context.Context, f can.Frame, done can.TxCallback) error {
	if err := f.Validate(); err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.started {
		return can.ErrNetDown
	}
	if c.mode&can.ModeListenOnly != 0 {
		return fmt.Errorf("%w: listen-only mode", can.ErrNotSupported)
	}
	if f.FD() && c.mode&can.ModeFD == 0 {
		return fmt.Errorf("%w: FD frame outside FD mode", can.ErrNotSupported)
	}
	if c.state == can.StateBusOff {
		return can.ErrNetDown
	}
	select {
	case c.tx <- txRequest{f: f, done: done}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) AddRxFilter(cb can.RxCallback, f can.Filter) (int, error) {
	return c.filters.Add(cb, f)
}

func (c *Controller) RemoveRxFilter(id int) { c.filters.Remove(id) }

func (c *Controller) SetStateChangeCallback(cb can.StateChangeCallback) {
	c.mu.Lock()
	c.stateCb = cb
	c.mu.Unlock()
}

// The loops capture mode at start; it cannot change while started.
func (c *Controller) rxLoop(port *Port, mode can.Mode, stop <-chan struct{}) {
	defer c.wg.Done()
	for {
		select {
		case <-stop:
			return
		case <-port.Closed:
			return
		case f := <-port.Out:
			if f.FD() && mode&can.ModeFD == 0 {
				continue
			}
			c.filters.Dispatch(f)
		}
	}
}

func (c *Controller) txLoop(port *Port, mode can.Mode, tx <-chan txRequest, stop <-chan struct{}) {
	defer c.wg.Done()
	for {
		select {
		case <-stop:
			return
		case r := <-tx:
			if mode&can.ModeLoopback != 0 {
				c.filters.Dispatch(r.f)
			} else {
				port.Write(r.f)
			}
			r.done(nil)
		}
	}
}

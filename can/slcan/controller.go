package slcan

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tarm/serial"

	"github.com/Alia5/CANIPER/can"
	"github.com/Alia5/CANIPER/internal/metrics"
)

// Port abstracts tarm/serial for testability.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// OpenPort opens a serial device.
func OpenPort(name string, baud int, readTimeout time.Duration) (Port, error) {
	return serial.OpenPort(&serial.Config{Name: name, Baud: baud, ReadTimeout: readTimeout})
}

// Config describes the adapter.
type Config struct {
	Device string
	Baud   int
	// CoreClock is the clock the advertised timing limits refer to.
	CoreClock uint32
}

const (
	defaultBaud    = 115200
	defaultBitrate = 500_000
	portTimeout    = 100 * time.Millisecond
)

// SJA1000 style limits at 8 MHz, the clock most SLCAN firmwares assume.
var (
	timingMin = can.Timing{SJW: 1, PropSeg: 0, PhaseSeg1: 1, PhaseSeg2: 1, Prescaler: 1}
	timingMax = can.Timing{SJW: 4, PropSeg: 0, PhaseSeg1: 16, PhaseSeg2: 8, Prescaler: 64}
)

// Controller talks to an SLCAN adapter over a serial port.
type Controller struct {
	cfg     Config
	port    Port
	logger  *slog.Logger
	filters *can.FilterSet
	writeMu sync.Mutex
	closed  atomic.Bool
	wg      sync.WaitGroup

	mu      sync.RWMutex
	started bool
	mode    can.Mode
	bitrate uint32
	stateCb can.StateChangeCallback
}

// Open opens cfg.Device and returns a controller on it.
func Open(cfg Config, logger *slog.Logger) (*Controller, error) {
	if cfg.Baud == 0 {
		cfg.Baud = defaultBaud
	}
	p, err := OpenPort(cfg.Device, cfg.Baud, portTimeout)
	if err != nil {
		return nil, fmt.Errorf("slcan: open %s: %w", cfg.Device, err)
	}
	return New(p, cfg, logger), nil
}

// New wraps an already open port and starts reading from it.
func New(p Port, cfg Config, logger *slog.Logger) *Controller {
	if cfg.CoreClock == 0 {
		cfg.CoreClock = 8_000_000
	}
	c := &Controller{
		cfg:     cfg,
		port:    p,
		logger:  logger.With("controller", "slcan:"+cfg.Device),
		filters: can.NewFilterSet(0),
		bitrate: defaultBitrate,
	}
	c.wg.Add(1)
	go c.readLoop()
	return c
}

// Close closes the port and waits for the reader.
func (c *Controller) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	_ = c.write("C\r")
	err := c.port.Close()
	c.wg.Wait()
	return err
}

func (c *Controller) Name() string { return "slcan:" + c.cfg.Device }

func (c *Controller) Ready() bool { return !c.closed.Load() }

func (c *Controller) Capabilities() (can.Mode, error) { return can.ModeListenOnly, nil }

func (c *Controller) CoreClock() (uint32, error) { return c.cfg.CoreClock, nil }

func (c *Controller) TimingMin() can.Timing { return timingMin }
func (c *Controller) TimingMax() can.Timing { return timingMax }

// SetTiming accepts any timing whose bitrate maps to a Lawicel S code.
func (c *Controller) SetTiming(t can.Timing) error {
	rate := t.Bitrate(c.cfg.CoreClock)
	if _, err := BitrateCommand(rate); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return can.ErrBusy
	}
	c.bitrate = rate
	return nil
}

func (c *Controller) SetMode(m can.Mode) error {
	if m&^can.ModeListenOnly != 0 {
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

func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return can.ErrAlreadyStarted
	}
	cmd, err := BitrateCommand(c.bitrate)
	if err != nil {
		return err
	}
	open := "O\r"
	if c.mode&can.ModeListenOnly != 0 {
		open = "L\r"
	}
	for _, s := range []string{"C\r", cmd, open} {
		if err := c.write(s); err != nil {
			return err
		}
	}
	c.started = true
	c.logger.Info("Channel opened", "bitrate", c.bitrate)
	return nil
}

func (c *Controller) Stop() error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return can.ErrAlreadyStopped
	}
	c.started = false
	cb := c.stateCb
	c.mu.Unlock()
	if err := c.write("C\r"); err != nil {
		return err
	}
	if cb != nil {
		cb(can.StateStopped, can.ErrorCounters{})
	}
	c.logger.Info("Channel closed")
	return nil
}

// State reports error-active while open; SLCAN has no portable status
// query.
func (c *Controller) State() (can.State, can.ErrorCounters, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.started {
		return can.StateStopped, can.ErrorCounters{}, nil
	}
	return can.StateErrorActive, can.ErrorCounters{}, nil
}

func (c *Controller) Send(ctx context.Context, f can.Frame, done can.TxCallback) error {
	if err := f.Validate(); err != nil {
		return err
	}
	if f.FD() {
		return fmt.Errorf("%w: CAN FD over SLCAN", can.ErrNotSupported)
	}
	c.mu.RLock()
	started, mode := c.started, c.mode
	c.mu.RUnlock()
	if !started {
		return can.ErrNetDown
	}
	if mode&can.ModeListenOnly != 0 {
		return fmt.Errorf("%w: listen-only mode", can.ErrNotSupported)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.write(EncodeFrame(f)); err != nil {
		metrics.IncError(metrics.ErrController)
		return err
	}
	done(nil)
	return nil
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

func (c *Controller) write(s string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.port.Write([]byte(s)); err != nil {
		return fmt.Errorf("slcan write: %w", err)
	}
	return nil
}

func (c *Controller) readLoop() {
	defer c.wg.Done()
	var pending bytes.Buffer
	buf := make([]byte, 256)
	for {
		n, err := c.port.Read(buf)
		if n > 0 {
			pending.Write(buf[:n])
			c.drainLines(&pending)
		}
		if c.closed.Load() {
			return
		}
		// tarm/serial reports a read timeout as io.EOF
		if err != nil && !errors.Is(err, io.EOF) {
			c.logger.Error("Serial read failed", "error", err)
			metrics.IncError(metrics.ErrController)
			return
		}
	}
}

func (c *Controller) drainLines(pending *bytes.Buffer) {
	for {
		data := pending.Bytes()
		i := bytes.IndexAny(data, "\r\a")
		if i < 0 {
			return
		}
		line, term := string(data[:i]), data[i]
		pending.Next(i + 1)
		if term == '\a' {
			c.logger.Debug("Adapter rejected command")
			continue
		}
		c.handleLine(line)
	}
}

func (c *Controller) handleLine(line string) {
	if line == "" {
		return
	}
	switch line[0] {
	case 't', 'T', 'r', 'R':
	default:
		// z/Z transmit acks, version and status replies
		return
	}
	c.mu.RLock()
	started := c.started
	c.mu.RUnlock()
	if !started {
		return
	}
	f, err := ParseFrame(line)
	if err != nil {
		c.logger.Debug("Ignoring malformed line", "line", line, "error", err)
		return
	}
	c.filters.Dispatch(f)
}

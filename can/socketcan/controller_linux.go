//go:build linux

package socketcan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/Alia5/CANIPER/can"
	"github.com/Alia5/CANIPER/internal/metrics"
)

const (
	readTimeout  = 200 * time.Millisecond
	writeBackoff = 2 * time.Millisecond
)

// Controller exposes a SocketCAN interface. Bitrates belong to the kernel
// (ip link set canX type can bitrate ...); timing requests are recorded and
// logged but never pushed down.
type Controller struct {
	cfg     Config
	logger  *slog.Logger
	filters *can.FilterSet

	mu       sync.RWMutex
	started  bool
	mode     can.Mode
	timing   can.Timing
	fd       int
	state    can.State
	counters can.ErrorCounters
	stateCb  can.StateChangeCallback
	stop     chan struct{}
	wg       sync.WaitGroup
	// writes in flight on fd; Stop closes fd only after they return
	sends sync.WaitGroup
}

// Open returns a controller bound to cfg.Interface. The socket itself is
// opened on Start.
func Open(cfg Config, logger *slog.Logger) (can.Controller, error) {
	cfg.setDefaults()
	if cfg.Interface == "" {
		return nil, errors.New("socketcan: interface name required")
	}
	return &Controller{
		cfg:     cfg,
		logger:  logger.With("controller", cfg.Name(), "iface", cfg.Interface),
		filters: can.NewFilterSet(0),
		fd:      -1,
		state:   can.StateStopped,
	}, nil
}

func (c *Controller) Name() string { return c.cfg.Name() }

func (c *Controller) Ready() bool {
	ifi, err := net.InterfaceByName(c.cfg.Interface)
	if err != nil {
		return false
	}
	return ifi.Flags&net.FlagUp != 0
}

func (c *Controller) Capabilities() (can.Mode, error) {
	caps := can.ModeLoopback
	if c.cfg.FD {
		caps |= can.ModeFD
	}
	return caps, nil
}

func (c *Controller) CoreClock() (uint32, error) { return c.cfg.CoreClock, nil }

func (c *Controller) TimingMin() can.Timing     { return c.cfg.TimingMin }
func (c *Controller) TimingMax() can.Timing     { return c.cfg.TimingMax }
func (c *Controller) TimingDataMin() can.Timing { return c.cfg.DataMin }
func (c *Controller) TimingDataMax() can.Timing { return c.cfg.DataMax }

func (c *Controller) SetTiming(t can.Timing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return can.ErrBusy
	}
	c.timing = t
	c.logger.Info("Host requested bitrate; configure it with ip link", "bitrate", t.Bitrate(c.cfg.CoreClock))
	return nil
}

func (c *Controller) SetTimingData(t can.Timing) error {
	if !c.cfg.FD {
		return can.ErrNotSupported
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return can.ErrBusy
	}
	c.logger.Info("Host requested data bitrate; configure it with ip link", "dbitrate", t.Bitrate(c.cfg.CoreClock))
	return nil
}

func (c *Controller) SetMode(m can.Mode) error {
	caps, _ := c.Capabilities()
	if m&^caps != 0 {
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
	fd, err := c.openSocket()
	if err != nil {
		return err
	}
	c.fd = fd
	c.started = true
	c.state = can.StateErrorActive
	c.counters = can.ErrorCounters{}
	c.stop = make(chan struct{})
	c.wg.Add(1)
	go c.readLoop(fd, c.stop)
	c.logger.Info("Controller started", "mode", fmt.Sprintf("0x%x", uint32(c.mode)))
	return nil
}

func (c *Controller) openSocket() (int, error) {
	ifi, err := net.InterfaceByName(c.cfg.Interface)
	if err != nil {
		return -1, fmt.Errorf("%w: %v", can.ErrNotReady, err)
	}
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return -1, fmt.Errorf("socket(AF_CAN): %w", err)
	}
	fail := func(what string, err error) (int, error) {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("%s: %w", what, err)
	}
	fdFrames := 0
	if c.mode&can.ModeFD != 0 {
		fdFrames = 1
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, fdFrames); err != nil && err != unix.ENOPROTOOPT {
		return fail("CAN_RAW_FD_FRAMES", err)
	}
	if c.mode&can.ModeLoopback != 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_RECV_OWN_MSGS, 1); err != nil {
			return fail("CAN_RAW_RECV_OWN_MSGS", err)
		}
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_ERR_FILTER, errMask); err != nil {
		return fail("CAN_RAW_ERR_FILTER", err)
	}
	tv := unix.NsecToTimeval(readTimeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		return fail("SO_RCVTIMEO", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: ifi.Index}); err != nil {
		return fail(fmt.Sprintf("bind(can@%s)", c.cfg.Interface), err)
	}
	return fd, nil
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
	fd := c.fd
	c.fd = -1
	cnt, cb := c.counters, c.stateCb
	c.mu.Unlock()

	c.wg.Wait()
	c.sends.Wait()
	_ = unix.Close(fd)
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

// Send writes f to the socket. A full kernel queue (ENOBUFS) is retried
// until ctx is done.
func (c *Controller) Send(ctx context.Context, f can.Frame, done can.TxCallback) error {
	if err := f.Validate(); err != nil {
		return err
	}
	c.mu.RLock()
	if !c.started {
		c.mu.RUnlock()
		return can.ErrNetDown
	}
	fd, mode, stop := c.fd, c.mode, c.stop
	c.sends.Add(1)
	c.mu.RUnlock()
	defer c.sends.Done()

	if f.FD() && mode&can.ModeFD == 0 {
		return fmt.Errorf("%w: FD frame outside FD mode", can.ErrNotSupported)
	}
	buf := encodeFrame(f)
	for {
		_, err := unix.Write(fd, buf)
		if err == nil {
			break
		}
		if err != unix.ENOBUFS && err != unix.EAGAIN {
			metrics.IncError(metrics.ErrController)
			return fmt.Errorf("socketcan write: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return can.ErrNetDown
		case <-time.After(writeBackoff):
		}
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

func (c *Controller) readLoop(fd int, stop <-chan struct{}) {
	defer c.wg.Done()
	var buf [canFDMTU]byte
	for {
		select {
		case <-stop:
			return
		default:
		}
		n, err := unix.Read(fd, buf[:])
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				continue
			}
			c.logger.Error("SocketCAN read failed", "error", err)
			metrics.IncError(metrics.ErrController)
			return
		}
		f, rawID, err := decodeFrame(buf[:n])
		if err != nil {
			c.logger.Debug("Ignoring malformed frame", "error", err)
			continue
		}
		if rawID&errFlag != 0 {
			c.handleErrorFrame(rawID, f.Data[:8])
			continue
		}
		c.filters.Dispatch(f)
	}
}

func (c *Controller) handleErrorFrame(rawID uint32, data []byte) {
	s, cnt, ok := errorState(rawID, data)
	if !ok {
		return
	}
	c.mu.Lock()
	if c.state == s && c.counters == cnt {
		c.mu.Unlock()
		return
	}
	c.state, c.counters = s, cnt
	cb := c.stateCb
	c.mu.Unlock()
	c.logger.Info("Controller state changed", "state", s, "txerr", cnt.TX, "rxerr", cnt.RX)
	if cb != nil {
		cb(s, cnt)
	}
}

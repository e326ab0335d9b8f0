package gsusb

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/Alia5/CANIPER/apitypes"
	"github.com/Alia5/CANIPER/can"
	"github.com/Alia5/CANIPER/can/slcan"
	"github.com/Alia5/CANIPER/can/socketcan"
	"github.com/Alia5/CANIPER/can/virtual"
	"github.com/Alia5/CANIPER/device"
	"github.com/Alia5/CANIPER/internal/board"
	"github.com/Alia5/CANIPER/internal/cnl"
	"github.com/Alia5/CANIPER/internal/metrics"
	"github.com/Alia5/CANIPER/internal/server/api"
	"github.com/Alia5/CANIPER/usb"
)

// DefaultVirtualBus is the bus virtual channels join when none is named.
const DefaultVirtualBus = "vcan0"

func init() {
	api.RegisterDevice("gsusb", &handler{})
}

type handler struct{}

// CreateDevice opens one controller per channel spec (a single virtual
// channel when there is none) and builds a device with a board.
func (h *handler) CreateDevice(o *device.CreateOptions) (usb.Device, error) {
	if o == nil {
		o = &device.CreateOptions{}
	}
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}
	specs := o.Channels
	if len(specs) == 0 {
		specs = []apitypes.ChannelSpec{{Backend: apitypes.BackendVirtual}}
	}
	ctrls, closers, err := OpenControllers(specs, o.Network, logger)
	if err != nil {
		return nil, err
	}
	closeAll := func() {
		for _, c := range closers {
			_ = c()
		}
	}

	id := Identity{Serial: o.Serial}
	if o.IdVendor != nil {
		id.VendorID = *o.IdVendor
	}
	if o.IdProduct != nil {
		id.ProductID = *o.IdProduct
	}
	b := board.New(len(ctrls), logger)
	d, err := NewDevice(ctrls, HooksFrom(b), Config{}, id, logger.With("device", "gsusb"))
	if err != nil {
		closeAll()
		return nil, err
	}
	d.board = b
	d.closers = closers
	return d, nil
}

// OpenControllers opens the controllers described by specs. The returned
// closers release backends that own a resource.
func OpenControllers(specs []apitypes.ChannelSpec, network *virtual.Network, logger *slog.Logger) ([]can.Controller, []func() error, error) {
	if len(specs) > MaxChannels {
		return nil, nil, fmt.Errorf("%w: %d channels (max %d)", ErrInvalid, len(specs), MaxChannels)
	}
	var (
		ctrls   []can.Controller
		closers []func() error
	)
	fail := func(err error) ([]can.Controller, []func() error, error) {
		for _, c := range closers {
			_ = c()
		}
		return nil, nil, err
	}
	for i, spec := range specs {
		switch spec.Backend {
		case "", apitypes.BackendVirtual:
			if network == nil {
				network = virtual.NewNetwork(logger)
			}
			name := spec.Bus
			if name == "" {
				name = DefaultVirtualBus
			}
			bus := network.Bus(name)
			ctrls = append(ctrls, virtual.NewController(bus, virtual.DefaultConfig(fmt.Sprintf("%s/ch%d", name, i)), logger))
		case apitypes.BackendSocketCAN:
			if spec.Interface == "" {
				return fail(fmt.Errorf("%w: channel %d: socketcan needs an interface", ErrInvalid, i))
			}
			c, err := socketcan.Open(socketcan.Config{Interface: spec.Interface, FD: spec.FD}, logger)
			if err != nil {
				return fail(fmt.Errorf("channel %d: %w", i, err))
			}
			ctrls = append(ctrls, c)
		case apitypes.BackendSLCAN:
			if spec.Device == "" {
				return fail(fmt.Errorf("%w: channel %d: slcan needs a serial device", ErrInvalid, i))
			}
			c, err := slcan.Open(slcan.Config{Device: spec.Device, Baud: spec.Baud}, logger)
			if err != nil {
				return fail(fmt.Errorf("channel %d: %w", i, err))
			}
			ctrls = append(ctrls, c)
			closers = append(closers, c.Close)
		default:
			return fail(fmt.Errorf("%w: channel %d: unknown backend %q", ErrInvalid, i, spec.Backend))
		}
	}
	return ctrls, closers, nil
}

// StreamHandler joins the client to the virtual buses of the device. Each
// frame on the connection is one channel byte followed by the cannelloni
// encoding of the frame. Channels on other backends are skipped.
func (h *handler) StreamHandler() api.StreamHandlerFunc {
	return func(conn net.Conn, devPtr *usb.Device, logger *slog.Logger) error {
		if devPtr == nil || *devPtr == nil {
			return fmt.Errorf("nil device")
		}
		d, ok := (*devPtr).(*Device)
		if !ok {
			return fmt.Errorf("device is not gsusb")
		}
		return serveStream(conn, d, logger)
	}
}

func serveStream(conn net.Conn, d *Device, logger *slog.Logger) error {
	ports := map[uint16]*virtual.Port{}
	joined := map[*virtual.Bus]uint16{}
	for _, ch := range d.engine.Registry().Channels() {
		vc, ok := ch.Controller().(*virtual.Controller)
		if !ok {
			continue
		}
		if first, ok := joined[vc.Bus()]; ok {
			ports[ch.Index()] = ports[first]
			continue
		}
		joined[vc.Bus()] = ch.Index()
		ports[ch.Index()] = vc.Bus().Attach()
	}
	if len(joined) == 0 {
		return fmt.Errorf("%w: device has no virtual channels", ErrNotSupported)
	}

	done := make(chan struct{})
	var (
		wg      sync.WaitGroup
		writeMu sync.Mutex
	)
	defer func() {
		close(done)
		for _, p := range ports {
			p.Close()
		}
		wg.Wait()
	}()

	for bus, idx := range joined {
		p := ports[idx]
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf := make([]byte, 0, 1+6+can.MaxFDDataLen)
			for {
				select {
				case f := <-p.Out:
					buf = cnl.AppendFrame(append(buf[:0], byte(idx)), f)
					writeMu.Lock()
					_, err := conn.Write(buf)
					writeMu.Unlock()
					if err != nil {
						metrics.IncError(metrics.ErrStreamWrite)
						logger.Debug("stream write failed", "bus", bus.Name(), "error", err)
						_ = conn.Close()
						return
					}
				case <-p.Closed:
					return
				case <-done:
					return
				}
			}
		}()
	}

	r := bufio.NewReader(conn)
	codec := cnl.Codec{}
	var chb [1]byte
	for {
		if _, err := io.ReadFull(r, chb[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				logger.Info("client disconnected")
				return nil
			}
			metrics.IncError(metrics.ErrStreamRead)
			return fmt.Errorf("read channel: %w", err)
		}
		f, err := codec.Decode(r)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			metrics.IncError(metrics.ErrStreamRead)
			return fmt.Errorf("read frame: %w", err)
		}
		p, ok := ports[uint16(chb[0])]
		if !ok {
			logger.Warn("Dropping stream frame for non-virtual channel", "channel", chb[0])
			continue
		}
		if err := f.Validate(); err != nil {
			logger.Warn("Dropping invalid stream frame", "channel", chb[0], "error", err)
			continue
		}
		p.Write(f)
	}
}

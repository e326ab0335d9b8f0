package gsusb

import (
	"context"
	"log/slog"
	"sync"

	"github.com/Alia5/CANIPER/can"
	"github.com/Alia5/CANIPER/internal/board"
	"github.com/Alia5/CANIPER/usb"
	"github.com/Alia5/CANIPER/usbip"
)

// Device exports an Engine as a USB/IP device.
type Device struct {
	engine  *Engine
	desc    usb.Descriptor
	in      chan []byte
	board   *board.Board
	closers []func() error

	mu sync.Mutex
	// frames the server handed back after their URB was unlinked, served
	// before anything new on the IN endpoint
	requeued [][]byte
}

// NewDevice builds a gs_usb device with one channel per controller.
func NewDevice(ctrls []can.Controller, hooks Hooks, cfg Config, id Identity, logger *slog.Logger) (*Device, error) {
	d := &Device{
		desc: NewDescriptor(id),
		in:   make(chan []byte),
	}
	e, err := New(d, ctrls, hooks, cfg, logger)
	if err != nil {
		return nil, err
	}
	d.engine = e
	return d, nil
}

// Engine returns the protocol engine behind the device.
func (d *Device) Engine() *Engine { return d.engine }

// SendIn parks frame until a bulk IN URB collects it.
func (d *Device) SendIn(ctx context.Context, frame []byte) error {
	select {
	case d.in <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Device) InEndpoint() uint8  { return EndpointIn }
func (d *Device) OutEndpoint() uint8 { return EndpointOut }

// HandleTransfer serves the bulk endpoints. IN transfers block until the
// engine has a host frame or ctx is done.
func (d *Device) HandleTransfer(ctx context.Context, ep uint32, dir uint32, out []byte) ([]byte, error) {
	switch {
	case dir == usbip.DirIn && ep == uint32(EndpointIn&0x0f):
		if frame := d.popRequeued(); frame != nil {
			return frame, nil
		}
		select {
		case frame := <-d.in:
			return frame, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	case dir == usbip.DirOut && ep == uint32(EndpointOut):
		return nil, d.engine.ReceiveOut(ctx, out)
	case dir == usbip.DirOut && ep == uint32(EndpointDummy):
		return nil, nil
	}
	return nil, usb.ErrStall
}

// RequeueIn takes back a frame whose IN URB was unlinked before the host
// got it.
func (d *Device) RequeueIn(ep uint32, data []byte) {
	if ep != uint32(EndpointIn&0x0f) {
		return
	}
	d.mu.Lock()
	d.requeued = append(d.requeued, data)
	d.mu.Unlock()
}

func (d *Device) popRequeued() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.requeued) == 0 {
		return nil
	}
	f := d.requeued[0]
	d.requeued = d.requeued[1:]
	return f
}

func (d *Device) GetDescriptor() *usb.Descriptor { return &d.desc }

func (d *Device) HandleControl(setup usb.SetupPacket, data []byte) ([]byte, error) {
	return d.engine.HandleControl(setup, data)
}

func (d *Device) Enable() { d.engine.Enable() }

// Disable also forgets requeued frames; they belong to the old session.
func (d *Device) Disable() {
	d.engine.Disable()
	d.mu.Lock()
	d.requeued = nil
	d.mu.Unlock()
}

// Close releases the controllers, then closes the backends the device
// opened for them.
func (d *Device) Close() {
	d.engine.Close()
	for _, c := range d.closers {
		if err := c(); err != nil {
			d.engine.logger.Warn("Failed to close controller", "error", err)
		}
	}
	d.closers = nil
}

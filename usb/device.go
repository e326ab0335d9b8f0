package usb

import (
	"context"
	"errors"
)

// ErrStall rejects a transfer; the USB/IP server answers the URB with
// -EPIPE.
var ErrStall = errors.New("usb: stall")

// Device is the minimal interface a device must implement.
type Device interface {
	// HandleTransfer processes a non-EP0 (bulk/interrupt) transfer.
	// ep is the endpoint number (without direction). dir is usbip.DirIn or usbip.DirOut.
	// For IN transfers it returns the payload to send; for OUT it consumes out.
	// It may block until data is available or ctx is done (URB unlinked,
	// connection closed).
	HandleTransfer(ctx context.Context, ep uint32, dir uint32, out []byte) ([]byte, error)
	GetDescriptor() *Descriptor
}

// ControlHandler is implemented by devices that answer class or vendor
// control requests. Any returned error stalls the control pipe.
type ControlHandler interface {
	HandleControl(setup SetupPacket, data []byte) ([]byte, error)
}

// Lifecycle is implemented by devices that must know when the host
// configures them. Enable runs on SET_CONFIGURATION with a non-zero value,
// Disable on SET_CONFIGURATION 0 and when the host connection goes away.
type Lifecycle interface {
	Enable()
	Disable()
}

// InRequeuer is implemented by devices that hand IN payloads over before
// the host has them. RequeueIn gets back a payload whose URB was unlinked
// or whose reply could not be written, so the next IN transfer on ep can
// carry it again.
type InRequeuer interface {
	RequeueIn(ep uint32, data []byte)
}

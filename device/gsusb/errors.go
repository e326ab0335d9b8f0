package gsusb

import "errors"

// Every error returned from a control request stalls the control pipe; the
// sentinels tell callers and tests why.
var (
	ErrInvalid      = errors.New("gsusb: invalid argument")
	ErrNotSupported = errors.New("gsusb: not supported")
	ErrBusy         = errors.New("gsusb: channel busy")
	ErrAlready      = errors.New("gsusb: already started")
	ErrNoDevice     = errors.New("gsusb: no such device")
)

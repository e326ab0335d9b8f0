// Package cnl encodes CAN frames the way cannelloni does on its TCP
// transport: a 4-byte big-endian id carrying the EFF/RTR bits, a length
// byte whose high bit marks CAN FD, an FD flags byte when that bit is set,
// then the payload.
package cnl

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/Alia5/CANIPER/can"
	"github.com/Alia5/CANIPER/internal/metrics"
)

// Identifier and length flags on the wire.
const (
	EFFFlag uint32 = 0x80000000
	RTRFlag uint32 = 0x40000000
	EFFMask uint32 = 0x1FFFFFFF
	SFFMask uint32 = 0x000007FF

	FDFrame uint8 = 0x80

	fdBRS uint8 = 0x01
	fdESI uint8 = 0x02
)

// Codec encodes/decodes cannelloni frames. Stateless and safe for concurrent use.
type Codec struct{}

// ErrInvalidLength is returned when a frame length is above 8 (64 for FD).
var ErrInvalidLength = errors.New("cannelloni: invalid length")

// ErrTruncatedFrame is returned when the underlying reader ends mid-frame.
var ErrTruncatedFrame = errors.New("cannelloni: truncated frame")

// Encode packs frames into a single buffer.
func (c *Codec) Encode(frames []can.Frame) []byte {
	if len(frames) == 0 {
		return nil
	}
	var buf bytes.Buffer
	buf.Grow(len(frames) * (4 + 2 + can.MaxDataLen))
	_, _ = c.EncodeTo(&buf, frames)
	return buf.Bytes()
}

// AppendFrame appends the wire form of f to b.
func AppendFrame(b []byte, f can.Frame) []byte {
	id := f.ID
	if f.Extended() {
		id = id&EFFMask | EFFFlag
	} else {
		id &= SFFMask
	}
	if f.Remote() {
		id |= RTRFlag
	}
	b = binary.BigEndian.AppendUint32(b, id)
	n := f.Len()
	lb := uint8(n)
	if f.Remote() {
		lb = min(f.DLC, can.MaxDataLen)
	}
	if f.FD() {
		var flags uint8
		if f.Flags&can.FlagBRS != 0 {
			flags |= fdBRS
		}
		if f.Flags&can.FlagESI != 0 {
			flags |= fdESI
		}
		b = append(b, lb|FDFrame, flags)
	} else {
		b = append(b, lb)
	}
	return append(b, f.Data[:n]...)
}

// EncodeTo writes the wire representation of frames to w and returns bytes written.
func (c *Codec) EncodeTo(w io.Writer, frames []can.Frame) (int, error) {
	var total int
	buf := make([]byte, 0, 4+2+can.MaxFDDataLen)
	for _, f := range frames {
		n, err := w.Write(AppendFrame(buf[:0], f))
		total += n
		if err != nil {
			return total, fmt.Errorf("cannelloni encode: %w", err)
		}
	}
	return total, nil
}

// Decode reads exactly one frame from r.
// It returns io.EOF if called at a clean frame boundary and no more data is available.
func (c *Codec) Decode(r io.Reader) (can.Frame, error) {
	var f can.Frame
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:4]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			metrics.IncMalformed()
			return f, fmt.Errorf("cannelloni decode id: %w", ErrTruncatedFrame)
		}
		return f, err
	}
	if _, err := io.ReadFull(r, hdr[4:]); err != nil {
		return f, truncated("length", err)
	}
	id := binary.BigEndian.Uint32(hdr[:4])
	if id&EFFFlag != 0 {
		f.ID = id & EFFMask
		f.Flags |= can.FlagIDE
	} else {
		f.ID = id & SFFMask
	}
	rtr := id&RTRFlag != 0
	if rtr {
		f.Flags |= can.FlagRTR
	}

	ln := int(hdr[4] &^ FDFrame)
	limit := can.MaxDataLen
	if hdr[4]&FDFrame != 0 {
		var fl [1]byte
		if _, err := io.ReadFull(r, fl[:]); err != nil {
			return f, truncated("fd flags", err)
		}
		f.Flags |= can.FlagFDF
		if fl[0]&fdBRS != 0 {
			f.Flags |= can.FlagBRS
		}
		if fl[0]&fdESI != 0 {
			f.Flags |= can.FlagESI
		}
		limit = can.MaxFDDataLen
	}
	if ln > limit {
		metrics.IncMalformed()
		return f, fmt.Errorf("cannelloni decode: %w (%d)", ErrInvalidLength, ln)
	}
	f.DLC = can.BytesToDLC(ln)
	if f.FD() && can.DLCToBytes(f.DLC) != ln {
		metrics.IncMalformed()
		return f, fmt.Errorf("cannelloni decode: %w (%d is not an FD length)", ErrInvalidLength, ln)
	}
	if ln > 0 && !rtr {
		if _, err := io.ReadFull(r, f.Data[:ln]); err != nil {
			return f, truncated("payload", err)
		}
	}
	return f, nil
}

func truncated(what string, err error) error {
	metrics.IncMalformed()
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return fmt.Errorf("cannelloni decode %s: %w", what, ErrTruncatedFrame)
	}
	return fmt.Errorf("cannelloni decode %s: %w", what, err)
}

// DecodeN decodes up to max frames (if max>0) or until EOF (if max<=0) invoking onFrame for each.
// It returns the number of frames decoded and the terminal error (which can be io.EOF).
func (c *Codec) DecodeN(r io.Reader, max int, onFrame func(can.Frame)) (int, error) {
	var n int
	for max <= 0 || n < max {
		fr, err := c.Decode(r)
		if err != nil {
			return n, err
		}
		onFrame(fr)
		n++
	}
	return n, nil
}

// Package can defines the controller-side view of a CAN bus: frames, bit
// timing, controller state and the Controller interface implemented by the
// backends under can/.
package can

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Identifier masks.
const (
	StdIDMask = 0x7FF
	ExtIDMask = 0x1FFFFFFF
)

// Payload limits.
const (
	MaxDataLen   = 8
	MaxFDDataLen = 64
	MaxDLC       = 15
)

// FrameFlags qualify a Frame.
type FrameFlags uint8

const (
	FlagIDE FrameFlags = 1 << iota // 29-bit identifier
	FlagRTR                        // remote transmission request
	FlagFDF                        // CAN FD frame
	FlagBRS                        // bit rate switch (FD only)
	FlagESI                        // error state indicator (FD only)
)

// Frame is a single CAN or CAN FD frame. Only the first DLCToBytes(DLC) bytes
// of Data are meaningful.
type Frame struct {
	ID    uint32
	DLC   uint8
	Flags FrameFlags
	Data  [MaxFDDataLen]byte
}

var dlcToLen = [MaxDLC + 1]uint8{0, 1, 2, 3, 4, 5, 6, 7, 8, 12, 16, 20, 24, 32, 48, 64}

// DLCToBytes returns the payload length encoded by dlc. Values above 15 are
// treated as 15.
func DLCToBytes(dlc uint8) int {
	if dlc > MaxDLC {
		dlc = MaxDLC
	}
	return int(dlcToLen[dlc])
}

// BytesToDLC returns the smallest DLC able to carry n bytes.
func BytesToDLC(n int) uint8 {
	for dlc, l := range dlcToLen {
		if int(l) >= n {
			return uint8(dlc)
		}
	}
	return MaxDLC
}

// Extended reports whether the frame uses a 29-bit identifier.
func (f *Frame) Extended() bool { return f.Flags&FlagIDE != 0 }

// Remote reports whether the frame is a remote request.
func (f *Frame) Remote() bool { return f.Flags&FlagRTR != 0 }

// FD reports whether the frame is a CAN FD frame.
func (f *Frame) FD() bool { return f.Flags&FlagFDF != 0 }

// Len returns the number of meaningful payload bytes. Classic frames never
// carry more than 8 bytes whatever their DLC says.
func (f *Frame) Len() int {
	if f.Remote() {
		return 0
	}
	n := DLCToBytes(f.DLC)
	if !f.FD() && n > MaxDataLen {
		n = MaxDataLen
	}
	return n
}

// Payload returns the meaningful part of Data.
func (f *Frame) Payload() []byte {
	return f.Data[:f.Len()]
}

// Validate checks identifier range and flag combinations.
func (f *Frame) Validate() error {
	mask := uint32(StdIDMask)
	if f.Extended() {
		mask = ExtIDMask
	}
	if f.ID&^mask != 0 {
		return fmt.Errorf("%w: identifier 0x%x out of range", ErrInvalidFrame, f.ID)
	}
	if f.DLC > MaxDLC {
		return fmt.Errorf("%w: dlc %d", ErrInvalidFrame, f.DLC)
	}
	if f.FD() && f.Remote() {
		return fmt.Errorf("%w: remote frames are not allowed in CAN FD", ErrInvalidFrame)
	}
	if !f.FD() && f.Flags&(FlagBRS|FlagESI) != 0 {
		return fmt.Errorf("%w: BRS/ESI set on a classic frame", ErrInvalidFrame)
	}
	return nil
}

// String formats the frame the way candump does: 123#DEADBEEF, 123#R,
// 123##1DEADBEEF for FD.
func (f Frame) String() string {
	var sb strings.Builder
	if f.Extended() {
		fmt.Fprintf(&sb, "%08X", f.ID&ExtIDMask)
	} else {
		fmt.Fprintf(&sb, "%03X", f.ID&StdIDMask)
	}
	switch {
	case f.FD():
		var fl uint8
		if f.Flags&FlagBRS != 0 {
			fl |= 0x1
		}
		if f.Flags&FlagESI != 0 {
			fl |= 0x2
		}
		fmt.Fprintf(&sb, "##%X", fl)
	case f.Remote():
		sb.WriteString("#R")
		return sb.String()
	default:
		sb.WriteByte('#')
	}
	sb.WriteString(strings.ToUpper(hex.EncodeToString(f.Payload())))
	return sb.String()
}

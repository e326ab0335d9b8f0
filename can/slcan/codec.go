// Package slcan drives a Lawicel (SLCAN) serial CAN adapter as a
// can.Controller.
package slcan

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/Alia5/CANIPER/can"
)

// Standard Lawicel bitrate setup codes.
var bitrateCodes = map[uint32]byte{
	10_000:    '0',
	20_000:    '1',
	50_000:    '2',
	100_000:   '3',
	125_000:   '4',
	250_000:   '5',
	500_000:   '6',
	800_000:   '7',
	1_000_000: '8',
}

// EncodeFrame converts a classic frame to its SLCAN command line.
func EncodeFrame(f can.Frame) string {
	var sb strings.Builder
	switch {
	case f.Remote() && f.Extended():
		sb.WriteByte('R')
	case f.Remote():
		sb.WriteByte('r')
	case f.Extended():
		sb.WriteByte('T')
	default:
		sb.WriteByte('t')
	}
	if f.Extended() {
		fmt.Fprintf(&sb, "%08X", f.ID&can.ExtIDMask)
	} else {
		fmt.Fprintf(&sb, "%03X", f.ID&can.StdIDMask)
	}
	dlc := f.DLC
	if dlc > can.MaxDataLen {
		dlc = can.MaxDataLen
	}
	sb.WriteByte('0' + dlc)
	if !f.Remote() {
		sb.WriteString(strings.ToUpper(hex.EncodeToString(f.Data[:dlc])))
	}
	sb.WriteByte('\r')
	return sb.String()
}

// ParseFrame decodes a received t/T/r/R line (without the trailing CR).
// Trailing timestamp digits are ignored.
func ParseFrame(line string) (can.Frame, error) {
	var f can.Frame
	if line == "" {
		return f, fmt.Errorf("%w: empty line", can.ErrInvalidFrame)
	}
	idLen := 3
	switch line[0] {
	case 't':
	case 'T':
		idLen = 8
		f.Flags |= can.FlagIDE
	case 'r':
		f.Flags |= can.FlagRTR
	case 'R':
		idLen = 8
		f.Flags |= can.FlagIDE | can.FlagRTR
	default:
		return f, fmt.Errorf("%w: unknown command %q", can.ErrInvalidFrame, line[0])
	}
	if len(line) < 1+idLen+1 {
		return f, fmt.Errorf("%w: short line %q", can.ErrInvalidFrame, line)
	}
	id, err := strconv.ParseUint(line[1:1+idLen], 16, 32)
	if err != nil {
		return f, fmt.Errorf("%w: id: %v", can.ErrInvalidFrame, err)
	}
	f.ID = uint32(id)
	dlc := line[1+idLen] - '0'
	if dlc > can.MaxDataLen {
		return f, fmt.Errorf("%w: dlc %q", can.ErrInvalidFrame, line[1+idLen])
	}
	f.DLC = dlc
	if f.Remote() {
		return f, f.Validate()
	}
	data := line[2+idLen:]
	if len(data) < int(dlc)*2 {
		return f, fmt.Errorf("%w: truncated data %q", can.ErrInvalidFrame, line)
	}
	if _, err := hex.Decode(f.Data[:dlc], []byte(data[:int(dlc)*2])); err != nil {
		return f, fmt.Errorf("%w: data: %v", can.ErrInvalidFrame, err)
	}
	return f, f.Validate()
}

// BitrateCommand returns the S command for bitrate.
func BitrateCommand(bitrate uint32) (string, error) {
	code, ok := bitrateCodes[bitrate]
	if !ok {
		return "", fmt.Errorf("%w: bitrate %d has no SLCAN setup code", can.ErrNotSupported, bitrate)
	}
	return "S" + string(code) + "\r", nil
}

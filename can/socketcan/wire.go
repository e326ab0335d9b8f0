// Package socketcan drives a Linux SocketCAN interface as a can.Controller.
package socketcan

import (
	"encoding/binary"
	"fmt"

	"github.com/Alia5/CANIPER/can"
)

// can_id flag bits and frame sizes, as in <linux/can.h>.
const (
	effFlag = 0x80000000
	rtrFlag = 0x40000000
	errFlag = 0x20000000

	canMTU   = 16
	canFDMTU = 72

	fdBRS = 0x01
	fdESI = 0x02
	fdFDF = 0x04
)

// Error frame classes and controller status bits, as in
// <linux/can/error.h>.
const (
	errClassCrtl      = 0x00000004
	errClassBusOff    = 0x00000040
	errClassRestarted = 0x00000100
	errClassCnt       = 0x00000200
	errMask           = 0x1FFFFFFF

	crtlRxWarning = 0x04
	crtlTxWarning = 0x08
	crtlRxPassive = 0x10
	crtlTxPassive = 0x20
	crtlActive    = 0x40
)

// encodeFrame lays f out as struct can_frame or struct canfd_frame. The
// kernel uses host byte order; every supported target is little-endian.
func encodeFrame(f can.Frame) []byte {
	id := f.ID
	if f.Extended() {
		id = (id & can.ExtIDMask) | effFlag
	} else {
		id &= can.StdIDMask
	}
	if f.Remote() {
		id |= rtrFlag
	}
	if f.FD() {
		buf := make([]byte, canFDMTU)
		binary.LittleEndian.PutUint32(buf[0:4], id)
		buf[4] = uint8(can.DLCToBytes(f.DLC))
		fl := uint8(fdFDF)
		if f.Flags&can.FlagBRS != 0 {
			fl |= fdBRS
		}
		if f.Flags&can.FlagESI != 0 {
			fl |= fdESI
		}
		buf[5] = fl
		copy(buf[8:], f.Payload())
		return buf
	}
	buf := make([]byte, canMTU)
	binary.LittleEndian.PutUint32(buf[0:4], id)
	buf[4] = f.DLC
	if buf[4] > can.MaxDataLen {
		buf[4] = can.MaxDataLen
	}
	copy(buf[8:], f.Payload())
	return buf
}

// decodeFrame parses a frame read from a raw socket. rawID keeps the flag
// bits so error frames can be told apart.
func decodeFrame(b []byte) (f can.Frame, rawID uint32, err error) {
	if len(b) != canMTU && len(b) != canFDMTU {
		return f, 0, fmt.Errorf("%w: %d bytes", can.ErrInvalidFrame, len(b))
	}
	rawID = binary.LittleEndian.Uint32(b[0:4])
	length := int(b[4])
	if rawID&effFlag != 0 {
		f.ID = rawID & can.ExtIDMask
		f.Flags |= can.FlagIDE
	} else {
		f.ID = rawID & can.StdIDMask
	}
	if len(b) == canFDMTU {
		if length > can.MaxFDDataLen {
			length = can.MaxFDDataLen
		}
		f.Flags |= can.FlagFDF
		if b[5]&fdBRS != 0 {
			f.Flags |= can.FlagBRS
		}
		if b[5]&fdESI != 0 {
			f.Flags |= can.FlagESI
		}
		f.DLC = can.BytesToDLC(length)
	} else {
		if length > can.MaxDataLen {
			length = can.MaxDataLen
		}
		f.DLC = uint8(length)
		if rawID&rtrFlag != 0 {
			f.Flags |= can.FlagRTR
			return f, rawID, nil
		}
	}
	copy(f.Data[:], b[8:8+length])
	return f, rawID, nil
}

// errorState maps a kernel error frame to a fault confinement state. ok is
// false when the frame carries no state information.
func errorState(rawID uint32, data []byte) (s can.State, cnt can.ErrorCounters, ok bool) {
	if rawID&errFlag == 0 || len(data) < 8 {
		return 0, cnt, false
	}
	if rawID&errClassCnt != 0 || rawID&errClassCrtl != 0 {
		cnt = can.ErrorCounters{TX: data[6], RX: data[7]}
	}
	switch {
	case rawID&errClassBusOff != 0:
		return can.StateBusOff, cnt, true
	case rawID&errClassCrtl != 0 && data[1]&(crtlTxPassive|crtlRxPassive) != 0:
		return can.StateErrorPassive, cnt, true
	case rawID&errClassCrtl != 0 && data[1]&(crtlTxWarning|crtlRxWarning) != 0:
		return can.StateErrorWarning, cnt, true
	case rawID&errClassCrtl != 0 && data[1]&crtlActive != 0:
		return can.StateErrorActive, cnt, true
	case rawID&errClassRestarted != 0:
		return can.StateErrorActive, cnt, true
	}
	return 0, cnt, false
}

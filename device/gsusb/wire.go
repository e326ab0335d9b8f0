package gsusb

import (
	"encoding/binary"
	"fmt"
)

// Wire sizes in bytes.
const (
	HostConfigSize      = 4
	DeviceConfigSize    = 12
	DeviceModeSize      = 8
	DeviceStateSize     = 12
	BittimingSize       = 20
	IdentifySize        = 4
	TerminationSize     = 4
	BTConstSize         = 40
	BTConstExtSize      = 72
	HostFrameHeaderSize = 12
	ClassicPayloadSize  = 8
	FDPayloadSize       = 64
	TimestampSize       = 4
	MaxHostFrameSize    = HostFrameHeaderSize + FDPayloadSize + TimestampSize
)

type HostConfig struct {
	ByteOrder uint32
}

type DeviceConfig struct {
	Reserved  [3]uint8
	ICount    uint8 // number of channels minus one
	SWVersion uint32
	HWVersion uint32
}

type DeviceMode struct {
	Mode  uint32
	Flags uint32
}

type DeviceState struct {
	State uint32
	RxErr uint32
	TxErr uint32
}

type Bittiming struct {
	PropSeg   uint32
	PhaseSeg1 uint32
	PhaseSeg2 uint32
	SJW       uint32
	BRP       uint32
}

type BTConst struct {
	Feature  uint32
	FclkCAN  uint32
	Tseg1Min uint32
	Tseg1Max uint32
	Tseg2Min uint32
	Tseg2Max uint32
	SJWMax   uint32
	BRPMin   uint32
	BRPMax   uint32
	BRPInc   uint32
}

type BTConstExt struct {
	BTConst
	DTseg1Min uint32
	DTseg1Max uint32
	DTseg2Min uint32
	DTseg2Max uint32
	DSJWMax   uint32
	DBRPMin   uint32
	DBRPMax   uint32
	DBRPInc   uint32
}

type HostFrameHeader struct {
	EchoID   uint32
	CANID    uint32
	DLC      uint8
	Channel  uint8
	Flags    uint8
	Reserved uint8
}

// Encode lays v out little-endian and packed.
func Encode(v any) []byte {
	b, err := binary.Append(nil, binary.LittleEndian, v)
	if err != nil {
		panic(fmt.Sprintf("gsusb: encode %T: %v", v, err))
	}
	return b
}

// Decode parses b into v, which must be a pointer to a wire struct. A size
// mismatch is ErrInvalid.
func Decode(b []byte, v any) error {
	if len(b) != binary.Size(v) {
		return fmt.Errorf("%w: %T wants %d bytes, got %d", ErrInvalid, v, binary.Size(v), len(b))
	}
	if _, err := binary.Decode(b, binary.LittleEndian, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// decodeUint32 parses a 4 byte little-endian control payload.
func decodeUint32(b []byte) (uint32, error) {
	if len(b) != 4 {
		return 0, fmt.Errorf("%w: want 4 bytes, got %d", ErrInvalid, len(b))
	}
	return binary.LittleEndian.Uint32(b), nil
}

// HostFrame is a decoded host frame.
type HostFrame struct {
	HostFrameHeader
	Data         [FDPayloadSize]byte
	Timestamp    uint32
	HasTimestamp bool
}

// PayloadSize is 64 for FD frames, 8 otherwise.
func (f *HostFrame) PayloadSize() int {
	if f.Flags&FlagFD != 0 {
		return FDPayloadSize
	}
	return ClassicPayloadSize
}

// Size is the number of bytes the frame occupies on the wire.
func (f *HostFrame) Size() int {
	n := HostFrameHeaderSize + f.PayloadSize()
	if f.HasTimestamp {
		n += TimestampSize
	}
	return n
}

// AppendBinary appends the wire form of f to b.
func (f *HostFrame) AppendBinary(b []byte) []byte {
	b = binary.LittleEndian.AppendUint32(b, f.EchoID)
	b = binary.LittleEndian.AppendUint32(b, f.CANID)
	b = append(b, f.DLC, f.Channel, f.Flags, f.Reserved)
	b = append(b, f.Data[:f.PayloadSize()]...)
	if f.HasTimestamp {
		b = binary.LittleEndian.AppendUint32(b, f.Timestamp)
	}
	return b
}

// ParseHostFrame decodes a complete host frame; whether a timestamp
// follows the payload is inferred from the length.
func ParseHostFrame(b []byte) (HostFrame, error) {
	var f HostFrame
	if err := f.parseHeader(b); err != nil {
		return f, err
	}
	n := f.PayloadSize()
	switch len(b) {
	case HostFrameHeaderSize + n:
	case HostFrameHeaderSize + n + TimestampSize:
		f.HasTimestamp = true
		f.Timestamp = binary.LittleEndian.Uint32(b[HostFrameHeaderSize+n:])
	default:
		return f, fmt.Errorf("%w: host frame of %d bytes", ErrInvalid, len(b))
	}
	copy(f.Data[:], b[HostFrameHeaderSize:HostFrameHeaderSize+n])
	return f, nil
}

func (f *HostFrame) parseHeader(b []byte) error {
	if len(b) < HostFrameHeaderSize {
		return fmt.Errorf("%w: short host frame (%d bytes)", ErrInvalid, len(b))
	}
	f.EchoID = binary.LittleEndian.Uint32(b[0:4])
	f.CANID = binary.LittleEndian.Uint32(b[4:8])
	f.DLC = b[8]
	f.Channel = b[9]
	f.Flags = b[10]
	f.Reserved = b[11]
	return nil
}

// Package usbip holds the USB/IP wire format. Everything on the wire is
// big-endian except the setup packet, which is copied verbatim.
package usbip

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

const Version = 0x0111

// Management ops.
const (
	OpReqDevlist = 0x8005
	OpRepDevlist = 0x0005
	OpReqImport  = 0x8003
	OpRepImport  = 0x0003
)

// URB commands and replies.
const (
	CmdSubmitCode = 0x00000001
	CmdUnlinkCode = 0x00000002
	RetSubmitCode = 0x00000003
	RetUnlinkCode = 0x00000004
)

// Transfer direction of a URB header.
const (
	DirOut = 0x00000000
	DirIn  = 0x00000001
)

const (
	// HeaderSize is the fixed size of every URB command and reply header.
	HeaderSize = 0x30
	// BusIDSize is the size of the busid field in OP_REQ_IMPORT.
	BusIDSize = 32
	// DeviceInfoSize is the encoded size of DeviceInfo.
	DeviceInfoSize = 312
)

// URB status values (negated Linux errno).
const (
	StatusOK         int32 = 0
	StatusEPIPE      int32 = -32
	StatusECONNRESET int32 = -104
)

// MgmtHeader is the 8-byte header of management ops (devlist/import).
type MgmtHeader struct {
	Version uint16
	Command uint16
	Status  uint32
}

func (h *MgmtHeader) Write(w io.Writer) error { return binary.Write(w, binary.BigEndian, h) }

// ReadMgmtHeader reads a management header.
func ReadMgmtHeader(r io.Reader) (MgmtHeader, error) {
	var h MgmtHeader
	return h, binary.Read(r, binary.BigEndian, &h)
}

// DevListReplyHeader follows MgmtHeader in OP_REP_DEVLIST.
type DevListReplyHeader struct {
	NDevices uint32
}

func (d *DevListReplyHeader) Write(w io.Writer) error { return binary.Write(w, binary.BigEndian, d) }

// ExportMeta is the bus identity of an exported device, in wire layout.
type ExportMeta struct {
	Path     [256]byte
	USBBusId [32]byte
	BusId    uint32
	DevId    uint32
}

// BusIDString returns USBBusId up to its terminating NUL.
func (m *ExportMeta) BusIDString() string {
	b, _, _ := bytes.Cut(m.USBBusId[:], []byte{0})
	return string(b)
}

// DeviceInfo is the fixed part of an exported device. OP_REP_IMPORT
// carries exactly this; devlist entries append the interfaces.
type DeviceInfo struct {
	ExportMeta
	Speed               uint32
	IDVendor            uint16
	IDProduct           uint16
	BcdDevice           uint16
	BDeviceClass        uint8
	BDeviceSubClass     uint8
	BDeviceProtocol     uint8
	BConfigurationValue uint8
	BNumConfigurations  uint8
	BNumInterfaces      uint8
}

// ExportedDevice describes one device in devlist and import replies.
type ExportedDevice struct {
	DeviceInfo
	Interfaces []InterfaceDesc
}

// InterfaceDesc is a devlist interface entry; the fourth byte is padding.
type InterfaceDesc struct {
	Class    uint8
	SubClass uint8
	Protocol uint8
	_        uint8
}

// WriteDevlist writes the entry of OP_REP_DEVLIST, interfaces included.
func (d *ExportedDevice) WriteDevlist(w io.Writer) error {
	if err := d.WriteImport(w); err != nil {
		return err
	}
	return binary.Write(w, binary.BigEndian, d.Interfaces)
}

// WriteImport writes the entry of OP_REP_IMPORT, which ends at
// bNumInterfaces.
func (d *ExportedDevice) WriteImport(w io.Writer) error {
	return binary.Write(w, binary.BigEndian, &d.DeviceInfo)
}

// ReadExportedDevice reads an import reply entry.
func ReadExportedDevice(r io.Reader) (ExportedDevice, error) {
	var d ExportedDevice
	return d, binary.Read(r, binary.BigEndian, &d.DeviceInfo)
}

// ReadDevlist reads the body of OP_REP_DEVLIST that follows its
// management header.
func ReadDevlist(r io.Reader) ([]ExportedDevice, error) {
	var hdr DevListReplyHeader
	if err := binary.Read(r, binary.BigEndian, &hdr); err != nil {
		return nil, fmt.Errorf("read devlist count: %w", err)
	}
	devs := make([]ExportedDevice, 0, min(hdr.NDevices, 64))
	for i := range hdr.NDevices {
		d, err := ReadExportedDevice(r)
		if err != nil {
			return nil, fmt.Errorf("read devlist entry %d: %w", i, err)
		}
		d.Interfaces = make([]InterfaceDesc, d.BNumInterfaces)
		if err := binary.Read(r, binary.BigEndian, d.Interfaces); err != nil {
			return nil, fmt.Errorf("read interfaces of entry %d: %w", i, err)
		}
		devs = append(devs, d)
	}
	return devs, nil
}

// HeaderBasic is common to all URB commands and replies.
type HeaderBasic struct {
	Command uint32
	Seqnum  uint32
	Devid   uint32
	Dir     uint32
	Ep      uint32
}

type CmdSubmit struct {
	Basic             HeaderBasic
	TransferFlags     uint32
	TransferBufferLen uint32
	StartFrame        uint32
	NumberOfPackets   uint32
	Interval          uint32
	Setup             [8]byte
}

func (c *CmdSubmit) Write(w io.Writer) error { return binary.Write(w, binary.BigEndian, c) }

type RetSubmit struct {
	Basic           HeaderBasic
	Status          int32
	ActualLength    uint32
	StartFrame      uint32
	NumberOfPackets uint32
	ErrorCount      uint32
	Padding         [8]byte
}

func (r *RetSubmit) Write(w io.Writer) error { return binary.Write(w, binary.BigEndian, r) }

type CmdUnlink struct {
	Basic        HeaderBasic
	UnlinkSeqnum uint32
	Padding      [24]byte
}

func (c *CmdUnlink) Write(w io.Writer) error { return binary.Write(w, binary.BigEndian, c) }

type RetUnlink struct {
	Basic   HeaderBasic
	Status  int32
	Padding [24]byte
}

func (r *RetUnlink) Write(w io.Writer) error { return binary.Write(w, binary.BigEndian, r) }

// readHeader reads one URB header and decodes it into the type registered
// for its command code. Payloads are left on r.
func readHeader(r io.Reader, kinds map[uint32]func() any, what string) (any, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	code := binary.BigEndian.Uint32(hdr[0:4])
	mk, ok := kinds[code]
	if !ok {
		return nil, fmt.Errorf("unsupported URB %s %d", what, code)
	}
	v := mk()
	_, err := binary.Decode(hdr[:], binary.BigEndian, v)
	return v, err
}

var (
	commands = map[uint32]func() any{
		CmdSubmitCode: func() any { return new(CmdSubmit) },
		CmdUnlinkCode: func() any { return new(CmdUnlink) },
	}
	replies = map[uint32]func() any{
		RetSubmitCode: func() any { return new(RetSubmit) },
		RetUnlinkCode: func() any { return new(RetUnlink) },
	}
)

// ReadCommand reads one URB header. It returns a *CmdSubmit or a
// *CmdUnlink; the OUT payload of a submit is left on r.
func ReadCommand(r io.Reader) (any, error) { return readHeader(r, commands, "command") }

// ReadReply reads one URB reply header. It returns a *RetSubmit or a
// *RetUnlink; the IN payload of a submit is left on r.
func ReadReply(r io.Reader) (any, error) { return readHeader(r, replies, "reply") }

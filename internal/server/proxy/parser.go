package proxy

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Alia5/CANIPER/device/gsusb"
	"github.com/Alia5/CANIPER/usbip"
)

const (
	mgmtHeaderLen  = 8
	urbHeaderLen   = usbip.HeaderSize
	devEntryLen    = usbip.DeviceInfoSize
	maxParseBuffer = 64 * 1024
)

// submitTable remembers the endpoint of each outstanding CMD_SUBMIT so the
// matching RET_SUBMIT payload can be decoded. Both directions of one proxied
// connection share a table.
type submitTable struct {
	mu      sync.Mutex
	pending map[uint32]submitInfo
}

type submitInfo struct {
	ep    uint32
	dir   uint32
	setup [8]byte
}

func newSubmitTable() *submitTable {
	return &submitTable{pending: map[uint32]submitInfo{}}
}

func (t *submitTable) put(seq uint32, si submitInfo) {
	t.mu.Lock()
	t.pending[seq] = si
	t.mu.Unlock()
}

func (t *submitTable) take(seq uint32) (submitInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	si, ok := t.pending[seq]
	delete(t.pending, seq)
	return si, ok
}

// Parser decodes one direction of a USB/IP stream for structured logging.
// gs_usb vendor requests and bulk host frames are decoded in addition to
// the USB/IP headers.
type Parser struct {
	logger         *slog.Logger
	clientToServer bool
	submits        *submitTable
	buf            bytes.Buffer
}

// NewParser returns a parser for one direction. Pass the same table to the
// parsers of both directions of a connection.
func NewParser(logger *slog.Logger, clientToServer bool, submits *submitTable) *Parser {
	if submits == nil {
		submits = newSubmitTable()
	}
	return &Parser{
		logger:         logger,
		clientToServer: clientToServer,
		submits:        submits,
	}
}

// Parse buffers data and logs every complete packet in it.
func (p *Parser) Parse(data []byte) {
	p.buf.Write(data)

	for p.buf.Len() >= mgmtHeaderLen {
		n := p.next(p.buf.Bytes())
		if n == 0 {
			break
		}
		p.buf.Next(n)
	}
	if p.buf.Len() > maxParseBuffer {
		p.logger.Warn("Parser buffer overflow, resetting")
		p.buf.Reset()
	}
}

// next decodes the packet at the head of b and returns its size, or 0 if
// more data is needed.
func (p *Parser) next(b []byte) int {
	if binary.BigEndian.Uint16(b[0:2]) == usbip.Version {
		switch binary.BigEndian.Uint16(b[2:4]) {
		case usbip.OpReqDevlist:
			p.logger.Info("USBIP packet", "dir", p.dir(), "op", "OP_REQ_DEVLIST")
			return mgmtHeaderLen
		case usbip.OpRepDevlist:
			return p.parseOpRepDevlist(b)
		case usbip.OpReqImport:
			if len(b) < mgmtHeaderLen+32 {
				return 0
			}
			p.logger.Info("USBIP packet", "dir", p.dir(), "op", "OP_REQ_IMPORT", "busid", cString(b[8:40]))
			return mgmtHeaderLen + 32
		case usbip.OpRepImport:
			return p.parseOpRepImport(b)
		}
	}

	if len(b) < urbHeaderLen {
		return 0
	}
	switch binary.BigEndian.Uint32(b[0:4]) {
	case usbip.CmdSubmitCode:
		return p.parseCmdSubmit(b)
	case usbip.RetSubmitCode:
		return p.parseRetSubmit(b)
	case usbip.CmdUnlinkCode:
		p.logger.Info("USBIP packet",
			"dir", p.dir(),
			"op", "CMD_UNLINK",
			"seq", binary.BigEndian.Uint32(b[4:8]),
			"unlink_seq", binary.BigEndian.Uint32(b[20:24]))
		return urbHeaderLen
	case usbip.RetUnlinkCode:
		p.submits.take(binary.BigEndian.Uint32(b[4:8]))
		p.logger.Info("USBIP packet",
			"dir", p.dir(),
			"op", "RET_UNLINK",
			"seq", binary.BigEndian.Uint32(b[4:8]),
			"status", int32(binary.BigEndian.Uint32(b[20:24])))
		return urbHeaderLen
	}

	// Not a header we know; resync by dropping a byte.
	p.logger.Debug("Unrecognized USBIP data", "dir", p.dir(), "byte", fmt.Sprintf("%02x", b[0]))
	return 1
}

func (p *Parser) parseCmdSubmit(b []byte) int {
	seq := binary.BigEndian.Uint32(b[4:8])
	dir := binary.BigEndian.Uint32(b[12:16])
	ep := binary.BigEndian.Uint32(b[16:20])
	xferLen := binary.BigEndian.Uint32(b[24:28])

	size := urbHeaderLen
	if dir == usbip.DirOut {
		size += int(xferLen)
	}
	if len(b) < size {
		return 0
	}

	si := submitInfo{ep: ep, dir: dir}
	copy(si.setup[:], b[40:48])
	p.submits.put(seq, si)

	args := []any{
		"dir", p.dir(),
		"op", "CMD_SUBMIT",
		"seq", seq,
		"devid", binary.BigEndian.Uint32(b[8:12]),
		"ep", ep,
		"urb_dir", urbDirString(dir),
		"len", xferLen,
	}
	payload := b[urbHeaderLen:size]
	if ep == 0 {
		args = append(args, "setup", fmt.Sprintf("% x", si.setup[:]))
		args = append(args, controlArgs(si.setup)...)
	} else if dir == usbip.DirOut && len(payload) > 0 {
		args = append(args, hostFrameArgs(payload)...)
	}
	p.logger.Info("USBIP packet", args...)
	return size
}

func (p *Parser) parseRetSubmit(b []byte) int {
	seq := binary.BigEndian.Uint32(b[4:8])
	actualLen := binary.BigEndian.Uint32(b[24:28])
	si, known := p.submits.take(seq)

	// OUT completions carry no data; if the submit was never seen assume
	// the payload follows, as an IN completion would.
	size := urbHeaderLen
	if !known || si.dir == usbip.DirIn {
		size += int(actualLen)
	}
	if len(b) < size {
		if known {
			p.submits.put(seq, si)
		}
		return 0
	}

	args := []any{
		"dir", p.dir(),
		"op", "RET_SUBMIT",
		"seq", seq,
		"status", int32(binary.BigEndian.Uint32(b[20:24])),
		"actual_len", actualLen,
	}
	payload := b[urbHeaderLen:size]
	if known && si.dir == usbip.DirIn && len(payload) > 0 {
		if si.ep == 0 {
			args = append(args, "data", fmt.Sprintf("% x", payload))
		} else {
			args = append(args, hostFrameArgs(payload)...)
		}
	}
	p.logger.Info("USBIP packet", args...)
	return size
}

// controlArgs names gs_usb vendor requests. Standard requests are left to
// the raw setup bytes.
func controlArgs(setup [8]byte) []any {
	if setup[0]&0x60 != 0x40 {
		return nil
	}
	return []any{
		"request", gsusb.RequestName(setup[1]),
		"channel", binary.LittleEndian.Uint16(setup[2:4]),
	}
}

func hostFrameArgs(b []byte) []any {
	f, err := gsusb.ParseHostFrame(b)
	if err != nil {
		return []any{"data", fmt.Sprintf("% x", b)}
	}
	args := []any{
		"echo_id", fmt.Sprintf("%08x", f.EchoID),
		"can_id", fmt.Sprintf("%08x", f.CANID),
		"channel", f.Channel,
		"dlc", f.DLC,
		"flags", fmt.Sprintf("%02x", f.Flags),
	}
	if f.HasTimestamp {
		args = append(args, "timestamp", f.Timestamp)
	}
	return args
}

func (p *Parser) parseOpRepDevlist(b []byte) int {
	if len(b) < 12 {
		return 0
	}
	nDevices := binary.BigEndian.Uint32(b[8:12])

	// Walk the entries once without logging so nothing is logged twice
	// while the reply is still arriving.
	offset := 12
	for i := uint32(0); i < nDevices; i++ {
		if len(b) < offset+devEntryLen {
			return 0
		}
		offset += devEntryLen + 4*int(b[offset+311])
		if len(b) < offset {
			return 0
		}
	}

	p.logger.Info("USBIP packet", "dir", p.dir(), "op", "OP_REP_DEVLIST", "nDevices", nDevices)
	offset = 12
	for i := uint32(0); i < nDevices; i++ {
		nIfaces := b[offset+311]
		p.logger.Info("  Device", deviceArgs(b[offset:offset+devEntryLen])...)
		offset += devEntryLen
		for j := uint8(0); j < nIfaces; j++ {
			p.logger.Info("    Interface",
				"num", j,
				"class", fmt.Sprintf("%02x", b[offset]),
				"subclass", fmt.Sprintf("%02x", b[offset+1]),
				"protocol", fmt.Sprintf("%02x", b[offset+2]))
			offset += 4
		}
	}
	return offset
}

func (p *Parser) parseOpRepImport(b []byte) int {
	// A failed import carries only the header.
	status := binary.BigEndian.Uint32(b[4:8])
	if status != 0 {
		p.logger.Info("USBIP packet", "dir", p.dir(), "op", "OP_REP_IMPORT", "status", status)
		return mgmtHeaderLen
	}
	if len(b) < mgmtHeaderLen+devEntryLen {
		return 0
	}
	args := append([]any{"dir", p.dir(), "op", "OP_REP_IMPORT", "status", status},
		deviceArgs(b[mgmtHeaderLen:mgmtHeaderLen+devEntryLen])...)
	p.logger.Info("USBIP packet", args...)
	return mgmtHeaderLen + devEntryLen
}

// deviceArgs decodes a 312 byte exported device record.
func deviceArgs(d []byte) []any {
	return []any{
		"path", cString(d[0:256]),
		"busid", cString(d[256:288]),
		"bus", binary.BigEndian.Uint32(d[288:292]),
		"dev", binary.BigEndian.Uint32(d[292:296]),
		"speed", binary.BigEndian.Uint32(d[296:300]),
		"vid", fmt.Sprintf("%04x", binary.BigEndian.Uint16(d[300:302])),
		"pid", fmt.Sprintf("%04x", binary.BigEndian.Uint16(d[302:304])),
		"bcd", fmt.Sprintf("%04x", binary.BigEndian.Uint16(d[304:306])),
		"class", fmt.Sprintf("%02x", d[306]),
		"subclass", fmt.Sprintf("%02x", d[307]),
		"protocol", fmt.Sprintf("%02x", d[308]),
		"config", d[309],
		"nConfigs", d[310],
		"nInterfaces", d[311],
	}
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

func (p *Parser) dir() string {
	if p.clientToServer {
		return "C->S"
	}
	return "S->C"
}

func urbDirString(dir uint32) string {
	if dir == usbip.DirOut {
		return "OUT"
	}
	return "IN"
}

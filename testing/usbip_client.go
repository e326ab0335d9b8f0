package testing

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Alia5/CANIPER/usb"
	"github.com/Alia5/CANIPER/usbip"
)

type TestUsbIpClient struct {
	address string
	seq     atomic.Uint32
}

func NewUsbIpClient(t testing.TB, addr string) *TestUsbIpClient {
	t.Helper()
	return &TestUsbIpClient{address: addr}
}

// ListDevices runs OP_REQ_DEVLIST.
func (c *TestUsbIpClient) ListDevices() ([]usbip.ExportedDevice, error) {
	conn, err := net.Dial("tcp", c.address)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))

	if err := (&usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpReqDevlist}).Write(conn); err != nil {
		return nil, err
	}
	hdr, err := usbip.ReadMgmtHeader(conn)
	if err != nil {
		return nil, err
	}
	if hdr.Command != usbip.OpRepDevlist {
		return nil, fmt.Errorf("unexpected reply command %x", hdr.Command)
	}
	return usbip.ReadDevlist(conn)
}

// AttachDevice runs OP_REQ_IMPORT and returns the URB connection.
func (c *TestUsbIpClient) AttachDevice(busID string) (*URBConn, usbip.ExportedDevice, error) {
	conn, err := net.Dial("tcp", c.address)
	if err != nil {
		return nil, usbip.ExportedDevice{}, err
	}
	fail := func(err error) (*URBConn, usbip.ExportedDevice, error) {
		conn.Close()
		return nil, usbip.ExportedDevice{}, err
	}
	if err := (&usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpReqImport}).Write(conn); err != nil {
		return fail(err)
	}
	var bus [usbip.BusIDSize]byte
	copy(bus[:], busID)
	if _, err := conn.Write(bus[:]); err != nil {
		return fail(err)
	}
	hdr, err := usbip.ReadMgmtHeader(conn)
	if err != nil {
		return fail(err)
	}
	if hdr.Command != usbip.OpRepImport {
		return fail(fmt.Errorf("unexpected reply command %x", hdr.Command))
	}
	if hdr.Status != 0 {
		return fail(fmt.Errorf("import of %s refused", busID))
	}
	dev, err := usbip.ReadExportedDevice(conn)
	if err != nil {
		return fail(err)
	}
	return &URBConn{Conn: conn, c: c}, dev, nil
}

// URBConn speaks the URB protocol of an imported device.
type URBConn struct {
	net.Conn
	c *TestUsbIpClient
}

// Reply is one RET_SUBMIT or RET_UNLINK.
type Reply struct {
	Command uint32
	Seqnum  uint32
	Status  int32
	Data    []byte
}

func (u *URBConn) submit(dir, ep uint32, length uint32, setup [8]byte, out []byte) (uint32, error) {
	seq := u.c.seq.Add(1)
	cmd := usbip.CmdSubmit{
		Basic:             usbip.HeaderBasic{Command: usbip.CmdSubmitCode, Seqnum: seq, Dir: dir, Ep: ep},
		TransferBufferLen: length,
		Setup:             setup,
	}
	var b bytes.Buffer
	_ = cmd.Write(&b)
	b.Write(out)
	_, err := u.Write(b.Bytes())
	return seq, err
}

// SubmitIn queues an IN transfer of up to length bytes.
func (u *URBConn) SubmitIn(ep uint32, length uint32) (uint32, error) {
	return u.submit(usbip.DirIn, ep, length, [8]byte{}, nil)
}

// SubmitOut queues an OUT transfer.
func (u *URBConn) SubmitOut(ep uint32, data []byte) (uint32, error) {
	return u.submit(usbip.DirOut, ep, uint32(len(data)), [8]byte{}, data)
}

// Unlink asks the server to cancel URB seq.
func (u *URBConn) Unlink(seq uint32) (uint32, error) {
	own := u.c.seq.Add(1)
	cmd := usbip.CmdUnlink{
		Basic:        usbip.HeaderBasic{Command: usbip.CmdUnlinkCode, Seqnum: own},
		UnlinkSeqnum: seq,
	}
	return own, cmd.Write(u)
}

// Read waits for the next reply.
func (u *URBConn) Read(timeout time.Duration) (Reply, error) {
	_ = u.SetReadDeadline(time.Now().Add(timeout))
	defer u.SetReadDeadline(time.Time{})
	v, err := usbip.ReadReply(u.Conn)
	if err != nil {
		return Reply{}, err
	}
	switch r := v.(type) {
	case *usbip.RetUnlink:
		return Reply{Command: usbip.RetUnlinkCode, Seqnum: r.Basic.Seqnum, Status: r.Status}, nil
	case *usbip.RetSubmit:
		rep := Reply{Command: usbip.RetSubmitCode, Seqnum: r.Basic.Seqnum, Status: r.Status}
		if r.ActualLength > 0 && r.Basic.Dir == usbip.DirIn {
			rep.Data = make([]byte, r.ActualLength)
			if _, err := io.ReadFull(u.Conn, rep.Data); err != nil {
				return Reply{}, err
			}
		}
		return rep, nil
	}
	return Reply{}, fmt.Errorf("unexpected reply %T", v)
}

// Control runs one control transfer on endpoint 0 and waits for its reply.
// No other URB may be outstanding.
func (u *URBConn) Control(setup usb.SetupPacket, out []byte) ([]byte, int32, error) {
	dir := uint32(usbip.DirOut)
	length := uint32(len(out))
	if setup.IsDeviceToHost() {
		dir = usbip.DirIn
		length = uint32(setup.Length)
		out = nil
	}
	seq, err := u.submit(dir, 0, length, setup.Bytes(), out)
	if err != nil {
		return nil, 0, err
	}
	rep, err := u.Read(2 * time.Second)
	if err != nil {
		return nil, 0, err
	}
	if rep.Seqnum != seq {
		return nil, 0, fmt.Errorf("reply for seq %d, want %d", rep.Seqnum, seq)
	}
	return rep.Data, rep.Status, nil
}

package usb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/Alia5/CANIPER/internal/metrics"
	"github.com/Alia5/CANIPER/usb"
	"github.com/Alia5/CANIPER/usbip"
)

// urb is one submitted, not yet completed transfer.
type urb struct {
	cmd    *usbip.CmdSubmit
	out    []byte
	ctx    context.Context
	cancel context.CancelFunc
}

// urbStream runs the URB protocol for one imported device. Control
// transfers are answered inline; every other endpoint has a worker that
// completes its URBs in submission order, so a bulk IN URB may park until
// the device has data without holding up the rest of the stream.
type urbStream struct {
	s    *Server
	conn net.Conn
	dev  usb.Device

	ctx    context.Context
	cancel context.CancelFunc

	wmu     sync.Mutex
	pmu     sync.Mutex
	pending map[uint32]*urb
	queues  map[uint32]chan *urb
	wg      sync.WaitGroup

	config uint8
}

func (s *Server) serveURBs(conn net.Conn, dev usb.Device) error {
	bus := s.owningBus(dev)
	if bus == nil {
		return fmt.Errorf("device does not belong to any bus")
	}
	devCtx := bus.GetDeviceContext(dev)
	if devCtx == nil {
		return fmt.Errorf("no device context available from bus")
	}

	st := &urbStream{
		s:       s,
		conn:    conn,
		dev:     dev,
		pending: make(map[uint32]*urb),
		queues:  make(map[uint32]chan *urb),
	}
	st.ctx, st.cancel = context.WithCancel(devCtx)
	stop := context.AfterFunc(st.ctx, func() { _ = conn.Close() })
	defer stop()
	defer st.shutdown()

	for {
		cmd, err := usbip.ReadCommand(conn)
		if err != nil {
			if st.ctx.Err() != nil {
				s.logger.Info("Device removed, closing URB stream")
				return nil
			}
			metrics.IncError(metrics.ErrUSBIPRead)
			return fmt.Errorf("read URB: %w", err)
		}
		switch c := cmd.(type) {
		case *usbip.CmdUnlink:
			if err := st.unlink(c); err != nil {
				return err
			}
		case *usbip.CmdSubmit:
			if err := st.submit(c); err != nil {
				return err
			}
		}
	}
}

// shutdown cancels every parked URB, waits for the workers and tells the
// device the host is gone.
func (st *urbStream) shutdown() {
	st.cancel()
	st.pmu.Lock()
	for _, q := range st.queues {
		close(q)
	}
	st.queues = nil
	st.pmu.Unlock()
	st.wg.Wait()
	if lc, ok := st.dev.(usb.Lifecycle); ok {
		lc.Disable()
	}
}

func (st *urbStream) submit(c *usbip.CmdSubmit) error {
	var out []byte
	if c.Basic.Dir == usbip.DirOut && c.TransferBufferLen > 0 {
		out = make([]byte, c.TransferBufferLen)
		if _, err := io.ReadFull(st.conn, out); err != nil {
			metrics.IncError(metrics.ErrUSBIPRead)
			return fmt.Errorf("read OUT payload: %w", err)
		}
	}
	if c.Basic.Dir == usbip.DirIn {
		metrics.IncURB("in")
	} else {
		metrics.IncURB("out")
	}

	if c.Basic.Ep == 0 {
		resp, err := st.control(c.Setup[:], out)
		return st.reply(c, resp, err)
	}

	u := &urb{cmd: c, out: out}
	u.ctx, u.cancel = context.WithCancel(st.ctx)
	key := c.Basic.Ep | c.Basic.Dir<<7

	st.pmu.Lock()
	st.pending[c.Basic.Seqnum] = u
	q, ok := st.queues[key]
	if !ok {
		q = make(chan *urb, st.s.config.URBQueueDepth)
		st.queues[key] = q
		st.wg.Add(1)
		go st.worker(q)
	}
	st.pmu.Unlock()

	select {
	case q <- u:
		return nil
	case <-st.ctx.Done():
		return nil
	}
}

func (st *urbStream) worker(q <-chan *urb) {
	defer st.wg.Done()
	for u := range q {
		if u.ctx.Err() != nil {
			continue
		}
		resp, err := st.dev.HandleTransfer(u.ctx, u.cmd.Basic.Ep, u.cmd.Basic.Dir, u.out)
		if err := st.complete(u, resp, err); err != nil {
			st.s.logger.Debug("URB completion failed", "seq", u.cmd.Basic.Seqnum, "error", err)
			st.cancel()
			_ = st.conn.Close()
		}
		u.cancel()
	}
}

// complete sends RET_SUBMIT unless the URB was unlinked meanwhile. IN data
// that never reached the host goes back to the device.
func (st *urbStream) complete(u *urb, resp []byte, err error) error {
	st.wmu.Lock()
	defer st.wmu.Unlock()
	st.pmu.Lock()
	_, ok := st.pending[u.cmd.Basic.Seqnum]
	delete(st.pending, u.cmd.Basic.Seqnum)
	st.pmu.Unlock()

	var werr error
	if ok {
		werr = st.writeRet(u.cmd, resp, err)
	}
	if (!ok || werr != nil) && err == nil && len(resp) > 0 && u.cmd.Basic.Dir == usbip.DirIn {
		if rq, isRq := st.dev.(usb.InRequeuer); isRq {
			st.s.logger.Debug("Requeueing IN data of unlinked URB", "seq", u.cmd.Basic.Seqnum, "ep", u.cmd.Basic.Ep)
			rq.RequeueIn(u.cmd.Basic.Ep, resp)
		}
	}
	return werr
}

func (st *urbStream) reply(c *usbip.CmdSubmit, resp []byte, err error) error {
	st.wmu.Lock()
	defer st.wmu.Unlock()
	return st.writeRet(c, resp, err)
}

func (st *urbStream) writeRet(c *usbip.CmdSubmit, resp []byte, err error) error {
	ret := usbip.RetSubmit{
		Basic: usbip.HeaderBasic{Command: usbip.RetSubmitCode, Seqnum: c.Basic.Seqnum},
	}
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		ret.Status = usbip.StatusECONNRESET
	default:
		ret.Status = usbip.StatusEPIPE
		st.s.logger.Debug("URB stalled", "seq", c.Basic.Seqnum, "ep", c.Basic.Ep, "error", err)
	}
	if ret.Status != usbip.StatusOK {
		resp = nil
	}
	if c.Basic.Dir == usbip.DirIn {
		if uint32(len(resp)) > c.TransferBufferLen {
			resp = resp[:c.TransferBufferLen]
		}
		ret.ActualLength = uint32(len(resp))
	} else {
		resp = nil
		if ret.Status == usbip.StatusOK {
			ret.ActualLength = c.TransferBufferLen
		}
	}

	var out bytes.Buffer
	_ = ret.Write(&out)
	out.Write(resp)
	if _, err := st.conn.Write(out.Bytes()); err != nil {
		metrics.IncError(metrics.ErrUSBIPWrite)
		return fmt.Errorf("write RET_SUBMIT: %w", err)
	}
	return nil
}

// unlink cancels a pending URB. A URB that already completed is reported
// with status 0; a cancelled one gets -ECONNRESET and no RET_SUBMIT.
func (st *urbStream) unlink(c *usbip.CmdUnlink) error {
	st.pmu.Lock()
	u, ok := st.pending[c.UnlinkSeqnum]
	delete(st.pending, c.UnlinkSeqnum)
	st.pmu.Unlock()

	ret := usbip.RetUnlink{Basic: usbip.HeaderBasic{Command: usbip.RetUnlinkCode, Seqnum: c.Basic.Seqnum}}
	if ok {
		u.cancel()
		ret.Status = usbip.StatusECONNRESET
	}
	st.s.logger.Debug("USBIP_CMD_UNLINK", "seq", c.Basic.Seqnum, "unlink", c.UnlinkSeqnum, "pending", ok)

	st.wmu.Lock()
	defer st.wmu.Unlock()
	if err := ret.Write(st.conn); err != nil {
		metrics.IncError(metrics.ErrUSBIPWrite)
		return fmt.Errorf("write RET_UNLINK: %w", err)
	}
	return nil
}

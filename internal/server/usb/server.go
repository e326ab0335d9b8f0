// Package usb serves exported devices over USB/IP.
package usb

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/Alia5/CANIPER/internal/log"
	"github.com/Alia5/CANIPER/internal/netutil"
	"github.com/Alia5/CANIPER/usb"
	"github.com/Alia5/CANIPER/usbip"
	"github.com/Alia5/CANIPER/virtualbus"
)

// Server exports the devices of its buses to USB/IP clients. A client
// either lists the devices or imports one, after which the connection
// carries that device's URBs until either side ends it.
type Server struct {
	config    *ServerConfig
	logger    *slog.Logger
	rawLogger log.RawLogger

	buses   map[uint32]*virtualbus.VirtualBus
	busesMu sync.Mutex

	ready     chan struct{}
	readyOnce sync.Once
	ln        net.Listener
	addr      string
}

func New(config ServerConfig, logger *slog.Logger, rawLogger log.RawLogger) *Server {
	if config.URBQueueDepth <= 0 {
		config.URBQueueDepth = 256
	}
	return &Server{
		config:    &config,
		logger:    logger,
		rawLogger: rawLogger,
		buses:     make(map[uint32]*virtualbus.VirtualBus),
		ready:     make(chan struct{}),
		addr:      config.Addr,
	}
}

// ListenAndServe accepts USB/IP clients until Close.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.addr = ln.Addr().String()
	s.readyOnce.Do(func() { close(s.ready) })
	s.logger.Info("USBIP server listening", "addr", s.addr)

	for {
		conn, err := ln.Accept()
		if errors.Is(err, net.ErrClosed) {
			s.logger.Info("USBIP server stopped")
			return nil
		}
		if err != nil {
			s.logger.Error("Accept error", "error", err)
			continue
		}
		go s.serve(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	remote := conn.RemoteAddr()
	s.logger.Info("Client connected", "remote", remote)
	err := s.handleConn(conn)
	switch {
	case err == nil:
	case netutil.IsDisconnect(err):
		s.logger.Info("Client disconnected", "remote", remote)
	default:
		s.logger.Error("Connection handler error", "remote", remote, "error", err)
	}
}

// Ready is closed once the server listens.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Close stops accepting clients. Imported devices keep streaming until
// removed.
func (s *Server) Close() error {
	if s.ln == nil {
		return nil
	}
	return s.ln.Close()
}

// Addr returns the bound listen address once ready, the configured one
// before.
func (s *Server) Addr() string { return s.addr }

// GetListenPort returns the port of the listen address, 0 if unknown.
func (s *Server) GetListenPort() uint16 {
	_, port, err := net.SplitHostPort(s.addr)
	if err != nil {
		return 0
	}
	n, _ := strconv.ParseUint(port, 10, 16)
	return uint16(n)
}

// handleConn runs one management op. The connection timeout only covers
// the op exchange; an imported device streams without deadline.
func (s *Server) handleConn(conn net.Conn) error {
	defer conn.Close()
	conn = log.Tap(conn, s.rawLogger, true)
	if t := s.config.ConnectionTimeout; t > 0 {
		if err := conn.SetDeadline(time.Now().Add(t)); err != nil {
			s.logger.Warn("Failed to set deadline", "error", err)
		}
	}

	hdr, err := usbip.ReadMgmtHeader(conn)
	if err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	if hdr.Version != usbip.Version {
		return fmt.Errorf("unsupported USB-IP version 0x%04x", hdr.Version)
	}
	switch hdr.Command {
	case usbip.OpReqDevlist:
		s.logger.Debug("OP_REQ_DEVLIST")
		return s.writeDevList(conn)
	case usbip.OpReqImport:
		s.logger.Debug("OP_REQ_IMPORT")
		dev, err := s.importDevice(conn)
		if err != nil || dev == nil {
			return err
		}
		_ = conn.SetDeadline(time.Time{})
		return s.serveURBs(conn, dev)
	}
	return fmt.Errorf("protocol violation: unexpected op 0x%04x", hdr.Command)
}

// exportedDevice describes m the way OP_REP_DEVLIST and OP_REP_IMPORT
// report it. The device is unconfigured until the host selects
// configuration 1.
func exportedDevice(m virtualbus.DeviceMeta) usbip.ExportedDevice {
	desc := m.Dev.GetDescriptor()
	dd := desc.Device
	exp := usbip.ExportedDevice{
		DeviceInfo: usbip.DeviceInfo{
			ExportMeta:         m.Meta,
			Speed:              dd.Speed,
			IDVendor:           dd.IDVendor,
			IDProduct:          dd.IDProduct,
			BcdDevice:          dd.BcdDevice,
			BDeviceClass:       dd.BDeviceClass,
			BDeviceSubClass:    dd.BDeviceSubClass,
			BDeviceProtocol:    dd.BDeviceProtocol,
			BNumConfigurations: dd.BNumConfigurations,
			BNumInterfaces:     uint8(len(desc.Interfaces)),
		},
		Interfaces: make([]usbip.InterfaceDesc, 0, len(desc.Interfaces)),
	}
	for _, iface := range desc.Interfaces {
		d := iface.Descriptor
		exp.Interfaces = append(exp.Interfaces, usbip.InterfaceDesc{
			Class:    d.BInterfaceClass,
			SubClass: d.BInterfaceSubClass,
			Protocol: d.BInterfaceProtocol,
		})
	}
	return exp
}

func (s *Server) writeDevList(w io.Writer) error {
	metas := s.exports()
	var buf bytes.Buffer
	_ = (&usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpRepDevlist}).Write(&buf)
	_ = (&usbip.DevListReplyHeader{NDevices: uint32(len(metas))}).Write(&buf)
	for _, m := range metas {
		exp := exportedDevice(m)
		_ = exp.WriteDevlist(&buf)
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write devlist: %w", err)
	}
	return nil
}

// importDevice answers OP_REQ_IMPORT. An unknown busid gets status 1 and a
// nil device.
func (s *Server) importDevice(conn net.Conn) (usb.Device, error) {
	var raw [usbip.BusIDSize]byte
	if _, err := io.ReadFull(conn, raw[:]); err != nil {
		return nil, fmt.Errorf("read import busid: %w", err)
	}
	busid := string(bytes.TrimRight(raw[:], "\x00"))
	s.logger.Info("Import request", "busid", busid)

	rep := usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpRepImport}
	var buf bytes.Buffer
	m, ok := s.lookupExport(busid)
	if !ok {
		s.logger.Warn("No device matches busid", "busid", busid)
		rep.Status = 1
		_ = rep.Write(&buf)
		_, err := conn.Write(buf.Bytes())
		return nil, err
	}
	_ = rep.Write(&buf)
	exp := exportedDevice(m)
	_ = exp.WriteImport(&buf)
	if _, err := conn.Write(buf.Bytes()); err != nil {
		return nil, fmt.Errorf("write import reply: %w", err)
	}
	return m.Dev, nil
}

package proxy

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/Alia5/CANIPER/internal/log"
	"github.com/Alia5/CANIPER/internal/netutil"

	"golang.org/x/sync/errgroup"
)

const copyBufferSize = 32 << 10

// Server is a USB/IP TCP proxy that logs the traffic it forwards.
type Server struct {
	listenAddr   string
	upstreamAddr string
	// timeout bounds dialing upstream and the wait for the first bytes of
	// a connection; established sessions have no deadline.
	timeout   time.Duration
	logger    *slog.Logger
	rawLogger log.RawLogger
	ln        net.Listener
}

// New returns a proxy; rawLogger receives a hex dump of every chunk.
func New(listenAddr, upstreamAddr string, connectionTimeout time.Duration, logger *slog.Logger, rawLogger log.RawLogger) *Server {
	return &Server{
		listenAddr:   listenAddr,
		upstreamAddr: upstreamAddr,
		timeout:      connectionTimeout,
		logger:       logger,
		rawLogger:    rawLogger,
	}
}

// ListenAndServe is Listen followed by Serve.
func (s *Server) ListenAndServe() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Listen binds the listen address; Addr is valid afterwards.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.listenAddr, err)
	}
	s.ln = ln
	s.logger.Info("USB-IP proxy listening", "addr", ln.Addr().String(), "upstream", s.upstreamAddr)
	return nil
}

// Addr is the bound listen address, or the configured one before Listen.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.listenAddr
	}
	return s.ln.Addr().String()
}

// Serve accepts connections until Close.
func (s *Server) Serve() error {
	for {
		conn, err := s.ln.Accept()
		if errors.Is(err, net.ErrClosed) {
			s.logger.Info("Proxy server stopped")
			return nil
		}
		if err != nil {
			s.logger.Error("Accept error", "error", err)
			continue
		}
		s.logger.Info("Client connected", "remote", conn.RemoteAddr())
		go s.proxy(conn)
	}
}

func (s *Server) Close() error {
	if s.ln == nil {
		return nil
	}
	return s.ln.Close()
}

// proxy relays one client connection. Each direction gets its own parser;
// both share the table that matches RET_SUBMIT to CMD_SUBMIT.
func (s *Server) proxy(client net.Conn) {
	defer client.Close()
	remote := client.RemoteAddr()

	upstream, err := net.DialTimeout("tcp", s.upstreamAddr, s.timeout)
	if err != nil {
		s.logger.Error("Failed to connect to upstream", "upstream", s.upstreamAddr, "error", err)
		return
	}
	defer upstream.Close()
	s.logger.Info("Proxying connection", "client", remote, "upstream", upstream.RemoteAddr())

	client = log.Tap(client, s.rawLogger, true)
	deadline := time.Now().Add(s.timeout)
	if err := errors.Join(client.SetDeadline(deadline), upstream.SetDeadline(deadline)); err != nil {
		s.logger.Error("Failed to set deadline", "error", err)
		return
	}
	var clearDeadlines sync.Once
	started := func() {
		clearDeadlines.Do(func() {
			_ = client.SetDeadline(time.Time{})
			_ = upstream.SetDeadline(time.Time{})
		})
	}

	submits := newSubmitTable()
	var g errgroup.Group
	g.Go(s.relay(upstream, client, NewParser(s.logger, true, submits), started, "Client->Server"))
	g.Go(s.relay(client, upstream, NewParser(s.logger, false, submits), started, "Server->Client"))
	if err := g.Wait(); err != nil {
		s.logger.Debug("Proxy copy error", "error", err)
	}
	s.logger.Info("Connection closed", "client", remote)
}

// relay copies src to dst until src ends, then half closes so the other
// direction can drain.
func (s *Server) relay(dst, src net.Conn, parser *Parser, started func(), name string) func() error {
	return func() error {
		r := &observer{r: src, parse: parser.Parse, first: started}
		n, err := io.CopyBuffer(dst, r, make([]byte, copyBufferSize))
		s.logger.Debug(name+" stream ended", "bytes", n)
		netutil.CloseWrite(dst)
		netutil.CloseRead(src)
		if err != nil && !netutil.IsDisconnect(err) {
			return fmt.Errorf("%s: %w", name, err)
		}
		return nil
	}
}

// observer feeds every chunk read to parse; first runs on the first data
// in either direction.
type observer struct {
	r     io.Reader
	parse func([]byte)
	first func()
}

func (o *observer) Read(p []byte) (int, error) {
	n, err := o.r.Read(p)
	if n > 0 {
		o.first()
		o.parse(p[:n])
	}
	return n, err
}

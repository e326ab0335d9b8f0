package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Alia5/CANIPER/can/virtual"
	"github.com/Alia5/CANIPER/internal/metrics"
	"github.com/Alia5/CANIPER/internal/server/api/auth"
	apierror "github.com/Alia5/CANIPER/internal/server/api/error"
	"github.com/Alia5/CANIPER/internal/server/usb"
	pusb "github.com/Alia5/CANIPER/usb"
)

var wsRegex = regexp.MustCompile(`\s`)

// Server implements a small TCP API for managing buses and gs_usb devices.
type Server struct {
	usbs    *usb.Server
	network *virtual.Network
	addr    string
	ln      net.Listener
	logger  *slog.Logger
	router  *Router
	config  ServerConfig
	key     []byte
	wg      sync.WaitGroup
}

// New creates an API server for s. Virtual CAN channels of devices added
// through it are attached to buses of network.
func New(s *usb.Server, network *virtual.Network, addr string, config ServerConfig, logger *slog.Logger) *Server {
	if network == nil {
		network = virtual.NewNetwork(logger)
	}
	a := &Server{
		usbs:    s,
		network: network,
		addr:    addr,
		logger:  logger,
		config:  config,
		router:  NewRouter(),
	}
	if config.Password != "" {
		a.key, _ = auth.DeriveKey(config.Password)
	}
	return a
}

// Router returns the router used by the API server so callers can register handlers.
func (a *Server) Router() *Router { return a.router }

// USB returns the underlying USB server.
func (a *Server) USB() *usb.Server { return a.usbs }

// Network returns the virtual CAN network.
func (a *Server) Network() *virtual.Network { return a.network }

// Config returns the server configuration.
func (a *Server) Config() ServerConfig { return a.config }

// Addr returns the listen address once started.
func (a *Server) Addr() string {
	if a.ln != nil {
		return a.ln.Addr().String()
	}
	return a.addr
}

// Start listens on the configured address and serves incoming API commands.
func (a *Server) Start() error {
	ln, err := net.Listen("tcp", a.addr)
	if err != nil {
		return err
	}
	a.ln = ln
	a.logger.Info("API listening", "addr", ln.Addr().String(), "auth", a.key != nil)
	a.wg.Add(1)
	go a.serve()
	return nil
}

// Close stops accepting connections.
func (a *Server) Close() {
	if a.ln != nil {
		_ = a.ln.Close()
	}
	a.wg.Wait()
}

func (a *Server) serve() {
	defer a.wg.Done()
	for {
		c, err := a.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				a.logger.Info("API server stopped")
				return
			}
			a.logger.Info("API accept error", "error", err)
			return
		}
		go a.handleConn(c)
	}
}

func (a *Server) writeError(w io.Writer, err error) {
	problemJSON, _ := json.Marshal(apierror.WrapError(err))
	fmt.Fprintf(w, "%s\n", string(problemJSON))
}

func (a *Server) writeOK(w io.Writer, rest string) {
	if rest == "" {
		fmt.Fprintln(w)
	} else {
		fmt.Fprintf(w, "%s\n", rest)
	}
}

// bufConn reads through the reader that already peeked at the handshake.
type bufConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufConn) Read(p []byte) (int, error) { return c.r.Read(p) }

func isLoopback(addr net.Addr) bool {
	tcp, ok := addr.(*net.TCPAddr)
	return ok && tcp.IP.IsLoopback()
}

// secure runs the optional handshake. It returns the connection to use for
// the request, or an error when the client may not proceed.
func (a *Server) secure(conn net.Conn, r *bufio.Reader) (net.Conn, error) {
	if a.key == nil {
		return &bufConn{Conn: conn, r: r}, nil
	}
	if a.config.ConnectionTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(a.config.ConnectionTimeout))
		defer conn.SetReadDeadline(time.Time{})
	}
	// no route starts with the first magic byte, so short plain requests
	// never block on a 5 byte peek
	first, err := r.Peek(1)
	if err != nil {
		return nil, err
	}
	handshake := first[0] == auth.Magic[0]
	if handshake {
		if handshake, err = auth.Detect(r); err != nil {
			return nil, err
		}
	}
	if !handshake {
		if a.config.RequireAuth || !isLoopback(conn.RemoteAddr()) {
			return nil, apierror.ErrUnauthorized("authentication required")
		}
		return &bufConn{Conn: conn, r: r}, nil
	}
	nonces, err := auth.ServerHandshake(r, conn, a.key)
	if err != nil {
		return nil, err
	}
	sessionKey, err := auth.SessionKey(a.key, nonces)
	if err != nil {
		return nil, err
	}
	return auth.Wrap(&bufConn{Conn: conn, r: r}, sessionKey, false)
}

func (a *Server) handleConn(raw net.Conn) {
	defer raw.Close()

	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()

	connLogger := a.logger.With("remote", raw.RemoteAddr().String())

	conn, err := a.secure(raw, bufio.NewReader(raw))
	if err != nil {
		connLogger.Warn("api session rejected", "error", err)
		metrics.IncError(metrics.ErrAPIAuth)
		a.writeError(raw, err)
		return
	}
	r := bufio.NewReader(conn)
	w := conn

	reqData, err := r.ReadString('\x00')
	if err != nil {
		if err == io.EOF {
			connLogger.Error("api incomplete request (no null terminator)")
		} else {
			connLogger.Error("read api data", "error", err)
		}
		return
	}
	reqData = strings.TrimSuffix(reqData, "\x00")

	if reqData == "" {
		connLogger.Error("api empty command")
		a.writeError(w, apierror.ErrBadRequest("empty request"))
		return
	}

	var path, payload string
	if loc := wsRegex.FindStringIndex(reqData); loc != nil {
		path = reqData[:loc[0]]
		payload = reqData[loc[1]:]
	} else {
		path = reqData
	}

	if path == "" {
		connLogger.Error("api empty path")
		a.writeError(w, apierror.ErrBadRequest("empty path"))
		return
	}

	path = strings.ToLower(path)
	connLogger.Info("api cmd", "path", path)

	if h, params := a.router.Match(path); h != nil {
		req := &Request{Ctx: connCtx, Params: params, Payload: payload}
		res := &Response{}
		if err := h(req, res, connLogger); err != nil {
			connLogger.Error("api handler error", "path", path, "error", err)
			a.writeError(w, err)
			return
		}
		connLogger.Debug("api handler success", "path", path)
		a.writeOK(w, res.JSON)
		return
	}
	if sh, params := a.router.MatchStream(path); sh != nil {
		a.stream(conn, sh, params, connLogger.With("path", path))
		return
	}
	connLogger.Error("api unknown path", "path", path)
	a.writeError(w, apierror.ErrNotFound(fmt.Sprintf("unknown path: %s", path)))
}

// stream hands conn to sh until either side ends. Removing the device
// closes the connection.
func (a *Server) stream(conn net.Conn, sh StreamHandlerFunc, params map[string]string, logger *slog.Logger) {
	busID, err := strconv.ParseUint(params["busId"], 10, 32)
	if err != nil {
		a.writeError(conn, apierror.ErrBadRequest(fmt.Sprintf("invalid busId: %v", err)))
		return
	}
	bus := a.usbs.GetBus(uint32(busID))
	if bus == nil {
		a.writeError(conn, apierror.ErrNotFound(fmt.Sprintf("bus %d not found", busID)))
		return
	}
	devID := params["deviceid"]
	dev, ok := bus.Device(devID)
	var devCtx context.Context
	if ok {
		devCtx = bus.GetDeviceContext(dev)
	}
	if devCtx == nil {
		a.writeError(conn, apierror.ErrNotFound(fmt.Sprintf("device %s not found on bus %d", devID, busID)))
		return
	}

	stop := context.AfterFunc(devCtx, func() { _ = conn.Close() })
	defer stop()

	logger.Info("api stream begin")
	metrics.AddStreamClients(1)
	defer metrics.AddStreamClients(-1)
	var d pusb.Device = dev
	if err := sh(conn, &d, logger); err != nil {
		logger.Error("api stream handler error", "error", err)
	}
	logger.Info("api stream end")
}

package apiclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/Alia5/CANIPER/internal/server/api/auth"
)

// maxResponse bounds a single API reply.
const maxResponse = 4 << 20

// Config controls dialing, deadlines and the optional session password.
type Config struct {
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Password     string
}

func defaultConfig() Config {
	return Config{
		DialTimeout:  3 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
}

// Responder answers requests of a mock Transport.
type Responder func(path string, payload any, pathParams map[string]string) (string, error)

// Transport speaks the management protocol, one connection per request:
//
//	request:  <path>[ <payload>]\x00
//	response: one JSON document, then the server closes
//
// Only \x00 ends a request, so payloads may span lines.
type Transport struct {
	addr string
	mock Responder
	cfg  Config
}

// NewTransport returns a transport with default timeouts and no password.
func NewTransport(addr string) *Transport { return NewTransportWithConfig(addr, nil) }

// NewTransportWithPassword returns a transport that opens an authenticated
// session on every connection.
func NewTransportWithPassword(addr, password string) *Transport {
	cfg := defaultConfig()
	cfg.Password = password
	return NewTransportWithConfig(addr, &cfg)
}

// NewTransportWithConfig uses cfg, or the defaults when cfg is nil.
func NewTransportWithConfig(addr string, cfg *Config) *Transport {
	t := &Transport{addr: addr, cfg: defaultConfig()}
	if cfg != nil {
		t.cfg = *cfg
	}
	return t
}

// NewMockTransport answers every request with r instead of dialing.
func NewMockTransport(r Responder) *Transport {
	return &Transport{addr: "mock", mock: r, cfg: defaultConfig()}
}

// Do is DoCtx with a background context.
func (t *Transport) Do(path string, payload any, pathParams map[string]string) (string, error) {
	return t.DoCtx(context.Background(), path, payload, pathParams)
}

// DoCtx sends one request and returns the reply without its trailing
// newline. payload may be nil, a string, a []byte or any JSON-marshalable
// value; an empty payload is omitted from the request line.
func (t *Transport) DoCtx(ctx context.Context, path string, payload any, pathParams map[string]string) (string, error) {
	if t.mock != nil {
		return t.mock(path, payload, pathParams)
	}
	req, err := encodeRequest(fillPath(path, pathParams), payload)
	if err != nil {
		return "", err
	}

	conn, err := t.dial(ctx)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if t.cfg.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	}
	if _, err := conn.Write(req); err != nil {
		return "", fmt.Errorf("write: %w", t.ctxErr(ctx, err))
	}
	if t.cfg.ReadTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(t.cfg.ReadTimeout))
	}
	resp, err := io.ReadAll(io.LimitReader(conn, maxResponse))
	if err != nil && len(resp) == 0 {
		return "", fmt.Errorf("read: %w", t.ctxErr(ctx, err))
	}
	return strings.TrimSuffix(string(resp), "\n"), nil
}

// ctxErr prefers the context error over the close it caused.
func (t *Transport) ctxErr(ctx context.Context, err error) error {
	if cerr := ctx.Err(); cerr != nil && errors.Is(err, net.ErrClosed) {
		return cerr
	}
	return err
}

// dial connects and, with a password configured, returns the encrypted
// session instead of the raw connection.
func (t *Transport) dial(ctx context.Context) (net.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	d := net.Dialer{Timeout: t.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		if err := tcp.SetNoDelay(true); err != nil {
			slog.Warn("Failed to set TCP_NODELAY", "error", err)
		}
	}
	if t.cfg.Password == "" {
		return conn, nil
	}

	secured, err := t.secure(conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return secured, nil
}

func (t *Transport) secure(conn net.Conn) (net.Conn, error) {
	key, err := auth.DeriveKey(t.cfg.Password)
	if err != nil {
		return nil, err
	}
	if t.cfg.ReadTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(t.cfg.ReadTimeout))
		defer conn.SetDeadline(time.Time{})
	}
	nonces, err := auth.ClientHandshake(bufio.NewReader(conn), conn, key)
	if err != nil {
		return nil, err
	}
	sessionKey, err := auth.SessionKey(key, nonces)
	if err != nil {
		return nil, err
	}
	return auth.Wrap(conn, sessionKey, true)
}

// fillPath substitutes {name} placeholders with escaped values. Routes are
// matched case-insensitively by the server, so the result is lowercased.
func fillPath(pattern string, params map[string]string) string {
	for k, v := range params {
		pattern = strings.ReplaceAll(pattern, "{"+k+"}", url.PathEscape(v))
	}
	return strings.ToLower(pattern)
}

func encodeRequest(path string, payload any) ([]byte, error) {
	var body []byte
	switch p := payload.(type) {
	case nil:
	case []byte:
		body = p
	case string:
		body = []byte(p)
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		body = b
	}
	if bytes.IndexByte(body, 0) >= 0 {
		return nil, errors.New("payload must not contain a NUL byte")
	}

	req := make([]byte, 0, len(path)+len(body)+2)
	req = append(req, path...)
	if len(body) > 0 {
		req = append(req, ' ')
		req = append(req, body...)
	}
	return append(req, 0), nil
}

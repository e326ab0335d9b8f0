// Package testing holds helpers shared by the API and handler tests: an
// in-process API server, a raw request helper and mock devices.
package testing

import (
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Alia5/CANIPER/can/virtual"
	"github.com/Alia5/CANIPER/internal/log"
	"github.com/Alia5/CANIPER/internal/server/api"
	"github.com/Alia5/CANIPER/internal/server/usb"
)

// RegisterFunc installs the routes a test needs before the server starts.
type RegisterFunc = func(r *api.Router, s *usb.Server, apiSrv *api.Server)

// StartAPIServer runs an API server on a loopback port with a fresh USB/IP
// server and virtual CAN network behind it. done stops the API server.
func StartAPIServer(t *testing.T, register RegisterFunc) (addr string, srv *usb.Server, done func()) {
	return StartAPIServerWithConfig(t, api.ServerConfig{}, register)
}

// StartAPIServerWithConfig is StartAPIServer with an explicit API config.
// cfg.Addr is ignored.
func StartAPIServerWithConfig(t *testing.T, cfg api.ServerConfig, register RegisterFunc) (addr string, srv *usb.Server, done func()) {
	t.Helper()
	logger := slog.Default()
	srv = usb.New(usb.ServerConfig{Addr: "127.0.0.1:0"}, logger, log.NewRaw(nil))
	apiSrv := api.New(srv, virtual.NewNetwork(logger), "127.0.0.1:0", cfg, logger)
	if register != nil {
		register(apiSrv.Router(), srv, apiSrv)
	}
	require.NoError(t, apiSrv.Start(), "start API server")

	return apiSrv.Addr(), srv, func() {
		apiSrv.Close()
		// let in-flight handlers observe the close
		time.Sleep(10 * time.Millisecond)
	}
}

// ExecCmd sends one plain request ("path payload", no terminator) and
// returns the reply without its trailing newline.
func ExecCmd(t *testing.T, addr string, cmd string) string {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err, "dial API server")
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	_, err = io.WriteString(conn, cmd+"\x00")
	require.NoError(t, err, "write request")
	reply, err := io.ReadAll(conn)
	require.NoError(t, err, "read reply")
	return strings.TrimRight(string(reply), "\r\n")
}

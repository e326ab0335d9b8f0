// Package netutil has connection helpers shared by the USB/IP server and
// the proxy.
package netutil

import (
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
)

// IsDisconnect reports whether err is the peer going away rather than a
// fault worth an error log.
func IsDisconnect(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		return true
	}
	// wrapped errors from some platforms only carry the text
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection reset", "broken pipe", "forcibly closed"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// CloseWrite shuts down the sending side of conn when it supports half
// closes (TCP, or a wrapper forwarding to one).
func CloseWrite(conn net.Conn) {
	if hc, ok := conn.(interface{ CloseWrite() error }); ok {
		_ = hc.CloseWrite()
	}
}

// CloseRead shuts down the receiving side of conn when supported.
func CloseRead(conn net.Conn) {
	if hc, ok := conn.(interface{ CloseRead() error }); ok {
		_ = hc.CloseRead()
	}
}

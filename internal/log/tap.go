package log

import "net"

// Tap passes every chunk read from or written to conn to raw. With
// serverSide set, reads are logged as client->server traffic. A nil raw
// returns conn unchanged.
func Tap(conn net.Conn, raw RawLogger, serverSide bool) net.Conn {
	if raw == nil {
		return conn
	}
	return &tappedConn{Conn: conn, raw: raw, inbound: serverSide}
}

type tappedConn struct {
	net.Conn
	raw     RawLogger
	inbound bool
}

func (c *tappedConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.raw.Log(c.inbound, p[:n])
	}
	return n, err
}

func (c *tappedConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	if n > 0 {
		c.raw.Log(!c.inbound, p[:n])
	}
	return n, err
}

// CloseWrite and CloseRead forward half closes to TCP connections.
func (c *tappedConn) CloseWrite() error {
	if hc, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return hc.CloseWrite()
	}
	return nil
}

func (c *tappedConn) CloseRead() error {
	if hc, ok := c.Conn.(interface{ CloseRead() error }); ok {
		return hc.CloseRead()
	}
	return nil
}

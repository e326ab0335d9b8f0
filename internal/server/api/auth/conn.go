package auth

import (
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

// maxRecord bounds one sealed record on the wire.
const maxRecord = 1 << 20

// ErrRecordTooLarge is returned for a record length above the limit.
var ErrRecordTooLarge = errors.New("auth: record too large")

// Conn seals every Write into one length prefixed record. Nonces are not
// sent: each side counts its records and the first nonce byte names the
// sender, so both directions may share the session key.
type Conn struct {
	net.Conn
	aead cipher.AEAD

	wmu     sync.Mutex
	sendDir byte
	sendSeq uint64

	rmu     sync.Mutex
	recvDir byte
	recvSeq uint64
	pending []byte
}

// Wrap secures conn with sessionKey. client selects the nonce direction
// and must differ between the two ends.
func Wrap(conn net.Conn, sessionKey []byte, client bool) (*Conn, error) {
	aead, err := chacha20poly1305.New(sessionKey)
	if err != nil {
		return nil, err
	}
	c := &Conn{Conn: conn, aead: aead, sendDir: 's', recvDir: 'c'}
	if client {
		c.sendDir, c.recvDir = 'c', 's'
	}
	return c, nil
}

func (c *Conn) nonce(dir byte, seq uint64) []byte {
	n := make([]byte, c.aead.NonceSize())
	n[0] = dir
	binary.BigEndian.PutUint64(n[len(n)-8:], seq)
	return n
}

func (c *Conn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	rec := make([]byte, 4, 4+len(p)+c.aead.Overhead())
	rec = c.aead.Seal(rec, c.nonce(c.sendDir, c.sendSeq), p, nil)
	binary.BigEndian.PutUint32(rec[:4], uint32(len(rec)-4))
	c.sendSeq++

	if _, err := c.Conn.Write(rec); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *Conn) Read(p []byte) (int, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	if len(c.pending) == 0 {
		var hdr [4]byte
		if _, err := io.ReadFull(c.Conn, hdr[:]); err != nil {
			return 0, err
		}
		n := binary.BigEndian.Uint32(hdr[:])
		if n > maxRecord {
			return 0, ErrRecordTooLarge
		}
		rec := make([]byte, n)
		if _, err := io.ReadFull(c.Conn, rec); err != nil {
			return 0, err
		}
		pt, err := c.aead.Open(rec[:0], c.nonce(c.recvDir, c.recvSeq), rec, nil)
		if err != nil {
			return 0, fmt.Errorf("record %d: %w", c.recvSeq, err)
		}
		c.recvSeq++
		c.pending = pt
	}
	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

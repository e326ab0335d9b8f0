package log

import (
	"encoding/hex"
	"io"
	"strconv"
	"sync"
	"time"
)

// RawLogger records USB-IP traffic chunks as they cross a connection.
// toServer is true for client->server data.
type RawLogger interface {
	Log(toServer bool, data []byte)
}

type rawLogger struct {
	mu  sync.Mutex
	w   io.Writer
	now func() time.Time
	// stream offsets per direction, so a chunk can be matched against a
	// capture of the same connection
	offset [2]uint64
	line   []byte
}

// NewRaw returns a RawLogger writing one line per chunk to w. A nil w
// discards everything.
func NewRaw(w io.Writer) RawLogger {
	return &rawLogger{w: w, now: time.Now}
}

// Log writes
//
//	2006/01/02 15:04:05.000000 C->S chunk: 48 bytes @0, hex: 00 00 00 01 ...
func (r *rawLogger) Log(toServer bool, data []byte) {
	if r.w == nil || len(data) == 0 {
		return
	}
	dir, label := 0, "S->C"
	if toServer {
		dir, label = 1, "C->S"
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.now().AppendFormat(r.line[:0], "2006/01/02 15:04:05.000000")
	b = append(b, ' ')
	b = append(b, label...)
	b = append(b, " chunk: "...)
	b = strconv.AppendInt(b, int64(len(data)), 10)
	b = append(b, " bytes @"...)
	b = strconv.AppendUint(b, r.offset[dir], 10)
	b = append(b, ", hex:"...)
	for i := range data {
		b = append(b, ' ')
		b = hex.AppendEncode(b, data[i:i+1])
	}
	b = append(b, '\n')
	r.offset[dir] += uint64(len(data))
	r.line = b

	_, _ = r.w.Write(b)
}

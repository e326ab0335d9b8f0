package apiclient

import (
	"bufio"
	"cmp"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	apitypes "github.com/Alia5/CANIPER/apitypes"
	"github.com/Alia5/CANIPER/can"
	"github.com/Alia5/CANIPER/device"
	"github.com/Alia5/CANIPER/internal/cnl"
)

// StreamFrame is one CAN frame on a device stream, tagged with the gs_usb
// channel whose virtual bus it travels on.
type StreamFrame struct {
	Channel uint8
	Frame   can.Frame
}

// DeviceStream is a node on the virtual CAN buses of a device.
type DeviceStream struct {
	conn   net.Conn
	r      *bufio.Reader
	BusID  uint32
	DevID  string
	closed atomic.Bool

	writeMu    sync.Mutex
	readCancel context.CancelFunc
	readMu     sync.Mutex
}

// OpenStream connects to an existing device's stream channel.
// The device must already exist on the bus (use DeviceAdd first).
func (c *Client) OpenStream(ctx context.Context, busID uint32, devID string) (*DeviceStream, error) {
	if c.transport.mock != nil {
		return nil, fmt.Errorf("stream connections not supported with mock transport")
	}
	conn, err := c.transport.dial(ctx)
	if err != nil {
		return nil, err
	}
	streamPath := fmt.Sprintf("bus/%d/%s\x00", busID, devID)
	if _, err := conn.Write([]byte(streamPath)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write stream path: %w", err)
	}
	return &DeviceStream{
		conn:  conn,
		r:     bufio.NewReader(conn),
		BusID: busID,
		DevID: devID,
	}, nil
}

// AddDeviceAndConnect creates a device on the specified bus and immediately connects to its stream.
// This is a convenience wrapper that combines DeviceAdd + OpenStream in one call.
func (c *Client) AddDeviceAndConnect(ctx context.Context, busID uint32, deviceType string, o *device.CreateOptions) (*DeviceStream, *apitypes.Device, error) {
	resp, err := c.DeviceAddCtx(ctx, busID, deviceType, o)
	if err != nil {
		return nil, nil, err
	}
	stream, err := c.OpenStream(ctx, busID, resp.DevId)
	if err != nil {
		return nil, resp, err
	}
	return stream, resp, nil
}

// WriteFrame puts f on the virtual bus of channel ch.
func (s *DeviceStream) WriteFrame(ch uint8, f can.Frame) error {
	if s.closed.Load() {
		return fmt.Errorf("stream closed")
	}
	if err := f.Validate(); err != nil {
		return err
	}
	buf := cnl.AppendFrame([]byte{ch}, f)
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.conn.Write(buf)
	return err
}

// ReadFrame blocks until a frame arrives from one of the device's buses.
// Do not mix with StartReading.
func (s *DeviceStream) ReadFrame() (StreamFrame, error) {
	if s.closed.Load() {
		return StreamFrame{}, io.EOF
	}
	var ch [1]byte
	if _, err := io.ReadFull(s.r, ch[:]); err != nil {
		return StreamFrame{}, err
	}
	codec := cnl.Codec{}
	f, err := codec.Decode(s.r)
	if err != nil {
		return StreamFrame{}, err
	}
	return StreamFrame{Channel: ch[0], Frame: f}, nil
}

// StartReading delivers frames on the returned channel until ctx is done or
// the stream fails; the terminal error is sent on the error channel.
// Canceling ctx expires the read deadline, so a pending read returns at
// once. Reading with ReadFrame afterwards needs a new deadline.
func (s *DeviceStream) StartReading(ctx context.Context, chSize int) (<-chan StreamFrame, <-chan error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()
	if s.readCancel != nil {
		panic("StartReading called twice on the same stream")
	}

	readCtx, cancel := context.WithCancel(ctx)
	s.readCancel = cancel
	stopWake := context.AfterFunc(readCtx, func() { _ = s.conn.SetReadDeadline(time.Now()) })

	frames := make(chan StreamFrame, chSize)
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		defer close(frames)
		defer stopWake()
		defer cancel()
		for {
			sf, err := s.ReadFrame()
			if err != nil {
				errCh <- cmp.Or(readCtx.Err(), err)
				return
			}
			select {
			case frames <- sf:
			case <-readCtx.Done():
				errCh <- readCtx.Err()
				return
			}
		}
	}()
	return frames, errCh
}

// SetReadDeadline sets the read deadline for the underlying connection.
func (s *DeviceStream) SetReadDeadline(t time.Time) error {
	return s.conn.SetReadDeadline(t)
}

// SetWriteDeadline sets the write deadline for the underlying connection.
func (s *DeviceStream) SetWriteDeadline(t time.Time) error {
	return s.conn.SetWriteDeadline(t)
}

// Close closes the stream connection and stops any background reading.
func (s *DeviceStream) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.readMu.Lock()
	if s.readCancel != nil {
		s.readCancel()
	}
	s.readMu.Unlock()
	return s.conn.Close()
}

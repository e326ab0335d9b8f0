// Package board is the indicator side of an exported gs_usb adapter: the
// identify LEDs, termination switches and free running clock a physical
// board would carry, kept in memory and reported through the API.
package board

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var ErrChannel = errors.New("board: no such channel")

// ChannelStatus is a snapshot of one channel's indicators.
type ChannelStatus struct {
	Identify     bool      `json:"identify"`
	Termination  bool      `json:"termination"`
	Started      bool      `json:"started"`
	Frames       uint64    `json:"frames"`
	LastActivity time.Time `json:"lastActivity,omitzero"`
}

// Board implements every gsusb collaborator for n channels.
type Board struct {
	mu       sync.Mutex
	logger   *slog.Logger
	epoch    time.Time
	channels []ChannelStatus
	now      func() time.Time
}

// New creates a board for n channels. Termination starts switched on for
// even channels.
func New(n int, logger *slog.Logger) *Board {
	b := &Board{
		logger:   logger,
		channels: make([]ChannelStatus, n),
		now:      time.Now,
	}
	b.epoch = b.now()
	for i := range b.channels {
		b.channels[i].Termination = i%2 == 0
	}
	return b
}

func (b *Board) channel(ch uint16) (*ChannelStatus, error) {
	if int(ch) >= len(b.channels) {
		return nil, fmt.Errorf("%w: %d", ErrChannel, ch)
	}
	return &b.channels[ch], nil
}

func (b *Board) Identify(ch uint16, on bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, err := b.channel(ch)
	if err != nil {
		return err
	}
	c.Identify = on
	b.logger.Info("Identify", "channel", ch, "on", on)
	return nil
}

func (b *Board) SetTermination(ch uint16, on bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, err := b.channel(ch)
	if err != nil {
		return err
	}
	c.Termination = on
	b.logger.Debug("Termination set", "channel", ch, "on", on)
	return nil
}

func (b *Board) Termination(ch uint16) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, err := b.channel(ch)
	if err != nil {
		return false, err
	}
	return c.Termination, nil
}

// Timestamp returns microseconds since the board was created, wrapping at
// 2^32.
func (b *Board) Timestamp() (uint32, error) {
	return uint32(b.now().Sub(b.epoch).Microseconds()), nil
}

func (b *Board) ChannelStateChanged(ch uint16, started bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, err := b.channel(ch)
	if err != nil {
		return err
	}
	c.Started = started
	if !started {
		c.Identify = false
	}
	b.logger.Debug("Channel state changed", "channel", ch, "started", started)
	return nil
}

func (b *Board) ChannelActivity(ch uint16) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, err := b.channel(ch)
	if err != nil {
		return err
	}
	c.Frames++
	c.LastActivity = b.now()
	return nil
}

// Status returns a copy of every channel's indicators.
func (b *Board) Status() []ChannelStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]ChannelStatus, len(b.channels))
	copy(out, b.channels)
	return out
}

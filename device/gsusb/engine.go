// Package gsusb implements the gs_usb (candleLight) USB-to-CAN protocol on
// top of can.Controller channels: the vendor control requests, the CAN to
// host (RX) relay and the host to CAN (TX) relay.
package gsusb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/Alia5/CANIPER/can"
)

// Transport carries host frames between an Engine and the USB host.
type Transport interface {
	// SendIn hands one host frame to the bulk IN endpoint and returns once
	// the host has taken it or ctx is done.
	SendIn(ctx context.Context, frame []byte) error
	InEndpoint() uint8
	OutEndpoint() uint8
}

// Config sizes an Engine.
type Config struct {
	// MaxChannels caps the number of controllers; 0 means MaxChannels.
	MaxChannels int
	// PoolSize is the number of host frame buffers shared by received
	// events and host transmissions.
	PoolSize int
}

const defaultPoolSize = 32

// frameBuf is one pooled host frame.
type frameBuf struct {
	HostFrame
	out []byte // raw bulk OUT transfer while queued for TX
}

func (b *frameBuf) clear() {
	*b = frameBuf{}
}

// Engine is one gs_usb device instance.
type Engine struct {
	cfg       Config
	logger    *slog.Logger
	reg       *Registry
	hooks     Hooks
	transport Transport

	pool chan *frameBuf
	rxq  chan *frameBuf
	txq  chan *frameBuf

	enabled atomic.Bool
	sessMu  sync.Mutex
	sessCtx context.Context
	sessEnd context.CancelFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New registers ctrls as channels 0..n-1 and starts the relays. The engine
// stays disabled until Enable.
func New(t Transport, ctrls []can.Controller, hooks Hooks, cfg Config, logger *slog.Logger) (*Engine, error) {
	if t == nil {
		return nil, errors.New("gsusb: transport required")
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = defaultPoolSize
	}
	e := &Engine{
		cfg:       cfg,
		logger:    logger,
		hooks:     hooks,
		transport: t,
		pool:      make(chan *frameBuf, cfg.PoolSize),
		rxq:       make(chan *frameBuf, cfg.PoolSize),
		txq:       make(chan *frameBuf, cfg.PoolSize),
	}
	for range cfg.PoolSize {
		e.pool <- &frameBuf{}
	}
	reg, err := NewRegistry(ctrls, hooks, e, cfg.MaxChannels, logger)
	if err != nil {
		return nil, fmt.Errorf("register channels: %w", err)
	}
	e.reg = reg

	e.sessCtx, e.sessEnd = context.WithCancel(context.Background())
	e.sessEnd()
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.wg.Add(2)
	go e.rxLoop()
	go e.txLoop()
	logger.Info("gs_usb engine ready", "channels", reg.Len(), "pool", cfg.PoolSize)
	return e, nil
}

// Registry exposes the channel set.
func (e *Engine) Registry() *Registry { return e.reg }

// Hooks returns the collaborators the engine was built with.
func (e *Engine) Hooks() Hooks { return e.hooks }

// Enabled reports whether the host has configured the device.
func (e *Engine) Enabled() bool { return e.enabled.Load() }

// Enable starts a host session.
func (e *Engine) Enable() {
	e.sessMu.Lock()
	defer e.sessMu.Unlock()
	if e.enabled.Load() {
		return
	}
	e.sessCtx, e.sessEnd = context.WithCancel(e.ctx)
	e.enabled.Store(true)
	e.logger.Info("Enabled")
}

// Disable ends the host session: every channel is reset, in-flight IN
// transfers are cancelled and queued frames are dropped.
func (e *Engine) Disable() {
	e.sessMu.Lock()
	defer e.sessMu.Unlock()
	wasEnabled := e.enabled.Swap(false)
	e.sessEnd()
	e.reg.ResetAll()
	e.flush()
	if wasEnabled {
		e.logger.Info("Disabled")
	}
}

func (e *Engine) session() context.Context {
	e.sessMu.Lock()
	defer e.sessMu.Unlock()
	return e.sessCtx
}

func (e *Engine) flush() {
	for {
		select {
		case b := <-e.rxq:
			e.free(b)
		case b := <-e.txq:
			e.free(b)
		default:
			return
		}
	}
}

// Close disables the engine, stops the relays and unbinds the controllers.
func (e *Engine) Close() {
	e.Disable()
	e.cancel()
	e.wg.Wait()
	e.reg.unbind()
}

// alloc takes a buffer without blocking; nil means the pool is exhausted.
func (e *Engine) alloc() *frameBuf {
	select {
	case b := <-e.pool:
		return b
	default:
		return nil
	}
}

func (e *Engine) allocWait(ctx context.Context) (*frameBuf, error) {
	select {
	case b := <-e.pool:
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Engine) free(b *frameBuf) {
	b.clear()
	e.pool <- b
}

func (e *Engine) timestamp() uint32 {
	if e.hooks.Timestamp == nil {
		return 0
	}
	ts, err := e.hooks.Timestamp.Timestamp()
	if err != nil {
		e.logger.Error("Failed to read timestamp", "error", err)
		return 0
	}
	return ts
}

// Package virtual implements an in-process CAN medium and a controller
// attached to it.
package virtual

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/Alia5/CANIPER/can"
	"github.com/Alia5/CANIPER/internal/metrics"
)

type BackpressurePolicy int

const (
	PolicyDrop BackpressurePolicy = iota
	PolicyKick
)

const DefaultPortBuffer = 256

// Port is one attachment to a Bus. Frames written by other ports arrive on
// Out.
type Port struct {
	Out       chan can.Frame
	Closed    chan struct{}
	closeOnce sync.Once
	bus       *Bus
}

// Write puts f on the bus. The writer does not receive its own frame.
func (p *Port) Write(f can.Frame) {
	p.bus.broadcast(p, f)
}

// Close detaches the port (idempotent).
func (p *Port) Close() {
	p.bus.Detach(p)
}

func (p *Port) markClosed() {
	p.closeOnce.Do(func() {
		close(p.Closed)
	})
}

// Bus fans every written frame out to all other attached ports.
type Bus struct {
	name       string
	logger     *slog.Logger
	mu         sync.RWMutex
	ports      map[*Port]struct{}
	OutBufSize int
	Policy     BackpressurePolicy
}

func NewBus(name string, logger *slog.Logger) *Bus {
	return &Bus{
		name:       name,
		logger:     logger.With("bus", name),
		ports:      make(map[*Port]struct{}),
		OutBufSize: DefaultPortBuffer,
	}
}

func (b *Bus) Name() string { return b.name }

// Attach registers a new port.
func (b *Bus) Attach() *Port {
	p := &Port{
		Out:    make(chan can.Frame, b.OutBufSize),
		Closed: make(chan struct{}),
		bus:    b,
	}
	b.mu.Lock()
	b.ports[p] = struct{}{}
	n := len(b.ports)
	b.mu.Unlock()
	b.logger.Debug("Port attached", "ports", n)
	return p
}

// Detach unregisters a port; safe to call multiple times.
func (b *Bus) Detach(p *Port) {
	b.mu.Lock()
	_, existed := b.ports[p]
	delete(b.ports, p)
	n := len(b.ports)
	b.mu.Unlock()
	p.markClosed()
	if existed {
		b.logger.Debug("Port detached", "ports", n)
	}
}

func (b *Bus) broadcast(from *Port, f can.Frame) {
	for _, p := range b.snapshot() {
		if p == from {
			continue
		}
		select {
		case p.Out <- f:
		default:
			metrics.IncBusDrop()
			if b.Policy == PolicyKick {
				b.logger.Warn("Kicking slow port")
				b.Detach(p)
			}
		}
	}
}

func (b *Bus) snapshot() []*Port {
	b.mu.RLock()
	ports := make([]*Port, 0, len(b.ports))
	for p := range b.ports {
		ports = append(ports, p)
	}
	b.mu.RUnlock()
	return ports
}

// Count returns the number of attached ports.
func (b *Bus) Count() int { b.mu.RLock(); n := len(b.ports); b.mu.RUnlock(); return n }

// Network is a set of named buses, created on first use.
type Network struct {
	logger *slog.Logger
	mu     sync.Mutex
	buses  map[string]*Bus
}

func NewNetwork(logger *slog.Logger) *Network {
	return &Network{logger: logger, buses: make(map[string]*Bus)}
}

// Bus returns the bus called name, creating it if needed.
func (n *Network) Bus(name string) *Bus {
	n.mu.Lock()
	defer n.mu.Unlock()
	b, ok := n.buses[name]
	if !ok {
		b = NewBus(name, n.logger)
		n.buses[name] = b
	}
	return b
}

// Lookup returns an existing bus.
func (n *Network) Lookup(name string) (*Bus, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	b, ok := n.buses[name]
	return b, ok
}

// Names lists bus names in sorted order.
func (n *Network) Names() []string {
	n.mu.Lock()
	names := make([]string, 0, len(n.buses))
	for name := range n.buses {
		names = append(names, name)
	}
	n.mu.Unlock()
	sort.Strings(names)
	return names
}

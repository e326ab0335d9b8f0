package usb

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/Alia5/CANIPER/internal/metrics"
	"github.com/Alia5/CANIPER/usb"
	"github.com/Alia5/CANIPER/virtualbus"
)

// AddBus registers a bus with the server.
func (s *Server) AddBus(bus *virtualbus.VirtualBus) error {
	if bus == nil {
		return errors.New("bus is nil")
	}
	s.busesMu.Lock()
	defer s.busesMu.Unlock()
	id := bus.BusID()
	if _, taken := s.buses[id]; taken {
		return fmt.Errorf("bus %d already registered", id)
	}
	s.buses[id] = bus
	return nil
}

// RemoveBus unregisters a bus and releases its devices, which ends their
// URB streams.
func (s *Server) RemoveBus(busID uint32) error {
	s.busesMu.Lock()
	bus, ok := s.buses[busID]
	delete(s.buses, busID)
	s.busesMu.Unlock()
	if !ok {
		return fmt.Errorf("bus %d not found", busID)
	}
	if n := len(bus.Devices()); n > 0 {
		s.logger.Warn("Removing non-empty bus", "bus", busID, "devices", n)
		metrics.AddExportedDevices(-n)
	}
	return bus.Close()
}

// GetBus returns a bus by ID or nil if not present.
func (s *Server) GetBus(busID uint32) *virtualbus.VirtualBus {
	s.busesMu.Lock()
	defer s.busesMu.Unlock()
	return s.buses[busID]
}

// ListBuses returns the active bus numbers in ascending order.
func (s *Server) ListBuses() []uint32 {
	s.busesMu.Lock()
	defer s.busesMu.Unlock()
	return slices.Sorted(maps.Keys(s.buses))
}

// AddDevice exports dev on bus busID and returns its device context, which
// is canceled when the device is removed.
func (s *Server) AddDevice(busID uint32, dev usb.Device) (context.Context, error) {
	bus := s.GetBus(busID)
	if bus == nil {
		return nil, fmt.Errorf("bus %d not found", busID)
	}
	ctx, err := bus.Add(dev)
	if err != nil {
		return nil, err
	}
	metrics.AddExportedDevices(1)
	return ctx, nil
}

// RemoveDeviceByID removes a device and ends its URB stream.
func (s *Server) RemoveDeviceByID(busID uint32, deviceID string) error {
	bus := s.GetBus(busID)
	if bus == nil {
		return fmt.Errorf("bus %d not found", busID)
	}
	if err := bus.RemoveDeviceByID(deviceID); err != nil {
		return err
	}
	metrics.AddExportedDevices(-1)
	return nil
}

// exports lists every device of every bus, by bus number then device
// order.
func (s *Server) exports() []virtualbus.DeviceMeta {
	s.busesMu.Lock()
	defer s.busesMu.Unlock()
	var out []virtualbus.DeviceMeta
	for _, id := range slices.Sorted(maps.Keys(s.buses)) {
		out = append(out, s.buses[id].GetAllDeviceMetas()...)
	}
	return out
}

// lookupExport finds the device exported under a USB/IP busid ("1-1").
func (s *Server) lookupExport(busid string) (virtualbus.DeviceMeta, bool) {
	for _, m := range s.exports() {
		if m.Meta.BusIDString() == busid {
			return m, true
		}
	}
	return virtualbus.DeviceMeta{}, false
}

// owningBus returns the bus dev is registered on.
func (s *Server) owningBus(dev usb.Device) *virtualbus.VirtualBus {
	s.busesMu.Lock()
	defer s.busesMu.Unlock()
	for _, b := range s.buses {
		if slices.Contains(b.Devices(), dev) {
			return b
		}
	}
	return nil
}

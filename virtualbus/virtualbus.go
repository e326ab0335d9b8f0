// Package virtualbus manages USB bus topology and auto-assigns device addresses.
package virtualbus

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"

	"github.com/Alia5/CANIPER/device"
	"github.com/Alia5/CANIPER/usb"
	"github.com/Alia5/CANIPER/usbip"
)

const basepath = "/sys/devices/platform/caniper/usb"

var (
	globalMutex     sync.Mutex
	nextBusID       uint32 = 1
	allocatedBusIds        = make(map[uint32]bool)
)

// VirtualBus is one USB/IP bus. Device ids start at 1 and are reused once
// freed.
type VirtualBus struct {
	mutex   sync.Mutex
	busId   uint32
	devices []busDevice
	closed  bool
}

type busDevice struct {
	dev    usb.Device
	meta   usbip.ExportMeta
	ctx    context.Context
	cancel context.CancelFunc
}

// DeviceMeta is a registered device with its export metadata.
type DeviceMeta struct {
	Dev  usb.Device
	Meta usbip.ExportMeta
}

// New creates a bus with the lowest free bus number.
func New() *VirtualBus {
	globalMutex.Lock()
	defer globalMutex.Unlock()
	for allocatedBusIds[nextBusID] || nextBusID == 0 {
		nextBusID++
	}
	id := nextBusID
	nextBusID++
	allocatedBusIds[id] = true
	return &VirtualBus{busId: id}
}

// NewWithBusId creates a bus with a specific number.
func NewWithBusId(busId uint32) (*VirtualBus, error) {
	globalMutex.Lock()
	defer globalMutex.Unlock()
	if busId == 0 {
		return nil, fmt.Errorf("bus number 0 is reserved")
	}
	if allocatedBusIds[busId] {
		return nil, fmt.Errorf("bus number %d already allocated", busId)
	}
	allocatedBusIds[busId] = true
	return &VirtualBus{busId: busId}, nil
}

// BusID returns the bus number.
func (vb *VirtualBus) BusID() uint32 { return vb.busId }

// Add registers dev under the lowest free device id. The returned context
// carries the export metadata (see device.GetDeviceMeta) and is cancelled
// when the device is removed.
func (vb *VirtualBus) Add(dev usb.Device) (context.Context, error) {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()
	if vb.closed {
		return nil, fmt.Errorf("bus %d is closed", vb.busId)
	}
	used := make([]uint32, 0, len(vb.devices))
	for _, d := range vb.devices {
		if d.dev == dev {
			return nil, fmt.Errorf("device already registered on bus %d", vb.busId)
		}
		used = append(used, d.meta.DevId)
	}
	devID := uint32(1)
	for slices.Contains(used, devID) {
		devID++
	}

	busDevID := fmt.Sprintf("%d-%d", vb.busId, devID)
	var meta usbip.ExportMeta
	copy(meta.Path[:], fmt.Sprintf("%s%d/%s", basepath, vb.busId, busDevID))
	copy(meta.USBBusId[:], busDevID)
	meta.BusId = vb.busId
	meta.DevId = devID

	ctx, cancel := context.WithCancel(context.Background())
	ctx = context.WithValue(ctx, device.ExportMetaKey, &meta)
	vb.devices = append(vb.devices, busDevice{dev: dev, meta: meta, ctx: ctx, cancel: cancel})
	return ctx, nil
}

// GetAllDeviceMetas returns every registered device with its metadata.
func (vb *VirtualBus) GetAllDeviceMetas() []DeviceMeta {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()
	out := make([]DeviceMeta, 0, len(vb.devices))
	for _, d := range vb.devices {
		out = append(out, DeviceMeta{Dev: d.dev, Meta: d.meta})
	}
	return out
}

// Devices returns the registered devices.
func (vb *VirtualBus) Devices() []usb.Device {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()
	out := make([]usb.Device, 0, len(vb.devices))
	for _, d := range vb.devices {
		out = append(out, d.dev)
	}
	return out
}

// Device returns the device with the given id.
func (vb *VirtualBus) Device(deviceID string) (usb.Device, bool) {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()
	i := vb.indexByID(deviceID)
	if i < 0 {
		return nil, false
	}
	return vb.devices[i].dev, true
}

func (vb *VirtualBus) indexByID(deviceID string) int {
	id, err := strconv.ParseUint(deviceID, 10, 32)
	if err != nil {
		return -1
	}
	return slices.IndexFunc(vb.devices, func(d busDevice) bool { return d.meta.DevId == uint32(id) })
}

// RemoveDeviceByID removes a device by its id (e.g. "1").
func (vb *VirtualBus) RemoveDeviceByID(deviceID string) error {
	vb.mutex.Lock()
	i := vb.indexByID(deviceID)
	if i < 0 {
		vb.mutex.Unlock()
		return fmt.Errorf("device with id %s not found on bus %d", deviceID, vb.busId)
	}
	d := vb.detach(i)
	vb.mutex.Unlock()
	release(d)
	return nil
}

// Remove unregisters dev.
func (vb *VirtualBus) Remove(dev usb.Device) error {
	vb.mutex.Lock()
	i := slices.IndexFunc(vb.devices, func(d busDevice) bool { return d.dev == dev })
	if i < 0 {
		vb.mutex.Unlock()
		return fmt.Errorf("device not found")
	}
	d := vb.detach(i)
	vb.mutex.Unlock()
	release(d)
	return nil
}

func (vb *VirtualBus) detach(i int) busDevice {
	d := vb.devices[i]
	vb.devices = slices.Delete(vb.devices, i, i+1)
	return d
}

// release cancels the device context, which ends its URB stream, then
// closes the device if it holds resources.
func release(d busDevice) {
	d.cancel()
	if c, ok := d.dev.(interface{ Close() }); ok {
		c.Close()
	}
}

// Close removes every device and frees the bus number.
func (vb *VirtualBus) Close() error {
	vb.mutex.Lock()
	devs := vb.devices
	vb.devices = nil
	vb.closed = true
	vb.mutex.Unlock()
	for _, d := range devs {
		release(d)
	}

	globalMutex.Lock()
	defer globalMutex.Unlock()
	delete(allocatedBusIds, vb.busId)
	if vb.busId < nextBusID {
		nextBusID = vb.busId
	}
	return nil
}

// GetDeviceContext returns the context of dev, or nil when dev is not on
// the bus.
func (vb *VirtualBus) GetDeviceContext(dev usb.Device) context.Context {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()
	for _, d := range vb.devices {
		if d.dev == dev {
			return d.ctx
		}
	}
	return nil
}

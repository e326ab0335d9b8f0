package testing

import (
	"context"
	"testing"

	"github.com/Alia5/CANIPER/device"
	"github.com/Alia5/CANIPER/internal/server/api"
	"github.com/Alia5/CANIPER/usb"
)

type mockRegistration struct {
	deviceName  string
	handlerFunc api.StreamHandlerFunc

	createFunc func(o *device.CreateOptions) (usb.Device, error)
}

func (m *mockRegistration) CreateDevice(o *device.CreateOptions) (usb.Device, error) {
	return m.createFunc(o)
}

func (m *mockRegistration) StreamHandler() api.StreamHandlerFunc {
	return m.handlerFunc
}

func CreateMockRegistration(
	t *testing.T,
	name string,
	cf func(o *device.CreateOptions) (usb.Device, error),
	h api.StreamHandlerFunc,
) api.DeviceRegistration {
	t.Helper()
	return &mockRegistration{
		deviceName:  name,
		handlerFunc: h,
		createFunc:  cf,
	}
}

// MockDevice is a usb.Device with a fixed descriptor and no endpoints.
// api.DeviceType names it "testing".
type MockDevice struct {
	Desc   usb.Descriptor
	closed chan struct{}
}

func NewMockDevice(vid, pid uint16) *MockDevice {
	m := &MockDevice{closed: make(chan struct{})}
	m.Desc.Device.IDVendor = vid
	m.Desc.Device.IDProduct = pid
	return m
}

func (m *MockDevice) HandleTransfer(ctx context.Context, ep uint32, dir uint32, out []byte) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (m *MockDevice) GetDescriptor() *usb.Descriptor { return &m.Desc }

// Close is called by the bus on removal.
func (m *MockDevice) Close() {
	select {
	case <-m.closed:
	default:
		close(m.closed)
	}
}

// Done is closed once the device has been released.
func (m *MockDevice) Done() <-chan struct{} { return m.closed }

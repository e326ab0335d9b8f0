package api

import (
	"fmt"
	"log/slog"
	"net"
	"path"
	"reflect"
	"strings"

	"github.com/Alia5/CANIPER/usb"
)

// DeviceStreamHandler dispatches a stream connection to the handler of the
// device's registered type.
func DeviceStreamHandler() StreamHandlerFunc {
	return func(conn net.Conn, dev *usb.Device, logger *slog.Logger) error {
		defer conn.Close()

		if dev == nil || *dev == nil {
			return fmt.Errorf("nil device")
		}
		deviceType := DeviceType(*dev)
		h := GetStreamHandler(deviceType)
		if h == nil {
			return fmt.Errorf("no handler for device type: %s", deviceType)
		}
		return h(conn, dev, logger)
	}
}

// DeviceType names a device by the package that implements it, e.g.
// "gsusb" for *gsusb.Device.
func DeviceType(dev any) string {
	if dev == nil {
		return ""
	}
	t := reflect.TypeOf(dev)
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if pkg := t.PkgPath(); pkg != "" {
		return strings.ToLower(path.Base(pkg))
	}
	return strings.ToLower(t.Name())
}

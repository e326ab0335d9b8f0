// Package registry links every device type into the binary.
package registry

import (
	_ "github.com/Alia5/CANIPER/device/gsusb" // Register gs_usb device handler
)

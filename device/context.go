// Package device holds what every exported USB device shares.
package device

import (
	"context"

	"github.com/Alia5/CANIPER/usbip"
)

type contextKey int

const ExportMetaKey contextKey = iota

// GetDeviceMeta extracts the export metadata from a device context, or nil.
func GetDeviceMeta(ctx context.Context) *usbip.ExportMeta {
	if meta, ok := ctx.Value(ExportMetaKey).(*usbip.ExportMeta); ok {
		return meta
	}
	return nil
}

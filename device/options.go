package device

import (
	"log/slog"

	"github.com/Alia5/CANIPER/apitypes"
	"github.com/Alia5/CANIPER/can/virtual"
)

// CreateOptions carries the per-device settings of an add request.
type CreateOptions struct {
	IdVendor  *uint16
	IdProduct *uint16
	Serial    string
	Channels  []apitypes.ChannelSpec
	// Network resolves virtual buses by name.
	Network *virtual.Network
	Logger  *slog.Logger
}

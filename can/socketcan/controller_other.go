//go:build !linux

package socketcan

import (
	"errors"
	"log/slog"

	"github.com/Alia5/CANIPER/can"
)

var ErrUnsupportedPlatform = errors.New("socketcan: only available on linux")

// Open always fails outside linux.
func Open(cfg Config, logger *slog.Logger) (can.Controller, error) {
	return nil, ErrUnsupportedPlatform
}

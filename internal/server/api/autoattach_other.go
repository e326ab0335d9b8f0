//go:build !linux

package api

import "log/slog"

// CheckAutoAttachPrerequisites always fails: the local attach path relies on
// the linux vhci-hcd driver.
func CheckAutoAttachPrerequisites(logger *slog.Logger) bool {
	logger.Warn("Auto-attach is only supported on linux")
	return false
}

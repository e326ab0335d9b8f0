//go:build linux

package api

import (
	"bytes"
	"log/slog"
	"os"
	"os/exec"
)

// CheckAutoAttachPrerequisites reports whether the usbip tool and the
// vhci-hcd module are available, logging what is missing.
func CheckAutoAttachPrerequisites(logger *slog.Logger) bool {
	allOk := true

	if _, err := exec.LookPath("usbip"); err != nil {
		logger.Warn("USB/IP tool 'usbip' not found in PATH")
		logger.Info("Install usbip:")
		logger.Info("  Ubuntu/Debian: sudo apt install linux-tools-generic")
		logger.Info("  Arch Linux:    sudo pacman -S usbip")
		allOk = false
	} else {
		logger.Debug("usbip tool found in PATH")
	}

	data, err := os.ReadFile("/proc/modules")
	switch {
	case err != nil:
		logger.Debug("Could not read /proc/modules", "error", err)
	case !bytes.Contains(data, []byte("vhci_hcd")):
		logger.Warn("USB/IP kernel module 'vhci-hcd' is not loaded")
		logger.Info("  sudo modprobe vhci-hcd")
		logger.Info("To load it at boot:")
		logger.Info("  echo 'vhci-hcd' | sudo tee /etc/modules-load.d/caniper.conf")
		allOk = false
	default:
		logger.Debug("vhci-hcd kernel module is loaded")
	}

	// the host side gs_usb driver binds the attached adapter
	if err == nil && !bytes.Contains(data, []byte("gs_usb")) {
		logger.Info("Kernel module 'gs_usb' is not loaded yet; it will be loaded on attach if available")
	}
	return allOk
}

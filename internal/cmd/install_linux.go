//go:build linux

package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const unitName = "caniper.service"

// systemd manages the caniper unit. systemctl is swapped in tests.
type systemd struct {
	unitDir   string
	systemctl func(args ...string) error
}

var defaultSystemd = systemd{unitDir: "/etc/systemd/system", systemctl: systemctl}

func install(logger *slog.Logger) error {
	exe, err := currentExecutable()
	if err != nil {
		return err
	}
	return defaultSystemd.install(logger, exe)
}

func uninstall(logger *slog.Logger) error { return defaultSystemd.uninstall(logger) }

func (s systemd) unitPath() string { return filepath.Join(s.unitDir, unitName) }

func (s systemd) install(logger *slog.Logger, exe string) error {
	if err := os.WriteFile(s.unitPath(), []byte(unitFile(exe)), 0o644); err != nil {
		return fmt.Errorf("write unit: %w", err)
	}
	for _, args := range [][]string{{"daemon-reload"}, {"enable", unitName}, {"restart", unitName}} {
		if err := s.systemctl(args...); err != nil {
			return err
		}
	}
	logger.Info("Installed systemd service", "unit", s.unitPath(), "exe", exe)
	return nil
}

// uninstall keeps going after a failed step so a half installed unit is
// still cleaned up; all failures are returned together.
func (s systemd) uninstall(logger *slog.Logger) error {
	errs := []error{
		s.systemctl("stop", unitName),
		s.systemctl("disable", unitName),
	}
	if err := os.Remove(s.unitPath()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		errs = append(errs, err)
	}
	errs = append(errs, s.systemctl("daemon-reload"))
	if err := errors.Join(errs...); err != nil {
		return err
	}
	logger.Info("Removed systemd service", "unit", s.unitPath())
	return nil
}

// unitFile renders the service unit. vhci-hcd is loaded up front for
// localhost auto-attach; a missing module is not fatal.
func unitFile(exe string) string {
	var b strings.Builder
	section := func(name string, kv ...string) {
		fmt.Fprintf(&b, "[%s]\n", name)
		for i := 0; i+1 < len(kv); i += 2 {
			fmt.Fprintf(&b, "%s=%s\n", kv[i], kv[i+1])
		}
		b.WriteByte('\n')
	}
	section("Unit",
		"Description", "CANIPER gs_usb over USB-IP server",
		"After", "network-online.target",
		"Wants", "network-online.target",
	)
	section("Service",
		"Type", "simple",
		"ExecStartPre", "-/sbin/modprobe vhci-hcd",
		"ExecStart", fmt.Sprintf("%q server", exe),
		"WorkingDirectory", filepath.Dir(exe),
		"Restart", "on-failure",
		"RestartSec", "2",
	)
	section("Install", "WantedBy", "multi-user.target")
	return b.String()
}

func systemctl(args ...string) error {
	out, err := exec.Command("systemctl", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("systemctl %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

//go:build linux

package cmd

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnitFile(t *testing.T) {
	unit := unitFile("/opt/caniper/caniper")
	assert.Contains(t, unit, "[Unit]\nDescription=CANIPER gs_usb over USB-IP server\n")
	assert.Contains(t, unit, `ExecStart="/opt/caniper/caniper" server`+"\n")
	assert.Contains(t, unit, "WorkingDirectory=/opt/caniper\n")
	assert.Contains(t, unit, "ExecStartPre=-/sbin/modprobe vhci-hcd\n")
	assert.Contains(t, unit, "[Install]\nWantedBy=multi-user.target\n")
}

// fakeSystemd records systemctl calls; fail makes the named verb fail.
func fakeSystemd(t *testing.T, fail string) (systemd, *[]string) {
	var calls []string
	s := systemd{
		unitDir: t.TempDir(),
		systemctl: func(args ...string) error {
			calls = append(calls, args[0])
			if args[0] == fail {
				return errors.New(fail + " failed")
			}
			return nil
		},
	}
	return s, &calls
}

func TestSystemd_InstallUninstall(t *testing.T) {
	s, calls := fakeSystemd(t, "")
	require.NoError(t, s.install(slog.Default(), "/usr/bin/caniper"))
	assert.Equal(t, []string{"daemon-reload", "enable", "restart"}, *calls)
	data, err := os.ReadFile(filepath.Join(s.unitDir, unitName))
	require.NoError(t, err)
	assert.Contains(t, string(data), `ExecStart="/usr/bin/caniper" server`)

	*calls = nil
	require.NoError(t, s.uninstall(slog.Default()))
	assert.Equal(t, []string{"stop", "disable", "daemon-reload"}, *calls)
	assert.NoFileExists(t, filepath.Join(s.unitDir, unitName))

	assert.NoError(t, s.uninstall(slog.Default()), "missing unit file is fine")
}

func TestSystemd_Failures(t *testing.T) {
	s, calls := fakeSystemd(t, "enable")
	assert.ErrorContains(t, s.install(slog.Default(), "/usr/bin/caniper"), "enable failed")
	assert.Equal(t, []string{"daemon-reload", "enable"}, *calls)

	s, calls = fakeSystemd(t, "stop")
	assert.ErrorContains(t, s.uninstall(slog.Default()), "stop failed")
	assert.Equal(t, []string{"stop", "disable", "daemon-reload"}, *calls, "later steps still run")
}

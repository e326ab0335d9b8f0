// Package config holds the command line of the caniper binary.
package config

import "github.com/Alia5/CANIPER/internal/cmd"

// Log configures the process logger and the raw USB/IP dump.
type Log struct {
	Level   string `help:"Log level" enum:"trace,debug,info,warn,error" default:"info" env:"CANIPER_LOG_LEVEL"`
	File    string `help:"Also write logs to this file" env:"CANIPER_LOG_FILE"`
	RawFile string `help:"Write a hex dump of USB-IP traffic to this file" env:"CANIPER_LOG_RAW_FILE"`
}

// CLI is the root command.
type CLI struct {
	Log    Log    `embed:"" prefix:"log."`
	Config string `help:"Configuration file (json, yaml or toml)" type:"path" env:"CANIPER_CONFIG"`

	Server    cmd.Server        `cmd:"" help:"Run the USB-IP server and the management API"`
	Proxy     cmd.Proxy         `cmd:"" help:"Proxy a USB-IP connection and log gs_usb traffic"`
	Dump      cmd.Dump          `cmd:"" help:"Print the CAN frames of a device's virtual buses"`
	ConfigCmd cmd.ConfigCommand `cmd:"" name:"config" help:"Configuration helpers"`
	Install   cmd.Install       `cmd:"" help:"Install caniper server as a system service"`
	Uninstall cmd.Uninstall     `cmd:"" help:"Remove the caniper system service"`
	Version   cmd.Version       `cmd:"" help:"Print the version"`
}

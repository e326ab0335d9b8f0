package api

import "time"

// ServerConfig represents the management API configuration.
type ServerConfig struct {
	Addr                  string        `help:"API server listen address" default:":3242" env:"CANIPER_API_ADDR"`
	Password              string        `help:"API password; empty uses the generated key file" env:"CANIPER_API_PASSWORD"`
	RequireAuth           bool          `help:"Require the authenticated session for loopback clients too" default:"false" env:"CANIPER_API_REQUIRE_AUTH"`
	AutoAttachLocalClient bool          `help:"Attach devices added to a bus with the local usbip client" default:"false" env:"CANIPER_API_AUTO_ATTACH_LOCAL_CLIENT"`
	ConnectionTimeout     time.Duration `kong:"-"`
}

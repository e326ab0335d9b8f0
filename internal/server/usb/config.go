package usb

import "time"

// ServerConfig represents the USB/IP server configuration.
type ServerConfig struct {
	Addr              string        `help:"USB-IP server listen address" default:":3241" env:"CANIPER_USB_ADDR"`
	ConnectionTimeout time.Duration `help:"Time a client has to send its first USB-IP op" default:"5s" env:"CANIPER_USB_CONNECTION_TIMEOUT"`
	URBQueueDepth     int           `help:"Maximum queued URBs per endpoint" default:"256" env:"CANIPER_USB_URB_QUEUE_DEPTH"`
}

// Package mdns advertises the USB/IP server on the local network.
package mdns

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/grandcat/zeroconf"
)

// ServiceType is the DNS-SD type of the USB/IP server.
const ServiceType = "_usbip._tcp"

type Config struct {
	Enable bool   `help:"Advertise the USB-IP server via mDNS" default:"false" env:"CANIPER_MDNS_ENABLE"`
	Name   string `help:"mDNS instance name (default caniper-<hostname>)" env:"CANIPER_MDNS_NAME"`
}

// InstanceName returns the configured name or caniper-<hostname>.
func (c Config) InstanceName() string {
	if c.Name != "" {
		return c.Name
	}
	host, _ := os.Hostname()
	return fmt.Sprintf("caniper-%s", host)
}

// Start registers the service and returns a cleanup function. It is a no-op
// when disabled. The registration also ends with ctx.
func Start(ctx context.Context, cfg Config, port int, meta []string, logger *slog.Logger) (func(), error) {
	if !cfg.Enable {
		return func() {}, nil
	}
	instance := cfg.InstanceName()
	svc, err := zeroconf.Register(instance, ServiceType, "local.", port, meta, nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	logger.Info("mDNS advertisement started", "instance", instance, "service", ServiceType, "port", port)
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		svc.Shutdown()
	}()
	return func() { close(done); time.Sleep(50 * time.Millisecond) }, nil
}

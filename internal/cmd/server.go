package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/Alia5/CANIPER/can/virtual"
	"github.com/Alia5/CANIPER/internal/configpaths"
	"github.com/Alia5/CANIPER/internal/log"
	"github.com/Alia5/CANIPER/internal/mdns"
	"github.com/Alia5/CANIPER/internal/metrics"
	"github.com/Alia5/CANIPER/internal/server/api"
	"github.com/Alia5/CANIPER/internal/server/api/auth"
	"github.com/Alia5/CANIPER/internal/server/api/handler"
	"github.com/Alia5/CANIPER/internal/server/usb"
)

const keyFileName = "caniper.key.txt"

type Server struct {
	UsbServerConfig   usb.ServerConfig `embed:"" prefix:"usb."`
	ApiServerConfig   api.ServerConfig `embed:"" prefix:"api."`
	MDNS              mdns.Config      `embed:"" prefix:"mdns."`
	MetricsAddr       string           `help:"Prometheus /metrics and /ready listen address; empty disables" default:"" env:"CANIPER_METRICS_ADDR"`
	ConnectionTimeout time.Duration    `help:"API operation timeout" default:"30s" env:"CANIPER_CONNECTION_TIMEOUT"`
}

// Run is called by Kong when the server command is executed.
func (s *Server) Run(logger *slog.Logger, rawLogger log.RawLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return s.StartServer(ctx, logger, rawLogger)
}

// loadOrCreateKey reads the API password from the key file in the config
// dir, generating one on first start.
func loadOrCreateKey(logger *slog.Logger) (string, error) {
	dir, err := configpaths.Dir()
	if err != nil {
		return "", fmt.Errorf("resolve key file path: %w", err)
	}
	keyPath := filepath.Join(dir, keyFileName)
	if pwd, err := os.ReadFile(keyPath); err == nil {
		return strings.TrimSpace(string(pwd)), nil
	}

	pwd, err := auth.GenerateKey()
	if err != nil {
		return "", fmt.Errorf("generate API password: %w", err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create config dir for key file: %w", err)
	}
	if err := os.WriteFile(keyPath, []byte(pwd), 0o600); err != nil {
		return "", fmt.Errorf("write API password: %w", err)
	}
	logger.Info("Generated API server password", "path", keyPath)
	logger.Info("-------------------------------------")
	logger.Info("Your CANIPER API server password is:")
	logger.Info(pwd)
	logger.Info("-------------------------------------")
	logger.Info("Loopback clients do not need it unless --api.require-auth is set")
	return pwd, nil
}

// RegisterRoutes installs every management route on apiSrv.
func RegisterRoutes(apiSrv *api.Server) {
	usbSrv := apiSrv.USB()
	r := apiSrv.Router()
	r.Register("ping", handler.Ping(BuildVersion()))
	r.Register("bus/list", handler.BusList(usbSrv))
	r.Register("bus/create", handler.BusCreate(usbSrv))
	r.Register("bus/remove", handler.BusRemove(usbSrv))
	r.Register("bus/{id}/list", handler.BusDevicesList(usbSrv))
	r.Register("bus/{id}/add", handler.BusDeviceAdd(usbSrv, apiSrv))
	r.Register("bus/{id}/remove", handler.BusDeviceRemove(usbSrv))
	r.Register("bus/{busId}/{deviceid}/status", handler.DeviceStatus(usbSrv))
	r.Register("bus/{busId}/{deviceid}/state", handler.DeviceState(usbSrv))
	r.RegisterStream("bus/{busId}/{deviceid}", api.DeviceStreamHandler())
}

func (s *Server) StartServer(ctx context.Context, logger *slog.Logger, rawLogger log.RawLogger) error {
	s.ApiServerConfig.ConnectionTimeout = s.ConnectionTimeout
	metrics.InitBuildInfo(BuildVersion(), commit, date)

	logger.Info("Starting CANIPER USB-IP server", "addr", s.UsbServerConfig.Addr, "version", BuildVersion())

	if s.ApiServerConfig.Addr == "" {
		return errors.New("API server address must be set (default :3242)")
	}
	if s.ApiServerConfig.Password == "" {
		pwd, err := loadOrCreateKey(logger)
		if err != nil {
			return err
		}
		s.ApiServerConfig.Password = pwd
	}

	usbSrv := usb.New(s.UsbServerConfig, logger, rawLogger)
	usbErrCh := make(chan error, 1)
	go func() {
		usbErrCh <- usbSrv.ListenAndServe()
	}()
	select {
	case err := <-usbErrCh:
		return err
	case <-usbSrv.Ready():
	}

	var metricsSrv *http.Server
	if s.MetricsAddr != "" {
		metrics.SetReadinessFunc(func() bool {
			select {
			case <-usbSrv.Ready():
				return true
			default:
				return false
			}
		})
		metricsSrv = metrics.StartHTTP(s.MetricsAddr, logger)
	}

	apiSrv := api.New(usbSrv, virtual.NewNetwork(logger), s.ApiServerConfig.Addr, s.ApiServerConfig, logger)
	RegisterRoutes(apiSrv)

	if s.ApiServerConfig.AutoAttachLocalClient {
		logger.Info("Auto-attach is enabled, checking prerequisites...")
		if !api.CheckAutoAttachPrerequisites(logger) {
			logger.Warn("Auto-attach prerequisites not met")
			logger.Warn("Device auto-attachment will fail until requirements are satisfied")
		} else {
			logger.Info("Auto-attach prerequisites satisfied")
		}
	}

	if err := apiSrv.Start(); err != nil {
		logger.Error("failed to start API server", "error", err)
		_ = usbSrv.Close()
		<-usbErrCh
		return err
	}

	stopMDNS, err := mdns.Start(ctx, s.MDNS, int(usbSrv.GetListenPort()), []string{"version=" + BuildVersion(), "device=gsusb"}, logger)
	if err != nil {
		logger.Warn("mDNS advertisement failed", "error", err)
		stopMDNS = func() {}
	}

	shutdown := func() {
		stopMDNS()
		apiSrv.Close()
		if metricsSrv != nil {
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = metricsSrv.Shutdown(sctx)
			cancel()
		}
	}

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
		shutdown()
		_ = usbSrv.Close()
		<-usbErrCh
		return nil
	case err := <-usbErrCh:
		shutdown()
		return err
	}
}

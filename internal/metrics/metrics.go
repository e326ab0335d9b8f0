package metrics

import (
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus counters
var (
	HostRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "caniper_host_rx_frames_total",
		Help: "Total host frames delivered to the USB host on the bulk IN endpoint.",
	})
	HostTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "caniper_host_tx_frames_total",
		Help: "Total host frames received from the USB host on the bulk OUT endpoint.",
	})
	EchoFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "caniper_echo_frames_total",
		Help: "Total TX echo frames queued after a successful transmission.",
	})
	Overflows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "caniper_rx_overflows_total",
		Help: "Total received frames lost because the frame pool was exhausted.",
	})
	DroppedFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "caniper_dropped_frames_total",
		Help: "Frames dropped by the gs_usb engine, by reason.",
	}, []string{"reason"})
	ControlRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "caniper_control_requests_total",
		Help: "gs_usb control requests handled, by request and result.",
	}, []string{"request", "result"})
	URBs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "caniper_usbip_urbs_total",
		Help: "USB/IP URBs processed, by direction.",
	}, []string{"dir"})
	BusDroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "caniper_bus_dropped_frames_total",
		Help: "Total CAN frames dropped on virtual buses due to slow ports.",
	})
	StreamClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "caniper_stream_clients",
		Help: "Current number of connected bus stream clients.",
	})
	ExportedDevices = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "caniper_exported_devices",
		Help: "Current number of gs_usb devices exported over USB/IP.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "caniper_build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "caniper_malformed_frames_total",
		Help: "Total rejected malformed stream frames (invalid length, truncated).",
	})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "caniper_errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Drop reason labels.
const (
	DropShort      = "short"
	DropChannel    = "channel"
	DropNotStarted = "not_started"
	DropDLC        = "dlc"
	DropSend       = "send"
	DropTxError    = "tx_error"
	DropQueueFull  = "queue_full"
	DropDisabled   = "disabled"
)

// Error label constants
const (
	ErrUSBIPWrite  = "usbip_write"
	ErrUSBIPRead   = "usbip_read"
	ErrHostIn      = "host_in"
	ErrStreamWrite = "stream_write"
	ErrStreamRead  = "stream_read"
	ErrController  = "controller"
	ErrHook        = "hook"
	ErrAPIAuth     = "api_auth"
)

// StartHTTP serves Prometheus metrics at /metrics and readiness at /ready.
func StartHTTP(addr string, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logger.Info("Metrics listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters, cheap to read from logs and tests.
var (
	localHostRx    uint64
	localHostTx    uint64
	localEcho      uint64
	localOverflow  uint64
	localDropped   uint64
	localBusDrop   uint64
	localErrors    uint64
	localClients   int64
	localExported  int64
	localCtrlReqs  uint64
	localCtrlFails uint64
	localMalformed uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	HostRx          uint64
	HostTx          uint64
	Echo            uint64
	Overflows       uint64
	Dropped         uint64
	BusDrops        uint64
	Errors          uint64
	StreamClients   int64
	ExportedDevices int64
	ControlRequests uint64
	ControlFailures uint64
	Malformed       uint64
}

func Snap() Snapshot {
	return Snapshot{
		HostRx:          atomic.LoadUint64(&localHostRx),
		HostTx:          atomic.LoadUint64(&localHostTx),
		Echo:            atomic.LoadUint64(&localEcho),
		Overflows:       atomic.LoadUint64(&localOverflow),
		Dropped:         atomic.LoadUint64(&localDropped),
		BusDrops:        atomic.LoadUint64(&localBusDrop),
		Errors:          atomic.LoadUint64(&localErrors),
		StreamClients:   atomic.LoadInt64(&localClients),
		ExportedDevices: atomic.LoadInt64(&localExported),
		ControlRequests: atomic.LoadUint64(&localCtrlReqs),
		ControlFailures: atomic.LoadUint64(&localCtrlFails),
		Malformed:       atomic.LoadUint64(&localMalformed),
	}
}

func IncHostRx() {
	HostRxFrames.Inc()
	atomic.AddUint64(&localHostRx, 1)
}

func IncHostTx() {
	HostTxFrames.Inc()
	atomic.AddUint64(&localHostTx, 1)
}

func IncEcho() {
	EchoFrames.Inc()
	atomic.AddUint64(&localEcho, 1)
}

func IncOverflow() {
	Overflows.Inc()
	atomic.AddUint64(&localOverflow, 1)
}

func IncDrop(reason string) {
	DroppedFrames.WithLabelValues(reason).Inc()
	atomic.AddUint64(&localDropped, 1)
}

// ObserveControl records one control request outcome.
func ObserveControl(request string, err error) {
	result := "ok"
	if err != nil {
		result = "stall"
		atomic.AddUint64(&localCtrlFails, 1)
	}
	ControlRequests.WithLabelValues(request, result).Inc()
	atomic.AddUint64(&localCtrlReqs, 1)
}

func IncURB(dir string) {
	URBs.WithLabelValues(dir).Inc()
}

func IncBusDrop() {
	BusDroppedFrames.Inc()
	atomic.AddUint64(&localBusDrop, 1)
}

func AddStreamClients(delta int) {
	StreamClients.Add(float64(delta))
	atomic.AddInt64(&localClients, int64(delta))
}

func AddExportedDevices(delta int) {
	ExportedDevices.Add(float64(delta))
	atomic.AddInt64(&localExported, int64(delta))
}

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range []string{
		ErrUSBIPWrite, ErrUSBIPRead, ErrHostIn,
		ErrStreamWrite, ErrStreamRead, ErrController, ErrHook,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil {
		return true
	}
	return fn()
}

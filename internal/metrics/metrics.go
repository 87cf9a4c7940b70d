//nolint:gochecknoglobals // prometheus metrics and global state
package metrics

import (
	"errors"
	"strconv"
	"sync/atomic"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

var (
	SightingsTotal = promauto.NewCounterVec(
		prom.CounterOpts{
			Name: "bluetooth_sightings_total",
			Help: "Discovery sightings processed (Counter). Labels: service, mode.",
		},
		[]string{"service", "mode"},
	)
	ScanSessionsTotal = promauto.NewCounterVec(
		prom.CounterOpts{
			Name: "bluetooth_scan_sessions_total",
			Help: "Scan sessions started (Counter). Labels: service, mode.",
		},
		[]string{"service", "mode"},
	)
	ConnectOpsTotal = promauto.NewCounterVec(
		prom.CounterOpts{
			Name: "bluetooth_connect_operations_total",
			Help: "Connect/disconnect operations by outcome (Counter). op=connect|disconnect, outcome=success|error|timeout.",
		},
		[]string{"service", "op", "outcome"},
	)
	HTTPRequestsTotal = promauto.NewCounterVec(
		prom.CounterOpts{
			Name: "http_server_requests_total",
			Help: "HTTP API requests handled (Counter). Labels: service, method, route, status.",
		},
		[]string{"service", "method", "route", "status"},
	)

	DevicesTrackedGauge = promauto.NewGaugeVec(
		prom.GaugeOpts{
			Name: "bluetooth_devices_tracked",
			Help: "Devices currently held in the registry (Gauge).",
		},
		[]string{"service"},
	)
	DevicesConnectedGauge = promauto.NewGaugeVec(
		prom.GaugeOpts{
			Name: "bluetooth_devices_connected",
			Help: "Devices currently connected (Gauge).",
		},
		[]string{"service"},
	)
	ObserversGauge = promauto.NewGaugeVec(
		prom.GaugeOpts{
			Name: "event_observers",
			Help: "Connected event observers (Gauge).",
		},
		[]string{"service"},
	)
	ReadyGauge = promauto.NewGaugeVec(
		prom.GaugeOpts{
			Name: "service_ready",
			Help: "Service readiness: 1=ready, 0=not ready (Gauge).",
		},
		[]string{"service"},
	)

	ConnectDuration = promauto.NewHistogramVec(prom.HistogramOpts{
		Name:    "bluetooth_connect_duration_seconds",
		Help:    "Connect/disconnect operation duration in seconds (Histogram).",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 20.0, 30.0},
	}, []string{"service", "op"})
)

var readyFlag int32 //nolint:gochecknoglobals // service ready flag

var serviceName atomic.Value //nolint:gochecknoglobals // service name // string

// SetService sets the service label value (default: bluehub).
func SetService(name string) { serviceName.Store(name) }

func Service() string {
	if v := serviceName.Load(); v != nil {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}

	return "bluehub"
}

// RegisterCollectors registers default Go and process collectors.
// Should be called once during program startup (e.g., in cmd).
func RegisterCollectors() {
	registerDefault(collectors.NewGoCollector())
	registerDefault(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

func registerDefault(c prom.Collector) {
	if err := prom.Register(c); err != nil {
		var are prom.AlreadyRegisteredError
		if errors.As(err, &are) {
			return
		}
		// best-effort: ignore unexpected errors to avoid panics in init
	}
}

// RecordSighting counts one processed discovery sighting.
func RecordSighting(mode string) {
	SightingsTotal.WithLabelValues(Service(), mode).Inc()
}

// RecordScanSession counts one started scan session.
func RecordScanSession(mode string) {
	ScanSessionsTotal.WithLabelValues(Service(), mode).Inc()
}

// RecordConnectOp counts one connect/disconnect by outcome.
func RecordConnectOp(op, outcome string) {
	ConnectOpsTotal.WithLabelValues(Service(), op, outcome).Inc()
}

// ObserveConnectDuration records how long an adapter operation took.
func ObserveConnectDuration(op string, sec float64) {
	ConnectDuration.WithLabelValues(Service(), op).Observe(sec)
}

// SetDevicesTracked updates the registry size gauge.
func SetDevicesTracked(n int) {
	DevicesTrackedGauge.WithLabelValues(Service()).Set(float64(n))
}

// SetDevicesConnected updates the connected devices gauge.
func SetDevicesConnected(n int) {
	DevicesConnectedGauge.WithLabelValues(Service()).Set(float64(n))
}

// SetObservers updates the observer count gauge.
func SetObservers(n int) {
	ObserversGauge.WithLabelValues(Service()).Set(float64(n))
}

// RecordHTTP increments HTTP requests with OTEL-style labels.
func RecordHTTP(method, route string, status int) {
	HTTPRequestsTotal.WithLabelValues(Service(), method, route, strconv.Itoa(status)).Inc()
}

// SetReady sets readiness and updates the gauge.
func SetReady(v bool) {
	if v {
		atomic.StoreInt32(&readyFlag, 1)
		ReadyGauge.WithLabelValues(Service()).Set(1)
	} else {
		atomic.StoreInt32(&readyFlag, 0)
		ReadyGauge.WithLabelValues(Service()).Set(0)
	}
}

// IsReady returns current readiness flag.
func IsReady() bool { return atomic.LoadInt32(&readyFlag) == 1 }

// Stats represents a lightweight analytics snapshot for the API.
type Stats struct {
	SightingsTotal        float64 `json:"sightings_total"`
	ScanSessionsTotal     float64 `json:"scan_sessions_total"`
	ConnectOpsTotal       float64 `json:"connect_operations_total"`
	ConnectFailuresTotal  float64 `json:"connect_failures_total"`
	ConnectAvgSeconds     float64 `json:"connect_avg_seconds"`
	DevicesTracked        float64 `json:"devices_tracked"`
	DevicesConnected      float64 `json:"devices_connected"`
	Observers             float64 `json:"observers"`
	ServiceReady          float64 `json:"service_ready"`
	HTTPRequestsTotal     float64 `json:"http_requests_total"`
	ConnectTimeoutsTotal  float64 `json:"connect_timeouts_total"`
	ScanSightingsAllTotal float64 `json:"-"`
}

// GatherStats collects basic stats from the default registry for a given service label.
//
//nolint:gocognit,cyclop,funlen
func GatherStats(service string) (Stats, error) {
	mfs, err := prom.DefaultGatherer.Gather()
	if err != nil {
		return Stats{}, err
	}

	var (
		s                  Stats
		durSum, durCount   float64
		failures, timeouts float64
	)

	withService := func(m *dto.Metric) bool {
		for _, lp := range m.GetLabel() {
			if lp.GetName() == "service" && lp.GetValue() == service {
				return true
			}
		}

		return false
	}

	labelValue := func(m *dto.Metric, name string) string {
		for _, lp := range m.GetLabel() {
			if lp.GetName() == name {
				return lp.GetValue()
			}
		}

		return ""
	}

	for _, mf := range mfs {
		switch mf.GetName() {
		case "bluetooth_sightings_total":
			for _, m := range mf.GetMetric() {
				if withService(m) {
					s.SightingsTotal += m.GetCounter().GetValue()
				}
			}
		case "bluetooth_scan_sessions_total":
			for _, m := range mf.GetMetric() {
				if withService(m) {
					s.ScanSessionsTotal += m.GetCounter().GetValue()
				}
			}
		case "bluetooth_connect_operations_total":
			for _, m := range mf.GetMetric() {
				if !withService(m) {
					continue
				}

				v := m.GetCounter().GetValue()
				s.ConnectOpsTotal += v

				switch labelValue(m, "outcome") {
				case "error":
					failures += v
				case "timeout":
					failures += v
					timeouts += v
				}
			}
		case "bluetooth_connect_duration_seconds":
			for _, m := range mf.GetMetric() {
				if withService(m) {
					h := m.GetHistogram()
					durSum += h.GetSampleSum()
					durCount += float64(h.GetSampleCount())
				}
			}
		case "bluetooth_devices_tracked":
			for _, m := range mf.GetMetric() {
				if withService(m) {
					s.DevicesTracked = m.GetGauge().GetValue()
				}
			}
		case "bluetooth_devices_connected":
			for _, m := range mf.GetMetric() {
				if withService(m) {
					s.DevicesConnected = m.GetGauge().GetValue()
				}
			}
		case "event_observers":
			for _, m := range mf.GetMetric() {
				if withService(m) {
					s.Observers = m.GetGauge().GetValue()
				}
			}
		case "service_ready":
			for _, m := range mf.GetMetric() {
				if withService(m) {
					s.ServiceReady = m.GetGauge().GetValue()
				}
			}
		case "http_server_requests_total":
			for _, m := range mf.GetMetric() {
				if withService(m) {
					s.HTTPRequestsTotal += m.GetCounter().GetValue()
				}
			}
		}
	}

	s.ConnectFailuresTotal = failures
	s.ConnectTimeoutsTotal = timeouts

	if durCount > 0 {
		s.ConnectAvgSeconds = durSum / durCount
	}

	return s, nil
}

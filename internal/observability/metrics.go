package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the bot. Each instance
// owns its registry so several controllers can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	Frames         *prometheus.CounterVec
	Dialogs        *prometheus.CounterVec
	ActiveDialogs  prometheus.Gauge
	GatewayErrors  *prometheus.CounterVec
	GatewayLatency prometheus.Histogram
	Reconnects     prometheus.Counter
	RunStatus      *prometheus.GaugeVec

	// Stages keeps a rolling window of phase durations for the status API.
	Stages *StageWindow
}

func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Frames: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Transport frames by direction and packet type.",
		}, []string{"direction", "type"}),
		Dialogs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dialogs_total",
			Help:      "Finished dialogs by end reason.",
		}, []string{"reason"}),
		ActiveDialogs: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_dialogs",
			Help:      "Dialogs currently in progress.",
		}),
		GatewayErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_errors_total",
			Help:      "Reply gateway failures by stage.",
		}, []string{"stage"}),
		GatewayLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_latency_ms",
			Help:      "Reply gateway round trip in milliseconds.",
			Buckets:   []float64{100, 250, 500, 1000, 2000, 4000, 8000, 16000},
		}),
		Reconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Scheduled transport reconnections.",
		}),
		RunStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_status",
			Help:      "1 for the current run status, 0 otherwise.",
		}, []string{"status"}),
		Stages: NewStageWindow(256),
	}
}

func (m *Metrics) ObserveGatewayLatency(d time.Duration) {
	m.GatewayLatency.Observe(float64(d.Milliseconds()))
	m.Stages.Observe(StageGatewayReply, d)
}

func (m *Metrics) ObserveDialog(reason string, d time.Duration) {
	m.Dialogs.WithLabelValues(reason).Inc()
	m.Stages.Observe(StageDialog, d)
	m.Stages.ObserveIndicator(reason)
}

// SetRunStatus flips the run_status gauge to the given status.
func (m *Metrics) SetRunStatus(status string, all ...string) {
	for _, s := range all {
		m.RunStatus.WithLabelValues(s).Set(0)
	}
	m.RunStatus.WithLabelValues(status).Set(1)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Gatherer exposes the registry for tests and embedding.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// Package metrics exposes agent metrics to Prometheus. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"Mansoor88-6/worktime-agent/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "worktime"

var modes = []models.SyncMode{models.ModeOnline, models.ModeOfflineRecovery, models.ModeOffline}

type Metrics struct {
	registry *prometheus.Registry

	QueueSize     prometheus.Gauge
	SyncedTotal   prometheus.Counter
	CycleDuration prometheus.Histogram
	SuccessRate   prometheus.Gauge
	Mode          *prometheus.GaugeVec
	Online        prometheus.Gauge
	ForceLogouts  prometheus.Counter

	RemoteCalls        *prometheus.CounterVec
	RemoteCallDuration *prometheus.HistogramVec
	RemoteRetries      *prometheus.CounterVec

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New registers the agent collectors on reg. A nil reg gets a fresh registry with
// the Go and process collectors.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		QueueSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_size",
			Help:      "Events waiting in the local log",
		}),
		SyncedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_synced_total",
			Help:      "Events delivered to the remote store",
		}),
		CycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_cycle_duration_seconds",
			Help:      "Duration of sync cycles",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300},
		}),
		SuccessRate: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_success_rate",
			Help:      "Rolling success rate of sync cycles",
		}),
		Mode: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_mode",
			Help:      "Current sync mode, 1 for the active one",
		}, []string{"mode"}),
		Online: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "remote_online",
			Help:      "Whether the remote store was reachable in the last cycle",
		}),
		ForceLogouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "force_logouts_total",
			Help:      "Remote session terminations detected",
		}),

		RemoteCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_calls_total",
			Help:      "Remote store calls by operation and result",
		}, []string{"op", "result"}),
		RemoteCallDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "remote_call_duration_seconds",
			Help:      "Duration of remote store calls",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"op"}),
		RemoteRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_retries_total",
			Help:      "Remote store call retries",
		}, []string{"op"}),

		HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Agent API requests",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of agent API requests",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"method", "path"}),
	}
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveCycle records one sync cycle; synced is the number delivered in it
func (m *Metrics) ObserveCycle(stats models.SyncStats, synced int) {
	if m == nil {
		return
	}
	m.QueueSize.Set(float64(stats.QueueSize))
	m.SyncedTotal.Add(float64(synced))
	m.CycleDuration.Observe(stats.LastDuration.Seconds())
	m.SuccessRate.Set(stats.RollingSuccessRate)
	for _, mode := range modes {
		v := 0.0
		if mode == stats.Mode {
			v = 1
		}
		m.Mode.WithLabelValues(string(mode)).Set(v)
	}
	if stats.Online {
		m.Online.Set(1)
	} else {
		m.Online.Set(0)
	}
}

// ObserveForceLogout counts a detected remote termination
func (m *Metrics) ObserveForceLogout() {
	if m == nil {
		return
	}
	m.ForceLogouts.Inc()
}

// ObserveRemoteCall matches client.Options.OnCall
func (m *Metrics) ObserveRemoteCall(op string, d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.RemoteCalls.WithLabelValues(op, result).Inc()
	m.RemoteCallDuration.WithLabelValues(op).Observe(d.Seconds())
}

// ObserveRetry matches client.Options.OnRetry
func (m *Metrics) ObserveRetry(op string, attempt int, wait time.Duration) {
	if m == nil {
		return
	}
	m.RemoteRetries.WithLabelValues(op).Inc()
}

// ObserveHTTP records one agent API request
func (m *Metrics) ObserveHTTP(method, path string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

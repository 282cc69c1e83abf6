// Package metrics provides Prometheus metrics for the agent and the collector.
// Each instance owns its registry so several can coexist in one process.
// All recording methods are safe to call on a nil receiver.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Agent holds the metrics of one forwarding agent.
type Agent struct {
	registry *prometheus.Registry

	filesSent     *prometheus.CounterVec
	bytesSent     prometheus.Counter
	reconnects    prometheus.Counter
	sendFailures  prometheus.Counter
	rotations     prometheus.Counter
	lastHeartbeat prometheus.Gauge
}

// NewAgent creates agent metrics on a fresh registry.
func NewAgent() *Agent {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Agent{
		registry: reg,
		filesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gridsend_files_sent_total",
				Help: "Files processed by the sender, by outcome",
			},
			[]string{"outcome"},
		),
		bytesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "gridsend_payload_bytes_sent_total",
			Help: "Payload bytes of acknowledged files",
		}),
		reconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "gridsend_reconnects_total",
			Help: "Successful reconnections to the collector",
		}),
		sendFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "gridsend_send_failures_total",
			Help: "Transport failures while sending a file",
		}),
		rotations: factory.NewCounter(prometheus.CounterOpts{
			Name: "gridsend_watch_rotations_total",
			Help: "Watch rotations caused by new directories",
		}),
		lastHeartbeat: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gridsend_last_heartbeat_timestamp_seconds",
			Help: "Unix time of the last event loop heartbeat",
		}),
	}
}

// Registry returns the registry backing m.
func (m *Agent) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the HTTP handler exposing m.
func (m *Agent) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordFile records the outcome of one file send. bytes counts only for
// delivered files.
func (m *Agent) RecordFile(outcome string, bytes int64, delivered bool) {
	if m == nil {
		return
	}
	m.filesSent.WithLabelValues(outcome).Inc()
	if delivered {
		m.bytesSent.Add(float64(bytes))
	}
}

// RecordReconnect records a successful reconnection.
func (m *Agent) RecordReconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

// RecordSendFailure records a transport failure.
func (m *Agent) RecordSendFailure() {
	if m == nil {
		return
	}
	m.sendFailures.Inc()
}

// RecordRotation records a watch rotation.
func (m *Agent) RecordRotation() {
	if m == nil {
		return
	}
	m.rotations.Inc()
}

// RecordHeartbeat stamps the event loop heartbeat.
func (m *Agent) RecordHeartbeat(now time.Time) {
	if m == nil {
		return
	}
	m.lastHeartbeat.Set(float64(now.Unix()))
}

// Collector holds the metrics of one collector.
type Collector struct {
	registry *prometheus.Registry

	filesReceived     *prometheus.CounterVec
	bytesReceived     prometheus.Counter
	failureAcks       prometheus.Counter
	connectionsActive prometheus.Gauge
}

// NewCollector creates collector metrics on a fresh registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Collector{
		registry: reg,
		filesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gridsend_collector_files_received_total",
				Help: "Files received, by transport",
			},
			[]string{"transport"},
		),
		bytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "gridsend_collector_payload_bytes_received_total",
			Help: "Payload bytes stored",
		}),
		failureAcks: factory.NewCounter(prometheus.CounterOpts{
			Name: "gridsend_collector_failure_acks_total",
			Help: "Files answered with the failure acknowledgment",
		}),
		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gridsend_collector_connections_active",
			Help: "Currently connected agents",
		}),
	}
}

// Registry returns the registry backing m.
func (m *Collector) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the HTTP handler exposing m.
func (m *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordReceived records a stored file.
func (m *Collector) RecordReceived(transport string, bytes int64) {
	if m == nil {
		return
	}
	m.filesReceived.WithLabelValues(transport).Inc()
	m.bytesReceived.Add(float64(bytes))
}

// RecordFailureAck records a file answered with the failure acknowledgment.
func (m *Collector) RecordFailureAck() {
	if m == nil {
		return
	}
	m.failureAcks.Inc()
}

// ConnectionOpened increments the active connection gauge.
func (m *Collector) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connectionsActive.Inc()
}

// ConnectionClosed decrements the active connection gauge.
func (m *Collector) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connectionsActive.Dec()
}

// Serve exposes handler on addr under /metrics until ctx is done.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listener started", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

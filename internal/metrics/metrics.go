// Package metrics exposes audit decisions and gateway activity as Prometheus
// metrics.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the audit metrics on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	LinesEmitted      *prometheus.CounterVec
	EventsSuppressed  *prometheus.CounterVec
	SectionsMatched   *prometheus.CounterVec
	ConsistencyErrors prometheus.Counter
	SinkFailures      prometheus.Counter
	ActiveSessions    prometheus.Gauge
	SessionsTotal     prometheus.Counter
	ArchivedRecords   prometheus.Counter
	ArchiveFailures   prometheus.Counter
	PolicyReloads     *prometheus.CounterVec
}

// New creates the metrics and registers them, with the Go and process
// collectors, on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		LinesEmitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "duck_audit_lines_emitted_total",
			Help: "Audit lines emitted, by kind and class",
		}, []string{"kind", "class"}),
		EventsSuppressed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "duck_audit_events_suppressed_total",
			Help: "Audit events not logged because no rule section matched",
		}, []string{"class"}),
		SectionsMatched: f.NewCounterVec(prometheus.CounterOpts{
			Name: "duck_audit_sections_matched_total",
			Help: "Rule section matches, by section index",
		}, []string{"section"}),
		ConsistencyErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "duck_audit_consistency_errors_total",
			Help: "Audit stack or statement state inconsistencies detected",
		}),
		SinkFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "duck_audit_sink_failures_total",
			Help: "Audit lines the output sinks failed to accept",
		}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "duck_audit_active_sessions",
			Help: "Client sessions currently open",
		}),
		SessionsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "duck_audit_sessions_total",
			Help: "Client sessions opened since start",
		}),
		ArchivedRecords: f.NewCounter(prometheus.CounterOpts{
			Name: "duck_audit_archived_records_total",
			Help: "Audit records copied to object storage",
		}),
		ArchiveFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "duck_audit_archive_failures_total",
			Help: "Archive batches that failed to upload",
		}),
		PolicyReloads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "duck_audit_policy_reloads_total",
			Help: "Audit policy reloads, by result",
		}, []string{"result"}),
	}
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// LineEmitted implements audit.Observer.
func (m *Metrics) LineEmitted(kind, className string) {
	m.LinesEmitted.WithLabelValues(kind, className).Inc()
}

// EventSuppressed implements audit.Observer.
func (m *Metrics) EventSuppressed(className string) {
	m.EventsSuppressed.WithLabelValues(className).Inc()
}

// SectionMatched implements audit.Observer.
func (m *Metrics) SectionMatched(index int) {
	m.SectionsMatched.WithLabelValues(strconv.Itoa(index)).Inc()
}

// ConsistencyError implements audit.Observer.
func (m *Metrics) ConsistencyError() { m.ConsistencyErrors.Inc() }

// SinkFailed implements audit.Observer.
func (m *Metrics) SinkFailed() { m.SinkFailures.Inc() }

// SessionOpened is called when a client session starts.
func (m *Metrics) SessionOpened() {
	m.ActiveSessions.Inc()
	m.SessionsTotal.Inc()
}

// SessionClosed is called when a client session ends.
func (m *Metrics) SessionClosed() { m.ActiveSessions.Dec() }

// ArchiveUploaded counts records in an uploaded archive batch.
func (m *Metrics) ArchiveUploaded(records int) { m.ArchivedRecords.Add(float64(records)) }

// ArchiveFailed counts a failed archive batch.
func (m *Metrics) ArchiveFailed() { m.ArchiveFailures.Inc() }

// PolicyReloaded counts a policy reload attempt.
func (m *Metrics) PolicyReloaded(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.PolicyReloads.WithLabelValues(result).Inc()
}

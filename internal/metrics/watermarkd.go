package metrics

import "time"

// Metrics holds the watermarkd service metrics. A nil *Metrics records
// nothing.
type Metrics struct {
	registry *Registry

	HandshakesTotal   *Counter
	HandshakeFailures *Counter
	IssuancesTotal    *Counter
	IssuanceFailures  *Counter
	TracesTotal       *Counter
	TraceFailures     *Counter

	PendingSessions *Gauge
	UptimeSeconds   *Gauge

	IssuanceDuration *Histogram
	DocumentBytes    *Histogram

	started time.Time
}

// New registers the watermarkd metrics in registry.
func New(registry *Registry) *Metrics {
	return &Metrics{
		registry: registry,

		HandshakesTotal: registry.Counter("handshakes_total",
			"Handshakes initiated", nil),
		HandshakeFailures: registry.Counter("handshake_failures_total",
			"Handshake messages rejected", nil),
		IssuancesTotal: registry.Counter("issuances_total",
			"Documents issued", nil),
		IssuanceFailures: registry.Counter("issuance_failures_total",
			"Finalize requests that issued no document", nil),
		TracesTotal: registry.Counter("traces_total",
			"Documents traced to a recipient", nil),
		TraceFailures: registry.Counter("trace_failures_total",
			"Trace requests that identified no recipient", nil),

		PendingSessions: registry.Gauge("pending_sessions",
			"Handshake sessions awaiting finalize", nil),
		UptimeSeconds: registry.Gauge("uptime_seconds",
			"Seconds since the daemon started", nil),

		IssuanceDuration: registry.Histogram("issuance_duration_seconds",
			"Time from finalize to stored document", nil, DurationBuckets),
		DocumentBytes: registry.Histogram("issued_document_bytes",
			"Size of issued documents", nil, SizeBuckets),

		started: time.Now(),
	}
}

// Registry returns the registry the metrics live in.
func (m *Metrics) Registry() *Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordHandshake counts an initiation attempt.
func (m *Metrics) RecordHandshake(err error) {
	if m == nil {
		return
	}
	m.HandshakesTotal.Inc()
	if err != nil {
		m.HandshakeFailures.Inc()
	}
}

// RecordIssuance counts a finalize request that issued a document of
// size bytes, or failed with err.
func (m *Metrics) RecordIssuance(d time.Duration, size int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.IssuanceFailures.Inc()
		return
	}
	m.IssuancesTotal.Inc()
	m.IssuanceDuration.ObserveDuration(d)
	m.DocumentBytes.Observe(float64(size))
}

// RecordTrace counts a trace request.
func (m *Metrics) RecordTrace(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.TraceFailures.Inc()
		return
	}
	m.TracesTotal.Inc()
}

// Update refreshes the gauges sampled at read time.
func (m *Metrics) Update(pendingSessions int) {
	if m == nil {
		return
	}
	m.PendingSessions.Set(int64(pendingSessions))
	m.UptimeSeconds.Set(int64(time.Since(m.started).Seconds()))
}

package api

import (
	"sync/atomic"
	"time"
)

// Metrics collects in-memory server metrics using atomic counters.
type Metrics struct {
	startTime       time.Time
	requests        atomic.Int64
	serverErrors    atomic.Int64
	clientErrors    atomic.Int64
	recordsAccepted atomic.Int64
	recordsRejected atomic.Int64
	duplicates      atomic.Int64
	tokensIssued    atomic.Int64
}

// MetricsSnapshot is a point-in-time view of server metrics.
type MetricsSnapshot struct {
	UptimeSeconds   float64 `json:"uptime_seconds"`
	Requests        int64   `json:"requests"`
	ServerErrors    int64   `json:"server_errors"`
	ClientErrors    int64   `json:"client_errors"`
	RecordsAccepted int64   `json:"records_accepted"`
	RecordsRejected int64   `json:"records_rejected"`
	Duplicates      int64   `json:"duplicates"`
	TokensIssued    int64   `json:"tokens_issued"`
}

// NewMetrics creates a new Metrics instance with the current time as start.
func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// RecordRequest increments the total request counter.
func (m *Metrics) RecordRequest() {
	m.requests.Add(1)
}

// RecordError increments the server error (5xx) counter.
func (m *Metrics) RecordError() {
	m.serverErrors.Add(1)
}

// RecordClientError increments the client error (4xx) counter.
func (m *Metrics) RecordClientError() {
	m.clientErrors.Add(1)
}

// RecordPush adds the per-item outcome counts of one push.
func (m *Metrics) RecordPush(accepted, rejected, duplicates int) {
	m.recordsAccepted.Add(int64(accepted))
	m.recordsRejected.Add(int64(rejected))
	m.duplicates.Add(int64(duplicates))
}

// RecordTokenIssued increments the issued token counter.
func (m *Metrics) RecordTokenIssued() {
	m.tokensIssued.Add(1)
}

// Snapshot returns a point-in-time copy of the metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		UptimeSeconds:   time.Since(m.startTime).Seconds(),
		Requests:        m.requests.Load(),
		ServerErrors:    m.serverErrors.Load(),
		ClientErrors:    m.clientErrors.Load(),
		RecordsAccepted: m.recordsAccepted.Load(),
		RecordsRejected: m.recordsRejected.Load(),
		Duplicates:      m.duplicates.Load(),
		TokensIssued:    m.tokensIssued.Load(),
	}
}

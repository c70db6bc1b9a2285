package api

import (
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertBulkKeyExport   AlertType = "bulk_key_export"
	AlertRevocationSpike AlertType = "revocation_spike"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

const (
	defaultKeyExportWindow     = 5 * time.Minute
	defaultKeyExportThreshold  = 10
	defaultRevocationWindow    = 5 * time.Minute
	defaultRevocationThreshold = 25
)

// slidingCounter counts events inside a trailing time window.
type slidingCounter struct {
	times     []time.Time
	window    time.Duration
	threshold int
}

// add records an event at now and reports the count when it reaches the
// threshold, resetting so a single burst alerts once.
func (c *slidingCounter) add(now time.Time) (int, bool) {
	c.times = append(c.times, now)
	c.times = trimWindow(c.times, now, c.window)
	if len(c.times) < c.threshold {
		return 0, false
	}
	n := len(c.times)
	c.times = c.times[:0]
	return n, true
}

// metricsCollector tracks sliding window counters for anomaly detection.
type metricsCollector struct {
	mu sync.Mutex

	keyExports  slidingCounter
	revocations slidingCounter

	now     func() time.Time
	alertFn AlertFunc
}

func newMetricsCollector(alertFn AlertFunc) *metricsCollector {
	return &metricsCollector{
		keyExports:  slidingCounter{window: defaultKeyExportWindow, threshold: defaultKeyExportThreshold},
		revocations: slidingCounter{window: defaultRevocationWindow, threshold: defaultRevocationThreshold},
		now:         time.Now,
		alertFn:     alertFn,
	}
}

// recordEvent inspects an audit event and updates the relevant counters.
func (m *metricsCollector) recordEvent(event AuditEvent) {
	if m == nil || m.alertFn == nil {
		return
	}
	switch event {
	case AuditPrivateKeyExported:
		m.record(&m.keyExports, AlertBulkKeyExport, "private key export rate exceeds threshold")
	case AuditCertRevoked:
		m.record(&m.revocations, AlertRevocationSpike, "certificate revocation rate exceeds threshold")
	}
}

func (m *metricsCollector) record(c *slidingCounter, typ AlertType, msg string) {
	m.mu.Lock()
	now := m.now()
	n, fire := c.add(now)
	m.mu.Unlock()

	if fire {
		m.alertFn(AlertEvent{
			Type:      typ,
			Message:   msg,
			Count:     n,
			Threshold: c.threshold,
			Timestamp: now,
		})
	}
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}

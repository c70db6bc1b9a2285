package api

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type alertRecorder struct {
	mu     sync.Mutex
	alerts []AlertEvent
}

func (r *alertRecorder) record(e AlertEvent) {
	r.mu.Lock()
	r.alerts = append(r.alerts, e)
	r.mu.Unlock()
}

func (r *alertRecorder) snapshot() []AlertEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]AlertEvent(nil), r.alerts...)
}

// fakeClock returns a controllable time source.
func fakeClock() (func() time.Time, func(time.Duration)) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return now }, func(d time.Duration) { now = now.Add(d) }
}

func TestBulkKeyExportAlert(t *testing.T) {
	rec := &alertRecorder{}
	collector := newMetricsCollector(rec.record)
	collector.keyExports.threshold = 3

	for range 2 {
		collector.recordEvent(AuditPrivateKeyExported)
	}
	assert.Empty(t, rec.snapshot(), "no alert below threshold")

	collector.recordEvent(AuditPrivateKeyExported)
	alerts := rec.snapshot()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertBulkKeyExport, alerts[0].Type)
	assert.Equal(t, 3, alerts[0].Count)
	assert.Equal(t, 3, alerts[0].Threshold)
}

func TestRevocationSpikeAlert(t *testing.T) {
	rec := &alertRecorder{}
	collector := newMetricsCollector(rec.record)
	collector.revocations.threshold = 2

	collector.recordEvent(AuditCertRevoked)
	collector.recordEvent(AuditCertIssued)
	assert.Empty(t, rec.snapshot())

	collector.recordEvent(AuditCertRevoked)
	alerts := rec.snapshot()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertRevocationSpike, alerts[0].Type)
}

func TestMetricsNoAlertWithoutCallback(t *testing.T) {
	collector := newMetricsCollector(nil)
	collector.recordEvent(AuditPrivateKeyExported)
}

func TestMetricsNilCollector(t *testing.T) {
	var collector *metricsCollector
	collector.recordEvent(AuditPrivateKeyExported)
}

func TestMetricsSlidingWindowExpiry(t *testing.T) {
	rec := &alertRecorder{}
	collector := newMetricsCollector(rec.record)
	now, advance := fakeClock()
	collector.now = now
	collector.keyExports.threshold = 5
	collector.keyExports.window = time.Minute

	for range 4 {
		collector.recordEvent(AuditPrivateKeyExported)
	}
	advance(2 * time.Minute)

	collector.recordEvent(AuditPrivateKeyExported)
	assert.Empty(t, rec.snapshot(), "old exports should not count after window expiry")
}

func TestMetricsResetAfterAlert(t *testing.T) {
	rec := &alertRecorder{}
	collector := newMetricsCollector(rec.record)
	collector.keyExports.threshold = 3

	for range 3 {
		collector.recordEvent(AuditPrivateKeyExported)
	}
	require.Len(t, rec.snapshot(), 1, "first alert triggered")

	for range 2 {
		collector.recordEvent(AuditPrivateKeyExported)
	}
	assert.Len(t, rec.snapshot(), 1, "no second alert yet")

	collector.recordEvent(AuditPrivateKeyExported)
	assert.Len(t, rec.snapshot(), 2, "second alert triggered")
}

package api

import (
	"log/slog"
	"net/http"
	"time"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditCACreated           AuditEvent = "ca_created"
	AuditCADeleted           AuditEvent = "ca_deleted"
	AuditCertIssued          AuditEvent = "cert_issued"
	AuditCertRevoked         AuditEvent = "cert_revoked"
	AuditCertDeleted         AuditEvent = "cert_deleted"
	AuditPrivateKeyExported  AuditEvent = "private_key_exported"
	AuditIssuanceRateLimited AuditEvent = "issuance_rate_limited"
)

// auditLogger wraps slog.Logger for structured security audit logging.
type auditLogger struct {
	logger  *slog.Logger
	metrics *metricsCollector
	webhook *auditWebhook
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "audit"),
	}
}

// log writes a structured audit log entry and hands the event to the alert
// collector and the webhook, when configured.
func (al *auditLogger) log(event AuditEvent, r *http.Request, clientIP string, attrs ...slog.Attr) {
	now := time.Now().UTC()
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("remote_addr", clientIP),
		slog.String("timestamp", now.Format(time.RFC3339)),
	}
	baseAttrs = append(baseAttrs, attrs...)
	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", baseAttrs...)

	al.metrics.recordEvent(event)
	if al.webhook != nil {
		evt := webhookEvent{
			Event:      string(event),
			RemoteAddr: clientIP,
			Timestamp:  now.Format(time.RFC3339),
		}
		if len(attrs) > 0 {
			evt.Attrs = make(map[string]string, len(attrs))
			for _, a := range attrs {
				evt.Attrs[a.Key] = a.Value.String()
			}
		}
		al.webhook.enqueue(evt)
	}
}

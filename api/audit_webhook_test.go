package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry(t *testing.T) {
	t.Helper()
	prev := webhookRetryDelay
	webhookRetryDelay = 0
	t.Cleanup(func() { webhookRetryDelay = prev })
}

func TestWebhook_SuccessfulDelivery(t *testing.T) {
	var received webhookEvent
	var gotContentType string
	var mu sync.Mutex

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &received)
		gotContentType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := newAuditWebhook(srv.URL, "")
	wh.enqueue(webhookEvent{
		Event:      "cert_issued",
		RemoteAddr: "127.0.0.1",
		Timestamp:  "2026-01-01T00:00:00Z",
		Attrs:      map[string]string{"cert_id": "c-1"},
	})
	wh.close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "cert_issued", received.Event)
	assert.Equal(t, "127.0.0.1", received.RemoteAddr)
	assert.Equal(t, "c-1", received.Attrs["cert_id"])
	assert.Equal(t, "application/json", gotContentType)
}

func TestWebhook_RetryOn500(t *testing.T) {
	fastRetry(t)
	var attempts atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := newAuditWebhook(srv.URL, "")
	wh.enqueue(webhookEvent{Event: "ca_created", Timestamp: "2026-01-01T00:00:00Z"})
	wh.close()

	assert.Equal(t, int32(2), attempts.Load(), "should have retried once after 500")
}

func TestWebhook_NoRetryOn400(t *testing.T) {
	fastRetry(t)
	var attempts atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	wh := newAuditWebhook(srv.URL, "")
	wh.enqueue(webhookEvent{Event: "ca_created", Timestamp: "2026-01-01T00:00:00Z"})
	wh.close()

	assert.Equal(t, int32(1), attempts.Load(), "should not retry on 4xx")
}

func TestWebhook_AuthHeader(t *testing.T) {
	var gotAuth string
	var mu sync.Mutex

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotAuth = r.Header.Get("Authorization")
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := newAuditWebhook(srv.URL, "Authorization: Bearer my-token-123")
	wh.enqueue(webhookEvent{Event: "cert_revoked", Timestamp: "2026-01-01T00:00:00Z"})
	wh.close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "Bearer my-token-123", gotAuth)
}

func TestWebhook_QueueFullNonBlocking(t *testing.T) {
	// No consumer loop: the queue fills and further events are dropped.
	wh := &auditWebhook{events: make(chan webhookEvent, 2)}
	for range 10 {
		wh.enqueue(webhookEvent{Event: "flood"})
	}
	assert.Len(t, wh.events, 2)
}

func TestWebhook_GracefulShutdownDrains(t *testing.T) {
	var count atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := newAuditWebhook(srv.URL, "")
	for range 5 {
		wh.enqueue(webhookEvent{Event: "drain_test", Timestamp: "2026-01-01T00:00:00Z"})
	}
	wh.close()
	wh.close()

	assert.Equal(t, int32(5), count.Load(), "all queued events should be delivered on close")
}

func TestAuditLoggerForwardsToWebhook(t *testing.T) {
	var mu sync.Mutex
	var received []webhookEvent

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		received = append(received, evt)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	al := newAuditLogger(slog.New(slog.DiscardHandler))
	al.webhook = newAuditWebhook(srv.URL, "")

	r := httptest.NewRequest(http.MethodDelete, "/certificates/c-9", nil)
	al.log(AuditCertDeleted, r, "192.0.2.10", slog.String("cert_id", "c-9"))
	al.webhook.close()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, string(AuditCertDeleted), received[0].Event)
	assert.Equal(t, "192.0.2.10", received[0].RemoteAddr)
	assert.Equal(t, "c-9", received[0].Attrs["cert_id"])
}

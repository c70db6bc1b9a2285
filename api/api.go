// Package api exposes the CA hierarchy, certificate issuance and export
// services over HTTP.
package api

import (
	_ "embed"
	"log/slog"
	"net/http"
	"net/netip"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/jmcleod/ironca/authority"
	"github.com/jmcleod/ironca/export"
	"github.com/jmcleod/ironca/issuance"
)

// API holds the dependencies needed by the REST handlers.
type API struct {
	authorities    *authority.Service
	certs          *issuance.Service
	export         *export.Exporter
	logger         *slog.Logger
	audit          *auditLogger
	issueLimiter   *issueRateLimiter
	trustedProxies []netip.Prefix
	alertFn        AlertFunc
	webhook        *auditWebhook
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for request errors and audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.logger = logger
	}
}

// WithTrustedProxies sets the CIDR ranges whose X-Forwarded-For, Forwarded
// and X-Real-IP headers are honored when identifying the client.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(a *API) {
		a.trustedProxies = prefixes
	}
}

// WithIssueRateLimit caps key-generating requests (CA and certificate
// creation) per client per minute. Zero or less disables the limit.
func WithIssueRateLimit(perMinute int) Option {
	return func(a *API) {
		if perMinute <= 0 {
			a.issueLimiter = nil
			return
		}
		a.issueLimiter = newIssueRateLimiter(perMinute)
	}
}

// WithAlertFunc installs a callback for anomalies such as a burst of private
// key exports.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) {
		a.alertFn = fn
	}
}

// WithAuditWebhook forwards every audit event to url. header, if not empty,
// is sent with each request and has the form "Name: value".
func WithAuditWebhook(url, header string) Option {
	return func(a *API) {
		if url == "" {
			return
		}
		a.webhook = newAuditWebhook(url, header)
	}
}

// New creates a new API instance.
func New(authorities *authority.Service, certs *issuance.Service, exporter *export.Exporter, opts ...Option) *API {
	a := &API{
		authorities:  authorities,
		certs:        certs,
		export:       exporter,
		issueLimiter: newIssueRateLimiter(defaultIssuePerMinute),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	a.logger = a.logger.With("component", "api")
	a.audit = newAuditLogger(a.logger)
	a.audit.metrics = newMetricsCollector(a.alertFn)
	a.audit.webhook = a.webhook
	return a
}

// Close stops background work started by the API, draining queued audit
// webhook deliveries.
func (a *API) Close() {
	if a.webhook != nil {
		a.webhook.close()
	}
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	r.Route("/cas", func(r chi.Router) {
		r.With(a.limitIssuance).Post("/root", a.CreateRootCA)
		r.With(a.limitIssuance).Post("/intermediate", a.CreateIntermediateCA)
		r.Get("/", a.ListCAs)
		r.Get("/{caID}", a.GetCA)
		r.Get("/{caID}/chain", a.GetCAChain)
		r.Delete("/{caID}", a.DeleteCA)
	})

	r.Route("/certificates", func(r chi.Router) {
		r.With(a.limitIssuance).Post("/server", a.CreateServerCertificate)
		r.With(a.limitIssuance).Post("/client", a.CreateClientCertificate)
		r.Get("/", a.ListCertificates)
		r.Get("/{certID}", a.GetCertificate)
		r.Post("/{certID}/revoke", a.RevokeCertificate)
		r.Delete("/{certID}", a.DeleteCertificate)
	})

	r.Route("/export/{entityID}", func(r chi.Router) {
		r.Get("/pem", a.ExportPEM)
		r.Get("/der", a.ExportDER)
		r.Get("/p12", a.ExportPKCS12)
		r.Get("/chain", a.ExportChain)
	})

	return r
}

// Handler returns the API mounted under /api/v1 next to /health, wrapped in
// security headers and OpenTelemetry HTTP instrumentation.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(SecurityHeaders)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
	})
	r.Mount("/api/v1", a.Router())
	return otelhttp.NewHandler(r, "ironca.http")
}

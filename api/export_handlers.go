package api

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/ironca/export"
)

// ExportPEM handles GET /export/{entityID}/pem?type=cert|key|both. A
// "keyPassword" query parameter encrypts the key as PKCS#8.
func (a *API) ExportPEM(w http.ResponseWriter, r *http.Request) {
	kind, err := export.ParsePEMKind(r.URL.Query().Get("type"))
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	art, err := a.export.PEM(r.Context(), chi.URLParam(r, "entityID"), export.PEMOptions{
		Kind:        kind,
		KeyPassword: r.URL.Query().Get("keyPassword"),
	})
	a.writeArtifact(w, r, art, err, "pem")
}

// ExportDER handles GET /export/{entityID}/der.
func (a *API) ExportDER(w http.ResponseWriter, r *http.Request) {
	art, err := a.export.DER(r.Context(), chi.URLParam(r, "entityID"))
	a.writeArtifact(w, r, art, err, "der")
}

// ExportPKCS12 handles GET /export/{entityID}/p12?password=.
func (a *API) ExportPKCS12(w http.ResponseWriter, r *http.Request) {
	art, err := a.export.PKCS12(r.Context(), chi.URLParam(r, "entityID"), r.URL.Query().Get("password"))
	a.writeArtifact(w, r, art, err, "p12")
}

// ExportChain handles GET /export/{entityID}/chain.
func (a *API) ExportChain(w http.ResponseWriter, r *http.Request) {
	art, err := a.export.Chain(r.Context(), chi.URLParam(r, "entityID"))
	a.writeArtifact(w, r, art, err, "chain")
}

func (a *API) writeArtifact(w http.ResponseWriter, r *http.Request, art *export.Artifact, err error, format string) {
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	if art.IncludesKey {
		a.audit.log(AuditPrivateKeyExported, r, a.extractClientIP(r),
			slog.String("entity_id", chi.URLParam(r, "entityID")),
			slog.String("format", format),
		)
	}
	w.Header().Set("Content-Type", art.ContentType)
	w.Header().Set("Content-Disposition", contentDisposition(art.Filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(art.Data)))
	w.WriteHeader(http.StatusOK)
	w.Write(art.Data)
}

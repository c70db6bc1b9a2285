package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/ironca/authority"
	"github.com/jmcleod/ironca/issuance"
	"github.com/jmcleod/ironca/records"
)

// CreateRootCA handles POST /cas/root.
func (a *API) CreateRootCA(w http.ResponseWriter, r *http.Request) {
	var req authority.CreateRootRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.mapError(w, r, err)
		return
	}
	ca, err := a.authorities.CreateRoot(r.Context(), req)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	a.auditCA(AuditCACreated, r, ca)
	writeJSON(w, http.StatusCreated, newCAResponse(ca))
}

// CreateIntermediateCA handles POST /cas/intermediate.
func (a *API) CreateIntermediateCA(w http.ResponseWriter, r *http.Request) {
	var req authority.CreateIntermediateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.mapError(w, r, err)
		return
	}
	ca, err := a.authorities.CreateIntermediate(r.Context(), req)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	a.auditCA(AuditCACreated, r, ca, slog.String("parent_id", ca.ParentID))
	writeJSON(w, http.StatusCreated, newCAResponse(ca))
}

// ListCAs handles GET /cas?type=&status=.
func (a *API) ListCAs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	typ, err := records.ParseCAType(q.Get("type"))
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	status, err := records.ParseStatus(q.Get("status"))
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	cas, err := a.authorities.List(r.Context(), records.CAFilter{Type: typ, Status: status})
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	page, meta := paginate(cas, r)
	writeJSON(w, http.StatusOK, ListCAsResponse{CAs: mapSlice(page, newCAResponse), PaginationMeta: meta})
}

// GetCA handles GET /cas/{caID}.
func (a *API) GetCA(w http.ResponseWriter, r *http.Request) {
	ca, err := a.authorities.Get(r.Context(), chi.URLParam(r, "caID"))
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newCAResponse(ca))
}

// GetCAChain handles GET /cas/{caID}/chain.
func (a *API) GetCAChain(w http.ResponseWriter, r *http.Request) {
	chain, err := a.authorities.Chain(r.Context(), chi.URLParam(r, "caID"))
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	entries := make([]ChainEntry, len(chain))
	for i, ca := range chain {
		certPEM, err := a.authorities.CertificatePEM(ca)
		if err != nil {
			a.mapError(w, r, err)
			return
		}
		entries[i] = ChainEntry{CAResponse: newCAResponse(ca), Certificate: string(certPEM)}
	}
	writeJSON(w, http.StatusOK, ChainResponse{Chain: entries})
}

// DeleteCA handles DELETE /cas/{caID}.
func (a *API) DeleteCA(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "caID")
	if err := a.authorities.Delete(r.Context(), id); err != nil {
		a.mapError(w, r, err)
		return
	}
	a.audit.log(AuditCADeleted, r, a.extractClientIP(r), slog.String("ca_id", id))
	w.WriteHeader(http.StatusNoContent)
}

// CreateServerCertificate handles POST /certificates/server.
func (a *API) CreateServerCertificate(w http.ResponseWriter, r *http.Request) {
	a.createCertificate(w, r, a.certs.CreateServer)
}

// CreateClientCertificate handles POST /certificates/client.
func (a *API) CreateClientCertificate(w http.ResponseWriter, r *http.Request) {
	a.createCertificate(w, r, a.certs.CreateClient)
}

func (a *API) createCertificate(w http.ResponseWriter, r *http.Request, issue func(context.Context, issuance.IssueRequest) (*records.Certificate, error)) {
	var req issuance.IssueRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.mapError(w, r, err)
		return
	}
	cert, err := issue(r.Context(), req)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	a.auditCert(AuditCertIssued, r, cert)
	writeJSON(w, http.StatusCreated, newCertificateResponse(cert))
}

// ListCertificates handles GET /certificates?caId=&type=&status=.
func (a *API) ListCertificates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	typ, err := records.ParseCertType(q.Get("type"))
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	status, err := records.ParseStatus(q.Get("status"))
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	certs, err := a.certs.List(r.Context(), records.CertificateFilter{CAID: q.Get("caId"), Type: typ, Status: status})
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	page, meta := paginate(certs, r)
	writeJSON(w, http.StatusOK, ListCertificatesResponse{Certificates: mapSlice(page, newCertificateResponse), PaginationMeta: meta})
}

// GetCertificate handles GET /certificates/{certID}.
func (a *API) GetCertificate(w http.ResponseWriter, r *http.Request) {
	cert, err := a.certs.Get(r.Context(), chi.URLParam(r, "certID"))
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newCertificateResponse(cert))
}

// RevokeCertificate handles POST /certificates/{certID}/revoke.
func (a *API) RevokeCertificate(w http.ResponseWriter, r *http.Request) {
	cert, err := a.certs.Revoke(r.Context(), chi.URLParam(r, "certID"))
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	a.auditCert(AuditCertRevoked, r, cert)
	writeJSON(w, http.StatusOK, newCertificateResponse(cert))
}

// DeleteCertificate handles DELETE /certificates/{certID}.
func (a *API) DeleteCertificate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "certID")
	if err := a.certs.Delete(r.Context(), id); err != nil {
		a.mapError(w, r, err)
		return
	}
	a.audit.log(AuditCertDeleted, r, a.extractClientIP(r), slog.String("cert_id", id))
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) auditCA(event AuditEvent, r *http.Request, ca *records.CertificateAuthority, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("ca_id", ca.ID),
		slog.String("ca_type", string(ca.Type)),
		slog.String("key_algorithm", ca.KeyAlgorithm),
		slog.String("serial", ca.SerialNumber),
	}
	a.audit.log(event, r, a.extractClientIP(r), append(attrs, extra...)...)
}

func (a *API) auditCert(event AuditEvent, r *http.Request, cert *records.Certificate) {
	a.audit.log(event, r, a.extractClientIP(r),
		slog.String("cert_id", cert.ID),
		slog.String("ca_id", cert.CAID),
		slog.String("cert_type", string(cert.Type)),
		slog.String("serial", cert.SerialNumber),
	)
}

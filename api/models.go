package api

import (
	"time"

	"github.com/jmcleod/ironca/records"
)

// CAResponse is the public view of a CA. Artifact locations stay on the
// server.
type CAResponse struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Type         records.CAType  `json:"type"`
	ParentID     string          `json:"parentId"`
	Subject      records.Subject `json:"subject"`
	KeyAlgorithm string          `json:"keyAlgorithm"`
	SerialNumber string          `json:"serialNumber"`
	NotBefore    time.Time       `json:"notBefore"`
	NotAfter     time.Time       `json:"notAfter"`
	Fingerprint  string          `json:"fingerprint"`
	Status       records.Status  `json:"status"`
	CreatedAt    time.Time       `json:"createdAt"`
}

func newCAResponse(ca *records.CertificateAuthority) CAResponse {
	return CAResponse{
		ID:           ca.ID,
		Name:         ca.Name,
		Type:         ca.Type,
		ParentID:     ca.ParentID,
		Subject:      ca.Subject,
		KeyAlgorithm: ca.KeyAlgorithm,
		SerialNumber: ca.SerialNumber,
		NotBefore:    ca.NotBefore,
		NotAfter:     ca.NotAfter,
		Fingerprint:  ca.Fingerprint,
		Status:       ca.Status,
		CreatedAt:    ca.CreatedAt,
	}
}

// CertificateResponse is the public view of an issued certificate.
type CertificateResponse struct {
	ID           string           `json:"id"`
	CAID         string           `json:"caId"`
	Type         records.CertType `json:"type"`
	Subject      records.Subject  `json:"subject"`
	SANDNS       []string         `json:"sanDns"`
	SANIPs       []string         `json:"sanIps"`
	KeyAlgorithm string           `json:"keyAlgorithm"`
	SerialNumber string           `json:"serialNumber"`
	NotBefore    time.Time        `json:"notBefore"`
	NotAfter     time.Time        `json:"notAfter"`
	Fingerprint  string           `json:"fingerprint"`
	Status       records.Status   `json:"status"`
	CreatedAt    time.Time        `json:"createdAt"`
}

func newCertificateResponse(c *records.Certificate) CertificateResponse {
	return CertificateResponse{
		ID:           c.ID,
		CAID:         c.CAID,
		Type:         c.Type,
		Subject:      c.Subject,
		SANDNS:       c.SANDNS,
		SANIPs:       c.SANIPs,
		KeyAlgorithm: c.KeyAlgorithm,
		SerialNumber: c.SerialNumber,
		NotBefore:    c.NotBefore,
		NotAfter:     c.NotAfter,
		Fingerprint:  c.Fingerprint,
		Status:       c.Status,
		CreatedAt:    c.CreatedAt,
	}
}

func mapSlice[T, R any](in []T, fn func(T) R) []R {
	out := make([]R, len(in))
	for i, v := range in {
		out[i] = fn(v)
	}
	return out
}

// ListCAsResponse is returned from GET /cas.
type ListCAsResponse struct {
	CAs []CAResponse `json:"cas"`
	PaginationMeta
}

// ChainEntry is one CA in a chain response with its PEM certificate.
type ChainEntry struct {
	CAResponse
	Certificate string `json:"certificate"`
}

// ChainResponse is returned from GET /cas/{caID}/chain, child first and root
// last.
type ChainResponse struct {
	Chain []ChainEntry `json:"chain"`
}

// ListCertificatesResponse is returned from GET /certificates.
type ListCertificatesResponse struct {
	Certificates []CertificateResponse `json:"certificates"`
	PaginationMeta
}

// HealthResponse is returned from GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is returned for all error cases. Field names the offending
// input for validation errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

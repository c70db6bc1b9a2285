package keystore

import (
	"errors"
	"log/slog"
)

// Artifacts pairs the key store and certificate store so an entity's two
// files are written and removed together.
type Artifacts struct {
	Keys   *Store
	Certs  *CertStore
	logger *slog.Logger
}

// NewArtifacts combines keys and certs.
func NewArtifacts(keys *Store, certs *CertStore) *Artifacts {
	return &Artifacts{Keys: keys, Certs: certs, logger: keys.logger}
}

// Save writes the encrypted key material and then the certificate PEM for id.
// If the certificate write fails the key artifact is removed again, so either
// both paths are returned or neither file is left behind.
func (a *Artifacts) Save(id string, material, certPEM []byte) (keyPath, certPath string, err error) {
	keyPath, err = a.Keys.Save(id, material)
	if err != nil {
		return "", "", err
	}
	certPath, err = a.Certs.Save(id, certPEM)
	if err != nil {
		a.discard(keyPath, "")
		return "", "", err
	}
	return keyPath, certPath, nil
}

// Remove deletes the key artifact and then the certificate artifact. Missing
// files are ignored; both deletions are attempted even if the first fails.
func (a *Artifacts) Remove(keyPath, certPath string) error {
	var errKey, errCert error
	if keyPath != "" {
		errKey = a.Keys.Delete(keyPath)
	}
	if certPath != "" {
		errCert = a.Certs.Delete(certPath)
	}
	return errors.Join(errKey, errCert)
}

// Discard is Remove for cleanup paths: failures are logged rather than
// returned so they do not mask the error that triggered the cleanup.
func (a *Artifacts) Discard(keyPath, certPath string) {
	a.discard(keyPath, certPath)
}

func (a *Artifacts) discard(keyPath, certPath string) {
	if err := a.Remove(keyPath, certPath); err != nil {
		a.logger.Error("failed to remove orphaned artifacts",
			"key_path", keyPath,
			"cert_path", certPath,
			"error", err,
		)
	}
}

package keystore

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmcleod/ironca/errs"
)

const certSuffix = ".crt"

// CertStore keeps certificate PEMs as plain files, one per entity.
type CertStore struct {
	dir    string
	logger *slog.Logger
}

// NewCertStore prepares dir for certificate artifacts.
func NewCertStore(dir string, logger *slog.Logger) (*CertStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating certificate directory: %w", err)
	}
	return &CertStore{dir: dir, logger: logger.With("component", "certstore")}, nil
}

// Dir returns the artifact directory.
func (c *CertStore) Dir() string { return c.dir }

// PathFor returns where the certificate for id is stored.
func (c *CertStore) PathFor(id string) string {
	return filepath.Join(c.dir, id+certSuffix)
}

// Save writes certPEM for id and returns its path.
func (c *CertStore) Save(id string, certPEM []byte) (string, error) {
	if err := validateID(id); err != nil {
		return "", err
	}
	path := c.PathFor(id)
	if err := writeFileAtomic(path, certPEM, 0o644, c.logger); err != nil {
		return "", fmt.Errorf("writing certificate artifact: %w", err)
	}
	return path, nil
}

// Load reads the certificate PEM at path.
func (c *CertStore) Load(path string) ([]byte, error) {
	if err := checkCertPath(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(c.resolve(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("certificate artifact %s: %w", filepath.Base(path), ErrArtifactNotFound)
		}
		return nil, fmt.Errorf("reading certificate artifact: %w", err)
	}
	return data, nil
}

// Delete removes the certificate at path. A missing file is not an error.
func (c *CertStore) Delete(path string) error {
	if err := checkCertPath(path); err != nil {
		return err
	}
	return removeIfExists(c.resolve(path))
}

func (c *CertStore) resolve(path string) string {
	if filepath.IsAbs(path) || strings.HasPrefix(filepath.Clean(path), filepath.Clean(c.dir)+string(filepath.Separator)) {
		return path
	}
	return filepath.Join(c.dir, path)
}

func checkCertPath(path string) error {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, certSuffix) {
		return errs.Validationf("certPath", "not a certificate artifact: %q", base)
	}
	return validateID(strings.TrimSuffix(base, certSuffix))
}

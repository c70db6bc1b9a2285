// Package testenv builds record stores and artifact directories for tests.
package testenv

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironca/internal/util"
	"github.com/jmcleod/ironca/keystore"
	"github.com/jmcleod/ironca/records"
	"github.com/jmcleod/ironca/storage"
	"github.com/jmcleod/ironca/storage/memory"
)

// Secret is the key-encryption secret used by New.
const Secret = "test key encryption secret"

// Env is a fresh record store and pair of artifact directories.
type Env struct {
	Repo      storage.Repository
	Store     *records.Store
	Keys      *keystore.Store
	Certs     *keystore.CertStore
	Artifacts *keystore.Artifacts
}

// FastKDF lowers the argon2id memory cost so tests do not spend most of
// their time deriving keys.
func FastKDF() util.Argon2idParams {
	p := util.DefaultArgon2idParams()
	p.MemoryKiB = 8 * 1024
	return p
}

// New returns an Env backed by an in-memory repository.
func New(t testing.TB) *Env {
	return NewWithRepo(t, memory.NewRepository())
}

// NewWithRepo returns an Env over repo.
func NewWithRepo(t testing.TB, repo storage.Repository) *Env {
	t.Helper()
	dir := t.TempDir()
	keys, err := keystore.New(filepath.Join(dir, "keys"), Secret, keystore.WithKDFParams(FastKDF()))
	require.NoError(t, err)
	certs, err := keystore.NewCertStore(filepath.Join(dir, "certs"), nil)
	require.NoError(t, err)

	store := records.NewStore(repo)
	t.Cleanup(func() {
		keys.Close()
		_ = store.Close()
	})
	return &Env{
		Repo:      repo,
		Store:     store,
		Keys:      keys,
		Certs:     certs,
		Artifacts: keystore.NewArtifacts(keys, certs),
	}
}

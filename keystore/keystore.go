// Package keystore persists private key material encrypted at rest and
// certificate PEMs in plain files.
//
// Every key artifact is sealed with AES-256-GCM under a key-encryption key
// (KEK) derived from the configured secret with argon2id. The KEK lives in a
// memguard enclave and is only unsealed for the duration of one encrypt or
// decrypt call. Decrypted key material is handed to callers inside a locked
// buffer that is destroyed when the callback returns.
package keystore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/ironca/errs"
	icrypto "github.com/jmcleod/ironca/internal/crypto"
	"github.com/jmcleod/ironca/internal/util"
)

const (
	artifactVersion = 1
	artifactScheme  = "aes256gcm"
	keySuffix       = ".key.enc"

	// kdfSalt is fixed for the application: the secret is a deployment-wide
	// configuration value rather than a per-user password.
	kdfSalt = "ironca-key-store-v1"
)

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("key store is closed")
	// ErrArtifactNotFound is returned when an artifact file is missing.
	ErrArtifactNotFound = errs.New(errs.ErrNotFound, "artifact not found")
)

// artifact is the on-disk JSON form of an encrypted key. All byte fields are
// hex encoded.
type artifact struct {
	Version    int    `json:"version"`
	Scheme     string `json:"scheme"`
	IV         string `json:"iv"`
	Ciphertext string `json:"ciphertext"`
	AuthTag    string `json:"authTag"`
}

// Store encrypts and decrypts key artifacts under one directory.
type Store struct {
	dir    string
	logger *slog.Logger

	mu  sync.RWMutex
	kek *memguard.Enclave
}

type options struct {
	logger    *slog.Logger
	kdfParams util.Argon2idParams
}

// Option configures a Store.
type Option func(*options)

// WithLogger sets the logger used for non-fatal warnings.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithKDFParams overrides the argon2id parameters used to derive the KEK.
func WithKDFParams(p util.Argon2idParams) Option {
	return func(o *options) {
		o.kdfParams = p
	}
}

// New derives the KEK from secret and prepares dir for key artifacts.
func New(dir, secret string, opts ...Option) (*Store, error) {
	o := options{
		logger:    slog.Default(),
		kdfParams: util.DefaultArgon2idParams(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if secret == "" {
		return nil, errs.Validationf("keyEncryptionSecret", "must not be empty")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating key directory: %w", err)
	}

	// Equivalent spellings of a non-ASCII secret derive the same key.
	kek, err := util.DeriveArgon2idKey(util.Normalize(secret), []byte(kdfSalt), o.kdfParams)
	if err != nil {
		return nil, errs.Crypto("derive key-encryption key", err)
	}

	return &Store{
		dir:    dir,
		logger: o.logger.With("component", "keystore"),
		// NewEnclave wipes kek.
		kek: memguard.NewEnclave(kek),
	}, nil
}

// Dir returns the artifact directory.
func (s *Store) Dir() string { return s.dir }

// Close drops the KEK. Later calls fail with ErrClosed.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kek = nil
}

// PathFor returns where the artifact for id is stored.
func (s *Store) PathFor(id string) string {
	return filepath.Join(s.dir, id+keySuffix)
}

// Save encrypts material and writes it as the artifact for id, returning its
// path. An existing artifact for id is replaced.
func (s *Store) Save(id string, material []byte) (string, error) {
	if err := validateID(id); err != nil {
		return "", err
	}

	box, err := s.seal(material, icrypto.AADKeyArtifact(id, artifactVersion))
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(artifact{
		Version:    artifactVersion,
		Scheme:     artifactScheme,
		IV:         util.HexEncode(box.Nonce),
		Ciphertext: util.HexEncode(box.Ciphertext),
		AuthTag:    util.HexEncode(box.Tag),
	})
	if err != nil {
		return "", fmt.Errorf("encoding key artifact: %w", err)
	}

	path := s.PathFor(id)
	if err := writeFileAtomic(path, data, 0o600, s.logger); err != nil {
		return "", fmt.Errorf("writing key artifact: %w", err)
	}
	return path, nil
}

// Load decrypts the artifact at path. Any tampering or corruption yields a
// CryptoError; garbage plaintext is never returned. The caller owns the
// returned slice and should wipe it; prefer Use.
func (s *Store) Load(path string) ([]byte, error) {
	id, err := s.idFromPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.resolve(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("key artifact %s: %w", id, ErrArtifactNotFound)
		}
		return nil, fmt.Errorf("reading key artifact: %w", err)
	}

	var a artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, errs.Crypto("decode key artifact", err)
	}
	if a.Version != artifactVersion || a.Scheme != artifactScheme {
		return nil, errs.Crypto("decode key artifact", fmt.Errorf("unsupported artifact version %d scheme %q", a.Version, a.Scheme))
	}
	box := &util.SealedBox{}
	for _, f := range []struct {
		dst *[]byte
		src string
	}{{&box.Nonce, a.IV}, {&box.Ciphertext, a.Ciphertext}, {&box.Tag, a.AuthTag}} {
		b, err := util.HexDecode(f.src)
		if err != nil {
			return nil, errs.Crypto("decode key artifact", err)
		}
		*f.dst = b
	}

	return s.open(box, icrypto.AADKeyArtifact(id, a.Version))
}

// Use decrypts the artifact at path into a locked buffer, calls fn with its
// contents and destroys the buffer when fn returns. fn must not retain the
// slice.
func (s *Store) Use(path string, fn func(material []byte) error) error {
	plain, err := s.Load(path)
	if err != nil {
		return err
	}
	// NewBufferFromBytes wipes plain.
	buf := memguard.NewBufferFromBytes(plain)
	defer buf.Destroy()
	return fn(buf.Bytes())
}

// Delete removes the artifact at path. A missing artifact is not an error.
func (s *Store) Delete(path string) error {
	if _, err := s.idFromPath(path); err != nil {
		return err
	}
	return removeIfExists(s.resolve(path))
}

func (s *Store) seal(plain, aad []byte) (*util.SealedBox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.kek == nil {
		return nil, ErrClosed
	}
	kekBuf, err := s.kek.Open()
	if err != nil {
		return nil, errs.Crypto("open key-encryption key", err)
	}
	defer kekBuf.Destroy()

	box, err := util.SealAESGCM(plain, kekBuf.Bytes(), aad)
	if err != nil {
		return nil, errs.Crypto("encrypt key artifact", err)
	}
	return box, nil
}

func (s *Store) open(box *util.SealedBox, aad []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.kek == nil {
		return nil, ErrClosed
	}
	kekBuf, err := s.kek.Open()
	if err != nil {
		return nil, errs.Crypto("open key-encryption key", err)
	}
	defer kekBuf.Destroy()

	plain, err := util.OpenAESGCM(box, kekBuf.Bytes(), aad)
	if err != nil {
		return nil, errs.Crypto("decrypt key artifact", err)
	}
	return plain, nil
}

func (s *Store) resolve(path string) string {
	if filepath.IsAbs(path) || strings.HasPrefix(filepath.Clean(path), filepath.Clean(s.dir)+string(filepath.Separator)) {
		return path
	}
	return filepath.Join(s.dir, path)
}

func (s *Store) idFromPath(path string) (string, error) {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, keySuffix) {
		return "", errs.Validationf("keyPath", "not a key artifact: %q", base)
	}
	id := strings.TrimSuffix(base, keySuffix)
	return id, validateID(id)
}

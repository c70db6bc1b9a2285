package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/ironca/authority"
	"github.com/jmcleod/ironca/config"
	"github.com/jmcleod/ironca/export"
	"github.com/jmcleod/ironca/internal/telemetry"
	"github.com/jmcleod/ironca/issuance"
	"github.com/jmcleod/ironca/keystore"
	"github.com/jmcleod/ironca/pki"
	"github.com/jmcleod/ironca/records"
	"github.com/jmcleod/ironca/storage"
	bboltstorage "github.com/jmcleod/ironca/storage/bbolt"
	"github.com/jmcleod/ironca/storage/memory"
	"github.com/jmcleod/ironca/storage/postgres"
	"github.com/jmcleod/ironca/storage/sqlstore"
)

// boltOpenTimeout bounds the wait for the bbolt file lock, which a running
// server holds.
const boltOpenTimeout = 2 * time.Second

// app is the wired set of services behind every command.
type app struct {
	cfg         *config.Config
	logger      *slog.Logger
	store       *records.Store
	keys        *keystore.Store
	authorities *authority.Service
	certs       *issuance.Service
	exporter    *export.Exporter

	shutdownTracer func(context.Context) error
}

func openApp(ctx context.Context, cfg *config.Config, logOut io.Writer) (_ *app, err error) {
	level, err := telemetry.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	logger := telemetry.NewLogger(logOut, level)

	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close(ctx)
		}
	}()

	if a.shutdownTracer, err = telemetry.InitTracer(ctx, cfg.TracerConfig()); err != nil {
		return nil, err
	}

	repo, err := openRepository(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.store = records.NewStore(repo)

	if a.keys, err = keystore.New(cfg.Paths.Keys, cfg.Security.KeyEncryptionSecret, keystore.WithLogger(logger)); err != nil {
		return nil, fmt.Errorf("opening key store: %w", err)
	}
	certs, err := keystore.NewCertStore(cfg.Paths.Certs, logger)
	if err != nil {
		return nil, fmt.Errorf("opening certificate store: %w", err)
	}
	artifacts := keystore.NewArtifacts(a.keys, certs)

	keygen := pki.NewKeyGenerator(0)
	a.authorities = authority.New(a.store, artifacts,
		authority.WithLogger(logger),
		authority.WithKeyGenerator(keygen),
		authority.WithDefaults(authority.Defaults{
			KeyAlgorithm:             cfg.KeyAlgorithm(),
			RootValidityDays:         cfg.Defaults.ValidityDays.RootCA,
			IntermediateValidityDays: cfg.Defaults.ValidityDays.IntermediateCA,
		}),
	)
	a.certs = issuance.New(a.store, artifacts, a.authorities,
		issuance.WithLogger(logger),
		issuance.WithKeyGenerator(keygen),
		issuance.WithDefaults(issuance.Defaults{
			ServerValidityDays: cfg.Defaults.ValidityDays.Server,
			ClientValidityDays: cfg.Defaults.ValidityDays.Client,
		}),
	)
	a.exporter = export.New(a.store, artifacts,
		export.WithLogger(logger),
		export.WithECKeysInPKCS12(cfg.Export.PKCS12IncludeECKeys),
	)
	return a, nil
}

// openRepository opens the record store backend named by cfg.Store.Driver.
func openRepository(ctx context.Context, cfg *config.Config) (storage.Repository, error) {
	switch cfg.Store.Driver {
	case config.DriverMemory:
		return memory.NewRepository(), nil
	case config.DriverBbolt:
		if err := os.MkdirAll(filepath.Dir(cfg.Store.DSN), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		repo, err := bboltstorage.NewRepositoryFromFile(cfg.Store.DSN, &bbolt.Options{Timeout: boltOpenTimeout})
		if err != nil {
			return nil, fmt.Errorf("failed to open record store: %w", err)
		}
		return repo, nil
	case config.DriverPostgres:
		repo, err := postgres.NewRepositoryFromDSN(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, err
		}
		return repo, nil
	case config.DriverSQLite, config.DriverMySQL:
		if cfg.Store.Driver == config.DriverSQLite {
			if err := os.MkdirAll(filepath.Dir(cfg.Store.DSN), 0o700); err != nil {
				return nil, fmt.Errorf("failed to create data directory: %w", err)
			}
		}
		repo, err := sqlstore.Open(cfg.Store.Driver, cfg.Store.DSN, sqlstore.WithTracing(cfg.Telemetry.Enabled))
		if err != nil {
			return nil, err
		}
		return repo, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// Close releases the record store and key store and flushes traces.
func (a *app) Close(ctx context.Context) error {
	var errList []error
	if a.store != nil {
		errList = append(errList, a.store.Close())
	}
	if a.keys != nil {
		a.keys.Close()
	}
	if a.shutdownTracer != nil {
		errList = append(errList, a.shutdownTracer(ctx))
	}
	return errors.Join(errList...)
}

// withApp opens the services for one command and closes them afterwards.
func withApp(ctx context.Context, opts *rootOptions, logOut io.Writer, fn func(*app) error) (err error) {
	a, err := openApp(ctx, opts.cfg, logOut)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(context.WithoutCancel(ctx)); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(a)
}

// Package sqlstore implements storage.Repository on gorm, for SQLite and
// MySQL deployments.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/jmcleod/ironca/storage"
)

// Supported drivers.
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// recordModel is the gorm model of one stored record.
type recordModel struct {
	Collection string `gorm:"type:varchar(64);primaryKey"`
	RecordID   string `gorm:"type:varchar(128);primaryKey"`
	Data       []byte `gorm:"not null"`
	Version    uint64 `gorm:"not null"`
}

// TableName returns the table name.
func (recordModel) TableName() string {
	return "records"
}

// Store implements storage.Repository on a gorm connection.
type Store struct {
	db *gorm.DB
}

var _ storage.Repository = (*Store)(nil)

type options struct {
	tracing bool
}

// Option configures Open.
type Option func(*options)

// WithTracing registers the gorm OpenTelemetry plugin.
func WithTracing(enabled bool) Option {
	return func(o *options) {
		o.tracing = enabled
	}
}

// Open connects with driver and dsn, migrates the records table and returns
// a Store.
func Open(driver, dsn string, opts ...Option) (*Store, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	var dialector gorm.Dialector
	switch driver {
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	case DriverMySQL:
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if driver == DriverSQLite {
		// SQLite serialises writers; one connection avoids SQLITE_BUSY.
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(10)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}

	if o.tracing {
		if err := db.Use(tracing.NewPlugin()); err != nil {
			return nil, fmt.Errorf("registering tracing plugin: %w", err)
		}
	}
	if err := db.AutoMigrate(&recordModel{}); err != nil {
		return nil, fmt.Errorf("migrating records table: %w", err)
	}
	return New(db), nil
}

// New wraps an existing gorm connection. The records table must exist.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying gorm connection.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Get(ctx context.Context, collection, id string) (*storage.Record, error) {
	var m recordModel
	err := s.db.WithContext(ctx).
		Where("collection = ? AND record_id = ?", collection, id).
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%s/%s: %w", collection, id, storage.ErrNotFound)
		}
		slog.ErrorContext(ctx, "failed to get record",
			"operation", "get",
			"collection", collection,
			"record_id", id,
			"error", err,
		)
		return nil, err
	}
	return &storage.Record{Data: m.Data, Version: m.Version}, nil
}

func (s *Store) List(ctx context.Context, collection string) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).
		Model(&recordModel{}).
		Where("collection = ?", collection).
		Pluck("record_id", &ids).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to list records",
			"operation", "list",
			"collection", collection,
			"error", err,
		)
		return nil, err
	}
	return ids, nil
}

func (s *Store) Put(ctx context.Context, collection, id string, rec *storage.Record) error {
	m := &recordModel{Collection: collection, RecordID: id, Data: rec.Data, Version: rec.Version}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(m).Error
}

func (s *Store) PutCAS(ctx context.Context, collection, id string, expectedVersion uint64, rec *storage.Record) error {
	var res *gorm.DB
	if expectedVersion == 0 {
		m := &recordModel{Collection: collection, RecordID: id, Data: rec.Data, Version: rec.Version}
		res = s.db.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(m)
	} else {
		res = s.db.WithContext(ctx).
			Model(&recordModel{}).
			Where("collection = ? AND record_id = ? AND version = ?", collection, id, expectedVersion).
			Updates(map[string]any{"data": rec.Data, "version": rec.Version})
	}
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return storage.ErrCASFailed
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	res := s.db.WithContext(ctx).
		Where("collection = ? AND record_id = ?", collection, id).
		Delete(&recordModel{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%s/%s: %w", collection, id, storage.ErrNotFound)
	}
	return nil
}

// Batch runs fn in a gorm transaction.
func (s *Store) Batch(ctx context.Context, fn func(tx storage.BatchTx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

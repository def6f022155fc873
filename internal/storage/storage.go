package storage

import (
	"context"
	"fmt"

	"github.com/bdougie/framesearch/internal/models"
)

// MetadataStore defines the interface for keyframe record persistence
type MetadataStore interface {
	// GetByKeys returns the records found for keys, in any order.
	// Keys without a record are simply missing from the result.
	GetByKeys(ctx context.Context, keys []models.Key) ([]models.Record, error)

	// InsertRecords adds records; used by the corpus migration only
	InsertRecords(ctx context.Context, records []models.Record) error

	// DeleteAll removes every record
	DeleteAll(ctx context.Context) error

	// InitSchema creates the backing tables if needed
	InitSchema(ctx context.Context) error

	Close() error
}

// Metadata drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// MetadataConfig selects the metadata backend
type MetadataConfig struct {
	Driver     string `mapstructure:"driver" yaml:"driver"`
	SQLitePath string `mapstructure:"sqlite_path" yaml:"sqlite_path"`
}

// OpenMetadata returns the metadata store for config.Driver. pg may be nil for sqlite.
func OpenMetadata(config MetadataConfig, pg *Postgres) (MetadataStore, error) {
	switch config.Driver {
	case DriverPostgres, "":
		if pg == nil {
			return nil, fmt.Errorf("postgres metadata store needs a database connection")
		}
		return NewPostgresMetadata(pg), nil
	case DriverSQLite:
		return OpenSQLiteMetadata(config.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown metadata driver %q", config.Driver)
	}
}

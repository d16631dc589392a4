package store

import (
	"context"

	"github.com/lorekeep/lorekeep/internal/errors"
)

// Mode selects the metadata backend.
type Mode string

const (
	ModeLocal Mode = "local"
	ModeCloud Mode = "cloud"
)

// Config carries what Open needs. Kept store-local so callers can build it
// from any configuration source.
type Config struct {
	Mode Mode
	// Path is the sqlite file for ModeLocal. Empty means in-memory,
	// which is what tests use.
	Path string
	// DatabaseURL is the postgres DSN for ModeCloud.
	DatabaseURL string
}

// Open builds the metadata store for the configured mode.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Mode {
	case ModeLocal, "":
		return NewSQLiteStore(cfg.Path)
	case ModeCloud:
		return NewPostgresStore(ctx, cfg.DatabaseURL)
	default:
		return nil, errors.Newf(errors.KindInvalidInput, "unknown database mode: %s", cfg.Mode)
	}
}

package store

import (
	"context"
	"fmt"
	"strings"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Options struct {
	Driver      string
	SQLitePath  string
	PostgresDSN string
}

// Open builds the store selected by opts.Driver.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Driver)) {
	case "", DriverSQLite:
		if opts.SQLitePath == "" {
			return nil, fmt.Errorf("sqlite path is required")
		}
		return NewSQLiteStore(opts.SQLitePath)
	case DriverPostgres:
		if opts.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres dsn is required")
		}
		return NewPostgresStore(ctx, opts.PostgresDSN)
	case DriverMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
	}
}

package storage

import (
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (pure Go driver), DSN is the file path
//   - "postgres": PostgreSQL through pgx, DSN is a connection URL
type Config struct {
	Driver       string
	DSN          string
	BusyTimeout  time.Duration // sqlite only; 0 means default
	MaxOpenConns int           // postgres only; 0 means 10
	// PruneEvery prunes expired dedup rows every N dedup writes. 0 means 500.
	PruneEvery uint64
}

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

package engine

import (
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"

	"forge/internal/content"
)

// Options configures an Engine.
type Options struct {
	Path     string // store directory; ignored when InMemory is set
	InMemory bool   // run the store in memory (tests, scratch work)
	Content  content.Options
}

// getDBOptions returns BadgerDB options for the configured mode. The
// in-memory mode keeps a single goroutine and no value log, which is
// enough for tests and short-lived CLI runs.
func getDBOptions(opts Options) badger.Options {
	if opts.InMemory {
		return badger.DefaultOptions("").
			WithInMemory(true).
			WithNumVersionsToKeep(1).
			WithNumGoroutines(1).
			WithLogger(nil)
	}

	return badger.DefaultOptions(opts.Path).
		WithLoggingLevel(badger.WARNING)
}

// openDB initializes and returns a BadgerDB instance
func openDB(opts Options) (*badger.DB, error) {
	if !opts.InMemory {
		if err := os.MkdirAll(opts.Path, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := badger.Open(getDBOptions(opts))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	return db, nil
}

// Package storage provides reference implementations of the
// interfaces.BookmarkStore, interfaces.BlobStore, and interfaces.SearchIndex
// collaborators, used by cmd/crawlcore when no external
// relational store / object store / search engine is configured. The
// connection lifecycle covers reset-on-startup deletion, directory
// creation, and disabling badger's own logger in favor of arbor.
package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/crawlcore/crawlcore/internal/common"
)

// BadgerDB manages the Badger database connection backing the reference
// BookmarkStore and RateLimitCounter storage.
type BadgerDB struct {
	store  *badgerhold.Store
	logger arbor.ILogger
}

func NewBadgerDB(logger arbor.ILogger, cfg *common.BadgerConfig) (*BadgerDB, error) {
	if cfg.ResetOnStartup {
		if _, err := os.Stat(cfg.Path); err == nil {
			logger.Debug().Str("path", cfg.Path).Msg("deleting existing database (reset_on_startup=true)")
			if err := os.RemoveAll(cfg.Path); err != nil {
				logger.Warn().Err(err).Str("path", cfg.Path).Msg("failed to delete database directory")
			}
		}
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	opts := badgerhold.DefaultOptions
	opts.Dir = cfg.Path
	opts.ValueDir = cfg.Path
	opts.Logger = nil
	opts.Options = badger.DefaultOptions(cfg.Path).WithLogger(nil)

	store, err := badgerhold.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database at %s: %w", cfg.Path, err)
	}

	return &BadgerDB{store: store, logger: logger}, nil
}

func (b *BadgerDB) Store() *badgerhold.Store { return b.store }

func (b *BadgerDB) Close() error {
	if b.store != nil {
		return b.store.Close()
	}
	return nil
}

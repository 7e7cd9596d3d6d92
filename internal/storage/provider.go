// Package storage selects the question store and blob store implementations
// named in configuration.
package storage

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/JakeFAU/stackharvest/internal/config"
	"github.com/JakeFAU/stackharvest/internal/crawler"
	"github.com/JakeFAU/stackharvest/internal/storage/gcs"
	"github.com/JakeFAU/stackharvest/internal/storage/local"
	"github.com/JakeFAU/stackharvest/internal/storage/memory"
	"github.com/JakeFAU/stackharvest/internal/storage/postgres"
)

// NewQuestionStore builds the configured question store.
func NewQuestionStore(ctx context.Context, cfg config.DatabaseConfig) (crawler.QuestionStore, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "memory":
		return memory.NewQuestionStore(), nil
	case "postgres":
		store, err := postgres.NewQuestionStore(ctx, postgres.Config{
			DSN:      cfg.DSN,
			Table:    cfg.Table,
			MaxConns: cfg.MaxConns,
		})
		if err != nil {
			return nil, fmt.Errorf("open postgres question store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown database.driver %q", cfg.Driver)
	}
}

// BlobStore is a crawler.BlobStore that may hold a client to release.
type BlobStore interface {
	crawler.BlobStore
	io.Closer
}

// NewBlobStore builds the configured export destination.
func NewBlobStore(ctx context.Context, cfg config.ExportConfig) (BlobStore, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "local":
		store, err := local.New(local.Config{BaseDir: cfg.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("open local blob store: %w", err)
		}
		return nopCloser{store}, nil
	case "memory":
		return nopCloser{memory.NewBlobStore()}, nil
	case "gcs":
		store, err := gcs.Dial(ctx, gcs.Config{Bucket: cfg.Bucket})
		if err != nil {
			return nil, fmt.Errorf("open gcs blob store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown export.provider %q", cfg.Provider)
	}
}

type nopCloser struct {
	crawler.BlobStore
}

func (nopCloser) Close() error { return nil }

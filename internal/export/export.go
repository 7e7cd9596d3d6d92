// Package export writes stored questions to a blob store as a JSON array.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/stackharvest/internal/crawler"
)

const contentType = "application/json"

// Result describes one export.
type Result struct {
	URI       string `json:"uri"`
	Path      string `json:"path"`
	Questions int    `json:"questions"`
}

// ObjectPath names the export object: <prefix>/questions-<timestamp>.json.
func ObjectPath(prefix string, at time.Time) string {
	name := "questions-" + at.UTC().Format("20060102T150405Z") + ".json"
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return name
	}
	return path.Join(prefix, name)
}

// Run reads up to limit questions, newest first, and writes them to blob.
// limit <= 0 leaves the cap to the store.
func Run(
	ctx context.Context,
	store crawler.QuestionStore,
	blob crawler.BlobStore,
	clock crawler.Clock,
	prefix string,
	limit int,
	logger *zap.Logger,
) (Result, error) {
	if store == nil || blob == nil || clock == nil {
		return Result{}, fmt.Errorf("store, blob store and clock are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	questions, err := store.List(ctx, limit)
	if err != nil {
		return Result{}, fmt.Errorf("list questions: %w", err)
	}
	if questions == nil {
		questions = []crawler.Question{}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(questions); err != nil {
		return Result{}, fmt.Errorf("encode questions: %w", err)
	}

	objectPath := ObjectPath(prefix, clock.Now())
	uri, err := blob.PutObject(ctx, objectPath, contentType, &buf)
	if err != nil {
		return Result{}, fmt.Errorf("write export %s: %w", objectPath, err)
	}
	logger.Info("questions exported",
		zap.String("uri", uri),
		zap.Int("questions", len(questions)),
	)
	return Result{URI: uri, Path: objectPath, Questions: len(questions)}, nil
}

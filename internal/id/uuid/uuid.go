// Package uuid generates lease tokens and worker identifiers.
package uuid

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Generator creates time-ordered UUID v7 strings.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUID7 string. The queue uses these as task lease tokens.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// WorkerID builds a process-unique worker identifier such as "worker-host-1a2b3c4d".
func (Generator) WorkerID(prefix, host string) (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate worker id: %w", err)
	}
	parts := make([]string, 0, 3)
	for _, p := range []string{prefix, sanitize(host)} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	parts = append(parts, strings.ReplaceAll(id.String(), "-", "")[:8])
	return strings.Join(parts, "-"), nil
}

func sanitize(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if i := strings.IndexByte(host, '.'); i > 0 {
		host = host[:i]
	}
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			return r
		}
		return -1
	}, host)
}

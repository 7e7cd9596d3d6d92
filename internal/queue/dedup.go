package queue

import (
	"context"
	"fmt"
	"strings"

	"github.com/JakeFAU/stackharvest/internal/crawler"
)

// IsDuplicate reports whether key was already marked seen for kind.
func (q *Queue) IsDuplicate(ctx context.Context, kind crawler.DedupKind, key string) (bool, error) {
	set, _, err := q.dedupKeys(kind)
	if err != nil {
		return false, err
	}
	fp, err := q.fingerprint(kind, key)
	if err != nil {
		return false, err
	}
	seen, err := q.client.SIsMember(ctx, set, fp).Result()
	if err != nil {
		return false, fmt.Errorf("check %s dedup: %w", kind, err)
	}
	return seen, nil
}

// MarkSeen records key for kind and reports whether it was newly added.
// New question identifiers also increment the unique question counter.
func (q *Queue) MarkSeen(ctx context.Context, kind crawler.DedupKind, key string) (bool, error) {
	set, counter, err := q.dedupKeys(kind)
	if err != nil {
		return false, err
	}
	fp, err := q.fingerprint(kind, key)
	if err != nil {
		return false, err
	}
	added, err := markSeenScript.Run(ctx, q.client, []string{set, q.keys.stats}, fp, counter).Int()
	if err != nil {
		return false, fmt.Errorf("mark %s seen: %w", kind, err)
	}
	return added == 1, nil
}

func (q *Queue) dedupKeys(kind crawler.DedupKind) (string, string, error) {
	switch kind {
	case crawler.DedupURL:
		return q.keys.urls, "", nil
	case crawler.DedupQuestion:
		return q.keys.questions, "unique_questions", nil
	default:
		return "", "", fmt.Errorf("unknown dedup kind %q", kind)
	}
}

// fingerprint hashes the normalized key so set members have a fixed size.
func (q *Queue) fingerprint(kind crawler.DedupKind, key string) (string, error) {
	normalized := strings.TrimSpace(key)
	if normalized == "" {
		return "", fmt.Errorf("empty %s dedup key", kind)
	}
	if kind == crawler.DedupURL {
		if u, err := crawler.NormalizeURL(normalized); err == nil {
			normalized = u
		}
	}
	fp, err := q.hasher.Hash([]byte(normalized))
	if err != nil {
		return "", fmt.Errorf("hash %s key: %w", kind, err)
	}
	return fp, nil
}

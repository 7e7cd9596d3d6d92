// Package memory keeps questions and blobs in process memory for local runs and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/stackharvest/internal/crawler"
)

// QuestionStore is an in-memory crawler.QuestionStore. One mutex guards all state.
type QuestionStore struct {
	mu        sync.Mutex
	questions map[string]crawler.Question
	order     []string
	byWorker  map[string]int64
	now       func() time.Time
}

// NewQuestionStore constructs an empty QuestionStore.
func NewQuestionStore() *QuestionStore {
	return &QuestionStore{
		questions: make(map[string]crawler.Question),
		byWorker:  make(map[string]int64),
		now:       time.Now,
	}
}

// StoreBatch stores questions whose id is not yet known and returns how many were new.
func (s *QuestionStore) StoreBatch(ctx context.Context, questions []crawler.Question) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := 0
	for _, q := range questions {
		if q.QuestionID == "" {
			continue
		}
		if _, exists := s.questions[q.QuestionID]; exists {
			continue
		}
		if q.ScrapedAt.IsZero() {
			q.ScrapedAt = s.now().UTC()
		}
		s.questions[q.QuestionID] = q
		s.order = append(s.order, q.QuestionID)
		s.byWorker[q.WorkerID]++
		inserted++
	}
	return inserted, nil
}

// Count returns the number of stored questions.
func (s *QuestionStore) Count(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.questions)), nil
}

// Stats summarizes stored questions.
func (s *QuestionStore) Stats(context.Context) (crawler.StoreStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	since := s.now().Add(-time.Hour)
	stats := crawler.StoreStats{
		TotalQuestions: int64(len(s.questions)),
		ByWorker:       make(map[string]int64, len(s.byWorker)),
	}
	for _, q := range s.questions {
		if !q.ScrapedAt.Before(since) {
			stats.LastHour++
		}
	}
	for worker, n := range s.byWorker {
		stats.ByWorker[worker] = n
	}
	return stats, nil
}

// List returns up to limit questions, most recently stored first.
func (s *QuestionStore) List(_ context.Context, limit int) ([]crawler.Question, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.order) {
		limit = len(s.order)
	}
	out := make([]crawler.Question, 0, limit)
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.questions[s.order[i]])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ScrapedAt.After(out[j].ScrapedAt) })
	return out, nil
}

// Ping always succeeds.
func (s *QuestionStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close is a no-op.
func (s *QuestionStore) Close() {}

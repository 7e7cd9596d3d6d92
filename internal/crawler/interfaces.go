package crawler

import (
	"context"
	"io"
	"time"
)

// TaskQueue is the coordination surface shared by workers, the health server and the scaler.
type TaskQueue interface {
	NextTask(ctx context.Context, workerID string) (*Task, error)
	CompleteTask(ctx context.Context, task Task, items int) (Task, error)
	FailTask(ctx context.Context, task Task, reason string) (Task, error)
	IsDuplicate(ctx context.Context, kind DedupKind, key string) (bool, error)
	MarkSeen(ctx context.Context, kind DedupKind, key string) (bool, error)
	Heartbeat(ctx context.Context, workerID string) error
}

// StatsReader exposes the queue statistics aggregate.
type StatsReader interface {
	Stats(ctx context.Context) (QueueStats, error)
}

// QuestionStore persists scraped questions.
type QuestionStore interface {
	StoreBatch(ctx context.Context, questions []Question) (int, error)
	Count(ctx context.Context) (int64, error)
	Stats(ctx context.Context) (StoreStats, error)
	List(ctx context.Context, limit int) ([]Question, error)
	Ping(ctx context.Context) error
	Close()
}

// Session is a scraping resource owned by exactly one worker slot.
type Session interface {
	ScrapePage(ctx context.Context, pageURL string) ([]Question, error)
	ScrapeDetail(ctx context.Context, q Question) (Question, error)
	Close() error
}

// PageFetcher retrieves raw documents for a session.
type PageFetcher interface {
	Fetch(ctx context.Context, pageURL string) (Page, error)
	Close() error
}

// SessionFactory creates sessions lazily for worker slots.
type SessionFactory interface {
	NewSession(workerID string) (Session, error)
}

// Provisioner launches, terminates and inspects compute instances.
type Provisioner interface {
	Launch(ctx context.Context, count int) ([]Instance, error)
	Terminate(ctx context.Context, ids []string) error
	Health(ctx context.Context, instances []Instance) (map[string]InstanceHealth, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes task events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for deduplication.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces unique identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

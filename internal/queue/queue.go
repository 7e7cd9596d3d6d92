// Package queue implements the Redis-backed task queue that coordinates
// harvesting workers: task planning and assignment, completion and retry,
// deduplication sets, worker liveness and the statistics aggregate.
//
// Tasks live in exactly one of four lists. Producers LPUSH and workers claim
// with BRPOPLPUSH from the right, so the pending list is FIFO and requeued
// tasks land behind fresh work. Every move out of the processing list is a
// single Lua script keyed on the exact encoded entry, which doubles as a
// fencing token: once an entry is reassigned, stale completions are rejected.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/JakeFAU/stackharvest/internal/config"
	"github.com/JakeFAU/stackharvest/internal/crawler"
)

// ErrLeaseLost is returned when a task is no longer held by the caller's assignment.
var ErrLeaseLost = errors.New("task assignment no longer held")

// Key names relative to the configured prefix.
const (
	KeyPending    = "scraping_tasks"
	KeyProcessing = "processing_tasks"
	KeyCompleted  = "completed_tasks"
	KeyFailed     = "failed_tasks"
	KeyURLs       = "scraped_urls"
	KeyQuestions  = "question_ids"
	KeyHeartbeat  = "worker_heartbeat"
	KeyActive     = "active_workers"
	KeyStats      = "scraping_stats"
	KeyUnassigned = "unassigned_claims"
)

// Config controls queue planning and assignment behavior.
type Config struct {
	KeyPrefix      string
	Targets        []string
	PageRangeSize  int
	MaxRetries     int
	ClaimTimeout   time.Duration
	LivenessWindow time.Duration
}

// Queue coordinates task assignment through Redis.
type Queue struct {
	client redis.UniversalClient
	cfg    Config
	keys   keys
	clock  crawler.Clock
	hasher crawler.Hasher
	ids    crawler.IDGenerator
	logger *zap.Logger
}

type keys struct {
	pending    string
	processing string
	completed  string
	failed     string
	urls       string
	questions  string
	heartbeat  string
	active     string
	stats      string
	unassigned string
}

// New constructs a Queue over an existing Redis client.
func New(
	client redis.UniversalClient,
	cfg Config,
	clock crawler.Clock,
	hasher crawler.Hasher,
	ids crawler.IDGenerator,
	logger *zap.Logger,
) (*Queue, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if clock == nil || hasher == nil || ids == nil {
		return nil, fmt.Errorf("clock, hasher and id generator are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PageRangeSize <= 0 {
		cfg.PageRangeSize = 50
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = 30 * time.Second
	}
	if cfg.LivenessWindow <= 0 {
		cfg.LivenessWindow = 5 * time.Minute
	}
	p := cfg.KeyPrefix
	return &Queue{
		client: client,
		cfg:    cfg,
		keys: keys{
			pending:    p + KeyPending,
			processing: p + KeyProcessing,
			completed:  p + KeyCompleted,
			failed:     p + KeyFailed,
			urls:       p + KeyURLs,
			questions:  p + KeyQuestions,
			heartbeat:  p + KeyHeartbeat,
			active:     p + KeyActive,
			stats:      p + KeyStats,
			unassigned: p + KeyUnassigned,
		},
		clock:  clock,
		hasher: hasher,
		ids:    ids,
		logger: logger,
	}, nil
}

// ConfigFrom maps the service configuration onto queue settings.
func ConfigFrom(redisCfg config.RedisConfig, queueCfg config.QueueConfig) Config {
	return Config{
		KeyPrefix:      redisCfg.KeyPrefix,
		Targets:        append([]string(nil), queueCfg.Targets...),
		PageRangeSize:  queueCfg.PageRangeSize,
		MaxRetries:     queueCfg.MaxRetries,
		ClaimTimeout:   queueCfg.ClaimTimeout,
		LivenessWindow: queueCfg.LivenessWindow,
	}
}

// NewRedisClient dials Redis and verifies connectivity.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		if cerr := client.Close(); cerr != nil {
			return nil, fmt.Errorf("ping redis: %w (close: %v)", err, cerr)
		}
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Ping reports whether the coordination store is reachable.
func (q *Queue) Ping(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// MaxRetries reports the configured retry budget.
func (q *Queue) MaxRetries() int {
	return q.cfg.MaxRetries
}

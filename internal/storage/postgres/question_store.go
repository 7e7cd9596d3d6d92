// Package postgres persists scraped questions in Postgres.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/stackharvest/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// maxRowsPerInsert keeps the bind parameter count well under the protocol limit.
const maxRowsPerInsert = 500

const questionColumns = `question_id, title, link, votes, answers, views, tags, author,
	question_content, question_code, top_answer_content, top_answer_votes,
	top_answer_accepted, scraped_at, worker_id`

const columnCount = 15

// Config controls the Postgres connection pool used for question rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// QuestionStore writes and summarizes question rows.
type QuestionStore struct {
	pool  pool
	table string
	now   func() time.Time
}

// NewQuestionStore connects to Postgres using cfg.
func NewQuestionStore(ctx context.Context, cfg Config) (*QuestionStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &QuestionStore{pool: p, table: table, now: time.Now}, nil
}

// NewQuestionStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewQuestionStoreWithPool(p pool, table string) (*QuestionStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &QuestionStore{pool: p, table: name, now: time.Now}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = "questions"
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *QuestionStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks database connectivity.
func (s *QuestionStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// StoreBatch inserts questions, ignoring ids that already exist, and returns
// the number of rows actually inserted.
func (s *QuestionStore) StoreBatch(ctx context.Context, questions []crawler.Question) (int, error) {
	inserted := 0
	for start := 0; start < len(questions); start += maxRowsPerInsert {
		end := start + maxRowsPerInsert
		if end > len(questions) {
			end = len(questions)
		}
		query, args := s.insertStatement(questions[start:end])
		tag, err := s.pool.Exec(ctx, query, args...)
		if err != nil {
			return inserted, fmt.Errorf("insert questions: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

func (s *QuestionStore) insertStatement(batch []crawler.Question) (string, []any) {
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", s.table, questionColumns)
	args := make([]any, 0, len(batch)*columnCount)
	for i, q := range batch {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for c := 0; c < columnCount; c++ {
			if c > 0 {
				b.WriteByte(',')
			}
			fmt.Fprintf(&b, "$%d", i*columnCount+c+1)
		}
		b.WriteByte(')')
		scraped := q.ScrapedAt
		if scraped.IsZero() {
			scraped = s.now().UTC()
		}
		args = append(args,
			q.QuestionID, q.Title, q.Link, q.Votes, q.Answers, q.Views,
			nonNil(q.Tags), q.Author, q.Content, nonNil(q.Code), q.TopAnswer,
			q.TopAnswerVotes, q.TopAnswerAccepted, scraped, q.WorkerID,
		)
	}
	b.WriteString(" ON CONFLICT (question_id) DO NOTHING")
	return b.String(), args
}

// Count returns the number of stored questions.
func (s *QuestionStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", s.table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count questions: %w", err)
	}
	return n, nil
}

// Stats summarizes stored questions: total, last hour and the top ten workers.
func (s *QuestionStore) Stats(ctx context.Context) (crawler.StoreStats, error) {
	total, err := s.Count(ctx)
	if err != nil {
		return crawler.StoreStats{}, err
	}
	stats := crawler.StoreStats{TotalQuestions: total, ByWorker: make(map[string]int64)}

	since := s.now().UTC().Add(-time.Hour)
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE scraped_at >= $1", s.table)
	if err := s.pool.QueryRow(ctx, query, since).Scan(&stats.LastHour); err != nil {
		return crawler.StoreStats{}, fmt.Errorf("count recent questions: %w", err)
	}

	query = fmt.Sprintf(
		"SELECT worker_id, COUNT(*) FROM %s GROUP BY worker_id ORDER BY COUNT(*) DESC LIMIT 10",
		s.table,
	)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return crawler.StoreStats{}, fmt.Errorf("count questions by worker: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			workerID string
			n        int64
		)
		if err := rows.Scan(&workerID, &n); err != nil {
			return crawler.StoreStats{}, fmt.Errorf("scan worker count: %w", err)
		}
		stats.ByWorker[workerID] = n
	}
	if err := rows.Err(); err != nil {
		return crawler.StoreStats{}, fmt.Errorf("iterate worker counts: %w", err)
	}
	return stats, nil
}

// List returns up to limit questions, most recently scraped first.
func (s *QuestionStore) List(ctx context.Context, limit int) ([]crawler.Question, error) {
	if limit <= 0 {
		limit = 1000
	}
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY scraped_at DESC LIMIT $1", questionColumns, s.table)
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	defer rows.Close()

	out := make([]crawler.Question, 0, limit)
	for rows.Next() {
		var q crawler.Question
		if err := rows.Scan(
			&q.QuestionID, &q.Title, &q.Link, &q.Votes, &q.Answers, &q.Views,
			&q.Tags, &q.Author, &q.Content, &q.Code, &q.TopAnswer,
			&q.TopAnswerVotes, &q.TopAnswerAccepted, &q.ScrapedAt, &q.WorkerID,
		); err != nil {
			return nil, fmt.Errorf("scan question: %w", err)
		}
		out = append(out, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate questions: %w", err)
	}
	return out, nil
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

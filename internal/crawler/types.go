package crawler

import (
	"errors"
	"time"
)

// TaskStatus enumerates lifecycle states for a Task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task waits in the pending list.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusRunning indicates a worker has claimed the task.
	TaskStatusRunning TaskStatus = "running"
	// TaskStatusCompleted indicates the task finished successfully.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed indicates the retry budget is exhausted.
	TaskStatusFailed TaskStatus = "failed"
)

// ErrTaskTimeout is reported when a task exceeds its processing budget.
var ErrTaskTimeout = errors.New("task timed out")

// Task is one unit of assignable scraping work: a page range of one listing URL.
type Task struct {
	ID        string     `json:"task_id"`
	URL       string     `json:"url"`
	StartPage int        `json:"start_page"`
	EndPage   int        `json:"end_page"`
	WorkerID  string     `json:"worker_id,omitempty"`
	Status    TaskStatus `json:"status"`
	Retries   int        `json:"retries"`
	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	Items     int        `json:"questions_scraped"`
	Error     string     `json:"error,omitempty"`
	Lease     string     `json:"lease,omitempty"`

	// raw is the exact encoding held in the processing list when claimed.
	raw string
}

// Pages reports how many pages the task covers.
func (t Task) Pages() int {
	if t.EndPage < t.StartPage {
		return 0
	}
	return t.EndPage - t.StartPage + 1
}

// Raw returns the encoded form the task was claimed with.
func (t Task) Raw() string {
	return t.raw
}

// WithRaw returns a copy of the task bound to its stored encoding.
func (t Task) WithRaw(raw string) Task {
	t.raw = raw
	return t
}

// DedupKind selects a deduplication set.
type DedupKind string

const (
	// DedupURL tracks scraped listing page URLs.
	DedupURL DedupKind = "url"
	// DedupQuestion tracks scraped question identifiers.
	DedupQuestion DedupKind = "question"
)

// QueueStats combines stored counters with live collection sizes.
type QueueStats struct {
	TotalTasks      int64     `json:"total_tasks"`
	CompletedTasks  int64     `json:"completed_tasks"`
	FailedTasks     int64     `json:"failed_tasks"`
	TotalQuestions  int64     `json:"total_questions"`
	UniqueQuestions int64     `json:"unique_questions"`
	StartTime       time.Time `json:"start_time"`
	PendingTasks    int64     `json:"pending_tasks"`
	ProcessingTasks int64     `json:"processing_tasks"`
	CompletedCount  int64     `json:"completed_count"`
	FailedCount     int64     `json:"failed_count"`
	ActiveWorkers   int64     `json:"active_workers"`
	ScrapedURLs     int64     `json:"scraped_urls"`
	SeenQuestions   int64     `json:"seen_questions"`
}

// WorkerHeartbeat is the last-seen record for one queue worker.
type WorkerHeartbeat struct {
	WorkerID   string    `json:"worker_id"`
	LastSeen   time.Time `json:"last_seen"`
	AgeSeconds float64   `json:"age_seconds"`
	Alive      bool      `json:"alive"`
}

// Question is one scraped Stack Overflow question.
type Question struct {
	QuestionID        string    `json:"question_id"`
	Title             string    `json:"title"`
	Link              string    `json:"link"`
	Votes             int       `json:"votes"`
	Answers           int       `json:"answers"`
	Views             int       `json:"views"`
	Tags              []string  `json:"tags"`
	Author            string    `json:"author,omitempty"`
	Content           string    `json:"question_content,omitempty"`
	Code              []string  `json:"question_code,omitempty"`
	TopAnswer         string    `json:"top_answer_content,omitempty"`
	TopAnswerVotes    int       `json:"top_answer_votes,omitempty"`
	TopAnswerAccepted bool      `json:"top_answer_accepted,omitempty"`
	ScrapedAt         time.Time `json:"scraped_at"`
	WorkerID          string    `json:"worker_id,omitempty"`
}

// StoreStats summarizes persisted questions.
type StoreStats struct {
	TotalQuestions int64            `json:"total_questions"`
	LastHour       int64            `json:"questions_last_hour"`
	ByWorker       map[string]int64 `json:"questions_by_worker"`
}

// InstanceState mirrors a compute instance lifecycle state.
type InstanceState string

const (
	// InstanceStatePending is reported while an instance boots.
	InstanceStatePending InstanceState = "pending"
	// InstanceStateRunning is the only healthy lifecycle state.
	InstanceStateRunning InstanceState = "running"
	// InstanceStateStopped covers stopping/stopped instances.
	InstanceStateStopped InstanceState = "stopped"
	// InstanceStateTerminated covers shutting-down/terminated instances.
	InstanceStateTerminated InstanceState = "terminated"
	// InstanceStateUnknown is used when the provider cannot report a state.
	InstanceStateUnknown InstanceState = "unknown"
)

// Instance is one provisioned compute unit running workers.
type Instance struct {
	ID         string    `json:"instance_id"`
	Address    string    `json:"address,omitempty"`
	LaunchedAt time.Time `json:"launched_at"`
}

// InstanceHealth is the provider and application view of an instance.
type InstanceHealth struct {
	State      InstanceState `json:"state"`
	AppHealthy bool          `json:"app_healthy"`
	Detail     string        `json:"detail,omitempty"`
}

// Healthy reports whether the instance should stay in the fleet.
// Pending instances are still booting and are given the benefit of the doubt.
func (h InstanceHealth) Healthy() bool {
	switch h.State {
	case InstanceStatePending:
		return true
	case InstanceStateRunning:
		return h.AppHealthy
	default:
		return false
	}
}

// TaskEvent is published after a task reaches a new lifecycle state.
type TaskEvent struct {
	TaskID   string     `json:"task_id"`
	WorkerID string     `json:"worker_id"`
	Status   TaskStatus `json:"status"`
	Items    int        `json:"questions_scraped"`
	Retries  int        `json:"retries"`
	Reason   string     `json:"reason,omitempty"`
	At       time.Time  `json:"at"`
}

// Page is one fetched document.
type Page struct {
	URL        string
	StatusCode int
	Body       []byte
	Rendered   bool
}

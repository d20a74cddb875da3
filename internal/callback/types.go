package callback

import (
	"errors"
	"time"
)

var (
	ErrAlreadyStarted = errors.New("callback dispatcher already started")
	ErrNotRunning     = errors.New("callback dispatcher not running")
)

// DefaultBeatInterval is the retry loop's wake-up period when none is configured.
const DefaultBeatInterval = 30 * time.Second

// Config controls the dispatcher. Zero values select defaults.
type Config struct {
	// QueueCapacity bounds the in-memory queue; 0 keeps it unbounded so Push
	// never fails (memory grows while no endpoint drains it).
	QueueCapacity int
	Overflow      OverflowPolicy

	// CallTimeout bounds one endpoint call for one batch.
	CallTimeout time.Duration
	// FlushTimeout bounds the final delivery performed during Stop.
	FlushTimeout time.Duration

	// BeatInterval is the retry loop period. RetrySchedule, when set, is a cron
	// expression (5-field or descriptor such as "@every 1m") that overrides it.
	BeatInterval  time.Duration
	RetrySchedule string

	Retry RetryConfig
}

// RetryConfig controls the failed-delivery log.
type RetryConfig struct {
	// Enabled turns on re-delivery. When false, failures are only logged and the
	// retry loop is a plain heartbeat.
	Enabled bool
	// MaxEntries bounds the log; the oldest entry is evicted beyond it.
	MaxEntries int
	// MaxAttempts abandons an entry after this many failed re-sends; 0 = never.
	MaxAttempts int
	// RatePerSec limits re-send calls across all endpoints.
	RatePerSec int
}

func (c Config) withDefaults() Config {
	if c.QueueCapacity < 0 {
		c.QueueCapacity = 0
	}
	if c.Overflow == "" {
		c.Overflow = OverflowReject
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 10 * time.Second
	}
	if c.BeatInterval <= 0 {
		c.BeatInterval = DefaultBeatInterval
	}
	if c.Retry.MaxEntries <= 0 {
		c.Retry.MaxEntries = 1000
	}
	if c.Retry.MaxAttempts < 0 {
		c.Retry.MaxAttempts = 0
	}
	if c.Retry.RatePerSec <= 0 {
		c.Retry.RatePerSec = 5
	}
	return c
}

// State is the dispatcher lifecycle: NotStarted -> Running -> Stopping -> Stopped.
type State int32

const (
	StateNotStarted State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Stats is a best-effort counter snapshot for status output.
type Stats struct {
	State      string `json:"state"`
	Endpoints  int    `json:"endpoints"`
	Pushed     uint64 `json:"pushed"`
	Rejected   uint64 `json:"rejected"`
	Dropped    uint64 `json:"dropped"`
	QueueDepth int    `json:"queue_depth"`
	Batches    uint64 `json:"batches"`
	Records    uint64 `json:"records"`
	Delivered  uint64 `json:"delivered"`
	Failed     uint64 `json:"failed"`
	Retried    uint64 `json:"retried"`
	Abandoned  uint64 `json:"abandoned"`
	Evicted    uint64 `json:"evicted"`
	Pending    int    `json:"pending"`
}

// Event types published on the event bus.
const (
	EventBatchDelivered = "callback.batch.delivered"
	EventBatchFailed    = "callback.batch.failed"
	EventRetrySucceeded = "callback.retry.succeeded"
	EventRetryFailed    = "callback.retry.failed"
	EventRetryAbandoned = "callback.retry.abandoned"
	EventRetryEvicted   = "callback.retry.evicted"
)

// BatchEvent is the Data of every callback.* event.
type BatchEvent struct {
	BatchID  string    `json:"batch_id"`
	Endpoint string    `json:"endpoint"`
	Size     int       `json:"size"`
	Attempt  int       `json:"attempt,omitempty"`
	Final    bool      `json:"final,omitempty"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

// PendingInfo describes one retry log entry.
type PendingInfo struct {
	ID        string    `json:"id"`
	Endpoint  string    `json:"endpoint"`
	Size      int       `json:"size"`
	LogIDs    []int64   `json:"log_ids"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	FailedAt  time.Time `json:"failed_at"`
}

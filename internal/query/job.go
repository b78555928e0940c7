// Package query tracks the lifecycle of backend queries: submission, polling
// or streaming, cancellation and timeout. At most one query is active at a
// time.
package query

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/TobiSchelling/FinSight/internal/normalize"
)

var (
	// ErrBlocked is returned by Submit while another query is still running.
	ErrBlocked = errors.New("a query is already in progress; wait for it to finish or cancel it")
	// ErrNoActiveQuery is returned by Cancel when nothing is running.
	ErrNoActiveQuery = errors.New("no query in progress")
	// ErrUnknownJob is returned by Wait for ids this client never issued.
	ErrUnknownJob = errors.New("unknown job")
	// ErrSuppressed is returned by Resume for a query the user cancelled.
	ErrSuppressed = errors.New("query was cancelled")
	// ErrEmptyQuery is returned by Submit for blank input.
	ErrEmptyQuery = errors.New("query text is empty")
	// ErrClosed is returned once the client has been closed.
	ErrClosed = errors.New("query client closed")
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusSubmitted  Status = "submitted"
	StatusProcessing Status = "processing"
	StatusStreaming  Status = "streaming"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusTimeout    Status = "timeout"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

// ParseStatus maps a backend or stored status string to a Status. Unknown
// values count as processing.
func ParseStatus(s string) Status {
	switch Status(s) {
	case StatusSubmitted, StatusProcessing, StatusStreaming, StatusCompleted,
		StatusFailed, StatusCancelled, StatusTimeout:
		return Status(s)
	case "success":
		return StatusCompleted
	case "error":
		return StatusFailed
	}
	return StatusProcessing
}

// Mode selects the transport used for new queries.
type Mode string

const (
	ModePoll   Mode = "poll"
	ModeStream Mode = "stream"
)

// Query is a submitted natural-language request.
type Query struct {
	ID          string
	Text        string
	Companies   []string
	UserName    string
	SubmittedAt time.Time
}

// Job is a snapshot of the backend execution of one query. Snapshots carry a
// Revision that increases strictly across all jobs of a client.
type Job struct {
	ID       string
	RemoteID string
	Query    Query
	Status   Status
	Markdown string
	Table    normalize.Table
	RawTable json.RawMessage
	Error    string

	StartedAt time.Time
	UpdatedAt time.Time
	Revision  uint64

	// RecoveredFrom is set on jobs delivered by slow-poll recovery and names
	// the timed-out job they complete.
	RecoveredFrom string
}

// Elapsed is the time from start to the last update.
func (j Job) Elapsed() time.Duration {
	return j.UpdatedAt.Sub(j.StartedAt)
}

// setTable normalizes a backend table value onto the job.
func (j *Job) setTable(raw json.RawMessage) {
	p := normalize.Normalize(raw)
	if p == nil {
		return
	}
	j.RawTable = p.Raw
	if p.Financial() {
		j.Table = p.Table
	}
}

// Observer receives every job snapshot the client publishes.
type Observer interface {
	OnJobUpdate(Job)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Job)

func (f ObserverFunc) OnJobUpdate(j Job) { f(j) }

// newID returns a time-ordered identifier.
func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

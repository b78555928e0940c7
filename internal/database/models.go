package database

import "time"

// Message is a stored conversation message.
type Message struct {
	ID        string
	Role      string // "user" or "assistant"
	Content   string
	Query     string
	JobID     string
	RemoteID  string
	Status    string
	TableJSON *string
	Feedback  string // "", "up" or "down"
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TestCase is a stored query the test runner replays against the backend.
type TestCase struct {
	ID            int64
	Query         string
	Expected      string
	Tags          []string
	Priority      string // "low", "medium" or "high"
	Status        string // "pending", "running" or a terminal query status
	Actual        string
	ExecutionTime time.Duration
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// TestHistoryEntry records one execution of a test query.
type TestHistoryEntry struct {
	ID            int64
	CaseID        *int64
	RemoteID      string
	Query         string
	Expected      string
	Actual        string
	Status        string // completed, failed, timeout or cancelled
	Verdict       string // "", "pass" or "fail"
	Issues        string
	ExecutionTime time.Duration
	TableJSON     *string
	Tags          []string
	Priority      string
	Submitted     bool
	FromAPI       bool
	CreatedAt     time.Time
}

// TestStats summarizes test history over a period.
type TestStats struct {
	Total            int
	Completed        int
	Failed           int
	TimedOut         int
	Passed           int
	FailedVerdicts   int
	AvgExecutionTime time.Duration
}

// SuccessRate is the share of completed runs, 0 when there are none.
func (s TestStats) SuccessRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Completed) / float64(s.Total)
}

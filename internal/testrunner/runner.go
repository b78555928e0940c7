// Package testrunner replays stored test queries against the backend,
// records every execution in the local test history and reports verdicts
// back to the backend.
package testrunner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/TobiSchelling/FinSight/internal/backend"
	"github.com/TobiSchelling/FinSight/internal/database"
	"github.com/TobiSchelling/FinSight/internal/query"
)

var (
	// ErrRunning is returned when a run is requested while one is in progress.
	ErrRunning = errors.New("a test run is already in progress")
	// ErrNotFound is returned for unknown test cases or history entries.
	ErrNotFound = errors.New("not found")
	// ErrInvalidVerdict is returned by Mark for malformed input.
	ErrInvalidVerdict = errors.New("invalid verdict")
)

// Verdicts.
const (
	Pass = "pass"
	Fail = "fail"
)

// Backend is the part of the backend API the runner uses.
type Backend interface {
	query.Backend
	SubmitTestStatus(ctx context.Context, req backend.TestStatusRequest) error
	TestHistory(ctx context.Context, userName string) ([]backend.TestRecord, error)
}

type Config struct {
	PollInterval time.Duration
	Timeout      time.Duration
	// Delay is the minimum spacing between two submissions.
	Delay        time.Duration
	HistoryLimit int
	UserName     string
	Logger       *log.Logger
}

// StepResult holds the outcome of one executed test case.
type StepResult struct {
	Name    string
	Summary string
	Entry   *database.TestHistoryEntry
	Err     error
}

// Result holds the results of a run.
type Result struct {
	Steps  []StepResult
	Passed int
	Failed int
}

// Runner executes test cases one at a time on its own query client, so test
// runs never block or disturb the interactive conversation.
type Runner struct {
	db      *database.DB
	api     Backend
	queries *query.Client
	limiter *rate.Limiter
	cfg     Config
	logger  *log.Logger

	mu      sync.Mutex
	running bool
}

// New creates a runner.
func New(db *database.DB, api Backend, cfg Config) *Runner {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 1000
	}
	limit := rate.Inf
	if cfg.Delay > 0 {
		limit = rate.Every(cfg.Delay)
	}
	return &Runner{
		db:  db,
		api: api,
		queries: query.NewClient(api, query.Config{
			Mode:         query.ModePoll,
			PollInterval: cfg.PollInterval,
			Timeout:      cfg.Timeout,
			UserName:     cfg.UserName,
			Logger:       cfg.Logger,
		}),
		limiter: rate.NewLimiter(limit, 1),
		cfg:     cfg,
		logger:  cfg.Logger,
	}
}

// Close stops any running test query.
func (r *Runner) Close() error {
	return r.queries.Close()
}

// Running reports whether a run is in progress.
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Run executes the given cases sequentially. Cancelling ctx cancels the
// query in flight and skips the rest.
func (r *Runner) Run(ctx context.Context, cases []database.TestCase) (*Result, error) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil, ErrRunning
	}
	r.running = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	res := &Result{}
	for _, tc := range cases {
		if err := r.limiter.Wait(ctx); err != nil {
			res.Steps = append(res.Steps, StepResult{Name: caseName(tc), Summary: "skipped", Err: ctx.Err()})
			break
		}
		step := r.runCase(ctx, tc)
		res.Steps = append(res.Steps, step)
		if step.Entry != nil {
			switch step.Entry.Verdict {
			case Pass:
				res.Passed++
			case Fail:
				res.Failed++
			}
		}
		if ctx.Err() != nil {
			break
		}
	}

	if n, err := r.db.TrimTestHistory(r.cfg.HistoryLimit); err != nil {
		r.logger.Printf("testrunner: trimming history: %v", err)
	} else if n > 0 {
		r.logger.Printf("testrunner: dropped %d old history entries", n)
	}
	return res, nil
}

func caseName(tc database.TestCase) string {
	return fmt.Sprintf("#%d", tc.ID)
}

func (r *Runner) runCase(ctx context.Context, tc database.TestCase) StepResult {
	step := StepResult{Name: caseName(tc)}
	if err := r.db.UpdateTestCaseResult(tc.ID, "running", "", 0); err != nil {
		step.Err = fmt.Errorf("marking case running: %w", err)
		return step
	}

	job, err := r.queries.Submit(tc.Query, query.SubmitOptions{})
	if err != nil {
		step.Err = fmt.Errorf("submitting query: %w", err)
		if uerr := r.db.UpdateTestCaseResult(tc.ID, string(query.StatusFailed), "Error: "+err.Error(), 0); uerr != nil {
			step.Err = errors.Join(step.Err, fmt.Errorf("updating case: %w", uerr))
		}
		return step
	}
	final, err := r.queries.Wait(ctx, job.ID)
	if err != nil {
		final, err = r.queries.Cancel()
		if err != nil {
			final, _ = r.queries.Job(job.ID)
		}
	}

	entry := entryFor(tc, final)
	id, err := r.db.InsertTestHistory(entry)
	if err != nil {
		step.Err = fmt.Errorf("recording history: %w", err)
	}
	entry.ID = id
	if err := r.db.UpdateTestCaseResult(tc.ID, entry.Status, entry.Actual, entry.ExecutionTime); err != nil && step.Err == nil {
		step.Err = fmt.Errorf("updating case: %w", err)
	}

	step.Entry = &entry
	step.Summary = fmt.Sprintf("%s in %.1fs (%s)", entry.Status, entry.ExecutionTime.Seconds(), entry.Verdict)
	r.logger.Printf("testrunner: case %d %s", tc.ID, step.Summary)
	return step
}

// entryFor turns a finished job into a history entry with an automatic
// verdict.
func entryFor(tc database.TestCase, job query.Job) database.TestHistoryEntry {
	caseID := tc.ID
	e := database.TestHistoryEntry{
		CaseID:        &caseID,
		RemoteID:      job.RemoteID,
		Query:         tc.Query,
		Expected:      tc.Expected,
		Status:        string(job.Status),
		ExecutionTime: job.Elapsed(),
		Tags:          tc.Tags,
		Priority:      tc.Priority,
		CreatedAt:     job.UpdatedAt,
	}
	switch job.Status {
	case query.StatusCompleted:
		e.Actual = job.Markdown
		var table []byte
		if len(job.Table) > 0 {
			table, _ = json.Marshal(job.Table)
		} else if len(job.RawTable) > 0 {
			table = job.RawTable
		}
		if table != nil {
			s := string(table)
			e.TableJSON = &s
		}
	case query.StatusFailed:
		e.Actual = "Error: " + job.Error
	case query.StatusTimeout:
		e.Actual = "Timeout: the query took longer than the test timeout to process."
	case query.StatusCancelled:
		e.Actual = "Cancelled."
	}
	e.Verdict = Verdict(job.Status, tc.Expected, e.Actual)
	return e
}

// Verdict passes a completed run whose actual response contains the
// expected text, compared case-insensitively with whitespace collapsed. An
// empty expectation passes any completed run.
func Verdict(status query.Status, expected, actual string) string {
	if status != query.StatusCompleted {
		return Fail
	}
	want := squash(expected)
	if want == "" || strings.Contains(squash(actual), want) {
		return Pass
	}
	return Fail
}

func squash(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// Mark records a manual verdict for a history entry and submits it to the
// backend. The local verdict is kept even when submission fails.
func (r *Runner) Mark(ctx context.Context, entryID int64, verdict, issues string) error {
	verdict = strings.ToLower(strings.TrimSpace(verdict))
	if verdict != Pass && verdict != Fail {
		return fmt.Errorf("%w %q (expected pass or fail)", ErrInvalidVerdict, verdict)
	}
	issues = strings.TrimSpace(issues)
	if verdict == Fail && issues == "" {
		return fmt.Errorf("%w: describe the issues when marking a test as failed", ErrInvalidVerdict)
	}
	if verdict == Pass {
		issues = ""
	}

	e, err := r.db.GetTestHistory(entryID)
	if err != nil {
		return fmt.Errorf("loading history entry: %w", err)
	}
	if e == nil {
		return fmt.Errorf("%w: history entry %d", ErrNotFound, entryID)
	}

	submitErr := r.api.SubmitTestStatus(ctx, backend.TestStatusRequest{
		Query:            e.Query,
		UserName:         r.cfg.UserName,
		ActualResponse:   e.Actual,
		ExpectedResponse: e.Expected,
		Status:           verdict,
		Issues:           issues,
	})
	if err := r.db.MarkTestHistory(entryID, verdict, issues, submitErr == nil); err != nil {
		return fmt.Errorf("saving verdict: %w", err)
	}
	if submitErr != nil {
		return fmt.Errorf("submitting verdict: %w", submitErr)
	}
	return nil
}

// Sync merges the backend's test history into the local history. Entries
// already present (same query and timestamp) are skipped. It returns the
// number of entries added.
func (r *Runner) Sync(ctx context.Context) (int, error) {
	records, err := r.api.TestHistory(ctx, r.cfg.UserName)
	if err != nil {
		return 0, fmt.Errorf("fetching test history: %w", err)
	}

	added := 0
	for _, rec := range records {
		if rec.CreatedAt.IsZero() {
			r.logger.Printf("testrunner: skipping history record %s without timestamp", rec.ID)
			continue
		}
		verdict := strings.ToLower(rec.QueryStatus)
		if verdict != Pass && verdict != Fail {
			verdict = ""
		}
		id, err := r.db.InsertTestHistory(database.TestHistoryEntry{
			RemoteID:  rec.ID.String(),
			Query:     rec.Query,
			Expected:  rec.ExpectedResponse,
			Actual:    rec.ActualResponse,
			Status:    string(query.StatusCompleted),
			Verdict:   verdict,
			Issues:    rec.Issues,
			Priority:  "high",
			Submitted: true,
			FromAPI:   true,
			CreatedAt: rec.CreatedAt.Time,
		})
		if err != nil {
			return added, fmt.Errorf("storing history record %s: %w", rec.ID, err)
		}
		if id != 0 {
			added++
		}
	}

	if _, err := r.db.TrimTestHistory(r.cfg.HistoryLimit); err != nil {
		return added, fmt.Errorf("trimming history: %w", err)
	}
	return added, nil
}

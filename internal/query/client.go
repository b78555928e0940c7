package query

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/TobiSchelling/FinSight/internal/backend"
)

// Backend is the part of the backend API the client drives.
type Backend interface {
	SubmitQuery(ctx context.Context, req backend.ChatRequest) (string, error)
	StreamQuery(ctx context.Context, req backend.ChatRequest) (*backend.Stream, error)
	QueryStatus(ctx context.Context, queryID string) (*backend.StatusResponse, error)
}

type Config struct {
	Mode         Mode
	PollInterval time.Duration
	Timeout      time.Duration
	// RecoveryInterval enables slow polling of timed-out jobs when positive.
	RecoveryInterval time.Duration
	UserName         string
	Logger           *log.Logger
}

// SubmitOptions carries per-query parameters.
type SubmitOptions struct {
	Companies []string
	// UserName overrides the client's configured user.
	UserName string
}

// handle holds the resources tied to one running job.
type handle struct {
	cancel   context.CancelFunc
	deadline *time.Timer
}

func (h *handle) release() {
	if h.deadline != nil {
		h.deadline.Stop()
	}
	h.cancel()
}

// Client runs queries against the backend one at a time. Every state change
// is published to subscribed observers as a Job snapshot.
type Client struct {
	api    Backend
	cfg    Config
	logger *log.Logger

	root     context.Context
	stopRoot context.CancelFunc
	wg       sync.WaitGroup

	mu         sync.Mutex
	jobs       map[string]*Job
	done       map[string]chan struct{}
	handles    map[string]*handle
	suppressed map[string]struct{}
	observers  []Observer
	active     string
	revision   uint64
	closed     bool
}

// NewClient creates a lifecycle client.
func NewClient(api Backend, cfg Config) *Client {
	if cfg.Mode == "" {
		cfg.Mode = ModePoll
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 80 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	root, stop := context.WithCancel(context.Background())
	return &Client{
		api:        api,
		cfg:        cfg,
		logger:     cfg.Logger,
		root:       root,
		stopRoot:   stop,
		jobs:       make(map[string]*Job),
		done:       make(map[string]chan struct{}),
		handles:    make(map[string]*handle),
		suppressed: make(map[string]struct{}),
	}
}

// Subscribe registers an observer for job snapshots.
func (c *Client) Subscribe(o Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, o)
}

// Submit starts a new query and returns its first snapshot without waiting
// for the backend. It fails with ErrBlocked while another job is running.
func (c *Client) Submit(text string, opts SubmitOptions) (Job, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Job{}, ErrEmptyQuery
	}
	userName := opts.UserName
	if userName == "" {
		userName = c.cfg.UserName
	}

	now := time.Now()
	job := &Job{
		ID: newID(),
		Query: Query{
			ID:          newID(),
			Text:        text,
			Companies:   append([]string(nil), opts.Companies...),
			UserName:    userName,
			SubmittedAt: now,
		},
		Status:    StatusSubmitted,
		StartedAt: now,
		UpdatedAt: now,
	}

	snap, ctx, err := c.start(job)
	if err != nil {
		return Job{}, err
	}
	go func() {
		defer c.wg.Done()
		if c.cfg.Mode == ModeStream {
			c.stream(ctx, job.ID)
		} else {
			c.submitAndPoll(ctx, job.ID)
		}
	}()
	return snap, nil
}

// Resume adopts a backend query that is still processing, such as one found
// while loading history, and polls it to completion. The job id is the
// remote id.
func (c *Client) Resume(remoteID, text string) (Job, error) {
	c.mu.Lock()
	if _, ok := c.suppressed[remoteID]; ok {
		c.mu.Unlock()
		return Job{}, ErrSuppressed
	}
	if existing, ok := c.jobs[remoteID]; ok && !existing.Status.Terminal() {
		snap := *existing
		c.mu.Unlock()
		return snap, nil
	}
	c.mu.Unlock()

	now := time.Now()
	job := &Job{
		ID:       remoteID,
		RemoteID: remoteID,
		Query: Query{
			ID:          newID(),
			Text:        text,
			UserName:    c.cfg.UserName,
			SubmittedAt: now,
		},
		Status:    StatusProcessing,
		StartedAt: now,
		UpdatedAt: now,
	}

	snap, ctx, err := c.start(job)
	if err != nil {
		return Job{}, err
	}
	go func() {
		defer c.wg.Done()
		c.pollStatus(ctx, job.ID, remoteID, c.cfg.PollInterval)
	}()
	return snap, nil
}

// start registers job as the active job and arms its deadline. The caller
// must run the job's goroutine and call wg.Done when it returns.
func (c *Client) start(job *Job) (Job, context.Context, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Job{}, nil, ErrClosed
	}
	if c.active != "" {
		c.mu.Unlock()
		return Job{}, nil, ErrBlocked
	}

	ctx, cancel := context.WithCancel(c.root)
	id := job.ID
	c.jobs[id] = job
	c.done[id] = make(chan struct{})
	c.active = id
	c.handles[id] = &handle{
		cancel:   cancel,
		deadline: time.AfterFunc(c.cfg.Timeout, func() { c.expire(id) }),
	}
	c.wg.Add(1)
	snap := c.publishLocked(job)
	c.mu.Unlock()

	c.notify(snap)
	return snap, ctx, nil
}

// Cancel stops the active job. Late backend responses for it are dropped.
func (c *Client) Cancel() (Job, error) {
	c.mu.Lock()
	if c.active == "" {
		c.mu.Unlock()
		return Job{}, ErrNoActiveQuery
	}
	job := c.jobs[c.active]
	c.suppressed[job.ID] = struct{}{}
	if job.RemoteID != "" {
		c.suppressed[job.RemoteID] = struct{}{}
	}
	job.Status = StatusCancelled
	job.UpdatedAt = time.Now()
	snap := c.publishLocked(job)
	done := c.finishLocked(job)
	c.mu.Unlock()

	c.notify(snap)
	closeDone(done)
	c.logger.Printf("query %s: cancelled by user", job.ID)
	return snap, nil
}

// Active returns the running job, if any.
func (c *Client) Active() (Job, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == "" {
		return Job{}, false
	}
	return *c.jobs[c.active], true
}

// Busy reports whether a job is running.
func (c *Client) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != ""
}

// Job returns the latest snapshot of a job.
func (c *Client) Job(id string) (Job, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	job, ok := c.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

// Suppressed reports whether a local or remote id belongs to a cancelled job.
func (c *Client) Suppressed(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.suppressed[id]
	return ok
}

// Wait blocks until the job reaches a terminal status or ctx is done.
func (c *Client) Wait(ctx context.Context, id string) (Job, error) {
	c.mu.Lock()
	done, ok := c.done[id]
	c.mu.Unlock()
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}

	select {
	case <-done:
		job, _ := c.Job(id)
		return job, nil
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}
}

// Close cancels the running job, stops every poll loop and timer, and waits
// for background work to finish.
func (c *Client) Close() error {
	if _, err := c.Cancel(); err != nil && !errors.Is(err, ErrNoActiveQuery) {
		return err
	}

	c.mu.Lock()
	c.closed = true
	for id, h := range c.handles {
		h.release()
		delete(c.handles, id)
	}
	c.mu.Unlock()

	c.stopRoot()
	c.wg.Wait()
	return nil
}

func (c *Client) submitAndPoll(ctx context.Context, jobID string) {
	req := c.chatRequest(jobID)
	remoteID, err := c.api.SubmitQuery(ctx, req)
	if err != nil {
		if ctx.Err() == nil {
			c.fail(jobID, err)
		}
		return
	}

	applied := c.update(jobID, func(j *Job) bool {
		j.RemoteID = remoteID
		j.Status = StatusProcessing
		return true
	})
	if !applied {
		c.suppressLate(jobID, remoteID)
		return
	}
	c.logger.Printf("query %s: accepted as %s", jobID, remoteID)
	c.pollStatus(ctx, jobID, remoteID, c.cfg.PollInterval)
}

// pollStatus polls until the job is terminal, dropped, or ctx is done.
// Transient errors are retried on the next tick.
func (c *Client) pollStatus(ctx context.Context, jobID, remoteID string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		resp, err := c.api.QueryStatus(ctx, remoteID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, backend.ErrNotFound) {
				c.fail(jobID, err)
				return
			}
			c.logger.Printf("query %s: status poll failed, retrying: %v", remoteID, err)
			continue
		}
		if c.applyStatus(jobID, resp) {
			return
		}
	}
}

// applyStatus folds a backend status response into the job. It reports
// whether polling should stop.
func (c *Client) applyStatus(jobID string, resp *backend.StatusResponse) bool {
	stop := false
	applied := c.update(jobID, func(j *Job) bool {
		switch ParseStatus(resp.Status) {
		case StatusCompleted:
			j.Status = StatusCompleted
			j.Markdown = resp.MarkdownResponse
			j.setTable(resp.Table)
			stop = true
		case StatusFailed, StatusCancelled, StatusTimeout:
			j.Status = StatusFailed
			j.Error = failureText(resp)
			stop = true
		default:
			if j.Status == StatusProcessing && resp.MarkdownResponse == j.Markdown {
				return false
			}
			j.Status = StatusProcessing
			j.Markdown = resp.MarkdownResponse
		}
		return true
	})
	return stop || !applied
}

func failureText(resp *backend.StatusResponse) string {
	for _, s := range []string{resp.ErrorMessage, resp.Error} {
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return "Processing failed"
}

func (c *Client) stream(ctx context.Context, jobID string) {
	s, err := c.api.StreamQuery(ctx, c.chatRequest(jobID))
	if err != nil {
		if ctx.Err() == nil {
			c.fail(jobID, err)
		}
		return
	}
	defer s.Body.Close()

	applied := c.update(jobID, func(j *Job) bool {
		j.RemoteID = s.QueryID
		j.Status = StatusStreaming
		return true
	})
	if !applied {
		c.suppressLate(jobID, s.QueryID)
		return
	}

	buf := make([]byte, 4096)
	for {
		n, err := s.Body.Read(buf)
		if n > 0 {
			chunk := string(buf[:n])
			if !c.update(jobID, func(j *Job) bool {
				j.Markdown += chunk
				return true
			}) {
				return
			}
		}
		if errors.Is(err, io.EOF) {
			c.update(jobID, func(j *Job) bool {
				j.Status = StatusCompleted
				return true
			})
			return
		}
		if err != nil {
			if ctx.Err() == nil {
				c.fail(jobID, fmt.Errorf("reading stream: %w", err))
			}
			return
		}
	}
}

// expire moves a job that is still running at its deadline to timeout. With
// recovery enabled the backend keeps being polled slowly; a later result is
// delivered as a new job.
func (c *Client) expire(jobID string) {
	c.mu.Lock()
	job, ok := c.jobs[jobID]
	if !ok || job.Status.Terminal() {
		c.mu.Unlock()
		return
	}
	job.Status = StatusTimeout
	job.Error = fmt.Sprintf("no response within %s", c.cfg.Timeout)
	job.UpdatedAt = time.Now()
	snap := c.publishLocked(job)
	done := c.finishLocked(job)

	recovering := c.cfg.RecoveryInterval > 0 && c.cfg.Mode == ModePoll &&
		job.RemoteID != "" && !c.closed
	if recovering {
		ctx, cancel := context.WithCancel(c.root)
		c.handles[jobID] = &handle{cancel: cancel}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.recover(ctx, snap)
		}()
	}
	c.mu.Unlock()

	c.notify(snap)
	closeDone(done)
	c.logger.Printf("query %s: timed out after %s (recovery %t)", jobID, c.cfg.Timeout, recovering)
}

// recover polls a timed-out job until the backend reports a terminal status.
func (c *Client) recover(ctx context.Context, timedOut Job) {
	defer c.releaseHandle(timedOut.ID)

	ticker := time.NewTicker(c.cfg.RecoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		resp, err := c.api.QueryStatus(ctx, timedOut.RemoteID)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, backend.ErrNotFound) {
				return
			}
			c.logger.Printf("query %s: recovery poll failed: %v", timedOut.RemoteID, err)
			continue
		}

		status := ParseStatus(resp.Status)
		if !status.Terminal() {
			continue
		}

		now := time.Now()
		job := &Job{
			ID:            newID(),
			RemoteID:      timedOut.RemoteID,
			Query:         timedOut.Query,
			StartedAt:     timedOut.StartedAt,
			UpdatedAt:     now,
			RecoveredFrom: timedOut.ID,
		}
		if status == StatusCompleted {
			job.Status = StatusCompleted
			job.Markdown = resp.MarkdownResponse
			job.setTable(resp.Table)
		} else {
			job.Status = StatusFailed
			job.Error = failureText(resp)
		}

		c.mu.Lock()
		if _, gone := c.suppressed[timedOut.RemoteID]; gone || c.closed {
			c.mu.Unlock()
			return
		}
		c.jobs[job.ID] = job
		done := make(chan struct{})
		close(done)
		c.done[job.ID] = done
		snap := c.publishLocked(job)
		c.mu.Unlock()

		c.notify(snap)
		c.logger.Printf("query %s: recovered after timeout as %s", timedOut.RemoteID, job.ID)
		return
	}
}

func (c *Client) fail(jobID string, err error) {
	c.logger.Printf("query %s: failed: %v", jobID, err)
	c.update(jobID, func(j *Job) bool {
		j.Status = StatusFailed
		j.Error = err.Error()
		return true
	})
}

// update applies fn to a running job and publishes the result. It reports
// false, without calling fn, when the job is unknown, terminal or suppressed.
// fn returns false when it changed nothing.
func (c *Client) update(jobID string, fn func(*Job) bool) bool {
	c.mu.Lock()
	job, ok := c.jobs[jobID]
	if !ok || job.Status.Terminal() || c.suppressedLocked(job) {
		c.mu.Unlock()
		return false
	}
	if !fn(job) {
		c.mu.Unlock()
		return true
	}
	job.UpdatedAt = time.Now()
	snap := c.publishLocked(job)
	var done chan struct{}
	if job.Status.Terminal() {
		done = c.finishLocked(job)
	}
	c.mu.Unlock()

	c.notify(snap)
	closeDone(done)
	return true
}

// suppressLate records the remote id of a job that was cancelled before the
// backend accepted it.
func (c *Client) suppressLate(jobID, remoteID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.suppressed[jobID]; ok && remoteID != "" {
		c.suppressed[remoteID] = struct{}{}
	}
}

func (c *Client) suppressedLocked(job *Job) bool {
	if _, ok := c.suppressed[job.ID]; ok {
		return true
	}
	if job.RemoteID != "" {
		if _, ok := c.suppressed[job.RemoteID]; ok {
			return true
		}
	}
	return false
}

// publishLocked stamps a new revision and returns the snapshot to notify.
func (c *Client) publishLocked(job *Job) Job {
	c.revision++
	job.Revision = c.revision
	return *job
}

// finishLocked releases the single-flight slot and the job's resources. It
// returns the job's done channel, which the caller closes once observers
// have seen the terminal snapshot.
func (c *Client) finishLocked(job *Job) chan struct{} {
	if c.active == job.ID {
		c.active = ""
	}
	if h, ok := c.handles[job.ID]; ok {
		h.release()
		delete(c.handles, job.ID)
	}
	return c.done[job.ID]
}

func closeDone(done chan struct{}) {
	if done == nil {
		return
	}
	select {
	case <-done:
	default:
		close(done)
	}
}

func (c *Client) releaseHandle(jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.handles[jobID]; ok {
		h.release()
		delete(c.handles, jobID)
	}
}

func (c *Client) notify(job Job) {
	c.mu.Lock()
	observers := append([]Observer(nil), c.observers...)
	c.mu.Unlock()
	for _, o := range observers {
		o.OnJobUpdate(job)
	}
}

func (c *Client) chatRequest(jobID string) backend.ChatRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.jobs[jobID].Query
	return backend.ChatRequest{
		Query:     q.Text,
		UserName:  q.UserName,
		Companies: q.Companies,
	}
}

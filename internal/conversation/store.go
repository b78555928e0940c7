package conversation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/TobiSchelling/FinSight/internal/query"
)

// DefaultPageSize is the number of messages visible initially and added by
// each LoadOlder call.
const DefaultPageSize = 20

// ErrNotFound is returned for unknown message ids.
var ErrNotFound = errors.New("message not found")

// History pages through stored messages.
type History interface {
	// Page returns up to limit messages created at or before the given
	// time, oldest first. A zero time means "newest".
	Page(ctx context.Context, before time.Time, limit int) ([]Message, error)
}

// Sink persists messages as they are added or reach a final state.
type Sink interface {
	Save(ctx context.Context, m Message) error
	SetFeedback(ctx context.Context, id string, fb Feedback) error
}

// Resumer continues polling a backend query found pending in history.
type Resumer interface {
	Resume(remoteID, text string) (query.Job, error)
}

type Options struct {
	PageSize int
	History  History
	Sink     Sink
	Resumer  Resumer
	Logger   *log.Logger
}

type remoteKey struct {
	role     Role
	remoteID string
}

// Store is the ordered conversation. It implements query.Observer: job
// snapshots append the user and assistant messages of a new job and then
// update the assistant message in place until it is final.
type Store struct {
	pageSize int
	history  History
	sink     Sink
	resumer  Resumer
	logger   *log.Logger

	mu          sync.Mutex
	messages    []Message
	index       map[string]int
	remote      map[remoteKey]string
	suppressed  map[string]struct{}
	visible     int
	historyMore bool
}

// NewStore creates an empty conversation.
func NewStore(opts Options) *Store {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Store{
		pageSize:    opts.PageSize,
		history:     opts.History,
		sink:        opts.Sink,
		resumer:     opts.Resumer,
		logger:      opts.Logger,
		index:       make(map[string]int),
		remote:      make(map[remoteKey]string),
		suppressed:  make(map[string]struct{}),
		visible:     opts.PageSize,
		historyMore: opts.History != nil,
	}
}

// OnJobUpdate applies a lifecycle snapshot. Snapshots for cancelled jobs,
// for messages that are already final, and stale revisions are dropped.
func (s *Store) OnJobUpdate(job query.Job) {
	s.mu.Lock()
	if s.isSuppressedLocked(job.ID, job.RemoteID) {
		s.mu.Unlock()
		return
	}
	if job.Status == query.StatusCancelled {
		s.suppressLocked(job.ID, job.RemoteID)
	}

	var saves []Message
	if i, ok := s.assistantFor(job); ok {
		m := &s.messages[i]
		if m.Status.Terminal() || (m.Revision != 0 && job.Revision <= m.Revision) {
			s.mu.Unlock()
			return
		}
		remoteChanged := m.RemoteID != job.RemoteID
		m.fromJob(job)
		s.linkRemoteLocked(i)
		if u, ok := s.index[job.ID+"-user"]; ok && remoteChanged {
			s.messages[u].RemoteID = job.RemoteID
			s.linkRemoteLocked(u)
			saves = append(saves, s.messages[u])
		}
		if remoteChanged || m.Final() {
			saves = append(saves, *m)
		}
	} else {
		if job.RecoveredFrom == "" {
			userID := job.ID + "-user"
			if _, exists := s.index[userID]; !exists {
				u := Message{
					ID:        userID,
					Role:      RoleUser,
					Content:   job.Query.Text,
					Query:     job.Query.Text,
					JobID:     job.ID,
					RemoteID:  job.RemoteID,
					CreatedAt: job.Query.SubmittedAt,
					UpdatedAt: job.Query.SubmittedAt,
				}
				s.appendLocked(u)
				saves = append(saves, u)
			}
		}
		created := job.StartedAt
		if job.RecoveredFrom != "" {
			created = job.UpdatedAt
		}
		m := Message{
			ID:        job.ID + "-ai",
			Role:      RoleAssistant,
			Query:     job.Query.Text,
			JobID:     job.ID,
			CreatedAt: created,
		}
		m.fromJob(job)
		s.appendLocked(m)
		saves = append(saves, m)
	}
	s.mu.Unlock()

	s.save(saves...)
}

// assistantFor finds the assistant message a snapshot updates: by job id,
// or for resumed jobs by remote id. Recovered jobs always get a new message.
func (s *Store) assistantFor(job query.Job) (int, bool) {
	if i, ok := s.index[job.ID+"-ai"]; ok {
		return i, true
	}
	if job.RecoveredFrom != "" || job.RemoteID == "" {
		return 0, false
	}
	if id, ok := s.remote[remoteKey{RoleAssistant, job.RemoteID}]; ok {
		i := s.index[id]
		if !s.messages[i].Status.Terminal() {
			return i, true
		}
	}
	return 0, false
}

// AppendUser adds a standalone user message.
func (s *Store) AppendUser(text string) Message {
	return s.appendLocal(Message{Role: RoleUser, Content: text, Query: text})
}

// AppendAssistant adds a final assistant message, such as a notice.
func (s *Store) AppendAssistant(content string) Message {
	return s.appendLocal(Message{Role: RoleAssistant, Content: content, Status: query.StatusCompleted})
}

func (s *Store) appendLocal(m Message) Message {
	now := time.Now()
	m.ID = "local-" + uuid.NewString()
	m.CreatedAt = now
	m.UpdatedAt = now

	s.mu.Lock()
	s.appendLocked(m)
	s.mu.Unlock()

	s.save(m)
	return m
}

// SetFeedback records a vote on an assistant message.
func (s *Store) SetFeedback(ctx context.Context, id string, fb Feedback) (Message, error) {
	s.mu.Lock()
	i, ok := s.index[id]
	if !ok {
		s.mu.Unlock()
		return Message{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	m := &s.messages[i]
	if m.Role != RoleAssistant {
		s.mu.Unlock()
		return Message{}, fmt.Errorf("feedback is only accepted on responses")
	}
	m.Feedback = fb
	out := *m
	s.mu.Unlock()

	if s.sink != nil {
		if err := s.sink.SetFeedback(ctx, id, fb); err != nil {
			return out, fmt.Errorf("saving feedback: %w", err)
		}
	}
	return out, nil
}

// Get returns a message by id.
func (s *Store) Get(id string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[id]
	if !ok {
		return Message{}, false
	}
	return s.messages[i], true
}

// Messages returns the whole loaded conversation in chronological order.
func (s *Store) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

// Visible returns the most recent window of messages.
func (s *Store) Visible() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := len(s.messages) - s.visible
	if start < 0 {
		start = 0
	}
	return append([]Message(nil), s.messages[start:]...)
}

// HasMore reports whether older messages exist beyond the visible window.
func (s *Store) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages) > s.visible || s.historyMore
}

// Pending returns assistant messages still waiting for the backend.
func (s *Store) Pending() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, m := range s.messages {
		if !m.Final() {
			out = append(out, m)
		}
	}
	return out
}

// Suppress marks a job or remote id as cancelled so later updates and
// history entries for it are ignored.
func (s *Store) Suppress(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suppressLocked(ids...)
}

// LoadInitial loads the newest page of history and resumes polling for the
// newest query still processing on the backend.
func (s *Store) LoadInitial(ctx context.Context) error {
	if s.history == nil {
		return nil
	}
	page, err := s.history.Page(ctx, time.Time{}, s.pageSize)
	if err != nil {
		return fmt.Errorf("loading history: %w", err)
	}

	s.mu.Lock()
	s.mergeLocked(page)
	s.historyMore = len(page) >= s.pageSize
	var pending *Message
	for i := len(s.messages) - 1; i >= 0; i-- {
		m := s.messages[i]
		if m.Role == RoleAssistant && !m.Final() && m.RemoteID != "" {
			pending = &m
			break
		}
	}
	s.mu.Unlock()

	if pending != nil && s.resumer != nil {
		if _, err := s.resumer.Resume(pending.RemoteID, pending.Query); err != nil {
			s.logger.Printf("conversation: not resuming %s: %v", pending.RemoteID, err)
		}
	}
	return nil
}

// LoadOlder widens the visible window by one page, fetching older history
// when the loaded messages run out. It returns the number of messages added.
func (s *Store) LoadOlder(ctx context.Context) (int, error) {
	s.mu.Lock()
	s.visible += s.pageSize
	fetch := s.history != nil && s.historyMore && s.visible > len(s.messages)
	var oldest time.Time
	limit := s.pageSize
	if len(s.messages) > 0 {
		oldest = s.messages[0].CreatedAt
		for _, m := range s.messages {
			if !m.CreatedAt.Equal(oldest) {
				break
			}
			limit++
		}
	}
	s.mu.Unlock()

	added := 0
	var err error
	if fetch {
		var page []Message
		page, err = s.history.Page(ctx, oldest, limit)
		if err != nil {
			err = fmt.Errorf("loading older history: %w", err)
		}

		s.mu.Lock()
		added = s.mergeLocked(page)
		if err == nil && (added == 0 || len(page) < limit) {
			s.historyMore = false
		}
		s.mu.Unlock()
	}

	s.mu.Lock()
	if s.visible > len(s.messages) {
		s.visible = len(s.messages)
	}
	if s.visible < s.pageSize {
		s.visible = s.pageSize
	}
	s.mu.Unlock()
	return added, err
}

// mergeLocked adds messages not already present, by id or by (role, remote
// id), and restores chronological order.
func (s *Store) mergeLocked(msgs []Message) int {
	added := 0
	for _, m := range msgs {
		if _, ok := s.index[m.ID]; ok {
			continue
		}
		if m.RemoteID != "" {
			if _, ok := s.remote[remoteKey{m.Role, m.RemoteID}]; ok {
				continue
			}
			if m.Role == RoleAssistant && !m.Final() && s.isSuppressedLocked(m.JobID, m.RemoteID) {
				m.Status = query.StatusCancelled
				m.Content = CancelledText
			}
		}
		s.appendLocked(m)
		added++
	}
	if added > 0 {
		sort.SliceStable(s.messages, func(i, j int) bool {
			return s.messages[i].CreatedAt.Before(s.messages[j].CreatedAt)
		})
		s.reindexLocked()
	}
	return added
}

func (s *Store) appendLocked(m Message) {
	s.messages = append(s.messages, m)
	s.index[m.ID] = len(s.messages) - 1
	s.linkRemoteLocked(len(s.messages) - 1)
}

func (s *Store) linkRemoteLocked(i int) {
	m := s.messages[i]
	if m.RemoteID != "" {
		s.remote[remoteKey{m.Role, m.RemoteID}] = m.ID
	}
}

func (s *Store) reindexLocked() {
	s.index = make(map[string]int, len(s.messages))
	for i, m := range s.messages {
		s.index[m.ID] = i
	}
}

func (s *Store) suppressLocked(ids ...string) {
	for _, id := range ids {
		if id != "" {
			s.suppressed[id] = struct{}{}
		}
	}
}

func (s *Store) isSuppressedLocked(ids ...string) bool {
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := s.suppressed[id]; ok {
			return true
		}
	}
	return false
}

func (s *Store) save(msgs ...Message) {
	if s.sink == nil {
		return
	}
	for _, m := range msgs {
		if err := s.sink.Save(context.Background(), m); err != nil {
			s.logger.Printf("conversation: saving message %s: %v", m.ID, err)
		}
	}
}

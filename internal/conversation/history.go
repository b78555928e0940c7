package conversation

import (
	"context"
	"encoding/json"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/TobiSchelling/FinSight/internal/backend"
	"github.com/TobiSchelling/FinSight/internal/database"
	"github.com/TobiSchelling/FinSight/internal/normalize"
	"github.com/TobiSchelling/FinSight/internal/query"
)

// QueryLister is the backend call RemoteHistory pages over.
type QueryLister interface {
	Queries(ctx context.Context, userName string) ([]backend.QueryRecord, error)
}

// RemoteHistory reads the user's query history from the backend. The
// backend returns the full list; paging happens client-side.
type RemoteHistory struct {
	api      QueryLister
	userName string
}

func NewRemoteHistory(api QueryLister, userName string) *RemoteHistory {
	return &RemoteHistory{api: api, userName: userName}
}

func (h *RemoteHistory) Page(ctx context.Context, before time.Time, limit int) ([]Message, error) {
	records, err := h.api.Queries(ctx, h.userName)
	if err != nil {
		return nil, err
	}
	var msgs []Message
	for _, rec := range records {
		msgs = append(msgs, FromRecord(rec)...)
	}
	return pageOf(msgs, before, limit), nil
}

// FromRecord turns one backend history record into its user message and,
// for completed, failed or processing queries, the assistant message.
func FromRecord(rec backend.QueryRecord) []Message {
	id := rec.QueryID.String()
	created := rec.CreatedAt.Time
	if created.IsZero() {
		created = time.Now()
	}
	updated := rec.UpdatedAt.Time
	if updated.IsZero() {
		updated = created
	}

	msgs := []Message{{
		ID:        id + "-user",
		Role:      RoleUser,
		Content:   rec.Query,
		Query:     rec.Query,
		JobID:     id,
		RemoteID:  id,
		CreatedAt: created,
		UpdatedAt: created,
	}}

	ai := Message{
		ID:        id + "-ai",
		Role:      RoleAssistant,
		Query:     rec.Query,
		JobID:     id,
		RemoteID:  id,
		CreatedAt: updated,
		UpdatedAt: updated,
	}
	switch query.ParseStatus(rec.Status) {
	case query.StatusCompleted:
		ai.Status = query.StatusCompleted
		ai.Content = rec.MarkdownResponse
		setTable(&ai, rec.Table)
	case query.StatusFailed:
		ai.Status = query.StatusFailed
		msg := strings.TrimSpace(rec.ErrorMessage)
		if msg == "" {
			msg = "Processing failed"
		}
		ai.Content = "Error: " + msg
	case query.StatusProcessing:
		ai.Status = query.StatusProcessing
		ai.Content = ProcessingText
	default:
		return msgs
	}
	return append(msgs, ai)
}

func setTable(m *Message, raw []byte) {
	p := normalize.Normalize(raw)
	if p == nil {
		return
	}
	m.RawTable = p.Raw
	if p.Financial() {
		m.Table = p.Table
	}
}

// pageOf returns the newest limit messages at or before the cutoff, oldest
// first.
func pageOf(msgs []Message, before time.Time, limit int) []Message {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
	if !before.IsZero() {
		n := sort.Search(len(msgs), func(i int) bool { return msgs[i].CreatedAt.After(before) })
		msgs = msgs[:n]
	}
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs
}

// LocalHistory stores the conversation in the local database. It serves as
// both History and Sink.
type LocalHistory struct {
	db *database.DB
}

func NewLocalHistory(db *database.DB) *LocalHistory {
	return &LocalHistory{db: db}
}

func (h *LocalHistory) Page(_ context.Context, before time.Time, limit int) ([]Message, error) {
	records, err := h.db.MessagesBefore(before, limit)
	if err != nil {
		return nil, err
	}
	msgs := make([]Message, 0, len(records))
	for _, r := range records {
		m := Message{
			ID:        r.ID,
			Role:      Role(r.Role),
			Content:   r.Content,
			Query:     r.Query,
			JobID:     r.JobID,
			RemoteID:  r.RemoteID,
			Feedback:  Feedback(r.Feedback),
			CreatedAt: r.CreatedAt,
			UpdatedAt: r.UpdatedAt,
		}
		if r.Status != "" {
			m.Status = query.Status(r.Status)
		}
		if r.TableJSON != nil {
			setTable(&m, []byte(*r.TableJSON))
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func (h *LocalHistory) Save(_ context.Context, m Message) error {
	rec := database.Message{
		ID:        m.ID,
		Role:      string(m.Role),
		Content:   m.Content,
		Query:     m.Query,
		JobID:     m.JobID,
		RemoteID:  m.RemoteID,
		Status:    string(m.Status),
		Feedback:  string(m.Feedback),
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
	var table []byte
	switch {
	case len(m.Table) > 0:
		table, _ = json.Marshal(m.Table)
	case len(m.RawTable) > 0:
		table = m.RawTable
	}
	if table != nil {
		s := string(table)
		rec.TableJSON = &s
	}
	return h.db.UpsertMessage(rec)
}

func (h *LocalHistory) SetFeedback(_ context.Context, id string, fb Feedback) error {
	return h.db.SetMessageFeedback(id, string(fb))
}

// FallbackHistory reads from Primary and falls back to Secondary when the
// primary source fails.
type FallbackHistory struct {
	Primary   History
	Secondary History
	Logger    *log.Logger
}

func (h *FallbackHistory) Page(ctx context.Context, before time.Time, limit int) ([]Message, error) {
	msgs, err := h.Primary.Page(ctx, before, limit)
	if err == nil {
		return msgs, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}
	logger := h.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger.Printf("conversation: primary history failed, using local history: %v", err)
	return h.Secondary.Page(ctx, before, limit)
}

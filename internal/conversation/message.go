// Package conversation keeps the ordered chat between the user and the
// backend, fed by query lifecycle updates and by stored history.
package conversation

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/TobiSchelling/FinSight/internal/markdown"
	"github.com/TobiSchelling/FinSight/internal/normalize"
	"github.com/TobiSchelling/FinSight/internal/query"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Feedback string

const (
	FeedbackNone Feedback = ""
	FeedbackUp   Feedback = "up"
	FeedbackDown Feedback = "down"
)

// ParseFeedback accepts up/down (and the positive/negative aliases) or
// none/"" to clear.
func ParseFeedback(s string) (Feedback, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "up", "positive":
		return FeedbackUp, nil
	case "down", "negative":
		return FeedbackDown, nil
	case "", "none":
		return FeedbackNone, nil
	}
	return FeedbackNone, fmt.Errorf("invalid feedback %q (expected up, down or none)", s)
}

// Placeholder texts shown for non-final assistant messages.
const (
	ProcessingText = "Processing your request..."
	CancelledText  = "Request cancelled by user."
	TimeoutText    = "The request timed out before the backend answered. It may still be processing; results will appear here if they arrive."
)

// Message is one entry of the conversation.
type Message struct {
	ID       string
	Role     Role
	Content  string
	Query    string
	JobID    string
	RemoteID string
	Status   query.Status
	Table    normalize.Table
	RawTable json.RawMessage
	Feedback Feedback
	// Revision of the job snapshot last applied; 0 for history.
	Revision  uint64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Final reports whether the message will not change anymore.
func (m Message) Final() bool {
	return m.Role == RoleUser || m.Status.Terminal()
}

// Time formats the creation time for display.
func (m Message) Time() string {
	if m.CreatedAt.IsZero() {
		return ""
	}
	local := m.CreatedAt.Local()
	if local.Format("2006-01-02") == time.Now().Format("2006-01-02") {
		return local.Format("15:04")
	}
	return local.Format("Jan 02 15:04")
}

// HasTable reports whether the message carries table data.
func (m Message) HasTable() bool {
	return len(m.Table) > 0 || len(m.RawTable) > 0
}

// CopyText is the message as clipboard-friendly plain text, with any table
// data appended below the response.
func (m Message) CopyText() string {
	text := markdown.Fold(markdown.PlainText(m.Content))
	if table := TableText(m.Table, m.RawTable); table != "" {
		text += "\n\n--- TABLE DATA ---\n" + table
	}
	return text
}

// TableText renders table data as indented plain text: one block per
// section, one line per period. Non-financial tables fall back to a
// " | " joined grid.
func TableText(table normalize.Table, raw json.RawMessage) string {
	var b strings.Builder
	if len(table) > 0 {
		for _, s := range table {
			fmt.Fprintf(&b, "\nCompany: %s\n", s.Company)
			if s.TableType != "" || s.DataType != "" {
				fmt.Fprintf(&b, "Type: %s (%s)\n", s.TableType, s.DataType)
			}
			b.WriteString("---\n")
			cells := s.Cells()
			for _, metric := range s.Metrics() {
				fmt.Fprintf(&b, "%s:\n", normalize.DisplayMetric(metric))
				seen := make(map[string]bool)
				for _, r := range s.Results {
					if r.MetricName != metric || seen[r.Period] {
						continue
					}
					seen[r.Period] = true
					fmt.Fprintf(&b, "  %s: %s\n", r.Period, cells[metric][r.Period])
				}
			}
		}
		return b.String()
	}

	headers, rows, ok := normalize.Generic(raw)
	if !ok {
		if len(raw) == 0 {
			return ""
		}
		var v any
		if json.Unmarshal(raw, &v) != nil {
			return string(raw)
		}
		out, _ := json.MarshalIndent(v, "", "  ")
		return string(out)
	}
	b.WriteString(strings.Join(headers, " | ") + "\n")
	sep := make([]string, len(headers))
	for i := range sep {
		sep[i] = "---"
	}
	b.WriteString(strings.Join(sep, " | ") + "\n")
	for _, row := range rows {
		b.WriteString(strings.Join(row, " | ") + "\n")
	}
	return b.String()
}

// fromJob projects a job snapshot onto an assistant message.
func (m *Message) fromJob(job query.Job) {
	m.Status = job.Status
	m.RemoteID = job.RemoteID
	m.Revision = job.Revision
	m.UpdatedAt = job.UpdatedAt

	switch job.Status {
	case query.StatusCompleted:
		m.Content = job.Markdown
		m.Table = job.Table
		m.RawTable = job.RawTable
	case query.StatusFailed:
		m.Content = "Error: " + job.Error
	case query.StatusCancelled:
		m.Content = CancelledText
	case query.StatusTimeout:
		m.Content = TimeoutText
	default:
		if job.Markdown != "" {
			m.Content = job.Markdown
		} else {
			m.Content = ProcessingText
		}
	}
}

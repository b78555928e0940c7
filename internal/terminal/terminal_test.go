package terminal

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/TobiSchelling/FinSight/internal/conversation"
	"github.com/TobiSchelling/FinSight/internal/database"
	"github.com/TobiSchelling/FinSight/internal/normalize"
	"github.com/TobiSchelling/FinSight/internal/query"
)

func section() normalize.Section {
	return normalize.Section{
		Company:   "tcs",
		TableType: "quarters",
		Results: []normalize.Result{
			{MetricName: "Sales-", Period: "Mar 2024", RawValue: "61,237"},
			{MetricName: "Sales-", Period: "Dec 2023", RawValue: "60,583"},
			{MetricName: "EPS", Period: "Mar 2024", RawValue: "34.37"},
		},
	}
}

func TestSectionGrid(t *testing.T) {
	out := Section(section())
	lines := strings.Split(out, "\n")
	assert.Contains(t, out, "Metric")
	assert.Contains(t, out, "Sales")
	assert.NotContains(t, out, "Sales-")
	assert.Contains(t, out, "61,237")

	header := lines[1]
	assert.Less(t, strings.Index(header, "Dec 2023"), strings.Index(header, "Mar 2024"))
}

func TestTableFallsBackToGeneric(t *testing.T) {
	out := Table(nil, []byte(`[{"name":"TCS","pe":31.5}]`))
	assert.Contains(t, out, "name")
	assert.Contains(t, out, "31.5")

	out = Table(nil, []byte(`{"note":"n/a"}`))
	assert.Contains(t, out, `"note": "n/a"`)
}

func TestMessage(t *testing.T) {
	m := conversation.Message{
		Role:      conversation.RoleAssistant,
		Content:   "## Result\n\nEPS was **34.37**",
		Status:    query.StatusCompleted,
		Feedback:  conversation.FeedbackUp,
		Table:     normalize.Table{section()},
		CreatedAt: time.Now(),
	}
	out := Message(m)
	assert.Contains(t, out, "FinSight")
	assert.Contains(t, out, "(+1)")
	assert.Contains(t, out, "EPS was 34.37")
	assert.NotContains(t, out, "**")
	assert.Contains(t, out, "tcs - QUARTERS")

	pending := conversation.Message{Role: conversation.RoleAssistant, Content: conversation.ProcessingText, Status: query.StatusProcessing}
	assert.Contains(t, Message(pending), "[processing]")

	user := conversation.Message{Role: conversation.RoleUser, Content: "EPS of **TCS**"}
	assert.Contains(t, Message(user), "EPS of **TCS**")
}

func TestProgress(t *testing.T) {
	start := time.Now().Add(-3 * time.Second)
	job := query.Job{Status: query.StatusCompleted, RemoteID: "r1", StartedAt: start, UpdatedAt: start.Add(1500 * time.Millisecond)}
	assert.Contains(t, Progress(job), "completed 1.5s r1")
}

func TestTestViews(t *testing.T) {
	cases := TestCases([]database.TestCase{{ID: 7, Query: "EPS of TCS", Priority: "high", Status: "pending", Tags: []string{"eps"}}})
	assert.Contains(t, cases, "EPS of TCS")
	assert.Contains(t, cases, "high")

	hist := TestHistory([]database.TestHistoryEntry{{ID: 3, Query: "q", Status: "completed", Verdict: "pass", Submitted: true, FromAPI: true, CreatedAt: time.Now()}})
	assert.Contains(t, hist, "pass*")
	assert.Contains(t, hist, "api")

	stats := Stats(database.TestStats{Total: 4, Completed: 3, Passed: 2, FailedVerdicts: 1, AvgExecutionTime: 2500 * time.Millisecond}, "All time")
	assert.Contains(t, stats, "Completed:  3 (75%)")
	assert.Contains(t, stats, "Avg time:   2.5s")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "a b", truncate("a\n  b", 10))
	assert.Equal(t, "abcd...", truncate("abcdefghij", 7))
}

package terminal

import (
	"fmt"
	"strings"

	"github.com/TobiSchelling/FinSight/internal/database"
	"github.com/TobiSchelling/FinSight/internal/export"
)

// TestCases renders stored test cases as a table.
func TestCases(cases []database.TestCase) string {
	rows := make([][]string, 0, len(cases))
	for _, tc := range cases {
		rows = append(rows, []string{
			fmt.Sprint(tc.ID),
			truncate(tc.Query, 48),
			tc.Priority,
			tc.Status,
			export.FormatDuration(tc.ExecutionTime),
			strings.Join(tc.Tags, ", "),
		})
	}
	return Grid([]string{"ID", "Query", "Priority", "Status", "Time", "Tags"}, rows)
}

// TestHistory renders history entries as a table.
func TestHistory(entries []database.TestHistoryEntry) string {
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		verdict := e.Verdict
		if e.Submitted {
			verdict += "*"
		}
		source := "local"
		if e.FromAPI {
			source = "api"
		}
		rows = append(rows, []string{
			fmt.Sprint(e.ID),
			e.CreatedAt.Local().Format("Jan 02 15:04"),
			truncate(e.Query, 40),
			e.Status,
			verdict,
			export.FormatDuration(e.ExecutionTime),
			source,
		})
	}
	return Grid([]string{"ID", "When", "Query", "Status", "Verdict", "Time", "Source"}, rows)
}

// Stats renders a summary of test history.
func Stats(s database.TestStats, period string) string {
	var b strings.Builder
	b.WriteString(Title("Test statistics: "+period) + "\n")
	fmt.Fprintf(&b, "  Total:      %d\n", s.Total)
	fmt.Fprintf(&b, "  Completed:  %d (%.0f%%)\n", s.Completed, s.SuccessRate()*100)
	fmt.Fprintf(&b, "  Failed:     %d\n", s.Failed)
	fmt.Fprintf(&b, "  Timed out:  %d\n", s.TimedOut)
	fmt.Fprintf(&b, "  Verdicts:   %d pass / %d fail\n", s.Passed, s.FailedVerdicts)
	if avg := export.FormatDuration(s.AvgExecutionTime); avg != "" {
		fmt.Fprintf(&b, "  Avg time:   %s\n", avg)
	}
	return b.String()
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-3]) + "..."
}

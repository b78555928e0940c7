package export

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

// Record is one test result as exported.
type Record struct {
	Query         string
	Expected      string
	Actual        string
	Status        string
	Verdict       string
	ExecutionTime time.Duration
	Timestamp     time.Time
	Tags          []string
	Priority      string
}

type resultJSON struct {
	Query            string `json:"query"`
	ExpectedResponse string `json:"expectedResponse"`
	ActualResponse   string `json:"actualResponse"`
	Status           string `json:"status"`
	TestStatus       string `json:"testStatus,omitempty"`
	ExecutionTime    string `json:"executionTime"`
	Timestamp        string `json:"timestamp"`
	Tags             string `json:"tags"`
	Priority         string `json:"priority"`
}

// ResultsJSON writes the records as an indented JSON array.
func ResultsJSON(w io.Writer, records []Record) error {
	out := make([]resultJSON, 0, len(records))
	for _, rec := range records {
		r := resultJSON{
			Query:            rec.Query,
			ExpectedResponse: rec.Expected,
			ActualResponse:   rec.Actual,
			Status:           rec.Status,
			TestStatus:       rec.Verdict,
			ExecutionTime:    FormatDuration(rec.ExecutionTime),
			Tags:             strings.Join(rec.Tags, ", "),
			Priority:         rec.Priority,
		}
		if !rec.Timestamp.IsZero() {
			r.Timestamp = rec.Timestamp.UTC().Format(time.RFC3339)
		}
		out = append(out, r)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("encoding results: %w", err)
	}
	return nil
}

// FormatDuration renders an execution time as seconds with one decimal,
// or "" when unknown.
func FormatDuration(d time.Duration) string {
	if d <= 0 {
		return ""
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}

package testrunner

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/TobiSchelling/FinSight/internal/database"
	"github.com/TobiSchelling/FinSight/internal/export"
	"github.com/TobiSchelling/FinSight/internal/query"
)

// ErrNoPromptColumn is returned when a sheet has no "prompt" or "prompts"
// header.
var ErrNoPromptColumn = errors.New("could not find a Prompt column")

// ParsePrompts reads test prompts from CSV. The first row is a header and
// must contain a "prompt" or "prompts" column.
func ParsePrompts(r io.Reader) ([]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	rows, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading csv: %w", err)
	}
	return promptsFromRows(rows)
}

// ParsePromptsXLSX reads test prompts from an Excel workbook. Among the
// sheets that carry a prompt column, one named like "DB Chat" wins, else the
// one with the most rows. Without any such sheet the first sheet is used and
// its headers are reported.
func ParsePromptsXLSX(r io.Reader) ([]string, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("opening workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("workbook has no sheets")
	}

	var (
		chosen [][]string
		found  bool
	)
	for i, name := range sheets {
		rows, err := f.GetRows(name)
		if err != nil {
			return nil, fmt.Errorf("reading sheet %q: %w", name, err)
		}
		if i == 0 {
			chosen = rows
		}
		if len(rows) == 0 || promptColumn(rows[0]) < 0 {
			continue
		}
		if strings.Contains(strings.ToLower(name), "db chat") {
			chosen, found = rows, true
			break
		}
		if !found || len(rows) > len(chosen) {
			chosen, found = rows, true
		}
	}
	return promptsFromRows(chosen)
}

// ParsePromptFile picks the parser from the file extension: .xlsx and .xlsm
// go through the workbook reader, everything else is read as CSV.
func ParsePromptFile(name string, r io.Reader) ([]string, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".xlsx", ".xlsm":
		return ParsePromptsXLSX(r)
	case ".xls":
		return nil, fmt.Errorf("legacy .xls workbooks are not supported, save %s as .xlsx", filepath.Base(name))
	default:
		return ParsePrompts(r)
	}
}

func promptColumn(header []string) int {
	for i, h := range header {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case "prompt", "prompts":
			return i
		}
	}
	return -1
}

func promptsFromRows(rows [][]string) ([]string, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("no data found in file")
	}
	header := rows[0]
	col := promptColumn(header)
	if col < 0 {
		names := make([]string, 0, len(header))
		for _, h := range header {
			if h = strings.TrimSpace(h); h != "" {
				names = append(names, fmt.Sprintf("%q", h))
			}
		}
		if len(names) == 0 {
			return nil, fmt.Errorf("%w (header row is empty)", ErrNoPromptColumn)
		}
		return nil, fmt.Errorf("%w (found: %s)", ErrNoPromptColumn, strings.Join(names, ", "))
	}

	var prompts []string
	for _, row := range rows[1:] {
		if col >= len(row) {
			continue
		}
		p := strings.TrimSpace(row[col])
		if p == "" || strings.EqualFold(p, "prompt") {
			continue
		}
		prompts = append(prompts, p)
	}
	if len(prompts) == 0 {
		return nil, fmt.Errorf("no prompts found in column %q", strings.TrimSpace(header[col]))
	}
	return prompts, nil
}

// ImportCSV stores every prompt of a CSV file as a new test case and returns
// the created cases.
func (r *Runner) ImportCSV(in io.Reader, tags []string, priority string) ([]database.TestCase, error) {
	prompts, err := ParsePrompts(in)
	if err != nil {
		return nil, err
	}
	return r.insertPrompts(prompts, tags, priority)
}

// ImportFile is ImportCSV for CSV or Excel input, chosen by the name's
// extension.
func (r *Runner) ImportFile(name string, in io.Reader, tags []string, priority string) ([]database.TestCase, error) {
	prompts, err := ParsePromptFile(name, in)
	if err != nil {
		return nil, err
	}
	return r.insertPrompts(prompts, tags, priority)
}

func (r *Runner) insertPrompts(prompts, tags []string, priority string) ([]database.TestCase, error) {
	var out []database.TestCase
	for _, p := range prompts {
		tc := database.TestCase{Query: p, Tags: tags, Priority: priority}
		id, err := r.db.InsertTestCase(tc)
		if err != nil {
			return out, fmt.Errorf("storing test case: %w", err)
		}
		stored, err := r.db.GetTestCase(id)
		if err != nil {
			return out, fmt.Errorf("reloading test case %d: %w", id, err)
		}
		if stored == nil {
			return out, fmt.Errorf("%w: test case %d", ErrNotFound, id)
		}
		out = append(out, *stored)
	}
	return out, nil
}

// Filter narrows a list of test cases. Empty fields and "all" match
// everything.
type Filter struct {
	Search     string // substring of the query or of any tag, case-insensitive
	Status     string
	Priority   string
	FailedOnly bool
}

// Match reports whether tc passes the filter.
func (f Filter) Match(tc database.TestCase) bool {
	if !anyOrEqual(f.Status, tc.Status) || !anyOrEqual(f.Priority, tc.Priority) {
		return false
	}
	if f.FailedOnly && tc.Status != string(query.StatusFailed) {
		return false
	}
	needle := strings.ToLower(strings.TrimSpace(f.Search))
	if needle == "" || strings.Contains(strings.ToLower(tc.Query), needle) {
		return true
	}
	for _, tag := range tc.Tags {
		if strings.Contains(strings.ToLower(tag), needle) {
			return true
		}
	}
	return false
}

func anyOrEqual(want, got string) bool {
	want = strings.TrimSpace(want)
	return want == "" || strings.EqualFold(want, "all") || strings.EqualFold(want, got)
}

// FilterCases returns the cases matching f, keeping their order.
func FilterCases(cases []database.TestCase, f Filter) []database.TestCase {
	var out []database.TestCase
	for _, tc := range cases {
		if f.Match(tc) {
			out = append(out, tc)
		}
	}
	return out
}

// Rerun copies a history entry back into a new pending test case so it can
// be run again.
func (r *Runner) Rerun(historyID int64) (*database.TestCase, error) {
	entry, err := r.db.GetTestHistory(historyID)
	if err != nil {
		return nil, fmt.Errorf("loading history entry %d: %w", historyID, err)
	}
	if entry == nil {
		return nil, fmt.Errorf("%w: history entry %d", ErrNotFound, historyID)
	}
	id, err := r.db.InsertTestCase(database.TestCase{
		Query:    entry.Query,
		Expected: entry.Expected,
		Tags:     entry.Tags,
		Priority: entry.Priority,
	})
	if err != nil {
		return nil, fmt.Errorf("storing test case: %w", err)
	}
	tc, err := r.db.GetTestCase(id)
	if err != nil {
		return nil, fmt.Errorf("reloading test case %d: %w", id, err)
	}
	if tc == nil {
		return nil, fmt.Errorf("%w: test case %d", ErrNotFound, id)
	}
	return tc, nil
}

// Stats summarizes the history for a period (today, week, month or all).
func (r *Runner) Stats(period string) (database.TestStats, error) {
	since, err := database.PeriodStart(period, time.Now())
	if err != nil {
		return database.TestStats{}, err
	}
	return r.db.TestHistoryStats(since)
}

// History lists history entries for a period, newest first.
func (r *Runner) History(period string, limit int) ([]database.TestHistoryEntry, error) {
	since, err := database.PeriodStart(period, time.Now())
	if err != nil {
		return nil, err
	}
	return r.db.ListTestHistory(since, limit)
}

// Records converts history entries for export.
func Records(entries []database.TestHistoryEntry) []export.Record {
	out := make([]export.Record, 0, len(entries))
	for _, e := range entries {
		out = append(out, export.Record{
			Query:         e.Query,
			Expected:      e.Expected,
			Actual:        e.Actual,
			Status:        e.Status,
			Verdict:       e.Verdict,
			ExecutionTime: e.ExecutionTime,
			Timestamp:     e.CreatedAt,
			Tags:          e.Tags,
			Priority:      e.Priority,
		})
	}
	return out
}

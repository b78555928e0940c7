package normalize

import (
	"sort"
	"strings"
)

// NotAvailable is the value shown for metrics the backend could not fetch.
const NotAvailable = "N/A"

// DefaultPeriod is used for placeholder rows that carry no period.
const DefaultPeriod = "Current"

// Result is one metric value for one period.
type Result struct {
	MetricName     string `json:"metric_name"`
	Period         string `json:"period"`
	RawValue       string `json:"raw_value"`
	FormattedValue string `json:"formatted_value"`
}

// Section groups the results of one company, optionally narrowed to one
// report table (quarters, annual, ...) and data type (consolidated, standalone).
type Section struct {
	Company   string   `json:"company"`
	TableType string   `json:"table_type,omitempty"`
	DataType  string   `json:"data_type,omitempty"`
	Results   []Result `json:"results"`
}

// Title is the heading used when a section is rendered on its own.
func (s Section) Title() string {
	var parts []string
	if s.TableType != "" {
		parts = append(parts, strings.ToUpper(s.TableType))
	}
	if s.DataType != "" {
		parts = append(parts, "("+s.DataType+")")
	}
	if len(parts) == 0 {
		return s.Company
	}
	return s.Company + " - " + strings.Join(parts, " ")
}

// Metrics returns the section's metric names in first-seen order.
func (s Section) Metrics() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, r := range s.Results {
		if _, ok := seen[r.MetricName]; ok {
			continue
		}
		seen[r.MetricName] = struct{}{}
		out = append(out, r.MetricName)
	}
	return out
}

// Cells returns a metric -> period -> raw value lookup. Later rows overwrite
// earlier ones for the same cell.
func (s Section) Cells() map[string]map[string]string {
	cells := make(map[string]map[string]string)
	for _, r := range s.Results {
		row, ok := cells[r.MetricName]
		if !ok {
			row = make(map[string]string)
			cells[r.MetricName] = row
		}
		row[r.Period] = r.RawValue
	}
	return cells
}

// Periods returns the section's distinct periods in sorted order.
func (s Section) Periods() []string {
	return sortedPeriods([]Section{s})
}

// Table is the normalized financial result: an ordered list of sections.
type Table []Section

// Companies returns the distinct companies in first-seen order.
func (t Table) Companies() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, s := range t {
		if _, ok := seen[s.Company]; ok {
			continue
		}
		seen[s.Company] = struct{}{}
		out = append(out, s.Company)
	}
	return out
}

// Periods returns the union of all periods across sections, sorted.
func (t Table) Periods() []string {
	return sortedPeriods(t)
}

// Rows counts the results across all sections.
func (t Table) Rows() int {
	n := 0
	for _, s := range t {
		n += len(s.Results)
	}
	return n
}

// DisplayMetric trims the trailing dash some backend metric names carry.
// The stored name keeps it; only rendering drops it.
func DisplayMetric(name string) string {
	return strings.TrimSuffix(strings.TrimSpace(name), "-")
}

func sortedPeriods(sections []Section) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, s := range sections {
		for _, r := range s.Results {
			if _, ok := seen[r.Period]; ok {
				continue
			}
			seen[r.Period] = struct{}{}
			out = append(out, r.Period)
		}
	}
	sort.Strings(out)
	return out
}

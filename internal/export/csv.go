// Package export renders financial tables and test results as downloadable
// CSV, PDF and JSON documents.
package export

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"

	"github.com/TobiSchelling/FinSight/internal/normalize"
)

// ErrEmptyTable is returned when there is nothing to export.
var ErrEmptyTable = errors.New("table has no data")

// CSV renders the table as one row per "metric (company)" and one column per
// period. Periods are sorted; rows keep first-seen order. When several rows
// fill the same cell the last one wins.
func CSV(table normalize.Table) (string, error) {
	if table.Rows() == 0 {
		return "", ErrEmptyTable
	}

	periods := table.Periods()
	var keys []string
	cells := make(map[string]map[string]string)
	for _, s := range table {
		for _, r := range s.Results {
			key := fmt.Sprintf("%s (%s)", normalize.DisplayMetric(r.MetricName), s.Company)
			row, ok := cells[key]
			if !ok {
				row = make(map[string]string)
				cells[key] = row
				keys = append(keys, key)
			}
			row[r.Period] = r.RawValue
		}
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(append([]string{"Metric"}, periods...)); err != nil {
		return "", err
	}
	for _, key := range keys {
		record := make([]string, 0, len(periods)+1)
		record = append(record, key)
		for _, p := range periods {
			record = append(record, cells[key][p])
		}
		if err := w.Write(record); err != nil {
			return "", err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("writing csv: %w", err)
	}
	return buf.String(), nil
}

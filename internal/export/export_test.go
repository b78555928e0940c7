package export

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiSchelling/FinSight/internal/normalize"
)

func twoByTwo() normalize.Table {
	var table normalize.Table
	for _, company := range []string{"tcs", "infy"} {
		s := normalize.Section{Company: company}
		for _, metric := range []string{"Sales-", "Net Profit"} {
			for _, period := range []string{"Mar 2024", "Dec 2023"} {
				s.Results = append(s.Results, normalize.Result{
					MetricName: metric,
					Period:     period,
					RawValue:   fmt.Sprintf("%s/%s/%s", company, metric, period),
				})
			}
		}
		table = append(table, s)
	}
	return table
}

func TestCSV(t *testing.T) {
	got, err := CSV(twoByTwo())
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSuffix(got, "\n"), "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, "Metric,Dec 2023,Mar 2024", lines[0])
	assert.Equal(t, "Sales (tcs),tcs/Sales-/Dec 2023,tcs/Sales-/Mar 2024", lines[1])
	assert.Equal(t, "Net Profit (tcs),tcs/Net Profit/Dec 2023,tcs/Net Profit/Mar 2024", lines[2])
	assert.Equal(t, "Sales (infy),infy/Sales-/Dec 2023,infy/Sales-/Mar 2024", lines[3])
}

func TestCSVMissingCellsAndLastWriteWins(t *testing.T) {
	table := normalize.Table{
		{Company: "tcs", TableType: "quarters", Results: []normalize.Result{
			{MetricName: "EPS", Period: "Q1", RawValue: "1"},
			{MetricName: "EPS", Period: "Q1", RawValue: "2"},
		}},
		{Company: "tcs", TableType: "annual", Results: []normalize.Result{
			{MetricName: "EPS", Period: "FY24", RawValue: "9"},
			{MetricName: "ROE", Period: "FY24", RawValue: "1,234"},
		}},
	}
	got, err := CSV(table)
	require.NoError(t, err)
	assert.Equal(t, "Metric,FY24,Q1\nEPS (tcs),9,2\nROE (tcs),\"1,234\",\n", got)
}

func TestCSVIsDeterministic(t *testing.T) {
	a, err := CSV(twoByTwo())
	require.NoError(t, err)
	b, err := CSV(twoByTwo())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestCSVEmpty(t *testing.T) {
	_, err := CSV(nil)
	assert.ErrorIs(t, err, ErrEmptyTable)
	_, err = CSV(normalize.Table{})
	assert.ErrorIs(t, err, ErrEmptyTable)
}

func TestPDF(t *testing.T) {
	doc, err := PDF(twoByTwo(), Metadata{
		Query:       "Compare TCS and Infosys",
		Summary:     "## Highlights\n\n- Revenue up **12%** → ₹2,40,893 cr\n- Margins “stable”",
		GeneratedAt: time.Date(2026, 2, 6, 10, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(doc.Bytes, []byte("%PDF-")))
	assert.Equal(t, 1, doc.Pages)
}

func TestPDFPaginatesLongTables(t *testing.T) {
	s := normalize.Section{Company: "reliance", TableType: "quarters", DataType: "consolidated"}
	for i := 0; i < 120; i++ {
		for p := 0; p < 12; p++ {
			s.Results = append(s.Results, normalize.Result{
				MetricName: fmt.Sprintf("Metric %03d", i),
				Period:     fmt.Sprintf("P%02d", p),
				RawValue:   fmt.Sprint(i * p),
			})
		}
	}
	doc, err := PDF(normalize.Table{s}, Metadata{Title: "Long"})
	require.NoError(t, err)
	assert.Greater(t, doc.Pages, 3)
}

func TestPDFWithoutTable(t *testing.T) {
	doc, err := PDF(nil, Metadata{Summary: "Nothing tabular here."})
	require.NoError(t, err)
	assert.Equal(t, 1, doc.Pages)
}

func TestChunkPeriods(t *testing.T) {
	periods := []string{"a", "b", "c", "d", "e", "f", "g"}
	assert.Equal(t, [][]string{{"a", "b", "c"}, {"d", "e", "f"}, {"g"}}, chunkPeriods(periods, 3))
	assert.Equal(t, [][]string{{"a", "b"}}, chunkPeriods(periods[:2], 5))
	assert.Nil(t, chunkPeriods(nil, 5))
}

func TestClip(t *testing.T) {
	assert.Equal(t, "short", clip("short", 10))
	assert.Equal(t, "abcdefg...", clip("abcdefghijklmnop", 10))
}

func TestResultsJSON(t *testing.T) {
	var buf bytes.Buffer
	err := ResultsJSON(&buf, []Record{{
		Query:         "EPS of TCS",
		Expected:      "12",
		Actual:        "EPS was 12",
		Status:        "completed",
		Verdict:       "pass",
		ExecutionTime: 4200 * time.Millisecond,
		Timestamp:     time.Date(2026, 2, 6, 10, 0, 0, 0, time.UTC),
		Tags:          []string{"eps", "smoke"},
		Priority:      "high",
	}})
	require.NoError(t, err)

	var got []map[string]string
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "4.2s", got[0]["executionTime"])
	assert.Equal(t, "eps, smoke", got[0]["tags"])
	assert.Equal(t, "2026-02-06T10:00:00Z", got[0]["timestamp"])
	assert.Equal(t, "pass", got[0]["testStatus"])
}

func TestResultsJSONEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, ResultsJSON(&buf, nil))
	assert.Equal(t, "[]\n", buf.String())
}

func sampleRecords(n int) []Record {
	out := make([]Record, 0, n)
	for i := 0; i < n; i++ {
		verdict := "pass"
		if i%3 == 0 {
			verdict = "fail"
		}
		out = append(out, Record{
			Query:         fmt.Sprintf("What was the net profit of company %d over the last eight quarters?", i),
			Expected:      "net profit",
			Actual:        strings.Repeat("The **net profit** grew steadily across the period. ", 8),
			Status:        "completed",
			Verdict:       verdict,
			ExecutionTime: 2500 * time.Millisecond,
			Timestamp:     time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
			Tags:          []string{"regression", "profit"},
			Priority:      "high",
		})
	}
	return out
}

func TestResultsPDF(t *testing.T) {
	doc, err := ResultsPDF(sampleRecords(2), Metadata{Summary: "Period: All time"})
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(doc.Bytes, []byte("%PDF-")))
	assert.Equal(t, 1, doc.Pages)
}

func TestResultsPDFPaginatesLongHistories(t *testing.T) {
	doc, err := ResultsPDF(sampleRecords(60), Metadata{Title: "Nightly run"})
	require.NoError(t, err)
	assert.Greater(t, doc.Pages, 3)
}

func TestResultsPDFEmpty(t *testing.T) {
	doc, err := ResultsPDF(nil, Metadata{})
	require.NoError(t, err)
	assert.Equal(t, 1, doc.Pages)
}

func TestResultsPDFClipsLongResponses(t *testing.T) {
	short := sampleRecords(1)
	long := sampleRecords(1)
	long[0].Actual = strings.Repeat("word ", 20000)
	a, err := ResultsPDF(short, Metadata{})
	require.NoError(t, err)
	b, err := ResultsPDF(long, Metadata{})
	require.NoError(t, err)
	assert.LessOrEqual(t, b.Pages, a.Pages+1)
}

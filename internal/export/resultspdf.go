package export

import (
	"fmt"
	"strings"
	"time"

	"github.com/TobiSchelling/FinSight/internal/markdown"
)

// maxActualChars bounds how much of a response is printed per result.
const maxActualChars = 1500

// ResultsPDF renders test results as a report: title block and optional
// summary, a pass/fail tally, then one block per record with its query,
// run details, expected text and response.
func ResultsPDF(records []Record, meta Metadata) (*Document, error) {
	if meta.Title == "" {
		meta.Title = "Test Results"
	}
	if meta.GeneratedAt.IsZero() {
		meta.GeneratedAt = time.Now()
	}

	r := newReport()
	r.pdf.AddPage()
	r.header(meta)
	if strings.TrimSpace(meta.Summary) != "" {
		r.summary(meta.Summary)
	}
	if len(records) == 0 {
		r.heading("No test results")
		return r.finish()
	}

	r.tally(records)
	for i, rec := range records {
		r.result(i+1, rec)
	}
	return r.finish()
}

func (r *report) tally(records []Record) {
	var passed, failed int
	for _, rec := range records {
		switch rec.Verdict {
		case "pass":
			passed++
		case "fail":
			failed++
		}
	}
	pdf := r.pdf
	cell := r.width / 4
	pdf.SetFont("Helvetica", "B", 10)
	pdf.SetDrawColor(210, 210, 210)
	pdf.SetFillColor(232, 240, 252)
	pdf.SetTextColor(0, 0, 0)
	for _, label := range []string{"Results", "Passed", "Failed", "Unreviewed"} {
		pdf.CellFormat(cell, rowHeight, label, "1", 0, "C", true, 0, "")
	}
	pdf.Ln(-1)
	pdf.SetFont("Helvetica", "", 10)
	for _, n := range []int{len(records), passed, failed, len(records) - passed - failed} {
		pdf.CellFormat(cell, rowHeight, fmt.Sprint(n), "1", 0, "C", false, 0, "")
	}
	pdf.Ln(-1)
	r.divider()
}

func (r *report) result(n int, rec Record) {
	pdf := r.pdf
	r.ensure(4 * rowHeight)

	pdf.SetFont("Helvetica", "B", 10)
	pdf.SetTextColor(20, 20, 20)
	pdf.MultiCell(r.width, lineHeight+1, r.text(fmt.Sprintf("%d. %s", n, rec.Query)), "", "L", false)

	pdf.SetFont("Helvetica", "", 8)
	pdf.SetTextColor(90, 90, 90)
	pdf.MultiCell(r.width, lineHeight, r.text(details(rec)), "", "L", false)

	if rec.Verdict != "" {
		pdf.SetFont("Helvetica", "B", 9)
		if rec.Verdict == "pass" {
			pdf.SetTextColor(30, 130, 60)
		} else {
			pdf.SetTextColor(190, 40, 40)
		}
		pdf.CellFormat(r.width, lineHeight, strings.ToUpper(rec.Verdict), "", 1, "L", false, 0, "")
	}

	if e := strings.TrimSpace(rec.Expected); e != "" {
		r.labelled("Expected", e)
	}
	actual := strings.TrimSpace(markdown.PlainText(rec.Actual))
	if actual == "" {
		actual = "(no response)"
	}
	r.labelled("Response", clip(actual, maxActualChars))

	pdf.Ln(1)
	pdf.SetDrawColor(230, 230, 230)
	pdf.SetLineWidth(0.2)
	y := pdf.GetY()
	pdf.Line(margin, y, margin+r.width, y)
	pdf.Ln(3)
}

func (r *report) labelled(label, body string) {
	pdf := r.pdf
	r.ensure(2 * lineHeight)
	pdf.SetFont("Helvetica", "B", 9)
	pdf.SetTextColor(40, 40, 40)
	pdf.CellFormat(r.width, lineHeight, label, "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 9)
	pdf.SetTextColor(50, 50, 50)
	pdf.MultiCell(r.width, lineHeight, r.text(body), "", "L", false)
}

func details(rec Record) string {
	parts := []string{"Status: " + rec.Status}
	if d := FormatDuration(rec.ExecutionTime); d != "" {
		parts = append(parts, "Time: "+d)
	}
	if !rec.Timestamp.IsZero() {
		parts = append(parts, rec.Timestamp.Local().Format("Jan 02, 2006 15:04"))
	}
	if rec.Priority != "" {
		parts = append(parts, "Priority: "+rec.Priority)
	}
	if len(rec.Tags) > 0 {
		parts = append(parts, "Tags: "+strings.Join(rec.Tags, ", "))
	}
	return strings.Join(parts, "   ")
}

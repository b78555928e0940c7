package export

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"

	"github.com/TobiSchelling/FinSight/internal/markdown"
	"github.com/TobiSchelling/FinSight/internal/normalize"
)

// Metadata describes the report a table is exported into.
type Metadata struct {
	Title       string
	Query       string
	Summary     string // markdown
	GeneratedAt time.Time
}

// Document is a rendered PDF.
type Document struct {
	Bytes []byte
	Pages int
}

// Page layout in millimetres (A4 portrait).
const (
	margin       = 15.0
	footerSpace  = 18.0
	metricWidth  = 55.0
	periodWidth  = 25.0
	rowHeight    = 7.0
	lineHeight   = 5.0
	maxCellChars = 32
)

type report struct {
	pdf   *fpdf.Fpdf
	tr    func(string) string
	width float64
	limit float64
}

// PDF renders a report: title block, optional query and summary, then one
// metric by period grid per table section. Grids wider than the page are
// split into column chunks and header rows repeat after page breaks.
func PDF(table normalize.Table, meta Metadata) (*Document, error) {
	if meta.Title == "" {
		meta.Title = "Financial Analysis Report"
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
	if table.Rows() == 0 {
		r.heading("No table data")
	}
	for _, s := range table {
		r.section(s)
	}
	return r.finish()
}

// newReport sets up an A4 page with the shared page footer.
func newReport() *report {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(margin, margin, margin)
	pdf.SetAutoPageBreak(true, footerSpace)
	pdf.AliasNbPages("")
	pageW, pageH := pdf.GetPageSize()
	r := &report{
		pdf:   pdf,
		tr:    pdf.UnicodeTranslatorFromDescriptor(""),
		width: pageW - 2*margin,
		limit: pageH - footerSpace,
	}
	pdf.SetFooterFunc(func() {
		pdf.SetY(-12)
		pdf.SetFont("Helvetica", "", 8)
		pdf.SetTextColor(110, 110, 110)
		pdf.CellFormat(r.width/2, 5, r.text("Generated by FinSight"), "", 0, "L", false, 0, "")
		pdf.CellFormat(r.width/2, 5, fmt.Sprintf("Page %d of {nb}", pdf.PageNo()), "", 0, "R", false, 0, "")
	})
	return r
}

func (r *report) finish() (*Document, error) {
	if err := r.pdf.Error(); err != nil {
		return nil, fmt.Errorf("rendering pdf: %w", err)
	}
	var buf bytes.Buffer
	if err := r.pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("writing pdf: %w", err)
	}
	return &Document{Bytes: buf.Bytes(), Pages: r.pdf.PageCount()}, nil
}

// text folds symbols the core fonts lack and encodes the rest as cp1252.
func (r *report) text(s string) string {
	return r.tr(markdown.Fold(s))
}

func (r *report) header(meta Metadata) {
	pdf := r.pdf
	pdf.SetFont("Helvetica", "B", 18)
	pdf.SetTextColor(20, 20, 20)
	pdf.MultiCell(r.width, 9, r.text(meta.Title), "", "L", false)
	pdf.SetFont("Helvetica", "", 10)
	pdf.SetTextColor(90, 90, 90)
	pdf.CellFormat(r.width, lineHeight, "Generated: "+meta.GeneratedAt.Format("January 2, 2006 15:04"), "", 1, "L", false, 0, "")
	if q := strings.TrimSpace(meta.Query); q != "" {
		pdf.Ln(2)
		pdf.SetFont("Helvetica", "B", 10)
		pdf.CellFormat(r.width, lineHeight, "Query", "", 1, "L", false, 0, "")
		pdf.SetFont("Helvetica", "", 10)
		pdf.MultiCell(r.width, lineHeight, r.text(q), "", "L", false)
	}
	r.divider()
}

func (r *report) summary(md string) {
	r.heading("Summary")
	pdf := r.pdf
	pdf.SetFont("Helvetica", "", 10)
	pdf.SetTextColor(40, 40, 40)
	for _, para := range strings.Split(markdown.PlainText(md), "\n\n") {
		if strings.TrimSpace(para) == "" {
			continue
		}
		pdf.MultiCell(r.width, lineHeight, r.text(para), "", "L", false)
		pdf.Ln(2)
	}
	r.divider()
}

func (r *report) heading(s string) {
	r.ensure(12)
	pdf := r.pdf
	pdf.SetFont("Helvetica", "B", 13)
	pdf.SetTextColor(20, 20, 20)
	pdf.CellFormat(r.width, 8, r.text(s), "", 1, "L", false, 0, "")
	pdf.Ln(1)
}

func (r *report) divider() {
	pdf := r.pdf
	pdf.Ln(3)
	pdf.SetDrawColor(200, 200, 200)
	pdf.SetLineWidth(0.3)
	y := pdf.GetY()
	pdf.Line(margin, y, margin+r.width, y)
	pdf.Ln(5)
}

// ensure starts a new page unless h millimetres fit on the current one.
func (r *report) ensure(h float64) bool {
	if r.pdf.GetY()+h <= r.limit {
		return false
	}
	r.pdf.AddPage()
	return true
}

func (r *report) section(s normalize.Section) {
	if len(s.Results) == 0 {
		return
	}
	r.ensure(8 + 3*rowHeight)
	r.heading(s.Title())

	metrics := s.Metrics()
	cells := s.Cells()
	for _, chunk := range chunkPeriods(s.Periods(), r.columns()) {
		r.gridHeader(chunk)
		for i, metric := range metrics {
			if r.ensure(rowHeight) {
				r.gridHeader(chunk)
			}
			r.gridRow(normalize.DisplayMetric(metric), chunk, cells[metric], i%2 == 1)
		}
		r.pdf.Ln(4)
	}
}

// columns is the number of period columns that fit beside the metric column.
func (r *report) columns() int {
	n := int((r.width - metricWidth) / periodWidth)
	if n < 1 {
		return 1
	}
	return n
}

func chunkPeriods(periods []string, size int) [][]string {
	var out [][]string
	for len(periods) > size {
		out = append(out, periods[:size])
		periods = periods[size:]
	}
	if len(periods) > 0 {
		out = append(out, periods)
	}
	return out
}

func (r *report) gridHeader(periods []string) {
	pdf := r.pdf
	pdf.SetFont("Helvetica", "B", 9)
	pdf.SetFillColor(232, 240, 252)
	pdf.SetTextColor(0, 0, 0)
	pdf.SetDrawColor(210, 210, 210)
	pdf.CellFormat(metricWidth, rowHeight, "Metric", "1", 0, "L", true, 0, "")
	for _, p := range periods {
		pdf.CellFormat(periodWidth, rowHeight, r.text(clip(p, 14)), "1", 0, "C", true, 0, "")
	}
	pdf.Ln(-1)
}

func (r *report) gridRow(metric string, periods []string, values map[string]string, shade bool) {
	pdf := r.pdf
	pdf.SetFont("Helvetica", "", 9)
	pdf.SetTextColor(50, 50, 50)
	pdf.SetFillColor(248, 248, 248)
	pdf.CellFormat(metricWidth, rowHeight, r.text(clip(metric, maxCellChars)), "1", 0, "L", shade, 0, "")
	for _, p := range periods {
		pdf.CellFormat(periodWidth, rowHeight, r.text(clip(values[p], 14)), "1", 0, "R", shade, 0, "")
	}
	pdf.Ln(-1)
}

func clip(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-3]) + "..."
}

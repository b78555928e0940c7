package markdown

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToHTML(t *testing.T) {
	html := string(ToHTML("## Revenue\n\n**TCS** grew 12%.\n\n| Metric | Q1 |\n|---|---|\n| EPS | 12 |\n"))
	assert.Contains(t, html, "<h2>Revenue</h2>")
	assert.Contains(t, html, "<strong>TCS</strong>")
	assert.Contains(t, html, "<table>")
	assert.Contains(t, html, "<td>EPS</td>")
}

func TestToHTMLDropsRawHTML(t *testing.T) {
	html := string(ToHTML("hello <script>alert(1)</script>"))
	assert.NotContains(t, html, "<script>")
}

func TestPlainTextStripsFormatting(t *testing.T) {
	src := "# Summary\n\nTCS reported **strong** growth with *steady* margins and `EPS` up.\n\n" +
		"- Revenue up\n- Margin flat\n\n" +
		"1. First\n2. Second\n"
	got := PlainText(src)

	assert.Equal(t, "Summary\n\n"+
		"TCS reported strong growth with steady margins and EPS up.\n\n"+
		"• Revenue up\n• Margin flat\n\n"+
		"1. First\n2. Second", got)
}

func TestPlainTextTable(t *testing.T) {
	src := "| Metric | Q1 | Q2 |\n|---|---|---|\n| EPS | 12 | 13 |\n| ROE | 30% | 31% |\n"
	got := PlainText(src)
	assert.Equal(t, "Metric | Q1 | Q2\nEPS | 12 | 13\nROE | 30% | 31%", got)
}

func TestPlainTextKeepsCodeAndSkipsHTML(t *testing.T) {
	src := "Run this:\n\n```\nselect 1;\n```\n\n<div>hidden</div>\n"
	got := PlainText(src)
	assert.Contains(t, got, "select 1;")
	assert.NotContains(t, got, "hidden")
	assert.NotContains(t, got, "```")
}

func TestPlainTextNoBlankRuns(t *testing.T) {
	got := PlainText("a\n\n\n\n\nb")
	assert.False(t, strings.Contains(got, "\n\n\n"))
}

func TestFold(t *testing.T) {
	assert.Equal(t, `Revenue -> Rs.1,200 cr - "up"...`, Fold("Revenue → ₹1,200 cr — “up”…"))
}

// Package terminal renders conversation messages, query progress and
// financial tables for the command line.
package terminal

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/TobiSchelling/FinSight/internal/conversation"
	"github.com/TobiSchelling/FinSight/internal/markdown"
	"github.com/TobiSchelling/FinSight/internal/normalize"
	"github.com/TobiSchelling/FinSight/internal/query"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7D56F4"))

	userStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#00BFFF"))

	assistantStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#00C853"))

	mutedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#626262"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF5F5F"))

	headerCell = lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1)

	cell = lipgloss.NewStyle().Padding(0, 1)

	borderStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#7D56F4"))
)

// Title renders a section heading.
func Title(s string) string {
	return titleStyle.Render(s)
}

// Muted renders secondary text.
func Muted(s string) string {
	return mutedStyle.Render(s)
}

// Error renders an error line.
func Error(s string) string {
	return errorStyle.Render(s)
}

// Message renders one conversation message: a role line, the response as
// plain text and any table data.
func Message(m conversation.Message) string {
	var b strings.Builder
	if m.Role == conversation.RoleUser {
		b.WriteString(userStyle.Render("You"))
	} else {
		b.WriteString(assistantStyle.Render("FinSight"))
	}
	if t := m.Time(); t != "" {
		b.WriteString(" " + mutedStyle.Render(t))
	}
	if m.Role == conversation.RoleAssistant {
		switch m.Status {
		case query.StatusCompleted, "":
		case query.StatusFailed:
			b.WriteString(" " + errorStyle.Render("[failed]"))
		default:
			b.WriteString(" " + mutedStyle.Render("["+string(m.Status)+"]"))
		}
		switch m.Feedback {
		case conversation.FeedbackUp:
			b.WriteString(" " + mutedStyle.Render("(+1)"))
		case conversation.FeedbackDown:
			b.WriteString(" " + mutedStyle.Render("(-1)"))
		}
	}
	b.WriteString("\n")

	text := m.Content
	if m.Role == conversation.RoleAssistant {
		text = markdown.PlainText(m.Content)
	}
	if m.Status == query.StatusFailed {
		text = errorStyle.Render(text)
	}
	b.WriteString(text)
	b.WriteString("\n")

	if m.HasTable() {
		b.WriteString("\n")
		b.WriteString(Table(m.Table, m.RawTable))
	}
	return b.String()
}

// Progress renders a one-line status for a running or finished job.
func Progress(job query.Job) string {
	elapsed := job.Elapsed().Round(100 * time.Millisecond)
	if !job.Status.Terminal() {
		elapsed = time.Since(job.StartedAt).Round(100 * time.Millisecond)
	}
	line := fmt.Sprintf("%s %s", string(job.Status), elapsed)
	if job.RemoteID != "" {
		line += " " + job.RemoteID
	}
	if job.Status == query.StatusFailed {
		return errorStyle.Render(line)
	}
	return mutedStyle.Render(line)
}

// Table renders table data: one grid per financial section, or the generic
// grid for other array payloads. Anything else is pretty-printed JSON.
func Table(t normalize.Table, raw json.RawMessage) string {
	if len(t) > 0 {
		var parts []string
		for _, s := range t {
			if len(s.Results) == 0 {
				continue
			}
			parts = append(parts, Title(s.Title())+"\n"+Section(s))
		}
		return strings.Join(parts, "\n")
	}
	if headers, rows, ok := normalize.Generic(raw); ok {
		return Grid(headers, rows) + "\n"
	}
	return conversation.TableText(nil, raw)
}

// Section renders one section as a metric by period grid.
func Section(s normalize.Section) string {
	periods := s.Periods()
	cells := s.Cells()
	var rows [][]string
	for _, metric := range s.Metrics() {
		row := []string{normalize.DisplayMetric(metric)}
		for _, p := range periods {
			row = append(row, cells[metric][p])
		}
		rows = append(rows, row)
	}
	return Grid(append([]string{"Metric"}, periods...), rows) + "\n"
}

// Grid renders a bordered table.
func Grid(headers []string, rows [][]string) string {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(borderStyle).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerCell
			}
			return cell
		}).
		String()
}

// Package markdown renders backend markdown responses as HTML for the web UI
// and as plain text for copying and PDF reports.
package markdown

import (
	"bytes"
	"html/template"
	"regexp"
	"strconv"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

var md = goldmark.New(
	goldmark.WithExtensions(extension.Table, extension.Strikethrough, extension.Linkify),
)

// ToHTML converts markdown to HTML. Raw HTML in the input is not passed
// through. On failure the escaped source is returned.
func ToHTML(src string) template.HTML {
	var buf bytes.Buffer
	if err := md.Convert([]byte(src), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(src))
	}
	return template.HTML(buf.String()) //nolint: gosec
}

var (
	blankRuns     = regexp.MustCompile(`\n{3,}`)
	trailingSpace = regexp.MustCompile(`[ \t]+\n`)
)

// PlainText strips markdown formatting while keeping the document structure:
// headings and paragraphs become lines, list items get bullets or numbers,
// table rows are joined with " | ".
func PlainText(src string) string {
	source := []byte(src)
	doc := md.Parser().Parse(text.NewReader(source))

	w := &plainWriter{source: source}
	_ = ast.Walk(doc, w.visit)

	out := trailingSpace.ReplaceAllString(w.buf.String(), "\n")
	out = blankRuns.ReplaceAllString(out, "\n\n")
	return strings.TrimSpace(out)
}

type plainWriter struct {
	source []byte
	buf    strings.Builder
	lists  []*ast.List
}

func (w *plainWriter) visit(n ast.Node, entering bool) (ast.WalkStatus, error) {
	switch n := n.(type) {
	case *ast.Heading, *ast.Paragraph:
		if !entering {
			w.buf.WriteString("\n\n")
		}
	case *ast.TextBlock:
		if !entering {
			w.buf.WriteString("\n")
		}
	case *ast.List:
		if entering {
			w.lists = append(w.lists, n)
		} else {
			w.lists = w.lists[:len(w.lists)-1]
			if len(w.lists) == 0 {
				w.buf.WriteString("\n")
			}
		}
	case *ast.ListItem:
		if entering {
			w.listPrefix(n)
		}
	case *ast.Text:
		if entering {
			w.buf.Write(n.Segment.Value(w.source))
			if n.SoftLineBreak() || n.HardLineBreak() {
				w.buf.WriteString("\n")
			}
		}
	case *ast.String:
		if entering {
			w.buf.Write(n.Value)
		}
	case *ast.AutoLink:
		if entering {
			w.buf.Write(n.URL(w.source))
		}
	case *ast.FencedCodeBlock, *ast.CodeBlock:
		if entering {
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				w.buf.Write(seg.Value(w.source))
			}
			w.buf.WriteString("\n")
		}
		return ast.WalkSkipChildren, nil
	case *ast.ThematicBreak:
		if entering {
			w.buf.WriteString("---\n\n")
		}
	case *ast.HTMLBlock, *ast.RawHTML:
		return ast.WalkSkipChildren, nil
	case *east.TableHeader, *east.TableRow:
		if !entering {
			w.buf.WriteString("\n")
		}
	case *east.TableCell:
		if entering && n.PreviousSibling() != nil {
			w.buf.WriteString(" | ")
		}
	case *east.Table:
		if !entering {
			w.buf.WriteString("\n")
		}
	}
	return ast.WalkContinue, nil
}

func (w *plainWriter) listPrefix(item *ast.ListItem) {
	if len(w.lists) == 0 {
		return
	}
	list := w.lists[len(w.lists)-1]
	w.buf.WriteString(strings.Repeat("  ", len(w.lists)-1))
	if !list.IsOrdered() {
		w.buf.WriteString("• ")
		return
	}
	idx := list.Start
	for sib := item.PreviousSibling(); sib != nil; sib = sib.PreviousSibling() {
		idx++
	}
	w.buf.WriteString(strconv.Itoa(idx) + ". ")
}

var asciiFold = strings.NewReplacer(
	"₹", "Rs.",
	"✅", "[✓]",
	"→", "->",
	"—", "-",
	"–", "-",
	"“", `"`,
	"”", `"`,
	"‘", "'",
	"’", "'",
	"…", "...",
)

// Fold replaces typographic characters that clipboards and core PDF fonts
// handle poorly with plain equivalents.
func Fold(s string) string {
	return asciiFold.Replace(s)
}

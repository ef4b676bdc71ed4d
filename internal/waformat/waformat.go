// ABOUTME: Converts Markdown into WhatsApp's inline markup
// ABOUTME: Walks the goldmark AST so nested emphasis, lists, and code render predictably

package waformat

import (
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

var md = goldmark.New(goldmark.WithExtensions(extension.Strikethrough))

// Convert renders Markdown as WhatsApp text: **bold** becomes *bold*,
// *italic* becomes _italic_, ~~strike~~ becomes ~strike~, headings become
// bold lines and links become "text (url)".
func Convert(markdown string) string {
	src := []byte(markdown)
	doc := md.Parser().Parse(text.NewReader(src))

	r := &renderer{src: src}
	return strings.TrimSpace(r.blocks(doc, ""))
}

type renderer struct {
	src []byte
}

// blocks renders the block children of n separated by blank lines. indent
// prefixes every line after the first, for nested list content.
func (r *renderer) blocks(n ast.Node, indent string) string {
	var parts []string
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		if s := r.block(c, indent); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n\n")
}

func (r *renderer) block(n ast.Node, indent string) string {
	switch n := n.(type) {
	case *ast.Paragraph, *ast.TextBlock:
		return r.inlines(n)
	case *ast.Heading:
		return "*" + r.inlines(n) + "*"
	case *ast.List:
		return r.list(n, indent)
	case *ast.Blockquote:
		inner := r.blocks(n, "")
		lines := strings.Split(inner, "\n")
		for i, l := range lines {
			lines[i] = "> " + l
		}
		return strings.Join(lines, "\n")
	case *ast.FencedCodeBlock, *ast.CodeBlock:
		return "```\n" + strings.TrimRight(r.lines(n), "\n") + "\n```"
	case *ast.HTMLBlock:
		return strings.TrimRight(r.lines(n), "\n")
	case *ast.ThematicBreak:
		return "---"
	default:
		return r.blocks(n, indent)
	}
}

func (r *renderer) list(l *ast.List, indent string) string {
	var items []string
	num := l.Start
	if num == 0 {
		num = 1
	}
	for item := l.FirstChild(); item != nil; item = item.NextSibling() {
		marker := "- "
		if l.IsOrdered() {
			marker = fmt.Sprintf("%d. ", num)
			num++
		}

		var parts []string
		for c := item.FirstChild(); c != nil; c = c.NextSibling() {
			childIndent := indent + strings.Repeat(" ", len(marker))
			s := r.block(c, childIndent)
			if _, nested := c.(*ast.List); nested {
				s = childIndent + strings.ReplaceAll(s, "\n", "\n"+childIndent)
			}
			parts = append(parts, s)
		}
		items = append(items, marker+strings.Join(parts, "\n"))
	}
	return strings.Join(items, "\n")
}

func (r *renderer) lines(n ast.Node) string {
	var b strings.Builder
	segs := n.Lines()
	for i := 0; i < segs.Len(); i++ {
		seg := segs.At(i)
		b.Write(seg.Value(r.src))
	}
	return b.String()
}

func (r *renderer) inlines(n ast.Node) string {
	var b strings.Builder
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		b.WriteString(r.inline(c))
	}
	return b.String()
}

func (r *renderer) inline(n ast.Node) string {
	switch n := n.(type) {
	case *ast.Text:
		s := string(n.Segment.Value(r.src))
		if n.SoftLineBreak() || n.HardLineBreak() {
			s += "\n"
		}
		return s
	case *ast.String:
		return string(n.Value)
	case *ast.Emphasis:
		mark := "_"
		if n.Level >= 2 {
			mark = "*"
		}
		return mark + r.inlines(n) + mark
	case *east.Strikethrough:
		return "~" + r.inlines(n) + "~"
	case *ast.CodeSpan:
		return "`" + r.inlines(n) + "`"
	case *ast.Link:
		label := r.inlines(n)
		dest := string(n.Destination)
		if label == "" || label == dest {
			return dest
		}
		return label + " (" + dest + ")"
	case *ast.AutoLink:
		return string(n.URL(r.src))
	case *ast.Image:
		alt := r.inlines(n)
		if alt == "" {
			return string(n.Destination)
		}
		return alt + " (" + string(n.Destination) + ")"
	case *ast.RawHTML:
		var b strings.Builder
		for i := 0; i < n.Segments.Len(); i++ {
			seg := n.Segments.At(i)
			b.Write(seg.Value(r.src))
		}
		return b.String()
	default:
		return r.inlines(n)
	}
}

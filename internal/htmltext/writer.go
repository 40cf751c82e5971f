package htmltext

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/unclebandit/commsblock-backend/internal/placeholder"
)

// writer accumulates blocks separated by blank lines. Each block is a run of lines.
type writer struct {
	domain string
	blocks []string
	lines  []string
	line   strings.Builder
}

func (w *writer) String() string {
	w.endBlock()
	return strings.TrimSpace(strings.Join(w.blocks, "\n\n"))
}

func (w *writer) inline(s string) {
	w.line.WriteString(s)
}

func (w *writer) newline() {
	w.lines = append(w.lines, collapse(w.line.String()))
	w.line.Reset()
}

// breakLine ends the current line unless it is blank.
func (w *writer) breakLine() {
	if collapse(w.line.String()) == "" {
		w.line.Reset()
		return
	}
	w.newline()
}

func (w *writer) endBlock() {
	if w.line.Len() > 0 {
		w.newline()
	}
	start, end := 0, len(w.lines)
	for start < end && w.lines[start] == "" {
		start++
	}
	for end > start && w.lines[end-1] == "" {
		end--
	}
	if start < end {
		w.blocks = append(w.blocks, strings.Join(w.lines[start:end], "\n"))
	}
	w.lines = w.lines[:0]
}

func (w *writer) walkChildren(n *html.Node) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		w.walk(c)
	}
}

func (w *writer) walk(n *html.Node) {
	switch n.Type {
	case html.TextNode:
		w.inline(n.Data)
		return
	case html.ElementNode:
	default:
		w.walkChildren(n)
		return
	}

	switch n.DataAtom {
	case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
		w.endBlock()
		if t := collapse(inlineText(n)); t != "" {
			w.blocks = append(w.blocks, upperText(t)+"\n"+strings.Repeat("=", utf8.RuneCountInString(t)))
		}
	case atom.A:
		w.inline(" " + w.anchor(n) + " ")
	case atom.Img:
		if alt := strings.TrimSpace(attr(n, "alt")); alt != "" {
			w.inline(" [" + alt + "] ")
		}
	case atom.Br:
		w.newline()
	case atom.Li:
		w.breakLine()
		w.inline("- ")
		w.walkChildren(n)
		w.breakLine()
	case atom.Tr:
		w.walkChildren(n)
		w.breakLine()
	case atom.Td, atom.Th:
		w.inline(" ")
		w.walkChildren(n)
		w.inline(" ")
	case atom.P, atom.Div, atom.Section, atom.Article, atom.Header, atom.Footer, atom.Main,
		atom.Aside, atom.Nav, atom.Table, atom.Ul, atom.Ol, atom.Blockquote, atom.Center, atom.Form, atom.Pre:
		w.endBlock()
		w.walkChildren(n)
		w.endBlock()
	default:
		w.walkChildren(n)
	}
}

func (w *writer) anchor(n *html.Node) string {
	text := collapse(inlineText(n))
	if text == "" {
		return ""
	}
	href := strings.TrimSpace(attr(n, "href"))
	if w.showURL(href) {
		return text + " (" + href + ")"
	}
	return text
}

// showURL is true only for absolute links that do not point at the tracking
// domain and carry no merge tags.
func (w *writer) showURL(href string) bool {
	if !strings.HasPrefix(href, "http") || strings.Contains(href, "{{") {
		return false
	}
	return w.domain == "" || !strings.Contains(href, w.domain)
}

func inlineText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch {
		case n.Type == html.TextNode:
			b.WriteString(n.Data)
		case n.Type == html.ElementNode && n.DataAtom == atom.Img:
			if alt := strings.TrimSpace(attr(n, "alt")); alt != "" {
				b.WriteString(" [" + alt + "] ")
			}
		case n.Type == html.ElementNode && n.DataAtom == atom.Br:
			b.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

// upperText upper-cases t but leaves placeholders intact so they still substitute.
func upperText(t string) string {
	var b strings.Builder
	last := 0
	for _, tok := range placeholder.Scan(t) {
		b.WriteString(strings.ToUpper(t[last:tok.Start]))
		b.WriteString(t[tok.Start:tok.End])
		last = tok.End
	}
	b.WriteString(strings.ToUpper(t[last:]))
	return b.String()
}

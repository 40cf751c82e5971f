// Package htmltext derives a readable plaintext part from campaign HTML.
package htmltext

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/unclebandit/commsblock-backend/internal/placeholder"
)

// MinLength is the shortest structured result accepted before falling back to raw text.
const MinLength = 20

const unsubscribeLine = "\n\nUnsubscribe: {{unsubscribe_url}}"

var (
	tagPattern   = regexp.MustCompile(`<[^>]*>`)
	spacePattern = regexp.MustCompile(`\s+`)
)

type Converter struct {
	// TrackingDomain links are rendered as text only.
	TrackingDomain string
}

// Convert never fails. Internal errors degrade to StripTags(src).
func (c Converter) Convert(src string) (out string) {
	if strings.TrimSpace(src) == "" {
		return ""
	}
	defer func() {
		if r := recover(); r != nil {
			out = StripTags(src)
		}
	}()

	text, err := c.convert(src)
	if err != nil {
		return StripTags(src)
	}
	if placeholder.Contains(src, "unsubscribe_url") && !placeholder.Contains(text, "unsubscribe_url") {
		text += unsubscribeLine
	}
	return text
}

func (c Converter) convert(src string) (string, error) {
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	prune(doc)

	root := findBody(doc)
	if root == nil {
		root = doc
	}
	w := &writer{domain: c.TrackingDomain}
	w.walkChildren(root)
	text := w.String()

	if utf8.RuneCountInString(text) < MinLength {
		text = collapse(rawText(doc))
	}
	return text, nil
}

// StripTags removes markup and normalizes whitespace.
func StripTags(src string) string {
	return collapse(tagPattern.ReplaceAllString(src, " "))
}

func collapse(s string) string {
	return strings.TrimSpace(spacePattern.ReplaceAllString(s, " "))
}

func prune(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if c.Type == html.CommentNode || (c.Type == html.ElementNode && removable(c)) {
			n.RemoveChild(c)
		} else {
			prune(c)
		}
		c = next
	}
}

func removable(n *html.Node) bool {
	switch n.DataAtom {
	case atom.Style, atom.Script, atom.Head, atom.Meta, atom.Title, atom.Noscript:
		return true
	}
	for _, a := range n.Attr {
		switch a.Key {
		case "style":
			if strings.Contains(strings.ReplaceAll(strings.ToLower(a.Val), " ", ""), "display:none") {
				return true
			}
		case "class":
			for _, cls := range strings.Fields(a.Val) {
				if cls == "hidden" || cls == "sr-only" {
					return true
				}
			}
		case "aria-hidden":
			if strings.EqualFold(strings.TrimSpace(a.Val), "true") {
				return true
			}
		}
	}
	return false
}

func findBody(n *html.Node) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == atom.Body {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if b := findBody(c); b != nil {
			return b
		}
	}
	return nil
}

func rawText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

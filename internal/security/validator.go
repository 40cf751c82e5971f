// Package security checks compiled campaign HTML against size and content limits.
package security

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

type Limits struct {
	MaxHTMLBytes  int
	MaxNodes      int
	MaxLinks      int
	MaxImages     int // advisory
	MaxTextLength int // advisory
}

func DefaultLimits() Limits {
	return Limits{
		MaxHTMLBytes:  500 * 1024,
		MaxNodes:      2000,
		MaxLinks:      100,
		MaxImages:     50,
		MaxTextLength: 100 * 1024,
	}
}

// WarnRatio is the share of a hard limit above which a warning is raised.
const WarnRatio = 0.8

type Finding struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Limit   int    `json:"limit,omitempty"`
	Actual  int    `json:"actual,omitempty"`
	Count   int    `json:"count,omitempty"`
}

type Metrics struct {
	HTMLSize   int `json:"htmlSize"`
	NodeCount  int `json:"nodeCount"`
	LinkCount  int `json:"linkCount"`
	ImageCount int `json:"imageCount"`
	TextLength int `json:"textLength"`
}

type Report struct {
	Validated bool      `json:"validated"`
	Warnings  []Finding `json:"warnings"`
	Errors    []Finding `json:"errors"`
	Metrics   Metrics   `json:"metrics"`
}

var suspicious = []struct {
	pattern *regexp.Regexp
	kind    string
	message string
}{
	{regexp.MustCompile(`(?i)<script`), "script_tags", "Script tags detected"},
	{regexp.MustCompile(`(?i)javascript:`), "javascript_urls", "JavaScript URLs detected"},
	{regexp.MustCompile(`(?i)\bon\w+\s*=`), "event_handlers", "Event handlers detected"},
}

type Validator struct {
	Limits Limits
}

func NewValidator() *Validator {
	return &Validator{Limits: DefaultLimits()}
}

// Validate reports on src. It never blocks anything itself; callers decide what
// to do with Validated=false.
func (v *Validator) Validate(src string) Report {
	r := Report{Validated: true, Warnings: []Finding{}, Errors: []Finding{}}
	if src == "" {
		return r
	}

	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		r.Validated = false
		r.Errors = append(r.Errors, Finding{Type: "validation_error", Message: fmt.Sprintf("security validation failed: %v", err)})
		return r
	}

	m := Metrics{HTMLSize: len(src)}
	var text strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.ElementNode:
			m.NodeCount++
			switch n.DataAtom {
			case atom.A:
				if hasAttr(n, "href") {
					m.LinkCount++
				}
			case atom.Img:
				m.ImageCount++
			}
		case html.TextNode:
			text.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	m.TextLength = len(text.String())
	r.Metrics = m

	v.hard(&r, "html_size", "HTML size", m.HTMLSize, v.Limits.MaxHTMLBytes)
	v.hard(&r, "dom_nodes", "DOM node count", m.NodeCount, v.Limits.MaxNodes)
	v.hard(&r, "links", "Link count", m.LinkCount, v.Limits.MaxLinks)

	if m.ImageCount > v.Limits.MaxImages {
		r.Warnings = append(r.Warnings, Finding{
			Type:    "images_warning",
			Message: fmt.Sprintf("Image count (%d) exceeds recommended limit (%d)", m.ImageCount, v.Limits.MaxImages),
			Limit:   v.Limits.MaxImages,
			Actual:  m.ImageCount,
		})
	}
	if m.TextLength > v.Limits.MaxTextLength {
		r.Warnings = append(r.Warnings, Finding{
			Type:    "text_length_warning",
			Message: fmt.Sprintf("Text content (%dKB) exceeds recommended limit (%dKB)", m.TextLength/1024, v.Limits.MaxTextLength/1024),
			Limit:   v.Limits.MaxTextLength,
			Actual:  m.TextLength,
		})
	}

	for _, s := range suspicious {
		if n := len(s.pattern.FindAllStringIndex(src, -1)); n > 0 {
			r.Warnings = append(r.Warnings, Finding{
				Type:    s.kind,
				Message: fmt.Sprintf("%s (%d instances)", s.message, n),
				Count:   n,
			})
		}
	}

	r.Validated = len(r.Errors) == 0
	return r
}

func (v *Validator) hard(r *Report, kind, label string, actual, limit int) {
	switch {
	case actual > limit:
		r.Errors = append(r.Errors, Finding{
			Type:    kind + "_exceeded",
			Message: fmt.Sprintf("%s (%d) exceeds limit (%d)", label, actual, limit),
			Limit:   limit,
			Actual:  actual,
		})
	case float64(actual) > float64(limit)*WarnRatio:
		r.Warnings = append(r.Warnings, Finding{
			Type:    kind + "_warning",
			Message: fmt.Sprintf("%s (%d) is approaching limit (%d)", label, actual, limit),
			Limit:   limit,
			Actual:  actual,
		})
	}
}

func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}

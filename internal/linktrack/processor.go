// Package linktrack rewrites anchors in compiled HTML into click-tracking
// wrappers and applies the campaign's UTM policy to their destinations.
package linktrack

import (
	"bytes"
	"io"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/unclebandit/commsblock-backend/internal/model"
	"github.com/unclebandit/commsblock-backend/internal/placeholder"
)

const (
	ReasonDoNotTrack      = "do-not-track"
	ReasonProcessingError = "processing-error"

	DefaultTrackingDomain = "track.motorical.com"
)

var doNotTrack = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^mailto:`),
	regexp.MustCompile(`(?i)^tel:`),
	regexp.MustCompile(`(?i)unsubscribe`),
	regexp.MustCompile(`(?i)opt.?out`),
}

type Options struct {
	CampaignID     string
	TrackingDomain string
	Policy         Policy
	Defaults       []Param
}

type Stats struct {
	Total   int `json:"total"`
	Tracked int `json:"tracked"`
	Skipped int `json:"skipped"`
}

type Result struct {
	HTML  string               `json:"-"`
	Links []model.LinkMapEntry `json:"linkMap"`
	Stats Stats                `json:"stats"`
}

// ShouldTrack reports whether href is eligible for click tracking.
func ShouldTrack(href string) bool {
	h := strings.TrimSpace(href)
	if h == "" || strings.HasPrefix(h, "#") || strings.HasPrefix(h, "/") {
		return false
	}
	if strings.HasPrefix(strings.ToLower(h), "javascript:") {
		return false
	}
	for _, re := range doNotTrack {
		if re.MatchString(h) {
			return false
		}
	}
	return true
}

// Wrap builds the compile-time tracking URL for one link. The marker in the path
// is replaced with a signed per-recipient token at send time.
func Wrap(domain, campaignID string, linkIndex int, destination string) string {
	if domain == "" {
		domain = DefaultTrackingDomain
	}
	return "https://" + domain + "/c/" + placeholder.TrackMarker(campaignID, linkIndex) + "?url=" + url.QueryEscape(destination)
}

// Process rewrites every eligible <a href> in src. Anchors that are skipped are
// written back byte for byte.
func Process(src string, opts Options) Result {
	res := Result{HTML: src, Links: []model.LinkMapEntry{}}
	if src == "" {
		return res
	}
	if opts.Policy == "" {
		opts.Policy = PolicyPreserve
	}
	if opts.Defaults == nil {
		opts.Defaults = DefaultParams()
	}

	var out bytes.Buffer
	out.Grow(len(src) + len(src)/4)
	z := html.NewTokenizer(strings.NewReader(src))

	var (
		pending  *html.Token
		startRaw []byte
		inner    bytes.Buffer
		text     strings.Builder
		index    int
	)

	flush := func() {
		if pending == nil {
			return
		}
		entry, rewritten := processAnchor(pending, strings.TrimSpace(text.String()), index, opts)
		index++
		res.Stats.Total++
		if entry.Tracked {
			res.Stats.Tracked++
			out.WriteString(rewritten)
		} else {
			res.Stats.Skipped++
			out.Write(startRaw)
		}
		out.Write(inner.Bytes())
		res.Links = append(res.Links, entry)
		pending = nil
		inner.Reset()
		text.Reset()
	}

	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			if z.Err() != io.EOF {
				return Result{HTML: src, Links: []model.LinkMapEntry{}}
			}
			flush()
			break
		}
		raw := append([]byte(nil), z.Raw()...)
		tok := z.Token()

		if tok.DataAtom == atom.A && (tt == html.StartTagToken || tt == html.SelfClosingTagToken) {
			flush()
			if _, ok := attr(tok, "href"); ok {
				t := tok
				pending = &t
				startRaw = raw
				if tt == html.SelfClosingTagToken {
					flush()
				}
				continue
			}
			out.Write(raw)
			continue
		}

		if pending == nil {
			out.Write(raw)
			continue
		}
		inner.Write(raw)
		if tt == html.TextToken {
			text.WriteString(tok.Data)
		}
		if tt == html.EndTagToken && tok.DataAtom == atom.A {
			flush()
		}
	}

	res.HTML = out.String()
	return res
}

func processAnchor(tok *html.Token, text string, index int, opts Options) (model.LinkMapEntry, string) {
	href, _ := attr(*tok, "href")
	entry := model.LinkMapEntry{
		Index:     index,
		Original:  href,
		Processed: href,
		Text:      text,
	}
	if !ShouldTrack(href) {
		entry.Reason = ReasonDoNotTrack
		return entry, ""
	}

	trimmed := strings.TrimSpace(href)
	u, err := url.Parse(trimmed)
	if err != nil {
		entry.Reason = ReasonProcessingError
		return entry, ""
	}
	if !isHTTP(u) {
		entry.Reason = ReasonDoNotTrack
		return entry, ""
	}

	dest, err := ApplyPolicy(trimmed, opts.Policy, opts.Defaults)
	if err != nil {
		entry.Reason = ReasonProcessingError
		return entry, ""
	}

	wrapped := Wrap(opts.TrackingDomain, opts.CampaignID, index, dest)
	for i := range tok.Attr {
		if tok.Attr[i].Namespace == "" && tok.Attr[i].Key == "href" {
			tok.Attr[i].Val = wrapped
			break
		}
	}

	entry.Processed = wrapped
	entry.FinalDestination = dest
	entry.Tracked = true
	entry.UTMPolicy = string(opts.Policy)
	entry.UTMsApplied = UTMs(dest)
	return entry, tok.String()
}

func attr(tok html.Token, key string) (string, bool) {
	for _, a := range tok.Attr {
		if a.Namespace == "" && a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

// Package placeholder parses the two placeholder forms carried by compiled
// artifacts: {{ name }} variables and TRACK_TOKEN_<campaign>_<index> link markers.
package placeholder

import (
	"net/url"
	"strconv"
	"strings"
)

type Kind int

const (
	KindVar Kind = iota + 1
	KindTrack
)

const trackPrefix = "TRACK_TOKEN_"

// Token is one placeholder occurrence. Start and End are byte offsets into the
// scanned input; End is exclusive.
type Token struct {
	Kind       Kind
	Start, End int
	Name       string

	CampaignID  string
	LinkIndex   int
	Destination string // decoded ?url= value following a track marker, if any
}

// TrackMarker returns the compile-time marker for one link.
func TrackMarker(campaignID string, linkIndex int) string {
	return trackPrefix + campaignID + "_" + strconv.Itoa(linkIndex)
}

// Scan returns every well-formed placeholder in s in order of appearance.
// Text that only resembles a placeholder is ignored.
func Scan(s string) []Token {
	var out []Token
	for i := 0; i < len(s); {
		switch {
		case strings.HasPrefix(s[i:], "{{"):
			if tok, ok := scanVar(s, i); ok {
				out = append(out, tok)
				i = tok.End
				continue
			}
		case strings.HasPrefix(s[i:], trackPrefix):
			if tok, ok := scanTrack(s, i); ok {
				out = append(out, tok)
				i = tok.End
				continue
			}
		}
		i++
	}
	return out
}

// Expand rewrites s, replacing each placeholder for which fn returns true.
func Expand(s string, fn func(Token) (string, bool)) string {
	toks := Scan(s)
	if len(toks) == 0 {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	last := 0
	for _, tok := range toks {
		repl, ok := fn(tok)
		if !ok {
			continue
		}
		b.WriteString(s[last:tok.Start])
		b.WriteString(repl)
		last = tok.End
	}
	b.WriteString(s[last:])
	return b.String()
}

// Vars replaces {{ name }} variables found in vars and leaves the rest untouched.
func Vars(s string, vars map[string]string) string {
	return Expand(s, func(tok Token) (string, bool) {
		if tok.Kind != KindVar {
			return "", false
		}
		v, ok := vars[tok.Name]
		return v, ok
	})
}

// Contains reports whether s holds the variable name.
func Contains(s, name string) bool {
	for _, tok := range Scan(s) {
		if tok.Kind == KindVar && tok.Name == name {
			return true
		}
	}
	return false
}

func scanVar(s string, start int) (Token, bool) {
	i := start + 2
	i = skipSpaces(s, i)
	nameStart := i
	for i < len(s) && isIdent(s[i], i == nameStart) {
		i++
	}
	if i == nameStart {
		return Token{}, false
	}
	name := s[nameStart:i]
	i = skipSpaces(s, i)
	if !strings.HasPrefix(s[i:], "}}") {
		return Token{}, false
	}
	return Token{Kind: KindVar, Start: start, End: i + 2, Name: name}, true
}

func scanTrack(s string, start int) (Token, bool) {
	i := start + len(trackPrefix)
	idStart := i
	for i < len(s) && isCampaignIDByte(s[i]) {
		i++
	}
	if i == idStart || i >= len(s) || s[i] != '_' {
		return Token{}, false
	}
	campaignID := s[idStart:i]
	i++
	numStart := i
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == numStart {
		return Token{}, false
	}
	idx, err := strconv.Atoi(s[numStart:i])
	if err != nil {
		return Token{}, false
	}
	tok := Token{Kind: KindTrack, Start: start, End: i, CampaignID: campaignID, LinkIndex: idx}
	if strings.HasPrefix(s[i:], "?url=") {
		j := i + len("?url=")
		valStart := j
		for j < len(s) && !isURLTerminator(s[j]) {
			j++
		}
		if dest, err := url.QueryUnescape(s[valStart:j]); err == nil {
			tok.Destination = dest
		}
	}
	return tok, true
}

func skipSpaces(s string, i int) int {
	for i < len(s) && (s[i] == ' ' || s[i] == '\t') {
		i++
	}
	return i
}

func isIdent(c byte, first bool) bool {
	if c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') {
		return true
	}
	return !first && c >= '0' && c <= '9'
}

func isCampaignIDByte(c byte) bool {
	return c == '-' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func isURLTerminator(c byte) bool {
	switch c {
	case '"', '\'', ' ', '\t', '\n', '\r', '&', '<', '>':
		return true
	}
	return false
}

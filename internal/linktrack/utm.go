package linktrack

import (
	"errors"
	"net/url"
	"strings"
)

type Policy string

const (
	PolicyPreserve Policy = "preserve"
	PolicyAppend   Policy = "append"
	PolicyOverride Policy = "override"
)

// Param is one UTM key/value pair. Order matters when parameters are appended.
type Param struct {
	Key   string
	Value string
}

// DefaultParams is the set used when a caller supplies none.
func DefaultParams() []Param {
	return []Param{{"utm_source", "email"}, {"utm_medium", "campaign"}}
}

var errNotAbsolute = errors.New("url is not absolute http(s)")

// ApplyPolicy rewrites raw according to policy. The existing query order is kept
// and new parameters are appended after it.
func ApplyPolicy(raw string, policy Policy, defaults []Param) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return raw, err
	}
	if !isHTTP(u) {
		return raw, errNotAbsolute
	}

	switch policy {
	case PolicyAppend:
		pairs := splitQuery(u.RawQuery)
		for _, p := range defaults {
			if !hasKey(pairs, p.Key) {
				pairs = append(pairs, queryPair{key: p.Key, raw: url.QueryEscape(p.Key) + "=" + url.QueryEscape(p.Value)})
			}
		}
		u.RawQuery = joinQuery(pairs)
		return u.String(), nil
	case PolicyOverride:
		if sameUTMs(UTMs(raw), defaults) {
			return raw, nil
		}
		var kept []queryPair
		for _, p := range splitQuery(u.RawQuery) {
			if !strings.HasPrefix(p.key, "utm_") {
				kept = append(kept, p)
			}
		}
		for _, p := range defaults {
			kept = append(kept, queryPair{key: p.Key, raw: url.QueryEscape(p.Key) + "=" + url.QueryEscape(p.Value)})
		}
		u.RawQuery = joinQuery(kept)
		return u.String(), nil
	default:
		return raw, nil
	}
}

// UTMs returns the utm_* parameters of raw. Unparseable input yields an empty map.
func UTMs(raw string) map[string]string {
	out := map[string]string{}
	u, err := url.Parse(raw)
	if err != nil {
		return out
	}
	for _, p := range splitQuery(u.RawQuery) {
		if !strings.HasPrefix(p.key, "utm_") {
			continue
		}
		if _, seen := out[p.key]; !seen {
			out[p.key] = p.value()
		}
	}
	return out
}

type queryPair struct {
	key string
	raw string
}

func (p queryPair) value() string {
	_, v, _ := strings.Cut(p.raw, "=")
	if dec, err := url.QueryUnescape(v); err == nil {
		return dec
	}
	return v
}

func splitQuery(q string) []queryPair {
	if q == "" {
		return nil
	}
	var out []queryPair
	for _, part := range strings.Split(q, "&") {
		if part == "" {
			continue
		}
		k, _, _ := strings.Cut(part, "=")
		if dec, err := url.QueryUnescape(k); err == nil {
			k = dec
		}
		out = append(out, queryPair{key: k, raw: part})
	}
	return out
}

func joinQuery(pairs []queryPair) string {
	parts := make([]string, len(pairs))
	for i, p := range pairs {
		parts[i] = p.raw
	}
	return strings.Join(parts, "&")
}

func hasKey(pairs []queryPair, key string) bool {
	for _, p := range pairs {
		if p.key == key {
			return true
		}
	}
	return false
}

func sameUTMs(have map[string]string, want []Param) bool {
	if len(have) != len(want) {
		return false
	}
	for _, p := range want {
		if v, ok := have[p.Key]; !ok || v != p.Value {
			return false
		}
	}
	return true
}

func isHTTP(u *url.URL) bool {
	s := strings.ToLower(u.Scheme)
	return (s == "http" || s == "https") && u.Host != ""
}

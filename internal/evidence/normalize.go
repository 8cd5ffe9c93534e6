// Package evidence handles evidence identity and ingestion.
package evidence

import (
	"fmt"
	"net/url"
	"strings"
)

// trackingParams are dropped during normalization; any utm_* key is too.
var trackingParams = map[string]bool{
	"fbclid": true,
	"gclid":  true,
	"dclid":  true,
	"igshid": true,
	"mc_cid": true,
	"mc_eid": true,
}

// NormalizeURL canonicalizes raw for duplicate detection: lower-cased host,
// no fragment, no tracking parameters, one trailing slash removed. Remaining
// query parameters keep their order and are re-encoded in form encoding, so
// "a%20b" and "a+b" compare equal. Relative or unparseable URLs fall back to
// a trimmed, lower-cased literal.
//
// Changing these rules changes dedup results for windows already in flight.
func NormalizeURL(raw string) string {
	trimmed := strings.TrimSpace(raw)
	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" {
		return strings.ToLower(trimmed)
	}

	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	u.RawQuery = filterQuery(u.RawQuery)
	u.ForceQuery = false

	return strings.TrimSuffix(u.String(), "/")
}

func filterQuery(rawQuery string) string {
	var b strings.Builder
	for _, pair := range strings.Split(rawQuery, "&") {
		if pair == "" {
			continue
		}
		key, value, _ := strings.Cut(pair, "=")
		key, value = formDecode(key), formDecode(value)
		if trackingParams[key] || strings.HasPrefix(key, "utm_") {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('&')
		}
		b.WriteString(formEncode(key))
		b.WriteByte('=')
		b.WriteString(formEncode(value))
	}
	return b.String()
}

func formDecode(s string) string {
	s = strings.ReplaceAll(s, "+", " ")
	if v, err := url.PathUnescape(s); err == nil {
		return v
	}
	return s
}

// formEncode applies application/x-www-form-urlencoded byte serialization:
// alphanumerics and *-._ pass through, space becomes '+'.
func formEncode(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9',
			c == '*', c == '-', c == '.', c == '_':
			b.WriteByte(c)
		case c == ' ':
			b.WriteByte('+')
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

// SameEvidence reports whether two URLs identify the same evidence item.
func SameEvidence(a, b string) bool {
	return NormalizeURL(a) == NormalizeURL(b)
}

package evidence

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"lowercases host", "https://News.Example.COM/Story", "https://news.example.com/Story"},
		{"drops fragment", "https://example.com/a#section-2", "https://example.com/a"},
		{"drops utm params", "https://example.com/a?utm_source=x&utm_medium=y", "https://example.com/a"},
		{"keeps other params in order", "https://example.com/a?z=1&fbclid=abc&b=2", "https://example.com/a?z=1&b=2"},
		{"drops every tracking key", "https://example.com/?gclid=1&dclid=2&igshid=3&mc_cid=4&mc_eid=5&id=9", "https://example.com/?id=9"},
		{"strips trailing slash", "https://example.com/a/", "https://example.com/a"},
		{"root", "https://example.com/", "https://example.com"},
		{"strips exactly one trailing slash", "https://example.com/a//", "https://example.com/a/"},
		{"re-encodes query values", "https://example.com/s?q=a%20b&t=x~y", "https://example.com/s?q=a+b&t=x%7Ey"},
		{"bare key gets empty value", "https://example.com/s?flag&b=1", "https://example.com/s?flag=&b=1"},
		{"opaque url keeps case", "mailto:Someone@Example.com", "mailto:Someone@Example.com"},
		{"trims whitespace", "  https://example.com/a  ", "https://example.com/a"},
		{"relative falls back", "  /Some/Path ", "/some/path"},
		{"garbage falls back", "NOT A URL", "not a url"},
		{"bad escape falls back", "https://exa mple.com/%zz", "https://exa mple.com/%zz"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, NormalizeURL(tt.in))
		})
	}
}

func TestNormalizeURL_Idempotent(t *testing.T) {
	t.Parallel()

	inputs := []string{
		"https://Example.com/path/?utm_source=feed&id=4#top",
		"http://example.com",
		"https://example.com/s?q=a%20b&flag",
		"mailto:Someone@Example.com",
		"  Whatever  ",
	}
	for _, in := range inputs {
		once := NormalizeURL(in)
		assert.Equal(t, once, NormalizeURL(once), in)
	}
}

func TestSameEvidence_UTMAndTrailingSlash(t *testing.T) {
	t.Parallel()

	assert.True(t, SameEvidence(
		"https://example.com/story/?utm_source=newsletter",
		"https://example.com/story",
	))
	assert.True(t, SameEvidence(
		"https://example.com/search?q=a%20b",
		"https://example.com/search?q=a+b",
	))
	assert.False(t, SameEvidence(
		"https://example.com/story?id=1",
		"https://example.com/story?id=2",
	))
}

package evidence

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theonetruejesse/judge-gym/internal/model"
	"github.com/theonetruejesse/judge-gym/internal/requests"
	"github.com/theonetruejesse/judge-gym/pkg/firecrawl"
)

type fakeFirecrawl struct {
	got  firecrawl.SearchRequest
	resp *firecrawl.SearchResponse
	err  error
}

func (f *fakeFirecrawl) Search(_ context.Context, req firecrawl.SearchRequest) (*firecrawl.SearchResponse, error) {
	f.got = req
	return f.resp, f.err
}

type staticSource struct {
	articles []model.Article
	scope    model.WindowScope
	limit    int
}

func (s *staticSource) SearchNews(_ context.Context, scope model.WindowScope, limit int) ([]model.Article, error) {
	s.scope = scope
	s.limit = limit
	return s.articles, nil
}

func TestFirecrawlSource_BuildsRequestAndFilters(t *testing.T) {
	fc := &fakeFirecrawl{resp: &firecrawl.SearchResponse{Success: true, Data: firecrawl.SearchData{News: []firecrawl.SearchResult{
		{Title: "A", URL: "https://n.example.com/a", Markdown: "# A"},
		{Title: "", URL: "https://n.example.com/b", Markdown: "# B"},
		{Title: "C", URL: "", Markdown: "# C"},
		{Title: "D", URL: "https://n.example.com/d", Markdown: "  "},
	}}}}

	got, err := NewFirecrawlSource(fc).SearchNews(context.Background(), model.WindowScope{
		Concept: "authoritarianism", Country: "Hungary", StartDate: "2026-01-01", EndDate: "2026-03-31",
	}, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, model.Article{Title: "A", URL: "https://n.example.com/a", RawContent: "# A"}, got[0])

	assert.Equal(t, "authoritarianism Hungary news", fc.got.Query)
	assert.Equal(t, DefaultSearchLimit, fc.got.Limit)
	assert.Equal(t, "Hungary", fc.got.Location)
	assert.Equal(t, []string{firecrawl.SourceNews}, fc.got.Sources)
	assert.Equal(t, "cdr:1,cd_min:01/01/2026,cd_max:03/31/2026", fc.got.TBS)
	require.NotNil(t, fc.got.ScrapeOptions)
	assert.Equal(t, []string{"markdown"}, fc.got.ScrapeOptions.Formats)
}

func TestFirecrawlSource_InvalidDate(t *testing.T) {
	fc := &fakeFirecrawl{}
	_, err := NewFirecrawlSource(fc).SearchNews(context.Background(), model.WindowScope{
		Concept: "c", Country: "x", StartDate: "01/01/2026", EndDate: "2026-03-31",
	}, 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid window date")
	assert.Empty(t, fc.got.Query, "no request sent")
}

func TestFirecrawlSource_ClientError(t *testing.T) {
	fc := &fakeFirecrawl{err: &firecrawl.APIError{StatusCode: 429, Body: "slow down"}}
	_, err := NewFirecrawlSource(fc).SearchNews(context.Background(), model.WindowScope{
		Concept: "c", Country: "x", StartDate: "2026-01-01", EndDate: "2026-01-31",
	}, 5)
	var apiErr *firecrawl.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 429, apiErr.StatusCode)
}

func TestCollectorSearch_IngestsSourceArticles(t *testing.T) {
	_, st, sched, w := newCollector(t)
	src := &staticSource{articles: []model.Article{
		{Title: "a", URL: "https://news.example.com/a", RawContent: "body a"},
		{Title: "a dup", URL: "https://news.example.com/a/", RawContent: "body a"},
	}}
	c := NewCollector(st, requests.New(st), sched, WithSource(src))

	res, err := c.Search(context.Background(), w.ID, 7)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 1, res.Queued)
	assert.Equal(t, "Hungary", src.scope.Country)
	assert.Equal(t, 7, src.limit)
}

func TestCollectorSearch_Errors(t *testing.T) {
	c, st, sched, w := newCollector(t)
	_, err := c.Search(context.Background(), w.ID, 5)
	require.ErrorIs(t, err, ErrNoSource)

	c = NewCollector(st, requests.New(st), sched, WithSource(&staticSource{}))
	_, err = c.Search(context.Background(), "missing", 5)
	require.ErrorIs(t, err, ErrWindowNotFound)
}

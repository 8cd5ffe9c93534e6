package evidence

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/theonetruejesse/judge-gym/internal/model"
	"github.com/theonetruejesse/judge-gym/pkg/firecrawl"
)

// DefaultSearchLimit is the number of news hits requested per window.
const DefaultSearchLimit = 15

// ErrNoSource is returned by Search when no news source is configured.
var ErrNoSource = errors.New("evidence: no news source configured")

// NewsSource finds articles for a window scope.
type NewsSource interface {
	SearchNews(ctx context.Context, scope model.WindowScope, limit int) ([]model.Article, error)
}

// FirecrawlSource searches Firecrawl news restricted to the window's country
// and date range, scraping each hit to markdown.
type FirecrawlSource struct {
	client firecrawl.Client
}

// NewFirecrawlSource wraps a Firecrawl client.
func NewFirecrawlSource(client firecrawl.Client) *FirecrawlSource {
	return &FirecrawlSource{client: client}
}

// SearchNews returns hits with a title, URL and scraped markdown. Hits
// missing any of those are dropped.
func (s *FirecrawlSource) SearchNews(ctx context.Context, scope model.WindowScope, limit int) ([]model.Article, error) {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	req := firecrawl.SearchRequest{
		Query:         searchQuery(scope),
		Limit:         limit,
		Sources:       []string{firecrawl.SourceNews},
		Location:      scope.Country,
		ScrapeOptions: &firecrawl.ScrapeOptions{Formats: []string{"markdown"}},
	}
	tbs, err := dateRangeTBS(scope.StartDate, scope.EndDate)
	if err != nil {
		return nil, err
	}
	req.TBS = tbs

	resp, err := s.client.Search(ctx, req)
	if err != nil {
		return nil, eris.Wrapf(err, "evidence: search %q", req.Query)
	}

	out := make([]model.Article, 0, len(resp.Data.News))
	for _, hit := range resp.Data.News {
		if hit.Title == "" || hit.URL == "" || strings.TrimSpace(hit.Markdown) == "" {
			continue
		}
		out = append(out, model.Article{Title: hit.Title, URL: hit.URL, RawContent: hit.Markdown})
	}
	return out, nil
}

func searchQuery(scope model.WindowScope) string {
	return strings.TrimSpace(scope.Concept) + " " + strings.TrimSpace(scope.Country) + " news"
}

// dateRangeTBS builds a custom date range filter from YYYY-MM-DD bounds.
func dateRangeTBS(start, end string) (string, error) {
	from, err := toSearchDate(start)
	if err != nil {
		return "", err
	}
	to, err := toSearchDate(end)
	if err != nil {
		return "", err
	}
	return "cdr:1,cd_min:" + from + ",cd_max:" + to, nil
}

func toSearchDate(d string) (string, error) {
	t, err := time.Parse("2006-01-02", d)
	if err != nil {
		return "", eris.Wrapf(err, "evidence: invalid window date %q", d)
	}
	return t.Format("01/02/2006"), nil
}

// Search pulls news for a window from the configured source and ingests it
// with Collect.
func (c *Collector) Search(ctx context.Context, windowID string, limit int) (*CollectResult, error) {
	if c.source == nil {
		return nil, ErrNoSource
	}
	w, err := c.store.GetWindow(ctx, windowID)
	if err != nil {
		return nil, eris.Wrap(err, "evidence: get window")
	}
	if w == nil {
		return nil, eris.Wrap(ErrWindowNotFound, windowID)
	}

	articles, err := c.source.SearchNews(ctx, w.WindowScope, limit)
	if err != nil {
		return nil, err
	}
	c.log.Info("news search complete",
		zap.String("window_id", windowID),
		zap.Int("articles", len(articles)),
	)
	return c.Collect(ctx, windowID, articles)
}

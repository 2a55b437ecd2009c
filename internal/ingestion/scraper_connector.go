package ingestion

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/Dean-Rough/transferjuice/internal/config"
	"github.com/Dean-Rough/transferjuice/internal/logging"
	"github.com/Dean-Rough/transferjuice/internal/models"
)

var statusPath = regexp.MustCompile(`^/([A-Za-z0-9_]+)/status/(\d+)`)

// ScraperClient is the secondary fetch path. A headless-browser render
// service loads the public profile page and returns the rendered HTML, which
// is parsed for posts. It consumes no API quota but takes seconds per call
// and carries no rate-limit metadata or engagement counts.
type ScraperClient struct {
	renderURL      string
	profileBaseURL string
	client         *http.Client
	retry          RetryPolicy
	logger         *slog.Logger
}

// NewScraperClient creates the fallback client. The render service's own
// 5xx and network failures are retried with policy.
func NewScraperClient(cfg config.ScraperConfig, policy RetryPolicy, logger *slog.Logger) *ScraperClient {
	if logger == nil {
		logger = logging.Discard()
	}
	return &ScraperClient{
		renderURL:      cfg.RenderURL,
		profileBaseURL: strings.TrimRight(cfg.ProfileBaseURL, "/"),
		client:         &http.Client{Timeout: cfg.Timeout},
		retry:          policy,
		logger:         logger.With("component", "scraper_client"),
	}
}

// FetchTimeline renders account's profile and returns posts newer than
// req.Cursor, newest first as the page lists them.
func (s *ScraperClient) FetchTimeline(ctx context.Context, account models.TrackedAccount, req FetchRequest) ([]models.NormalizedUpdate, error) {
	profile := s.profileBaseURL + "/" + url.PathEscape(account.Handle)

	var html string
	err := Retry(ctx, s.retry, func() error {
		var err error
		html, err = s.render(ctx, profile)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("render @%s: %w", account.Handle, err)
	}

	updates, err := parseProfile(account, html, req)
	if err != nil {
		return nil, fmt.Errorf("parse @%s: %w", account.Handle, err)
	}

	s.logger.Debug("scraped timeline", "account", account.Handle, "count", len(updates))
	return updates, nil
}

func (s *ScraperClient) render(ctx context.Context, profile string) (string, error) {
	u, err := url.Parse(s.renderURL)
	if err != nil {
		return "", fmt.Errorf("invalid render url: %w", err)
	}
	q := u.Query()
	q.Set("url", profile)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "text/html")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", NewRetryableError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", NewRetryableError(err)
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return "", NewRetryableErrorWithDelay(
			fmt.Errorf("render service error: %d", resp.StatusCode),
			retryAfter(resp.Header, time.Now()),
		)
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("render service error: %d", resp.StatusCode)
	}
	return string(body), nil
}

func parseProfile(account models.TrackedAccount, html string, req FetchRequest) ([]models.NormalizedUpdate, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, err
	}

	limit := req.MaxResults
	if limit <= 0 {
		limit = 100
	}

	var updates []models.NormalizedUpdate
	seen := make(map[string]bool)
	doc.Find(`article[data-testid="tweet"]`).EachWithBreak(func(_ int, article *goquery.Selection) bool {
		author, id := statusLink(article)
		// Reposts and quoted posts from other accounts are skipped, matching
		// the primary path's exclude=retweets.
		if id == "" || !strings.EqualFold(author, account.Handle) || seen[id] {
			return true
		}
		if req.Cursor != "" && models.CompareUpdateIDs(id, req.Cursor) <= 0 {
			return true
		}

		var createdAt time.Time
		if dt, ok := article.Find("time[datetime]").First().Attr("datetime"); ok {
			createdAt, _ = time.Parse(time.RFC3339, dt)
		}
		if !req.StartTime.IsZero() && !createdAt.IsZero() && createdAt.Before(req.StartTime) {
			return true
		}

		textNode := article.Find(`div[data-testid="tweetText"]`).First()
		u := models.NormalizedUpdate{
			ID:              id,
			SourceAccountID: account.ID,
			Text:            strings.TrimSpace(textNode.Text()),
			URL:             fmt.Sprintf("https://x.com/%s/status/%s", account.Handle, id),
			CreatedAt:       createdAt,
			Media:           scrapeMedia(article),
			Path:            models.FetchPathSecondary,
		}
		textNode.Find(`a[href*="/hashtag/"]`).Each(func(_ int, a *goquery.Selection) {
			if tag := strings.TrimPrefix(strings.TrimSpace(a.Text()), "#"); tag != "" {
				u.Hashtags = append(u.Hashtags, tag)
			}
		})

		seen[id] = true
		updates = append(updates, u)
		return len(updates) < limit
	})

	return updates, nil
}

// statusLink finds the permalink of an article's own post.
func statusLink(article *goquery.Selection) (author, id string) {
	article.Find(`a[href*="/status/"]`).EachWithBreak(func(_ int, a *goquery.Selection) bool {
		href, _ := a.Attr("href")
		if u, err := url.Parse(href); err == nil {
			href = u.Path
		}
		if m := statusPath.FindStringSubmatch(href); m != nil {
			author, id = m[1], m[2]
			return false
		}
		return true
	})
	return author, id
}

func scrapeMedia(article *goquery.Selection) []models.Media {
	media := []models.Media{}
	article.Find(`img[src*="pbs.twimg.com/media"]`).Each(func(_ int, img *goquery.Selection) {
		if src, ok := img.Attr("src"); ok {
			media = append(media, models.Media{URL: src, Type: "photo"})
		}
	})
	article.Find("video").Each(func(_ int, v *goquery.Selection) {
		if poster, ok := v.Attr("poster"); ok {
			media = append(media, models.Media{URL: poster, Type: "video"})
		}
	})
	return media
}

var _ SecondaryFetcher = (*ScraperClient)(nil)

package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Dean-Rough/transferjuice/internal/config"
	"github.com/Dean-Rough/transferjuice/internal/logging"
	"github.com/Dean-Rough/transferjuice/internal/metrics"
	"github.com/Dean-Rough/transferjuice/internal/models"
	"github.com/Dean-Rough/transferjuice/internal/quota"
)

// Quota endpoint keys. Upstream meters each route separately, and the
// timeline route is shared by every tracked account.
const (
	EndpointUserLookup   = "GET /2/users/by/username/:username"
	EndpointUserTimeline = "GET /2/users/:id/tweets"
)

const (
	tweetFields = "created_at,public_metrics,entities,context_annotations,attachments"
	mediaFields = "url,preview_image_url,type"
	// Used when a 429 carries no reset metadata; upstream windows are 15 minutes.
	defaultQuotaWindow = 15 * time.Minute
	maxErrorBody       = 512
)

// TwitterClient is the primary fetch path: Twitter API v2 with bearer auth.
// Every request is checked against the quota tracker first and every
// response updates it.
type TwitterClient struct {
	baseURL     string
	bearerToken string
	maxResults  int
	client      *http.Client
	limiter     *rate.Limiter
	tracker     *quota.Tracker
	metrics     *metrics.Collector
	logger      *slog.Logger
	now         func() time.Time

	mu      sync.Mutex
	userIDs map[string]string
}

// NewTwitterClient creates the primary fetch client.
func NewTwitterClient(cfg config.TwitterConfig, tracker *quota.Tracker, collector *metrics.Collector, logger *slog.Logger) *TwitterClient {
	if logger == nil {
		logger = logging.Discard()
	}
	limit := rate.Inf
	if cfg.MinRequestInterval > 0 {
		limit = rate.Every(cfg.MinRequestInterval)
	}
	return &TwitterClient{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		bearerToken: cfg.BearerToken,
		maxResults:  cfg.MaxResults,
		client:      &http.Client{Timeout: cfg.Timeout},
		limiter:     rate.NewLimiter(limit, 1),
		tracker:     tracker,
		metrics:     collector,
		logger:      logger.With("component", "twitter_client"),
		now:         time.Now,
		userIDs:     make(map[string]string),
	}
}

type apiTweet struct {
	ID            string    `json:"id"`
	Text          string    `json:"text"`
	AuthorID      string    `json:"author_id"`
	CreatedAt     time.Time `json:"created_at"`
	PublicMetrics struct {
		RetweetCount    int `json:"retweet_count"`
		ReplyCount      int `json:"reply_count"`
		LikeCount       int `json:"like_count"`
		QuoteCount      int `json:"quote_count"`
		ImpressionCount int `json:"impression_count"`
	} `json:"public_metrics"`
	Entities struct {
		Hashtags []struct {
			Tag string `json:"tag"`
		} `json:"hashtags"`
	} `json:"entities"`
	ContextAnnotations []struct {
		Entity struct {
			Name string `json:"name"`
		} `json:"entity"`
	} `json:"context_annotations"`
	Attachments struct {
		MediaKeys []string `json:"media_keys"`
	} `json:"attachments"`
}

type apiMedia struct {
	MediaKey        string `json:"media_key"`
	Type            string `json:"type"`
	URL             string `json:"url"`
	PreviewImageURL string `json:"preview_image_url"`
}

type apiError struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

type timelineResponse struct {
	Data     []apiTweet `json:"data"`
	Includes struct {
		Media []apiMedia `json:"media"`
	} `json:"includes"`
	Meta struct {
		ResultCount int    `json:"result_count"`
		NewestID    string `json:"newest_id"`
	} `json:"meta"`
	Errors []apiError `json:"errors"`
}

type userResponse struct {
	Data *struct {
		ID       string `json:"id"`
		Username string `json:"username"`
		Name     string `json:"name"`
	} `json:"data"`
	Errors []apiError `json:"errors"`
}

// FetchTimeline fetches posts newer than req.Cursor for account.
func (c *TwitterClient) FetchTimeline(ctx context.Context, account models.TrackedAccount, req FetchRequest) FetchOutcome {
	userID, out := c.resolveUserID(ctx, account)
	if out.Kind != OutcomeOK {
		return out
	}

	params := url.Values{}
	params.Set("max_results", strconv.Itoa(c.resultCap(req.MaxResults)))
	params.Set("tweet.fields", tweetFields)
	params.Set("expansions", "attachments.media_keys")
	params.Set("media.fields", mediaFields)
	params.Set("exclude", "retweets,replies")
	if req.Cursor != "" {
		params.Set("since_id", req.Cursor)
	}
	if !req.StartTime.IsZero() {
		params.Set("start_time", req.StartTime.UTC().Format(time.RFC3339))
	}

	endpoint := fmt.Sprintf("%s/2/users/%s/tweets?%s", c.baseURL, url.PathEscape(userID), params.Encode())
	body, out := c.do(ctx, EndpointUserTimeline, endpoint)
	if out.Kind != OutcomeOK {
		return out
	}

	var resp timelineResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fatalOutcome(fmt.Errorf("decode timeline for @%s: %w", account.Handle, err))
	}
	if len(resp.Data) == 0 && len(resp.Errors) > 0 {
		return fatalOutcome(fmt.Errorf("timeline for @%s: %s", account.Handle, resp.Errors[0].describe()))
	}

	updates := normalizeTimeline(account, resp)
	c.logger.Debug("fetched timeline",
		"account", account.Handle,
		"since_id", req.Cursor,
		"count", len(updates),
	)
	return okOutcome(updates)
}

func (c *TwitterClient) resultCap(requested int) int {
	n := requested
	if n <= 0 {
		n = c.maxResults
	}
	return min(max(n, 5), 100)
}

// resolveUserID uses the roster id when present, else a cached lookup.
func (c *TwitterClient) resolveUserID(ctx context.Context, account models.TrackedAccount) (string, FetchOutcome) {
	if account.UserID != "" {
		return account.UserID, okOutcome(nil)
	}

	key := strings.ToLower(account.Handle)
	c.mu.Lock()
	id, ok := c.userIDs[key]
	c.mu.Unlock()
	if ok {
		return id, okOutcome(nil)
	}

	endpoint := fmt.Sprintf("%s/2/users/by/username/%s", c.baseURL, url.PathEscape(account.Handle))
	body, out := c.do(ctx, EndpointUserLookup, endpoint)
	if out.Kind != OutcomeOK {
		return "", out
	}

	var resp userResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fatalOutcome(fmt.Errorf("decode user @%s: %w", account.Handle, err))
	}
	if resp.Data == nil || resp.Data.ID == "" {
		detail := "not found"
		if len(resp.Errors) > 0 {
			detail = resp.Errors[0].describe()
		}
		return "", fatalOutcome(fmt.Errorf("lookup user @%s: %s", account.Handle, detail))
	}

	c.mu.Lock()
	c.userIDs[key] = resp.Data.ID
	c.mu.Unlock()
	return resp.Data.ID, okOutcome(nil)
}

// do issues one quota-checked GET and classifies the response.
func (c *TwitterClient) do(ctx context.Context, quotaKey, endpoint string) ([]byte, FetchOutcome) {
	decision := c.tracker.Allow(quotaKey)
	if !decision.Allowed {
		c.metrics.ObserveFetch(string(models.FetchPathPrimary), OutcomeQuotaExceeded.String())
		return nil, quotaOutcome(decision.ResetAt, fmt.Errorf("%w: %s resets at %s", ErrQuotaExceeded, quotaKey, decision.ResetAt.Format(time.RFC3339)))
	}

	if err := c.limiter.Wait(ctx); err != nil {
		c.tracker.Release(quotaKey)
		return nil, transientOutcome(fmt.Errorf("pace request: %w", err), 0)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		c.tracker.Release(quotaKey)
		return nil, fatalOutcome(err)
	}
	req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		c.tracker.Release(quotaKey)
		c.metrics.ObserveFetch(string(models.FetchPathPrimary), OutcomeTransient.String())
		return nil, transientOutcome(fmt.Errorf("request %s: %w", quotaKey, err), 0)
	}
	defer resp.Body.Close()

	if rl, ok := parseRateLimit(resp.Header); ok {
		c.tracker.Update(quotaKey, rl)
		c.metrics.SetQuotaRemaining(quotaKey, rl.Remaining)
	} else if resp.StatusCode != http.StatusTooManyRequests {
		c.tracker.Release(quotaKey)
	}

	out := c.classify(resp, quotaKey)
	c.metrics.ObserveFetch(string(models.FetchPathPrimary), out.Kind.String())
	if out.Kind != OutcomeOK {
		return nil, out
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transientOutcome(fmt.Errorf("read %s: %w", quotaKey, err), 0)
	}
	return body, out
}

func (c *TwitterClient) classify(resp *http.Response, quotaKey string) FetchOutcome {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return okOutcome(nil)
	case resp.StatusCode == http.StatusTooManyRequests:
		resetAt := c.quotaResetAt(resp.Header)
		c.tracker.Exhaust(quotaKey, resetAt)
		c.metrics.SetQuotaRemaining(quotaKey, 0)
		c.logger.Warn("quota exhausted", "endpoint", quotaKey, "reset_at", resetAt)
		return quotaOutcome(resetAt, fmt.Errorf("%w: %s resets at %s", ErrQuotaExceeded, quotaKey, resetAt.Format(time.RFC3339)))
	case resp.StatusCode >= 500:
		return transientOutcome(upstreamError(resp), retryAfter(resp.Header, c.now()))
	default:
		return fatalOutcome(upstreamError(resp))
	}
}

func (c *TwitterClient) quotaResetAt(h http.Header) time.Time {
	if rl, ok := parseRateLimit(h); ok && !rl.ResetAt.IsZero() {
		return rl.ResetAt
	}
	if d := retryAfter(h, c.now()); d > 0 {
		return c.now().Add(d)
	}
	return c.now().Add(defaultQuotaWindow)
}

// parseRateLimit reads the x-rate-limit-* headers present on every upstream
// response, errors included.
func parseRateLimit(h http.Header) (quota.RateLimit, bool) {
	limit, err := strconv.Atoi(h.Get("x-rate-limit-limit"))
	if err != nil {
		return quota.RateLimit{}, false
	}
	remaining, err := strconv.Atoi(h.Get("x-rate-limit-remaining"))
	if err != nil {
		return quota.RateLimit{}, false
	}
	rl := quota.RateLimit{Limit: limit, Remaining: remaining}
	if reset, err := strconv.ParseInt(h.Get("x-rate-limit-reset"), 10, 64); err == nil {
		rl.ResetAt = time.Unix(reset, 0)
	}
	return rl, true
}

func retryAfter(h http.Header, now time.Time) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}

func upstreamError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return fmt.Errorf("twitter API error: %d - %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

func (e apiError) describe() string {
	if e.Detail != "" {
		return e.Detail
	}
	return e.Title
}

func normalizeTimeline(account models.TrackedAccount, resp timelineResponse) []models.NormalizedUpdate {
	media := make(map[string]apiMedia, len(resp.Includes.Media))
	for _, m := range resp.Includes.Media {
		media[m.MediaKey] = m
	}

	updates := make([]models.NormalizedUpdate, 0, len(resp.Data))
	for _, tweet := range resp.Data {
		u := models.NormalizedUpdate{
			ID:              tweet.ID,
			SourceAccountID: account.ID,
			Text:            tweet.Text,
			URL:             fmt.Sprintf("https://x.com/%s/status/%s", account.Handle, tweet.ID),
			CreatedAt:       tweet.CreatedAt,
			Media:           []models.Media{},
			Engagement: models.EngagementCounts{
				Likes:       tweet.PublicMetrics.LikeCount,
				Reposts:     tweet.PublicMetrics.RetweetCount,
				Replies:     tweet.PublicMetrics.ReplyCount,
				Quotes:      tweet.PublicMetrics.QuoteCount,
				Impressions: tweet.PublicMetrics.ImpressionCount,
			},
			Path: models.FetchPathPrimary,
		}
		for _, key := range tweet.Attachments.MediaKeys {
			m, ok := media[key]
			if !ok {
				continue
			}
			src := m.URL
			if src == "" {
				src = m.PreviewImageURL
			}
			if src != "" {
				u.Media = append(u.Media, models.Media{URL: src, Type: m.Type})
			}
		}
		for _, h := range tweet.Entities.Hashtags {
			u.Hashtags = append(u.Hashtags, h.Tag)
		}
		seen := make(map[string]bool)
		for _, a := range tweet.ContextAnnotations {
			if name := a.Entity.Name; name != "" && !seen[name] {
				seen[name] = true
				u.Annotations = append(u.Annotations, name)
			}
		}
		updates = append(updates, u)
	}
	return updates
}

var _ PrimaryFetcher = (*TwitterClient)(nil)

var errNoBearerToken = errors.New("twitter bearer token not configured")

// Validate reports configuration problems that would make every call fail.
func (c *TwitterClient) Validate() error {
	if c.bearerToken == "" {
		return errNoBearerToken
	}
	return nil
}

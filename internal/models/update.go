package models

import (
	"strings"
	"time"
)

// FetchPath names the route an update was retrieved through.
type FetchPath string

const (
	FetchPathPrimary   FetchPath = "primary"
	FetchPathSecondary FetchPath = "secondary"
)

// Media is an attachment on a post.
type Media struct {
	URL  string `json:"url"`
	Type string `json:"type"` // photo, video, animated_gif
}

// EngagementCounts are zero when the fetch path cannot supply them.
type EngagementCounts struct {
	Likes       int `json:"likes"`
	Reposts     int `json:"reposts"`
	Replies     int `json:"replies"`
	Quotes      int `json:"quotes"`
	Impressions int `json:"impressions"`
}

// NormalizedUpdate is the path-agnostic shape produced by both fetch paths.
// It is never mutated after construction.
type NormalizedUpdate struct {
	ID              string           `json:"id"`
	SourceAccountID string           `json:"source_account_id"`
	Text            string           `json:"text"`
	URL             string           `json:"url,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	Media           []Media          `json:"media"`
	Engagement      EngagementCounts `json:"engagement"`
	Hashtags        []string         `json:"hashtags,omitempty"`
	Annotations     []string         `json:"annotations,omitempty"`
	Path            FetchPath        `json:"-"`
}

// FeedItem is a classified update ready for distribution.
type FeedItem struct {
	NormalizedUpdate
	Handle      string   `json:"handle"`
	DisplayName string   `json:"display_name,omitempty"`
	Tier        int      `json:"tier"`
	Reliability float64  `json:"reliability"`
	Tags        []string `json:"tags"`
	Priority    string   `json:"priority"`
}

// CompareUpdateIDs orders numeric post ids without parsing them, so ids wider
// than 64 bits still compare correctly. It returns -1, 0 or 1.
func CompareUpdateIDs(a, b string) int {
	a = strings.TrimLeft(a, "0")
	b = strings.TrimLeft(b, "0")
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return strings.Compare(a, b)
}

// NewestUpdateID returns the highest id in updates, or fallback when none is newer.
func NewestUpdateID(updates []NormalizedUpdate, fallback string) string {
	newest := fallback
	for _, u := range updates {
		if newest == "" || CompareUpdateIDs(u.ID, newest) > 0 {
			newest = u.ID
		}
	}
	return newest
}

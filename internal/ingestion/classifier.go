package ingestion

import (
	"strings"

	"github.com/Dean-Rough/transferjuice/internal/broadcast"
	"github.com/Dean-Rough/transferjuice/internal/models"
)

// Classifier derives topic tags and priority for fetched updates.
type Classifier struct {
	markers []string
}

// NewClassifier creates a classifier. A post containing any marker phrase
// (case-insensitive) is breaking news.
func NewClassifier(markers []string) *Classifier {
	lowered := make([]string, 0, len(markers))
	for _, m := range markers {
		if m = strings.ToLower(strings.TrimSpace(m)); m != "" {
			lowered = append(lowered, m)
		}
	}
	return &Classifier{markers: lowered}
}

// Classify builds the feed item for update posted by account.
func (c *Classifier) Classify(account models.TrackedAccount, update models.NormalizedUpdate) models.FeedItem {
	return models.FeedItem{
		NormalizedUpdate: update,
		Handle:           account.Handle,
		DisplayName:      account.DisplayName,
		Tier:             account.Tier,
		Reliability:      account.Reliability,
		Tags:             tagsFor(account, update),
		Priority:         string(c.priority(account, update)),
	}
}

// Route returns the broadcast event type and filter attributes for item.
func (c *Classifier) Route(item models.FeedItem) (broadcast.EventType, broadcast.Route) {
	route := broadcast.Route{Tags: item.Tags, Priority: broadcast.Priority(item.Priority)}
	if route.Priority == broadcast.PriorityHigh {
		return broadcast.EventBreakingNews, route
	}
	return broadcast.EventFeedUpdate, route
}

func (c *Classifier) priority(account models.TrackedAccount, update models.NormalizedUpdate) broadcast.Priority {
	text := strings.ToLower(update.Text)
	for _, m := range c.markers {
		if strings.Contains(text, m) {
			return broadcast.PriorityHigh
		}
	}
	if account.Tier <= 2 {
		return broadcast.PriorityMedium
	}
	return broadcast.PriorityLow
}

// tagsFor merges account topics, hashtags and annotation entities, keeping
// first-seen order and dropping case-insensitive duplicates.
func tagsFor(account models.TrackedAccount, update models.NormalizedUpdate) []string {
	tags := []string{}
	seen := make(map[string]bool)
	add := func(values []string) {
		for _, v := range values {
			v = strings.TrimSpace(v)
			key := strings.ToLower(v)
			if v == "" || seen[key] {
				continue
			}
			seen[key] = true
			tags = append(tags, v)
		}
	}
	add(account.Topics)
	add(update.Hashtags)
	add(update.Annotations)
	return tags
}

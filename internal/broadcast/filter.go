package broadcast

import (
	"encoding/json"
	"net/http"
	"strings"
)

// Filter is a subscriber's declared interest. The zero Filter receives everything.
type Filter struct {
	Tags       []string   `json:"tags,omitempty"`
	Priorities []Priority `json:"priorities,omitempty"`
}

// IsZero reports whether the filter declares nothing.
func (f Filter) IsZero() bool {
	return len(f.Tags) == 0 && len(f.Priorities) == 0
}

// Matches reports whether m should be delivered to a subscriber with filter f.
//
// System events and breaking or high-priority content always match. Other
// content matches when f has no tags or when any filter tag is a
// case-insensitive substring of any message tag; a declared priority set must
// additionally contain the message priority. Substring matching is coarse:
// "city" matches both "Leicester City" and "Manchester City".
func (f Filter) Matches(m Message) bool {
	if m.Type.IsSystem() || m.Type == EventBreakingNews || m.route.Priority == PriorityHigh {
		return true
	}

	if len(f.Tags) > 0 && !tagsOverlap(f.Tags, m.route.Tags) {
		return false
	}

	if len(f.Priorities) > 0 {
		for _, p := range f.Priorities {
			if p == m.route.Priority {
				return true
			}
		}
		return false
	}

	return true
}

func tagsOverlap(filterTags, messageTags []string) bool {
	for _, want := range filterTags {
		want = strings.ToLower(want)
		for _, tag := range messageTags {
			if strings.Contains(strings.ToLower(tag), want) {
				return true
			}
		}
	}
	return false
}

// ParseFilter decodes a JSON filter. A malformed filter yields the zero
// Filter: over-delivery beats silently dropping a subscriber.
func ParseFilter(raw string) Filter {
	if strings.TrimSpace(raw) == "" {
		return Filter{}
	}

	var wire struct {
		Tags       []string `json:"tags"`
		Priorities []string `json:"priorities"`
	}
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return Filter{}
	}

	f, ok := buildFilter(wire.Tags, wire.Priorities)
	if !ok {
		return Filter{}
	}
	return f
}

// FilterFromRequest reads a filter from the "filter" query parameter (JSON)
// or from comma-separated "tags" and "priorities" parameters.
func FilterFromRequest(r *http.Request) Filter {
	q := r.URL.Query()
	if raw := q.Get("filter"); raw != "" {
		return ParseFilter(raw)
	}

	f, ok := buildFilter(splitCSV(q.Get("tags")), splitCSV(q.Get("priorities")))
	if !ok {
		return Filter{}
	}
	return f
}

func buildFilter(tags, priorities []string) (Filter, bool) {
	var f Filter
	for _, tag := range tags {
		if tag = strings.TrimSpace(tag); tag != "" {
			f.Tags = append(f.Tags, tag)
		}
	}
	for _, raw := range priorities {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		p, err := ParsePriority(raw)
		if err != nil {
			return Filter{}, false
		}
		f.Priorities = append(f.Priorities, p)
	}
	return f, true
}

func splitCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

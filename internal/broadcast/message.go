// Package broadcast fans feed messages out to long-lived stream subscribers.
package broadcast

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EventType is the stream event name of a message.
type EventType string

const (
	EventFeedUpdate      EventType = "feed-update"
	EventBreakingNews    EventType = "breaking-news"
	EventHeartbeat       EventType = "heartbeat"
	EventConnectionCount EventType = "connection-count"
)

// IsSystem reports whether t is a liveness/bookkeeping event rather than content.
func (t EventType) IsSystem() bool {
	return t == EventHeartbeat || t == EventConnectionCount
}

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	switch t {
	case EventFeedUpdate, EventBreakingNews, EventHeartbeat, EventConnectionCount:
		return true
	}
	return false
}

// Priority ranks content messages.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// ParsePriority accepts a priority name in any case.
func ParsePriority(raw string) (Priority, error) {
	switch p := Priority(strings.ToLower(strings.TrimSpace(raw))); p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return p, nil
	default:
		return "", fmt.Errorf("unknown priority %q", raw)
	}
}

// Route carries the attributes filters are evaluated against. It travels
// with a message but is not part of its encoding.
type Route struct {
	Tags     []string
	Priority Priority
}

// Message is a unit of fan-out. Messages are created only by the
// Broadcaster, at the moment of fan-out.
type Message struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`

	route Route
}

// Route returns the filter attributes the message was broadcast with.
func (m Message) Route() Route {
	return m.route
}

// Event is a message encoded for a sink: the stream id, event name and JSON
// payload carrying {id, type, data, timestamp}.
type Event struct {
	ID   string
	Name string
	Data []byte
}

func encode(m Message) (Event, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return Event{}, fmt.Errorf("encode message %s: %w", m.ID, err)
	}
	return Event{ID: m.ID, Name: string(m.Type), Data: data}, nil
}

// Sink accepts encoded events for one subscriber. Send must not block for
// longer than a single write attempt.
type Sink interface {
	Send(Event) error
	Close() error
}

type countPayload struct {
	Connections int `json:"connections"`
}

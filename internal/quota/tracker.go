// Package quota tracks per-endpoint request windows reported by the upstream
// API and decides whether another request may be issued.
package quota

import (
	"sort"
	"sync"
	"time"
)

// RateLimit is the window metadata attached to an upstream response.
type RateLimit struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// State is the tracked window for one endpoint.
type State struct {
	Endpoint  string    `json:"endpoint"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
	// Probing is set after the window elapsed and one optimistic request was
	// permitted; it clears on the next authoritative update.
	Probing   bool      `json:"probing"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Decision is the outcome of Allow.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Tracker holds QuotaState per endpoint. Every method is atomic, so the
// read-decide-write of one attempt never interleaves with another.
type Tracker struct {
	mu     sync.Mutex
	states map[string]*State
	now    func() time.Time
}

// NewTracker creates an empty tracker. A nil now uses time.Now.
func NewTracker(now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{states: make(map[string]*State), now: now}
}

// Allow reports whether a request against endpoint may be issued now.
//
// A request is permitted while remaining > 0. With remaining at zero it is
// permitted only once now >= resetAt; remaining is then optimistically reset
// to limit and exactly one request is permitted until Update or Release.
// Endpoints with no recorded state are permitted.
func (t *Tracker) Allow(endpoint string) Decision {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.states[endpoint]
	if !ok {
		return Decision{Allowed: true}
	}
	if s.Probing {
		return Decision{Allowed: false, Remaining: s.Remaining, ResetAt: s.ResetAt}
	}
	if s.Remaining > 0 {
		return Decision{Allowed: true, Remaining: s.Remaining, ResetAt: s.ResetAt}
	}
	if !t.now().Before(s.ResetAt) {
		s.Remaining = s.Limit
		s.Probing = true
		return Decision{Allowed: true, Remaining: s.Remaining, ResetAt: s.ResetAt}
	}
	return Decision{Allowed: false, Remaining: 0, ResetAt: s.ResetAt}
}

// Update records authoritative window metadata from a primary-path response,
// successful or not. Remaining is clamped to [0, limit].
func (t *Tracker) Update(endpoint string, rl RateLimit) {
	t.mu.Lock()
	defer t.mu.Unlock()

	limit := rl.Limit
	if limit < 0 {
		limit = 0
	}
	remaining := rl.Remaining
	if remaining < 0 {
		remaining = 0
	}
	if limit > 0 && remaining > limit {
		remaining = limit
	}

	t.states[endpoint] = &State{
		Endpoint:  endpoint,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   rl.ResetAt,
		UpdatedAt: t.now(),
	}
}

// Exhaust records a quota-exceeded response that carried only a reset time.
func (t *Tracker) Exhaust(endpoint string, resetAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.states[endpoint]
	if !ok {
		s = &State{Endpoint: endpoint}
		t.states[endpoint] = s
	}
	s.Remaining = 0
	s.ResetAt = resetAt
	s.Probing = false
	s.UpdatedAt = t.now()
}

// Release ends a probe whose request produced no rate-limit metadata (for
// example a network error), so the next call may probe again.
func (t *Tracker) Release(endpoint string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.states[endpoint]; ok && s.Probing {
		s.Probing = false
		s.Remaining = 0
	}
}

// State returns the tracked window for endpoint.
func (t *Tracker) State(endpoint string) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.states[endpoint]
	if !ok {
		return State{}, false
	}
	return *s, true
}

// Snapshot returns a copy of every tracked window ordered by endpoint.
func (t *Tracker) Snapshot() []State {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]State, 0, len(t.states))
	for _, s := range t.states {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out
}

// Restore seeds the tracker from a saved Snapshot. Windows that have already
// reset carry no information and are skipped; probes are not restored.
func (t *Tracker) Restore(states []State) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	restored := 0
	for _, s := range states {
		if s.Endpoint == "" || !now.Before(s.ResetAt) {
			continue
		}
		s.Probing = false
		t.states[s.Endpoint] = &s
		restored++
	}
	return restored
}

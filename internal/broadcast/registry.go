package broadcast

import "time"

// Subscriber describes a registered stream client.
type Subscriber struct {
	ID          string    `json:"id"`
	Filter      Filter    `json:"filter"`
	ConnectedAt time.Time `json:"connected_at"`
}

type subscriber struct {
	Subscriber
	sink Sink
}

// registry owns live subscribers in join order. Access is serialized by the
// Broadcaster.
type registry struct {
	byID  map[string]*subscriber
	order []*subscriber
}

func newRegistry() *registry {
	return &registry{byID: make(map[string]*subscriber)}
}

func (r *registry) add(s *subscriber) bool {
	if _, exists := r.byID[s.ID]; exists {
		return false
	}
	r.byID[s.ID] = s
	r.order = append(r.order, s)
	return true
}

func (r *registry) remove(id string) (*subscriber, bool) {
	s, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	delete(r.byID, id)
	for i, o := range r.order {
		if o == s {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
	return s, true
}

func (r *registry) each() []*subscriber {
	return append([]*subscriber(nil), r.order...)
}

func (r *registry) len() int {
	return len(r.order)
}

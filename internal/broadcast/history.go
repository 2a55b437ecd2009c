package broadcast

import "github.com/Dean-Rough/transferjuice/internal/models"

type entry struct {
	msg   Message
	event Event
}

// history is a fixed-capacity FIFO of broadcast messages. It is not safe for
// concurrent use; the Broadcaster serializes access.
type history struct {
	buf   []entry
	start int
	size  int
}

func newHistory(capacity int) *history {
	if capacity < 1 {
		capacity = 1
	}
	return &history{buf: make([]entry, capacity)}
}

func (h *history) append(e entry) {
	if h.size < len(h.buf) {
		h.buf[(h.start+h.size)%len(h.buf)] = e
		h.size++
		return
	}
	h.buf[h.start] = e
	h.start = (h.start + 1) % len(h.buf)
}

func (h *history) at(i int) entry {
	return h.buf[(h.start+i)%len(h.buf)]
}

// recent returns up to n of the newest matching entries, oldest first.
func (h *history) recent(n int, match func(Message) bool) []entry {
	if n <= 0 {
		return nil
	}
	var picked []entry
	for i := h.size - 1; i >= 0 && len(picked) < n; i-- {
		if e := h.at(i); match(e.msg) {
			picked = append(picked, e)
		}
	}
	for i, j := 0, len(picked)-1; i < j; i, j = i+1, j-1 {
		picked[i], picked[j] = picked[j], picked[i]
	}
	return picked
}

// since returns every matching entry newer than lastID, oldest first. An id
// older than everything retained yields the whole history, which is at most
// the ring's capacity.
func (h *history) since(lastID string, match func(Message) bool) []entry {
	var picked []entry
	for i := 0; i < h.size; i++ {
		e := h.at(i)
		if models.CompareUpdateIDs(e.msg.ID, lastID) > 0 && match(e.msg) {
			picked = append(picked, e)
		}
	}
	return picked
}

// isEventID reports whether id has the all-digit form of a message id.
func isEventID(id string) bool {
	if id == "" {
		return false
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func (h *history) messages() []Message {
	out := make([]Message, h.size)
	for i := 0; i < h.size; i++ {
		out[i] = h.at(i).msg
	}
	return out
}

func (h *history) len() int {
	return h.size
}

func (h *history) capacity() int {
	return len(h.buf)
}

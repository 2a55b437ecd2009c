package broadcast

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/Dean-Rough/transferjuice/internal/logging"
)

var (
	ErrSinkFull   = errors.New("subscriber buffer full")
	ErrSinkClosed = errors.New("subscriber sink closed")
)

// ChannelSink buffers events for one stream connection. Send never blocks:
// a full buffer means the client is not keeping up.
type ChannelSink struct {
	events chan Event
	done   chan struct{}
	once   sync.Once
}

func NewChannelSink(buffer int) *ChannelSink {
	if buffer < 1 {
		buffer = 1
	}
	return &ChannelSink{
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
	}
}

func (s *ChannelSink) Send(ev Event) error {
	select {
	case <-s.done:
		return ErrSinkClosed
	default:
	}

	select {
	case s.events <- ev:
		return nil
	default:
		return ErrSinkFull
	}
}

// Close is idempotent.
func (s *ChannelSink) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

// Events yields buffered events in send order.
func (s *ChannelSink) Events() <-chan Event {
	return s.events
}

// Done is closed once the sink is closed.
func (s *ChannelSink) Done() <-chan struct{} {
	return s.done
}

// WriteEvent writes ev as one server-sent-events frame.
func WriteEvent(w io.Writer, ev Event) error {
	_, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Name, ev.Data)
	return err
}

// Handler serves the live stream over server-sent events.
type Handler struct {
	broadcaster *Broadcaster
	buffer      int
	logger      *slog.Logger
}

// NewHandler creates the stream handler. Each connection gets a buffer of at
// least buffer events, and never less than the history capacity so a full
// reconnect replay fits.
func NewHandler(b *Broadcaster, buffer int, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	if floor := b.HistoryCapacity() + 2; buffer < floor {
		buffer = floor
	}
	return &Handler{broadcaster: b, buffer: buffer, logger: logger.With("component", "stream")}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	id := uuid.NewString()
	sink := NewChannelSink(h.buffer)
	filter := FilterFromRequest(r)

	if err := h.broadcaster.Join(id, sink, filter, r.Header.Get("Last-Event-ID")); err != nil {
		h.logger.Warn("stream join rejected", "error", err)
		http.Error(w, "stream unavailable", http.StatusServiceUnavailable)
		return
	}
	defer h.broadcaster.RemoveSubscriber(id)

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.logger.Debug("stream opened", "subscriber", id, "remote", r.RemoteAddr)

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sink.Done():
			return
		case ev := <-sink.Events():
			if err := WriteEvent(w, ev); err != nil {
				h.logger.Debug("stream write failed", "subscriber", id, "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"

	"github.com/Dean-Rough/transferjuice/internal/config"
	"github.com/Dean-Rough/transferjuice/internal/logging"
	"github.com/Dean-Rough/transferjuice/internal/metrics"
)

var (
	ErrBroadcasterClosed   = errors.New("broadcaster is shut down")
	ErrDuplicateSubscriber = errors.New("subscriber already registered")
	ErrReplayFailed        = errors.New("history replay failed")
)

const (
	removalSendFailed   = "send_failed"
	removalDisconnected = "disconnected"
	removalShutdown     = "shutdown"
)

// Options configures a Broadcaster.
type Options struct {
	HeartbeatInterval time.Duration
	HistoryCapacity   int
	ReplayOnJoin      int
	// NodeID seeds message ids; it must be unique per process sharing a stream.
	NodeID int64
	Now    func() time.Time
}

// OptionsFromConfig maps runtime configuration onto Options.
func OptionsFromConfig(cfg config.BroadcastConfig) Options {
	return Options{
		HeartbeatInterval: cfg.HeartbeatInterval,
		HistoryCapacity:   cfg.HistoryCapacity,
		ReplayOnJoin:      cfg.ReplayOnJoin,
	}
}

// Stats summarizes broadcaster state for operators.
type Stats struct {
	Subscribers     int    `json:"subscribers"`
	HistorySize     int    `json:"history_size"`
	HistoryCapacity int    `json:"history_capacity"`
	Messages        uint64 `json:"messages"`
}

// Broadcaster is the single fan-out path. Registration, removal and
// broadcast are serialized under one mutex, so history order equals delivery
// order and every subscriber sees messages in broadcast order.
type Broadcaster struct {
	mu       sync.Mutex
	opts     Options
	node     *snowflake.Node
	subs     *registry
	history  *history
	messages uint64
	closed   bool

	logger  *slog.Logger
	metrics *metrics.Collector

	runMu    sync.Mutex
	cancel   context.CancelFunc
	finished chan struct{}
}

// New constructs a Broadcaster. Call Start to begin heartbeats and Shutdown
// to close every subscriber.
func New(opts Options, logger *slog.Logger, collector *metrics.Collector) (*Broadcaster, error) {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.HistoryCapacity <= 0 {
		opts.HistoryCapacity = 50
	}
	if opts.ReplayOnJoin < 0 {
		opts.ReplayOnJoin = 0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = logging.Discard()
	}

	node, err := snowflake.NewNode(opts.NodeID)
	if err != nil {
		return nil, fmt.Errorf("create id node: %w", err)
	}

	return &Broadcaster{
		opts:    opts,
		node:    node,
		subs:    newRegistry(),
		history: newHistory(opts.HistoryCapacity),
		logger:  logger.With("component", "broadcaster"),
		metrics: collector,
	}, nil
}

// Start launches the heartbeat loop. It returns immediately; the loop runs
// until ctx is cancelled or Shutdown is called.
func (b *Broadcaster) Start(ctx context.Context) {
	b.runMu.Lock()
	defer b.runMu.Unlock()

	if b.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.finished = make(chan struct{})

	go b.heartbeatLoop(ctx, b.finished)

	b.logger.Info("broadcaster started", "heartbeat_interval", b.opts.HeartbeatInterval)
}

func (b *Broadcaster) heartbeatLoop(ctx context.Context, finished chan struct{}) {
	defer close(finished)

	ticker := time.NewTicker(b.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.Heartbeat(); err != nil {
				if errors.Is(err, ErrBroadcasterClosed) {
					return
				}
				b.logger.Error("heartbeat failed", "error", err)
			}
		}
	}
}

// Heartbeat broadcasts the current subscriber count to every subscriber.
func (b *Broadcaster) Heartbeat() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBroadcasterClosed
	}
	_, err := b.publishSystemLocked(EventHeartbeat)
	return err
}

// Shutdown stops the heartbeat loop, closes every subscriber sink and
// rejects further use. It waits for the heartbeat loop until ctx is done.
func (b *Broadcaster) Shutdown(ctx context.Context) error {
	b.runMu.Lock()
	cancel, finished := b.cancel, b.finished
	b.cancel = nil
	b.runMu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-finished:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	subs := b.subs.each()
	for _, s := range subs {
		b.dropLocked(s.ID, removalShutdown)
	}

	b.logger.Info("broadcaster shut down", "closed_subscribers", len(subs))
	return nil
}

// AddSubscriber registers sink under id, replays up to ReplayOnJoin matching
// history entries, then announces the new connection count to everyone.
func (b *Broadcaster) AddSubscriber(id string, sink Sink, filter Filter) error {
	return b.Join(id, sink, filter, "")
}

// Join is AddSubscriber for a reconnecting client: when lastEventID is a
// message id, every matching history entry newer than it is replayed instead
// of the last ReplayOnJoin. A malformed lastEventID gets the plain join replay.
func (b *Broadcaster) Join(id string, sink Sink, filter Filter, lastEventID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBroadcasterClosed
	}

	s := &subscriber{
		Subscriber: Subscriber{ID: id, Filter: filter, ConnectedAt: b.opts.Now()},
		sink:       sink,
	}
	if !b.subs.add(s) {
		return fmt.Errorf("%w: %s", ErrDuplicateSubscriber, id)
	}

	var replay []entry
	if isEventID(lastEventID) {
		replay = b.history.since(lastEventID, filter.Matches)
	} else {
		replay = b.history.recent(b.opts.ReplayOnJoin, filter.Matches)
	}
	for _, e := range replay {
		if err := b.sendLocked(s, e.event); err != nil {
			b.subs.remove(id)
			_ = sink.Close()
			b.metrics.ObserveSubscriberRemoval(removalSendFailed)
			return fmt.Errorf("%w: %v", ErrReplayFailed, err)
		}
	}

	b.logger.Info("subscriber added",
		"subscriber", id,
		"replayed", len(replay),
		"subscribers", b.subs.len(),
	)
	b.metrics.SetSubscribers(b.subs.len())

	_, err := b.publishSystemLocked(EventConnectionCount)
	return err
}

// RemoveSubscriber closes and unregisters id, then announces the updated
// connection count. It reports whether id was registered.
func (b *Broadcaster) RemoveSubscriber(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.dropLocked(id, removalDisconnected) {
		return false
	}
	if !b.closed {
		if _, err := b.publishSystemLocked(EventConnectionCount); err != nil {
			b.logger.Error("connection count broadcast failed", "error", err)
		}
	}
	return true
}

// Broadcast creates a message of type t carrying data, appends content
// messages to history and delivers it to every subscriber whose filter
// matches. Subscribers whose sink fails are removed after the pass.
func (b *Broadcaster) Broadcast(t EventType, data any, route Route) (Message, error) {
	if !t.Valid() {
		return Message{}, fmt.Errorf("unknown event type %q", t)
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", t, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return Message{}, ErrBroadcasterClosed
	}
	return b.publishLocked(t, payload, route)
}

// SubscriberCount returns the number of registered subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subs.len()
}

// Subscribers lists registered subscribers in join order.
func (b *Broadcaster) Subscribers() []Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs.each()
	out := make([]Subscriber, len(subs))
	for i, s := range subs {
		out[i] = s.Subscriber
	}
	return out
}

// History returns the retained messages, oldest first.
func (b *Broadcaster) History() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.history.messages()
}

// HistoryCapacity returns the maximum number of retained messages.
func (b *Broadcaster) HistoryCapacity() int {
	return b.history.capacity()
}

func (b *Broadcaster) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Subscribers:     b.subs.len(),
		HistorySize:     b.history.len(),
		HistoryCapacity: b.history.capacity(),
		Messages:        b.messages,
	}
}

func (b *Broadcaster) publishSystemLocked(t EventType) (Message, error) {
	payload, err := json.Marshal(countPayload{Connections: b.subs.len()})
	if err != nil {
		return Message{}, err
	}
	return b.publishLocked(t, payload, Route{})
}

// publishLocked creates, records and delivers one message. Failed
// subscribers are dropped after the pass and the new count is announced;
// that announcement can fail further sinks, so it repeats until a pass is
// clean.
func (b *Broadcaster) publishLocked(t EventType, payload json.RawMessage, route Route) (Message, error) {
	msg, ev, err := b.newMessageLocked(t, payload, route)
	if err != nil {
		return Message{}, err
	}
	if !t.IsSystem() {
		b.history.append(entry{msg: msg, event: ev})
	}

	failed := b.deliverLocked(msg, ev)
	for len(failed) > 0 {
		for _, id := range failed {
			b.dropLocked(id, removalSendFailed)
		}

		countPayloadJSON, err := json.Marshal(countPayload{Connections: b.subs.len()})
		if err != nil {
			return msg, err
		}
		countMsg, countEv, err := b.newMessageLocked(EventConnectionCount, countPayloadJSON, Route{})
		if err != nil {
			return msg, err
		}
		failed = b.deliverLocked(countMsg, countEv)
	}

	return msg, nil
}

func (b *Broadcaster) newMessageLocked(t EventType, payload json.RawMessage, route Route) (Message, Event, error) {
	msg := Message{
		ID:        b.node.Generate().String(),
		Type:      t,
		Data:      payload,
		Timestamp: b.opts.Now().UTC(),
		route:     route,
	}
	ev, err := encode(msg)
	if err != nil {
		return Message{}, Event{}, err
	}
	b.messages++
	b.metrics.ObserveBroadcast(string(t))
	return msg, ev, nil
}

// deliverLocked pushes ev to every matching subscriber and returns the ids
// whose sink failed.
func (b *Broadcaster) deliverLocked(msg Message, ev Event) []string {
	var failed []string
	for _, s := range b.subs.each() {
		if !s.Filter.Matches(msg) {
			continue
		}
		if err := b.sendLocked(s, ev); err != nil {
			b.logger.Warn("subscriber send failed",
				"subscriber", s.ID,
				"event", msg.Type,
				"error", err,
			)
			failed = append(failed, s.ID)
			continue
		}
		b.logger.Debug("delivered", "subscriber", s.ID, "event", msg.Type, "id", msg.ID)
	}
	return failed
}

// sendLocked makes one immediate retry before giving up on a sink.
func (b *Broadcaster) sendLocked(s *subscriber, ev Event) error {
	if err := s.sink.Send(ev); err == nil {
		return nil
	}
	return s.sink.Send(ev)
}

func (b *Broadcaster) dropLocked(id, reason string) bool {
	s, ok := b.subs.remove(id)
	if !ok {
		return false
	}
	_ = s.sink.Close()

	b.metrics.ObserveSubscriberRemoval(reason)
	b.metrics.SetSubscribers(b.subs.len())
	b.logger.Info("subscriber removed",
		"subscriber", id,
		"reason", reason,
		"subscribers", b.subs.len(),
	)
	return true
}

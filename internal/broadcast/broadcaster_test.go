package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dean-Rough/transferjuice/internal/models"
)

type fakeSink struct {
	mu       sync.Mutex
	events   []Event
	failures int  // remaining sends to fail
	broken   bool // every send fails
	closed   bool
	sends    int
}

func (s *fakeSink) Send(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends++
	if s.broken {
		return errors.New("connection reset")
	}
	if s.failures > 0 {
		s.failures--
		return errors.New("transient write error")
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return errors.New("already gone")
}

func (s *fakeSink) received() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, 0, len(s.events))
	for _, ev := range s.events {
		var m Message
		if err := json.Unmarshal(ev.Data, &m); err != nil {
			panic(err)
		}
		out = append(out, m)
	}
	return out
}

func (s *fakeSink) ofType(t EventType) []Message {
	var out []Message
	for _, m := range s.received() {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func (s *fakeSink) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func newTestBroadcaster(t *testing.T, opts Options) *Broadcaster {
	t.Helper()
	b, err := New(opts, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Shutdown(context.Background()) })
	return b
}

func content(t *testing.T, b *Broadcaster, text string, tags ...string) Message {
	t.Helper()
	msg, err := b.Broadcast(EventFeedUpdate, map[string]string{"text": text}, Route{Tags: tags, Priority: PriorityMedium})
	require.NoError(t, err)
	return msg
}

func connections(t *testing.T, m Message) int {
	t.Helper()
	var p countPayload
	require.NoError(t, json.Unmarshal(m.Data, &p))
	return p.Connections
}

func TestBroadcastPreservesOrder(t *testing.T) {
	b := newTestBroadcaster(t, Options{})
	sink := &fakeSink{}
	require.NoError(t, b.AddSubscriber("a", sink, Filter{}))

	var sent []string
	for i := 0; i < 20; i++ {
		sent = append(sent, content(t, b, fmt.Sprintf("update %d", i)).ID)
	}

	var history []string
	for _, m := range b.History() {
		history = append(history, m.ID)
	}
	assert.Equal(t, sent, history)

	var delivered []string
	for _, m := range sink.ofType(EventFeedUpdate) {
		delivered = append(delivered, m.ID)
	}
	assert.Equal(t, sent, delivered)

	for i := 1; i < len(sent); i++ {
		assert.Equal(t, 1, models.CompareUpdateIDs(sent[i], sent[i-1]), "ids must increase")
	}
}

func TestHistoryEvictsOldest(t *testing.T) {
	b := newTestBroadcaster(t, Options{HistoryCapacity: 5})

	var sent []string
	for i := 0; i < 8; i++ {
		sent = append(sent, content(t, b, fmt.Sprintf("update %d", i)).ID)
	}

	history := b.History()
	require.Len(t, history, 5)
	assert.Equal(t, sent[3], history[0].ID)
	assert.Equal(t, sent[7], history[4].ID)
}

func TestSystemEventsAreNotRecorded(t *testing.T) {
	b := newTestBroadcaster(t, Options{})
	require.NoError(t, b.AddSubscriber("a", &fakeSink{}, Filter{}))
	require.NoError(t, b.Heartbeat())

	assert.Empty(t, b.History())
}

func TestJoinReplaysLastTenMatching(t *testing.T) {
	b := newTestBroadcaster(t, Options{ReplayOnJoin: 10})

	var sent []string
	for i := 0; i < 15; i++ {
		sent = append(sent, content(t, b, fmt.Sprintf("update %d", i)).ID)
	}

	sink := &fakeSink{}
	require.NoError(t, b.AddSubscriber("late", sink, Filter{}))

	got := sink.received()
	require.Len(t, got, 11)
	for i, m := range got[:10] {
		assert.Equal(t, sent[5+i], m.ID, "replay must be the newest ten, oldest first")
	}
	assert.Equal(t, EventConnectionCount, got[10].Type)
	assert.Equal(t, 1, connections(t, got[10]))
}

func TestJoinReplayRespectsFilter(t *testing.T) {
	b := newTestBroadcaster(t, Options{ReplayOnJoin: 10})

	content(t, b, "one", "Chelsea")
	arsenal := content(t, b, "two", "Arsenal transfer")
	content(t, b, "three", "Chelsea")

	sink := &fakeSink{}
	require.NoError(t, b.AddSubscriber("gooner", sink, Filter{Tags: []string{"arsenal"}}))

	replayed := sink.ofType(EventFeedUpdate)
	require.Len(t, replayed, 1)
	assert.Equal(t, arsenal.ID, replayed[0].ID)
}

func TestJoinWithLastEventIDReplaysEverythingNewer(t *testing.T) {
	b := newTestBroadcaster(t, Options{ReplayOnJoin: 2, HistoryCapacity: 50})

	var sent []string
	for i := 0; i < 12; i++ {
		sent = append(sent, content(t, b, fmt.Sprintf("update %d", i)).ID)
	}

	sink := &fakeSink{}
	require.NoError(t, b.Join("back", sink, Filter{}, sent[3]))

	replayed := sink.ofType(EventFeedUpdate)
	require.Len(t, replayed, 8)
	assert.Equal(t, sent[4], replayed[0].ID)
	assert.Equal(t, sent[11], replayed[7].ID)
}

func TestJoinWithEvictedLastEventIDReplaysWholeHistory(t *testing.T) {
	b := newTestBroadcaster(t, Options{ReplayOnJoin: 2, HistoryCapacity: 5})

	var sent []string
	for i := 0; i < 8; i++ {
		sent = append(sent, content(t, b, fmt.Sprintf("update %d", i)).ID)
	}

	sink := &fakeSink{}
	require.NoError(t, b.Join("back", sink, Filter{}, sent[0]))

	replayed := sink.ofType(EventFeedUpdate)
	require.Len(t, replayed, 5, "gap fill is bounded by history capacity")
	assert.Equal(t, sent[3], replayed[0].ID)
	assert.Equal(t, sent[7], replayed[4].ID)
}

func TestJoinWithMalformedLastEventIDFallsBackToRecent(t *testing.T) {
	b := newTestBroadcaster(t, Options{ReplayOnJoin: 2, HistoryCapacity: 50})

	var sent []string
	for i := 0; i < 6; i++ {
		sent = append(sent, content(t, b, fmt.Sprintf("update %d", i)).ID)
	}

	sink := &fakeSink{}
	require.NoError(t, b.Join("back", sink, Filter{}, "not-an-id"))

	replayed := sink.ofType(EventFeedUpdate)
	require.Len(t, replayed, 2)
	assert.Equal(t, sent[4], replayed[0].ID)
	assert.Equal(t, sent[5], replayed[1].ID)
}

func TestConnectionCountReachesEveryone(t *testing.T) {
	b := newTestBroadcaster(t, Options{})
	first := &fakeSink{}
	second := &fakeSink{}

	require.NoError(t, b.AddSubscriber("first", first, Filter{Tags: []string{"arsenal"}}))
	require.NoError(t, b.AddSubscriber("second", second, Filter{}))

	counts := first.ofType(EventConnectionCount)
	require.Len(t, counts, 2)
	assert.Equal(t, 2, connections(t, counts[1]))

	require.True(t, b.RemoveSubscriber("second"))
	assert.True(t, second.isClosed())
	counts = first.ofType(EventConnectionCount)
	assert.Equal(t, 1, connections(t, counts[len(counts)-1]))

	assert.False(t, b.RemoveSubscriber("second"))
}

func TestFilteredDelivery(t *testing.T) {
	b := newTestBroadcaster(t, Options{})
	gooner := &fakeSink{}
	everyone := &fakeSink{}
	require.NoError(t, b.AddSubscriber("gooner", gooner, Filter{Tags: []string{"arsenal"}}))
	require.NoError(t, b.AddSubscriber("everyone", everyone, Filter{}))

	arsenal := content(t, b, "Rice bid", "Arsenal transfer")
	content(t, b, "Palmer extension", "Chelsea")
	breaking, err := b.Broadcast(EventBreakingNews, map[string]string{"text": "here we go"}, Route{Tags: []string{"Chelsea"}, Priority: PriorityHigh})
	require.NoError(t, err)
	require.NoError(t, b.Heartbeat())

	goonerFeed := gooner.ofType(EventFeedUpdate)
	require.Len(t, goonerFeed, 1)
	assert.Equal(t, arsenal.ID, goonerFeed[0].ID)
	assert.Len(t, everyone.ofType(EventFeedUpdate), 2)

	for _, sink := range []*fakeSink{gooner, everyone} {
		news := sink.ofType(EventBreakingNews)
		require.Len(t, news, 1)
		assert.Equal(t, breaking.ID, news[0].ID)
		assert.Len(t, sink.ofType(EventHeartbeat), 1)
	}
}

func TestFailingSubscriberIsIsolated(t *testing.T) {
	b := newTestBroadcaster(t, Options{})
	healthy := &fakeSink{}
	require.NoError(t, b.AddSubscriber("a", healthy, Filter{}))
	broken := &fakeSink{}
	require.NoError(t, b.AddSubscriber("b", broken, Filter{}))
	broken.mu.Lock()
	broken.broken = true
	broken.mu.Unlock()

	msg := content(t, b, "Isak medical")

	feed := healthy.ofType(EventFeedUpdate)
	require.Len(t, feed, 1)
	assert.Equal(t, msg.ID, feed[0].ID)

	assert.Equal(t, 1, b.SubscriberCount())
	assert.True(t, broken.isClosed())

	counts := healthy.ofType(EventConnectionCount)
	assert.Equal(t, 1, connections(t, counts[len(counts)-1]), "count must reflect the removal")
}

func TestSingleSendFailureIsRetried(t *testing.T) {
	b := newTestBroadcaster(t, Options{})
	flaky := &fakeSink{}
	require.NoError(t, b.AddSubscriber("flaky", flaky, Filter{}))
	flaky.mu.Lock()
	flaky.failures = 1
	flaky.mu.Unlock()

	content(t, b, "one retry is enough")

	assert.Equal(t, 1, b.SubscriberCount())
	assert.Len(t, flaky.ofType(EventFeedUpdate), 1)
}

func TestFailedReplayRejectsJoin(t *testing.T) {
	b := newTestBroadcaster(t, Options{ReplayOnJoin: 10})
	content(t, b, "something to replay")

	sink := &fakeSink{broken: true}
	err := b.AddSubscriber("doomed", sink, Filter{})
	require.ErrorIs(t, err, ErrReplayFailed)
	assert.Equal(t, 0, b.SubscriberCount())
	assert.True(t, sink.isClosed())
}

func TestDuplicateSubscriber(t *testing.T) {
	b := newTestBroadcaster(t, Options{})
	require.NoError(t, b.AddSubscriber("same", &fakeSink{}, Filter{}))
	err := b.AddSubscriber("same", &fakeSink{}, Filter{})
	assert.ErrorIs(t, err, ErrDuplicateSubscriber)
}

func TestBroadcastRejectsUnknownType(t *testing.T) {
	b := newTestBroadcaster(t, Options{})
	_, err := b.Broadcast(EventType("gossip"), nil, Route{})
	assert.Error(t, err)
}

func TestShutdownClosesSinks(t *testing.T) {
	b, err := New(Options{HeartbeatInterval: time.Hour}, nil, nil)
	require.NoError(t, err)
	b.Start(context.Background())

	sink := &fakeSink{}
	require.NoError(t, b.AddSubscriber("a", sink, Filter{}))

	require.NoError(t, b.Shutdown(context.Background()))
	assert.True(t, sink.isClosed())
	assert.Equal(t, 0, b.SubscriberCount())

	_, err = b.Broadcast(EventFeedUpdate, "late", Route{})
	assert.ErrorIs(t, err, ErrBroadcasterClosed)
	assert.ErrorIs(t, b.AddSubscriber("b", &fakeSink{}, Filter{}), ErrBroadcasterClosed)
	assert.NoError(t, b.Shutdown(context.Background()))
}

func TestHeartbeatLoop(t *testing.T) {
	b := newTestBroadcaster(t, Options{HeartbeatInterval: 10 * time.Millisecond})
	sink := &fakeSink{}
	require.NoError(t, b.AddSubscriber("a", sink, Filter{Tags: []string{"nothing-matches"}}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)

	require.Eventually(t, func() bool {
		return len(sink.ofType(EventHeartbeat)) >= 2
	}, time.Second, 5*time.Millisecond)

	beat := sink.ofType(EventHeartbeat)[0]
	assert.Equal(t, 1, connections(t, beat))
}

func TestConcurrentBroadcastsKeepPerSubscriberOrder(t *testing.T) {
	b := newTestBroadcaster(t, Options{HistoryCapacity: 200})
	sink := &fakeSink{}
	require.NoError(t, b.AddSubscriber("a", sink, Filter{}))

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				_, err := b.Broadcast(EventFeedUpdate, fmt.Sprintf("%d-%d", w, i), Route{})
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	history := b.History()
	feed := sink.ofType(EventFeedUpdate)
	require.Len(t, feed, 100)
	require.Len(t, history, 100)
	for i := range history {
		assert.Equal(t, history[i].ID, feed[i].ID)
	}
}

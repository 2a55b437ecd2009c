package broadcast

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type frame struct {
	id    string
	event string
	data  string
}

func readFrame(t *testing.T, r *bufio.Reader) frame {
	t.Helper()
	var f frame
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			return f
		case strings.HasPrefix(line, "id: "):
			f.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			f.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			f.data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestChannelSink(t *testing.T) {
	sink := NewChannelSink(1)
	require.NoError(t, sink.Send(Event{ID: "1"}))
	assert.ErrorIs(t, sink.Send(Event{ID: "2"}), ErrSinkFull)

	assert.Equal(t, "1", (<-sink.Events()).ID)

	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close())
	assert.ErrorIs(t, sink.Send(Event{ID: "3"}), ErrSinkClosed)
	<-sink.Done()
}

func TestHandlerStreamsFilteredEvents(t *testing.T) {
	b := newTestBroadcaster(t, Options{ReplayOnJoin: 10})
	content(t, b, "before join", "Arsenal")

	srv := httptest.NewServer(NewHandler(b, 4, nil))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"?tags=arsenal", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)

	replayed := readFrame(t, reader)
	assert.Equal(t, string(EventFeedUpdate), replayed.event)

	count := readFrame(t, reader)
	assert.Equal(t, string(EventConnectionCount), count.event)

	content(t, b, "not for this client", "Chelsea")
	live := content(t, b, "for this client", "Arsenal transfer")

	f := readFrame(t, reader)
	assert.Equal(t, live.ID, f.id)

	var payload Message
	require.NoError(t, json.Unmarshal([]byte(f.data), &payload))
	assert.Equal(t, live.ID, payload.ID)
	assert.Equal(t, EventFeedUpdate, payload.Type)
	assert.JSONEq(t, `{"text":"for this client"}`, string(payload.Data))
	assert.False(t, payload.Timestamp.IsZero())

	cancel()
	require.Eventually(t, func() bool { return b.SubscriberCount() == 0 }, time.Second, 10*time.Millisecond)
}

func TestHandlerReplaysAfterLastEventID(t *testing.T) {
	b := newTestBroadcaster(t, Options{ReplayOnJoin: 1})
	first := content(t, b, "one")
	second := content(t, b, "two")
	third := content(t, b, "three")

	srv := httptest.NewServer(NewHandler(b, 4, nil))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", first.ID)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	assert.Equal(t, second.ID, readFrame(t, reader).id)
	assert.Equal(t, third.ID, readFrame(t, reader).id)
	assert.Equal(t, string(EventConnectionCount), readFrame(t, reader).event)
}

func TestHandlerEndsWhenBroadcasterShutsDown(t *testing.T) {
	b, err := New(Options{}, nil, nil)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/stream", nil)

	done := make(chan struct{})
	go func() {
		NewHandler(b, 4, nil).ServeHTTP(rec, req)
		close(done)
	}()

	require.Eventually(t, func() bool { return b.SubscriberCount() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, b.Shutdown(context.Background()))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler did not return after shutdown")
	}

	rec2 := httptest.NewRecorder()
	NewHandler(b, 4, nil).ServeHTTP(rec2, httptest.NewRequest(http.MethodGet, "/api/stream", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec2.Code)
}

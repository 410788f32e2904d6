package firehose

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// memCursors is an in-memory cursor store.
type memCursors struct {
	mu     sync.Mutex
	cursor int64
}

func (m *memCursors) GetCursor(context.Context, string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursor, nil
}

func (m *memCursors) UpdateCursor(_ context.Context, _ string, cursor int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursor = cursor
	return nil
}

// failingCursors is a cursor store whose reads always fail.
type failingCursors struct {
	memCursors
}

func (f *failingCursors) GetCursor(context.Context, string) (int64, error) {
	return 0, errors.New("store unreachable")
}

// collectSched records delivered events and signals when enough arrived.
type collectSched struct {
	mu     sync.Mutex
	events []*Event
	want   int
	done   chan struct{}
	once   sync.Once
}

func newCollectSched(want int) *collectSched {
	return &collectSched{want: want, done: make(chan struct{})}
}

func (c *collectSched) AddWork(_ context.Context, _ string, evt *Event) error {
	c.mu.Lock()
	c.events = append(c.events, evt)
	n := len(c.events)
	c.mu.Unlock()
	if n >= c.want {
		c.once.Do(func() { close(c.done) })
	}
	return nil
}

func (c *collectSched) collected() []*Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Event(nil), c.events...)
}

func TestBuildURLEncodesAllParameters(t *testing.T) {
	s, err := NewSubscriber(Options{
		URL:                 "wss://jetstream.example.com/subscribe",
		WantedCollections:   []string{"app.bsky.feed.post", "app.bsky.feed.like"},
		WantedDIDs:          []string{"did:plc:one", "did:plc:two"},
		MaxMessageSizeBytes: 65536,
		Compress:            false,
		RequireHello:        true,
	}, nil, &memCursors{}, discardLogger())
	require.NoError(t, err)

	raw, err := s.buildURL(1700000000000000)
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, []string{"app.bsky.feed.post", "app.bsky.feed.like"}, q["wantedCollections"])
	assert.Equal(t, []string{"did:plc:one", "did:plc:two"}, q["wantedDids"])
	assert.Equal(t, "65536", q.Get("maxMessageSizeBytes"))
	assert.Equal(t, "1700000000000000", q.Get("cursor"))
	assert.Equal(t, "true", q.Get("requireHello"))
	assert.False(t, q.Has("compress"))
}

func TestBuildURLOmitsCursorOnColdStart(t *testing.T) {
	s, err := NewSubscriber(Options{URL: "wss://jetstream.example.com/subscribe"}, nil, &memCursors{}, discardLogger())
	require.NoError(t, err)

	raw, err := s.buildURL(0)
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.False(t, u.Query().Has("cursor"))
	assert.False(t, u.Query().Has("maxMessageSizeBytes"))
}

func TestParseEvent(t *testing.T) {
	data := []byte(`{
		"did": "did:plc:abc",
		"time_us": 1725911162329308,
		"kind": "commit",
		"commit": {
			"rev": "3l3qo2vuowo2b",
			"operation": "create",
			"collection": "app.bsky.feed.post",
			"rkey": "3l3qo2vuowo2b",
			"record": {"$type": "app.bsky.feed.post", "text": "hi", "createdAt": "2024-09-09T19:46:02.102Z"},
			"cid": "bafyreia"
		}
	}`)

	evt, err := parseEvent(data)
	require.NoError(t, err)
	assert.Equal(t, "did:plc:abc", evt.DID)
	assert.Equal(t, int64(1725911162329308), evt.TimeUS)
	require.NotNil(t, evt.Commit)
	assert.Equal(t, "app.bsky.feed.post", evt.Commit.Collection)
	assert.Equal(t, "at://did:plc:abc/app.bsky.feed.post/3l3qo2vuowo2b", evt.URI())
}

func TestParseEventRejectsGarbage(t *testing.T) {
	_, err := parseEvent([]byte(`not json`))
	assert.Error(t, err)
}

func TestParseEventAcceptsUnrecognizedShape(t *testing.T) {
	evt, err := parseEvent([]byte(`{"unrelated": true}`))
	require.NoError(t, err)
	assert.Empty(t, evt.DID)
	assert.Zero(t, evt.TimeUS)
}

// fakeFirehose is a test Jetstream endpoint. It records each connection's
// query parameters and plays scripted frames.
type fakeFirehose struct {
	t      *testing.T
	frames [][]byte

	mu      sync.Mutex
	queries []url.Values
	hellos  [][]byte
}

func (f *fakeFirehose) handler() http.HandlerFunc {
	upgrader := websocket.Upgrader{}
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.queries = append(f.queries, r.URL.Query())
		wantHello := r.URL.Query().Get("requireHello") == "true"
		f.mu.Unlock()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if wantHello {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			f.mu.Lock()
			f.hellos = append(f.hellos, msg)
			f.mu.Unlock()
		}

		for _, frame := range f.frames {
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		}

		// Hold the connection open; the client ends the test.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}
}

func (f *fakeFirehose) firstQuery() url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queries) == 0 {
		return nil
	}
	return f.queries[0]
}

func eventFrame(t *testing.T, did string, timeUS int64) []byte {
	t.Helper()
	b, err := json.Marshal(Event{DID: did, TimeUS: timeUS, Kind: KindCommit})
	require.NoError(t, err)
	return b
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestSubscriberDeliversEventsAndAdvancesCursor(t *testing.T) {
	fake := &fakeFirehose{t: t, frames: [][]byte{
		eventFrame(t, "did:plc:a", 1000),
		eventFrame(t, "did:plc:b", 2000),
	}}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	sched := newCollectSched(2)
	cursors := &memCursors{}
	s, err := NewSubscriber(Options{URL: wsURL(srv)}, sched, cursors, discardLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	select {
	case <-sched.done:
	case <-ctx.Done():
		t.Fatal("timed out waiting for events")
	}
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	events := sched.collected()
	require.Len(t, events, 2)
	assert.Equal(t, "did:plc:a", events[0].DID)
	assert.Equal(t, "did:plc:b", events[1].DID)
	assert.Equal(t, int64(2000), s.Cursor())

	// The final watermark was flushed on the way out.
	saved, err := cursors.GetCursor(context.Background(), cursorServiceName)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), saved)
}

func TestSubscriberResumesWithRewoundCursor(t *testing.T) {
	fake := &fakeFirehose{t: t, frames: [][]byte{eventFrame(t, "did:plc:a", 1700000010000000)}}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	sched := newCollectSched(1)
	cursors := &memCursors{cursor: 1700000000000000}
	s, err := NewSubscriber(Options{
		URL:                wsURL(srv),
		SafetyMarginMicros: 5_000_000,
	}, sched, cursors, discardLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	select {
	case <-sched.done:
	case <-ctx.Done():
		t.Fatal("timed out waiting for event")
	}
	cancel()
	<-done

	q := fake.firstQuery()
	require.NotNil(t, q)
	assert.Equal(t, "1699999995000000", q.Get("cursor"))
}

func TestSubscriberSendsHelloFrame(t *testing.T) {
	fake := &fakeFirehose{t: t, frames: [][]byte{eventFrame(t, "did:plc:a", 1000)}}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	sched := newCollectSched(1)
	s, err := NewSubscriber(Options{URL: wsURL(srv), RequireHello: true}, sched, &memCursors{}, discardLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	select {
	case <-sched.done:
	case <-ctx.Done():
		t.Fatal("timed out waiting for event")
	}
	cancel()
	<-done

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Len(t, fake.hellos, 1)
	assert.JSONEq(t, `{"type": "subscriber-options-update", "ready": true}`, string(fake.hellos[0]))
}

func TestSubscriberDropsUndecodableFrames(t *testing.T) {
	fake := &fakeFirehose{t: t, frames: [][]byte{
		[]byte(`{{{ garbage`),
		eventFrame(t, "did:plc:good", 3000),
	}}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	sched := newCollectSched(1)
	s, err := NewSubscriber(Options{URL: wsURL(srv)}, sched, &memCursors{}, discardLogger())
	require.NoError(t, err)

	var dropped int
	var droppedMu sync.Mutex
	s.OnDecodeError(func(data []byte, err error) {
		droppedMu.Lock()
		dropped++
		droppedMu.Unlock()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	select {
	case <-sched.done:
	case <-ctx.Done():
		t.Fatal("timed out waiting for good event; bad frame must not kill the stream")
	}
	cancel()
	<-done

	events := sched.collected()
	require.Len(t, events, 1)
	assert.Equal(t, "did:plc:good", events[0].DID)

	droppedMu.Lock()
	defer droppedMu.Unlock()
	assert.Equal(t, 1, dropped)
}

func TestSubscriberFailsWhenCursorLoadFails(t *testing.T) {
	fake := &fakeFirehose{t: t}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	s, err := NewSubscriber(Options{URL: wsURL(srv)}, newCollectSched(1), &failingCursors{}, discardLogger())
	require.NoError(t, err)

	// Connecting without the watermark would resume from live and skip the
	// backlog, so an unreadable cursor store must stop the subscriber
	// before it dials.
	err = s.Start(context.Background())
	require.Error(t, err)
	assert.Nil(t, fake.firstQuery(), "subscriber connected despite unreadable cursor store")
}

func TestSubscriberSkipsUnrecognizedFrames(t *testing.T) {
	fake := &fakeFirehose{t: t, frames: [][]byte{
		[]byte(`{"type": "info", "payload": {}}`),
		eventFrame(t, "did:plc:good", 4000),
	}}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	sched := newCollectSched(1)
	s, err := NewSubscriber(Options{URL: wsURL(srv)}, sched, &memCursors{}, discardLogger())
	require.NoError(t, err)

	var dropped int
	var droppedMu sync.Mutex
	s.OnDecodeError(func([]byte, error) {
		droppedMu.Lock()
		dropped++
		droppedMu.Unlock()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	select {
	case <-sched.done:
	case <-ctx.Done():
		t.Fatal("timed out waiting for event after unrecognized frame")
	}
	cancel()
	<-done

	events := sched.collected()
	require.Len(t, events, 1)
	assert.Equal(t, "did:plc:good", events[0].DID)

	// Well-formed frames of unknown shape are skipped, never reported as
	// decode errors.
	droppedMu.Lock()
	defer droppedMu.Unlock()
	assert.Zero(t, dropped)
}

func TestSubscriberReportsOriginalFrameOnDecompressFailure(t *testing.T) {
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	good := enc.EncodeAll(eventFrame(t, "did:plc:zstd", 5000), nil)
	require.NoError(t, enc.Close())

	bad := []byte("definitely not zstd")
	fake := &fakeFirehose{t: t, frames: [][]byte{bad, good}}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	sched := newCollectSched(1)
	s, err := NewSubscriber(Options{URL: wsURL(srv), Compress: true}, sched, &memCursors{}, discardLogger())
	require.NoError(t, err)

	var droppedFrames [][]byte
	var droppedMu sync.Mutex
	s.OnDecodeError(func(data []byte, _ error) {
		droppedMu.Lock()
		droppedFrames = append(droppedFrames, append([]byte(nil), data...))
		droppedMu.Unlock()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	select {
	case <-sched.done:
	case <-ctx.Done():
		t.Fatal("timed out waiting for compressed event")
	}
	cancel()
	<-done

	events := sched.collected()
	require.Len(t, events, 1)
	assert.Equal(t, "did:plc:zstd", events[0].DID)

	// The observer gets the frame as received, not decoder leftovers.
	droppedMu.Lock()
	defer droppedMu.Unlock()
	require.Len(t, droppedFrames, 1)
	assert.Equal(t, bad, droppedFrames[0])
}

func TestSubscriberReconnectsAfterServerClose(t *testing.T) {
	fake := &fakeFirehose{t: t, frames: [][]byte{eventFrame(t, "did:plc:a", 1000)}}

	var firstConn sync.Once
	closeFirst := fake.handler()
	upgToggle := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dropped := false
		firstConn.Do(func() {
			dropped = true
			// Drop the first connection immediately after upgrade so the
			// client has to reconnect.
			upgrader := websocket.Upgrader{}
			if conn, err := upgrader.Upgrade(w, r, nil); err == nil {
				conn.Close()
			}
			fake.mu.Lock()
			fake.queries = append(fake.queries, r.URL.Query())
			fake.mu.Unlock()
		})
		if !dropped {
			closeFirst.ServeHTTP(w, r)
		}
	})
	srv := httptest.NewServer(upgToggle)
	defer srv.Close()

	sched := newCollectSched(1)
	s, err := NewSubscriber(Options{
		URL:   wsURL(srv),
		Retry: RetryPolicy{Delay: 10 * time.Millisecond},
	}, sched, &memCursors{}, discardLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	select {
	case <-sched.done:
	case <-ctx.Done():
		t.Fatal("timed out waiting for event after reconnect")
	}
	cancel()
	<-done

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.GreaterOrEqual(t, len(fake.queries), 2, "expected at least two connection attempts")
}

package httpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/thought-analyzer/internal/config"
	"github.com/fairyhunter13/thought-analyzer/internal/event"
)

type memorySub struct {
	ch        chan event.Envelope
	closeOnce sync.Once
}

func (s *memorySub) C() <-chan event.Envelope { return s.ch }

func (s *memorySub) Close() error {
	s.closeOnce.Do(func() { close(s.ch) })
	return nil
}

type memoryBus struct {
	mu   sync.Mutex
	subs map[string]*memorySub
}

func newMemoryBus() *memoryBus { return &memoryBus{subs: map[string]*memorySub{}} }

func (b *memoryBus) Publish(_ context.Context, userID string, env event.Envelope) error {
	b.mu.Lock()
	sub := b.subs[userID]
	b.mu.Unlock()
	if sub != nil {
		sub.ch <- env
	}
	return nil
}

func (b *memoryBus) Subscribe(_ context.Context, userID string) (event.Subscription, error) {
	sub := &memorySub{ch: make(chan event.Envelope, 16)}
	b.mu.Lock()
	b.subs[userID] = sub
	b.mu.Unlock()
	return sub, nil
}

func decodeJSONBody(resp *http.Response, v any) error {
	return json.NewDecoder(resp.Body).Decode(v)
}

func sseTestServer(t *testing.T, heartbeat time.Duration) (*Server, *memoryBus, *httptest.Server) {
	t.Helper()
	bus := newMemoryBus()
	s := &Server{
		Cfg: config.Config{HeartbeatInterval: heartbeat, MaxSSEConnections: 10},
		Bus: bus,
	}
	s.sse.max = s.Cfg.MaxSSEConnections
	r := chi.NewRouter()
	r.Get("/v1/users/{userID}/updates", s.UpdatesHandler())
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return s, bus, srv
}

func TestUpdatesHandler_StreamsEvents(t *testing.T) {
	t.Parallel()
	_, bus, srv := sseTestServer(t, time.Hour)

	resp, err := http.Get(srv.URL + "/v1/users/u-1/updates")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.NoError(t, bus.Publish(context.Background(), "u-1", event.NewThoughtProcessing("th-1", "u-1")))

	scanner := bufio.NewScanner(resp.Body)
	var eventLine, dataLine string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			continue
		case eventLine == "":
			eventLine = line
		default:
			dataLine = line
		}
		if dataLine != "" {
			break
		}
	}
	assert.Equal(t, "event: thought_processing", eventLine)
	assert.Contains(t, dataLine, `"thought_id":"th-1"`)
}

func TestUpdatesHandler_Heartbeat(t *testing.T) {
	t.Parallel()
	_, _, srv := sseTestServer(t, 20*time.Millisecond)

	resp, err := http.Get(srv.URL + "/v1/users/u-1/updates")
	require.NoError(t, err)
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	deadline := time.After(3 * time.Second)
	found := make(chan string, 1)
	go func() {
		for scanner.Scan() {
			if line := scanner.Text(); line != "" {
				found <- line
				return
			}
		}
	}()
	select {
	case line := <-found:
		assert.Equal(t, ": heartbeat", line)
	case <-deadline:
		t.Fatal("no heartbeat observed")
	}
}

func TestUpdatesHandler_CapacityExceeded(t *testing.T) {
	t.Parallel()
	s, _, srv := sseTestServer(t, time.Hour)
	s.sse.max = 1
	s.sse.open.Add(1) // one stream already held open

	resp, err := http.Get(srv.URL + "/v1/users/u-1/updates")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, decodeJSONBody(resp, &body))
	assert.Equal(t, "STREAM_CAPACITY", body.Error.Code)
}

func TestUpdatesHandler_BusClosedEndsStream(t *testing.T) {
	t.Parallel()
	_, bus, srv := sseTestServer(t, time.Hour)

	resp, err := http.Get(srv.URL + "/v1/users/u-1/updates")
	require.NoError(t, err)
	defer resp.Body.Close()

	bus.mu.Lock()
	sub := bus.subs["u-1"]
	bus.mu.Unlock()
	require.NotNil(t, sub)
	require.NoError(t, sub.Close())

	done := make(chan struct{})
	go func() {
		buf := make([]byte, 64)
		for {
			if _, err := resp.Body.Read(buf); err != nil {
				close(done)
				return
			}
		}
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("stream did not end after bus subscription closed")
	}
}

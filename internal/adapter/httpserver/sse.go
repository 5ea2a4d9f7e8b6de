package httpserver

import (
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/thought-analyzer/internal/adapter/observability"
	"github.com/fairyhunter13/thought-analyzer/internal/domain"
)

// sseLimiter caps concurrent streams per instance.
type sseLimiter struct {
	open atomic.Int64
	max  int
}

func (l *sseLimiter) acquire() bool {
	if n := l.open.Add(1); l.max > 0 && n > int64(l.max) {
		l.open.Add(-1)
		return false
	}
	observability.SSEConnections.Inc()
	return true
}

func (l *sseLimiter) release() {
	l.open.Add(-1)
	observability.SSEConnections.Dec()
}

// UpdatesHandler streams per-user progress events as Server-Sent Events.
// Delivery is live-only: events published while no stream is open are not
// replayed.
func (s *Server) UpdatesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "userID")
		if userID == "" {
			writeError(w, r, fmt.Errorf("%w: userID missing", domain.ErrInvalidPayload), nil)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, r, fmt.Errorf("%w: streaming unsupported", domain.ErrInvalidPayload), nil)
			return
		}
		if !s.sse.acquire() {
			writeJSON(w, http.StatusServiceUnavailable, errorEnvelope{Error: apiError{
				Code:    "STREAM_CAPACITY",
				Message: "too many open streams",
			}})
			return
		}
		defer s.sse.release()

		sub, err := s.Bus.Subscribe(r.Context(), userID)
		if err != nil {
			writeError(w, r, fmt.Errorf("subscribe: %w: %v", domain.ErrNetwork, err), nil)
			return
		}
		defer func() { _ = sub.Close() }()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		lg := LoggerFrom(r)
		heartbeat := time.NewTicker(s.Cfg.HeartbeatInterval)
		defer heartbeat.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-heartbeat.C:
				if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
					return
				}
				flusher.Flush()
			case env, open := <-sub.C():
				if !open {
					// Bus connection lost; the client reconnects and polls
					// the status endpoint for anything it missed.
					return
				}
				body, err := env.Encode()
				if err != nil {
					lg.Warn("dropping unencodable event", "event_id", env.EventID, "error", err)
					continue
				}
				if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", env.EventType, body); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	}
}

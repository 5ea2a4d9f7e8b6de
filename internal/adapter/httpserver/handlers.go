package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/thought-analyzer/internal/config"
	"github.com/fairyhunter13/thought-analyzer/internal/domain"
	"github.com/fairyhunter13/thought-analyzer/internal/event"
	"github.com/fairyhunter13/thought-analyzer/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg         config.Config
	Submit      usecase.SubmitService
	Status      usecase.StatusService
	Bus         event.Bus
	DBCheck     func(ctx context.Context) error
	RedisCheck  func(ctx context.Context) error
	BrokerCheck func(ctx context.Context) error
	QdrantCheck func(ctx context.Context) error

	sse sseLimiter
}

// NewServer constructs an HTTP server with all handlers and checks wired.
func NewServer(cfg config.Config, submit usecase.SubmitService, status usecase.StatusService, bus event.Bus, dbCheck, redisCheck, brokerCheck, qdrantCheck func(context.Context) error) *Server {
	s := &Server{
		Cfg:         cfg,
		Submit:      submit,
		Status:      status,
		Bus:         bus,
		DBCheck:     dbCheck,
		RedisCheck:  redisCheck,
		BrokerCheck: brokerCheck,
		QdrantCheck: qdrantCheck,
	}
	s.sse.max = cfg.MaxSSEConnections
	return s
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// SubmitHandler accepts a thought and returns the accepted job.
func (s *Server) SubmitHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a := r.Header.Get("Accept"); a != "" && a != "*/*" && !strings.Contains(a, "application/json") {
			writeJSON(w, http.StatusNotAcceptable, errorEnvelope{Error: apiError{Code: "INVALID_PAYLOAD", Message: "not acceptable", Details: map[string]any{"accept": a}}})
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
		var req struct {
			UserID       string `json:"user_id" validate:"required,max=128"`
			Text         string `json:"text" validate:"required,max=4096"`
			PriorityHint string `json:"priority_hint" validate:"omitempty,oneof=low medium high urgent"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidPayload), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			verrs := map[string]string{}
			if ve, ok := err.(validator.ValidationErrors); ok {
				for _, fe := range ve {
					verrs[strings.ToLower(fe.Field())] = fe.Tag()
				}
			}
			writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidPayload), verrs)
			return
		}
		id, mode, err := s.Submit.Submit(r.Context(), req.UserID, req.Text, req.PriorityHint)
		if err != nil {
			writeError(w, r, fmt.Errorf("submit: %w", err), nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"thought_id": id,
			"accepted":   true,
			"mode":       string(mode),
		})
	}
}

// StatusHandler returns the row status plus any persisted stage outputs.
func (s *Server) StatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			writeError(w, r, fmt.Errorf("%w: id missing", domain.ErrInvalidPayload), nil)
			return
		}
		t, err := s.Status.Fetch(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		resp := map[string]any{
			"thought_id":    t.ID,
			"user_id":       t.UserID,
			"status":        string(t.Status),
			"attempt_count": t.AttemptCount,
			"created_at":    t.CreatedAt,
			"updated_at":    t.UpdatedAt,
			"outputs":       t.Outputs,
		}
		if t.Status == domain.ThoughtFailed {
			resp["error_kind"] = t.ErrorKind
			resp["error_message"] = t.ErrorMessage
		}
		if t.ProcessedAt != nil {
			resp["processed_at"] = t.ProcessedAt
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// HealthzHandler is a trivial liveness probe.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ReadyzHandler probes the database, the fan-out bus, the broker, and the
// vector store.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		probes := []struct {
			name string
			fn   func(context.Context) error
		}{
			{"db", s.DBCheck},
			{"redis", s.RedisCheck},
			{"broker", s.BrokerCheck},
			{"qdrant", s.QdrantCheck},
		}
		checks := make([]check, 0, len(probes))
		ok := true
		for _, p := range probes {
			if p.fn == nil {
				continue
			}
			if err := p.fn(ctx); err != nil {
				ok = false
				checks = append(checks, check{Name: p.name, OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: p.name, OK: true})
			}
		}
		st := http.StatusOK
		if !ok {
			st = http.StatusServiceUnavailable
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}

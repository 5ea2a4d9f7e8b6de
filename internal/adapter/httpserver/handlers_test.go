package httpserver_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/thought-analyzer/internal/adapter/httpserver"
	"github.com/fairyhunter13/thought-analyzer/internal/config"
	"github.com/fairyhunter13/thought-analyzer/internal/domain"
	"github.com/fairyhunter13/thought-analyzer/internal/usecase"
)

type stubRepo struct {
	thought   domain.Thought
	getErr    error
	createdID string
	createErr error
}

func (r *stubRepo) Create(context.Context, domain.Thought) (string, error) {
	return r.createdID, r.createErr
}
func (r *stubRepo) Get(context.Context, string) (domain.Thought, error) {
	return r.thought, r.getErr
}
func (r *stubRepo) BeginProcessing(context.Context, string, time.Duration) (int, error) {
	return 0, errors.New("not used")
}
func (r *stubRepo) WriteStage(context.Context, string, domain.StageName, any) error {
	return errors.New("not used")
}
func (r *stubRepo) Release(context.Context, string) error              { return errors.New("not used") }
func (r *stubRepo) Complete(context.Context, string, []float32) error  { return errors.New("not used") }
func (r *stubRepo) Fail(context.Context, string, string, string) error { return errors.New("not used") }
func (r *stubRepo) SetUserContextVersion(context.Context, string, int) error {
	return errors.New("not used")
}
func (r *stubRepo) ListStuck(context.Context, time.Time, int, int) ([]domain.Thought, error) {
	return nil, nil
}

type stubUsers struct {
	err error
}

func (u *stubUsers) Get(context.Context, string) (domain.UserContext, error) {
	return domain.UserContext{UserID: "u-1", Version: 1}, u.err
}

type stubQueue struct {
	mode domain.SubmitMode
	err  error
}

func (q *stubQueue) SubmitThought(context.Context, string, string, string, string) (domain.SubmitMode, error) {
	return q.mode, q.err
}

func newTestServer(repo *stubRepo, users *stubUsers, queue *stubQueue) *httpserver.Server {
	cfg := config.Config{MaxSSEConnections: 10, HeartbeatInterval: time.Hour}
	return httpserver.NewServer(cfg,
		usecase.NewSubmitService(repo, users, queue),
		usecase.NewStatusService(repo),
		nil, nil, nil, nil, nil)
}

func postThought(t *testing.T, s *httpserver.Server, body string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/thoughts", strings.NewReader(body))
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.SubmitHandler()(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeBody(t, rec)
	e, ok := body["error"].(map[string]any)
	require.True(t, ok, "expected error envelope, got %s", rec.Body.String())
	code, _ := e["code"].(string)
	return code
}

func TestSubmitHandler_Accepted(t *testing.T) {
	t.Parallel()
	s := newTestServer(&stubRepo{createdID: "th-1"}, &stubUsers{}, &stubQueue{mode: domain.ModeStream})

	rec := postThought(t, s, `{"user_id":"u-1","text":"capture this"}`, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, "th-1", body["thought_id"])
	assert.Equal(t, true, body["accepted"])
	assert.Equal(t, "stream", body["mode"])
}

func TestSubmitHandler_DeferredWhenPublishFails(t *testing.T) {
	t.Parallel()
	s := newTestServer(&stubRepo{createdID: "th-1"}, &stubUsers{}, &stubQueue{err: domain.ErrNetwork})

	rec := postThought(t, s, `{"user_id":"u-1","text":"capture this"}`, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "deferred", decodeBody(t, rec)["mode"])
}

func TestSubmitHandler_Validation(t *testing.T) {
	t.Parallel()
	s := newTestServer(&stubRepo{createdID: "th-1"}, &stubUsers{}, &stubQueue{mode: domain.ModeStream})

	cases := []struct {
		name string
		body string
	}{
		{"not json", `{"user_id":`},
		{"missing user_id", `{"text":"hi"}`},
		{"missing text", `{"user_id":"u-1"}`},
		{"bad priority hint", `{"user_id":"u-1","text":"hi","priority_hint":"yesterday"}`},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			rec := postThought(t, s, tc.body, nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "INVALID_PAYLOAD", errorCode(t, rec))
		})
	}
}

func TestSubmitHandler_UnknownUser(t *testing.T) {
	t.Parallel()
	s := newTestServer(&stubRepo{}, &stubUsers{err: domain.ErrUnknownUser}, &stubQueue{})

	rec := postThought(t, s, `{"user_id":"ghost","text":"hi"}`, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "UNKNOWN_USER", errorCode(t, rec))
}

func TestSubmitHandler_NotAcceptable(t *testing.T) {
	t.Parallel()
	s := newTestServer(&stubRepo{}, &stubUsers{}, &stubQueue{})

	rec := postThought(t, s, `{"user_id":"u-1","text":"hi"}`, map[string]string{"Accept": "text/xml"})
	assert.Equal(t, http.StatusNotAcceptable, rec.Code)
}

func statusRequest(s *httpserver.Server, id string) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	r.Get("/v1/thoughts/{id}", s.StatusHandler())
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/thoughts/"+id, nil))
	return rec
}

func TestStatusHandler_NotFound(t *testing.T) {
	t.Parallel()
	s := newTestServer(&stubRepo{getErr: domain.ErrNotFound}, &stubUsers{}, &stubQueue{})

	rec := statusRequest(s, "missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", errorCode(t, rec))
}

func TestStatusHandler_Completed(t *testing.T) {
	t.Parallel()
	now := time.Now().UTC()
	s := newTestServer(&stubRepo{thought: domain.Thought{
		ID:           "th-1",
		UserID:       "u-1",
		Status:       domain.ThoughtCompleted,
		AttemptCount: 1,
		Outputs: domain.StageOutputs{
			Priority: &domain.Priority{PriorityLevel: "Medium"},
		},
		ProcessedAt: &now,
	}}, &stubUsers{}, &stubQueue{})

	rec := statusRequest(s, "th-1")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "completed", body["status"])
	assert.NotContains(t, body, "error_kind")
	assert.Contains(t, body, "processed_at")
}

func TestStatusHandler_FailedIncludesErrorFields(t *testing.T) {
	t.Parallel()
	s := newTestServer(&stubRepo{thought: domain.Thought{
		ID:           "th-1",
		UserID:       "u-1",
		Status:       domain.ThoughtFailed,
		AttemptCount: 3,
		ErrorKind:    domain.KindPermanentStuck,
		ErrorMessage: "delivery budget exhausted",
	}}, &stubUsers{}, &stubQueue{})

	rec := statusRequest(s, "th-1")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "failed", body["status"])
	assert.Equal(t, domain.KindPermanentStuck, body["error_kind"])
}

func TestReadyzHandler(t *testing.T) {
	t.Parallel()
	cfg := config.Config{MaxSSEConnections: 10, HeartbeatInterval: time.Hour}
	ok := func(context.Context) error { return nil }
	bad := func(context.Context) error { return errors.New("connection refused") }

	s := httpserver.NewServer(cfg, usecase.SubmitService{}, usecase.StatusService{}, nil, ok, ok, ok, ok)
	rec := httptest.NewRecorder()
	s.ReadyzHandler()(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	s = httpserver.NewServer(cfg, usecase.SubmitService{}, usecase.StatusService{}, nil, ok, ok, bad, ok)
	rec = httptest.NewRecorder()
	s.ReadyzHandler()(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "broker")
}

func TestHealthzHandler(t *testing.T) {
	t.Parallel()
	s := newTestServer(&stubRepo{}, &stubUsers{}, &stubQueue{})
	rec := httptest.NewRecorder()
	s.HealthzHandler()(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

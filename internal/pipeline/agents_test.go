package pipeline_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/thought-analyzer/internal/adapter/ai/stub"
	"github.com/fairyhunter13/thought-analyzer/internal/config"
	"github.com/fairyhunter13/thought-analyzer/internal/domain"
	"github.com/fairyhunter13/thought-analyzer/internal/pipeline"
)

func testCfg() config.Config {
	return config.Config{
		AgentInternalRetries: 2,
		MaxContextTokens:     16000,
		AIModel:              "stub",
	}
}

func testUser() domain.UserContext {
	return domain.UserContext{
		UserID:  "u-1",
		Version: 1,
		Profile: json.RawMessage(`{"values_ranking":{"economic":3,"relational":1,"legacy":1,"health":2,"growth":2}}`),
	}
}

func stubAgents() *pipeline.Agents {
	return pipeline.NewAgents(&stub.Client{Latency: 0}, testCfg())
}

func TestAgents_FullSequence(t *testing.T) {
	t.Parallel()
	a := stubAgents()
	ctx := context.Background()
	uc := testUser()
	text := "plan next quarter's learning goals"

	cls, err := a.Classify(ctx, uc, text)
	require.NoError(t, err)
	assert.Equal(t, "task", cls.Type)
	assert.Equal(t, "soon", cls.Urgency)

	anl, err := a.Analyze(ctx, uc, text, cls)
	require.NoError(t, err)
	assert.NotEmpty(t, anl.GoalAlignment.Reasoning)

	val, err := a.AssessValue(ctx, uc, text, cls, anl)
	require.NoError(t, err)
	assert.Equal(t, "growth", val.TopDimension)
	assert.Greater(t, val.WeightedTotal, 0.0)

	plan, err := a.PlanActions(ctx, uc, text, anl, val)
	require.NoError(t, err)
	require.NotEmpty(t, plan.MainActions)

	pri, err := a.Prioritize(ctx, uc, text, plan, val)
	require.NoError(t, err)
	assert.Equal(t, "Medium", pri.PriorityLevel)
	require.NoError(t, pri.Validate())
}

func TestApplyWeights(t *testing.T) {
	t.Parallel()
	v := &domain.ValueImpact{
		Economic:   domain.ValueScore{Score: 5},
		Relational: domain.ValueScore{Score: 4},
		Legacy:     domain.ValueScore{Score: 3},
		Health:     domain.ValueScore{Score: 6},
		Growth:     domain.ValueScore{Score: 7},
	}
	weights := map[string]float64{
		"economic": 3, "relational": 1, "legacy": 1, "health": 2, "growth": 2,
	}
	pipeline.ApplyWeights(v, weights)

	// (5*3 + 4*1 + 3*1 + 6*2 + 7*2) / 9
	assert.InDelta(t, 48.0/9.0, v.WeightedTotal, 1e-9)
	assert.Equal(t, "growth", v.TopDimension)
}

func TestApplyWeights_TieKeepsDimensionOrder(t *testing.T) {
	t.Parallel()
	v := &domain.ValueImpact{
		Economic: domain.ValueScore{Score: 5},
		Growth:   domain.ValueScore{Score: 5},
	}
	pipeline.ApplyWeights(v, map[string]float64{
		"economic": 1, "relational": 1, "legacy": 1, "health": 1, "growth": 1,
	})
	// Equal scores resolve to the earlier dimension in the fixed ordering.
	assert.Equal(t, "economic", v.TopDimension)
}

// flakyClient fails a fixed number of calls before delegating to the stub.
type flakyClient struct {
	inner    *stub.Client
	failures atomic.Int32
	err      error
}

func (f *flakyClient) Capabilities() domain.AICapabilities { return f.inner.Capabilities() }

func (f *flakyClient) Generate(ctx context.Context, req domain.GenerateRequest) (domain.GenerateResponse, error) {
	if f.failures.Add(-1) >= 0 {
		return domain.GenerateResponse{}, f.err
	}
	return f.inner.Generate(ctx, req)
}

func TestAgents_RetriesTransientErrors(t *testing.T) {
	t.Parallel()
	client := &flakyClient{inner: &stub.Client{}, err: domain.ErrNetwork}
	client.failures.Store(1)
	a := pipeline.NewAgents(client, testCfg())

	cls, err := a.Classify(context.Background(), testUser(), "some thought")
	require.NoError(t, err)
	assert.Equal(t, "task", cls.Type)
}

func TestAgents_PermanentErrorNotRetried(t *testing.T) {
	t.Parallel()
	client := &flakyClient{inner: &stub.Client{}, err: domain.ErrContentPolicy}
	client.failures.Store(100)
	a := pipeline.NewAgents(client, testCfg())

	_, err := a.Classify(context.Background(), testUser(), "some thought")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrContentPolicy))
	// Only one call should have been spent.
	assert.EqualValues(t, 99, client.failures.Load())
}

// malformedClient returns non-JSON a fixed number of times, then valid output.
type malformedClient struct {
	inner *stub.Client
	bad   atomic.Int32
}

func (m *malformedClient) Capabilities() domain.AICapabilities { return m.inner.Capabilities() }

func (m *malformedClient) Generate(ctx context.Context, req domain.GenerateRequest) (domain.GenerateResponse, error) {
	if m.bad.Add(-1) >= 0 {
		return domain.GenerateResponse{Content: "I'd be happy to help, but"}, nil
	}
	return m.inner.Generate(ctx, req)
}

func TestAgents_RetriesMalformedResponses(t *testing.T) {
	t.Parallel()
	client := &malformedClient{inner: &stub.Client{}}
	client.bad.Store(1)
	a := pipeline.NewAgents(client, testCfg())

	cls, err := a.Classify(context.Background(), testUser(), "some thought")
	require.NoError(t, err)
	assert.Equal(t, "task", cls.Type)
}

func TestAgents_InvalidOutputExhaustsToPermanent(t *testing.T) {
	t.Parallel()
	client := &malformedClient{inner: &stub.Client{}}
	client.bad.Store(1000) // never recovers
	cfg := testCfg()
	cfg.AgentInternalRetries = 1
	a := pipeline.NewAgents(client, cfg)

	_, err := a.Classify(context.Background(), testUser(), "some thought")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvalidPayload))
	assert.False(t, domain.IsTransient(err), "exhausted validation retries must not redeliver")
	assert.Equal(t, domain.KindPermanentInvalidPayload, domain.Kind(err))
}

func TestAgents_InvalidEnumExhaustsToPermanent(t *testing.T) {
	t.Parallel()
	client := &enumClient{}
	cfg := testCfg()
	cfg.AgentInternalRetries = 0
	a := pipeline.NewAgents(client, cfg)

	_, err := a.Classify(context.Background(), testUser(), "some thought")
	require.Error(t, err)
	assert.Equal(t, domain.KindPermanentInvalidPayload, domain.Kind(err))
}

// enumClient returns well-formed JSON that fails schema validation.
type enumClient struct{}

func (enumClient) Capabilities() domain.AICapabilities {
	return domain.AICapabilities{MaxContextTokens: 16000}
}

func (enumClient) Generate(context.Context, domain.GenerateRequest) (domain.GenerateResponse, error) {
	return domain.GenerateResponse{
		Content: `{"type":"rant","urgency":"soon","entities":{},"emotional_tone":"neutral","implied_needs":[]}`,
	}, nil
}

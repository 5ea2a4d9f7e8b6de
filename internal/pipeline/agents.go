// Package pipeline runs the five-agent analysis sequence. Agents are
// strictly ordered; each one receives the thought text, the user context,
// and the outputs of the stages before it.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	aiadapter "github.com/fairyhunter13/thought-analyzer/internal/adapter/ai"
	"github.com/fairyhunter13/thought-analyzer/internal/adapter/ai/tokencount"
	"github.com/fairyhunter13/thought-analyzer/internal/adapter/observability"
	"github.com/fairyhunter13/thought-analyzer/internal/config"
	"github.com/fairyhunter13/thought-analyzer/internal/domain"
)

// systemPrompt is the shared instruction every agent runs under.
const systemPrompt = `You are an AI agent specialized in analyzing personal thoughts.
Your role is to provide deep, contextual analysis based on the user's life circumstances,
goals, constraints, and values. Always be honest, insightful, and actionable.`

// validationRetryBase is the first wait between in-process retries of a
// malformed agent response.
const validationRetryBase = 500 * time.Millisecond

// Agents wraps the LLM client with per-stage prompting, response repair,
// and schema validation.
type Agents struct {
	ai      domain.AIClient
	cleaner *aiadapter.ResponseCleaner
	counter *tokencount.Counter
	cfg     config.Config
}

// NewAgents constructs the agent set.
func NewAgents(client domain.AIClient, cfg config.Config) *Agents {
	return &Agents{
		ai:      client,
		cleaner: aiadapter.NewResponseCleaner(),
		counter: tokencount.NewCounter(),
		cfg:     cfg,
	}
}

// cacheableContext renders the user profile block shared by all five
// agents of one thought, so providers with prompt caching reuse it.
func cacheableContext(uc domain.UserContext) string {
	return "USER CONTEXT:\n" + string(uc.Profile)
}

// generateJSON runs one agent call: prompt assembly under the token
// budget, the LLM call, response cleaning, decode, and validation. A
// malformed or invalid response is retried in process with exponential
// backoff before the error escapes as retryable.
func (a *Agents) generateJSON(ctx context.Context, uc domain.UserContext, agent domain.StageName, prompt string, maxTokens int, dst interface{ Validate() error }) error {
	prompt = a.fitBudget(uc, prompt, maxTokens)

	req := domain.GenerateRequest{
		System:           systemPrompt,
		CacheableContext: cacheableContext(uc),
		Messages:         []domain.AIMessage{{Role: "user", Content: prompt}},
		MaxTokens:        maxTokens,
	}

	op := func() error {
		start := time.Now()
		resp, err := a.ai.Generate(ctx, req)
		observability.AgentDuration.WithLabelValues(string(agent)).Observe(time.Since(start).Seconds())
		if err != nil {
			if !domain.IsTransient(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		cleaned := a.cleaner.CleanJSONResponse(resp.Content)
		if err := json.Unmarshal([]byte(cleaned), dst); err != nil {
			slog.Warn("agent response not valid JSON",
				slog.String("agent", string(agent)),
				slog.String("snippet", aiadapter.Snippet(cleaned, 256)),
				slog.Any("error", err))
			return fmt.Errorf("%w: %v", domain.ErrValidationRetry, err)
		}
		if err := dst.Validate(); err != nil {
			slog.Warn("agent response failed validation",
				slog.String("agent", string(agent)),
				slog.Any("error", err))
			return fmt.Errorf("%w: %v", domain.ErrValidationRetry, err)
		}
		return nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = validationRetryBase
	expo.Multiplier = 2
	bo := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(a.cfg.AgentInternalRetries)), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		// A response that never parsed or validated within the in-process
		// retry budget is a model-output defect, not an infrastructure
		// hiccup. Redelivering the whole pipeline would replay the same
		// prompt into the same failure, so it settles as permanent here.
		if errors.Is(err, domain.ErrValidationRetry) {
			return fmt.Errorf("op=pipeline.%s: %w: output invalid after %d retries: %v",
				agent, domain.ErrInvalidPayload, a.cfg.AgentInternalRetries, err)
		}
		return fmt.Errorf("op=pipeline.%s: %w", agent, err)
	}
	return nil
}

// fitBudget trims the oldest prompt context when the request would exceed
// the provider's window. The thought and instructions at the end of the
// prompt always survive; earlier lines are dropped first.
func (a *Agents) fitBudget(uc domain.UserContext, prompt string, maxTokens int) string {
	budget := a.cfg.MaxContextTokens - maxTokens
	if cap := a.ai.Capabilities().MaxContextTokens; cap > 0 && cap-maxTokens < budget {
		budget = cap - maxTokens
	}
	if budget <= 0 {
		return prompt
	}
	overhead := a.counter.EstimateTokens(systemPrompt+cacheableContext(uc), a.cfg.AIModel)
	used := overhead + a.counter.EstimateTokens(prompt, a.cfg.AIModel)
	if used <= budget {
		return prompt
	}
	// Drop from the front, roughly 4 bytes per token over budget. The
	// thought and instructions sit at the end of every prompt, so a tail
	// slice always survives even when the overrun exceeds the prompt.
	excess := (used - budget) * 4
	if excess >= len(prompt) {
		excess = len(prompt) * 3 / 4
	}
	trimmed := prompt[excess:]
	slog.Warn("prompt trimmed to fit context window",
		slog.Int("dropped_bytes", excess),
		slog.Int("budget_tokens", budget))
	return trimmed
}

// Classify runs agent 1: classification and entity extraction.
func (a *Agents) Classify(ctx context.Context, uc domain.UserContext, text string) (*domain.Classification, error) {
	prompt := fmt.Sprintf(`Analyze this thought and extract structured information:

THOUGHT: %q

Return ONLY a valid JSON object with these exact fields (no additional text):
- type: (task/problem/idea/question/observation/emotion)
- urgency: (immediate/soon/eventually/never)
- entities: {"people": [], "dates": [], "places": [], "topics": []}
- emotional_tone: (excited/anxious/frustrated/neutral/curious/overwhelmed/hopeful)
- implied_needs: [list of what the person might need]

Be specific and context-aware. Consider the user's background. RESPOND WITH ONLY JSON, NO MARKDOWN OR ADDITIONAL TEXT.`, text)

	out := &domain.Classification{}
	if err := a.generateJSON(ctx, uc, domain.StageClassification, prompt, 1000, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Analyze runs agent 2: deep contextual analysis.
func (a *Agents) Analyze(ctx context.Context, uc domain.UserContext, text string, classification *domain.Classification) (*domain.Analysis, error) {
	cls, _ := json.Marshal(classification)
	prompt := fmt.Sprintf(`Provide deep contextual analysis of this thought:

THOUGHT: %q
CLASSIFICATION: %s

Return ONLY a valid JSON object with these exact fields (no markdown, no additional text):
- goal_alignment: {"aligned_goals": [], "conflicting_goals": [], "reasoning": ""}
- underlying_needs: [deeper needs beyond surface thought]
- pattern_connections: [how this relates to user's recent challenges or patterns]
- realistic_assessment: {"feasibility": "", "given_constraints": "", "time_required": ""}
- unspoken_factors: [important considerations the user may not have mentioned]

Be honest, insightful, and consider the user's complete context. RESPOND WITH ONLY JSON, NO MARKDOWN OR ADDITIONAL TEXT.`, text, cls)

	out := &domain.Analysis{}
	if err := a.generateJSON(ctx, uc, domain.StageAnalysis, prompt, 1500, out); err != nil {
		return nil, err
	}
	return out, nil
}

// AssessValue runs agent 3: value impact scoring. The weighted total is
// recomputed here from the user's values ranking; the model's arithmetic
// is not trusted.
func (a *Agents) AssessValue(ctx context.Context, uc domain.UserContext, text string, classification *domain.Classification, analysis *domain.Analysis) (*domain.ValueImpact, error) {
	cls, _ := json.Marshal(classification)
	anl, _ := json.Marshal(analysis)
	ranking, _ := json.Marshal(uc.ValuesRanking())
	prompt := fmt.Sprintf(`Assess the value impact of pursuing this thought:

THOUGHT: %q
CLASSIFICATION: %s
ANALYSIS: %s

USER'S VALUES RANKING: %s

Evaluate impact on each dimension (0-10 scale).

Return ONLY a valid JSON object shaped exactly like this:
{
  "economic": {"score": 0, "reasoning": ""},
  "relational": {"score": 0, "reasoning": ""},
  "legacy": {"score": 0, "reasoning": ""},
  "health": {"score": 0, "reasoning": ""},
  "growth": {"score": 0, "reasoning": ""}
}

Be realistic and consider both positive and negative impacts. RESPOND WITH ONLY JSON, NO MARKDOWN OR ADDITIONAL TEXT.`, text, cls, anl, ranking)

	out := &domain.ValueImpact{}
	if err := a.generateJSON(ctx, uc, domain.StageValueImpact, prompt, 2000, out); err != nil {
		return nil, err
	}
	ApplyWeights(out, uc.ValuesRanking())
	return out, nil
}

// ApplyWeights computes the weighted total and top dimension from the
// per-dimension scores and the user's ranking.
func ApplyWeights(v *domain.ValueImpact, weights map[string]float64) {
	scores := v.Scores()
	var sum, wsum float64
	top := ""
	var topScore float64 = -1
	for _, dim := range domain.ValueDimensions() {
		w := weights[dim]
		s := scores[dim].Score
		sum += s * w
		wsum += w
		if s > topScore {
			topScore = s
			top = dim
		}
	}
	if wsum > 0 {
		v.WeightedTotal = sum / wsum
	}
	v.TopDimension = top
}

// PlanActions runs agent 4: concrete action planning.
func (a *Agents) PlanActions(ctx context.Context, uc domain.UserContext, text string, analysis *domain.Analysis, valueImpact *domain.ValueImpact) (*domain.ActionPlan, error) {
	anl, _ := json.Marshal(analysis)
	val, _ := json.Marshal(valueImpact)
	prompt := fmt.Sprintf(`Create a realistic action plan for this thought:

THOUGHT: %q
ANALYSIS: %s
VALUE IMPACT: %s

Return ONLY a valid JSON object shaped exactly like this:
{
  "quick_wins": [{"action": "", "duration": "<30min", "timing": "when to do this", "outcome": "expected result"}],
  "main_actions": [{"action": "", "duration": "", "prerequisites": [], "obstacles": [], "mitigation": "", "timing": "best time based on energy patterns"}],
  "delegation_opportunities": [{"task": "", "who": "who could help", "why": "benefit of delegating"}],
  "success_metrics": ["how to know it's working"]
}

Be specific and actionable. Consider the user's time and energy constraints. RESPOND WITH ONLY JSON, NO MARKDOWN OR ADDITIONAL TEXT.`, text, anl, val)

	out := &domain.ActionPlan{}
	if err := a.generateJSON(ctx, uc, domain.StageActionPlan, prompt, 2000, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Prioritize runs agent 5: priority level and timeline.
func (a *Agents) Prioritize(ctx context.Context, uc domain.UserContext, text string, actionPlan *domain.ActionPlan, valueImpact *domain.ValueImpact) (*domain.Priority, error) {
	plan, _ := json.Marshal(actionPlan)
	val, _ := json.Marshal(valueImpact)
	prompt := fmt.Sprintf(`Determine the priority for this thought:

THOUGHT: %q
ACTION PLAN: %s
VALUE IMPACT: %s

Return ONLY a valid JSON object shaped exactly like this:
{
  "priority_level": "Critical/High/Medium/Low/Defer",
  "urgency_reasoning": "",
  "strategic_fit": "how this fits user's goals",
  "recommended_timeline": {"start": "when to start", "duration": "how long to complete", "checkpoints": ["milestones to track"]},
  "final_recommendation": "clear next step"
}

Critical: Addresses urgent challenge or high-value opportunity
High: Important for goals, start this week
Medium: Valuable, schedule within month
Low: Nice to have, no rush
Defer: Not aligned with current priorities

RESPOND WITH ONLY JSON, NO MARKDOWN OR ADDITIONAL TEXT.`, text, plan, val)

	out := &domain.Priority{}
	if err := a.generateJSON(ctx, uc, domain.StagePriority, prompt, 1500, out); err != nil {
		return nil, err
	}
	return out, nil
}

package domain

import (
	"encoding/json"
	"fmt"
)

// StageName identifies one of the five pipeline stages.
type StageName string

// The five stages, in execution order.
const (
	StageClassification StageName = "classification"
	StageAnalysis       StageName = "analysis"
	StageValueImpact    StageName = "value_impact"
	StageActionPlan     StageName = "action_plan"
	StagePriority       StageName = "priority"
)

// TotalStages is the number of agents in the pipeline.
const TotalStages = 5

// StageOrder returns all stages in execution order.
func StageOrder() []StageName {
	return []StageName{StageClassification, StageAnalysis, StageValueImpact, StageActionPlan, StagePriority}
}

// Entities are the named items extracted from a thought by classification.
type Entities struct {
	People []string `json:"people"`
	Dates  []string `json:"dates"`
	Places []string `json:"places"`
	Topics []string `json:"topics"`
}

// Classification is the output of agent 1.
type Classification struct {
	Type          string   `json:"type"`
	Urgency       string   `json:"urgency"`
	Entities      Entities `json:"entities"`
	EmotionalTone string   `json:"emotional_tone"`
	ImpliedNeeds  []string `json:"implied_needs"`
}

var thoughtTypes = map[string]bool{
	"task": true, "problem": true, "idea": true,
	"question": true, "observation": true, "emotion": true,
}

var urgencies = map[string]bool{
	"immediate": true, "soon": true, "eventually": true, "never": true,
}

// Validate checks the classification against its fixed shape.
func (c Classification) Validate() error {
	if !thoughtTypes[c.Type] {
		return fmt.Errorf("%w: classification type %q", ErrValidationRetry, c.Type)
	}
	if !urgencies[c.Urgency] {
		return fmt.Errorf("%w: classification urgency %q", ErrValidationRetry, c.Urgency)
	}
	if c.EmotionalTone == "" {
		return fmt.Errorf("%w: classification emotional_tone empty", ErrValidationRetry)
	}
	return nil
}

// GoalAlignment describes how a thought relates to the user's stated goals.
type GoalAlignment struct {
	AlignedGoals     []string `json:"aligned_goals"`
	ConflictingGoals []string `json:"conflicting_goals"`
	Reasoning        string   `json:"reasoning"`
}

// RealisticAssessment is the feasibility portion of the analysis output.
type RealisticAssessment struct {
	Feasibility      string `json:"feasibility"`
	GivenConstraints string `json:"given_constraints"`
	TimeRequired     string `json:"time_required"`
}

// Analysis is the output of agent 2.
type Analysis struct {
	GoalAlignment       GoalAlignment       `json:"goal_alignment"`
	UnderlyingNeeds     []string            `json:"underlying_needs"`
	PatternConnections  []string            `json:"pattern_connections"`
	RealisticAssessment RealisticAssessment `json:"realistic_assessment"`
	UnspokenFactors     []string            `json:"unspoken_factors"`
}

// Validate checks the analysis against its fixed shape.
func (a Analysis) Validate() error {
	if a.GoalAlignment.Reasoning == "" {
		return fmt.Errorf("%w: analysis goal_alignment.reasoning empty", ErrValidationRetry)
	}
	return nil
}

// ValueScore is one scored dimension of the value impact output.
type ValueScore struct {
	Score     float64 `json:"score"`
	Reasoning string  `json:"reasoning"`
}

// ValueImpact is the output of agent 3. WeightedTotal and TopDimension are
// recomputed in code from the user's values ranking, never trusted from the
// model.
type ValueImpact struct {
	Economic      ValueScore `json:"economic"`
	Relational    ValueScore `json:"relational"`
	Legacy        ValueScore `json:"legacy"`
	Health        ValueScore `json:"health"`
	Growth        ValueScore `json:"growth"`
	WeightedTotal float64    `json:"weighted_total"`
	TopDimension  string     `json:"top_dimension"`
}

// ValueDimensions lists the scored dimensions in tie-break order.
func ValueDimensions() []string {
	return []string{"economic", "relational", "legacy", "health", "growth"}
}

// Scores returns the dimension scores keyed by dimension name.
func (v ValueImpact) Scores() map[string]ValueScore {
	return map[string]ValueScore{
		"economic":   v.Economic,
		"relational": v.Relational,
		"legacy":     v.Legacy,
		"health":     v.Health,
		"growth":     v.Growth,
	}
}

// Validate checks every dimension score is within [0, 10].
func (v ValueImpact) Validate() error {
	for name, s := range v.Scores() {
		if s.Score < 0 || s.Score > 10 {
			return fmt.Errorf("%w: value_impact %s score %v out of range", ErrValidationRetry, name, s.Score)
		}
	}
	return nil
}

// QuickWin is a short action with an immediate payoff.
type QuickWin struct {
	Action   string `json:"action"`
	Duration string `json:"duration"`
	Timing   string `json:"timing"`
	Outcome  string `json:"outcome"`
}

// MainAction is a substantial step in the action plan.
type MainAction struct {
	Action        string   `json:"action"`
	Duration      string   `json:"duration"`
	Prerequisites []string `json:"prerequisites"`
	Obstacles     []string `json:"obstacles"`
	Mitigation    string   `json:"mitigation"`
	Timing        string   `json:"timing"`
}

// Delegation names a task someone else could carry.
type Delegation struct {
	Task string `json:"task"`
	Who  string `json:"who"`
	Why  string `json:"why"`
}

// ActionPlan is the output of agent 4.
type ActionPlan struct {
	QuickWins               []QuickWin   `json:"quick_wins"`
	MainActions             []MainAction `json:"main_actions"`
	DelegationOpportunities []Delegation `json:"delegation_opportunities"`
	SuccessMetrics          []string     `json:"success_metrics"`
}

// Validate checks the action plan against its fixed shape.
func (p ActionPlan) Validate() error {
	if len(p.MainActions) == 0 {
		return fmt.Errorf("%w: action_plan main_actions empty", ErrValidationRetry)
	}
	for i, a := range p.MainActions {
		if a.Action == "" {
			return fmt.Errorf("%w: action_plan main_actions[%d].action empty", ErrValidationRetry, i)
		}
	}
	return nil
}

// Timeline is the recommended schedule from prioritization.
type Timeline struct {
	Start       string   `json:"start"`
	Duration    string   `json:"duration"`
	Checkpoints []string `json:"checkpoints"`
}

// Priority is the output of agent 5.
type Priority struct {
	PriorityLevel       string   `json:"priority_level"`
	UrgencyReasoning    string   `json:"urgency_reasoning"`
	StrategicFit        string   `json:"strategic_fit"`
	RecommendedTimeline Timeline `json:"recommended_timeline"`
	FinalRecommendation string   `json:"final_recommendation"`
}

var priorityLevels = map[string]bool{
	"Critical": true, "High": true, "Medium": true, "Low": true, "Defer": true,
}

// Validate checks the priority output against its fixed shape.
func (p Priority) Validate() error {
	if !priorityLevels[p.PriorityLevel] {
		return fmt.Errorf("%w: priority level %q", ErrValidationRetry, p.PriorityLevel)
	}
	if p.FinalRecommendation == "" {
		return fmt.Errorf("%w: priority final_recommendation empty", ErrValidationRetry)
	}
	return nil
}

// StageOutputs holds the five structured results of a pipeline run. A nil
// field means the stage has not completed; a set field is immutable for the
// lifetime of the thought.
type StageOutputs struct {
	Classification *Classification `json:"classification"`
	Analysis       *Analysis       `json:"analysis"`
	ValueImpact    *ValueImpact    `json:"value_impact"`
	ActionPlan     *ActionPlan     `json:"action_plan"`
	Priority       *Priority       `json:"priority"`
}

// Complete reports whether all five stage outputs are present.
func (s StageOutputs) Complete() bool {
	return s.Classification != nil && s.Analysis != nil && s.ValueImpact != nil &&
		s.ActionPlan != nil && s.Priority != nil
}

// Stage returns the named stage output, nil when the stage has not run.
func (s StageOutputs) Stage(name StageName) any {
	switch name {
	case StageClassification:
		if s.Classification != nil {
			return *s.Classification
		}
	case StageAnalysis:
		if s.Analysis != nil {
			return *s.Analysis
		}
	case StageValueImpact:
		if s.ValueImpact != nil {
			return *s.ValueImpact
		}
	case StageActionPlan:
		if s.ActionPlan != nil {
			return *s.ActionPlan
		}
	case StagePriority:
		if s.Priority != nil {
			return *s.Priority
		}
	}
	return nil
}

// MarshalStage serializes one stage output for persistence or events.
func MarshalStage(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("op=stage.marshal: %w", err)
	}
	return b, nil
}

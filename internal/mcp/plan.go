package mcp

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/polyvox/polyvox/internal/resilience"
	"github.com/polyvox/polyvox/pkg/types"
)

// Expertise tiers for capability assignment. The gap between tiers exceeds
// the largest possible weight bonus (performance·30 + reliability·20 = 50),
// so a specialised voice always outranks a merely fast one.
const (
	tierExpert    = 200
	tierPreferred = 100
	tierDefault   = 0

	performanceBonus = 30
	reliabilityBonus = 20
)

// CreateOrchestrationPlan builds an executable plan for the phase: one step
// per required capability, each assigned to the best-suited voice among
// voiceIDs. Data-flow edges and sync points from reqs may name steps either
// by ID or by capability.
//
// The plan is retained until [Coordinator.DropPlan]; execute it with
// [Coordinator.ExecuteOrchestrationPlan].
func (c *Coordinator) CreateOrchestrationPlan(ctx context.Context, phase Phase, voiceIDs []string, reqs PlanRequirements) (*Plan, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("mcp: create plan: %w", err)
	}
	if len(phase.RequiredCapabilities) == 0 {
		return nil, fmt.Errorf("mcp: create plan: phase %q requires no capabilities", phase.Name)
	}
	if len(voiceIDs) == 0 {
		return nil, fmt.Errorf("mcp: create plan: no voices for phase %q", phase.Name)
	}
	if phase.MaxExecutionTime <= 0 {
		return nil, fmt.Errorf("mcp: create plan: phase %q needs a positive max execution time", phase.Name)
	}
	if phase.QualityThreshold < 0 || phase.QualityThreshold > 1 {
		return nil, fmt.Errorf("mcp: create plan: quality threshold %g outside [0,1]", phase.QualityThreshold)
	}
	if phase.ExecutionMode == "" {
		phase.ExecutionMode = ExecAdaptive
	}
	if !phase.ExecutionMode.IsValid() {
		return nil, fmt.Errorf("mcp: create plan: unknown execution mode %q", phase.ExecutionMode)
	}
	if phase.ErrorTolerance == "" {
		phase.ErrorTolerance = ToleranceModerate
	}
	if !phase.ErrorTolerance.IsValid() {
		return nil, fmt.Errorf("mcp: create plan: unknown error tolerance %q", phase.ErrorTolerance)
	}

	voices := c.voiceProfiles(voiceIDs)
	stepTimeout := phase.MaxExecutionTime / time.Duration(len(phase.RequiredCapabilities))

	steps := make([]ToolStep, 0, len(phase.RequiredCapabilities))
	var assigned []string
	for i, capability := range phase.RequiredCapabilities {
		if capability == "" {
			return nil, fmt.Errorf("mcp: create plan: empty capability at position %d", i)
		}
		voiceID := assignVoice(capability, voiceIDs, voices)
		steps = append(steps, ToolStep{
			ID:         fmt.Sprintf("step-%d-%s", i+1, capability),
			VoiceID:    voiceID,
			Capability: capability,
			Parameters: reqs.Parameters[capability],
			Timeout:    stepTimeout,
			Retry:      resilience.DefaultRetryPolicy(),
		})
		if !slices.Contains(assigned, voiceID) {
			assigned = append(assigned, voiceID)
		}
	}

	dataFlow, err := resolveDataFlow(steps, reqs.DataFlow)
	if err != nil {
		return nil, err
	}
	for _, edge := range dataFlow {
		i := stepIndex(steps, edge.To)
		if !slices.Contains(steps[i].Dependencies, edge.From) {
			steps[i].Dependencies = append(steps[i].Dependencies, edge.From)
		}
	}
	for i := range steps {
		steps[i].Parallel = len(steps[i].Dependencies) == 0
	}
	if _, err := topoLevels(steps); err != nil {
		return nil, err
	}

	syncPoints := make([]string, 0, len(reqs.SyncPoints))
	for _, ref := range reqs.SyncPoints {
		id, err := resolveStepRef(steps, ref)
		if err != nil {
			return nil, fmt.Errorf("mcp: create plan: sync point: %w", err)
		}
		syncPoints = append(syncPoints, id)
	}

	for _, ref := range reqs.Optional {
		id, err := resolveStepRef(steps, ref)
		if err != nil {
			return nil, fmt.Errorf("mcp: create plan: optional step: %w", err)
		}
		steps[stepIndex(steps, id)].Optional = true
	}

	fallbacks := reqs.Fallbacks
	if len(fallbacks) == 0 {
		fallbacks = defaultFallbacks(phase.ErrorTolerance)
	}
	for _, fb := range fallbacks {
		if !fb.IsValid() {
			return nil, fmt.Errorf("mcp: create plan: unknown fallback strategy %q", fb)
		}
	}

	plan := &Plan{
		ID:         uuid.NewString(),
		Phase:      phase,
		VoiceIDs:   assigned,
		Steps:      steps,
		Strategy:   phase.ExecutionMode,
		DataFlow:   dataFlow,
		SyncPoints: syncPoints,
		Fallbacks:  fallbacks,
		CreatedAt:  time.Now(),
	}

	c.mu.Lock()
	c.plans[plan.ID] = plan
	c.mu.Unlock()

	c.logger.Info("orchestration plan created",
		"plan_id", plan.ID,
		"phase", phase.Name,
		"steps", len(steps),
		"strategy", plan.Strategy,
		"voices", assigned)
	c.stream.Publish(Event{Type: EventPlanCreated, PlanID: plan.ID})
	c.record("mcp.plan_created", 1)
	return plan, nil
}

// Plan returns a stored plan by ID.
func (c *Coordinator) Plan(id string) (*Plan, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.plans[id]
	return p, ok
}

// DropPlan removes a stored plan. Dropping an unknown ID is a no-op.
func (c *Coordinator) DropPlan(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.plans, id)
}

func (c *Coordinator) voiceProfiles(ids []string) map[string]types.Voice {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]types.Voice, len(ids))
	for _, id := range ids {
		out[id] = c.voices[id]
	}
	return out
}

// assignVoice picks the voice with the highest expertise score for the
// capability. Specialisations outrank preferred capabilities, which outrank
// everything else; weight bonuses break ties within a tier. Score ties go to
// the earlier voice in the list.
func assignVoice(capability string, order []string, voices map[string]types.Voice) string {
	best := order[0]
	bestScore := -1.0
	for _, id := range order {
		v := voices[id]
		score := float64(tierDefault)
		switch {
		case slices.Contains(v.Specializations, capability):
			score = tierExpert
		case slices.Contains(v.PreferredCapabilities, capability):
			score = tierPreferred
		}
		score += v.PerformanceWeight*performanceBonus + v.ReliabilityWeight*reliabilityBonus
		if score > bestScore {
			best = id
			bestScore = score
		}
	}
	return best
}

// defaultFallbacks maps an error tolerance onto its fallback menu.
func defaultFallbacks(tolerance ErrorTolerance) []FallbackStrategy {
	switch tolerance {
	case ToleranceStrict:
		return []FallbackStrategy{FallbackRetry}
	case ToleranceLenient:
		return []FallbackStrategy{FallbackSkip}
	default:
		return []FallbackStrategy{FallbackAlternativeServer}
	}
}

// resolveDataFlow normalises edge endpoints to step IDs and rejects
// self-edges and unknown references.
func resolveDataFlow(steps []ToolStep, edges []DataFlow) ([]DataFlow, error) {
	out := make([]DataFlow, 0, len(edges))
	for _, edge := range edges {
		from, err := resolveStepRef(steps, edge.From)
		if err != nil {
			return nil, fmt.Errorf("mcp: create plan: data flow: %w", err)
		}
		to, err := resolveStepRef(steps, edge.To)
		if err != nil {
			return nil, fmt.Errorf("mcp: create plan: data flow: %w", err)
		}
		if from == to {
			return nil, fmt.Errorf("mcp: create plan: data flow: step %q feeds itself", from)
		}
		out = append(out, DataFlow{From: from, To: to})
	}
	return out, nil
}

// resolveStepRef accepts either a step ID or a capability name (capabilities
// map 1:1 onto steps) and returns the step ID.
func resolveStepRef(steps []ToolStep, ref string) (string, error) {
	for _, s := range steps {
		if s.ID == ref {
			return s.ID, nil
		}
	}
	for _, s := range steps {
		if s.Capability == ref {
			return s.ID, nil
		}
	}
	return "", fmt.Errorf("no step matches %q", ref)
}

func stepIndex(steps []ToolStep, id string) int {
	for i := range steps {
		if steps[i].ID == id {
			return i
		}
	}
	return -1
}

// topoLevels orders steps into dependency levels: every step in level n
// depends only on steps in levels < n. Parallel execution runs one level at
// a time; sequential execution flattens the levels.
func topoLevels(steps []ToolStep) ([][]ToolStep, error) {
	indegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	byID := make(map[string]ToolStep, len(steps))
	for _, s := range steps {
		byID[s.ID] = s
		indegree[s.ID] = len(s.Dependencies)
		for _, dep := range s.Dependencies {
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	var levels [][]ToolStep
	placed := 0
	ready := make([]string, 0, len(steps))
	for _, s := range steps {
		if indegree[s.ID] == 0 {
			ready = append(ready, s.ID)
		}
	}
	for len(ready) > 0 {
		level := make([]ToolStep, 0, len(ready))
		var next []string
		for _, id := range ready {
			level = append(level, byID[id])
			placed++
			for _, dep := range dependents[id] {
				indegree[dep]--
				if indegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		levels = append(levels, level)
		ready = next
	}
	if placed != len(steps) {
		return nil, fmt.Errorf("mcp: create plan: dependency cycle among steps")
	}
	return levels, nil
}

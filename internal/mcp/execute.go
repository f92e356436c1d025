package mcp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Adaptive strategy thresholds over recent phase history.
const (
	adaptiveLatencyMs = 5000
	adaptiveErrorRate = 0.10
)

type stepStatus int

const (
	stepPending stepStatus = iota
	stepSucceeded
	stepFailed
	stepSkipped
)

// ExecuteOrchestrationPlan runs a stored plan and returns every step's
// response keyed by step ID. The phase's MaxExecutionTime bounds the whole
// run; exceeding it cancels in-flight steps.
//
// A plan succeeds when the fraction of successful steps among the counted
// ones (skipped and optional-failed steps shrink the denominator) reaches
// the phase's QualityThreshold. Otherwise the returned error wraps
// [ErrPlanQuality] together with every step failure.
func (c *Coordinator) ExecuteOrchestrationPlan(ctx context.Context, planID string) (map[string]VoiceResponse, error) {
	c.mu.Lock()
	plan, ok := c.plans[planID]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("mcp: execute plan %q: %w", planID, ErrUnknownPlan)
	}

	start := time.Now()
	strategy := c.resolveStrategy(plan)
	if plan.Phase.MaxExecutionTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, plan.Phase.MaxExecutionTime)
		defer cancel()
	}

	run := &planRun{
		c:       c,
		plan:    plan,
		shared:  c.sessions.Open(plan.ID),
		results: make(map[string]VoiceResponse, len(plan.Steps)),
		status:  make(map[string]stepStatus, len(plan.Steps)),
	}
	defer c.sessions.Release(plan.ID)

	switch strategy {
	case ExecSequential:
		run.runSequential(ctx)
	case ExecParallel:
		run.runParallel(ctx)
	default:
		run.runPipeline(ctx)
	}

	succeeded, failed, skipped := run.tally()
	counted := len(plan.Steps) - skipped
	rate := 0.0
	if counted > 0 {
		rate = float64(succeeded) / float64(counted)
	}
	duration := time.Since(start)

	if rate < plan.Phase.QualityThreshold || (counted == 0 && plan.Phase.QualityThreshold > 0) {
		planErr := errors.Join(append([]error{
			fmt.Errorf("mcp: plan %s: success rate %.2f below threshold %.2f: %w",
				plan.ID, rate, plan.Phase.QualityThreshold, ErrPlanQuality),
		}, run.errs...)...)
		c.logger.Warn("orchestration plan failed",
			"plan_id", plan.ID,
			"phase", plan.Phase.Name,
			"strategy", strategy,
			"succeeded", succeeded,
			"failed", failed,
			"skipped", skipped,
			"success_rate", rate,
			"duration_ms", duration.Milliseconds(),
			"error", planErr)
		c.stream.Publish(Event{
			Type:     EventPlanFailed,
			PlanID:   plan.ID,
			Duration: duration,
			Error:    planErr.Error(),
		})
		c.record("mcp.plan_duration_ms", float64(duration.Milliseconds()))
		c.record("mcp.plan_failure", 1)
		return run.results, planErr
	}

	c.logger.Info("orchestration plan completed",
		"plan_id", plan.ID,
		"phase", plan.Phase.Name,
		"strategy", strategy,
		"succeeded", succeeded,
		"failed", failed,
		"skipped", skipped,
		"success_rate", rate,
		"duration_ms", duration.Milliseconds())
	c.stream.Publish(Event{
		Type:     EventPlanCompleted,
		PlanID:   plan.ID,
		Duration: duration,
	})
	c.record("mcp.plan_duration_ms", float64(duration.Milliseconds()))
	c.record("mcp.plan_success", 1)
	c.record("mcp.plan_success_rate", rate)
	return run.results, nil
}

// resolveStrategy settles an adaptive plan against the phase's recent
// history: slow phases parallelise, flaky phases serialise, everything else
// pipelines. A phase with no history pipelines.
func (c *Coordinator) resolveStrategy(plan *Plan) ExecutionStrategy {
	if plan.Strategy != ExecAdaptive {
		return plan.Strategy
	}
	c.mu.Lock()
	w := c.phaseStats[plan.Phase.Name]
	c.mu.Unlock()
	if w == nil || w.samples() == 0 {
		return ExecPipeline
	}
	if w.mean() > adaptiveLatencyMs {
		return ExecParallel
	}
	if w.errorRate() > adaptiveErrorRate {
		return ExecSequential
	}
	return ExecPipeline
}

// planRun holds one execution's mutable state. runStep and its callees are
// safe to invoke from concurrent goroutines.
type planRun struct {
	c      *Coordinator
	plan   *Plan
	shared SharedData

	mu      sync.Mutex
	results map[string]VoiceResponse
	status  map[string]stepStatus
	errs    []error
}

func (r *planRun) runSequential(ctx context.Context) {
	levels, err := topoLevels(r.plan.Steps)
	if err != nil {
		r.failAll(err)
		return
	}
	for _, level := range levels {
		for _, step := range level {
			r.runStep(ctx, step)
		}
	}
}

// runParallel executes one dependency level at a time, all steps of a level
// concurrently.
func (r *planRun) runParallel(ctx context.Context) {
	levels, err := topoLevels(r.plan.Steps)
	if err != nil {
		r.failAll(err)
		return
	}
	for _, level := range levels {
		g := new(errgroup.Group)
		for _, step := range level {
			g.Go(func() error {
				r.runStep(ctx, step)
				return nil
			})
		}
		_ = g.Wait() // steps record their own failures
	}
}

// runPipeline launches steps the moment their dependencies settle and races
// completions. A completed sync-point step drains all in-flight work before
// anything new launches.
func (r *planRun) runPipeline(ctx context.Context) {
	syncSet := make(map[string]struct{}, len(r.plan.SyncPoints))
	for _, id := range r.plan.SyncPoints {
		syncSet[id] = struct{}{}
	}
	pending := make(map[string]ToolStep, len(r.plan.Steps))
	for _, s := range r.plan.Steps {
		pending[s.ID] = s
	}

	done := make(chan string)
	inFlight := 0
	draining := false

	for len(pending) > 0 || inFlight > 0 {
		if !draining {
			// Launch in plan order for determinism.
			for _, step := range r.plan.Steps {
				s, ok := pending[step.ID]
				if !ok || !r.depsSettled(s) {
					continue
				}
				delete(pending, s.ID)
				inFlight++
				go func() {
					r.runStep(ctx, s)
					done <- s.ID
				}()
			}
		}
		if inFlight == 0 {
			// Nothing running and nothing ready: only possible on a cycle,
			// which plan creation rejects.
			break
		}
		id := <-done
		inFlight--
		if _, isSync := syncSet[id]; isSync && inFlight > 0 {
			draining = true
		}
		if inFlight == 0 {
			draining = false
		}
	}
}

// runStep executes one step end to end: dependency gate, request, fallback
// rescue, bookkeeping.
func (r *planRun) runStep(ctx context.Context, step ToolStep) {
	if dep, ok := r.unmetDependency(step); ok {
		err := fmt.Errorf("mcp: step %s: dependency %s did not complete: %w", step.ID, dep, ErrDependencyFailed)
		// A step whose input never materialised cannot be retried or
		// rerouted; only skip can rescue it.
		if r.menuHas(FallbackSkip) {
			r.skip(step, err)
			return
		}
		r.fail(step, VoiceResponse{VoiceID: step.VoiceID, Capability: step.Capability}, err)
		return
	}

	resp := r.c.execute(ctx, r.buildRequest(step), nil)
	if ok, err := stepOutcome(step, resp); !ok {
		r.rescue(ctx, step, resp, err)
		return
	}
	r.succeed(step, resp)
}

// rescue walks the plan's fallback menu in order until one entry settles the
// step.
func (r *planRun) rescue(ctx context.Context, step ToolStep, last VoiceResponse, lastErr error) {
	for _, fb := range r.plan.Fallbacks {
		r.c.logger.Debug("applying step fallback",
			"plan_id", r.plan.ID,
			"step_id", step.ID,
			"fallback", fb,
			"cause", lastErr)
		switch fb {
		case FallbackRetry:
			resp := r.c.execute(ctx, r.buildRequest(step), nil)
			ok, err := stepOutcome(step, resp)
			if ok {
				r.succeed(step, resp)
				return
			}
			last, lastErr = resp, err

		case FallbackAlternativeServer:
			if last.ServerID == "" {
				continue // no server was reached; nothing to route around
			}
			resp := r.c.execute(ctx, r.buildRequest(step), []string{last.ServerID})
			ok, err := stepOutcome(step, resp)
			if ok {
				r.succeed(step, resp)
				return
			}
			last, lastErr = resp, err

		case FallbackAlternativeCapability:
			alt, found := r.c.directory.NearestCapability(step.Capability)
			if !found {
				continue
			}
			altStep := step
			altStep.Capability = alt
			resp := r.c.execute(ctx, r.buildRequest(altStep), nil)
			ok, err := stepOutcome(altStep, resp)
			if ok {
				r.succeed(step, resp)
				return
			}
			last, lastErr = resp, err

		case FallbackSkip:
			r.skip(step, lastErr)
			return

		case FallbackFail:
			r.fail(step, last, lastErr)
			return
		}
	}
	r.fail(step, last, lastErr)
}

// buildRequest assembles the step's request, injecting upstream results
// declared by the plan's data-flow edges.
func (r *planRun) buildRequest(step ToolStep) VoiceRequest {
	reqCtx := map[string]any{
		"plan_id": r.plan.ID,
		"step_id": step.ID,
	}
	r.mu.Lock()
	for _, edge := range r.plan.DataFlow {
		if edge.To != step.ID {
			continue
		}
		if resp, ok := r.results[edge.From]; ok && resp.Success {
			reqCtx["data:"+edge.From] = resp.Result
		}
	}
	r.mu.Unlock()
	return VoiceRequest{
		RequestID:  uuid.NewString(),
		VoiceID:    step.VoiceID,
		Phase:      r.plan.Phase.Name,
		Capability: step.Capability,
		Parameters: step.Parameters,
		Context:    reqCtx,
		Timeout:    step.Timeout,
		Retry:      step.Retry,
	}
}

// stepOutcome classifies a response against the step's own bounds.
func stepOutcome(step ToolStep, resp VoiceResponse) (bool, error) {
	if !resp.Success {
		return false, resp.Err
	}
	if step.MaxResponseTime > 0 && resp.Duration > step.MaxResponseTime {
		return false, fmt.Errorf("mcp: step %s: response took %s, limit %s",
			step.ID, resp.Duration.Round(time.Millisecond), step.MaxResponseTime)
	}
	return true, nil
}

func (r *planRun) succeed(step ToolStep, resp VoiceResponse) {
	r.mu.Lock()
	r.results[step.ID] = resp
	r.status[step.ID] = stepSucceeded
	r.mu.Unlock()
	if r.sharesData(step.ID) {
		r.shared.Set("data:"+step.ID, resp.Result)
	}
}

func (r *planRun) fail(step ToolStep, resp VoiceResponse, err error) {
	resp.Success = false
	if resp.Err == nil {
		resp.Err = err
	}
	r.mu.Lock()
	r.results[step.ID] = resp
	if step.Optional {
		// Optional failures don't count against plan quality.
		r.status[step.ID] = stepSkipped
	} else {
		r.status[step.ID] = stepFailed
		r.errs = append(r.errs, fmt.Errorf("step %s (%s): %w", step.ID, step.Capability, err))
	}
	r.mu.Unlock()
}

func (r *planRun) skip(step ToolStep, cause error) {
	r.mu.Lock()
	r.results[step.ID] = VoiceResponse{
		VoiceID:    step.VoiceID,
		Capability: step.Capability,
		Err:        errors.Join(ErrStepSkipped, cause),
	}
	r.status[step.ID] = stepSkipped
	r.mu.Unlock()
	r.c.logger.Debug("step skipped", "plan_id", r.plan.ID, "step_id", step.ID, "cause", cause)
}

// failAll records one error against every step. Used when ordering itself
// fails, which plan creation normally prevents.
func (r *planRun) failAll(err error) {
	for _, step := range r.plan.Steps {
		r.fail(step, VoiceResponse{VoiceID: step.VoiceID, Capability: step.Capability}, err)
	}
}

// unmetDependency returns the first dependency that did not complete
// successfully.
func (r *planRun) unmetDependency(step ToolStep) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, dep := range step.Dependencies {
		if r.status[dep] != stepSucceeded {
			return dep, true
		}
	}
	return "", false
}

// depsSettled reports whether every dependency reached a terminal status.
func (r *planRun) depsSettled(step ToolStep) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, dep := range step.Dependencies {
		if r.status[dep] == stepPending {
			return false
		}
	}
	return true
}

func (r *planRun) menuHas(fb FallbackStrategy) bool {
	for _, f := range r.plan.Fallbacks {
		if f == fb {
			return true
		}
	}
	return false
}

func (r *planRun) sharesData(stepID string) bool {
	for _, edge := range r.plan.DataFlow {
		if edge.From == stepID {
			return true
		}
	}
	return false
}

func (r *planRun) tally() (succeeded, failed, skipped int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, st := range r.status {
		switch st {
		case stepSucceeded:
			succeeded++
		case stepFailed:
			failed++
		case stepSkipped:
			skipped++
		}
	}
	return succeeded, failed, skipped
}

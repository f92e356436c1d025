// Package council runs one multi-voice deliberation round end to end:
// select a team for the task, dispatch the prompt to every member
// concurrently, synthesize whatever responses arrive, and feed the outcome
// back into the learning store.
//
// The council tolerates partial failure. A voice whose backend errors or
// times out is dropped from the round; as long as one response arrives the
// round proceeds to synthesis. Only a round with zero responses fails, with
// [ErrNoResponses].
package council

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/polyvox/polyvox/internal/synthesis"
	"github.com/polyvox/polyvox/internal/voice"
	"github.com/polyvox/polyvox/pkg/backend"
	"github.com/polyvox/polyvox/pkg/memory"
	"github.com/polyvox/polyvox/pkg/types"
)

// ErrNoResponses is returned when every voice in the round failed and there
// is nothing to synthesize.
var ErrNoResponses = errors.New("council: no voice responses")

const (
	defaultMaxConcurrent = 5
	defaultVoiceTimeout  = 60 * time.Second
	defaultTemperature   = 0.7

	// maxSuggestions bounds the follow-up actions copied from synthesis
	// adjustments into the learning record.
	maxSuggestions = 3
)

// BackendResolver maps a voice to the model backend that serves it. Voices
// routinely share one backend; the resolver is called once per voice per
// round.
type BackendResolver func(v types.Voice) (backend.Backend, error)

// ContextSource assembles a memory-derived context block for the prompt.
// Implemented by internal/promptctx. An assembly failure is logged and the
// round proceeds without the block; a memory outage never blocks an answer.
type ContextSource interface {
	Assemble(ctx context.Context, query, projectPath string) (string, error)
}

// Metrics receives the round measurements. Implemented by
// internal/analytics.
type Metrics interface {
	Record(series string, value float64)
}

// VoiceFailure records one voice that produced no response this round.
type VoiceFailure struct {
	VoiceID string
	Err     error
}

// Result is the outcome of one deliberation round.
type Result struct {
	// SessionID identifies this round across subsystems.
	SessionID string

	// Selection is the team verdict the round ran with.
	Selection voice.Selection

	// Responses are the collected voice answers, in team order.
	Responses []types.AgentResponse

	// Failures lists the voices that produced no response.
	Failures []VoiceFailure

	// Synthesis is the combined answer.
	Synthesis synthesis.Result

	// Duration is the wall-clock length of the round.
	Duration time.Duration

	// LearningID is the stored learning record's id, empty when the write
	// was skipped or failed.
	LearningID string
}

// Council orchestrates deliberation rounds. All methods are safe for
// concurrent use; rounds share no mutable state.
type Council struct {
	selector *voice.Selector
	resolve  BackendResolver
	synth    *synthesis.Engine

	store   memory.Store
	source  ContextSource
	metrics Metrics
	logger  *slog.Logger

	synthCfg      synthesis.Config
	maxConcurrent int
	voiceTimeout  time.Duration
	temperature   float64
	maxTokens     int
	projectPath   string
}

// Option configures a [Council] during construction.
type Option func(*Council)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Council) { c.logger = l }
}

// WithMemory sets the learning store that receives one record per completed
// round. Without it rounds run but learn nothing.
func WithMemory(s memory.Store) Option {
	return func(c *Council) { c.store = s }
}

// WithContextSource sets the prompt-context assembler consulted before
// dispatch.
func WithContextSource(src ContextSource) Option {
	return func(c *Council) { c.source = src }
}

// WithMetrics sets the sink for round measurements.
func WithMetrics(m Metrics) Option {
	return func(c *Council) { c.metrics = m }
}

// WithSynthesisConfig sets the synthesis configuration applied to every
// round. The zero value uses the synthesis defaults.
func WithSynthesisConfig(cfg synthesis.Config) Option {
	return func(c *Council) { c.synthCfg = cfg }
}

// WithMaxConcurrent bounds the number of voices dispatched at once.
// Values below 1 are ignored. The default is 5.
func WithMaxConcurrent(n int) Option {
	return func(c *Council) {
		if n >= 1 {
			c.maxConcurrent = n
		}
	}
}

// WithVoiceTimeout sets the per-voice dispatch timeout used when the task
// carries no time constraint. The default is 60 seconds.
func WithVoiceTimeout(d time.Duration) Option {
	return func(c *Council) {
		if d > 0 {
			c.voiceTimeout = d
		}
	}
}

// WithTemperature sets the sampling temperature for voice completions.
// The default is 0.7.
func WithTemperature(t float64) Option {
	return func(c *Council) { c.temperature = t }
}

// WithMaxTokens caps completion tokens per voice. Zero leaves the backend
// default in place.
func WithMaxTokens(n int) Option {
	return func(c *Council) { c.maxTokens = n }
}

// WithProjectPath scopes learning records and context assembly to a project.
func WithProjectPath(path string) Option {
	return func(c *Council) { c.projectPath = path }
}

// New creates a Council. selector, resolve and synth must be non-nil.
func New(selector *voice.Selector, resolve BackendResolver, synth *synthesis.Engine, opts ...Option) *Council {
	c := &Council{
		selector:      selector,
		resolve:       resolve,
		synth:         synth,
		logger:        slog.Default(),
		maxConcurrent: defaultMaxConcurrent,
		voiceTimeout:  defaultVoiceTimeout,
		temperature:   defaultTemperature,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ─── Deliberation ────────────────────────────────────────────────────────────

// Deliberate runs one full round for task: selection, concurrent dispatch,
// synthesis, learning.
//
// Cancellation aborts in-flight voice calls and returns ctx's error; a
// cancelled round stores no learning. A round in which every voice failed
// returns an error wrapping [ErrNoResponses] together with the per-voice
// causes.
func (c *Council) Deliberate(ctx context.Context, task voice.TaskContext) (*Result, error) {
	start := time.Now()

	sel, err := c.selector.Select(ctx, task)
	if err != nil {
		return nil, fmt.Errorf("council: select voices: %w", err)
	}

	res := &Result{
		SessionID: uuid.NewString(),
		Selection: sel,
	}
	res.Responses, res.Failures = c.dispatchRound(ctx, task, sel.Voices)

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("council: %w", err)
	}
	if len(res.Responses) == 0 {
		errs := make([]error, 0, len(res.Failures)+1)
		errs = append(errs, ErrNoResponses)
		for _, f := range res.Failures {
			errs = append(errs, fmt.Errorf("%s: %w", f.VoiceID, f.Err))
		}
		return nil, errors.Join(errs...)
	}

	res.Synthesis, err = c.synth.Synthesize(ctx, res.Responses, c.synthCfg)
	if err != nil {
		return nil, fmt.Errorf("council: synthesize: %w", err)
	}
	res.Duration = time.Since(start)

	// A round cancelled mid-flight leaves no trace in the learning store.
	if ctx.Err() == nil && c.store != nil {
		id, err := c.store.StoreLearning(ctx, c.learningFrom(task, res))
		if err != nil {
			c.logger.Warn("council: store learning",
				"error", err,
				"session", res.SessionID)
		} else {
			res.LearningID = id
		}
	}

	c.record(res)
	return res, nil
}

// dispatchRound fans the prompt out to the team, at most maxConcurrent
// voices in flight, each bounded by the task's time constraint (or the
// configured per-voice timeout). Failures are collected, not propagated.
func (c *Council) dispatchRound(ctx context.Context, task voice.TaskContext, team []types.Voice) ([]types.AgentResponse, []VoiceFailure) {
	timeout := c.voiceTimeout
	if task.TimeConstraint > 0 {
		timeout = task.TimeConstraint
	}

	block := c.promptBlock(ctx, task)

	type slot struct {
		resp types.AgentResponse
		err  error
		ok   bool
	}
	slots := make([]slot, len(team))

	var eg errgroup.Group
	eg.SetLimit(c.maxConcurrent)
	for i, v := range team {
		eg.Go(func() error {
			resp, err := c.ask(ctx, task, v, block, timeout)
			if err != nil {
				slots[i] = slot{err: err}
				return nil
			}
			slots[i] = slot{resp: resp, ok: true}
			return nil
		})
	}
	// Per-voice failures are tolerated, so Wait never returns an error.
	_ = eg.Wait()

	var responses []types.AgentResponse
	var failures []VoiceFailure
	for i, s := range slots {
		switch {
		case s.ok:
			responses = append(responses, s.resp)
		case s.err != nil:
			c.logger.Warn("council: voice dropped from round",
				"voice", team[i].ID,
				"error", s.err)
			failures = append(failures, VoiceFailure{VoiceID: team[i].ID, Err: s.err})
		}
	}
	return responses, failures
}

// ask runs one voice's completion. The voice's historical success rate
// serves as the confidence prior; backends report no confidence of their
// own.
func (c *Council) ask(ctx context.Context, task voice.TaskContext, v types.Voice, block string, timeout time.Duration) (types.AgentResponse, error) {
	b, err := c.resolve(v)
	if err != nil {
		return types.AgentResponse{}, fmt.Errorf("resolve backend: %w", err)
	}

	req := backend.CompletionRequest{
		Messages:     []types.Message{{Role: "user", Content: task.Prompt}},
		Temperature:  c.temperature,
		MaxTokens:    c.maxTokens,
		SystemPrompt: systemPrompt(v, block),
		VoiceID:      v.ID,
	}

	// Budget gate: never send a prompt the model cannot hold. Estimation
	// failures are ignored; the backend will reject oversized input itself.
	if caps := b.Capabilities(); caps.ContextWindow > 0 {
		if count, err := b.CountTokens(req.Messages); err == nil && count > caps.ContextWindow {
			return types.AgentResponse{}, fmt.Errorf("prompt of %d tokens exceeds the %d token context window", count, caps.ContextWindow)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := b.Complete(callCtx, req)
	if err != nil {
		return types.AgentResponse{}, fmt.Errorf("complete: %w", err)
	}
	if resp == nil || resp.Content == "" {
		return types.AgentResponse{}, errors.New("empty completion")
	}

	return types.AgentResponse{
		VoiceID:    v.ID,
		Content:    resp.Content,
		Confidence: v.SuccessRate,
		TokensUsed: resp.Usage.TotalTokens,
	}, nil
}

// promptBlock assembles the memory-derived context block, or "" when no
// source is configured or assembly fails.
func (c *Council) promptBlock(ctx context.Context, task voice.TaskContext) string {
	if c.source == nil {
		return ""
	}
	block, err := c.source.Assemble(ctx, task.Prompt, c.projectPath)
	if err != nil {
		c.logger.Warn("council: assemble prompt context", "error", err)
		return ""
	}
	return block
}

// ─── Learning ────────────────────────────────────────────────────────────────

// learningFrom builds the learning record for a completed round.
func (c *Council) learningFrom(task voice.TaskContext, res *Result) memory.Learning {
	intent := task.Category
	if intent == "" {
		intent = string(res.Selection.Complexity)
	}

	tasks := make([]string, 0, len(res.Responses))
	for _, r := range res.Responses {
		tasks = append(tasks, fmt.Sprintf("perspective from %s", r.VoiceID))
	}

	team := strings.Join(respondedIDs(res.Responses), "+")
	items := []memory.LearningItem{{
		Type: "voice_pairing",
		Description: fmt.Sprintf("%s handled a %s %s task via %s synthesis",
			team, res.Selection.Complexity, intent, res.Synthesis.Strategy),
		Confidence: res.Synthesis.Confidence,
	}}
	for _, conflict := range res.Synthesis.Conflicts.Conflicts {
		items = append(items, memory.LearningItem{
			Type: "conflict_resolution",
			Description: fmt.Sprintf("%s; settled by the %s strategy",
				conflict.Description, res.Synthesis.Strategy),
			Confidence: res.Synthesis.Conflicts.AgreementLevel,
		})
	}

	var suggestions []string
	for _, a := range res.Synthesis.Adjustments {
		if len(suggestions) == maxSuggestions {
			break
		}
		if a.Action != "" && !slices.Contains(suggestions, a.Action) {
			suggestions = append(suggestions, a.Action)
		}
	}

	return memory.Learning{
		SessionID:      res.SessionID,
		UserInput:      task.Prompt,
		Intent:         intent,
		TasksCompleted: tasks,
		Success:        res.Synthesis.Success,
		Duration:       res.Duration,
		Learnings:      items,
		Suggestions:    suggestions,
		ProjectPath:    c.projectPath,
		Confidence:     res.Synthesis.Confidence,
		CreatedAt:      res.Synthesis.Timestamp,
		Metadata: map[string]any{
			"voices":    respondedIDs(res.Responses),
			"mode":      string(res.Selection.Mode),
			"strategy":  string(res.Synthesis.Strategy),
			"agreement": res.Synthesis.Conflicts.AgreementLevel,
			"failures":  len(res.Failures),
		},
	}
}

// record pushes the round measurements to the metrics sink.
func (c *Council) record(res *Result) {
	if c.metrics == nil {
		return
	}
	c.metrics.Record("council.duration_ms", float64(res.Duration.Milliseconds()))
	c.metrics.Record("council.responses", float64(len(res.Responses)))
	c.metrics.Record("council.failures", float64(len(res.Failures)))
	c.metrics.Record("council.quality", res.Synthesis.Quality.Overall)
	c.metrics.Record("council.agreement", res.Synthesis.Conflicts.AgreementLevel)
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// systemPrompt joins the voice persona with the optional context block.
func systemPrompt(v types.Voice, block string) string {
	if block == "" {
		return v.SystemPrompt
	}
	if v.SystemPrompt == "" {
		return block
	}
	return v.SystemPrompt + "\n\n" + block
}

func respondedIDs(responses []types.AgentResponse) []string {
	ids := make([]string, len(responses))
	for i, r := range responses {
		ids[i] = r.VoiceID
	}
	return ids
}

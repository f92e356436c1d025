// Package synthesis combines the responses of a voice team into one answer.
//
// The engine runs a fixed pipeline:
//
//  1. Resolve the synthesis mode (adaptive mode inspects the responses).
//  2. Compute per-voice weights under the configured weighting strategy.
//  3. Analyse conflicts: pairwise agreement plus categorical splits such as
//     object-oriented versus functional positions.
//  4. Run the resolved strategy to produce the combined content.
//  5. Score the output (coherence, completeness, accuracy, innovation,
//     practicality) and, when adaptive refinement is enabled, retry below
//     the quality threshold.
//
// Synthesis never denies the caller an answer: any internal failure yields a
// degraded fallback result built from the first response.
package synthesis

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/polyvox/polyvox/internal/events"
	"github.com/polyvox/polyvox/pkg/types"
)

// ErrEmptyInput is returned by Synthesize when no responses were supplied.
var ErrEmptyInput = errors.New("no responses to synthesize")

// Mode selects how responses are combined.
type Mode string

const (
	ModeCompetitive   Mode = "competitive"
	ModeCollaborative Mode = "collaborative"
	ModeConsensus     Mode = "consensus"
	ModeHierarchical  Mode = "hierarchical"
	ModeDialectical   Mode = "dialectical"

	// ModeAdaptive resolves to one of the concrete modes per response set.
	ModeAdaptive Mode = "adaptive"
)

// IsValid reports whether m is a recognised synthesis mode.
func (m Mode) IsValid() bool {
	switch m {
	case ModeCompetitive, ModeCollaborative, ModeConsensus,
		ModeHierarchical, ModeDialectical, ModeAdaptive:
		return true
	}
	return false
}

// WeightingStrategy selects how per-voice weights are derived.
type WeightingStrategy string

const (
	WeightConfidence  WeightingStrategy = "confidence-based"
	WeightExpertise   WeightingStrategy = "expertise-based"
	WeightBalanced    WeightingStrategy = "balanced"
	WeightPerformance WeightingStrategy = "performance-based"
)

// IsValid reports whether w is a recognised weighting strategy.
func (w WeightingStrategy) IsValid() bool {
	switch w {
	case WeightConfidence, WeightExpertise, WeightBalanced, WeightPerformance:
		return true
	}
	return false
}

// ConflictResolution names the approach recorded for resolving conflicts.
type ConflictResolution string

const (
	ResolveMajorityRule    ConflictResolution = "majority-rule"
	ResolveExpertAuthority ConflictResolution = "expert-authority"
	ResolveWeightedAverage ConflictResolution = "weighted-average"
	ResolveSynthesis       ConflictResolution = "synthesis"
	ResolveDialectical     ConflictResolution = "dialectical"
)

// Severity grades how strongly two voices disagree.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Config tunes one synthesis run. The zero value resolves to the defaults
// via withDefaults, so callers may pass Config{}.
type Config struct {
	// Mode is the synthesis strategy; adaptive resolves per response set.
	Mode Mode

	// QualityThreshold is the overall score below which adaptive refinement
	// engages, in [0,100].
	QualityThreshold float64

	// MaxIterations bounds refinement retries.
	MaxIterations int

	// Weighting selects the voice-weight derivation.
	Weighting WeightingStrategy

	// ConflictResolution is recorded in the conflict analysis.
	ConflictResolution ConflictResolution

	// EnableAdaptive turns on quality-driven refinement.
	EnableAdaptive bool

	// Timeout bounds the surrounding voice dispatch, not the synthesis
	// computation itself, which is CPU-bound and short.
	Timeout time.Duration
}

const (
	defaultQualityThreshold = 75
	defaultMaxIterations    = 3
	defaultTimeout          = 30 * time.Second
)

func (c Config) withDefaults() Config {
	if c.Mode == "" {
		c.Mode = ModeCollaborative
	}
	if c.QualityThreshold == 0 {
		c.QualityThreshold = defaultQualityThreshold
	}
	if c.MaxIterations == 0 {
		c.MaxIterations = defaultMaxIterations
	}
	if c.Weighting == "" {
		c.Weighting = WeightBalanced
	}
	if c.ConflictResolution == "" {
		c.ConflictResolution = ResolveSynthesis
	}
	if c.Timeout == 0 {
		c.Timeout = defaultTimeout
	}
	return c
}

// Conflict is a categorical disagreement between two voices.
type Conflict struct {
	ID          string
	Topic       string
	VoiceAID    string
	VoiceBID    string
	Severity    Severity
	Description string
}

// ConflictAnalysis aggregates the agreement picture of one response set.
type ConflictAnalysis struct {
	// AgreementLevel is the mean pairwise similarity in [0,1].
	AgreementLevel float64

	// ConflictingTopics lists the distinct topics under dispute.
	ConflictingTopics []string

	// ResolutionStrategy is the configured approach for resolving conflicts.
	ResolutionStrategy ConflictResolution

	// Conflicts holds the detected categorical conflicts.
	Conflicts []Conflict
}

// QualityMetrics scores a synthesis output, each dimension in [0,100].
type QualityMetrics struct {
	Coherence    float64
	Completeness float64
	Accuracy     float64
	Innovation   float64
	Practicality float64
	Overall      float64
}

// Adjustment records one refinement action taken (or recommended) after a
// quality shortfall. Adjustments make refinement transparent: the reported
// strategy never changes silently.
type Adjustment struct {
	// Metric is the quality dimension that fell short.
	Metric string

	// Score is the metric's value at the time of the adjustment.
	Score float64

	// Action describes what the refinement did or would improve.
	Action string
}

// Result is the outcome of one synthesis run.
type Result struct {
	// Success is false only on the degraded fallback path.
	Success bool

	// CombinedContent is the synthesized answer.
	CombinedContent string

	// VoicesUsed lists the contributing voice IDs in input order.
	VoicesUsed []string

	// Confidence is the strategy's confidence in [0,1].
	Confidence float64

	// Strategy is the resolved mode that produced the result.
	Strategy Mode

	// Quality scores the combined content.
	Quality QualityMetrics

	// Conflicts is the conflict analysis for the response set.
	Conflicts ConflictAnalysis

	// Weights holds the normalized per-voice weights.
	Weights []types.VoiceWeight

	// Adjustments records refinement activity; empty unless adaptive
	// refinement engaged.
	Adjustments []Adjustment

	// Timestamp is when the result was produced (UTC).
	Timestamp time.Time
}

// EventType names a synthesis event on the event stream.
type EventType string

const (
	EventStarted          EventType = "synthesis-started"
	EventConflictDetected EventType = "conflict-detected"
	EventConflictResolved EventType = "conflict-resolved"
	EventCompleted        EventType = "synthesis-completed"
)

// Event is published at pipeline milestones. Fields beyond Type are filled
// as applicable to the event.
type Event struct {
	Type      EventType
	Strategy  Mode
	VoiceIDs  []string
	Topic     string
	Severity  Severity
	Agreement float64
	Quality   float64
}

// categoricalPair is one configured categorical conflict: responses that
// split between the two token sets disagree on the topic.
type categoricalPair struct {
	topic string
	a     []string
	b     []string
}

// Engine synthesizes voice responses. It is stateless between calls apart
// from its immutable configuration and is safe for concurrent use.
type Engine struct {
	logger       *slog.Logger
	stream       *events.Stream[Event]
	expertise    map[string]float64
	domainTokens []string
	categorical  []categoricalPair
}

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithExpertise replaces the voiceID→expertise table used by the
// expertise-based weighting strategy. Unlisted voices weigh defaultExpertise.
func WithExpertise(table map[string]float64) Option {
	return func(e *Engine) {
		m := make(map[string]float64, len(table))
		for k, v := range table {
			m[k] = v
		}
		e.expertise = m
	}
}

// WithCategoricalConflict registers an additional categorical conflict:
// responses splitting between the two token sets raise a conflict on topic.
func WithCategoricalConflict(topic string, setA, setB []string) Option {
	return func(e *Engine) {
		e.categorical = append(e.categorical, categoricalPair{
			topic: topic,
			a:     append([]string(nil), setA...),
			b:     append([]string(nil), setB...),
		})
	}
}

// NewEngine constructs a synthesis engine with the given options applied on
// top of the defaults.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		logger:       slog.Default(),
		stream:       events.NewStream[Event](events.DefaultBuffer),
		expertise:    defaultExpertise(),
		domainTokens: append([]string(nil), defaultDomainTokens...),
		categorical:  []categoricalPair{paradigmConflict()},
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Events returns the synthesis event stream.
func (e *Engine) Events() *events.Stream[Event] { return e.stream }

// Close releases the event stream. The engine must not be used afterwards.
func (e *Engine) Close() error {
	e.stream.Close()
	return nil
}

// Synthesize combines responses into a single result under cfg.
//
// It returns ErrEmptyInput for an empty response set. Every other failure is
// absorbed: the result degrades to the first response's content with
// success=false, so a caller holding at least one response always gets an
// answer.
func (e *Engine) Synthesize(ctx context.Context, responses []types.AgentResponse, cfg Config) (Result, error) {
	if len(responses) == 0 {
		return Result{}, ErrEmptyInput
	}
	cfg = cfg.withDefaults()

	// Backends that cannot score themselves report zero confidence; treat
	// those as neutral.
	responses = defaultConfidences(responses)
	voiceIDs := responseVoiceIDs(responses)

	e.stream.Publish(Event{Type: EventStarted, Strategy: cfg.Mode, VoiceIDs: voiceIDs})

	res, err := e.run(ctx, responses, cfg)
	if err != nil {
		e.logger.Warn("synthesis degraded to fallback",
			"error", err,
			"voices", voiceIDs,
			"mode", string(cfg.Mode))
		res = e.fallback(responses, cfg)
	}

	e.stream.Publish(Event{
		Type:      EventCompleted,
		Strategy:  res.Strategy,
		VoiceIDs:  voiceIDs,
		Agreement: res.Conflicts.AgreementLevel,
		Quality:   res.Quality.Overall,
	})
	return res, nil
}

// run executes the synthesis pipeline. Errors bubble to the fallback path.
func (e *Engine) run(ctx context.Context, responses []types.AgentResponse, cfg Config) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	analysis := e.analyzeConflicts(responses, cfg.ConflictResolution)
	for _, c := range analysis.Conflicts {
		e.stream.Publish(Event{
			Type:     EventConflictDetected,
			Topic:    c.Topic,
			Severity: c.Severity,
			VoiceIDs: []string{c.VoiceAID, c.VoiceBID},
		})
	}

	mode := e.resolveMode(cfg.Mode, responses, analysis)

	weights, err := e.computeWeights(responses, cfg.Weighting)
	if err != nil {
		return Result{}, err
	}

	content, confidence, err := e.runStrategy(mode, responses, weights, analysis)
	if err != nil {
		return Result{}, err
	}

	quality := e.assessQuality(content, responses, confidence)

	res := Result{
		Success:         true,
		CombinedContent: content,
		VoicesUsed:      responseVoiceIDs(responses),
		Confidence:      confidence,
		Strategy:        mode,
		Quality:         quality,
		Conflicts:       analysis,
		Weights:         weights,
		Timestamp:       time.Now().UTC(),
	}

	if cfg.EnableAdaptive && quality.Overall < cfg.QualityThreshold {
		e.refine(ctx, &res, responses, cfg)
	}

	for _, c := range analysis.Conflicts {
		e.stream.Publish(Event{
			Type:     EventConflictResolved,
			Strategy: mode,
			Topic:    c.Topic,
			VoiceIDs: []string{c.VoiceAID, c.VoiceBID},
		})
	}
	return res, nil
}

// fallback builds the degraded result: first response's content, neutral
// confidence, midpoint quality, no conflicts.
func (e *Engine) fallback(responses []types.AgentResponse, cfg Config) Result {
	return Result{
		Success:         false,
		CombinedContent: responses[0].Content,
		VoicesUsed:      responseVoiceIDs(responses),
		Confidence:      0.5,
		Strategy:        cfg.Mode,
		Quality: QualityMetrics{
			Coherence:    50,
			Completeness: 50,
			Accuracy:     50,
			Innovation:   50,
			Practicality: 50,
			Overall:      50,
		},
		Conflicts: ConflictAnalysis{
			AgreementLevel:     0,
			ResolutionStrategy: cfg.ConflictResolution,
		},
		Timestamp: time.Now().UTC(),
	}
}

// defaultConfidences replaces absent (zero) confidences with the neutral 0.5
// on a copy of the input.
func defaultConfidences(responses []types.AgentResponse) []types.AgentResponse {
	out := make([]types.AgentResponse, len(responses))
	copy(out, responses)
	for i := range out {
		if out[i].Confidence == 0 {
			out[i].Confidence = 0.5
		}
	}
	return out
}

func responseVoiceIDs(responses []types.AgentResponse) []string {
	ids := make([]string, len(responses))
	for i, r := range responses {
		ids[i] = r.VoiceID
	}
	return ids
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/rulesmith/internal/conversation"
	"github.com/fyrsmithlabs/rulesmith/internal/extraction"
	"github.com/fyrsmithlabs/rulesmith/internal/logging"
	"github.com/fyrsmithlabs/rulesmith/internal/memory"
	"github.com/fyrsmithlabs/rulesmith/internal/prompt"
	"github.com/fyrsmithlabs/rulesmith/internal/secrets"
)

var (
	// ErrMissingExtractor indicates Options.Extractor was not set.
	ErrMissingExtractor = errors.New("extraction caller is required")

	// ErrSkipped indicates a conversation was dropped under FailurePolicySkip.
	ErrSkipped = errors.New("conversation skipped")
)

// FailurePolicy decides what a failed memory or extraction stage does to
// its conversation.
type FailurePolicy string

const (
	// FailurePolicyDegrade continues with empty memory context or empty rules.
	FailurePolicyDegrade FailurePolicy = "degrade"

	// FailurePolicySkip drops the conversation from the batch result.
	FailurePolicySkip FailurePolicy = "skip"
)

// ParseFailurePolicy maps a config value to a policy. Empty means degrade.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch FailurePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", FailurePolicyDegrade:
		return FailurePolicyDegrade, nil
	case FailurePolicySkip:
		return FailurePolicySkip, nil
	default:
		return "", fmt.Errorf("unknown failure policy %q", s)
	}
}

// Extractor turns an assembled prompt into rule candidates.
type Extractor interface {
	Extract(ctx context.Context, prompt string) ([]extraction.RuleCandidate, error)
}

// MemoryGateway is the memory surface the pipeline needs; *memory.Gateway
// implements it.
type MemoryGateway interface {
	Enabled() bool
	Add(ctx context.Context, userID, conversationID string, turns []conversation.Turn) memory.Result[int]
	Search(ctx context.Context, userID, query string, limit int) memory.Result[[]memory.SearchResult]
	ListAll(ctx context.Context, userID string) memory.Result[[]memory.SearchResult]
}

// ConversationResult is the extraction output for one conversation.
// SimilarMemoryCount is the number of search results used as context.
type ConversationResult struct {
	ConversationID     string                     `json:"conversation_id"`
	Rules              []extraction.RuleCandidate `json:"rules"`
	SimilarMemoryCount int                        `json:"similar_memory_count"`
}

// Options configures a Pipeline.
type Options struct {
	// Extractor is required.
	Extractor Extractor

	// Memory defaults to a disabled gateway.
	Memory MemoryGateway

	// Assembler defaults to the built-in template.
	Assembler *prompt.Assembler

	// Scrubber defaults to no scrubbing.
	Scrubber secrets.Scrubber

	// Policy defaults to FailurePolicyDegrade.
	Policy FailurePolicy

	Logger  *logging.Logger
	Tracer  trace.Tracer
	Metrics *Metrics
}

// Pipeline processes conversations. It is safe for concurrent use.
type Pipeline struct {
	extractor Extractor
	memory    MemoryGateway
	assembler *prompt.Assembler
	scrubber  secrets.Scrubber
	policy    FailurePolicy
	logger    *logging.Logger
	tracer    trace.Tracer
	metrics   *Metrics
}

// New builds a Pipeline from opts.
func New(opts Options) (*Pipeline, error) {
	if opts.Extractor == nil {
		return nil, ErrMissingExtractor
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if opts.Memory == nil {
		opts.Memory = memory.Disabled(opts.Logger)
	}
	if opts.Assembler == nil {
		opts.Assembler = prompt.NewDefaultAssembler()
	}
	if opts.Scrubber == nil {
		opts.Scrubber = secrets.NoopScrubber{}
	}
	if opts.Policy == "" {
		opts.Policy = FailurePolicyDegrade
	}
	if opts.Policy != FailurePolicyDegrade && opts.Policy != FailurePolicySkip {
		return nil, fmt.Errorf("unknown failure policy %q", opts.Policy)
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("rulesmith.pipeline")
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics()
	}

	return &Pipeline{
		extractor: opts.Extractor,
		memory:    opts.Memory,
		assembler: opts.Assembler,
		scrubber:  opts.Scrubber,
		policy:    opts.Policy,
		logger:    opts.Logger.Named("pipeline"),
		tracer:    opts.Tracer,
		metrics:   opts.Metrics,
	}, nil
}

// WithAssembler returns a copy of p that builds prompts with a.
func (p *Pipeline) WithAssembler(a *prompt.Assembler) *Pipeline {
	if a == nil {
		return p
	}
	cp := *p
	cp.assembler = a
	return &cp
}

// Policy returns the configured failure policy.
func (p *Pipeline) Policy() FailurePolicy {
	return p.policy
}

// Batch processes ids in order. Missing or empty conversations and
// conversations dropped by the failure policy are left out of the result.
// The only error returned is the context's.
func (p *Pipeline) Batch(ctx context.Context, ids []string, userID string, turnsByID map[string][]conversation.RawTurn) ([]ConversationResult, error) {
	ctx = logging.WithUserID(ctx, userID)
	ctx, span := p.tracer.Start(ctx, "pipeline.Batch")
	defer span.End()
	span.SetAttributes(attribute.Int("conversations", len(ids)))

	p.logger.Info(ctx, "batch processing histories", zap.Int("count", len(ids)))

	if p.memory.Enabled() {
		existing := p.memory.ListAll(ctx, userID)
		p.logger.Debug(ctx, "existing memories before batch", zap.Int("memory_count", len(existing.Value)))
	}

	results := make([]ConversationResult, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return results, err
		}

		raw := turnsByID[id]
		if len(raw) == 0 {
			p.logger.Warn(ctx, "no messages found for chat history", zap.String("conversation.id", id))
			p.metrics.ConversationsTotal.WithLabelValues(outcomeSkipped).Inc()
			continue
		}

		result, err := p.Process(ctx, id, userID, raw)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				span.SetStatus(codes.Error, ctxErr.Error())
				return results, ctxErr
			}
			p.logger.Warn(ctx, "conversation dropped from batch", zap.String("conversation.id", id), zap.Error(err))
			continue
		}
		results = append(results, result)
	}

	p.logger.Info(ctx, "batch processing complete", zap.Int("processed", len(results)))
	span.SetAttributes(attribute.Int("processed", len(results)))
	span.SetStatus(codes.Ok, "success")
	return results, nil
}

// Process runs every stage for one conversation. Under FailurePolicySkip a
// failed stage returns an error wrapping ErrSkipped.
func (p *Pipeline) Process(ctx context.Context, conversationID, userID string, raw []conversation.RawTurn) (ConversationResult, error) {
	ctx = logging.WithConversationID(logging.WithUserID(ctx, userID), conversationID)
	ctx, span := p.tracer.Start(ctx, "pipeline.Process")
	defer span.End()

	result := ConversationResult{ConversationID: conversationID, Rules: []extraction.RuleCandidate{}}
	degraded := false

	start := time.Now()
	turns := p.scrub(ctx, conversation.Normalize(raw))
	p.observe("normalize", start)
	span.SetAttributes(attribute.Int("turns", len(turns)))

	if len(turns) == 0 {
		p.logger.Warn(ctx, "conversation has no usable turns")
		p.metrics.ConversationsTotal.WithLabelValues(outcomeEmpty).Inc()
		return result, nil
	}

	memories, err := p.recall(ctx, conversationID, userID, turns)
	if err != nil {
		if skipErr := p.fail(ctx, span, "memory", err); skipErr != nil {
			return ConversationResult{}, skipErr
		}
		degraded = true
	}
	result.SimilarMemoryCount = len(memories)
	span.SetAttributes(attribute.Int("similar_memories", len(memories)))

	start = time.Now()
	text, err := p.assembler.Assemble(conversation.Render(turns), memory.FormatResults(memories))
	p.observe("assemble", start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return ConversationResult{}, fmt.Errorf("assembling prompt: %w", err)
	}

	start = time.Now()
	rules, err := p.extractor.Extract(ctx, text)
	p.observe("extract", start)
	if err != nil {
		if skipErr := p.fail(ctx, span, "extract", err); skipErr != nil {
			return ConversationResult{}, skipErr
		}
		degraded = true
		rules = nil
	}
	if rules != nil {
		result.Rules = rules
	}

	outcome := outcomeProcessed
	if degraded {
		outcome = outcomeDegraded
	}
	p.metrics.ConversationsTotal.WithLabelValues(outcome).Inc()
	p.metrics.RulesExtracted.Add(float64(len(result.Rules)))

	p.logger.Info(ctx, "processed chat history",
		zap.Int("rules", len(result.Rules)),
		zap.Int("similar_memories", result.SimilarMemoryCount),
		zap.Bool("degraded", degraded),
	)
	span.SetAttributes(attribute.Int("rules", len(result.Rules)))
	span.SetStatus(codes.Ok, "success")
	return result, nil
}

// recall stores turns and retrieves related memories. A disabled gateway
// yields no memories and no error.
func (p *Pipeline) recall(ctx context.Context, conversationID, userID string, turns []conversation.Turn) ([]memory.SearchResult, error) {
	if !p.memory.Enabled() {
		return nil, nil
	}

	start := time.Now()
	added := p.memory.Add(ctx, userID, conversationID, turns)
	p.observe("memory_add", start)
	if added.Err != nil {
		return nil, fmt.Errorf("memory add: %w", added.Err)
	}

	start = time.Now()
	found := p.memory.Search(ctx, userID, memory.SearchQuery, memory.SearchLimit)
	p.observe("memory_search", start)
	if found.Err != nil {
		return nil, fmt.Errorf("memory search: %w", found.Err)
	}
	return found.Value, nil
}

// fail applies the failure policy to a stage error. It returns nil when
// the conversation should continue degraded.
func (p *Pipeline) fail(ctx context.Context, span trace.Span, stage string, err error) error {
	span.RecordError(err)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	if p.policy == FailurePolicySkip {
		p.logger.Warn(ctx, "stage failed, skipping conversation", zap.String("stage", stage), zap.Error(err))
		p.metrics.ConversationsTotal.WithLabelValues(outcomeSkipped).Inc()
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%w: %s: %v", ErrSkipped, stage, err)
	}

	p.logger.Warn(ctx, "stage failed, continuing degraded", zap.String("stage", stage), zap.Error(err))
	return nil
}

// scrub redacts secrets from turn text before it reaches memory or the model.
func (p *Pipeline) scrub(ctx context.Context, turns []conversation.Turn) []conversation.Turn {
	if !p.scrubber.Enabled() {
		return turns
	}
	for i := range turns {
		res := p.scrubber.Scrub(turns[i].Text)
		if res.HasFindings() {
			p.logger.Warn(ctx, "redacted secrets from turn",
				zap.Int("turn", i),
				zap.Strings("rules", res.RuleIDs()),
			)
			turns[i].Text = res.Text
		}
	}
	return turns
}

func (p *Pipeline) observe(stage string, start time.Time) {
	p.metrics.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

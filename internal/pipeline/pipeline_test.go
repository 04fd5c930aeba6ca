package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/rulesmith/internal/conversation"
	"github.com/fyrsmithlabs/rulesmith/internal/extraction"
	"github.com/fyrsmithlabs/rulesmith/internal/logging"
	"github.com/fyrsmithlabs/rulesmith/internal/memory"
	"github.com/fyrsmithlabs/rulesmith/internal/prompt"
	"github.com/fyrsmithlabs/rulesmith/internal/secrets"
	"github.com/fyrsmithlabs/rulesmith/internal/telemetry"
)

// stubExtractor returns canned rules and records prompts.
type stubExtractor struct {
	mu      sync.Mutex
	rules   []extraction.RuleCandidate
	err     error
	prompts []string
}

func (s *stubExtractor) Extract(_ context.Context, p string) ([]extraction.RuleCandidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, p)
	if s.err != nil {
		return nil, s.err
	}
	out := make([]extraction.RuleCandidate, len(s.rules))
	copy(out, s.rules)
	return out, nil
}

// fakeMemory records calls and returns canned results.
type fakeMemory struct {
	enabled   bool
	addErr    error
	searchErr error
	found     []memory.SearchResult

	adds, searches, lists int
}

func (f *fakeMemory) Enabled() bool { return f.enabled }

func (f *fakeMemory) Add(_ context.Context, _, _ string, turns []conversation.Turn) memory.Result[int] {
	f.adds++
	if f.addErr != nil {
		return memory.Result[int]{Err: f.addErr}
	}
	return memory.Result[int]{Value: len(turns)}
}

func (f *fakeMemory) Search(_ context.Context, _, _ string, _ int) memory.Result[[]memory.SearchResult] {
	f.searches++
	if f.searchErr != nil {
		return memory.Result[[]memory.SearchResult]{Err: f.searchErr}
	}
	return memory.Result[[]memory.SearchResult]{Value: f.found}
}

func (f *fakeMemory) ListAll(_ context.Context, _ string) memory.Result[[]memory.SearchResult] {
	f.lists++
	return memory.Result[[]memory.SearchResult]{Value: f.found}
}

// fakeScrubber redacts a fixed token.
type fakeScrubber struct{ token string }

func (f fakeScrubber) Enabled() bool { return true }

func (f fakeScrubber) Scrub(content string) secrets.Result {
	if !strings.Contains(content, f.token) {
		return secrets.Result{Text: content}
	}
	return secrets.Result{
		Text:     strings.ReplaceAll(content, f.token, "[REDACTED:test-key]"),
		Findings: []secrets.Finding{{RuleID: "test-key"}},
	}
}

var testRule = extraction.RuleCandidate{
	RuleText:   "Run tests before pushing",
	Category:   extraction.CategoryTesting,
	Confidence: 0.95,
	Evidence:   "Always run tests before pushing",
}

func testMetrics() *Metrics {
	return newMetrics(promauto.With(prometheus.NewRegistry()))
}

func newTestPipeline(t *testing.T, opts Options) *Pipeline {
	t.Helper()
	if opts.Metrics == nil {
		opts.Metrics = testMetrics()
	}
	p, err := New(opts)
	require.NoError(t, err)
	return p
}

func sampleTurns() []conversation.RawTurn {
	return []conversation.RawTurn{
		conversation.NewRawTurn("user", "Always run tests before pushing"),
		conversation.NewRawTurn("assistant", "Understood"),
	}
}

func TestNew_RequiresExtractor(t *testing.T) {
	_, err := New(Options{})
	assert.ErrorIs(t, err, ErrMissingExtractor)

	_, err = New(Options{Extractor: &stubExtractor{}, Policy: "abort", Metrics: testMetrics()})
	assert.Error(t, err)
}

func TestParseFailurePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    FailurePolicy
		wantErr bool
	}{
		{"", FailurePolicyDegrade, false},
		{"degrade", FailurePolicyDegrade, false},
		{" SKIP ", FailurePolicySkip, false},
		{"abort", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFailurePolicy(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestProcess_EndToEndWithMemoryDisabled(t *testing.T) {
	ext := &stubExtractor{rules: []extraction.RuleCandidate{testRule}}
	p := newTestPipeline(t, Options{Extractor: ext})

	result, err := p.Process(context.Background(), "conv-1", "alice", sampleTurns())
	require.NoError(t, err)

	assert.Equal(t, "conv-1", result.ConversationID)
	require.Len(t, result.Rules, 1)
	assert.Equal(t, testRule, result.Rules[0])
	assert.Equal(t, 0, result.SimilarMemoryCount)

	require.Len(t, ext.prompts, 1)
	assert.Contains(t, ext.prompts[0], "USER: Always run tests before pushing\n\nASSISTANT: Understood")
	assert.Contains(t, ext.prompts[0], "No similar memories found.")
}

func TestBatch_SkipsMissingAndEmpty(t *testing.T) {
	ext := &stubExtractor{rules: []extraction.RuleCandidate{testRule}}
	logger := logging.NewTestLogger()
	p := newTestPipeline(t, Options{Extractor: ext, Logger: logger.Logger})

	results, err := p.Batch(context.Background(), []string{"a", "b", "c"}, "alice", map[string][]conversation.RawTurn{
		"a": sampleTurns(),
		"b": {},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].ConversationID)
	assert.Len(t, ext.prompts, 1)
	assert.Equal(t, 2, logger.FilterMessage("no messages found for chat history").Len())
}

func TestBatch_PreservesOrder(t *testing.T) {
	p := newTestPipeline(t, Options{Extractor: &stubExtractor{}})

	turns := map[string][]conversation.RawTurn{"z": sampleTurns(), "a": sampleTurns(), "m": sampleTurns()}
	results, err := p.Batch(context.Background(), []string{"z", "a", "m"}, "alice", turns)
	require.NoError(t, err)

	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.ConversationID
		assert.NotNil(t, r.Rules)
	}
	assert.Equal(t, []string{"z", "a", "m"}, ids)
}

func TestBatch_DisabledGatewayNeverCalled(t *testing.T) {
	mem := &fakeMemory{enabled: false}
	p := newTestPipeline(t, Options{Extractor: &stubExtractor{}, Memory: mem})

	results, err := p.Batch(context.Background(), []string{"a", "b"}, "alice", map[string][]conversation.RawTurn{
		"a": sampleTurns(),
		"b": sampleTurns(),
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, 0, r.SimilarMemoryCount)
	}
	assert.Zero(t, mem.adds)
	assert.Zero(t, mem.searches)
	assert.Zero(t, mem.lists)
}

func TestBatch_EnabledGatewayListsFirst(t *testing.T) {
	mem := &fakeMemory{enabled: true, found: []memory.SearchResult{{Text: "prefers pnpm"}, {Text: "squash merges"}}}
	ext := &stubExtractor{}
	p := newTestPipeline(t, Options{Extractor: ext, Memory: mem})

	results, err := p.Batch(context.Background(), []string{"a"}, "alice", map[string][]conversation.RawTurn{"a": sampleTurns()})
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.Equal(t, 1, mem.lists)
	assert.Equal(t, 1, mem.adds)
	assert.Equal(t, 1, mem.searches)
	assert.Equal(t, 2, results[0].SimilarMemoryCount)
	assert.Contains(t, ext.prompts[0], "1. prefers pnpm\n2. squash merges")
}

func TestProcess_FailurePolicy(t *testing.T) {
	boom := errors.New("service unavailable")

	tests := []struct {
		name       string
		mem        *fakeMemory
		extractErr error
	}{
		{name: "memory add fails", mem: &fakeMemory{enabled: true, addErr: boom}},
		{name: "memory search fails", mem: &fakeMemory{enabled: true, searchErr: boom}},
		{name: "extraction fails", mem: &fakeMemory{enabled: true}, extractErr: boom},
	}

	for _, tt := range tests {
		t.Run(tt.name+"/degrade", func(t *testing.T) {
			ext := &stubExtractor{rules: []extraction.RuleCandidate{testRule}, err: tt.extractErr}
			p := newTestPipeline(t, Options{Extractor: ext, Memory: tt.mem, Policy: FailurePolicyDegrade})

			result, err := p.Process(context.Background(), "c", "alice", sampleTurns())
			require.NoError(t, err)
			assert.Equal(t, 0, result.SimilarMemoryCount)
			assert.NotNil(t, result.Rules)
			if tt.extractErr != nil {
				assert.Empty(t, result.Rules)
			} else {
				assert.Len(t, result.Rules, 1)
				assert.Contains(t, ext.prompts[0], "No similar memories found.")
			}
		})

		t.Run(tt.name+"/skip", func(t *testing.T) {
			ext := &stubExtractor{rules: []extraction.RuleCandidate{testRule}, err: tt.extractErr}
			p := newTestPipeline(t, Options{Extractor: ext, Memory: tt.mem, Policy: FailurePolicySkip})

			_, err := p.Process(context.Background(), "c", "alice", sampleTurns())
			assert.ErrorIs(t, err, ErrSkipped)

			results, err := p.Batch(context.Background(), []string{"c"}, "alice", map[string][]conversation.RawTurn{"c": sampleTurns()})
			require.NoError(t, err)
			assert.Empty(t, results)
		})
	}
}

func TestProcess_ScrubsSecretsBeforeModel(t *testing.T) {
	const token = "sk-ant-REDACTED"
	ext := &stubExtractor{}
	p := newTestPipeline(t, Options{Extractor: ext, Scrubber: fakeScrubber{token: token}})

	raw := []conversation.RawTurn{conversation.NewRawTurn("user", "my key is "+token+", use it")}
	_, err := p.Process(context.Background(), "c", "alice", raw)
	require.NoError(t, err)

	require.Len(t, ext.prompts, 1)
	assert.NotContains(t, ext.prompts[0], token)
	assert.Contains(t, ext.prompts[0], "[REDACTED:test-key]")
}

func TestProcess_NoUsableTurns(t *testing.T) {
	ext := &stubExtractor{rules: []extraction.RuleCandidate{testRule}}
	p := newTestPipeline(t, Options{Extractor: ext})

	result, err := p.Process(context.Background(), "c", "alice", []conversation.RawTurn{{Role: "user"}})
	require.NoError(t, err)
	assert.Empty(t, result.Rules)
	assert.Empty(t, ext.prompts, "model not called for blank conversation")
}

func TestBatch_ContextCanceled(t *testing.T) {
	p := newTestPipeline(t, Options{Extractor: &stubExtractor{}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Batch(ctx, []string{"a"}, "alice", map[string][]conversation.RawTurn{"a": sampleTurns()})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWithAssembler(t *testing.T) {
	ext := &stubExtractor{}
	p := newTestPipeline(t, Options{Extractor: ext})

	custom, err := prompt.FromText("CUSTOM {conversation_text} || {mem0_context}")
	require.NoError(t, err)

	_, err = p.WithAssembler(custom).Process(context.Background(), "c", "alice", sampleTurns())
	require.NoError(t, err)
	_, err = p.Process(context.Background(), "c", "alice", sampleTurns())
	require.NoError(t, err)

	require.Len(t, ext.prompts, 2)
	assert.True(t, strings.HasPrefix(ext.prompts[0], "CUSTOM USER:"))
	assert.False(t, strings.HasPrefix(ext.prompts[1], "CUSTOM"))
	assert.Same(t, p, p.WithAssembler(nil))
}

func TestMetricsAndSpans(t *testing.T) {
	tel := telemetry.NewTestTelemetry()
	m := testMetrics()
	ext := &stubExtractor{rules: []extraction.RuleCandidate{testRule, testRule}}
	p := newTestPipeline(t, Options{Extractor: ext, Metrics: m, Tracer: tel.Tracer("test")})

	_, err := p.Batch(context.Background(), []string{"a", "b"}, "alice", map[string][]conversation.RawTurn{"a": sampleTurns()})
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConversationsTotal.WithLabelValues(outcomeProcessed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConversationsTotal.WithLabelValues(outcomeSkipped)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RulesExtracted))

	tel.AssertSpanExists(t, "pipeline.Batch")
	tel.AssertSpanAttribute(t, "pipeline.Process", "rules", int64(2))
	tel.AssertSpanAttribute(t, "pipeline.Batch", "processed", int64(1))
}

func TestProcess_LogsCarryConversationID(t *testing.T) {
	logger := logging.NewTestLogger()
	p := newTestPipeline(t, Options{Extractor: &stubExtractor{}, Logger: logger.Logger})

	_, err := p.Process(context.Background(), "conv-42", "alice", sampleTurns())
	require.NoError(t, err)

	logger.AssertLogged(t, zapcore.InfoLevel, "processed chat history")
	logger.AssertField(t, "processed chat history", "conversation.id", "conv-42")
}

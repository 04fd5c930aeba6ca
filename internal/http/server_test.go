package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/rulesmith/internal/conversation"
	"github.com/fyrsmithlabs/rulesmith/internal/events"
	"github.com/fyrsmithlabs/rulesmith/internal/extraction"
	"github.com/fyrsmithlabs/rulesmith/internal/logging"
	"github.com/fyrsmithlabs/rulesmith/internal/pipeline"
	"github.com/fyrsmithlabs/rulesmith/internal/rules"
)

const (
	idA    = "3f1c2d4e-5a6b-4c7d-8e9f-0a1b2c3d4e5f"
	idB    = "3f1c2d4e-5a6b-4c7d-8e9f-0a1b2c3d4e60"
	custom = "9a8b7c6d-5e4f-4a3b-9c2d-1e0f9a8b7c6d"
)

type stubExtractor struct {
	mu      sync.Mutex
	prompts []string
}

func (s *stubExtractor) Extract(_ context.Context, p string) ([]extraction.RuleCandidate, error) {
	s.mu.Lock()
	s.prompts = append(s.prompts, p)
	s.mu.Unlock()
	return []extraction.RuleCandidate{{
		RuleText:   "Run tests before pushing",
		Category:   extraction.CategoryTesting,
		Confidence: 0.9,
		Evidence:   "Always run tests before pushing",
	}}, nil
}

type fakeHistories struct {
	turns     map[string][]conversation.RawTurn
	prompts   map[string]string
	fetchErr  error
	promptErr error
}

func (f *fakeHistories) FetchChatHistories(_ context.Context, ids []string) (map[string][]conversation.RawTurn, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	out := map[string][]conversation.RawTurn{}
	for _, id := range ids {
		if turns, ok := f.turns[id]; ok {
			out[id] = turns
		}
	}
	return out, nil
}

func (f *fakeHistories) PromptTemplate(_ context.Context, id string) (string, error) {
	if f.promptErr != nil {
		return "", f.promptErr
	}
	text, ok := f.prompts[id]
	if !ok {
		return "", rules.ErrNotFound
	}
	return text, nil
}

type storeCall struct {
	userID     string
	sourceIDs  []string
	candidates []extraction.RuleCandidate
	ctxErr     error
}

type fakeRules struct {
	mu    sync.Mutex
	calls []storeCall
}

func (f *fakeRules) StoreRules(ctx context.Context, userID string, sourceIDs []string, candidates []extraction.RuleCandidate) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, storeCall{userID, sourceIDs, candidates, ctx.Err()})
	return len(candidates)
}

type fakePublisher struct {
	mu     sync.Mutex
	events []events.RulesExtracted
}

func (f *fakePublisher) PublishExtracted(_ context.Context, e events.RulesExtracted) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return nil
}

func (f *fakePublisher) Close() {}

type testEnv struct {
	server    *Server
	extractor *stubExtractor
	histories *fakeHistories
	rules     *fakeRules
	events    *fakePublisher
}

func setupTestServer(t *testing.T) *testEnv {
	t.Helper()

	ext := &stubExtractor{}
	p, err := pipeline.New(pipeline.Options{Extractor: ext})
	require.NoError(t, err)

	env := &testEnv{
		extractor: ext,
		histories: &fakeHistories{
			turns: map[string][]conversation.RawTurn{
				idA: {conversation.NewRawTurn("user", "Always run tests before pushing")},
				idB: {conversation.NewRawTurn("user", "Use pnpm")},
			},
			prompts: map[string]string{custom: "CUSTOM {conversation_text} {mem0_context}"},
		},
		rules:  &fakeRules{},
		events: &fakePublisher{},
	}

	env.server, err = NewServer(Deps{
		Pipeline:   p,
		Histories:  env.histories,
		Rules:      env.rules,
		Events:     env.events,
		MemoryMode: "self-hosted",
	}, logging.NewNop(), &Config{Host: "localhost", Port: 8000, RequestTimeout: time.Minute})
	require.NoError(t, err)
	return env
}

func (env *testEnv) post(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var data []byte
	switch b := body.(type) {
	case string:
		data = []byte(b)
	default:
		var err error
		data, err = json.Marshal(b)
		require.NoError(t, err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	return rec
}

// drain waits for background storage to finish.
func (env *testEnv) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, env.server.Shutdown(ctx))
}

func decodeMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Message
}

func TestNewServer(t *testing.T) {
	t.Run("returns error when pipeline is nil", func(t *testing.T) {
		_, err := NewServer(Deps{}, logging.NewNop(), nil)
		assert.ErrorContains(t, err, "pipeline cannot be nil")
	})

	t.Run("returns error when logger is nil", func(t *testing.T) {
		p, err := pipeline.New(pipeline.Options{Extractor: &stubExtractor{}})
		require.NoError(t, err)
		_, err = NewServer(Deps{Pipeline: p}, nil, nil)
		assert.ErrorContains(t, err, "logger is required")
	})

	t.Run("uses defaults when config is nil", func(t *testing.T) {
		p, err := pipeline.New(pipeline.Options{Extractor: &stubExtractor{}})
		require.NoError(t, err)
		server, err := NewServer(Deps{Pipeline: p}, logging.NewNop(), nil)
		require.NoError(t, err)
		assert.Equal(t, 8000, server.config.Port)
		assert.IsType(t, events.NoopPublisher{}, server.deps.Events)
	})
}

func TestHandleHealth(t *testing.T) {
	env := setupTestServer(t)

	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy","version":"0.1.0","mem0_mode":"self-hosted"}`, rec.Body.String())
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func TestHandleHealth_Database(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "reachable", want: "ok"},
		{name: "unreachable", err: errors.New("connection refused"), want: "unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := pipeline.New(pipeline.Options{Extractor: &stubExtractor{}})
			require.NoError(t, err)
			logger := logging.NewTestLogger()
			server, err := NewServer(Deps{Pipeline: p, MemoryMode: "self-hosted", Database: fakePinger{err: tt.err}}, logger.Logger, nil)
			require.NoError(t, err)

			rec := httptest.NewRecorder()
			server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			assert.Equal(t, http.StatusOK, rec.Code)
			var body HealthResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, "healthy", body.Status)
			assert.Equal(t, tt.want, body.Database)
			if tt.err != nil {
				logger.AssertLogged(t, zapcore.WarnLevel, "database ping failed")
			}
		})
	}
}

func TestHandleExtractRules_Success(t *testing.T) {
	for _, path := range []string{"/extract-rules", "/api/v1/extract-rules"} {
		t.Run(path, func(t *testing.T) {
			env := setupTestServer(t)

			rec := env.post(t, path, ExtractRulesRequest{
				ChatHistoryIDs: []string{idA, idB},
				UserID:         "alice",
			})
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

			var resp ExtractRulesResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.True(t, resp.Success)
			assert.Equal(t, 2, resp.RulesCount)
			assert.Len(t, resp.Rules, 2)
			assert.Equal(t, 2, resp.ChatHistoriesProcessed)

			env.drain(t)

			require.Len(t, env.rules.calls, 1)
			call := env.rules.calls[0]
			assert.Equal(t, "alice", call.userID)
			assert.Equal(t, []string{idA, idB}, call.sourceIDs)
			assert.Len(t, call.candidates, 2)
			assert.NoError(t, call.ctxErr, "storage runs on a detached context")

			require.Len(t, env.events.events, 1)
			ev := env.events.events[0]
			assert.Equal(t, "alice", ev.UserID)
			assert.Equal(t, 2, ev.RulesCount)
			assert.Equal(t, 2, ev.RulesStored)
			assert.NotEmpty(t, ev.RequestID)
		})
	}
}

func TestHandleExtractRules_PartialHistories(t *testing.T) {
	env := setupTestServer(t)
	missing := "00000000-0000-4000-8000-000000000000"

	rec := env.post(t, "/extract-rules", ExtractRulesRequest{
		ChatHistoryIDs: []string{idA, missing},
		UserID:         "alice",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ExtractRulesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.ChatHistoriesProcessed)
	env.drain(t)
}

func TestHandleExtractRules_BadRequest(t *testing.T) {
	tests := []struct {
		name    string
		body    any
		wantMsg string
	}{
		{name: "malformed json", body: `{"chat_history_ids": [`, wantMsg: "invalid request body"},
		{name: "no ids", body: ExtractRulesRequest{UserID: "alice"}, wantMsg: "chat_history_ids is required"},
		{name: "non uuid id", body: ExtractRulesRequest{ChatHistoryIDs: []string{"abc"}, UserID: "alice"}, wantMsg: "not a UUID"},
		{name: "no user", body: ExtractRulesRequest{ChatHistoryIDs: []string{idA}}, wantMsg: "user_id is required"},
		{name: "bad prompt id", body: ExtractRulesRequest{ChatHistoryIDs: []string{idA}, UserID: "alice", PromptID: "p1"}, wantMsg: "prompt_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestServer(t)
			rec := env.post(t, "/extract-rules", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, decodeMessage(t, rec), tt.wantMsg)
			assert.Empty(t, env.extractor.prompts)
		})
	}
}

func TestHandleExtractRules_NotFound(t *testing.T) {
	env := setupTestServer(t)

	rec := env.post(t, "/extract-rules", ExtractRulesRequest{
		ChatHistoryIDs: []string{"00000000-0000-4000-8000-000000000000"},
		UserID:         "alice",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "No chat histories found with provided IDs", decodeMessage(t, rec))

	env.drain(t)
	assert.Empty(t, env.rules.calls)
	assert.Empty(t, env.events.events)
}

func TestHandleExtractRules_InternalError(t *testing.T) {
	env := setupTestServer(t)
	env.histories.fetchErr = errors.New("connection refused")

	rec := env.post(t, "/extract-rules", ExtractRulesRequest{ChatHistoryIDs: []string{idA}, UserID: "alice"})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	msg := decodeMessage(t, rec)
	assert.True(t, strings.HasPrefix(msg, "Extraction failed: "), msg)
	assert.Contains(t, msg, "connection refused")
}

func TestHandleExtractRules_NoHistoryStore(t *testing.T) {
	env := setupTestServer(t)
	env.server.deps.Histories = nil

	rec := env.post(t, "/extract-rules", ExtractRulesRequest{ChatHistoryIDs: []string{idA}, UserID: "alice"})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, decodeMessage(t, rec), "chat history store not configured")
}

func TestHandleExtractRules_CustomPrompt(t *testing.T) {
	t.Run("uses stored template", func(t *testing.T) {
		env := setupTestServer(t)
		rec := env.post(t, "/extract-rules", ExtractRulesRequest{ChatHistoryIDs: []string{idA}, UserID: "alice", PromptID: custom})
		require.Equal(t, http.StatusOK, rec.Code)
		require.Len(t, env.extractor.prompts, 1)
		assert.True(t, strings.HasPrefix(env.extractor.prompts[0], "CUSTOM USER:"))
		env.drain(t)
	})

	t.Run("unknown prompt", func(t *testing.T) {
		env := setupTestServer(t)
		rec := env.post(t, "/extract-rules", ExtractRulesRequest{
			ChatHistoryIDs: []string{idA}, UserID: "alice", PromptID: "11111111-2222-4333-8444-555555555555",
		})
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "Extraction prompt not found", decodeMessage(t, rec))
	})

	t.Run("template without slots", func(t *testing.T) {
		env := setupTestServer(t)
		env.histories.prompts[custom] = "no placeholders here"
		rec := env.post(t, "/extract-rules", ExtractRulesRequest{ChatHistoryIDs: []string{idA}, UserID: "alice", PromptID: custom})
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Empty(t, env.extractor.prompts)
	})
}

func TestMetricsEndpoint(t *testing.T) {
	env := setupTestServer(t)

	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestMiddleware(t *testing.T) {
	t.Run("adds request ID header", func(t *testing.T) {
		env := setupTestServer(t)
		rec := httptest.NewRecorder()
		env.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))
	})

	t.Run("recovers from panic", func(t *testing.T) {
		env := setupTestServer(t)
		env.server.echo.GET("/panic", func(c echo.Context) error {
			panic("test panic")
		})

		rec := httptest.NewRecorder()
		assert.NotPanics(t, func() {
			env.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/panic", nil))
		})
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}

func TestShutdown_WaitsForBackgroundStorage(t *testing.T) {
	env := setupTestServer(t)

	release := make(chan struct{})
	blocking := &blockingRules{release: release}
	env.server.deps.Rules = blocking

	rec := env.post(t, "/extract-rules", ExtractRulesRequest{ChatHistoryIDs: []string{idA}, UserID: "alice"})
	require.Equal(t, http.StatusOK, rec.Code)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, env.server.Shutdown(ctx), context.DeadlineExceeded)

	close(release)
	env.drain(t)
	assert.Len(t, env.events.events, 1)
}

type blockingRules struct {
	release chan struct{}
}

func (b *blockingRules) StoreRules(_ context.Context, _ string, _ []string, candidates []extraction.RuleCandidate) int {
	<-b.release
	return len(candidates)
}

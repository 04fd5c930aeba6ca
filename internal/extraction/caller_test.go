package extraction

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubClient struct {
	reply *anthropic.Message
	err   error
	calls int
	last  anthropic.MessageNewParams
}

func (s *stubClient) New(_ context.Context, body anthropic.MessageNewParams, _ ...option.RequestOption) (*anthropic.Message, error) {
	s.calls++
	s.last = body
	return s.reply, s.err
}

func textReply(text string) *anthropic.Message {
	return &anthropic.Message{Content: []anthropic.ContentBlockUnion{{Type: "text", Text: text}}}
}

func TestCaller_Extract(t *testing.T) {
	stub := &stubClient{reply: textReply(`[{"rule_text":"Run tests before pushing","category":"testing","confidence":0.95,"evidence":"Always run tests before pushing"}]`)}
	c := NewCallerWithClient(stub, Config{}, nil)

	rules, err := c.Extract(context.Background(), "the prompt")
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, RuleCandidate{
		RuleText:   "Run tests before pushing",
		Category:   CategoryTesting,
		Confidence: 0.95,
		Evidence:   "Always run tests before pushing",
	}, rules[0])

	assert.Equal(t, 1, stub.calls)
	assert.Equal(t, anthropic.Model("claude-haiku-4-5"), stub.last.Model)
	assert.Equal(t, int64(4096), stub.last.MaxTokens)
	assert.InDelta(t, 0.2, stub.last.Temperature.Value, 1e-9)
	require.Len(t, stub.last.Messages, 1)
	assert.Equal(t, anthropic.MessageParamRoleUser, stub.last.Messages[0].Role)
	assert.Equal(t, "claude-haiku-4-5", c.Model())
}

func TestCaller_ZeroTemperature(t *testing.T) {
	zero := 0.0
	stub := &stubClient{reply: textReply("[]")}
	c := NewCallerWithClient(stub, Config{Temperature: &zero}, nil)

	_, err := c.Extract(context.Background(), "the prompt")
	require.NoError(t, err)
	assert.True(t, stub.last.Temperature.Valid())
	assert.Equal(t, 0.0, stub.last.Temperature.Value)
}

func TestCaller_NoContentBlocks(t *testing.T) {
	stub := &stubClient{reply: &anthropic.Message{}}
	c := NewCallerWithClient(stub, Config{}, nil)

	text, err := c.Complete(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, "[]", text)

	rules, err := c.Extract(context.Background(), "p")
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestCaller_MalformedOutputIsNotAnError(t *testing.T) {
	stub := &stubClient{reply: textReply("Sure! Here are the rules you asked for.")}
	c := NewCallerWithClient(stub, Config{}, nil)

	rules, err := c.Extract(context.Background(), "p")
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestCaller_NonRetryableTransportError(t *testing.T) {
	stub := &stubClient{err: errors.New("bad request body")}
	c := NewCallerWithClient(stub, Config{BaseBackoff: time.Millisecond}, nil)

	_, err := c.Extract(context.Background(), "p")
	require.Error(t, err)
	assert.Equal(t, 1, stub.calls)
}

const okMessage = `{"id":"msg_01","type":"message","role":"assistant","model":"claude-haiku-4-5",
"content":[{"type":"text","text":"[]"}],"stop_reason":"end_turn","stop_sequence":null,
"usage":{"input_tokens":10,"output_tokens":2}}`

// fakeAnthropic replies with the given statuses in order, then 200.
func fakeAnthropic(t *testing.T, statuses ...int) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(atomic.AddInt32(&calls, 1))
		w.Header().Set("Content-Type", "application/json")
		if n <= len(statuses) {
			w.WriteHeader(statuses[n-1])
			fmt.Fprintf(w, `{"type":"error","error":{"type":"api_error","message":"status %d"}}`, statuses[n-1])
			return
		}
		_, _ = w.Write([]byte(okMessage))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newHTTPCaller(t *testing.T, url string, maxRetries int) *Caller {
	t.Helper()
	c, err := NewCaller(Config{
		APIKey:      "test-key",
		BaseURL:     url,
		MaxRetries:  maxRetries,
		BaseBackoff: time.Millisecond,
		Timeout:     5 * time.Second,
	}, nil)
	require.NoError(t, err)
	return c
}

func TestCaller_RetriesRateLimitAndServerErrors(t *testing.T) {
	srv, calls := fakeAnthropic(t, http.StatusTooManyRequests, http.StatusInternalServerError)
	c := newHTTPCaller(t, srv.URL, 3)

	text, err := c.Complete(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, "[]", text)
	assert.Equal(t, int32(3), atomic.LoadInt32(calls))
}

func TestCaller_GivesUpAfterMaxRetries(t *testing.T) {
	srv, calls := fakeAnthropic(t, 503, 503, 503)
	c := newHTTPCaller(t, srv.URL, 2)

	_, err := c.Complete(context.Background(), "p")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max retries exceeded")
	assert.Equal(t, int32(3), atomic.LoadInt32(calls))
}

func TestCaller_ClientErrorNotRetried(t *testing.T) {
	srv, calls := fakeAnthropic(t, http.StatusBadRequest)
	c := newHTTPCaller(t, srv.URL, 3)

	_, err := c.Complete(context.Background(), "p")
	require.Error(t, err)
	assert.False(t, isRetryableError(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))
}

func TestCaller_ContextCanceledDuringBackoff(t *testing.T) {
	stub := &stubClient{err: &retryableError{err: errors.New("temporarily unavailable")}}
	c := NewCallerWithClient(stub, Config{BaseBackoff: time.Hour}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Complete(ctx, "p")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewCaller_RequiresKey(t *testing.T) {
	_, err := NewCaller(Config{}, nil)
	assert.Error(t, err)
}

func TestIsRetryableError(t *testing.T) {
	assert.True(t, isRetryableError(fmt.Errorf("wrapped: %w", &retryableError{err: errors.New("x")})))
	assert.False(t, isRetryableError(errors.New("x")))
}

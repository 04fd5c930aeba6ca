package extraction

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/rulesmith/internal/logging"
)

var tracer = otel.Tracer("rulesmith.extraction")

const (
	defaultModel         = "claude-haiku-4-5"
	defaultMaxTokens     = 4096
	defaultTemperature   = 0.2
	defaultTimeout       = 60 * time.Second
	defaultMaxRetries    = 3
	defaultBaseBackoff   = 1 * time.Second
	defaultRatePerMinute = 50
	defaultBurst         = 5

	// emptyResponse stands in for a reply with no content blocks.
	emptyResponse = "[]"
)

// MessageClient is the subset of the Anthropic Messages API the caller
// uses; *anthropic.MessageService satisfies it.
type MessageClient interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// Config configures a Caller. Zero fields take defaults.
type Config struct {
	APIKey        string
	BaseURL       string
	Model         string
	MaxTokens     int
	Temperature   *float64 // nil takes the default; 0 is honored
	Timeout       time.Duration
	MaxRetries    int
	BaseBackoff   time.Duration
	RatePerMinute int
	Burst         int
}

func (c *Config) applyDefaults() {
	if c.Model == "" {
		c.Model = defaultModel
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = defaultMaxTokens
	}
	if c.Temperature == nil {
		t := defaultTemperature
		c.Temperature = &t
	}
	if c.Timeout == 0 {
		c.Timeout = defaultTimeout
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.BaseBackoff == 0 {
		c.BaseBackoff = defaultBaseBackoff
	}
	if c.RatePerMinute == 0 {
		c.RatePerMinute = defaultRatePerMinute
	}
	if c.Burst == 0 {
		c.Burst = defaultBurst
	}
}

// Caller sends extraction prompts to the model.
type Caller struct {
	client  MessageClient
	config  Config
	limiter *rate.Limiter
	logger  *logging.Logger
}

// NewCaller builds a Caller backed by the Anthropic SDK. The SDK's own
// retries are disabled; Caller retries itself so attempts are rate limited.
func NewCaller(cfg Config, logger *logging.Logger) (*Caller, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic API key required")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := anthropic.NewClient(opts...)

	return NewCallerWithClient(&client.Messages, cfg, logger), nil
}

// NewCallerWithClient builds a Caller over an existing message client.
func NewCallerWithClient(client MessageClient, cfg Config, logger *logging.Logger) *Caller {
	cfg.applyDefaults()
	if logger == nil {
		logger = logging.NewNop()
	}
	perSecond := rate.Limit(float64(cfg.RatePerMinute) / 60.0)
	return &Caller{
		client:  client,
		config:  cfg,
		limiter: rate.NewLimiter(perSecond, cfg.Burst),
		logger:  logger.Named("extraction"),
	}
}

// Model returns the configured model name.
func (c *Caller) Model() string {
	return c.config.Model
}

// Extract sends prompt and parses the reply. Only a transport or API
// failure that survives retries is returned as an error.
func (c *Caller) Extract(ctx context.Context, prompt string) ([]RuleCandidate, error) {
	ctx, span := tracer.Start(ctx, "Caller.Extract")
	defer span.End()
	span.SetAttributes(
		attribute.String("model", c.config.Model),
		attribute.Int("prompt_length", len(prompt)),
	)

	text, err := c.Complete(ctx, prompt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	rules := ParseCandidates(ctx, text, c.logger)
	span.SetAttributes(attribute.Int("rules_count", len(rules)))
	span.SetStatus(codes.Ok, "success")
	return rules, nil
}

// Complete returns the text of the first content block of the reply, or
// "[]" when the reply has none.
func (c *Caller) Complete(ctx context.Context, prompt string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(c.config.Model),
		MaxTokens:   int64(c.config.MaxTokens),
		Temperature: anthropic.Float(*c.config.Temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}

	c.logger.Debug(ctx, "sending extraction request", zap.Int("prompt_length", len(prompt)))

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.config.BaseBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("rate limiter error: %w", err)
		}

		text, err := c.doRequest(ctx, params)
		if err == nil {
			getMetrics().requests.WithLabelValues("ok").Inc()
			return text, nil
		}

		lastErr = err
		if !isRetryableError(err) {
			getMetrics().requests.WithLabelValues("error").Inc()
			return "", err
		}
		getMetrics().requests.WithLabelValues("retry").Inc()
		c.logger.Warn(ctx, "extraction request failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}

	getMetrics().requests.WithLabelValues("error").Inc()
	return "", fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (c *Caller) doRequest(ctx context.Context, params anthropic.MessageNewParams) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	msg, err := c.client.New(ctx, params)
	if err != nil {
		return "", classify(err)
	}
	if msg == nil || len(msg.Content) == 0 {
		return emptyResponse, nil
	}
	return msg.Content[0].Text, nil
}

// classify wraps transient failures in retryableError.
func classify(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusTooManyRequests {
			return &retryableError{err: fmt.Errorf("rate limited (429): %w", err)}
		}
		if apiErr.StatusCode >= 500 {
			return &retryableError{err: fmt.Errorf("server error (%d): %w", apiErr.StatusCode, err)}
		}
		return fmt.Errorf("API error (%d): %w", apiErr.StatusCode, err)
	}

	// Dial, reset and timeout failures all surface as net.Error.
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &retryableError{err: fmt.Errorf("API request failed: %w", err)}
	}
	return fmt.Errorf("API request failed: %w", err)
}

// retryableError marks an error as safe to retry.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string {
	return e.err.Error()
}

func (e *retryableError) Unwrap() error {
	return e.err
}

// isRetryableError checks if an error should be retried.
func isRetryableError(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}

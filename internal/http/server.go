// Package http serves the rule extraction API.
//
// Routes:
//
//	GET  /health
//	POST /extract-rules          (also /api/v1/extract-rules)
//	GET  /metrics                Prometheus exposition
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/rulesmith/internal/conversation"
	"github.com/fyrsmithlabs/rulesmith/internal/events"
	"github.com/fyrsmithlabs/rulesmith/internal/extraction"
	"github.com/fyrsmithlabs/rulesmith/internal/logging"
	"github.com/fyrsmithlabs/rulesmith/internal/pipeline"
	"github.com/fyrsmithlabs/rulesmith/internal/prompt"
	"github.com/fyrsmithlabs/rulesmith/internal/rules"
)

// Version is reported by /health.
const Version = "0.1.0"

// Error messages returned to clients.
const (
	msgNoHistories    = "No chat histories found with provided IDs"
	msgPromptNotFound = "Extraction prompt not found"
)

// errNoHistoryStore is returned when the server runs without a datastore.
var errNoHistoryStore = errors.New("chat history store not configured")

// HistoryStore loads conversations and custom prompt templates.
type HistoryStore interface {
	FetchChatHistories(ctx context.Context, ids []string) (map[string][]conversation.RawTurn, error)
	PromptTemplate(ctx context.Context, id string) (string, error)
}

// RuleStore persists extracted rules as pending approvals.
type RuleStore interface {
	StoreRules(ctx context.Context, userID string, sourceIDs []string, candidates []extraction.RuleCandidate) int
}

// Pinger checks a backing connection. *rules.Repository satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// healthPingTimeout bounds the database check in /health.
const healthPingTimeout = 2 * time.Second

// Config holds HTTP server configuration.
type Config struct {
	Host           string
	Port           int
	RequestTimeout time.Duration
}

// Deps are the services the handlers call. Pipeline is required.
// A nil Histories makes extraction fail; a nil Rules skips storage.
type Deps struct {
	Pipeline   *pipeline.Pipeline
	Histories  HistoryStore
	Rules      RuleStore
	Events     events.Publisher
	MemoryMode string
	Database   Pinger
	Metrics    *HTTPMetrics
	Tracer     trace.Tracer
}

// Server provides the HTTP endpoints.
type Server struct {
	echo   *echo.Echo
	deps   Deps
	logger *logging.Logger
	tracer trace.Tracer
	config *Config

	// background tracks storage started by completed requests.
	background sync.WaitGroup
}

// NewServer creates a new HTTP server.
func NewServer(deps Deps, logger *logging.Logger, cfg *Config) (*Server, error) {
	if deps.Pipeline == nil {
		return nil, fmt.Errorf("pipeline cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Host: "0.0.0.0", Port: 8000}
	}
	if deps.Events == nil {
		deps.Events = events.NoopPublisher{}
	}
	if deps.Metrics == nil {
		deps.Metrics = NewHTTPMetrics(logger.Underlying())
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer("rulesmith.http")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:   e,
		deps:   deps,
		logger: logger.Named("http"),
		tracer: deps.Tracer,
		config: cfg,
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.requestLogger)
	if cfg.RequestTimeout > 0 {
		e.Use(middleware.ContextTimeoutWithConfig(middleware.ContextTimeoutConfig{
			Timeout: cfg.RequestTimeout,
		}))
	}
	e.Use(deps.Metrics.MetricsMiddleware())

	s.registerRoutes()
	return s, nil
}

// requestLogger puts the request id on the context and logs each request.
func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		rid := c.Response().Header().Get(echo.HeaderXRequestID)
		ctx := logging.WithRequestID(c.Request().Context(), rid)
		c.SetRequest(c.Request().WithContext(ctx))

		err := next(c)

		s.logger.Info(ctx, "http request",
			zap.String("method", c.Request().Method),
			zap.String("uri", c.Request().RequestURI),
			zap.Int("status", c.Response().Status),
			zap.Duration("duration", time.Since(start)),
		)
		return err
	}
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	s.echo.POST("/extract-rules", s.handleExtractRules)
	v1 := s.echo.Group("/api/v1")
	v1.POST("/extract-rules", s.handleExtractRules)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Mem0Mode string `json:"mem0_mode"`
	Database string `json:"database,omitempty"` // "ok" or "unavailable", absent without a datastore
}

func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{
		Status:   "healthy",
		Version:  Version,
		Mem0Mode: s.deps.MemoryMode,
	}
	if s.deps.Database != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), healthPingTimeout)
		defer cancel()
		resp.Database = "ok"
		if err := s.deps.Database.Ping(ctx); err != nil {
			s.logger.Warn(ctx, "database ping failed", zap.Error(err))
			resp.Database = "unavailable"
		}
	}
	return c.JSON(http.StatusOK, resp)
}

// ExtractRulesRequest is the request body for POST /extract-rules.
type ExtractRulesRequest struct {
	ChatHistoryIDs []string `json:"chat_history_ids"`
	UserID         string   `json:"user_id"`
	PromptID       string   `json:"prompt_id,omitempty"`
}

// Validate checks ids are UUIDs and a user is named.
func (r ExtractRulesRequest) Validate() error {
	if len(r.ChatHistoryIDs) == 0 {
		return errors.New("chat_history_ids is required")
	}
	for _, id := range r.ChatHistoryIDs {
		if _, err := uuid.Parse(id); err != nil {
			return fmt.Errorf("chat_history_ids: %q is not a UUID", id)
		}
	}
	if r.UserID == "" {
		return errors.New("user_id is required")
	}
	if r.PromptID != "" {
		if _, err := uuid.Parse(r.PromptID); err != nil {
			return fmt.Errorf("prompt_id: %q is not a UUID", r.PromptID)
		}
	}
	return nil
}

// ExtractRulesResponse is the response body for POST /extract-rules.
type ExtractRulesResponse struct {
	Success                bool                       `json:"success"`
	RulesCount             int                        `json:"rules_count"`
	Rules                  []extraction.RuleCandidate `json:"rules"`
	ChatHistoriesProcessed int                        `json:"chat_histories_processed"`
}

func (s *Server) handleExtractRules(c echo.Context) error {
	var req ExtractRulesRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn(c.Request().Context(), "invalid extract request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := req.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx := logging.WithUserID(c.Request().Context(), req.UserID)
	ctx, span := s.tracer.Start(ctx, "http.ExtractRules")
	defer span.End()
	span.SetAttributes(attribute.Int("chat_histories", len(req.ChatHistoryIDs)))

	s.logger.Info(ctx, "rule extraction requested", zap.Int("chat_history_count", len(req.ChatHistoryIDs)))

	resp, err := s.extract(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		var httpErr *echo.HTTPError
		if errors.As(err, &httpErr) {
			return httpErr
		}
		s.logger.Error(ctx, "rule extraction failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("Extraction failed: %v", err))
	}

	s.logger.Info(ctx, "rule extraction completed",
		zap.Int("total_rules", resp.RulesCount),
		zap.Int("histories_processed", resp.ChatHistoriesProcessed),
	)
	span.SetAttributes(attribute.Int("rules", resp.RulesCount))
	span.SetStatus(codes.Ok, "success")

	s.storeInBackground(ctx, req, resp.Rules)
	return c.JSON(http.StatusOK, resp)
}

// extract fetches, processes and aggregates. Client-facing failures come
// back as *echo.HTTPError.
func (s *Server) extract(ctx context.Context, req ExtractRulesRequest) (*ExtractRulesResponse, error) {
	if s.deps.Histories == nil {
		return nil, errNoHistoryStore
	}

	turnsByID, err := s.deps.Histories.FetchChatHistories(ctx, req.ChatHistoryIDs)
	if err != nil {
		return nil, fmt.Errorf("fetching chat histories: %w", err)
	}
	if len(turnsByID) == 0 {
		return nil, echo.NewHTTPError(http.StatusNotFound, msgNoHistories)
	}

	p := s.deps.Pipeline
	if req.PromptID != "" {
		asm, err := s.assembler(ctx, req.PromptID)
		if err != nil {
			return nil, err
		}
		p = p.WithAssembler(asm)
	}

	results, err := p.Batch(ctx, req.ChatHistoryIDs, req.UserID, turnsByID)
	if err != nil {
		return nil, err
	}

	all := make([]extraction.RuleCandidate, 0)
	for _, r := range results {
		all = append(all, r.Rules...)
	}
	return &ExtractRulesResponse{
		Success:                true,
		RulesCount:             len(all),
		Rules:                  all,
		ChatHistoriesProcessed: len(results),
	}, nil
}

func (s *Server) assembler(ctx context.Context, promptID string) (*prompt.Assembler, error) {
	text, err := s.deps.Histories.PromptTemplate(ctx, promptID)
	if errors.Is(err, rules.ErrNotFound) {
		return nil, echo.NewHTTPError(http.StatusNotFound, msgPromptNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading prompt %s: %w", promptID, err)
	}
	asm, err := prompt.FromText(text)
	if err != nil {
		return nil, fmt.Errorf("prompt %s: %w", promptID, err)
	}
	return asm, nil
}

// storeInBackground persists candidates and publishes the extraction event
// after the response is written. The work is detached from the request
// context so a disconnecting client does not cancel it.
func (s *Server) storeInBackground(ctx context.Context, req ExtractRulesRequest, candidates []extraction.RuleCandidate) {
	if len(candidates) == 0 {
		return
	}

	ctx = context.WithoutCancel(ctx)
	s.background.Add(1)
	go func() {
		defer s.background.Done()

		stored := 0
		if s.deps.Rules != nil {
			stored = s.deps.Rules.StoreRules(ctx, req.UserID, req.ChatHistoryIDs, candidates)
		}

		event := events.RulesExtracted{
			UserID:         req.UserID,
			ChatHistoryIDs: req.ChatHistoryIDs,
			RulesCount:     len(candidates),
			RulesStored:    stored,
			RequestID:      logging.RequestIDFromContext(ctx),
		}
		if err := s.deps.Events.PublishExtracted(ctx, event); err != nil {
			s.logger.Warn(ctx, "failed to publish extraction event", zap.Error(err))
		}
	}()
}

// Handler exposes the router, mainly for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server. It returns http.ErrServerClosed after Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown stops accepting requests, then waits for background storage
// until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	err := s.echo.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.background.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Join(err, fmt.Errorf("waiting for background storage: %w", ctx.Err()))
	}
	return err
}

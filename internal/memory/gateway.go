package memory

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/rulesmith/internal/conversation"
	"github.com/fyrsmithlabs/rulesmith/internal/logging"
	"github.com/fyrsmithlabs/rulesmith/internal/vectorstore"
)

const (
	// SearchQuery is the fixed retrieval query for extraction context.
	SearchQuery = "coding conventions, repeated corrections, workflow preferences"

	// SearchLimit caps the memories returned for one conversation.
	SearchLimit = 10

	// NoResults is rendered by FormatResults for an empty result set.
	NoResults = "No similar memories found."
)

// SearchResult is one retrieved memory.
type SearchResult struct {
	ID       string            `json:"id"`
	Text     string            `json:"text"`
	Score    float32           `json:"score"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Result is the outcome of a gateway operation. On failure Err is set; a
// disabled gateway sets Disabled. Value is empty in both cases.
type Result[T any] struct {
	Value    T
	Err      error
	Disabled bool
}

// OK reports whether the operation ran and succeeded.
func (r Result[T]) OK() bool {
	return !r.Disabled && r.Err == nil
}

func disabled[T any]() Result[T] {
	return Result[T]{Disabled: true}
}

func failed[T any](err error) Result[T] {
	return Result[T]{Err: err}
}

// Gateway fronts a vectorstore.Store with user scoping.
type Gateway struct {
	store  vectorstore.Store
	mode   string
	logger *logging.Logger
	now    func() time.Time
}

// New creates an enabled gateway over store. mode is informational
// ("self-hosted" or "platform") and is reported by Mode.
func New(store vectorstore.Store, mode string, logger *logging.Logger) (*Gateway, error) {
	if store == nil {
		return nil, fmt.Errorf("vector store cannot be nil")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Gateway{store: store, mode: mode, logger: logger.Named("memory"), now: time.Now}, nil
}

// Disabled returns a gateway whose operations all report Disabled.
func Disabled(logger *logging.Logger) *Gateway {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Gateway{mode: "disabled", logger: logger.Named("memory"), now: time.Now}
}

// Enabled reports whether the gateway has a backend.
func (g *Gateway) Enabled() bool {
	return g != nil && g.store != nil
}

// Mode returns the configured backend mode, or "disabled".
func (g *Gateway) Mode() string {
	if !g.Enabled() {
		return "disabled"
	}
	return g.mode
}

// Add stores one document per turn under userID and returns the count stored.
func (g *Gateway) Add(ctx context.Context, userID, conversationID string, turns []conversation.Turn) Result[int] {
	if !g.Enabled() {
		return disabled[int]()
	}
	if userID == "" {
		return failed[int](vectorstore.ErrEmptyNamespace)
	}
	if len(turns) == 0 {
		return Result[int]{}
	}

	base := g.now().UnixNano()
	docs := make([]vectorstore.Document, len(turns))
	for i, t := range turns {
		docs[i] = vectorstore.Document{
			ID:      uuid.NewString(),
			Content: t.Text,
			Metadata: map[string]string{
				vectorstore.MetaNamespace:      userID,
				vectorstore.MetaConversationID: conversationID,
				vectorstore.MetaRole:           string(t.Role),
				// Offset by index so turns of one conversation keep their order.
				vectorstore.MetaCreatedAt: strconv.FormatInt(base+int64(i), 10),
			},
		}
	}

	if err := g.store.Add(ctx, userID, docs); err != nil {
		g.logger.Error(ctx, "memory add failed", zap.Int("turns", len(turns)), zap.Error(err))
		return failed[int](fmt.Errorf("adding memories: %w", err))
	}

	g.logger.Debug(ctx, "memories added", zap.Int("count", len(docs)))
	return Result[int]{Value: len(docs)}
}

// Search returns up to limit memories for userID ranked by relevance.
func (g *Gateway) Search(ctx context.Context, userID, query string, limit int) Result[[]SearchResult] {
	if !g.Enabled() {
		return disabled[[]SearchResult]()
	}
	if userID == "" {
		return failed[[]SearchResult](vectorstore.ErrEmptyNamespace)
	}
	if limit <= 0 {
		limit = SearchLimit
	}

	found, err := g.store.Search(ctx, userID, query, limit)
	if err != nil {
		g.logger.Error(ctx, "memory search failed", zap.Error(err))
		return failed[[]SearchResult](fmt.Errorf("searching memories: %w", err))
	}

	results := convert(found)
	g.logger.Debug(ctx, "memory search completed", zap.Int("limit", limit), zap.Int("results", len(results)))
	return Result[[]SearchResult]{Value: results}
}

// ListAll returns every memory stored for userID, oldest first. Failures
// are logged and reported with an empty Value.
func (g *Gateway) ListAll(ctx context.Context, userID string) Result[[]SearchResult] {
	if !g.Enabled() {
		return disabled[[]SearchResult]()
	}
	if userID == "" {
		return failed[[]SearchResult](vectorstore.ErrEmptyNamespace)
	}

	found, err := g.store.List(ctx, userID)
	if err != nil {
		g.logger.Error(ctx, "listing memories failed", zap.Error(err))
		return Result[[]SearchResult]{Value: []SearchResult{}, Err: fmt.Errorf("listing memories: %w", err)}
	}
	return Result[[]SearchResult]{Value: convert(found)}
}

// Close releases the backend.
func (g *Gateway) Close() error {
	if !g.Enabled() {
		return nil
	}
	return g.store.Close()
}

func convert(found []vectorstore.SearchResult) []SearchResult {
	results := make([]SearchResult, len(found))
	for i, r := range found {
		results[i] = SearchResult{ID: r.ID, Text: r.Content, Score: r.Score, Metadata: r.Metadata}
	}
	return results
}

// FormatResults renders results as a 1-indexed list, one memory per line.
func FormatResults(results []SearchResult) string {
	if len(results) == 0 {
		return NoResults
	}
	lines := make([]string, len(results))
	for i, r := range results {
		lines[i] = fmt.Sprintf("%d. %s", i+1, r.Text)
	}
	return strings.Join(lines, "\n")
}

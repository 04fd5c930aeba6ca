package rules

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/rulesmith/internal/conversation"
	"github.com/fyrsmithlabs/rulesmith/internal/extraction"
	"github.com/fyrsmithlabs/rulesmith/internal/logging"
)

// ErrNotFound indicates the requested row does not exist.
var ErrNotFound = errors.New("not found")

// Approval defaults for newly stored rules.
const (
	ApprovalPending          = "pending"
	DefaultRequiredApprovals = 1
)

const (
	chatHistoryQuery = `SELECT messages FROM chat_histories WHERE id = $1`

	promptTemplateQuery = `SELECT prompt_template FROM extraction_prompts WHERE id = $1`

	insertRuleQuery = `
INSERT INTO extracted_rules (rule_text, rule_category, confidence_score, source_session_ids, extracted_by)
VALUES ($1, $2, $3, $4, $5)
RETURNING id`

	insertApprovalQuery = `
INSERT INTO rule_approvals (rule_id, status, required_approvals, current_approvals)
VALUES ($1, $2, $3, 0)`
)

// Repository is the Postgres-backed store for histories, prompts and rules.
type Repository struct {
	db     *sqlx.DB
	logger *logging.Logger
}

// NewRepository wraps an open database handle.
func NewRepository(db *sqlx.DB, logger *logging.Logger) *Repository {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Repository{db: db, logger: logger.Named("rules")}
}

// FetchChatHistories loads the turns of each id. Missing rows and rows that
// fail to load or decode are left out and logged; the caller treats an
// empty map as "nothing found".
func (r *Repository) FetchChatHistories(ctx context.Context, ids []string) (map[string][]conversation.RawTurn, error) {
	found := make(map[string][]conversation.RawTurn, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return found, err
		}

		var messages []byte
		err := r.db.GetContext(ctx, &messages, chatHistoryQuery, id)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return found, ctxErr
			}
			r.logger.Warn(ctx, "failed to fetch chat history", zap.String("conversation.id", id), zap.Error(err))
			continue
		}

		turns, err := conversation.ParseRawTurns(messages)
		if err != nil {
			r.logger.Warn(ctx, "invalid chat history messages", zap.String("conversation.id", id), zap.Error(err))
			continue
		}
		found[id] = turns
	}

	r.logger.Info(ctx, "fetched chat histories", zap.Int("count", len(found)))
	return found, nil
}

// PromptTemplate returns the template text stored under id.
func (r *Repository) PromptTemplate(ctx context.Context, id string) (string, error) {
	var text string
	err := r.db.GetContext(ctx, &text, promptTemplateQuery, id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("prompt %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("querying prompt %s: %w", id, err)
	}
	return text, nil
}

// StoreRules inserts each rule with a pending approval. A failure on one
// rule is logged and does not stop the rest. It returns the number stored.
func (r *Repository) StoreRules(ctx context.Context, userID string, sourceIDs []string, candidates []extraction.RuleCandidate) int {
	r.logger.Info(ctx, "storing extracted rules", zap.Int("count", len(candidates)))

	stored := 0
	for _, c := range candidates {
		id, err := r.storeRule(ctx, userID, sourceIDs, c)
		if err != nil {
			r.logger.Error(ctx, "failed to store rule",
				zap.Error(err),
				zap.String("category", string(c.Category)),
			)
			continue
		}
		stored++
		r.logger.Debug(ctx, "stored rule", zap.String("rule_id", id), zap.String("category", string(c.Category)))
	}

	r.logger.Info(ctx, "rule storage completed", zap.Int("stored", stored), zap.Int("failed", len(candidates)-stored))
	return stored
}

// storeRule writes one rule and its approval in a single transaction.
func (r *Repository) storeRule(ctx context.Context, userID string, sourceIDs []string, c extraction.RuleCandidate) (string, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var id string
	if err := tx.GetContext(ctx, &id, insertRuleQuery,
		c.RuleText, string(c.Category), c.Confidence, pq.Array(sourceIDs), userID,
	); err != nil {
		return "", fmt.Errorf("inserting rule: %w", err)
	}

	if _, err := tx.ExecContext(ctx, insertApprovalQuery, id, ApprovalPending, DefaultRequiredApprovals); err != nil {
		return "", fmt.Errorf("inserting approval for rule %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing rule %s: %w", id, err)
	}
	return id, nil
}

// Ping verifies the database connection.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

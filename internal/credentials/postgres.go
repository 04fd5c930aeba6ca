package credentials

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

const activeKeyQuery = `
SELECT api_key FROM llm_api_keys
WHERE provider = $1 AND is_active = true
ORDER BY is_default DESC, created_at DESC
LIMIT 1`

// PostgresStore reads keys from the llm_api_keys table.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// ActiveKey implements Store.
func (s *PostgresStore) ActiveKey(ctx context.Context, provider string) (string, error) {
	var key string
	err := s.db.GetContext(ctx, &key, activeKeyQuery, provider)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("querying active %s key: %w", provider, err)
	}
	return key, nil
}

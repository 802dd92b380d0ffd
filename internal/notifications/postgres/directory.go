// Package postgres provides a PostgreSQL implementation of the token directory.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/bissquit/epharmacy-notify/internal/notifications"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Directory implements notifications.Directory over the device_tokens table.
type Directory struct {
	db *pgxpool.Pool
}

var (
	_ notifications.Directory   = (*Directory)(nil)
	_ notifications.TokenPruner = (*Directory)(nil)
)

// NewDirectory creates a new PostgreSQL directory.
func NewDirectory(db *pgxpool.Pool) *Directory {
	return &Directory{db: db}
}

// ResolveToken implements notifications.Directory.
func (d *Directory) ResolveToken(ctx context.Context, userID string) (string, bool, error) {
	query := `SELECT token FROM device_tokens WHERE user_id = $1 AND token <> ''`

	var token string
	err := d.db.QueryRow(ctx, query, userID).Scan(&token)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query token for %s: %w", userID, err)
	}
	return token, true, nil
}

// ResolveTokens implements notifications.Directory.
// Results follow the order of userIDs; duplicates resolve once.
func (d *Directory) ResolveTokens(ctx context.Context, userIDs []string) ([]notifications.UserToken, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}

	query := `SELECT user_id, token FROM device_tokens WHERE user_id = ANY($1) AND token <> ''`

	rows, err := d.db.Query(ctx, query, userIDs)
	if err != nil {
		return nil, fmt.Errorf("query tokens: %w", err)
	}
	defer rows.Close()

	tokens := make(map[string]string, len(userIDs))
	for rows.Next() {
		var userID, token string
		if err := rows.Scan(&userID, &token); err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		tokens[userID] = token
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tokens: %w", err)
	}

	result := make([]notifications.UserToken, 0, len(tokens))
	for _, id := range userIDs {
		token, ok := tokens[id]
		if !ok {
			continue
		}
		delete(tokens, id)
		result = append(result, notifications.UserToken{UserID: id, Token: token})
	}
	return result, nil
}

// UpsertToken registers or replaces the device token for a user.
func (d *Directory) UpsertToken(ctx context.Context, userID, token, platform string) error {
	query := `
		INSERT INTO device_tokens (user_id, token, platform, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (user_id) DO UPDATE
		SET token = EXCLUDED.token, platform = EXCLUDED.platform, updated_at = NOW()
	`
	if platform == "" {
		platform = "unknown"
	}
	if _, err := d.db.Exec(ctx, query, userID, token, platform); err != nil {
		return fmt.Errorf("upsert token for %s: %w", userID, err)
	}
	return nil
}

// PruneToken implements notifications.TokenPruner. A token replaced since
// delivery was attempted is left alone.
func (d *Directory) PruneToken(ctx context.Context, userID, token string) error {
	query := `DELETE FROM device_tokens WHERE user_id = $1 AND token = $2`
	if _, err := d.db.Exec(ctx, query, userID, token); err != nil {
		return fmt.Errorf("prune token for %s: %w", userID, err)
	}
	return nil
}

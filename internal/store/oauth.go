package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/haasonsaas/troupe/pkg/models"
)

// UpsertOAuthToken inserts or refreshes a credential keyed by
// (provider, userId, accountEmail). When a concrete account email
// arrives, any placeholder row with an empty email for the same
// provider+user is deleted first so it cannot linger beside the real
// one. An empty incoming refresh token preserves the stored value,
// since providers omit it on re-grants.
func (s *Store) UpsertOAuthToken(ctx context.Context, tok *models.OAuthToken) error {
	now := s.now().UTC()
	tok.UpdatedAt = now
	if tok.CreatedAt.IsZero() {
		tok.CreatedAt = now
	}

	if tok.AccountEmail != "" {
		_, err := s.exec(ctx,
			"DELETE FROM oauth_tokens WHERE provider = ? AND user_id = ? AND account_email = ''",
			tok.Provider, tok.UserID,
		)
		if err != nil {
			return fmt.Errorf("drop placeholder token: %w", err)
		}
	}

	_, err := s.exec(ctx, `
		INSERT INTO oauth_tokens (provider, user_id, account_email, access_token, refresh_token, expiry_date, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(provider, user_id, account_email) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = CASE WHEN excluded.refresh_token IS NULL OR excluded.refresh_token = ''
				THEN oauth_tokens.refresh_token ELSE excluded.refresh_token END,
			expiry_date = excluded.expiry_date,
			updated_at = excluded.updated_at`,
		tok.Provider, tok.UserID, tok.AccountEmail,
		tok.AccessToken, nullString(tok.RefreshToken), nullTime(tok.ExpiryDate),
		tok.CreatedAt, tok.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert oauth token: %w", err)
	}
	return nil
}

// GetOAuthToken fetches the credential for an account. An empty
// accountEmail returns the most recently updated credential for the
// provider, covering callers that predate multi-account support.
func (s *Store) GetOAuthToken(ctx context.Context, provider, userID, accountEmail string) (*models.OAuthToken, error) {
	query := `
		SELECT provider, user_id, account_email, access_token, refresh_token, expiry_date, created_at, updated_at
		FROM oauth_tokens WHERE provider = ? AND user_id = ?`
	args := []any{provider, userID}
	if accountEmail != "" {
		query += " AND account_email = ?"
		args = append(args, accountEmail)
	}
	query += " ORDER BY updated_at DESC LIMIT 1"

	row := s.db.QueryRowContext(ctx, query, args...)
	return scanOAuthToken(row)
}

// ListOAuthTokens returns every credential the user holds, grouped by
// provider in the caller.
func (s *Store) ListOAuthTokens(ctx context.Context, userID string) ([]models.OAuthToken, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT provider, user_id, account_email, access_token, refresh_token, expiry_date, created_at, updated_at
		FROM oauth_tokens WHERE user_id = ?
		ORDER BY provider, account_email`, userID)
	if err != nil {
		return nil, fmt.Errorf("list oauth tokens: %w", err)
	}
	defer rows.Close()

	var out []models.OAuthToken
	for rows.Next() {
		tok, err := scanOAuthToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *tok)
	}
	return out, rows.Err()
}

// DeleteOAuthToken revokes one account's credential, or every credential
// for the provider when accountEmail is empty.
func (s *Store) DeleteOAuthToken(ctx context.Context, provider, userID, accountEmail string) error {
	query := "DELETE FROM oauth_tokens WHERE provider = ? AND user_id = ?"
	args := []any{provider, userID}
	if accountEmail != "" {
		query += " AND account_email = ?"
		args = append(args, accountEmail)
	}
	if _, err := s.exec(ctx, query, args...); err != nil {
		return fmt.Errorf("delete oauth token: %w", err)
	}
	return nil
}

type oauthScanner interface {
	Scan(dest ...any) error
}

func scanOAuthToken(row oauthScanner) (*models.OAuthToken, error) {
	var (
		tok     models.OAuthToken
		refresh sql.NullString
		expiry  sql.NullTime
	)
	err := row.Scan(&tok.Provider, &tok.UserID, &tok.AccountEmail,
		&tok.AccessToken, &refresh, &expiry, &tok.CreatedAt, &tok.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan oauth token: %w", err)
	}
	tok.RefreshToken = refresh.String
	tok.ExpiryDate = timePtr(expiry)
	return &tok, nil
}

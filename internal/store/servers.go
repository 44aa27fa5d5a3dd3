package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/haasonsaas/troupe/pkg/models"
)

// UpsertMCPServer inserts or replaces a user's tool server declaration.
func (s *Store) UpsertMCPServer(ctx context.Context, userID string, srv *models.MCPServer) error {
	now := s.now().UTC()
	srv.UpdatedAt = now
	if srv.CreatedAt.IsZero() {
		srv.CreatedAt = now
	}

	config, err := json.Marshal(srv.Config)
	if err != nil {
		return fmt.Errorf("marshal server config: %w", err)
	}

	_, err = s.exec(ctx, `
		INSERT INTO mcp_servers (id, user_id, config, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, id) DO UPDATE SET
			config = excluded.config,
			updated_at = excluded.updated_at`,
		srv.ID, userID, string(config), srv.CreatedAt, srv.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert mcp server: %w", err)
	}
	return nil
}

// GetMCPServer looks up one of the user's tool servers.
func (s *Store) GetMCPServer(ctx context.Context, userID, id string) (*models.MCPServer, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, config, created_at, updated_at
		FROM mcp_servers WHERE user_id = ? AND id = ?`, userID, id)
	return scanMCPServer(row)
}

// ListMCPServers returns the user's installed tool servers.
func (s *Store) ListMCPServers(ctx context.Context, userID string) ([]models.MCPServer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, config, created_at, updated_at
		FROM mcp_servers WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list mcp servers: %w", err)
	}
	defer rows.Close()

	var out []models.MCPServer
	for rows.Next() {
		srv, err := scanMCPServer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *srv)
	}
	return out, rows.Err()
}

// DeleteMCPServer removes a tool server declaration.
func (s *Store) DeleteMCPServer(ctx context.Context, userID, id string) error {
	res, err := s.exec(ctx,
		"DELETE FROM mcp_servers WHERE user_id = ? AND id = ?", userID, id)
	if err != nil {
		return fmt.Errorf("delete mcp server: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type mcpScanner interface {
	Scan(dest ...any) error
}

func scanMCPServer(row mcpScanner) (*models.MCPServer, error) {
	var (
		srv    models.MCPServer
		config string
	)
	err := row.Scan(&srv.ID, &config, &srv.CreatedAt, &srv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan mcp server: %w", err)
	}
	if err := json.Unmarshal([]byte(config), &srv.Config); err != nil {
		return nil, fmt.Errorf("unmarshal server config: %w", err)
	}
	return &srv, nil
}

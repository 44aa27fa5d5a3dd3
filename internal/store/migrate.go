package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// schema is the current full shape of every table. CREATE TABLE IF NOT
// EXISTS covers fresh databases; older databases are brought forward by
// the additive steps in Migrate.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		name TEXT,
		account_type TEXT NOT NULL DEFAULT 'individual',
		discord_user_id TEXT,
		locale TEXT,
		timezone TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		expires_at DATETIME NOT NULL,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS groups (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		url TEXT UNIQUE,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS memberships (
		group_id TEXT NOT NULL REFERENCES groups(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		role TEXT NOT NULL DEFAULT 'member',
		created_at DATETIME NOT NULL,
		UNIQUE(group_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS invitations (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		group_id TEXT NOT NULL REFERENCES groups(id) ON DELETE CASCADE,
		created_by TEXT NOT NULL,
		email TEXT,
		role TEXT NOT NULL DEFAULT 'member',
		expires_at DATETIME,
		used_at DATETIME,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS roles (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		group_id TEXT,
		name TEXT NOT NULL,
		job_desc TEXT,
		system_prompt TEXT,
		model TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		role_id TEXT NOT NULL,
		group_id TEXT,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS oauth_tokens (
		provider TEXT NOT NULL,
		user_id TEXT NOT NULL,
		account_email TEXT NOT NULL DEFAULT '',
		access_token TEXT NOT NULL,
		refresh_token TEXT,
		expiry_date DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE(provider, user_id, account_email)
	)`,
	`CREATE TABLE IF NOT EXISTS mcp_servers (
		id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		config TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (user_id, id)
	)`,
	`CREATE TABLE IF NOT EXISTS skills (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT,
		content TEXT NOT NULL,
		type TEXT NOT NULL DEFAULT 'prompt',
		config TEXT,
		enabled INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS settings (
		user_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (user_id, key)
	)`,
	`CREATE TABLE IF NOT EXISTS scheduled_jobs (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		role_id TEXT NOT NULL,
		description TEXT NOT NULL,
		schedule_type TEXT NOT NULL,
		run_at DATETIME,
		status TEXT NOT NULL DEFAULT 'pending',
		last_run_at DATETIME,
		last_error TEXT,
		hold_until DATETIME,
		run_count INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS memory_insights (
		id TEXT PRIMARY KEY,
		role_id TEXT NOT NULL,
		title TEXT NOT NULL,
		content TEXT NOT NULL,
		hash TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE(role_id, hash)
	)`,
}

var indexes = []string{
	"CREATE INDEX IF NOT EXISTS idx_messages_role_created ON messages(role_id, created_at)",
	"CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id)",
	"CREATE INDEX IF NOT EXISTS idx_oauth_tokens_user ON oauth_tokens(user_id)",
	"CREATE INDEX IF NOT EXISTS idx_jobs_user_status ON scheduled_jobs(user_id, status)",
	"CREATE INDEX IF NOT EXISTS idx_jobs_run_at_status ON scheduled_jobs(run_at, status)",
	"CREATE INDEX IF NOT EXISTS idx_memory_insights_role ON memory_insights(role_id)",
}

// addedColumns lists columns introduced after a table first shipped.
// Each is applied with ALTER TABLE ADD COLUMN when PRAGMA table_info
// shows it missing, so re-running is a no-op.
var addedColumns = []struct {
	table, column, decl string
}{
	{"users", "discord_user_id", "TEXT"},
	{"users", "locale", "TEXT"},
	{"users", "timezone", "TEXT"},
	{"roles", "model", "TEXT"},
	{"scheduled_jobs", "hold_until", "DATETIME"},
	{"scheduled_jobs", "run_count", "INTEGER NOT NULL DEFAULT 0"},
}

// Migrate brings the schema to the current shape. It is additive and
// idempotent: safe to run on every startup against any prior version.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	for _, ac := range addedColumns {
		if err := s.ensureColumn(ctx, ac.table, ac.column, ac.decl); err != nil {
			return err
		}
	}

	if err := s.ensureOAuthAccountKey(ctx); err != nil {
		return err
	}

	for _, stmt := range indexes {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

// ensureColumn introspects the table and adds the column when absent.
func (s *Store) ensureColumn(ctx context.Context, table, column, decl string) error {
	has, err := s.hasColumn(ctx, table, column)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl)
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("add column %s.%s: %w", table, column, err)
	}
	s.log.Info("added column", "table", table, "column", column)
	return nil
}

func (s *Store) hasColumn(ctx context.Context, table, column string) (bool, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("table_info %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return false, fmt.Errorf("scan table_info %s: %w", table, err)
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// ensureOAuthAccountKey rebuilds oauth_tokens when the stored table
// predates the (provider, user_id, account_email) uniqueness. SQLite
// cannot alter constraints in place, so the rows are copied into a
// shadow table which is then swapped in under foreign_keys = OFF.
func (s *Store) ensureOAuthAccountKey(ctx context.Context) error {
	var createSQL sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT sql FROM sqlite_master WHERE type = 'table' AND name = 'oauth_tokens'`,
	).Scan(&createSQL)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("inspect oauth_tokens: %w", err)
	}

	normalized := strings.ToLower(strings.Join(strings.Fields(createSQL.String), " "))
	if strings.Contains(normalized, "unique(provider, user_id, account_email)") {
		return nil
	}

	if _, err := s.db.ExecContext(ctx, "PRAGMA foreign_keys = OFF"); err != nil {
		return fmt.Errorf("disable foreign keys: %w", err)
	}
	defer func() {
		_, _ = s.db.ExecContext(ctx, "PRAGMA foreign_keys = ON")
	}()

	hasAccountEmail, err := s.hasColumn(ctx, "oauth_tokens", "account_email")
	if err != nil {
		return err
	}
	selectEmail := "account_email"
	if !hasAccountEmail {
		selectEmail = "''"
	}

	steps := []string{
		`CREATE TABLE oauth_tokens_new (
			provider TEXT NOT NULL,
			user_id TEXT NOT NULL,
			account_email TEXT NOT NULL DEFAULT '',
			access_token TEXT NOT NULL,
			refresh_token TEXT,
			expiry_date DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			UNIQUE(provider, user_id, account_email)
		)`,
		fmt.Sprintf(`INSERT OR IGNORE INTO oauth_tokens_new
			(provider, user_id, account_email, access_token, refresh_token, expiry_date, created_at, updated_at)
			SELECT provider, user_id, %s, access_token, refresh_token, expiry_date, created_at, updated_at
			FROM oauth_tokens`, selectEmail),
		`DROP TABLE oauth_tokens`,
		`ALTER TABLE oauth_tokens_new RENAME TO oauth_tokens`,
		"CREATE INDEX IF NOT EXISTS idx_oauth_tokens_user ON oauth_tokens(user_id)",
	}
	for _, stmt := range steps {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("rebuild oauth_tokens: %w", err)
		}
	}
	s.log.Info("rebuilt oauth_tokens with account_email key")
	return nil
}

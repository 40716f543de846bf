// Package store persists client-local state: which conversation was open
// last and which conversations were opened recently. Message history is never
// stored here; the server stays the source of truth.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"teamwire/internal/domain"

	_ "modernc.org/sqlite"
)

const DefaultRecentLimit = 10

// SQLite stores selection state keyed by profile (user id + workspace), so
// several accounts can share one database file.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

func Open(dbPath string, logger *slog.Logger) (*SQLite, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return &SQLite{db: db, logger: logger, now: time.Now}, nil
}

// Profile builds the key selection state is stored under.
func Profile(userID, workspaceID string) string {
	if workspaceID == "" {
		return userID
	}
	return userID + "@" + workspaceID
}

// SaveSelection records conv as the active conversation and bumps it in the
// recent list.
func (s *SQLite) SaveSelection(ctx context.Context, profile string, conv domain.Conversation) error {
	if err := conv.Validate(); err != nil {
		return err
	}
	now := s.now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save selection: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO selection (profile, conversation, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(profile) DO UPDATE SET conversation = excluded.conversation, updated_at = excluded.updated_at`,
		profile, conv.Key(), now,
	); err != nil {
		return fmt.Errorf("save selection: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO recent_conversations (profile, conversation, opened_at, opens) VALUES (?, ?, ?, 1)
		 ON CONFLICT(profile, conversation) DO UPDATE SET opened_at = excluded.opened_at, opens = opens + 1`,
		profile, conv.Key(), now,
	); err != nil {
		return fmt.Errorf("save recent conversation: %w", err)
	}
	return tx.Commit()
}

// LoadSelection returns the last active conversation. ok is false when none
// was saved for the profile.
func (s *SQLite) LoadSelection(ctx context.Context, profile string) (domain.Conversation, bool, error) {
	var key string
	err := s.db.QueryRowContext(ctx,
		`SELECT conversation FROM selection WHERE profile = ?`, profile,
	).Scan(&key)
	if err == sql.ErrNoRows {
		return domain.Conversation{}, false, nil
	}
	if err != nil {
		return domain.Conversation{}, false, fmt.Errorf("load selection: %w", err)
	}
	conv, err := domain.ParseConversation(key)
	if err != nil {
		s.logger.Warn("ignoring unreadable saved selection", "profile", profile, "value", key)
		return domain.Conversation{}, false, nil
	}
	return conv, true, nil
}

// RecentEntry is one row of the recent list.
type RecentEntry struct {
	Conversation domain.Conversation
	OpenedAt     time.Time
	Opens        int
}

// Recent lists recently opened conversations, newest first.
func (s *SQLite) Recent(ctx context.Context, profile string, limit int) ([]RecentEntry, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT conversation, opened_at, opens FROM recent_conversations
		 WHERE profile = ? ORDER BY opened_at DESC, conversation LIMIT ?`,
		profile, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list recent conversations: %w", err)
	}
	defer rows.Close()

	var out []RecentEntry
	for rows.Next() {
		var key string
		var e RecentEntry
		if err := rows.Scan(&key, &e.OpenedAt, &e.Opens); err != nil {
			return nil, err
		}
		conv, err := domain.ParseConversation(key)
		if err != nil {
			continue
		}
		e.Conversation = conv
		out = append(out, e)
	}
	return out, rows.Err()
}

// Ping checks that the database answers.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SchemaVersion reports the applied migration version.
func (s *SQLite) SchemaVersion() (int, error) {
	return GetSchemaVersion(s.db)
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// Package store persists conversations, scratch state, routines, and the
// audit log in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"steward/internal/domain"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements domain.ConversationStore, domain.HistoryArchive,
// domain.RoutineStore, and domain.AuditLogger on a single database file.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection: SQLite serializes writers anyway, and one writer
	// keeps turn appends strictly ordered.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		chat_key    TEXT PRIMARY KEY,
		channel     TEXT NOT NULL,
		chat_id     TEXT NOT NULL,
		created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
		last_active DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS turns (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		chat_key    TEXT NOT NULL REFERENCES conversations(chat_key) ON DELETE CASCADE,
		role        TEXT NOT NULL,
		content     TEXT,
		tool_calls  TEXT,
		created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_turns_chat ON turns(chat_key, id);

	CREATE TABLE IF NOT EXISTS summaries (
		chat_key    TEXT PRIMARY KEY REFERENCES conversations(chat_key) ON DELETE CASCADE,
		content     TEXT NOT NULL,
		updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS scratchpad (
		chat_key    TEXT NOT NULL,
		k           TEXT NOT NULL,
		v           TEXT NOT NULL,
		updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (chat_key, k)
	);

	CREATE TABLE IF NOT EXISTS routines (
		name           TEXT PRIMARY KEY,
		frequency      TEXT NOT NULL,
		preferred_time TEXT,
		description    TEXT NOT NULL,
		last_fired     DATETIME,
		created_at     DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS audit_log (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		action      TEXT NOT NULL,
		tool_name   TEXT,
		detail      TEXT,
		result      TEXT,
		created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_audit_time ON audit_log(created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// --- domain.ConversationStore ---

func (s *SQLiteStore) TouchConversation(ctx context.Context, channel, chatID string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (chat_key, channel, chat_id, created_at, last_active)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(chat_key) DO UPDATE SET last_active = excluded.last_active`,
		domain.ChatKey(channel, chatID), channel, chatID, now, now,
	)
	return err
}

func (s *SQLiteStore) AppendTurn(ctx context.Context, turn domain.Turn) (int64, error) {
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}

	var toolCalls any
	if len(turn.ToolCalls) > 0 {
		data, err := json.Marshal(turn.ToolCalls)
		if err != nil {
			return 0, fmt.Errorf("marshal tool calls: %w", err)
		}
		toolCalls = string(data)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO turns (chat_key, role, content, tool_calls, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		turn.ChatKey, string(turn.Role), turn.Content, toolCalls, turn.CreatedAt,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// RecentTurns returns up to limit most recent turns in chronological order.
func (s *SQLiteStore) RecentTurns(ctx context.Context, chatKey string, limit int) ([]domain.Turn, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_key, role, content, tool_calls, created_at
		 FROM (SELECT * FROM turns WHERE chat_key = ? ORDER BY id DESC LIMIT ?)
		 ORDER BY id ASC`,
		chatKey, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.scanTurns(rows)
}

func (s *SQLiteStore) scanTurns(rows *sql.Rows) ([]domain.Turn, error) {
	var turns []domain.Turn
	for rows.Next() {
		var t domain.Turn
		var role string
		var toolCalls sql.NullString
		if err := rows.Scan(&t.ID, &t.ChatKey, &role, &t.Content, &toolCalls, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Role = domain.TurnRole(role)
		if toolCalls.Valid && toolCalls.String != "" {
			if err := json.Unmarshal([]byte(toolCalls.String), &t.ToolCalls); err != nil {
				s.logger.Warn("cannot decode stored tool calls", "turn", t.ID, "err", err)
			}
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// --- domain.HistoryArchive ---

func (s *SQLiteStore) CountTurns(ctx context.Context, chatKey string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM turns WHERE chat_key = ?`, chatKey,
	).Scan(&n)
	return n, err
}

// OldestTurns returns up to limit turns in chronological order, oldest first.
func (s *SQLiteStore) OldestTurns(ctx context.Context, chatKey string, limit int) ([]domain.Turn, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_key, role, content, tool_calls, created_at
		 FROM turns WHERE chat_key = ? ORDER BY id ASC LIMIT ?`,
		chatKey, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.scanTurns(rows)
}

func (s *SQLiteStore) DeleteTurnsThrough(ctx context.Context, chatKey string, throughID int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM turns WHERE chat_key = ? AND id <= ?`, chatKey, throughID,
	)
	return err
}

func (s *SQLiteStore) Summary(ctx context.Context, chatKey string) (string, error) {
	var content string
	err := s.db.QueryRowContext(ctx,
		`SELECT content FROM summaries WHERE chat_key = ?`, chatKey,
	).Scan(&content)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return content, err
}

func (s *SQLiteStore) SaveSummary(ctx context.Context, chatKey, content string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO summaries (chat_key, content, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(chat_key) DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at`,
		chatKey, content, time.Now().UTC(),
	)
	return err
}

func (s *SQLiteStore) ListActiveChats(ctx context.Context, limit int) ([]domain.ActiveChat, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT channel, chat_id, last_active FROM conversations
		 ORDER BY last_active DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chats []domain.ActiveChat
	for rows.Next() {
		var c domain.ActiveChat
		if err := rows.Scan(&c.Channel, &c.ChatID, &c.LastActive); err != nil {
			return nil, err
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

func (s *SQLiteStore) SetScratch(ctx context.Context, chatKey, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scratchpad (chat_key, k, v, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(chat_key, k) DO UPDATE SET v = excluded.v, updated_at = excluded.updated_at`,
		chatKey, key, value, time.Now().UTC(),
	)
	return err
}

func (s *SQLiteStore) GetScratch(ctx context.Context, chatKey, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx,
		`SELECT v FROM scratchpad WHERE chat_key = ? AND k = ?`, chatKey, key,
	).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return v, err
}

func (s *SQLiteStore) ListScratch(ctx context.Context, chatKey string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT k, v FROM scratchpad WHERE chat_key = ? ORDER BY k`, chatKey,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// --- domain.RoutineStore ---

func (s *SQLiteStore) UpsertRoutine(ctx context.Context, entry domain.RoutineEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	var lastFired any
	if !entry.LastFired.IsZero() {
		lastFired = entry.LastFired.UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO routines (name, frequency, preferred_time, description, last_fired, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
			frequency = excluded.frequency,
			preferred_time = excluded.preferred_time,
			description = excluded.description`,
		entry.Name, string(entry.Frequency), entry.PreferredTime, entry.Description, lastFired, entry.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) RemoveRoutine(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM routines WHERE name = ?`, name)
	return err
}

func (s *SQLiteStore) ListRoutines(ctx context.Context) ([]domain.RoutineEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, frequency, preferred_time, description, last_fired, created_at
		 FROM routines ORDER BY name`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.RoutineEntry
	for rows.Next() {
		var e domain.RoutineEntry
		var freq string
		var preferred sql.NullString
		var lastFired sql.NullTime
		if err := rows.Scan(&e.Name, &freq, &preferred, &e.Description, &lastFired, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Frequency = domain.RoutineFrequency(freq)
		e.PreferredTime = preferred.String
		if lastFired.Valid {
			e.LastFired = lastFired.Time
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) MarkFired(ctx context.Context, name string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE routines SET last_fired = ? WHERE name = ?`, at.UTC(), name,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("routine %q not found", name)
	}
	return nil
}

// --- domain.AuditLogger ---

func (s *SQLiteStore) LogAudit(ctx context.Context, entry domain.AuditEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (action, tool_name, detail, result) VALUES (?, ?, ?, ?)`,
		entry.Action, entry.ToolName, entry.Detail, entry.Result,
	)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var (
	_ domain.ConversationStore = (*SQLiteStore)(nil)
	_ domain.HistoryArchive    = (*SQLiteStore)(nil)
	_ domain.RoutineStore      = (*SQLiteStore)(nil)
	_ domain.AuditLogger       = (*SQLiteStore)(nil)
)

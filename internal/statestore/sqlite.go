package statestore

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersion  = 1
	schemaChecksum = "botcore-v1-2026-07-01-durability-boundary"
)

// SQLiteStore is the production StateStore, backed by a single-writer
// SQLite database in WAL mode.
type SQLiteStore struct {
	db *sql.DB
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".botcore", "botcore.db")
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	ctx := context.Background()
	if err := store.configurePragmas(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// DB exposes the underlying connection for tests that assert on pragmas
// and schema directly.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersion {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersion)
	}
	if maxVersion == schemaVersion {
		var existing string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersion).Scan(&existing); err != nil {
			return fmt.Errorf("read schema checksum: %w", err)
		}
		if existing != schemaChecksum {
			return fmt.Errorf("schema checksum mismatch: got %q want %q", existing, schemaChecksum)
		}
		return tx.Commit()
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS bot_definitions (
			bot_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			adapter_type TEXT NOT NULL DEFAULT '',
			declared_capabilities TEXT NOT NULL DEFAULT '[]',
			configuration TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS credentials (
			bot_id TEXT NOT NULL REFERENCES bot_definitions(bot_id) ON DELETE CASCADE,
			kind TEXT NOT NULL CHECK(kind IN ('OneTimeToken', 'LongLivedKey')),
			value TEXT NOT NULL,
			consumed INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (bot_id, kind)
		);`,
		`CREATE TABLE IF NOT EXISTS tasks (
			task_id TEXT PRIMARY KEY,
			bot_id TEXT NOT NULL,
			command_name TEXT NOT NULL,
			arguments BLOB,
			state TEXT NOT NULL CHECK(state IN ('Pending', 'Running', 'Completed', 'Failed', 'Cancelled')),
			result BLOB,
			error TEXT NOT NULL DEFAULT '',
			submitted_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			started_at DATETIME,
			completed_at DATETIME,
			retries_remaining INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_bot_state_submitted ON tasks(bot_id, state, submitted_at);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum) VALUES (?, ?);
	`, schemaVersion, schemaChecksum); err != nil {
		return fmt.Errorf("insert schema ledger: %w", err)
	}

	return tx.Commit()
}

// retryOnBusy retries f when SQLite reports BUSY/LOCKED, with bounded
// exponential backoff and jitter on top of the driver's own busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

func (s *SQLiteStore) CreateDefinition(ctx context.Context, def BotDefinition, oneTimeToken string) error {
	caps, err := json.Marshal(def.DeclaredCapabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	cfg, err := json.Marshal(def.Configuration)
	if err != nil {
		return fmt.Errorf("marshal configuration: %w", err)
	}

	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create-definition tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO bot_definitions (bot_id, name, description, adapter_type, declared_capabilities, configuration, created_at)
			VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, def.BotID, def.Name, def.Description, def.AdapterType, string(caps), string(cfg)); err != nil {
			if isUniqueViolation(err) {
				return ErrConflict
			}
			return fmt.Errorf("insert bot_definition: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO credentials (bot_id, kind, value, consumed, created_at)
			VALUES (?, 'OneTimeToken', ?, 0, CURRENT_TIMESTAMP);
		`, def.BotID, oneTimeToken); err != nil {
			return fmt.Errorf("insert one_time_token: %w", err)
		}
		return tx.Commit()
	})
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *SQLiteStore) GetDefinition(ctx context.Context, botID string) (BotDefinition, error) {
	var def BotDefinition
	var caps, cfg string
	err := s.db.QueryRowContext(ctx, `
		SELECT bot_id, name, description, adapter_type, declared_capabilities, configuration, created_at
		FROM bot_definitions WHERE bot_id = ?;
	`, botID).Scan(&def.BotID, &def.Name, &def.Description, &def.AdapterType, &caps, &cfg, &def.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return BotDefinition{}, ErrNotFound
	}
	if err != nil {
		return BotDefinition{}, fmt.Errorf("select bot_definition: %w", err)
	}
	if err := json.Unmarshal([]byte(caps), &def.DeclaredCapabilities); err != nil {
		return BotDefinition{}, fmt.Errorf("unmarshal capabilities: %w", err)
	}
	if err := json.Unmarshal([]byte(cfg), &def.Configuration); err != nil {
		return BotDefinition{}, fmt.Errorf("unmarshal configuration: %w", err)
	}
	return def, nil
}

func (s *SQLiteStore) UpdateDefinition(ctx context.Context, def BotDefinition) error {
	caps, err := json.Marshal(def.DeclaredCapabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	cfg, err := json.Marshal(def.Configuration)
	if err != nil {
		return fmt.Errorf("marshal configuration: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE bot_definitions
		SET name = ?, description = ?, adapter_type = ?, declared_capabilities = ?, configuration = ?
		WHERE bot_id = ?;
	`, def.Name, def.Description, def.AdapterType, string(caps), string(cfg), def.BotID)
	if err != nil {
		return fmt.Errorf("update bot_definition: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update bot_definition rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteDefinition(ctx context.Context, botID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM bot_definitions WHERE bot_id = ?;`, botID)
	if err != nil {
		return fmt.Errorf("delete bot_definition: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete bot_definition rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ListDefinitions(ctx context.Context) ([]BotDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT bot_id, name, description, adapter_type, declared_capabilities, configuration, created_at
		FROM bot_definitions ORDER BY created_at ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list bot_definitions: %w", err)
	}
	defer rows.Close()

	var out []BotDefinition
	for rows.Next() {
		var def BotDefinition
		var caps, cfg string
		if err := rows.Scan(&def.BotID, &def.Name, &def.Description, &def.AdapterType, &caps, &cfg, &def.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan bot_definition: %w", err)
		}
		if err := json.Unmarshal([]byte(caps), &def.DeclaredCapabilities); err != nil {
			return nil, fmt.Errorf("unmarshal capabilities: %w", err)
		}
		if err := json.Unmarshal([]byte(cfg), &def.Configuration); err != nil {
			return nil, fmt.Errorf("unmarshal configuration: %w", err)
		}
		out = append(out, def)
	}
	return out, rows.Err()
}

// ConsumeOneTimeToken is the security-critical atomic swap (spec §4.2): a
// single transaction validates the candidate token, marks it consumed, and
// inserts the long-lived key, so a concurrent second caller observing the
// same unconsumed token either blocks behind this transaction (and then
// sees it already consumed) or loses the SQLite write-lock race outright.
func (s *SQLiteStore) ConsumeOneTimeToken(ctx context.Context, botID, candidateToken, newLongLivedKey string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin consume-token tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var storedToken string
		var consumed bool
		err = tx.QueryRowContext(ctx, `
			SELECT value, consumed FROM credentials WHERE bot_id = ? AND kind = 'OneTimeToken';
		`, botID).Scan(&storedToken, &consumed)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("select one_time_token: %w", err)
		}
		if consumed {
			return ErrNotFound
		}
		if subtle.ConstantTimeCompare([]byte(storedToken), []byte(candidateToken)) != 1 {
			return ErrConflict
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE credentials SET consumed = 1 WHERE bot_id = ? AND kind = 'OneTimeToken' AND consumed = 0;
		`, botID)
		if err != nil {
			return fmt.Errorf("mark token consumed: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("mark token consumed rows affected: %w", err)
		}
		if affected == 0 {
			// Another transaction won the race between our SELECT and this UPDATE.
			return ErrConflict
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO credentials (bot_id, kind, value, consumed, created_at)
			VALUES (?, 'LongLivedKey', ?, 0, CURRENT_TIMESTAMP)
			ON CONFLICT(bot_id, kind) DO UPDATE SET value = excluded.value;
		`, botID, newLongLivedKey); err != nil {
			return fmt.Errorf("insert long_lived_key: %w", err)
		}
		return tx.Commit()
	})
}

func (s *SQLiteStore) GetLongLivedKey(ctx context.Context, botID string) (string, error) {
	var key string
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM credentials WHERE bot_id = ? AND kind = 'LongLivedKey';
	`, botID).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("select long_lived_key: %w", err)
	}
	return key, nil
}

func (s *SQLiteStore) CreateTask(ctx context.Context, task Task) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (task_id, bot_id, command_name, arguments, state, submitted_at, retries_remaining)
		VALUES (?, ?, ?, ?, ?, ?, ?);
	`, task.TaskID, task.BotID, task.CommandName, task.Arguments, task.State, task.SubmittedAt, task.RetriesRemaining)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func scanTask(scanFn func(dest ...any) error) (Task, error) {
	var t Task
	var startedAt, completedAt sql.NullTime
	if err := scanFn(
		&t.TaskID, &t.BotID, &t.CommandName, &t.Arguments, &t.State,
		&t.Result, &t.Error, &t.SubmittedAt, &startedAt, &completedAt, &t.RetriesRemaining,
	); err != nil {
		return Task{}, err
	}
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return t, nil
}

const taskColumns = `task_id, bot_id, command_name, arguments, state, result, error, submitted_at, started_at, completed_at, retries_remaining`

func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id = ?;`, taskID)
	t, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	if err != nil {
		return Task{}, fmt.Errorf("select task: %w", err)
	}
	return t, nil
}

func (s *SQLiteStore) UpdateTask(ctx context.Context, task Task) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET state = ?, result = ?, error = ?, started_at = ?, completed_at = ?, retries_remaining = ?
		WHERE task_id = ?;
	`, task.State, task.Result, task.Error, task.StartedAt, task.CompletedAt, task.RetriesRemaining, task.TaskID)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update task rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ClaimNextPending selects the oldest Pending task for botID and
// transitions it to Running in one transaction, so two concurrent worker
// loops never claim the same task.
func (s *SQLiteStore) ClaimNextPending(ctx context.Context, botID string) (Task, error) {
	var claimed Task
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		row := tx.QueryRowContext(ctx, `
			SELECT `+taskColumns+` FROM tasks
			WHERE bot_id = ? AND state = 'Pending'
			ORDER BY submitted_at ASC LIMIT 1;
		`, botID)
		t, err := scanTask(row.Scan)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("select next pending task: %w", err)
		}

		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET state = 'Running', started_at = ? WHERE task_id = ? AND state = 'Pending';
		`, now, t.TaskID)
		if err != nil {
			return fmt.Errorf("claim task: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim task rows affected: %w", err)
		}
		if affected == 0 {
			return ErrNotFound
		}
		t.State = TaskRunning
		t.StartedAt = &now
		claimed = t
		return tx.Commit()
	})
	if err != nil {
		return Task{}, err
	}
	return claimed, nil
}

func (s *SQLiteStore) ListTasksByBot(ctx context.Context, botID string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE bot_id = ? ORDER BY submitted_at ASC;
	`, botID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// store.go — Durable log/result/settings storage on SQLite.
// Executed-command history is a bounded ring (oldest rows dropped past
// maxLogEntries) so restarts surface recent history without unbounded growth.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io/fs"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/webpilot/webpilot/internal/command"
	"github.com/webpilot/webpilot/internal/config"
)

const maxLogEntries = 200

// Store wraps a sql.DB connection to the SQLite state database.
type Store struct {
	conn *sql.DB
}

// Open creates a new Store and runs all pending migrations.
// Use ":memory:" for an ephemeral store in tests.
func Open(path string) (*Store, error) {
	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	migrationsFS, err := fs.Sub(MigrationFS, "migrations")
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("migrations sub-fs: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, conn, migrationsFS)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("create migration provider: %w", err)
	}
	if _, err := provider.Up(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	return &Store{conn: conn}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// AppendLog records a terminal command or sub-action step and trims the
// ring past maxLogEntries, oldest first.
func (s *Store) AppendLog(e command.LogEntry) error {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.conn.Exec(
		`INSERT INTO logs (command_id, command_type, status, error_code, url, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.Type, e.Status, e.ErrorCode, e.URL, ts.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert log: %w", err)
	}
	_, err = s.conn.Exec(
		`DELETE FROM logs WHERE rowid NOT IN (SELECT rowid FROM logs ORDER BY rowid DESC LIMIT ?)`,
		maxLogEntries,
	)
	if err != nil {
		return fmt.Errorf("trim logs: %w", err)
	}
	return nil
}

// RecentLogs returns up to limit entries, most recent last.
func (s *Store) RecentLogs(limit int) ([]command.LogEntry, error) {
	if limit <= 0 || limit > maxLogEntries {
		limit = maxLogEntries
	}
	rows, err := s.conn.Query(
		`SELECT command_id, command_type, status, error_code, url, created_at
		 FROM (SELECT rowid, * FROM logs ORDER BY rowid DESC LIMIT ?) ORDER BY rowid ASC`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	defer rows.Close()

	var out []command.LogEntry
	for rows.Next() {
		var e command.LogEntry
		var ts string
		if err := rows.Scan(&e.ID, &e.Type, &e.Status, &e.ErrorCode, &e.URL, &ts); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		if t, perr := time.Parse(time.RFC3339Nano, ts); perr == nil {
			e.Timestamp = t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LogCount returns the number of retained log entries.
func (s *Store) LogCount() (int, error) {
	var n int
	err := s.conn.QueryRow(`SELECT COUNT(*) FROM logs`).Scan(&n)
	return n, err
}

// SaveResult upserts the result summary for a command id.
func (s *Store) SaveResult(commandID string, sum command.Summary) error {
	data, err := json.Marshal(sum)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	_, err = s.conn.Exec(
		`INSERT INTO results (command_id, summary, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(command_id) DO UPDATE SET summary = excluded.summary, updated_at = excluded.updated_at`,
		commandID, string(data), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upsert result: %w", err)
	}
	return nil
}

// Result returns the persisted summary for a command id, if any.
func (s *Store) Result(commandID string) (command.Summary, bool, error) {
	var data string
	err := s.conn.QueryRow(`SELECT summary FROM results WHERE command_id = ?`, commandID).Scan(&data)
	if err == sql.ErrNoRows {
		return command.Summary{}, false, nil
	}
	if err != nil {
		return command.Summary{}, false, fmt.Errorf("query result: %w", err)
	}
	var sum command.Summary
	if err := json.Unmarshal([]byte(data), &sum); err != nil {
		return command.Summary{}, false, fmt.Errorf("unmarshal summary: %w", err)
	}
	return sum, true, nil
}

// SaveSettings persists a settings snapshot. Satisfies config.Persister.
func (s *Store) SaveSettings(settings config.Settings) error {
	data, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	_, err = s.conn.Exec(
		`INSERT INTO settings (key, value) VALUES ('settings', ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		string(data),
	)
	if err != nil {
		return fmt.Errorf("upsert settings: %w", err)
	}
	return nil
}

// LoadSettings returns the persisted settings snapshot, if one exists.
func (s *Store) LoadSettings() (config.Settings, bool, error) {
	var data string
	err := s.conn.QueryRow(`SELECT value FROM settings WHERE key = 'settings'`).Scan(&data)
	if err == sql.ErrNoRows {
		return config.Settings{}, false, nil
	}
	if err != nil {
		return config.Settings{}, false, fmt.Errorf("query settings: %w", err)
	}
	var out config.Settings
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		return config.Settings{}, false, fmt.Errorf("unmarshal settings: %w", err)
	}
	return out, true, nil
}

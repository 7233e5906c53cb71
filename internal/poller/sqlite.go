package poller

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists trigger state in a SQLite database. The serialized
// TriggerState is stored as a JSON blob keyed by trigger ID; the layout is an
// implementation detail, the contract is the exact round-trip.
type SQLiteStore struct {
	db *sql.DB
}

// SQLiteConfig contains configuration for the SQLite store.
type SQLiteConfig struct {
	// Path is the filesystem path to the SQLite database file.
	// Default: ~/.local/share/workspace-triggers/trigger-state.db
	Path string

	// MaxOpenConns sets the maximum number of open connections.
	// For SQLite, this should typically be low to avoid lock contention.
	MaxOpenConns int
}

// NewSQLiteStore opens (creating if needed) the trigger state database.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		cfg.Path = filepath.Join(homeDir, ".local", "share", "workspace-triggers", "trigger-state.db")
	}

	if cfg.Path != ":memory:" {
		dir := filepath.Dir(cfg.Path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	// WAL mode for better concurrency and durability
	connStr := cfg.Path
	if cfg.Path != ":memory:" {
		connStr += "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	maxConns := cfg.MaxOpenConns
	if maxConns == 0 {
		maxConns = 5
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &SQLiteStore{db: db}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// migrate creates the database schema.
func (s *SQLiteStore) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS trigger_state (
		trigger_id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// Load retrieves the state for a trigger ID.
// Returns a fresh empty state if the trigger has never been persisted.
func (s *SQLiteStore) Load(ctx context.Context, triggerID string) (*TriggerState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT state FROM trigger_state WHERE trigger_id = ?`, triggerID)

	var raw string
	err := row.Scan(&raw)
	if err == sql.ErrNoRows {
		return NewTriggerState(triggerID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}

	var state TriggerState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, fmt.Errorf("failed to parse state: %w", err)
	}
	if state.Resources == nil {
		state.Resources = make(map[string]*ResourceState)
	}

	return &state, nil
}

// Save creates or updates the state for a trigger. The upsert is a single
// statement, so a save is atomic with respect to concurrent loads.
func (s *SQLiteStore) Save(ctx context.Context, state *TriggerState) error {
	state.UpdatedAt = time.Now()

	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	query := `
	INSERT INTO trigger_state (trigger_id, state, created_at, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(trigger_id) DO UPDATE SET
		state = excluded.state,
		updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		state.TriggerID,
		string(raw),
		state.CreatedAt,
		state.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}

	return nil
}

// Delete removes the state for a trigger.
func (s *SQLiteStore) Delete(ctx context.Context, triggerID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM trigger_state WHERE trigger_id = ?`, triggerID)
	if err != nil {
		return fmt.Errorf("failed to delete state: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

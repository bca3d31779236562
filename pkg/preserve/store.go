// Package preserve durably snapshots active playback sessions when the
// audio cluster becomes unreachable, so position and queue context
// survive a node outage and can be offered for restoration when the
// cluster recovers.
package preserve

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/latoulicious/Resona/pkg/audionode"
)

// DefaultStaleness is how old a preserved state may be before it is
// discarded instead of restored.
const DefaultStaleness = 30 * time.Minute

// Config contains configuration for the preservation store.
type Config struct {
	DatabasePath string
	Staleness    time.Duration
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DatabasePath: "data/resona.db",
		Staleness:    DefaultStaleness,
	}
}

// LoadFromEnvironment loads configuration values from environment variables.
func (c *Config) LoadFromEnvironment() {
	if val := os.Getenv("PRESERVE_DB_PATH"); val != "" {
		c.DatabasePath = val
	}
	if val := os.Getenv("PRESERVE_STALENESS"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Staleness = d
		}
	}
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return errors.New("database path cannot be empty")
	}
	if c.Staleness <= 0 {
		return errors.New("staleness threshold must be > 0")
	}
	return nil
}

// State is one durable session snapshot.
type State struct {
	SessionID  string
	Timestamp  time.Time
	Track      *audionode.Track
	PositionMs int64
	Paused     bool
	Volume     int
}

// Store is the sqlite-backed preservation store.
type Store struct {
	config *Config
	db     *sql.DB
	logger *zap.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS preserved_sessions (
	session_id   TEXT PRIMARY KEY,
	preserved_at INTEGER NOT NULL,
	title        TEXT NOT NULL,
	author       TEXT NOT NULL,
	uri          TEXT NOT NULL,
	thumbnail    TEXT NOT NULL,
	encoded      TEXT NOT NULL,
	duration_ms  INTEGER NOT NULL,
	requested_by TEXT NOT NULL,
	position_ms  INTEGER NOT NULL,
	paused       INTEGER NOT NULL,
	volume       INTEGER NOT NULL
);`

// NewStore opens (creating if needed) the preservation database.
func NewStore(config *Config, logger *zap.Logger) (*Store, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid preservation configuration: %w", err)
	}

	if dir := filepath.Dir(config.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", config.DatabasePath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening preservation database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating preservation schema: %w", err)
	}

	return &Store{
		config: config,
		db:     db,
		logger: logger.Named("preserve"),
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Preserve writes or replaces the snapshot for a session.
func (s *Store) Preserve(ctx context.Context, state State) error {
	if state.Track == nil {
		return errors.New("cannot preserve a session without a track")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO preserved_sessions
		(session_id, preserved_at, title, author, uri, thumbnail, encoded,
		 duration_ms, requested_by, position_ms, paused, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		state.SessionID,
		state.Timestamp.Unix(),
		state.Track.Title,
		state.Track.Author,
		state.Track.URI,
		state.Track.Thumbnail,
		state.Track.Encoded,
		state.Track.Duration.Milliseconds(),
		state.Track.RequestedBy,
		state.PositionMs,
		boolToInt(state.Paused),
		state.Volume,
	)
	if err != nil {
		return fmt.Errorf("preserving session %s: %w", state.SessionID, err)
	}
	return nil
}

// Read returns the preserved state for a session. States older than the
// staleness threshold are discarded and reported as absent. Returns
// (nil, nil) when nothing usable is preserved.
func (s *Store) Read(ctx context.Context, sessionID string) (*State, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT preserved_at, title, author, uri, thumbnail, encoded,
		       duration_ms, requested_by, position_ms, paused, volume
		FROM preserved_sessions WHERE session_id = ?`, sessionID)

	var (
		preservedAt, durationMs, positionMs int64
		paused, volume                      int
		title, author, uri, thumb, encoded  string
		requestedBy                         string
	)
	err := row.Scan(&preservedAt, &title, &author, &uri, &thumb, &encoded,
		&durationMs, &requestedBy, &positionMs, &paused, &volume)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading preserved session %s: %w", sessionID, err)
	}

	timestamp := time.Unix(preservedAt, 0)
	if time.Since(timestamp) > s.config.Staleness {
		s.logger.Info("discarding stale preserved session",
			zap.String("session_id", sessionID),
			zap.Time("preserved_at", timestamp),
		)
		if err := s.Clear(ctx, sessionID); err != nil {
			s.logger.Warn("failed to clear stale session", zap.Error(err))
		}
		return nil, nil
	}

	return &State{
		SessionID: sessionID,
		Timestamp: timestamp,
		Track: &audionode.Track{
			Title:       title,
			Author:      author,
			URI:         uri,
			Thumbnail:   thumb,
			Encoded:     encoded,
			Duration:    time.Duration(durationMs) * time.Millisecond,
			RequestedBy: requestedBy,
		},
		PositionMs: positionMs,
		Paused:     paused != 0,
		Volume:     volume,
	}, nil
}

// Clear removes the preserved state for a session.
func (s *Store) Clear(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM preserved_sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("clearing preserved session %s: %w", sessionID, err)
	}
	return nil
}

// ListIDs returns the session ids of every preserved snapshot, stale or not.
func (s *Store) ListIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id FROM preserved_sessions`)
	if err != nil {
		return nil, fmt.Errorf("listing preserved sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

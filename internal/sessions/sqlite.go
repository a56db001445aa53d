package sessions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/zhuxuwei88-bot/openclaw/pkg/models"
)

// SQLiteStore implements Store on a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the session database at path. Use
// ":memory:" for tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open session database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			key TEXT PRIMARY KEY,
			id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			channel TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			queue_mode TEXT NOT NULL DEFAULT '',
			thinking_level TEXT NOT NULL DEFAULT '',
			verbosity_level TEXT NOT NULL DEFAULT '',
			reasoning_level TEXT NOT NULL DEFAULT '',
			pinned_profile TEXT NOT NULL DEFAULT '',
			provider TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create sessions table: %w", err)
	}

	_, err = s.db.Exec("CREATE INDEX IF NOT EXISTS idx_sessions_agent ON sessions(agent_id)")
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	return nil
}

// GetOrCreate returns the session for key, inserting a fresh row on first
// contact with the conversation.
func (s *SQLiteStore) GetOrCreate(ctx context.Context, key, agentID string, channel models.ChannelType, channelID string) (*models.Session, error) {
	existing, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	now := time.Now().UTC()
	sess := &models.Session{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		Channel:   channel,
		ChannelID: channelID,
		Key:       key,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (key, id, agent_id, channel, channel_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO NOTHING
	`, sess.Key, sess.ID, sess.AgentID, string(sess.Channel), sess.ChannelID, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert session: %w", err)
	}

	// Re-read to cover the conflict path where another run inserted first.
	return s.Get(ctx, key)
}

// Get returns the session for key, or nil when absent.
func (s *SQLiteStore) Get(ctx context.Context, key string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key, id, agent_id, channel, channel_id, queue_mode,
		       thinking_level, verbosity_level, reasoning_level,
		       pinned_profile, provider, model, created_at, updated_at
		FROM sessions WHERE key = ?
	`, key)

	var sess models.Session
	var channel, queueMode, thinking, verbosity, reasoning string
	err := row.Scan(&sess.Key, &sess.ID, &sess.AgentID, &channel, &sess.ChannelID,
		&queueMode, &thinking, &verbosity, &reasoning,
		&sess.PinnedProfile, &sess.Provider, &sess.Model,
		&sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}

	sess.Channel = models.ChannelType(channel)
	sess.QueueMode = models.QueueMode(queueMode)
	sess.ThinkingLevel = models.Level(thinking)
	sess.VerbosityLevel = models.Level(verbosity)
	sess.ReasoningLevel = models.Level(reasoning)
	return &sess, nil
}

// Update persists directive state for an existing session.
func (s *SQLiteStore) Update(ctx context.Context, sess *models.Session) error {
	if sess == nil || sess.Key == "" {
		return errors.New("session key is required")
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET
			queue_mode = ?, thinking_level = ?, verbosity_level = ?,
			reasoning_level = ?, pinned_profile = ?, provider = ?, model = ?,
			updated_at = ?
		WHERE key = ?
	`, string(sess.QueueMode), string(sess.ThinkingLevel), string(sess.VerbosityLevel),
		string(sess.ReasoningLevel), sess.PinnedProfile, sess.Provider, sess.Model,
		time.Now().UTC(), sess.Key)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("session %s not found", sess.Key)
	}
	return nil
}

// Reset clears directive state but keeps the session row, matching the
// "never deleted, only reset" lifecycle.
func (s *SQLiteStore) Reset(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET
			queue_mode = '', thinking_level = '', verbosity_level = '',
			reasoning_level = '', pinned_profile = '', updated_at = ?
		WHERE key = ?
	`, time.Now().UTC(), key)
	if err != nil {
		return fmt.Errorf("failed to reset session: %w", err)
	}
	return nil
}

// List returns all sessions ordered by most recent activity.
func (s *SQLiteStore) List(ctx context.Context) ([]*models.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, id, agent_id, channel, channel_id, queue_mode,
		       thinking_level, verbosity_level, reasoning_level,
		       pinned_profile, provider, model, created_at, updated_at
		FROM sessions ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var result []*models.Session
	for rows.Next() {
		var sess models.Session
		var channel, queueMode, thinking, verbosity, reasoning string
		err := rows.Scan(&sess.Key, &sess.ID, &sess.AgentID, &channel, &sess.ChannelID,
			&queueMode, &thinking, &verbosity, &reasoning,
			&sess.PinnedProfile, &sess.Provider, &sess.Model,
			&sess.CreatedAt, &sess.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to read session: %w", err)
		}
		sess.Channel = models.ChannelType(channel)
		sess.QueueMode = models.QueueMode(queueMode)
		sess.ThinkingLevel = models.Level(thinking)
		sess.VerbosityLevel = models.Level(verbosity)
		sess.ReasoningLevel = models.Level(reasoning)
		result = append(result, &sess)
	}
	return result, rows.Err()
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Package sessions persists per-conversation directive state: queue-mode
// overrides, thinking/verbosity/reasoning levels, and pinned auth profiles.
package sessions

import (
	"context"

	"github.com/zhuxuwei88-bot/openclaw/pkg/models"
)

// Store is the interface for session persistence.
type Store interface {
	// GetOrCreate returns the session for key, creating it on first contact.
	GetOrCreate(ctx context.Context, key, agentID string, channel models.ChannelType, channelID string) (*models.Session, error)

	// Get returns the session for key, or nil when absent.
	Get(ctx context.Context, key string) (*models.Session, error)

	// Update persists mutated directive state.
	Update(ctx context.Context, session *models.Session) error

	// Reset clears directive state for key but keeps the session row.
	Reset(ctx context.Context, key string) error

	// Close releases store resources.
	Close() error
}

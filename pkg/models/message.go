package models

import (
	"time"
)

// ChannelType represents a messaging platform.
type ChannelType string

const (
	ChannelTelegram ChannelType = "telegram"
	ChannelDiscord  ChannelType = "discord"
	ChannelSlack    ChannelType = "slack"
	ChannelWebhook  ChannelType = "webhook"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is the unified inbound message format across all channels.
type Message struct {
	ID          string         `json:"id"`
	SessionKey  string         `json:"session_key"`
	Channel     ChannelType    `json:"channel"`
	ChannelID   string         `json:"channel_id"` // Platform-specific message ID
	Role        Role           `json:"role"`
	Content     string         `json:"content"`
	Attachments []Attachment   `json:"attachments,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`

	// QueueModeOverride is a per-message directive (e.g. parsed from a
	// /queue command) that takes precedence over session and config modes.
	QueueModeOverride QueueMode `json:"queue_mode_override,omitempty"`
}

// Attachment represents a file or media attachment.
type Attachment struct {
	ID       string `json:"id"`
	Type     string `json:"type"` // image, audio, video, document
	URL      string `json:"url"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// ReplyPayload is one unit of outbound content produced by a run. A run may
// produce several payloads when block streaming is enabled.
type ReplyPayload struct {
	Text      string   `json:"text"`
	MediaURLs []string `json:"media_urls,omitempty"`
	IsError   bool     `json:"is_error,omitempty"`
}

// QueueMode controls how a new inbound message interacts with an in-flight run.
type QueueMode string

const (
	// QueueModeSteer forwards the text into the active streaming run.
	QueueModeSteer QueueMode = "steer"

	// QueueModeSteerBacklog steers and also enqueues a followup so the
	// message survives a run that ends concurrently.
	QueueModeSteerBacklog QueueMode = "steer-backlog"

	// QueueModeFollowup appends the message behind current lane work.
	QueueModeFollowup QueueMode = "followup"

	// QueueModeCollect appends a followup; pending followups for the session
	// are merged into one composite prompt when the lane task runs.
	QueueModeCollect QueueMode = "collect"

	// QueueModeInterrupt clears queued lane work, aborts the active run, and
	// starts fresh with the new message.
	QueueModeInterrupt QueueMode = "interrupt"
)

// ValidQueueMode reports whether the mode is one of the known modes.
func ValidQueueMode(m QueueMode) bool {
	switch m {
	case QueueModeSteer, QueueModeSteerBacklog, QueueModeFollowup, QueueModeCollect, QueueModeInterrupt:
		return true
	}
	return false
}

// DropPolicy controls eviction when a followup queue exceeds its cap.
type DropPolicy string

const (
	DropOldest    DropPolicy = "oldest"
	DropNewest    DropPolicy = "newest"
	DropSummarize DropPolicy = "summarize"
)

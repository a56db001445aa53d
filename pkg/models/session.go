package models

import "time"

// Level is a coarse directive level applied to a session (thinking effort,
// verbosity, reasoning visibility). Empty means provider default.
type Level string

const (
	LevelOff    Level = "off"
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

// Session represents one logical conversation and its persisted directive
// state. Sessions are created on first inbound message and reset rather than
// deleted.
type Session struct {
	ID        string      `json:"id"`
	AgentID   string      `json:"agent_id"`
	Channel   ChannelType `json:"channel"`
	ChannelID string      `json:"channel_id"`
	Key       string      `json:"key"`

	// Directive state, mutated by user commands and carried across runs.
	QueueMode      QueueMode `json:"queue_mode,omitempty"`
	ThinkingLevel  Level     `json:"thinking_level,omitempty"`
	VerbosityLevel Level     `json:"verbosity_level,omitempty"`
	ReasoningLevel Level     `json:"reasoning_level,omitempty"`

	// PinnedProfile forces a specific auth profile for this session's runs.
	PinnedProfile string `json:"pinned_profile,omitempty"`

	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SessionKey builds a unique session key from routing parts.
func SessionKey(agentID string, channel ChannelType, channelID string) string {
	return agentID + ":" + string(channel) + ":" + channelID
}

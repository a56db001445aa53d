package agent

import (
	"context"

	"github.com/zhuxuwei88-bot/openclaw/pkg/models"
)

// Session is the contract the scheduler core consumes from the reasoning
// engine. Implementations live outside this repository; tests use fakes.
type Session interface {
	// Subscribe registers a handler for stream events and returns an
	// unsubscribe function. Handlers for one session are invoked serially.
	Subscribe(h Handler) (unsubscribe func())

	// Prompt starts a turn with the given text. Blocks until the turn ends
	// or ctx is done.
	Prompt(ctx context.Context, text string) error

	// Steer injects text into the currently streaming turn.
	Steer(text string) error

	// Abort cooperatively cancels the in-flight turn. It cannot forcibly
	// terminate a provider call already on the wire.
	Abort()

	// IsStreaming reports whether a turn is actively streaming output.
	IsStreaming() bool

	// Messages returns the transcript accumulated so far.
	Messages() []*models.Message

	// Dispose releases session resources.
	Dispose()
}

// SessionSpec describes the session a turn should run against.
type SessionSpec struct {
	SessionKey string
	AgentID    string
	Provider   string
	Model      string

	ThinkingLevel  models.Level
	VerbosityLevel models.Level
	ReasoningLevel models.Level
}

// Engine opens agent sessions. The engine is an external collaborator; the
// core only depends on this boundary.
type Engine interface {
	Open(ctx context.Context, spec SessionSpec) (Session, error)
}

// CredentialResolver maps (provider, model, profileID) to a usable key or
// token and installs it as the active runtime credential.
type CredentialResolver interface {
	Resolve(ctx context.Context, provider, model, profileID string) error
}

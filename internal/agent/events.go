// Package agent defines the boundary to the underlying agent session engine:
// the event stream emitted during a turn, the session contract the core
// consumes, and the error taxonomy shared by the scheduler and the runner.
package agent

import "time"

// EventType identifies one kind of session stream event.
type EventType string

const (
	EventMessageStart    EventType = "message_start"
	EventMessageUpdate   EventType = "message_update"
	EventMessageEnd      EventType = "message_end"
	EventToolStart       EventType = "tool_execution_start"
	EventToolUpdate      EventType = "tool_execution_update"
	EventToolEnd         EventType = "tool_execution_end"
	EventCompactionStart EventType = "auto_compaction_start"
	EventCompactionEnd   EventType = "auto_compaction_end"
	EventAgentStart      EventType = "agent_start"
	EventAgentEnd        EventType = "agent_end"
)

// TextStage qualifies a message_update event.
type TextStage string

const (
	TextStart TextStage = "text_start"
	TextDelta TextStage = "text_delta"
	TextEnd   TextStage = "text_end"
)

// Event is one entry in a session's per-turn event stream.
//
// Delivery is ordered but not fully reliable: some providers resend the full
// accumulated text as Content on text_end instead of a delta, and a late
// text_end can arrive after message_end. Consumers must de-duplicate.
type Event struct {
	Type EventType
	Time time.Time

	// Stage applies to EventMessageUpdate events.
	Stage TextStage

	// Delta is the incremental text for this update, when the provider
	// supplies one.
	Delta string

	// Content is the cumulative message text as reported by the provider.
	// May lag or repeat previous updates.
	Content string

	// Tool is set on tool_execution_* events.
	Tool *ToolEvent

	// Compaction is set on auto_compaction_* events.
	Compaction *CompactionEvent

	// Err is set on agent_end when the turn failed.
	Err error
}

// ToolStatus is the terminal status of a tool execution.
type ToolStatus string

const (
	ToolStatusRunning ToolStatus = "running"
	ToolStatusOK      ToolStatus = "ok"
	ToolStatusError   ToolStatus = "error"
)

// ToolEvent describes one tool invocation observed on the stream.
type ToolEvent struct {
	ID     string
	Name   string
	Status ToolStatus

	// Args holds the decoded tool arguments. For messaging-capable tools the
	// outgoing text and target are read from here.
	Args map[string]any

	// Messaging marks tools that can post directly to a chat platform.
	Messaging bool

	// Partial is incremental output on tool_execution_update events.
	Partial string
}

// CompactionEvent describes an automatic context compaction.
type CompactionEvent struct {
	// WillRetry indicates the in-flight provider call was aborted and will be
	// retried after compaction completes.
	WillRetry bool
}

// Handler consumes stream events. For one session, handlers are never invoked
// concurrently; the subscriber enforces this ordering.
type Handler func(Event)

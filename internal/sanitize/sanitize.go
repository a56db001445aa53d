// Package sanitize normalizes transcripts for provider consumption. Quirk
// handling is a pipeline of pure stages selected by provider capability
// flags and composed in a fixed order, instead of scattered conditionals.
package sanitize

import (
	"strings"

	"github.com/zhuxuwei88-bot/openclaw/pkg/models"
)

// Caps describes what the target provider tolerates.
type Caps struct {
	// AllowsSystemRole permits system messages in the transcript body.
	AllowsSystemRole bool

	// StrictTurnAlternation requires user/assistant turns to alternate.
	StrictTurnAlternation bool

	// AllowsReasoningContent permits assistant messages whose entire content
	// is a reasoning segment.
	AllowsReasoningContent bool
}

// Stage transforms a transcript. Stages must be pure: no mutation of the
// input slice or its messages.
type Stage func(msgs []*models.Message, caps Caps) []*models.Message

// Pipeline returns the fixed stage order. Callers apply all stages; each
// stage decides from caps whether it has work to do.
func Pipeline() []Stage {
	return []Stage{
		DropEmptyMessages,
		DropOrphanToolResults,
		FilterReasoningOnly,
		DemoteSystemMessages,
		MergeConsecutiveTurns,
	}
}

// Apply runs the full pipeline over the transcript.
func Apply(msgs []*models.Message, caps Caps) []*models.Message {
	for _, stage := range Pipeline() {
		msgs = stage(msgs, caps)
	}
	return msgs
}

// DropEmptyMessages removes messages with no content and no attachments.
// Providers reject empty turns with schema errors.
func DropEmptyMessages(msgs []*models.Message, _ Caps) []*models.Message {
	out := make([]*models.Message, 0, len(msgs))
	for _, m := range msgs {
		if m == nil {
			continue
		}
		if strings.TrimSpace(m.Content) == "" && len(m.Attachments) == 0 {
			continue
		}
		out = append(out, m)
	}
	return out
}

// DropOrphanToolResults removes tool-result messages that do not directly
// follow an assistant turn. Providers reject results with no matching call.
func DropOrphanToolResults(msgs []*models.Message, _ Caps) []*models.Message {
	out := make([]*models.Message, 0, len(msgs))
	for i, m := range msgs {
		if m.Role == models.RoleTool {
			if i == 0 || msgs[i-1].Role != models.RoleAssistant {
				continue
			}
		}
		out = append(out, m)
	}
	return out
}

// FilterReasoningOnly removes assistant messages whose visible content is
// empty once reasoning segments are stripped, unless the provider accepts
// reasoning content.
func FilterReasoningOnly(msgs []*models.Message, caps Caps) []*models.Message {
	if caps.AllowsReasoningContent {
		return msgs
	}

	out := make([]*models.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == models.RoleAssistant && isReasoningOnly(m.Content) {
			continue
		}
		out = append(out, m)
	}
	return out
}

// DemoteSystemMessages rewrites mid-transcript system messages as user
// messages for providers that only accept a single leading system prompt.
func DemoteSystemMessages(msgs []*models.Message, caps Caps) []*models.Message {
	if caps.AllowsSystemRole {
		return msgs
	}

	out := make([]*models.Message, 0, len(msgs))
	for i, m := range msgs {
		if m.Role == models.RoleSystem && i > 0 {
			copied := *m
			copied.Role = models.RoleUser
			copied.Content = "[system] " + m.Content
			out = append(out, &copied)
			continue
		}
		out = append(out, m)
	}
	return out
}

// MergeConsecutiveTurns joins adjacent same-role user/assistant messages for
// providers that require strict turn alternation.
func MergeConsecutiveTurns(msgs []*models.Message, caps Caps) []*models.Message {
	if !caps.StrictTurnAlternation || len(msgs) == 0 {
		return msgs
	}

	out := make([]*models.Message, 0, len(msgs))
	for _, m := range msgs {
		if len(out) > 0 {
			prev := out[len(out)-1]
			if prev.Role == m.Role && (m.Role == models.RoleUser || m.Role == models.RoleAssistant) {
				merged := *prev
				merged.Content = prev.Content + "\n\n" + m.Content
				out[len(out)-1] = &merged
				continue
			}
		}
		out = append(out, m)
	}
	return out
}

// isReasoningOnly reports whether content is nothing but reasoning segments.
func isReasoningOnly(content string) bool {
	s := strings.TrimSpace(content)
	if s == "" {
		return false
	}
	for {
		if !strings.HasPrefix(s, "<think>") {
			return false
		}
		end := strings.Index(s, "</think>")
		if end < 0 {
			// Unterminated reasoning segment spans the rest of the message.
			return true
		}
		s = strings.TrimSpace(s[end+len("</think>"):])
		if s == "" {
			return true
		}
	}
}

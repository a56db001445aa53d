// Package stream reconstructs a clean, ordered sequence of reply fragments
// from the noisy per-turn event stream of an agent session. Providers are not
// guaranteed exactly-once or monotonic delivery; the subscription
// de-duplicates resent text, strips inline reasoning, chunks block replies,
// and tracks messaging-tool sends so the same content is never delivered
// twice.
package stream

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/zhuxuwei88-bot/openclaw/internal/agent"
	"github.com/zhuxuwei88-bot/openclaw/internal/observability"
)

// Options configures a subscription.
type Options struct {
	// BlockStreaming enables independent block replies flushed before the
	// full answer completes.
	BlockStreaming bool

	// Chunker tunes block chunking when BlockStreaming is set.
	Chunker ChunkerConfig

	// StreamReasoning emits the currently open reasoning text as drafts.
	StreamReasoning bool

	// ReasoningOpen/ReasoningClose override the inline reasoning markers.
	ReasoningOpen  string
	ReasoningClose string

	// OnBlockReply is invoked for each flushed block reply.
	OnBlockReply func(text string)

	// OnReasoningDraft is invoked with the open reasoning text, already
	// de-duplicated against the last draft sent.
	OnReasoningDraft func(text string)

	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// ToolMeta is a one-line summary of an observed tool invocation.
type ToolMeta struct {
	ID      string
	Name    string
	Summary string
	Status  agent.ToolStatus
}

type pendingSend struct {
	text   string
	target string
}

// Subscription consumes one session's event stream and accumulates reconciled
// output. Create with Subscribe; release with Unsubscribe.
type Subscription struct {
	mu    sync.Mutex
	opts  Options
	unsub func()

	// Per-message accumulation.
	accum   string // cumulative raw text, the chunk-resolution buffer
	visible strings.Builder
	reason  strings.Builder
	filter  *reasoningFilter
	chunker *blockChunker
	emitted map[string]struct{} // cleaned texts already emitted for this message

	lastDraft string

	texts     []string
	toolMetas []ToolMeta

	pendingSends map[string]pendingSend
	sentTexts    []string
	sentTargets  []string

	compacting     bool
	pendingRetries int
	gateWaiters    []chan struct{}

	ended  bool
	endErr error
}

// Subscribe attaches a subscription to the session's event stream. Events for
// one session are delivered serially, so the handler never runs concurrently
// with itself.
func Subscribe(sess agent.Session, opts Options) *Subscription {
	s := &Subscription{
		opts:         opts,
		filter:       newReasoningFilter(opts.ReasoningOpen, opts.ReasoningClose),
		chunker:      newBlockChunker(opts.Chunker),
		emitted:      make(map[string]struct{}),
		pendingSends: make(map[string]pendingSend),
	}
	s.unsub = sess.Subscribe(s.handle)
	return s
}

// Unsubscribe detaches from the event stream.
func (s *Subscription) Unsubscribe() {
	s.mu.Lock()
	unsub := s.unsub
	s.unsub = nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
}

// handle processes one stream event. Callback invocations are collected under
// the lock and run after it is released so callbacks may call accessors.
func (s *Subscription) handle(ev agent.Event) {
	var blocks []string
	var draft *string

	s.mu.Lock()
	switch ev.Type {
	case agent.EventMessageStart:
		s.resetMessageLocked()

	case agent.EventMessageUpdate:
		blocks, draft = s.onUpdateLocked(ev)

	case agent.EventMessageEnd:
		blocks = s.onMessageEndLocked()

	case agent.EventToolStart:
		s.onToolStartLocked(ev.Tool)

	case agent.EventToolUpdate:
		// Partial tool output carries no reply content.

	case agent.EventToolEnd:
		s.onToolEndLocked(ev.Tool)

	case agent.EventCompactionStart:
		s.compacting = true
		if ev.Compaction != nil && ev.Compaction.WillRetry {
			s.pendingRetries++
			s.resetMessageLocked()
			if s.opts.Metrics != nil {
				s.opts.Metrics.CompactionRetries.Inc()
			}
		}

	case agent.EventCompactionEnd:
		s.compacting = false
		s.notifyGateLocked()

	case agent.EventAgentStart:
		// Turn boundary marker; per-message state resets on message_start.

	case agent.EventAgentEnd:
		s.ended = true
		s.endErr = ev.Err
		s.compacting = false
		s.pendingRetries = 0
		s.notifyGateLocked()
	}
	s.mu.Unlock()

	for _, b := range blocks {
		if s.opts.OnBlockReply != nil {
			s.opts.OnBlockReply(b)
		}
	}
	if draft != nil && s.opts.OnReasoningDraft != nil {
		s.opts.OnReasoningDraft(*draft)
	}
}

func (s *Subscription) resetMessageLocked() {
	s.accum = ""
	s.visible.Reset()
	s.reason.Reset()
	s.filter.reset()
	s.chunker.Reset()
	s.emitted = make(map[string]struct{})
	s.lastDraft = ""
}

func (s *Subscription) onUpdateLocked(ev agent.Event) (blocks []string, draft *string) {
	chunk := s.resolveChunkLocked(ev)

	vis, reas := s.filter.Feed(chunk)
	s.visible.WriteString(vis)
	s.reason.WriteString(reas)

	if s.opts.StreamReasoning && (reas != "" || s.filter.Inside()) {
		current := strings.TrimSpace(s.reason.String())
		if current != "" && current != s.lastDraft {
			s.lastDraft = current
			draft = &current
		}
	}

	if s.opts.BlockStreaming {
		for _, b := range s.chunker.Add(vis) {
			if s.admitLocked(b) {
				blocks = append(blocks, b)
			}
		}
		if ev.Stage == agent.TextEnd {
			for _, b := range s.chunker.Break() {
				if s.admitLocked(b) {
					blocks = append(blocks, b)
				}
			}
		}
	}
	return blocks, draft
}

func (s *Subscription) onMessageEndLocked() []string {
	vis, reas := s.filter.Flush()
	s.visible.WriteString(vis)
	s.reason.WriteString(reas)

	var blocks []string
	if s.opts.BlockStreaming {
		if vis != "" {
			s.chunker.Add(vis)
		}
		for _, b := range s.chunker.Final() {
			if s.admitLocked(b) {
				blocks = append(blocks, b)
			}
		}
	} else {
		final := strings.TrimSpace(s.visible.String())
		if final != "" {
			s.admitLocked(final)
		}
	}

	if s.pendingRetries > 0 {
		s.pendingRetries--
	}
	s.notifyGateLocked()
	return blocks
}

// resolveChunkLocked turns one update event into the newly appended text.
// Raw deltas are used directly; otherwise the cumulative content is diffed
// against the buffer accumulated so far.
func (s *Subscription) resolveChunkLocked(ev agent.Event) string {
	if ev.Delta != "" {
		s.accum += ev.Delta
		return ev.Delta
	}

	content := ev.Content
	if content == "" {
		return ""
	}
	if strings.HasPrefix(content, s.accum) {
		chunk := content[len(s.accum):]
		s.accum = content
		return chunk
	}
	if strings.Contains(s.accum, content) {
		// Stale duplicate, e.g. a late text_end resending delivered text.
		return ""
	}
	// Neither extends the other: provider reset, treat everything as new.
	s.opts.Logger.Debug(context.Background(), "stream buffer diverged from cumulative content, treating as reset",
		"buffered", len(s.accum), "content", len(content))
	s.accum = content
	return content
}

// admitLocked records a cleaned text fragment, applying messaging-tool
// suppression and the per-message identical-text guard. Returns whether the
// fragment was accepted.
func (s *Subscription) admitLocked(text string) bool {
	if text == "" {
		return false
	}
	for _, sent := range s.sentTexts {
		if text == sent {
			return false
		}
	}
	if _, dup := s.emitted[text]; dup {
		return false
	}
	s.emitted[text] = struct{}{}
	s.texts = append(s.texts, text)
	return true
}

func (s *Subscription) onToolStartLocked(tool *agent.ToolEvent) {
	if tool == nil {
		return
	}
	s.toolMetas = append(s.toolMetas, ToolMeta{
		ID:      tool.ID,
		Name:    tool.Name,
		Summary: summarizeTool(tool),
		Status:  agent.ToolStatusRunning,
	})

	if tool.Messaging {
		if text := firstStringArg(tool.Args, "text", "message", "content"); text != "" {
			s.pendingSends[tool.ID] = pendingSend{
				text:   text,
				target: firstStringArg(tool.Args, "to", "target", "channel", "chat_id"),
			}
		}
	}
}

func (s *Subscription) onToolEndLocked(tool *agent.ToolEvent) {
	if tool == nil {
		return
	}
	for i := range s.toolMetas {
		if s.toolMetas[i].ID == tool.ID {
			s.toolMetas[i].Status = tool.Status
			break
		}
	}

	pending, ok := s.pendingSends[tool.ID]
	if !ok {
		return
	}
	delete(s.pendingSends, tool.ID)

	// Only committed sends count: a failing tool must not suppress the
	// model's fallback reply.
	if tool.Status == agent.ToolStatusOK {
		s.sentTexts = append(s.sentTexts, pending.text)
		s.sentTargets = append(s.sentTargets, pending.target)
	}
}

func (s *Subscription) notifyGateLocked() {
	if s.pendingRetries > 0 || s.compacting {
		return
	}
	for _, w := range s.gateWaiters {
		close(w)
	}
	s.gateWaiters = nil
}

// IsCompacting reports whether a compaction is in flight or a retry is
// pending.
func (s *Subscription) IsCompacting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compacting || s.pendingRetries > 0
}

// WaitForCompactionRetry blocks until all pending compaction retries and any
// in-flight compaction clear, so the caller can finalize safely.
func (s *Subscription) WaitForCompactionRetry(ctx context.Context) error {
	s.mu.Lock()
	if s.pendingRetries == 0 && !s.compacting {
		s.mu.Unlock()
		return nil
	}
	w := make(chan struct{})
	s.gateWaiters = append(s.gateWaiters, w)
	s.mu.Unlock()

	select {
	case <-w:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AssistantTexts returns the ordered finalized answer fragments.
func (s *Subscription) AssistantTexts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.texts...)
}

// ToolMetas returns summaries of observed tool invocations.
func (s *Subscription) ToolMetas() []ToolMeta {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ToolMeta{}, s.toolMetas...)
}

// MessagingToolSentTexts returns texts committed by messaging-capable tools.
func (s *Subscription) MessagingToolSentTexts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.sentTexts...)
}

// MessagingToolSentTargets returns the targets of committed tool sends.
func (s *Subscription) MessagingToolSentTargets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.sentTargets...)
}

// DidSendViaMessagingTool reports whether any tool send committed.
func (s *Subscription) DidSendViaMessagingTool() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sentTexts) > 0
}

// Ended reports whether the turn finished, and with what error.
func (s *Subscription) Ended() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended, s.endErr
}

// summarizeTool derives a one-line description of a tool invocation.
func summarizeTool(tool *agent.ToolEvent) string {
	arg := firstStringArg(tool.Args, "command", "text", "message", "query", "url", "path", "content")
	if arg == "" {
		return tool.Name
	}
	arg = strings.ReplaceAll(arg, "\n", " ")
	if len(arg) > 80 {
		arg = arg[:77] + "..."
	}
	return fmt.Sprintf("%s: %s", tool.Name, arg)
}

func firstStringArg(args map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := args[key]; ok {
			if str, ok := v.(string); ok && str != "" {
				return str
			}
		}
	}
	return ""
}

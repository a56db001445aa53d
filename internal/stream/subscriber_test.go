package stream

import (
	"context"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/zhuxuwei88-bot/openclaw/internal/agent"
	"github.com/zhuxuwei88-bot/openclaw/pkg/models"
)

// fakeSession is a minimal agent.Session that lets tests push events.
type fakeSession struct {
	mu      sync.Mutex
	handler agent.Handler
	steered []string
}

func (f *fakeSession) Subscribe(h agent.Handler) func() {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.handler = nil
		f.mu.Unlock()
	}
}

func (f *fakeSession) emit(ev agent.Event) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

func (f *fakeSession) Prompt(context.Context, string) error { return nil }

func (f *fakeSession) Steer(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.steered = append(f.steered, text)
	return nil
}

func (f *fakeSession) Abort()                     {}
func (f *fakeSession) IsStreaming() bool          { return false }
func (f *fakeSession) Messages() []*models.Message { return nil }
func (f *fakeSession) Dispose()                   {}

func update(stage agent.TextStage, delta, content string) agent.Event {
	return agent.Event{Type: agent.EventMessageUpdate, Stage: stage, Delta: delta, Content: content}
}

func TestDeltasAccumulateIntoOneFragment(t *testing.T) {
	sess := &fakeSession{}
	sub := Subscribe(sess, Options{})
	defer sub.Unsubscribe()

	sess.emit(agent.Event{Type: agent.EventAgentStart})
	sess.emit(agent.Event{Type: agent.EventMessageStart})
	sess.emit(update(agent.TextDelta, "Hi", ""))
	sess.emit(update(agent.TextDelta, " there", ""))
	sess.emit(agent.Event{Type: agent.EventMessageEnd})

	got := sub.AssistantTexts()
	want := []string{"Hi there"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("AssistantTexts = %v, want %v", got, want)
	}
}

func TestLateTextEndReplayEmitsNothing(t *testing.T) {
	sess := &fakeSession{}
	sub := Subscribe(sess, Options{})
	defer sub.Unsubscribe()

	sess.emit(agent.Event{Type: agent.EventMessageStart})
	sess.emit(update(agent.TextDelta, "Hi", ""))
	sess.emit(update(agent.TextDelta, " there", ""))
	sess.emit(agent.Event{Type: agent.EventMessageEnd})

	// Provider resends the full accumulated text on a late text_end.
	sess.emit(update(agent.TextEnd, "", "Hi there"))

	got := sub.AssistantTexts()
	if !reflect.DeepEqual(got, []string{"Hi there"}) {
		t.Fatalf("replayed text_end changed output: %v", got)
	}
}

func TestCumulativeContentDiffing(t *testing.T) {
	tests := []struct {
		name   string
		events []agent.Event
		want   []string
	}{
		{
			name: "content extends buffer",
			events: []agent.Event{
				update(agent.TextDelta, "", "Hello"),
				update(agent.TextEnd, "", "Hello world"),
			},
			want: []string{"Hello world"},
		},
		{
			name: "stale duplicate ignored",
			events: []agent.Event{
				update(agent.TextDelta, "Hello world", ""),
				update(agent.TextEnd, "", "Hello"),
			},
			want: []string{"Hello world"},
		},
		{
			name: "divergent content treated as reset",
			events: []agent.Event{
				update(agent.TextDelta, "abc", ""),
				update(agent.TextEnd, "", "xyz"),
			},
			want: []string{"abcxyz"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess := &fakeSession{}
			sub := Subscribe(sess, Options{})
			defer sub.Unsubscribe()

			sess.emit(agent.Event{Type: agent.EventMessageStart})
			for _, ev := range tt.events {
				sess.emit(ev)
			}
			sess.emit(agent.Event{Type: agent.EventMessageEnd})

			if got := sub.AssistantTexts(); !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("AssistantTexts = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestReasoningStrippedAcrossChunks(t *testing.T) {
	sess := &fakeSession{}
	sub := Subscribe(sess, Options{})
	defer sub.Unsubscribe()

	sess.emit(agent.Event{Type: agent.EventMessageStart})
	sess.emit(update(agent.TextDelta, "<think>hid", ""))
	sess.emit(update(agent.TextDelta, "den</think>visible", ""))
	sess.emit(agent.Event{Type: agent.EventMessageEnd})

	if got := sub.AssistantTexts(); !reflect.DeepEqual(got, []string{"visible"}) {
		t.Fatalf("AssistantTexts = %v, want [visible]", got)
	}
}

func TestReasoningDraftsDeduplicated(t *testing.T) {
	sess := &fakeSession{}
	var drafts []string
	sub := Subscribe(sess, Options{
		StreamReasoning: true,
		OnReasoningDraft: func(text string) {
			drafts = append(drafts, text)
		},
	})
	defer sub.Unsubscribe()

	sess.emit(agent.Event{Type: agent.EventMessageStart})
	sess.emit(update(agent.TextDelta, "<think>step one", ""))
	// An empty delta inside the open segment must not resend the same draft.
	sess.emit(update(agent.TextDelta, "", ""))
	sess.emit(update(agent.TextDelta, ", step two", ""))
	sess.emit(update(agent.TextDelta, "</think>done", ""))
	sess.emit(agent.Event{Type: agent.EventMessageEnd})

	want := []string{"step one", "step one, step two"}
	if !reflect.DeepEqual(drafts, want) {
		t.Fatalf("drafts = %v, want %v", drafts, want)
	}
	if got := sub.AssistantTexts(); !reflect.DeepEqual(got, []string{"done"}) {
		t.Fatalf("AssistantTexts = %v, want [done]", got)
	}
}

func TestMessagingToolDedup(t *testing.T) {
	tests := []struct {
		name       string
		toolStatus agent.ToolStatus
		wantTexts  []string
		wantSent   bool
	}{
		{
			name:       "committed send suppresses identical reply",
			toolStatus: agent.ToolStatusOK,
			wantTexts:  nil,
			wantSent:   true,
		},
		{
			name:       "failed send does not suppress",
			toolStatus: agent.ToolStatusError,
			wantTexts:  []string{"Done!"},
			wantSent:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess := &fakeSession{}
			sub := Subscribe(sess, Options{})
			defer sub.Unsubscribe()

			tool := &agent.ToolEvent{
				ID:        "t1",
				Name:      "send_message",
				Messaging: true,
				Args:      map[string]any{"text": "Done!", "to": "channel-42"},
			}

			sess.emit(agent.Event{Type: agent.EventMessageStart})
			sess.emit(agent.Event{Type: agent.EventToolStart, Tool: tool})
			done := *tool
			done.Status = tt.toolStatus
			sess.emit(agent.Event{Type: agent.EventToolEnd, Tool: &done})
			sess.emit(update(agent.TextDelta, "Done!", ""))
			sess.emit(agent.Event{Type: agent.EventMessageEnd})

			got := sub.AssistantTexts()
			if len(got) != len(tt.wantTexts) {
				t.Fatalf("AssistantTexts = %v, want %v", got, tt.wantTexts)
			}
			if sub.DidSendViaMessagingTool() != tt.wantSent {
				t.Fatalf("DidSendViaMessagingTool = %v, want %v", sub.DidSendViaMessagingTool(), tt.wantSent)
			}
			if tt.wantSent {
				if targets := sub.MessagingToolSentTargets(); len(targets) != 1 || targets[0] != "channel-42" {
					t.Fatalf("targets = %v", targets)
				}
			}
		})
	}
}

func TestCompactionRetryResetsAccumulation(t *testing.T) {
	sess := &fakeSession{}
	sub := Subscribe(sess, Options{})
	defer sub.Unsubscribe()

	sess.emit(agent.Event{Type: agent.EventMessageStart})
	sess.emit(update(agent.TextDelta, "partial text from aborted attempt", ""))

	sess.emit(agent.Event{Type: agent.EventCompactionStart, Compaction: &agent.CompactionEvent{WillRetry: true}})
	if !sub.IsCompacting() {
		t.Fatal("IsCompacting should be true during compaction")
	}
	sess.emit(agent.Event{Type: agent.EventCompactionEnd})

	// Gate stays closed until the retried attempt completes.
	if !sub.IsCompacting() {
		t.Fatal("IsCompacting should remain true while a retry is pending")
	}

	sess.emit(agent.Event{Type: agent.EventMessageStart})
	sess.emit(update(agent.TextDelta, "clean retry answer", ""))
	sess.emit(agent.Event{Type: agent.EventMessageEnd})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sub.WaitForCompactionRetry(ctx); err != nil {
		t.Fatalf("WaitForCompactionRetry: %v", err)
	}

	got := sub.AssistantTexts()
	if !reflect.DeepEqual(got, []string{"clean retry answer"}) {
		t.Fatalf("AssistantTexts = %v; partial text leaked into retry", got)
	}
}

func TestWaitForCompactionRetryBlocksUntilClear(t *testing.T) {
	sess := &fakeSession{}
	sub := Subscribe(sess, Options{})
	defer sub.Unsubscribe()

	sess.emit(agent.Event{Type: agent.EventCompactionStart, Compaction: &agent.CompactionEvent{WillRetry: true}})

	released := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		released <- sub.WaitForCompactionRetry(ctx)
	}()

	select {
	case err := <-released:
		t.Fatalf("gate released early: %v", err)
	case <-time.After(30 * time.Millisecond):
	}

	sess.emit(agent.Event{Type: agent.EventCompactionEnd})
	sess.emit(agent.Event{Type: agent.EventMessageStart})
	sess.emit(agent.Event{Type: agent.EventMessageEnd})

	select {
	case err := <-released:
		if err != nil {
			t.Fatalf("gate error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("gate did not release after retry completed")
	}
}

func TestBlockStreamingFlushesAtTextEnd(t *testing.T) {
	sess := &fakeSession{}
	var blocks []string
	sub := Subscribe(sess, Options{
		BlockStreaming: true,
		Chunker:        ChunkerConfig{MinChars: 1, Mode: BreakTextEnd},
		OnBlockReply: func(text string) {
			blocks = append(blocks, text)
		},
	})
	defer sub.Unsubscribe()

	sess.emit(agent.Event{Type: agent.EventMessageStart})
	sess.emit(update(agent.TextDelta, "first block", ""))
	sess.emit(update(agent.TextEnd, "", ""))
	sess.emit(update(agent.TextDelta, "second block", ""))
	sess.emit(agent.Event{Type: agent.EventMessageEnd})

	want := []string{"first block", "second block"}
	if !reflect.DeepEqual(blocks, want) {
		t.Fatalf("blocks = %v, want %v", blocks, want)
	}
	if got := sub.AssistantTexts(); !reflect.DeepEqual(got, want) {
		t.Fatalf("AssistantTexts = %v, want %v", got, want)
	}
}

func TestToolMetaSummaries(t *testing.T) {
	sess := &fakeSession{}
	sub := Subscribe(sess, Options{})
	defer sub.Unsubscribe()

	tool := &agent.ToolEvent{
		ID:   "t1",
		Name: "bash",
		Args: map[string]any{"command": "ls -la /tmp"},
	}
	sess.emit(agent.Event{Type: agent.EventToolStart, Tool: tool})
	done := *tool
	done.Status = agent.ToolStatusOK
	sess.emit(agent.Event{Type: agent.EventToolEnd, Tool: &done})

	metas := sub.ToolMetas()
	if len(metas) != 1 {
		t.Fatalf("got %d tool metas", len(metas))
	}
	if metas[0].Summary != "bash: ls -la /tmp" {
		t.Fatalf("summary = %q", metas[0].Summary)
	}
	if metas[0].Status != agent.ToolStatusOK {
		t.Fatalf("status = %q, want ok", metas[0].Status)
	}
}

func TestAgentEndReleasesGate(t *testing.T) {
	sess := &fakeSession{}
	sub := Subscribe(sess, Options{})
	defer sub.Unsubscribe()

	sess.emit(agent.Event{Type: agent.EventCompactionStart, Compaction: &agent.CompactionEvent{WillRetry: true}})
	sess.emit(agent.Event{Type: agent.EventAgentEnd, Err: agent.ErrAborted})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sub.WaitForCompactionRetry(ctx); err != nil {
		t.Fatalf("gate must release when the turn ends: %v", err)
	}

	ended, err := sub.Ended()
	if !ended || err == nil {
		t.Fatalf("Ended = (%v, %v)", ended, err)
	}
}

func TestEchoSessionReconcilesWithoutDivergence(t *testing.T) {
	engine := &agent.EchoEngine{}
	sess, err := engine.Open(context.Background(), agent.SessionSpec{SessionKey: "t"})
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Dispose()

	sub := Subscribe(sess, Options{})
	defer sub.Unsubscribe()

	if err := sess.Prompt(context.Background(), "hello there"); err != nil {
		t.Fatalf("prompt: %v", err)
	}

	// The engine's deltas must add up to its text_end content, so the
	// cumulative diff never takes the divergence path and duplicates text.
	got := sub.AssistantTexts()
	want := []string{"echo: hello there"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("assistant texts = %v, want %v", got, want)
	}
}

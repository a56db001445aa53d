package agent

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/zhuxuwei88-bot/openclaw/internal/sanitize"
	"github.com/zhuxuwei88-bot/openclaw/pkg/models"
)

// echoCaps mirrors a strict provider so the transcript pipeline runs the way
// real engines run it before each request.
var echoCaps = sanitize.Caps{StrictTurnAlternation: true}

// EchoEngine is a development engine that streams the prompt back as deltas.
// It exercises the full scheduling and reconciliation pipeline without a
// provider behind it.
type EchoEngine struct {
	// Delay between emitted deltas; zero streams as fast as possible.
	Delay time.Duration
}

// NewEchoEngine creates the development echo engine.
func NewEchoEngine() *EchoEngine { return &EchoEngine{Delay: 20 * time.Millisecond} }

func (e *EchoEngine) Open(_ context.Context, spec SessionSpec) (Session, error) {
	return &echoSession{delay: e.Delay, spec: spec, abort: make(chan struct{})}, nil
}

type echoSession struct {
	mu        sync.Mutex
	handlers  []Handler
	messages  []*models.Message
	streaming bool
	delay     time.Duration
	spec      SessionSpec
	abort     chan struct{}
	aborted   bool
}

func (s *echoSession) Subscribe(h Handler) func() {
	s.mu.Lock()
	s.handlers = append(s.handlers, h)
	idx := len(s.handlers) - 1
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		s.handlers[idx] = nil
		s.mu.Unlock()
	}
}

func (s *echoSession) emit(ev Event) {
	ev.Time = time.Now()
	s.mu.Lock()
	handlers := append([]Handler{}, s.handlers...)
	s.mu.Unlock()
	for _, h := range handlers {
		if h != nil {
			h(ev)
		}
	}
}

func (s *echoSession) Prompt(ctx context.Context, text string) error {
	s.mu.Lock()
	s.streaming = true
	s.messages = append(s.messages, &models.Message{Role: models.RoleUser, Content: text})
	s.messages = sanitize.Apply(s.messages, echoCaps)
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.streaming = false
		s.mu.Unlock()
	}()

	s.emit(Event{Type: EventAgentStart})
	s.emit(Event{Type: EventMessageStart})

	// The prefix must go out as a delta too, or the cumulative text_end
	// content will not line up with what subscribers accumulated.
	var reply strings.Builder
	prefix := "echo: "
	reply.WriteString(prefix)
	s.emit(Event{Type: EventMessageUpdate, Stage: TextDelta, Delta: prefix})
	for _, word := range strings.Fields(text) {
		select {
		case <-s.abort:
			s.emit(Event{Type: EventAgentEnd, Err: ErrAborted})
			return ErrAborted
		case <-ctx.Done():
			s.emit(Event{Type: EventAgentEnd, Err: ctx.Err()})
			return ctx.Err()
		default:
		}

		delta := word + " "
		reply.WriteString(delta)
		s.emit(Event{Type: EventMessageUpdate, Stage: TextDelta, Delta: delta})
		if s.delay > 0 {
			time.Sleep(s.delay)
		}
	}

	s.emit(Event{Type: EventMessageUpdate, Stage: TextEnd, Content: reply.String()})
	s.emit(Event{Type: EventMessageEnd})
	s.emit(Event{Type: EventAgentEnd})

	s.mu.Lock()
	s.messages = append(s.messages, &models.Message{Role: models.RoleAssistant, Content: reply.String()})
	s.mu.Unlock()
	return nil
}

func (s *echoSession) Steer(text string) error {
	s.mu.Lock()
	s.messages = append(s.messages, &models.Message{Role: models.RoleUser, Content: text})
	s.mu.Unlock()
	return nil
}

func (s *echoSession) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.aborted {
		s.aborted = true
		close(s.abort)
	}
}

func (s *echoSession) IsStreaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streaming
}

func (s *echoSession) Messages() []*models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.Message{}, s.messages...)
}

func (s *echoSession) Dispose() {}

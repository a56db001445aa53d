// Package runner executes one agent turn end to end: credential rotation,
// session open, stream reconciliation, deadline enforcement, and compaction
// gating, producing the ordered reply payloads for the platform adapter.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhuxuwei88-bot/openclaw/internal/agent"
	"github.com/zhuxuwei88-bot/openclaw/internal/auth"
	"github.com/zhuxuwei88-bot/openclaw/internal/observability"
	"github.com/zhuxuwei88-bot/openclaw/internal/runs"
	"github.com/zhuxuwei88-bot/openclaw/internal/stream"
	"github.com/zhuxuwei88-bot/openclaw/pkg/models"
)

// DefaultWatchdogGrace is how long after a cooperative abort the runner waits
// before logging that streaming has not stopped.
const DefaultWatchdogGrace = 10 * time.Second

// ModelRef names one provider/model pair in the fallback chain.
type ModelRef struct {
	Provider string
	Model    string
}

// Params describes one turn.
type Params struct {
	SessionID  string
	SessionKey string
	AgentID    string
	Prompt     string

	Provider string
	Model    string

	// PinnedProfile forces a single auth profile.
	PinnedProfile string

	// Fallbacks are tried in order when rotation exhausts a model.
	Fallbacks []ModelRef

	// Timeout is the wall-clock deadline for the turn; zero means none.
	Timeout time.Duration

	ThinkingLevel  models.Level
	VerbosityLevel models.Level
	ReasoningLevel models.Level

	// Stream configures the reply reconciler attached to the session.
	Stream stream.Options
}

// TurnResult is the outcome of one turn.
type TurnResult struct {
	RunID     string
	Provider  string
	Model     string
	ProfileID string

	// Payloads are the reply fragments still to deliver. Empty when block
	// streaming already delivered everything through the block callback.
	Payloads []models.ReplyPayload

	// Texts are all finalized answer fragments, delivered or not.
	Texts []string

	Meta []stream.ToolMeta

	DidSendViaMessagingTool  bool
	MessagingToolSentTexts   []string
	MessagingToolSentTargets []string

	// Err records the terminal failure rendered into an error payload, for
	// logging; nil on success.
	Err error
}

// Runner orchestrates turns against the agent engine.
type Runner struct {
	engine   agent.Engine
	rotator  *auth.Rotator
	registry *runs.Registry
	log      *observability.Logger
	metrics  *observability.Metrics

	watchdogGrace time.Duration
}

// New creates a runner. metrics may be nil.
func New(engine agent.Engine, rotator *auth.Rotator, registry *runs.Registry, log *observability.Logger, metrics *observability.Metrics) *Runner {
	return &Runner{
		engine:        engine,
		rotator:       rotator,
		registry:      registry,
		log:           log,
		metrics:       metrics,
		watchdogGrace: DefaultWatchdogGrace,
	}
}

// runHandle adapts a live session plus its subscription to the registry
// handle contract. The session is swapped in per rotation attempt; before the
// first attempt every query answers false.
type runHandle struct {
	mu   sync.Mutex
	sess agent.Session
	sub  *stream.Subscription
}

func (h *runHandle) set(sess agent.Session, sub *stream.Subscription) {
	h.mu.Lock()
	h.sess = sess
	h.sub = sub
	h.mu.Unlock()
}

func (h *runHandle) snapshot() (agent.Session, *stream.Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sess, h.sub
}

func (h *runHandle) QueueMessage(text string) bool {
	sess, sub := h.snapshot()
	if sess == nil || !sess.IsStreaming() {
		return false
	}
	if sub != nil && sub.IsCompacting() {
		return false
	}
	return sess.Steer(text) == nil
}

func (h *runHandle) IsStreaming() bool {
	sess, _ := h.snapshot()
	return sess != nil && sess.IsStreaming()
}

func (h *runHandle) IsCompacting() bool {
	_, sub := h.snapshot()
	return sub != nil && sub.IsCompacting()
}

func (h *runHandle) Abort() {
	sess, _ := h.snapshot()
	if sess != nil {
		sess.Abort()
	}
}

// RunTurn executes one turn. The returned error is non-nil only for aborts,
// cancellation, and registration conflicts; terminal provider failures are
// rendered as one error-flagged payload with the cause in TurnResult.Err.
func (r *Runner) RunTurn(ctx context.Context, p Params) (*TurnResult, error) {
	runID := uuid.NewString()
	ctx = context.WithValue(ctx, observability.RunIDKey, runID)
	ctx = context.WithValue(ctx, observability.SessionKeyKey, p.SessionKey)

	handle := &runHandle{}
	if err := r.registry.Register(p.SessionID, handle); err != nil {
		return nil, err
	}
	defer r.registry.Deregister(p.SessionID)

	if r.metrics != nil {
		r.metrics.ActiveRuns.Inc()
		defer r.metrics.ActiveRuns.Dec()
	}

	runCtx := ctx
	cancel := func() {}
	if p.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, p.Timeout)
	}
	defer cancel()

	started := time.Now()
	result, err := r.runWithFallbacks(runCtx, p, handle, runID)
	r.observeOutcome(p, result, err, time.Since(started))
	return result, err
}

// runWithFallbacks walks the model chain: the primary first, then each
// configured fallback once rotation exhausts the previous model.
func (r *Runner) runWithFallbacks(ctx context.Context, p Params, handle *runHandle, runID string) (*TurnResult, error) {
	chain := append([]ModelRef{{Provider: p.Provider, Model: p.Model}}, p.Fallbacks...)

	var lastErr error
	for i, ref := range chain {
		fallbackLeft := i < len(chain)-1

		profileID, err := r.rotator.Run(ctx, auth.RunParams{
			Provider:           ref.Provider,
			Model:              ref.Model,
			Pin:                p.PinnedProfile,
			FallbackConfigured: fallbackLeft,
			IgnoreCooldown:     i > 0,
		}, func(ctx context.Context, profileID string, _ int) error {
			return r.attempt(ctx, p, ref, handle)
		})
		if err == nil {
			return r.finalize(ctx, p, handle, runID, ref, profileID)
		}
		if errors.Is(err, agent.ErrAborted) || errors.Is(err, context.Canceled) {
			return nil, err
		}

		var failover *agent.FailoverError
		if errors.As(err, &failover) && fallbackLeft {
			r.log.Warn(ctx, "model exhausted, failing over",
				"provider", ref.Provider, "model", ref.Model,
				"next_provider", chain[i+1].Provider, "next_model", chain[i+1].Model,
				"reason", string(failover.Reason))
			if r.metrics != nil {
				r.metrics.Failovers.WithLabelValues(ref.Provider, ref.Model).Inc()
			}
			lastErr = err
			continue
		}

		return r.errorResult(ctx, p, runID, ref, err), nil
	}

	// Unreachable unless the chain was empty of usable models.
	return r.errorResult(ctx, p, runID, chain[len(chain)-1], lastErr), nil
}

// attempt runs one prompt against one provider/model with the credential for
// profileID already installed by the rotator.
func (r *Runner) attempt(ctx context.Context, p Params, ref ModelRef, handle *runHandle) error {
	sess, err := r.engine.Open(ctx, agent.SessionSpec{
		SessionKey:     p.SessionKey,
		AgentID:        p.AgentID,
		Provider:       ref.Provider,
		Model:          ref.Model,
		ThinkingLevel:  p.ThinkingLevel,
		VerbosityLevel: p.VerbosityLevel,
		ReasoningLevel: p.ReasoningLevel,
	})
	if err != nil {
		return fmt.Errorf("failed to open agent session: %w", err)
	}

	sub := stream.Subscribe(sess, p.Stream)
	handle.set(sess, sub)

	if err := r.promptWithDeadline(ctx, sess, p.Prompt); err != nil {
		// The next rotation or fallback attempt replaces this pair, and
		// finalize only releases the successful one.
		handle.set(nil, nil)
		sub.Unsubscribe()
		sess.Dispose()
		return err
	}
	return nil
}

// promptWithDeadline blocks on the prompt, converting a context deadline into
// a cooperative abort. Aborting cannot kill a call already on the wire, so a
// watchdog logs if streaming continues past the grace period.
func (r *Runner) promptWithDeadline(ctx context.Context, sess agent.Session, prompt string) error {
	done := make(chan error, 1)
	go func() {
		done <- sess.Prompt(ctx, prompt)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}

	sess.Abort()

	grace := time.NewTimer(r.watchdogGrace)
	defer grace.Stop()
	select {
	case <-done:
	case <-grace.C:
		if sess.IsStreaming() {
			r.log.Warn(ctx, "streaming continued past abort grace period", "grace", r.watchdogGrace.String())
		}
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		// Deadline overrun feeds the rotation heuristic as a timeout.
		return agent.ErrRunTimeout
	}
	return context.Canceled
}

// finalize waits out any pending compaction retries, then assembles the
// result from the subscription.
func (r *Runner) finalize(ctx context.Context, p Params, handle *runHandle, runID string, ref ModelRef, profileID string) (*TurnResult, error) {
	sess, sub := handle.snapshot()
	defer func() {
		if sub != nil {
			sub.Unsubscribe()
		}
		if sess != nil {
			sess.Dispose()
		}
	}()

	if sub == nil {
		return nil, fmt.Errorf("run %s completed without a subscription", runID)
	}

	if err := sub.WaitForCompactionRetry(ctx); err != nil {
		return nil, err
	}

	texts := sub.AssistantTexts()
	result := &TurnResult{
		RunID:                    runID,
		Provider:                 ref.Provider,
		Model:                    ref.Model,
		ProfileID:                profileID,
		Texts:                    texts,
		Meta:                     sub.ToolMetas(),
		DidSendViaMessagingTool:  sub.DidSendViaMessagingTool(),
		MessagingToolSentTexts:   sub.MessagingToolSentTexts(),
		MessagingToolSentTargets: sub.MessagingToolSentTargets(),
	}

	// With live block streaming the fragments were already delivered through
	// the block callback; repeating them as payloads would double-send.
	if !(p.Stream.BlockStreaming && p.Stream.OnBlockReply != nil) {
		for _, text := range texts {
			result.Payloads = append(result.Payloads, models.ReplyPayload{Text: text})
		}
	}
	return result, nil
}

// errorResult renders a terminal failure as one error-flagged payload.
func (r *Runner) errorResult(ctx context.Context, p Params, runID string, ref ModelRef, cause error) *TurnResult {
	text := "Something went wrong while generating a reply. Please try again."
	switch {
	case agent.IsContextOverflow(cause):
		text = "The conversation has grown past the model's context window. Use /new to start a fresh session."
	case errors.Is(cause, auth.ErrNoProfiles), errors.Is(cause, auth.ErrAllInCooldown):
		text = "No usable credentials are available right now. Please try again shortly."
	}

	r.log.Error(ctx, "run failed", "provider", ref.Provider, "model", ref.Model, "error", cause)

	return &TurnResult{
		RunID:    runID,
		Provider: ref.Provider,
		Model:    ref.Model,
		Payloads: []models.ReplyPayload{{Text: text, IsError: true}},
		Err:      cause,
	}
}

func (r *Runner) observeOutcome(p Params, result *TurnResult, err error, elapsed time.Duration) {
	if r.metrics == nil {
		return
	}

	outcome := "completed"
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(err, agent.ErrAborted):
		outcome = "aborted"
	case err != nil && errors.Is(err, context.DeadlineExceeded):
		outcome = "timed_out"
	case err != nil, result != nil && result.Err != nil:
		outcome = "errored"
	}
	if result != nil && errors.Is(result.Err, agent.ErrRunTimeout) {
		outcome = "timed_out"
	}

	r.metrics.RunCounter.WithLabelValues(outcome).Inc()
	if result != nil {
		r.metrics.RunDuration.WithLabelValues(result.Provider, result.Model).Observe(elapsed.Seconds())
	}
}

// Package gateway decides how each inbound message interacts with the
// conversation's in-flight agent turn: start a new run, steer the active one,
// queue a followup, or interrupt and start fresh.
package gateway

import (
	"context"
	"strings"
	"time"

	"github.com/zhuxuwei88-bot/openclaw/internal/config"
	"github.com/zhuxuwei88-bot/openclaw/internal/debounce"
	"github.com/zhuxuwei88-bot/openclaw/internal/lanes"
	"github.com/zhuxuwei88-bot/openclaw/internal/observability"
	"github.com/zhuxuwei88-bot/openclaw/internal/runner"
	"github.com/zhuxuwei88-bot/openclaw/internal/runs"
	"github.com/zhuxuwei88-bot/openclaw/internal/sessions"
	"github.com/zhuxuwei88-bot/openclaw/internal/stream"
	"github.com/zhuxuwei88-bot/openclaw/pkg/models"
)

// Action names the handling a Dispatch call decided on.
type Action string

const (
	ActionStarted     Action = "started"
	ActionSteered     Action = "steered"
	ActionQueued      Action = "queued"
	ActionDropped     Action = "dropped"
	ActionInterrupted Action = "interrupted"
)

// TurnRunner executes one agent turn. Satisfied by *runner.Runner.
type TurnRunner interface {
	RunTurn(ctx context.Context, p runner.Params) (*runner.TurnResult, error)
}

// ReplyFunc delivers reply payloads to the platform adapter.
type ReplyFunc func(sess *models.Session, payloads []models.ReplyPayload)

// Options wires a dispatcher.
type Options struct {
	Config    *config.Config
	Scheduler *lanes.Scheduler
	Registry  *runs.Registry
	Runner    TurnRunner
	Sessions  sessions.Store
	Logger    *observability.Logger
	Metrics   *observability.Metrics

	// OnReply receives finalized payloads and, when block streaming is on,
	// live block replies.
	OnReply ReplyFunc
}

// Dispatcher is the reply queue policy engine.
type Dispatcher struct {
	cfg      *config.Config
	sched    *lanes.Scheduler
	registry *runs.Registry
	runner   TurnRunner
	sessions sessions.Store
	log      *observability.Logger
	metrics  *observability.Metrics
	onReply  ReplyFunc

	followups *followupQueues
	debouncer *debounce.Keyed
}

// NewDispatcher creates a dispatcher from its collaborators.
func NewDispatcher(opts Options) *Dispatcher {
	d := &Dispatcher{
		cfg:       opts.Config,
		sched:     opts.Scheduler,
		registry:  opts.Registry,
		runner:    opts.Runner,
		sessions:  opts.Sessions,
		log:       opts.Logger,
		metrics:   opts.Metrics,
		onReply:   opts.OnReply,
		followups: newFollowupQueues(),
	}
	d.debouncer = debounce.NewKeyed(
		time.Duration(opts.Config.Queue.DebounceMs)*time.Millisecond,
		d.flushFollowups,
	)
	return d
}

// Close stops pending debounce timers. Queued lane work still drains.
func (d *Dispatcher) Close() {
	d.debouncer.Stop()
}

// Dispatch handles one inbound message. The turn itself executes
// asynchronously on the session's lane; replies flow through OnReply.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *models.Message) (Action, error) {
	sess, err := d.sessions.GetOrCreate(ctx, msg.SessionKey, agentIDFrom(msg), msg.Channel, msg.ChannelID)
	if err != nil {
		return "", err
	}

	settings := d.resolveSettings(sess, msg)
	text := strings.TrimSpace(msg.Content)
	if text == "" && len(msg.Attachments) == 0 {
		return ActionDropped, nil
	}

	switch settings.Mode {
	case models.QueueModeInterrupt:
		return d.interrupt(ctx, sess, settings, text)

	case models.QueueModeSteer:
		if d.registry.QueueMessage(sess.ID, text) {
			d.countSteer(ctx, sess)
			return ActionSteered, nil
		}
		if !d.registry.IsActive(sess.ID) && d.laneIdle(sess.Key) {
			d.startRun(sess, settings, text)
			return ActionStarted, nil
		}
		// Run active but unsteerable (starting up, or mid-compaction).
		return d.enqueueFollowup(sess, settings, text, false), nil

	case models.QueueModeSteerBacklog:
		steered := d.registry.QueueMessage(sess.ID, text)
		if steered {
			d.countSteer(ctx, sess)
		}
		if !steered && !d.registry.IsActive(sess.ID) && d.laneIdle(sess.Key) {
			d.startRun(sess, settings, text)
			return ActionStarted, nil
		}
		// The backlog entry keeps the message alive if the run ended while we
		// steered; a successfully steered entry is dropped at flush time
		// (best-effort, the steer may still land after the turn's last read).
		action := d.enqueueFollowup(sess, settings, text, steered)
		if steered && action != ActionDropped {
			return ActionSteered, nil
		}
		return action, nil

	default: // followup, collect
		if !d.registry.IsActive(sess.ID) && d.laneIdle(sess.Key) && d.followups.empty(sess.Key) {
			d.startRun(sess, settings, text)
			return ActionStarted, nil
		}
		return d.enqueueFollowup(sess, settings, text, false), nil
	}
}

// resolveSettings layers message directive > session state > config.
func (d *Dispatcher) resolveSettings(sess *models.Session, msg *models.Message) config.QueueSettings {
	settings := d.cfg.ResolveQueue(msg.Channel)
	if sess.QueueMode != "" {
		settings.Mode = sess.QueueMode
	}
	if msg.QueueModeOverride != "" {
		settings.Mode = msg.QueueModeOverride
	}
	return settings
}

// interrupt clears queued lane work, aborts the active run, waits for it to
// deregister, and starts fresh with only the new message.
func (d *Dispatcher) interrupt(ctx context.Context, sess *models.Session, settings config.QueueSettings, text string) (Action, error) {
	d.debouncer.Cancel(sess.Key)
	d.followups.clear(sess.Key)
	cleared := d.sched.Clear(sess.Key)

	if d.registry.Abort(sess.ID) {
		if !d.registry.WaitForEnd(sess.ID, d.cfg.Gateway.WaitForEndTimeout) {
			d.log.Warn(ctx, "aborted run did not end before timeout, starting fresh anyway",
				"session_key", sess.Key)
		}
	}

	d.log.Info(ctx, "interrupted session work", "session_key", sess.Key, "cleared_tasks", cleared)
	d.startRun(sess, settings, text)
	return ActionInterrupted, nil
}

// laneIdle reports whether no lane work is queued for the session key.
func (d *Dispatcher) laneIdle(key string) bool {
	return d.sched.PendingLen(key) == 0
}

// enqueueFollowup appends the message to the session's followup queue,
// applying the cap and drop policy, and (re)arms the debounce window.
func (d *Dispatcher) enqueueFollowup(sess *models.Session, settings config.QueueSettings, text string, droppableIfSteered bool) Action {
	evicted, accepted := d.followups.add(sess, settings, followupEntry{
		text:       text,
		enqueuedAt: time.Now(),
		steered:    droppableIfSteered,
	})

	if d.metrics != nil {
		for range evicted {
			d.metrics.FollowupsDropped.WithLabelValues(string(settings.DropPolicy)).Inc()
		}
		if accepted {
			d.metrics.FollowupsQueued.WithLabelValues(string(settings.Mode)).Inc()
		}
	}
	if !accepted {
		return ActionDropped
	}

	d.debouncer.TriggerAfter(sess.Key, settings.Debounce)
	return ActionQueued
}

// flushFollowups converts a quiet followup queue into lane work. Collect-style
// queues submit one merging task; followup queues submit one task per entry.
func (d *Dispatcher) flushFollowups(key string) {
	sess, settings, entries, merge := d.followups.takeForFlush(key)
	if sess == nil {
		return
	}

	if merge {
		// One collector task; it drains whatever is still pending when the
		// lane reaches it, including entries queued after this flush.
		d.sched.Enqueue(context.Background(), key, func(taskCtx context.Context) (any, error) {
			texts := d.followups.drain(key)
			if len(texts) == 0 {
				return nil, nil
			}
			return d.executeTurn(taskCtx, sess, settings, strings.Join(texts, "\n\n"))
		})
		return
	}

	for _, e := range entries {
		if e.steered {
			continue // steer already delivered this text into the run
		}
		prompt := e.text
		d.sched.Enqueue(context.Background(), key, func(taskCtx context.Context) (any, error) {
			return d.executeTurn(taskCtx, sess, settings, prompt)
		})
	}
}

// startRun submits a fresh turn for the message on the session's lane.
func (d *Dispatcher) startRun(sess *models.Session, settings config.QueueSettings, text string) {
	d.sched.Enqueue(context.Background(), sess.Key, func(taskCtx context.Context) (any, error) {
		prompt := text
		if settings.Mode == models.QueueModeCollect {
			if pending := d.followups.drain(sess.Key); len(pending) > 0 {
				prompt = strings.Join(append([]string{text}, pending...), "\n\n")
			}
		}
		return d.executeTurn(taskCtx, sess, settings, prompt)
	})
}

// executeTurn runs one turn on the lane and delivers its replies.
func (d *Dispatcher) executeTurn(ctx context.Context, sess *models.Session, settings config.QueueSettings, prompt string) (any, error) {
	result, err := d.runner.RunTurn(ctx, d.turnParams(sess, prompt))
	if err != nil {
		// Aborts and cancellations produce no user-visible reply.
		d.log.Debug(ctx, "turn ended without reply", "session_key", sess.Key, "error", err)
		return nil, err
	}

	if result.Err != nil {
		d.log.Warn(ctx, "turn failed, delivering error reply", "session_key", sess.Key, "error", result.Err)
	}
	if d.onReply != nil && len(result.Payloads) > 0 {
		d.onReply(sess, result.Payloads)
	}
	return result, nil
}

// turnParams assembles runner parameters from config and session state.
func (d *Dispatcher) turnParams(sess *models.Session, prompt string) runner.Params {
	provider := d.cfg.Models.Provider
	model := d.cfg.Models.Model
	if sess.Provider != "" {
		provider = sess.Provider
	}
	if sess.Model != "" {
		model = sess.Model
	}

	fallbacks := make([]runner.ModelRef, 0, len(d.cfg.Models.Fallbacks))
	for _, ref := range d.cfg.Models.Fallbacks {
		fallbacks = append(fallbacks, runner.ModelRef{Provider: ref.Provider, Model: ref.Model})
	}

	streamOpts := stream.Options{
		BlockStreaming: d.cfg.Streaming.BlockStreaming,
		Chunker: stream.ChunkerConfig{
			MinChars: d.cfg.Streaming.MinChars,
			MaxChars: d.cfg.Streaming.MaxChars,
			Mode:     stream.BreakMode(d.cfg.Streaming.BreakMode),
		},
		StreamReasoning: d.cfg.Streaming.StreamReasoning,
		Logger:          d.log,
		Metrics:         d.metrics,
	}
	if d.cfg.Streaming.BlockStreaming && d.onReply != nil {
		streamOpts.OnBlockReply = func(text string) {
			d.onReply(sess, []models.ReplyPayload{{Text: text}})
		}
	}

	return runner.Params{
		SessionID:      sess.ID,
		SessionKey:     sess.Key,
		AgentID:        sess.AgentID,
		Prompt:         prompt,
		Provider:       provider,
		Model:          model,
		PinnedProfile:  sess.PinnedProfile,
		Fallbacks:      fallbacks,
		Timeout:        d.cfg.Gateway.RunTimeout,
		ThinkingLevel:  sess.ThinkingLevel,
		VerbosityLevel: sess.VerbosityLevel,
		ReasoningLevel: sess.ReasoningLevel,
		Stream:         streamOpts,
	}
}

func (d *Dispatcher) countSteer(ctx context.Context, sess *models.Session) {
	if d.metrics != nil {
		d.metrics.SteeredMessages.Inc()
	}
	d.log.Debug(ctx, "steered message into active run", "session_key", sess.Key)
}

func agentIDFrom(msg *models.Message) string {
	if id, ok := msg.Metadata["agent_id"].(string); ok && id != "" {
		return id
	}
	return "default"
}

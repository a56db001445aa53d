package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/zhuxuwei88-bot/openclaw/internal/agent"
	"github.com/zhuxuwei88-bot/openclaw/internal/observability"
)

// AttemptFunc performs one provider call with the given profile's credential
// already installed. attempt starts at 1 and resets per profile so
// attempt-local state (fallback levels) starts fresh on every candidate.
type AttemptFunc func(ctx context.Context, profileID string, attempt int) error

// Rotator walks a provider's credential candidates until one succeeds,
// applying cooldowns and reason classification on failure.
type Rotator struct {
	store    *ProfileStore
	resolver agent.CredentialResolver
	log      *observability.Logger
	metrics  *observability.Metrics
}

// NewRotator creates a rotator over the given store and credential resolver.
func NewRotator(store *ProfileStore, resolver agent.CredentialResolver, log *observability.Logger) *Rotator {
	return &Rotator{store: store, resolver: resolver, log: log}
}

// WithMetrics attaches rotation metrics and returns the rotator.
func (r *Rotator) WithMetrics(m *observability.Metrics) *Rotator {
	r.metrics = m
	return r
}

// RunParams identifies the provider call being rotated.
type RunParams struct {
	Provider string
	Model    string

	// Pin forces a single profile; an unusable pin fails hard.
	Pin string

	// FallbackConfigured indicates a model-level fallback exists, so
	// exhaustion should raise a typed failover signal instead of a terminal
	// error.
	FallbackConfigured bool

	// IgnoreCooldown attempts cooled-down profiles anyway. Set on
	// fallback-model passes, where every profile typically just cooled down
	// against the previous model and skipping them all would make the
	// fallback pointless.
	IgnoreCooldown bool
}

// Run resolves candidates and invokes call once per candidate until one
// succeeds. Returns the profile ID that succeeded.
//
// On credential-resolution failure the rotator advances to the next candidate
// (a pinned profile fails hard). On call failure it classifies the reason,
// puts the profile in cooldown, and rotates. Aborts propagate unchanged and
// never cool a profile down.
func (r *Rotator) Run(ctx context.Context, p RunParams, call AttemptFunc) (string, error) {
	candidates := r.store.Candidates(p.Provider, p.Pin)
	if len(candidates) == 0 {
		if p.Pin != "" {
			return "", &agent.CredentialError{Provider: p.Provider, ProfileID: p.Pin, Cause: ErrProfileNotFound}
		}
		return "", fmt.Errorf("%w: %s", ErrNoProfiles, p.Provider)
	}

	pinned := p.Pin != ""
	var lastErr error
	var lastProfile string
	lastReason := agent.FailureUnknown
	tried := 0

	for _, profileID := range candidates {
		if r.store.InCooldown(profileID) && !pinned && !p.IgnoreCooldown {
			r.log.Debug(ctx, "skipping profile in cooldown", "provider", p.Provider, "profile", profileID)
			continue
		}
		tried++
		lastProfile = profileID

		if err := r.resolver.Resolve(ctx, p.Provider, p.Model, profileID); err != nil {
			credErr := &agent.CredentialError{Provider: p.Provider, ProfileID: profileID, Cause: err}
			if pinned {
				return "", credErr
			}
			r.log.Warn(ctx, "credential resolution failed, rotating", "provider", p.Provider, "profile", profileID, "error", err)
			lastErr = credErr
			continue
		}

		err := call(ctx, profileID, 1)
		if err == nil {
			r.store.MarkSuccess(profileID)
			return profileID, nil
		}
		if errors.Is(err, agent.ErrAborted) || errors.Is(err, context.Canceled) {
			return "", err
		}

		reason := agent.ClassifyFailure(err)
		r.store.MarkFailure(profileID, reason)
		if r.metrics != nil {
			r.metrics.ProfileRotations.WithLabelValues(p.Provider, string(reason)).Inc()
		}
		r.log.Warn(ctx, "provider call failed, rotating profile",
			"provider", p.Provider, "model", p.Model, "profile", profileID,
			"reason", string(reason), "error", err)
		lastErr = err
		lastReason = reason
	}

	if tried == 0 {
		return "", fmt.Errorf("%w: %s", ErrAllInCooldown, p.Provider)
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("%w: %s", ErrNoProfiles, p.Provider)
	}

	if p.FallbackConfigured {
		return "", &agent.FailoverError{
			Reason:    lastReason,
			Provider:  p.Provider,
			Model:     p.Model,
			ProfileID: lastProfile,
			Cause:     lastErr,
		}
	}
	return "", lastErr
}

package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/zhuxuwei88-bot/openclaw/internal/agent"
)

type fakeResolver struct {
	failFor map[string]error
	calls   []string
}

func (f *fakeResolver) Resolve(_ context.Context, _, _, profileID string) error {
	f.calls = append(f.calls, profileID)
	if f.failFor != nil {
		return f.failFor[profileID]
	}
	return nil
}

func rotatorWith(t *testing.T, profiles ...string) (*Rotator, *ProfileStore, *fakeResolver) {
	t.Helper()
	store := testStore(t)
	for _, id := range profiles {
		store.AddProfile(id, Credential{Type: CredentialAPIKey, Provider: "anthropic", Key: "k-" + id})
	}
	resolver := &fakeResolver{}
	return NewRotator(store, resolver, nil), store, resolver
}

func TestRunFirstProfileSucceeds(t *testing.T) {
	rot, store, _ := rotatorWith(t, "a", "b")

	var attempted []string
	got, err := rot.Run(context.Background(), RunParams{Provider: "anthropic", Model: "m"},
		func(_ context.Context, profileID string, attempt int) error {
			attempted = append(attempted, profileID)
			if attempt != 1 {
				t.Fatalf("attempt = %d", attempt)
			}
			return nil
		})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got != "a" {
		t.Fatalf("profile = %q", got)
	}
	if len(attempted) != 1 {
		t.Fatalf("attempts = %v", attempted)
	}
	if store.LastGood["anthropic"] != "a" {
		t.Fatal("success should record last-good")
	}
}

func TestRunRotatesThroughAuthFailures(t *testing.T) {
	rot, store, _ := rotatorWith(t, "a", "b", "c")

	var attempted []string
	got, err := rot.Run(context.Background(), RunParams{Provider: "anthropic", Model: "m"},
		func(_ context.Context, profileID string, _ int) error {
			attempted = append(attempted, profileID)
			if profileID == "c" {
				return nil
			}
			return errors.New("401 unauthorized")
		})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got != "c" {
		t.Fatalf("profile = %q", got)
	}
	if len(attempted) != 3 {
		t.Fatalf("attempts = %v, want all three candidates", attempted)
	}
	for _, id := range []string{"a", "b"} {
		if !store.InCooldown(id) {
			t.Fatalf("profile %s should be cooling down", id)
		}
		if store.GetStats(id).LastReason != agent.FailureAuth {
			t.Fatalf("profile %s reason = %q", id, store.GetStats(id).LastReason)
		}
	}
	if store.InCooldown("c") {
		t.Fatal("winning profile must not cool down")
	}
}

func TestRunSkipsCooledProfiles(t *testing.T) {
	rot, store, _ := rotatorWith(t, "a", "b")
	store.MarkFailure("a", agent.FailureAuth)

	var attempted []string
	got, err := rot.Run(context.Background(), RunParams{Provider: "anthropic", Model: "m"},
		func(_ context.Context, profileID string, _ int) error {
			attempted = append(attempted, profileID)
			return nil
		})
	if err != nil {
		t.Fatal(err)
	}
	if got != "b" || len(attempted) != 1 {
		t.Fatalf("got %q via %v, want b only", got, attempted)
	}
}

func TestRunIgnoreCooldownAttemptsCooledProfiles(t *testing.T) {
	rot, store, _ := rotatorWith(t, "a")
	store.MarkFailure("a", agent.FailureRateLimit)

	got, err := rot.Run(context.Background(),
		RunParams{Provider: "anthropic", Model: "m", IgnoreCooldown: true},
		func(_ context.Context, _ string, _ int) error { return nil })
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got != "a" {
		t.Fatalf("profile = %q", got)
	}
}

func TestRunPinnedIgnoresCooldown(t *testing.T) {
	rot, store, _ := rotatorWith(t, "a")
	store.MarkFailure("a", agent.FailureRateLimit)

	got, err := rot.Run(context.Background(), RunParams{Provider: "anthropic", Model: "m", Pin: "a"},
		func(_ context.Context, _ string, _ int) error { return nil })
	if err != nil {
		t.Fatalf("pinned run: %v", err)
	}
	if got != "a" {
		t.Fatalf("profile = %q", got)
	}
}

func TestRunPinnedResolutionFailureIsTerminal(t *testing.T) {
	rot, _, resolver := rotatorWith(t, "a", "b")
	resolver.failFor = map[string]error{"a": errors.New("keychain locked")}

	_, err := rot.Run(context.Background(), RunParams{Provider: "anthropic", Model: "m", Pin: "a"},
		func(_ context.Context, _ string, _ int) error {
			t.Fatal("call must not run when resolution fails")
			return nil
		})
	var credErr *agent.CredentialError
	if !errors.As(err, &credErr) {
		t.Fatalf("error = %v, want CredentialError", err)
	}
	if credErr.ProfileID != "a" {
		t.Fatalf("profile = %q", credErr.ProfileID)
	}
}

func TestRunResolutionFailureRotates(t *testing.T) {
	rot, _, resolver := rotatorWith(t, "a", "b")
	resolver.failFor = map[string]error{"a": errors.New("keychain locked")}

	got, err := rot.Run(context.Background(), RunParams{Provider: "anthropic", Model: "m"},
		func(_ context.Context, profileID string, _ int) error { return nil })
	if err != nil {
		t.Fatal(err)
	}
	if got != "b" {
		t.Fatalf("profile = %q", got)
	}
}

func TestRunAbortPropagatesWithoutCooldown(t *testing.T) {
	rot, store, _ := rotatorWith(t, "a", "b")

	_, err := rot.Run(context.Background(), RunParams{Provider: "anthropic", Model: "m"},
		func(_ context.Context, _ string, _ int) error { return agent.ErrAborted })
	if !errors.Is(err, agent.ErrAborted) {
		t.Fatalf("error = %v", err)
	}
	if store.InCooldown("a") {
		t.Fatal("abort must not cool down the profile")
	}
}

func TestRunExhaustionWithFallbackRaisesFailover(t *testing.T) {
	rot, _, _ := rotatorWith(t, "a", "b")

	_, err := rot.Run(context.Background(),
		RunParams{Provider: "anthropic", Model: "m", FallbackConfigured: true},
		func(_ context.Context, _ string, _ int) error { return errors.New("429 too many requests") })

	var failover *agent.FailoverError
	if !errors.As(err, &failover) {
		t.Fatalf("error = %v, want FailoverError", err)
	}
	if failover.Reason != agent.FailureRateLimit {
		t.Fatalf("reason = %q", failover.Reason)
	}
	if failover.Provider != "anthropic" || failover.Model != "m" {
		t.Fatalf("failover identity = %s/%s", failover.Provider, failover.Model)
	}
}

func TestRunExhaustionWithoutFallbackReturnsLastError(t *testing.T) {
	rot, _, _ := rotatorWith(t, "a")
	callErr := errors.New("connection timed out")

	_, err := rot.Run(context.Background(), RunParams{Provider: "anthropic", Model: "m"},
		func(_ context.Context, _ string, _ int) error { return callErr })
	if !errors.Is(err, callErr) {
		t.Fatalf("error = %v, want the call error", err)
	}
	var failover *agent.FailoverError
	if errors.As(err, &failover) {
		t.Fatal("no fallback configured, failover must not be raised")
	}
}

func TestRunAllInCooldown(t *testing.T) {
	rot, store, _ := rotatorWith(t, "a", "b")
	store.MarkFailure("a", agent.FailureAuth)
	store.MarkFailure("b", agent.FailureAuth)

	_, err := rot.Run(context.Background(), RunParams{Provider: "anthropic", Model: "m"},
		func(_ context.Context, _ string, _ int) error { return nil })
	if !errors.Is(err, ErrAllInCooldown) {
		t.Fatalf("error = %v, want ErrAllInCooldown", err)
	}
}

func TestRunNoProfiles(t *testing.T) {
	rot, _, _ := rotatorWith(t)

	_, err := rot.Run(context.Background(), RunParams{Provider: "anthropic", Model: "m"},
		func(_ context.Context, _ string, _ int) error { return nil })
	if !errors.Is(err, ErrNoProfiles) {
		t.Fatalf("error = %v, want ErrNoProfiles", err)
	}
}

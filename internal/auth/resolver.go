package auth

import (
	"context"
	"fmt"
	"time"
)

// StoreResolver resolves profile credentials straight from a ProfileStore and
// installs them via a callback. It is the resolver used when the reasoning
// engine reads credentials from the process environment or a shared runtime.
type StoreResolver struct {
	store *ProfileStore

	// Install receives the resolved credential. When nil, resolution only
	// validates that a usable credential exists.
	Install func(provider string, cred *Credential) error
}

// NewStoreResolver creates a resolver backed by the given profile store.
func NewStoreResolver(store *ProfileStore) *StoreResolver {
	return &StoreResolver{store: store}
}

// Resolve looks up the profile credential and installs it as the active
// runtime credential.
func (r *StoreResolver) Resolve(_ context.Context, provider, _ string, profileID string) error {
	cred, err := r.store.GetProfile(profileID)
	if err != nil {
		return fmt.Errorf("profile %q: %w", profileID, err)
	}
	if cred.Provider != provider {
		return fmt.Errorf("profile %q belongs to provider %q, not %q", profileID, cred.Provider, provider)
	}

	switch cred.Type {
	case CredentialAPIKey:
		if cred.Key == "" {
			return fmt.Errorf("profile %q: empty api key", profileID)
		}
	case CredentialOAuth:
		if cred.Access == "" {
			return fmt.Errorf("profile %q: empty access token", profileID)
		}
		if cred.Expires > 0 && cred.Expires <= time.Now().Unix() {
			return fmt.Errorf("profile %q: access token expired", profileID)
		}
	case CredentialToken:
		if cred.Token == "" {
			return fmt.Errorf("profile %q: empty token", profileID)
		}
	default:
		return fmt.Errorf("profile %q: unknown credential type %q", profileID, cred.Type)
	}

	if r.Install != nil {
		return r.Install(provider, cred)
	}
	return nil
}

// Package auth manages provider credential profiles: an on-disk store of
// ordered candidates per provider with failure cooldowns, and the rotation
// loop that walks candidates during a run.
package auth

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/zhuxuwei88-bot/openclaw/internal/agent"
	"github.com/zhuxuwei88-bot/openclaw/internal/backoff"
)

const (
	profilesFilename = "auth-profiles.json"
	profilesVersion  = 1
)

var (
	ErrNoProfiles      = errors.New("no profiles configured for provider")
	ErrAllInCooldown   = errors.New("all profiles in cooldown")
	ErrProfileNotFound = errors.New("profile not found")
)

// CredentialType identifies the kind of credential a profile holds.
type CredentialType string

const (
	CredentialAPIKey CredentialType = "api_key"
	CredentialOAuth  CredentialType = "oauth"
	CredentialToken  CredentialType = "token"
)

// Credential holds one stored credential for one provider.
type Credential struct {
	Type     CredentialType `json:"type"`
	Provider string         `json:"provider"`
	// For api_key
	Key string `json:"key,omitempty"`
	// For oauth
	Access  string `json:"access,omitempty"`
	Refresh string `json:"refresh,omitempty"`
	Expires int64  `json:"expires,omitempty"`
	// For token
	Token string `json:"token,omitempty"`

	Email string `json:"email,omitempty"`
}

// ProfileStats tracks usage and failure state for one profile. CooldownUntil
// is authoritative for skipping; the rest is advisory ordering input.
type ProfileStats struct {
	LastUsed      int64               `json:"last_used,omitempty"`
	LastSuccess   int64               `json:"last_success,omitempty"`
	LastFailure   int64               `json:"last_failure,omitempty"`
	FailCount     int                 `json:"fail_count,omitempty"`
	CooldownUntil int64               `json:"cooldown_until,omitempty"`
	LastReason    agent.FailureReason `json:"last_reason,omitempty"`
}

// ProfileStore manages auth profiles for one agent directory.
//
// Different sessions' runs may mutate the store concurrently; field updates
// are last-writer-wins, which is acceptable because this state is advisory.
type ProfileStore struct {
	mu       sync.RWMutex
	stateDir string
	watcher  *fsnotify.Watcher

	Version  int                     `json:"version"`
	Profiles map[string]Credential   `json:"profiles"`            // profileID -> credential
	Order    map[string][]string     `json:"order,omitempty"`     // provider -> ordered profile IDs
	LastGood map[string]string       `json:"last_good,omitempty"` // provider -> last successful profileID
	Stats    map[string]ProfileStats `json:"stats,omitempty"`

	policies map[agent.FailureReason]backoff.Policy
	now      func() time.Time
}

// SetCooldownPolicy overrides the backoff schedule for one failure reason.
func (s *ProfileStore) SetCooldownPolicy(reason agent.FailureReason, p backoff.Policy) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.policies == nil {
		s.policies = make(map[agent.FailureReason]backoff.Policy)
	}
	s.policies[reason] = p
}

// LoadProfileStore loads auth profiles from the agent state directory,
// returning an empty store when the file does not exist yet.
func LoadProfileStore(stateDir string) (*ProfileStore, error) {
	store := newProfileStore(stateDir)
	if err := store.reload(); err != nil {
		return nil, err
	}
	return store, nil
}

// Save persists the store to its state directory.
func (s *ProfileStore) Save() error {
	if s == nil {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := os.MkdirAll(s.stateDir, 0o755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.stateDir, profilesFilename), data, 0o600)
}

// Watch reloads the store when the profiles file changes on disk, so external
// logins (onboarding CLI, another gateway instance) are picked up live.
// Call Close to stop watching.
func (s *ProfileStore) Watch(onReload func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(s.stateDir); err != nil {
		watcher.Close()
		return err
	}

	s.mu.Lock()
	s.watcher = watcher
	s.mu.Unlock()

	go func() {
		target := filepath.Join(s.stateDir, profilesFilename)
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := s.reload(); err == nil && onReload != nil {
					onReload()
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return nil
}

// Close stops the file watcher, if any.
func (s *ProfileStore) Close() error {
	s.mu.Lock()
	w := s.watcher
	s.watcher = nil
	s.mu.Unlock()

	if w != nil {
		return w.Close()
	}
	return nil
}

func (s *ProfileStore) reload() error {
	data, err := os.ReadFile(filepath.Join(s.stateDir, profilesFilename))
	if err != nil {
		if os.IsNotExist(err) {
			s.mu.Lock()
			s.initMaps()
			s.mu.Unlock()
			return nil
		}
		return err
	}

	loaded := &ProfileStore{}
	if err := json.Unmarshal(data, loaded); err != nil {
		return err
	}

	s.mu.Lock()
	s.Version = loaded.Version
	s.Profiles = loaded.Profiles
	s.Order = loaded.Order
	s.LastGood = loaded.LastGood
	s.Stats = loaded.Stats
	s.initMaps()
	s.mu.Unlock()
	return nil
}

// Candidates returns profile IDs for a provider in rotation order.
//
// An explicit pin yields exactly that profile. Otherwise the configured order
// is used when present; the default order is alphabetical rotated so the
// last-good profile comes first, then the ones after it (sticky round-robin).
func (s *ProfileStore) Candidates(provider, pin string) []string {
	if s == nil {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if pin != "" {
		if cred, ok := s.Profiles[pin]; ok && cred.Provider == provider {
			return []string{pin}
		}
		return nil
	}

	if order, ok := s.Order[provider]; ok && len(order) > 0 {
		result := make([]string, 0, len(order))
		for _, id := range order {
			if cred, ok := s.Profiles[id]; ok && cred.Provider == provider {
				result = append(result, id)
			}
		}
		return result
	}

	var ids []string
	for id, cred := range s.Profiles {
		if cred.Provider == provider {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	// Round-robin: continue after the most recently used profile.
	last := s.LastGood[provider]
	for i, id := range ids {
		if id == last {
			return append(append([]string{}, ids[i:]...), ids[:i]...)
		}
	}
	return ids
}

// InCooldown reports whether a profile is currently cooling down.
func (s *ProfileStore) InCooldown(profileID string) bool {
	if s == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Stats[profileID].CooldownUntil > s.clock().Unix()
}

// MarkSuccess records a successful run with the profile: the cooldown clears,
// the fail count resets, and the profile becomes last-good for its provider.
func (s *ProfileStore) MarkSuccess(profileID string) {
	if s == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock().Unix()
	stats := s.Stats[profileID]
	stats.LastUsed = now
	stats.LastSuccess = now
	stats.FailCount = 0
	stats.CooldownUntil = 0
	stats.LastReason = ""
	s.Stats[profileID] = stats

	if cred, ok := s.Profiles[profileID]; ok {
		s.LastGood[cred.Provider] = profileID
	}
}

// MarkFailure records a failed run and places the profile in cooldown with a
// reason-specific backoff window.
func (s *ProfileStore) MarkFailure(profileID string, reason agent.FailureReason) {
	if s == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	stats := s.Stats[profileID]
	stats.LastUsed = now.Unix()
	stats.LastFailure = now.Unix()
	stats.FailCount++
	stats.LastReason = reason
	stats.CooldownUntil = now.Add(backoff.Compute(s.cooldownPolicy(reason), stats.FailCount)).Unix()
	s.Stats[profileID] = stats

	if cred, ok := s.Profiles[profileID]; ok {
		if s.LastGood[cred.Provider] == profileID {
			delete(s.LastGood, cred.Provider)
		}
	}
}

// cooldownPolicy maps a failure reason to its backoff schedule. Callers must
// hold s.mu.
func (s *ProfileStore) cooldownPolicy(reason agent.FailureReason) backoff.Policy {
	if p, ok := s.policies[reason]; ok {
		return p
	}
	switch reason {
	case agent.FailureAuth:
		return backoff.AuthPolicy()
	case agent.FailureRateLimit:
		return backoff.RateLimitPolicy()
	case agent.FailureTimeout:
		return backoff.TimeoutPolicy()
	default:
		return backoff.GenericPolicy()
	}
}

// AddProfile adds or updates a profile credential.
func (s *ProfileStore) AddProfile(profileID string, cred Credential) {
	if s == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.initMaps()
	s.Profiles[profileID] = cred

	order := s.Order[cred.Provider]
	for _, id := range order {
		if id == profileID {
			return
		}
	}
	if len(order) > 0 {
		s.Order[cred.Provider] = append(order, profileID)
	}
}

// RemoveProfile deletes a profile, its stats, and any references to it.
func (s *ProfileStore) RemoveProfile(profileID string) error {
	if s == nil {
		return ErrProfileNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cred, ok := s.Profiles[profileID]
	if !ok {
		return ErrProfileNotFound
	}
	delete(s.Profiles, profileID)
	delete(s.Stats, profileID)

	if order, ok := s.Order[cred.Provider]; ok {
		kept := order[:0]
		for _, id := range order {
			if id != profileID {
				kept = append(kept, id)
			}
		}
		if len(kept) == 0 {
			delete(s.Order, cred.Provider)
		} else {
			s.Order[cred.Provider] = kept
		}
	}
	if s.LastGood[cred.Provider] == profileID {
		delete(s.LastGood, cred.Provider)
	}
	return nil
}

// GetProfile returns a profile credential by ID.
func (s *ProfileStore) GetProfile(profileID string) (*Credential, error) {
	if s == nil {
		return nil, ErrProfileNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	cred, ok := s.Profiles[profileID]
	if !ok {
		return nil, ErrProfileNotFound
	}
	credCopy := cred
	return &credCopy, nil
}

// GetStats returns usage stats for a profile.
func (s *ProfileStore) GetStats(profileID string) ProfileStats {
	if s == nil {
		return ProfileStats{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Stats[profileID]
}

// SetOrder sets the explicit candidate order for a provider.
func (s *ProfileStore) SetOrder(provider string, order []string) {
	if s == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.initMaps()
	if len(order) == 0 {
		delete(s.Order, provider)
	} else {
		s.Order[provider] = order
	}
}

// ListProviders returns all providers with at least one profile.
func (s *ProfileStore) ListProviders() []string {
	if s == nil {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, cred := range s.Profiles {
		seen[cred.Provider] = struct{}{}
	}
	result := make([]string, 0, len(seen))
	for p := range seen {
		result = append(result, p)
	}
	sort.Strings(result)
	return result
}

func (s *ProfileStore) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

func (s *ProfileStore) initMaps() {
	if s.Profiles == nil {
		s.Profiles = make(map[string]Credential)
	}
	if s.Order == nil {
		s.Order = make(map[string][]string)
	}
	if s.LastGood == nil {
		s.LastGood = make(map[string]string)
	}
	if s.Stats == nil {
		s.Stats = make(map[string]ProfileStats)
	}
}

func newProfileStore(stateDir string) *ProfileStore {
	return &ProfileStore{
		stateDir: stateDir,
		Version:  profilesVersion,
		Profiles: make(map[string]Credential),
		Order:    make(map[string][]string),
		LastGood: make(map[string]string),
		Stats:    make(map[string]ProfileStats),
	}
}

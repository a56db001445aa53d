// Package debounce provides trailing-edge timers keyed by conversation, used
// to batch rapid-fire inbound messages before a followup run is submitted.
package debounce

import (
	"sync"
	"time"
)

// Keyed fires a callback once per key after the key has been quiet for the
// configured window. Each Trigger resets the key's timer.
type Keyed struct {
	mu      sync.Mutex
	window  time.Duration
	fire    func(key string)
	timers  map[string]*time.Timer
	stopped bool
}

// NewKeyed creates a keyed debouncer. A window of zero (or less) makes
// Trigger fire synchronously.
func NewKeyed(window time.Duration, fire func(key string)) *Keyed {
	return &Keyed{
		window: window,
		fire:   fire,
		timers: make(map[string]*time.Timer),
	}
}

// Trigger arms (or re-arms) the timer for key using the default window.
func (k *Keyed) Trigger(key string) {
	k.TriggerAfter(key, k.window)
}

// TriggerAfter arms (or re-arms) the timer for key with an explicit window,
// overriding the default for this trigger.
func (k *Keyed) TriggerAfter(key string, window time.Duration) {
	k.mu.Lock()
	if k.stopped {
		k.mu.Unlock()
		return
	}

	if window <= 0 {
		k.mu.Unlock()
		k.fire(key)
		return
	}

	if t, ok := k.timers[key]; ok {
		t.Stop()
	}
	k.timers[key] = time.AfterFunc(window, func() {
		k.mu.Lock()
		delete(k.timers, key)
		stopped := k.stopped
		k.mu.Unlock()
		if !stopped {
			k.fire(key)
		}
	})
	k.mu.Unlock()
}

// Cancel disarms the timer for key without firing.
func (k *Keyed) Cancel(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if t, ok := k.timers[key]; ok {
		t.Stop()
		delete(k.timers, key)
	}
}

// Flush fires the callback for key immediately if a timer is armed.
func (k *Keyed) Flush(key string) {
	k.mu.Lock()
	t, ok := k.timers[key]
	if ok {
		t.Stop()
		delete(k.timers, key)
	}
	stopped := k.stopped
	k.mu.Unlock()

	if ok && !stopped {
		k.fire(key)
	}
}

// Pending reports how many keys have armed timers.
func (k *Keyed) Pending() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.timers)
}

// Stop disarms all timers and ignores further triggers.
func (k *Keyed) Stop() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.stopped = true
	for key, t := range k.timers {
		t.Stop()
		delete(k.timers, key)
	}
}

package gateway

import (
	"sync"
	"time"

	"github.com/zhuxuwei88-bot/openclaw/internal/config"
	"github.com/zhuxuwei88-bot/openclaw/pkg/models"
)

// followupEntry is one message waiting for lane availability.
type followupEntry struct {
	text       string
	enqueuedAt time.Time

	// steered marks a steer-backlog entry whose text was already delivered
	// into the active run; it is skipped at flush time. Best-effort: the
	// steer is not guaranteed to have been read before the run ended.
	steered bool

	// summary marks the rolling eviction summary entry kept at the head
	// under the summarize drop policy.
	summary bool
}

type followupQueue struct {
	sess            *models.Session
	settings        config.QueueSettings
	entries         []followupEntry
	collectorQueued bool
}

// followupQueues holds per-session pending followups.
type followupQueues struct {
	mu    sync.Mutex
	byKey map[string]*followupQueue
}

func newFollowupQueues() *followupQueues {
	return &followupQueues{byKey: make(map[string]*followupQueue)}
}

// add appends an entry, enforcing the cap with the configured drop policy.
// Returns how many entries were evicted and whether the new entry was kept.
func (f *followupQueues) add(sess *models.Session, settings config.QueueSettings, e followupEntry) (evicted int, accepted bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	q, ok := f.byKey[sess.Key]
	if !ok {
		q = &followupQueue{}
		f.byKey[sess.Key] = q
	}
	q.sess = sess
	q.settings = settings

	if settings.Cap > 0 && len(q.entries) >= settings.Cap {
		switch settings.DropPolicy {
		case models.DropNewest:
			return 1, false
		case models.DropSummarize:
			evicted = q.summarizeOldestLocked()
		default: // oldest
			q.entries = q.entries[1:]
			evicted = 1
		}
	}

	q.entries = append(q.entries, e)
	return evicted, true
}

// summarizeOldestLocked folds the oldest real entry into a rolling summary
// entry kept at the queue head, freeing one slot.
func (q *followupQueue) summarizeOldestLocked() int {
	if len(q.entries) == 0 {
		return 0
	}
	if !q.entries[0].summary {
		q.entries[0] = followupEntry{
			text:       "[earlier messages] " + q.entries[0].text,
			enqueuedAt: q.entries[0].enqueuedAt,
			summary:    true,
		}
	}
	if len(q.entries) < 2 {
		return 0
	}
	// Fold the next-oldest entry into the summary to free a slot.
	q.entries[0].text += " | " + q.entries[1].text
	q.entries = append(q.entries[:1], q.entries[2:]...)
	return 1
}

// takeForFlush prepares a quiet queue for lane submission. Collect-style
// modes get a single merging task (merge=true, entries stay queued until the
// task drains them); other modes hand their entries out for individual tasks.
func (f *followupQueues) takeForFlush(key string) (sess *models.Session, settings config.QueueSettings, entries []followupEntry, merge bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	q := f.byKey[key]
	if q == nil || q.sess == nil {
		return nil, config.QueueSettings{}, nil, false
	}

	if q.settings.Mode == models.QueueModeCollect {
		if q.collectorQueued || len(q.entries) == 0 {
			return nil, config.QueueSettings{}, nil, false
		}
		q.collectorQueued = true
		return q.sess, q.settings, nil, true
	}

	entries = q.entries
	q.entries = nil
	if len(entries) == 0 {
		return nil, config.QueueSettings{}, nil, false
	}
	return q.sess, q.settings, entries, false
}

// drain removes and returns all pending texts for the session, skipping
// steered entries. Called by the collector lane task and by fresh collect
// runs merging still-pending followups.
func (f *followupQueues) drain(key string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	q := f.byKey[key]
	if q == nil {
		return nil
	}
	q.collectorQueued = false

	texts := make([]string, 0, len(q.entries))
	for _, e := range q.entries {
		if e.steered {
			continue
		}
		texts = append(texts, e.text)
	}
	q.entries = nil
	return texts
}

// clear drops all pending followups for the session.
func (f *followupQueues) clear(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.byKey, key)
}

// empty reports whether the session has no pending followups.
func (f *followupQueues) empty(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := f.byKey[key]
	return q == nil || len(q.entries) == 0
}

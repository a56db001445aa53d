package runs

import (
	"sync"
	"testing"
	"time"
)

type fakeHandle struct {
	mu         sync.Mutex
	streaming  bool
	compacting bool
	queued     []string
	aborted    bool
	queueOK    bool
}

func (h *fakeHandle) QueueMessage(text string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.queueOK {
		return false
	}
	h.queued = append(h.queued, text)
	return true
}

func (h *fakeHandle) IsStreaming() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.streaming
}

func (h *fakeHandle) IsCompacting() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.compacting
}

func (h *fakeHandle) Abort() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.aborted = true
}

func TestRegisterEnforcesSingleActiveRun(t *testing.T) {
	r := NewRegistry()

	if err := r.Register("s1", &fakeHandle{}); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := r.Register("s1", &fakeHandle{}); err == nil {
		t.Fatal("second register for same session should fail")
	}
	if err := r.Register("s2", &fakeHandle{}); err != nil {
		t.Fatalf("register for other session: %v", err)
	}

	r.Deregister("s1")
	if err := r.Register("s1", &fakeHandle{}); err != nil {
		t.Fatalf("register after deregister: %v", err)
	}
}

func TestQueueMessageConditions(t *testing.T) {
	tests := []struct {
		name       string
		handle     *fakeHandle
		register   bool
		want       bool
		wantQueued int
	}{
		{name: "no active run", handle: &fakeHandle{}, register: false, want: false},
		{name: "not streaming", handle: &fakeHandle{queueOK: true}, register: true, want: false},
		{name: "mid compaction", handle: &fakeHandle{streaming: true, compacting: true, queueOK: true}, register: true, want: false},
		{name: "streaming", handle: &fakeHandle{streaming: true, queueOK: true}, register: true, want: true, wantQueued: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			if tt.register {
				if err := r.Register("s", tt.handle); err != nil {
					t.Fatal(err)
				}
			}
			got := r.QueueMessage("s", "hello")
			if got != tt.want {
				t.Fatalf("QueueMessage = %v, want %v", got, tt.want)
			}
			if len(tt.handle.queued) != tt.wantQueued {
				t.Fatalf("queued %d messages, want %d", len(tt.handle.queued), tt.wantQueued)
			}
		})
	}
}

func TestAbortReturnsWhetherRunExisted(t *testing.T) {
	r := NewRegistry()
	h := &fakeHandle{}

	if r.Abort("s") {
		t.Fatal("abort with no run should return false")
	}
	if err := r.Register("s", h); err != nil {
		t.Fatal(err)
	}
	if !r.Abort("s") {
		t.Fatal("abort with active run should return true")
	}
	if !h.aborted {
		t.Fatal("handle did not receive abort")
	}
}

func TestWaitForEndNoRun(t *testing.T) {
	r := NewRegistry()
	if !r.WaitForEnd("s", time.Second) {
		t.Fatal("WaitForEnd should resolve true immediately with no run")
	}
}

func TestWaitForEndMultipleWaiters(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("s", &fakeHandle{}); err != nil {
		t.Fatal(err)
	}

	results := make(chan bool, 3)
	for i := 0; i < 3; i++ {
		go func() {
			results <- r.WaitForEnd("s", 5*time.Second)
		}()
	}

	// Let the waiters park before the run ends.
	time.Sleep(20 * time.Millisecond)
	r.Deregister("s")

	for i := 0; i < 3; i++ {
		select {
		case ok := <-results:
			if !ok {
				t.Fatal("waiter resolved false, want true")
			}
		case <-time.After(2 * time.Second):
			t.Fatal("waiter did not resolve after deregister")
		}
	}
}

func TestWaitForEndTimeout(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("s", &fakeHandle{}); err != nil {
		t.Fatal(err)
	}

	if r.WaitForEnd("s", 30*time.Millisecond) {
		t.Fatal("WaitForEnd should resolve false on timeout")
	}

	// The timed-out waiter must be removed so deregister does not panic or
	// wake stale channels.
	r.Deregister("s")
}

func TestIsStreamingLookup(t *testing.T) {
	r := NewRegistry()
	if r.IsStreaming("s") {
		t.Fatal("no run, IsStreaming should be false")
	}
	h := &fakeHandle{streaming: true}
	if err := r.Register("s", h); err != nil {
		t.Fatal(err)
	}
	if !r.IsStreaming("s") {
		t.Fatal("IsStreaming should reflect handle state")
	}
}

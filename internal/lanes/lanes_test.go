package lanes

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestEnqueueFIFOPerKey(t *testing.T) {
	s := New()
	ctx := context.Background()

	var mu sync.Mutex
	var order []int

	var chans []<-chan Result
	for i := 0; i < 5; i++ {
		i := i
		chans = append(chans, s.Enqueue(ctx, "session-a", func(context.Context) (any, error) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return i, nil
		}))
	}

	for i, ch := range chans {
		res := <-ch
		if res.Err != nil {
			t.Fatalf("task %d: unexpected error: %v", i, res.Err)
		}
		if res.Value != i {
			t.Fatalf("task %d: got value %v", i, res.Value)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for i, got := range order {
		if got != i {
			t.Fatalf("execution order %v, want ascending", order)
		}
	}
}

func TestFailedTaskDoesNotBlockLane(t *testing.T) {
	s := New()
	ctx := context.Background()

	failed := s.Enqueue(ctx, "k", func(context.Context) (any, error) {
		return nil, errors.New("boom")
	})
	panicked := s.Enqueue(ctx, "k", func(context.Context) (any, error) {
		panic("kapow")
	})
	ok := s.Enqueue(ctx, "k", func(context.Context) (any, error) {
		return "fine", nil
	})

	if res := <-failed; res.Err == nil {
		t.Fatal("expected error from failing task")
	}
	if res := <-panicked; res.Err == nil {
		t.Fatal("expected error from panicking task")
	}
	res := <-ok
	if res.Err != nil || res.Value != "fine" {
		t.Fatalf("later task got %+v", res)
	}
}

func TestDifferentKeysInterleave(t *testing.T) {
	s := New()
	ctx := context.Background()

	release := make(chan struct{})
	started := make(chan struct{})

	slow := s.Enqueue(ctx, "slow", func(context.Context) (any, error) {
		close(started)
		<-release
		return nil, nil
	})

	<-started
	fast := s.Enqueue(ctx, "fast", func(context.Context) (any, error) {
		return "done", nil
	})

	select {
	case res := <-fast:
		if res.Err != nil {
			t.Fatalf("fast lane error: %v", res.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fast lane blocked behind unrelated slow lane")
	}

	close(release)
	<-slow
}

func TestClearDropsQueuedNotRunning(t *testing.T) {
	s := New()
	ctx := context.Background()

	release := make(chan struct{})
	started := make(chan struct{})

	running := s.Enqueue(ctx, "k", func(context.Context) (any, error) {
		close(started)
		<-release
		return "ran", nil
	})
	<-started

	q1 := s.Enqueue(ctx, "k", func(context.Context) (any, error) { return 1, nil })
	q2 := s.Enqueue(ctx, "k", func(context.Context) (any, error) { return 2, nil })

	if n := s.Clear("k"); n != 2 {
		t.Fatalf("Clear dropped %d tasks, want 2", n)
	}

	for _, ch := range []<-chan Result{q1, q2} {
		res := <-ch
		if !errors.Is(res.Err, ErrCleared) {
			t.Fatalf("dropped task got %+v, want ErrCleared", res)
		}
	}

	close(release)
	res := <-running
	if res.Err != nil || res.Value != "ran" {
		t.Fatalf("running task got %+v", res)
	}
}

func TestEnqueueGlobalSerializes(t *testing.T) {
	s := New()
	ctx := context.Background()

	var mu sync.Mutex
	active := 0
	maxActive := 0

	var chans []<-chan Result
	for i := 0; i < 4; i++ {
		chans = append(chans, s.EnqueueGlobal(ctx, DefaultGlobalLane, func(context.Context) (any, error) {
			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
			return nil, nil
		}))
	}
	for _, ch := range chans {
		<-ch
	}

	if maxActive != 1 {
		t.Fatalf("global lane ran %d tasks concurrently", maxActive)
	}
}

func TestCancelledContextSkipsTask(t *testing.T) {
	s := New()
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	res := <-s.Enqueue(cancelled, "k", func(context.Context) (any, error) {
		t.Fatal("task body should not run with cancelled context")
		return nil, nil
	})
	if !errors.Is(res.Err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", res.Err)
	}
}

package concurrency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func rejectConfig(limits Limits) Config {
	return Config{Strategy: StrategyReject, Limits: limits}
}

func TestGlobalLimitReject(t *testing.T) {
	c := NewController(rejectConfig(Limits{Global: 2}))

	p1, err := c.Acquire(context.Background(), "", "")
	if err != nil {
		t.Fatalf("acquire 1: %v", err)
	}
	p2, err := c.Acquire(context.Background(), "", "")
	if err != nil {
		t.Fatalf("acquire 2: %v", err)
	}

	if _, err := c.Acquire(context.Background(), "", ""); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}

	p1.Release()
	p3, err := c.Acquire(context.Background(), "", "")
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	p2.Release()
	p3.Release()

	if got := c.Running(); got != 0 {
		t.Fatalf("expected 0 running, got %d", got)
	}
}

func TestGroupAndEnvironmentLimits(t *testing.T) {
	c := NewController(rejectConfig(Limits{Global: 10, Group: 1, Environment: 2}))

	p1, err := c.Acquire(context.Background(), "g1", "staging")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// Group g1 is full; a different group still fits.
	if _, err := c.Acquire(context.Background(), "g1", "staging"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected group cap hit, got %v", err)
	}
	p2, err := c.Acquire(context.Background(), "g2", "staging")
	if err != nil {
		t.Fatalf("different group should fit: %v", err)
	}

	// Environment staging now holds 2.
	if _, err := c.Acquire(context.Background(), "g3", "staging"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected environment cap hit, got %v", err)
	}

	p1.Release()
	p2.Release()
}

func TestProductionOverride(t *testing.T) {
	c := NewController(rejectConfig(Limits{Global: 10, Environment: 10, Production: 1}))

	p1, err := c.Acquire(context.Background(), "", "Production")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := c.Acquire(context.Background(), "", "production"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected production cap hit, got %v", err)
	}

	// Non-production environments are unaffected.
	p2, err := c.Acquire(context.Background(), "", "staging")
	if err != nil {
		t.Fatalf("staging should fit: %v", err)
	}

	p1.Release()
	p2.Release()
}

func TestWaitStrategyGrantsOnRelease(t *testing.T) {
	c := NewController(Config{
		Strategy:       StrategyWait,
		Limits:         Limits{Global: 1},
		AcquireTimeout: 2 * time.Second,
	})

	p1, err := c.Acquire(context.Background(), "", "")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		p2, err := c.Acquire(context.Background(), "", "")
		if err == nil {
			p2.Release()
		}
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	p1.Release()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("waiter should have been granted: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never woke")
	}
}

func TestWaitStrategyTimesOut(t *testing.T) {
	c := NewController(Config{
		Strategy:       StrategyWait,
		Limits:         Limits{Global: 1},
		AcquireTimeout: 30 * time.Millisecond,
	})

	p1, err := c.Acquire(context.Background(), "", "")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer p1.Release()

	if _, err := c.Acquire(context.Background(), "", ""); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected timeout rejection, got %v", err)
	}
	if got := c.QueueDepth(); got != 0 {
		t.Fatalf("abandoned waiter left in queue: %d", got)
	}
}

func TestQueueStrategyBoundedLength(t *testing.T) {
	c := NewController(Config{
		Strategy:       StrategyQueue,
		Limits:         Limits{Global: 1},
		QueueMaxLength: 1,
	})

	p1, err := c.Acquire(context.Background(), "", "")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	granted := make(chan struct{})
	go func() {
		p2, err := c.Acquire(context.Background(), "", "")
		if err != nil {
			t.Errorf("queued acquire: %v", err)
			close(granted)
			return
		}
		close(granted)
		p2.Release()
	}()

	time.Sleep(20 * time.Millisecond)

	// The queue holds one waiter; a second enqueue is rejected.
	if _, err := c.Acquire(context.Background(), "", ""); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected queue overflow rejection, got %v", err)
	}

	p1.Release()
	select {
	case <-granted:
	case <-time.After(time.Second):
		t.Fatal("queued waiter never granted")
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	c := NewController(rejectConfig(Limits{Global: 1}))
	p, err := c.Acquire(context.Background(), "g", "staging")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	p.Release()
	p.Release()

	if got := c.Running(); got != 0 {
		t.Fatalf("double release corrupted counters: %d", got)
	}
}

func TestGlobalCapUnderContention(t *testing.T) {
	const limit = 4
	c := NewController(Config{
		Strategy:       StrategyWait,
		Limits:         Limits{Global: limit},
		AcquireTimeout: 5 * time.Second,
	})

	var (
		mu      sync.Mutex
		active  int
		highest int
		wg      sync.WaitGroup
	)

	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := c.Acquire(context.Background(), "", "")
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			mu.Lock()
			active++
			if active > highest {
				highest = active
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
			p.Release()
		}()
	}
	wg.Wait()

	if highest > limit {
		t.Fatalf("observed %d concurrent holders, cap is %d", highest, limit)
	}
}

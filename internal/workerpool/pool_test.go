package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func shutdown(t *testing.T, p *Pool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestGoRunsTasksAndShutdownWaits(t *testing.T) {
	p := New(2, 8)
	var count atomic.Int32
	for i := 0; i < 5; i++ {
		if err := p.Go(context.Background(), func(context.Context) {
			time.Sleep(5 * time.Millisecond)
			count.Add(1)
		}); err != nil {
			t.Fatalf("Go %d: %v", i, err)
		}
	}
	shutdown(t, p)

	if got := count.Load(); got != 5 {
		t.Fatalf("count = %d, want 5", got)
	}
	if p.InFlight() != 0 {
		t.Fatalf("InFlight() = %d, want 0", p.InFlight())
	}
}

func TestGoAfterShutdown(t *testing.T) {
	p := New(1, 1)
	shutdown(t, p)
	if err := p.Go(context.Background(), func(context.Context) {}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Go after Shutdown = %v, want ErrClosed", err)
	}
}

func TestFullPoolRejects(t *testing.T) {
	p := New(1, 1)
	release := make(chan struct{})
	started := make(chan struct{})
	if err := p.Go(context.Background(), func(context.Context) {
		close(started)
		<-release
	}); err != nil {
		t.Fatalf("first Go: %v", err)
	}
	<-started
	if err := p.Go(context.Background(), func(context.Context) {}); err != nil {
		t.Fatalf("queued Go: %v", err)
	}
	if err := p.Go(context.Background(), func(context.Context) {}); !errors.Is(err, ErrFull) {
		t.Fatalf("third Go = %v, want ErrFull", err)
	}

	close(release)
	shutdown(t, p)
}

func TestConcurrencyIsBounded(t *testing.T) {
	p := New(2, 6)
	var cur, peak atomic.Int32
	for i := 0; i < 6; i++ {
		if err := p.Go(context.Background(), func(context.Context) {
			n := cur.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			cur.Add(-1)
		}); err != nil {
			t.Fatalf("Go %d: %v", i, err)
		}
	}
	shutdown(t, p)

	if got := peak.Load(); got > 2 {
		t.Fatalf("peak concurrency = %d, want <= 2", got)
	}
}

func TestParentCancelReachesTask(t *testing.T) {
	p := New(1, 0)
	defer shutdown(t, p)

	parent, cancel := context.WithCancel(context.Background())
	seen := make(chan error, 1)
	if err := p.Go(parent, func(ctx context.Context) {
		<-ctx.Done()
		seen <- ctx.Err()
	}); err != nil {
		t.Fatalf("Go: %v", err)
	}
	cancel()

	select {
	case err := <-seen:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("task ctx err = %v, want Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("task never saw parent cancellation")
	}
}

func TestShutdownTimeoutCancelsTasks(t *testing.T) {
	p := New(1, 0)
	seen := make(chan struct{})
	if err := p.Go(context.Background(), func(ctx context.Context) {
		<-ctx.Done()
		close(seen)
	}); err != nil {
		t.Fatalf("Go: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := p.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Shutdown = %v, want DeadlineExceeded", err)
	}

	select {
	case <-seen:
	case <-time.After(2 * time.Second):
		t.Fatal("task was not cancelled by Shutdown")
	}
}

func TestPanicDoesNotKillPool(t *testing.T) {
	p := New(1, 4)
	var count atomic.Int32
	if err := p.Go(context.Background(), func(context.Context) { panic("capture exploded") }); err != nil {
		t.Fatalf("Go: %v", err)
	}
	if err := p.Go(context.Background(), func(context.Context) { count.Add(1) }); err != nil {
		t.Fatalf("Go: %v", err)
	}
	shutdown(t, p)

	if got := count.Load(); got != 1 {
		t.Fatalf("count after panic = %d, want 1", got)
	}
}

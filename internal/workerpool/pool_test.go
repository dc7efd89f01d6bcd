package workerpool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmitBoundsConcurrency(t *testing.T) {
	pool := New(2)
	var inFlight, maxInFlight int32

	done := make(chan struct{})
	for i := 0; i < 6; i++ {
		go func() {
			_ = pool.Submit(context.Background(), func() error {
				n := atomic.AddInt32(&inFlight, 1)
				for {
					cur := atomic.LoadInt32(&maxInFlight)
					if n <= cur || atomic.CompareAndSwapInt32(&maxInFlight, cur, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				atomic.AddInt32(&inFlight, -1)
				return nil
			})
			done <- struct{}{}
		}()
	}
	for i := 0; i < 6; i++ {
		<-done
	}

	if max := atomic.LoadInt32(&maxInFlight); max > 2 {
		t.Fatalf("observed %d concurrent submissions, want <= 2", max)
	}
}

func TestSubmitReturnsFnError(t *testing.T) {
	pool := New(1)
	wantErr := context.Canceled
	err := pool.Submit(context.Background(), func() error {
		return wantErr
	})
	if err != wantErr {
		t.Fatalf("got %v, want %v", err, wantErr)
	}
}

func TestSubmitRespectsCancelledContext(t *testing.T) {
	pool := New(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Hold the single slot so Submit must wait on ctx.
	release := make(chan struct{})
	go pool.Submit(context.Background(), func() error {
		<-release
		return nil
	})
	time.Sleep(5 * time.Millisecond)

	err := pool.Submit(ctx, func() error {
		t.Fatal("fn should not run when ctx is already cancelled")
		return nil
	})
	close(release)
	if err == nil {
		t.Fatal("expected error from cancelled context")
	}
}

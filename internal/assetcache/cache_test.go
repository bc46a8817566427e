package assetcache

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"
)

func TestCachePutGetClear(t *testing.T) {
	c := New(true)
	c.Put("-/s/style.css", "body{}")
	if got, ok := c.Get("-/s/style.css"); !ok || got != "body{}" {
		t.Fatalf("expected cached content, got %q %v", got, ok)
	}
	c.Clear()
	if _, ok := c.Get("-/s/style.css"); ok {
		t.Fatalf("clear must drop every entry")
	}
	if c.Len() != 0 {
		t.Fatalf("expected empty cache, got %d", c.Len())
	}
}

func TestDisabledCacheAlwaysMisses(t *testing.T) {
	c := New(true)
	c.Put("a", "1")
	c.SetEnabled(false)
	if _, ok := c.Get("a"); ok {
		t.Fatalf("disabled cache must miss")
	}
	c.Put("b", "2")
	if c.Len() != 0 {
		t.Fatalf("put on disabled cache must be a no-op")
	}
	c.SetEnabled(true)
	if _, ok := c.Get("a"); ok {
		t.Fatalf("re-enabling must not resurrect old entries")
	}
}

func TestBarrierZeroIsDone(t *testing.T) {
	b := NewBarrier(0)
	if err := b.Wait(context.Background()); err != nil {
		t.Fatalf("empty barrier should be done: %v", err)
	}
}

func TestBarrierAnyOrder(t *testing.T) {
	for round := 0; round < 20; round++ {
		const n = 5
		b := NewBarrier(n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				time.Sleep(time.Duration(rand.IntN(3)) * time.Millisecond)
				b.Resolve()
			}()
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := b.Wait(ctx); err != nil {
			cancel()
			t.Fatalf("barrier did not complete: %v", err)
		}
		cancel()
		wg.Wait()
		if b.Pending() != 0 {
			t.Fatalf("expected no pending slots, got %d", b.Pending())
		}
	}
}

func TestBarrierWaitsForEverySlot(t *testing.T) {
	b := NewBarrier(2)
	b.Resolve()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := b.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("barrier with a pending slot must block, got %v", err)
	}
	b.Resolve()
	b.Resolve()
	if b.Pending() != 0 {
		t.Fatalf("extra resolve must be ignored")
	}
}

package cookiesession

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStore(t *testing.T) {
	testStoreContract(t, func(t *testing.T) storeHarness {
		clock := newFakeClock()
		store := NewMemoryStoreWithConfig(MemoryConfig{SweepInterval: -1, Now: clock.Now})
		t.Cleanup(func() { store.Close() })
		return storeHarness{store: store, advance: clock.Advance}
	})
}

// TestMemoryStore_SweepEvicts follows a session with a 2s ttl through a real sweep.
func TestMemoryStore_SweepEvicts(t *testing.T) {
	if testing.Short() {
		t.Skip("sleeps for 3 seconds")
	}

	store := NewMemoryStoreWithConfig(MemoryConfig{SweepInterval: 100 * time.Millisecond})
	defer store.Close()

	ctx := context.Background()
	key := newKey(t)

	if err := store.Create(ctx, key, 42, nil); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := store.SetExpiration(ctx, key, 42, 2*time.Second); err != nil {
		t.Fatalf("SetExpiration failed: %v", err)
	}

	rec, err := store.Fetch(ctx, key)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if rec == nil || rec.OwnerID != 42 {
		t.Fatalf("expected session of owner 42, got %+v", rec)
	}

	time.Sleep(3 * time.Second)

	rec, err = store.Fetch(ctx, key)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if rec != nil {
		t.Error("expected session to be expired")
	}
	if n := store.Len(); n != 0 {
		t.Errorf("expected the sweep to evict the entry, %d left", n)
	}
}

func TestMemoryStore_CleanupBatches(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStoreWithConfig(MemoryConfig{SweepInterval: -1, Now: clock.Now})
	defer store.Close()

	ctx := context.Background()

	const expiring = 3*sweepBatch + 17
	for i := 0; i < expiring; i++ {
		key := newKey(t)
		if err := store.Create(ctx, key, int64(i), nil); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if err := store.SetExpiration(ctx, key, int64(i), time.Minute); err != nil {
			t.Fatalf("SetExpiration failed: %v", err)
		}
	}

	untracked := newKey(t)
	if err := store.Create(ctx, untracked, 1, nil); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	longLived := newKey(t)
	if err := store.Create(ctx, longLived, 2, nil); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := store.SetExpiration(ctx, longLived, 2, time.Hour); err != nil {
		t.Fatalf("SetExpiration failed: %v", err)
	}

	clock.Advance(2 * time.Minute)

	if err := store.Cleanup(ctx); err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if n := store.Len(); n != 2 {
		t.Errorf("expected 2 live entries after cleanup, got %d", n)
	}
	for _, key := range []string{untracked, longLived} {
		if rec, _ := store.Fetch(ctx, key); rec == nil {
			t.Errorf("cleanup removed a live session")
		}
	}
}

func TestMemoryStore_CleanupHonoursContext(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStoreWithConfig(MemoryConfig{SweepInterval: -1, Now: clock.Now})
	defer store.Close()

	key := newKey(t)
	if err := store.Create(context.Background(), key, 1, nil); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := store.SetExpiration(context.Background(), key, 1, time.Second); err != nil {
		t.Fatalf("SetExpiration failed: %v", err)
	}
	clock.Advance(time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := store.Cleanup(ctx); err == nil {
		t.Error("expected Cleanup to stop on a cancelled context")
	}
}

func TestMemoryStore_CloseStopsSweeper(t *testing.T) {
	store := NewMemoryStoreWithConfig(MemoryConfig{SweepInterval: 10 * time.Millisecond})

	done := make(chan struct{})
	go func() {
		store.Close()
		store.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not stop the sweeper")
	}
}

package cookiesession

import (
	"context"
	"errors"
	"math/rand/v2"
	"reflect"
	"sync"
	"testing"
	"time"
)

// fakeClock is a manually advanced clock for stores that take a Now func.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Now()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// storeHarness is a store under test plus a way to move its time forward.
type storeHarness struct {
	store   Store
	advance func(time.Duration)
}

func newKey(t testing.TB) string {
	t.Helper()
	id, err := GenerateID()
	if err != nil {
		t.Fatalf("GenerateID failed: %v", err)
	}
	return DeriveKey(id, "test-secret")
}

// newOwner returns an owner id unlikely to collide with leftovers in shared servers.
func newOwner() int64 {
	return rand.Int64N(1<<40) + 1
}

// testStoreContract runs the behaviour every Store must share.
func testStoreContract(t *testing.T, newHarness func(t *testing.T) storeHarness) {
	ctx := context.Background()

	t.Run("CreateFetch", func(t *testing.T) {
		h := newHarness(t)
		key := newKey(t)
		owner := newOwner()
		attrs := map[string]any{
			"name":     "mordicus",
			"count":    42,
			"ratio":    0.5,
			"is_admin": true,
			"nothing":  nil,
			"tags":     []string{"a", "b"},
			"profile":  map[string]any{"lang": "fr", "age": 30},
		}

		if err := h.store.Create(ctx, key, owner, attrs); err != nil {
			t.Fatalf("Create failed: %v", err)
		}

		rec, err := h.store.Fetch(ctx, key)
		if err != nil {
			t.Fatalf("Fetch failed: %v", err)
		}
		if rec == nil {
			t.Fatal("session not found")
		}
		if rec.OwnerID != owner {
			t.Errorf("expected owner %d, got %d", owner, rec.OwnerID)
		}

		want := map[string]any{
			"name":     "mordicus",
			"count":    float64(42),
			"ratio":    0.5,
			"is_admin": true,
			"nothing":  nil,
			"tags":     []any{"a", "b"},
			"profile":  map[string]any{"lang": "fr", "age": float64(30)},
		}
		if !reflect.DeepEqual(rec.Attributes, want) {
			t.Errorf("unexpected attributes:\n got %#v\nwant %#v", rec.Attributes, want)
		}
	})

	t.Run("FetchMissing", func(t *testing.T) {
		h := newHarness(t)
		rec, err := h.store.Fetch(ctx, newKey(t))
		if err != nil {
			t.Fatalf("Fetch failed: %v", err)
		}
		if rec != nil {
			t.Errorf("expected nil record, got %+v", rec)
		}
	})

	t.Run("Expiration", func(t *testing.T) {
		h := newHarness(t)
		key := newKey(t)
		owner := newOwner()

		if err := h.store.Create(ctx, key, owner, nil); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if err := h.store.SetExpiration(ctx, key, owner, 2*time.Second); err != nil {
			t.Fatalf("SetExpiration failed: %v", err)
		}

		h.advance(1500 * time.Millisecond)

		rec, err := h.store.Fetch(ctx, key)
		if err != nil {
			t.Fatalf("Fetch failed: %v", err)
		}
		if rec == nil {
			t.Fatal("session expired too early")
		}
		left, err := h.store.Expiration(ctx, key)
		if err != nil {
			t.Fatalf("Expiration failed: %v", err)
		}
		if left <= 0 || left > 2*time.Second {
			t.Errorf("expected remaining time in (0, 2s], got %v", left)
		}

		h.advance(time.Second)

		rec, err = h.store.Fetch(ctx, key)
		if err != nil {
			t.Fatalf("Fetch failed: %v", err)
		}
		if rec != nil {
			t.Error("expected session to be expired")
		}
		if _, err := h.store.Expiration(ctx, key); !errors.Is(err, ErrSessionNotFound) {
			t.Errorf("expected ErrSessionNotFound, got %v", err)
		}
	})

	t.Run("ZeroTTLDeletes", func(t *testing.T) {
		h := newHarness(t)
		key := newKey(t)
		owner := newOwner()

		if err := h.store.Create(ctx, key, owner, nil); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if err := h.store.SetExpiration(ctx, key, owner, 0); err != nil {
			t.Fatalf("SetExpiration(0) failed: %v", err)
		}
		if rec, _ := h.store.Fetch(ctx, key); rec != nil {
			t.Error("ttl 0 should expire the session immediately")
		}
	})

	t.Run("NegativeTTLKeepsExpiryUntracked", func(t *testing.T) {
		h := newHarness(t)
		key := newKey(t)
		owner := newOwner()

		if err := h.store.Create(ctx, key, owner, nil); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if err := h.store.SetExpiration(ctx, key, owner, -1); err != nil {
			t.Fatalf("SetExpiration(-1) failed: %v", err)
		}
		left, err := h.store.Expiration(ctx, key)
		if err != nil {
			t.Fatalf("Expiration failed: %v", err)
		}
		if left != NoExpiration {
			t.Errorf("expected NoExpiration, got %v", left)
		}

		h.advance(time.Hour)
		if rec, _ := h.store.Fetch(ctx, key); rec == nil {
			t.Error("session without ttl should not expire")
		}
	})

	t.Run("SetExpirationMissing", func(t *testing.T) {
		h := newHarness(t)
		err := h.store.SetExpiration(ctx, newKey(t), newOwner(), time.Minute)
		if !errors.Is(err, ErrSessionNotFound) {
			t.Errorf("expected ErrSessionNotFound, got %v", err)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		h := newHarness(t)
		owner := newOwner()
		keep, drop := newKey(t), newKey(t)

		for _, key := range []string{keep, drop} {
			if err := h.store.Create(ctx, key, owner, nil); err != nil {
				t.Fatalf("Create failed: %v", err)
			}
		}

		if err := h.store.Delete(ctx, drop); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if err := h.store.Delete(ctx, drop); err != nil {
			t.Errorf("second Delete should be a no-op, got %v", err)
		}

		if rec, _ := h.store.Fetch(ctx, drop); rec != nil {
			t.Error("expected deleted session to be gone")
		}
		if rec, _ := h.store.Fetch(ctx, keep); rec == nil {
			t.Error("Delete removed another session of the same owner")
		}
	})

	t.Run("DeleteAllForOwner", func(t *testing.T) {
		h := newHarness(t)
		owner, other := newOwner(), newOwner()
		first, second, foreign := newKey(t), newKey(t), newKey(t)

		for key, o := range map[string]int64{first: owner, second: owner, foreign: other} {
			if err := h.store.Create(ctx, key, o, map[string]any{"k": "v"}); err != nil {
				t.Fatalf("Create failed: %v", err)
			}
			if err := h.store.SetExpiration(ctx, key, o, time.Hour); err != nil {
				t.Fatalf("SetExpiration failed: %v", err)
			}
		}

		if err := h.store.DeleteAllForOwner(ctx, owner); err != nil {
			t.Fatalf("DeleteAllForOwner failed: %v", err)
		}

		for _, key := range []string{first, second} {
			if rec, _ := h.store.Fetch(ctx, key); rec != nil {
				t.Errorf("session %s survived bulk invalidation", key[:8])
			}
		}
		if rec, _ := h.store.Fetch(ctx, foreign); rec == nil {
			t.Error("bulk invalidation removed another owner's session")
		}

		if err := h.store.DeleteAllForOwner(ctx, owner); err != nil {
			t.Errorf("DeleteAllForOwner without sessions failed: %v", err)
		}
	})

	t.Run("Attributes", func(t *testing.T) {
		h := newHarness(t)
		key := newKey(t)

		if err := h.store.Create(ctx, key, newOwner(), map[string]any{"a": 1, "b": "x"}); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if err := h.store.SetAttribute(ctx, key, "a", 2); err != nil {
			t.Fatalf("SetAttribute failed: %v", err)
		}
		if err := h.store.SetAttribute(ctx, key, "c", []int{1, 2}); err != nil {
			t.Fatalf("SetAttribute failed: %v", err)
		}
		if err := h.store.DeleteAttribute(ctx, key, "b"); err != nil {
			t.Fatalf("DeleteAttribute failed: %v", err)
		}
		if err := h.store.DeleteAttribute(ctx, key, "missing"); err != nil {
			t.Errorf("DeleteAttribute of an unset name failed: %v", err)
		}

		rec, err := h.store.Fetch(ctx, key)
		if err != nil || rec == nil {
			t.Fatalf("Fetch failed: %v", err)
		}
		want := map[string]any{"a": float64(2), "c": []any{float64(1), float64(2)}}
		if !reflect.DeepEqual(rec.Attributes, want) {
			t.Errorf("unexpected attributes: got %#v, want %#v", rec.Attributes, want)
		}
	})

	t.Run("RejectsReservedAndInvalid", func(t *testing.T) {
		h := newHarness(t)
		key := newKey(t)

		if err := h.store.Create(ctx, key, newOwner(), nil); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		for _, name := range []string{"", "owner_id", "expires_at"} {
			if err := h.store.SetAttribute(ctx, key, name, 1); !errors.Is(err, ErrReservedAttribute) {
				t.Errorf("SetAttribute(%q): expected ErrReservedAttribute, got %v", name, err)
			}
			if err := h.store.DeleteAttribute(ctx, key, name); !errors.Is(err, ErrReservedAttribute) {
				t.Errorf("DeleteAttribute(%q): expected ErrReservedAttribute, got %v", name, err)
			}
		}
		if err := h.store.Create(ctx, newKey(t), newOwner(), map[string]any{"owner_id": 1}); !errors.Is(err, ErrReservedAttribute) {
			t.Errorf("Create with reserved name: expected ErrReservedAttribute, got %v", err)
		}
		if err := h.store.SetAttribute(ctx, key, "fn", func() {}); !errors.Is(err, ErrInvalidValue) {
			t.Errorf("expected ErrInvalidValue, got %v", err)
		}
	})

	t.Run("NoResurrection", func(t *testing.T) {
		h := newHarness(t)
		key := newKey(t)
		owner := newOwner()

		if err := h.store.Create(ctx, key, owner, map[string]any{"a": 1}); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if err := h.store.SetExpiration(ctx, key, owner, time.Hour); err != nil {
			t.Fatalf("SetExpiration failed: %v", err)
		}
		if err := h.store.DeleteAllForOwner(ctx, owner); err != nil {
			t.Fatalf("DeleteAllForOwner failed: %v", err)
		}

		if err := h.store.SetAttribute(ctx, key, "a", 2); !errors.Is(err, ErrSessionNotFound) {
			t.Errorf("SetAttribute: expected ErrSessionNotFound, got %v", err)
		}
		if err := h.store.DeleteAttribute(ctx, key, "a"); !errors.Is(err, ErrSessionNotFound) {
			t.Errorf("DeleteAttribute: expected ErrSessionNotFound, got %v", err)
		}
		if err := h.store.SetExpiration(ctx, key, owner, time.Hour); !errors.Is(err, ErrSessionNotFound) {
			t.Errorf("SetExpiration: expected ErrSessionNotFound, got %v", err)
		}
		if rec, _ := h.store.Fetch(ctx, key); rec != nil {
			t.Error("mutation recreated an invalidated session")
		}
	})

	t.Run("MutateExpired", func(t *testing.T) {
		h := newHarness(t)
		key := newKey(t)
		owner := newOwner()

		if err := h.store.Create(ctx, key, owner, nil); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if err := h.store.SetExpiration(ctx, key, owner, time.Second); err != nil {
			t.Fatalf("SetExpiration failed: %v", err)
		}
		h.advance(2 * time.Second)

		if err := h.store.SetAttribute(ctx, key, "a", 1); !errors.Is(err, ErrSessionNotFound) {
			t.Errorf("expected ErrSessionNotFound, got %v", err)
		}
		if rec, _ := h.store.Fetch(ctx, key); rec != nil {
			t.Error("expired session came back")
		}
	})
}

// failingStore wraps a Store and fails selected operations.
type failingStore struct {
	Store
	fetchErr        error
	setAttributeErr error
	deleteErr       error
	expirationErr   error
}

func (s *failingStore) Fetch(ctx context.Context, key string) (*Record, error) {
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	return s.Store.Fetch(ctx, key)
}

func (s *failingStore) SetAttribute(ctx context.Context, key, name string, value any) error {
	if s.setAttributeErr != nil {
		return s.setAttributeErr
	}
	return s.Store.SetAttribute(ctx, key, name, value)
}

func (s *failingStore) Delete(ctx context.Context, key string) error {
	if s.deleteErr != nil {
		return s.deleteErr
	}
	return s.Store.Delete(ctx, key)
}

func (s *failingStore) SetExpiration(ctx context.Context, key string, ownerID int64, ttl time.Duration) error {
	if s.expirationErr != nil {
		return s.expirationErr
	}
	return s.Store.SetExpiration(ctx, key, ownerID, ttl)
}

func TestCheckAttributeName(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"", true},
		{"owner_id", true},
		{"expires_at", true},
		{"is_admin", false},
		{"userId", false},
	}
	for _, tt := range tests {
		err := checkAttributeName(tt.name)
		if (err != nil) != tt.wantErr {
			t.Errorf("checkAttributeName(%q) = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
		if err != nil && !errors.Is(err, ErrReservedAttribute) {
			t.Errorf("checkAttributeName(%q) should wrap ErrReservedAttribute, got %v", tt.name, err)
		}
	}
}

/*
Package cookiesession provides cookie based sessions backed by a pluggable server side store.

The client only ever holds a signed, random identifier. The server derives the storage key
from that identifier and its secret, so a leaked store never yields usable cookies, and a
forged or tampered cookie is treated exactly like a missing one.

Key Features:

  - Signed cookies: HMAC-SHA256 over a 256-bit random identifier, verified in constant time.
  - Pluggable storage: in memory, Redis, Memcached, PostgreSQL and SQLite (CGO-free).
  - Rolling expiration: every authenticated request slides the session lifetime forward.
  - Bulk invalidation: DeleteAllForOwner logs a principal out of every device.
  - Write-through attributes: Session.Set and Session.Delete persist before they return.
  - Automatic cleanup: background sweepers for the stores without native expiry.

Usage:

	store := cookiesession.NewMemoryStore()

	mgr, err := cookiesession.NewManager(cookiesession.Config{
		Store:  store,
		Secret: os.Getenv("SESSION_SECRET"),
	})
	if err != nil {
		log.Fatal(err)
	}
	defer mgr.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /login", func(w http.ResponseWriter, r *http.Request) {
		s := cookiesession.FromContext(r.Context())
		if err := s.Init(r.Context(), 42, map[string]any{"is_admin": false}); err != nil {
			http.Error(w, "Failed to create session", http.StatusInternalServerError)
		}
	})
	mux.Handle("GET /me", mgr.RequireSession(http.HandlerFunc(me)))

	http.ListenAndServe(":8080", mgr.Middleware(mux))

Attribute values are stored as JSON by every backend, so a value reads back the way
encoding/json decodes it into an any: numbers are float64, objects map[string]any.

Store Implementations:

  - MemoryStore: process local map with lazy expiry checks and a batched sweep.
  - RedisStore: one hash per session plus a sorted set per owner, written in MULTI/EXEC batches (github.com/redis/go-redis/v9).
  - MemcachedStore: JSON items with a compare-and-swap maintained owner index (github.com/bradfitz/gomemcache).
  - PostgreSQLStore: github.com/lib/pq, JSONB attributes, row locks for attribute writes.
  - SQLiteStore: modernc.org/sqlite in WAL mode.

Thread Safety:

The Manager and Store implementations are safe for concurrent use by multiple goroutines.
A Session belongs to one request; its methods may be called from that request's goroutines.
*/
package cookiesession

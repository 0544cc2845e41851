package cookiesession

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// DefaultExpiration is the session lifetime used when Config.Expiration is zero.
const DefaultExpiration = 4 * 24 * time.Hour

type contextKey struct{}

// Manager loads sessions from signed cookies and issues those cookies.
type Manager struct {
	store        Store
	secret       string
	expiration   time.Duration
	cookie       string
	cookiePath   string
	cookieDomain string
	httpOnly     bool
	secure       *bool
	sameSite     http.SameSite
	generateID   func() (string, error)
	deriveKey    func(id, secret string) string
	validID      func(id string) bool
	errorHandler func(w http.ResponseWriter, r *http.Request, err error)
	logger       zerolog.Logger
}

type Config struct {
	Store  Store
	Secret string // Signs cookies and salts storage keys. Required.

	// Expiration is the rolling lifetime of a session. Zero means DefaultExpiration.
	// A negative value keeps no expiry in the store and issues browser-session cookies.
	Expiration time.Duration

	CookieName   string // Defaults to "session".
	CookiePath   string // Defaults to "/".
	CookieDomain string
	HttpOnly     *bool // Defaults to true.
	Secure       *bool // Defaults to true for TLS requests.
	SameSite     http.SameSite

	GenerateID func() (string, error)
	DeriveKey  func(id, secret string) string

	// ErrorHandler answers requests whose session could not be loaded because the store
	// failed. Defaults to logging the error and replying 500.
	ErrorHandler func(w http.ResponseWriter, r *http.Request, err error)
	Logger       *zerolog.Logger
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errors.New("no store provided for session manager")
	}
	if cfg.Secret == "" {
		return nil, ErrNoSecret
	}
	if cfg.CookieName == "" {
		cfg.CookieName = "session"
	}
	if cfg.CookiePath == "" {
		cfg.CookiePath = "/"
	}
	if cfg.Expiration == 0 {
		cfg.Expiration = DefaultExpiration
	}

	m := &Manager{
		store:        cfg.Store,
		secret:       cfg.Secret,
		expiration:   cfg.Expiration,
		cookie:       cfg.CookieName,
		cookiePath:   cfg.CookiePath,
		cookieDomain: cfg.CookieDomain,
		httpOnly:     true, // Default
		secure:       cfg.Secure,
		sameSite:     cfg.SameSite,
		generateID:   GenerateID,
		deriveKey:    DeriveKey,
		validID:      isValidID,
		errorHandler: cfg.ErrorHandler,
		logger:       loggerOrDefault(cfg.Logger),
	}

	if cfg.HttpOnly != nil {
		m.httpOnly = *cfg.HttpOnly
	}
	if cfg.GenerateID != nil {
		m.generateID = cfg.GenerateID
		// Custom identifiers have their own format.
		m.validID = func(id string) bool { return id != "" }
	}
	if cfg.DeriveKey != nil {
		m.deriveKey = cfg.DeriveKey
	}
	if m.errorHandler == nil {
		m.errorHandler = m.defaultErrorHandler
	}

	// Browsers reject SameSite=None cookies without the Secure attribute.
	if m.sameSite == http.SameSiteNoneMode {
		secure := true
		m.secure = &secure
	}

	return m, nil
}

// Store returns the store sessions are persisted in.
func (m *Manager) Store() Store {
	return m.store
}

// Close closes the store.
func (m *Manager) Close() error {
	return m.store.Close()
}

// storeTTL is the ttl handed to Store.SetExpiration; negative keeps expiry untracked.
func (m *Manager) storeTTL() time.Duration {
	if m.expiration < 0 {
		return NoExpiration
	}
	return m.expiration
}

// Load returns the session the request's cookie points to, sliding its expiration and
// re-issuing the cookie. Requests without a valid cookie or whose session is gone get an
// anonymous session. Only store failures are returned as errors.
func (m *Manager) Load(w http.ResponseWriter, r *http.Request) (*Session, error) {
	s := &Session{manager: m, w: w, r: r, attrs: make(map[string]any)}

	cookies, malformed := ParseCookies(strings.Join(r.Header.Values("Cookie"), "; "))
	if len(malformed) > 0 {
		m.logger.Debug().Strs("segments", malformed).Msg("ignoring malformed cookie segments")
	}

	token, ok := cookies[m.cookie]
	if !ok {
		return s, nil
	}

	id, ok := Unsign(token, m.secret)
	if !ok {
		m.logger.Debug().Msg("rejected session cookie with invalid signature")
		return s, nil
	}
	if !m.validID(id) {
		m.logger.Debug().Msg("rejected session cookie with malformed id")
		return s, nil
	}

	ctx := r.Context()
	key := m.deriveKey(id, m.secret)

	rec, err := m.store.Fetch(ctx, key)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return s, nil
	}

	if err := m.store.SetExpiration(ctx, key, rec.OwnerID, m.storeTTL()); err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			// Deleted between the fetch and the refresh.
			return s, nil
		}
		return nil, err
	}

	rec.Key = key
	s.load(rec)
	m.setCookie(w, r, id)
	return s, nil
}

// Middleware loads the session of every request and stores it in the request context.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, err := m.Load(w, r)
		if err != nil {
			m.errorHandler(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(NewContext(r.Context(), s)))
	})
}

// RequireSession answers 401 Unauthorized to anonymous requests.
func (m *Manager) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := FromContext(r.Context())
		if s == nil || !s.Exists() {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireFlag answers 401 to anonymous requests and 403 Forbidden unless the boolean
// attribute name is true, e.g. RequireFlag("is_admin").
func (m *Manager) RequireFlag(name string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return m.RequireSession(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !FromContext(r.Context()).Bool(name) {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		}))
	}
}

// DeleteAllForOwner logs ownerID out everywhere.
func (m *Manager) DeleteAllForOwner(ctx context.Context, ownerID int64) error {
	if err := m.store.DeleteAllForOwner(ctx, ownerID); err != nil {
		return err
	}
	m.logger.Info().Int64("owner_id", ownerID).Msg("invalidated all sessions of owner")
	return nil
}

func (m *Manager) defaultErrorHandler(w http.ResponseWriter, r *http.Request, err error) {
	m.logger.Error().Err(err).Str("path", r.URL.Path).Msg("failed to load session")
	http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
}

func (m *Manager) isSecure(r *http.Request) bool {
	if m.secure != nil {
		return *m.secure
	}
	return r != nil && r.TLS != nil
}

// setCookie issues the signed cookie for id, replacing any session cookie already queued
// on the response.
func (m *Manager) setCookie(w http.ResponseWriter, r *http.Request, id string) {
	if w == nil {
		return
	}
	c := &http.Cookie{
		Name:     m.cookie,
		Value:    Sign(id, m.secret),
		Path:     m.cookiePath,
		Domain:   m.cookieDomain,
		HttpOnly: m.httpOnly,
		Secure:   m.isSecure(r),
		SameSite: m.sameSite,
	}
	if m.expiration > 0 {
		c.MaxAge = int(m.expiration.Seconds())
		c.Expires = time.Now().Add(m.expiration)
	}
	m.dropPendingCookie(w)
	http.SetCookie(w, c)
}

// clearCookie tells the client to forget the session cookie.
func (m *Manager) clearCookie(w http.ResponseWriter, r *http.Request) {
	if w == nil {
		return
	}
	m.dropPendingCookie(w)
	http.SetCookie(w, &http.Cookie{
		Name:     m.cookie,
		Value:    "",
		Path:     m.cookiePath,
		Domain:   m.cookieDomain,
		MaxAge:   -1,
		HttpOnly: m.httpOnly,
		Secure:   m.isSecure(r),
		SameSite: m.sameSite,
	})
}

func (m *Manager) dropPendingCookie(w http.ResponseWriter) {
	h := w.Header()
	pending := h.Values("Set-Cookie")
	if len(pending) == 0 {
		return
	}
	prefix := m.cookie + "="
	kept := pending[:0:0]
	for _, v := range pending {
		if !strings.HasPrefix(v, prefix) {
			kept = append(kept, v)
		}
	}
	if len(kept) == 0 {
		h.Del("Set-Cookie")
		return
	}
	h["Set-Cookie"] = kept
}

// NewContext returns a copy of ctx carrying s.
func NewContext(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, contextKey{}, s)
}

// FromContext returns the session stored by Middleware, or nil.
func FromContext(ctx context.Context) *Session {
	s, _ := ctx.Value(contextKey{}).(*Session)
	return s
}

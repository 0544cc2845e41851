package cookiesession

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
)

// EnvConfig is the environment driven configuration of a Manager and its store.
type EnvConfig struct {
	Secret         string        `env:"SESSION_SECRET,required,notEmpty"`
	Store          string        `env:"SESSION_STORE" envDefault:"memory"`
	Expiration     time.Duration `env:"SESSION_EXPIRATION" envDefault:"96h"`
	HttpOnly       bool          `env:"SESSION_HTTP_ONLY" envDefault:"true"`
	CookieName     string        `env:"SESSION_COOKIE_NAME" envDefault:"session"`
	CookiePath     string        `env:"SESSION_COOKIE_PATH" envDefault:"/"`
	CookieDomain   string        `env:"SESSION_COOKIE_DOMAIN"`
	CookieSecure   *bool         `env:"SESSION_COOKIE_SECURE"`
	CookieSameSite string        `env:"SESSION_COOKIE_SAMESITE"`
	SweepInterval  time.Duration `env:"SESSION_SWEEP_INTERVAL" envDefault:"24h"`
	MaxBytes       int           `env:"SESSION_MAX_BYTES" envDefault:"0"`

	RedisURL         string   `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	RedisPrefix      string   `env:"REDIS_PREFIX" envDefault:"cs:"`
	MemcachedServers []string `env:"MEMCACHED_SERVERS" envSeparator:"," envDefault:"localhost:11211"`
	PostgresDSN      string   `env:"POSTGRES_DSN"`
	SQLitePath       string   `env:"SQLITE_PATH" envDefault:"sessions.db"`
}

// LoadConfig reads EnvConfig from the process environment.
func LoadConfig() (EnvConfig, error) {
	cfg, err := env.ParseAs[EnvConfig]()
	if err != nil {
		return EnvConfig{}, fmt.Errorf("failed to parse session config: %w", err)
	}
	return cfg, nil
}

// OpenStore creates the store named by cfg.Store.
func OpenStore(ctx context.Context, cfg EnvConfig, logger *zerolog.Logger) (Store, error) {
	switch strings.ToLower(cfg.Store) {
	case "", "memory":
		return NewMemoryStoreWithConfig(MemoryConfig{
			SweepInterval: cfg.SweepInterval,
			Logger:        logger,
		}), nil
	case "redis":
		return NewRedisStoreFromURL(ctx, cfg.RedisURL, RedisConfig{Prefix: cfg.RedisPrefix})
	case "memcached":
		return NewMemcachedStoreWithConfig(MemcachedConfig{
			Servers:         cfg.MemcachedServers,
			Prefix:          cfg.RedisPrefix,
			MaxSessionBytes: cfg.MaxBytes,
			Timeout:         1 * time.Second,
		}), nil
	case "postgres", "postgresql":
		return NewPostgreSQLStoreWithConfig(PostgreSQLConfig{
			DSN:             cfg.PostgresDSN,
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			MaxSessionBytes: cfg.MaxBytes,
			CleanupInterval: cfg.SweepInterval,
			Logger:          logger,
		})
	case "sqlite":
		return NewSQLiteStoreWithConfig(SQLiteConfig{
			DSN:             cfg.SQLitePath,
			MaxOpenConns:    16,
			MaxIdleConns:    16,
			MaxSessionBytes: cfg.MaxBytes,
			CleanupInterval: cfg.SweepInterval,
			Logger:          logger,
		})
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownStore, cfg.Store)
}

// ManagerConfig builds the Manager configuration for store.
func (c EnvConfig) ManagerConfig(store Store, logger *zerolog.Logger) Config {
	httpOnly := c.HttpOnly
	return Config{
		Store:        store,
		Secret:       c.Secret,
		Expiration:   c.Expiration,
		CookieName:   c.CookieName,
		CookiePath:   c.CookiePath,
		CookieDomain: c.CookieDomain,
		HttpOnly:     &httpOnly,
		Secure:       c.CookieSecure,
		SameSite:     parseSameSite(c.CookieSameSite),
		Logger:       logger,
	}
}

func parseSameSite(v string) http.SameSite {
	switch strings.ToLower(v) {
	case "lax":
		return http.SameSiteLaxMode
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	}
	return 0
}

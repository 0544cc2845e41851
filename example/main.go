package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/Morditux/cookiesession"
	"github.com/common-nighthawk/go-figure"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
	log.Info().Msg("server stopped")
}

func run() error {
	// A missing .env is fine, the environment may already be set.
	_ = godotenv.Load()

	if os.Getenv("APP_ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	cfg, err := cookiesession.LoadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := cookiesession.OpenStore(ctx, cfg, &log.Logger)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Store, err)
	}

	mgr, err := cookiesession.NewManager(cfg.ManagerConfig(store, &log.Logger))
	if err != nil {
		store.Close()
		return err
	}
	defer mgr.Close()

	displayAppname("cookiesession")

	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           requestID(mgr.Middleware(routes(mgr))),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Str("store", cfg.Store).Msg("server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server.Shutdown: %w", err)
	}
	return nil
}

func routes(mgr *cookiesession.Manager) http.Handler {
	mux := http.NewServeMux()

	// Credentials are not checked here; the demo trusts the posted user id.
	mux.HandleFunc("POST /login", func(w http.ResponseWriter, r *http.Request) {
		userID, err := strconv.ParseInt(r.FormValue("user_id"), 10, 64)
		if err != nil {
			http.Error(w, "invalid user_id", http.StatusBadRequest)
			return
		}

		s := cookiesession.FromContext(r.Context())
		err = s.Init(r.Context(), userID, map[string]any{
			"is_admin":     r.FormValue("admin") == "true",
			"account_type": r.FormValue("account_type"),
		})
		if err != nil {
			zerolog.Ctx(r.Context()).Error().Err(err).Msg("login failed")
			http.Error(w, "failed to create session", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.Handle("POST /logout", mgr.RequireSession(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := cookiesession.FromContext(r.Context()).Destroy(r.Context()); err != nil {
			zerolog.Ctx(r.Context()).Error().Err(err).Msg("logout failed")
		}
		w.WriteHeader(http.StatusNoContent)
	})))

	mux.Handle("GET /me", mgr.RequireSession(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := cookiesession.FromContext(r.Context())
		ownerID, _ := s.OwnerID()

		visits, _ := s.Int64("visits")
		if err := s.Set(r.Context(), "visits", visits+1); err != nil {
			zerolog.Ctx(r.Context()).Error().Err(err).Msg("failed to count visit")
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"user_id":    ownerID,
			"attributes": s.Attributes(),
		})
	})))

	mux.Handle("POST /users/{id}/deactivate", mgr.RequireFlag("is_admin")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
		if err != nil {
			http.Error(w, "invalid user id", http.StatusBadRequest)
			return
		}
		if err := mgr.DeleteAllForOwner(r.Context(), userID); err != nil {
			zerolog.Ctx(r.Context()).Error().Err(err).Msg("deactivation failed")
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})))

	return mux
}

// requestID tags every request's logger with a fresh id.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.New().String()
		w.Header().Set("X-Request-ID", id)
		logger := log.With().Str("request_id", id).Logger()
		next.ServeHTTP(w, r.WithContext(logger.WithContext(r.Context())))
	})
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}

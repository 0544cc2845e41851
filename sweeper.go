package cookiesession

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// sweepTimeout bounds a single cleanup pass.
const sweepTimeout = 30 * time.Second

// sweeper calls cleanup on a fixed interval until stopped.
type sweeper struct {
	interval time.Duration
	cleanup  func(context.Context) error
	logger   zerolog.Logger
	stopChan chan struct{}
	done     chan struct{}
	once     sync.Once
}

// startSweeper starts the background worker. It returns nil when interval is not positive.
func startSweeper(interval time.Duration, cleanup func(context.Context) error, logger zerolog.Logger) *sweeper {
	if interval <= 0 {
		return nil
	}

	s := &sweeper{
		interval: interval,
		cleanup:  cleanup,
		logger:   logger,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *sweeper) run() {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
			if err := s.cleanup(ctx); err != nil {
				s.logger.Error().Err(err).Msg("session sweep failed")
			}
			cancel()
		case <-s.stopChan:
			return
		}
	}
}

// Stop stops the worker and waits for a running pass to finish. Safe to call more than once
// and on a nil sweeper.
func (s *sweeper) Stop() {
	if s == nil {
		return
	}
	s.once.Do(func() { close(s.stopChan) })
	<-s.done
}

// loggerOrDefault falls back to the global zerolog logger.
func loggerOrDefault(l *zerolog.Logger) zerolog.Logger {
	if l == nil {
		return log.Logger
	}
	return *l
}

package cleanup

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var ErrAlreadyRunning = errors.New("cleanup scheduler already running")

// Cleaner purges verification contexts older than maxAge.
type Cleaner interface {
	Cleanup(ctx context.Context, maxAge time.Duration) int
}

// Sweep is one periodic purge. Run returns the number of removed items.
type Sweep struct {
	Name string
	Run  func(ctx context.Context, ttl time.Duration) int
}

// Scheduler runs the context sweep, plus any extra sweeps, on a ticker off
// the request path.
type Scheduler struct {
	interval time.Duration
	ttl      time.Duration
	sweeps   []Sweep
	logger   zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates a scheduler that calls cleaner.Cleanup(ctx, ttl) every interval.
func NewScheduler(cleaner Cleaner, interval, ttl time.Duration, logger zerolog.Logger, extra ...Sweep) *Scheduler {
	sweeps := []Sweep{{Name: "contexts", Run: cleaner.Cleanup}}
	sweeps = append(sweeps, extra...)
	return &Scheduler{
		interval: interval,
		ttl:      ttl,
		sweeps:   sweeps,
		logger:   logger.With().Str("service", "cleanup").Logger(),
	}
}

// Start launches the loop. It stops when ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.interval <= 0 {
		return errors.New("cleanup interval must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return ErrAlreadyRunning
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(loopCtx, s.done)

	s.logger.Info().Dur("interval", s.interval).Dur("ttl", s.ttl).Int("sweeps", len(s.sweeps)).Msg("cleanup scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// Stop cancels the loop and waits for an in-progress sweep to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info().Msg("cleanup scheduler stopped")
}

// Running reports whether the loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done != nil
}

// RunOnce runs every sweep once and returns removed counts by sweep name.
func (s *Scheduler) RunOnce(ctx context.Context) map[string]int {
	out := make(map[string]int, len(s.sweeps))
	for _, sw := range s.sweeps {
		if ctx.Err() != nil {
			break
		}
		n := s.run(ctx, sw)
		out[sw.Name] = n
		if n > 0 {
			s.logger.Debug().Str("sweep", sw.Name).Int("removed", n).Msg("sweep completed")
		}
	}
	return out
}

func (s *Scheduler) run(ctx context.Context, sw Sweep) (n int) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Str("sweep", sw.Name).Msg("sweep panicked")
			n = 0
		}
	}()
	return sw.Run(ctx, s.ttl)
}

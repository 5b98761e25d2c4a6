package server

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Workers sets the background maintenance intervals.
type Workers struct {
	// SweepInterval is how often overdue proposals are expired.
	SweepInterval time.Duration
	// EvictInterval is how often idle sequence threads are dropped.
	EvictInterval time.Duration
	// PruneInterval is how often idle rate-limit keys are dropped.
	PruneInterval time.Duration
}

func (w Workers) withDefaults() Workers {
	if w.SweepInterval <= 0 {
		w.SweepInterval = time.Minute
	}
	if w.EvictInterval <= 0 {
		w.EvictInterval = time.Minute
	}
	if w.PruneInterval <= 0 {
		w.PruneInterval = time.Minute
	}
	return w
}

// RunWorkers runs the background workers until ctx is cancelled and returns
// once all of them have stopped.
func (s *Server) RunWorkers(ctx context.Context) {
	log := s.log.Named("worker")
	var wg sync.WaitGroup
	run := func(fn func(context.Context, *zap.Logger)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx, log)
		}()
	}
	run(s.runSweeper)
	run(s.runEvictor)
	if s.limiter != nil {
		run(s.runLimiterPrune)
	}
	wg.Wait()
}

// --- Proposal expiry worker ---

func (s *Server) runSweeper(ctx context.Context, log *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.workers.SweepInterval):
			if ids := s.sweepExpired(ctx); len(ids) > 0 {
				log.Info("expired proposals", zap.Strings("proposals", ids))
			}
		}
	}
}

// sweepExpired expires overdue proposals and returns their IDs.
func (s *Server) sweepExpired(ctx context.Context) []string {
	return s.engine.SweepExpired(ctx)
}

// --- Sequence thread eviction worker ---

func (s *Server) runEvictor(ctx context.Context, log *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.workers.EvictInterval):
			if n := s.evictIdleThreads(); n > 0 {
				log.Debug("evicted idle sequence threads", zap.Int("threads", n))
			}
		}
	}
}

// evictIdleThreads drops conversation buffers that have seen nothing for
// several pairing windows; no later message could pair with them.
func (s *Server) evictIdleThreads() int {
	return s.engine.EvictIdleThreads(4 * s.engine.SequenceWindow())
}

// --- Rate limiter cleanup worker ---

func (s *Server) runLimiterPrune(ctx context.Context, log *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.workers.PruneInterval):
			if n := s.limiter.Prune(); n > 0 {
				log.Debug("pruned rate limit keys", zap.Int("keys", n))
			}
		}
	}
}

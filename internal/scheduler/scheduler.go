package scheduler

import (
	"context"
	"log"
	"time"

	"payline/internal/engine"
)

// Scheduler periodically expires due pools. It owns no global state; Run
// blocks until the context is cancelled.
type Scheduler struct {
	Engine   *engine.Engine
	Interval time.Duration
}

func New(e *engine.Engine, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{Engine: e, Interval: interval}
}

// Run sweeps immediately, then on every tick.
func (s *Scheduler) Run(ctx context.Context) {
	s.sweep(ctx)
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	n, err := s.Engine.ExpireDuePools(ctx)
	if err != nil {
		log.Printf("expiry sweep: %v", err)
		return
	}
	if n > 0 {
		log.Printf("expiry sweep: expired %d pools", n)
	}
}

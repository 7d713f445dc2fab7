package heartbeat

import (
	"context"
	"time"
)

// IntervalSource pokes the beat from a periodic timer that is independent of
// the engine's render loop.
type IntervalSource struct {
	Every time.Duration
}

func (s *IntervalSource) Name() string { return "interval" }

func (s *IntervalSource) Start(ctx context.Context, poke func()) {
	go func() {
		ticker := time.NewTicker(s.Every)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				poke()
			}
		}
	}()
}

// SleeperSource is the background sleep-and-signal helper: a plain goroutine
// that sleeps and pokes, sharing no timer mechanism with IntervalSource.
type SleeperSource struct {
	Every time.Duration
}

func (s *SleeperSource) Name() string { return "sleeper" }

func (s *SleeperSource) Start(ctx context.Context, poke func()) {
	go func() {
		for {
			time.Sleep(s.Every)
			select {
			case <-ctx.Done():
				return
			default:
				poke()
			}
		}
	}()
}

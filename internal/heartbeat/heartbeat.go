// Package heartbeat compensates for the engine's unreliable per-frame
// callback. With no display attached the engine's own tick may never fire,
// so several independent trigger sources all funnel into one signal queue
// consumed by a single loop. That loop is the only context allowed to mutate
// engine state; sources themselves never touch the engine.
package heartbeat

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/sirupsen/logrus"
)

// Handler is the idempotent tick entry point driven by the consumer loop.
type Handler func(now time.Time)

// Source is an independent trigger that pokes the beat. Sources are
// additive: each one improves reliability but none is load-bearing alone.
type Source interface {
	Name() string

	// Start launches the source. Implementations call poke from whatever
	// goroutine suits them; poke never blocks and is safe for concurrent use.
	Start(ctx context.Context, poke func())
}

// Beat owns the signal queue and the consumer loop.
type Beat struct {
	logger  *logrus.Logger
	handler Handler
	sources []Source
	signals chan struct{}
}

func New(logger *logrus.Logger, handler Handler) *Beat {
	return &Beat{
		logger:  logger,
		handler: handler,
		// Small buffer: overlapping source firings coalesce instead of
		// queueing up a backlog of redundant ticks.
		signals: make(chan struct{}, 8),
	}
}

// AddSource registers a trigger source. Must be called before Run.
func (b *Beat) AddSource(source Source) {
	b.sources = append(b.sources, source)
}

// Poke enqueues a tick signal. Never blocks; a full queue means a tick is
// already pending and the extra signal carries no information.
func (b *Beat) Poke() {
	select {
	case b.signals <- struct{}{}:
	default:
	}
}

// Run starts every source and consumes signals until the context is
// cancelled. Blocks; the caller's goroutine becomes the main execution
// context for all engine-state mutation.
func (b *Beat) Run(ctx context.Context) {
	for _, source := range b.sources {
		b.logger.Debugf("starting heartbeat source %s", source.Name())
		source.Start(ctx, b.Poke)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.signals:
			b.drain()
			b.tick(time.Now())
		}
	}
}

// drain clears any signals that piled up from redundant sources firing in
// the same window; they all collapse into the single tick about to run.
func (b *Beat) drain() {
	for {
		select {
		case <-b.signals:
		default:
			return
		}
	}
}

// tick runs the handler, containing any panic. A fault during one tick must
// never take the host process down; the next signal gets a fresh attempt.
func (b *Beat) tick(now time.Time) {
	defer func() {
		if recovered := recover(); recovered != nil {
			b.logger.Errorf("panic during tick: %v\n%s", recovered, debug.Stack())
		}
	}()

	b.handler(now)
}

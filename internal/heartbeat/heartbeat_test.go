package heartbeat

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestBeat_PokeDrivesHandler(t *testing.T) {
	ticked := make(chan time.Time, 1)
	beat := New(logrus.New(), func(now time.Time) {
		select {
		case ticked <- now:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go beat.Run(ctx)

	beat.Poke()

	select {
	case <-ticked:
	case <-time.After(time.Second):
		t.Fatal("handler was not invoked after a poke")
	}
}

func TestBeat_PokeNeverBlocks(t *testing.T) {
	beat := New(logrus.New(), func(time.Time) {})

	// No consumer running; every poke past the queue size must drop
	// rather than block the calling source.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			beat.Poke()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Poke blocked with a full signal queue")
	}
}

func TestBeat_HandlerPanicsAreContained(t *testing.T) {
	var calls atomic.Int32
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	beat := New(logger, func(time.Time) {
		if calls.Add(1) == 1 {
			panic("engine subsystem exploded")
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go beat.Run(ctx)

	beat.Poke()
	deadline := time.After(time.Second)
	for calls.Load() < 1 {
		select {
		case <-deadline:
			t.Fatal("first tick never ran")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	// The consumer loop must survive the panic and process later signals.
	beat.Poke()
	deadline = time.After(time.Second)
	for calls.Load() < 2 {
		select {
		case <-deadline:
			t.Fatal("consumer loop did not survive a handler panic")
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

func TestBeat_IntervalSourceFires(t *testing.T) {
	var calls atomic.Int32
	beat := New(logrus.New(), func(time.Time) {
		calls.Add(1)
	})
	beat.AddSource(&IntervalSource{Every: 5 * time.Millisecond})
	beat.AddSource(&SleeperSource{Every: 7 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go beat.Run(ctx)

	deadline := time.After(time.Second)
	for calls.Load() < 3 {
		select {
		case <-deadline:
			t.Fatal("interval sources did not drive the handler")
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

func TestAttemptGuard_Once(t *testing.T) {
	guard := NewAttemptGuard()

	if !guard.Once("start_hosting") {
		t.Error("first Once() call should return true")
	}
	for i := 0; i < 5; i++ {
		if guard.Once("start_hosting") {
			t.Fatal("Once() returned true more than once for the same phase")
		}
	}

	if !guard.Once("other_phase") {
		t.Error("phases should be guarded independently")
	}
}

func TestAttemptGuard_NextAndReset(t *testing.T) {
	guard := NewAttemptGuard()

	for want := 1; want <= 3; want++ {
		if got := guard.Next("engine_ready"); got != want {
			t.Errorf("Next() attempt %d, got %d", want, got)
		}
	}
	if guard.Count("engine_ready") != 3 {
		t.Errorf("Count() want 3, got %d", guard.Count("engine_ready"))
	}

	guard.Reset("engine_ready")
	if guard.Count("engine_ready") != 0 {
		t.Error("Reset() did not clear the attempt count")
	}
}

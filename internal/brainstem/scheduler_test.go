package brainstem

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/medulla-ai/medulla/internal/config"
	"github.com/medulla-ai/medulla/internal/observability"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Level: "error"})
}

func TestRegisterDropsDisabledLoop(t *testing.T) {
	cfg := config.BrainstemConfig{
		Enabled: true,
		Loops: map[string]config.LoopConfig{
			"off": {Enabled: false},
		},
	}
	s := NewScheduler(cfg, testLogger())
	s.Register(Loop{Name: "off", Interval: time.Second, Run: func(context.Context) error { return nil }})
	if len(s.loops) != 0 {
		t.Fatalf("disabled loop registered, loops = %d", len(s.loops))
	}
}

func TestRegisterAppliesConfigOverrides(t *testing.T) {
	cfg := config.BrainstemConfig{
		Enabled: true,
		Loops: map[string]config.LoopConfig{
			"tuned": {Enabled: true, IntervalSeconds: 90, JitterSeconds: 10},
		},
	}
	s := NewScheduler(cfg, testLogger())
	s.Register(Loop{Name: "tuned", Interval: time.Second, Run: func(context.Context) error { return nil }})
	if len(s.loops) != 1 {
		t.Fatalf("loops = %d, want 1", len(s.loops))
	}
	if got := s.loops[0].Interval; got != 90*time.Second {
		t.Fatalf("interval = %v, want 90s", got)
	}
	if got := s.loops[0].Jitter; got != 10*time.Second {
		t.Fatalf("jitter = %v, want 10s", got)
	}
}

func TestRegisterRejectsUnschedulableLoop(t *testing.T) {
	s := NewScheduler(config.BrainstemConfig{Enabled: true}, testLogger())
	s.Register(Loop{Name: "never", Run: func(context.Context) error { return nil }})
	if len(s.loops) != 0 {
		t.Fatal("loop without interval or cron must not be registered")
	}
}

func TestInvokeSkipsOverlappingRun(t *testing.T) {
	s := NewScheduler(config.BrainstemConfig{Enabled: true}, testLogger())

	release := make(chan struct{})
	var runs atomic.Int32
	loop := Loop{Name: "slow", Interval: time.Second, Run: func(context.Context) error {
		runs.Add(1)
		<-release
		return nil
	}}
	s.Register(loop)

	firstDone := make(chan struct{})
	go func() {
		s.invoke(context.Background(), loop)
		close(firstDone)
	}()

	deadline := time.After(2 * time.Second)
	for runs.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("first invocation never started")
		case <-time.After(time.Millisecond):
		}
	}

	// Second tick while the first is still in flight.
	s.invoke(context.Background(), loop)
	if got := runs.Load(); got != 1 {
		t.Fatalf("runs = %d, want 1 (overlap must be skipped)", got)
	}

	close(release)
	<-firstDone

	s.invoke(context.Background(), loop)
	if got := runs.Load(); got != 2 {
		t.Fatalf("runs = %d, want 2 after the first completed", got)
	}
}

func TestInvokeRecoversPanic(t *testing.T) {
	s := NewScheduler(config.BrainstemConfig{Enabled: true}, testLogger())
	loop := Loop{Name: "bomb", Interval: time.Second, Run: func(context.Context) error {
		panic("loop exploded")
	}}
	s.Register(loop)

	s.invoke(context.Background(), loop)

	// The guard must be released so the next tick still runs.
	var ran atomic.Bool
	loop.Run = func(context.Context) error { ran.Store(true); return nil }
	s.invoke(context.Background(), loop)
	if !ran.Load() {
		t.Fatal("loop did not run after a recovered panic")
	}
}

func TestStartAndStopRunLoops(t *testing.T) {
	s := NewScheduler(config.BrainstemConfig{Enabled: true}, testLogger())
	var runs atomic.Int32
	s.Register(Loop{Name: "fast", Interval: 5 * time.Millisecond, Run: func(context.Context) error {
		runs.Add(1)
		return nil
	}})

	s.Start(context.Background())
	deadline := time.After(2 * time.Second)
	for runs.Load() < 2 {
		select {
		case <-deadline:
			t.Fatal("loop never ticked twice")
		case <-time.After(time.Millisecond):
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	after := runs.Load()
	time.Sleep(30 * time.Millisecond)
	if runs.Load() != after {
		t.Fatal("loop kept ticking after stop")
	}
}

func TestStopDeadlineOnStuckLoop(t *testing.T) {
	s := NewScheduler(config.BrainstemConfig{Enabled: true}, testLogger())
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	s.Register(Loop{Name: "stuck", Interval: time.Millisecond, Run: func(context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	}})

	s.Start(context.Background())
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("loop never started")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := s.Stop(stopCtx); err == nil {
		t.Fatal("stop must report the exceeded deadline while a run is stuck")
	}
	close(release)
}

func TestDisabledBrainstemNeverStarts(t *testing.T) {
	s := NewScheduler(config.BrainstemConfig{Enabled: false}, testLogger())
	var runs atomic.Int32
	s.Register(Loop{Name: "fast", Interval: time.Millisecond, Run: func(context.Context) error {
		runs.Add(1)
		return nil
	}})
	s.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	if runs.Load() != 0 {
		t.Fatal("disabled brainstem must not run loops")
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("stop on never-started scheduler: %v", err)
	}
}

package infra

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(clock *fakeClock, failureThreshold int, cooldown time.Duration) *CircuitBreaker {
	return NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test",
		FailureThreshold: failureThreshold,
		Cooldown:         cooldown,
		Now:              clock.Now,
	})
}

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	cb := newTestBreaker(clock, 3, 30*time.Second)
	ctx := context.Background()
	boom := errors.New("boom")

	for i := 0; i < 2; i++ {
		if err := cb.Execute(ctx, func(context.Context) error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("execute %d: got %v, want boom", i, err)
		}
		if got := cb.State(); got != CircuitClosed {
			t.Fatalf("after %d failures state = %q, want closed", i+1, got)
		}
	}

	if err := cb.Execute(ctx, func(context.Context) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("third failure: got %v, want boom", err)
	}
	if got := cb.State(); got != CircuitOpen {
		t.Fatalf("after threshold state = %q, want open", got)
	}

	// While open, calls are rejected without running fn.
	ran := false
	err := cb.Execute(ctx, func(context.Context) error { ran = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("open circuit: got %v, want ErrCircuitOpen", err)
	}
	if ran {
		t.Fatal("fn ran while circuit was open")
	}
}

func TestCircuitBreakerSuccessResetsFailureCount(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	cb := newTestBreaker(clock, 3, 30*time.Second)
	ctx := context.Background()
	boom := errors.New("boom")

	_ = cb.Execute(ctx, func(context.Context) error { return boom })
	_ = cb.Execute(ctx, func(context.Context) error { return boom })
	if got := cb.Failures(); got != 2 {
		t.Fatalf("failures = %d, want 2", got)
	}

	if err := cb.Execute(ctx, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("success: %v", err)
	}
	if got := cb.Failures(); got != 0 {
		t.Fatalf("failures after success = %d, want 0", got)
	}
	if got := cb.State(); got != CircuitClosed {
		t.Fatalf("state = %q, want closed", got)
	}
}

func TestCircuitBreakerHalfOpenProbe(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	cb := newTestBreaker(clock, 2, 30*time.Second)
	ctx := context.Background()
	boom := errors.New("boom")

	_ = cb.Execute(ctx, func(context.Context) error { return boom })
	_ = cb.Execute(ctx, func(context.Context) error { return boom })
	if got := cb.State(); got != CircuitOpen {
		t.Fatalf("state = %q, want open", got)
	}

	// Before the cooldown expires the circuit still rejects.
	clock.Advance(29 * time.Second)
	if err := cb.Execute(ctx, func(context.Context) error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("before cooldown: got %v, want ErrCircuitOpen", err)
	}

	// After the cooldown a probe is allowed; failure re-opens.
	clock.Advance(2 * time.Second)
	if err := cb.Execute(ctx, func(context.Context) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("probe failure: got %v, want boom", err)
	}
	if got := cb.State(); got != CircuitOpen {
		t.Fatalf("after failed probe state = %q, want open", got)
	}

	// A successful probe after another cooldown closes the circuit.
	clock.Advance(31 * time.Second)
	if err := cb.Execute(ctx, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("probe success: %v", err)
	}
	if got := cb.State(); got != CircuitClosed {
		t.Fatalf("after successful probe state = %q, want closed", got)
	}
	if got := cb.Failures(); got != 0 {
		t.Fatalf("failures after close = %d, want 0", got)
	}
}

func TestCircuitBreakerReset(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	cb := newTestBreaker(clock, 1, time.Minute)
	ctx := context.Background()

	_ = cb.Execute(ctx, func(context.Context) error { return errors.New("boom") })
	if got := cb.State(); got != CircuitOpen {
		t.Fatalf("state = %q, want open", got)
	}

	cb.Reset()
	if got := cb.State(); got != CircuitClosed {
		t.Fatalf("state after reset = %q, want closed", got)
	}
	if err := cb.Execute(ctx, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("execute after reset: %v", err)
	}
}

func TestCircuitBreakerDefaults(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "defaults"})
	stats := cb.Stats()
	if stats.State != CircuitClosed {
		t.Fatalf("state = %q, want closed", stats.State)
	}
	if stats.Name != "defaults" {
		t.Fatalf("name = %q, want defaults", stats.Name)
	}
	if cb.config.FailureThreshold != 5 {
		t.Fatalf("failure threshold = %d, want 5", cb.config.FailureThreshold)
	}
	if cb.config.SuccessThreshold != 1 {
		t.Fatalf("success threshold = %d, want 1", cb.config.SuccessThreshold)
	}
	if cb.config.Cooldown != 30*time.Second {
		t.Fatalf("cooldown = %v, want 30s", cb.config.Cooldown)
	}
}

package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestDo_Success(t *testing.T) {
	g := NewGuard(DefaultBreakerConfig("test"), zerolog.Nop())

	out, err := Do(context.Background(), g, func(ctx context.Context) (string, error) {
		return "ok", nil
	})
	if err != nil || out != "ok" {
		t.Fatalf("expected ok, got %q, %v", out, err)
	}
}

func TestDo_TripsAfterFailures(t *testing.T) {
	g := NewGuard(DefaultBreakerConfig("test"), zerolog.Nop())
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		_, err := Do(context.Background(), g, func(ctx context.Context) (int, error) { return 0, boom })
		if !errors.Is(err, boom) {
			t.Fatalf("call %d: expected boom, got %v", i, err)
		}
	}

	called := false
	_, err := Do(context.Background(), g, func(ctx context.Context) (int, error) {
		called = true
		return 1, nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	if called {
		t.Error("expected open breaker to skip the call")
	}
	if g.State() != "open" {
		t.Errorf("expected open state, got %s", g.State())
	}
}

func TestDo_CancellationDoesNotTrip(t *testing.T) {
	g := NewGuard(DefaultBreakerConfig("test"), zerolog.Nop())

	for i := 0; i < 5; i++ {
		_, _ = Do(context.Background(), g, func(ctx context.Context) (int, error) { return 0, context.Canceled })
	}
	if g.State() != "closed" {
		t.Errorf("expected closed state, got %s", g.State())
	}
}

func TestDo_RateLimiterHonoursContext(t *testing.T) {
	cfg := DefaultBreakerConfig("test")
	cfg.RPS = 0.001
	cfg.Burst = 1
	g := NewGuard(cfg, zerolog.Nop())

	_, _ = Do(context.Background(), g, func(ctx context.Context) (int, error) { return 1, nil })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := Do(ctx, g, func(ctx context.Context) (int, error) { return 1, nil })
	if err == nil {
		t.Fatal("expected limiter wait to fail before the deadline")
	}
}

// Package resilience wraps calls to remote collaborators with a circuit
// breaker and a client-side rate limiter.
package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// ErrOpen is returned while the breaker is rejecting calls.
var ErrOpen = errors.New("collaborator temporarily unavailable")

type BreakerConfig struct {
	Name        string
	MaxRequests uint32
	Interval    time.Duration
	Timeout     time.Duration
	// RPS caps outbound calls; zero disables the limiter.
	RPS   float64
	Burst int
	// Benign reports errors that should not count against the collaborator,
	// such as a rejected input.
	Benign func(err error) bool
}

func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:        name,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
	}
}

// Guard combines a breaker and limiter for one collaborator.
type Guard struct {
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

func NewGuard(cfg BreakerConfig, logger zerolog.Logger) *Guard {
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && ratio >= 0.6
		},
		// Caller cancellations say nothing about the collaborator's health.
		IsSuccessful: func(err error) bool {
			if err == nil || errors.Is(err, context.Canceled) {
				return true
			}
			return cfg.Benign != nil && cfg.Benign(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	}

	g := &Guard{cb: gobreaker.NewCircuitBreaker(settings)}
	if cfg.RPS > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	}
	return g
}

// Do waits for a rate token and runs fn through the breaker.
func Do[T any](ctx context.Context, g *Guard, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return zero, err
		}
	}
	out, err := g.cb.Execute(func() (interface{}, error) {
		return fn(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return zero, ErrOpen
	}
	if err != nil {
		return zero, err
	}
	return out.(T), nil
}

// State reports the breaker state for health output.
func (g *Guard) State() string {
	return g.cb.State().String()
}

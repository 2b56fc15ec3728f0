package ai

import (
	"context"
	"errors"
	"log/slog"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
)

// BreakerConfig tunes the circuit breaker around a TextGenerator.
type BreakerConfig struct {
	Name             string
	FailureThreshold uint32
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
}

// BreakerGenerator stops calling a failing provider for Timeout after
// FailureThreshold consecutive failures and reports ReasonUnavailable instead.
type BreakerGenerator struct {
	next TextGenerator
	cb   *gobreaker.CircuitBreaker[Completion]
}

// NewBreakerGenerator wraps next with a circuit breaker.
func NewBreakerGenerator(next TextGenerator, cfg BreakerConfig) *BreakerGenerator {
	if cfg.Name == "" {
		cfg.Name = "text-generator"
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit_breaker_state_change", "breaker", name, "from", from.String(), "to", to.String())
		},
		// Caller cancellations and malformed output say nothing about provider health.
		IsSuccessful: func(err error) bool {
			if err == nil || errors.Is(err, context.Canceled) {
				return true
			}
			var ce *CapabilityError
			return errors.As(err, &ce) && ce.Reason == ReasonMalformedOutput
		},
	}
	return &BreakerGenerator{
		next: next,
		cb:   gobreaker.NewCircuitBreaker[Completion](settings),
	}
}

// GenerateText implements TextGenerator.
func (b *BreakerGenerator) GenerateText(ctx context.Context, prompt Prompt) (Completion, error) {
	out, err := b.cb.Execute(func() (Completion, error) {
		return b.next.GenerateText(ctx, prompt)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return Completion{}, capabilityErr(b.cb.Name(), ReasonUnavailable, err)
	}
	return out, err
}

// State reports the breaker state for health output.
func (b *BreakerGenerator) State() string {
	return b.cb.State().String()
}

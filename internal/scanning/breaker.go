package scanning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"
)

// BreakerConfig controls when the OCR circuit opens
type BreakerConfig struct {
	// ConsecutiveFailures trips the breaker
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open before probing again
	OpenTimeout time.Duration
	// HalfOpenMaxCalls is the number of probe calls allowed while half-open
	HalfOpenMaxCalls uint32
}

// DefaultBreakerConfig returns the breaker settings used by the server
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		ConsecutiveFailures: 5,
		OpenTimeout:         30 * time.Second,
		HalfOpenMaxCalls:    1,
	}
}

// Breaker wraps a Scanner so a failing OCR backend is not hammered
type Breaker struct {
	next    Scanner
	breaker *gobreaker.CircuitBreaker[string]
}

// NewBreaker wraps next in a circuit breaker named name
func NewBreaker(name string, next Scanner, cfg BreakerConfig) *Breaker {
	def := DefaultBreakerConfig()
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = def.ConsecutiveFailures
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
	if cfg.HalfOpenMaxCalls == 0 {
		cfg.HalfOpenMaxCalls = def.HalfOpenMaxCalls
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.HalfOpenMaxCalls,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			// Bad uploads and cancelled requests say nothing about the backend
			return err == nil ||
				errors.Is(err, ErrUnreadableImage) ||
				errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			slog.Warn("OCR circuit breaker state change", "scanner", name, "from", from.String(), "to", to.String())
		},
	}

	return &Breaker{
		next:    next,
		breaker: gobreaker.NewCircuitBreaker[string](settings),
	}
}

// ScanText forwards to the wrapped Scanner unless the circuit is open
func (b *Breaker) ScanText(ctx context.Context, imageData []byte, contentType string) (string, error) {
	text, err := b.breaker.Execute(func() (string, error) {
		return b.next.ScanText(ctx, imageData, contentType)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return "", fmt.Errorf("%w: %v", ErrScannerUnavailable, err)
	}
	return text, err
}

// Close closes the wrapped Scanner
func (b *Breaker) Close() error {
	return b.next.Close()
}

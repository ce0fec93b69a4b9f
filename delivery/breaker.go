package delivery

import (
	"context"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"bulkmailer/retry"
)

// BreakerTransport stops hammering a relay that keeps failing. Permanent,
// per-recipient rejections do not count against the relay.
type BreakerTransport struct {
	next Transport
	cb   *gobreaker.CircuitBreaker
}

// WithBreaker wraps next with a circuit breaker that opens after threshold
// consecutive transient failures and half-opens after reset.
func WithBreaker(next Transport, name string, threshold int, reset time.Duration, logger *slog.Logger) *BreakerTransport {
	if logger == nil {
		logger = slog.Default()
	}
	if threshold < 1 {
		threshold = 1
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     reset,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(threshold)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || retry.IsPermanent(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("smtp circuit breaker state changed",
				slog.String("transport", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	return &BreakerTransport{next: next, cb: cb}
}

// Verify bypasses the breaker; a failed verify aborts the run anyway.
func (b *BreakerTransport) Verify(ctx context.Context) error {
	return b.next.Verify(ctx)
}

// Send implements Transport.
func (b *BreakerTransport) Send(ctx context.Context, env *Envelope) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.Send(ctx, env)
	})
	return err
}

// State exposes the breaker state for logging and tests.
func (b *BreakerTransport) State() gobreaker.State {
	return b.cb.State()
}

// Close closes the wrapped transport.
func (b *BreakerTransport) Close() error {
	return Close(b.next)
}

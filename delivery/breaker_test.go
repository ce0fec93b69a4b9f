package delivery

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
)

type scriptedTransport struct {
	calls atomic.Int32
	err   error
}

func (s *scriptedTransport) Verify(context.Context) error { return nil }

func (s *scriptedTransport) Send(context.Context, *Envelope) error {
	s.calls.Add(1)
	return s.err
}

func TestBreakerOpensOnTransientFailures(t *testing.T) {
	next := &scriptedTransport{err: errors.New("421 service not available")}
	b := WithBreaker(next, "test", 3, time.Minute, nil)

	for i := 0; i < 3; i++ {
		if err := b.Send(context.Background(), &Envelope{}); err == nil {
			t.Fatalf("expected failure on call %d", i)
		}
	}
	if b.State() != gobreaker.StateOpen {
		t.Fatalf("expected open breaker, got %v", b.State())
	}

	err := b.Send(context.Background(), &Envelope{})
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected ErrOpenState, got %v", err)
	}
	if got := next.calls.Load(); got != 3 {
		t.Fatalf("expected open breaker to skip transport, got %d calls", got)
	}
}

func TestBreakerIgnoresPermanentFailures(t *testing.T) {
	next := &scriptedTransport{err: errors.New("550 5.1.1 user unknown")}
	b := WithBreaker(next, "test", 2, time.Minute, nil)

	for i := 0; i < 5; i++ {
		_ = b.Send(context.Background(), &Envelope{})
	}
	if b.State() != gobreaker.StateClosed {
		t.Fatalf("expected closed breaker, got %v", b.State())
	}
	if got := next.calls.Load(); got != 5 {
		t.Fatalf("expected every send to reach the transport, got %d", got)
	}
}

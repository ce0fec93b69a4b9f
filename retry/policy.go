package retry

import (
	"math/rand"
	"time"
)

// maxShift caps the exponent so large attempt numbers cannot overflow.
const maxShift = 10

// Backoff returns base*2^(attempt-1) plus up to base of random jitter.
// The jitter keeps concurrent workers from retrying in lockstep.
func Backoff(attempt int, base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > maxShift {
		shift = maxShift
	}
	delay := base * time.Duration(1<<uint(shift))
	return delay + time.Duration(rand.Int63n(int64(base)))
}

// Phase is the lifecycle position of one recipient.
type Phase int

const (
	Pending Phase = iota
	Attempting
	Sent
	Failed
)

func (p Phase) String() string {
	switch p {
	case Pending:
		return "pending"
	case Attempting:
		return "attempting"
	case Sent:
		return "sent"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// State is a recipient's position in the delivery state machine. Attempt is
// the number of the attempt that is about to run (Attempting) or the number
// of attempts made (Sent, Failed).
type State struct {
	Phase   Phase
	Attempt int
	LastErr error
	// Wait is the backoff to observe before the next attempt.
	Wait time.Duration
}

// Terminal reports whether no further attempt will be made.
func (s State) Terminal() bool {
	return s.Phase == Sent || s.Phase == Failed
}

// Policy bounds the retry loop.
type Policy struct {
	MaxRetries  int
	BaseBackoff time.Duration
	// Delay computes the wait before attempt n+1; nil selects Backoff.
	Delay func(attempt int, base time.Duration) time.Duration
}

// Start returns the state before the first attempt.
func (p Policy) Start() State {
	return State{Phase: Attempting, Attempt: 1}
}

// Step applies the outcome of the current attempt. A nil err moves to Sent;
// a Permanent error or an exhausted budget moves to Failed; otherwise the
// next attempt is scheduled after a backoff.
func (p Policy) Step(s State, err error) State {
	if s.Phase != Attempting {
		return s
	}
	if err == nil {
		return State{Phase: Sent, Attempt: s.Attempt}
	}
	if Classify(err) == Permanent || s.Attempt > p.MaxRetries {
		return State{Phase: Failed, Attempt: s.Attempt, LastErr: err}
	}
	delay := p.Delay
	if delay == nil {
		delay = Backoff
	}
	return State{
		Phase:   Attempting,
		Attempt: s.Attempt + 1,
		LastErr: err,
		Wait:    delay(s.Attempt, p.BaseBackoff),
	}
}

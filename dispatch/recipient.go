package dispatch

import "encoding/json"

// Status is the lifecycle state of a recipient within a run.
type Status int

const (
	StatusPending Status = iota
	StatusAttempting
	StatusSent
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusAttempting:
		return "attempting"
	case StatusSent:
		return "sent"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	}
	return "unknown"
}

// MarshalJSON renders the status by name.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Recipient is the engine-owned state of one address. Only the worker that
// claimed it mutates it.
type Recipient struct {
	Address   string
	Attempts  int
	LastError error
	Status    Status
}

func (r *Recipient) terminal() bool {
	return r.Status == StatusSent || r.Status == StatusFailed || r.Status == StatusCancelled
}

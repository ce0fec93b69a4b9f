// Package delivery defines the mail transport port used by the dispatch
// engine and its SMTP implementation.
package delivery

import (
	"context"
	"errors"

	"bulkmailer/internal/email"
)

// ErrMissingCredentials is returned when an identity lacks a user or secret.
var ErrMissingCredentials = errors.New("SMTP credentials required")

// Identity is the credential set a run authenticates with. It is supplied
// per request and never persisted.
type Identity struct {
	User   string
	Secret string
	Name   string
	From   string
}

// Key returns the identity's quota key.
func (i Identity) Key() string {
	if k := email.Key(i.User); k != "" {
		return k
	}
	return email.Key(i.From)
}

// Validate checks the identity is complete enough to attempt a login.
func (i Identity) Validate() error {
	if i.User == "" || i.Secret == "" {
		return ErrMissingCredentials
	}
	if _, err := email.ParseSender(i.From); err != nil {
		return err
	}
	return nil
}

// Template is the message sent to every recipient of a run.
type Template struct {
	Subject string
	Text    string
	HTML    string
}

// Envelope is one message addressed to one recipient.
type Envelope struct {
	FromName  string
	From      string
	To        string
	MessageID string
	Template  Template
}

// Transport delivers envelopes. Implementations must be safe for
// concurrent use by the dispatch workers of one run.
type Transport interface {
	// Verify checks connectivity and authentication without sending.
	Verify(ctx context.Context) error
	// Send delivers a single envelope.
	Send(ctx context.Context, env *Envelope) error
}

// Factory builds a Transport bound to an identity.
type Factory func(id Identity) (Transport, error)

// Close releases t if it holds resources.
func Close(t Transport) error {
	if c, ok := t.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

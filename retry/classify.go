// Package retry decides whether a failed delivery attempt is worth repeating
// and how long to wait before doing so.
package retry

import (
	"context"
	"errors"
	"net"
	"net/textproto"
	"regexp"
	"strings"

	"github.com/sony/gobreaker"
	"github.com/wneessen/go-mail"
)

// Class is the retry classification of a delivery error.
type Class int

const (
	// Transient errors may succeed on a later attempt.
	Transient Class = iota
	// Permanent errors will fail no matter how often they are retried.
	Permanent
)

func (c Class) String() string {
	if c == Permanent {
		return "permanent"
	}
	return "transient"
}

var (
	replyCode = regexp.MustCompile(`^\s*([245])\d\d[\s-]`)
	// an enhanced status code must not be part of a longer dotted number
	// such as an IPv4 address
	enhancedCode = regexp.MustCompile(`(?:^|[^\d.])([245])\.\d{1,3}\.\d{1,3}(?:$|[^\d.]|\.(?:$|\D))`)
)

// permanentPhrases are lower-case fragments providers put in hard bounces
// and auth rejections that sometimes arrive without a reply code.
var permanentPhrases = []string{
	"user unknown",
	"unknown user",
	"no such user",
	"invalid recipient",
	"recipient address rejected",
	"mailbox unavailable",
	"mailbox not found",
	"does not exist",
	"rejected by policy",
	"authentication failed",
	"username and password not accepted",
	"invalid credentials",
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// MarkPermanent wraps err so Classify reports it as Permanent.
func MarkPermanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Classify reports whether err is Permanent or Transient. A nil error is
// Transient by convention; callers only classify failures.
func Classify(err error) Class {
	if err == nil {
		return Transient
	}

	var pe *permanentError
	if errors.As(err, &pe) {
		return Permanent
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Transient
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return Transient
	}
	// dial failures, resets and timeouts say nothing about the recipient
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient
	}

	var sendErr *mail.SendError
	if errors.As(err, &sendErr) {
		if code := sendErr.ErrorCode(); code != 0 {
			return classifyCode(code)
		}
		if sendErr.IsTemp() {
			return Transient
		}
	}

	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return classifyCode(tpErr.Code)
	}

	return classifyText(err.Error())
}

// IsPermanent is shorthand for Classify(err) == Permanent.
func IsPermanent(err error) bool {
	return Classify(err) == Permanent
}

func classifyCode(code int) Class {
	if code >= 500 && code < 600 {
		return Permanent
	}
	return Transient
}

func classifyText(msg string) Class {
	if m := replyCode.FindStringSubmatch(msg); m != nil {
		if m[1] == "5" {
			return Permanent
		}
		return Transient
	}
	// wrapped errors put the server reply after a "context: " prefix
	if i := strings.LastIndex(msg, ": "); i >= 0 {
		if m := replyCode.FindStringSubmatch(msg[i+2:]); m != nil {
			return classifyCodeDigit(m[1])
		}
	}
	if m := enhancedCode.FindStringSubmatch(msg); m != nil {
		return classifyCodeDigit(m[1])
	}

	lower := strings.ToLower(msg)
	for _, phrase := range permanentPhrases {
		if strings.Contains(lower, phrase) {
			return Permanent
		}
	}
	return Transient
}

func classifyCodeDigit(d string) Class {
	if d == "5" {
		return Permanent
	}
	return Transient
}

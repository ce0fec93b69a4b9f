package email

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrInvalidAddress indicates the address failed validation.
	ErrInvalidAddress = errors.New("invalid email address")
)

var validate = validator.New()

// Valid reports whether addr is a bare, syntactically valid email address.
// Display-name forms such as "Bob <bob@example.com>" are rejected.
func Valid(addr string) bool {
	addr = strings.TrimSpace(addr)
	if addr == "" || strings.ContainsAny(addr, "\r\n<>\"") {
		return false
	}
	return validate.Var(addr, "required,email") == nil
}

// Key returns the case-folded form used for deduplication and quota keys.
func Key(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// ParseSender validates a from-address and returns it in canonical form.
// Display names are accepted and dropped.
func ParseSender(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", fmt.Errorf("%w: empty address", ErrInvalidAddress)
	}
	parsed, err := mail.ParseAddress(addr)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if !Valid(parsed.Address) {
		return "", fmt.Errorf("%w: %s", ErrInvalidAddress, parsed.Address)
	}
	return parsed.Address, nil
}

// Domain returns the domain component of a validated email address.
func Domain(address string) (string, error) {
	at := strings.LastIndex(address, "@")
	if at == -1 || at == len(address)-1 {
		return "", fmt.Errorf("%w: missing domain", ErrInvalidAddress)
	}

	domain := address[at+1:]
	domain = strings.TrimSuffix(domain, ".")
	domain = strings.TrimSpace(domain)
	if domain == "" {
		return "", fmt.Errorf("%w: empty domain", ErrInvalidAddress)
	}
	if strings.ContainsAny(domain, " \t") {
		return "", fmt.Errorf("%w: whitespace in domain", ErrInvalidAddress)
	}

	return strings.ToLower(domain), nil
}

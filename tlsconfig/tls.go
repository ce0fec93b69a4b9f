// Package tlsconfig builds the TLS settings for the HTTPS listener and the
// outbound SMTP client.
package tlsconfig

import (
	"crypto/tls"
	"errors"
	"fmt"
)

// ErrTLSDisabled is returned by Server when no certificate is configured.
var ErrTLSDisabled = errors.New("tls disabled")

// Server loads the listener certificate. Both paths empty means plain HTTP.
func Server(certFile, keyFile string) (*tls.Config, error) {
	if certFile == "" && keyFile == "" {
		return nil, ErrTLSDisabled
	}
	if certFile == "" || keyFile == "" {
		return nil, errors.New("tls: both certificate and key files are required")
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("tls: load key pair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// Client returns the settings used when talking to the SMTP relay at host.
// skipVerify is for relays with self-signed certificates in development.
func Client(host string, skipVerify bool) *tls.Config {
	return &tls.Config{
		ServerName:         host,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: skipVerify,
	}
}

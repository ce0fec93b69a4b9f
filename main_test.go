package main

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"bulkmailer/delivery"
	"bulkmailer/internal/config"
)

func TestOverridePort(t *testing.T) {
	tests := []struct {
		addr     string
		port     string
		expected string
	}{
		{":8080", "9090", ":9090"},
		{"127.0.0.1:8080", "9090", "127.0.0.1:9090"},
		{"0.0.0.0:8080", ":9090", "0.0.0.0:9090"},
		{"localhost", "9090", "localhost:9090"},
		{"[::1]:8080", "9090", "[::1]:9090"},
	}

	for _, tt := range tests {
		if got := overridePort(tt.addr, tt.port); got != tt.expected {
			t.Fatalf("overridePort(%q, %q) = %q, want %q", tt.addr, tt.port, got, tt.expected)
		}
	}
}

func TestSMTPConfigCarriesTLSMode(t *testing.T) {
	smtp := config.Default().SMTP
	smtp.Host = "relay.internal"
	smtp.SSL = false
	smtp.NoTLS = true

	got := smtpConfig(smtp)
	if !got.NoTLS || got.SSL {
		t.Fatalf("expected plaintext transport config, got ssl=%v no_tls=%v", got.SSL, got.NoTLS)
	}
	if got.Host != "relay.internal" || got.TLSConfig == nil || got.TLSConfig.ServerName != "relay.internal" {
		t.Fatalf("unexpected transport config: %+v", got)
	}
}

func TestTransportFactory(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	id := delivery.Identity{User: "sender@example.com", Secret: "app-password", From: "sender@example.com"}
	smtp := config.Default().SMTP

	tr, err := transportFactory(smtp, logger)(id)
	if err != nil {
		t.Fatalf("factory error: %v", err)
	}
	if _, ok := tr.(*delivery.SMTPTransport); !ok {
		t.Fatalf("expected plain SMTP transport, got %T", tr)
	}

	smtp.BreakerThreshold = 3
	smtp.BreakerReset = time.Second
	tr, err = transportFactory(smtp, logger)(id)
	if err != nil {
		t.Fatalf("factory error: %v", err)
	}
	if _, ok := tr.(*delivery.BreakerTransport); !ok {
		t.Fatalf("expected breaker transport, got %T", tr)
	}
	if err := delivery.Close(tr); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, err := transportFactory(smtp, logger)(delivery.Identity{From: "sender@example.com"}); err == nil {
		t.Fatalf("expected missing credentials error")
	}
}

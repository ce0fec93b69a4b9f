package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"bulkmailer/delivery"
	"bulkmailer/dispatch"
	"bulkmailer/health"
	"bulkmailer/httpapi"
	"bulkmailer/internal/audit"
	"bulkmailer/internal/config"
	"bulkmailer/internal/logging"
	"bulkmailer/internal/ratelimit"
	"bulkmailer/quota"
	"bulkmailer/storage"
	"bulkmailer/tlsconfig"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	audit.RefreshFromEnv()
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if port := os.Getenv("PORT"); port != "" {
		cfg.HTTP.Addr = overridePort(cfg.HTTP.Addr, port)
	}

	logger := logging.New(os.Stdout, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("mailer stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	var quotaOpts []quota.Option
	if cfg.Quota.Dir != "" {
		store, err := storage.Open(cfg.Quota.Dir)
		if err != nil {
			return err
		}
		defer store.Close()
		quotaOpts = append(quotaOpts, quota.WithStore(store))
		logger.Info("quota windows persisted", "dir", cfg.Quota.Dir)
	}
	tracker, err := quota.NewTracker(cfg.Quota.Limit, cfg.Quota.Window, quotaOpts...)
	if err != nil {
		return err
	}

	engineOpts := []dispatch.Option{
		dispatch.WithQuota(tracker),
		dispatch.WithLogger(logger),
		dispatch.WithLimits(dispatch.Limits{
			MaxConcurrency: cfg.Dispatch.MaxConcurrency,
			MaxRetries:     cfg.Dispatch.MaxRetries,
		}),
	}
	if cfg.Dispatch.SendRate > 0 {
		engineOpts = append(engineOpts, dispatch.WithLimiter(ratelimit.New(cfg.Dispatch.SendRate, cfg.Dispatch.SendBurst, time.Hour)))
	}

	router := httpapi.New(cfg.HTTP, cfg.Dispatch, httpapi.Deps{
		Engine:       dispatch.NewEngine(engineOpts...),
		Transports:   transportFactory(cfg.SMTP, logger),
		Quota:        tracker,
		LoginLimiter: ratelimit.New(cfg.HTTP.LoginRate, cfg.HTTP.LoginBurst, 30*time.Minute),
		Logger:       logger,
	})

	tlsConf, err := tlsconfig.Server(cfg.HTTP.TLSCertFile, cfg.HTTP.TLSKeyFile)
	if err != nil && !errors.Is(err, tlsconfig.ErrTLSDisabled) {
		return err
	}
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router,
		TLSConfig:         tlsConf,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.HTTP.HealthAddr != "" {
		hs, ln, err := health.StartHealthServer(cfg.HTTP.HealthAddr)
		if err != nil {
			return err
		}
		logger.Info("health listener started", "addr", ln.Addr().String())
		defer hs.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("mailer listening",
			"addr", cfg.HTTP.Addr,
			"tls", tlsConf != nil,
			"smtp_host", cfg.SMTP.Host,
			"quota_limit", cfg.Quota.Limit)
		if tlsConf != nil {
			errCh <- srv.ListenAndServeTLS("", "")
			return
		}
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down", "timeout", cfg.HTTP.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// transportFactory builds per-request SMTP transports, wrapped in a circuit
// breaker when one is configured.
func transportFactory(cfg config.SMTPConfig, logger *slog.Logger) delivery.Factory {
	base := delivery.NewSMTPFactory(smtpConfig(cfg), logger)
	if cfg.BreakerThreshold <= 0 {
		return base
	}
	return func(id delivery.Identity) (delivery.Transport, error) {
		t, err := base(id)
		if err != nil {
			return nil, err
		}
		name := "smtp:" + logging.MaskAddress(id.Key())
		return delivery.WithBreaker(t, name, cfg.BreakerThreshold, cfg.BreakerReset, logger), nil
	}
}

func smtpConfig(cfg config.SMTPConfig) delivery.SMTPConfig {
	return delivery.SMTPConfig{
		Host:      cfg.Host,
		Port:      cfg.Port,
		SSL:       cfg.SSL,
		NoTLS:     cfg.NoTLS,
		Timeout:   cfg.Timeout,
		HELO:      cfg.HELO,
		PoolSize:  cfg.PoolSize,
		TLSConfig: tlsconfig.Client(cfg.Host, cfg.TLSSkipVerify),
	}
}

// overridePort replaces the port of addr, keeping its host.
func overridePort(addr, port string) string {
	port = strings.TrimPrefix(port, ":")
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	return net.JoinHostPort(host, port)
}

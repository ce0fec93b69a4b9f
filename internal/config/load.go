package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the mailer process.
type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	SMTP     SMTPConfig     `yaml:"smtp"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Quota    QuotaConfig    `yaml:"quota"`
	Log      LogConfig      `yaml:"log"`
}

// HTTPConfig configures the launcher API.
type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	AdminUser       string        `yaml:"admin_user"`
	AdminPass       string        `yaml:"admin_pass"`
	SessionSecret   string        `yaml:"session_secret"`
	LoginRate       float64       `yaml:"login_rate"` // attempts per second per client IP
	LoginBurst      int           `yaml:"login_burst"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	TLSCertFile     string        `yaml:"tls_cert_file"`
	TLSKeyFile      string        `yaml:"tls_key_file"`
	HealthAddr      string        `yaml:"health_addr"` // separate probe listener, empty disables
	AllowNetworks   []*net.IPNet  `yaml:"-"`
}

// SMTPConfig configures the outbound transport. Credentials are never part
// of it; they arrive with each dispatch request.
type SMTPConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	SSL              bool          `yaml:"ssl"`
	NoTLS            bool          `yaml:"no_tls"` // plaintext relays only; credentials cross in the clear
	Timeout          time.Duration `yaml:"timeout"`
	HELO             string        `yaml:"helo"`
	PoolSize         int           `yaml:"pool_size"`
	TLSSkipVerify    bool          `yaml:"tls_skip_verify"`
	BreakerThreshold int           `yaml:"breaker_threshold"` // 0 disables the breaker
	BreakerReset     time.Duration `yaml:"breaker_reset"`
}

// DispatchConfig carries request defaults and the hard caps applied to
// caller-supplied tuning.
type DispatchConfig struct {
	MaxRecipients      int           `yaml:"max_recipients"`
	DefaultConcurrency int           `yaml:"default_concurrency"`
	MaxConcurrency     int           `yaml:"max_concurrency"`
	DefaultRetries     int           `yaml:"default_retries"`
	MaxRetries         int           `yaml:"max_retries"`
	BaseBackoff        time.Duration `yaml:"base_backoff"`
	Pause              time.Duration `yaml:"pause"`
	Timeout            time.Duration `yaml:"timeout"`
	SendRate           float64       `yaml:"send_rate"` // messages per second per identity, 0 = unlimited
	SendBurst          int           `yaml:"send_burst"`
	FailureCap         int           `yaml:"failure_cap"`
}

// QuotaConfig configures the per-identity send window.
type QuotaConfig struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
	Dir    string        `yaml:"dir"` // badger directory; empty keeps windows in memory
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			LoginRate:       5.0 / 60.0,
			LoginBurst:      5,
			ShutdownTimeout: 15 * time.Second,
		},
		SMTP: SMTPConfig{
			Host:             "smtp.gmail.com",
			Port:             465,
			SSL:              true,
			Timeout:          30 * time.Second,
			PoolSize:         10,
			BreakerThreshold: 0,
			BreakerReset:     30 * time.Second,
		},
		Dispatch: DispatchConfig{
			MaxRecipients:      2000,
			DefaultConcurrency: 10,
			MaxConcurrency:     50,
			DefaultRetries:     3,
			MaxRetries:         5,
			BaseBackoff:        200 * time.Millisecond,
			Pause:              40 * time.Millisecond,
			Timeout:            10 * time.Minute,
			SendBurst:          1,
			FailureCap:         200,
		},
		Quota: QuotaConfig{
			Limit:  500,
			Window: 24 * time.Hour,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file, an
// optional .env file and finally the process environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("load .env: %w", err)
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.HTTP.Addr = String("MAILER_HTTP_ADDR", cfg.HTTP.Addr)
	cfg.HTTP.AdminUser = String("MAILER_ADMIN_USER", cfg.HTTP.AdminUser)
	cfg.HTTP.AdminPass = String("MAILER_ADMIN_PASS", cfg.HTTP.AdminPass)
	cfg.HTTP.SessionSecret = String("MAILER_SESSION_SECRET", cfg.HTTP.SessionSecret)
	cfg.HTTP.LoginRate = Float("MAILER_LOGIN_RATE", cfg.HTTP.LoginRate)
	cfg.HTTP.LoginBurst = Int("MAILER_LOGIN_BURST", cfg.HTTP.LoginBurst)
	cfg.HTTP.ShutdownTimeout = Duration("MAILER_SHUTDOWN_TIMEOUT", cfg.HTTP.ShutdownTimeout)
	cfg.HTTP.TLSCertFile = String("MAILER_TLS_CERT", cfg.HTTP.TLSCertFile)
	cfg.HTTP.TLSKeyFile = String("MAILER_TLS_KEY", cfg.HTTP.TLSKeyFile)
	cfg.HTTP.HealthAddr = String("MAILER_HEALTH_ADDR", cfg.HTTP.HealthAddr)
	cfg.HTTP.AllowNetworks = AllowedNetworks()

	cfg.SMTP.Host = String("SMTP_HOST", cfg.SMTP.Host)
	cfg.SMTP.Port = Int("SMTP_PORT", cfg.SMTP.Port)
	cfg.SMTP.SSL = Bool("SMTP_SSL", cfg.SMTP.SSL)
	cfg.SMTP.NoTLS = Bool("SMTP_NO_TLS", cfg.SMTP.NoTLS)
	cfg.SMTP.Timeout = Duration("SMTP_TIMEOUT", cfg.SMTP.Timeout)
	if cfg.SMTP.HELO == "" {
		cfg.SMTP.HELO = Hostname()
	}
	cfg.SMTP.PoolSize = Int("SMTP_POOL_SIZE", cfg.SMTP.PoolSize)
	cfg.SMTP.TLSSkipVerify = Bool("SMTP_TLS_SKIP_VERIFY", cfg.SMTP.TLSSkipVerify)
	cfg.SMTP.BreakerThreshold = Int("SMTP_BREAKER_THRESHOLD", cfg.SMTP.BreakerThreshold)
	cfg.SMTP.BreakerReset = Duration("SMTP_BREAKER_RESET", cfg.SMTP.BreakerReset)

	cfg.Dispatch.MaxRecipients = Int("MAILER_MAX_RECIPIENTS", cfg.Dispatch.MaxRecipients)
	cfg.Dispatch.DefaultConcurrency = Int("MAILER_CONCURRENCY", cfg.Dispatch.DefaultConcurrency)
	cfg.Dispatch.MaxConcurrency = Int("MAILER_MAX_CONCURRENCY", cfg.Dispatch.MaxConcurrency)
	cfg.Dispatch.DefaultRetries = Int("MAILER_RETRIES", cfg.Dispatch.DefaultRetries)
	cfg.Dispatch.MaxRetries = Int("MAILER_MAX_RETRIES", cfg.Dispatch.MaxRetries)
	cfg.Dispatch.BaseBackoff = Duration("MAILER_BASE_BACKOFF", cfg.Dispatch.BaseBackoff)
	cfg.Dispatch.Pause = Duration("MAILER_PAUSE", cfg.Dispatch.Pause)
	cfg.Dispatch.Timeout = Duration("MAILER_DISPATCH_TIMEOUT", cfg.Dispatch.Timeout)
	cfg.Dispatch.SendRate = Float("MAILER_SEND_RATE", cfg.Dispatch.SendRate)
	cfg.Dispatch.SendBurst = Int("MAILER_SEND_BURST", cfg.Dispatch.SendBurst)
	cfg.Dispatch.FailureCap = Int("MAILER_FAILURE_CAP", cfg.Dispatch.FailureCap)

	cfg.Quota.Limit = Int("MAILER_QUOTA_LIMIT", cfg.Quota.Limit)
	cfg.Quota.Window = Duration("MAILER_QUOTA_WINDOW", cfg.Quota.Window)
	cfg.Quota.Dir = String("MAILER_QUOTA_DIR", cfg.Quota.Dir)

	cfg.Log.Level = String("MAILER_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = String("MAILER_LOG_FORMAT", cfg.Log.Format)
}

// Validate rejects configurations the process cannot run with.
func (c Config) Validate() error {
	if c.HTTP.AdminUser == "" || c.HTTP.AdminPass == "" {
		return errors.New("config: MAILER_ADMIN_USER and MAILER_ADMIN_PASS are required")
	}
	if len(c.HTTP.SessionSecret) < 16 {
		return errors.New("config: MAILER_SESSION_SECRET must be at least 16 characters")
	}
	if c.SMTP.Host == "" {
		return errors.New("config: SMTP host is required")
	}
	if c.SMTP.Port < 1 || c.SMTP.Port > 65535 {
		return fmt.Errorf("config: invalid SMTP port %d", c.SMTP.Port)
	}
	if c.SMTP.SSL && c.SMTP.NoTLS {
		return errors.New("config: SMTP ssl and no_tls are mutually exclusive")
	}
	if c.Quota.Limit < 1 {
		return errors.New("config: quota limit must be positive")
	}
	if c.Quota.Window <= 0 {
		return errors.New("config: quota window must be positive")
	}
	if c.Dispatch.MaxConcurrency < 1 {
		return errors.New("config: max concurrency must be at least 1")
	}
	if c.Dispatch.MaxRecipients < 1 {
		return errors.New("config: max recipients must be at least 1")
	}
	return nil
}

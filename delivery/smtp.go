package delivery

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/wneessen/go-mail"
	maillog "github.com/wneessen/go-mail/log"

	"bulkmailer/internal/audit"
	"bulkmailer/retry"
)

// ErrTransportClosed is returned by Send after Close.
var ErrTransportClosed = errors.New("transport closed")

// SMTPConfig describes the relay the transport talks to.
type SMTPConfig struct {
	Host string
	Port int
	// SSL selects implicit TLS (port 465 style). Without it STARTTLS is
	// required unless NoTLS is set.
	SSL   bool
	NoTLS bool
	// Timeout bounds dialing and every command on a connection.
	Timeout  time.Duration
	HELO     string
	PoolSize int
	// TLSConfig overrides the default client TLS settings.
	TLSConfig *tls.Config
}

// SMTPTransport sends through an authenticated SMTP relay using a bounded
// pool of connections shared by all workers of a run.
type SMTPTransport struct {
	cfg      SMTPConfig
	identity Identity
	logger   *slog.Logger

	idle   chan *mail.Client
	mu     sync.Mutex
	closed bool
}

// NewSMTPTransport returns a transport for identity. No connection is made
// until Verify or Send.
func NewSMTPTransport(cfg SMTPConfig, identity Identity, logger *slog.Logger) (*SMTPTransport, error) {
	if cfg.Host == "" {
		return nil, mail.ErrNoHostname
	}
	if err := identity.Validate(); err != nil {
		return nil, err
	}
	if cfg.PoolSize < 1 {
		cfg.PoolSize = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = mail.DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SMTPTransport{
		cfg:      cfg,
		identity: identity,
		logger:   logger.With("smtp_host", cfg.Host),
		idle:     make(chan *mail.Client, cfg.PoolSize),
	}, nil
}

// NewSMTPFactory binds cfg into a Factory.
func NewSMTPFactory(cfg SMTPConfig, logger *slog.Logger) Factory {
	return func(id Identity) (Transport, error) {
		return NewSMTPTransport(cfg, id, logger)
	}
}

// Verify dials and authenticates once. The verified connection is kept for
// the first Send.
func (t *SMTPTransport) Verify(ctx context.Context) error {
	c, err := t.dial(ctx)
	if err != nil {
		return err
	}
	t.release(c)
	return nil
}

// Send implements Transport.
func (t *SMTPTransport) Send(ctx context.Context, env *Envelope) error {
	msg, err := buildMsg(env)
	if err != nil {
		return retry.MarkPermanent(err)
	}
	c, err := t.acquire(ctx)
	if err != nil {
		return err
	}
	if err := c.Send(msg); err != nil {
		t.discard(c)
		return err
	}
	t.release(c)
	return nil
}

// Close quits every pooled connection.
func (t *SMTPTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.idle)
	t.mu.Unlock()

	var errs []error
	for c := range t.idle {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *SMTPTransport) acquire(ctx context.Context) (*mail.Client, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil, ErrTransportClosed
	}
	select {
	case c, ok := <-t.idle:
		if ok {
			return c, nil
		}
		return nil, ErrTransportClosed
	default:
	}
	return t.dial(ctx)
}

func (t *SMTPTransport) release(c *mail.Client) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		select {
		case t.idle <- c:
			return
		default:
		}
	}
	_ = c.Close()
}

func (t *SMTPTransport) discard(c *mail.Client) {
	_ = c.Close()
}

func (t *SMTPTransport) dial(ctx context.Context) (*mail.Client, error) {
	c, err := mail.NewClient(t.cfg.Host, t.clientOptions()...)
	if err != nil {
		return nil, fmt.Errorf("smtp client: %w", err)
	}
	if err := c.DialWithContext(ctx); err != nil {
		_ = c.Close()
		t.logger.Debug("smtp dial failed", "error", err)
		return nil, fmt.Errorf("dial %s:%d: %w", t.cfg.Host, t.cfg.Port, err)
	}
	return c, nil
}

func (t *SMTPTransport) clientOptions() []mail.Option {
	opts := []mail.Option{
		mail.WithPort(t.cfg.Port),
		mail.WithTimeout(t.cfg.Timeout),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(t.identity.User),
		mail.WithPassword(t.identity.Secret),
	}
	if t.cfg.HELO != "" {
		opts = append(opts, mail.WithHELO(t.cfg.HELO))
	}
	if t.cfg.TLSConfig != nil {
		opts = append(opts, mail.WithTLSConfig(t.cfg.TLSConfig))
	}
	switch {
	case t.cfg.SSL:
		opts = append(opts, mail.WithSSL())
	case t.cfg.NoTLS:
		opts = append(opts, mail.WithTLSPolicy(mail.NoTLS))
	default:
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	}
	// protocol traces include the AUTH exchange; only with MAILER_DEBUG=1
	if audit.Enabled() {
		opts = append(opts, mail.WithDebugLog(), mail.WithLogger(maillog.NewJSON(os.Stderr, maillog.LevelDebug)))
	}
	return opts
}

func buildMsg(env *Envelope) (*mail.Msg, error) {
	m := mail.NewMsg()
	if err := m.FromFormat(env.FromName, env.From); err != nil {
		return nil, fmt.Errorf("from %q: %w", env.From, err)
	}
	if err := m.To(env.To); err != nil {
		return nil, fmt.Errorf("to %q: %w", env.To, err)
	}
	m.Subject(env.Template.Subject)
	if env.MessageID != "" {
		m.SetMessageIDWithValue(env.MessageID)
	} else {
		m.SetMessageID()
	}
	m.SetDate()

	switch {
	case env.Template.Text != "":
		m.SetBodyString(mail.TypeTextPlain, env.Template.Text)
		if env.Template.HTML != "" {
			m.AddAlternativeString(mail.TypeTextHTML, env.Template.HTML)
		}
	case env.Template.HTML != "":
		m.SetBodyString(mail.TypeTextHTML, env.Template.HTML)
	default:
		m.SetBodyString(mail.TypeTextPlain, "")
	}
	return m, nil
}

// Package dispatch drives one bulk send: a bounded pool of workers claims
// recipients from a shared cursor and delivers each through the transport
// with retries, while quota is reserved up front and committed afterwards.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"bulkmailer/delivery"
	"bulkmailer/internal/audit"
	"bulkmailer/internal/email"
	"bulkmailer/internal/logging"
	"bulkmailer/internal/metrics"
	"bulkmailer/quota"
	"bulkmailer/retry"
)

// Quota is the subset of quota.Tracker the engine needs.
type Quota interface {
	Reserve(key string, n int) (quota.Reservation, error)
	Commit(res quota.Reservation, sent int) error
}

// Limiter paces sends per identity.
type Limiter interface {
	Wait(ctx context.Context, key string) error
}

// Engine runs dispatches. One Engine serves any number of concurrent runs;
// the only state runs share is the quota.
type Engine struct {
	quota   Quota
	limiter Limiter
	limits  Limits
	logger  *slog.Logger
	delay   func(attempt int, base time.Duration) time.Duration
	newID   func() string
}

// Option configures an Engine.
type Option func(*Engine)

// WithQuota enables per-identity quota enforcement.
func WithQuota(q Quota) Option {
	return func(e *Engine) {
		e.quota = q
	}
}

// WithLimiter paces every send attempt through l.
func WithLimiter(l Limiter) Option {
	return func(e *Engine) {
		e.limiter = l
	}
}

// WithLimits overrides the caps applied to caller tuning.
func WithLimits(l Limits) Option {
	return func(e *Engine) {
		e.limits = l
	}
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithBackoff replaces the retry delay function.
func WithBackoff(f func(attempt int, base time.Duration) time.Duration) Option {
	return func(e *Engine) {
		e.delay = f
	}
}

// NewEngine returns an Engine.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		limits: DefaultLimits(),
		logger: slog.Default(),
		delay:  retry.Backoff,
		newID:  uuid.NewString,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// run is the per-dispatch state shared by its workers.
type run struct {
	id         string
	key        string
	identity   delivery.Identity
	template   delivery.Template
	domain     string
	cfg        Config
	policy     retry.Policy
	transport  delivery.Transport
	recipients []Recipient
	limit      int // number of recipients that may be scheduled
	cursor     atomic.Int64
	hold       quota.Reservation
	committed  bool
	logger     *slog.Logger

	mu    sync.Mutex
	order []int
}

// Dispatch sends template to every address through transport.
//
// Validation, quota and authentication failures abort the run before any
// send and are returned as errors. Per-recipient failures never abort the
// run; they end up in the Report.
func (e *Engine) Dispatch(ctx context.Context, id delivery.Identity, tpl delivery.Template, addrs []string, cfg Config, transport delivery.Transport) (*Report, error) {
	if len(addrs) == 0 {
		return nil, ErrNoRecipients
	}
	if err := id.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if transport == nil {
		return nil, validationError("no transport")
	}
	cfg = cfg.Normalize(e.limits)

	r := &run{
		id:         e.newID(),
		key:        id.Key(),
		identity:   id,
		template:   tpl,
		cfg:        cfg,
		policy:     retry.Policy{MaxRetries: cfg.MaxRetries, BaseBackoff: cfg.BaseBackoff, Delay: e.delay},
		transport:  transport,
		recipients: make([]Recipient, len(addrs)),
		limit:      len(addrs),
	}
	r.domain, _ = email.Domain(id.From)
	r.logger = e.logger.With("run", r.id, "from", id.From)
	for i, a := range addrs {
		r.recipients[i] = Recipient{Address: a, Status: StatusPending}
	}

	if e.quota != nil {
		res, err := e.quota.Reserve(r.key, len(addrs))
		if errors.Is(err, quota.ErrExhausted) {
			metrics.QuotaRejections.Add(1)
			r.logger.Warn("dispatch refused: quota exhausted")
			return nil, ErrQuotaExhausted
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInternal, err)
		}
		r.hold = res
		r.limit = res.Granted
		defer func() {
			if !r.committed {
				e.commit(r, 0)
			}
		}()
	}

	if err := transport.Verify(ctx); err != nil {
		metrics.AuthFailures.Add(1)
		r.logger.Error("SMTP verify failed", "error", err)
		return nil, &AuthError{Err: err}
	}

	return e.execute(ctx, r), nil
}

func (e *Engine) execute(ctx context.Context, r *run) *Report {
	runCtx := ctx
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	metrics.DispatchRuns.Add(1)
	metrics.IncActive()
	defer metrics.DecActive()
	metrics.SetLastRunRecipients(len(r.recipients))

	workers := min(r.cfg.Concurrency, r.limit)
	r.logger.Info("dispatch start",
		"count", len(r.recipients),
		"scheduled", r.limit,
		"concurrency", workers,
		"retries", r.cfg.MaxRetries)

	started := time.Now()
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.worker(runCtx, r)
		}()
	}
	wg.Wait()

	// everything still pending was never claimed
	for i := range r.recipients {
		rc := &r.recipients[i]
		if rc.terminal() {
			continue
		}
		if i >= r.limit {
			rc.Status = StatusFailed
			rc.LastError = ErrQuotaExhausted
		} else {
			rc.Status = StatusCancelled
			rc.LastError = ErrCancelled
		}
		r.order = append(r.order, i)
	}

	report := newReport(r.id, r.recipients, r.order, started, time.Now())
	e.commit(r, report.SuccessCount())

	metrics.MessagesSent.Add(int64(report.SuccessCount()))
	metrics.DeliveryFailures.Add(int64(report.FailCount()))
	r.logger.Info("dispatch finished",
		"total", report.Total(),
		"success", report.SuccessCount(),
		"fail", report.FailCount(),
		"cancelled", report.CancelledCount(),
		"duration", report.Duration())
	return report
}

func (e *Engine) commit(r *run, sent int) {
	if e.quota == nil || r.committed {
		return
	}
	r.committed = true
	if err := e.quota.Commit(r.hold, sent); err != nil {
		r.logger.Error("quota commit failed", "error", err, "sent", sent)
	}
}

func (e *Engine) worker(ctx context.Context, r *run) {
	for {
		if ctx.Err() != nil {
			return
		}
		i := int(r.cursor.Add(1) - 1)
		if i >= r.limit {
			return
		}
		e.handle(ctx, r, i)

		r.mu.Lock()
		r.order = append(r.order, i)
		r.mu.Unlock()

		if r.cfg.Pause > 0 {
			_ = sleep(ctx, time.Duration(rand.Int63n(int64(r.cfg.Pause))))
		}
	}
}

// handle drives recipient i to a terminal state. A panic is confined to the
// recipient being handled.
func (e *Engine) handle(ctx context.Context, r *run, i int) {
	rc := &r.recipients[i]
	defer func() {
		if p := recover(); p != nil {
			rc.Status = StatusFailed
			rc.LastError = fmt.Errorf("%w: %v", ErrInternal, p)
			r.logger.Error("recipient handler panicked", "to", logging.MaskAddress(rc.Address), "panic", p)
		}
	}()

	env := &delivery.Envelope{
		FromName:  r.identity.Name,
		From:      r.identity.From,
		To:        rc.Address,
		MessageID: fmt.Sprintf("%s.%d@%s", r.id, i, r.domain),
		Template:  r.template,
	}
	// sends already started are allowed to finish after the run is cancelled;
	// the transport's own timeout bounds them
	sendCtx := context.WithoutCancel(ctx)

	s := r.policy.Start()
	for !s.Terminal() {
		if err := sleep(ctx, s.Wait); err != nil {
			e.cancel(rc, s)
			return
		}
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx, r.key); err != nil {
				e.cancel(rc, s)
				return
			}
		}
		rc.Status = StatusAttempting
		rc.Attempts = s.Attempt

		err := r.transport.Send(sendCtx, env)
		metrics.DeliveryAttempts.Add(1)
		s = r.policy.Step(s, err)
		if err != nil {
			audit.Log("attempt failed", "run", r.id, "to", logging.MaskAddress(rc.Address),
				"attempt", rc.Attempts, "class", retry.Classify(err).String(), "error", err)
			r.logger.Warn("attempt failed", "to", logging.MaskAddress(rc.Address), "attempt", rc.Attempts, "error", err)
		}
	}

	rc.Attempts = s.Attempt
	rc.LastError = s.LastErr
	if s.Phase == retry.Sent {
		rc.Status = StatusSent
		audit.Log("delivered", "run", r.id, "to", logging.MaskAddress(rc.Address), "attempts", rc.Attempts)
		return
	}
	rc.Status = StatusFailed
}

// cancel records a recipient whose retry loop was interrupted.
func (e *Engine) cancel(rc *Recipient, s retry.State) {
	rc.Status = StatusCancelled
	if s.LastErr != nil {
		rc.LastError = fmt.Errorf("%w after %d attempt(s): %v", ErrCancelled, rc.Attempts, s.LastErr)
		return
	}
	rc.LastError = ErrCancelled
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

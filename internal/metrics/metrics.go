package metrics

import "expvar"

var (
	DispatchRuns      = expvar.NewInt("mailer_dispatch_runs_total")
	MessagesSent      = expvar.NewInt("mailer_messages_sent_total")
	DeliveryFailures  = expvar.NewInt("mailer_delivery_failures_total")
	DeliveryAttempts  = expvar.NewInt("mailer_delivery_attempts_total")
	QuotaRejections   = expvar.NewInt("mailer_quota_rejections_total")
	AuthFailures      = expvar.NewInt("mailer_auth_failures_total")
	activeDispatches  = expvar.NewInt("mailer_dispatch_active")
	lastRunRecipients = expvar.NewInt("mailer_last_run_recipients")
)

// IncActive increments the in-progress dispatch count.
func IncActive() {
	activeDispatches.Add(1)
}

// DecActive decrements the in-progress dispatch count.
func DecActive() {
	activeDispatches.Add(-1)
}

// Active returns the number of dispatch runs currently executing.
func Active() int64 {
	return activeDispatches.Value()
}

// SetLastRunRecipients records the size of the most recent run.
func SetLastRunRecipients(n int) {
	lastRunRecipients.Set(int64(n))
}

// ResetForTests clears counters; intended for use in tests only.
func ResetForTests() {
	DispatchRuns.Set(0)
	MessagesSent.Set(0)
	DeliveryFailures.Set(0)
	DeliveryAttempts.Set(0)
	QuotaRejections.Set(0)
	AuthFailures.Set(0)
	activeDispatches.Set(0)
	lastRunRecipients.Set(0)
}

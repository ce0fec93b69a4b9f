package dispatch

import "time"

// Outcome is the final state of one recipient.
type Outcome struct {
	To       string `json:"to"`
	Error    string `json:"error,omitempty"`
	Attempts int    `json:"attempts"`
	Status   Status `json:"status"`
}

// Report summarises a finished run. It is built once and never modified.
//
// Outcomes are listed in completion order, which depends on worker
// scheduling and is not stable across runs.
type Report struct {
	runID     string
	total     int
	sent      int
	failed    int
	cancelled int
	outcomes  []Outcome
	started   time.Time
	finished  time.Time
}

func newReport(runID string, recipients []Recipient, order []int, started, finished time.Time) *Report {
	r := &Report{
		runID:    runID,
		total:    len(recipients),
		outcomes: make([]Outcome, 0, len(order)),
		started:  started,
		finished: finished,
	}
	for _, i := range order {
		rc := recipients[i]
		o := Outcome{To: rc.Address, Attempts: rc.Attempts, Status: rc.Status}
		switch rc.Status {
		case StatusSent:
			r.sent++
		case StatusCancelled:
			r.cancelled++
			fallthrough
		default:
			r.failed++
			o.Error = "Failed"
			if rc.LastError != nil {
				o.Error = rc.LastError.Error()
			}
		}
		r.outcomes = append(r.outcomes, o)
	}
	return r
}

// RunID identifies the run in logs and Message-IDs.
func (r *Report) RunID() string { return r.runID }

func (r *Report) Total() int { return r.total }

func (r *Report) SuccessCount() int { return r.sent }

// FailCount includes cancelled recipients.
func (r *Report) FailCount() int { return r.failed }

func (r *Report) CancelledCount() int { return r.cancelled }

func (r *Report) Started() time.Time { return r.started }

func (r *Report) Finished() time.Time { return r.finished }

func (r *Report) Duration() time.Duration {
	return r.finished.Sub(r.started)
}

// OK reports whether every recipient was delivered.
func (r *Report) OK() bool {
	return r.failed == 0
}

// Outcomes returns every recipient's outcome.
func (r *Report) Outcomes() []Outcome {
	out := make([]Outcome, len(r.outcomes))
	copy(out, r.outcomes)
	return out
}

// Failures returns up to limit undelivered outcomes; limit <= 0 returns all
// of them.
func (r *Report) Failures(limit int) []Outcome {
	var out []Outcome
	for _, o := range r.outcomes {
		if o.Status == StatusSent {
			continue
		}
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, o)
	}
	return out
}

package lifecycle

import (
	"sync"

	"github.com/sroej/mini/internal/metrics"
)

// OutcomeKind is the terminal result category of one connection attempt.
type OutcomeKind string

const (
	OutcomePairingCode OutcomeKind = "pairing_code_sent"
	OutcomeConnected   OutcomeKind = "connected"
	OutcomeError       OutcomeKind = "error"
	OutcomeTimeout     OutcomeKind = "timeout"
)

// Outcome is the single outward result a manager surfaces to its caller.
type Outcome struct {
	Kind    OutcomeKind
	Code    string // pairing code, set for OutcomePairingCode
	Message string
}

// NotifyFunc receives a manager's outcome. Called at most once per
// manager instance.
type NotifyFunc func(Outcome)

// responder guards the at-most-one-notification contract: once any
// terminal outcome is delivered, later respond calls are no-ops.
type responder struct {
	once   sync.Once
	notify NotifyFunc
}

func (r *responder) respond(o Outcome) {
	r.once.Do(func() {
		metrics.ConnectionOutcomes.WithLabelValues(string(o.Kind)).Inc()
		if r.notify != nil {
			r.notify(o)
		}
	})
}

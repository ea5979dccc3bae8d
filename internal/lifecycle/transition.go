package lifecycle

import "github.com/sroej/mini/internal/domain"

// effect is what the manager must execute after a transition. Decision
// logic lives here; all I/O stays in the manager.
type effect int

const (
	effectNone effect = iota
	// effectLogConnecting: the protocol layer started its handshake;
	// log only, no state-altering action.
	effectLogConnecting
	// effectOpenChain: run the open side-effect chain (live table,
	// bundle check, escrow upload, registry upsert, notifications).
	effectOpenChain
	// effectClose: classify the reason and run the matching disposition.
	effectClose
)

// transition is the pure state machine step: (state, event) -> (state,
// effect). Closed is terminal; events arriving after it are dropped.
func transition(state domain.ConnState, ev domain.Event) (domain.ConnState, effect) {
	if state == domain.StateClosed {
		return state, effectNone
	}

	switch ev.(type) {
	case domain.EventConnecting:
		return domain.StateConnecting, effectLogConnecting
	case domain.EventOpen:
		return domain.StateOpen, effectOpenChain
	case domain.EventClosed:
		return domain.StateClosed, effectClose
	default:
		return state, effectNone
	}
}

package lifecycle

import "github.com/sroej/mini/internal/domain"

// Disposition is the closed set of ways a disconnect reason is handled.
type Disposition int

const (
	// DispositionFatalInvalidate: credentials were logged out or rejected
	// as corrupt. The local secret bundle is deleted and the tenant must
	// pair again; no automatic retry.
	DispositionFatalInvalidate Disposition = iota
	// DispositionSoftRecoverable: transient network loss, server-initiated
	// close, or session replacement. Secrets stay intact; the caller may
	// re-invoke pairing.
	DispositionSoftRecoverable
	// DispositionRestartRequired: the remote network mandates a client
	// restart. The socket is closed and a fresh manager is scheduled for
	// the same tenant after a short delay, preserving the bundle.
	DispositionRestartRequired
	// DispositionUnclassified: any other reason code.
	DispositionUnclassified
)

func (d Disposition) String() string {
	switch d {
	case DispositionFatalInvalidate:
		return "fatal_invalidate"
	case DispositionSoftRecoverable:
		return "soft_recoverable"
	case DispositionRestartRequired:
		return "restart_required"
	default:
		return "unclassified"
	}
}

// Classify maps a disconnect reason code onto its disposition. Pure; the
// manager executes the matching side effects.
func Classify(reason domain.DisconnectReason) Disposition {
	switch reason {
	case domain.ReasonBadSession, domain.ReasonLoggedOut:
		return DispositionFatalInvalidate
	case domain.ReasonConnectionClosed, domain.ReasonConnectionLost, domain.ReasonConnectionReplaced:
		return DispositionSoftRecoverable
	case domain.ReasonRestartRequired:
		return DispositionRestartRequired
	default:
		return DispositionUnclassified
	}
}

// disconnectMessage is the user-facing description for a close reason.
func disconnectMessage(reason domain.DisconnectReason) string {
	switch reason {
	case domain.ReasonBadSession, domain.ReasonLoggedOut:
		return "Session invalid or logged out. Please pair again."
	case domain.ReasonConnectionClosed:
		return "Connection was closed by the server"
	case domain.ReasonConnectionLost:
		return "Connection lost due to network issues"
	case domain.ReasonConnectionReplaced:
		return "Connection replaced by another session"
	case domain.ReasonRestartRequired:
		return "Server requires a client restart"
	default:
		return "Unexpected disconnection. Please try pairing again."
	}
}

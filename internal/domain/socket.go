package domain

import "context"

// DisconnectReason is the enumerated status code the protocol layer
// attaches to a close event. The values mirror the remote network's
// own status codes; they are the only part of the protocol payload the
// core ever inspects.
type DisconnectReason int

const (
	ReasonLoggedOut          DisconnectReason = 401
	ReasonConnectionLost     DisconnectReason = 408
	ReasonConnectionClosed   DisconnectReason = 428
	ReasonConnectionReplaced DisconnectReason = 440
	ReasonBadSession         DisconnectReason = 500
	ReasonRestartRequired    DisconnectReason = 515
)

// Event is a connectivity event emitted by a protocol socket. Events for
// one socket are delivered in arrival order and must not be coalesced.
type Event interface{ connEvent() }

// EventConnecting signals that the protocol layer started its handshake.
type EventConnecting struct{}

// EventOpen signals a completed handshake; the connection is usable.
type EventOpen struct{}

// EventClosed signals that the connection ended for the given reason.
type EventClosed struct {
	Reason DisconnectReason
}

func (EventConnecting) connEvent() {}
func (EventOpen) connEvent()       {}
func (EventClosed) connEvent()     {}

// ProtocolSocket is the black-box transport for one tenant's connection
// to the messaging network. The core never inspects message payloads
// beyond the close reason code.
type ProtocolSocket interface {
	// Events returns the socket's connectivity event stream. The channel
	// is closed when the socket is closed.
	Events() <-chan Event

	// Registered reports whether the credentials loaded from the local
	// bundle are already registered with the remote network.
	Registered() bool

	// RequestPairingCode asks the network for a one-time pairing code
	// for the given phone number.
	RequestPairingCode(ctx context.Context, number string) (string, error)

	// Identity returns the socket's own raw identity once connected
	// (see DecodeIdentity), or "" before the handshake completes.
	Identity() string

	// Send delivers a text message to the given identity. Best effort;
	// used only for connection notifications.
	Send(ctx context.Context, to string, text string) error

	// Close tears down the underlying transport.
	Close() error
}

// SocketDialer creates a protocol socket for a tenant from the secret
// bundle stored in bundleDir. The directory may be empty for a tenant
// that has never paired; the socket then reports Registered() == false.
type SocketDialer interface {
	Dial(ctx context.Context, tenantID string, bundleDir string) (ProtocolSocket, error)
}

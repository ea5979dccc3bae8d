package domain

import "time"

// SessionRecord is one durable registry entry mapping a tenant to the
// escrow token under which its credentials were last uploaded. CreatedAt
// is set on first insert and survives re-pairs.
type SessionRecord struct {
	TenantID    string    `json:"tenant_id"`
	EscrowToken string    `json:"escrow_token"`
	CreatedAt   time.Time `json:"created_at"`
}

// ConnState is the lifecycle state of one tenant's live connection.
type ConnState string

const (
	StateUnpaired   ConnState = "unpaired"
	StatePairing    ConnState = "pairing"
	StateConnecting ConnState = "connecting"
	StateOpen       ConnState = "open"
	StateClosed     ConnState = "closed"
)

// LiveSession is the in-memory handle for one tenant's active connection.
// It is owned by the lifecycle manager that created it and exposed
// process-wide only through the supervisor's session table.
type LiveSession struct {
	TenantID  string
	CreatedAt time.Time
	State     ConnState
	Socket    ProtocolSocket
}

// Package transport connects to the websocket gateway that fronts the
// messaging network and adapts its frame protocol to the socket
// contract the lifecycle managers consume. The gateway owns all
// protocol and encryption details; this package only moves frames.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sroej/mini/internal/domain"
	"github.com/sroej/mini/internal/escrow"
)

const (
	handshakeTimeout = 10 * time.Second
	writeDeadline    = 5 * time.Second
)

// frame is the wire unit exchanged with the gateway. Fields are
// populated per Type; unused ones stay empty.
type frame struct {
	Type        string          `json:"type"`
	TenantID    string          `json:"tenant_id,omitempty"`
	Credentials json.RawMessage `json:"credentials,omitempty"`
	Registered  bool            `json:"registered,omitempty"`
	Identity    string          `json:"identity,omitempty"`
	Number      string          `json:"number,omitempty"`
	Code        string          `json:"code,omitempty"`
	StatusCode  int             `json:"status_code,omitempty"`
	To          string          `json:"to,omitempty"`
	Text        string          `json:"text,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// Frame types, client to gateway.
const (
	frameHello   = "hello"
	framePairing = "pairing_request"
	frameSend    = "send"
)

// Frame types, gateway to client.
const (
	frameStatus      = "status"
	frameConnecting  = "connecting"
	frameOpen        = "open"
	frameClose       = "close"
	framePairingCode = "pairing_code"
	frameCredentials = "credentials"
)

// Dialer opens gateway-backed protocol sockets.
type Dialer struct {
	gatewayURL string
	wsDialer   *websocket.Dialer
}

func NewDialer(gatewayURL string) *Dialer {
	return &Dialer{
		gatewayURL: gatewayURL,
		wsDialer: &websocket.Dialer{
			HandshakeTimeout: handshakeTimeout,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
	}
}

// Dial connects to the gateway, replays the tenant's stored credential
// bundle if one exists, and waits for the gateway's status frame before
// handing the socket over.
func (d *Dialer) Dial(ctx context.Context, tenantID, bundleDir string) (domain.ProtocolSocket, error) {
	conn, resp, err := d.wsDialer.DialContext(ctx, d.gatewayURL, http.Header{})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dial gateway: %w", err)
	}

	creds, err := readBundle(bundleDir)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	hello := frame{Type: frameHello, TenantID: tenantID, Credentials: creds}
	_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	if err := conn.WriteJSON(hello); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to send hello frame: %w", err)
	}

	status, err := awaitStatus(ctx, conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	sock := newSocket(conn, tenantID, bundleDir, status.Registered, status.Identity)
	go sock.readLoop()
	return sock, nil
}

func awaitStatus(ctx context.Context, conn *websocket.Conn) (frame, error) {
	deadline := time.Now().Add(handshakeTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	_ = conn.SetReadDeadline(deadline)
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	var status frame
	if err := conn.ReadJSON(&status); err != nil {
		return frame{}, fmt.Errorf("failed to read status frame: %w", err)
	}
	if status.Type != frameStatus {
		return frame{}, fmt.Errorf("unexpected gateway frame %q, want %q", status.Type, frameStatus)
	}
	if status.Error != "" {
		return frame{}, fmt.Errorf("gateway rejected session: %s", status.Error)
	}
	return status, nil
}

// readBundle loads the tenant's credential bundle, or nil when the
// tenant has never paired.
func readBundle(bundleDir string) (json.RawMessage, error) {
	data, err := os.ReadFile(filepath.Join(bundleDir, escrow.BundleFileName))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read credential bundle: %w", err)
	}
	return data, nil
}

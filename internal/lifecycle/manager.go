// Package lifecycle owns the per-tenant connection state machine:
// pairing, connecting, open, close, and the disposition of every
// disconnect reason. Decision logic is kept in pure functions
// (transition, Classify); the Manager executes their effects.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/sroej/mini/internal/domain"
	"github.com/sroej/mini/internal/escrow"
	"github.com/sroej/mini/internal/metrics"
	"github.com/sroej/mini/internal/retry"
)

const (
	pairingAttempts    = 3
	pairingSettleDelay = 1500 * time.Millisecond
	pairingBackoffStep = 300 * time.Millisecond

	// DefaultRestartDelay is the pause before a fresh manager is started
	// after a restart-required disconnect.
	DefaultRestartDelay = 2 * time.Second
)

// Escrower uploads a local secret bundle, returning an escrow token.
type Escrower interface {
	Upload(ctx context.Context, bundlePath string) (string, error)
}

// Registrar persists the tenant -> escrow-token mapping.
type Registrar interface {
	Upsert(tenantID, token string) error
}

// LiveTable is the process-wide table of open sessions. Entries are
// inserted on open and removed on close; the manager never reads it.
type LiveTable interface {
	Put(sess domain.LiveSession)
	Delete(tenantID string)
}

// Config carries the per-tenant knobs for one manager instance.
type Config struct {
	TenantID       string
	BundleDir      string
	AdminNumber    string
	OwnerNumbers   []string
	ConnectTimeout time.Duration
	RestartDelay   time.Duration
	// Notify receives the attempt's single outward result.
	Notify NotifyFunc
	// OnRestart schedules a fresh connection attempt for this tenant
	// after a restart-required disconnect.
	OnRestart func()
}

// Manager drives one tenant's connection attempt from socket creation to
// a terminal close. A recoverable close never reuses this instance; the
// supervisor starts a fresh one instead.
type Manager struct {
	cfg      Config
	socket   domain.ProtocolSocket
	escrow   Escrower
	registry Registrar
	table    LiveTable
	clock    clockwork.Clock

	responder responder
	started   time.Time

	mu sync.Mutex
	st domain.ConnState
}

func New(cfg Config, socket domain.ProtocolSocket, esc Escrower, reg Registrar, table LiveTable, clock clockwork.Clock) *Manager {
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = DefaultRestartDelay
	}
	return &Manager{
		cfg:       cfg,
		socket:    socket,
		escrow:    esc,
		registry:  reg,
		table:     table,
		clock:     clock,
		responder: responder{notify: cfg.Notify},
		st:        domain.StateUnpaired,
	}
}

// State returns the manager's current lifecycle state.
func (m *Manager) State() domain.ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st
}

func (m *Manager) setState(s domain.ConnState) {
	m.mu.Lock()
	m.st = s
	m.mu.Unlock()
}

// Run processes the socket's event stream until a terminal state is
// reached or ctx is cancelled. Events are handled in arrival order.
func (m *Manager) Run(ctx context.Context) {
	defer m.guard("manager run")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.started = m.clock.Now()
	timeout := m.clock.NewTimer(m.cfg.ConnectTimeout)
	defer timeout.Stop()

	if !m.socket.Registered() {
		m.setState(domain.StatePairing)
		go m.requestPairingCode(ctx)
	} else {
		slog.Info("already registered, connecting", "tenant", m.cfg.TenantID)
	}

	for {
		select {
		case ev, ok := <-m.socket.Events():
			if !ok {
				m.abort("event stream ended")
				return
			}
			if terminal := m.handleEvent(ctx, ev, timeout); terminal {
				return
			}
		case <-timeout.Chan():
			m.handleTimeout()
			return
		case <-ctx.Done():
			m.abort("shutting down")
			return
		}
	}
}

// handleEvent applies the pure transition and executes its effect. The
// open side-effect chain runs on its own goroutine so a close arriving
// mid-chain is still delivered in order.
func (m *Manager) handleEvent(ctx context.Context, ev domain.Event, timeout clockwork.Timer) (terminal bool) {
	defer m.guard("event handler")

	state, eff := transition(m.State(), ev)
	m.setState(state)

	switch eff {
	case effectLogConnecting:
		slog.Info("connecting", "tenant", m.cfg.TenantID)

	case effectOpenChain:
		slog.Info("connected", "tenant", m.cfg.TenantID)
		timeout.Stop()
		m.table.Put(domain.LiveSession{
			TenantID:  m.cfg.TenantID,
			CreatedAt: m.started,
			State:     domain.StateOpen,
			Socket:    m.socket,
		})
		go m.openChain(ctx)

	case effectClose:
		m.handleClose(ev.(domain.EventClosed).Reason)
		return true
	}
	return false
}

// handleClose executes the disposition for a close reason and surfaces
// the attempt's failure if nothing was surfaced yet.
func (m *Manager) handleClose(reason domain.DisconnectReason) {
	disposition := Classify(reason)
	msg := disconnectMessage(reason)
	metrics.Disconnects.WithLabelValues(disposition.String()).Inc()
	slog.Warn("connection closed",
		"tenant", m.cfg.TenantID,
		"reason", int(reason),
		"disposition", disposition.String(),
	)

	switch disposition {
	case DispositionFatalInvalidate:
		if err := os.RemoveAll(m.cfg.BundleDir); err != nil {
			slog.Error("failed to clear secret bundle", "tenant", m.cfg.TenantID, "error", err)
		}

	case DispositionRestartRequired:
		if m.cfg.OnRestart != nil {
			restart := m.cfg.OnRestart
			delay := m.cfg.RestartDelay
			go func() {
				defer m.guard("restart scheduler")
				<-m.clock.After(delay)
				restart()
			}()
		}
	}

	// The close event ends the messaging session, not the underlying
	// transport; release it so no connection or read loop outlives the
	// manager.
	_ = m.socket.Close()
	m.table.Delete(m.cfg.TenantID)
	m.responder.respond(Outcome{
		Kind:    OutcomeError,
		Message: fmt.Sprintf("[ %s ] %s", m.cfg.TenantID, msg),
	})
}

// handleTimeout discards an attempt that never reached open.
func (m *Manager) handleTimeout() {
	slog.Warn("connect timeout", "tenant", m.cfg.TenantID)
	m.responder.respond(Outcome{
		Kind:    OutcomeTimeout,
		Message: fmt.Sprintf("[ %s ] Connection timeout. Please try again.", m.cfg.TenantID),
	})
	_ = m.socket.Close()
	m.table.Delete(m.cfg.TenantID)
	m.setState(domain.StateClosed)
}

// abort tears the attempt down without a classified close event.
func (m *Manager) abort(why string) {
	m.responder.respond(Outcome{
		Kind:    OutcomeError,
		Message: fmt.Sprintf("[ %s ] Connection aborted: %s", m.cfg.TenantID, why),
	})
	_ = m.socket.Close()
	m.table.Delete(m.cfg.TenantID)
	m.setState(domain.StateClosed)
}

// openChain runs the post-open side effects. Escrow and registry
// failures degrade the session (it stays open but will not survive a
// restart); only a missing local bundle is fatal for the attempt.
func (m *Manager) openChain(ctx context.Context) {
	defer m.guard("open chain")

	bundlePath := filepath.Join(m.cfg.BundleDir, escrow.BundleFileName)
	if _, err := os.Stat(bundlePath); err != nil {
		slog.Error("secret bundle missing after open", "tenant", m.cfg.TenantID, "path", bundlePath)
		m.responder.respond(Outcome{
			Kind:    OutcomeError,
			Message: fmt.Sprintf("[ %s ] Secret bundle not found.", m.cfg.TenantID),
		})
		return
	}

	token, err := m.escrow.Upload(ctx, bundlePath)
	if err != nil {
		slog.Warn("escrow upload failed, session will not survive a restart",
			"tenant", m.cfg.TenantID, "error", err)
	} else {
		identity := domain.DecodeIdentity(m.socket.Identity())
		if identity == "" {
			identity = m.cfg.TenantID
		}
		if err := m.registry.Upsert(identity, token); err != nil {
			slog.Warn("failed to record escrow token", "tenant", identity, "error", err)
		}
		m.sendNotifications(ctx)
	}

	m.responder.respond(Outcome{
		Kind:    OutcomeConnected,
		Message: fmt.Sprintf("[ %s ] Successfully connected.", m.cfg.TenantID),
	})
}

// sendNotifications delivers the one-time success note to the tenant and
// a best-effort administrative note to the admin and owner numbers.
// Failures are logged, never escalated.
func (m *Manager) sendNotifications(ctx context.Context) {
	identity := domain.DecodeIdentity(m.socket.Identity())
	if identity == "" {
		identity = m.cfg.TenantID
	}

	text := fmt.Sprintf("Successfully connected.\nNumber: %s\nConnected at: %s\n",
		m.cfg.TenantID, m.clock.Now().Format(time.RFC1123))
	if err := m.socket.Send(ctx, identity, text); err != nil {
		slog.Warn("failed to send connection notice", "tenant", m.cfg.TenantID, "error", err)
	}

	adminText := fmt.Sprintf("New connection\nUser: %s\nTime: %s\n",
		m.cfg.TenantID, m.clock.Now().Format(time.RFC1123))
	notified := map[string]bool{identity: true}
	for _, to := range append([]string{m.cfg.AdminNumber}, m.cfg.OwnerNumbers...) {
		if to == "" || notified[to] {
			continue
		}
		notified[to] = true
		if err := m.socket.Send(ctx, to, adminText); err != nil {
			slog.Warn("failed to send admin notice", "tenant", m.cfg.TenantID, "to", to, "error", err)
		}
	}
}

// requestPairingCode asks the socket for a one-time pairing code and
// surfaces it as the attempt's result. Up to 3 attempts with escalating
// delay; exhaustion surfaces a fatal error instead.
func (m *Manager) requestPairingCode(ctx context.Context) {
	defer m.guard("pairing")

	policy := retry.Policy{
		MaxAttempts: pairingAttempts,
		Backoff: func(attempt int) time.Duration {
			return pairingBackoffStep * time.Duration(attempt+1)
		},
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			slog.Warn("pairing code request failed",
				"tenant", m.cfg.TenantID, "attempt", attempt, "error", err)
		},
	}

	code, err := retry.Do(ctx, m.clock, policy, func() (string, error) {
		// The socket needs a settle period before every request, not
		// just the first.
		select {
		case <-m.clock.After(pairingSettleDelay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
		return m.socket.RequestPairingCode(ctx, m.cfg.TenantID)
	})
	if err != nil {
		slog.Error("failed to generate pairing code", "tenant", m.cfg.TenantID, "error", err)
		m.responder.respond(Outcome{
			Kind:    OutcomeError,
			Message: fmt.Sprintf("[ %s ] Failed to generate pairing code.", m.cfg.TenantID),
		})
		return
	}

	slog.Info("pairing code generated", "tenant", m.cfg.TenantID)
	metrics.PairingCodesIssued.Inc()
	m.responder.respond(Outcome{
		Kind:    OutcomePairingCode,
		Code:    code,
		Message: fmt.Sprintf("[ %s ] Enter this code in the app: %s", m.cfg.TenantID, code),
	})
}

// guard keeps a defect in one handler from taking the process down.
func (m *Manager) guard(scope string) {
	if r := recover(); r != nil {
		slog.Error("recovered from panic", "scope", scope, "tenant", m.cfg.TenantID, "panic", r)
	}
}

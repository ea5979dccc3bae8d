// Package supervisor owns the live-session table and starts a lifecycle
// manager per tenant: on demand from the trigger endpoint, and at boot
// for every registry entry whose credentials it can rehydrate.
package supervisor

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/sroej/mini/internal/domain"
	apperrors "github.com/sroej/mini/internal/errors"
	"github.com/sroej/mini/internal/lifecycle"
	"github.com/sroej/mini/internal/settings"
)

// EscrowService is the upload/download surface the supervisor and its
// managers need from the credential escrow.
type EscrowService interface {
	Upload(ctx context.Context, bundlePath string) (string, error)
	Download(ctx context.Context, token, destDir string) (string, error)
}

// SessionRegistry is the durable tenant -> token mapping.
type SessionRegistry interface {
	List() ([]domain.SessionRecord, error)
	Upsert(tenantID, token string) error
}

// SettingsStore ensures a tenant's settings record exists before its
// first connection.
type SettingsStore interface {
	Get(number string) settings.Record
}

type Options struct {
	SessionBasePath string
	AdminNumber     string
	OwnerNumbers    []string
	ConnectTimeout  time.Duration
	RestartDelay    time.Duration
}

type Supervisor struct {
	opts     Options
	table    *Table
	dialer   domain.SocketDialer
	escrow   EscrowService
	registry SessionRegistry
	settings SettingsStore
	clock    clockwork.Clock

	ctx    context.Context
	cancel context.CancelFunc
}

func New(opts Options, dialer domain.SocketDialer, esc EscrowService, reg SessionRegistry, set SettingsStore, clock clockwork.Clock) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		opts:     opts,
		table:    NewTable(),
		dialer:   dialer,
		escrow:   esc,
		registry: reg,
		settings: set,
		clock:    clock,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Stop aborts every running manager. Managers close their sockets and
// drain the live table on the way out.
func (s *Supervisor) Stop() {
	s.cancel()
}

// IsLive reports whether the tenant currently has an open session.
func (s *Supervisor) IsLive(number string) bool {
	return s.table.Has(domain.SanitizeNumber(number))
}

// Sessions returns a snapshot of all live sessions.
func (s *Supervisor) Sessions() []domain.LiveSession {
	return s.table.List()
}

// BundleDir returns the tenant's secret-bundle directory. The directory
// is owned exclusively by the tenant's current manager instance.
func (s *Supervisor) BundleDir(tenantID string) string {
	return filepath.Join(s.opts.SessionBasePath, "session_"+tenantID)
}

// StartSession dials a protocol socket for the tenant and runs a fresh
// lifecycle manager around it. notify receives the attempt's single
// outward result; pass nil for restarts and boot restores, whose
// outcomes only get logged. The manager outlives the caller's ctx,
// which only bounds the dial.
func (s *Supervisor) StartSession(ctx context.Context, number string, notify lifecycle.NotifyFunc) error {
	tenant := domain.SanitizeNumber(number)
	if !domain.ValidTenantID(tenant) {
		return apperrors.InvalidInput("invalid phone number format")
	}

	// Ensure a settings record exists before the session goes live.
	s.settings.Get(tenant)

	bundleDir := s.BundleDir(tenant)
	socket, err := s.dialer.Dial(ctx, tenant, bundleDir)
	if err != nil {
		return apperrors.Internal("failed to initialize connection", err)
	}

	mgr := lifecycle.New(lifecycle.Config{
		TenantID:       tenant,
		BundleDir:      bundleDir,
		AdminNumber:    s.opts.AdminNumber,
		OwnerNumbers:   s.opts.OwnerNumbers,
		ConnectTimeout: s.opts.ConnectTimeout,
		RestartDelay:   s.opts.RestartDelay,
		Notify:         s.wrapNotify(tenant, notify),
		OnRestart:      func() { s.restart(tenant) },
	}, socket, s.escrow, s.registry, s.table, s.clock)

	go mgr.Run(s.ctx)
	return nil
}

// RestoreAll rehydrates every registry entry at boot: download the
// tenant's credentials from escrow, then start a manager. Entries for
// already-live tenants are skipped, not purged; broken entries are
// logged and skipped.
func (s *Supervisor) RestoreAll(ctx context.Context) {
	records, err := s.registry.List()
	if err != nil {
		slog.Error("failed to list session registry", "error", err)
		return
	}
	slog.Info("restoring sessions", "count", len(records))

	for _, rec := range records {
		tenant := domain.SanitizeNumber(rec.TenantID)
		if !domain.ValidTenantID(tenant) {
			slog.Warn("skipping registry entry with invalid tenant", "tenant", rec.TenantID)
			continue
		}
		if s.table.Has(tenant) {
			slog.Info("already connected, skipping", "tenant", tenant)
			continue
		}

		if _, err := s.escrow.Download(ctx, rec.EscrowToken, s.BundleDir(tenant)); err != nil {
			slog.Warn("failed to restore credentials", "tenant", tenant, "error", err)
			continue
		}

		if err := s.StartSession(ctx, tenant, nil); err != nil {
			slog.Error("failed to start restored session", "tenant", tenant, "error", err)
		}
	}

	slog.Info("session restore completed")
}

func (s *Supervisor) restart(tenant string) {
	slog.Info("restarting session", "tenant", tenant)
	if err := s.StartSession(s.ctx, tenant, nil); err != nil {
		slog.Error("failed to restart session", "tenant", tenant, "error", err)
	}
}

// wrapNotify logs every outcome and forwards it to the caller, if any.
func (s *Supervisor) wrapNotify(tenant string, notify lifecycle.NotifyFunc) lifecycle.NotifyFunc {
	return func(out lifecycle.Outcome) {
		slog.Info("connection attempt finished",
			"tenant", tenant, "outcome", string(out.Kind), "message", out.Message)
		if notify != nil {
			notify(out)
		}
	}
}

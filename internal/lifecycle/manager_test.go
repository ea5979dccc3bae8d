package lifecycle

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sroej/mini/internal/domain"
	"github.com/sroej/mini/internal/escrow"
)

const testTenant = "15551234567"

// --- Mocks ---

type sentMessage struct {
	To   string
	Text string
}

type fakeSocket struct {
	mu          sync.Mutex
	events      chan domain.Event
	registered  bool
	identity    string
	pairingCode string
	pairingErrs int
	pairingReqs int
	closed      bool
	sent        []sentMessage
}

func newFakeSocket(registered bool) *fakeSocket {
	return &fakeSocket{
		events:      make(chan domain.Event, 8),
		registered:  registered,
		identity:    testTenant + ":7@s.whatsapp.net",
		pairingCode: "ABCD-1234",
	}
}

func (f *fakeSocket) Events() <-chan domain.Event { return f.events }

func (f *fakeSocket) Registered() bool { return f.registered }

func (f *fakeSocket) RequestPairingCode(ctx context.Context, number string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pairingReqs++
	if f.pairingErrs > 0 {
		f.pairingErrs--
		return "", errors.New("pairing request failed")
	}
	return f.pairingCode, nil
}

func (f *fakeSocket) Identity() string { return f.identity }

func (f *fakeSocket) Send(ctx context.Context, to, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{to, text})
	return nil
}

func (f *fakeSocket) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSocket) wasClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeSocket) sentMessages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]sentMessage, len(f.sent))
	copy(cp, f.sent)
	return cp
}

func (f *fakeSocket) pairingRequests() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pairingReqs
}

type fakeEscrow struct {
	mu      sync.Mutex
	token   string
	err     error
	uploads []string
}

func (f *fakeEscrow) Upload(ctx context.Context, bundlePath string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, bundlePath)
	if f.err != nil {
		return "", f.err
	}
	return f.token, nil
}

func (f *fakeEscrow) uploadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.uploads)
}

type upsertCall struct {
	TenantID string
	Token    string
}

type fakeRegistrar struct {
	mu      sync.Mutex
	err     error
	upserts []upsertCall
}

func (f *fakeRegistrar) Upsert(tenantID, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts = append(f.upserts, upsertCall{tenantID, token})
	return f.err
}

func (f *fakeRegistrar) calls() []upsertCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]upsertCall, len(f.upserts))
	copy(cp, f.upserts)
	return cp
}

type fakeTable struct {
	mu      sync.Mutex
	entries map[string]domain.LiveSession
	puts    int
	deletes int
}

func newFakeTable() *fakeTable {
	return &fakeTable{entries: map[string]domain.LiveSession{}}
}

func (f *fakeTable) Put(sess domain.LiveSession) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[sess.TenantID] = sess
	f.puts++
}

func (f *fakeTable) Delete(tenantID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, tenantID)
	f.deletes++
}

func (f *fakeTable) has(tenantID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.entries[tenantID]
	return ok
}

type outcomeCollector struct {
	mu       sync.Mutex
	outcomes []Outcome
	ch       chan Outcome
}

func newOutcomeCollector() *outcomeCollector {
	return &outcomeCollector{ch: make(chan Outcome, 4)}
}

func (o *outcomeCollector) notify(out Outcome) {
	o.mu.Lock()
	o.outcomes = append(o.outcomes, out)
	o.mu.Unlock()
	o.ch <- out
}

func (o *outcomeCollector) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.outcomes)
}

func (o *outcomeCollector) wait(t *testing.T) Outcome {
	t.Helper()
	select {
	case out := <-o.ch:
		return out
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for outcome")
		return Outcome{}
	}
}

// --- Fixture ---

type fixture struct {
	socket    *fakeSocket
	escrow    *fakeEscrow
	registrar *fakeRegistrar
	table     *fakeTable
	outcomes  *outcomeCollector
	bundleDir string
	manager   *Manager
}

func newFixture(t *testing.T, registered bool, clock clockwork.Clock) *fixture {
	t.Helper()
	f := &fixture{
		socket:    newFakeSocket(registered),
		escrow:    &fakeEscrow{token: "SESSION-ID~abc123"},
		registrar: &fakeRegistrar{},
		table:     newFakeTable(),
		outcomes:  newOutcomeCollector(),
		bundleDir: filepath.Join(t.TempDir(), "session_"+testTenant),
	}
	f.manager = New(Config{
		TenantID:       testTenant,
		BundleDir:      f.bundleDir,
		AdminNumber:    "2250143875869",
		ConnectTimeout: time.Minute,
		RestartDelay:   time.Millisecond,
		Notify:         f.outcomes.notify,
	}, f.socket, f.escrow, f.registrar, f.table, clock)
	return f
}

func (f *fixture) writeBundle(t *testing.T) {
	t.Helper()
	require.NoError(t, os.MkdirAll(f.bundleDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(f.bundleDir, escrow.BundleFileName), []byte(`{"k":"v"}`), 0o600))
}

// --- Tests ---

func TestOpenChainEscrowsAndRegisters(t *testing.T) {
	f := newFixture(t, true, clockwork.NewRealClock())
	f.writeBundle(t)

	go f.manager.Run(context.Background())

	f.socket.events <- domain.EventConnecting{}
	f.socket.events <- domain.EventOpen{}

	out := f.outcomes.wait(t)
	assert.Equal(t, OutcomeConnected, out.Kind)

	// Session recorded in the live table.
	assert.True(t, f.table.has(testTenant))

	// Registry keyed by the decoded socket identity, not the dialed number.
	require.Eventually(t, func() bool { return len(f.registrar.calls()) == 1 }, time.Second, 5*time.Millisecond)
	call := f.registrar.calls()[0]
	assert.Equal(t, testTenant, call.TenantID)
	assert.Equal(t, "SESSION-ID~abc123", call.Token)

	// Success notice to the tenant plus the admin note, both best-effort.
	require.Eventually(t, func() bool { return len(f.socket.sentMessages()) == 2 }, time.Second, 5*time.Millisecond)
	sent := f.socket.sentMessages()
	assert.Equal(t, testTenant, sent[0].To)
	assert.Equal(t, "2250143875869", sent[1].To)
}

func TestOwnersReceiveConnectNotice(t *testing.T) {
	f := newFixture(t, true, clockwork.NewRealClock())
	f.writeBundle(t)
	f.manager.cfg.OwnerNumbers = []string{"2250500000001", "2250143875869"}

	go f.manager.Run(context.Background())
	f.socket.events <- domain.EventOpen{}

	out := f.outcomes.wait(t)
	assert.Equal(t, OutcomeConnected, out.Kind)

	// Tenant note, admin note, then one owner copy; the owner entry that
	// duplicates the admin number is sent only once.
	require.Eventually(t, func() bool { return len(f.socket.sentMessages()) == 3 }, time.Second, 5*time.Millisecond)
	sent := f.socket.sentMessages()
	assert.Equal(t, testTenant, sent[0].To)
	assert.Equal(t, "2250143875869", sent[1].To)
	assert.Equal(t, "2250500000001", sent[2].To)
}

func TestOpenWithoutBundleFailsAttempt(t *testing.T) {
	f := newFixture(t, true, clockwork.NewRealClock())
	// No bundle written.

	go f.manager.Run(context.Background())
	f.socket.events <- domain.EventOpen{}

	out := f.outcomes.wait(t)
	assert.Equal(t, OutcomeError, out.Kind)
	assert.Contains(t, out.Message, "Secret bundle not found")
	assert.Zero(t, f.escrow.uploadCount())
}

func TestEscrowFailureDegradesButStaysConnected(t *testing.T) {
	f := newFixture(t, true, clockwork.NewRealClock())
	f.escrow.err = errors.New("store unreachable")
	f.writeBundle(t)

	go f.manager.Run(context.Background())
	f.socket.events <- domain.EventOpen{}

	out := f.outcomes.wait(t)
	assert.Equal(t, OutcomeConnected, out.Kind)
	assert.Empty(t, f.registrar.calls())
	assert.True(t, f.table.has(testTenant))
}

func TestCloseFatalInvalidateDeletesBundle(t *testing.T) {
	f := newFixture(t, true, clockwork.NewRealClock())
	f.writeBundle(t)

	done := make(chan struct{})
	go func() {
		f.manager.Run(context.Background())
		close(done)
	}()

	f.socket.events <- domain.EventClosed{Reason: domain.ReasonLoggedOut}
	<-done

	out := f.outcomes.wait(t)
	assert.Equal(t, OutcomeError, out.Kind)
	assert.Contains(t, out.Message, "logged out")

	// Bundle directory removed; tenant gone from the table; transport
	// released.
	_, err := os.Stat(f.bundleDir)
	assert.True(t, os.IsNotExist(err))
	assert.False(t, f.table.has(testTenant))
	assert.True(t, f.socket.wasClosed())
	assert.Equal(t, domain.StateClosed, f.manager.State())
}

func TestCloseSoftRecoverableKeepsBundle(t *testing.T) {
	f := newFixture(t, true, clockwork.NewRealClock())
	f.writeBundle(t)

	done := make(chan struct{})
	go func() {
		f.manager.Run(context.Background())
		close(done)
	}()

	f.socket.events <- domain.EventClosed{Reason: domain.ReasonConnectionLost}
	<-done

	out := f.outcomes.wait(t)
	assert.Equal(t, OutcomeError, out.Kind)
	assert.Contains(t, out.Message, "network issues")

	// Bundle survives a soft close, the transport does not.
	_, err := os.Stat(f.bundleDir)
	assert.NoError(t, err)
	assert.True(t, f.socket.wasClosed())
}

func TestCloseReleasesSocketForEveryDisposition(t *testing.T) {
	reasons := map[string]domain.DisconnectReason{
		"fatal invalidate": domain.ReasonLoggedOut,
		"soft recoverable": domain.ReasonConnectionLost,
		"restart required": domain.ReasonRestartRequired,
		"unclassified":     domain.DisconnectReason(999),
	}

	for name, reason := range reasons {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, true, clockwork.NewRealClock())
			f.writeBundle(t)

			done := make(chan struct{})
			go func() {
				f.manager.Run(context.Background())
				close(done)
			}()

			f.socket.events <- domain.EventClosed{Reason: reason}
			<-done

			assert.True(t, f.socket.wasClosed())
			assert.False(t, f.table.has(testTenant))
		})
	}
}

func TestCloseRestartRequiredReschedulesOnce(t *testing.T) {
	f := newFixture(t, true, clockwork.NewRealClock())
	f.writeBundle(t)

	var mu sync.Mutex
	restarts := 0
	f.manager.cfg.OnRestart = func() {
		mu.Lock()
		restarts++
		mu.Unlock()
	}

	done := make(chan struct{})
	go func() {
		f.manager.Run(context.Background())
		close(done)
	}()

	f.socket.events <- domain.EventClosed{Reason: domain.ReasonRestartRequired}
	<-done

	assert.True(t, f.socket.wasClosed())

	// Exactly one rescheduled attempt after the fixed delay; bundle intact.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return restarts == 1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, restarts)
	mu.Unlock()

	_, err := os.Stat(f.bundleDir)
	assert.NoError(t, err)
}

func TestCloseAfterOpenIsHonored(t *testing.T) {
	f := newFixture(t, true, clockwork.NewRealClock())
	f.writeBundle(t)

	done := make(chan struct{})
	go func() {
		f.manager.Run(context.Background())
		close(done)
	}()

	f.socket.events <- domain.EventOpen{}
	f.socket.events <- domain.EventClosed{Reason: domain.ReasonConnectionReplaced}
	<-done

	// Close delivery wins; the tenant is removed from the live table even
	// though the open side-effect chain may still be completing.
	assert.False(t, f.table.has(testTenant))
	assert.Equal(t, domain.StateClosed, f.manager.State())
}

func TestOnlyOneOutwardNotification(t *testing.T) {
	f := newFixture(t, true, clockwork.NewRealClock())
	f.writeBundle(t)

	done := make(chan struct{})
	go func() {
		f.manager.Run(context.Background())
		close(done)
	}()

	f.socket.events <- domain.EventOpen{}
	first := f.outcomes.wait(t)
	assert.Equal(t, OutcomeConnected, first.Kind)

	f.socket.events <- domain.EventClosed{Reason: domain.ReasonConnectionLost}
	<-done

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, f.outcomes.count())
}

func TestPairingCodeSurfacedOnce(t *testing.T) {
	clock := clockwork.NewFakeClock()
	f := newFixture(t, false, clock)

	go f.manager.Run(context.Background())

	// Run parks on the connect timer and pairing parks on the settle
	// delay; release the settle delay.
	clock.BlockUntil(2)
	clock.Advance(pairingSettleDelay)

	out := f.outcomes.wait(t)
	assert.Equal(t, OutcomePairingCode, out.Kind)
	assert.Equal(t, "ABCD-1234", out.Code)
	assert.Equal(t, 1, f.socket.pairingRequests())
}

func TestPairingRetriesWithEscalatingDelay(t *testing.T) {
	clock := clockwork.NewFakeClock()
	f := newFixture(t, false, clock)
	f.socket.pairingErrs = 2

	go f.manager.Run(context.Background())

	// The settle delay precedes every request; failed attempts add
	// 600ms then 900ms of backoff in between.
	clock.BlockUntil(2)
	clock.Advance(pairingSettleDelay)
	clock.BlockUntil(2)
	clock.Advance(2 * pairingBackoffStep)
	clock.BlockUntil(2)
	clock.Advance(pairingSettleDelay)
	clock.BlockUntil(2)
	clock.Advance(3 * pairingBackoffStep)
	clock.BlockUntil(2)
	clock.Advance(pairingSettleDelay)

	out := f.outcomes.wait(t)
	assert.Equal(t, OutcomePairingCode, out.Kind)
	assert.Equal(t, 3, f.socket.pairingRequests())
}

func TestPairingExhaustionSurfacesFatalError(t *testing.T) {
	clock := clockwork.NewFakeClock()
	f := newFixture(t, false, clock)
	f.socket.pairingErrs = 10

	go f.manager.Run(context.Background())

	clock.BlockUntil(2)
	clock.Advance(pairingSettleDelay)
	clock.BlockUntil(2)
	clock.Advance(2 * pairingBackoffStep)
	clock.BlockUntil(2)
	clock.Advance(pairingSettleDelay)
	clock.BlockUntil(2)
	clock.Advance(3 * pairingBackoffStep)
	clock.BlockUntil(2)
	clock.Advance(pairingSettleDelay)

	out := f.outcomes.wait(t)
	assert.Equal(t, OutcomeError, out.Kind)
	assert.Contains(t, out.Message, "Failed to generate pairing code")
	assert.Equal(t, 3, f.socket.pairingRequests())
}

func TestConnectTimeoutDiscardsAttempt(t *testing.T) {
	clock := clockwork.NewFakeClock()
	f := newFixture(t, true, clock)
	f.writeBundle(t)

	done := make(chan struct{})
	go func() {
		f.manager.Run(context.Background())
		close(done)
	}()

	// No open event arrives within the connect window.
	clock.BlockUntil(1)
	clock.Advance(time.Minute)
	<-done

	out := f.outcomes.wait(t)
	assert.Equal(t, OutcomeTimeout, out.Kind)
	assert.True(t, f.socket.wasClosed())
	assert.False(t, f.table.has(testTenant))
	assert.Equal(t, 1, f.outcomes.count())
}

func TestShutdownAbortsAttempt(t *testing.T) {
	f := newFixture(t, true, clockwork.NewRealClock())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.manager.Run(ctx)
		close(done)
	}()

	cancel()
	<-done

	out := f.outcomes.wait(t)
	assert.Equal(t, OutcomeError, out.Kind)
	assert.True(t, f.socket.wasClosed())
}

package supervisor

import (
	"sync"

	"github.com/sroej/mini/internal/domain"
	"github.com/sroej/mini/internal/metrics"
)

// Table is the process-wide map of open sessions, keyed by tenant.
// Entries are inserted when a lifecycle manager reaches open and removed
// when it closes. It is passed by reference to every component that
// needs to query or mutate live sessions.
type Table struct {
	mu       sync.RWMutex
	sessions map[string]domain.LiveSession
}

func NewTable() *Table {
	return &Table{sessions: map[string]domain.LiveSession{}}
}

func (t *Table) Put(sess domain.LiveSession) {
	t.mu.Lock()
	t.sessions[sess.TenantID] = sess
	metrics.ActiveSessions.Set(float64(len(t.sessions)))
	t.mu.Unlock()
}

func (t *Table) Delete(tenantID string) {
	t.mu.Lock()
	delete(t.sessions, tenantID)
	metrics.ActiveSessions.Set(float64(len(t.sessions)))
	t.mu.Unlock()
}

func (t *Table) Get(tenantID string) (domain.LiveSession, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	sess, ok := t.sessions[tenantID]
	return sess, ok
}

func (t *Table) Has(tenantID string) bool {
	_, ok := t.Get(tenantID)
	return ok
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// List returns a snapshot of all live sessions.
func (t *Table) List() []domain.LiveSession {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]domain.LiveSession, 0, len(t.sessions))
	for _, sess := range t.sessions {
		out = append(out, sess)
	}
	return out
}

// Package registry persists the durable tenant -> escrow-token mapping
// used to rehydrate sessions after a process restart.
package registry

import (
	"path/filepath"

	"github.com/jonboulle/clockwork"

	"github.com/sroej/mini/internal/domain"
	apperrors "github.com/sroej/mini/internal/errors"
	"github.com/sroej/mini/internal/filestore"
)

const fileName = "sessions.json"

// Registry stores session records as an ordered list in a single JSON
// document. Records are never deleted here; removing a dead tenant is an
// administrative action outside this process.
type Registry struct {
	doc   *filestore.Document[[]domain.SessionRecord]
	clock clockwork.Clock
}

func New(dataDir string, clock clockwork.Clock) *Registry {
	doc := filestore.NewDocument(filepath.Join(dataDir, fileName), func() []domain.SessionRecord {
		return []domain.SessionRecord{}
	})
	return &Registry{doc: doc, clock: clock}
}

// List returns a snapshot of all known session records in file order.
func (r *Registry) List() ([]domain.SessionRecord, error) {
	records, err := r.doc.Read()
	if err != nil {
		return nil, apperrors.Persistence("failed to read session registry", err)
	}
	return records, nil
}

// Upsert inserts or overwrites the record for tenantID. A re-pair
// overwrites the escrow token but preserves the original CreatedAt.
// The record is persisted before Upsert returns.
func (r *Registry) Upsert(tenantID, escrowToken string) error {
	_, err := r.doc.Update(func(records []domain.SessionRecord) ([]domain.SessionRecord, error) {
		for i := range records {
			if records[i].TenantID == tenantID {
				records[i].EscrowToken = escrowToken
				return records, nil
			}
		}
		records = append(records, domain.SessionRecord{
			TenantID:    tenantID,
			EscrowToken: escrowToken,
			CreatedAt:   r.clock.Now().UTC(),
		})
		return records, nil
	})
	if err != nil {
		return apperrors.Persistence("failed to upsert session record", err)
	}
	return nil
}

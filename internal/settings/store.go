// Package settings implements the per-tenant settings store. Records are
// open maps merged against a fixed default template, so fields added to
// the template later self-heal into older records, and unknown fields
// written by other versions are never dropped.
package settings

import (
	"log/slog"
	"path/filepath"

	"golang.org/x/sync/singleflight"

	"github.com/sroej/mini/internal/domain"
	apperrors "github.com/sroej/mini/internal/errors"
	"github.com/sroej/mini/internal/filestore"
)

const fileName = "settings.json"

// Record is one tenant's settings. Keys mirror the default template plus
// whatever unknown keys earlier versions persisted.
type Record = map[string]any

// Defaults returns a fresh copy of the default settings template.
// Scalar fields and array fields are replaced wholesale on update;
// nested-object fields (onlyworkgroup_links) merge key-by-key.
func Defaults() Record {
	return Record{
		"online":      "off",
		"autoread":    false,
		"autoswview":  false,
		"autoswlike":  false,
		"autoreact":   false,
		"autorecord":  false,
		"autotype":    false,
		"worktype":    "public",
		"antidelete":  "off",
		"autoai":      "off",
		"autosticker": "off",
		"autovoice":   "off",
		"anticall":    false,
		"stemoji":     "❤️",
		"onlyworkgroup_links": map[string]any{
			"whitelist": []any{},
		},
	}
}

// Store reads and writes tenant settings through a single JSON document.
type Store struct {
	doc   *filestore.Document[map[string]Record]
	group singleflight.Group
}

func NewStore(dataDir string) *Store {
	doc := filestore.NewDocument(filepath.Join(dataDir, fileName), func() map[string]Record {
		return map[string]Record{}
	})
	return &Store{doc: doc}
}

// Get returns the tenant's settings merged against the defaults template,
// creating and persisting a defaulted record if absent. The merged record
// is re-persisted on every read so stored records self-heal after a
// template change. Get never fails: a broken backing store degrades to
// returning defaults, with the fault logged. Concurrent reads for the
// same tenant are deduplicated.
func (s *Store) Get(number string) Record {
	sanitized := domain.SanitizeNumber(number)

	v, err, _ := s.group.Do(sanitized, func() (any, error) {
		all, err := s.doc.Update(func(all map[string]Record) (map[string]Record, error) {
			all[sanitized] = mergeDefaults(all[sanitized])
			return all, nil
		})
		if err != nil {
			return nil, err
		}
		return all[sanitized], nil
	})
	if err != nil {
		slog.Warn("settings read failed, degrading to defaults",
			"tenant", sanitized, "error", err)
		return Defaults()
	}

	return cloneRecord(v.(Record))
}

// Update applies a partial update over the tenant's current record
// (defaulted if absent), persists, and returns the resulting full record.
// Nested-object values merge key-wise; everything else replaces.
func (s *Store) Update(number string, partial Record) (Record, error) {
	sanitized := domain.SanitizeNumber(number)

	all, err := s.doc.Update(func(all map[string]Record) (map[string]Record, error) {
		base := all[sanitized]
		if base == nil {
			base = Defaults()
		}
		applyPartial(base, partial)
		all[sanitized] = base
		return all, nil
	})
	if err != nil {
		return nil, apperrors.Persistence("failed to update settings", err)
	}

	return cloneRecord(all[sanitized]), nil
}

// mergeDefaults overlays a stored record on a fresh defaults template.
// Nested-object fields take the key-wise union of default and stored
// keys; scalar and array fields keep the stored value; unknown stored
// keys carry over untouched.
func mergeDefaults(stored Record) Record {
	merged := Defaults()
	for k, v := range stored {
		if dm, ok := merged[k].(map[string]any); ok {
			if sm, ok := v.(map[string]any); ok {
				nested := make(map[string]any, len(dm)+len(sm))
				for kk, vv := range dm {
					nested[kk] = vv
				}
				for kk, vv := range sm {
					nested[kk] = vv
				}
				merged[k] = nested
				continue
			}
		}
		merged[k] = v
	}
	return merged
}

// applyPartial mutates base with the update rule: object values merge
// key-by-key into the existing object, all other values replace.
func applyPartial(base, partial Record) {
	for k, v := range partial {
		if pm, ok := v.(map[string]any); ok {
			bm, _ := base[k].(map[string]any)
			nested := make(map[string]any, len(bm)+len(pm))
			for kk, vv := range bm {
				nested[kk] = vv
			}
			for kk, vv := range pm {
				nested[kk] = vv
			}
			base[k] = nested
			continue
		}
		base[k] = v
	}
}

func cloneRecord(r Record) Record {
	out := make(Record, len(r))
	for k, v := range r {
		if m, ok := v.(map[string]any); ok {
			nested := make(map[string]any, len(m))
			for kk, vv := range m {
				nested[kk] = vv
			}
			out[k] = nested
			continue
		}
		out[k] = v
	}
	return out
}

package settings

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tenant = "15551234567"

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	return NewStore(dir), filepath.Join(dir, fileName)
}

func TestGetCreatesDefaultedRecord(t *testing.T) {
	store, path := newTestStore(t)

	rec := store.Get(tenant)
	assert.Equal(t, "public", rec["worktype"])
	assert.Equal(t, "off", rec["online"])
	assert.Equal(t, false, rec["anticall"])

	// The defaulted record must have been persisted.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var all map[string]Record
	require.NoError(t, json.Unmarshal(data, &all))
	assert.Contains(t, all, tenant)
}

func TestGetSanitizesNumber(t *testing.T) {
	store, _ := newTestStore(t)

	store.Get("+1 (555) 123-4567")
	rec := store.Get(tenant)
	assert.Equal(t, "public", rec["worktype"])
}

func TestUpdateReplacesScalars(t *testing.T) {
	store, _ := newTestStore(t)

	rec, err := store.Update(tenant, Record{"worktype": "private"})
	require.NoError(t, err)
	assert.Equal(t, "private", rec["worktype"])

	// Subsequent get shows the change, all other fields unchanged.
	got := store.Get(tenant)
	assert.Equal(t, "private", got["worktype"])
	assert.Equal(t, "off", got["antidelete"])
	assert.Equal(t, "❤️", got["stemoji"])
}

func TestUpdateMergesNestedObjectsKeywise(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Update(tenant, Record{
		"onlyworkgroup_links": map[string]any{"graylist": []any{"g1"}},
	})
	require.NoError(t, err)

	got := store.Get(tenant)
	nested, ok := got["onlyworkgroup_links"].(map[string]any)
	require.True(t, ok)

	// The new key is set and the default key survives.
	assert.Equal(t, []any{"g1"}, nested["graylist"])
	assert.Contains(t, nested, "whitelist")
}

func TestUpdateReplacesArraysWholesale(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Update(tenant, Record{
		"onlyworkgroup_links": map[string]any{"whitelist": []any{"a", "b"}},
	})
	require.NoError(t, err)
	_, err = store.Update(tenant, Record{
		"onlyworkgroup_links": map[string]any{"whitelist": []any{"c"}},
	})
	require.NoError(t, err)

	got := store.Get(tenant)
	nested := got["onlyworkgroup_links"].(map[string]any)
	assert.Equal(t, []any{"c"}, nested["whitelist"])
}

func TestEmptyUpdateLeavesFullTemplate(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Update(tenant, Record{})
	require.NoError(t, err)

	got := store.Get(tenant)
	for key := range Defaults() {
		assert.Contains(t, got, key)
	}
}

func TestGetSelfHealsPartialRecord(t *testing.T) {
	store, path := newTestStore(t)

	// Simulate a record persisted before the template grew new fields.
	stale := map[string]Record{
		tenant: {
			"worktype": "group",
			"legacy":   "kept",
			"onlyworkgroup_links": map[string]any{
				"whitelist": []any{"123@g.us"},
			},
		},
	}
	data, err := json.MarshalIndent(stale, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	got := store.Get(tenant)

	// Every template key is present, stored values win, unknown keys survive.
	for key := range Defaults() {
		assert.Contains(t, got, key)
	}
	assert.Equal(t, "group", got["worktype"])
	assert.Equal(t, "kept", got["legacy"])
	nested := got["onlyworkgroup_links"].(map[string]any)
	assert.Equal(t, []any{"123@g.us"}, nested["whitelist"])

	// The healed record must be re-persisted.
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	var onDisk map[string]Record
	require.NoError(t, json.Unmarshal(data, &onDisk))
	assert.Equal(t, "off", onDisk[tenant]["antidelete"])
	assert.Equal(t, "kept", onDisk[tenant]["legacy"])
}

func TestGetDegradesToDefaultsOnBrokenStore(t *testing.T) {
	store, path := newTestStore(t)
	require.NoError(t, os.WriteFile(path, []byte("{corrupt"), 0o644))

	rec := store.Get(tenant)
	assert.Equal(t, "public", rec["worktype"])
}

func TestGetReturnsIndependentCopies(t *testing.T) {
	store, _ := newTestStore(t)

	first := store.Get(tenant)
	first["worktype"] = "mutated"
	nested := first["onlyworkgroup_links"].(map[string]any)
	nested["whitelist"] = []any{"injected"}

	second := store.Get(tenant)
	assert.Equal(t, "public", second["worktype"])
}

func TestConcurrentAccessSameTenant(t *testing.T) {
	store, _ := newTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := store.Get(tenant)
			assert.Contains(t, rec, "worktype")
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Update(tenant, Record{"autoread": true})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got := store.Get(tenant)
	assert.Equal(t, true, got["autoread"])
}

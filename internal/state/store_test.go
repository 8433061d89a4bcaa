package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreRoundTrip(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "install-state.json"))
	records := map[string]Record{
		"alpha@src1": {Status: StatusInstalled, LastAttempt: "2026-03-01T12:00:00Z"},
		"beta@src2": {
			Status:        StatusFailed,
			LastAttempt:   "2026-03-01T12:05:00Z",
			RetryCount:    3,
			FirstFailedAt: "2026-03-01T11:45:00Z",
		},
	}

	require.NoError(t, store.Save(records))
	assert.Equal(t, records, store.Load())
}

func TestStoreLoadMissingFileIsEmpty(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "absent.json"))
	assert.Empty(t, store.Load())
}

func TestStoreLoadCorruptFileIsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "install-state.json")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o644))
	assert.Empty(t, NewStore(path).Load())
}

func TestStoreUpgradesLegacyList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "install-state.json")
	legacy := `{"plugins": ["alpha@src1", "beta@src2"], "timestamp": "2026-02-01T08:00:00Z"}`
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0o644))

	records := NewStore(path).Load()
	require.Len(t, records, 2)
	for _, id := range []string{"alpha@src1", "beta@src2"} {
		rec, ok := records[id]
		require.True(t, ok, id)
		assert.Equal(t, StatusInstalled, rec.Status)
		assert.Zero(t, rec.RetryCount)
		assert.Equal(t, "2026-02-01T08:00:00Z", rec.LastAttempt)
	}
}

func TestWriteFileAtomicCreatesParents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deep", "nested", "file.json")
	require.NoError(t, WriteFileAtomic(path, []byte("{}")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(data))

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

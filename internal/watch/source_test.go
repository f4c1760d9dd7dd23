package watch

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFSNotifySourceSignalsOnTargetWrites(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, ".storyline", "tasks.json")

	obs, err := FSNotifySource{}.Observe(target)
	require.NoError(t, err)
	defer obs.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".storyline", "other.json"), []byte("{}"), 0o644))
	require.NoError(t, os.WriteFile(target, []byte(`{"tasks":[]}`), 0o644))

	select {
	case _, ok := <-obs.Signals():
		require.True(t, ok)
	case <-time.After(3 * time.Second):
		t.Fatal("no signal for task store write")
	}

	require.NoError(t, obs.Close())
	require.NoError(t, obs.Close())
	for range obs.Signals() {
	}
}

func TestFSNotifySourceReportsWatchFailure(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	_, err := FSNotifySource{}.Observe(filepath.Join(blocker, "tasks.json"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrWatchFailure)
}

func TestModTimeOfMissingFileIsZero(t *testing.T) {
	mod, err := ModTime(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.True(t, mod.IsZero())
}

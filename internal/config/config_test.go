package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	t.Parallel()

	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, []string{"docs/stories", "stories"}, cfg.Documents.StoryRoots)
	assert.Equal(t, []string{"docs/epics", "epics"}, cfg.Documents.EpicRoots)
	assert.Equal(t, 5*time.Minute, cfg.Cache.HierarchyTTL)
	assert.Equal(t, 3*time.Minute, cfg.Cache.ValidationTTL)
	assert.Equal(t, 5*time.Minute, cfg.Cache.DashboardTTL)
	assert.Equal(t, 300*time.Millisecond, cfg.Watch.Debounce)
	assert.Equal(t, 30*time.Second, cfg.Watch.Heartbeat)
}

func TestFromYAMLOverridesOnlyGivenKeys(t *testing.T) {
	t.Parallel()

	cfg, err := FromYAML([]byte("watch:\n  debounce: 1s\ntasks:\n  file: data/tasks.json\n"))
	require.NoError(t, err)
	assert.Equal(t, time.Second, cfg.Watch.Debounce)
	assert.Equal(t, 30*time.Second, cfg.Watch.Heartbeat)
	assert.Equal(t, "data/tasks.json", cfg.Tasks.File)
	assert.Equal(t, []string{"docs/stories", "stories"}, cfg.Documents.StoryRoots)
}

func TestFromYAMLRejectsSchemaViolations(t *testing.T) {
	t.Parallel()

	_, err := FromYAML([]byte("cache:\n  hierarchy_ttl: 300\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config schema validation failed")

	_, err = FromYAML([]byte("unknown: true\n"))
	require.Error(t, err)
}

func TestFromYAMLRejectsAbsoluteTaskFile(t *testing.T) {
	t.Parallel()

	_, err := FromYAML([]byte("tasks:\n  file: /etc/tasks.json\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "relative")
}

func TestLoadOptionalFallsBackToDefaults(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	_, err = Load(dir)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(GenerateDefault()), 0o644))
	loaded, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, Default(), loaded)
}

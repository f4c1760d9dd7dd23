package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyline/internal/config"
	"storyline/internal/db"
	"storyline/internal/domain"
	"storyline/internal/migrate"
	"storyline/internal/repo"
)

func newRepo(t *testing.T) (repo.Repo, string) {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return repo.Repo{DB: conn}, dir
}

func addProject(t *testing.T, r repo.Repo, id string) {
	t.Helper()
	err := r.InsertProject(context.Background(), nil, domain.Project{
		ID:        id,
		Root:      "/tmp/" + id,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	})
	require.NoError(t, err)
}

func TestResolveProject(t *testing.T) {
	ctx := context.Background()
	r, _ := newRepo(t)
	t.Setenv(DefaultProjectEnv, "")

	_, err := ResolveProject(ctx, "", r)
	require.ErrorIs(t, err, ErrNoProject)

	addProject(t, r, "alpha")
	id, err := ResolveProject(ctx, "", r)
	require.NoError(t, err)
	assert.Equal(t, "alpha", id)

	addProject(t, r, "beta")
	_, err = ResolveProject(ctx, "", r)
	require.Error(t, err)

	t.Setenv(DefaultProjectEnv, "beta")
	id, err = ResolveProject(ctx, "", r)
	require.NoError(t, err)
	assert.Equal(t, "beta", id)

	id, err = ResolveProject(ctx, "alpha", r)
	require.NoError(t, err)
	assert.Equal(t, "alpha", id)

	_, err = ResolveProject(ctx, "gamma", r)
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestResolveProjectAndConfigReadsWorkspaceFile(t *testing.T) {
	ctx := context.Background()
	r, dir := newRepo(t)
	t.Setenv(DefaultProjectEnv, "")
	addProject(t, r, "alpha")

	_, cfg, err := ResolveProjectAndConfig(ctx, dir, "", r)
	require.NoError(t, err)
	assert.Equal(t, config.Default().Tasks.File, cfg.Tasks.File)

	require.NoError(t, os.WriteFile(filepath.Join(dir, config.FileName), []byte("tasks:\n  file: work/tasks.json\n"), 0o644))
	id, cfg, err := ResolveProjectAndConfig(ctx, dir, "", r)
	require.NoError(t, err)
	assert.Equal(t, "alpha", id)
	assert.Equal(t, "work/tasks.json", cfg.Tasks.File)
}

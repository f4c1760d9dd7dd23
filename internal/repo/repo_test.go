package repo_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyline/internal/db"
	"storyline/internal/domain"
	"storyline/internal/events"
	"storyline/internal/migrate"
	"storyline/internal/repo"
)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return repo.Repo{DB: conn}
}

func TestProjectCRUD(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)

	_, err := r.GetProject(ctx, "p1")
	require.ErrorIs(t, err, repo.ErrNotFound)

	require.NoError(t, r.InsertProject(ctx, nil, domain.Project{ID: "p1", Root: "/a", CreatedAt: "2024-01-01T00:00:00Z"}))
	require.NoError(t, r.InsertProject(ctx, nil, domain.Project{ID: "p2", Root: "/b", Description: "second", CreatedAt: "2024-01-02T00:00:00Z"}))
	require.Error(t, r.InsertProject(ctx, nil, domain.Project{ID: "p1", Root: "/c", CreatedAt: "2024-01-03T00:00:00Z"}))

	p, err := r.GetProject(ctx, "p2")
	require.NoError(t, err)
	assert.Equal(t, "second", p.Description)

	list, err := r.ListProjects(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "p2", list[0].ID)

	require.NoError(t, r.UpdateProjectRoot(ctx, "p1", "/moved"))
	p, err = r.GetProject(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "/moved", p.Root)

	require.NoError(t, r.DeleteProject(ctx, "p2"))
	err = r.DeleteProject(ctx, "p2")
	var nf repo.NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "project", nf.Kind)
	assert.ErrorIs(t, err, repo.ErrNotFound)

	single, err := r.SingleProject(ctx)
	require.NoError(t, err)
	assert.Equal(t, "p1", single.ID)
}

func TestLatestEventsFiltersAndPages(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	w := events.Writer{DB: r.DB, Now: func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }}

	for i := 0; i < 3; i++ {
		require.NoError(t, w.Append(ctx, nil, events.TypeCacheCleared, "p1", "cache", "", "", events.EventPayload{"removed": i}))
	}
	require.NoError(t, w.Append(ctx, nil, events.TypeTaskLinked, "p1", "task", "t1", "alice", nil))
	require.NoError(t, w.Append(ctx, nil, events.TypeTaskLinked, "p2", "task", "t9", "bob", nil))

	all, err := r.LatestEvents(ctx, repo.EventFilters{ProjectID: "p1"})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, events.TypeTaskLinked, all[0].Type)
	assert.Equal(t, "system", all[1].ActorID)

	linked, err := r.LatestEvents(ctx, repo.EventFilters{Type: events.TypeTaskLinked, EntityID: "t9"})
	require.NoError(t, err)
	require.Len(t, linked, 1)
	assert.Equal(t, "p2", linked[0].ProjectID)

	page, err := r.LatestEvents(ctx, repo.EventFilters{ProjectID: "p1", Type: events.TypeCacheCleared, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	rest, err := r.LatestEvents(ctx, repo.EventFilters{ProjectID: "p1", Type: events.TypeCacheCleared, Cursor: page[1].ID})
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Less(t, rest[0].ID, page[1].ID)
	assert.JSONEq(t, `{"removed":0}`, rest[0].Payload)
}

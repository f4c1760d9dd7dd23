package engine_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyline/internal/cache"
	"storyline/internal/config"
	"storyline/internal/db"
	"storyline/internal/domain"
	"storyline/internal/engine"
	"storyline/internal/migrate"
	"storyline/internal/repo"
	"storyline/internal/tasks"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Root   string
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	root := filepath.Join(dir, "proj")
	require.NoError(t, os.MkdirAll(root, 0o755))
	if _, err := eng.AddProject(ctx, "proj-1", root, "test", "tester"); err != nil {
		t.Fatalf("add project: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx, Root: root}
}

func (env testEnv) writeDoc(t *testing.T, rel, content string) {
	t.Helper()
	path := filepath.Join(env.Root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func (env testEnv) writeTasks(t *testing.T, list ...domain.Task) {
	t.Helper()
	require.NoError(t, env.Engine.Tasks.WriteAll(env.Ctx, "proj-1", list))
}

func TestScenarioAHierarchyAndHealth(t *testing.T) {
	env := newTestEnv(t)
	env.writeDoc(t, "docs/epics/epic-1.md", "# Epic 1: Core\n\n## Status: Active\n")
	env.writeDoc(t, "docs/stories/story-1.1.md", "# Story 1.1: Login\n\n## Status: In Progress\n")
	env.writeTasks(t,
		domain.Task{ID: "t1", Name: "a", StoryID: "1.1", Status: domain.TaskCompleted},
		domain.Task{ID: "t2", Name: "b", StoryID: "1.1", Status: domain.TaskPending},
	)

	view, err := env.Engine.GetHierarchy(env.Ctx, "proj-1")
	require.NoError(t, err)
	require.Contains(t, view.Hierarchy, "1")
	story := view.Hierarchy["1"].Stories["1.1"]
	require.NotNil(t, story)
	assert.Equal(t, 2, story.Metrics.TaskCount)
	assert.Equal(t, 1, story.Metrics.CompletedTasks)
	assert.Equal(t, 50, story.Metrics.CompletionRate)
	assert.Equal(t, 50, view.Hierarchy["1"].Metrics.CompletionRate)
	assert.Equal(t, "Core", view.Hierarchy["1"].Epic.Title)

	report, err := env.Engine.GetValidationReport(env.Ctx, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, 100, report.Summary.HealthScore)
	require.Len(t, report.Recommendations, 1)
	assert.Equal(t, engine.PriorityInfo, report.Recommendations[0].Priority)
	assert.Contains(t, report.Recommendations[0].Message, "excellent")
}

func TestScenarioBBrokenLink(t *testing.T) {
	env := newTestEnv(t)
	env.writeDoc(t, "stories/story-1.1.md", "# Story 1.1: Login\n")
	env.writeTasks(t,
		domain.Task{ID: "t1", StoryID: "1.1", Status: domain.TaskPending},
		domain.Task{ID: "t3", StoryID: "9.9", Status: domain.TaskPending},
	)

	report, err := env.Engine.GetValidationReport(env.Ctx, "proj-1")
	require.NoError(t, err)
	require.Len(t, report.TaskAnalysis.BrokenLinks, 1)
	assert.Equal(t, "t3", report.TaskAnalysis.BrokenLinks[0].TaskID)
	assert.Equal(t, "9.9", report.TaskAnalysis.BrokenLinks[0].StoryID)
	require.Len(t, report.StoryAnalysis.MissingFromProject, 1)
	assert.Equal(t, engine.MissingStory{ID: "9.9", ReferencedBy: []string{"t3"}}, report.StoryAnalysis.MissingFromProject[0])

	var high bool
	for _, r := range report.Recommendations {
		if r.Priority == engine.PriorityHigh && r.Type == "broken_links" {
			high = true
		}
	}
	assert.True(t, high, "expected a high priority broken link recommendation: %+v", report.Recommendations)

	view, err := env.Engine.GetHierarchy(env.Ctx, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, 2, view.Metrics.TotalTasks)
	assert.Equal(t, 1, view.Metrics.TasksOutsideTree)
	assert.True(t, view.Hierarchy["1"].Epic.Placeholder)
}

func TestScenarioCEmptyProject(t *testing.T) {
	env := newTestEnv(t)

	stats, err := env.Engine.GetDashboardStats(env.Ctx, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, engine.TaskStats{}, stats.TaskStats)
	assert.Equal(t, 0, stats.StoryStats.Total)
	assert.Equal(t, 0, stats.EpicStats.Total)
	assert.Empty(t, stats.AgentStats)
	assert.NotEmpty(t, stats.Message, "first run is explained")

	report, err := env.Engine.GetValidationReport(env.Ctx, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, 100, report.Summary.HealthScore)
}

func TestDashboardStats(t *testing.T) {
	t.Parallel()

	list := []domain.Task{
		{ID: "t1", StoryID: "1.1", Status: domain.TaskCompleted, Agent: "ana"},
		{ID: "t2", StoryID: "1.1", Status: domain.TaskInProgress, Agent: "ana"},
		{ID: "t3", Status: domain.TaskPending},
		{ID: "t4", StoryID: "2.1", Status: domain.TaskCompleted},
	}
	stories := []domain.Story{
		{ID: "1.1", EpicID: "1", Status: "Done", Verified: true},
		{ID: "1.2", EpicID: "1", Status: "Draft"},
		{ID: "2.1", EpicID: "2", Status: "Done"},
	}
	epics := []domain.Epic{{ID: "1", Title: "Core", Status: "Active"}}

	d := engine.BuildDashboardStats("p1", list, stories, epics)
	assert.Equal(t, engine.TaskStats{Total: 4, Pending: 1, InProgress: 1, Completed: 2, CompletionRate: 50, WithStory: 3, WithoutStory: 1}, d.TaskStats)
	assert.Equal(t, 3, d.StoryStats.Total)
	assert.Equal(t, 2, d.StoryStats.WithTasks)
	assert.Equal(t, 1, d.StoryStats.Orphaned)
	assert.Equal(t, 1, d.StoryStats.Verified)
	assert.Equal(t, map[string]int{"Done": 2, "Draft": 1}, d.StoryStats.ByStatus)
	assert.Equal(t, 2, d.EpicStats.Total)
	assert.Equal(t, 1, d.EpicStats.Placeholders)
	assert.Equal(t, engine.EpicCompletion{Title: "Core", TaskCount: 2, CompletedTasks: 1, CompletionRate: 50}, d.EpicStats.CompletionByEpic["1"])
	assert.Equal(t, engine.AgentStats{Total: 2, InProgress: 1, Completed: 1, CompletionRate: 50}, d.AgentStats["ana"])
	assert.Equal(t, engine.AgentStats{Total: 2, Pending: 1, Completed: 1, CompletionRate: 50}, d.AgentStats[engine.UnassignedAgent])
	assert.Equal(t, []string{"ana", engine.UnassignedAgent}, engine.AgentNames(d.AgentStats))
}

func TestRecommendThresholds(t *testing.T) {
	t.Parallel()

	cases := []struct {
		health   int
		priority string
		word     string
	}{
		{100, engine.PriorityInfo, "excellent"},
		{90, engine.PriorityInfo, "excellent"},
		{89, engine.PriorityInfo, "good"},
		{70, engine.PriorityInfo, "good"},
		{69, engine.PriorityHigh, "poor"},
		{0, engine.PriorityHigh, "poor"},
	}
	for _, tc := range cases {
		recs := engine.Recommend(engine.ValidationSummary{HealthScore: tc.health})
		require.Len(t, recs, 1)
		assert.Equal(t, tc.priority, recs[0].Priority, "health %d", tc.health)
		assert.Contains(t, recs[0].Message, tc.word)
	}

	recs := engine.Recommend(engine.ValidationSummary{UnlinkedTasks: 2, OrphanedStories: 1, BrokenLinks: 1, HealthScore: 50})
	priorities := make([]string, 0, len(recs))
	for _, r := range recs {
		priorities = append(priorities, r.Priority)
	}
	assert.Equal(t, []string{engine.PriorityHigh, engine.PriorityMedium, engine.PriorityLow, engine.PriorityHigh}, priorities)
}

func TestViewsAreCachedUntilInvalidated(t *testing.T) {
	env := newTestEnv(t)
	env.writeTasks(t, domain.Task{ID: "t1", Status: domain.TaskPending})

	first, err := env.Engine.GetDashboardStats(env.Ctx, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, 1, first.TaskStats.Total)

	env.writeTasks(t, domain.Task{ID: "t1"}, domain.Task{ID: "t2"})
	cached, err := env.Engine.GetDashboardStats(env.Ctx, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, 1, cached.TaskStats.Total)

	removed, err := env.Engine.ClearCache(env.Ctx, engine.ClearOptions{ProjectID: "proj-1", ViewType: cache.ViewDashboard})
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	fresh, err := env.Engine.GetDashboardStats(env.Ctx, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, 2, fresh.TaskStats.Total)

	_, err = env.Engine.ClearCache(env.Ctx, engine.ClearOptions{ViewType: "bogus"})
	assert.ErrorIs(t, err, engine.ErrUnknownView)

	removed, err = env.Engine.ClearCache(env.Ctx, engine.ClearOptions{All: true})
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, env.Engine.CacheStatus().Total)
}

func TestLinkTask(t *testing.T) {
	env := newTestEnv(t)
	env.writeDoc(t, "docs/stories/story-1.1.md", "# Story 1.1: Login\n")
	env.writeDoc(t, "docs/stories/story-1.2.md", "# Story 1.2: Logout\n")
	env.writeTasks(t, domain.Task{ID: "t1", Name: "a", StoryID: "1.1", Status: domain.TaskPending})

	_, err := env.Engine.GetHierarchy(env.Ctx, "proj-1")
	require.NoError(t, err)

	res, err := env.Engine.LinkTask(env.Ctx, "proj-1", "t1", "1.2", "tester")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "1.1", res.PreviousStoryID)
	assert.Equal(t, 0, env.Engine.CacheStatus().Total, "link invalidates the project's views")

	view, err := env.Engine.GetHierarchy(env.Ctx, "proj-1")
	require.NoError(t, err)
	assert.Len(t, view.Hierarchy["1"].Stories["1.2"].Tasks, 1)
	assert.Equal(t, "2024-01-01T00:00:00Z", view.Tasks[0].UpdatedAt)

	_, err = env.Engine.LinkTask(env.Ctx, "proj-1", "missing", "1.1", "tester")
	assert.True(t, errors.Is(err, repo.ErrNotFound))
	_, err = env.Engine.LinkTask(env.Ctx, "proj-1", "t1", "9.9", "tester")
	assert.True(t, errors.Is(err, repo.ErrNotFound))
	assert.Contains(t, err.Error(), "story 9.9")
	_, err = env.Engine.LinkTask(env.Ctx, "nope", "t1", "1.1", "tester")
	assert.True(t, errors.Is(err, repo.ErrNotFound))

	res, err = env.Engine.LinkTask(env.Ctx, "proj-1", "t1", "", "tester")
	require.NoError(t, err)
	assert.Equal(t, "1.2", res.PreviousStoryID)

	evts, err := env.Engine.ListEvents(env.Ctx, repo.EventFilters{ProjectID: "proj-1", Type: "task.linked"})
	require.NoError(t, err)
	assert.Len(t, evts, 2)
}

func TestLinkTaskWithoutStoriesSkipsValidation(t *testing.T) {
	env := newTestEnv(t)
	env.writeTasks(t, domain.Task{ID: "t1"})

	res, err := env.Engine.LinkTask(env.Ctx, "proj-1", "t1", "4.2", "tester")
	require.NoError(t, err)
	assert.Empty(t, res.PreviousStoryID)
	assert.Equal(t, "4.2", res.StoryID)
}

func TestAddProjectRejectsDuplicates(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.AddProject(env.Ctx, "proj-1", env.Root, "", "tester")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	_, err = env.Engine.Project(env.Ctx, "unknown")
	assert.ErrorIs(t, err, repo.ErrNotFound)
	_, err = env.Engine.GetHierarchy(env.Ctx, "unknown")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

// gatedTasks holds the first ReadAll result until released.
type gatedTasks struct {
	tasks.Repository
	held    atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (g *gatedTasks) ReadAll(ctx context.Context, projectID string) (tasks.Snapshot, error) {
	snap, err := g.Repository.ReadAll(ctx, projectID)
	if g.held.CompareAndSwap(false, true) {
		close(g.entered)
		<-g.release
	}
	return snap, err
}

func TestLinkDuringRecomputeKeepsStaleViewOutOfCache(t *testing.T) {
	env := newTestEnv(t)
	env.writeDoc(t, "docs/stories/story-1.1.md", "# Story 1.1: Login\n")
	env.writeTasks(t, domain.Task{ID: "t1", Name: "a", Status: domain.TaskPending})

	gate := &gatedTasks{Repository: env.Engine.Tasks, entered: make(chan struct{}), release: make(chan struct{})}
	env.Engine.Tasks = gate

	type result struct {
		report engine.ValidationReport
		err    error
	}
	done := make(chan result, 1)
	go func() {
		r, err := env.Engine.GetValidationReport(env.Ctx, "proj-1")
		done <- result{r, err}
	}()

	<-gate.entered
	_, err := env.Engine.LinkTask(env.Ctx, "proj-1", "t1", "1.1", "tester")
	require.NoError(t, err)
	close(gate.release)

	stale := <-done
	require.NoError(t, stale.err)
	assert.Equal(t, 0, stale.report.Summary.LinkedTasks)
	assert.Equal(t, 0, env.Engine.CacheStatus().Total)

	report, err := env.Engine.GetValidationReport(env.Ctx, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Summary.LinkedTasks)
	assert.Equal(t, 100, report.Summary.HealthScore)
}

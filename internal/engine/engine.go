package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"storyline/internal/cache"
	"storyline/internal/config"
	"storyline/internal/documents"
	"storyline/internal/domain"
	"storyline/internal/events"
	"storyline/internal/repo"
	"storyline/internal/tasks"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Tasks  tasks.Repository
	Docs   documents.Repository
	Cache  *cache.Manager
	Now    func() time.Time
}

// New wires the engine against the workspace database. Tasks live in a JSON
// file under each project's root; documents are read from the OS filesystem.
func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	r := repo.Repo{DB: db}
	e := Engine{
		DB:     db,
		Repo:   r,
		Events: events.Writer{DB: db},
		Config: cfg,
		Docs:   documents.NewOSRepository(),
		Cache:  cache.New(CacheOptions(cfg)),
		Now:    time.Now,
	}
	e.Tasks = tasks.NewFileStore(TaskPathResolver(r, cfg))
	return e
}

// CacheOptions maps the configured TTLs onto the cache's view types.
func CacheOptions(cfg *config.Config) cache.Options {
	opts := cache.DefaultOptions()
	if cfg == nil {
		return opts
	}
	opts.TTL[cache.ViewHierarchy] = cfg.Cache.HierarchyTTL
	opts.TTL[cache.ViewValidation] = cfg.Cache.ValidationTTL
	opts.TTL[cache.ViewDashboard] = cfg.Cache.DashboardTTL
	return opts
}

// TaskPathResolver locates a project's task store from its registered root.
func TaskPathResolver(r repo.Repo, cfg *config.Config) tasks.Resolver {
	return func(ctx context.Context, projectID string) (string, error) {
		p, err := r.GetProject(ctx, projectID)
		if err != nil {
			return "", err
		}
		return filepath.Join(p.Root, cfg.Tasks.File), nil
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) loader() documents.Loader {
	return documents.Loader{
		Repo:         e.Docs,
		StoryRoots:   e.Config.Documents.StoryRoots,
		EpicRoots:    e.Config.Documents.EpicRoots,
		StoryPattern: e.Config.Documents.StoryPattern,
		EpicPattern:  e.Config.Documents.EpicPattern,
	}
}

// AddProject registers a project rooted at root.
func (e Engine) AddProject(ctx context.Context, projectID, root, description, actorID string) (domain.Project, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return domain.Project{}, errors.New("project id is required")
	}
	if strings.TrimSpace(root) == "" {
		return domain.Project{}, errors.New("project root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return domain.Project{}, fmt.Errorf("resolve project root: %w", err)
	}
	if _, err := e.Repo.GetProject(ctx, projectID); err == nil {
		return domain.Project{}, fmt.Errorf("project %s already exists", projectID)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Project{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	p := domain.Project{
		ID:          projectID,
		Root:        abs,
		Description: description,
		CreatedAt:   e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeProjectAdded, p.ID, "project", p.ID, actorID, events.EventPayload{"root": p.Root}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	log.Info().Str("project_id", p.ID).Str("root", p.Root).Msg("project registered")
	return p, nil
}

func (e Engine) Project(ctx context.Context, projectID string) (domain.Project, error) {
	return e.Repo.GetProject(ctx, projectID)
}

func (e Engine) ListProjects(ctx context.Context) ([]domain.Project, error) {
	return e.Repo.ListProjects(ctx)
}

// LinkResult reports the outcome of LinkTask.
type LinkResult struct {
	Success         bool   `json:"success"`
	TaskID          string `json:"taskId"`
	StoryID         string `json:"storyId,omitempty"`
	PreviousStoryID string `json:"previousStoryId,omitempty"`
}

// LinkTask points a task at a story, or unlinks it when storyID is empty.
// The story is validated only when the project has stories to check against.
func (e Engine) LinkTask(ctx context.Context, projectID, taskID, storyID, actorID string) (LinkResult, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return LinkResult{}, err
	}
	snap, err := e.Tasks.ReadAll(ctx, projectID)
	if err != nil {
		return LinkResult{}, err
	}
	idx := tasks.Find(snap.Tasks, taskID)
	if idx < 0 {
		return LinkResult{}, repo.NotFoundError{Kind: "task", ID: taskID}
	}
	storyID = strings.TrimSpace(storyID)
	if storyID != "" {
		stories, err := e.loader().Stories(ctx, p.Root)
		if err != nil {
			return LinkResult{}, err
		}
		if len(stories) > 0 && !hasStory(stories, storyID) {
			return LinkResult{}, repo.NotFoundError{Kind: "story", ID: storyID}
		}
	}

	list := append([]domain.Task(nil), snap.Tasks...)
	prev := list[idx].StoryID
	list[idx].StoryID = storyID
	list[idx].UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Tasks.WriteAll(ctx, projectID, list); err != nil {
		return LinkResult{}, err
	}
	removed := e.Cache.Clear(cache.Filter{ProjectID: projectID})
	if err := e.Events.Append(ctx, nil, events.TypeTaskLinked, projectID, "task", taskID, actorID,
		events.EventPayload{"story_id": storyID, "previous_story_id": prev}); err != nil {
		log.Warn().Err(err).Str("project_id", projectID).Str("task_id", taskID).Msg("record link event")
	}
	log.Info().Str("project_id", projectID).Str("task_id", taskID).Str("story_id", storyID).
		Str("previous_story_id", prev).Int("cache_cleared", removed).Msg("task linked")
	return LinkResult{Success: true, TaskID: taskID, StoryID: storyID, PreviousStoryID: prev}, nil
}

func hasStory(stories []domain.Story, id string) bool {
	for _, s := range stories {
		if s.ID == id {
			return true
		}
	}
	return false
}

// ClearOptions selects cache entries to drop. With All set, or with neither
// filter given, the whole cache is emptied.
type ClearOptions struct {
	ProjectID string
	ViewType  string
	All       bool
	ActorID   string
}

var ErrUnknownView = errors.New("unknown view type")

func (e Engine) ClearCache(ctx context.Context, opts ClearOptions) (int, error) {
	switch opts.ViewType {
	case "", cache.ViewHierarchy, cache.ViewValidation, cache.ViewDashboard:
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnknownView, opts.ViewType)
	}
	var removed int
	if opts.All || (opts.ProjectID == "" && opts.ViewType == "") {
		removed = e.Cache.ClearAll()
	} else {
		removed = e.Cache.Clear(cache.Filter{ProjectID: opts.ProjectID, ViewType: opts.ViewType})
	}
	if err := e.Events.Append(ctx, nil, events.TypeCacheCleared, opts.ProjectID, "cache", opts.ViewType, opts.ActorID,
		events.EventPayload{"removed": removed, "all": opts.All}); err != nil {
		log.Warn().Err(err).Msg("record cache clear event")
	}
	log.Info().Str("project_id", opts.ProjectID).Str("view", opts.ViewType).Int("removed", removed).Msg("cache cleared")
	return removed, nil
}

func (e Engine) CacheStatus() cache.Status {
	return e.Cache.Status()
}

// RecordTasksUpdated appends an audit event for a change picked up by the watcher.
func (e Engine) RecordTasksUpdated(ctx context.Context, projectID string, list []domain.Task) {
	if err := e.Events.Append(ctx, nil, events.TypeTasksUpdated, projectID, "tasks", "", "watcher",
		events.EventPayload{"count": len(list)}); err != nil {
		log.Warn().Err(err).Str("project_id", projectID).Msg("record tasks update event")
	}
}

func (e Engine) ListEvents(ctx context.Context, f repo.EventFilters) ([]domain.Event, error) {
	return e.Repo.LatestEvents(ctx, f)
}

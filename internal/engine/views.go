package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"storyline/internal/cache"
	"storyline/internal/domain"
	"storyline/internal/hierarchy"
	"storyline/internal/linker"
)

// snapshot is everything a view is computed from.
type snapshot struct {
	tasks   []domain.Task
	stories []domain.Story
	epics   []domain.Epic
	message string
}

func (e Engine) load(ctx context.Context, projectID string) (snapshot, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return snapshot{}, err
	}
	snap, err := e.Tasks.ReadAll(ctx, projectID)
	if err != nil {
		return snapshot{}, fmt.Errorf("load tasks for %s: %w", projectID, err)
	}
	l := e.loader()
	stories, err := l.Stories(ctx, p.Root)
	if err != nil {
		return snapshot{}, err
	}
	epics, err := l.Epics(ctx, p.Root)
	if err != nil {
		return snapshot{}, err
	}
	return snapshot{tasks: snap.Tasks, stories: stories, epics: epics, message: snap.Message}, nil
}

type HierarchyView struct {
	ProjectID string                         `json:"projectId"`
	Epics     []domain.Epic                  `json:"epics"`
	Stories   []domain.Story                 `json:"stories"`
	Tasks     []domain.Task                  `json:"tasks"`
	Hierarchy map[string]*hierarchy.EpicNode `json:"hierarchy"`
	Metrics   hierarchy.Overall              `json:"metrics"`
	Message   string                         `json:"message,omitempty"`
	Timestamp time.Time                      `json:"timestamp"`

	tree hierarchy.Tree
}

// Tree exposes the ordered tree for renderers.
func (v HierarchyView) Tree() hierarchy.Tree { return v.tree }

func (e Engine) GetHierarchy(ctx context.Context, projectID string) (HierarchyView, error) {
	k := cache.Key{View: cache.ViewHierarchy, ProjectID: projectID}
	view, _, err := cache.Fetch(e.Cache, k, func() (HierarchyView, error) {
		s, err := e.load(ctx, projectID)
		if err != nil {
			return HierarchyView{}, err
		}
		tree := hierarchy.Build(s.tasks, s.stories, s.epics)
		return HierarchyView{
			ProjectID: projectID,
			Epics:     tree.Epics,
			Stories:   s.stories,
			Tasks:     s.tasks,
			Hierarchy: tree.Nodes,
			Metrics:   tree.Overall,
			Message:   s.message,
			Timestamp: e.now().UTC(),
			tree:      tree,
		}, nil
	})
	return view, err
}

const (
	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityLow    = "low"
	PriorityInfo   = "info"
)

type Recommendation struct {
	Priority string `json:"priority"`
	Type     string `json:"type"`
	Message  string `json:"message"`
	Count    int    `json:"count,omitempty"`
}

type ValidationSummary struct {
	TotalTasks         int `json:"totalTasks"`
	TotalStories       int `json:"totalStories"`
	LinkedTasks        int `json:"linkedTasks"`
	UnlinkedTasks      int `json:"unlinkedTasks"`
	BrokenLinks        int `json:"brokenLinks"`
	OrphanedStories    int `json:"orphanedStories"`
	TasksWithReference int `json:"tasksWithReference"`
	StoriesWithTasks   int `json:"storiesWithTasks"`
	HealthScore        int `json:"healthScore"`
}

type TaskRef struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Status  string `json:"status"`
	StoryID string `json:"storyId,omitempty"`
}

type TaskAnalysis struct {
	Linked      []TaskRef           `json:"linked"`
	Unlinked    []TaskRef           `json:"unlinked"`
	BrokenLinks []linker.BrokenLink `json:"brokenLinks"`
}

type StoryRef struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	EpicID    string `json:"epicId,omitempty"`
	TaskCount int    `json:"taskCount"`
}

// MissingStory is a story id that tasks reference but no document defines.
type MissingStory struct {
	ID           string   `json:"id"`
	ReferencedBy []string `json:"referencedBy"`
}

type StoryAnalysis struct {
	WithTasks          []StoryRef     `json:"withTasks"`
	Orphaned           []StoryRef     `json:"orphaned"`
	MissingFromProject []MissingStory `json:"missingFromProject"`
}

type ValidationReport struct {
	ProjectID       string            `json:"projectId"`
	Summary         ValidationSummary `json:"summary"`
	TaskAnalysis    TaskAnalysis      `json:"taskAnalysis"`
	StoryAnalysis   StoryAnalysis     `json:"storyAnalysis"`
	Recommendations []Recommendation  `json:"recommendations"`
	Message         string            `json:"message,omitempty"`
	Timestamp       time.Time         `json:"timestamp"`
}

func (e Engine) GetValidationReport(ctx context.Context, projectID string) (ValidationReport, error) {
	k := cache.Key{View: cache.ViewValidation, ProjectID: projectID}
	report, _, err := cache.Fetch(e.Cache, k, func() (ValidationReport, error) {
		s, err := e.load(ctx, projectID)
		if err != nil {
			return ValidationReport{}, err
		}
		r := BuildValidationReport(projectID, s.tasks, s.stories)
		r.Message = s.message
		r.Timestamp = e.now().UTC()
		return r, nil
	})
	return report, err
}

// BuildValidationReport derives the report from a link pass.
func BuildValidationReport(projectID string, taskList []domain.Task, stories []domain.Story) ValidationReport {
	res := linker.Link(taskList, stories)
	r := ValidationReport{
		ProjectID: projectID,
		Summary: ValidationSummary{
			TotalTasks:         res.TotalTasks,
			TotalStories:       res.TotalStories,
			LinkedTasks:        len(res.LinkedTasks),
			UnlinkedTasks:      len(res.UnlinkedTasks),
			BrokenLinks:        len(res.BrokenLinks),
			OrphanedStories:    len(res.OrphanedStories),
			TasksWithReference: res.TasksWithReference,
			StoriesWithTasks:   res.StoriesWithTasks,
			HealthScore:        res.HealthScore,
		},
		TaskAnalysis: TaskAnalysis{
			Linked:      taskRefs(res.LinkedTasks),
			Unlinked:    taskRefs(res.UnlinkedTasks),
			BrokenLinks: res.BrokenLinks,
		},
		StoryAnalysis: StoryAnalysis{
			WithTasks:          []StoryRef{},
			Orphaned:           []StoryRef{},
			MissingFromProject: []MissingStory{},
		},
	}

	counts := map[string]int{}
	for _, t := range res.LinkedTasks {
		counts[t.StoryID]++
	}
	for _, s := range stories {
		ref := StoryRef{ID: s.ID, Title: s.Title, EpicID: s.EpicID, TaskCount: counts[s.ID]}
		if ref.TaskCount > 0 {
			r.StoryAnalysis.WithTasks = append(r.StoryAnalysis.WithTasks, ref)
		}
	}
	for _, s := range res.OrphanedStories {
		r.StoryAnalysis.Orphaned = append(r.StoryAnalysis.Orphaned, StoryRef{ID: s.ID, Title: s.Title, EpicID: s.EpicID})
	}
	refs := map[string][]string{}
	for _, b := range res.BrokenLinks {
		refs[b.StoryID] = append(refs[b.StoryID], b.TaskID)
	}
	for _, id := range res.MissingStoryIDs() {
		r.StoryAnalysis.MissingFromProject = append(r.StoryAnalysis.MissingFromProject, MissingStory{ID: id, ReferencedBy: refs[id]})
	}
	r.Recommendations = Recommend(r.Summary)
	return r
}

func taskRefs(list []domain.Task) []TaskRef {
	out := make([]TaskRef, 0, len(list))
	for _, t := range list {
		out = append(out, TaskRef{ID: t.ID, Name: t.Name, Status: t.Status, StoryID: t.StoryID})
	}
	return out
}

// Recommend applies the fixed thresholds to a summary. The health verdict is
// always the last entry.
func Recommend(s ValidationSummary) []Recommendation {
	recs := []Recommendation{}
	if s.BrokenLinks > 0 {
		recs = append(recs, Recommendation{
			Priority: PriorityHigh,
			Type:     "broken_links",
			Message:  fmt.Sprintf("%d task(s) reference stories that do not exist; fix or remove the references", s.BrokenLinks),
			Count:    s.BrokenLinks,
		})
	}
	if s.UnlinkedTasks > 0 {
		recs = append(recs, Recommendation{
			Priority: PriorityMedium,
			Type:     "unlinked_tasks",
			Message:  fmt.Sprintf("%d task(s) are not linked to a story", s.UnlinkedTasks),
			Count:    s.UnlinkedTasks,
		})
	}
	if s.OrphanedStories > 0 {
		recs = append(recs, Recommendation{
			Priority: PriorityLow,
			Type:     "orphaned_stories",
			Message:  fmt.Sprintf("%d story(ies) have no tasks", s.OrphanedStories),
			Count:    s.OrphanedStories,
		})
	}
	switch {
	case s.HealthScore >= 90:
		recs = append(recs, Recommendation{Priority: PriorityInfo, Type: "health", Message: fmt.Sprintf("Link health is excellent (%d%%)", s.HealthScore)})
	case s.HealthScore >= 70:
		recs = append(recs, Recommendation{Priority: PriorityInfo, Type: "health", Message: fmt.Sprintf("Link health is good (%d%%)", s.HealthScore)})
	default:
		recs = append(recs, Recommendation{Priority: PriorityHigh, Type: "health", Message: fmt.Sprintf("Link health is poor (%d%%); link tasks to stories", s.HealthScore)})
	}
	return recs
}

type TaskStats struct {
	Total          int `json:"total"`
	Pending        int `json:"pending"`
	InProgress     int `json:"inProgress"`
	Completed      int `json:"completed"`
	CompletionRate int `json:"completionRate"`
	WithStory      int `json:"withStory"`
	WithoutStory   int `json:"withoutStory"`
}

type StoryStats struct {
	Total     int            `json:"total"`
	WithTasks int            `json:"withTasks"`
	Orphaned  int            `json:"orphaned"`
	Verified  int            `json:"verified"`
	ByStatus  map[string]int `json:"byStatus"`
}

type EpicCompletion struct {
	Title          string `json:"title"`
	TaskCount      int    `json:"taskCount"`
	CompletedTasks int    `json:"completedTasks"`
	CompletionRate int    `json:"completionRate"`
}

type EpicStats struct {
	Total            int                       `json:"total"`
	Placeholders     int                       `json:"placeholders"`
	ByStatus         map[string]int            `json:"byStatus"`
	CompletionByEpic map[string]EpicCompletion `json:"completionByEpic"`
}

type AgentStats struct {
	Total          int `json:"total"`
	Pending        int `json:"pending"`
	InProgress     int `json:"inProgress"`
	Completed      int `json:"completed"`
	CompletionRate int `json:"completionRate"`
}

// UnassignedAgent buckets tasks without an agent.
const UnassignedAgent = "unassigned"

type DashboardStats struct {
	ProjectID  string                `json:"projectId"`
	TaskStats  TaskStats             `json:"taskStats"`
	StoryStats StoryStats            `json:"storyStats"`
	EpicStats  EpicStats             `json:"epicStats"`
	AgentStats map[string]AgentStats `json:"agentStats"`
	Message    string                `json:"message,omitempty"`
	Timestamp  time.Time             `json:"timestamp"`
}

func (e Engine) GetDashboardStats(ctx context.Context, projectID string) (DashboardStats, error) {
	k := cache.Key{View: cache.ViewDashboard, ProjectID: projectID}
	stats, _, err := cache.Fetch(e.Cache, k, func() (DashboardStats, error) {
		s, err := e.load(ctx, projectID)
		if err != nil {
			return DashboardStats{}, err
		}
		d := BuildDashboardStats(projectID, s.tasks, s.stories, s.epics)
		d.Message = s.message
		d.Timestamp = e.now().UTC()
		return d, nil
	})
	return stats, err
}

func BuildDashboardStats(projectID string, taskList []domain.Task, stories []domain.Story, epics []domain.Epic) DashboardStats {
	d := DashboardStats{
		ProjectID:  projectID,
		StoryStats: StoryStats{ByStatus: map[string]int{}},
		EpicStats:  EpicStats{ByStatus: map[string]int{}, CompletionByEpic: map[string]EpicCompletion{}},
		AgentStats: map[string]AgentStats{},
	}

	for _, t := range taskList {
		d.TaskStats.Total++
		if t.StoryID != "" {
			d.TaskStats.WithStory++
		} else {
			d.TaskStats.WithoutStory++
		}
		agent := t.Agent
		if agent == "" {
			agent = UnassignedAgent
		}
		a := d.AgentStats[agent]
		a.Total++
		switch t.Status {
		case domain.TaskCompleted:
			d.TaskStats.Completed++
			a.Completed++
		case domain.TaskInProgress:
			d.TaskStats.InProgress++
			a.InProgress++
		default:
			d.TaskStats.Pending++
			a.Pending++
		}
		a.CompletionRate = domain.Percent(a.Completed, a.Total)
		d.AgentStats[agent] = a
	}
	d.TaskStats.CompletionRate = domain.Percent(d.TaskStats.Completed, d.TaskStats.Total)

	res := linker.Link(taskList, stories)
	d.StoryStats.Total = len(stories)
	d.StoryStats.WithTasks = res.StoriesWithTasks
	d.StoryStats.Orphaned = len(res.OrphanedStories)
	for _, s := range stories {
		if s.Verified {
			d.StoryStats.Verified++
		}
		d.StoryStats.ByStatus[s.Status]++
	}

	tree := hierarchy.Build(taskList, stories, epics)
	d.EpicStats.Total = len(tree.Epics)
	for _, ep := range tree.Epics {
		if ep.Placeholder {
			d.EpicStats.Placeholders++
		}
		d.EpicStats.ByStatus[ep.Status]++
		m := tree.Nodes[ep.ID].Metrics
		d.EpicStats.CompletionByEpic[ep.ID] = EpicCompletion{
			Title:          ep.Title,
			TaskCount:      m.TaskCount,
			CompletedTasks: m.CompletedTasks,
			CompletionRate: m.CompletionRate,
		}
	}
	return d
}

// AgentNames returns the agents of a stats map in display order.
func AgentNames(stats map[string]AgentStats) []string {
	names := make([]string, 0, len(stats))
	for name := range stats {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

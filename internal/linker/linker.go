// Package linker joins tasks to the stories they reference.
package linker

import "storyline/internal/domain"

// BrokenLink is a task whose story reference resolves to no known story.
type BrokenLink struct {
	TaskID  string `json:"taskId"`
	StoryID string `json:"storyId"`
}

// Result partitions tasks into linked and unlinked sets. A task with a broken
// reference is unlinked and also listed in BrokenLinks.
type Result struct {
	LinkedTasks     []domain.Task  `json:"linkedTasks"`
	UnlinkedTasks   []domain.Task  `json:"unlinkedTasks"`
	BrokenLinks     []BrokenLink   `json:"brokenLinks"`
	OrphanedStories []domain.Story `json:"orphanedStories"`

	TotalTasks   int `json:"totalTasks"`
	TotalStories int `json:"totalStories"`
	// TasksWithReference counts tasks carrying any story id, valid or not.
	TasksWithReference int `json:"tasksWithReference"`
	StoriesWithTasks   int `json:"storiesWithTasks"`
	HealthScore        int `json:"healthScore"`
}

// Link is pure; it does not mutate its inputs.
func Link(tasks []domain.Task, stories []domain.Story) Result {
	res := Result{
		LinkedTasks:     []domain.Task{},
		UnlinkedTasks:   []domain.Task{},
		BrokenLinks:     []BrokenLink{},
		OrphanedStories: []domain.Story{},
		TotalTasks:      len(tasks),
		TotalStories:    len(stories),
	}

	known := make(map[string]bool, len(stories))
	for _, s := range stories {
		known[s.ID] = true
	}
	used := map[string]bool{}
	for _, t := range tasks {
		switch {
		case t.StoryID == "":
			res.UnlinkedTasks = append(res.UnlinkedTasks, t)
		case known[t.StoryID]:
			res.TasksWithReference++
			res.LinkedTasks = append(res.LinkedTasks, t)
			used[t.StoryID] = true
		default:
			res.TasksWithReference++
			res.UnlinkedTasks = append(res.UnlinkedTasks, t)
			res.BrokenLinks = append(res.BrokenLinks, BrokenLink{TaskID: t.ID, StoryID: t.StoryID})
		}
	}
	for _, s := range stories {
		if used[s.ID] {
			res.StoriesWithTasks++
		} else {
			res.OrphanedStories = append(res.OrphanedStories, s)
		}
	}
	res.HealthScore = HealthScore(res.TasksWithReference, res.StoriesWithTasks, len(tasks), len(stories))
	return res
}

// HealthScore is 100 when there is nothing to link.
func HealthScore(tasksWithReference, storiesWithTasks, totalTasks, totalStories int) int {
	total := totalTasks + totalStories
	if total == 0 {
		return 100
	}
	return domain.Percent(tasksWithReference+storiesWithTasks, total)
}

// MissingStoryIDs lists referenced story ids absent from the project, in
// first-seen order without duplicates.
func (r Result) MissingStoryIDs() []string {
	out := []string{}
	seen := map[string]bool{}
	for _, b := range r.BrokenLinks {
		if seen[b.StoryID] {
			continue
		}
		seen[b.StoryID] = true
		out = append(out, b.StoryID)
	}
	return out
}

// Package hierarchy builds the epic → story → task tree with bottom-up metrics.
package hierarchy

import (
	"sort"

	"storyline/internal/domain"
)

// UnassignedEpicID groups stories whose epic cannot be derived.
const UnassignedEpicID = "unassigned"

type Metrics struct {
	TaskCount      int `json:"taskCount"`
	CompletedTasks int `json:"completedTasks"`
	CompletionRate int `json:"completionRate"`
}

func (m *Metrics) add(taskCount, completed int) {
	m.TaskCount += taskCount
	m.CompletedTasks += completed
	m.CompletionRate = domain.Percent(m.CompletedTasks, m.TaskCount)
}

type StoryNode struct {
	Story   domain.Story  `json:"story"`
	Tasks   []domain.Task `json:"tasks"`
	Metrics Metrics       `json:"metrics"`
}

type EpicNode struct {
	Epic    domain.Epic           `json:"epic"`
	Stories map[string]*StoryNode `json:"stories"`
	Metrics Metrics               `json:"metrics"`
}

// Overall totals count every task, including those outside the tree.
type Overall struct {
	TotalEpics       int `json:"totalEpics"`
	TotalStories     int `json:"totalStories"`
	TotalTasks       int `json:"totalTasks"`
	CompletedTasks   int `json:"completedTasks"`
	CompletionRate   int `json:"completionRate"`
	TasksInTree      int `json:"tasksInTree"`
	TasksOutsideTree int `json:"tasksOutsideTree"`
}

type Tree struct {
	// Epics includes placeholders created for unresolved references.
	Epics   []domain.Epic        `json:"epics"`
	Nodes   map[string]*EpicNode `json:"hierarchy"`
	Overall Overall              `json:"metrics"`
}

// Placeholder is the epic substituted for a referenced but missing one.
func Placeholder(id string) domain.Epic {
	return domain.Epic{
		ID:          id,
		Title:       "Epic " + id,
		Status:      domain.StatusUnknown,
		Priority:    "Medium",
		Placeholder: true,
	}
}

// Build never mutates its inputs. Stories referencing an unknown epic are
// attached to a placeholder; tasks referencing an unknown story stay outside
// the tree but count toward the overall totals.
func Build(tasks []domain.Task, stories []domain.Story, epics []domain.Epic) Tree {
	tree := Tree{Nodes: map[string]*EpicNode{}}
	for _, e := range epics {
		if _, dup := tree.Nodes[e.ID]; dup {
			continue
		}
		tree.Nodes[e.ID] = &EpicNode{Epic: e, Stories: map[string]*StoryNode{}}
		tree.Epics = append(tree.Epics, e)
	}

	storyEpic := map[string]string{}
	for _, s := range stories {
		if _, dup := storyEpic[s.ID]; dup {
			continue
		}
		epicID := s.EpicID
		if epicID == "" {
			epicID = UnassignedEpicID
		}
		node, ok := tree.Nodes[epicID]
		if !ok {
			placeholder := Placeholder(epicID)
			node = &EpicNode{Epic: placeholder, Stories: map[string]*StoryNode{}}
			tree.Nodes[epicID] = node
			tree.Epics = append(tree.Epics, placeholder)
		}
		node.Stories[s.ID] = &StoryNode{Story: s, Tasks: []domain.Task{}}
		storyEpic[s.ID] = epicID
	}

	for _, t := range tasks {
		tree.Overall.TotalTasks++
		if t.Completed() {
			tree.Overall.CompletedTasks++
		}
		epicID, ok := storyEpic[t.StoryID]
		if t.StoryID == "" || !ok {
			tree.Overall.TasksOutsideTree++
			continue
		}
		node := tree.Nodes[epicID].Stories[t.StoryID]
		node.Tasks = append(node.Tasks, t)
		tree.Overall.TasksInTree++
	}

	for _, epic := range tree.Nodes {
		for _, story := range epic.Stories {
			completed := 0
			for _, t := range story.Tasks {
				if t.Completed() {
					completed++
				}
			}
			story.Metrics.add(len(story.Tasks), completed)
			epic.Metrics.add(story.Metrics.TaskCount, story.Metrics.CompletedTasks)
		}
	}

	sort.SliceStable(tree.Epics, func(i, j int) bool {
		return domain.CompareIDs(tree.Epics[i].ID, tree.Epics[j].ID) < 0
	})
	if tree.Epics == nil {
		tree.Epics = []domain.Epic{}
	}
	tree.Overall.TotalEpics = len(tree.Epics)
	tree.Overall.TotalStories = len(storyEpic)
	tree.Overall.CompletionRate = domain.Percent(tree.Overall.CompletedTasks, tree.Overall.TotalTasks)
	return tree
}

// Ordered returns the epic nodes in id order.
func (t Tree) Ordered() []*EpicNode {
	out := make([]*EpicNode, 0, len(t.Epics))
	for _, e := range t.Epics {
		out = append(out, t.Nodes[e.ID])
	}
	return out
}

// OrderedStories returns the story nodes of an epic in id order.
func (n *EpicNode) OrderedStories() []*StoryNode {
	out := make([]*StoryNode, 0, len(n.Stories))
	for _, s := range n.Stories {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return domain.CompareIDs(out[i].Story.ID, out[j].Story.ID) < 0 })
	return out
}

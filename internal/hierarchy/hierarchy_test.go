package hierarchy

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyline/internal/domain"
)

func TestBuildScenarioA(t *testing.T) {
	t.Parallel()

	tasks := []domain.Task{
		{ID: "t1", StoryID: "1.1", Status: domain.TaskCompleted},
		{ID: "t2", StoryID: "1.1", Status: domain.TaskPending},
	}
	stories := []domain.Story{{ID: "1.1", EpicID: "1"}}
	epics := []domain.Epic{{ID: "1", Title: "Core"}}

	tree := Build(tasks, stories, epics)
	require.Contains(t, tree.Nodes, "1")
	epic := tree.Nodes["1"]
	require.Contains(t, epic.Stories, "1.1")

	want := Metrics{TaskCount: 2, CompletedTasks: 1, CompletionRate: 50}
	if diff := cmp.Diff(want, epic.Stories["1.1"].Metrics); diff != "" {
		t.Fatalf("story metrics mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want, epic.Metrics); diff != "" {
		t.Fatalf("epic metrics mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, Overall{
		TotalEpics: 1, TotalStories: 1, TotalTasks: 2, CompletedTasks: 1,
		CompletionRate: 50, TasksInTree: 2,
	}, tree.Overall)
}

func TestBuildCreatesPlaceholderEpics(t *testing.T) {
	t.Parallel()

	stories := []domain.Story{
		{ID: "2.1", EpicID: "2"},
		{ID: "7", EpicID: ""},
	}
	tree := Build(nil, stories, nil)

	require.Len(t, tree.Epics, 2)
	assert.Equal(t, "2", tree.Epics[0].ID)
	assert.Equal(t, "Epic 2", tree.Epics[0].Title)
	assert.True(t, tree.Epics[0].Placeholder)
	assert.Equal(t, domain.StatusUnknown, tree.Epics[0].Status)
	assert.Equal(t, UnassignedEpicID, tree.Epics[1].ID)
	assert.Contains(t, tree.Nodes[UnassignedEpicID].Stories, "7")
	assert.Equal(t, 0, tree.Nodes["2"].Metrics.CompletionRate)
}

func TestBuildKeepsUnknownStoryTasksOutsideTree(t *testing.T) {
	t.Parallel()

	tasks := []domain.Task{
		{ID: "t1", StoryID: "1.1", Status: domain.TaskCompleted},
		{ID: "t2", StoryID: "9.9", Status: domain.TaskCompleted},
		{ID: "t3", Status: domain.TaskPending},
	}
	tree := Build(tasks, []domain.Story{{ID: "1.1", EpicID: "1"}}, []domain.Epic{{ID: "1"}})

	assert.Equal(t, 3, tree.Overall.TotalTasks)
	assert.Equal(t, 2, tree.Overall.CompletedTasks)
	assert.Equal(t, 67, tree.Overall.CompletionRate)
	assert.Equal(t, 1, tree.Overall.TasksInTree)
	assert.Equal(t, 2, tree.Overall.TasksOutsideTree)
	assert.Equal(t, 1, tree.Nodes["1"].Metrics.TaskCount)
}

func TestBuildEmpty(t *testing.T) {
	t.Parallel()

	tree := Build(nil, nil, nil)
	assert.Empty(t, tree.Epics)
	assert.NotNil(t, tree.Epics)
	assert.Empty(t, tree.Nodes)
	assert.Equal(t, Overall{}, tree.Overall)
}

func TestBuildDoesNotMutateInputs(t *testing.T) {
	t.Parallel()

	stories := []domain.Story{{ID: "3.1", EpicID: "3"}}
	epics := []domain.Epic{{ID: "1"}}
	Build([]domain.Task{{ID: "t1", StoryID: "3.1"}}, stories, epics)
	assert.Len(t, epics, 1)
	assert.Equal(t, []domain.Story{{ID: "3.1", EpicID: "3"}}, stories)
}

func TestBuildEpicCountsAreSumOfStories(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(11))
	statuses := []string{domain.TaskPending, domain.TaskInProgress, domain.TaskCompleted}
	for round := 0; round < 40; round++ {
		var stories []domain.Story
		nEpics := 1 + rng.Intn(4)
		for e := 1; e <= nEpics; e++ {
			nStories := rng.Intn(4)
			for s := 1; s <= nStories; s++ {
				stories = append(stories, domain.Story{ID: fmt.Sprintf("%d.%d", e, s), EpicID: fmt.Sprint(e)})
			}
		}
		var tasks []domain.Task
		nTasks := rng.Intn(30)
		for i := 0; i < nTasks; i++ {
			ref := fmt.Sprintf("%d.%d", 1+rng.Intn(nEpics), 1+rng.Intn(4))
			tasks = append(tasks, domain.Task{ID: fmt.Sprint(i), StoryID: ref, Status: statuses[rng.Intn(3)]})
		}

		tree := Build(tasks, stories, []domain.Epic{{ID: "1"}})
		inTree := 0
		for id, epic := range tree.Nodes {
			sumTasks, sumDone := 0, 0
			for _, s := range epic.Stories {
				sumTasks += s.Metrics.TaskCount
				sumDone += s.Metrics.CompletedTasks
				require.Equal(t, len(s.Tasks), s.Metrics.TaskCount)
				require.GreaterOrEqual(t, s.Metrics.CompletionRate, 0)
				require.LessOrEqual(t, s.Metrics.CompletionRate, 100)
			}
			require.Equal(t, sumTasks, epic.Metrics.TaskCount, "epic %s round %d", id, round)
			require.Equal(t, sumDone, epic.Metrics.CompletedTasks, "epic %s round %d", id, round)
			require.Equal(t, domain.Percent(sumDone, sumTasks), epic.Metrics.CompletionRate)
			inTree += sumTasks
		}
		require.Equal(t, inTree, tree.Overall.TasksInTree)
		require.Equal(t, len(tasks), tree.Overall.TasksInTree+tree.Overall.TasksOutsideTree)
	}
}

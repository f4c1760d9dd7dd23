package main

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/jedib0t/go-pretty/v6/list"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"storyline/internal/engine"
	"storyline/internal/hierarchy"
	"storyline/internal/repo"
)

func hierarchyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hierarchy",
		Short: "Show the epic, story and task tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				view, err := e.GetHierarchy(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(view)
				}
				if view.Message != "" {
					fmt.Println(view.Message)
				}
				fmt.Println(renderTree(view.Tree()))
				m := view.Metrics
				fmt.Printf("\n%d epics, %d stories, %d/%d tasks complete (%d%%); %d tasks outside the tree\n",
					m.TotalEpics, m.TotalStories, m.CompletedTasks, m.TotalTasks, m.CompletionRate, m.TasksOutsideTree)
				return nil
			})
		},
	}
}

func renderTree(tree hierarchy.Tree) string {
	lw := list.NewWriter()
	lw.SetStyle(list.StyleConnectedRounded)
	for _, epic := range tree.Ordered() {
		label := fmt.Sprintf("Epic %s: %s [%s] %d%% (%d/%d)", epic.Epic.ID, epic.Epic.Title, epic.Epic.Status,
			epic.Metrics.CompletionRate, epic.Metrics.CompletedTasks, epic.Metrics.TaskCount)
		if epic.Epic.Placeholder {
			label += " (no document)"
		}
		lw.AppendItem(label)
		lw.Indent()
		for _, story := range epic.OrderedStories() {
			lw.AppendItem(fmt.Sprintf("Story %s: %s [%s] %d%% (%d/%d)", story.Story.ID, story.Story.Title, story.Story.Status,
				story.Metrics.CompletionRate, story.Metrics.CompletedTasks, story.Metrics.TaskCount))
			lw.Indent()
			for _, t := range story.Tasks {
				lw.AppendItem(fmt.Sprintf("%s %s [%s]", t.ID, t.Name, t.Status))
			}
			lw.UnIndent()
		}
		lw.UnIndent()
	}
	return lw.Render()
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Report task to story link health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				report, err := e.GetValidationReport(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				s := report.Summary
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Metric", "Value"})
				tw.AppendRows([]table.Row{
					{"Tasks", s.TotalTasks},
					{"Stories", s.TotalStories},
					{"Linked tasks", s.LinkedTasks},
					{"Unlinked tasks", s.UnlinkedTasks},
					{"Broken links", s.BrokenLinks},
					{"Orphaned stories", s.OrphanedStories},
					{"Health score", fmt.Sprintf("%d%%", s.HealthScore)},
				})
				tw.Render()

				if len(report.TaskAnalysis.BrokenLinks) > 0 {
					bw := table.NewWriter()
					bw.SetOutputMirror(os.Stdout)
					bw.SetTitle("Broken links")
					bw.AppendHeader(table.Row{"Task", "Missing story"})
					for _, b := range report.TaskAnalysis.BrokenLinks {
						bw.AppendRow(table.Row{b.TaskID, b.StoryID})
					}
					bw.Render()
				}

				rw := table.NewWriter()
				rw.SetOutputMirror(os.Stdout)
				rw.SetTitle("Recommendations")
				rw.AppendHeader(table.Row{"Priority", "Type", "Message"})
				for _, r := range report.Recommendations {
					rw.AppendRow(table.Row{r.Priority, r.Type, r.Message})
				}
				rw.Render()
				return nil
			})
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show dashboard statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				stats, err := e.GetDashboardStats(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stats)
				}
				ts := stats.TaskStats
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.SetTitle("Tasks")
				tw.AppendHeader(table.Row{"Total", "Pending", "In progress", "Completed", "Completion", "With story", "Without story"})
				tw.AppendRow(table.Row{ts.Total, ts.Pending, ts.InProgress, ts.Completed, fmt.Sprintf("%d%%", ts.CompletionRate), ts.WithStory, ts.WithoutStory})
				tw.Render()

				ss := stats.StoryStats
				sw := table.NewWriter()
				sw.SetOutputMirror(os.Stdout)
				sw.SetTitle("Stories")
				sw.AppendHeader(table.Row{"Total", "With tasks", "Orphaned", "Verified"})
				sw.AppendRow(table.Row{ss.Total, ss.WithTasks, ss.Orphaned, ss.Verified})
				sw.Render()

				ew := table.NewWriter()
				ew.SetOutputMirror(os.Stdout)
				ew.SetTitle("Epics")
				ew.AppendHeader(table.Row{"Epic", "Title", "Tasks", "Completed", "Completion"})
				ids := make([]string, 0, len(stats.EpicStats.CompletionByEpic))
				for id := range stats.EpicStats.CompletionByEpic {
					ids = append(ids, id)
				}
				sort.Strings(ids)
				for _, id := range ids {
					c := stats.EpicStats.CompletionByEpic[id]
					ew.AppendRow(table.Row{id, c.Title, c.TaskCount, c.CompletedTasks, fmt.Sprintf("%d%%", c.CompletionRate)})
				}
				ew.Render()

				aw := table.NewWriter()
				aw.SetOutputMirror(os.Stdout)
				aw.SetTitle("Agents")
				aw.AppendHeader(table.Row{"Agent", "Total", "Pending", "In progress", "Completed", "Completion"})
				for _, name := range engine.AgentNames(stats.AgentStats) {
					a := stats.AgentStats[name]
					aw.AppendRow(table.Row{name, a.Total, a.Pending, a.InProgress, a.Completed, fmt.Sprintf("%d%%", a.CompletionRate)})
				}
				aw.Render()
				return nil
			})
		},
	}
}

func linkCmd() *cobra.Command {
	var unlink bool
	cmd := &cobra.Command{
		Use:   "link <task-id> [story-id]",
		Short: "Link a task to a story",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			storyID := ""
			if len(args) == 2 {
				storyID = args[1]
			}
			if storyID == "" && !unlink {
				return fmt.Errorf("story id is required; use --unlink to clear the link")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				res, err := e.LinkTask(ctx, projectID, args[0], storyID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				switch {
				case res.StoryID == "":
					fmt.Printf("Unlinked task %s (was %s)\n", res.TaskID, res.PreviousStoryID)
				case res.PreviousStoryID != "":
					fmt.Printf("Linked task %s to story %s (was %s)\n", res.TaskID, res.StoryID, res.PreviousStoryID)
				default:
					fmt.Printf("Linked task %s to story %s\n", res.TaskID, res.StoryID)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&unlink, "unlink", false, "clear the task's story link")
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Registered projects, task links, cache clears and watcher updates, newest first.",
	}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				f.ProjectID = projectID
				f.Limit = n
				events, err := e.ListEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Entity", "Actor", "Payload"})
				for _, ev := range events {
					entity := ev.EntityKind
					if ev.EntityID != "" {
						entity += ":" + ev.EntityID
					}
					tw.AppendRow(table.Row{ev.ID, ev.TS, ev.Type, entity, ev.ActorID, ev.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

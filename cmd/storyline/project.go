package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/natefinch/atomic"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"storyline/internal/app"
	"storyline/internal/config"
	"storyline/internal/domain"
	"storyline/internal/engine"
	"storyline/internal/repo"
)

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectAddCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectUseCmd())
	prj.AddCommand(projectRemoveCmd())
	return prj
}

func projectAddCmd() *cobra.Command {
	var root, desc string
	cmd := &cobra.Command{
		Use:   "add <id>",
		Short: "Register a project root",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if root == "" {
				root = "."
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				e := engine.New(r.DB, nil)
				p, err := e.AddProject(ctx, args[0], root, desc, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				fmt.Printf("Registered project %s at %s\n", p.ID, p.Root)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&root, "root", ".", "project root directory")
	cmd.Flags().StringVar(&desc, "description", "", "project description")
	return cmd
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				renderProjects(items)
				return nil
			})
		},
	}
}

func renderProjects(items []domain.Project) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Root", "Description", "Created"})
	for _, p := range items {
		tw.AppendRow(table.Row{p.ID, p.Root, p.Description, p.CreatedAt})
	}
	tw.Render()
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [id]",
		Short: "Show a project",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				override := viper.GetString("project")
				if len(args) == 1 {
					override = args[0]
				}
				id, err := app.ResolveProject(ctx, override, r)
				if err != nil {
					return err
				}
				p, err := r.GetProject(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				renderProjects([]domain.Project{p})
				return nil
			})
		},
	}
}

func projectUseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use <id>",
		Short: "Set current project for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := strings.TrimSpace(args[0])
			if projectID == "" {
				return fmt.Errorf("project id is required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if _, err := r.GetProject(ctx, projectID); err != nil {
					return err
				}
				workspace := viper.GetString("workspace")
				if err := setEnvValue(filepath.Join(workspace, ".env"), app.DefaultProjectEnv, projectID); err != nil {
					return err
				}
				fmt.Printf("Set %s=%s in %s/.env\n", app.DefaultProjectEnv, projectID, workspace)
				return nil
			})
		},
	}
}

func projectRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Unregister a project; its files are left untouched",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.DeleteProject(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Removed project %s\n", args[0])
				return nil
			})
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage storyline.yml"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default storyline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := atomic.WriteFile(path, strings.NewReader(config.GenerateDefault())); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

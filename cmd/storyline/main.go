package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"storyline/internal/app"
	"storyline/internal/config"
	"storyline/internal/db"
	"storyline/internal/engine"
	"storyline/internal/logging"
	"storyline/internal/migrate"
	"storyline/internal/repo"
)

var rootCmd = &cobra.Command{
	Use:   "storyline",
	Short: "Storyline CLI",
	Long: `Storyline joins a project's task list with its markdown epics and stories.
- Workspace: the .storyline directory holding the project registry and event log.
- Project: a registered root directory containing docs/epics, docs/stories and a task store.
- Hierarchy: epics contain stories, stories contain tasks, each level with completion metrics.
- Validation: how well tasks are linked to stories, with a health score and recommendations.
- Watch: live pushes whenever the task store changes.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logging.Init(viper.GetBool("debug"))
		workspace := viper.GetString("workspace")
		if err := loadDotEnv(workspace); err != nil {
			return err
		}
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func init() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("STORYLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides "+app.DefaultProjectEnv+")")
	rootCmd.PersistentFlags().String("server", "http://127.0.0.1:8080/v0", "API base URL for commands that talk to a running server")
	rootCmd.PersistentFlags().String("token", "", "bearer token for the running server")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
	_ = viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
	_ = viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(hierarchyCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(linkCmd())
	rootCmd.AddCommand(cacheCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(authCmd())
}

// loadDotEnv reads <workspace>/.env without overriding variables already set.
func loadDotEnv(workspace string) error {
	path := filepath.Join(workspace, ".env")
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// setEnvValue upserts key in the dotenv file at path.
func setEnvValue(path, key, value string) error {
	values := map[string]string{}
	if _, err := os.Stat(path); err == nil {
		existing, err := godotenv.Read(path)
		if err != nil {
			return err
		}
		values = existing
	} else if !os.IsNotExist(err) {
		return err
	}
	values[key] = value
	return godotenv.Write(values, path)
}

// --- helpers ---

func openDB(workspace string) (*repo.Repo, func(), error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, nil, err
	}
	return &repo.Repo{DB: conn}, func() { conn.Close() }, nil
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine, string) error) error {
	workspace := viper.GetString("workspace")
	r, closeDB, err := openDB(workspace)
	if err != nil {
		return err
	}
	defer closeDB()
	projectID, cfg, err := app.ResolveProjectAndConfig(ctx, workspace, viper.GetString("project"), *r)
	if err != nil {
		return err
	}
	return fn(ctx, engine.New(r.DB, cfg), projectID)
}

// withWorkspaceEngine builds an engine over every registered project, for
// commands such as serve that do not act on a single one.
func withWorkspaceEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	r, closeDB, err := openDB(workspace)
	if err != nil {
		return err
	}
	defer closeDB()
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	return fn(ctx, engine.New(r.DB, cfg))
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	r, closeDB, err := openDB(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer closeDB()
	return fn(ctx, *r)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

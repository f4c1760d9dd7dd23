package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"storyline/internal/config"
	"storyline/internal/repo"
)

// DefaultProjectEnv names the environment variable consulted when no project
// is given explicitly.
const DefaultProjectEnv = "STORYLINE_DEFAULT_PROJECT"

// ErrNoProject is returned when no project can be inferred.
var ErrNoProject = errors.New("project not specified; use --project")

// ResolveProject picks the active project: the override, then the
// environment default, then the only registered project.
func ResolveProject(ctx context.Context, projectOverride string, r repo.Repo) (string, error) {
	projectID := strings.TrimSpace(projectOverride)
	if projectID == "" {
		projectID = strings.TrimSpace(os.Getenv(DefaultProjectEnv))
	}
	if projectID != "" {
		if _, err := r.GetProject(ctx, projectID); err != nil {
			return "", err
		}
		return projectID, nil
	}
	p, err := r.SingleProject(ctx)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return "", ErrNoProject
		}
		return "", err
	}
	return p.ID, nil
}

// ResolveProjectAndConfig resolves the active project and loads the workspace
// config, falling back to defaults when storyline.yml is absent.
func ResolveProjectAndConfig(ctx context.Context, workspace, projectOverride string, r repo.Repo) (string, *config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return "", nil, fmt.Errorf("load config: %w", err)
	}
	projectID, err := ResolveProject(ctx, projectOverride, r)
	if err != nil {
		return "", nil, err
	}
	return projectID, cfg, nil
}

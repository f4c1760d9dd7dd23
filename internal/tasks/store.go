// Package tasks persists a project's task records as one JSON document.
package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"
	"github.com/rs/zerolog/log"

	"storyline/internal/domain"
)

// ErrStoreUnavailable wraps failures to read or decode an existing task store.
var ErrStoreUnavailable = errors.New("task store unavailable")

// Snapshot is the result of a full read. Message is set when the store does not
// exist yet, which is a normal first-run state rather than a failure.
type Snapshot struct {
	Tasks   []domain.Task `json:"tasks"`
	Message string        `json:"message,omitempty"`
}

// Repository reads and replaces the complete task list of a project.
type Repository interface {
	ReadAll(ctx context.Context, projectID string) (Snapshot, error)
	WriteAll(ctx context.Context, projectID string, tasks []domain.Task) error
	Path(ctx context.Context, projectID string) (string, error)
}

// Resolver maps a project id to the file holding its tasks.
type Resolver func(ctx context.Context, projectID string) (string, error)

// FileStore is a Repository backed by a JSON file per project.
type FileStore struct {
	Resolve Resolver
}

func NewFileStore(resolve Resolver) FileStore {
	return FileStore{Resolve: resolve}
}

type document struct {
	Tasks []domain.Task `json:"tasks"`
}

func (s FileStore) Path(ctx context.Context, projectID string) (string, error) {
	if s.Resolve == nil {
		return "", errors.New("task store resolver not configured")
	}
	return s.Resolve(ctx, projectID)
}

func (s FileStore) ReadAll(ctx context.Context, projectID string) (Snapshot, error) {
	path, err := s.Path(ctx, projectID)
	if err != nil {
		return Snapshot{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Snapshot{
				Tasks:   []domain.Task{},
				Message: fmt.Sprintf("no tasks recorded for project %s yet (%s does not exist)", projectID, path),
			}, nil
		}
		return Snapshot{}, fmt.Errorf("%w: read %s: %v", ErrStoreUnavailable, path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return Snapshot{Tasks: []domain.Task{}}, nil
	}
	tasks, err := decode(data)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: decode %s: %v", ErrStoreUnavailable, path, err)
	}
	return Snapshot{Tasks: tasks}, nil
}

// decode accepts both {"tasks":[...]} and a bare array.
func decode(data []byte) ([]domain.Task, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var list []domain.Task
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, err
		}
		return nonNil(list), nil
	}
	var doc document
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return nil, err
	}
	return nonNil(doc.Tasks), nil
}

func nonNil(list []domain.Task) []domain.Task {
	if list == nil {
		return []domain.Task{}
	}
	return list
}

// WriteAll replaces the store atomically so watchers never observe a torn file.
func (s FileStore) WriteAll(ctx context.Context, projectID string, tasks []domain.Task) error {
	path, err := s.Path(ctx, projectID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create task store dir: %w", err)
	}
	data, err := json.MarshalIndent(document{Tasks: nonNil(tasks)}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal tasks: %w", err)
	}
	data = append(data, '\n')
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write task store %s: %w", path, err)
	}
	log.Debug().Str("project_id", projectID).Str("path", path).Int("tasks", len(tasks)).Msg("task store written")
	return nil
}

// Find returns the index of the task with id, or -1.
func Find(list []domain.Task, id string) int {
	for i, t := range list {
		if t.ID == id {
			return i
		}
	}
	return -1
}

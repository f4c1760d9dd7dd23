package server

import (
	"encoding/json"

	"storyline/internal/domain"
)

// Request payloads

type CreateProjectRequest struct {
	ID          string  `json:"id" minLength:"1"`
	Root        string  `json:"root" minLength:"1"`
	Description *string `json:"description,omitempty"`
}

type LinkTaskRequest struct {
	StoryID string `json:"story_id" doc:"Story to link; empty unlinks the task"`
}

type ClearCacheRequest struct {
	ProjectID string `json:"project_id,omitempty"`
	ViewType  string `json:"view_type,omitempty"`
	All       bool   `json:"all,omitempty"`
}

// Response payloads

type ProjectResponse struct {
	ID          string `json:"id"`
	Root        string `json:"root"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type ClearCacheResponse struct {
	Removed int `json:"removed"`
}

type WatchStatusResponse struct {
	ProjectID   string `json:"project_id"`
	State       string `json:"state" enum:"idle,watching,notifying"`
	Subscribers int    `json:"subscribers"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse(p)
}

func mapProjects(items []domain.Project) []ProjectResponse {
	res := make([]ProjectResponse, 0, len(items))
	for _, p := range items {
		res = append(res, projectResponse(p))
	}
	return res
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil
	}
	return obj
}

package watch

import (
	"encoding/json"
	"time"

	"storyline/internal/domain"
)

const (
	EventConnected    = "connected"
	EventTasksUpdated = "tasks_updated"
	EventHeartbeat    = "heartbeat"
	EventError        = "error"
)

// Event is a push payload delivered to subscribers.
type Event struct {
	Type      string
	ProjectID string
	Tasks     []domain.Task
	Error     string
	Timestamp time.Time
}

// MarshalJSON emits exactly the fields of each variant.
func (e Event) MarshalJSON() ([]byte, error) {
	ts := e.Timestamp.UTC().Format(time.RFC3339Nano)
	switch e.Type {
	case EventHeartbeat:
		return json.Marshal(struct {
			Type      string `json:"type"`
			Timestamp string `json:"timestamp"`
		}{e.Type, ts})
	case EventTasksUpdated:
		tasks := e.Tasks
		if tasks == nil {
			tasks = []domain.Task{}
		}
		return json.Marshal(struct {
			Type      string        `json:"type"`
			ProjectID string        `json:"projectId"`
			Tasks     []domain.Task `json:"tasks"`
			Timestamp string        `json:"timestamp"`
		}{e.Type, e.ProjectID, tasks, ts})
	case EventError:
		return json.Marshal(struct {
			Type      string `json:"type"`
			ProjectID string `json:"projectId"`
			Error     string `json:"error"`
			Timestamp string `json:"timestamp"`
		}{e.Type, e.ProjectID, e.Error, ts})
	default:
		return json.Marshal(struct {
			Type      string `json:"type"`
			ProjectID string `json:"projectId"`
			Timestamp string `json:"timestamp"`
		}{e.Type, e.ProjectID, ts})
	}
}

// Channel is a live delivery path to one client. A Send error removes the
// channel from the hub.
type Channel interface {
	Send(Event) error
}

// ChannelFunc adapts a function to Channel.
type ChannelFunc func(Event) error

func (f ChannelFunc) Send(e Event) error { return f(e) }

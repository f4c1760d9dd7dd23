package domain

const (
	TaskPending    = "pending"
	TaskInProgress = "in_progress"
	TaskCompleted  = "completed"

	StatusUnknown = "Unknown"
)

type Project struct {
	ID          string `json:"id"`
	Root        string `json:"root"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Task struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Status      string  `json:"status" enum:"pending,in_progress,completed"`
	StoryID     string  `json:"storyId,omitempty"`
	Agent       string  `json:"agent,omitempty"`
	Priority    string  `json:"priority,omitempty"`
	CreatedAt   string  `json:"createdAt,omitempty" format:"date-time"`
	UpdatedAt   string  `json:"updatedAt,omitempty" format:"date-time"`
	CompletedAt *string `json:"completedAt,omitempty" format:"date-time"`
}

func (t Task) Completed() bool { return t.Status == TaskCompleted }

type Story struct {
	ID                 string   `json:"id"`
	EpicID             string   `json:"epicId,omitempty"`
	Title              string   `json:"title"`
	Description        string   `json:"description,omitempty"`
	Status             string   `json:"status"`
	Verified           bool     `json:"verified"`
	VerificationStatus string   `json:"verificationStatus"`
	AcceptanceCriteria []string `json:"acceptanceCriteria"`
	File               string   `json:"file,omitempty"`
}

type Epic struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status"`
	Priority    string `json:"priority"`
	Placeholder bool   `json:"placeholder,omitempty"`
	File        string `json:"file,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

package storylinesdk

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Storyline HTTP API client. BaseURL includes the API
// base path, e.g. http://127.0.0.1:8080/v0.
type Client struct {
	BaseURL     string
	ProjectID   string
	BearerToken string
	ActorID     string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Project represents a registered project.
type Project struct {
	ID          string `json:"id"`
	Root        string `json:"root"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at"`
}

// Task represents the task model (partial).
type Task struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Status  string `json:"status"`
	StoryID string `json:"storyId,omitempty"`
	Agent   string `json:"agent,omitempty"`
}

// LinkResult reports a task link change.
type LinkResult struct {
	Success         bool   `json:"success"`
	TaskID          string `json:"taskId"`
	StoryID         string `json:"storyId,omitempty"`
	PreviousStoryID string `json:"previousStoryId,omitempty"`
}

// ValidationSummary is the headline of a validation report.
type ValidationSummary struct {
	TotalTasks      int `json:"totalTasks"`
	TotalStories    int `json:"totalStories"`
	LinkedTasks     int `json:"linkedTasks"`
	UnlinkedTasks   int `json:"unlinkedTasks"`
	BrokenLinks     int `json:"brokenLinks"`
	OrphanedStories int `json:"orphanedStories"`
	HealthScore     int `json:"healthScore"`
}

// Recommendation is one suggested fix from a validation report.
type Recommendation struct {
	Priority string `json:"priority"`
	Type     string `json:"type"`
	Message  string `json:"message"`
	Count    int    `json:"count,omitempty"`
}

// ValidationReport represents the validation view (partial).
type ValidationReport struct {
	ProjectID       string            `json:"projectId"`
	Summary         ValidationSummary `json:"summary"`
	Recommendations []Recommendation  `json:"recommendations"`
}

// CacheCounts splits entries by freshness.
type CacheCounts struct {
	Fresh   int `json:"fresh"`
	Expired int `json:"expired"`
}

// CacheStatus represents the cache occupancy report.
type CacheStatus struct {
	Total       int                    `json:"total"`
	Fresh       int                    `json:"fresh"`
	Expired     int                    `json:"expired"`
	ByView      map[string]CacheCounts `json:"byView"`
	ByProject   map[string]CacheCounts `json:"byProject"`
	OldestAgeMs int64                  `json:"oldestAgeMs"`
	NewestAgeMs int64                  `json:"newestAgeMs"`
	Keys        []string               `json:"keys"`
}

// ClearCacheOptions selects entries to drop; empty options clear everything.
type ClearCacheOptions struct {
	ProjectID string `json:"project_id,omitempty"`
	ViewType  string `json:"view_type,omitempty"`
	All       bool   `json:"all,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// Push is a live notification read from the project stream.
type Push struct {
	Type      string    `json:"type"`
	ProjectID string    `json:"projectId,omitempty"`
	Tasks     []Task    `json:"tasks,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Projects lists registered projects.
func (c *Client) Projects(ctx context.Context) ([]Project, error) {
	var resp []Project
	err := c.do(ctx, http.MethodGet, "projects", nil, &resp)
	return resp, err
}

// Validation returns the project's validation report.
func (c *Client) Validation(ctx context.Context) (ValidationReport, error) {
	var resp ValidationReport
	err := c.do(ctx, http.MethodGet, c.projectPath("validation"), nil, &resp)
	return resp, err
}

// LinkTask points a task at a story; an empty storyID unlinks it.
func (c *Client) LinkTask(ctx context.Context, taskID, storyID string) (LinkResult, error) {
	var resp LinkResult
	endpoint := c.projectPath(fmt.Sprintf("tasks/%s/story", url.PathEscape(taskID)))
	err := c.do(ctx, http.MethodPut, endpoint, map[string]any{"story_id": storyID}, &resp)
	return resp, err
}

// ClearCache drops cached views and returns how many entries were removed.
func (c *Client) ClearCache(ctx context.Context, opts ClearCacheOptions) (int, error) {
	var resp struct {
		Removed int `json:"removed"`
	}
	err := c.do(ctx, http.MethodPost, "cache/clear", opts, &resp)
	return resp.Removed, err
}

// CacheStatus returns cache occupancy.
func (c *Client) CacheStatus(ctx context.Context) (CacheStatus, error) {
	var resp CacheStatus
	err := c.do(ctx, http.MethodGet, "cache/status", nil, &resp)
	return resp, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := c.projectPath("events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Stream follows the project's live pushes, calling fn for each one until ctx
// is done, the server closes the stream, or fn returns an error.
func (c *Client) Stream(ctx context.Context, fn func(Push) error) error {
	req, err := c.newRequest(ctx, http.MethodGet, c.projectPath("stream"), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	// The stream outlives any request timeout.
	client := &http.Client{Transport: c.httpClient().Transport}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return apiError(resp)
	}
	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		data, ok := strings.CutPrefix(strings.TrimRight(line, "\r\n"), "data: ")
		if !ok {
			continue
		}
		var push Push
		if err := json.Unmarshal([]byte(data), &push); err != nil {
			return fmt.Errorf("decode push: %w", err)
		}
		if err := fn(push); err != nil {
			return err
		}
	}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	return c.HTTPClient
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body any) (*http.Request, error) {
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	if c.ActorID != "" {
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	req, err := c.newRequest(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return apiError(resp)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func apiError(resp *http.Response) error {
	b, _ := io.ReadAll(resp.Body)
	apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(b, &env) == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
	}
	return apiErr
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

package tracklinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Trackline HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	APIKey      string
	BearerToken string
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

// Task represents the API task model (partial).
type Task struct {
	ID        string   `json:"id"`
	Code      string   `json:"code"`
	ProjectID string   `json:"project_id"`
	SprintID  *string  `json:"sprint_id,omitempty"`
	ParentID  *string  `json:"parent_id,omitempty"`
	Title     string   `json:"title"`
	Type      string   `json:"type"`
	Status    string   `json:"status"`
	Priority  string   `json:"priority"`
	Tags      []string `json:"tags"`
}

// Activity represents an audit trail entry on a task.
type Activity struct {
	ID      string  `json:"id"`
	TaskID  string  `json:"task_id"`
	Author  string  `json:"author_id"`
	Status  *string `json:"status,omitempty"`
	Type    *string `json:"type,omitempty"`
	Comment string  `json:"comment,omitempty"`
	Updated string  `json:"updated"`
}

// TaskFull bundles a task with its history and timing metrics.
type TaskFull struct {
	Task            Task       `json:"task"`
	Activities      []Activity `json:"activities"`
	DevelopmentTime *int64     `json:"development_time_minutes,omitempty"`
	ReviewTime      *int64     `json:"review_time_minutes,omitempty"`
}

// Timing carries development and review durations in whole minutes.
type Timing struct {
	TaskID          string `json:"task_id"`
	DevelopmentTime *int64 `json:"development_time_minutes,omitempty"`
	ReviewTime      *int64 `json:"review_time_minutes,omitempty"`
}

// Assignment represents a time-ranged role binding on a task.
type Assignment struct {
	ID         string  `json:"id"`
	ObjectID   string  `json:"object_id"`
	ObjectType string  `json:"object_type"`
	UserID     string  `json:"user_id"`
	UserType   string  `json:"user_type"`
	Startpoint string  `json:"startpoint"`
	Endpoint   *string `json:"endpoint,omitempty"`
	Active     bool    `json:"active"`
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

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateTask creates a task.
func (c *Client) CreateTask(ctx context.Context, title, taskType string) (Task, error) {
	body := map[string]any{
		"title": title,
		"type":  taskType,
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, c.projectPath("tasks"), body, &resp)
	return resp, err
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, c.projectPath("tasks/"+url.PathEscape(id)), nil, &resp)
	return resp, err
}

// GetTaskFull fetches a task with its activity history and timing metrics.
func (c *Client) GetTaskFull(ctx context.Context, id string) (TaskFull, error) {
	var resp TaskFull
	err := c.do(ctx, http.MethodGet, c.projectPath(fmt.Sprintf("tasks/%s/full", url.PathEscape(id))), nil, &resp)
	return resp, err
}

// ListTasks returns tasks, optionally filtered by status.
func (c *Client) ListTasks(ctx context.Context, status string) ([]Task, error) {
	var resp struct {
		Items []Task `json:"items"`
	}
	endpoint := c.projectPath("tasks")
	if status != "" {
		endpoint = fmt.Sprintf("%s?status=%s", endpoint, url.QueryEscape(status))
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// ChangeStatus requests a workflow transition.
func (c *Client) ChangeStatus(ctx context.Context, taskID, status string) (Task, error) {
	var resp Task
	endpoint := c.projectPath(fmt.Sprintf("tasks/%s/status", url.PathEscape(taskID)))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"status": status}, &resp)
	return resp, err
}

// ChangeSprint moves a task and its subtree into a sprint. A nil sprintID clears it.
func (c *Client) ChangeSprint(ctx context.Context, taskID string, sprintID *string) (Task, error) {
	var resp Task
	endpoint := c.projectPath(fmt.Sprintf("tasks/%s/sprint", url.PathEscape(taskID)))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"sprint_id": sprintID}, &resp)
	return resp, err
}

// AddActivity appends an activity to a task's trail.
func (c *Client) AddActivity(ctx context.Context, taskID string, status, typeCode *string, comment string) (Activity, error) {
	body := map[string]any{"comment": comment}
	if status != nil {
		body["status"] = *status
	}
	if typeCode != nil {
		body["type"] = *typeCode
	}
	var resp Activity
	endpoint := c.projectPath(fmt.Sprintf("tasks/%s/activities", url.PathEscape(taskID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// ListActivities returns a task's activities, newest first.
func (c *Client) ListActivities(ctx context.Context, taskID string) ([]Activity, error) {
	var resp []Activity
	endpoint := c.projectPath(fmt.Sprintf("tasks/%s/activities", url.PathEscape(taskID)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Timing returns development and review durations for a task.
func (c *Client) Timing(ctx context.Context, taskID string) (Timing, error) {
	var resp Timing
	endpoint := c.projectPath(fmt.Sprintf("tasks/%s/timing", url.PathEscape(taskID)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Assign binds a user to a task in the given role.
func (c *Client) Assign(ctx context.Context, taskID, userID, userType string) (Assignment, error) {
	body := map[string]any{"user_id": userID, "user_type": userType}
	var resp Assignment
	endpoint := c.projectPath(fmt.Sprintf("tasks/%s/assign", url.PathEscape(taskID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Unassign ends an active role binding.
func (c *Client) Unassign(ctx context.Context, taskID, userID, userType string) error {
	body := map[string]any{"user_id": userID, "user_type": userType}
	endpoint := c.projectPath(fmt.Sprintf("tasks/%s/unassign", url.PathEscape(taskID)))
	return c.do(ctx, http.MethodPost, endpoint, body, nil)
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	var resp []Event
	endpoint := c.projectPath("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

package server

import (
	"encoding/json"

	"trackline/internal/config"
	"trackline/internal/domain"
	"trackline/internal/engine"
)

// Request payloads

type CreateProjectRequest struct {
	ID          string  `json:"id"`
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
}

type CreateSprintRequest struct {
	ID     *string `json:"id,omitempty"`
	Code   *string `json:"code,omitempty"`
	Status *string `json:"status,omitempty" enum:"planning,active,finished"`
}

type SetSprintStatusRequest struct {
	Status string `json:"status" enum:"planning,active,finished"`
}

type CreateTaskRequest struct {
	ID          *string  `json:"id,omitempty"`
	Code        *string  `json:"code,omitempty"`
	SprintID    *string  `json:"sprint_id,omitempty"`
	ParentID    *string  `json:"parent_id,omitempty"`
	Type        string   `json:"type,omitempty" enum:"task,story,bug,epic"`
	Status      *string  `json:"status,omitempty"`
	Priority    *string  `json:"priority,omitempty" enum:"critical,high,normal,low,neutral"`
	Title       string   `json:"title"`
	Description *string  `json:"description,omitempty"`
	Estimate    *int     `json:"estimate,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

type UpdateTaskRequest struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Priority    *string `json:"priority,omitempty" enum:"critical,high,normal,low,neutral"`
	Estimate    *int    `json:"estimate,omitempty"`
	Type        *string `json:"type,omitempty" enum:"task,story,bug,epic"`
	Status      *string `json:"status,omitempty"`
}

type ChangeStatusRequest struct {
	Status string `json:"status"`
}

type ChangeSprintRequest struct {
	SprintID *string `json:"sprint_id"`
}

type AssignRequest struct {
	UserID   string `json:"user_id"`
	UserType string `json:"user_type"`
}

type SetTagsRequest struct {
	Tags []string `json:"tags"`
}

type TagRequest struct {
	Tag string `json:"tag"`
}

type CreateActivityRequest struct {
	ID      *string `json:"id,omitempty"`
	Status  *string `json:"status,omitempty"`
	Type    *string `json:"type,omitempty" enum:"task,story,bug,epic"`
	Comment *string `json:"comment,omitempty"`
}

type UpdateActivityRequest struct {
	Status  *string `json:"status,omitempty"`
	Type    *string `json:"type,omitempty" enum:"task,story,bug,epic"`
	Comment *string `json:"comment,omitempty"`
}

// Response payloads

type ProjectResponse struct {
	ID          string `json:"id"`
	Code        string `json:"code"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type SprintResponse struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Code      string `json:"code"`
	Status    string `json:"status" enum:"planning,active,finished"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type TaskResponse struct {
	ID          string   `json:"id"`
	Code        string   `json:"code"`
	ProjectID   string   `json:"project_id"`
	SprintID    *string  `json:"sprint_id,omitempty"`
	ParentID    *string  `json:"parent_id,omitempty"`
	Type        string   `json:"type" enum:"task,story,bug,epic"`
	Status      string   `json:"status"`
	Priority    string   `json:"priority" enum:"critical,high,normal,low,neutral"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Estimate    *int     `json:"estimate,omitempty"`
	Tags        []string `json:"tags"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
	UpdatedAt   string   `json:"updated_at" format:"date-time"`
}

type TaskFullResponse struct {
	Task            TaskResponse       `json:"task"`
	Activities      []ActivityResponse `json:"activities"`
	DevelopmentTime *int64             `json:"development_time_minutes,omitempty"`
	ReviewTime      *int64             `json:"review_time_minutes,omitempty"`
}

type ActivityResponse struct {
	ID      string  `json:"id"`
	TaskID  string  `json:"task_id"`
	Author  string  `json:"author_id"`
	Status  *string `json:"status,omitempty"`
	Type    *string `json:"type,omitempty"`
	Comment string  `json:"comment,omitempty"`
	Updated string  `json:"updated" format:"date-time"`
}

type AssignmentResponse struct {
	ID         string  `json:"id"`
	ObjectID   string  `json:"object_id"`
	ObjectType string  `json:"object_type"`
	UserID     string  `json:"user_id"`
	UserType   string  `json:"user_type"`
	Startpoint string  `json:"startpoint" format:"date-time"`
	Endpoint   *string `json:"endpoint,omitempty" format:"date-time"`
	Active     bool    `json:"active"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type TimingResponse struct {
	TaskID          string `json:"task_id"`
	DevelopmentTime *int64 `json:"development_time_minutes,omitempty"`
	ReviewTime      *int64 `json:"review_time_minutes,omitempty"`
}

type TagsResponse struct {
	Tags []string `json:"tags"`
}

type ProjectConfigResponse struct {
	Project    projectConfigSection        `json:"project"`
	Workflow   workflowConfigSection       `json:"workflow"`
	TaskTypes  map[string]taskTypeResponse `json:"task_types"`
	Priorities []string                    `json:"priorities"`
}

type projectConfigSection struct {
	ID   string `json:"id"`
	Code string `json:"code"`
}

type workflowConfigSection struct {
	Initial  string                    `json:"initial"`
	Statuses map[string]statusResponse `json:"statuses"`
}

type statusResponse struct {
	Title        string   `json:"title"`
	RequiredRole string   `json:"required_role,omitempty"`
	Next         []string `json:"next"`
}

type taskTypeResponse struct {
	Title string `json:"title"`
}

type paginatedTasks struct {
	Items []TaskResponse `json:"items"`
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

func sprintResponse(s domain.Sprint) SprintResponse {
	return SprintResponse{
		ID:        s.ID,
		ProjectID: s.ProjectID,
		Code:      s.Code,
		Status:    s.StatusCode,
		CreatedAt: s.CreatedAt,
	}
}

func mapSprints(items []domain.Sprint) []SprintResponse {
	res := make([]SprintResponse, 0, len(items))
	for _, s := range items {
		res = append(res, sprintResponse(s))
	}
	return res
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:          t.ID,
		Code:        t.Code,
		ProjectID:   t.ProjectID,
		SprintID:    t.SprintID,
		ParentID:    t.ParentID,
		Type:        t.TypeCode,
		Status:      t.StatusCode,
		Priority:    t.PriorityCode,
		Title:       t.Title,
		Description: t.Description,
		Estimate:    t.Estimate,
		Tags:        nonNilSlice(t.Tags),
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
}

func mapTasks(items []domain.Task) []TaskResponse {
	res := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		res = append(res, taskResponse(t))
	}
	return res
}

func activityResponse(a domain.Activity) ActivityResponse {
	return ActivityResponse{
		ID:      a.ID,
		TaskID:  a.TaskID,
		Author:  a.AuthorID,
		Status:  a.StatusCode,
		Type:    a.TypeCode,
		Comment: a.Comment,
		Updated: a.Updated,
	}
}

func mapActivities(items []domain.Activity) []ActivityResponse {
	res := make([]ActivityResponse, 0, len(items))
	for _, a := range items {
		res = append(res, activityResponse(a))
	}
	return res
}

func assignmentResponse(a domain.Assignment) AssignmentResponse {
	return AssignmentResponse{
		ID:         a.ID,
		ObjectID:   a.ObjectID,
		ObjectType: a.ObjectType,
		UserID:     a.UserID,
		UserType:   a.UserType,
		Startpoint: a.Startpoint,
		Endpoint:   a.Endpoint,
		Active:     a.Active(),
	}
}

func mapAssignments(items []domain.Assignment) []AssignmentResponse {
	res := make([]AssignmentResponse, 0, len(items))
	for _, a := range items {
		res = append(res, assignmentResponse(a))
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
		Payload:    decodeJSONMap(strPtr(e.Payload)),
	}
}

func mapEvents(items []domain.Event) []EventResponse {
	res := make([]EventResponse, 0, len(items))
	for _, e := range items {
		res = append(res, eventResponse(e))
	}
	return res
}

func taskFullResponse(tf engine.TaskFull) TaskFullResponse {
	return TaskFullResponse{
		Task:            taskResponse(tf.Task),
		Activities:      mapActivities(tf.Activities),
		DevelopmentTime: tf.DevelopmentTime,
		ReviewTime:      tf.ReviewTime,
	}
}

func configResponse(cfg *config.Config) ProjectConfigResponse {
	res := ProjectConfigResponse{
		Project: projectConfigSection{
			ID:   cfg.Project.ID,
			Code: cfg.Project.Code,
		},
		Workflow: workflowConfigSection{
			Initial:  cfg.Workflow.Initial,
			Statuses: map[string]statusResponse{},
		},
		TaskTypes:  map[string]taskTypeResponse{},
		Priorities: cfg.Priorities,
	}
	for code, st := range cfg.Workflow.Statuses {
		res.Workflow.Statuses[code] = statusResponse{
			Title:        st.Title,
			RequiredRole: st.RequiredRole,
			Next:         nonNilSlice(st.Next),
		}
	}
	for code, tt := range cfg.TaskTypes {
		res.TaskTypes[code] = taskTypeResponse{Title: tt.Title}
	}
	return res
}

// JSON helpers

func decodeJSONMap(raw *string) map[string]any {
	if raw == nil || *raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(*raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func strPtr(in string) *string {
	return &in
}

func stringOrEmpty(in *string) string {
	if in == nil {
		return ""
	}
	return *in
}

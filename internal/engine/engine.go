package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"trackline/internal/config"
	"trackline/internal/domain"
	"trackline/internal/events"
	"trackline/internal/repo"
)

// Engine orchestrates task workflow: status transitions, activity auditing,
// derived-field recomputation, assignment gating, the sprint cascade and tag
// mutation. Every operation runs as a single transaction.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// InitProject creates a project row, persists its config and records the
// creation in the diary.
func (e Engine) InitProject(ctx context.Context, projectID, title, description, actorID string) (domain.Project, error) {
	if e.Config == nil {
		return domain.Project{}, errors.New("config not loaded")
	}
	if title == "" {
		title = projectID
	}
	p := domain.Project{
		ID:          projectID,
		Code:        e.Config.Project.Code,
		Title:       title,
		Description: description,
		CreatedAt:   e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := e.Repo.UpsertProjectConfigTx(ctx, tx, p.ID, e.Config); err != nil {
		return domain.Project{}, fmt.Errorf("insert project config: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "project.created", p.ID, events.KindProject, p.ID, actorID, events.EventPayload{"title": p.Title}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// CreateSprint adds a sprint to a project.
func (e Engine) CreateSprint(ctx context.Context, s domain.Sprint, actorID string) (domain.Sprint, error) {
	if s.ProjectID == "" {
		return s, illegalf("project is required")
	}
	if _, err := e.Repo.GetProject(ctx, s.ProjectID); err != nil {
		return s, err
	}
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if s.StatusCode == "" {
		s.StatusCode = "planning"
	}
	if s.Code == "" {
		s.Code = "sprint-" + shortID(s.ID)
	}
	s.CreatedAt = e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertSprint(ctx, tx, s); err != nil {
		return s, err
	}
	if err := e.Events.Append(ctx, tx, "sprint.created", s.ProjectID, events.KindSprint, s.ID, actorID, events.EventPayload{"code": s.Code, "status": s.StatusCode}); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	return s, nil
}

// SetSprintStatus updates a sprint status code.
func (e Engine) SetSprintStatus(ctx context.Context, sprintID, statusCode, actorID string) (domain.Sprint, error) {
	if statusCode == "" {
		return domain.Sprint{}, illegalf("statusCode must not be empty")
	}
	s, err := e.Repo.GetSprint(ctx, sprintID)
	if err != nil {
		return s, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateSprintStatus(ctx, tx, sprintID, statusCode); err != nil {
		return s, err
	}
	if err := e.Events.Append(ctx, tx, "sprint.status_changed", s.ProjectID, events.KindSprint, s.ID, actorID, events.EventPayload{"from": s.StatusCode, "to": statusCode}); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	s.StatusCode = statusCode
	return s, nil
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ID           string
	Code         string
	ProjectID    string
	SprintID     string
	ParentID     string
	TypeCode     string
	StatusCode   string
	PriorityCode string
	Title        string
	Description  string
	Estimate     *int
	Tags         []string
	ActorID      string
}

// CreateTask inserts a task, its creation activity and the task_author
// assignment in one transaction. Subtasks inherit the parent's sprint; a
// sprint passed alongside a parent is ignored.
func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if e.Config == nil {
		return domain.Task{}, errors.New("config not loaded")
	}
	if opts.Title == "" {
		return domain.Task{}, illegalf("title is required")
	}
	if opts.ProjectID == "" {
		return domain.Task{}, illegalf("project is required")
	}
	if opts.TypeCode == "" {
		opts.TypeCode = "task"
	}
	if _, ok := e.Config.TaskTypes[opts.TypeCode]; !ok {
		return domain.Task{}, illegalf("unknown task type %s", opts.TypeCode)
	}
	if opts.StatusCode == "" {
		opts.StatusCode = e.Config.InitialStatus()
	}
	if !e.Config.KnownStatus(opts.StatusCode) {
		return domain.Task{}, illegalf("unknown status %s", opts.StatusCode)
	}
	if opts.PriorityCode == "" {
		opts.PriorityCode = "normal"
	}
	if opts.Estimate != nil && *opts.Estimate <= 0 {
		return domain.Task{}, illegalf("estimate must be positive")
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.Task{}, err
	}
	var sprintID *string
	if opts.ParentID != "" {
		parent, err := e.Repo.GetTask(ctx, opts.ParentID)
		if err != nil {
			return domain.Task{}, err
		}
		if parent.ProjectID != opts.ProjectID {
			return domain.Task{}, conflictf("parent task %s belongs to another project", opts.ParentID)
		}
		// Subtasks always share the top-level ancestor's sprint.
		sprintID = parent.SprintID
	} else if opts.SprintID != "" {
		sprint, err := e.Repo.GetSprint(ctx, opts.SprintID)
		if err != nil {
			return domain.Task{}, err
		}
		if sprint.ProjectID != opts.ProjectID {
			return domain.Task{}, conflictf("sprint %s belongs to another project", opts.SprintID)
		}
		sprintID = &opts.SprintID
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	code := opts.Code
	if code == "" {
		code = e.Config.Project.Code + "-" + shortID(id)
	}
	now := e.now().UTC().Format(time.RFC3339)
	t := domain.Task{
		ID:           id,
		Code:         code,
		ProjectID:    opts.ProjectID,
		SprintID:     sprintID,
		ParentID:     optionalString(opts.ParentID),
		TypeCode:     opts.TypeCode,
		StatusCode:   opts.StatusCode,
		PriorityCode: opts.PriorityCode,
		Title:        opts.Title,
		Description:  opts.Description,
		Estimate:     opts.Estimate,
		Tags:         normalizeTags(opts.Tags),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	created := domain.Activity{
		ID:         uuid.New().String(),
		TaskID:     t.ID,
		AuthorID:   opts.ActorID,
		StatusCode: &t.StatusCode,
		TypeCode:   &t.TypeCode,
		Updated:    now,
	}
	if err := e.Repo.InsertActivity(ctx, tx, created); err != nil {
		return domain.Task{}, err
	}
	author := domain.Assignment{
		ID:         uuid.New().String(),
		ObjectID:   t.ID,
		ObjectType: domain.ObjectTypeTask,
		UserID:     opts.ActorID,
		UserType:   "task_author",
		Startpoint: now,
	}
	if err := e.Repo.InsertAssignment(ctx, tx, author); err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, "task.created", t.ProjectID, events.KindTask, t.ID, opts.ActorID, events.EventPayload{
		"code": t.Code, "title": t.Title, "status": t.StatusCode,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// TaskUpdateOptions carries the editable task fields. Nil pointers leave a
// field untouched. StatusCode/TypeCode here take the administrative path:
// set directly on the task, recorded by an activity, no transition check.
type TaskUpdateOptions struct {
	ID           string
	Title        *string
	Description  *string
	PriorityCode *string
	Estimate     *int
	TypeCode     *string
	StatusCode   *string
	ActorID      string
}

// UpdateTask applies field edits and records an audit activity when the
// payload actually changes something. Identical payloads are a no-op.
func (e Engine) UpdateTask(ctx context.Context, opts TaskUpdateOptions) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, opts.ID)
	if err != nil {
		return t, err
	}
	changed := false
	var actStatus, actType *string
	if opts.Title != nil && *opts.Title != t.Title {
		if *opts.Title == "" {
			return t, illegalf("title must not be empty")
		}
		t.Title = *opts.Title
		changed = true
	}
	if opts.Description != nil && *opts.Description != t.Description {
		t.Description = *opts.Description
		changed = true
	}
	if opts.PriorityCode != nil && *opts.PriorityCode != t.PriorityCode {
		if *opts.PriorityCode == "" {
			return t, illegalf("priorityCode must not be empty")
		}
		t.PriorityCode = *opts.PriorityCode
		changed = true
	}
	if opts.Estimate != nil && (t.Estimate == nil || *t.Estimate != *opts.Estimate) {
		if *opts.Estimate <= 0 {
			return t, illegalf("estimate must be positive")
		}
		est := *opts.Estimate
		t.Estimate = &est
		changed = true
	}
	if opts.TypeCode != nil && *opts.TypeCode != t.TypeCode {
		if _, ok := e.Config.TaskTypes[*opts.TypeCode]; !ok {
			return t, illegalf("unknown task type %s", *opts.TypeCode)
		}
		t.TypeCode = *opts.TypeCode
		actType = opts.TypeCode
		changed = true
	}
	if opts.StatusCode != nil && *opts.StatusCode != t.StatusCode {
		if !e.Config.KnownStatus(*opts.StatusCode) {
			return t, illegalf("unknown status %s", *opts.StatusCode)
		}
		t.StatusCode = *opts.StatusCode
		actStatus = opts.StatusCode
		changed = true
	}
	if !changed {
		return t, nil
	}
	now := e.now().UTC().Format(time.RFC3339)
	t.UpdatedAt = now
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}
	if actStatus != nil || actType != nil {
		act := domain.Activity{
			ID:         uuid.New().String(),
			TaskID:     t.ID,
			AuthorID:   opts.ActorID,
			StatusCode: actStatus,
			TypeCode:   actType,
			Updated:    now,
		}
		if err := e.Repo.InsertActivity(ctx, tx, act); err != nil {
			return t, err
		}
	}
	if err := e.Events.Append(ctx, tx, "task.updated", t.ProjectID, events.KindTask, t.ID, opts.ActorID, events.EventPayload{
		"status": t.StatusCode, "type": t.TypeCode,
	}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

// ChangeStatus performs a guarded status transition. Setting the status a
// task already has is a no-op with no side effects. Otherwise the task
// update, the justifying activity and the role-gated auto-assignment commit
// together or not at all.
func (e Engine) ChangeStatus(ctx context.Context, taskID, statusCode, actorID string) (domain.Task, error) {
	if statusCode == "" {
		return domain.Task{}, illegalf("statusCode must not be empty")
	}
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	if statusCode == t.StatusCode {
		return t, nil
	}
	if !e.Config.IsValidTransition(t.StatusCode, statusCode) {
		return t, conflictf("cannot transition task %s from %s to %s", t.Code, t.StatusCode, statusCode)
	}
	now := e.now().UTC().Format(time.RFC3339)
	from := t.StatusCode
	t.StatusCode = statusCode
	t.UpdatedAt = now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}
	act := domain.Activity{
		ID:         uuid.New().String(),
		TaskID:     t.ID,
		AuthorID:   actorID,
		StatusCode: &statusCode,
		Updated:    now,
	}
	if err := e.Repo.InsertActivity(ctx, tx, act); err != nil {
		return t, err
	}
	if role, ok := e.Config.RoleForStatus(statusCode); ok {
		// Layered on top of existing assignments; duplicates are not deduplicated.
		a := domain.Assignment{
			ID:         uuid.New().String(),
			ObjectID:   t.ID,
			ObjectType: domain.ObjectTypeTask,
			UserID:     actorID,
			UserType:   role,
			Startpoint: now,
		}
		if err := e.Repo.InsertAssignment(ctx, tx, a); err != nil {
			return t, err
		}
	}
	if err := e.Events.Append(ctx, tx, "task.status_changed", t.ProjectID, events.KindTask, t.ID, actorID, events.EventPayload{
		"from": from, "to": statusCode,
	}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

// ChangeSprint moves a top-level task and its whole subtree to another
// sprint. Subtask sprints are never changed directly, and tasks cannot cross
// projects through sprint reassignment.
func (e Engine) ChangeSprint(ctx context.Context, taskID string, sprintID *string, actorID string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	if t.ParentID != nil {
		return t, conflictf("cannot change subtask sprint; move the top-level task %s instead", *t.ParentID)
	}
	if sprintID != nil {
		sprint, err := e.Repo.GetSprint(ctx, *sprintID)
		if err != nil {
			return t, err
		}
		if sprint.ProjectID != t.ProjectID {
			return t, conflictf("target sprint must belong to project %s", t.ProjectID)
		}
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if err := e.Repo.SetSprintForSubtree(ctx, tx, t.ID, sprintID, now); err != nil {
		return t, err
	}
	payload := events.EventPayload{"sprint_id": nil}
	if sprintID != nil {
		payload["sprint_id"] = *sprintID
	}
	if err := e.Events.Append(ctx, tx, "task.sprint_changed", t.ProjectID, events.KindTask, t.ID, actorID, payload); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	t.SprintID = sprintID
	t.UpdatedAt = now
	return t, nil
}

const (
	cannotAssign   = "cannot assign as %s to task with status=%s"
	cannotUnassign = "cannot unassign as %s from task with status=%s"
)

// Assign binds a user to a role on a task. The role must match the one the
// task's current status requires. No dedup against existing active
// assignments is performed.
func (e Engine) Assign(ctx context.Context, taskID, userType, userID, actorID string) (domain.Assignment, error) {
	t, err := e.checkAssignmentActionPossible(ctx, taskID, userType, true)
	if err != nil {
		return domain.Assignment{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	a := domain.Assignment{
		ID:         uuid.New().String(),
		ObjectID:   t.ID,
		ObjectType: domain.ObjectTypeTask,
		UserID:     userID,
		UserType:   userType,
		Startpoint: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAssignment(ctx, tx, a); err != nil {
		return a, err
	}
	if err := e.Events.Append(ctx, tx, "task.assigned", t.ProjectID, events.KindAssignment, a.ID, actorID, events.EventPayload{
		"task_id": t.ID, "user_id": userID, "user_type": userType,
	}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return a, nil
}

// Unassign ends the active assignment for the tuple by stamping its
// endpoint. The row stays as history.
func (e Engine) Unassign(ctx context.Context, taskID, userType, userID, actorID string) error {
	t, err := e.checkAssignmentActionPossible(ctx, taskID, userType, false)
	if err != nil {
		return err
	}
	a, err := e.Repo.FindActiveAssignment(ctx, t.ID, domain.ObjectTypeTask, userID, userType)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("no active %s assignment for user %s on task %s: %w", userType, userID, t.Code, repo.ErrNotFound)
		}
		return err
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.EndAssignment(ctx, tx, a.ID, now); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "task.unassigned", t.ProjectID, events.KindAssignment, a.ID, actorID, events.EventPayload{
		"task_id": t.ID, "user_id": userID, "user_type": userType,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) checkAssignmentActionPossible(ctx context.Context, taskID, userType string, assign bool) (domain.Task, error) {
	if userType == "" {
		return domain.Task{}, illegalf("userType must not be empty")
	}
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	required, _ := e.Config.RoleForStatus(t.StatusCode)
	if userType != required {
		if assign {
			return t, conflictf(cannotAssign, userType, t.StatusCode)
		}
		return t, conflictf(cannotUnassign, userType, t.StatusCode)
	}
	return t, nil
}

// AddTag adds a tag to the task's set. Adding a tag that is already present
// changes nothing and performs no writes.
func (e Engine) AddTag(ctx context.Context, taskID, tag, actorID string) ([]string, error) {
	if tag == "" {
		return nil, illegalf("tag must not be empty")
	}
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	for _, existing := range t.Tags {
		if existing == tag {
			return t.Tags, nil
		}
	}
	tags := append(append([]string(nil), t.Tags...), tag)
	return e.saveTags(ctx, t, tags, actorID)
}

// RemoveTag removes a tag; removing an absent tag is a no-op.
func (e Engine) RemoveTag(ctx context.Context, taskID, tag, actorID string) ([]string, error) {
	if tag == "" {
		return nil, illegalf("tag must not be empty")
	}
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	var tags []string
	found := false
	for _, existing := range t.Tags {
		if existing == tag {
			found = true
			continue
		}
		tags = append(tags, existing)
	}
	if !found {
		return t.Tags, nil
	}
	return e.saveTags(ctx, t, tags, actorID)
}

// SetTags replaces the whole tag set.
func (e Engine) SetTags(ctx context.Context, taskID string, tags []string, actorID string) ([]string, error) {
	if tags == nil {
		return nil, illegalf("tags must not be null")
	}
	for _, tag := range tags {
		if strings.TrimSpace(tag) == "" {
			return nil, illegalf("tag must not be empty")
		}
	}
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return e.saveTags(ctx, t, normalizeTags(tags), actorID)
}

// GetTags returns the task's tag set.
func (e Engine) GetTags(ctx context.Context, taskID string) ([]string, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return t.Tags, nil
}

func (e Engine) saveTags(ctx context.Context, t domain.Task, tags []string, actorID string) ([]string, error) {
	t.Tags = tags
	t.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return nil, err
	}
	if err := e.Events.Append(ctx, tx, "task.tags_changed", t.ProjectID, events.KindTask, t.ID, actorID, events.EventPayload{
		"tags": tags,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return tags, nil
}

// --- helpers ---

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func shortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func normalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := map[string]bool{}
	var res []string
	for _, tag := range tags {
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		res = append(res, tag)
	}
	return res
}

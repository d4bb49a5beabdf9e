package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"trackline/internal/config"
	"trackline/internal/db"
	"trackline/internal/domain"
	"trackline/internal/engine"
	"trackline/internal/migrate"
	"trackline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

// newTestEnv builds an engine on a fresh workspace with a clock that advances
// ten minutes per call, so activity timestamps are unique and ordered.
func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("proj-1")
	eng := engine.New(conn, cfg)
	step := 0
	eng.Now = func() time.Time {
		step++
		return time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC).Add(time.Duration(step*10) * time.Minute)
	}
	ctx := context.Background()
	if _, err := eng.InitProject(ctx, "proj-1", "Test project", "", "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func TestStatusTransitionPath(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID: "proj-1",
		Title:     "Do work",
		ActorID:   "tester",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if task.StatusCode != "open" {
		t.Fatalf("expected initial status open, got %s", task.StatusCode)
	}
	task, err = env.Engine.ChangeStatus(env.Ctx, task.ID, "in_progress", "tester")
	if err != nil || task.StatusCode != "in_progress" {
		t.Fatalf("to in_progress: %v", err)
	}
	task, err = env.Engine.ChangeStatus(env.Ctx, task.ID, "ready_for_review", "tester")
	if err != nil || task.StatusCode != "ready_for_review" {
		t.Fatalf("to ready_for_review: %v", err)
	}
	task, err = env.Engine.ChangeStatus(env.Ctx, task.ID, "done", "tester")
	if err != nil || task.StatusCode != "done" {
		t.Fatalf("to done: %v", err)
	}
}

func TestIllegalTransitionRejected(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: "proj-1", Title: "blocked", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.ChangeStatus(env.Ctx, task.ID, "done", "tester")
	var conflict engine.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict for open -> done, got %v", err)
	}
	got, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.StatusCode != "open" {
		t.Fatalf("status changed despite rejected transition: %s", got.StatusCode)
	}
}

func TestChangeStatusIdempotent(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: "proj-1", Title: "same", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	before, err := env.Engine.Repo.ListActivitiesByTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	got, err := env.Engine.ChangeStatus(env.Ctx, task.ID, "open", "tester")
	if err != nil {
		t.Fatalf("no-op transition errored: %v", err)
	}
	if got.StatusCode != "open" {
		t.Fatalf("unexpected status %s", got.StatusCode)
	}
	after, err := env.Engine.Repo.ListActivitiesByTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(after) != len(before) {
		t.Fatalf("no-op transition wrote activities: %d -> %d", len(before), len(after))
	}
}

func TestAuditTrailGrowsWithTransitions(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: "proj-1", Title: "audited", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	activities, err := env.Engine.Repo.ListActivitiesByTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(activities) != 1 {
		t.Fatalf("expected creation activity, got %d", len(activities))
	}
	if activities[0].StatusCode == nil || *activities[0].StatusCode != "open" {
		t.Fatalf("creation activity should record the initial status")
	}
	if activities[0].TypeCode == nil || *activities[0].TypeCode != "task" {
		t.Fatalf("creation activity should record the type")
	}
	if _, err := env.Engine.ChangeStatus(env.Ctx, task.ID, "in_progress", "tester"); err != nil {
		t.Fatal(err)
	}
	activities, err = env.Engine.Repo.ListActivitiesByTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(activities) != 2 {
		t.Fatalf("expected 2 activities after transition, got %d", len(activities))
	}
	// newest first
	if activities[0].StatusCode == nil || *activities[0].StatusCode != "in_progress" {
		t.Fatalf("newest activity should record in_progress")
	}
}

func TestSprintCascade(t *testing.T) {
	env := newTestEnv(t)
	sprint, err := env.Engine.CreateSprint(env.Ctx, domain.Sprint{ProjectID: "proj-1"}, "tester")
	if err != nil {
		t.Fatalf("create sprint: %v", err)
	}
	parent, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: "proj-1", Title: "parent", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	childA, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: "proj-1", Title: "child a", ParentID: parent.ID, ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	childB, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: "proj-1", Title: "child b", ParentID: parent.ID, ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}

	moved, err := env.Engine.ChangeSprint(env.Ctx, parent.ID, &sprint.ID, "tester")
	if err != nil {
		t.Fatalf("change sprint: %v", err)
	}
	if moved.SprintID == nil || *moved.SprintID != sprint.ID {
		t.Fatalf("parent not moved")
	}
	for _, id := range []string{childA.ID, childB.ID} {
		got, err := env.Engine.Repo.GetTask(env.Ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if got.SprintID == nil || *got.SprintID != sprint.ID {
			t.Fatalf("subtask %s did not follow the parent into the sprint", id)
		}
	}

	// subtasks cannot be moved on their own
	_, err = env.Engine.ChangeSprint(env.Ctx, childA.ID, nil, "tester")
	var conflict engine.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict moving a subtask, got %v", err)
	}

	// clearing the sprint clears the subtree too
	cleared, err := env.Engine.ChangeSprint(env.Ctx, parent.ID, nil, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if cleared.SprintID != nil {
		t.Fatalf("parent sprint not cleared")
	}
	got, err := env.Engine.Repo.GetTask(env.Ctx, childB.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.SprintID != nil {
		t.Fatalf("subtask sprint not cleared")
	}
}

func TestSprintCrossProjectRejected(t *testing.T) {
	env := newTestEnv(t)
	other := engine.New(env.Engine.DB, config.Default("proj-2"))
	other.Now = env.Engine.Now
	if _, err := other.InitProject(env.Ctx, "proj-2", "Other", "", "tester"); err != nil {
		t.Fatalf("init second project: %v", err)
	}
	foreign, err := other.CreateSprint(env.Ctx, domain.Sprint{ProjectID: "proj-2"}, "tester")
	if err != nil {
		t.Fatal(err)
	}
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: "proj-1", Title: "stays home", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.ChangeSprint(env.Ctx, task.ID, &foreign.ID, "tester")
	var conflict engine.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected cross-project conflict, got %v", err)
	}
}

func TestSubtaskInheritsParentSprint(t *testing.T) {
	env := newTestEnv(t)
	sprint, err := env.Engine.CreateSprint(env.Ctx, domain.Sprint{ProjectID: "proj-1"}, "tester")
	if err != nil {
		t.Fatal(err)
	}
	parent, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: "proj-1", Title: "parent", SprintID: sprint.ID, ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	child, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: "proj-1", Title: "child", ParentID: parent.ID, ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	if child.SprintID == nil || *child.SprintID != sprint.ID {
		t.Fatalf("subtask should inherit the parent's sprint")
	}
}

func TestAssignmentRoleGating(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: "proj-1", Title: "gated", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	// open has no required role, so no assignment is possible
	_, err = env.Engine.Assign(env.Ctx, task.ID, "developer", "dev-1", "tester")
	var conflict engine.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict assigning on open, got %v", err)
	}
	if _, err := env.Engine.ChangeStatus(env.Ctx, task.ID, "in_progress", "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Assign(env.Ctx, task.ID, "developer", "dev-1", "tester"); err != nil {
		t.Fatalf("assign developer on in_progress: %v", err)
	}
	_, err = env.Engine.Assign(env.Ctx, task.ID, "reviewer", "rev-1", "tester")
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict assigning reviewer on in_progress, got %v", err)
	}
	if err := env.Engine.Unassign(env.Ctx, task.ID, "developer", "dev-1", "tester"); err != nil {
		t.Fatalf("unassign developer: %v", err)
	}
	err = env.Engine.Unassign(env.Ctx, task.ID, "developer", "nobody", "tester")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found unassigning absent user, got %v", err)
	}
}

func TestAutoAssignOnTransition(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: "proj-1", Title: "auto", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ChangeStatus(env.Ctx, task.ID, "in_progress", "dev-1"); err != nil {
		t.Fatal(err)
	}
	assignments, err := env.Engine.Repo.ListAssignmentsByObject(env.Ctx, task.ID, domain.ObjectTypeTask, true)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, a := range assignments {
		if a.UserID == "dev-1" && a.UserType == "developer" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected auto developer assignment for the transitioning actor")
	}
}

func TestTagOperations(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: "proj-1", Title: "tagged", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	tags, err := env.Engine.AddTag(env.Ctx, task.ID, "backend", "tester")
	if err != nil || len(tags) != 1 {
		t.Fatalf("add tag: %v %v", tags, err)
	}
	tags, err = env.Engine.AddTag(env.Ctx, task.ID, "backend", "tester")
	if err != nil || len(tags) != 1 {
		t.Fatalf("duplicate add should be a no-op: %v %v", tags, err)
	}
	tags, err = env.Engine.SetTags(env.Ctx, task.ID, []string{"backend", "urgent"}, "tester")
	if err != nil || len(tags) != 2 {
		t.Fatalf("set tags: %v %v", tags, err)
	}
	tags, err = env.Engine.RemoveTag(env.Ctx, task.ID, "backend", "tester")
	if err != nil || len(tags) != 1 || tags[0] != "urgent" {
		t.Fatalf("remove tag: %v %v", tags, err)
	}
	tags, err = env.Engine.RemoveTag(env.Ctx, task.ID, "absent", "tester")
	if err != nil || len(tags) != 1 {
		t.Fatalf("removing an absent tag should be a no-op: %v %v", tags, err)
	}
	_, err = env.Engine.SetTags(env.Ctx, task.ID, nil, "tester")
	var illegal engine.IllegalInputError
	if !errors.As(err, &illegal) {
		t.Fatalf("expected illegal input for null tags, got %v", err)
	}
}

func TestUpdateTaskAdministrativeStatus(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: "proj-1", Title: "admin", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	// direct set skips the transition check
	done := "done"
	task, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, StatusCode: &done, ActorID: "tester"})
	if err != nil {
		t.Fatalf("administrative status set: %v", err)
	}
	if task.StatusCode != "done" {
		t.Fatalf("expected done, got %s", task.StatusCode)
	}
	activities, err := env.Engine.Repo.ListActivitiesByTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(activities) != 2 {
		t.Fatalf("administrative set must still append an activity, got %d", len(activities))
	}
}

func TestUpdateTaskNoChangeIsNoop(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: "proj-1", Title: "still", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	same := task.Title
	got, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, Title: &same, ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	if got.UpdatedAt != task.UpdatedAt {
		t.Fatalf("no-op update must not touch the task")
	}
}

package engine_test

import (
	"errors"
	"testing"

	"trackline/internal/domain"
	"trackline/internal/engine"
)

func strptr(s string) *string { return &s }

func TestActivityDirectStatusSet(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: "proj-1", Title: "direct", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	// an activity carrying a status sets it without a transition check
	_, err = env.Engine.CreateActivity(env.Ctx, domain.Activity{
		TaskID:     task.ID,
		StatusCode: strptr("done"),
		Comment:    "closing out",
	}, "tester")
	if err != nil {
		t.Fatalf("create activity: %v", err)
	}
	got, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.StatusCode != "done" {
		t.Fatalf("expected done, got %s", got.StatusCode)
	}
}

func TestActivityAuthorMismatchRejected(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: "proj-1", Title: "owned", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.CreateActivity(env.Ctx, domain.Activity{
		TaskID:   task.ID,
		AuthorID: "someone-else",
		Comment:  "forged",
	}, "tester")
	var conflict engine.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict for mismatched author, got %v", err)
	}
}

func TestActivityUpdateRecomputesTask(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: "proj-1", Title: "recompute", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	act, err := env.Engine.CreateActivity(env.Ctx, domain.Activity{
		TaskID:     task.ID,
		StatusCode: strptr("in_progress"),
	}, "tester")
	if err != nil {
		t.Fatal(err)
	}
	// editing the activity makes it the most recent status-defining one
	_, err = env.Engine.UpdateActivity(env.Ctx, act.ID, engine.ActivityUpdateOptions{
		StatusCode: strptr("ready_for_review"),
	}, "tester")
	if err != nil {
		t.Fatalf("update activity: %v", err)
	}
	got, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.StatusCode != "ready_for_review" {
		t.Fatalf("expected recomputed status ready_for_review, got %s", got.StatusCode)
	}
}

func TestActivityDeleteRevertsTask(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: "proj-1", Title: "revert", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	act, err := env.Engine.CreateActivity(env.Ctx, domain.Activity{
		TaskID:     task.ID,
		StatusCode: strptr("in_progress"),
	}, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.DeleteActivity(env.Ctx, act.ID, "tester"); err != nil {
		t.Fatalf("delete activity: %v", err)
	}
	got, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	// falls back to the creation activity's status
	if got.StatusCode != "open" {
		t.Fatalf("expected open after delete, got %s", got.StatusCode)
	}
}

func TestActivityDeleteCannotOrphanFields(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: "proj-1", Title: "guarded", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	activities, err := env.Engine.Repo.ListActivitiesByTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(activities) != 1 {
		t.Fatalf("expected only the creation activity, got %d", len(activities))
	}
	// the creation activity is the only one defining status and type
	err = env.Engine.DeleteActivity(env.Ctx, activities[0].ID, "tester")
	var conflict engine.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict deleting the defining activity, got %v", err)
	}
	remaining, err := env.Engine.Repo.ListActivitiesByTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 1 {
		t.Fatalf("rejected delete must leave the trail intact, got %d", len(remaining))
	}
}

func TestActivityOwnershipChecks(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: "proj-1", Title: "mine", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	act, err := env.Engine.CreateActivity(env.Ctx, domain.Activity{TaskID: task.ID, Comment: "note"}, "tester")
	if err != nil {
		t.Fatal(err)
	}
	var conflict engine.ConflictError
	_, err = env.Engine.UpdateActivity(env.Ctx, act.ID, engine.ActivityUpdateOptions{Comment: strptr("stolen")}, "intruder")
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict updating another user's activity, got %v", err)
	}
	err = env.Engine.DeleteActivity(env.Ctx, act.ID, "intruder")
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict deleting another user's activity, got %v", err)
	}
}

func TestTimingMetrics(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: "proj-1", Title: "timed", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	// the test clock advances ten minutes per engine call
	if _, err := env.Engine.ChangeStatus(env.Ctx, task.ID, "in_progress", "tester"); err != nil {
		t.Fatal(err)
	}
	dev, err := env.Engine.DevelopmentTime(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if dev != nil {
		t.Fatalf("development time must be nil before review starts, got %d", *dev)
	}
	if _, err := env.Engine.ChangeStatus(env.Ctx, task.ID, "ready_for_review", "tester"); err != nil {
		t.Fatal(err)
	}
	dev, err = env.Engine.DevelopmentTime(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if dev == nil || *dev != 10 {
		t.Fatalf("expected 10 development minutes, got %v", dev)
	}
	review, err := env.Engine.ReviewTime(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if review != nil {
		t.Fatalf("review time must be nil before done, got %d", *review)
	}
	if _, err := env.Engine.ChangeStatus(env.Ctx, task.ID, "done", "tester"); err != nil {
		t.Fatal(err)
	}
	review, err = env.Engine.ReviewTime(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if review == nil || *review != 10 {
		t.Fatalf("expected 10 review minutes, got %v", review)
	}
	// rework after done must not move the first-pair metrics
	if _, err := env.Engine.ChangeStatus(env.Ctx, task.ID, "in_progress", "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ChangeStatus(env.Ctx, task.ID, "ready_for_review", "tester"); err != nil {
		t.Fatal(err)
	}
	dev, err = env.Engine.DevelopmentTime(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if dev == nil || *dev != 10 {
		t.Fatalf("rework changed the first development pair: %v", dev)
	}
}

func TestGetTaskFull(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: "proj-1", Title: "full", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ChangeStatus(env.Ctx, task.ID, "in_progress", "tester"); err != nil {
		t.Fatal(err)
	}
	full, err := env.Engine.GetTaskFull(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if full.Task.ID != task.ID {
		t.Fatalf("wrong task returned")
	}
	if len(full.Activities) != 2 {
		t.Fatalf("expected 2 activities, got %d", len(full.Activities))
	}
	if full.DevelopmentTime != nil {
		t.Fatalf("development time should be incomplete")
	}
}

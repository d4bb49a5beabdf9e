package repo_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"trackline/internal/db"
	"trackline/internal/domain"
	"trackline/internal/migrate"
	"trackline/internal/repo"
)

func newTestRepo(t *testing.T) (repo.Repo, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	ctx := context.Background()
	mustExec(t, ctx, r, func(tx *sql.Tx) error {
		return r.InsertProject(ctx, tx, domain.Project{ID: "proj-1", Code: "TL", Title: "Test", CreatedAt: ts(0)})
	})
	return r, ctx
}

func mustExec(t *testing.T, ctx context.Context, r repo.Repo, fn func(tx *sql.Tx) error) {
	t.Helper()
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		t.Fatalf("exec: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func ts(minutes int) string {
	return time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC).Add(time.Duration(minutes) * time.Minute).Format(time.RFC3339)
}

func newTask(id, title string, parentID *string) domain.Task {
	return domain.Task{
		ID:           id,
		Code:         "TL-" + id,
		ProjectID:    "proj-1",
		ParentID:     parentID,
		TypeCode:     "task",
		StatusCode:   "open",
		PriorityCode: "normal",
		Title:        title,
		CreatedAt:    ts(0),
		UpdatedAt:    ts(0),
	}
}

func TestSetSprintForSubtreeIsRecursive(t *testing.T) {
	r, ctx := newTestRepo(t)
	mustExec(t, ctx, r, func(tx *sql.Tx) error {
		return r.InsertSprint(ctx, tx, domain.Sprint{ID: "spr-1", ProjectID: "proj-1", Code: "sprint-1", StatusCode: "planning", CreatedAt: ts(0)})
	})
	root := newTask("t-root", "root", nil)
	mid := newTask("t-mid", "mid", &root.ID)
	leaf := newTask("t-leaf", "leaf", &mid.ID)
	for _, task := range []domain.Task{root, mid, leaf} {
		task := task
		mustExec(t, ctx, r, func(tx *sql.Tx) error { return r.InsertTask(ctx, tx, task) })
	}
	sprint := "spr-1"
	mustExec(t, ctx, r, func(tx *sql.Tx) error {
		return r.SetSprintForSubtree(ctx, tx, root.ID, &sprint, ts(10))
	})
	// the cascade must reach grandchildren, not just direct children
	for _, id := range []string{root.ID, mid.ID, leaf.ID} {
		got, err := r.GetTask(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if got.SprintID == nil || *got.SprintID != sprint {
			t.Fatalf("task %s not moved into sprint", id)
		}
		if got.UpdatedAt != ts(10) {
			t.Fatalf("task %s updated_at not bumped", id)
		}
	}
	mustExec(t, ctx, r, func(tx *sql.Tx) error {
		return r.SetSprintForSubtree(ctx, tx, root.ID, nil, ts(20))
	})
	got, err := r.GetTask(ctx, leaf.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.SprintID != nil {
		t.Fatalf("clearing the sprint must cascade too")
	}
}

func TestListActivitiesOrdering(t *testing.T) {
	r, ctx := newTestRepo(t)
	task := newTask("t-1", "ordered", nil)
	mustExec(t, ctx, r, func(tx *sql.Tx) error { return r.InsertTask(ctx, tx, task) })
	for i, minutes := range []int{30, 10, 20} {
		a := domain.Activity{
			ID:       uuid.New().String(),
			TaskID:   task.ID,
			AuthorID: "tester",
			Comment:  string(rune('a' + i)),
			Updated:  ts(minutes),
		}
		mustExec(t, ctx, r, func(tx *sql.Tx) error { return r.InsertActivity(ctx, tx, a) })
	}
	activities, err := r.ListActivitiesByTask(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(activities) != 3 {
		t.Fatalf("expected 3 activities, got %d", len(activities))
	}
	for i := 1; i < len(activities); i++ {
		if activities[i-1].Updated < activities[i].Updated {
			t.Fatalf("activities not newest-first: %s before %s", activities[i-1].Updated, activities[i].Updated)
		}
	}
}

func TestTaskFilters(t *testing.T) {
	r, ctx := newTestRepo(t)
	a := newTask("t-a", "a", nil)
	a.StatusCode = "in_progress"
	b := newTask("t-b", "b", nil)
	b.TypeCode = "bug"
	for _, task := range []domain.Task{a, b} {
		task := task
		mustExec(t, ctx, r, func(tx *sql.Tx) error { return r.InsertTask(ctx, tx, task) })
	}
	got, err := r.ListTasks(ctx, repo.TaskFilters{ProjectID: "proj-1", Status: "in_progress"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != a.ID {
		t.Fatalf("status filter failed: %+v", got)
	}
	got, err = r.ListTasks(ctx, repo.TaskFilters{ProjectID: "proj-1", Type: "bug"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != b.ID {
		t.Fatalf("type filter failed: %+v", got)
	}
}

func TestAPIKeyRoundTrip(t *testing.T) {
	r, ctx := newTestRepo(t)
	raw := "secret-key-material"
	key := domain.APIKey{
		ID:      uuid.New().String(),
		ActorID: "alice",
		Name:    "ci",
		KeyHash: repo.HashAPIKey(raw),
	}
	if err := r.InsertAPIKey(ctx, nil, key); err != nil {
		t.Fatalf("insert key: %v", err)
	}
	got, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(raw))
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.ActorID != "alice" {
		t.Fatalf("wrong actor: %s", got.ActorID)
	}
	if _, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey("wrong")); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found for unknown hash, got %v", err)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	r, ctx := newTestRepo(t)
	if _, err := r.GetTask(ctx, "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

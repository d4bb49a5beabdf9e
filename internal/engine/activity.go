package engine

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"github.com/google/uuid"

	"trackline/internal/domain"
	"trackline/internal/events"
)

// Status codes the timing metrics key on.
const (
	StatusInProgress     = "in_progress"
	StatusReadyForReview = "ready_for_review"
	StatusDone           = "done"
)

// CreateActivity appends an audit event authored by the acting user. When the
// activity carries a status or type, the field is set directly on the owning
// task: this is the administrative path, no transition check applies.
func (e Engine) CreateActivity(ctx context.Context, a domain.Activity, actorID string) (domain.Activity, error) {
	if a.TaskID == "" {
		return a, illegalf("taskId is required")
	}
	if a.AuthorID == "" {
		a.AuthorID = actorID
	}
	if a.AuthorID != actorID {
		return a, conflictf("activity does not belong to user %s", actorID)
	}
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	now := e.now().UTC().Format(time.RFC3339)
	if a.Updated == "" {
		a.Updated = now
	}
	t, err := e.Repo.GetTask(ctx, a.TaskID)
	if err != nil {
		return a, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	if a.StatusCode != nil || a.TypeCode != nil {
		if a.StatusCode != nil {
			t.StatusCode = *a.StatusCode
		}
		if a.TypeCode != nil {
			t.TypeCode = *a.TypeCode
		}
		t.UpdatedAt = now
		if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
			return a, err
		}
	}
	if err := e.Repo.InsertActivity(ctx, tx, a); err != nil {
		return a, err
	}
	if err := e.Events.Append(ctx, tx, "activity.created", t.ProjectID, events.KindActivity, a.ID, actorID, events.EventPayload{
		"task_id": t.ID,
	}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return a, nil
}

// ActivityUpdateOptions carries the mutable activity fields.
type ActivityUpdateOptions struct {
	StatusCode *string
	TypeCode   *string
	Comment    *string
}

// UpdateActivity edits a stored activity. Ownership is checked against the
// stored row, not the payload. When the update touches status or type the
// owning task's fields are recomputed from the full history afterwards.
func (e Engine) UpdateActivity(ctx context.Context, id string, opts ActivityUpdateOptions, actorID string) (domain.Activity, error) {
	stored, err := e.Repo.GetActivity(ctx, id)
	if err != nil {
		return stored, err
	}
	if stored.AuthorID != actorID {
		return stored, conflictf("activity %s does not belong to user %s", id, actorID)
	}
	if opts.StatusCode != nil {
		stored.StatusCode = opts.StatusCode
	}
	if opts.TypeCode != nil {
		stored.TypeCode = opts.TypeCode
	}
	if opts.Comment != nil {
		stored.Comment = *opts.Comment
	}
	stored.Updated = e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return stored, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateActivity(ctx, tx, stored); err != nil {
		return stored, err
	}
	if err := e.recomputeTaskFields(ctx, tx, stored.TaskID, stored.StatusCode != nil, stored.TypeCode != nil); err != nil {
		return stored, err
	}
	if err := e.Events.Append(ctx, tx, "activity.updated", "", events.KindActivity, stored.ID, actorID, events.EventPayload{
		"task_id": stored.TaskID,
	}); err != nil {
		return stored, err
	}
	if err := tx.Commit(); err != nil {
		return stored, err
	}
	return stored, nil
}

// DeleteActivity removes an activity and recomputes the task fields it
// carried. Deleting the only activity that defines the task's status or type
// fails with a conflict and leaves everything untouched.
func (e Engine) DeleteActivity(ctx context.Context, id, actorID string) error {
	stored, err := e.Repo.GetActivity(ctx, id)
	if err != nil {
		return err
	}
	if stored.AuthorID != actorID {
		return conflictf("activity %s does not belong to user %s", id, actorID)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteActivity(ctx, tx, id); err != nil {
		return err
	}
	if err := e.recomputeTaskFields(ctx, tx, stored.TaskID, stored.StatusCode != nil, stored.TypeCode != nil); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "activity.deleted", "", events.KindActivity, id, actorID, events.EventPayload{
		"task_id": stored.TaskID,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// recomputeTaskFields rederives statusCode/typeCode from the activity
// history: the value of the most recently updated activity that sets the
// field wins (ties broken by id, see ListActivitiesByTask). A field that no
// remaining activity defines aborts the transaction.
func (e Engine) recomputeTaskFields(ctx context.Context, tx *sql.Tx, taskID string, status, typeCode bool) error {
	if !status && !typeCode {
		return nil
	}
	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return err
	}
	activities, err := e.Repo.ListActivitiesByTaskTx(ctx, tx, taskID)
	if err != nil {
		return err
	}
	if status {
		latest := latestValue(activities, func(a domain.Activity) *string { return a.StatusCode })
		if latest == nil {
			return conflictf("cannot leave task %s without a status-defining activity", t.Code)
		}
		t.StatusCode = *latest
	}
	if typeCode {
		latest := latestValue(activities, func(a domain.Activity) *string { return a.TypeCode })
		if latest == nil {
			return conflictf("cannot leave task %s without a type-defining activity", t.Code)
		}
		t.TypeCode = *latest
	}
	t.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	return e.Repo.UpdateTask(ctx, tx, t)
}

// latestValue expects activities ordered newest-first.
func latestValue(activities []domain.Activity, field func(domain.Activity) *string) *string {
	for _, a := range activities {
		if v := field(a); v != nil {
			return v
		}
	}
	return nil
}

// DevelopmentTime returns the whole minutes between the first in_progress
// activity and the first ready_for_review activity after it, or nil when the
// pair is incomplete. Pure read.
func (e Engine) DevelopmentTime(ctx context.Context, taskID string) (*int64, error) {
	return e.statusPairMinutes(ctx, taskID, StatusInProgress, StatusReadyForReview)
}

// ReviewTime is the same calculation for ready_for_review -> done.
func (e Engine) ReviewTime(ctx context.Context, taskID string) (*int64, error) {
	return e.statusPairMinutes(ctx, taskID, StatusReadyForReview, StatusDone)
}

func (e Engine) statusPairMinutes(ctx context.Context, taskID, from, to string) (*int64, error) {
	if _, err := e.Repo.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	activities, err := e.Repo.ListActivitiesByTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	// The store returns newest-first; the scan needs chronological order.
	asc := append([]domain.Activity(nil), activities...)
	sort.Slice(asc, func(i, j int) bool {
		if asc[i].Updated != asc[j].Updated {
			return asc[i].Updated < asc[j].Updated
		}
		return asc[i].ID < asc[j].ID
	})
	var start, end *time.Time
	for _, a := range asc {
		if a.StatusCode == nil {
			continue
		}
		switch {
		case *a.StatusCode == from && start == nil:
			ts, err := time.Parse(time.RFC3339, a.Updated)
			if err != nil {
				return nil, err
			}
			start = &ts
		case *a.StatusCode == to && start != nil:
			ts, err := time.Parse(time.RFC3339, a.Updated)
			if err != nil {
				return nil, err
			}
			end = &ts
		}
		if end != nil {
			// First qualifying pair only.
			break
		}
	}
	if start == nil || end == nil {
		return nil, nil
	}
	minutes := int64(end.Sub(*start).Minutes())
	return &minutes, nil
}

// TaskFull is a task with its audit trail and derived timing metrics.
type TaskFull struct {
	Task            domain.Task
	Activities      []domain.Activity
	DevelopmentTime *int64
	ReviewTime      *int64
}

// GetTaskFull loads a task together with its activities (newest-first) and
// both timing metrics.
func (e Engine) GetTaskFull(ctx context.Context, taskID string) (TaskFull, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return TaskFull{}, err
	}
	activities, err := e.Repo.ListActivitiesByTask(ctx, taskID)
	if err != nil {
		return TaskFull{}, err
	}
	dev, err := e.DevelopmentTime(ctx, taskID)
	if err != nil {
		return TaskFull{}, err
	}
	review, err := e.ReviewTime(ctx, taskID)
	if err != nil {
		return TaskFull{}, err
	}
	return TaskFull{Task: t, Activities: activities, DevelopmentTime: dev, ReviewTime: review}, nil
}

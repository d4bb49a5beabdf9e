package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"trackline/internal/config"
	"trackline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// --- projects ---

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(id,code,title,description,created_at) VALUES (?,?,?,?,?)`,
		p.ID, p.Code, p.Title, nullable(p.Description), p.CreatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	var p domain.Project
	var desc sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,code,title,description,created_at FROM projects WHERE id=?`, id).
		Scan(&p.ID, &p.Code, &p.Title, &desc, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if desc.Valid {
		p.Description = desc.String
	}
	return p, err
}

func (r Repo) SingleProject(ctx context.Context) (domain.Project, error) {
	projects, err := r.ListProjects(ctx)
	if err != nil {
		return domain.Project{}, err
	}
	if len(projects) == 0 {
		return domain.Project{}, ErrNotFound
	}
	if len(projects) > 1 {
		return domain.Project{}, fmt.Errorf("multiple projects exist; specify --project")
	}
	return projects[0], nil
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,code,title,COALESCE(description,''),created_at FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Code, &p.Title, &p.Description, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) UpsertProjectConfig(ctx context.Context, projectID string, cfg *config.Config) error {
	return upsertProjectConfig(ctx, r.DB, nil, projectID, cfg)
}

func (r Repo) UpsertProjectConfigTx(ctx context.Context, tx *sql.Tx, projectID string, cfg *config.Config) error {
	return upsertProjectConfig(ctx, nil, tx, projectID, cfg)
}

func upsertProjectConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, projectID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Project.ID = projectID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO project_configs(project_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(project_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, projectID, string(payload), now, now)
	return err
}

func (r Repo) GetProjectConfig(ctx context.Context, projectID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM project_configs WHERE project_id=?`, projectID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Project.ID == "" {
		cfg.Project.ID = projectID
	}
	return &cfg, cfg.Validate()
}

// --- sprints ---

func (r Repo) InsertSprint(ctx context.Context, tx *sql.Tx, s domain.Sprint) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO sprints(id,project_id,code,status_code,created_at) VALUES (?,?,?,?,?)`,
		s.ID, s.ProjectID, s.Code, s.StatusCode, s.CreatedAt)
	return err
}

func (r Repo) GetSprint(ctx context.Context, id string) (domain.Sprint, error) {
	var s domain.Sprint
	err := r.DB.QueryRowContext(ctx, `SELECT id,project_id,code,status_code,created_at FROM sprints WHERE id=?`, id).
		Scan(&s.ID, &s.ProjectID, &s.Code, &s.StatusCode, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

func (r Repo) ListSprints(ctx context.Context, projectID, statusCode string) ([]domain.Sprint, error) {
	clauses := []string{"project_id=?"}
	args := []any{projectID}
	if statusCode != "" {
		clauses = append(clauses, "status_code=?")
		args = append(args, statusCode)
	}
	query := `SELECT id,project_id,code,status_code,created_at FROM sprints WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Sprint
	for rows.Next() {
		var s domain.Sprint
		if err := rows.Scan(&s.ID, &s.ProjectID, &s.Code, &s.StatusCode, &s.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) UpdateSprintStatus(ctx context.Context, tx *sql.Tx, id, statusCode string) error {
	res, err := tx.ExecContext(ctx, `UPDATE sprints SET status_code=? WHERE id=?`, statusCode, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- tasks ---

const taskColumns = `id,code,project_id,sprint_id,parent_id,type_code,status_code,priority_code,title,description,estimate,tags_json,created_at,updated_at`

func scanTask(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var sprintID, parentID, description, tagsJSON sql.NullString
	var estimate sql.NullInt64
	err := scan(&t.ID, &t.Code, &t.ProjectID, &sprintID, &parentID, &t.TypeCode, &t.StatusCode, &t.PriorityCode,
		&t.Title, &description, &estimate, &tagsJSON, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if sprintID.Valid {
		t.SprintID = &sprintID.String
	}
	if parentID.Valid {
		t.ParentID = &parentID.String
	}
	if description.Valid {
		t.Description = description.String
	}
	if estimate.Valid {
		e := int(estimate.Int64)
		t.Estimate = &e
	}
	if tagsJSON.Valid && tagsJSON.String != "" {
		if err := json.Unmarshal([]byte(tagsJSON.String), &t.Tags); err != nil {
			return t, fmt.Errorf("task %s tags: %w", t.ID, err)
		}
	}
	return t, nil
}

func encodeTags(tags []string) (any, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	// Stored sorted so the column is canonical for a given set.
	sorted := append([]string(nil), tags...)
	sort.Strings(sorted)
	b, err := json.Marshal(sorted)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	tags, err := encodeTags(t.Tags)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Code, t.ProjectID, nullableStringPtr(t.SprintID), nullableStringPtr(t.ParentID),
		t.TypeCode, t.StatusCode, t.PriorityCode, t.Title, nullable(t.Description),
		nullableIntPtr(t.Estimate), tags, t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	tags, err := encodeTags(t.Tags)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET code=?, sprint_id=?, parent_id=?, type_code=?, status_code=?, priority_code=?, title=?, description=?, estimate=?, tags_json=?, updated_at=? WHERE id=?`,
		t.Code, nullableStringPtr(t.SprintID), nullableStringPtr(t.ParentID), t.TypeCode, t.StatusCode,
		t.PriorityCode, t.Title, nullable(t.Description), nullableIntPtr(t.Estimate), tags, t.UpdatedAt, t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

type TaskFilters struct {
	ProjectID string
	SprintID  string
	ParentID  string
	Status    string
	Type      string
	Limit     int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.SprintID != "" {
		clauses = append(clauses, "sprint_id=?")
		args = append(args, f.SprintID)
	}
	if f.ParentID != "" {
		clauses = append(clauses, "parent_id=?")
		args = append(args, f.ParentID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status_code=?")
		args = append(args, f.Status)
	}
	if f.Type != "" {
		clauses = append(clauses, "type_code=?")
		args = append(args, f.Type)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) ListChildren(ctx context.Context, taskID string) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE parent_id=? ORDER BY created_at ASC, id ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// SetSprintForSubtree moves a task and every descendant subtask to the sprint
// in one statement, so the subtree can never be observed half-moved.
func (r Repo) SetSprintForSubtree(ctx context.Context, tx *sql.Tx, taskID string, sprintID *string, updatedAt string) error {
	_, err := tx.ExecContext(ctx, `
WITH RECURSIVE subtree(id) AS (
	SELECT id FROM tasks WHERE id=?
	UNION ALL
	SELECT t.id FROM tasks t JOIN subtree s ON t.parent_id=s.id
)
UPDATE tasks SET sprint_id=?, updated_at=? WHERE id IN (SELECT id FROM subtree)`,
		taskID, nullableStringPtr(sprintID), updatedAt)
	return err
}

// --- activities ---

const activityColumns = `id,task_id,author_id,status_code,type_code,comment,updated`

func scanActivity(scan func(dest ...any) error) (domain.Activity, error) {
	var a domain.Activity
	var status, typeCode, comment sql.NullString
	err := scan(&a.ID, &a.TaskID, &a.AuthorID, &status, &typeCode, &comment, &a.Updated)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if status.Valid {
		a.StatusCode = &status.String
	}
	if typeCode.Valid {
		a.TypeCode = &typeCode.String
	}
	if comment.Valid {
		a.Comment = comment.String
	}
	return a, nil
}

func (r Repo) InsertActivity(ctx context.Context, tx *sql.Tx, a domain.Activity) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO activities(`+activityColumns+`) VALUES (?,?,?,?,?,?,?)`,
		a.ID, a.TaskID, a.AuthorID, nullableStringPtr(a.StatusCode), nullableStringPtr(a.TypeCode),
		nullable(a.Comment), a.Updated)
	return err
}

func (r Repo) UpdateActivity(ctx context.Context, tx *sql.Tx, a domain.Activity) error {
	res, err := tx.ExecContext(ctx, `UPDATE activities SET status_code=?, type_code=?, comment=?, updated=? WHERE id=?`,
		nullableStringPtr(a.StatusCode), nullableStringPtr(a.TypeCode), nullable(a.Comment), a.Updated, a.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteActivity(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM activities WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetActivity(ctx context.Context, id string) (domain.Activity, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+activityColumns+` FROM activities WHERE id=?`, id)
	return scanActivity(row.Scan)
}

// ListActivitiesByTask returns activities newest-first. Ties on updated fall
// back to id DESC so recomputation is deterministic.
func (r Repo) ListActivitiesByTask(ctx context.Context, taskID string) ([]domain.Activity, error) {
	return listActivities(ctx, r.DB.QueryContext, taskID)
}

func (r Repo) ListActivitiesByTaskTx(ctx context.Context, tx *sql.Tx, taskID string) ([]domain.Activity, error) {
	return listActivities(ctx, tx.QueryContext, taskID)
}

func listActivities(ctx context.Context, query func(context.Context, string, ...any) (*sql.Rows, error), taskID string) ([]domain.Activity, error) {
	rows, err := query(ctx, `SELECT `+activityColumns+` FROM activities WHERE task_id=? ORDER BY updated DESC, id DESC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Activity
	for rows.Next() {
		a, err := scanActivity(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// --- assignments ---

const assignmentColumns = `id,object_id,object_type,user_id,user_type,startpoint,endpoint`

func scanAssignment(scan func(dest ...any) error) (domain.Assignment, error) {
	var a domain.Assignment
	var endpoint sql.NullString
	err := scan(&a.ID, &a.ObjectID, &a.ObjectType, &a.UserID, &a.UserType, &a.Startpoint, &endpoint)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if endpoint.Valid {
		a.Endpoint = &endpoint.String
	}
	return a, nil
}

func (r Repo) InsertAssignment(ctx context.Context, tx *sql.Tx, a domain.Assignment) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO assignments(`+assignmentColumns+`) VALUES (?,?,?,?,?,?,?)`,
		a.ID, a.ObjectID, a.ObjectType, a.UserID, a.UserType, a.Startpoint, nullableStringPtr(a.Endpoint))
	return err
}

// FindActiveAssignment returns the most recent endpoint-null binding for the
// tuple, or ErrNotFound.
func (r Repo) FindActiveAssignment(ctx context.Context, objectID, objectType, userID, userType string) (domain.Assignment, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM assignments
WHERE object_id=? AND object_type=? AND user_id=? AND user_type=? AND endpoint IS NULL
ORDER BY startpoint DESC, id DESC LIMIT 1`, objectID, objectType, userID, userType)
	return scanAssignment(row.Scan)
}

func (r Repo) FindActiveAssignmentTx(ctx context.Context, tx *sql.Tx, objectID, objectType, userID, userType string) (domain.Assignment, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM assignments
WHERE object_id=? AND object_type=? AND user_id=? AND user_type=? AND endpoint IS NULL
ORDER BY startpoint DESC, id DESC LIMIT 1`, objectID, objectType, userID, userType)
	return scanAssignment(row.Scan)
}

// EndAssignment stamps the endpoint; the row remains as history.
func (r Repo) EndAssignment(ctx context.Context, tx *sql.Tx, id, endpoint string) error {
	res, err := tx.ExecContext(ctx, `UPDATE assignments SET endpoint=? WHERE id=? AND endpoint IS NULL`, endpoint, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListAssignmentsByObject(ctx context.Context, objectID, objectType string, activeOnly bool) ([]domain.Assignment, error) {
	query := `SELECT ` + assignmentColumns + ` FROM assignments WHERE object_id=? AND object_type=?`
	if activeOnly {
		query += ` AND endpoint IS NULL`
	}
	query += ` ORDER BY startpoint DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, objectID, objectType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// --- events ---

func (r Repo) LatestEvents(ctx context.Context, limit int, projectID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(project_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

package domain

// ObjectTypeTask is the object type for task-scoped assignments.
const ObjectTypeTask = "task"

type Project struct {
	ID          string `json:"id"`
	Code        string `json:"code"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Sprint struct {
	ID         string `json:"id"`
	ProjectID  string `json:"project_id"`
	Code       string `json:"code"`
	StatusCode string `json:"status_code" enum:"planning,active,finished"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

// Task is a trackable unit of work. StatusCode and TypeCode are derived from
// the activity history after creation; SprintID on a subtask is only ever set
// through the cascade on its top-level ancestor.
type Task struct {
	ID           string   `json:"id"`
	Code         string   `json:"code"`
	ProjectID    string   `json:"project_id"`
	SprintID     *string  `json:"sprint_id,omitempty"`
	ParentID     *string  `json:"parent_id,omitempty"`
	TypeCode     string   `json:"type_code" enum:"task,story,bug,epic"`
	StatusCode   string   `json:"status_code"`
	PriorityCode string   `json:"priority_code"`
	Title        string   `json:"title"`
	Description  string   `json:"description,omitempty"`
	Estimate     *int     `json:"estimate,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	CreatedAt    string   `json:"created_at" format:"date-time"`
	UpdatedAt    string   `json:"updated_at" format:"date-time"`
}

// Activity is an append-only audit event on a task. Only the author may
// update or delete it. A nil StatusCode/TypeCode means the event does not
// touch that field.
type Activity struct {
	ID         string  `json:"id"`
	TaskID     string  `json:"task_id"`
	AuthorID   string  `json:"author_id"`
	StatusCode *string `json:"status_code,omitempty"`
	TypeCode   *string `json:"type_code,omitempty"`
	Comment    string  `json:"comment,omitempty"`
	Updated    string  `json:"updated" format:"date-time"`
}

// Assignment is a time-ranged user-role binding on an object. A nil Endpoint
// means the assignment is currently active; ended rows are kept as history.
type Assignment struct {
	ID         string  `json:"id"`
	ObjectID   string  `json:"object_id"`
	ObjectType string  `json:"object_type"`
	UserID     string  `json:"user_id"`
	UserType   string  `json:"user_type"`
	Startpoint string  `json:"startpoint" format:"date-time"`
	Endpoint   *string `json:"endpoint,omitempty" format:"date-time"`
}

func (a Assignment) Active() bool { return a.Endpoint == nil }

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

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

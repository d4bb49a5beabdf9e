package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"

	"trackline/internal/domain"
	"trackline/internal/engine"
	"trackline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"conflict"`
	Message string         `json:"message" example:"cannot transition task TL-1 from open to done"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Trackline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope above.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Trackline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerProjects(group, cfg.Engine)
	registerSprints(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerAssignments(group, cfg.Engine)
	registerActivities(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerMe(group)
	registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var ce engine.ConflictError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	var ie engine.IllegalInputError
	if errors.As(err, &ie) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	devLoginPath := path.Join(basePath, "auth/dev/login")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	if !strings.HasPrefix(devLoginPath, "/") {
		devLoginPath = "/" + devLoginPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath || route == devLoginPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Trackline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/status",
		Summary:     "Project status",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		projectID := projectFromPathOrHeader(ctx, input.ProjectID, e.Config.Project.ID)
		p, err := e.Repo.GetProject(ctx, projectID)
		if err != nil {
			return nil, handleError(err)
		}
		tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{ProjectID: p.ID})
		if err != nil {
			return nil, handleError(err)
		}
		counts := map[string]int{}
		for _, t := range tasks {
			counts[t.StatusCode]++
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"project_id":  p.ID,
			"code":        p.Code,
			"task_counts": counts,
		}}, nil
	})
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.ID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.InitProject(ctx, input.Body.ID, stringOrEmpty(input.Body.Title), stringOrEmpty(input.Body.Description), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ProjectResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ProjectResponse `json:"body"`
		}{Body: mapProjects(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		projectID := projectFromPathOrHeader(ctx, input.ProjectID, e.Config.Project.ID)
		p, err := e.Repo.GetProject(ctx, projectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project-config",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/config",
		Summary:     "Get project config",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body ProjectConfigResponse `json:"body"`
	}, error) {
		projectID := projectFromPathOrHeader(ctx, input.ProjectID, e.Config.Project.ID)
		cfg, err := e.Repo.GetProjectConfig(ctx, projectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectConfigResponse `json:"body"`
		}{Body: configResponse(cfg)}, nil
	})
}

func registerSprints(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-sprint",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/sprints",
		Summary:       "Create sprint",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string              `path:"project_id"`
		Body      CreateSprintRequest `json:"body"`
	}) (*struct {
		Body SprintResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		projectID := projectFromPathOrHeader(ctx, input.ProjectID, e.Config.Project.ID)
		s := domain.Sprint{
			ID:         stringOrEmpty(input.Body.ID),
			ProjectID:  projectID,
			Code:       stringOrEmpty(input.Body.Code),
			StatusCode: stringOrEmpty(input.Body.Status),
		}
		res, err := e.CreateSprint(ctx, s, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SprintResponse `json:"body"`
		}{Body: sprintResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-sprints",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/sprints",
		Summary:     "List sprints",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Status    string `query:"status" enum:"planning,active,finished,"`
	}) (*struct {
		Body []SprintResponse `json:"body"`
	}, error) {
		projectID := projectFromPathOrHeader(ctx, input.ProjectID, e.Config.Project.ID)
		items, err := e.Repo.ListSprints(ctx, projectID, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []SprintResponse `json:"body"`
		}{Body: mapSprints(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-sprint-status",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}/sprints/{id}/status",
		Summary:     "Update sprint status",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string                 `path:"project_id"`
		ID        string                 `path:"id"`
		Body      SetSprintStatusRequest `json:"body"`
	}) (*struct {
		Body SprintResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Status == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "status is required", nil)
		}
		s, err := e.SetSprintStatus(ctx, input.ID, input.Body.Status, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		if !projectMatches(input.ProjectID, s.ProjectID) {
			return nil, newAPIError(http.StatusNotFound, "not_found", "sprint not found in project", nil)
		}
		return &struct {
			Body SprintResponse `json:"body"`
		}{Body: sprintResponse(s)}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		Body      CreateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		projectID := projectFromPathOrHeader(ctx, input.ProjectID, e.Config.Project.ID)
		opts := engine.TaskCreateOptions{
			ID:          stringOrEmpty(input.Body.ID),
			Code:        stringOrEmpty(input.Body.Code),
			ProjectID:   projectID,
			SprintID:    stringOrEmpty(input.Body.SprintID),
			ParentID:    stringOrEmpty(input.Body.ParentID),
			TypeCode:    input.Body.Type,
			Title:       input.Body.Title,
			Description: stringOrEmpty(input.Body.Description),
			Estimate:    input.Body.Estimate,
			Tags:        input.Body.Tags,
			ActorID:     actorID,
		}
		if input.Body.Status != nil {
			opts.StatusCode = *input.Body.Status
		}
		if input.Body.Priority != nil {
			opts.PriorityCode = *input.Body.Priority
		}
		t, err := e.CreateTask(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tasks",
		Summary:     "List tasks",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Status    string `query:"status"`
		Type      string `query:"type"`
		SprintID  string `query:"sprint_id"`
		ParentID  string `query:"parent_id"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body paginatedTasks `json:"body"`
	}, error) {
		projectID := projectFromPathOrHeader(ctx, input.ProjectID, e.Config.Project.ID)
		filter := repo.TaskFilters{
			ProjectID: projectID,
			Status:    input.Status,
			Type:      input.Type,
			SprintID:  input.SprintID,
			ParentID:  input.ParentID,
			Limit:     normalizeLimit(input.Limit),
		}
		tasks, err := e.Repo.ListTasks(ctx, filter)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedTasks `json:"body"`
		}{Body: paginatedTasks{Items: mapTasks(tasks)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tasks/{id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ID        string `path:"id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := e.Repo.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if !projectMatches(input.ProjectID, t.ProjectID) {
			return nil, newAPIError(http.StatusNotFound, "not_found", "task not found in project", nil)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task-full",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tasks/{id}/full",
		Summary:     "Get task with audit trail and timing",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ID        string `path:"id"`
	}) (*struct {
		Body TaskFullResponse `json:"body"`
	}, error) {
		tf, err := e.GetTaskFull(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if !projectMatches(input.ProjectID, tf.Task.ProjectID) {
			return nil, newAPIError(http.StatusNotFound, "not_found", "task not found in project", nil)
		}
		return &struct {
			Body TaskFullResponse `json:"body"`
		}{Body: taskFullResponse(tf)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}/tasks/{id}",
		Summary:     "Update task",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		ID        string            `path:"id"`
		Body      UpdateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.TaskUpdateOptions{
			ID:           input.ID,
			Title:        input.Body.Title,
			Description:  input.Body.Description,
			PriorityCode: input.Body.Priority,
			Estimate:     input.Body.Estimate,
			TypeCode:     input.Body.Type,
			StatusCode:   input.Body.Status,
			ActorID:      actorID,
		}
		t, err := e.UpdateTask(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		if !projectMatches(input.ProjectID, t.ProjectID) {
			return nil, newAPIError(http.StatusNotFound, "not_found", "task not found in project", nil)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "change-task-status",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/tasks/{id}/status",
		Summary:     "Transition task status",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string              `path:"project_id"`
		ID        string              `path:"id"`
		Body      ChangeStatusRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.ChangeStatus(ctx, input.ID, input.Body.Status, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		if !projectMatches(input.ProjectID, t.ProjectID) {
			return nil, newAPIError(http.StatusNotFound, "not_found", "task not found in project", nil)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "change-task-sprint",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/tasks/{id}/sprint",
		Summary:     "Move task subtree to a sprint",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string              `path:"project_id"`
		ID        string              `path:"id"`
		Body      ChangeSprintRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.ChangeSprint(ctx, input.ID, input.Body.SprintID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		if !projectMatches(input.ProjectID, t.ProjectID) {
			return nil, newAPIError(http.StatusNotFound, "not_found", "task not found in project", nil)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task-tags",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tasks/{id}/tags",
		Summary:     "Get task tags",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ID        string `path:"id"`
	}) (*struct {
		Body TagsResponse `json:"body"`
	}, error) {
		tags, err := e.GetTags(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TagsResponse `json:"body"`
		}{Body: TagsResponse{Tags: nonNilSlice(tags)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-task-tags",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/tasks/{id}/tags",
		Summary:     "Replace task tags",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string         `path:"project_id"`
		ID        string         `path:"id"`
		Body      SetTagsRequest `json:"body"`
	}) (*struct {
		Body TagsResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		bodyMap := rawBodyMap(ctx)
		if raw, ok := bodyMap["tags"]; !ok || isNullRaw(raw) {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "tags must be array", map[string]any{"field": "tags", "reason": "must be array"})
		}
		tags := input.Body.Tags
		if tags == nil {
			tags = []string{}
		}
		res, err := e.SetTags(ctx, input.ID, tags, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TagsResponse `json:"body"`
		}{Body: TagsResponse{Tags: nonNilSlice(res)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "add-task-tag",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/tasks/{id}/tags",
		Summary:     "Add task tag",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string     `path:"project_id"`
		ID        string     `path:"id"`
		Body      TagRequest `json:"body"`
	}) (*struct {
		Body TagsResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		tags, err := e.AddTag(ctx, input.ID, input.Body.Tag, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TagsResponse `json:"body"`
		}{Body: TagsResponse{Tags: nonNilSlice(tags)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-task-tag",
		Method:      http.MethodDelete,
		Path:        "/projects/{project_id}/tasks/{id}/tags/{tag}",
		Summary:     "Remove task tag",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ID        string `path:"id"`
		Tag       string `path:"tag"`
	}) (*struct {
		Body TagsResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		tags, err := e.RemoveTag(ctx, input.ID, input.Tag, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TagsResponse `json:"body"`
		}{Body: TagsResponse{Tags: nonNilSlice(tags)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task-timing",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tasks/{id}/timing",
		Summary:     "Task timing metrics",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ID        string `path:"id"`
	}) (*struct {
		Body TimingResponse `json:"body"`
	}, error) {
		dev, err := e.DevelopmentTime(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		review, err := e.ReviewTime(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TimingResponse `json:"body"`
		}{Body: TimingResponse{
			TaskID:          input.ID,
			DevelopmentTime: dev,
			ReviewTime:      review,
		}}, nil
	})
}

func registerAssignments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "assign-task",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/tasks/{id}/assign",
		Summary:       "Assign user to task",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string        `path:"project_id"`
		ID        string        `path:"id"`
		Body      AssignRequest `json:"body"`
	}) (*struct {
		Body AssignmentResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.UserID == "" || input.Body.UserType == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_id and user_type are required", nil)
		}
		a, err := e.Assign(ctx, input.ID, input.Body.UserType, input.Body.UserID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AssignmentResponse `json:"body"`
		}{Body: assignmentResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "unassign-task",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/tasks/{id}/unassign",
		Summary:     "End an active task assignment",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string        `path:"project_id"`
		ID        string        `path:"id"`
		Body      AssignRequest `json:"body"`
	}) (*struct{}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.UserID == "" || input.Body.UserType == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_id and user_type are required", nil)
		}
		if err := e.Unassign(ctx, input.ID, input.Body.UserType, input.Body.UserID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-task-assignments",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tasks/{id}/assignments",
		Summary:     "List task assignments",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ID        string `path:"id"`
		Active    bool   `query:"active"`
	}) (*struct {
		Body []AssignmentResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetTask(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListAssignmentsByObject(ctx, input.ID, domain.ObjectTypeTask, input.Active)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []AssignmentResponse `json:"body"`
		}{Body: mapAssignments(items)}, nil
	})
}

func registerActivities(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-activity",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/tasks/{id}/activities",
		Summary:       "Append task activity",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string                `path:"project_id"`
		ID        string                `path:"id"`
		Body      CreateActivityRequest `json:"body"`
	}) (*struct {
		Body ActivityResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a := domain.Activity{
			ID:         stringOrEmpty(input.Body.ID),
			TaskID:     input.ID,
			AuthorID:   actorID,
			StatusCode: input.Body.Status,
			TypeCode:   input.Body.Type,
			Comment:    stringOrEmpty(input.Body.Comment),
		}
		res, err := e.CreateActivity(ctx, a, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActivityResponse `json:"body"`
		}{Body: activityResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-task-activities",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tasks/{id}/activities",
		Summary:     "List task activities",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ID        string `path:"id"`
	}) (*struct {
		Body []ActivityResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetTask(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListActivitiesByTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ActivityResponse `json:"body"`
		}{Body: mapActivities(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-activity",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}/activities/{id}",
		Summary:     "Update activity",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string                `path:"project_id"`
		ID        string                `path:"id"`
		Body      UpdateActivityRequest `json:"body"`
	}) (*struct {
		Body ActivityResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.UpdateActivity(ctx, input.ID, engine.ActivityUpdateOptions{
			StatusCode: input.Body.Status,
			TypeCode:   input.Body.Type,
			Comment:    input.Body.Comment,
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActivityResponse `json:"body"`
		}{Body: activityResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-activity",
		Method:      http.MethodDelete,
		Path:        "/projects/{project_id}/activities/{id}",
		Summary:     "Delete activity",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ID        string `path:"id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteActivity(ctx, input.ID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID  string `path:"project_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"project,sprint,task,activity,assignment,"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		projectID := projectFromPathOrHeader(ctx, input.ProjectID, e.Config.Project.ID)
		items, err := e.Repo.LatestEvents(ctx, normalizeLimit(input.Limit), projectID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(items)}, nil
	})
}

func registerMe(api huma.API) {
	type whoAmIResponse struct {
		ActorID string   `json:"actor_id"`
		Roles   []string `json:"roles"`
		Source  string   `json:"source"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body whoAmIResponse `json:"body"`
	}, error) {
		principal, ok := principalFromContext(ctx)
		if !ok || principal.ActorID == "" {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		return &struct {
			Body whoAmIResponse `json:"body"`
		}{Body: whoAmIResponse{
			ActorID: principal.ActorID,
			Roles:   nonNilSlice(principal.Roles),
			Source:  principal.Source,
		}}, nil
	})
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, input.Body.Roles)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func signDevToken(secret, actorID string, roles []string) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	now := time.Now()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actorID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(24 * time.Hour)),
		},
		Roles: roles,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func rawBodyMap(ctx context.Context) map[string]json.RawMessage {
	data := bodyBytes(ctx)
	if len(data) == 0 {
		return map[string]json.RawMessage{}
	}
	var outer map[string]json.RawMessage
	if err := json.Unmarshal(data, &outer); err != nil {
		return map[string]json.RawMessage{}
	}
	if inner, ok := outer["body"]; ok {
		var innerMap map[string]json.RawMessage
		if err := json.Unmarshal(inner, &innerMap); err == nil {
			return innerMap
		}
	}
	return outer
}

func isNullRaw(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && bytes.Equal(trimmed, []byte("null"))
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func projectFromPathOrHeader(ctx context.Context, pathProjectID, fallback string) string {
	if pathProjectID != "" {
		return pathProjectID
	}
	return projectFromHeader(ctx, fallback)
}

func projectMatches(expected, actual string) bool {
	if expected == "" {
		return true
	}
	return expected == actual
}

func projectFromHeader(ctx context.Context, fallback string) string {
	if req, ok := ctx.Value(requestKey{}).(*http.Request); ok && req != nil {
		if v := strings.TrimSpace(req.Header.Get("X-Project-Id")); v != "" {
			return v
		}
	}
	return fallback
}

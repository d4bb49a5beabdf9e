package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"trackline/internal/config"
	"trackline/internal/db"
	"trackline/internal/engine"
	"trackline/internal/migrate"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("proj-1")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	if _, err := e.InitProject(context.Background(), cfg.Project.ID, "", "", "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:              testJWTSecret,
			AllowLegacyActorHeader: true,
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-Id", "tester")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return envelope.Error.Code
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	createRes, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/proj-1/tasks", map[string]any{
		"title": "Ship feature",
		"type":  "story",
	}, nil)
	if createRes.StatusCode != http.StatusCreated {
		t.Fatalf("create task status %d: %s", createRes.StatusCode, string(data))
	}
	var created TaskResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	if created.Status != "open" {
		t.Fatalf("expected open, got %s", created.Status)
	}

	statusRes, statusBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/proj-1/tasks/"+created.ID+"/status", map[string]any{
		"status": "in_progress",
	}, nil)
	if statusRes.StatusCode != http.StatusOK {
		t.Fatalf("change status %d: %s", statusRes.StatusCode, string(statusBody))
	}
	var changed TaskResponse
	_ = json.Unmarshal(statusBody, &changed)
	if changed.Status != "in_progress" {
		t.Fatalf("expected in_progress, got %s", changed.Status)
	}

	fullRes, fullBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/proj-1/tasks/"+created.ID+"/full", nil, nil)
	if fullRes.StatusCode != http.StatusOK {
		t.Fatalf("get full %d: %s", fullRes.StatusCode, string(fullBody))
	}
	var full TaskFullResponse
	if err := json.Unmarshal(fullBody, &full); err != nil {
		t.Fatalf("unmarshal full: %v", err)
	}
	if len(full.Activities) != 2 {
		t.Fatalf("expected creation and transition activities, got %d", len(full.Activities))
	}
}

func TestIllegalTransitionMapsToConflict(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/proj-1/tasks", map[string]any{
		"title": "Stubborn",
	}, nil)
	var created TaskResponse
	_ = json.Unmarshal(data, &created)

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/proj-1/tasks/"+created.ID+"/status", map[string]any{
		"status": "done",
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(body))
	}
	if code := errorCode(t, body); code != "conflict" {
		t.Fatalf("expected conflict code, got %s", code)
	}
}

func TestUnknownTaskMapsToNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/proj-1/tasks/missing", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(body))
	}
	if code := errorCode(t, body); code != "not_found" {
		t.Fatalf("expected not_found code, got %s", code)
	}
}

func TestActivityDeleteGuardOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/proj-1/tasks", map[string]any{
		"title": "Guarded",
	}, nil)
	var created TaskResponse
	_ = json.Unmarshal(data, &created)

	listRes, listBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/proj-1/tasks/"+created.ID+"/activities", nil, nil)
	if listRes.StatusCode != http.StatusOK {
		t.Fatalf("list activities %d: %s", listRes.StatusCode, string(listBody))
	}
	var activities []ActivityResponse
	if err := json.Unmarshal(listBody, &activities); err != nil {
		t.Fatalf("unmarshal activities: %v", err)
	}
	if len(activities) != 1 {
		t.Fatalf("expected one creation activity, got %d", len(activities))
	}

	// deleting the only status-defining activity is a conflict
	delRes, delBody := doJSON(t, client, http.MethodDelete, srv.URL+"/v0/projects/proj-1/activities/"+activities[0].ID, nil, nil)
	if delRes.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", delRes.StatusCode, string(delBody))
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v0/projects", nil)
	if err != nil {
		t.Fatal(err)
	}
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", res.StatusCode)
	}
}

func TestDevLoginAndMe(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	loginRes, loginBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id": "alice",
		"roles":    []string{"developer"},
	}, map[string]string{"X-Actor-Id": ""})
	if loginRes.StatusCode != http.StatusOK {
		t.Fatalf("dev login %d: %s", loginRes.StatusCode, string(loginBody))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(loginBody, &login); err != nil {
		t.Fatalf("unmarshal login: %v", err)
	}
	if login.Token == "" {
		t.Fatalf("expected a token")
	}

	meRes, meBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
	})
	if meRes.StatusCode != http.StatusOK {
		t.Fatalf("me %d: %s", meRes.StatusCode, string(meBody))
	}
	var me struct {
		ActorID string   `json:"actor_id"`
		Roles   []string `json:"roles"`
		Source  string   `json:"source"`
	}
	if err := json.Unmarshal(meBody, &me); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if me.ActorID != "alice" || me.Source != "jwt" {
		t.Fatalf("unexpected principal: %+v", me)
	}
}

func TestSprintCascadeOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	sprintRes, sprintBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/proj-1/sprints", map[string]any{}, nil)
	if sprintRes.StatusCode != http.StatusCreated {
		t.Fatalf("create sprint %d: %s", sprintRes.StatusCode, string(sprintBody))
	}
	var sprint SprintResponse
	_ = json.Unmarshal(sprintBody, &sprint)

	_, parentBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/proj-1/tasks", map[string]any{
		"title": "parent",
	}, nil)
	var parent TaskResponse
	_ = json.Unmarshal(parentBody, &parent)

	_, childBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/proj-1/tasks", map[string]any{
		"title":     "child",
		"parent_id": parent.ID,
	}, nil)
	var child TaskResponse
	_ = json.Unmarshal(childBody, &child)

	moveRes, moveBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/proj-1/tasks/"+parent.ID+"/sprint", map[string]any{
		"sprint_id": sprint.ID,
	}, nil)
	if moveRes.StatusCode != http.StatusOK {
		t.Fatalf("move sprint %d: %s", moveRes.StatusCode, string(moveBody))
	}

	getRes, getBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/proj-1/tasks/"+child.ID, nil, nil)
	if getRes.StatusCode != http.StatusOK {
		t.Fatalf("get child %d: %s", getRes.StatusCode, string(getBody))
	}
	var got TaskResponse
	_ = json.Unmarshal(getBody, &got)
	if got.SprintID == nil || *got.SprintID != sprint.ID {
		t.Fatalf("child did not follow parent into sprint: %+v", got)
	}

	// moving a subtask directly is rejected
	badRes, badBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/proj-1/tasks/"+child.ID+"/sprint", map[string]any{
		"sprint_id": nil,
	}, nil)
	if badRes.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 moving subtask, got %d: %s", badRes.StatusCode, string(badBody))
	}
}

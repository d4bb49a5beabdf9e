package config

import (
	"strings"
	"testing"
)

func TestDefaultCatalog(t *testing.T) {
	cfg := Default("proj-1")
	if cfg.Project.ID != "proj-1" {
		t.Fatalf("project id not applied: %s", cfg.Project.ID)
	}
	if cfg.InitialStatus() != "open" {
		t.Fatalf("unexpected initial status %s", cfg.InitialStatus())
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
	valid := [][2]string{
		{"open", "in_progress"},
		{"in_progress", "ready_for_review"},
		{"ready_for_review", "done"},
		{"ready_for_review", "in_progress"},
		{"done", "in_progress"},
		{"open", "canceled"},
		{"canceled", "open"},
	}
	for _, pair := range valid {
		if !cfg.IsValidTransition(pair[0], pair[1]) {
			t.Errorf("expected %s -> %s to be allowed", pair[0], pair[1])
		}
	}
	invalid := [][2]string{
		{"open", "done"},
		{"open", "ready_for_review"},
		{"done", "open"},
		{"unknown", "open"},
	}
	for _, pair := range invalid {
		if cfg.IsValidTransition(pair[0], pair[1]) {
			t.Errorf("expected %s -> %s to be rejected", pair[0], pair[1])
		}
	}
}

func TestRoleForStatus(t *testing.T) {
	cfg := Default("proj-1")
	role, ok := cfg.RoleForStatus("in_progress")
	if !ok || role != "developer" {
		t.Fatalf("expected developer for in_progress, got %q %v", role, ok)
	}
	role, ok = cfg.RoleForStatus("ready_for_review")
	if !ok || role != "reviewer" {
		t.Fatalf("expected reviewer for ready_for_review, got %q %v", role, ok)
	}
	if _, ok := cfg.RoleForStatus("open"); ok {
		t.Fatalf("open must not require a role")
	}
}

func TestFromYAMLRejectsBadCatalog(t *testing.T) {
	_, err := FromYAML([]byte(`
project:
  id: p
  code: P
workflow:
  initial: open
  statuses:
    open:
      title: Open
      next: [nowhere]
task_types:
  task:
    title: Task
`))
	if err == nil || !strings.Contains(err.Error(), "unknown status") {
		t.Fatalf("expected unknown transition target error, got %v", err)
	}
}

func TestFromYAMLRequiresTaskTypes(t *testing.T) {
	_, err := FromYAML([]byte(`
project:
  id: p
workflow:
  initial: open
  statuses:
    open:
      title: Open
`))
	if err == nil || !strings.Contains(err.Error(), "task_types") {
		t.Fatalf("expected task_types error, got %v", err)
	}
}

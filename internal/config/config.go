package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models trackline.yml. The status catalog is parsed once into typed
// entries; required_role is the role a user must hold to be assigned while a
// task is in that status, next lists the legal transition targets.
type Config struct {
	Project struct {
		ID   string `yaml:"id"`
		Code string `yaml:"code"`
	} `yaml:"project"`
	Workflow struct {
		Initial  string               `yaml:"initial"`
		Statuses map[string]StatusRef `yaml:"statuses"`
	} `yaml:"workflow"`
	TaskTypes  map[string]TypeRef `yaml:"task_types"`
	Priorities []string           `yaml:"priorities"`
}

type StatusRef struct {
	Title        string   `yaml:"title"`
	RequiredRole string   `yaml:"required_role,omitempty"`
	Next         []string `yaml:"next,omitempty"`
}

type TypeRef struct {
	Title string `yaml:"title"`
}

// InitialStatus returns the status assigned to newly created tasks.
func (c *Config) InitialStatus() string {
	if c.Workflow.Initial != "" {
		return c.Workflow.Initial
	}
	return "open"
}

// RoleForStatus returns the role required to hold an assignment while a task
// is in the given status. The second return is false when no gating applies.
func (c *Config) RoleForStatus(statusCode string) (string, bool) {
	ref, ok := c.Workflow.Statuses[statusCode]
	if !ok || ref.RequiredRole == "" {
		return "", false
	}
	return ref.RequiredRole, true
}

// IsValidTransition reports whether moving from one status to another is
// allowed by the catalog. Unknown source statuses allow nothing.
func (c *Config) IsValidTransition(from, to string) bool {
	ref, ok := c.Workflow.Statuses[from]
	if !ok {
		return false
	}
	for _, next := range ref.Next {
		if next == to {
			return true
		}
	}
	return false
}

// KnownStatus reports whether the catalog defines the status code.
func (c *Config) KnownStatus(code string) bool {
	_, ok := c.Workflow.Statuses[code]
	return ok
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with tl project config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if len(c.Workflow.Statuses) == 0 {
		return fmt.Errorf("config.workflow.statuses is required")
	}
	initial := c.InitialStatus()
	if _, ok := c.Workflow.Statuses[initial]; !ok {
		return fmt.Errorf("config.workflow.initial %s is not in the status catalog", initial)
	}
	for code, ref := range c.Workflow.Statuses {
		if code == "" {
			return fmt.Errorf("config.workflow.statuses contains an empty status code")
		}
		if ref.Title == "" {
			return fmt.Errorf("status %s has no title", code)
		}
		for _, next := range ref.Next {
			if _, ok := c.Workflow.Statuses[next]; !ok {
				return fmt.Errorf("status %s allows transition to unknown status %s", code, next)
			}
		}
	}
	if len(c.TaskTypes) == 0 {
		return fmt.Errorf("config.task_types is required")
	}
	for code, ref := range c.TaskTypes {
		if code == "" {
			return fmt.Errorf("config.task_types contains an empty type code")
		}
		if ref.Title == "" {
			return fmt.Errorf("task type %s has no title", code)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "trackline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	cfg.Project.ID = projectID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `project:
  id: %s
  code: TL

workflow:
  initial: open
  statuses:
    open:
      title: Open
      next: [in_progress, canceled]
    in_progress:
      title: In progress
      required_role: developer
      next: [ready_for_review, canceled]
    ready_for_review:
      title: Ready for review
      required_role: reviewer
      next: [in_progress, done]
    done:
      title: Done
      next: [in_progress]
    canceled:
      title: Canceled
      next: [open]

task_types:
  task:
    title: Task
  story:
    title: Story
  bug:
    title: Bug
  epic:
    title: Epic

priorities: [critical, high, normal, low, neutral]
`

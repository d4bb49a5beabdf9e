package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"trackline/internal/app"
	"trackline/internal/config"
	"trackline/internal/db"
	"trackline/internal/domain"
	"trackline/internal/engine"
	"trackline/internal/migrate"
	"trackline/internal/repo"
	"trackline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "tl",
	Short: "Trackline CLI",
	Long: `Trackline tracks project work through an auditable activity trail.
Core concepts:
- Workspace: your .trackline directory with only the database; configs are stored in the DB and imported explicitly.
- Project: owns all sprints and tasks in the workspace.
- Tasks: work items with subtasks and tags; statuses flow open -> in_progress -> ready_for_review -> done per the workflow catalog.
- Activities: the append-only audit trail on each task; status and type are derived from it, and editing history recomputes them.
- Assignments: time-ranged role bindings (developer, reviewer) gated by the status a task is in.
- Sprints: group top-level tasks; moving a task moves its whole subtree.
- Event log: diary of changes, view with 'tl log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TRACKLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(sprintCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(activityCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(authCmd())
	rootCmd.AddCommand(serveCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectConfigCmd())
	prj.AddCommand(projectUseCmd())
	return prj
}

func projectListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func projectCreateCmd() *cobra.Command {
	var id, title, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg := config.Default(id)
			e := engine.New(conn, cfg)
			p, err := e.InitProject(cmd.Context(), id, title, desc, viper.GetString("actor-id"))
			if err != nil {
				return err
			}
			return printJSONOrTable(p)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := viper.GetString("project")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if target == "" {
					target = e.Config.Project.ID
				}
				p, err := e.Repo.GetProject(ctx, target)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func projectUseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "use <id>",
		Short: "Set current project for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := strings.TrimSpace(args[0])
			if projectID == "" {
				return fmt.Errorf("project id is required")
			}
			workspace := viper.GetString("workspace")
			if err := setEnvValue(filepath.Join(workspace, ".env"), "TRACKLINE_DEFAULT_PROJECT", projectID); err != nil {
				return err
			}
			fmt.Printf("Set TRACKLINE_DEFAULT_PROJECT=%s in %s/.env\n", projectID, workspace)
			return nil
		},
	}
	return cmd
}

func projectConfigCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage project config",
	}
	cfg.AddCommand(projectConfigShowCmd())
	cfg.AddCommand(projectConfigImportCmd())
	return cfg
}

func projectConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show project config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func projectConfigImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import project config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			cfg, err := config.FromYAML(data)
			if err != nil {
				return err
			}
			projectID := cfg.Project.ID
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if projectID == "" {
					projectID = e.Config.Project.ID
				}
				if err := e.Repo.UpsertProjectConfig(ctx, projectID, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func statusCmd() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show project status",
		Long:  "The scoreboard for your project: task counts by workflow status.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				projectID = strings.TrimSpace(projectID)
				if projectID == "" {
					projectID = e.Config.Project.ID
				}
				p, err := e.Repo.GetProject(ctx, projectID)
				if err != nil {
					return err
				}
				tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{ProjectID: projectID})
				if err != nil {
					return err
				}
				counts := map[string]int{}
				for _, t := range tasks {
					counts[t.StatusCode]++
				}
				out := map[string]any{
					"project_id":  p.ID,
					"code":        p.Code,
					"task_counts": counts,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Project: %s (%s)\n", p.ID, p.Code)
				fmt.Println("Tasks:")
				for status, c := range counts {
					fmt.Printf("  %s: %d\n", status, c)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	return cmd
}

func sprintCmd() *cobra.Command {
	sprint := &cobra.Command{
		Use:   "sprint",
		Short: "Manage sprints",
		Long:  "Sprints group top-level tasks. Moving a task into a sprint carries its whole subtree along.",
	}
	sprint.AddCommand(sprintCreateCmd())
	sprint.AddCommand(sprintListCmd())
	sprint.AddCommand(sprintStatusCmd())
	return sprint
}

func sprintCreateCmd() *cobra.Command {
	var s domain.Sprint
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create sprint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if s.ProjectID == "" {
					s.ProjectID = e.Config.Project.ID
				}
				res, err := e.CreateSprint(ctx, s, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&s.ID, "id", "", "sprint id (optional)")
	cmd.Flags().StringVar(&s.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&s.Code, "code", "", "sprint code (optional)")
	return cmd
}

func sprintListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sprints",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListSprints(ctx, e.Config.Project.ID, status)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func sprintStatusCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "set-status <id>",
		Short: "Update sprint status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.SetSprintStatus(ctx, id, status, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "new status")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks are the work items. Statuses follow the workflow catalog (open -> in_progress -> ready_for_review -> done by default); every change lands in the activity trail, and role-gated assignments track who is on the hook.",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskGetCmd())
	task.AddCommand(taskUpdateCmd())
	task.AddCommand(taskStatusCmd())
	task.AddCommand(taskSprintCmd())
	task.AddCommand(taskAssignCmd())
	task.AddCommand(taskUnassignCmd())
	task.AddCommand(taskTagCmd())
	task.AddCommand(taskTimingCmd())
	task.AddCommand(taskTreeCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	var tags []string
	var estimate int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			opts.Tags = tags
			if cmd.Flags().Changed("estimate") {
				opts.Estimate = &estimate
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if opts.ProjectID == "" {
					opts.ProjectID = e.Config.Project.ID
				}
				t, err := e.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "task id (optional)")
	cmd.Flags().StringVar(&opts.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&opts.SprintID, "sprint", "", "sprint id")
	cmd.Flags().StringVar(&opts.ParentID, "parent", "", "parent task id")
	cmd.Flags().StringVar(&opts.TypeCode, "type", "task", "task type")
	cmd.Flags().StringVar(&opts.PriorityCode, "priority", "", "priority")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().IntVar(&estimate, "estimate", 0, "estimate in hours")
	cmd.Flags().StringArrayVar(&tags, "tag", []string{}, "tag (repeatable)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if f.ProjectID == "" {
					f.ProjectID = e.Config.Project.ID
				}
				tasks, err := e.Repo.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Code", "Title", "Type", "Status", "Priority", "Sprint"})
				for _, t := range tasks {
					sprint := ""
					if t.SprintID != nil {
						sprint = *t.SprintID
					}
					tw.AppendRow(table.Row{t.Code, t.Title, t.TypeCode, t.StatusCode, t.PriorityCode, sprint})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "type filter")
	cmd.Flags().StringVar(&f.SprintID, "sprint", "", "sprint filter")
	cmd.Flags().StringVar(&f.ParentID, "parent", "", "parent task id")
	return cmd
}

func taskGetCmd() *cobra.Command {
	var full bool
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if full {
					tf, err := e.GetTaskFull(ctx, id)
					if err != nil {
						return err
					}
					return printJSONOrTable(tf)
				}
				t, err := e.Repo.GetTask(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "include activities and timing metrics")
	return cmd
}

func taskUpdateCmd() *cobra.Command {
	var title, description, priority, typeCode, status string
	var estimate int
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update task fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.TaskUpdateOptions{
				ID:      args[0],
				ActorID: viper.GetString("actor-id"),
			}
			if cmd.Flags().Changed("title") {
				opts.Title = &title
			}
			if cmd.Flags().Changed("description") {
				opts.Description = &description
			}
			if cmd.Flags().Changed("priority") {
				opts.PriorityCode = &priority
			}
			if cmd.Flags().Changed("estimate") {
				opts.Estimate = &estimate
			}
			if cmd.Flags().Changed("type") {
				opts.TypeCode = &typeCode
			}
			if cmd.Flags().Changed("set-status") {
				opts.StatusCode = &status
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.UpdateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&priority, "priority", "", "priority")
	cmd.Flags().IntVar(&estimate, "estimate", 0, "estimate in hours")
	cmd.Flags().StringVar(&typeCode, "type", "", "task type")
	cmd.Flags().StringVar(&status, "set-status", "", "set status directly, bypassing transition checks")
	return cmd
}

func taskStatusCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "set-status <id>",
		Short: "Transition task status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.ChangeStatus(ctx, id, status, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "new status")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func taskSprintCmd() *cobra.Command {
	var sprint string
	var clear bool
	cmd := &cobra.Command{
		Use:   "set-sprint <id>",
		Short: "Move task and its subtree to a sprint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			if sprint == "" && !clear {
				return fmt.Errorf("--sprint or --clear required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.ChangeSprint(ctx, id, optionalString(sprint), viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&sprint, "sprint", "", "target sprint id")
	cmd.Flags().BoolVar(&clear, "clear", false, "remove from sprint")
	return cmd
}

func taskAssignCmd() *cobra.Command {
	var userID, userType string
	cmd := &cobra.Command{
		Use:   "assign <id>",
		Short: "Assign user to task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Assign(ctx, id, userType, userID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().StringVar(&userType, "role", "", "role (developer, reviewer)")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func taskUnassignCmd() *cobra.Command {
	var userID, userType string
	cmd := &cobra.Command{
		Use:   "unassign <id>",
		Short: "End an active task assignment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Unassign(ctx, id, userType, userID, viper.GetString("actor-id"))
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().StringVar(&userType, "role", "", "role (developer, reviewer)")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func taskTagCmd() *cobra.Command {
	tag := &cobra.Command{Use: "tag", Short: "Manage task tags"}
	tag.AddCommand(taskTagAddCmd())
	tag.AddCommand(taskTagRemoveCmd())
	tag.AddCommand(taskTagSetCmd())
	tag.AddCommand(taskTagListCmd())
	return tag
}

func taskTagAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <id> <tag>",
		Short: "Add a tag",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tags, err := e.AddTag(ctx, args[0], args[1], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(tags)
			})
		},
	}
	return cmd
}

func taskTagRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove <id> <tag>",
		Short: "Remove a tag",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tags, err := e.RemoveTag(ctx, args[0], args[1], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(tags)
			})
		},
	}
	return cmd
}

func taskTagSetCmd() *cobra.Command {
	var tags []string
	cmd := &cobra.Command{
		Use:   "set <id>",
		Short: "Replace the tag set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.SetTags(ctx, args[0], tags, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringArrayVar(&tags, "tag", []string{}, "tag (repeatable)")
	return cmd
}

func taskTagListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <id>",
		Short: "List tags",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tags, err := e.GetTags(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(tags)
			})
		},
	}
	return cmd
}

func taskTimingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "timing <id>",
		Short: "Show development and review time in minutes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				dev, err := e.DevelopmentTime(ctx, id)
				if err != nil {
					return err
				}
				review, err := e.ReviewTime(ctx, id)
				if err != nil {
					return err
				}
				out := map[string]any{
					"task_id":                  id,
					"development_time_minutes": dev,
					"review_time_minutes":      review,
				}
				return printJSONOrTable(out)
			})
		},
	}
	return cmd
}

func taskTreeCmd() *cobra.Command {
	var sprint, status string
	cmd := &cobra.Command{
		Use:   "tree",
		Short: "Show task tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{ProjectID: e.Config.Project.ID, SprintID: sprint, Status: status})
				if err != nil {
					return err
				}
				nodes := map[string][]domain.Task{}
				var roots []domain.Task
				for _, t := range tasks {
					if t.ParentID != nil {
						nodes[*t.ParentID] = append(nodes[*t.ParentID], t)
					} else {
						roots = append(roots, t)
					}
				}
				if viper.GetBool("json") {
					type Node struct {
						Task     domain.Task `json:"task"`
						Children []Node      `json:"children,omitempty"`
					}
					var build func(t domain.Task) Node
					build = func(t domain.Task) Node {
						var childNodes []Node
						for _, c := range nodes[t.ID] {
							childNodes = append(childNodes, build(c))
						}
						return Node{Task: t, Children: childNodes}
					}
					var treeNodes []Node
					for _, r := range roots {
						treeNodes = append(treeNodes, build(r))
					}
					return printJSON(treeNodes)
				}
				for _, r := range roots {
					printTaskTree(r, nodes, "", true)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&sprint, "sprint", "", "sprint filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func activityCmd() *cobra.Command {
	act := &cobra.Command{
		Use:   "activity",
		Short: "Manage task activities",
		Long:  "Activities are the audit trail. Adding one with a status or type sets the field directly; editing or deleting one recomputes the task from the remaining history.",
	}
	act.AddCommand(activityAddCmd())
	act.AddCommand(activityListCmd())
	act.AddCommand(activityUpdateCmd())
	act.AddCommand(activityDeleteCmd())
	return act
}

func activityAddCmd() *cobra.Command {
	var taskID, status, typeCode, comment string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Append an activity to a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := domain.Activity{
				TaskID:  taskID,
				Comment: comment,
			}
			if cmd.Flags().Changed("status") {
				a.StatusCode = &status
			}
			if cmd.Flags().Changed("type") {
				a.TypeCode = &typeCode
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.CreateActivity(ctx, a, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "task id")
	cmd.Flags().StringVar(&status, "status", "", "status the activity records")
	cmd.Flags().StringVar(&typeCode, "type", "", "type the activity records")
	cmd.Flags().StringVar(&comment, "comment", "", "comment")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

func activityListCmd() *cobra.Command {
	var taskID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List task activities, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if _, err := e.Repo.GetTask(ctx, taskID); err != nil {
					return err
				}
				items, err := e.Repo.ListActivitiesByTask(ctx, taskID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "task id")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

func activityUpdateCmd() *cobra.Command {
	var status, typeCode, comment string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Edit an activity you authored",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts engine.ActivityUpdateOptions
			if cmd.Flags().Changed("status") {
				opts.StatusCode = &status
			}
			if cmd.Flags().Changed("type") {
				opts.TypeCode = &typeCode
			}
			if cmd.Flags().Changed("comment") {
				opts.Comment = &comment
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.UpdateActivity(ctx, args[0], opts, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status the activity records")
	cmd.Flags().StringVar(&typeCode, "type", "", "type the activity records")
	cmd.Flags().StringVar(&comment, "comment", "", "comment")
	return cmd
}

func activityDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an activity you authored",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteActivity(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect project config",
		Long:  "Config is the rulebook (stored in DB): the workflow status catalog with transition targets and required roles, task types, and priorities. Import from trackline.yml if desired.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate stored config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Config.Validate()
			})
			if viper.GetBool("json") {
				out := map[string]any{"ok": err == nil}
				if err != nil {
					out["error"] = err.Error()
				}
				return printJSON(out)
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: task changes, sprint moves, assignments, and more.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, e.Config.Project.ID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func authCmd() *cobra.Command {
	auth := &cobra.Command{Use: "auth", Short: "Manage API keys"}
	auth.AddCommand(authKeyCreateCmd())
	auth.AddCommand(authKeyListCmd())
	return auth
}

func authKeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "key-create",
		Short: "Create an API key for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				raw := uuid.New().String() + uuid.New().String()
				key := domain.APIKey{
					ID:      uuid.New().String(),
					ActorID: viper.GetString("actor-id"),
					Name:    name,
					KeyHash: repo.HashAPIKey(raw),
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				// The raw key is only shown once; the DB stores the hash.
				return printJSONOrTable(map[string]string{
					"id":       key.ID,
					"actor_id": key.ActorID,
					"name":     key.Name,
					"key":      raw,
				})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func authKeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key-list",
		Short: "List API keys for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveProjectAndConfig(cmd.Context(), workspace, viper.GetString("project"), viper.GetString("actor-id"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("TRACKLINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("TRACKLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Trackline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveProjectAndConfig(ctx, workspace, viper.GetString("project"), viper.GetString("actor-id"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	return fn(ctx, r)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

func printTaskTree(t domain.Task, children map[string][]domain.Task, prefix string, last bool) {
	connector := "├── "
	newPrefix := prefix + "│   "
	if last {
		connector = "└── "
		newPrefix = prefix + "    "
	}
	fmt.Printf("%s%s%s [%s]\n", prefix, connector, t.Title, t.StatusCode)
	for i, c := range children[t.ID] {
		printTaskTree(c, children, newPrefix, i == len(children[t.ID])-1)
	}
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

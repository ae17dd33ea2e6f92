package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"apjsurvey/internal/app"
	"apjsurvey/internal/domain"
	"apjsurvey/internal/engine"
)

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage survey tasks",
	}
	cmd.AddCommand(taskCreateCmd())
	cmd.AddCommand(taskListCmd())
	cmd.AddCommand(taskShowCmd())
	cmd.AddCommand(taskDeleteCmd())
	cmd.AddCommand(taskStatusCmd())
	return cmd
}

func taskCreateCmd() *cobra.Command {
	var id, title, description, typ, surveyorID, surveyorName, surveyorEmail string
	var files []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Assign a new task to a surveyor",
		RunE: func(cmd *cobra.Command, args []string) error {
			refs, err := parseReferenceFiles(files)
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				task, err := rt.Engine.CreateTask(ctx, engine.TaskCreateOptions{
					ID:             id,
					Title:          title,
					Description:    description,
					Type:           domain.TaskType(typ),
					Surveyor:       domain.Surveyor{ID: surveyorID, Name: surveyorName, Email: surveyorEmail},
					ReferenceFiles: refs,
					Admin:          actingAdmin(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(task)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "task id (generated when empty)")
	cmd.Flags().StringVar(&title, "title", "", "task title")
	cmd.Flags().StringVar(&description, "description", "", "task description")
	cmd.Flags().StringVar(&typ, "type", "", "propose|existing|propose-existing")
	cmd.Flags().StringVar(&surveyorID, "surveyor-id", "", "assigned surveyor id")
	cmd.Flags().StringVar(&surveyorName, "surveyor-name", "", "assigned surveyor name")
	cmd.Flags().StringVar(&surveyorEmail, "surveyor-email", "", "assigned surveyor email")
	cmd.Flags().StringArrayVar(&files, "file", nil, "reference file URL, optionally kind=URL (repeatable)")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("surveyor-id")
	return cmd
}

// parseReferenceFiles accepts "url" or "kind=url" entries.
func parseReferenceFiles(in []string) ([]domain.ReferenceFile, error) {
	out := make([]domain.ReferenceFile, 0, len(in))
	for _, raw := range in {
		ref := domain.ReferenceFile{URL: raw}
		if kind, url, ok := strings.Cut(raw, "="); ok && !strings.Contains(kind, "/") {
			k, err := domain.ParseSurveyKind(kind)
			if err != nil {
				return nil, fmt.Errorf("--file %q: %w", raw, err)
			}
			ref = domain.ReferenceFile{Kind: k, URL: url}
		}
		out = append(out, ref)
	}
	return out, nil
}

func taskListCmd() *cobra.Command {
	var surveyorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks created by the acting admin, or assigned to a surveyor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				var tasks []domain.Task
				var err error
				if surveyorID != "" {
					tasks, err = rt.Engine.ListTasksForSurveyor(ctx, surveyorID)
				} else {
					tasks, err = rt.Engine.ListTasksForAdmin(ctx, actingAdmin())
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := newTable("ID", "Title", "Type", "Surveyor", "Status", "Files", "Created")
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Title, t.Type, t.SurveyorName, t.Status, len(t.ReferenceFiles), t.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&surveyorID, "surveyor-id", "", "list the tasks assigned to this surveyor")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				task, err := rt.Engine.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(task)
			})
		},
	}
}

func taskDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <task-id>",
		Short: "Delete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.Engine.DeleteTask(ctx, args[0], actingAdmin().ID); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"deleted": args[0]})
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	}
}

func taskStatusCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "status <task-id> <pending|in-progress|completed>",
		Short: "Move a task through its lifecycle",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if actor == "" {
					actor = actingAdmin().ID
				}
				task, err := rt.Engine.SetTaskStatus(ctx, args[0], domain.TaskStatus(args[1]), actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(task)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor recorded in the event log (defaults to --admin-id)")
	return cmd
}

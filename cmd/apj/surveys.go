package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"apjsurvey/internal/app"
	"apjsurvey/internal/domain"
	"apjsurvey/internal/engine"
)

func surveyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "survey",
		Short: "Submit and review pole surveys",
	}
	cmd.AddCommand(surveySubmitCmd())
	cmd.AddCommand(surveyListCmd())
	cmd.AddCommand(surveyShowCmd())
	cmd.AddCommand(surveyTransitionCmd("verify", "Mark a waiting survey as verified"))
	cmd.AddCommand(surveyTransitionCmd("validate", "Validate a verified survey"))
	cmd.AddCommand(surveyRejectCmd())
	cmd.AddCommand(surveyEditCmd())
	cmd.AddCommand(surveyDeleteCmd())
	cmd.AddCommand(surveyQueueCmd())
	cmd.AddCommand(surveyCountsCmd())
	return cmd
}

// kindAndID parses the "<kind> <id>" positional pair.
func kindAndID(args []string) (domain.SurveyKind, string, error) {
	kind, err := domain.ParseSurveyKind(args[0])
	if err != nil {
		return "", "", err
	}
	return kind, args[1], nil
}

func surveySubmitCmd() *cobra.Command {
	var id, kind, surveyorID, surveyorName, taskID, details string
	var lat, lng, accuracy float64
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a survey on behalf of a surveyor",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := domain.ParseSurveyKind(kind)
			if err != nil {
				return err
			}
			d, err := domain.ParseDetails(k, []byte(details))
			if err != nil {
				return err
			}
			var acc *float64
			if cmd.Flags().Changed("accuracy") {
				acc = &accuracy
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				s, err := rt.Engine.SubmitSurvey(ctx, engine.SurveySubmission{
					ID:        id,
					Kind:      k,
					TaskID:    taskID,
					Surveyor:  domain.Surveyor{ID: surveyorID, Name: surveyorName},
					Latitude:  lat,
					Longitude: lng,
					Accuracy:  acc,
					Details:   d,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "survey id (generated when empty)")
	cmd.Flags().StringVar(&kind, "kind", "", "existing|propose")
	cmd.Flags().StringVar(&surveyorID, "surveyor-id", "", "surveyor id")
	cmd.Flags().StringVar(&surveyorName, "surveyor-name", "", "surveyor name")
	cmd.Flags().StringVar(&taskID, "task", "", "task the survey belongs to")
	cmd.Flags().Float64Var(&lat, "lat", 0, "latitude")
	cmd.Flags().Float64Var(&lng, "lng", 0, "longitude")
	cmd.Flags().Float64Var(&accuracy, "accuracy", 0, "GPS accuracy in meters")
	cmd.Flags().StringVar(&details, "details", "", "kind-specific details as JSON")
	_ = cmd.MarkFlagRequired("kind")
	_ = cmd.MarkFlagRequired("surveyor-id")
	_ = cmd.MarkFlagRequired("lat")
	_ = cmd.MarkFlagRequired("lng")
	return cmd
}

func surveyListCmd() *cobra.Command {
	var kind, status, surveyorID, taskID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List surveys",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := engine.SurveyFilter{Kind: domain.SurveyKind(kind), SurveyorUID: surveyorID, TaskID: taskID}
			if status != "" {
				st, err := domain.ParseSurveyStatus(status)
				if err != nil {
					return err
				}
				f.Status = st
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.ListSurveys(ctx, f)
				if err != nil {
					return err
				}
				return printSurveys(items)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "existing|propose (both when empty)")
	cmd.Flags().StringVar(&status, "status", "", "menunggu|diverifikasi|tervalidasi|ditolak")
	cmd.Flags().StringVar(&surveyorID, "surveyor-id", "", "only surveys by this surveyor")
	cmd.Flags().StringVar(&taskID, "task", "", "only surveys for this task")
	return cmd
}

func printSurveys(items []domain.Survey) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable("ID", "Kind", "Status", "Surveyor", "Task", "Lat", "Lng", "Created")
	for _, s := range items {
		tw.AppendRow(table.Row{s.ID, s.Kind, s.Status, s.SurveyorName, s.TaskID, s.Latitude, s.Longitude, s.CreatedAt})
	}
	tw.Render()
	return nil
}

func surveyShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <kind> <survey-id>",
		Short: "Show a survey",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, id, err := kindAndID(args)
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				s, err := rt.Engine.GetSurvey(ctx, kind, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
}

func surveyTransitionCmd(op, short string) *cobra.Command {
	return &cobra.Command{
		Use:   op + " <kind> <survey-id>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, id, err := kindAndID(args)
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				var s domain.Survey
				if op == "verify" {
					s, err = rt.Engine.VerifySurvey(ctx, kind, id, actingAdmin().ID)
				} else {
					s, err = rt.Engine.ValidateSurvey(ctx, kind, id, actingAdmin())
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
}

func surveyRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <kind> <survey-id>",
		Short: "Reject a survey with a reason",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, id, err := kindAndID(args)
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				s, err := rt.Engine.RejectSurvey(ctx, kind, id, actingAdmin(), reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason shown to the surveyor")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func surveyEditCmd() *cobra.Command {
	var lat, lng, accuracy float64
	var details string
	cmd := &cobra.Command{
		Use:   "edit <kind> <survey-id>",
		Short: "Correct a survey's coordinates or details",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, id, err := kindAndID(args)
			if err != nil {
				return err
			}
			var edit engine.SurveyEdit
			if cmd.Flags().Changed("lat") {
				edit.Latitude = &lat
			}
			if cmd.Flags().Changed("lng") {
				edit.Longitude = &lng
			}
			if cmd.Flags().Changed("accuracy") {
				edit.Accuracy = &accuracy
			}
			if details != "" {
				if err := json.Unmarshal([]byte(details), &edit.Details); err != nil {
					return fmt.Errorf("--details must be a JSON object: %w", err)
				}
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				s, err := rt.Engine.EditSurvey(ctx, kind, id, actingAdmin(), edit)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().Float64Var(&lat, "lat", 0, "new latitude")
	cmd.Flags().Float64Var(&lng, "lng", 0, "new longitude")
	cmd.Flags().Float64Var(&accuracy, "accuracy", 0, "new GPS accuracy in meters")
	cmd.Flags().StringVar(&details, "details", "", "detail fields to change as a JSON object")
	return cmd
}

func surveyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <kind> <survey-id>",
		Short: "Delete a survey",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, id, err := kindAndID(args)
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.Engine.DeleteSurvey(ctx, kind, id, actingAdmin().ID); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"deleted": id})
				}
				fmt.Println("deleted", id)
				return nil
			})
		},
	}
}

func surveyQueueCmd() *cobra.Command {
	var kind string
	var validation bool
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Show the verification queue, or the acting admin's validation queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				var items []domain.Survey
				var err error
				if validation {
					items, err = rt.Engine.ValidationQueue(ctx, actingAdmin())
				} else {
					items, err = rt.Engine.VerificationQueue(ctx, domain.SurveyKind(kind))
				}
				if err != nil {
					return err
				}
				return printSurveys(items)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "existing|propose (both when empty)")
	cmd.Flags().BoolVar(&validation, "validation", false, "show verified surveys awaiting validation")
	return cmd
}

func surveyCountsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "counts",
		Short: "Count surveys by kind and status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				c, err := rt.Engine.SurveyCounts(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(c)
				}
				header := []any{"Kind"}
				for _, st := range domain.SurveyStatuses {
					header = append(header, st)
				}
				tw := newTable(append(header, "Total")...)
				for _, k := range []domain.SurveyKind{domain.KindExisting, domain.KindPropose} {
					row := table.Row{k}
					for _, st := range domain.SurveyStatuses {
						row = append(row, c.Matrix[k][st])
					}
					tw.AppendRow(append(row, c.ByKind[k]))
				}
				footer := table.Row{"all"}
				for _, st := range domain.SurveyStatuses {
					footer = append(footer, c.ByStatus[st])
				}
				tw.AppendFooter(append(footer, c.Total))
				tw.Render()
				return nil
			})
		},
	}
}

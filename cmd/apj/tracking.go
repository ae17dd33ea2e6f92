package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"apjsurvey/internal/app"
	"apjsurvey/internal/domain"
	"apjsurvey/internal/engine"
)

func trackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "track",
		Short: "Record a surveyor's GPS path",
	}
	cmd.AddCommand(trackStartCmd())
	cmd.AddCommand(trackTickCmd())
	cmd.AddCommand(trackStopCmd())
	cmd.AddCommand(trackListCmd())
	return cmd
}

// fixFlags registers --lat/--lng/--accuracy/--timestamp on cmd and returns a builder for the fix.
func fixFlags(cmd *cobra.Command) func() *domain.Fix {
	var fix domain.Fix
	var accuracy float64
	cmd.Flags().Float64Var(&fix.Latitude, "lat", 0, "latitude")
	cmd.Flags().Float64Var(&fix.Longitude, "lng", 0, "longitude")
	cmd.Flags().Float64Var(&accuracy, "accuracy", 0, "GPS accuracy in meters")
	cmd.Flags().Int64Var(&fix.Timestamp, "timestamp", 0, "fix time in unix milliseconds (defaults to now)")
	_ = cmd.MarkFlagRequired("lat")
	_ = cmd.MarkFlagRequired("lng")
	return func() *domain.Fix {
		out := fix
		if cmd.Flags().Changed("accuracy") {
			out.Accuracy = &accuracy
		}
		if out.Timestamp == 0 {
			out.Timestamp = time.Now().UnixMilli()
		}
		return &out
	}
}

func trackStartCmd() *cobra.Command {
	var surveyorID, surveyorName, surveyorEmail, surveyType, taskID string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a tracking session seeded with the current fix",
	}
	fix := fixFlags(cmd)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		kind, err := domain.ParseSurveyKind(surveyType)
		if err != nil {
			return err
		}
		return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
			s, err := rt.Tracker.Start(ctx, engine.TrackingStart{
				User:       domain.Surveyor{ID: surveyorID, Name: surveyorName, Email: surveyorEmail},
				SurveyType: kind,
				TaskID:     taskID,
				Fix:        fix(),
			})
			if err != nil {
				return err
			}
			return printJSONOrTable(s.Snapshot())
		})
	}
	cmd.Flags().StringVar(&surveyorID, "surveyor-id", "", "surveyor id")
	cmd.Flags().StringVar(&surveyorName, "surveyor-name", "", "surveyor name")
	cmd.Flags().StringVar(&surveyorEmail, "surveyor-email", "", "surveyor email")
	cmd.Flags().StringVar(&surveyType, "type", "", "existing|propose")
	cmd.Flags().StringVar(&taskID, "task", "", "task being surveyed")
	_ = cmd.MarkFlagRequired("surveyor-id")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func trackTickCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tick <session-id>",
		Short: "Append a fix to an active session",
		Args:  cobra.ExactArgs(1),
	}
	fix := fixFlags(cmd)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
			s, err := rt.Tracker.Resume(ctx, args[0])
			if err != nil {
				return err
			}
			recorded, err := rt.Tracker.Tick(ctx, s, fix())
			if err != nil {
				return err
			}
			snap := s.Snapshot()
			out := map[string]any{"sessionId": snap.ID, "recorded": recorded, "pointsCount": len(snap.Path)}
			if viper.GetBool("json") {
				return printJSON(out)
			}
			if recorded {
				fmt.Printf("recorded fix %d for session %s\n", len(snap.Path), snap.ID)
			} else {
				fmt.Printf("fix not newer than the last point; session %s has %d points\n", snap.ID, len(snap.Path))
			}
			return nil
		})
	}
	return cmd
}

func trackStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <session-id>",
		Short: "Stop a session and store its summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				s, err := rt.Tracker.Resume(ctx, args[0])
				if err != nil {
					return err
				}
				sum, err := rt.Tracker.Stop(ctx, s)
				if err != nil {
					return err
				}
				return printJSONOrTable(sum)
			})
		},
	}
}

func trackListCmd() *cobra.Command {
	var surveyorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tracking sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Tracker.ListSessions(ctx, surveyorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Surveyor", "Type", "Task", "Status", "Points", "Distance (km)", "Started")
				for _, s := range items {
					dist := ""
					if s.TotalDistance != nil {
						dist = fmt.Sprintf("%.3f", *s.TotalDistance)
					}
					tw.AppendRow(table.Row{s.ID, s.UserName, s.SurveyType, s.TaskID, s.Status, len(s.Path), dist, s.StartTime})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&surveyorID, "surveyor-id", "", "only sessions of this surveyor")
	return cmd
}

func pointCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "point",
		Short: "Track completed reference points of a task",
	}
	cmd.AddCommand(pointCompleteCmd())
	cmd.AddCommand(pointListCmd())
	cmd.AddCommand(pointNextCmd())
	return cmd
}

func pointCompleteCmd() *cobra.Command {
	var name string
	var lat, lng float64
	cmd := &cobra.Command{
		Use:   "complete <task-id> <point-id>",
		Short: "Mark a reference point as visited",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				outcome, conf, err := rt.Points.Complete(ctx, args[0], args[1], name, lat, lng)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"outcome": outcome, "confirmation": conf})
				}
				label := conf.PointName
				if label == "" {
					label = conf.PointID
				}
				fmt.Printf("%s: %s (%.6f, %.6f)\n", outcome, label, conf.Lat, conf.Lng)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "point display name")
	cmd.Flags().Float64Var(&lat, "lat", 0, "point latitude")
	cmd.Flags().Float64Var(&lng, "lng", 0, "point longitude")
	return cmd
}

func pointListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <task-id>",
		Short: "List completed point ids of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				ids, err := rt.Points.Completed(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"taskId": args[0], "completed": ids})
				}
				tw := newTable("Point")
				for _, id := range ids {
					tw.AppendRow(table.Row{id})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func pointNextCmd() *cobra.Command {
	var refsPath string
	var lat, lng float64
	cmd := &cobra.Command{
		Use:   "next <task-id>",
		Short: "Show the nearest reference point not yet completed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			refs, err := loadRefPoints(refsPath)
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				fix := &domain.Fix{Latitude: lat, Longitude: lng, Timestamp: time.Now().UnixMilli()}
				ref, dist, ok, err := rt.Points.NextPending(ctx, args[0], fix, refs)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					out := map[string]any{"found": ok}
					if ok {
						out["point"] = ref
						out["distanceKm"] = dist
					}
					return printJSON(out)
				}
				if !ok {
					fmt.Println("all reference points completed")
					return nil
				}
				fmt.Printf("next: %s %s (%.6f, %.6f), %.3f km away\n", ref.ID, ref.Name, ref.Lat, ref.Lng, dist)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&refsPath, "refs", "", "JSON file with the task's reference points [{id,name,lat,lng}]")
	cmd.Flags().Float64Var(&lat, "lat", 0, "current latitude")
	cmd.Flags().Float64Var(&lng, "lng", 0, "current longitude")
	_ = cmd.MarkFlagRequired("refs")
	_ = cmd.MarkFlagRequired("lat")
	_ = cmd.MarkFlagRequired("lng")
	return cmd
}

func loadRefPoints(path string) ([]domain.RefPoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var refs []domain.RefPoint
	if err := json.Unmarshal(data, &refs); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return refs, nil
}

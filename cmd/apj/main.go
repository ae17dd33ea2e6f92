package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"apjsurvey/internal/app"
	"apjsurvey/internal/config"
	"apjsurvey/internal/domain"
	"apjsurvey/internal/logging"
	"apjsurvey/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "apj",
	Short: "APJ street-lighting survey CLI",
	Long: `apj manages street-lighting (APJ) field surveys.
- Tasks: an admin assigns a surveyor a task with KMZ/KML reference files; the task moves pending -> in-progress -> completed.
- Surveys: surveyors submit existing-pole or proposed-pole surveys; they move menunggu -> diverifikasi -> tervalidasi, or ditolak with a reason.
- Tracking: a session records the surveyor's GPS path and stores distance, point count and duration when stopped.
- Points: reference points a surveyor has visited are remembered per task.
Storage is SQLite under .apjsurvey/ by default; apjsurvey.yml can switch to MongoDB and Redis.`,
	SilenceUsage: true,
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "warning: .env not loaded:", err)
	}
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("APJSURVEY")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (defaults to <workspace>/apjsurvey.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("admin-id", "local-admin", "acting admin identifier")
	rootCmd.PersistentFlags().String("admin-name", "", "acting admin display name")
	rootCmd.PersistentFlags().String("admin-email", "", "acting admin email")
	rootCmd.PersistentFlags().String("log-level", "", "log level (overrides config)")
	for _, name := range []string{"workspace", "config", "json", "admin-id", "admin-name", "admin-email", "log-level"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(surveyCmd())
	rootCmd.AddCommand(trackCmd())
	rootCmd.AddCommand(pointCmd())
	rootCmd.AddCommand(logCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage apjsurvey.yml",
	}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cfg.AddCommand(initCmd)
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSONOrTable(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig()
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	})
	return cfg
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var headerIdentity bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if addr == "" {
					addr = rt.Config.Server.Addr
				}
				if basePath == "" {
					basePath = rt.Config.Server.BasePath
				}
				authCfg := server.AuthConfig{
					JWTSecret:           rt.Config.Auth.JWTSecret,
					AllowHeaderIdentity: headerIdentity,
					Logger:              rt.Log,
				}
				if authCfg.JWTSecret == "" && !headerIdentity {
					return fmt.Errorf("auth.jwt_secret (or APJSURVEY_JWT_SECRET) is required for bearer auth")
				}
				handler, err := server.New(server.Config{
					Engine:   rt.Engine,
					Tracker:  rt.Tracker,
					Points:   rt.Points,
					BasePath: basePath,
					Auth:     authCfg,
					Log:      rt.Log,
				})
				if err != nil {
					return err
				}
				fmt.Printf("Serving APJ survey API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				return server.Run(ctx, addr, handler, rt.Log)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides config)")
	cmd.Flags().BoolVar(&headerIdentity, "allow-header-identity", false, "accept X-User-Id/X-User-Role without a token (local use only)")
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log <entity-kind> <entity-id>",
		Short: "Show the event trail of a task, survey or tracking session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.Events.List(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				printEvents(items)
				return nil
			})
		},
	}
	return cmd
}

// --- helpers ---

// loadConfig resolves the config file and applies APJSURVEY_* environment overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := app.ResolveConfig(viper.GetString("workspace"), viper.GetString("config"))
	if err != nil {
		return nil, err
	}
	overrides := map[string]*string{
		"jwt_secret":     &cfg.Auth.JWTSecret,
		"storage_driver": &cfg.Storage.Driver,
		"mongo_uri":      &cfg.Storage.Mongo.URI,
		"mongo_database": &cfg.Storage.Mongo.Database,
		"points_driver":  &cfg.Points.Driver,
		"redis_addr":     &cfg.Points.Redis.Addr,
		"redis_password": &cfg.Points.Redis.Password,
	}
	for key, dst := range overrides {
		if v := viper.GetString(key); v != "" {
			*dst = v
		}
	}
	if lvl := viper.GetString("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logging.Init(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	rt, err := app.Open(ctx, viper.GetString("workspace"), cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			log.WithError(err).Warn("close runtime")
		}
	}()
	return fn(ctx, rt)
}

func actingAdmin() domain.Admin {
	return domain.Admin{
		ID:    viper.GetString("admin-id"),
		Name:  viper.GetString("admin-name"),
		Email: viper.GetString("admin-email"),
	}
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

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	return tw
}

func printEvents(items []domain.Event) {
	tw := newTable("TS", "Type", "Actor", "Payload")
	for _, e := range items {
		payload, _ := json.Marshal(e.Payload)
		tw.AppendRow(table.Row{e.TS, e.Type, e.ActorID, string(payload)})
	}
	tw.Render()
}

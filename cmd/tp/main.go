package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskpool/internal/app"
	"taskpool/internal/config"
	"taskpool/internal/db"
	"taskpool/internal/domain"
	"taskpool/internal/engine"
	"taskpool/internal/repo"
	"taskpool/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "tp",
	Short: "Taskpool CLI",
	Long: `Taskpool keeps a shared pool of tasks and runs workflow rules when work moves.
Core concepts:
- Tasks: units of work that go available -> claimed -> completed. Only the claimant can release or complete.
- Cards: board items that move pendiente -> en_curso -> cerrada.
- Workflows: named groups of rules scoped to an organization or a single project.
- Rules: "when a task or card reaches state X, create tasks from these templates". Each rule fires at most once per origin.
- Templates: task blueprints with {{origin}}, {{previous_state}}, {{new_state}}, {{project}} and {{user}} placeholders.
- Audit log: every transition and rule outcome, view with 'tp log tail'.`,
	SilenceUsage: true,
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
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TASKPOOL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().Int64("org", 1, "organization id")
	rootCmd.PersistentFlags().Int64("user-id", 0, "acting user id")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("org", rootCmd.PersistentFlags().Lookup("org"))
	_ = viper.BindPFlag("user-id", rootCmd.PersistentFlags().Lookup("user-id"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(cardCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(ruleCmd())
	rootCmd.AddCommand(templateCmd())
	rootCmd.AddCommand(execCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage taskpool.yml",
		Long:  "taskpool.yml holds the server address, auth settings and engine switches. Missing keys fall back to defaults.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default taskpool.yml",
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
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate taskpool.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	var projectID int64
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show task counts for a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetProject(ctx, nil, projectID)
				if err != nil {
					return err
				}
				counts, err := e.Repo.CountTasksByStatus(ctx, p.OrgID, p.ID)
				if err != nil {
					return err
				}
				out := map[string]any{"project_id": p.ID, "name": p.Name, "task_counts": counts}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Project: %s (#%d)\n", p.Name, p.ID)
				fmt.Println("Tasks:")
				for _, s := range []domain.TaskStatus{domain.TaskAvailable, domain.TaskClaimed, domain.TaskCompleted} {
					fmt.Printf("  %s: %d\n", s, counts[s])
				}
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&projectID, "project", 0, "project id")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage the project directory"}
	var id int64
	var name string
	put := &cobra.Command{
		Use:   "put",
		Short: "Create or rename a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p := domain.Project{ID: id, OrgID: viper.GetInt64("org"), Name: name}
				if err := e.Repo.UpsertProject(ctx, p); err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	put.Flags().Int64Var(&id, "id", 0, "project id")
	put.Flags().StringVar(&name, "name", "", "display name")
	_ = put.MarkFlagRequired("id")
	_ = put.MarkFlagRequired("name")
	prj.AddCommand(put)
	return prj
}

func userCmd() *cobra.Command {
	usr := &cobra.Command{Use: "user", Short: "Manage the user directory"}
	var id int64
	var name string
	put := &cobra.Command{
		Use:   "put",
		Short: "Create or rename a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u := domain.User{ID: id, DisplayName: name}
				if err := e.Repo.UpsertUser(ctx, u); err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	put.Flags().Int64Var(&id, "id", 0, "user id")
	put.Flags().StringVar(&name, "name", "", "display name")
	_ = put.MarkFlagRequired("id")
	_ = put.MarkFlagRequired("name")
	usr.AddCommand(put)
	return usr
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Audit log",
		Long:  "Every transition, registry change and rule outcome is recorded here.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var f repo.AuditFilters
	var originType string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.OrgID = viper.GetInt64("org")
			f.OriginType = domain.ResourceType(originType)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entries, err := e.Repo.LatestAudit(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := newTable(table.Row{"ID", "TS", "Event", "Origin", "Actor", "From", "To"})
				for _, a := range entries {
					tw.AppendRow(table.Row{a.ID, a.TS, a.Event, fmt.Sprintf("%s#%d", a.OriginType, a.OriginID), derefInt(a.ActorID), a.FromStatus, a.ToStatus})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of entries")
	cmd.Flags().StringVar(&f.Event, "event", "", "event filter")
	cmd.Flags().StringVar(&originType, "origin-type", "", "origin type filter (task, card, workflow)")
	cmd.Flags().Int64Var(&f.OriginID, "origin-id", 0, "origin id filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ac, err := app.Open(cmd.Context(), viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer ac.Close()
			if !cmd.Flags().Changed("addr") {
				addr = ac.Config.Server.Addr
			}
			if !cmd.Flags().Changed("base-path") {
				basePath = ac.Config.Server.BasePath
			}
			secretEnv := ac.Config.Auth.JWTSecretEnv
			authCfg := server.AuthConfig{JWTSecret: os.Getenv(secretEnv), AdminRole: ac.Config.Auth.AdminRole, Logger: ac.Engine.Logger}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("%s is required for bearer auth", secretEnv)
			}
			handler, err := server.New(server.Config{Engine: ac.Engine, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Taskpool API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address (defaults to server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path (defaults to server.base_path)")
	return cmd
}

func tokenCmd() *cobra.Command {
	var name string
	var roles []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the HTTP API",
		Long:  "Signs an HS256 token with the secret read from the env var named by auth.jwt_secret_env.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			userID := viper.GetInt64("user-id")
			if userID <= 0 {
				return fmt.Errorf("--user-id required")
			}
			token, err := server.SignToken(os.Getenv(cfg.Auth.JWTSecretEnv), server.Principal{
				UserID: userID,
				OrgID:  viper.GetInt64("org"),
				Name:   name,
				Roles:  roles,
			}, ttl)
			if err != nil {
				return fmt.Errorf("%s: %w", cfg.Auth.JWTSecretEnv, err)
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"token": token})
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name carried in the token")
	cmd.Flags().StringArrayVar(&roles, "role", []string{}, "role claim (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime, 0 for no expiry")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	ac, err := app.Open(ctx, viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer ac.Close()
	return fn(ctx, ac.Engine)
}

// actor returns the acting user from --user-id, or an error when it is unset.
func actor() (int64, error) {
	id := viper.GetInt64("user-id")
	if id <= 0 {
		return 0, fmt.Errorf("--user-id required")
	}
	return id, nil
}

func newTable(header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	return tw
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

func printEvaluations(evals []engine.Evaluation, dispatchErr error) {
	if len(evals) == 0 && dispatchErr == nil {
		return
	}
	tw := newTable(table.Row{"Rule", "Outcome", "Reason", "Tasks"})
	for _, ev := range evals {
		ids := make([]string, 0, len(ev.Tasks))
		for _, t := range ev.Tasks {
			ids = append(ids, fmt.Sprint(t.ID))
		}
		sort.Strings(ids)
		tw.AppendRow(table.Row{ev.RuleID, ev.Outcome, ev.Reason, strings.Join(ids, ",")})
	}
	tw.Render()
	if dispatchErr != nil {
		fmt.Println("rule errors:", dispatchErr)
	}
}

func derefInt(v *int64) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(*v)
}

func optionalInt64(v int64) *int64 {
	if v <= 0 {
		return nil
	}
	return &v
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"addie/internal/app"
	"addie/internal/config"
	"addie/internal/db"
	"addie/internal/engine"
	"addie/internal/migrate"
	"addie/internal/server"
	"addie/internal/worker"
)

var rootCmd = &cobra.Command{
	Use:   "addie",
	Short: "Autonomous instructional-design pipeline",
	Long: `addie turns uploaded source material into courses by driving a project through
ingest, analyze, design, develop, implement and evaluate.
- Workspace: a directory holding .addie/addie.db and an optional addie.yml.
- Run: one attempt at executing the phases in order. Each run carries an
  idempotency key; repeating the key while the run holds it replays the result.
- Gate: after every phase a quality gate scores the output. A failing gate stops
  the run; a failing develop gate routes the run to a human exception instead.
- Exception: a review item that blocks resume until it is resolved, rejected or
  overridden.`,
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
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("ADDIE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("project", "", "project id")
	rootCmd.PersistentFlags().String("log-level", "", "log level (overrides addie.yml)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(docCmd())
	rootCmd.AddCommand(learnerCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(metricsCmd())
	rootCmd.AddCommand(exceptionsCmd())
	rootCmd.AddCommand(rolloutCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage addie.yml",
		Long:  "addie.yml tunes the orchestrator (exception SLA, ingest retry policy, concurrency), the HTTP server, logging and the RBAC role table. Every key is optional.",
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
		Short: "Write the default addie.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
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
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate addie.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
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
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectDeleteCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var opts engine.ProjectCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.ActorID = viper.GetString("actor-id")
				p, err := e.CreateProject(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				fmt.Printf("created project %s (%s)\n", p.ID, p.Name)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "project id (generated when empty)")
	cmd.Flags().StringVar(&opts.OrgID, "org", "", "organization id")
	cmd.Flags().StringVar(&opts.Name, "name", "", "project name")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func projectListCmd() *cobra.Command {
	var orgID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListProjects(ctx, orgID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Org", "Name", "Phase", "Run State", "Attempt"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.OrgID, p.Name, p.CurrentPhase, p.RunState, p.RunAttempt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&orgID, "org", "", "organization filter")
	return cmd
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [project-id]",
		Short: "Show a project with its phase results",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				projectID, err := projectArg(args)
				if err != nil {
					return err
				}
				p, err := e.GetProject(ctx, projectID)
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
}

func projectDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete [project-id]",
		Short: "Delete a project and its records",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				projectID, err := projectArg(args)
				if err != nil {
					return err
				}
				if err := e.Repo.DeleteProject(ctx, projectID); err != nil {
					return err
				}
				fmt.Println("deleted", projectID)
				return nil
			})
		},
	}
}

func docCmd() *cobra.Command {
	doc := &cobra.Command{Use: "doc", Short: "Manage source documents"}
	doc.AddCommand(docAddCmd())
	doc.AddCommand(docListCmd())
	return doc
}

func docAddCmd() *cobra.Command {
	var opts engine.DocumentAddOptions
	var textFile string
	cmd := &cobra.Command{
		Use:   "add [project-id]",
		Short: "Attach a document to a project",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, err := projectArg(args)
			if err != nil {
				return err
			}
			if textFile != "" {
				data, err := os.ReadFile(textFile)
				if err != nil {
					return err
				}
				opts.ContentText = string(data)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.ProjectID = projectID
				opts.ActorID = viper.GetString("actor-id")
				d, err := e.AddDocument(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				fmt.Printf("added document %s (%s)\n", d.ID, d.SourceType)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.Title, "title", "", "document title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.SourceType, "type", "text", "source type: text, document or url")
	cmd.Flags().StringVar(&opts.SourceURL, "url", "", "source url")
	cmd.Flags().StringVar(&opts.FilePath, "file", "", "path of a local file to extract at ingest time")
	cmd.Flags().StringVar(&opts.ContentText, "text", "", "inline content")
	cmd.Flags().StringVar(&textFile, "text-file", "", "read inline content from a file now")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func docListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list [project-id]",
		Short: "List documents",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				projectID, err := projectArg(args)
				if err != nil {
					return err
				}
				docs, err := e.ListDocuments(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(docs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Type", "Status", "Chunks", "Error"})
				for _, d := range docs {
					tw.AppendRow(table.Row{d.ID, d.Title, d.SourceType, d.Status, d.ChunkCount, d.ErrorCode})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func learnerCmd() *cobra.Command {
	l := &cobra.Command{Use: "learner", Short: "Manage learners"}
	var orgID, name string
	add := &cobra.Command{
		Use:   "add",
		Short: "Register a learner in an organization",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				learner, err := e.AddLearner(ctx, orgID, name, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(learner)
				}
				fmt.Printf("added learner %s to %s\n", learner.ID, learner.OrgID)
				return nil
			})
		},
	}
	add.Flags().StringVar(&orgID, "org", "default-org", "organization id")
	add.Flags().StringVar(&name, "name", "", "learner name")
	_ = add.MarkFlagRequired("name")
	l.AddCommand(add)
	return l
}

func tokenCmd() *cobra.Command {
	var actor string
	var roles, perms []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token signed with ADDIE_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			tok, err := server.SignToken(viper.GetString("jwt-secret"), actor, roles, perms, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "token subject (defaults to --actor-id)")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role to grant (repeatable)")
	cmd.Flags().StringSliceVar(&perms, "permission", nil, "explicit permission to grant (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and report the schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(cmd.Context(), conn); err != nil {
				return err
			}
			current, err := migrate.Current(cmd.Context(), conn)
			if err != nil {
				return err
			}
			latest, err := migrate.Latest()
			if err != nil {
				return err
			}
			fmt.Printf("schema version %d (latest %d)\n", current, latest)
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var dev bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer rt.Close()
			if addr == "" {
				addr = rt.Config.Server.Addr
			}
			if basePath == "" {
				basePath = rt.Config.Server.BasePath
			}
			authCfg := server.AuthConfig{
				JWTSecret:              viper.GetString("jwt-secret"),
				AllowLegacyActorHeader: dev,
				DevLogin:               dev,
				Logger:                 rt.Logger,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("ADDIE_JWT_SECRET is required for bearer auth")
			}
			dispatcher := worker.NewDispatcher(rt.Config.Orchestrator.MaxConcurrentRuns, rt.Logger)
			handler, err := server.New(server.Config{
				Engine:     rt.Engine,
				Dispatcher: dispatcher,
				BasePath:   basePath,
				Auth:       authCfg,
				Gatherer:   rt.Registry,
				Logger:     rt.Logger,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
				if err := dispatcher.Close(ctx); err != nil {
					rt.Logger.Warn("background runs still active at shutdown", zap.Error(err))
				}
			}()
			rt.Logger.Info("serving API", zap.String("addr", addr), zap.String("base_path", basePath), zap.Bool("dev", dev))
			fmt.Printf("Serving addie API on http://%s%s (OpenAPI at %s/openapi.json, metrics at /metrics)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to server.base_path)")
	cmd.Flags().BoolVar(&dev, "dev", false, "enable X-Actor-Id and /auth/dev/login for local testing")
	return cmd
}

func openRuntime(ctx context.Context, quiet bool) (*app.Runtime, error) {
	return app.Open(ctx, app.Options{
		Workspace: viper.GetString("workspace"),
		LogLevel:  viper.GetString("log-level"),
		Quiet:     quiet && viper.GetString("log-level") == "",
	})
}

// withEngine opens the workspace for one command. Commands log only when
// --log-level is given.
func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	rt, err := openRuntime(ctx, true)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt.Engine)
}

func projectArg(args []string) (string, error) {
	if len(args) > 0 && strings.TrimSpace(args[0]) != "" {
		return strings.TrimSpace(args[0]), nil
	}
	if p := strings.TrimSpace(viper.GetString("project")); p != "" {
		return p, nil
	}
	return "", fmt.Errorf("project not specified; pass it as an argument or use --project")
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

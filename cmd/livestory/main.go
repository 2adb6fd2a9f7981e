package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"livestory/internal/app"
	"livestory/internal/config"
	"livestory/internal/db"
	"livestory/internal/domain"
	"livestory/internal/engine"
	"livestory/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "livestory",
	Short: "Living Story consistency engine",
	Long: `livestory keeps a four-phase story document consistent.
- Phases: 1 dna, 2 structure, 3 beats, 4 document. Each later phase derives from the earlier ones.
- Commit: 'livestory phase set' stores a manual edit and records one manual_edit change per changed field.
- Propagation: every material edit asks the generator for updates to the downstream phases; each suggestion becomes a pending change.
- Review: pending changes are accepted, rejected or later undone. Accept only applies if the field still holds the value the proposal was made against.
- Event log: every transition is recorded, view with 'livestory log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
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
	viper.SetEnvPrefix("LIVESTORY")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("project", "", "project id (defaults to the only project in the workspace)")
	rootCmd.PersistentFlags().String("generator", "", "generator backend override: http, gemini, anthropic, none")
	rootCmd.PersistentFlags().String("log-level", "", "log level override")
	for _, name := range []string{"workspace", "json", "actor-id", "project", "generator", "log-level"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(phaseCmd())
	rootCmd.AddCommand(changesCmd())
	rootCmd.AddCommand(notifyCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

// loadConfig reads livestory.yml from the workspace and applies flag and
// LIVESTORY_* environment overrides.
func loadConfig() (*config.Config, error) {
	workspace := viper.GetString("workspace")
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	cfg.Storage.Workspace = workspace
	if v := viper.GetString("generator"); v != "" {
		cfg.Generator.Backend = v
	}
	if v := viper.GetString("generator-url"); v != "" {
		cfg.Generator.URL = v
	}
	if v := viper.GetString("log-level"); v != "" {
		cfg.Log.Level = v
	}
	if v := viper.GetString("jwt-secret"); v != "" {
		cfg.Server.JWTSecret = v
	}
	if v := viper.GetString("redis-url"); v != "" {
		cfg.Notify.RedisURL = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.Build(ctx, app.Options{Config: cfg})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// withProject resolves the active project before running fn.
func withProject(ctx context.Context, fn func(context.Context, engine.Engine, string) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		projectID, err := app.ResolveProject(ctx, a.Engine.Repo, viper.GetString("project"))
		if err != nil {
			return err
		}
		return fn(ctx, a.Engine, projectID)
	})
}

func phaseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "phase",
		Short: "Read and edit phases",
		Long:  "Phases are dna (1), structure (2), beats (3) and document (4). Content is JSON in the shape shown by 'phase show'.",
	}
	cmd.AddCommand(phaseSetCmd())
	cmd.AddCommand(phaseShowCmd())
	cmd.AddCommand(phaseRevisionsCmd())
	cmd.AddCommand(phaseRepropagateCmd())
	return cmd
}

func readContent(phase domain.Phase, file string) (domain.Content, error) {
	var data []byte
	var err error
	if file == "" || file == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(file)
	}
	if err != nil {
		return nil, err
	}
	return domain.DecodeContent(phase, data)
}

func phaseSetCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "set <phase>",
		Short: "Commit new content for a phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			phase, err := domain.ParsePhase(args[0])
			if err != nil {
				return err
			}
			content, err := readContent(phase, file)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				projectID, err := app.ResolveProject(ctx, a.Engine.Repo, viper.GetString("project"))
				if err != nil {
					return err
				}
				res, err := a.Engine.CommitPhase(ctx, projectID, phase, content, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					out := map[string]any{"phase": res.Phase, "manual_changes": res.ManualChanges, "propagation": res.Enqueue}
					if res.AnalysisError != nil {
						out["analysis_error"] = res.AnalysisError.Error()
					}
					return printJSON(out)
				}
				fmt.Printf("%s is now at version %d (%d field(s) changed)\n", phase.Title(), res.Phase.Version, len(res.ManualChanges))
				if res.AnalysisError != nil {
					fmt.Printf("propagation unavailable: %v\nretry with 'livestory phase repropagate %s'\n", res.AnalysisError, phase)
					return nil
				}
				printChanges(res.Enqueue.Enqueued)
				if len(res.Enqueue.Duplicates) > 0 {
					fmt.Printf("%d duplicate proposal(s) skipped\n", len(res.Enqueue.Duplicates))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "JSON content file, - for stdin")
	return cmd
}

func phaseShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <phase>",
		Short: "Show the committed content of a phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			phase, err := domain.ParsePhase(args[0])
			if err != nil {
				return err
			}
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				rec, err := e.GetPhase(ctx, projectID, phase)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rec)
				}
				fmt.Printf("%s v%d (updated %s by %s)\n", phase.Title(), rec.Version, rec.UpdatedAt.Format(time.RFC3339), rec.UpdatedBy)
				tw := newTable()
				tw.AppendHeader(table.Row{"Field", "Value"})
				for _, p := range rec.Content.Paths() {
					v, _ := rec.Content.Get(p)
					tw.AppendRow(table.Row{p, v})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func phaseRevisionsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "revisions <phase>",
		Short: "List revisions of a phase, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			phase, err := domain.ParsePhase(args[0])
			if err != nil {
				return err
			}
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				revs, err := e.ListRevisions(ctx, projectID, phase, limit, 0)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(revs)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Version", "Created", "By", "Change"})
				for _, r := range revs {
					tw.AppendRow(table.Row{r.Version, r.CreatedAt.Format(time.RFC3339), r.CreatedBy, r.ChangeID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of revisions")
	return cmd
}

func phaseRepropagateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repropagate <phase>",
		Short: "Re-run propagation for the latest edit of a phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			phase, err := domain.ParsePhase(args[0])
			if err != nil {
				return err
			}
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				res, err := e.Repropagate(ctx, projectID, phase, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if res.AnalysisError != nil {
					return res.AnalysisError
				}
				if viper.GetBool("json") {
					return printJSON(res.Enqueue)
				}
				printChanges(res.Enqueue.Enqueued)
				fmt.Printf("%d proposed, %d already pending\n", len(res.Enqueue.Enqueued), len(res.Enqueue.Duplicates))
				return nil
			})
		},
	}
}

func changesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "changes",
		Short: "Review the change queue",
	}
	cmd.AddCommand(changesListCmd())
	cmd.AddCommand(changesShowCmd())
	cmd.AddCommand(changeResolveCmd("accept", "Apply a pending change", func(ctx context.Context, e engine.Engine, id, actor string) (any, error) {
		return e.Accept(ctx, id, actor)
	}))
	cmd.AddCommand(changeResolveCmd("reject", "Reject a pending change", func(ctx context.Context, e engine.Engine, id, actor string) (any, error) {
		return e.Reject(ctx, id, actor)
	}))
	cmd.AddCommand(changeResolveCmd("undo", "Revert an applied change", func(ctx context.Context, e engine.Engine, id, actor string) (any, error) {
		return e.Undo(ctx, id, actor)
	}))
	cmd.AddCommand(changesBatchCmd("accept-all", "Accept every pending change in order", engine.Engine.AcceptAll))
	cmd.AddCommand(changesBatchCmd("reject-all", "Reject every pending change", engine.Engine.RejectAll))
	return cmd
}

func changesListCmd() *cobra.Command {
	var history bool
	var limit int
	var cursor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending changes, or resolved ones with --history",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				var items []domain.StoryChange
				next := ""
				var err error
				if history {
					items, next, err = e.History(ctx, projectID, limit, cursor)
				} else {
					items, err = e.ListPending(ctx, projectID)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"items": items, "next_cursor": next})
				}
				printChanges(items)
				if next != "" {
					fmt.Printf("more: --cursor '%s'\n", next)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&history, "history", false, "list resolved changes, newest first")
	cmd.Flags().IntVar(&limit, "limit", 50, "page size for --history")
	cmd.Flags().StringVar(&cursor, "cursor", "", "page cursor for --history")
	return cmd
}

func changesShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <change-id>",
		Short: "Show a change and its preview",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				c, err := a.Engine.GetChange(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(c)
			})
		},
	}
}

func changeResolveCmd(use, short string, fn func(context.Context, engine.Engine, string, string) (any, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <change-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				out, err := fn(ctx, a.Engine, args[0], viper.GetString("actor-id"))
				var stale *engine.StaleChangeError
				if errors.As(err, &stale) {
					return fmt.Errorf("%s.%s changed since the proposal (now %q); the change was retired", stale.Phase, stale.Field, stale.Actual)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				switch v := out.(type) {
				case domain.StoryChange:
					printChanges([]domain.StoryChange{v})
				case engine.UndoResult:
					printChanges([]domain.StoryChange{v.Undone, v.Reversal})
				}
				return nil
			})
		},
	}
}

func changesBatchCmd(use, short string, fn func(engine.Engine, context.Context, string, string) ([]domain.BatchResult, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				results, err := fn(e, ctx, projectID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(results)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Change", "Phase", "Field", "Status", "Resolution", "Error"})
				for _, r := range results {
					tw.AppendRow(table.Row{r.ChangeID, r.Phase, r.Field, r.Status, r.Resolution, r.Error})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func notifyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "notify",
		Short: "Show the pending change summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				s, err := e.Summary(ctx, projectID, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				fmt.Printf("%d pending change(s) for %s\n", s.Pending, projectID)
				for _, p := range domain.Phases {
					if n := s.ByPhase[p.String()]; n > 0 {
						fmt.Printf("  %-18s %d\n", p.Title(), n)
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "previews", 3, "number of previews")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect livestory.yml",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
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
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default livestory.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityID string
	var follow bool
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				cursor, err := e.Repo.LatestEventID(ctx, projectID)
				if err != nil {
					return err
				}
				events, err := e.Repo.LatestEventsFrom(ctx, n, 0, projectID, evtType, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") && !follow {
					return printJSON(events)
				}
				for i := len(events) - 1; i >= 0; i-- {
					printEvent(events[i])
				}
				if !follow {
					return nil
				}
				ticker := time.NewTicker(interval)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
					}
					next, err := e.Repo.EventsAfter(ctx, 100, cursor, projectID)
					if err != nil {
						return err
					}
					for _, evt := range next {
						cursor = evt.ID
						if evtType != "" && evt.Type != evtType {
							continue
						}
						if entityID != "" && evt.EntityID != entityID {
							continue
						}
						printEvent(evt)
					}
				}
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing new events")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "poll interval with --follow")
	return cmd
}

func printEvent(evt domain.Event) {
	if viper.GetBool("json") {
		data, _ := json.Marshal(evt)
		fmt.Println(string(data))
		return
	}
	fmt.Printf("%-6d %s %-20s %s:%s by %s %s\n", evt.ID, evt.TS, evt.Type, evt.EntityKind, evt.EntityID, evt.ActorID, evt.Payload)
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if basePath != "" {
				cfg.Server.BasePath = basePath
			}
			ctx := cmd.Context()
			a, err := app.Build(ctx, app.Options{Config: cfg})
			if err != nil {
				return err
			}
			defer a.Close()
			go a.Run(ctx)

			handler, err := server.New(server.Config{
				Engine:   a.Engine,
				BasePath: cfg.Server.BasePath,
				Auth: server.AuthConfig{
					JWTSecret:        cfg.Server.JWTSecret,
					AllowActorHeader: cfg.Server.AllowActorHeader,
					RequireAuth:      cfg.Server.RequireAuth,
					Logger:           a.Logger,
				},
				Subscriber:   a.Subscriber,
				PreviewLimit: cfg.Notify.PreviewLimit,
				MaxBodyBytes: cfg.Server.MaxBodyBytes,
				Logger:       a.Logger,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			a.Logger.Info("serving livestory API",
				"addr", cfg.Server.Addr, "base_path", cfg.Server.BasePath, "generator", cfg.Generator.Backend)
			fmt.Printf("Serving livestory API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n",
				cfg.Server.Addr, cfg.Server.BasePath, cfg.Server.BasePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides server.base_path)")
	return cmd
}

// --- helpers ---

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	return tw
}

func printChanges(items []domain.StoryChange) {
	if len(items) == 0 {
		fmt.Println("no changes")
		return
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Phase", "Field", "Type", "Status", "Old", "New"})
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Old", WidthMax: 40, Colors: text.Colors{text.FgHiBlack}},
		{Name: "New", WidthMax: 40},
	})
	for _, c := range items {
		status := string(c.Status)
		if c.Resolution != "" && string(c.Resolution) != status {
			status += " (" + string(c.Resolution) + ")"
		}
		if c.UndoneBy != "" {
			status += " undone"
		}
		tw.AppendRow(table.Row{c.ID, c.Phase.String(), c.Field, c.Type, status, c.OldValue, c.NewValue})
	}
	tw.Render()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

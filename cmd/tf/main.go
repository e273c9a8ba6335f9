package main

import (
	"context"
	"database/sql"
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

	"taskforce/internal/archive"
	"taskforce/internal/config"
	"taskforce/internal/db"
	"taskforce/internal/engine"
	"taskforce/internal/llm"
	"taskforce/internal/migrate"
	"taskforce/internal/observability"
	"taskforce/internal/pipeline"
	"taskforce/internal/queue"
	"taskforce/internal/repo"
	"taskforce/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "tf",
	Short: "Taskforce CLI",
	Long: `Taskforce turns incoming mission requests into finished reports.
A submitted mission is split into one brief per specialist (research,
strategy, operations, comms), each brief is worked in parallel, the
deliverables are compiled into a single report, and the report is pushed
to the knowledge base and announced. Every stage runs off a durable job
queue, so a crashed worker resumes where it left off.`,
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
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TASKFORCE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(missionCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(jobsCmd())
	rootCmd.AddCommand(logCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noWorkers bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server and stage workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := observability.InitLogger("taskforce")
			return withConfig(func(cfg *config.Config, conn *sql.DB) error {
				e := engine.New(conn, cfg)
				runCtx, cancel := context.WithCancel(cmd.Context())
				defer cancel()

				var runner *queue.Runner
				if !noWorkers {
					p := pipeline.New(conn, cfg, llm.NewClient(cfg), archive.NewClients(cfg), log)
					runner = queue.NewRunner(p.Queue, cfg, log)
					p.Register(runner)
					runner.Start(runCtx)
				}
				server.StartWebhookDispatcher(runCtx, e, log)

				if addr == "" {
					addr = cfg.Server.Addr
				}
				if basePath == "" {
					basePath = cfg.Server.BasePath
				}
				auth := server.AuthConfig{
					Secret: firstNonEmpty(os.Getenv("TASKFORCE_AUTH_SECRET"), cfg.Server.AuthSecret),
					APIKey: firstNonEmpty(os.Getenv("TASKFORCE_API_KEY"), cfg.Server.APIKey),
				}
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: auth})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-runCtx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				log.Info().Str("addr", addr).Str("base_path", basePath).Msg("serving API")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				cancel()
				if runner != nil {
					runner.Wait()
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	cmd.Flags().BoolVar(&noWorkers, "no-workers", false, "serve the API without stage workers")
	return cmd
}

func workerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run stage workers without the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := observability.InitLogger("taskforce-worker")
			return withConfig(func(cfg *config.Config, conn *sql.DB) error {
				p := pipeline.New(conn, cfg, llm.NewClient(cfg), archive.NewClients(cfg), log)
				runner := queue.NewRunner(p.Queue, cfg, log)
				p.Register(runner)
				runner.Start(cmd.Context())
				log.Info().Msg("workers running")
				<-cmd.Context().Done()
				runner.Wait()
				return nil
			})
		},
	}
	return cmd
}

func submitCmd() *cobra.Command {
	var objective, deadline, priority, missionContext, source, sourceEventID string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a mission",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				m, duplicate, err := e.Submit(ctx, engine.SubmitInput{
					Objective:     objective,
					Deadline:      optionalString(deadline),
					Priority:      optionalString(priority),
					Context:       optionalString(missionContext),
					Source:        source,
					SourceEventID: sourceEventID,
				})
				if err != nil {
					return err
				}
				if duplicate {
					fmt.Println("duplicate: mission already exists")
				}
				return printJSON(m)
			})
		},
	}
	cmd.Flags().StringVar(&objective, "objective", "", "mission objective")
	cmd.Flags().StringVar(&deadline, "deadline", "", "deadline (RFC3339)")
	cmd.Flags().StringVar(&priority, "priority", "", "priority")
	cmd.Flags().StringVar(&missionContext, "context", "", "extra context for the agents")
	cmd.Flags().StringVar(&source, "source", "", "intake source (default from config)")
	cmd.Flags().StringVar(&sourceEventID, "source-event-id", "", "dedup key for the originating event")
	_ = cmd.MarkFlagRequired("objective")
	return cmd
}

func missionCmd() *cobra.Command {
	mission := &cobra.Command{Use: "mission", Short: "Inspect missions"}
	mission.AddCommand(missionListCmd())
	mission.AddCommand(missionShowCmd())
	return mission
}

func missionListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List missions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Repo.ListMissions(ctx, repo.MissionFilters{Status: status, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"ID", "Status", "Objective", "Created"})
				for _, m := range items {
					t.AppendRow(table.Row{m.ID, m.Status, truncate(m.Objective, 60), m.CreatedAt})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func missionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a mission with briefs, deliverables and report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				detail, err := e.Mission(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(detail)
			})
		},
	}
	return cmd
}

func reportCmd() *cobra.Command {
	report := &cobra.Command{Use: "report", Short: "Mission reports"}
	report.AddCommand(&cobra.Command{
		Use:   "regenerate <mission-id>",
		Short: "Queue a report rebuild from the stored deliverables",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if err := e.RegenerateReport(ctx, args[0], "cli"); err != nil {
					return err
				}
				fmt.Println("regenerate queued")
				return nil
			})
		},
	})
	return report
}

func jobsCmd() *cobra.Command {
	jobs := &cobra.Command{Use: "jobs", Short: "Queue administration"}
	jobs.AddCommand(jobsDeadCmd())
	jobs.AddCommand(jobsRetryCmd())
	return jobs
}

func jobsDeadCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "dead",
		Short: "List dead-lettered jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.DeadJobs(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"ID", "Stage", "Attempts", "Dead at", "Last error"})
				for _, j := range items {
					t.AppendRow(table.Row{j.ID, j.Stage, j.Attempts, deref(j.DeadAt), truncate(deref(j.LastError), 70)})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "max rows")
	return cmd
}

func jobsRetryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Requeue a dead-lettered job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id int64
			if _, err := fmt.Sscan(args[0], &id); err != nil {
				return fmt.Errorf("invalid job id %q", args[0])
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if err := e.RetryJob(ctx, id, "cli"); err != nil {
					return err
				}
				fmt.Println("retry queued")
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Event log"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, missionID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, missionID, evtType)
				if err != nil {
					return err
				}
				return printJSON(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&missionID, "mission", "", "mission id filter")
	return cmd
}

// --- helpers ---

func withConfig(fn func(cfg *config.Config, conn *sql.DB) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.Load(workspace)
	if err != nil {
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
	return fn(cfg, conn)
}

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	return withConfig(func(cfg *config.Config, conn *sql.DB) error {
		return fn(ctx, engine.New(conn, cfg))
	})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "..."
}

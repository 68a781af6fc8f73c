// Command splq is the task queue binary.
//
// Subcommands:
//
//	serve     — HTTP API for dispatching and inspecting tasks
//	worker    — supervisor loop: claims tasks, runs each in a child process
//	run-task  — hidden child entry point spawned by worker, one task per process
//	maintain  — cron-driven clean and dead sweeps
//	dispatch  — queue a task from the command line
//	status    — per-status summary of the queue
//	clean     — delete old finished tasks and exit
//	dead      — fail tasks stuck in processing and exit
//	migrate   — run pending database migrations and exit
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	// Embeds the IANA timezone database in the binary so that cron schedules
	// with timezones work inside distroless containers that have no
	// /usr/share/zoneinfo.
	_ "time/tzdata"

	// Automatically sets GOMEMLIMIT from the cgroup memory limit so that
	// the Go GC triggers before the OOM killer fires in containers.
	_ "github.com/KimMachineGun/automemlimit"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/simon-downes/spl/internal/api"
	"github.com/simon-downes/spl/internal/config"
	"github.com/simon-downes/spl/internal/queue"
	"github.com/simon-downes/spl/internal/store"
	"github.com/simon-downes/spl/internal/worker"
	"github.com/simon-downes/spl/migrations"
)

func main() {
	root := &cobra.Command{
		Use:   "splq",
		Short: "splq — SQL-backed task queue and worker supervisor",
		// Silence default error printing; we print it ourselves with slog.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(
		serveCmd(),
		workerCmd(),
		runTaskCmd(),
		maintainCmd(),
		dispatchCmd(),
		statusCmd(),
		cleanCmd(),
		deadCmd(),
		migrateCmd(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// buildRegistry wires the built-in task handlers. Applications embedding the
// queue register their own types here.
func buildRegistry() *worker.Registry {
	reg := worker.NewRegistry()

	// echo copies its payload into the task output. Mostly useful for
	// exercising the pipeline end to end.
	reg.Register("echo", func(ctx context.Context, t *queue.Task, q *queue.Queue) error {
		raw, err := json.Marshal(t.Data)
		if err != nil {
			return err
		}
		_, err = q.Output(ctx, t.ID, string(raw))
		return err
	})

	// sleep pauses for data.duration, e.g. {"duration": "5s"}.
	reg.Register("sleep", func(ctx context.Context, t *queue.Task, q *queue.Queue) error {
		raw, _ := t.Data["duration"].(string)
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("bad duration %q: %w", raw, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
			return nil
		}
	})

	return reg
}

// ── serve ─────────────────────────────────────────────────────────────────────

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(newLogger(cfg))

	st, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	srv := &http.Server{ //nolint:exhaustruct
		Addr:              cfg.ListenAddr,
		Handler:           api.NewServer(queue.New(st), st).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("server started", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		stop() // release signal notification
	}

	slog.Info("shutting down", "timeout_seconds", cfg.ShutdownTimeoutSeconds)
	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.ShutdownTimeoutSeconds)*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	slog.Info("server stopped")
	return nil
}

// ── worker ────────────────────────────────────────────────────────────────────

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Start the task supervisor loop",
		RunE:  runWorkerCmd,
	}
}

func runWorkerCmd(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(newLogger(cfg))

	st, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer st.Close()

	// No NotifyContext here: the worker owns its signal handling so that it
	// can tell the interrupt, terminate, and quit escalation paths apart.
	w := worker.New(queue.New(st), worker.Config{
		MaxExecutionTime: cfg.WorkerMaxExecutionTime,
		PollInterval:     cfg.WorkerPollInterval,
	})
	return w.Run(cmd.Context())
}

// ── run-task ──────────────────────────────────────────────────────────────────

func runTaskCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "run-task <id>",
		Short:  "Execute a single claimed task (spawned by worker)",
		Hidden: true,
		Args:   cobra.ExactArgs(1),
		RunE:   runTask,
	}
}

func runTask(cmd *cobra.Command, args []string) error {
	// The task process finishes or is killed outright; it is never asked to
	// stop gracefully. Drop the supervisor's signals before anything else.
	worker.IgnoreTerminationSignals()

	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("task id: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(newLogger(cfg))

	// A fresh process, a fresh connection: nothing is inherited from the
	// supervisor but the task id on the command line.
	st, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer st.Close()

	return worker.ExecuteTask(cmd.Context(), queue.New(st), buildRegistry(), id)
}

// ── maintain ──────────────────────────────────────────────────────────────────

func maintainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "maintain",
		Short: "Run the clean and dead sweeps on their cron schedules",
		RunE:  runMaintain,
	}
}

func runMaintain(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(newLogger(cfg))

	st, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	q := queue.New(st)
	c := cron.New()

	if _, err := c.AddFunc(cfg.CleanSchedule, func() {
		if _, err := q.Clean(ctx, time.Now().Add(-cfg.CleanRetention), cfg.CleanIncludeFailed); err != nil {
			slog.Error("clean sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("clean schedule %q: %w", cfg.CleanSchedule, err)
	}

	if _, err := c.AddFunc(cfg.DeadSchedule, func() {
		if _, err := q.Dead(ctx, time.Now().Add(-cfg.DeadAfter)); err != nil {
			slog.Error("dead sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("dead schedule %q: %w", cfg.DeadSchedule, err)
	}

	slog.Info("maintenance started",
		"clean_schedule", cfg.CleanSchedule, "clean_retention", cfg.CleanRetention,
		"dead_schedule", cfg.DeadSchedule, "dead_after", cfg.DeadAfter)

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done() // wait for any in-flight sweep
	slog.Info("maintenance stopped")
	return nil
}

// ── dispatch ──────────────────────────────────────────────────────────────────

func dispatchCmd() *cobra.Command {
	var taskType, name, data string
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Queue a task",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			slog.SetDefault(newLogger(cfg))

			var payload map[string]any
			if data != "" {
				if err := json.Unmarshal([]byte(data), &payload); err != nil {
					return fmt.Errorf("parse --data: %w", err)
				}
			}

			st, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("database: %w", err)
			}
			defer st.Close()

			id, err := queue.New(st).Dispatch(cmd.Context(), taskType, name, payload)
			if err != nil {
				return err
			}
			fmt.Printf("dispatched task %d\n", id)
			return nil
		},
	}
	cmd.Flags().StringVar(&taskType, "type", "", "task type (required)")
	cmd.Flags().StringVar(&name, "name", "", "human-readable task name")
	cmd.Flags().StringVar(&data, "data", "", "JSON payload")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

// ── status ────────────────────────────────────────────────────────────────────

func statusCmd() *cobra.Command {
	var taskType string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a per-status summary of the queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			slog.SetDefault(newLogger(cfg))

			st, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("database: %w", err)
			}
			defer st.Close()

			summary, err := queue.New(st).Status(cmd.Context(), taskType)
			if err != nil {
				return err
			}
			for _, s := range queue.Statuses {
				entry := summary[s]
				line := fmt.Sprintf("%-12s %6d", s, entry.Items)
				if entry.Oldest != nil {
					line += fmt.Sprintf("  oldest=%s  latest=%s",
						entry.Oldest.Format(time.RFC3339), entry.Latest.Format(time.RFC3339))
				}
				fmt.Println(line)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&taskType, "type", "", "limit the summary to one task type")
	return cmd
}

// ── clean / dead ──────────────────────────────────────────────────────────────

func cleanCmd() *cobra.Command {
	var olderThan time.Duration
	var keepFailed bool
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Delete finished tasks older than the retention window",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			slog.SetDefault(newLogger(cfg))

			st, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("database: %w", err)
			}
			defer st.Close()

			n, err := queue.New(st).Clean(cmd.Context(), time.Now().Add(-olderThan), !keepFailed)
			if err != nil {
				return err
			}
			fmt.Printf("cleaned %d tasks\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 168*time.Hour, "age of finished tasks to delete")
	cmd.Flags().BoolVar(&keepFailed, "keep-failed", false, "keep failed tasks, delete complete only")
	return cmd
}

func deadCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "dead",
		Short: "Fail tasks stuck in processing longer than the given age",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			slog.SetDefault(newLogger(cfg))

			st, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("database: %w", err)
			}
			defer st.Close()

			n, err := queue.New(st).Dead(cmd.Context(), time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Printf("reaped %d dead tasks\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", time.Hour, "age of processing tasks to presume dead")
	return cmd
}

// ── migrate ───────────────────────────────────────────────────────────────────

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run pending database migrations and exit",
		RunE:  runMigrate,
	}
}

func runMigrate(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(newLogger(cfg))

	slog.Info("running migrations")

	// Source: embedded SQL files from the migrations package.
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	// golang-migrate requires a *sql.DB. Use pgx's stdlib adapter so the same
	// driver is used project-wide. No pooling needed here — this is a one-shot
	// migration run.
	connCfg, err := pgx.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("parse db url: %w", err)
	}
	db := stdlib.OpenDB(*connCfg)
	defer db.Close() //nolint:errcheck

	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate init: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}

	version, _, _ := m.Version() //nolint:errcheck
	slog.Info("migrations complete", "version", version)
	return nil
}

// ── helpers ───────────────────────────────────────────────────────────────────

// openStore creates a pooled Store from cfg, retrying up to 10 times with
// linear backoff to handle container startup races where Postgres is not
// immediately ready.
func openStore(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Global per-query statement timeout prevents runaway queries from
	// holding connections indefinitely.
	poolCfg.ConnConfig.RuntimeParams["statement_timeout"] = strconv.Itoa(cfg.DBStatementTimeoutMS)
	poolCfg.MaxConns = cfg.DBMaxConns
	poolCfg.MaxConnIdleTime = cfg.DBMaxConnIdleTime

	var (
		db      *pgxpool.Pool
		connErr error
	)
	for attempt := 1; attempt <= 10; attempt++ {
		db, connErr = pgxpool.NewWithConfig(ctx, poolCfg)
		if connErr == nil {
			if connErr = db.Ping(ctx); connErr == nil {
				break
			}
			db.Close()
		}
		slog.Warn("database not ready, retrying",
			"attempt", attempt,
			"error", connErr,
		)
		// time.NewTimer (not time.After) to avoid leaking the timer if ctx
		// is cancelled before the timer fires.
		timer := time.NewTimer(time.Duration(attempt) * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if connErr != nil {
		return nil, fmt.Errorf("database unavailable after retries: %w", connErr)
	}

	// Advisory schema version check: warn if the applied schema version does
	// not match the version the binary was compiled for.
	var schemaVersion int
	err = db.QueryRow(ctx,
		"SELECT version FROM schema_migrations ORDER BY version DESC LIMIT 1",
	).Scan(&schemaVersion)
	if err == nil && schemaVersion != expectedSchemaVersion {
		slog.Warn("schema version mismatch, run `splq migrate`",
			"applied_version", schemaVersion,
			"expected_version", expectedSchemaVersion,
		)
	}

	return store.New(db), nil
}

// expectedSchemaVersion is the database migration version this binary requires.
// Update this constant when new migrations are added.
const expectedSchemaVersion = 1

// newLogger creates a slog.Logger based on the configured log level and format.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" || cfg.IsDevelopment() {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

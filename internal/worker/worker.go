package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/simon-downes/spl/internal/queue"
)

const (
	// DefaultMaxExecutionTime bounds how long one supervisor loop runs before
	// it stops on its own. The check happens between tasks only; an in-flight
	// task is never preempted by it.
	DefaultMaxExecutionTime = 100 * time.Second

	// DefaultPollInterval is the sleep between empty claim attempts.
	DefaultPollInterval = time.Second

	// childSubcommand is the hidden CLI entry the supervisor spawns for each
	// claimed task.
	childSubcommand = "run-task"
)

// Config tunes a Worker. Zero values fall back to the defaults above.
type Config struct {
	MaxExecutionTime time.Duration
	PollInterval     time.Duration

	// NewCommand builds the child process for a claimed task. When nil the
	// worker re-executes its own binary with "run-task <id>".
	NewCommand func(taskID int64) (*exec.Cmd, error)
}

// Worker is the supervisor: it claims tasks from the queue and runs each one
// in its own child process. All state is process-local; the queue table is
// the only thing shared with other workers.
type Worker struct {
	queue  *queue.Queue
	cfg    Config
	id     string
	pid    int
	log    *slog.Logger
	policy *signalPolicy

	childMu sync.Mutex
	child   *os.Process // in-flight task process; nil between tasks

	started time.Time
}

// New creates a Worker over q.
func New(q *queue.Queue, cfg Config) *Worker {
	if cfg.MaxExecutionTime <= 0 {
		cfg.MaxExecutionTime = DefaultMaxExecutionTime
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.NewCommand == nil {
		cfg.NewCommand = selfCommand
	}
	return &Worker{
		queue:  q,
		cfg:    cfg,
		id:     uuid.NewString(),
		pid:    os.Getpid(),
		log:    slog.Default(),
		policy: newSignalPolicy(),
	}
}

// ID returns the worker's claim label, unique per supervisor instance.
func (w *Worker) ID() string { return w.id }

// RequestShutdown asks the loop to stop after the current task, as a first
// SIGINT would. Idempotent.
func (w *Worker) RequestShutdown() { w.policy.requestShutdown() }

// selfCommand re-executes the current binary to run one task, with the task
// id passed on the command line. Spawning a fresh process image is the
// isolation boundary: the task gets its own memory and its own database
// connection, and can be killed without touching the supervisor.
func selfCommand(taskID int64) (*exec.Cmd, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable: %w", err)
	}
	cmd := exec.Command(exe, childSubcommand, strconv.FormatInt(taskID, 10))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd, nil
}

// Run executes the supervisor loop until shutdown is requested, the
// execution-time budget runs out, or spawning a task process fails. The loop
// claims at most one task at a time; concurrency comes from running several
// worker processes, never from threads inside one.
func (w *Worker) Run(ctx context.Context) error {
	sigCh := make(chan os.Signal, 8)
	signal.Notify(sigCh, TerminationSignals...)
	defer signal.Stop(sigCh)
	go w.watchSignals(ctx, sigCh)

	w.started = time.Now()
	w.log.Info("worker started",
		"worker_id", w.id, "pid", w.pid,
		"max_execution_time", w.cfg.MaxExecutionTime, "poll_interval", w.cfg.PollInterval)

	for {
		if w.policy.shutdownRequested() {
			w.log.Info("worker stopping: shutdown requested", "worker_id", w.id)
			return nil
		}
		if elapsed := time.Since(w.started); elapsed > w.cfg.MaxExecutionTime {
			w.log.Info("worker stopping: execution time budget spent",
				"worker_id", w.id, "elapsed", elapsed)
			return nil
		}

		task, err := w.queue.Grab(ctx, w.id)
		if err != nil {
			// A claim error usually means the connection has gone bad, not
			// that the queue is empty. Re-establish and keep polling.
			w.log.Error("claim failed", "worker_id", w.id, "error", err)
			if rerr := w.queue.Reconnect(ctx); rerr != nil {
				w.log.Error("reconnect failed", "worker_id", w.id, "error", rerr)
			}
			if !w.sleep(ctx) {
				return nil
			}
			continue
		}
		if task == nil {
			if !w.sleep(ctx) {
				return nil
			}
			continue
		}

		if err := w.runTask(ctx, task); err != nil {
			return err
		}
	}
}

// sleep waits one poll interval. Returns false when ctx ended first.
func (w *Worker) sleep(ctx context.Context) bool {
	timer := time.NewTimer(w.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// runTask spawns the child process for a claimed task, waits for it to die,
// and enforces the failed transition when it died badly. A child that exits
// zero has already reported its own outcome through the queue. Failing to
// spawn at all is unrecoverable and stops the worker.
func (w *Worker) runTask(ctx context.Context, t *queue.Task) error {
	cmd, err := w.cfg.NewCommand(t.ID)
	if err != nil {
		return fmt.Errorf("task %d: %w", t.ID, err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn task process for task %d: %w", t.ID, err)
	}

	w.setChild(cmd.Process)
	w.log.Info("task process started",
		"worker_id", w.id, "task_id", t.ID, "type", t.Type, "child_pid", cmd.Process.Pid)

	waitErr := cmd.Wait()
	w.setChild(nil)

	if waitErr == nil {
		return nil // exit 0: the child reported complete or failed itself
	}

	var diag string
	var exitErr *exec.ExitError
	switch {
	case errors.As(waitErr, &exitErr) && exitSignal(exitErr) != 0:
		diag = fmt.Sprintf("task process killed by signal %d", exitSignal(exitErr))
	case errors.As(waitErr, &exitErr):
		diag = fmt.Sprintf("task process exited with status %d", exitErr.ExitCode())
	default:
		diag = fmt.Sprintf("task process wait failed: %v", waitErr)
	}

	w.log.Error("task process died abnormally",
		"worker_id", w.id, "task_id", t.ID, "detail", diag)
	if _, err := w.queue.Output(ctx, t.ID, diag); err != nil {
		w.log.Error("record crash output failed", "task_id", t.ID, "error", err)
	}
	if _, err := w.queue.Failed(ctx, t.ID); err != nil {
		w.log.Error("force fail failed", "task_id", t.ID, "error", err)
	}
	return nil
}

// exitSignal returns the signal that killed the process, or 0 for a normal
// exit.
func exitSignal(err *exec.ExitError) syscall.Signal {
	ws, ok := err.Sys().(syscall.WaitStatus)
	if ok && ws.Signaled() {
		return ws.Signal()
	}
	return 0
}

// watchSignals services termination signals for the life of the loop,
// funnelling every mutation of worker state through the signal policy.
func (w *Worker) watchSignals(ctx context.Context, ch <-chan os.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-ch:
			kill := w.policy.apply(sig)
			w.log.Info("termination signal received",
				"worker_id", w.id, "signal", sig.String(),
				"count", w.policy.count(sig), "kill_task", kill)
			if kill {
				w.killChild()
			}
		}
	}
}

// setChild records or clears the in-flight task process.
func (w *Worker) setChild(p *os.Process) {
	w.childMu.Lock()
	w.child = p
	w.childMu.Unlock()
}

// killChild force-kills the in-flight task process, if any, and clears the
// tracking. The wait in runTask then observes the abnormal death and marks
// the task failed through the normal crash path.
func (w *Worker) killChild() {
	w.childMu.Lock()
	defer w.childMu.Unlock()
	if w.child == nil {
		return
	}
	w.log.Warn("killing in-flight task process",
		"worker_id", w.id, "child_pid", w.child.Pid)
	if err := w.child.Kill(); err != nil {
		w.log.Error("kill task process failed",
			"worker_id", w.id, "child_pid", w.child.Pid, "error", err)
	}
	w.child = nil
}

// ExecuteTask is the child-process entry point: it loads the task, resolves
// its handler from reg, runs it, and reports the outcome through q. Handler
// errors and panics are recorded on the task and never escape as a non-zero
// exit; only infrastructure failures (task unreadable) return an error.
//
// The caller must have ignored the termination signals and opened its own
// database connection before calling; a task process either finishes or is
// killed outright, never interrupted gracefully.
func ExecuteTask(ctx context.Context, q *queue.Queue, reg *Registry, id int64) error {
	t, err := q.Peek(ctx, id)
	if err != nil {
		return fmt.Errorf("load task %d: %w", id, err)
	}
	if t == nil {
		return fmt.Errorf("task %d not found", id)
	}

	h, err := reg.Resolve(t.Type)
	if err == nil {
		err = runHandler(ctx, h, t, q)
	}
	if err != nil {
		slog.Error("task handler failed", "task_id", id, "type", t.Type, "error", err)
		if _, oerr := q.Output(ctx, id, "handler error: "+err.Error()); oerr != nil {
			slog.Error("record handler error failed", "task_id", id, "error", oerr)
		}
		if _, ferr := q.Failed(ctx, id); ferr != nil {
			return fmt.Errorf("mark task %d failed: %w", id, ferr)
		}
		return nil
	}

	if _, cerr := q.Complete(ctx, id); cerr != nil {
		return fmt.Errorf("mark task %d complete: %w", id, cerr)
	}
	return nil
}

// runHandler invokes h, converting a panic into an ordinary error so a
// misbehaving handler cannot skip the failed transition.
func runHandler(ctx context.Context, h Handler, t *queue.Task, q *queue.Queue) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, t, q)
}

// IgnoreTerminationSignals disables the supervisor's signal handling in the
// task process. Must be the first thing the run-task entry point does.
func IgnoreTerminationSignals() {
	signal.Ignore(TerminationSignals...)
}

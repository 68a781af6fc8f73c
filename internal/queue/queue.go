// Package queue implements the task state machine over the store layer:
// dispatch, claim, terminal transitions, output appending, and the cleanup
// sweeps. Tasks move queued -> processing -> complete|failed; the only
// concurrency control is the store's conditional update on (id, status).
//
// State conflicts (claiming a task another worker already took, completing a
// task that is not processing) are expected under concurrency and are
// reported as a false/nil result plus a log line, never as an error.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/simon-downes/spl/internal/store"
)

// ErrEmptyType is returned by Dispatch when no task type is given.
var ErrEmptyType = errors.New("task type must not be empty")

// deadMarker is appended to the output of every task failed by the Dead sweep.
const deadMarker = "*** task marked as dead ***"

// DefaultListLimit bounds List when the caller passes no limit.
const DefaultListLimit = 50

// Queue is the state-machine authority for the tasks table.
type Queue struct {
	store *store.Store
	log   *slog.Logger
}

// New creates a Queue over s, logging through the default slog logger.
func New(s *store.Store) *Queue {
	return &Queue{store: s, log: slog.Default()}
}

// Dispatch inserts a new queued task and returns its id.
func (q *Queue) Dispatch(ctx context.Context, taskType, name string, data map[string]any) (int64, error) {
	if taskType == "" {
		return 0, ErrEmptyType
	}
	if data == nil {
		data = map[string]any{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return 0, fmt.Errorf("encode task data: %w", err)
	}

	id, err := q.store.InsertTask(ctx, taskType, name, raw)
	if err != nil {
		return 0, err
	}
	q.log.Info("task dispatched", "task_id", id, "type", taskType, "name", name)
	tasksDispatched.Inc()
	return id, nil
}

// Peek returns the task with the given id, or (nil, nil) when it does not exist.
func (q *Queue) Peek(ctx context.Context, id int64) (*Task, error) {
	row, err := q.store.GetTask(ctx, id)
	if err != nil || row == nil {
		return nil, err
	}
	return taskFromRow(row)
}

// ListFilter narrows a List call. Zero-length slices mean no filter on that
// dimension; a zero Limit means DefaultListLimit.
type ListFilter struct {
	Statuses []Status
	Types    []string
	Limit    int
}

// List returns tasks newest-first, filtered and bounded by f.
func (q *Queue) List(ctx context.Context, f ListFilter) ([]Task, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := q.store.SelectTasks(ctx, f.Statuses, f.Types, limit)
	if err != nil {
		return nil, err
	}
	tasks := make([]Task, 0, len(rows))
	for i := range rows {
		t, err := taskFromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, nil
}

// Status summarises the table per status, optionally scoped to one task type.
// Every status has an entry; statuses with no rows report zero items and nil
// timestamps.
func (q *Queue) Status(ctx context.Context, taskType string) (map[Status]StatusSummary, error) {
	aggs, err := q.store.StatusSummary(ctx, taskType)
	if err != nil {
		return nil, err
	}
	result := make(map[Status]StatusSummary, len(Statuses))
	for _, st := range Statuses {
		if agg, ok := aggs[st]; ok {
			result[st] = StatusSummary{Items: agg.Items, Oldest: agg.Oldest, Latest: agg.Latest}
		} else {
			result[st] = StatusSummary{}
		}
	}
	return result, nil
}

// Grab atomically claims the oldest queued task for workerID and returns it
// as processing, or (nil, nil) when there is nothing to claim. The claim is
// two-step: read the oldest queued id, then conditionally flip it to
// processing. Losing the flip to a competing worker is not an error; the
// caller's polling loop is the retry mechanism.
func (q *Queue) Grab(ctx context.Context, workerID string) (*Task, error) {
	id, ok, err := q.store.OldestQueued(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	won, err := q.store.SwapStatus(ctx, id, StatusQueued, StatusProcessing)
	if err != nil {
		return nil, err
	}
	if !won {
		q.log.Info("task grab lost", "task_id", id, "worker_id", workerID)
		grabsLost.Inc()
		return nil, nil
	}

	q.log.Info("task grabbed", "task_id", id, "worker_id", workerID)
	tasksGrabbed.Inc()

	row, err := q.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, fmt.Errorf("task %d vanished after grab", id)
	}
	return taskFromRow(row)
}

// Complete transitions a processing task to complete. Returns false, with a
// log line, when the task is missing or not processing.
func (q *Queue) Complete(ctx context.Context, id int64) (bool, error) {
	ok, err := q.store.SwapStatus(ctx, id, StatusProcessing, StatusComplete)
	if err != nil {
		return false, err
	}
	if !ok {
		q.log.Warn("task not completed: not processing", "task_id", id)
		return false, nil
	}
	q.log.Info("task complete", "task_id", id)
	tasksCompleted.Inc()
	return true, nil
}

// Failed transitions a processing task to failed. Returns false, with a log
// line, when the task is missing or not processing.
func (q *Queue) Failed(ctx context.Context, id int64) (bool, error) {
	ok, err := q.store.SwapStatus(ctx, id, StatusProcessing, StatusFailed)
	if err != nil {
		return false, err
	}
	if !ok {
		q.log.Warn("task not failed: not processing", "task_id", id)
		return false, nil
	}
	q.log.Info("task failed", "task_id", id)
	tasksFailed.Inc()
	return true, nil
}

// Output appends a line to the task's diagnostic output. Only valid while
// the task is processing; returns false otherwise.
func (q *Queue) Output(ctx context.Context, id int64, line string) (bool, error) {
	ok, err := q.store.AppendOutput(ctx, id, line)
	if err != nil {
		return false, err
	}
	if !ok {
		q.log.Warn("task output dropped: not processing", "task_id", id)
	}
	return ok, nil
}

// Clean bulk-deletes terminal tasks last updated at or before the cutoff.
// Failed tasks are kept when includeFailed is false.
func (q *Queue) Clean(ctx context.Context, before time.Time, includeFailed bool) (int64, error) {
	n, err := q.store.DeleteFinished(ctx, before, includeFailed)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.log.Info("tasks cleaned", "count", n, "before", before, "include_failed", includeFailed)
		tasksCleaned.Add(float64(n))
	}
	return n, nil
}

// Dead fails every task stuck in processing since at or before the cutoff,
// appending a fixed marker to its output. This is the sweep for tasks whose
// worker died without reporting failure.
func (q *Queue) Dead(ctx context.Context, before time.Time) (int64, error) {
	n, err := q.store.ReapStale(ctx, before, deadMarker)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.log.Info("dead tasks reaped", "count", n, "before", before)
		tasksReaped.Add(float64(n))
	}
	return n, nil
}

// Reconnect re-establishes the underlying storage connection. Used when the
// current connection cannot be trusted any more, e.g. after an inherited
// handle crossed a process boundary or the server went away.
func (q *Queue) Reconnect(ctx context.Context) error {
	if err := q.store.Reconnect(ctx); err != nil {
		return err
	}
	q.log.Info("queue storage reconnected")
	return nil
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
)

// Status is a task lifecycle state as stored in the status column.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusQueued, StatusProcessing, StatusComplete, StatusFailed}

// Valid reports whether s is one of the four known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusComplete, StatusFailed:
		return true
	}
	return false
}

// TaskRow is a task record as read from the tasks table. Data is left as raw
// JSON; decoding to a map is the queue layer's concern.
type TaskRow struct {
	ID      int64
	Status  Status
	Type    string
	Name    string
	Data    json.RawMessage
	Output  string
	Created time.Time
	Updated time.Time
}

// StatusAgg is one row of the grouped status summary.
type StatusAgg struct {
	Items  int64
	Oldest *time.Time
	Latest *time.Time
}

const taskColumns = "id, status, type, name, data, output, created, updated"

func scanTask(row pgx.Row) (*TaskRow, error) {
	var t TaskRow
	err := row.Scan(&t.ID, &t.Status, &t.Type, &t.Name, &t.Data, &t.Output, &t.Created, &t.Updated)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// InsertTask creates a new queued task and returns its id. created and
// updated are assigned from the same statement timestamp so they compare
// equal on a fresh row.
func (s *Store) InsertTask(ctx context.Context, taskType, name string, data json.RawMessage) (int64, error) {
	var id int64
	err := s.conn().QueryRow(ctx, `
		INSERT INTO tasks (status, type, name, data, created, updated)
		VALUES ($1, $2, $3, $4, now(), now())
		RETURNING id
	`, StatusQueued, taskType, name, data).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert task: %w", err)
	}
	return id, nil
}

// GetTask returns the task with the given id, or (nil, nil) if no row matches.
func (s *Store) GetTask(ctx context.Context, id int64) (*TaskRow, error) {
	t, err := scanTask(s.conn().QueryRow(ctx,
		"SELECT "+taskColumns+" FROM tasks WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task %d: %w", id, err)
	}
	return t, nil
}

// SelectTasks returns up to limit tasks, newest-first by created, optionally
// filtered by status and type. Empty filter slices mean no filter on that
// dimension.
func (s *Store) SelectTasks(ctx context.Context, statuses []Status, types []string, limit int) ([]TaskRow, error) {
	psql := sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
	sb := psql.
		Select(taskColumns).
		From("tasks").
		OrderBy("created DESC").
		Limit(uint64(limit)) //nolint:gosec // G115: limit validated by caller

	if len(statuses) > 0 {
		vals := make([]string, len(statuses))
		for i, st := range statuses {
			vals[i] = string(st)
		}
		sb = sb.Where(sq.Eq{"status": vals})
	}
	if len(types) > 0 {
		sb = sb.Where(sq.Eq{"type": types})
	}

	query, args, err := sb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("select tasks: build query: %w", err)
	}

	rows, err := s.sqlDB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select tasks: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var result []TaskRow
	for rows.Next() {
		var t TaskRow
		if err := rows.Scan(&t.ID, &t.Status, &t.Type, &t.Name, &t.Data, &t.Output, &t.Created, &t.Updated); err != nil {
			return nil, fmt.Errorf("select tasks: scan: %w", err)
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// StatusSummary returns per-status counts with the oldest and newest created
// timestamps, optionally scoped to one task type. Statuses with no rows are
// absent from the map; the queue layer fills in zero entries.
func (s *Store) StatusSummary(ctx context.Context, taskType string) (map[Status]StatusAgg, error) {
	rows, err := s.conn().Query(ctx, `
		SELECT status, COUNT(*), MIN(created), MAX(created)
		FROM tasks
		WHERE $1 = '' OR type = $1
		GROUP BY status
	`, taskType)
	if err != nil {
		return nil, fmt.Errorf("status summary: %w", err)
	}
	defer rows.Close()

	result := make(map[Status]StatusAgg)
	for rows.Next() {
		var st Status
		var agg StatusAgg
		if err := rows.Scan(&st, &agg.Items, &agg.Oldest, &agg.Latest); err != nil {
			return nil, fmt.Errorf("status summary: scan: %w", err)
		}
		result[st] = agg
	}
	return result, rows.Err()
}

// OldestQueued returns the id of the queued task with the oldest updated
// timestamp. The second return is false when no queued task exists. This read
// is deliberately not locked; the caller must follow it with SwapStatus and
// treat a zero-row swap as having lost the race.
func (s *Store) OldestQueued(ctx context.Context) (int64, bool, error) {
	var id int64
	err := s.conn().QueryRow(ctx, `
		SELECT id FROM tasks
		WHERE status = $1
		ORDER BY updated ASC
		LIMIT 1
	`, StatusQueued).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("oldest queued: %w", err)
	}
	return id, true, nil
}

// SwapStatus performs the conditional transition from -> to on a single task.
// The WHERE clause on (id, status) is the queue's only concurrency control:
// of all concurrent callers, exactly one can move a given row out of a state.
// Returns false when the row is missing or not in the expected state.
func (s *Store) SwapStatus(ctx context.Context, id int64, from, to Status) (bool, error) {
	tag, err := s.conn().Exec(ctx, `
		UPDATE tasks
		SET status = $3, updated = now()
		WHERE id = $1 AND status = $2
	`, id, from, to)
	if err != nil {
		return false, fmt.Errorf("swap status %d %s->%s: %w", id, from, to, err)
	}
	return tag.RowsAffected() == 1, nil
}

// AppendOutput appends line plus a newline to the task's output and bumps
// updated. Valid only while the task is processing; returns false otherwise.
func (s *Store) AppendOutput(ctx context.Context, id int64, line string) (bool, error) {
	tag, err := s.conn().Exec(ctx, `
		UPDATE tasks
		SET output = output || $3 || E'\n', updated = now()
		WHERE id = $1 AND status = $2
	`, id, StatusProcessing, line)
	if err != nil {
		return false, fmt.Errorf("append output %d: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// DeleteFinished bulk-deletes terminal tasks last updated at or before the
// cutoff. Failed tasks are kept when includeFailed is false. Returns the
// number of rows deleted.
func (s *Store) DeleteFinished(ctx context.Context, before time.Time, includeFailed bool) (int64, error) {
	statuses := []string{string(StatusComplete)}
	if includeFailed {
		statuses = append(statuses, string(StatusFailed))
	}
	tag, err := s.conn().Exec(ctx, `
		DELETE FROM tasks
		WHERE status = ANY($1) AND updated <= $2
	`, statuses, before)
	if err != nil {
		return 0, fmt.Errorf("delete finished: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ReapStale fails every processing task last updated at or before the cutoff,
// appending marker to its output. Returns the number of rows transitioned.
func (s *Store) ReapStale(ctx context.Context, before time.Time, marker string) (int64, error) {
	tag, err := s.conn().Exec(ctx, `
		UPDATE tasks
		SET status = $1, output = output || $3 || E'\n', updated = now()
		WHERE status = $2 AND updated <= $4
	`, StatusFailed, StatusProcessing, marker, before)
	if err != nil {
		return 0, fmt.Errorf("reap stale: %w", err)
	}
	return tag.RowsAffected(), nil
}

package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/simon-downes/spl/internal/store"
)

// Status re-exports the store enum so most callers only need this package.
type Status = store.Status

const (
	StatusQueued     = store.StatusQueued
	StatusProcessing = store.StatusProcessing
	StatusComplete   = store.StatusComplete
	StatusFailed     = store.StatusFailed
)

// Statuses lists every status in lifecycle order.
var Statuses = store.Statuses

// Task is a queued unit of work. Data is set once at dispatch; Output is an
// append-only diagnostic trail written while the task is processing.
type Task struct {
	ID      int64          `json:"id"`
	Status  Status         `json:"status"`
	Type    string         `json:"type"`
	Name    string         `json:"name"`
	Data    map[string]any `json:"data"`
	Output  string         `json:"output"`
	Created time.Time      `json:"created"`
	Updated time.Time      `json:"updated"`
}

// StatusSummary describes the tasks currently in one status. Oldest and
// Latest are nil when Items is zero.
type StatusSummary struct {
	Items  int64      `json:"items"`
	Oldest *time.Time `json:"oldest"`
	Latest *time.Time `json:"latest"`
}

func taskFromRow(row *store.TaskRow) (*Task, error) {
	t := &Task{
		ID:      row.ID,
		Status:  row.Status,
		Type:    row.Type,
		Name:    row.Name,
		Output:  row.Output,
		Created: row.Created,
		Updated: row.Updated,
	}
	if len(row.Data) > 0 {
		if err := json.Unmarshal(row.Data, &t.Data); err != nil {
			return nil, fmt.Errorf("decode task %d data: %w", row.ID, err)
		}
	}
	if t.Data == nil {
		t.Data = map[string]any{}
	}
	return t, nil
}

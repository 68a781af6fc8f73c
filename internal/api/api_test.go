// ABOUTME: Integration tests for the HTTP layer against a real postgres container.
package api_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/simon-downes/spl/internal/api"
	"github.com/simon-downes/spl/internal/queue"
	"github.com/simon-downes/spl/internal/testutil"
)

func newTestServer(t *testing.T) (*testutil.TestDB, *httptest.Server) {
	t.Helper()
	db := testutil.NewTestDB(t)
	ts := httptest.NewServer(api.NewServer(db.Queue, db.Store).Handler())
	t.Cleanup(ts.Close)
	return db, ts
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func get(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t)

	resp := get(t, ts.URL+"/healthz")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body map[string]string
	decode(t, resp, &body)
	if body["status"] != "ok" {
		t.Errorf(`body = %v, want {"status":"ok"}`, body)
	}
}

func TestDispatchEndpoint(t *testing.T) {
	t.Parallel()
	db, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/tasks",
		`{"type":"echo","name":"hello","data":{"msg":"hi"}}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	var created map[string]int64
	decode(t, resp, &created)
	if created["id"] < 1 {
		t.Fatalf("id = %d, want positive", created["id"])
	}

	task, err := db.Queue.Peek(context.Background(), created["id"])
	if err != nil || task == nil {
		t.Fatalf("Peek(%d) = (%v, %v)", created["id"], task, err)
	}
	if task.Status != queue.StatusQueued || task.Name != "hello" {
		t.Errorf("task = %+v, want queued task named hello", task)
	}
}

func TestDispatchRejectsEmptyType(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/tasks", `{"name":"no type"}`)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", resp.StatusCode)
	}
}

func TestDispatchRejectsBadJSON(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/tasks", `{not json`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestPeekEndpoint(t *testing.T) {
	t.Parallel()
	db, ts := newTestServer(t)

	id, err := db.Queue.Dispatch(context.Background(), "echo", "peek-me", nil)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	resp := get(t, fmt.Sprintf("%s/api/v1/tasks/%d", ts.URL, id))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var task queue.Task
	decode(t, resp, &task)
	if task.ID != id || task.Type != "echo" {
		t.Errorf("task = %+v, want id %d type echo", task, id)
	}

	if resp := get(t, ts.URL+"/api/v1/tasks/999999"); resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing task status = %d, want 404", resp.StatusCode)
	}
	if resp := get(t, ts.URL+"/api/v1/tasks/banana"); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad id status = %d, want 400", resp.StatusCode)
	}
}

func TestListEndpointFilters(t *testing.T) {
	t.Parallel()
	db, ts := newTestServer(t)
	ctx := context.Background()

	if _, err := db.Queue.Dispatch(ctx, "alpha", "a1", nil); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if _, err := db.Queue.Dispatch(ctx, "beta", "b1", nil); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	var body struct {
		Tasks []queue.Task `json:"tasks"`
	}

	resp := get(t, ts.URL+"/api/v1/tasks")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	decode(t, resp, &body)
	if len(body.Tasks) != 2 {
		t.Errorf("unfiltered list returned %d tasks, want 2", len(body.Tasks))
	}

	resp = get(t, ts.URL+"/api/v1/tasks?type=alpha&status=queued")
	decode(t, resp, &body)
	if len(body.Tasks) != 1 || body.Tasks[0].Type != "alpha" {
		t.Errorf("filtered list = %+v, want one alpha task", body.Tasks)
	}

	resp = get(t, ts.URL+"/api/v1/tasks?type=nothing-matches")
	decode(t, resp, &body)
	if body.Tasks == nil || len(body.Tasks) != 0 {
		t.Errorf("empty result = %v, want empty array", body.Tasks)
	}

	if resp := get(t, ts.URL+"/api/v1/tasks?status=bogus"); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown status filter = %d, want 400", resp.StatusCode)
	}
	if resp := get(t, ts.URL+"/api/v1/tasks?limit=0"); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("zero limit = %d, want 400", resp.StatusCode)
	}
}

func TestStatusEndpointIncludesAllStatuses(t *testing.T) {
	t.Parallel()
	db, ts := newTestServer(t)

	if _, err := db.Queue.Dispatch(context.Background(), "echo", "only-one", nil); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	resp := get(t, ts.URL+"/api/v1/status")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var summary map[string]struct {
		Items int64 `json:"items"`
	}
	decode(t, resp, &summary)
	for _, s := range []string{"queued", "processing", "complete", "failed"} {
		if _, ok := summary[s]; !ok {
			t.Errorf("summary missing %q entry: %v", s, summary)
		}
	}
	if summary["queued"].Items != 1 {
		t.Errorf("queued items = %d, want 1", summary["queued"].Items)
	}
}

func TestCleanEndpoint(t *testing.T) {
	t.Parallel()
	db, ts := newTestServer(t)
	ctx := context.Background()

	id, err := db.Queue.Dispatch(ctx, "echo", "done", nil)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if _, err := db.Queue.Grab(ctx, "w1"); err != nil {
		t.Fatalf("Grab: %v", err)
	}
	if _, err := db.Queue.Complete(ctx, id); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if _, err := db.Pool().Exec(ctx,
		"UPDATE tasks SET updated = now() - interval '48 hours' WHERE id = $1", id); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	resp := postJSON(t, ts.URL+"/api/v1/maintenance/clean", `{"older_than":"24h"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body map[string]int64
	decode(t, resp, &body)
	if body["cleaned"] != 1 {
		t.Errorf("cleaned = %d, want 1", body["cleaned"])
	}

	resp = postJSON(t, ts.URL+"/api/v1/maintenance/clean", `{"older_than":"whenever"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad duration status = %d, want 400", resp.StatusCode)
	}
}

func TestDeadEndpoint(t *testing.T) {
	t.Parallel()
	db, ts := newTestServer(t)
	ctx := context.Background()

	id, err := db.Queue.Dispatch(ctx, "echo", "stuck", nil)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if _, err := db.Queue.Grab(ctx, "w1"); err != nil {
		t.Fatalf("Grab: %v", err)
	}
	if _, err := db.Pool().Exec(ctx,
		"UPDATE tasks SET updated = now() - interval '2 hours' WHERE id = $1", id); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	resp := postJSON(t, ts.URL+"/api/v1/maintenance/dead", `{"older_than":"1h"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body map[string]int64
	decode(t, resp, &body)
	if body["reaped"] != 1 {
		t.Errorf("reaped = %d, want 1", body["reaped"])
	}

	task, _ := db.Queue.Peek(ctx, id)
	if task.Status != queue.StatusFailed {
		t.Errorf("reaped task status = %q, want failed", task.Status)
	}
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"llmarena/pkg/core"
	"llmarena/pkg/registry"
	"llmarena/pkg/report"
	"llmarena/pkg/slots"
	"llmarena/pkg/storage"
	"llmarena/pkg/ws"
)

type testEnv struct {
	srv     *httptest.Server
	store   storage.Storage
	reports *report.Store
	reg     *registry.Registry
}

func setupAPI(t *testing.T) *testEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	store := storage.NewGormStorage(db)
	require.NoError(t, store.Migrate(context.Background()))
	reports := report.NewStore(db)
	require.NoError(t, reports.Migrate(context.Background()))

	discard := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := ws.NewHub(
		ws.WithSnapshot(SnapshotBuilder(store, discard)),
		ws.WithHubLogger(discard),
	)
	reg := registry.New(store, slots.NewManager(1),
		registry.WithNotifier(hub),
		registry.WithLogger(discard),
	)
	reg.Register("echo", func(_ context.Context, _ *core.Job, _ registry.Reporter) (registry.Result, error) {
		return registry.Result{Ref: "report-1", Type: "echo-report"}, nil
	})

	srv := httptest.NewServer(New(reg, reports, hub, discard).Router())
	t.Cleanup(func() {
		srv.Close()
		hub.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = reg.Close(ctx)
	})
	return &testEnv{srv: srv, store: store, reports: reports, reg: reg}
}

func (e *testEnv) do(t *testing.T, method, path, user string, admin bool, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	require.NoError(t, err)
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	if admin {
		req.Header.Set("X-Admin-Role", "admin")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	var decoded map[string]any
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &decoded))
	}
	return resp, decoded
}

func (e *testEnv) submit(t *testing.T, user string) string {
	t.Helper()
	resp, body := e.do(t, http.MethodPost, "/api/jobs", user, false, map[string]any{
		"job_type": "echo",
		"params":   map[string]any{},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	id, _ := body["job_id"].(string)
	require.NotEmpty(t, id)
	return id
}

func (e *testEnv) waitDone(t *testing.T, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		job, err := e.store.Get(context.Background(), id)
		return err == nil && job.Status == core.StatusDone
	}, 3*time.Second, 10*time.Millisecond)
}

func TestIdentityRequired(t *testing.T) {
	env := setupAPI(t)
	resp, _ := env.do(t, http.MethodGet, "/api/jobs", "", false, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHealthzNeedsNoIdentity(t *testing.T) {
	env := setupAPI(t)
	resp, body := env.do(t, http.MethodGet, "/healthz", "", false, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestSubmitAndFetch(t *testing.T) {
	env := setupAPI(t)
	id := env.submit(t, "alice")
	env.waitDone(t, id)

	resp, body := env.do(t, http.MethodGet, "/api/jobs/"+id, "alice", false, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "done", body["status"])
	assert.Equal(t, "report-1", body["result_ref"])
}

func TestSubmitValidation(t *testing.T) {
	env := setupAPI(t)

	resp, _ := env.do(t, http.MethodPost, "/api/jobs", "alice", false, map[string]any{
		"job_type": "no-such-type",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/api/jobs", "alice", false, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/api/jobs",
		strings.NewReader(`{"job_type":"echo","params":{not json}}`))
	require.NoError(t, err)
	req.Header.Set("X-User-ID", "alice")
	raw, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer raw.Body.Close()
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)
}

func TestOwnershipHidesForeignJobs(t *testing.T) {
	env := setupAPI(t)
	id := env.submit(t, "alice")
	env.waitDone(t, id)

	resp, _ := env.do(t, http.MethodGet, "/api/jobs/"+id, "bob", false, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Admins see everything.
	resp, _ = env.do(t, http.MethodGet, "/api/jobs/"+id, "root", true, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestListFiltersByStatus(t *testing.T) {
	env := setupAPI(t)
	id := env.submit(t, "alice")
	env.waitDone(t, id)
	env.submit(t, "bob")

	resp, body := env.do(t, http.MethodGet, "/api/jobs?status=done", "alice", false, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	jobs, ok := body["jobs"].([]any)
	require.True(t, ok)
	assert.Len(t, jobs, 1)

	resp, _ = env.do(t, http.MethodGet, "/api/jobs?status=bogus", "alice", false, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCancelEndpoint(t *testing.T) {
	env := setupAPI(t)
	id := env.submit(t, "alice")
	env.waitDone(t, id)

	// Terminal cancel is an idempotent no-op.
	resp, _ := env.do(t, http.MethodPost, "/api/jobs/"+id+"/cancel", "alice", false, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/api/jobs/"+id+"/cancel", "bob", false, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAdminSurfaceRequiresRole(t *testing.T) {
	env := setupAPI(t)
	env.submit(t, "alice")
	env.submit(t, "bob")

	resp, _ := env.do(t, http.MethodGet, "/api/admin/jobs", "alice", false, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body := env.do(t, http.MethodGet, "/api/admin/jobs", "root", true, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	jobs, ok := body["jobs"].([]any)
	require.True(t, ok)
	assert.Len(t, jobs, 2)
}

func TestReportOwnership(t *testing.T) {
	env := setupAPI(t)
	ctx := context.Background()

	job := &core.Job{UserID: "alice", Type: "echo", Status: core.StatusDone}
	require.NoError(t, env.store.Create(ctx, job))
	ref, err := env.reports.Save(ctx, job.ID, "echo-report", []byte(`{"ok":true}`))
	require.NoError(t, err)

	resp, body := env.do(t, http.MethodGet, "/api/reports/"+ref, "alice", false, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "echo-report", body["kind"])

	resp, _ = env.do(t, http.MethodGet, "/api/reports/"+ref, "bob", false, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/api/reports/missing", "alice", false, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebsocketDeliversSyncSnapshot(t *testing.T) {
	env := setupAPI(t)
	id := env.submit(t, "alice")
	env.waitDone(t, id)

	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws"
	header := http.Header{"X-User-ID": []string{"alice"}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var event struct {
		Type       string      `json:"type"`
		ActiveJobs []*core.Job `json:"active_jobs"`
		RecentJobs []*core.Job `json:"recent_jobs"`
	}
	require.NoError(t, json.Unmarshal(data, &event))
	assert.Equal(t, core.EventSync, event.Type)
	assert.Empty(t, event.ActiveJobs)
	require.Len(t, event.RecentJobs, 1)
	assert.Equal(t, id, event.RecentJobs[0].ID)
}

func TestWebsocketEventOrdering(t *testing.T) {
	env := setupAPI(t)

	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws"
	header := http.Header{"X-User-ID": []string{"alice"}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer conn.Close()

	next := func() map[string]any {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var event map[string]any
		require.NoError(t, json.Unmarshal(data, &event))
		return event
	}

	// A fresh connection sees the empty snapshot before anything else.
	sync := next()
	require.Equal(t, core.EventSync, sync["type"])
	assert.Empty(t, sync["active_jobs"])

	id := env.submit(t, "alice")

	created := next()
	assert.Equal(t, core.EventJobCreated, created["type"])
	assert.Equal(t, id, created["job_id"])

	startedEvt := next()
	assert.Equal(t, core.EventJobStarted, startedEvt["type"])

	completed := next()
	assert.Equal(t, core.EventJobCompleted, completed["type"])
	assert.Equal(t, "report-1", completed["result_ref"])
}

func TestMetricsEndpointExposed(t *testing.T) {
	env := setupAPI(t)
	resp, err := http.Get(env.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/remote-progress-relay/internal/metrics"
	"github.com/JakeFAU/remote-progress-relay/internal/operation"
	"github.com/JakeFAU/remote-progress-relay/internal/remoteprogress"
	"github.com/JakeFAU/remote-progress-relay/internal/simulate"
	"github.com/JakeFAU/remote-progress-relay/internal/storage/memory"
	"github.com/JakeFAU/remote-progress-relay/internal/store"
)

type testEnv struct {
	server  *Server
	manager *operation.Manager
	repo    *memory.OperationStore
	reg     *prometheus.Registry
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	return newTestEnvWith(t, operation.Config{Pace: -1})
}

func newTestEnvWith(t *testing.T, cfg operation.Config) testEnv {
	t.Helper()

	reg := prometheus.NewRegistry()
	collector, err := metrics.NewRelayCollector(reg)
	require.NoError(t, err)
	repo := memory.NewOperationStore()
	mgr, err := operation.NewManager(cfg, operation.Deps{
		Repo:     repo,
		Observer: collector,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Shutdown(context.Background()) })

	srv := NewServer(Options{
		Manager:     mgr,
		Launcher:    simulate.Driver{Manager: mgr, Backend: simulate.Backend{Objects: 3}},
		Repo:        repo,
		HTTPMetrics: metrics.NewHTTPMetrics(reg),
		Gatherer:    reg,
		Logger:      zap.NewNop(),
	})
	return testEnv{server: srv, manager: mgr, repo: repo, reg: reg}
}

func (e testEnv) do(t *testing.T, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func waitOutcome(t *testing.T, op *operation.Operation) remoteprogress.Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := op.Wait(ctx)
	require.NoError(t, err)
	return out
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	rec := newTestEnv(t).do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestStartOperation(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/v1/operations", []byte(`{"kind":"push","remote":"mirror"}`))
	require.Equal(t, http.StatusAccepted, rec.Code)

	var body struct {
		Operation struct {
			ID     string `json:"id"`
			Kind   string `json:"kind"`
			Remote string `json:"remote"`
		} `json:"operation"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "push", body.Operation.Kind)
	require.Equal(t, "mirror", body.Operation.Remote)
	require.Equal(t, "/v1/operations/"+body.Operation.ID, rec.Header().Get("Location"))

	id, err := uuid.Parse(body.Operation.ID)
	require.NoError(t, err)
	op, err := env.manager.Get(id)
	require.NoError(t, err)
	require.Equal(t, remoteprogress.ReasonDone, waitOutcome(t, op).Reason)

	rec = env.do(t, http.MethodGet, "/v1/operations/"+body.Operation.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"succeeded"`)
	require.Contains(t, rec.Body.String(), `"phase":"terminated"`)
	require.Contains(t, rec.Body.String(), `"reason":"done"`)

	rec = env.do(t, http.MethodGet, "/v1/operations", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), body.Operation.ID)
}

func TestStartOperationBadRequests(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	require.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/v1/operations", []byte(`{`)).Code)
	require.Equal(t, http.StatusBadRequest,
		env.do(t, http.MethodPost, "/v1/operations", []byte(`{"kind":"clone"}`)).Code)

	require.NoError(t, env.manager.Shutdown(context.Background()))
	require.Equal(t, http.StatusServiceUnavailable,
		env.do(t, http.MethodPost, "/v1/operations", []byte(`{"kind":"fetch"}`)).Code)
}

func TestGetProgress(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	op, err := env.manager.Start(context.Background(), store.KindPush, "origin")
	require.NoError(t, err)
	path := "/v1/operations/" + op.ID.String() + "/progress"

	require.Equal(t, http.StatusNoContent, env.do(t, http.MethodGet, path, nil).Code)

	op.Report(remoteprogress.PushTransfer{Current: 1, Total: 4})
	require.Eventually(t, func() bool {
		_, ok, _ := op.Progress()
		return ok
	}, 5*time.Second, 5*time.Millisecond)

	rec := env.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snap remoteprogress.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.Equal(t, remoteprogress.StatePushing, snap.State)
	require.Equal(t, uint8(25), snap.Percent)
	require.Equal(t, uint64(1), snap.Seq)

	require.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/v1/operations/nope/progress", nil).Code)
	require.Equal(t, http.StatusNotFound,
		env.do(t, http.MethodGet, "/v1/operations/"+uuid.NewString()+"/progress", nil).Code)
}

func TestEvictedOperationMovesToHistory(t *testing.T) {
	t.Parallel()

	env := newTestEnvWith(t, operation.Config{Pace: -1, MaxFinished: 1})
	var ops []*operation.Operation
	for range 3 {
		op, err := env.manager.Start(context.Background(), store.KindFetch, "origin")
		require.NoError(t, err)
		op.Report(remoteprogress.Done{})
		waitOutcome(t, op)
		ops = append(ops, op)
	}
	require.Eventually(t, func() bool { return len(env.manager.List()) == 1 }, 5*time.Second, 5*time.Millisecond)

	oldest := "/v1/operations/" + ops[0].ID.String()
	require.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, oldest, nil).Code)
	require.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, oldest+"/progress", nil).Code)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/v1/operations/"+ops[2].ID.String(), nil).Code)

	rec := env.do(t, http.MethodGet, "/v1/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Operations []map[string]any `json:"operations"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Operations, 3)
}

func TestListHistory(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	finished := time.Unix(1700000100, 0).UTC()
	require.NoError(t, env.repo.InsertOperation(ctx, store.OperationRecord{
		ID:         uuid.New(),
		Kind:       store.KindFetch,
		Remote:     "origin",
		StartedAt:  time.Unix(1700000000, 0).UTC(),
		FinishedAt: &finished,
		Status:     store.StatusSucceeded,
		State:      "DONE",
		Percent:    100,
	}))
	require.NoError(t, env.repo.InsertOperation(ctx, store.OperationRecord{
		ID:        uuid.New(),
		Kind:      store.KindPush,
		StartedAt: time.Unix(1700000200, 0).UTC(),
		Status:    store.StatusFailed,
	}))

	rec := env.do(t, http.MethodGet, "/v1/history?status=succeeded&limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Operations []map[string]any `json:"operations"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Operations, 1)
	require.Equal(t, "succeeded", body.Operations[0]["status"])
	require.Equal(t, "DONE", body.Operations[0]["state"])

	require.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/v1/history?status=paused", nil).Code)
	require.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/v1/history?limit=-1", nil).Code)
	require.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/v1/history?offset=x", nil).Code)
}

func TestListHistoryWithoutRepo(t *testing.T) {
	t.Parallel()

	srv := NewServer(Options{})
	req := httptest.NewRequest(http.MethodGet, "/v1/history", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestEventStream(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	op, err := env.manager.Start(context.Background(), store.KindFetch, "origin")
	require.NoError(t, err)
	op.Report(remoteprogress.Transfer{Objects: 1, TotalObjects: 2})
	require.Eventually(t, func() bool {
		_, ok, _ := op.Progress()
		return ok
	}, 5*time.Second, 5*time.Millisecond)

	resp, err := http.Get(ts.URL + "/v1/operations/" + op.ID.String() + "/events")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	op.Report(remoteprogress.Transfer{Objects: 2, TotalObjects: 2})
	op.Finish()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	stream := string(raw)

	require.True(t, strings.HasPrefix(stream, "event: progress\n"), stream)
	require.Contains(t, stream, `"state":"TRANSFERRING","percent":50`)
	require.Contains(t, stream, `"percent":100`)
	require.Contains(t, stream, "event: complete\n")
	require.Contains(t, stream, `"status":"closed","reason":"inbound_closed","relayed":2`)
}

func TestEventStreamUnknownOperation(t *testing.T) {
	t.Parallel()

	rec := newTestEnv(t).do(t, http.MethodGet, "/v1/operations/"+uuid.NewString()+"/events", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	op, err := env.manager.Start(context.Background(), store.KindPush, "origin")
	require.NoError(t, err)
	op.Report(remoteprogress.Done{})
	waitOutcome(t, op)

	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/healthz", nil).Code)
	rec := env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	require.Contains(t, body, `progressrelay_updates_total{state="DONE"} 1`)
	require.Contains(t, body, `progressrelay_relays_terminated_total{fatal="false",reason="done"} 1`)
	require.Contains(t, body, `progressrelay_http_requests_total{code="200",method="GET",route="/healthz"} 1`)
}

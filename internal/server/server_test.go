package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nmxmxh/kgraph/internal/build"
	"github.com/nmxmxh/kgraph/internal/config"
	"github.com/nmxmxh/kgraph/internal/kg"
	"github.com/nmxmxh/kgraph/internal/query"
	"github.com/nmxmxh/kgraph/internal/storage"
)

// fakeStore backs both the orchestrator and the query service in tests.
type fakeStore struct {
	mu       sync.Mutex
	state    storage.KGState
	task     *storage.TaskInfo
	stateErr error

	queryResult storage.QueryResult
	entityTypes []string
	stats       storage.Stats
}

func (f *fakeStore) GetStateAndTask(context.Context) (storage.KGState, *storage.TaskInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, f.task, f.stateErr
}

func (f *fakeStore) TryAcquire(_ context.Context, taskType storage.TaskType, version string) (*storage.TaskInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.state.Status.Admitting() {
		return nil, &storage.ConflictError{State: f.state, Task: f.task}
	}
	task := &storage.TaskInfo{TaskID: version, Type: taskType, Version: version, StartedAt: time.Now()}
	if taskType == storage.TaskIncrementalUpdate {
		task.BaseVersion = f.state.LatestReadyVersion
	}
	f.state.Status = taskType.TargetStatus()
	f.state.CurrentTaskID = version
	f.task = task
	return task, nil
}

func (f *fakeStore) UpdateProgress(context.Context, string, int, string) error { return nil }

func (f *fakeStore) CommitSuccess(_ context.Context, _, version string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.Status = storage.StatusReady
	f.state.LatestReadyVersion = version
	f.state.CurrentTaskID = ""
	return nil
}

func (f *fakeStore) CommitFailure(_ context.Context, _, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.Status = storage.StatusFailed
	f.state.CurrentTaskID = ""
	return nil
}

func (f *fakeStore) WriteGraph(context.Context, string, *kg.Graph) error { return nil }

func (f *fakeStore) LoadGraph(context.Context, string) (*kg.Graph, error) {
	return &kg.Graph{}, nil
}

func (f *fakeStore) DeleteVersion(context.Context, string) error { return nil }

func (f *fakeStore) CleanupOldVersions(context.Context, config.RetentionConfig) ([]string, error) {
	return nil, nil
}

func (f *fakeStore) Query(context.Context, string, storage.QueryParams) (storage.QueryResult, error) {
	return f.queryResult, nil
}

func (f *fakeStore) EntityTypes(context.Context, string) ([]string, error) {
	return f.entityTypes, nil
}

func (f *fakeStore) RelationTypes(context.Context, string) ([]string, error) {
	return f.entityTypes, nil
}

func (f *fakeStore) Stats(context.Context, string) (storage.Stats, error) {
	return f.stats, nil
}

type fakePinger struct{ err error }

func (f *fakePinger) Ping(context.Context) error { return f.err }

type fakeHooks struct{ full []string }

func (f *fakeHooks) FullData(context.Context) ([]string, error) { return f.full, nil }

func (f *fakeHooks) IncrementalData(context.Context, string) ([]string, error) {
	return f.full, nil
}

func (f *fakeHooks) Close() error { return nil }

type fakeExtractor struct{}

func (fakeExtractor) Build(context.Context, []string, *kg.Graph, time.Time) (*kg.Graph, error) {
	a := kg.Entity{Label: "Person", Name: "Ada"}
	return &kg.Graph{Entities: []kg.Entity{a}}, nil
}

func newTestServer(store *fakeStore, health Pinger) (*httptest.Server, *build.Orchestrator) {
	cfg := &config.Config{
		Server: config.ServerConfig{CORSAllowOrigins: []string{"*"}},
		Query: config.QueryConfig{
			DefaultLimitNodes: 500,
			DefaultLimitEdges: 1000,
			DefaultDepth:      2,
			MaxDepth:          5,
			MaxSeedNodes:      30,
		},
		Retention: config.RetentionConfig{MaxVersions: 3, EnableCleanup: true},
	}
	log := zap.NewNop()
	orch := build.NewOrchestrator(cfg, store, store, &fakeHooks{full: []string{"chunk"}}, fakeExtractor{}, log)
	q := query.NewService(store, store, nil, cfg.Query, log)
	srv := New(Deps{Orchestrator: orch, Query: q, Health: health, Config: cfg, Log: log})
	return httptest.NewServer(srv.httpServer.Handler), orch
}

type envelopeBody struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string          `json:"code"`
		Message string          `json:"message"`
		Detail  json.RawMessage `json:"detail"`
	} `json:"error"`
}

func decodeEnvelope(t *testing.T, resp *http.Response) envelopeBody {
	t.Helper()
	defer resp.Body.Close()
	var body envelopeBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestTriggerFullBuild(t *testing.T) {
	store := &fakeStore{state: storage.KGState{Status: storage.StatusIdle}}
	ts, orch := newTestServer(store, &fakePinger{})
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/kg/build/full", "application/json", strings.NewReader(`{"trigger_source":"test"}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeEnvelope(t, resp)
	assert.True(t, body.Success)
	var data build.TriggerResult
	require.NoError(t, json.Unmarshal(body.Data, &data))
	assert.Equal(t, "BUILDING", data.Status)
	assert.NotEmpty(t, data.TaskID)
	orch.Wait()
}

func TestTriggerConflictReturns409(t *testing.T) {
	store := &fakeStore{state: storage.KGState{Status: storage.StatusBuilding, CurrentTaskID: "123"}}
	ts, _ := newTestServer(store, &fakePinger{})
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/kg/build/full", "application/json", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	body := decodeEnvelope(t, resp)
	assert.False(t, body.Success)
	assert.Equal(t, "TASK_RUNNING", body.Error.Code)
}

func TestIncrementalWithoutBaseReturns400(t *testing.T) {
	store := &fakeStore{state: storage.KGState{Status: storage.StatusIdle}}
	ts, _ := newTestServer(store, &fakePinger{})
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/kg/update/incremental", "application/json", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decodeEnvelope(t, resp)
	assert.Equal(t, "NO_BASE_VERSION", body.Error.Code)
}

func TestTriggerRejectsUnknownGraphName(t *testing.T) {
	store := &fakeStore{state: storage.KGState{Status: storage.StatusIdle}}
	ts, _ := newTestServer(store, &fakePinger{})
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/kg/build/full", "application/json", strings.NewReader(`{"graph_name":"other"}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decodeEnvelope(t, resp)
	assert.Equal(t, "BAD_REQUEST", body.Error.Code)
}

func TestStatusEndpoint(t *testing.T) {
	finished := time.Now().UTC()
	store := &fakeStore{
		state: storage.KGState{Status: storage.StatusReady, LatestReadyVersion: "1748980800000"},
		task: &storage.TaskInfo{
			TaskID:     "1748980800000",
			Type:       storage.TaskFullBuild,
			Version:    "1748980800000",
			FinishedAt: &finished,
			Progress:   100,
		},
	}
	ts, _ := newTestServer(store, &fakePinger{})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/kg/status")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeEnvelope(t, resp)
	var data struct {
		Status             string    `json:"status"`
		LatestReadyVersion string    `json:"latest_ready_version"`
		CurrentTask        *taskView `json:"current_task"`
	}
	require.NoError(t, json.Unmarshal(body.Data, &data))
	assert.Equal(t, "READY", data.Status)
	assert.Equal(t, "1748980800000", data.LatestReadyVersion)
	require.NotNil(t, data.CurrentTask)
	assert.Equal(t, 100, data.CurrentTask.Progress)
}

func TestQueryNoReadyVersionReturns404(t *testing.T) {
	store := &fakeStore{state: storage.KGState{Status: storage.StatusIdle}}
	ts, _ := newTestServer(store, &fakePinger{})
	defer ts.Close()

	for _, path := range []string{"/kg/query?q=ada", "/kg/types/entities", "/kg/types/relations", "/kg/stats"} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
		body := decodeEnvelope(t, resp)
		assert.Equal(t, "NOT_FOUND", body.Error.Code, path)
	}
}

func TestQueryReturnsSubgraph(t *testing.T) {
	store := &fakeStore{
		state: storage.KGState{Status: storage.StatusReady, LatestReadyVersion: "100"},
		queryResult: storage.QueryResult{
			Nodes:     []storage.GraphNode{{ID: "n1", Types: []string{"Person"}, Name: "Ada"}},
			Edges:     []storage.GraphEdge{},
			Truncated: false,
		},
	}
	ts, _ := newTestServer(store, &fakePinger{})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/kg/query?q=ada&depth=3&limit_nodes=10")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeEnvelope(t, resp)
	var data query.Result
	require.NoError(t, json.Unmarshal(body.Data, &data))
	assert.Equal(t, "100", data.Version)
	require.Len(t, data.Nodes, 1)
	assert.Equal(t, "Ada", data.Nodes[0].Name)
}

func TestQueryRejectsBadParams(t *testing.T) {
	store := &fakeStore{state: storage.KGState{Status: storage.StatusReady, LatestReadyVersion: "100"}}
	ts, _ := newTestServer(store, &fakePinger{})
	defer ts.Close()

	for _, q := range []string{"depth=abc", "limit_nodes=-1", "include_properties=maybe"} {
		resp, err := http.Get(ts.URL + "/kg/query?" + q)
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, q)
		resp.Body.Close()
	}
}

func TestEntityTypesShape(t *testing.T) {
	store := &fakeStore{
		state:       storage.KGState{Status: storage.StatusReady, LatestReadyVersion: "100"},
		entityTypes: []string{"Company", "Person"},
	}
	ts, _ := newTestServer(store, &fakePinger{})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/kg/types/entities")
	require.NoError(t, err)
	body := decodeEnvelope(t, resp)
	var data struct {
		Version     string   `json:"version"`
		EntityTypes []string `json:"entity_types"`
	}
	require.NoError(t, json.Unmarshal(body.Data, &data))
	assert.Equal(t, []string{"Company", "Person"}, data.EntityTypes)
}

func TestHealthz(t *testing.T) {
	store := &fakeStore{state: storage.KGState{Status: storage.StatusIdle}}

	ts, _ := newTestServer(store, &fakePinger{})
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	ts.Close()

	ts2, _ := newTestServer(store, &fakePinger{err: errors.New("down")})
	defer ts2.Close()
	resp, err = http.Get(ts2.URL + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp.Body.Close()
}

func TestCORSHeaders(t *testing.T) {
	store := &fakeStore{state: storage.KGState{Status: storage.StatusIdle}}
	ts, _ := newTestServer(store, &fakePinger{})
	defer ts.Close()

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/kg/status", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://example.com")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestRequestIDHeader(t *testing.T) {
	store := &fakeStore{state: storage.KGState{Status: storage.StatusIdle}}
	ts, _ := newTestServer(store, &fakePinger{})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/kg/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

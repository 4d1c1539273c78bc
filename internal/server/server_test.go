package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/boxopt/internal/config"
	"github.com/copyleftdev/boxopt/internal/logging"
)

// testConfig creates a test configuration with default values
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFrom(map[string]string{
		"ENV":              "test",
		"OPT_WORKER_COUNT": "2",
	})
	require.NoError(t, err)
	return cfg
}

// testLogger creates a logger that discards output
func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	return logging.New(logging.DebugLevel, io.Discard)
}

type testServer struct {
	*Server
	router chi.Router
}

func newTestServer(t *testing.T, cfg *config.Config) *testServer {
	t.Helper()
	if cfg == nil {
		cfg = testConfig(t)
	}
	srv := NewServer(cfg, testLogger(t))
	r := chi.NewRouter()
	srv.RegisterRoutes(r)
	t.Cleanup(func() { _ = srv.Close() })
	return &testServer{Server: srv, router: r}
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, httptest.NewRequest(method, path, reader))
	return rec
}

func (ts *testServer) start(t *testing.T, body string) JobStatus {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/v1/optimize", body)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var status JobStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	require.NotEmpty(t, status.ID)
	return status
}

func (ts *testServer) wait(t *testing.T, id string) JobStatus {
	t.Helper()
	var status JobStatus
	require.Eventually(t, func() bool {
		rec := ts.do(t, http.MethodGet, "/api/v1/status/"+id, "")
		if rec.Code != http.StatusOK {
			return false
		}
		status = JobStatus{}
		if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
			return false
		}
		return status.Status.Terminal()
	}, 10*time.Second, 5*time.Millisecond)
	return status
}

func TestRegisterRoutes(t *testing.T) {
	ts := newTestServer(t, nil)

	tests := []struct {
		method      string
		path        string
		shouldExist bool
	}{
		{"POST", "/api/v1/optimize", true},
		{"GET", "/api/v1/status/123", true},
		{"DELETE", "/api/v1/optimization/123", true},
		{"GET", "/api/v1/objectives", true},
		{"GET", "/api/v1/parameters", true},
		{"POST", "/rpc", true},
		{"GET", "/healthz", true},
		{"GET", "/metrics", true},
		{"GET", "/nonexistent", false},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := ts.do(t, tt.method, tt.path, "")
			// Status handlers answer unknown IDs with a JSON body; the router's
			// own 404 is plain text.
			routed := rec.Code != http.StatusNotFound || strings.Contains(rec.Header().Get("Content-Type"), "json")
			assert.Equal(t, tt.shouldExist, routed, "status %d", rec.Code)
		})
	}
}

func TestOptimizeSphere(t *testing.T) {
	ts := newTestServer(t, nil)

	accepted := ts.start(t, `{"objective":"sphere","bounds":[[-5,5],[-5,5],[-5,5]]}`)
	assert.Equal(t, "sphere", accepted.Objective)
	assert.Equal(t, 3, accepted.Dimension)

	status := ts.wait(t, accepted.ID)
	require.Equal(t, StateCompleted, status.Status, status.Error)
	assert.True(t, status.Converged)
	assert.Equal(t, 1.0, status.Progress)
	assert.NotNil(t, status.EndTime)
	assert.NotEmpty(t, status.History)
	require.NotNil(t, status.BestSolution)
	for _, v := range status.BestSolution.Parameters {
		assert.InDelta(t, 1.0, v, 1e-4)
	}
	assert.InDelta(t, 0.0, float64(status.BestSolution.Value), 1e-6)
}

func TestOptimizeActiveBoundWithUnboundedSides(t *testing.T) {
	ts := newTestServer(t, nil)

	accepted := ts.start(t, `{
		"objective": "rosenbrock",
		"bounds": [[null, 0.5], [null, null]],
		"start": [-1.2, 1],
		"parameters": {"gradient": 1e-8, "max_function_evaluations": 5000}
	}`)

	status := ts.wait(t, accepted.ID)
	require.Equal(t, StateCompleted, status.Status, status.Error)
	require.NotNil(t, status.BestSolution)
	assert.InDelta(t, 0.5, status.BestSolution.Parameters[0], 1e-6)
	assert.InDelta(t, 0.25, status.BestSolution.Parameters[1], 1e-3)
}

func TestOptimizeBudgetStop(t *testing.T) {
	ts := newTestServer(t, nil)

	accepted := ts.start(t, `{"objective":"rosenbrock","dimension":4,"start":[-1.2,1,-1.2,1],"parameters":{"F":5}}`)
	status := ts.wait(t, accepted.ID)

	require.Equal(t, StateCompleted, status.Status)
	assert.False(t, status.Converged)
	assert.Equal(t, "STOP: TOTAL NO. of f AND g EVALUATIONS EXCEEDS LIMIT", status.Task)
	assert.LessOrEqual(t, status.Evaluations, 5)
}

func TestOptimizeRejectsInvalidRequests(t *testing.T) {
	cfg := testConfig(t)
	cfg.Optimization.MaxDimension = 4
	ts := newTestServer(t, cfg)

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"objective":`},
		{"unknown field", `{"objective":"sphere","dimension":2,"color":"red"}`},
		{"unknown objective", `{"objective":"ackley","dimension":2}`},
		{"no dimension", `{"objective":"sphere"}`},
		{"dimension limit", `{"objective":"sphere","dimension":5}`},
		{"dimension mismatch", `{"objective":"sphere","dimension":3,"bounds":[[0,1],[0,1]]}`},
		{"bad bound pair", `{"objective":"sphere","bounds":[[0,1,2]]}`},
		{"inverted bounds", `{"objective":"sphere","bounds":[[1,0]]}`},
		{"unsupported dimension", `{"objective":"booth","dimension":3}`},
		{"start length", `{"objective":"sphere","dimension":2,"start":[1]}`},
		{"unknown parameter", `{"objective":"sphere","dimension":2,"parameters":{"T":1}}`},
		{"parameter out of range", `{"objective":"sphere","dimension":2,"parameters":{"accuracy":2}}`},
		{"negative corrections", `{"objective":"sphere","dimension":2,"corrections":-1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/api/v1/optimize", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

			var body map[string]interface{}
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.NotEmpty(t, body["error"])
		})
	}

	ts.optimizationsMu.RLock()
	defer ts.optimizationsMu.RUnlock()
	assert.Empty(t, ts.optimizations)
}

func TestStatusAndCancelUnknownJob(t *testing.T) {
	ts := newTestServer(t, nil)

	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/v1/status/missing", "").Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodDelete, "/api/v1/optimization/missing", "").Code)
}

func TestCancelPendingJob(t *testing.T) {
	cfg := testConfig(t)
	cfg.Optimization.WorkerCount = 1
	ts := newTestServer(t, cfg)

	// Hold the only worker slot so the job stays pending.
	require.NoError(t, ts.sem.Acquire(context.Background(), 1))
	defer ts.sem.Release(1)

	accepted := ts.start(t, `{"objective":"sphere","dimension":2}`)
	assert.Equal(t, StatePending, accepted.Status)

	rec := ts.do(t, http.MethodDelete, "/api/v1/optimization/"+accepted.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)

	status := ts.wait(t, accepted.ID)
	assert.Equal(t, StateCancelled, status.Status)
	assert.NotNil(t, status.EndTime)
	assert.Zero(t, status.Evaluations)

	rec = ts.do(t, http.MethodDelete, "/api/v1/optimization/"+accepted.ID, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCloseCancelsJobs(t *testing.T) {
	cfg := testConfig(t)
	cfg.Optimization.WorkerCount = 1
	ts := newTestServer(t, cfg)

	require.NoError(t, ts.sem.Acquire(context.Background(), 1))
	accepted := ts.start(t, `{"objective":"sphere","dimension":2}`)

	require.NoError(t, ts.Close())
	ts.sem.Release(1)

	status, err := ts.optimizationStatus(accepted.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, status.Status)
}

func TestPruneFinishedJobs(t *testing.T) {
	cfg := testConfig(t)
	cfg.Optimization.JobRetention = time.Minute
	ts := newTestServer(t, cfg)

	now := time.Now()
	old := now.Add(-2 * time.Minute)
	recent := now.Add(-time.Second)
	ts.optimizations["old"] = &OptimizationState{status: JobStatus{Status: StateCompleted, EndTime: &old}}
	ts.optimizations["recent"] = &OptimizationState{status: JobStatus{Status: StateCompleted, EndTime: &recent}}
	ts.optimizations["running"] = &OptimizationState{status: JobStatus{Status: StateRunning}}

	ts.pruneLocked(now)

	assert.NotContains(t, ts.optimizations, "old")
	assert.Contains(t, ts.optimizations, "recent")
	assert.Contains(t, ts.optimizations, "running")
}

func TestListObjectivesAndParameters(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodGet, "/api/v1/objectives", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var objectives struct {
		Objectives []struct {
			Name     string `json:"name"`
			Analytic bool   `json:"analytic_gradient"`
		} `json:"objectives"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&objectives))
	names := make([]string, 0, len(objectives.Objectives))
	for _, o := range objectives.Objectives {
		names = append(names, o.Name)
	}
	assert.Contains(t, names, "rosenbrock")
	assert.Contains(t, names, "beale")

	rec = ts.do(t, http.MethodGet, "/api/v1/parameters", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var params struct {
		Parameters  map[string]float64 `json:"parameters"`
		Corrections int                `json:"corrections"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&params))
	assert.Equal(t, 1000.0, params.Parameters["max_function_evaluations"])
	assert.Equal(t, 5, params.Corrections)
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK\n", rec.Body.String())

	accepted := ts.start(t, `{"objective":"booth","bounds":[[-10,10],[-10,10]]}`)
	ts.wait(t, accepted.ID)

	rec = ts.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "boxopt_jobs_started_total")
	assert.Contains(t, body, `boxopt_jobs_finished_total{status="completed"}`)
	assert.Contains(t, body, "boxopt_job_evaluations_bucket")
}

func rpc(t *testing.T, ts *testServer, method string, params interface{}) map[string]interface{} {
	t.Helper()
	req := map[string]interface{}{"jsonrpc": "2.0", "id": 7, "method": method}
	if params != nil {
		req["params"] = []interface{}{params}
	}
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(req))

	rec := ts.do(t, http.MethodPost, "/rpc", buf.String())
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "2.0", resp["jsonrpc"])
	return resp
}

func rpcErrorCode(t *testing.T, resp map[string]interface{}) float64 {
	t.Helper()
	errObj, ok := resp["error"].(map[string]interface{})
	require.True(t, ok, "response should contain error object: %v", resp)
	return errObj["code"].(float64)
}

func TestJSONRPCLifecycle(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := rpc(t, ts, "optimization.start", map[string]interface{}{
		"objective": "sphere",
		"bounds":    [][]float64{{2, 4}, {-1, 0}},
	})
	require.Nil(t, resp["error"])
	assert.Equal(t, 7.0, resp["id"])
	result := resp["result"].(map[string]interface{})
	id := result["optimization_id"].(string)

	status := ts.wait(t, id)
	require.Equal(t, StateCompleted, status.Status)
	assert.InDelta(t, 2.0, status.BestSolution.Parameters[0], 1e-9)
	assert.InDelta(t, 0.0, status.BestSolution.Parameters[1], 1e-9)

	resp = rpc(t, ts, "optimization.status", map[string]string{"optimization_id": id})
	require.Nil(t, resp["error"])
	assert.Equal(t, "completed", resp["result"].(map[string]interface{})["status"])

	resp = rpc(t, ts, "optimization.cancel", map[string]string{"optimization_id": id})
	assert.Equal(t, float64(rpcConflict), rpcErrorCode(t, resp))
}

func TestJSONRPCErrors(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/rpc", `{"jsonrpc":`)
	var resp map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, float64(rpcParseError), rpcErrorCode(t, resp))

	rec = ts.do(t, http.MethodPost, "/rpc", `{"jsonrpc":"1.0","id":1,"method":"optimization.status"}`)
	resp = nil
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, float64(rpcInvalidRequest), rpcErrorCode(t, resp))

	tests := []struct {
		name   string
		method string
		params interface{}
		code   int
	}{
		{"unknown method", "optimization.pause", nil, rpcMethodNotFound},
		{"missing params", "optimization.status", nil, rpcInvalidParams},
		{"missing id", "optimization.status", map[string]string{}, rpcInvalidParams},
		{"unknown job", "optimization.status", map[string]string{"optimization_id": "nope"}, rpcNotFound},
		{"cancel unknown job", "optimization.cancel", map[string]string{"optimization_id": "nope"}, rpcNotFound},
		{"bad objective", "optimization.start", map[string]interface{}{"objective": "nope", "dimension": 2}, rpcInvalidParams},
		{"params not object", "optimization.start", "sphere", rpcInvalidParams},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := rpc(t, ts, tt.method, tt.params)
			assert.Equal(t, float64(tt.code), rpcErrorCode(t, resp))
			assert.Equal(t, 7.0, resp["id"])
		})
	}
}

func TestRespondWithError(t *testing.T) {
	ts := newTestServer(t, nil)

	rr := httptest.NewRecorder()
	ts.respondWithError(rr, rpcServerError, "server error", nil)

	assert.Equal(t, http.StatusOK, rr.Code)
	var response map[string]interface{}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&response))
	errObj, ok := response["error"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(rpcServerError), errObj["code"])
	assert.Equal(t, "server error", errObj["message"])
	assert.Nil(t, response["id"])
}

func TestFloatMarshalsNonFiniteAsNull(t *testing.T) {
	b, err := json.Marshal(Solution{Parameters: []float64{1}, Value: Float(math.Inf(1))})
	require.NoError(t, err)
	assert.JSONEq(t, `{"parameters":[1],"value":null}`, string(b))

	b, err = json.Marshal(HistoryPoint{Value: 0.5, ProjGradNorm: Float(math.NaN())})
	require.NoError(t, err)
	assert.JSONEq(t, `{"iteration":0,"value":0.5,"projected_gradient_norm":null,"evaluations":0}`, string(b))
}

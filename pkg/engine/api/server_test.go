package api_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tigerroll/crest/pkg/engine"
	"github.com/tigerroll/crest/pkg/engine/agent"
	"github.com/tigerroll/crest/pkg/engine/api"
	"github.com/tigerroll/crest/pkg/engine/checkpoint"
	coreConfig "github.com/tigerroll/crest/pkg/engine/core/config"
	"github.com/tigerroll/crest/pkg/engine/core/pipeline"
	"github.com/tigerroll/crest/pkg/engine/coordinator"
	"github.com/tigerroll/crest/pkg/engine/dlq"
	"github.com/tigerroll/crest/pkg/engine/event"
	"github.com/tigerroll/crest/pkg/engine/event/export"
	"github.com/tigerroll/crest/pkg/engine/executor"
	"github.com/tigerroll/crest/pkg/engine/metrics"
	storeConfig "github.com/tigerroll/crest/pkg/engine/storage/config"
	"github.com/tigerroll/crest/pkg/engine/storage/local"
	"github.com/tigerroll/crest/pkg/engine/workspace"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	store, err := local.NewLocalStore(storeConfig.StoreConfig{Type: local.ProviderType, BaseDir: t.TempDir()}, "test")
	require.NoError(t, err)
	log := event.NewLog(store)

	cfg := coreConfig.NewConfig()
	cfg.Crest.Engine.Retry.InitialInterval = 1
	cfg.Crest.Engine.Retry.MaxInterval = 5
	cfg.Crest.System.WorkspaceDir = filepath.Join(t.TempDir(), "ws")

	ws, err := workspace.NewLocalProvider(cfg.Crest.System.WorkspaceDir)
	require.NoError(t, err)
	exec := executor.NewExecutor()
	dlqMgr := dlq.NewManager(store, log, cfg)
	cpMgr := checkpoint.NewManager(store, log, cfg)
	jobs := coordinator.NewJobStore(store)
	prom := metrics.NewPrometheusRecorder()
	tracer := metrics.NewNoopTracer()
	agents := agent.NewManager(exec, ws, log, dlqMgr, prom, tracer, cfg)
	coord := coordinator.NewCoordinator(agents, cpMgr, log, ws, exec, prom, tracer, jobs, cfg)
	exporter := export.NewExporter(log, store, export.Config{})
	eng := engine.New(coord, jobs, cpMgr, agents, dlqMgr, log, ws, exporter, prom, cfg)

	srv := httptest.NewServer(api.NewServer(eng, prom).Router())
	t.Cleanup(srv.Close)
	return srv
}

func registerPipeline(t *testing.T, name string) {
	t.Helper()
	pl := pipeline.Pipeline{
		Name: name,
		Map:  pipeline.MapPhase{Pipeline: []pipeline.Step{{Name: "work", Shell: "echo ok"}}},
	}
	pipeline.LoadedPipelineDefinitions[name] = pl
	t.Cleanup(func() { delete(pipeline.LoadedPipelineDefinitions, name) })
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	var decoded map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return decoded
}

func submitAndWait(t *testing.T, srv *httptest.Server, pipelineName string, itemCount int) string {
	t.Helper()
	items := make([]map[string]interface{}, 0, itemCount)
	for i := 0; i < itemCount; i++ {
		items = append(items, map[string]interface{}{
			"id":      fmt.Sprintf("item-%d", i),
			"payload": map[string]interface{}{"idx": i},
		})
	}
	resp := postJSON(t, srv.URL+"/api/v1/jobs", map[string]interface{}{
		"pipeline_name": pipelineName,
		"items":         items,
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	jobID, _ := decodeBody(t, resp)["job_id"].(string)
	require.NotEmpty(t, jobID)

	require.Eventually(t, func() bool {
		statusResp, err := http.Get(srv.URL + "/api/v1/jobs/" + jobID)
		if err != nil || statusResp.StatusCode != http.StatusOK {
			return false
		}
		state, _ := decodeBody(t, statusResp)["state"].(string)
		return state == "COMPLETED" || state == "FAILED"
	}, 15*time.Second, 20*time.Millisecond)
	return jobID
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decodeBody(t, resp)["status"])
}

func TestSubmitAndStatus(t *testing.T) {
	srv := newTestServer(t)
	registerPipeline(t, "api-submit")

	jobID := submitAndWait(t, srv, "api-submit", 3)

	resp, err := http.Get(srv.URL + "/api/v1/jobs/" + jobID)
	require.NoError(t, err)
	body := decodeBody(t, resp)
	assert.Equal(t, "COMPLETED", body["state"])
	assert.Equal(t, float64(3), body["completed"])
	assert.Equal(t, float64(0), body["failed"])
}

func TestSubmitUnknownPipeline(t *testing.T) {
	srv := newTestServer(t)
	resp := postJSON(t, srv.URL+"/api/v1/jobs", map[string]interface{}{
		"pipeline_name": "nope",
		"items":         []map[string]interface{}{{"id": "a"}},
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestStatusUnknownJob(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/api/v1/jobs/no-such-job")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestListJobs(t *testing.T) {
	srv := newTestServer(t)
	registerPipeline(t, "api-list")
	jobID := submitAndWait(t, srv, "api-list", 1)

	resp, err := http.Get(srv.URL + "/api/v1/jobs")
	require.NoError(t, err)
	body := decodeBody(t, resp)
	jobs, ok := body["jobs"].([]interface{})
	require.True(t, ok)
	assert.Contains(t, jobs, jobID)
}

func TestEventsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	registerPipeline(t, "api-events")
	jobID := submitAndWait(t, srv, "api-events", 2)

	resp, err := http.Get(srv.URL + "/api/v1/jobs/" + jobID + "/events?type=AgentCompleted")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, float64(2), body["count"])

	resp, err = http.Get(srv.URL + "/api/v1/jobs/" + jobID + "/events?since=not-a-time")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestDLQEndpointsEmpty(t *testing.T) {
	srv := newTestServer(t)
	registerPipeline(t, "api-dlq")
	jobID := submitAndWait(t, srv, "api-dlq", 1)

	resp, err := http.Get(srv.URL + "/api/v1/jobs/" + jobID + "/dlq")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(0), decodeBody(t, resp)["count"])

	resp, err = http.Get(srv.URL + "/api/v1/jobs/" + jobID + "/dlq/stats")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/api/v1/jobs/" + jobID + "/dlq/patterns")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestMetricsExposition(t *testing.T) {
	srv := newTestServer(t)
	registerPipeline(t, "api-metrics")
	submitAndWait(t, srv, "api-metrics", 1)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(data), "crest_jobs_started_total")
}

func TestExportAuditEndpoint(t *testing.T) {
	srv := newTestServer(t)
	registerPipeline(t, "api-audit")
	jobID := submitAndWait(t, srv, "api-audit", 1)

	resp := postJSON(t, srv.URL+"/api/v1/jobs/"+jobID+"/audit/export", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	key, _ := decodeBody(t, resp)["key"].(string)
	assert.Contains(t, key, ".parquet")
}

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jurisq/lexharvester/internal/jobs"
	"github.com/jurisq/lexharvester/internal/metrics"
)

func TestMain(m *testing.M) {
	metrics.Init()
	m.Run()
}

type fakeFactory struct {
	runners map[string]jobs.Runner
}

func (f *fakeFactory) RunnerFor(name string) (jobs.Runner, error) {
	runner, ok := f.runners[name]
	if !ok {
		return nil, ErrUnknownJob
	}
	return runner, nil
}

func newTestServer(t *testing.T, runners map[string]jobs.Runner, cfg Config) (*httptest.Server, *jobs.Controller) {
	t.Helper()
	controller := jobs.New(zap.NewNop())
	server := NewServer(controller, &fakeFactory{runners: runners}, cfg, zap.NewNop())
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return ts, controller
}

func doJSON(t *testing.T, method, url string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), method, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp, body
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t, nil, Config{})

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/healthz")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", body["status"])

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/readyz")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ready", body["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t, nil, Config{})
	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStartJob(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	ts, controller := newTestServer(t, map[string]jobs.Runner{
		"harvest:civil": func(context.Context, *jobs.Run) error {
			<-release
			return nil
		},
	}, Config{})
	defer close(release)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/v1/jobs/harvest:civil/start")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Equal(t, "harvest:civil", body["job"])
	require.NotEmpty(t, body["run_id"])

	// Second start while running conflicts.
	resp, body = doJSON(t, http.MethodPost, ts.URL+"/v1/jobs/harvest:civil/start")
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Contains(t, body["error"], "already running")

	require.Equal(t, jobs.StateRunning, controller.Progress("harvest:civil").State)
}

func TestStartUnknownJob(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t, nil, Config{})
	resp, body := doJSON(t, http.MethodPost, ts.URL+"/v1/jobs/harvest:nope/start")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Contains(t, body["error"], "unknown job")
}

func TestJobProgressAndStop(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t, map[string]jobs.Runner{
		"enrich:translate": func(_ context.Context, run *jobs.Run) error {
			run.SetProgress("processed", 3)
			for !run.Stopping() {
				time.Sleep(5 * time.Millisecond)
			}
			return nil
		},
	}, Config{})

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/v1/jobs/enrich:translate/start")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		_, body := doJSON(t, http.MethodGet, ts.URL+"/v1/jobs/enrich:translate/progress")
		progress, _ := body["progress"].(map[string]any)
		return progress["processed"] == float64(3)
	}, time.Second, 10*time.Millisecond)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/v1/jobs/enrich:translate/stop")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Equal(t, string(jobs.StateStopping), body["status"])

	require.Eventually(t, func() bool {
		_, body := doJSON(t, http.MethodGet, ts.URL+"/v1/jobs/enrich:translate/progress")
		return body["state"] == string(jobs.StateStopped)
	}, time.Second, 10*time.Millisecond)

	// Stopping a job that is not running is a no-op reporting its state.
	resp, body = doJSON(t, http.MethodPost, ts.URL+"/v1/jobs/enrich:translate/stop")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, string(jobs.StateStopped), body["status"])
}

func TestStopIsNoOpForUnknownJob(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t, nil, Config{})
	resp, body := doJSON(t, http.MethodPost, ts.URL+"/v1/jobs/harvest:civil/stop")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, string(jobs.StateIdle), body["status"])
}

func TestListJobs(t *testing.T) {
	t.Parallel()

	ts, controller := newTestServer(t, map[string]jobs.Runner{
		"harvest:civil": func(context.Context, *jobs.Run) error { return nil },
	}, Config{})

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/v1/jobs/harvest:civil/start")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	controller.Wait()

	_, body := doJSON(t, http.MethodGet, ts.URL+"/v1/jobs/")
	jobList, ok := body["jobs"].([]any)
	require.True(t, ok)
	require.Len(t, jobList, 1)
}

func TestAPIKeyAuth(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t, nil, Config{AuthEnabled: true, APIKey: "secret"})

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, ts.URL+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", "secret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

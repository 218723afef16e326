package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/balaji-balu/margo-testhost/internal/metrics"
	"github.com/balaji-balu/margo-testhost/internal/orchestrator"
	"github.com/balaji-balu/margo-testhost/internal/webconfig"
	"github.com/balaji-balu/margo-testhost/pkg/deployment"
)

type staticStatus orchestrator.Status

func (s staticStatus) Status() orchestrator.Status { return orchestrator.Status(s) }

func init() {
	gin.SetMode(gin.TestMode)
}

func get(t *testing.T, r http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	r := NewRouter(staticStatus{State: orchestrator.StatePending}, nil)
	rec := get(t, r, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestDeployment(t *testing.T) {
	src := staticStatus{
		State: orchestrator.StateDeployed,
		Result: &deployment.Result{
			ID:      "d-1",
			BaseURL: "http://localhost:5001/testapp/",
		},
	}
	rec := get(t, NewRouter(src, nil), "/deployment")
	require.Equal(t, http.StatusOK, rec.Code)

	var got orchestrator.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, orchestrator.StateDeployed, got.State)
	assert.Equal(t, "http://localhost:5001/testapp/", got.Result.BaseURL)
}

func TestEnvironment(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, webconfig.WriteEnvironmentSettings(dir, "Testing"))
	src := staticStatus{State: orchestrator.StateDeployed, Result: &deployment.Result{PublishedPath: dir}}

	rec := get(t, NewRouter(src, nil), "/deployment/environment")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ASPNET_ENV":"Testing"}`, rec.Body.String())
}

func TestEnvironmentWithoutDeployment(t *testing.T) {
	rec := get(t, NewRouter(staticStatus{State: orchestrator.StatePending}, nil), "/deployment/environment")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEnvironmentUnreadable(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "gone")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	src := staticStatus{State: orchestrator.StateDeployed, Result: &deployment.Result{PublishedPath: dir}}

	rec := get(t, NewRouter(src, nil), "/deployment/environment")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestMetricsMounted(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.DeploymentsTotal.WithLabelValues("HttpTestSite").Inc()

	rec := get(t, NewRouter(staticStatus{}, reg), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "testhost_deployments_total")

	rec = get(t, NewRouter(staticStatus{}, nil), "/metrics")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

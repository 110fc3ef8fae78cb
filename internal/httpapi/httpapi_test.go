package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"combatlog/pkg/interner"
	"combatlog/pkg/service"
)

func newTestSession(t *testing.T) *service.ParsingSession {
	t.Helper()
	dir := t.TempDir()
	sess, err := service.New(service.Config{LogDirectory: dir, TopN: 8}, interner.New(), nil, nil)
	require.NoError(t, err)
	return sess
}

func TestHealthzHandler_ReturnsHealthy(t *testing.T) {
	router := NewRouter(Dependencies{AppName: "combatlogd", AppVersion: "v0.1.0", StartTime: time.Now()})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestStatusHandler_ReportsSessionStatus(t *testing.T) {
	sess := newTestSession(t)
	router := NewRouter(Dependencies{Session: sess, AppName: "combatlogd", StartTime: time.Now()})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, string(service.StatusIdle), body["session_status"])
}

func TestStatusHandler_NilSession_ReportsUnavailable(t *testing.T) {
	router := NewRouter(Dependencies{AppName: "combatlogd", StartTime: time.Now()})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	router.ServeHTTP(rec, req)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "unavailable", body["session_status"])
}

func TestMetricsHandler_ServesPrometheusExposition(t *testing.T) {
	router := NewRouter(Dependencies{AppName: "combatlogd", StartTime: time.Now()})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
}

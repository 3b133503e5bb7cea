package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthAggregation(t *testing.T) {
	resetHealthForTest()
	SetVersion("1.2.3")
	RegisterComponent("daemon", true, "")
	RegisterComponent("storage", true, "")

	h := GetHealth()
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, "1.2.3", h.Version)
	assert.Len(t, h.Components, 2)

	UpdateComponent("storage", false, "commit failures")
	h = GetHealth()
	assert.Equal(t, "unhealthy", h.Status)
	assert.Contains(t, h.Components["storage"], "commit failures")
}

func TestReadinessRequiresCriticalComponents(t *testing.T) {
	resetHealthForTest()

	r := GetReadiness()
	assert.Equal(t, "not_ready", r.Status)
	assert.Equal(t, "not registered", r.Components["daemon"])

	RegisterComponent("daemon", true, "")
	RegisterComponent("storage", true, "")
	RegisterComponent("input", true, "")
	r = GetReadiness()
	assert.Equal(t, "ready", r.Status)

	UpdateComponent("input", false, "queue stalled")
	r = GetReadiness()
	assert.Equal(t, "not_ready", r.Status)
}

func TestHealthHandlerStatusCodes(t *testing.T) {
	resetHealthForTest()
	RegisterComponent("daemon", true, "")

	rec := httptest.NewRecorder()
	HealthHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var body HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body.Status)

	UpdateComponent("daemon", false, "stopped")
	rec = httptest.NewRecorder()
	HealthHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestReadyHandlerStatusCodes(t *testing.T) {
	resetHealthForTest()
	rec := httptest.NewRecorder()
	ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	RegisterComponent("daemon", true, "")
	RegisterComponent("storage", true, "")
	RegisterComponent("input", true, "")
	rec = httptest.NewRecorder()
	ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLivenessHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "alive", body["status"])
}

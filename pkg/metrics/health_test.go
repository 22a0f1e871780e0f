package metrics

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetHealth(version string) {
	state = newHealth()
	state.version = version
}

func TestGetHealth(t *testing.T) {
	resetHealth("1.0.0")
	SetComponent(ComponentCluster, true, "")
	SetComponent(ComponentDeclarations, true, "")

	health := GetHealth()
	assert.Equal(t, "healthy", health.Status)
	assert.Len(t, health.Components, 2)
	assert.Equal(t, "1.0.0", health.Version)
	assert.Nil(t, health.LastRun)

	RecordRun("run-1", "partial", 2, time.Now(), errors.New("processor fetch: property url is invalid"))
	health = GetHealth()
	assert.Equal(t, "degraded", health.Status)
	assert.Equal(t, "last run partial", health.Message)
	require.NotNil(t, health.LastRun)
	assert.Equal(t, "run-1", health.LastRun.ID)
	assert.Equal(t, 2, health.LastRun.Changes)
	assert.Equal(t, "processor fetch: property url is invalid", health.LastRun.Error)

	SetComponent(ComponentCluster, false, "connection refused")
	health = GetHealth()
	assert.Equal(t, "unhealthy", health.Status)
	assert.Equal(t, "cluster: connection refused", health.Message)
	assert.Equal(t, "unhealthy: connection refused", health.Components[ComponentCluster])
}

func TestGetReadiness(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name       string
		components map[string]bool
		result     string
		finished   time.Time
		staleAfter time.Duration
		want       string
		message    string
	}{
		{
			name:       "last run converged",
			components: map[string]bool{ComponentCluster: true, ComponentDeclarations: true},
			result:     RunResultConverged,
			finished:   now,
			want:       "ready",
		},
		{
			name:       "no run yet",
			components: map[string]bool{ComponentCluster: true, ComponentDeclarations: true},
			want:       "not_ready",
			message:    "no run finished yet",
		},
		{
			name:       "last run failed",
			components: map[string]bool{ComponentCluster: true, ComponentDeclarations: true},
			result:     "failed",
			finished:   now,
			want:       "not_ready",
			message:    "last run failed",
		},
		{
			name:       "last run stale",
			components: map[string]bool{ComponentCluster: true, ComponentDeclarations: true},
			result:     RunResultConverged,
			finished:   now.Add(-time.Hour),
			staleAfter: 15 * time.Minute,
			want:       "not_ready",
			message:    "last run is older than 15m0s",
		},
		{
			name:       "cluster unreachable",
			components: map[string]bool{ComponentCluster: false, ComponentDeclarations: true},
			result:     RunResultConverged,
			finished:   now,
			want:       "not_ready",
			message:    "cluster: down",
		},
		{
			name:       "declarations never loaded",
			components: map[string]bool{ComponentCluster: true},
			result:     RunResultConverged,
			finished:   now,
			want:       "not_ready",
			message:    "waiting for declarations",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetHealth("")
			SetStaleAfter(tt.staleAfter)
			for name, healthy := range tt.components {
				SetComponent(name, healthy, "down")
			}
			if tt.result != "" {
				RecordRun("run-1", tt.result, 0, tt.finished, nil)
			}

			readiness := GetReadiness()
			assert.Equal(t, tt.want, readiness.Status)
			assert.Equal(t, tt.message, readiness.Message)
		})
	}
}

func TestLastRunAge(t *testing.T) {
	resetHealth("")
	assert.Nil(t, LastRun())

	RecordRun("run-7", RunResultConverged, 0, time.Now().Add(-90*time.Second), nil)
	last := LastRun()
	require.NotNil(t, last)
	assert.Equal(t, "run-7", last.ID)
	assert.Contains(t, []string{"1m30s", "1m31s"}, last.Age)
	assert.Empty(t, state.last.Age, "stored report is not modified")
}

func TestHandlers(t *testing.T) {
	resetHealth("test")
	SetComponent(ComponentCluster, true, "")
	SetComponent(ComponentDeclarations, true, "")

	tests := []struct {
		name    string
		handler http.HandlerFunc
		code    int
		status  string
	}{
		{"health", HealthHandler(), http.StatusOK, "healthy"},
		{"ready before the first run", ReadyHandler(), http.StatusServiceUnavailable, "not_ready"},
		{"live", LivenessHandler(), http.StatusOK, "alive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			tt.handler(w, httptest.NewRequest(http.MethodGet, "/", nil))

			assert.Equal(t, tt.code, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
			var body map[string]any
			require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
			assert.Equal(t, tt.status, body["status"])
		})
	}
}

func TestReadyHandlerReportsLastRun(t *testing.T) {
	resetHealth("")
	SetComponent(ComponentCluster, true, "")
	SetComponent(ComponentDeclarations, true, "")
	RecordRun("run-3", RunResultConverged, 5, time.Now(), nil)

	w := httptest.NewRecorder()
	ReadyHandler()(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	var body Status
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	require.NotNil(t, body.LastRun)
	assert.Equal(t, "run-3", body.LastRun.ID)
	assert.Equal(t, RunResultConverged, body.LastRun.Result)
	assert.Equal(t, 5, body.LastRun.Changes)
	assert.NotEmpty(t, body.LastRun.Age)
}

func TestHealthHandlerDegradedStaysUp(t *testing.T) {
	resetHealth("")
	SetComponent(ComponentCluster, true, "")
	RecordRun("run-4", "failed", 0, time.Now(), errors.New("conflict retries exhausted"))

	w := httptest.NewRecorder()
	HealthHandler()(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	SetComponent(ComponentDeclarations, false, "yaml: line 3: did not find expected key")
	w = httptest.NewRecorder()
	HealthHandler()(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

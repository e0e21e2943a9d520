package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/termflow/termflow/internal/common/config"
	"github.com/termflow/termflow/internal/common/logger"
	"github.com/termflow/termflow/internal/orchestrator"
)

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		Server:  config.ServerConfig{Host: "127.0.0.1", Port: 8420, ReadTimeout: 30, WriteTimeout: 30},
		Logging: config.LoggingConfig{Level: "error", Format: "text", OutputPath: "stdout"},
		Storage: config.StorageConfig{UsageLimitStatePath: filepath.Join(t.TempDir(), "usage-limit.json")},
		Monitor: config.MonitorConfig{Rows: 24, Cols: 80, CheckIntervalMs: 100, WindowChars: 2000},
		Injector: config.InjectorConfig{
			CharDelayMinMs: 1, CharDelayMaxMs: 2,
			SubmitDelayMinMs: 1, SubmitDelayMaxMs: 2,
			SettleDelayMinMs: 1, SettleDelayMaxMs: 2,
			MaxSafetyCheckAttempts: 30, SafetyCheckIntervalMs: 1000,
		},
		UsageLimit: config.UsageLimitConfig{
			CooldownMinutes: 30, MinResetWindowMinutes: 2,
			MaxResetWindowHours: 5, AutoDisableHours: 5,
		},
		AutoContinue: config.AutoContinueConfig{
			Enabled: false, StabilizationDelayMs: 1500,
			SettleDelayMs: 5000, RetryCooldownSeconds: 30,
		},
		Timer: config.TimerConfig{DefaultMinutes: 5, SyncIntervalSeconds: 5},
	}
}

func newTestServer(t *testing.T) *Server {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stdout"})
	require.NoError(t, err)

	svc := orchestrator.New(testConfig(t), nil, nil, log)
	return NewServer(testConfig(t), svc, log)
}

func doRequest(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, into any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), into))
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	decode(t, w, &resp)
	assert.Equal(t, "ok", resp.Status)
	assert.Zero(t, resp.QueueSize)
}

func TestQueueCRUD(t *testing.T) {
	s := newTestServer(t)

	// Add
	w := doRequest(t, s, http.MethodPost, "/api/v1/queue/messages", map[string]any{
		"content":    "continue",
		"session_id": "s1",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var created struct {
		ID      int64  `json:"id"`
		Content string `json:"content"`
	}
	decode(t, w, &created)
	assert.Equal(t, "continue", created.Content)
	require.NotZero(t, created.ID)

	// List
	w = doRequest(t, s, http.MethodGet, "/api/v1/queue/messages", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Size int `json:"size"`
	}
	decode(t, w, &list)
	assert.Equal(t, 1, list.Size)

	// Update
	w = doRequest(t, s, http.MethodPut, "/api/v1/queue/messages/1", map[string]any{
		"content": "status",
	})
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &created)
	assert.Equal(t, "status", created.Content)

	// Delete
	w = doRequest(t, s, http.MethodDelete, "/api/v1/queue/messages/1", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doRequest(t, s, http.MethodDelete, "/api/v1/queue/messages/1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestQueueAddValidation(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, http.MethodPost, "/api/v1/queue/messages", map[string]any{
		"content": "missing session",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(t, s, http.MethodPost, "/api/v1/queue/messages", map[string]any{
		"content":    "bad time",
		"session_id": "s1",
		"execute_at": "not-a-time",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestQueueClear(t *testing.T) {
	s := newTestServer(t)

	for i := 0; i < 3; i++ {
		doRequest(t, s, http.MethodPost, "/api/v1/queue/messages", map[string]any{
			"content":    "msg",
			"session_id": "s1",
		})
	}

	w := doRequest(t, s, http.MethodPost, "/api/v1/queue/clear", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Dropped int `json:"dropped"`
	}
	decode(t, w, &resp)
	assert.Equal(t, 3, resp.Dropped)
}

func TestTimerEndpoints(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, http.MethodPost, "/api/v1/timer/set", map[string]any{
		"hours": 0, "minutes": 10, "seconds": 0,
	})
	require.Equal(t, http.StatusOK, w.Code)

	var snap struct {
		Minutes int    `json:"minutes"`
		State   string `json:"state"`
	}
	decode(t, w, &snap)
	assert.Equal(t, 10, snap.Minutes)
	assert.Equal(t, "idle", snap.State)

	w = doRequest(t, s, http.MethodPost, "/api/v1/timer/start", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &snap)
	assert.Equal(t, "active", snap.State)

	w = doRequest(t, s, http.MethodPost, "/api/v1/timer/pause", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &snap)
	assert.Equal(t, "paused", snap.State)

	// Pausing twice is a state error.
	w = doRequest(t, s, http.MethodPost, "/api/v1/timer/pause", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTimerStartRejectsZero(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, http.MethodPost, "/api/v1/timer/set", map[string]any{
		"hours": 0, "minutes": 0, "seconds": 0,
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(t, s, http.MethodPost, "/api/v1/timer/start", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAutoContinueToggle(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, http.MethodGet, "/api/v1/rules", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Enabled bool `json:"auto_continue_enabled"`
	}
	decode(t, w, &resp)
	assert.False(t, resp.Enabled)

	w = doRequest(t, s, http.MethodPost, "/api/v1/rules/auto-continue", map[string]any{
		"enabled": true,
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(t, s, http.MethodGet, "/api/v1/rules", nil)
	decode(t, w, &resp)
	assert.True(t, resp.Enabled)
}

func TestSessionNotFound(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, http.MethodGet, "/api/v1/sessions/ghost", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUsageLimitState(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, http.MethodGet, "/api/v1/usage-limit", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var state struct {
		Disabled bool `json:"disabled"`
	}
	decode(t, w, &state)
	assert.False(t, state.Disabled)
}

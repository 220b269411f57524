// SPDX-License-Identifier: MIT

package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ManuGH/fastgpu/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockChecker struct {
	name   string
	status Status
}

func (m *mockChecker) Name() string { return m.name }
func (m *mockChecker) Check(context.Context) CheckResult {
	return CheckResult{Status: m.status}
}

func TestManager_Health(t *testing.T) {
	m := NewManager("v1.0.0")
	m.RegisterChecker(&mockChecker{name: "ok", status: StatusHealthy})
	m.RegisterChecker(&mockChecker{name: "slow", status: StatusDegraded})

	resp := m.Health(context.Background(), false)
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.Equal(t, "v1.0.0", resp.Version)
	assert.GreaterOrEqual(t, resp.Uptime, int64(0))
	assert.Nil(t, resp.Checks)

	resp = m.Health(context.Background(), true)
	assert.Equal(t, StatusDegraded, resp.Status)
	assert.Len(t, resp.Checks, 2)
}

func TestManager_Ready(t *testing.T) {
	m := NewManager("v1")
	assert.True(t, m.Ready(context.Background()).Ready)

	m.RegisterChecker(&mockChecker{name: "slow", status: StatusDegraded})
	resp := m.Ready(context.Background())
	assert.True(t, resp.Ready)
	assert.Equal(t, StatusDegraded, resp.Status)

	m.RegisterChecker(&mockChecker{name: "down", status: StatusUnhealthy})
	m.RegisterChecker(&mockChecker{name: "slow2", status: StatusDegraded})
	resp = m.Ready(context.Background())
	assert.False(t, resp.Ready)
	assert.Equal(t, StatusUnhealthy, resp.Status)
}

func TestServeReady(t *testing.T) {
	m := NewManager("v1")
	m.RegisterChecker(&mockChecker{name: "down", status: StatusUnhealthy})

	rec := httptest.NewRecorder()
	m.ServeReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body ReadinessResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.False(t, body.Ready)
	assert.Equal(t, StatusUnhealthy, body.Checks["down"].Status)

	rec = httptest.NewRecorder()
	m.ServeHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestDirChecker(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, StatusHealthy, NewDirChecker("d", dir).Check(context.Background()).Status)

	missing := NewDirChecker("d", filepath.Join(dir, "nope")).Check(context.Background())
	assert.Equal(t, StatusUnhealthy, missing.Status)
	assert.Equal(t, "directory not found", missing.Error)

	file := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
	assert.Equal(t, StatusUnhealthy, NewDirChecker("d", file).Check(context.Background()).Status)
}

func TestFuncCheckers(t *testing.T) {
	boom := func(context.Context) error { return errors.New("boom") }
	fine := func(context.Context) error { return nil }

	assert.Equal(t, StatusUnhealthy, NewFuncChecker("f", boom).Check(context.Background()).Status)
	assert.Equal(t, StatusDegraded, NewSoftFuncChecker("f", boom).Check(context.Background()).Status)
	assert.Equal(t, StatusHealthy, NewFuncChecker("f", fine).Check(context.Background()).Status)
}

func TestHeartbeatChecker(t *testing.T) {
	var last time.Time
	c := NewHeartbeatChecker(func() time.Time { return last }, time.Second)

	assert.Equal(t, StatusUnhealthy, c.Check(context.Background()).Status)
	last = time.Now()
	assert.Equal(t, StatusHealthy, c.Check(context.Background()).Status)
	last = time.Now().Add(-time.Minute)
	assert.Equal(t, StatusUnhealthy, c.Check(context.Background()).Status)
}

func TestPerformStartupChecks(t *testing.T) {
	cfg := config.Default()
	cfg.Devices.Kind = config.KindWorker
	dir := t.TempDir()

	require.NoError(t, PerformStartupChecks(dir, cfg))
	_, err := os.Stat(filepath.Join(dir, ".write_test"))
	assert.True(t, os.IsNotExist(err))

	assert.Error(t, PerformStartupChecks(filepath.Join(dir, "missing"), cfg))

	cfg.MetricsListen = "no-port"
	assert.Error(t, PerformStartupChecks(dir, cfg))

	cfg.MetricsListen = ""
	cfg.Devices.Kind = config.KindGPU
	cfg.Devices.NvidiaSMI = filepath.Join(dir, "no-such-nvidia-smi")
	assert.ErrorContains(t, PerformStartupChecks(dir, cfg), "nvidia-smi not found")
}

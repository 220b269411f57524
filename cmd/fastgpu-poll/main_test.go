// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ManuGH/fastgpu/internal/api"
	"github.com/ManuGH/fastgpu/internal/config"
	"github.com/ManuGH/fastgpu/internal/fsutil"
	"github.com/ManuGH/fastgpu/internal/history"
	"github.com/ManuGH/fastgpu/internal/pool"
	"github.com/ManuGH/fastgpu/internal/version"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePoller struct {
	path          string
	cfg           config.Config
	exitWhenEmpty bool
	polled        bool
	closed        bool
	err           error
}

func (f *fakePoller) PollScripts(_ context.Context, exitWhenEmpty bool) error {
	f.polled = true
	f.exitWhenEmpty = exitWhenEmpty
	return f.err
}

func (f *fakePoller) Status(context.Context) (pool.Status, error) {
	return pool.Status{Path: f.path}, nil
}

func (f *fakePoller) LastPoll() time.Time { return time.Now() }

func (f *fakePoller) Close() error {
	f.closed = true
	return nil
}

func (f *fakePoller) factory() poolFactory {
	return func(_ context.Context, path string, cfg config.Config) (poller, api.RunLister, error) {
		f.path = path
		f.cfg = cfg
		return f, nil, nil
	}
}

func execute(t *testing.T, newPool poolFactory, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd(newPool)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	f := &fakePoller{}
	_, err := execute(t, f.factory())
	require.NoError(t, err)

	assert.Equal(t, ".", f.path)
	assert.True(t, f.polled)
	assert.True(t, f.exitWhenEmpty)
	assert.True(t, f.closed)
	assert.Equal(t, config.KindGPU, f.cfg.Devices.Kind)
}

func TestRootBindsPathAndExit(t *testing.T) {
	work := t.TempDir()
	tests := []struct {
		name string
		args []string
		want bool
	}{
		{"exit zero keeps polling", []string{"--path", work, "--exit", "0"}, false},
		{"exit one drains", []string{"--path", work, "--exit", "1"}, true},
		{"any nonzero drains", []string{"--path", work, "--exit", "7"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakePoller{}
			_, err := execute(t, f.factory(), tt.args...)
			require.NoError(t, err)
			assert.Equal(t, work, f.path)
			assert.Equal(t, tt.want, f.exitWhenEmpty)
		})
	}
}

func TestRootFlagsOverrideConfig(t *testing.T) {
	work := t.TempDir()
	cfgFile := filepath.Join(work, config.DefaultConfigFile)
	require.NoError(t, os.WriteFile(cfgFile, []byte("pollInterval: 2s\nlogLevel: warn\n"), 0o600))

	f := &fakePoller{}
	_, err := execute(t, f.factory(), "--path", work, "--workers", "3", "--ids", "0,2", "--interval", "250ms")
	require.NoError(t, err)

	assert.Equal(t, config.KindWorker, f.cfg.Devices.Kind)
	assert.Equal(t, 3, f.cfg.Devices.Workers)
	assert.Equal(t, []int{0, 2}, f.cfg.Devices.IDs)
	assert.Equal(t, 250*time.Millisecond, f.cfg.PollInterval)
	assert.Equal(t, "warn", f.cfg.LogLevel)
}

func TestRootRejectsInvalidFlags(t *testing.T) {
	f := &fakePoller{}
	_, err := execute(t, f.factory(), "--path", t.TempDir(), "--ids", "a,b")
	require.Error(t, err)
	assert.False(t, f.polled)

	_, err = execute(t, f.factory(), "--path", t.TempDir(), "--log-level", "chatty")
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestRootPropagatesPollError(t *testing.T) {
	f := &fakePoller{err: pool.ErrAlreadyPolling}
	_, err := execute(t, f.factory(), "--path", t.TempDir())
	assert.ErrorIs(t, err, pool.ErrAlreadyPolling)
	assert.True(t, f.closed)
}

func TestRootServesStatusWhilePolling(t *testing.T) {
	f := &fakePoller{}
	_, err := execute(t, f.factory(), "--path", t.TempDir(), "--metrics-listen", "127.0.0.1:0")
	require.NoError(t, err)
	assert.True(t, f.polled)
}

func TestRootRunsScriptsWithWorkers(t *testing.T) {
	work := t.TempDir()
	_, err := fsutil.SetupDirs(work)
	require.NoError(t, err)
	staged := filepath.Join(t.TempDir(), "hello.sh")
	require.NoError(t, os.WriteFile(staged, []byte("#!/bin/sh\necho hello $FASTGPU_ID\n"), 0o755))
	require.NoError(t, os.Rename(staged, filepath.Join(work, fsutil.DirToRun, "hello.sh")))

	_, err = execute(t, newDefaultPool, "--path", work, "--workers", "1", "--interval", "20ms")
	require.NoError(t, err)

	out, err := os.ReadFile(filepath.Join(work, fsutil.DirOut, "hello.sh.stdout"))
	require.NoError(t, err)
	assert.Equal(t, "hello 0\n", string(out))
	_, err = os.Stat(filepath.Join(work, fsutil.DirComplete, "hello.sh"))
	require.NoError(t, err)

	store, err := history.Open(history.Path(work, ""))
	require.NoError(t, err)
	defer func() { _ = store.Close() }()
	runs, err := store.Recent(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, history.StateComplete, runs[0].State)

	text, err := execute(t, nil, "status", "--path", work)
	require.NoError(t, err)
	assert.Contains(t, text, "complete")
	assert.Contains(t, text, "hello.sh")

	raw, err := execute(t, nil, "status", "--path", work, "--format", "json", "--verify")
	require.NoError(t, err)
	var report statusReport
	require.NoError(t, json.Unmarshal([]byte(raw), &report))
	assert.Equal(t, 1, report.Queue[fsutil.DirComplete])
	assert.Len(t, report.Runs, 1)
	assert.Nil(t, report.Integrity)
}

func TestSetupCmd(t *testing.T) {
	work := filepath.Join(t.TempDir(), "queue")
	out, err := execute(t, nil, "setup", "--path", work)
	require.NoError(t, err)

	for _, dir := range []string{fsutil.DirToRun, fsutil.DirRunning, fsutil.DirComplete, fsutil.DirFail, fsutil.DirOut} {
		info, err := os.Stat(filepath.Join(work, dir))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
		assert.Contains(t, out, dir)
	}
}

func TestStatusCmdErrors(t *testing.T) {
	_, err := execute(t, nil, "status", "--path", t.TempDir())
	assert.ErrorContains(t, err, "run setup first")

	work := t.TempDir()
	_, err = fsutil.SetupDirs(work)
	require.NoError(t, err)
	_, err = execute(t, nil, "status", "--path", work, "--format", "xml")
	assert.Error(t, err)

	out, err := execute(t, nil, "status", "--path", work)
	require.NoError(t, err)
	assert.Contains(t, out, "none held")
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, nil, "version")
	require.NoError(t, err)
	assert.Equal(t, version.String(), strings.TrimSpace(out))
}

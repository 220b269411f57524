// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

//go:build unix

package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ManuGH/fastgpu/internal/fsutil"
	"github.com/ManuGH/fastgpu/internal/gpu"
	"github.com/ManuGH/fastgpu/internal/history"
	"github.com/ManuGH/fastgpu/internal/metrics"
	"github.com/gofrs/flock"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func testOptions() Options {
	nop := zerolog.Nop()
	return Options{
		PollInterval: 20 * time.Millisecond,
		KillGrace:    200 * time.Millisecond,
		KillTimeout:  2 * time.Second,
		Logger:       &nop,
	}
}

func newWorkers(t *testing.T, n int, opts Options) *ResourcePool {
	t.Helper()
	p, err := NewFixedWorkers(t.TempDir(), WorkerIDs(n), opts)
	require.NoError(t, err)
	return p
}

// addScript stages a script outside the work dir and renames it into to_run,
// the way producers are expected to enqueue work.
func addScript(t *testing.T, p *ResourcePool, name, body string) {
	t.Helper()
	staged := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(staged, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	require.NoError(t, os.Rename(staged, filepath.Join(p.Dirs().ToRun, name)))
}

func readOut(t *testing.T, p *ResourcePool, name, suffix string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(p.Dirs().Out, name+suffix))
	require.NoError(t, err)
	return string(data)
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	names, err := fsutil.ListScripts(dir)
	require.NoError(t, err)
	return names
}

func pollUntilEmpty(t *testing.T, p *ResourcePool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	require.NoError(t, p.PollScripts(ctx, true))
}

func TestPollScriptsSortsResults(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := newWorkers(t, 2, testOptions())
	addScript(t, p, "ok.sh", `echo "slot=$FASTGPU_ID"; echo warn >&2`)
	addScript(t, p, "bad.sh", "exit 3")

	pollUntilEmpty(t, p)

	assert.Equal(t, []string{"ok.sh"}, listDir(t, p.Dirs().Complete))
	assert.Equal(t, []string{"bad.sh"}, listDir(t, p.Dirs().Fail))
	assert.Empty(t, listDir(t, p.Dirs().ToRun))
	assert.Empty(t, listDir(t, p.Dirs().Running))

	assert.Regexp(t, `^slot=[01]\n$`, readOut(t, p, "ok.sh", SuffixStdout))
	assert.Equal(t, "warn\n", readOut(t, p, "ok.sh", SuffixStderr))
	assert.Equal(t, "0\n", readOut(t, p, "ok.sh", SuffixExitCode))
	assert.Equal(t, "3\n", readOut(t, p, "bad.sh", SuffixExitCode))

	held, err := HeldSlots(p.Dirs())
	require.NoError(t, err)
	assert.Empty(t, held)
	assert.Equal(t, 0, p.InFlight())
}

func TestPollScriptsOneScriptPerSlot(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := newWorkers(t, 1, testOptions())
	trace := filepath.Join(t.TempDir(), "trace")
	for _, name := range []string{"b.sh", "a.sh", "c.sh"} {
		addScript(t, p, name, "echo start "+name+" >> "+trace+"; sleep 0.05; echo end "+name+" >> "+trace)
	}

	pollUntilEmpty(t, p)

	data, err := os.ReadFile(trace)
	require.NoError(t, err)
	want := []string{
		"start a.sh", "end a.sh",
		"start b.sh", "end b.sh",
		"start c.sh", "end c.sh",
	}
	if diff := cmp.Diff(want, strings.Split(strings.TrimSpace(string(data)), "\n")); diff != "" {
		t.Errorf("execution order mismatch (-want +got):\n%s", diff)
	}
	assert.Len(t, listDir(t, p.Dirs().Complete), 3)
}

func TestPollScriptsEmptyExitsImmediately(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := newWorkers(t, 1, testOptions())
	start := time.Now()
	pollUntilEmpty(t, p)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestPollScriptsKeepsPollingWithoutExit(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := newWorkers(t, 1, testOptions())
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- p.PollScripts(ctx, false) }()

	// Nothing queued yet; the poller must keep waiting.
	select {
	case err := <-errCh:
		t.Fatalf("poller returned early: %v", err)
	case <-time.After(150 * time.Millisecond):
	}

	addScript(t, p, "late.sh", "exit 0")
	assert.Eventually(t, func() bool {
		return len(listDir(t, p.Dirs().Complete)) == 1
	}, 10*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(10 * time.Second):
		t.Fatal("poller did not stop after cancel")
	}
}

func TestPollScriptsWakesOnNewScript(t *testing.T) {
	defer goleak.VerifyNone(t)

	opts := testOptions()
	opts.PollInterval = time.Hour
	p := newWorkers(t, 1, opts)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- p.PollScripts(ctx, false) }()

	// The first pass has finished once the heartbeat is set; from then on
	// only the file watcher can trigger another pass within the hour.
	require.Eventually(t, func() bool { return !p.LastPoll().IsZero() }, 5*time.Second, 5*time.Millisecond)

	addScript(t, p, "woken.sh", "exit 0")
	assert.Eventually(t, func() bool {
		return len(listDir(t, p.Dirs().Complete)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(10 * time.Second):
		t.Fatal("poller did not stop after cancel")
	}
}

func TestPollScriptsCleanRunReclaimsNothing(t *testing.T) {
	defer goleak.VerifyNone(t)

	opts := testOptions()
	opts.PollInterval = time.Millisecond
	p := newWorkers(t, 8, opts)
	for i := 0; i < 80; i++ {
		addScript(t, p, fmt.Sprintf("job-%03d.sh", i), "exit 0")
	}
	before := testutil.ToFloat64(metrics.StaleLocksReclaimed)

	pollUntilEmpty(t, p)

	assert.Len(t, listDir(t, p.Dirs().Complete), 80)
	assert.Empty(t, listDir(t, p.Dirs().Fail))
	assert.Equal(t, before, testutil.ToFloat64(metrics.StaleLocksReclaimed))
}

func TestPollScriptsCancelTerminatesRunningScript(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := newWorkers(t, 1, testOptions())
	addScript(t, p, "long.sh", "sleep 30")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- p.PollScripts(ctx, true) }()

	assert.Eventually(t, func() bool {
		rec, ok, err := ReadLock(p.Dirs(), 0)
		return err == nil && ok && rec.PID > 0
	}, 10*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(10 * time.Second):
		t.Fatal("poller did not stop after cancel")
	}

	assert.Equal(t, []string{"long.sh"}, listDir(t, p.Dirs().Fail))
	assert.True(t, strings.HasPrefix(readOut(t, p, "long.sh", SuffixExitCode), "-"))
	assert.False(t, p.IsLocked(0))
}

func TestPollScriptsRejectsSecondPoller(t *testing.T) {
	p := newWorkers(t, 1, testOptions())

	other := flock.New(filepath.Join(p.Dirs().Root, InstanceLockName))
	ok, err := other.TryLock()
	require.NoError(t, err)
	require.True(t, ok)
	defer func() { _ = other.Unlock() }()

	err = p.PollScripts(context.Background(), true)
	assert.ErrorIs(t, err, ErrAlreadyPolling)
}

func TestPollScriptsReclaimsStaleLock(t *testing.T) {
	orig := aliveFunc
	aliveFunc = func(int) bool { return false }
	t.Cleanup(func() { aliveFunc = orig })

	p := newWorkers(t, 1, testOptions())
	dirs := p.Dirs()
	require.NoError(t, os.WriteFile(filepath.Join(dirs.Running, "orphan.sh"), []byte("#!/bin/sh\n"), 0o755))
	require.NoError(t, writeLock(dirs, 0, LockRecord{PID: 999999, Script: "orphan.sh", LockedAt: time.Now()}))
	addScript(t, p, "next.sh", "exit 0")

	pollUntilEmpty(t, p)

	assert.Equal(t, []string{"orphan.sh"}, listDir(t, dirs.Fail))
	assert.Equal(t, []string{"next.sh"}, listDir(t, dirs.Complete))
	assert.Contains(t, readOut(t, p, "orphan.sh", SuffixExitCode), "abandoned")
	assert.False(t, p.IsLocked(0))
}

func TestPollScriptsKeepsLiveForeignLock(t *testing.T) {
	p := newWorkers(t, 2, testOptions())
	require.NoError(t, writeLock(p.Dirs(), 0, LockRecord{PID: os.Getpid(), Script: "elsewhere.sh", LockedAt: time.Now()}))
	addScript(t, p, "env.sh", `echo "$FASTGPU_ID"`)

	pollUntilEmpty(t, p)

	assert.Equal(t, "1\n", readOut(t, p, "env.sh", SuffixStdout))
	assert.True(t, p.IsLocked(0))
}

func TestPollScriptsLaunchFailure(t *testing.T) {
	p := newWorkers(t, 1, testOptions())
	// Not executable.
	require.NoError(t, os.WriteFile(filepath.Join(p.Dirs().ToRun, "noexec.sh"), []byte("#!/bin/sh\n"), 0o644))

	pollUntilEmpty(t, p)

	assert.Equal(t, []string{"noexec.sh"}, listDir(t, p.Dirs().Fail))
	code := readOut(t, p, "noexec.sh", SuffixExitCode)
	assert.True(t, strings.HasPrefix(code, "-1\n"), code)
	assert.Contains(t, code, "permission denied")
}

func TestPollScriptsNameCollision(t *testing.T) {
	p := newWorkers(t, 1, testOptions())
	require.NoError(t, os.WriteFile(filepath.Join(p.Dirs().Complete, "dup.sh"), []byte("old"), 0o644))
	addScript(t, p, "dup.sh", "exit 0")

	pollUntilEmpty(t, p)

	names := listDir(t, p.Dirs().Complete)
	require.Len(t, names, 2)
	assert.Equal(t, "dup.sh", names[0])
	assert.True(t, strings.HasPrefix(names[1], "dup.sh-"), names[1])

	old, err := os.ReadFile(filepath.Join(p.Dirs().Complete, "dup.sh"))
	require.NoError(t, err)
	assert.Equal(t, "old", string(old))
}

func TestPollScriptsRerunKeepsEarlierOutput(t *testing.T) {
	p := newWorkers(t, 1, testOptions())

	addScript(t, p, "job.sh", "echo first")
	pollUntilEmpty(t, p)
	addScript(t, p, "job.sh", "echo second; exit 4")
	pollUntilEmpty(t, p)

	assert.Equal(t, "first\n", readOut(t, p, "job.sh", SuffixStdout))
	assert.Equal(t, "0\n", readOut(t, p, "job.sh", SuffixExitCode))

	var rerun string
	for _, name := range listDir(t, p.Dirs().Out) {
		if strings.HasPrefix(name, "job.sh-") && strings.HasSuffix(name, SuffixStdout) {
			rerun = strings.TrimSuffix(name, SuffixStdout)
		}
	}
	require.NotEmpty(t, rerun, "second run wrote no separate output")
	assert.Equal(t, "second\n", readOut(t, p, rerun, SuffixStdout))
	assert.Equal(t, "4\n", readOut(t, p, rerun, SuffixExitCode))
}

func TestPollScriptsRecordsHistory(t *testing.T) {
	store, err := history.Open(filepath.Join(t.TempDir(), "history.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	opts := testOptions()
	opts.History = store
	p := newWorkers(t, 1, opts)
	addScript(t, p, "a.sh", "exit 0")
	addScript(t, p, "b.sh", "exit 1")

	pollUntilEmpty(t, p)

	runs, err := store.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	states := map[string]history.State{}
	for _, r := range runs {
		states[r.Script] = r.State
		assert.NotZero(t, r.PID)
		assert.Equal(t, KindWorker, r.SlotKind)
		require.NotNil(t, r.FinishedAt)
	}
	assert.Equal(t, map[string]history.State{"a.sh": history.StateComplete, "b.sh": history.StateFail}, states)
}

func TestGPUPoolSetsVisibleDevices(t *testing.T) {
	p, err := NewGPU(context.Background(), t.TempDir(), gpu.NewStatic(3), nil, true, testOptions())
	require.NoError(t, err)
	assert.Equal(t, KindGPU, p.Kind())
	addScript(t, p, "cuda.sh", `echo "$CUDA_VISIBLE_DEVICES $FASTGPU_ID"`)

	pollUntilEmpty(t, p)

	assert.Equal(t, "3 3\n", readOut(t, p, "cuda.sh", SuffixStdout))
}

func TestStatus(t *testing.T) {
	p := newWorkers(t, 2, testOptions())
	addScript(t, p, "queued.sh", "exit 0")
	require.NoError(t, p.Lock(1, LockRecord{PID: 42, Script: "x.sh"}))

	st, err := p.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, KindWorker, st.Kind)
	assert.Equal(t, 1, st.Queue[fsutil.DirToRun])
	assert.Equal(t, 0, st.Queue[fsutil.DirComplete])
	require.Len(t, st.Slots, 2)
	assert.False(t, st.Slots[0].Locked)
	assert.True(t, st.Slots[1].Locked)
	require.NotNil(t, st.Slots[1].Lock)
	assert.Equal(t, 42, st.Slots[1].Lock.PID)

	// Lock files are hidden and never counted as running scripts.
	assert.Equal(t, 0, st.Queue[fsutil.DirRunning])

	raw, err := json.Marshal(st)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"inFlight":0`)

	snap, err := Snapshot(p.Dirs())
	require.NoError(t, err)
	require.Len(t, snap.Slots, 1)
	assert.Equal(t, 1, snap.Slots[0].ID)
}

// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Path(t.TempDir(), ""))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPath(t *testing.T) {
	assert.Equal(t, filepath.Join("/work", ".fastgpu", "history.sqlite"), Path("/work", ""))
	assert.Equal(t, "/tmp/h.sqlite", Path("/work", "/tmp/h.sqlite"))
}

func TestStartFinishRecent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Start(ctx, Run{ID: "a", Script: "01.sh", Slot: 0, SlotKind: "gpu", StartedAt: t0}))
	require.NoError(t, s.Start(ctx, Run{ID: "b", Script: "02.sh", Slot: 1, SlotKind: "gpu", StartedAt: t0.Add(time.Second)}))
	require.NoError(t, s.SetPID(ctx, "a", 1234))
	require.NoError(t, s.Finish(ctx, "a", StateComplete, 0, "", t0.Add(3*time.Second)))
	require.NoError(t, s.Finish(ctx, "b", StateFail, 2, "", t0.Add(4*time.Second)))

	runs, err := s.Recent(ctx, 10)
	require.NoError(t, err)

	zero, two := 0, 2
	fa, fb := t0.Add(3*time.Second), t0.Add(4*time.Second)
	want := []Run{
		{ID: "b", Script: "02.sh", Slot: 1, SlotKind: "gpu", State: StateFail, ExitCode: &two, StartedAt: t0.Add(time.Second), FinishedAt: &fb},
		{ID: "a", Script: "01.sh", Slot: 0, SlotKind: "gpu", PID: 1234, State: StateComplete, ExitCode: &zero, StartedAt: t0, FinishedAt: &fa},
	}
	if diff := cmp.Diff(want, runs); diff != "" {
		t.Errorf("runs mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 3*time.Second, runs[1].Duration())

	limited, err := s.Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "b", limited[0].ID)
}

func TestFinishUnknownRun(t *testing.T) {
	s := openTestStore(t)
	err := s.Finish(context.Background(), "missing", StateFail, 1, "", time.Now())
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestAbandonRunning(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.Start(ctx, Run{ID: "x", Script: "x.sh", StartedAt: now}))
	require.NoError(t, s.Start(ctx, Run{ID: "y", Script: "y.sh", StartedAt: now}))
	require.NoError(t, s.Finish(ctx, "y", StateComplete, 0, "", now))

	n, err := s.AbandonRunning(ctx, "poller restarted", now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	runs, err := s.Recent(ctx, 5)
	require.NoError(t, err)
	for _, r := range runs {
		assert.NotEqual(t, StateRunning, r.State)
		if r.ID == "x" {
			assert.Equal(t, "poller restarted", r.Error)
			assert.Nil(t, r.ExitCode)
		}
	}
}

func TestRejectsUnknownState(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Start(ctx, Run{ID: "z", Script: "z.sh", StartedAt: time.Now()}))
	assert.Error(t, s.Finish(ctx, "z", State("bogus"), 0, "", time.Now()))
}

func TestReopenKeepsRows(t *testing.T) {
	path := Path(t.TempDir(), "")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background(), Run{ID: "p", Script: "p.sh", StartedAt: time.Now()}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	runs, err := s.Recent(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

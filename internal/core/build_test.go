package core

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/IggyIkenna/basis-strategy-v1/internal/journal"
	"github.com/IggyIkenna/basis-strategy-v1/internal/ops"
	"github.com/IggyIkenna/basis-strategy-v1/internal/schema"
	"github.com/IggyIkenna/basis-strategy-v1/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadBasis(t *testing.T, dir string) ops.Loaded {
	t.Helper()
	loaded, err := ops.Load("../../configs/btc_basis.json")
	require.NoError(t, err)
	loaded.Backtest.DataDir = "../../testdata/btc_basis"
	loaded.Sink = ops.SinkConfig{
		JournalDir:   filepath.Join(dir, "journal"),
		SnapshotPath: filepath.Join(dir, "positions.json"),
		SQLitePath:   filepath.Join(dir, "results.db"),
	}
	return loaded
}

func TestBuildRunsConfiguredBacktest(t *testing.T) {
	dir := t.TempDir()
	rt, err := Build(t.Context(), loadBasis(t, dir))
	require.NoError(t, err)
	defer rt.Close()

	st, err := rt.Engine.RunBacktest(t.Context())
	require.NoError(t, err)
	assert.EqualValues(t, 25, st.Ticks)
	assert.Equal(t, 0, st.Warnings)

	recs := rt.Memory.Records()
	require.Len(t, recs, 25)
	require.NotNil(t, recs[0].Decision)
	assert.Equal(t, schema.ActionInitialSetup, recs[0].Decision.Action)
	assert.True(t, recs[0].Activity.FeeTotal().IsPositive())

	var funding []int
	for i, rec := range recs {
		assert.Empty(t, rec.Error, "tick %d", i)
		assert.True(t, rec.Exposure.NetDelta.IsZero(), "tick %d", i)
		assert.True(t, rec.PnL.WithinTolerance, "tick %d: %s", i, rec.PnL.Warning)
		if len(rec.Activity.Funding) > 0 {
			funding = append(funding, rec.Timestamp.Hour())
		}
		if i > 0 {
			assert.Equal(t, schema.ActionNone, rec.Decision.Action, "tick %d", i)
		}
	}
	assert.Equal(t, []int{8, 16, 0}, funding)

	last := recs[len(recs)-1]
	stored, err := rt.SQLite.Ticks(t.Context(), rt.Engine.RunID())
	require.NoError(t, err)
	require.Len(t, stored, 25)
	assert.True(t, stored[24].PnL.CumulativePnL.Equal(last.PnL.CumulativePnL))

	snap, err := state.ReadSnapshot(rt.Config.Sink.SnapshotPath)
	require.NoError(t, err)
	require.NoError(t, state.CompareSnapshots(last.Positions, snap))

	h, _, ok, err := journal.Last(t.Context(), journal.PlaybackConfig{Dir: rt.Config.Sink.JournalDir}, schema.EventTick)
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 25, h.Seq)
}

func TestRecoverResumesInterruptedBacktest(t *testing.T) {
	full, err := Build(t.Context(), loadBasis(t, t.TempDir()))
	require.NoError(t, err)
	defer full.Close()
	_, err = full.Engine.RunBacktest(t.Context())
	require.NoError(t, err)
	want := full.Memory.Records()
	require.Len(t, want, 25)

	dir := t.TempDir()
	first := loadBasis(t, dir)
	first.Backtest.End = first.Backtest.Start.Add(12 * time.Hour)
	rt, err := Build(t.Context(), first)
	require.NoError(t, err)
	_, err = rt.Engine.RunBacktest(t.Context())
	require.NoError(t, err)
	require.NoError(t, rt.Close())

	resumed, err := Build(t.Context(), loadBasis(t, dir))
	require.NoError(t, err)
	defer resumed.Close()

	res, err := resumed.Recover(t.Context())
	require.NoError(t, err)
	require.True(t, res.Found)
	require.NotNil(t, res.LastTick)
	assert.EqualValues(t, 13, res.TickCount)
	assert.Equal(t, schema.StateSteady, resumed.Engine.Status().StrategyState)

	_, err = resumed.Engine.RunBacktest(t.Context())
	require.NoError(t, err)

	got := resumed.Memory.Records()
	require.Len(t, got, 12)
	assert.EqualValues(t, 14, got[0].Seq)
	assert.Equal(t, first.Backtest.Start.Add(13*time.Hour), got[0].Timestamp)
	for _, rec := range got {
		require.NotNil(t, rec.Decision)
		assert.Equal(t, schema.ActionNone, rec.Decision.Action)
	}

	end := got[len(got)-1]
	assert.True(t, end.PnL.CumulativePnL.Equal(want[24].PnL.CumulativePnL), "%s != %s", end.PnL.CumulativePnL, want[24].PnL.CumulativePnL)
	require.NoError(t, state.CompareSnapshots(want[24].Positions, end.Positions))
}

func TestRecoverOnEmptyDirectory(t *testing.T) {
	rt, err := Build(t.Context(), loadBasis(t, t.TempDir()))
	require.NoError(t, err)
	defer rt.Close()

	res, err := rt.Recover(t.Context())
	require.NoError(t, err)
	assert.False(t, res.Found)
	assert.Equal(t, StateIdle, rt.Engine.Status().State)
}

package backtest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"fibswing/internal/strategy/fib"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestResults(t *testing.T) *ResultStore {
	t.Helper()
	rs, err := NewResultStore(filepath.Join(t.TempDir(), "runs", "results.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = rs.Close() })
	return rs
}

func TestResultStoreRunLifecycle(t *testing.T) {
	rs := newTestResults(t)
	ctx := context.Background()
	params := fib.DefaultParams()
	params.TargetMode = fib.TargetSwing
	run := Run{
		ID:             "run-1",
		Symbol:         "AAPL",
		Interval:       "1d",
		Status:         RunStatusPending,
		StartTS:        baseMs,
		EndTS:          baseMs + 10*hourMs,
		InitialBalance: 10000,
		Config:         RunConfig{Symbol: "AAPL", Interval: "1d", InitialCash: 10000, Params: params},
	}
	require.NoError(t, rs.InsertRun(ctx, run))
	require.NoError(t, rs.UpdateRunStatus(ctx, "run-1", RunStatusRunning, "processing 1/2"))

	got, err := rs.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, RunStatusRunning, got.Status)
	assert.Equal(t, "processing 1/2", got.Message)
	assert.True(t, got.CompletedAt.IsZero())
	assert.Equal(t, fib.TargetSwing, got.Config.Params.TargetMode)
	assert.Equal(t, params.Lookback, got.Config.Params.Lookback)

	stats := RunStats{FinalBalance: 10100, Profit: 100, ReturnPct: 0.01, WinRate: 1, Orders: 2, Positions: 1, Wins: 1}
	require.NoError(t, rs.UpdateRunSummary(ctx, "run-1", RunStatusDone, stats, "完成"))
	got, err = rs.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, RunStatusDone, got.Status)
	assert.Equal(t, 10100.0, got.FinalBalance)
	assert.Equal(t, 2, got.Orders)
	assert.Equal(t, 1, got.Stats.Wins)
	assert.False(t, got.CompletedAt.IsZero())

	runs, err := rs.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-1", runs[0].ID)
}

func TestResultStoreRunNotFound(t *testing.T) {
	rs := newTestResults(t)
	_, err := rs.GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestResultStoreOrdersPositionsSnapshots(t *testing.T) {
	rs := newTestResults(t)
	ctx := context.Background()
	at := time.UnixMilli(baseMs)

	open := Order{RunID: "r", Action: "open_long", Side: "long", Price: 100, Quantity: 2, ExecutedAt: at, StopLoss: 95, TakeProfit: 110}
	id, err := rs.InsertOrder(ctx, &open)
	require.NoError(t, err)
	assert.Equal(t, id, open.ID)
	closeOrder := Order{RunID: "r", Action: "close_long", Side: "long", Price: 110, Quantity: 2, Reason: "take_profit", ExecutedAt: at.Add(time.Hour)}
	_, err = rs.InsertOrder(ctx, &closeOrder)
	require.NoError(t, err)
	_, err = rs.InsertOrder(ctx, &Order{RunID: "other", Action: "open_short", ExecutedAt: at})
	require.NoError(t, err)

	orders, err := rs.ListOrders(ctx, "r", 0)
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, "open_long", orders[0].Action)
	assert.Equal(t, "take_profit", orders[1].Reason)
	assert.Equal(t, at.UnixMilli(), orders[0].ExecutedAt.UnixMilli())

	pos := Position{RunID: "r", Symbol: "BTCUSDT", Side: "long", EntryPrice: 100, ExitPrice: 110, Quantity: 2, PnL: 19.8, ExitReason: "take_profit", OpenedAt: at, ClosedAt: at.Add(time.Hour), HoldingMs: hourMs}
	_, err = rs.InsertPosition(ctx, &pos)
	require.NoError(t, err)
	positions, err := rs.ListPositions(ctx, "r", 0)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.InDelta(t, 19.8, positions[0].PnL, 1e-9)
	assert.Equal(t, hourMs, positions[0].HoldingMs)

	require.NoError(t, rs.InsertSnapshots(ctx, []Snapshot{
		{RunID: "r", TS: baseMs + hourMs, Equity: 10010},
		{RunID: "r", TS: baseMs, Equity: 10000},
	}))
	snaps, err := rs.ListSnapshots(ctx, "r", 0)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, baseMs, snaps[0].TS)
	assert.Equal(t, 10010.0, snaps[1].Equity)
}

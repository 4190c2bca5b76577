package backtest

import (
	"context"
	"testing"
	"time"

	"fibswing/internal/market"
	"fibswing/internal/strategy/fib"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stopOutBars: 上升波段 100→150，回撤上穿 0.618 开多，随后跌破 0.786 止损。
func stopOutBars() []market.Candle {
	return []market.Candle{
		hourBar(0, 102, 100, 101),
		hourBar(1, 130, 101, 128),
		hourBar(2, 150, 128, 148),
		hourBar(3, 149, 120, 122),
		hourBar(4, 123, 115, 116),
		hourBar(5, 122, 115, 121),
		hourBar(6, 121, 104, 105),
		hourBar(7, 108, 104, 106),
	}
}

func newTestSimulator(t *testing.T, bars []market.Candle) *Simulator {
	t.Helper()
	st := newTestStore(t)
	_, err := st.InsertCandles(context.Background(), "BTCUSDT", "1h", bars)
	require.NoError(t, err)
	params := fib.DefaultParams()
	params.Lookback = 5
	sim, err := NewSimulator(SimulatorConfig{
		CandleStore: st,
		ResultStore: newTestResults(t),
		Defaults:    Defaults{Interval: "1h", InitialCash: 10000, Params: params},
	})
	require.NoError(t, err)
	return sim
}

func TestSimulatorStopOut(t *testing.T) {
	bars := stopOutBars()
	sim := newTestSimulator(t, bars)
	ctx := context.Background()

	run, err := sim.Run(ctx, RunRequest{Symbol: "btcusdt", StartTS: baseMs, EndTS: baseMs + 7*hourMs})
	require.NoError(t, err)
	assert.Equal(t, RunStatusDone, run.Status)
	assert.Equal(t, 8, run.Stats.Bars)
	assert.Equal(t, 8, run.Stats.Snapshots)
	assert.Equal(t, 4, run.Stats.SkippedBars, "bars 0-3 are warm-up")

	orders, err := sim.Results().ListOrders(ctx, run.ID, 0)
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, "open_long", orders[0].Action)
	assert.Equal(t, 121.0, orders[0].Price)
	assert.Equal(t, bars[5].CloseTime, orders[0].ExecutedAt.UnixMilli())
	assert.Greater(t, orders[0].ExpectedRR, 0.0)
	assert.Equal(t, "close_long", orders[1].Action)
	assert.Equal(t, string(fib.ExitStopLoss), orders[1].Reason)
	assert.Equal(t, 105.0, orders[1].Price)

	positions, err := sim.Results().ListPositions(ctx, run.ID, 0)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	p := positions[0]
	assert.Equal(t, "long", p.Side)
	assert.Less(t, p.PnL, 0.0)
	assert.Equal(t, hourMs, p.HoldingMs)

	assert.Equal(t, 1, run.Stats.Positions)
	assert.Equal(t, 1, run.Stats.Losses)
	assert.InDelta(t, 10000+p.PnL, run.Stats.FinalBalance, 1e-6)
	assert.InDelta(t, p.PnL, run.Stats.Profit, 1e-6)
	assert.Greater(t, run.Stats.MaxDrawdownPct, 0.0)
	assert.InDelta(t, 60.0, run.Stats.AvgHoldingMinutes, 1e-9)

	snaps, err := sim.Results().ListSnapshots(ctx, run.ID, 0)
	require.NoError(t, err)
	assert.Len(t, snaps, 8)
}

func TestSimulatorClosesAtEndOfData(t *testing.T) {
	bars := stopOutBars()[:6]
	sim := newTestSimulator(t, bars)
	ctx := context.Background()

	run, err := sim.Run(ctx, RunRequest{Symbol: "BTCUSDT", StartTS: baseMs, EndTS: baseMs + 5*hourMs, SkipSnapshot: true})
	require.NoError(t, err)
	positions, err := sim.Results().ListPositions(ctx, run.ID, 0)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, string(fib.ExitEndOfData), positions[0].ExitReason)
	assert.Equal(t, 121.0, positions[0].ExitPrice)
	// 同价平仓只亏手续费
	assert.Less(t, positions[0].PnL, 0.0)
	assert.Equal(t, 0, run.Stats.Snapshots)
}

func TestSimulatorRejectsInvalidRequest(t *testing.T) {
	sim := newTestSimulator(t, stopOutBars())
	_, err := sim.BuildConfig(RunRequest{Symbol: "BTCUSDT", StartTS: baseMs + hourMs, EndTS: baseMs})
	assert.Error(t, err)

	bad := fib.Params{Lookback: 5, RetraceRatio: 0.8, StopRatio: 0.7}
	_, err = sim.BuildConfig(RunRequest{Symbol: "BTCUSDT", StartTS: baseMs, EndTS: baseMs + hourMs, Params: &bad})
	assert.ErrorIs(t, err, fib.ErrInvalidConfiguration)

	_, err = sim.BuildConfig(RunRequest{StartTS: baseMs, EndTS: baseMs + hourMs})
	assert.Error(t, err)
}

func TestSimulatorNoDataFails(t *testing.T) {
	sim := newTestSimulator(t, stopOutBars())
	_, err := sim.Run(context.Background(), RunRequest{Symbol: "ETHUSDT", StartTS: baseMs, EndTS: baseMs + hourMs})
	require.Error(t, err)

	runs, err := sim.Results().ListRuns(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, RunStatusFailed, runs[0].Status)
}

func TestSimulatorStartRunAsync(t *testing.T) {
	sim := newTestSimulator(t, stopOutBars())
	run, err := sim.StartRun(RunRequest{Symbol: "BTCUSDT", StartTS: baseMs, EndTS: baseMs + 7*hourMs})
	require.NoError(t, err)
	assert.Equal(t, RunStatusPending, run.Status)

	assert.Eventually(t, func() bool {
		got, err := sim.Results().GetRun(context.Background(), run.ID)
		return err == nil && got.Status == RunStatusDone
	}, 3*time.Second, 20*time.Millisecond)
}

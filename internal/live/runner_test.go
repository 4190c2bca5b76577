package live

import (
	"context"
	"errors"
	"testing"

	"fibswing/internal/market"
	"fibswing/internal/strategy/fib"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	hourMs = int64(3_600_000)
	baseMs = int64(1_699_999_200_000)
)

func hourBar(i int, high, low, close float64) market.Candle {
	open := baseMs + int64(i)*hourMs
	return market.Candle{OpenTime: open, CloseTime: open + hourMs - 1, Open: close, High: high, Low: low, Close: close, Volume: 1}
}

// 第 5 根上穿 0.618 开多，第 6 根跌破 0.786 止损
func stopOutBars() []market.Candle {
	return []market.Candle{
		hourBar(0, 102, 100, 101),
		hourBar(1, 130, 101, 128),
		hourBar(2, 150, 128, 148),
		hourBar(3, 149, 120, 122),
		hourBar(4, 123, 115, 116),
		hourBar(5, 122, 115, 121),
		hourBar(6, 121, 104, 105),
	}
}

type fakeSource struct {
	history []market.Candle
	events  []market.CandleEvent
	limit   int
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) FetchHistory(_ context.Context, _, _ string, limit int) ([]market.Candle, error) {
	f.limit = limit
	return f.history, nil
}

func (f *fakeSource) FetchRange(context.Context, string, string, int64, int64) ([]market.Candle, error) {
	return nil, errors.New("not supported")
}

func (f *fakeSource) Subscribe(_ context.Context, _, _ string, opts market.SubscribeOptions) (<-chan market.CandleEvent, error) {
	ch := make(chan market.CandleEvent, len(f.events))
	if opts.OnConnect != nil {
		opts.OnConnect()
	}
	for _, ev := range f.events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (f *fakeSource) Stats() market.SourceStats { return market.SourceStats{} }
func (f *fakeSource) Close() error              { return nil }

func testParams() fib.Params {
	p := fib.DefaultParams()
	p.Lookback = 5
	return p
}

func newTestRunner(t *testing.T, src *fakeSource) *Runner {
	t.Helper()
	r, err := NewRunner(Config{
		Source:       src,
		Symbol:       "btcusdt",
		Interval:     "1h",
		Params:       testParams(),
		InitialCash:  10000,
		Commission:   0.0005,
		HistoryLimit: 3,
	})
	require.NoError(t, err)
	return r
}

func TestRunnerOnBarOpensAndStopsOut(t *testing.T) {
	bars := stopOutBars()
	src := &fakeSource{history: bars[:5]}
	r := newTestRunner(t, src)
	ctx := context.Background()
	require.NoError(t, r.Seed(ctx))
	assert.Equal(t, 6, src.limit, "history covers lookback+1")

	step, err := r.OnBar(ctx, bars[5])
	require.NoError(t, err)
	assert.Equal(t, fib.ActionOpenLong, step.Intent.Action)
	require.NotNil(t, step.Levels)
	assert.InDelta(t, 119.718, step.Levels.Entry, 1e-9)
	assert.InDelta(t, 111.486, r.Status().Position.StopPrice, 1e-9)

	// 重复推送的 K 线不会再次评估
	_, err = r.OnBar(ctx, bars[5])
	require.NoError(t, err)
	assert.Equal(t, 1, r.Status().Evaluated)

	step, err = r.OnBar(ctx, bars[6])
	require.NoError(t, err)
	assert.Equal(t, fib.ActionClose, step.Intent.Action)
	assert.Equal(t, fib.ExitStopLoss, step.Intent.Reason)

	st := r.Status()
	assert.Equal(t, "BTCUSDT", st.Symbol)
	assert.True(t, st.Position.IsFlat())
	assert.Equal(t, 2, st.Account.Orders)
	assert.Equal(t, 1, st.Account.Losses)
	require.Len(t, st.Fills, 2)
	assert.Equal(t, "close_long", st.Fills[1].Action)
	assert.Equal(t, string(fib.ExitStopLoss), st.Fills[1].Reason)
	assert.Less(t, st.Account.Equity, 10000.0)
	assert.Equal(t, 6, st.Bars, "window trimmed to the history limit")
}

func TestRunnerRunConsumesClosedBars(t *testing.T) {
	bars := stopOutBars()
	forming := bars[5]
	forming.Close = 140
	src := &fakeSource{
		history: bars[:5],
		events: []market.CandleEvent{
			{Symbol: "BTCUSDT", Interval: "1h", Candle: forming, Closed: false},
			{Symbol: "BTCUSDT", Interval: "1h", Candle: bars[5], Closed: true},
			{Symbol: "BTCUSDT", Interval: "1h", Candle: bars[6], Closed: true},
		},
	}
	r := newTestRunner(t, src)
	err := r.Run(context.Background())
	require.Error(t, err, "closed subscription ends the run")

	st := r.Status()
	assert.False(t, st.Running)
	assert.True(t, st.Connected)
	assert.Equal(t, 2, st.Evaluated)
	assert.Equal(t, 1, st.Account.Positions)
	assert.Equal(t, bars[6].OpenTime, st.LastBarTime)
}

func TestRunnerUpdateParams(t *testing.T) {
	r := newTestRunner(t, &fakeSource{})
	bad := testParams()
	bad.RetraceRatio = 0.9
	err := r.UpdateParams(bad)
	require.Error(t, err)
	assert.ErrorIs(t, err, fib.ErrInvalidConfiguration)
	assert.Equal(t, 5, r.Status().Params.Lookback)

	next := testParams()
	next.Lookback = 20
	require.NoError(t, r.UpdateParams(next))
	assert.Equal(t, 20, r.Status().Params.Lookback)
}

func TestNewRunnerRejectsBadConfig(t *testing.T) {
	_, err := NewRunner(Config{Symbol: "BTCUSDT", Interval: "1h", Params: testParams()})
	assert.Error(t, err)
	_, err = NewRunner(Config{Source: &fakeSource{}, Interval: "1h", Params: testParams()})
	assert.Error(t, err)
	_, err = NewRunner(Config{Source: &fakeSource{}, Symbol: "X", Interval: "7x", Params: testParams()})
	assert.Error(t, err)
}

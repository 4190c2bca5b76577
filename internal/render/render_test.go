package render

import (
	"bytes"
	"math"
	"strings"
	"testing"

	"fibswing/internal/market"
	"fibswing/internal/strategy/fib"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const (
	hourMs = int64(3_600_000)
	baseMs = int64(1_699_999_200_000)
)

func testBars() []market.Candle {
	closes := []float64{101, 128, 148, 122, 116, 121, 118, 119}
	highs := []float64{102, 130, 150, 149, 123, 122, 121, 120}
	lows := []float64{100, 101, 128, 120, 115, 115, 117, 117}
	out := make([]market.Candle, len(closes))
	for i := range closes {
		open := baseMs + int64(i)*hourMs
		out[i] = market.Candle{OpenTime: open, CloseTime: open + hourMs - 1, Open: closes[i] - 1, High: highs[i], Low: lows[i], Close: closes[i], Volume: 10}
	}
	return out
}

func testLevels(t *testing.T, bars []market.Candle) fib.LevelSet {
	t.Helper()
	p := fib.DefaultParams()
	p.Lookback = len(bars)
	s, err := fib.DetectSwing(bars, p.Lookback)
	require.NoError(t, err)
	ls, err := fib.BuildLevelSet(s, p)
	require.NoError(t, err)
	return ls
}

func TestRenderHTMLIncludesLevelsAndTrades(t *testing.T) {
	bars := testBars()
	ls := testLevels(t, bars)
	var buf bytes.Buffer
	err := RenderHTML(&buf, ChartInput{
		Symbol:     "btcusdt",
		Interval:   "1h",
		Bars:       bars,
		Levels:     &ls,
		EMAPeriods: []int{3, 50},
		Trades: []Trade{
			{Time: bars[5].CloseTime, Price: 121, Action: "open_long"},
			{Time: bars[7].CloseTime, Price: 119, Action: "close_long", Reason: "stop_loss"},
			{Time: baseMs - hourMs, Price: 1, Action: "open_long"},
		},
		Equity: []EquityPoint{{TS: bars[0].CloseTime, Equity: 10000}, {TS: bars[7].CloseTime, Equity: 9990}},
	})
	require.NoError(t, err)
	html := buf.String()
	assert.Contains(t, html, "BTCUSDT 1h")
	assert.Contains(t, html, "0.618")
	assert.Contains(t, html, "markLine")
	assert.Contains(t, html, "swing high")
	assert.Contains(t, html, "close_long (stop_loss)")
	assert.Contains(t, html, "EMA3")
	assert.NotContains(t, html, "EMA50", "period longer than the data is dropped")
	assert.Contains(t, html, "Equity")
}

func TestRenderHTMLNoBars(t *testing.T) {
	err := RenderHTML(&bytes.Buffer{}, ChartInput{Symbol: "X"})
	assert.Error(t, err)
}

func TestEMA(t *testing.T) {
	closes := []float64{1, 2, 3, 4, 5, 6}
	out := EMA(closes, 3)
	require.Len(t, out, len(closes))
	assert.True(t, math.IsNaN(out[0]))
	assert.True(t, math.IsNaN(out[1]))
	assert.InDelta(t, 2.0, out[2], 1e-9, "seeded with the SMA")
	assert.InDelta(t, 3.0, out[3], 1e-9)
	assert.Nil(t, EMA(closes, 10))
}

func TestAxisLabelAt(t *testing.T) {
	bars := testBars()
	label, ok := axisLabelAt(bars, bars[2].OpenTime+10)
	require.True(t, ok)
	assert.Equal(t, axisLabel(bars[2]), label)
	_, ok = axisLabelAt(bars, bars[7].CloseTime+1)
	assert.False(t, ok)
}

func TestLevelReportYAML(t *testing.T) {
	bars := testBars()
	ls := testLevels(t, bars)
	p := fib.DefaultParams()
	rep := NewLevelReport("BTCUSDT", "1h", ls, p)
	assert.Equal(t, "up", rep.Swing.Direction)
	assert.Equal(t, 50.0, rep.Swing.Range)

	raw, err := ReportYAML(rep)
	require.NoError(t, err)
	text := string(raw)
	assert.True(t, strings.HasPrefix(text, "symbol: BTCUSDT"))
	assert.Contains(t, text, "target_mode: extension")

	var back LevelReport
	require.NoError(t, yaml.Unmarshal(raw, &back))
	assert.InDelta(t, 119.1, back.Decision.Entry, 1e-9)
	assert.InDelta(t, 110.7, back.Decision.Stop, 1e-9)
	assert.InDelta(t, 180.9, back.Decision.Target, 1e-9)
	require.Len(t, back.Levels, len(fib.StandardRatios))
	assert.Equal(t, "0.0", back.Levels[0].Label)
	assert.InDelta(t, 150.0, back.Levels[0].Price, 1e-9)
}

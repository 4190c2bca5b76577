package fib

import (
	"testing"

	"fibswing/internal/market"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// upCrossBars: low 100 at 0, high 150 at 2, pullback closes 116 then 121
// which crosses the 0.618 level (119.1) from below.
func upCrossBars() []market.Candle {
	return []market.Candle{
		bar(0, 101, 100, 100.5),
		bar(1, 130, 110, 128),
		bar(2, 150, 129, 140),
		bar(3, 141, 115, 116),
		bar(4, 125, 115.5, 121),
	}
}

// downCrossBars: high 150 at 0, low 100 at 2, bounce closes 133 then 129
// which crosses the 0.618 level (130.9) from above.
func downCrossBars() []market.Candle {
	return []market.Candle{
		bar(0, 150, 140, 141),
		bar(1, 142, 120, 121),
		bar(2, 122, 100, 105),
		bar(3, 134, 110, 133),
		bar(4, 135, 125, 129),
	}
}

func newTestMachine(t *testing.T) *Machine {
	t.Helper()
	p := DefaultParams()
	p.Lookback = 5
	m, err := NewMachine(p)
	require.NoError(t, err)
	return m
}

func TestMachineOpensLongOnUpwardCross(t *testing.T) {
	m := newTestMachine(t)
	bars := upCrossBars()
	step := m.Evaluate(Input{Bars: bars, Cash: 10000})

	require.NoError(t, step.Skip)
	require.NotNil(t, step.Levels)
	assert.Equal(t, ActionOpenLong, step.Intent.Action)
	assert.Equal(t, 121.0, step.Intent.Price)
	assert.InDelta(t, 100/(121-110.7), step.Intent.Size, 1e-9)

	pos := step.Position
	assert.Equal(t, Long, pos.Side)
	assert.Equal(t, step.Intent.Size, pos.Size)
	assert.Equal(t, 121.0, pos.EntryPrice)
	assert.InDelta(t, 110.7, pos.StopPrice, 1e-9)
	assert.InDelta(t, 180.9, pos.TakeProfit, 1e-9)
	assert.Equal(t, bars[4].CloseTime, pos.OpenedAt)
}

func TestMachineOpensShortOnDownwardCross(t *testing.T) {
	m := newTestMachine(t)
	step := m.Evaluate(Input{Bars: downCrossBars(), Cash: 10000})

	require.NoError(t, step.Skip)
	assert.Equal(t, ActionOpenShort, step.Intent.Action)
	pos := step.Position
	assert.Equal(t, Short, pos.Side)
	assert.InDelta(t, 139.3, pos.StopPrice, 1e-9)
	assert.InDelta(t, 69.1, pos.TakeProfit, 1e-9)
	assert.InDelta(t, 100/(139.3-129), pos.Size, 1e-9)
}

func TestMachineEntersWhenCloseEqualsLevel(t *testing.T) {
	m := newTestMachine(t)
	bars := upCrossBars()
	bars[4].Close = PriceAt(Swing{Direction: Up, Low: 100, High: 150}, DefaultRetraceRatio)

	step := m.Evaluate(Input{Bars: bars, Cash: 10000})
	assert.Equal(t, ActionOpenLong, step.Intent.Action)
}

func TestMachineNoCrossNoEntry(t *testing.T) {
	m := newTestMachine(t)
	bars := upCrossBars()
	bars[3].Close = 120 // already above the level on the previous bar

	step := m.Evaluate(Input{Bars: bars, Cash: 10000})
	require.NotNil(t, step.Levels)
	assert.Equal(t, ActionNone, step.Intent.Action)
	assert.True(t, step.Position.IsFlat())
}

func TestMachineZeroCashSkipsEntry(t *testing.T) {
	m := newTestMachine(t)
	step := m.Evaluate(Input{Bars: upCrossBars(), Cash: 0})
	assert.Equal(t, ActionNone, step.Intent.Action)
	assert.True(t, step.Position.IsFlat())
}

func TestMachineStopOutThenStaysFlat(t *testing.T) {
	m := newTestMachine(t)
	bars := []market.Candle{
		bar(0, 120, 110, 115),
		bar(1, 125, 105, 106),
		bar(2, 110, 99, 100),
		bar(3, 100, 97.5, 98),
		bar(4, 99, 94, 95),
		bar(5, 96, 93, 94),
	}
	pos := Position{Side: Long, Size: 3, EntryPrice: 105, StopPrice: 97, TakeProfit: 130}

	// warm-up: no levels yet, but exits are still checked
	step := m.Evaluate(Input{Bars: bars[:4], Position: pos, Cash: 10000})
	assert.ErrorIs(t, step.Skip, ErrInsufficientData)
	assert.Equal(t, ActionNone, step.Intent.Action)
	assert.Equal(t, pos, step.Position)

	step = m.Evaluate(Input{Bars: bars[:5], Position: step.Position, Cash: 10000})
	assert.Equal(t, ActionClose, step.Intent.Action)
	assert.Equal(t, ExitStopLoss, step.Intent.Reason)
	assert.Equal(t, 95.0, step.Intent.Price)
	assert.Equal(t, 3.0, step.Intent.Size)
	assert.True(t, step.Position.IsFlat())

	step = m.Evaluate(Input{Bars: bars, Position: step.Position, Cash: 10000})
	assert.Equal(t, ActionNone, step.Intent.Action)
	assert.True(t, step.Position.IsFlat())
}

func TestMachineTakeProfit(t *testing.T) {
	m := newTestMachine(t)
	bars := upCrossBars() // last close 121

	step := m.Evaluate(Input{Bars: bars, Position: Position{Side: Long, Size: 1, StopPrice: 90, TakeProfit: 120}})
	assert.Equal(t, ActionClose, step.Intent.Action)
	assert.Equal(t, ExitTakeProfit, step.Intent.Reason)

	step = m.Evaluate(Input{Bars: bars, Position: Position{Side: Short, Size: 1, StopPrice: 200, TakeProfit: 130}})
	assert.Equal(t, ActionClose, step.Intent.Action)
	assert.Equal(t, ExitTakeProfit, step.Intent.Reason)
}

func TestMachineStopTakesPrecedence(t *testing.T) {
	m := newTestMachine(t)
	// close 121 is both at/below the stop and at/above the target
	pos := Position{Side: Long, Size: 1, StopPrice: 125, TakeProfit: 110}
	step := m.Evaluate(Input{Bars: upCrossBars(), Position: pos})
	assert.Equal(t, ExitStopLoss, step.Intent.Reason)
}

func TestMachineNoReentryOnExitBar(t *testing.T) {
	m := newTestMachine(t)
	// the bar would open a long if the machine had started flat
	pos := Position{Side: Short, Size: 2, StopPrice: 120, TakeProfit: 60}
	step := m.Evaluate(Input{Bars: upCrossBars(), Position: pos, Cash: 10000})

	assert.Equal(t, ActionClose, step.Intent.Action)
	assert.Equal(t, ExitStopLoss, step.Intent.Reason)
	assert.True(t, step.Position.IsFlat())
}

func TestMachineHoldsCapturedLevels(t *testing.T) {
	m := newTestMachine(t)
	bars := upCrossBars()
	entry := m.Evaluate(Input{Bars: bars, Cash: 10000})
	require.Equal(t, ActionOpenLong, entry.Intent.Action)

	// a new high reshapes the swing; the open position keeps its stop and target
	bars = append(bars, bar(5, 200, 120, 125))
	step := m.Evaluate(Input{Bars: bars, Position: entry.Position, Cash: 10000})
	require.NotNil(t, step.Levels)
	assert.Equal(t, 200.0, step.Levels.Swing.High)
	assert.NotEqual(t, entry.Levels.Entry, step.Levels.Entry)
	assert.Equal(t, ActionNone, step.Intent.Action)
	assert.Equal(t, entry.Position, step.Position)
}

func TestMachineDegenerateSwing(t *testing.T) {
	m := newTestMachine(t)
	bars := make([]market.Candle, 5)
	for i := range bars {
		bars[i] = bar(i, 100, 100, 100)
	}
	step := m.Evaluate(Input{Bars: bars, Cash: 10000})
	assert.ErrorIs(t, step.Skip, ErrDegenerateSwing)
	assert.NotNil(t, step.Swing)
	assert.Nil(t, step.Levels)
	assert.Equal(t, ActionNone, step.Intent.Action)
}

func TestMachineEmptyInput(t *testing.T) {
	m := newTestMachine(t)
	step := m.Evaluate(Input{})
	assert.ErrorIs(t, step.Skip, ErrInsufficientData)
	assert.True(t, step.Position.IsFlat())
}

func TestMachineEvaluateIsPure(t *testing.T) {
	m := newTestMachine(t)
	in := Input{Bars: upCrossBars(), Cash: 10000}
	assert.Equal(t, m.Evaluate(in), m.Evaluate(in))
}

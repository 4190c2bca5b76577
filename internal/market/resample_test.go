package market

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hourly(start time.Time, n int) []Candle {
	out := make([]Candle, n)
	for i := 0; i < n; i++ {
		open := start.Add(time.Duration(i) * time.Hour).UnixMilli()
		base := float64(100 + i)
		out[i] = Candle{
			OpenTime:  open,
			CloseTime: open + time.Hour.Milliseconds() - 1,
			Open:      base,
			High:      base + 2,
			Low:       base - 1,
			Close:     base + 1,
			Volume:    10,
			Trades:    3,
		}
	}
	return out
}

func TestResampleAggregatesOHLCV(t *testing.T) {
	start := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	bars := hourly(start, 8)
	iv, err := ParseInterval("4h")
	require.NoError(t, err)

	out := Resample(bars, iv)
	require.Len(t, out, 2)

	first := out[0]
	assert.Equal(t, start.UnixMilli(), first.OpenTime)
	assert.Equal(t, start.Add(4*time.Hour).UnixMilli()-1, first.CloseTime)
	assert.Equal(t, 100.0, first.Open)
	assert.Equal(t, 105.0, first.High)
	assert.Equal(t, 99.0, first.Low)
	assert.Equal(t, 104.0, first.Close)
	assert.Equal(t, 40.0, first.Volume)
	assert.Equal(t, int64(12), first.Trades)

	assert.Equal(t, 104.0, out[1].Open)
	assert.Equal(t, 108.0, out[1].Close)
}

func TestResampleKeepsPartialTrailingBucket(t *testing.T) {
	start := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	iv, err := ParseInterval("4h")
	require.NoError(t, err)

	out := Resample(hourly(start, 6), iv)
	require.Len(t, out, 2)
	assert.Equal(t, 106.0, out[1].Close)
	assert.Equal(t, 20.0, out[1].Volume)
}

func TestResampleWeeklyStartsMonday(t *testing.T) {
	// 2024-03-06 is a Wednesday.
	wed := time.Date(2024, 3, 6, 12, 0, 0, 0, time.UTC)
	iv, err := ParseInterval("1w")
	require.NoError(t, err)

	out := Resample(hourly(wed, 3), iv)
	require.Len(t, out, 1)
	monday := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, monday.UnixMilli(), out[0].OpenTime)
}

func TestResampleMonthlyUsesCalendarMonths(t *testing.T) {
	iv, err := ParseInterval("1M")
	require.NoError(t, err)
	jan31 := time.Date(2024, 1, 31, 22, 0, 0, 0, time.UTC)

	out := Resample(hourly(jan31, 4), iv)
	require.Len(t, out, 2)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli(), out[0].OpenTime)
	assert.Equal(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC).UnixMilli(), out[1].OpenTime)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC).UnixMilli()-1, out[1].CloseTime)
}

func TestResampleEmpty(t *testing.T) {
	iv, _ := ParseInterval("1d")
	assert.Nil(t, Resample(nil, iv))
}

func TestParseInterval(t *testing.T) {
	iv, err := ParseInterval(" 1H ")
	require.NoError(t, err)
	assert.Equal(t, "1h", iv.Key)

	month, err := ParseInterval("1M")
	require.NoError(t, err)
	assert.True(t, month.Monthly)

	minute, err := ParseInterval("1m")
	require.NoError(t, err)
	assert.False(t, minute.Monthly)

	_, err = ParseInterval("7x")
	assert.Error(t, err)
}

func TestExpectedCandles(t *testing.T) {
	iv, _ := ParseInterval("1h")
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	end := start + 5*time.Hour.Milliseconds()
	assert.Equal(t, int64(6), iv.ExpectedCandles(start, end))
	assert.Equal(t, int64(0), iv.ExpectedCandles(end, start))
}

package fib

import (
	"fmt"

	"fibswing/internal/market"
)

// Direction of a swing leg.
type Direction int

const (
	Down Direction = iota
	Up
)

func (d Direction) String() string {
	if d == Up {
		return "up"
	}
	return "down"
}

func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Direction) UnmarshalText(b []byte) error {
	switch string(b) {
	case "up", "Up", "UP":
		*d = Up
	case "down", "Down", "DOWN":
		*d = Down
	default:
		return fmt.Errorf("unknown direction %q", b)
	}
	return nil
}

// Swing is the most recent directional leg inside a lookback window.
// Indexes are relative to the window (0 = oldest bar).
type Swing struct {
	Direction Direction `json:"direction"`
	Low       float64   `json:"low"`
	High      float64   `json:"high"`
	LowIndex  int       `json:"low_index"`
	HighIndex int       `json:"high_index"`
	LowTime   int64     `json:"low_time"`
	HighTime  int64     `json:"high_time"`
}

func (s Swing) Range() float64 { return s.High - s.Low }

// Terminus is the extreme the leg ran into: the high of an up swing, the low
// of a down swing.
func (s Swing) Terminus() float64 {
	if s.Direction == Up {
		return s.High
	}
	return s.Low
}

// DetectSwing finds the swing over the last lookback bars. The highest high
// and lowest low are located with a left-to-right scan, so ties resolve to
// the earliest bar. The leg is Up when the high comes after the low.
//
// This is a single high/low pair, not a zig-zag: windows holding several
// legs collapse into one.
func DetectSwing(bars []market.Candle, lookback int) (Swing, error) {
	if lookback <= 0 {
		return Swing{}, fmt.Errorf("%w: lookback must be positive, got %d", ErrInvalidConfiguration, lookback)
	}
	if len(bars) < lookback {
		return Swing{}, ErrInsufficientData
	}
	window := bars[len(bars)-lookback:]
	hhIdx, llIdx := 0, 0
	for i := 1; i < len(window); i++ {
		if window[i].High > window[hhIdx].High {
			hhIdx = i
		}
		if window[i].Low < window[llIdx].Low {
			llIdx = i
		}
	}
	dir := Down
	if hhIdx > llIdx {
		dir = Up
	}
	return Swing{
		Direction: dir,
		Low:       window[llIdx].Low,
		High:      window[hhIdx].High,
		LowIndex:  llIdx,
		HighIndex: hhIdx,
		LowTime:   window[llIdx].OpenTime,
		HighTime:  window[hhIdx].OpenTime,
	}, nil
}

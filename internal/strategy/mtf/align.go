package mtf

import (
	"errors"
	"fmt"
	"strings"

	"fibswing/internal/market"
	"fibswing/internal/strategy/fib"

	"github.com/samber/lo"
)

// Frame is one timeframe's bar series, oldest first.
type Frame struct {
	Interval string          `json:"interval"`
	Bars     []market.Candle `json:"bars,omitempty"`
}

// FrameResult is the per-frame outcome of swing detection and levels.
type FrameResult struct {
	Interval string        `json:"interval"`
	Bars     int           `json:"bars"`
	Swing    *fib.Swing    `json:"swing,omitempty"`
	Levels   *fib.LevelSet `json:"levels,omitempty"`
	Err      error         `json:"-"`
	Error    string        `json:"error,omitempty"`
}

func (r FrameResult) ok() bool { return r.Err == nil && r.Swing != nil && r.Levels != nil }

// Alignment reports whether coarse, medium and fine swings agree. Levels is
// the fine frame's LevelSet and is only set when Aligned.
type Alignment struct {
	Aligned   bool          `json:"aligned"`
	Direction fib.Direction `json:"direction"`
	Frames    []FrameResult `json:"frames"`
	Levels    *fib.LevelSet `json:"levels,omitempty"`
	Reason    string        `json:"reason,omitempty"`
}

// ErrNotAligned is what Alignment.Err reports for a disagreement.
var ErrNotAligned = errors.New("mtf: frames not aligned")

// Err returns nil for an aligned result.
func (a Alignment) Err() error {
	if a.Aligned {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrNotAligned, a.Reason)
}

func analyzeFrame(f Frame, p fib.Params) FrameResult {
	res := FrameResult{Interval: f.Interval, Bars: len(f.Bars)}
	swing, err := fib.DetectSwing(f.Bars, p.Lookback)
	if err != nil {
		res.Err = err
		res.Error = err.Error()
		return res
	}
	res.Swing = &swing
	set, err := fib.BuildLevelSet(swing, p)
	if err != nil {
		res.Err = err
		res.Error = err.Error()
		return res
	}
	res.Levels = &set
	return res
}

// Align runs the swing detector and level engine on each frame on its own and
// reports alignment when all three swings exist and share a direction.
func Align(coarse, medium, fine Frame, p fib.Params) Alignment {
	frames := []FrameResult{
		analyzeFrame(coarse, p),
		analyzeFrame(medium, p),
		analyzeFrame(fine, p),
	}
	out := Alignment{Frames: frames}

	failed := lo.Filter(frames, func(r FrameResult, _ int) bool { return !r.ok() })
	if len(failed) > 0 {
		out.Reason = strings.Join(lo.Map(failed, func(r FrameResult, _ int) string {
			return fmt.Sprintf("%s: %v", frameName(r.Interval), r.Err)
		}), "; ")
		return out
	}

	dirs := lo.Map(frames, func(r FrameResult, _ int) fib.Direction { return r.Swing.Direction })
	if len(lo.Uniq(dirs)) != 1 {
		out.Reason = "direction mismatch: " + strings.Join(lo.Map(frames, func(r FrameResult, _ int) string {
			return frameName(r.Interval) + "=" + r.Swing.Direction.String()
		}), " ")
		return out
	}
	out.Aligned = true
	out.Direction = dirs[0]
	out.Levels = frames[2].Levels
	return out
}

func frameName(interval string) string {
	if interval == "" {
		return "frame"
	}
	return interval
}

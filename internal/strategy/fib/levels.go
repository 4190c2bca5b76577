package fib

import (
	"math"
	"strconv"
)

// StandardRatios is the retracement table reported for every swing.
var StandardRatios = []float64{0, 0.236, 0.382, 0.5, 0.618, 0.786, 1}

// Level is one ratio of the table and its price.
type Level struct {
	Ratio float64 `json:"ratio" yaml:"ratio"`
	Label string  `json:"label" yaml:"label"`
	Price float64 `json:"price" yaml:"price"`
}

// Decision holds the prices the state machine trades on.
type Decision struct {
	Entry  float64 `json:"entry" yaml:"entry"`
	Stop   float64 `json:"stop" yaml:"stop"`
	Target float64 `json:"target" yaml:"target"`
}

// LevelSet is the full level map for one swing.
type LevelSet struct {
	Swing  Swing      `json:"swing"`
	Levels []Level    `json:"levels"`
	Mode   TargetMode `json:"target_mode"`
	Decision
}

// Price looks a ratio up in the table.
func (ls LevelSet) Price(ratio float64) (float64, bool) {
	for _, l := range ls.Levels {
		if l.Ratio == ratio {
			return l.Price, true
		}
	}
	return 0, false
}

// ByLabel returns the table keyed by label ("0.0", "0.236", ... "1.0").
func (ls LevelSet) ByLabel() map[string]float64 {
	out := make(map[string]float64, len(ls.Levels))
	for _, l := range ls.Levels {
		out[l.Label] = l.Price
	}
	return out
}

// RatioLabel formats a ratio the way the level table is keyed.
func RatioLabel(r float64) string {
	if r == math.Trunc(r) {
		return strconv.FormatFloat(r, 'f', 1, 64)
	}
	return strconv.FormatFloat(r, 'f', -1, 64)
}

// PriceAt maps a ratio onto the swing. Up swings measure down from the high,
// down swings measure up from the low, so 0 is always the terminus.
func PriceAt(s Swing, ratio float64) float64 {
	rng := s.Range()
	if s.Direction == Up {
		return s.High - ratio*rng
	}
	return s.Low + ratio*rng
}

// TargetPrice is the take-profit for the swing under the given mode.
func TargetPrice(s Swing, mode TargetMode) float64 {
	if mode == TargetSwing {
		return s.Terminus()
	}
	rng := s.Range()
	if s.Direction == Up {
		return s.High + ExtensionRatio*rng
	}
	return s.Low - ExtensionRatio*rng
}

func checkRange(s Swing) error {
	rng := s.Range()
	if math.IsNaN(rng) || math.IsInf(rng, 0) || rng <= 0 {
		return ErrDegenerateSwing
	}
	return nil
}

// ComputeLevels returns the standard ratio table for the swing.
func ComputeLevels(s Swing) ([]Level, error) {
	if err := checkRange(s); err != nil {
		return nil, err
	}
	out := make([]Level, len(StandardRatios))
	for i, r := range StandardRatios {
		out[i] = Level{Ratio: r, Label: RatioLabel(r), Price: PriceAt(s, r)}
	}
	return out, nil
}

// ComputeDecision derives entry, stop and target for the swing.
func ComputeDecision(s Swing, p Params) (Decision, error) {
	if err := checkRange(s); err != nil {
		return Decision{}, err
	}
	return Decision{
		Entry:  PriceAt(s, p.RetraceRatio),
		Stop:   PriceAt(s, p.StopRatio),
		Target: TargetPrice(s, p.TargetMode),
	}, nil
}

// BuildLevelSet combines the ratio table and the decision levels.
func BuildLevelSet(s Swing, p Params) (LevelSet, error) {
	levels, err := ComputeLevels(s)
	if err != nil {
		return LevelSet{}, err
	}
	dec, err := ComputeDecision(s, p)
	if err != nil {
		return LevelSet{}, err
	}
	mode := p.TargetMode
	if mode == "" {
		mode = TargetExtension
	}
	return LevelSet{Swing: s, Levels: levels, Mode: mode, Decision: dec}, nil
}

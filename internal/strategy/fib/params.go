package fib

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

var (
	// ErrInsufficientData: fewer bars than the lookback. Expected during warm-up.
	ErrInsufficientData = errors.New("fib: insufficient data")
	// ErrDegenerateSwing: swing range is zero (or not finite); no levels exist.
	ErrDegenerateSwing = errors.New("fib: degenerate swing")
	// ErrZeroRiskDistance: entry equals stop, so no position can be sized.
	ErrZeroRiskDistance = errors.New("fib: zero risk distance")
	// ErrInvalidConfiguration is returned at setup time only.
	ErrInvalidConfiguration = errors.New("fib: invalid configuration")
)

// TargetMode selects how the take-profit price is derived.
type TargetMode string

const (
	TargetExtension TargetMode = "extension"
	TargetSwing     TargetMode = "swing"
)

// ParseTargetMode normalises a config value; empty means extension.
func ParseTargetMode(s string) (TargetMode, error) {
	switch TargetMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", TargetExtension:
		return TargetExtension, nil
	case TargetSwing:
		return TargetSwing, nil
	default:
		return "", fmt.Errorf("%w: unknown target mode %q", ErrInvalidConfiguration, s)
	}
}

const (
	DefaultLookback     = 60
	DefaultRetraceRatio = 0.618
	DefaultStopRatio    = 0.786
	DefaultRiskPerTrade = 0.01

	// ExtensionRatio is the fraction of the swing range projected beyond the
	// terminus in extension mode.
	ExtensionRatio = 0.618
)

// Params configures swing detection, level derivation and sizing.
type Params struct {
	Lookback     int        `json:"lookback"`
	RetraceRatio float64    `json:"retrace"`
	StopRatio    float64    `json:"stop_level"`
	RiskPerTrade float64    `json:"risk_per_trade"`
	TargetMode   TargetMode `json:"target"`
}

func DefaultParams() Params {
	return Params{
		Lookback:     DefaultLookback,
		RetraceRatio: DefaultRetraceRatio,
		StopRatio:    DefaultStopRatio,
		RiskPerTrade: DefaultRiskPerTrade,
		TargetMode:   TargetExtension,
	}
}

// WithDefaults fills zero-valued fields from DefaultParams. Negative or
// otherwise invalid values are left alone for Validate to reject.
func (p Params) WithDefaults() Params {
	def := DefaultParams()
	if p.Lookback == 0 {
		p.Lookback = def.Lookback
	}
	if p.RetraceRatio == 0 {
		p.RetraceRatio = def.RetraceRatio
	}
	if p.StopRatio == 0 {
		p.StopRatio = def.StopRatio
	}
	if p.TargetMode == "" {
		p.TargetMode = def.TargetMode
	}
	return p
}

// Validate rejects configurations that can never trade correctly. Every
// error wraps ErrInvalidConfiguration.
func (p Params) Validate() error {
	if p.Lookback < 2 {
		return fmt.Errorf("%w: lookback must be >= 2, got %d", ErrInvalidConfiguration, p.Lookback)
	}
	if !inOpenUnit(p.RetraceRatio) {
		return fmt.Errorf("%w: retrace ratio must be in (0,1), got %v", ErrInvalidConfiguration, p.RetraceRatio)
	}
	if !inOpenUnit(p.StopRatio) {
		return fmt.Errorf("%w: stop ratio must be in (0,1), got %v", ErrInvalidConfiguration, p.StopRatio)
	}
	if p.RetraceRatio >= p.StopRatio {
		return fmt.Errorf("%w: retrace ratio %v must be below stop ratio %v", ErrInvalidConfiguration, p.RetraceRatio, p.StopRatio)
	}
	if math.IsNaN(p.RiskPerTrade) || p.RiskPerTrade < 0 || p.RiskPerTrade > 1 {
		return fmt.Errorf("%w: risk per trade must be in [0,1], got %v", ErrInvalidConfiguration, p.RiskPerTrade)
	}
	if _, err := ParseTargetMode(string(p.TargetMode)); err != nil {
		return err
	}
	return nil
}

func inOpenUnit(v float64) bool {
	return !math.IsNaN(v) && v > 0 && v < 1
}

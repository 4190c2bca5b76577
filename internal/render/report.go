package render

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"fibswing/internal/strategy/fib"

	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

// LevelReport 是单个标的/周期的水平快照，写成 YAML 供人工复核。
type LevelReport struct {
	Symbol      string         `yaml:"symbol"`
	Interval    string         `yaml:"interval"`
	GeneratedAt string         `yaml:"generated_at"`
	Swing       SwingReport    `yaml:"swing"`
	Levels      []fib.Level    `yaml:"levels"`
	Decision    fib.Decision   `yaml:"decision"`
	TargetMode  fib.TargetMode `yaml:"target_mode"`
	Params      ParamsReport   `yaml:"params"`
	LastClose   float64        `yaml:"last_close,omitempty"`
	Position    string         `yaml:"position,omitempty"`
}

type SwingReport struct {
	Direction string  `yaml:"direction"`
	Low       float64 `yaml:"low"`
	High      float64 `yaml:"high"`
	LowTime   string  `yaml:"low_time,omitempty"`
	HighTime  string  `yaml:"high_time,omitempty"`
	Range     float64 `yaml:"range"`
}

type ParamsReport struct {
	Lookback     int     `yaml:"lookback"`
	Retrace      float64 `yaml:"retrace"`
	StopLevel    float64 `yaml:"stop_level"`
	RiskPerTrade float64 `yaml:"risk_per_trade"`
}

func fmtMillis(ms int64) string {
	if ms <= 0 {
		return ""
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

func NewLevelReport(symbol, interval string, ls fib.LevelSet, p fib.Params) LevelReport {
	return LevelReport{
		Symbol:      symbol,
		Interval:    interval,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Swing: SwingReport{
			Direction: ls.Swing.Direction.String(),
			Low:       ls.Swing.Low,
			High:      ls.Swing.High,
			LowTime:   fmtMillis(ls.Swing.LowTime),
			HighTime:  fmtMillis(ls.Swing.HighTime),
			Range:     round(ls.Swing.Range(), 8),
		},
		Levels: lo.Map(ls.Levels, func(l fib.Level, _ int) fib.Level {
			l.Price = round(l.Price, 8)
			return l
		}),
		Decision: fib.Decision{
			Entry:  round(ls.Entry, 8),
			Stop:   round(ls.Stop, 8),
			Target: round(ls.Target, 8),
		},
		TargetMode: ls.Mode,
		Params: ParamsReport{
			Lookback:     p.Lookback,
			Retrace:      p.RetraceRatio,
			StopLevel:    p.StopRatio,
			RiskPerTrade: p.RiskPerTrade,
		},
	}
}

func WriteYAML(w io.Writer, reports ...LevelReport) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	for _, r := range reports {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("encode report %s %s: %w", r.Symbol, r.Interval, err)
		}
	}
	return enc.Close()
}

func ReportYAML(reports ...LevelReport) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteYAML(&buf, reports...); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

package render

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"fibswing/internal/market"
	"fibswing/internal/strategy/fib"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/go-echarts/go-echarts/v2/types"
	talib "github.com/markcheno/go-talib"
	"github.com/samber/lo"
)

const (
	colorBackground    = "#060c1b"
	colorTextPrimary   = "#eceff4"
	colorTextSecondary = "#9ca3af"
	colorBull          = "#34d399"
	colorBear          = "#f87171"
	colorLevel         = "#94a3b8"
	colorEntry         = "#3b82f6"
	colorStop          = "#f87171"
	colorTarget        = "#fbbf24"
	colorEquity        = "#a78bfa"

	chartWidthPx   = 1600
	klineHeightPx  = 600
	equityHeightPx = 260
)

var emaColors = []string{"#22d3ee", "#f472b6", "#fb7185"}

// Trade 是图上的一个成交标记。
type Trade struct {
	Time   int64   `json:"time"`
	Price  float64 `json:"price"`
	Action string  `json:"action"`
	Reason string  `json:"reason,omitempty"`
}

// EquityPoint 是资金曲线上的一个点。
type EquityPoint struct {
	TS     int64   `json:"ts"`
	Equity float64 `json:"equity"`
}

type ChartInput struct {
	Symbol     string
	Interval   string
	Bars       []market.Candle
	Levels     *fib.LevelSet
	Trades     []Trade
	EMAPeriods []int
	Equity     []EquityPoint
	Subtitle   string
}

// BuildPage 生成 K 线 + 斐波那契水平 + 成交标记（可选资金曲线）的页面。
func BuildPage(in ChartInput) (*components.Page, error) {
	if len(in.Bars) == 0 {
		return nil, fmt.Errorf("no bars to render for %s", in.Symbol)
	}
	page := components.NewPage()
	page.SetLayout(components.PageFlexLayout)

	xAxis := buildXAxis(in.Bars)
	kline := buildKline(in, xAxis)
	if ema := buildEMALine(in.Bars, in.EMAPeriods); ema != nil {
		ema.SetXAxis(xAxis)
		kline.Overlap(ema)
	}
	page.AddCharts(kline)
	if len(in.Equity) > 0 {
		page.AddCharts(buildEquityChart(in.Equity))
	}
	return page, nil
}

// RenderHTML 把页面写成独立 HTML。
func RenderHTML(w io.Writer, in ChartInput) error {
	page, err := BuildPage(in)
	if err != nil {
		return err
	}
	return page.Render(w)
}

func HTML(in ChartInput) ([]byte, error) {
	var buf bytes.Buffer
	if err := RenderHTML(&buf, in); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func buildKline(in ChartInput, xAxis []string) *charts.Kline {
	minPrice, maxPrice := priceBounds(in.Bars, in.Levels)
	padding := (maxPrice - minPrice) * 0.05
	if padding <= 0 {
		padding = math.Max(1, math.Abs(maxPrice)*0.01)
	}
	subtitle := in.Subtitle
	if subtitle == "" && in.Levels != nil {
		subtitle = levelSubtitle(*in.Levels)
	}

	kline := charts.NewKLine()
	kline.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			Theme:           types.ThemeWesteros,
			Width:           fmt.Sprintf("%dpx", chartWidthPx),
			Height:          fmt.Sprintf("%dpx", klineHeightPx),
			BackgroundColor: colorBackground,
		}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), TextStyle: &opts.TextStyle{Color: colorTextPrimary}}),
		charts.WithTitleOpts(opts.Title{
			Title:         fmt.Sprintf("%s %s", strings.ToUpper(in.Symbol), in.Interval),
			Subtitle:      subtitle,
			Left:          "left",
			Top:           "10",
			TitleStyle:    &opts.TextStyle{Color: colorTextPrimary, FontSize: 18},
			SubtitleStyle: &opts.TextStyle{Color: colorTextSecondary},
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider", XAxisIndex: []int{0}}),
		charts.WithXAxisOpts(opts.XAxis{
			Type:      "category",
			AxisLabel: &opts.AxisLabel{Color: colorTextSecondary},
			SplitLine: &opts.SplitLine{Show: opts.Bool(false)},
		}),
		charts.WithYAxisOpts(opts.YAxis{
			Scale:     opts.Bool(true),
			AxisLabel: &opts.AxisLabel{Color: colorTextSecondary},
			Min:       round(minPrice-padding, 4),
			Max:       round(maxPrice+padding, 4),
			SplitLine: &opts.SplitLine{Show: opts.Bool(true), LineStyle: &opts.LineStyle{Color: colorTextSecondary, Opacity: opts.Float(0.2)}},
		}),
	)

	seriesOpts := []charts.SeriesOpts{
		charts.WithItemStyleOpts(opts.ItemStyle{
			Color:        colorBull,
			Color0:       colorBear,
			BorderColor:  colorBull,
			BorderColor0: colorBear,
		}),
	}
	if in.Levels != nil {
		seriesOpts = append(seriesOpts,
			charts.WithMarkLineNameYAxisItemOpts(levelMarkLines(*in.Levels)...),
			charts.WithMarkLineStyleOpts(opts.MarkLineStyle{
				Symbol:    []string{"none", "none"},
				Label:     &opts.Label{Show: opts.Bool(true), Position: "insideEndTop", Formatter: "{b}: {c}"},
				LineStyle: &opts.LineStyle{Color: colorLevel, Type: "dashed", Width: 1},
			}),
		)
	}
	points := append(swingMarkPoints(in.Levels, in.Bars), tradeMarkPoints(in.Trades, in.Bars)...)
	if len(points) > 0 {
		seriesOpts = append(seriesOpts, charts.WithMarkPointNameCoordItemOpts(points...))
	}

	kline.SetXAxis(xAxis)
	kline.AddSeries(fmt.Sprintf("Price_%s", in.Interval), buildKlineSeries(in.Bars), seriesOpts...)
	return kline
}

func levelSubtitle(ls fib.LevelSet) string {
	return fmt.Sprintf("%s swing %.4f → %.4f | entry %.4f stop %.4f target %.4f (%s)",
		ls.Swing.Direction, ls.Swing.Low, ls.Swing.High, ls.Entry, ls.Stop, ls.Target, ls.Mode)
}

func levelMarkLines(ls fib.LevelSet) []opts.MarkLineNameYAxisItem {
	items := lo.Map(ls.Levels, func(l fib.Level, _ int) opts.MarkLineNameYAxisItem {
		return opts.MarkLineNameYAxisItem{Name: l.Label, YAxis: round(l.Price, 4)}
	})
	return append(items,
		opts.MarkLineNameYAxisItem{Name: "entry", YAxis: round(ls.Entry, 4)},
		opts.MarkLineNameYAxisItem{Name: "stop", YAxis: round(ls.Stop, 4)},
		opts.MarkLineNameYAxisItem{Name: "target", YAxis: round(ls.Target, 4)},
	)
}

// swingMarkPoints 标出波段高低点；时间不在图中的点跳过。
func swingMarkPoints(ls *fib.LevelSet, bars []market.Candle) []opts.MarkPointNameCoordItem {
	if ls == nil {
		return nil
	}
	var out []opts.MarkPointNameCoordItem
	if label, ok := axisLabelAt(bars, ls.Swing.HighTime); ok {
		out = append(out, opts.MarkPointNameCoordItem{
			Name:       "swing high",
			Coordinate: []interface{}{label, ls.Swing.High},
			Value:      fmt.Sprintf("H %.4f", ls.Swing.High),
			Symbol:     "pin",
			ItemStyle:  &opts.ItemStyle{Color: colorBull},
		})
	}
	if label, ok := axisLabelAt(bars, ls.Swing.LowTime); ok {
		out = append(out, opts.MarkPointNameCoordItem{
			Name:       "swing low",
			Coordinate: []interface{}{label, ls.Swing.Low},
			Value:      fmt.Sprintf("L %.4f", ls.Swing.Low),
			Symbol:     "pin",
			ItemStyle:  &opts.ItemStyle{Color: colorBear},
		})
	}
	return out
}

func tradeMarkPoints(trades []Trade, bars []market.Candle) []opts.MarkPointNameCoordItem {
	out := make([]opts.MarkPointNameCoordItem, 0, len(trades))
	for _, t := range trades {
		label, ok := axisLabelAt(bars, t.Time)
		if !ok {
			continue
		}
		color := colorEntry
		symbol := "arrow"
		switch {
		case strings.HasPrefix(t.Action, "close"):
			color, symbol = colorTarget, "diamond"
			if t.Reason == string(fib.ExitStopLoss) {
				color = colorStop
			}
		case strings.HasSuffix(t.Action, "short"):
			symbol = "triangle"
		}
		name := t.Action
		if t.Reason != "" {
			name += " (" + t.Reason + ")"
		}
		out = append(out, opts.MarkPointNameCoordItem{
			Name:       name,
			Coordinate: []interface{}{label, t.Price},
			Symbol:     symbol,
			SymbolSize: 14,
			ItemStyle:  &opts.ItemStyle{Color: color},
		})
	}
	return out
}

// axisLabelAt 找到包含 ts 的 K 线并返回其横轴标签。
func axisLabelAt(bars []market.Candle, ts int64) (string, bool) {
	if ts <= 0 {
		return "", false
	}
	for _, c := range bars {
		end := c.CloseTime
		if end == 0 {
			end = c.OpenTime
		}
		if ts >= c.OpenTime && ts <= end {
			return axisLabel(c), true
		}
	}
	return "", false
}

func axisLabel(c market.Candle) string {
	return time.UnixMilli(c.OpenTime).UTC().Format("2006-01-02 15:04")
}

func buildXAxis(bars []market.Candle) []string {
	return lo.Map(bars, func(c market.Candle, _ int) string { return axisLabel(c) })
}

func buildKlineSeries(bars []market.Candle) []opts.KlineData {
	return lo.Map(bars, func(c market.Candle, _ int) opts.KlineData {
		return opts.KlineData{Value: [4]float64{c.Open, c.Close, c.Low, c.High}}
	})
}

func buildEMALine(bars []market.Candle, periods []int) *charts.Line {
	periods = lo.Filter(periods, func(p int, _ int) bool { return p > 1 && p <= len(bars) })
	if len(periods) == 0 {
		return nil
	}
	closes := market.Candles(bars).Closes()
	line := charts.NewLine()
	line.SetSeriesOptions(
		charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}),
	)
	for i, p := range periods {
		series := EMA(closes, p)
		color := emaColors[i%len(emaColors)]
		line.AddSeries(fmt.Sprintf("EMA%d", p), toLineData(series), charts.WithLineStyleOpts(opts.LineStyle{Color: color, Width: 2}))
	}
	return line
}

// EMA 返回与 closes 等长的序列，前 period-1 个值为 NaN。
func EMA(closes []float64, period int) []float64 {
	if period <= 1 || len(closes) < period {
		return nil
	}
	out := talib.Ema(closes, period)
	for i := 0; i < period-1 && i < len(out); i++ {
		out[i] = math.NaN()
	}
	return out
}

func buildEquityChart(points []EquityPoint) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			Theme:           types.ThemeWesteros,
			Width:           fmt.Sprintf("%dpx", chartWidthPx),
			Height:          fmt.Sprintf("%dpx", equityHeightPx),
			BackgroundColor: colorBackground,
		}),
		charts.WithTitleOpts(opts.Title{Title: "Equity", Left: "left", TitleStyle: &opts.TextStyle{Color: colorTextPrimary}}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(false)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{AxisLabel: &opts.AxisLabel{Show: opts.Bool(false)}}),
		charts.WithYAxisOpts(opts.YAxis{
			Scale:     opts.Bool(true),
			AxisLabel: &opts.AxisLabel{Show: opts.Bool(true), Color: colorTextSecondary},
			SplitLine: &opts.SplitLine{Show: opts.Bool(true), LineStyle: &opts.LineStyle{Color: colorTextSecondary, Opacity: opts.Float(0.15)}},
		}),
	)
	x := lo.Map(points, func(p EquityPoint, _ int) string {
		return time.UnixMilli(p.TS).UTC().Format("2006-01-02 15:04")
	})
	y := lo.Map(points, func(p EquityPoint, _ int) float64 { return p.Equity })
	line.SetXAxis(x)
	line.AddSeries("Equity", toLineData(y),
		charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}),
		charts.WithLineStyleOpts(opts.LineStyle{Color: colorEquity, Width: 2}),
	)
	return line
}

func toLineData(series []float64) []opts.LineData {
	return lo.Map(series, func(v float64, _ int) opts.LineData {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return opts.LineData{Value: nil}
		}
		return opts.LineData{Value: round(v, 4)}
	})
}

func round(val float64, decimals int) float64 {
	if decimals <= 0 {
		return math.Round(val)
	}
	scale := math.Pow10(decimals)
	return math.Round(val*scale) / scale
}

// priceBounds 覆盖 K 线与所有水平，保证标记线可见。
func priceBounds(bars []market.Candle, ls *fib.LevelSet) (minVal, maxVal float64) {
	if len(bars) == 0 {
		return 0, 0
	}
	minVal, maxVal = bars[0].Low, bars[0].High
	for _, c := range bars {
		minVal = math.Min(minVal, c.Low)
		maxVal = math.Max(maxVal, c.High)
	}
	if ls != nil {
		for _, p := range []float64{ls.Entry, ls.Stop, ls.Target, ls.Swing.Low, ls.Swing.High} {
			if math.IsNaN(p) || math.IsInf(p, 0) {
				continue
			}
			minVal = math.Min(minVal, p)
			maxVal = math.Max(maxVal, p)
		}
	}
	return minVal, maxVal
}

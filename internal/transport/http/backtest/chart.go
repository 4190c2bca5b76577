package backtesthttp

import (
	"context"
	"fmt"

	"fibswing/internal/backtest"
	"fibswing/internal/market"
	"fibswing/internal/render"
	"fibswing/internal/strategy/fib"

	"github.com/samber/lo"
)

// lastLevels 用区间末尾 lookback 根 K 线计算水平；波段不成立时返回 nil。
func lastLevels(bars []market.Candle, p fib.Params) (*fib.LevelSet, error) {
	swing, err := fib.DetectSwing(bars, p.Lookback)
	if err != nil {
		return nil, err
	}
	set, err := fib.BuildLevelSet(swing, p)
	if err != nil {
		return nil, err
	}
	return &set, nil
}

func runBars(ctx context.Context, store *backtest.Store, run backtest.Run) ([]market.Candle, error) {
	bars, err := store.RangeCandles(ctx, run.Symbol, run.Interval, run.StartTS, run.EndTS)
	if err != nil {
		return nil, err
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("run %s: 本地缓存没有 %s %s 的 K 线", run.ID, run.Symbol, run.Interval)
	}
	return bars, nil
}

// RunChartInput 汇总一次回测的 K 线、末端水平、成交与资金曲线。
func RunChartInput(ctx context.Context, store *backtest.Store, results *backtest.ResultStore, run backtest.Run, emaPeriods []int) (render.ChartInput, error) {
	bars, err := runBars(ctx, store, run)
	if err != nil {
		return render.ChartInput{}, err
	}
	levels, _ := lastLevels(bars, run.Config.Params)
	orders, err := results.ListOrders(ctx, run.ID, 2000)
	if err != nil {
		return render.ChartInput{}, err
	}
	snaps, err := results.ListSnapshots(ctx, run.ID, 20000)
	if err != nil {
		return render.ChartInput{}, err
	}
	return render.ChartInput{
		Symbol:   run.Symbol,
		Interval: run.Interval,
		Bars:     bars,
		Levels:   levels,
		Trades: lo.Map(orders, func(o backtest.Order, _ int) render.Trade {
			return render.Trade{Time: o.ExecutedAt.UnixMilli(), Price: o.Price, Action: o.Action, Reason: o.Reason}
		}),
		EMAPeriods: emaPeriods,
		Equity: lo.Map(snaps, func(s backtest.Snapshot, _ int) render.EquityPoint {
			return render.EquityPoint{TS: s.TS, Equity: s.Equity}
		}),
		Subtitle: fmt.Sprintf("run %s | 收益 %.2f (%.2f%%) | 胜率 %.1f%% | 最大回撤 %.2f%%",
			run.ID, run.Profit, run.ReturnPct*100, run.WinRate*100, run.MaxDrawdownPct*100),
	}, nil
}

// RunChartHTML 渲染回测图表页面。
func RunChartHTML(ctx context.Context, store *backtest.Store, results *backtest.ResultStore, run backtest.Run, emaPeriods []int) ([]byte, error) {
	in, err := RunChartInput(ctx, store, results, run, emaPeriods)
	if err != nil {
		return nil, err
	}
	return render.HTML(in)
}

// RunReportYAML 输出回测区间末端的斐波那契水平报告。
func RunReportYAML(ctx context.Context, store *backtest.Store, run backtest.Run) ([]byte, error) {
	bars, err := runBars(ctx, store, run)
	if err != nil {
		return nil, err
	}
	levels, err := lastLevels(bars, run.Config.Params)
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", run.ID, err)
	}
	report := render.NewLevelReport(run.Symbol, run.Interval, *levels, run.Config.Params)
	report.LastClose = bars[len(bars)-1].Close
	return render.ReportYAML(report)
}

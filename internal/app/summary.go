package app

import (
	"fmt"
	"sort"
	"strings"

	"fibswing/internal/config"
	"fibswing/internal/market"
	"fibswing/internal/strategy/fib"

	"github.com/samber/lo"
)

type StartupSummary struct {
	Strategy  fib.Params
	Market    MarketSummary
	MTF       MTFSummary
	Backtest  BacktestSummary
	Live      LiveSummary
	HTTPAddr  string
	HotReload bool
}

type MarketSummary struct {
	Sources []string
	Active  string
}

type MTFSummary struct {
	Coarse string
	Medium string
	Fine   string
	Limit  int
}

type BacktestSummary struct {
	DataDir     string
	ResultsDB   string
	Interval    string
	InitialCash float64
	Commission  float64
}

type LiveSummary struct {
	Enabled  bool
	Symbol   string
	Interval string
	Source   string
}

func newStartupSummary(cfg *config.Config, sources []string) *StartupSummary {
	return &StartupSummary{
		Strategy: cfg.Strategy.Params(),
		Market:   MarketSummary{Sources: sources, Active: cfg.Market.ActiveSource},
		MTF: MTFSummary{
			Coarse: cfg.MultiTimeframe.Coarse,
			Medium: cfg.MultiTimeframe.Medium,
			Fine:   cfg.MultiTimeframe.Fine,
			Limit:  cfg.MultiTimeframe.Limit,
		},
		Backtest: BacktestSummary{
			DataDir:     cfg.Backtest.DataDir,
			ResultsDB:   cfg.Backtest.ResultsDB,
			Interval:    cfg.Backtest.Interval,
			InitialCash: cfg.Backtest.InitialCash,
			Commission:  cfg.Backtest.Commission,
		},
		Live: LiveSummary{
			Enabled:  cfg.Live.Enabled,
			Symbol:   strings.ToUpper(cfg.Live.Symbol),
			Interval: cfg.Live.Interval,
			Source:   cfg.Live.Source,
		},
		HTTPAddr:  cfg.App.HTTPAddr,
		HotReload: cfg.Live.HotReload,
	}
}

// Lines 返回摘要文本（不含分隔线），便于写日志。
func (s *StartupSummary) Lines() []string {
	p := s.Strategy
	lines := []string{
		"[策略参数 (STRATEGY)]",
		fmt.Sprintf("  回看窗口: %d", p.Lookback),
		fmt.Sprintf("  入场回撤: %.3f", p.RetraceRatio),
		fmt.Sprintf("  止损水平: %.3f", p.StopRatio),
		fmt.Sprintf("  单笔风险: %.2f%%", p.RiskPerTrade*100),
		fmt.Sprintf("  目标模式: %s", p.TargetMode),
		"",
		"[行情源 (MARKET)]",
		fmt.Sprintf("  已启用: %s", formatList(s.Market.Sources)),
		fmt.Sprintf("  默认源: %s", s.Market.Active),
		"",
		"[多周期 (MULTI-TIMEFRAME)]",
		fmt.Sprintf("  周期: %s / %s / %s", s.MTF.Coarse, s.MTF.Medium, s.MTF.Fine),
		fmt.Sprintf("  每周期 K 线: %d", s.MTF.Limit),
		"",
		"[回测 (BACKTEST)]",
		fmt.Sprintf("  数据目录: %s", s.Backtest.DataDir),
		fmt.Sprintf("  结果库: %s", s.Backtest.ResultsDB),
		fmt.Sprintf("  默认周期: %s", s.Backtest.Interval),
		fmt.Sprintf("  初始资金: %.2f  手续费: %.4f", s.Backtest.InitialCash, s.Backtest.Commission),
		"",
		"[实时纸面交易 (LIVE)]",
	}
	if s.Live.Enabled {
		lines = append(lines, fmt.Sprintf("  %s %s @%s", s.Live.Symbol, s.Live.Interval, s.Live.Source))
	} else {
		lines = append(lines, "  (未启用)")
	}
	lines = append(lines,
		"",
		"[HTTP]",
		fmt.Sprintf("  监听: %s", s.HTTPAddr),
		fmt.Sprintf("  配置热更新: %v", s.HotReload),
	)
	return lines
}

func (s *StartupSummary) Print() {
	title := "启动配置摘要 (STARTUP SUMMARY)"
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("%*s\n", 40+len(title)/2, title)
	fmt.Println(strings.Repeat("=", 80))
	for _, line := range s.Lines() {
		fmt.Println(line)
	}
	fmt.Println(strings.Repeat("=", 80))
}

func formatList(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}

func sortedKeys(sources map[string]market.Source) []string {
	keys := lo.Keys(sources)
	sort.Strings(keys)
	return keys
}

package app

import (
	"context"
	"fmt"

	"fibswing/internal/config"
	"fibswing/internal/gateway"
	"fibswing/internal/live"
	"fibswing/internal/logger"
	"fibswing/internal/market"
	"fibswing/internal/strategy/fib"
	backtesthttp "fibswing/internal/transport/http/backtest"
	livehttp "fibswing/internal/transport/http/live"
)

type AppBuilder struct {
	cfg        *config.Config
	configPath string

	sourcesFn  func(config.MarketConfig) (map[string]market.Source, error)
	backtestFn func(config.BacktestConfig, map[string]market.Source, fib.Params) (*BacktestService, error)
	liveFn     func(config.LiveConfig, map[string]market.Source, fib.Params) (*live.Runner, error)
}

type AppBuilderOption func(*AppBuilder)

// WithSources 替换行情源构造（测试注入假数据源）。
func WithSources(fn func(config.MarketConfig) (map[string]market.Source, error)) AppBuilderOption {
	return func(b *AppBuilder) {
		if fn != nil {
			b.sourcesFn = fn
		}
	}
}

func NewAppBuilder(cfg *config.Config, configPath string, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:        cfg,
		configPath: configPath,
		sourcesFn:  gateway.NewSources,
		backtestFn: buildBacktestService,
		liveFn:     buildLiveRunner,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg

	sources, err := b.sourcesFn(cfg.Market)
	if err != nil {
		return nil, fmt.Errorf("初始化行情源失败: %w", err)
	}
	success := false
	defer func() {
		if !success {
			_ = gateway.CloseAll(sources)
		}
	}()
	names := sortedKeys(sources)
	logger.Infof("✓ 行情源: %v (默认 %s)", names, cfg.Market.ActiveSource)

	params := newParamStore(cfg.Strategy.Params())
	active, err := gateway.Pick(sources, cfg.Market.ActiveSource, "")
	if err != nil {
		return nil, err
	}
	aligner := newAlignService(active, params.Get, cfg.MultiTimeframe.Limit)

	var runner *live.Runner
	if cfg.Live.Enabled {
		runner, err = b.liveFn(cfg.Live, sources, params.Get())
		if err != nil {
			return nil, err
		}
	}

	bt, err := b.backtestFn(cfg.Backtest, sources, params.Get())
	if err != nil {
		return nil, err
	}
	defer func() {
		if !success {
			bt.Close()
		}
	}()

	var status livehttp.StatusSource
	if runner != nil {
		status = runner
	}
	strategy := livehttp.NewRouter(livehttp.RouterConfig{
		Params:     params.Get,
		Timeframes: cfg.MultiTimeframe.Timeframes(),
		Aligner:    aligner,
		Live:       status,
	})
	bt.server, err = backtesthttp.NewServer(backtesthttp.Config{
		Addr:       cfg.App.HTTPAddr,
		Fetcher:    bt.fetcher,
		Simulator:  bt.sim,
		Strategy:   strategy,
		EMAPeriods: cfg.Render.EMAPeriods,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化 HTTP 失败: %w", err)
	}
	logger.Infof("✓ HTTP 接口监听 %s", bt.server.Addr())

	success = true
	return &App{
		cfg:        cfg,
		configPath: b.configPath,
		sources:    sources,
		params:     params,
		aligner:    aligner,
		backtest:   bt,
		runner:     runner,
		Summary:    newStartupSummary(cfg, names),
	}, nil
}

func buildLiveRunner(cfg config.LiveConfig, sources map[string]market.Source, params fib.Params) (*live.Runner, error) {
	src, err := gateway.Pick(sources, cfg.Source, "")
	if err != nil {
		return nil, fmt.Errorf("live: %w", err)
	}
	runner, err := live.NewRunner(live.Config{
		Source:       src,
		Symbol:       cfg.Symbol,
		Interval:     cfg.Interval,
		Params:       params,
		InitialCash:  cfg.InitialCash,
		Commission:   cfg.Commission,
		SlippageBps:  cfg.SlippageBps,
		HistoryLimit: cfg.HistoryLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化 live runner 失败: %w", err)
	}
	logger.Infof("✓ Live 纸面交易 %s %s @%s", cfg.Symbol, cfg.Interval, src.Name())
	return runner, nil
}

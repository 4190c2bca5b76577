package app

import (
	"context"
	"fmt"

	"fibswing/internal/backtest"
	"fibswing/internal/config"
	"fibswing/internal/logger"
	"fibswing/internal/market"
	"fibswing/internal/strategy/fib"
	backtesthttp "fibswing/internal/transport/http/backtest"
)

// BacktestService 管理 K 线缓存、结果库、同步器、模拟器与 HTTP 暴露。
type BacktestService struct {
	store   *backtest.Store
	results *backtest.ResultStore
	fetcher *backtest.Fetcher
	sim     *backtest.Simulator
	server  *backtesthttp.Server
}

func buildBacktestService(cfg config.BacktestConfig, sources map[string]market.Source, params fib.Params) (*BacktestService, error) {
	store, err := backtest.NewStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("初始化 K 线缓存失败: %w", err)
	}
	svc := &BacktestService{store: store}
	success := false
	defer func() {
		if !success {
			svc.Close()
		}
	}()

	svc.results, err = backtest.NewResultStore(cfg.ResultsDB)
	if err != nil {
		return nil, fmt.Errorf("初始化回测结果库失败: %w", err)
	}
	svc.fetcher, err = backtest.NewFetcher(backtest.FetcherConfig{
		Store:           store,
		Sources:         sources,
		DefaultSource:   cfg.Source,
		RateLimitPerMin: cfg.FetchRatePerMin,
		MaxBatch:        cfg.FetchMaxBatch,
		MaxConcurrent:   cfg.FetchMaxConcurrent,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化行情同步失败: %w", err)
	}
	svc.sim, err = backtest.NewSimulator(backtest.SimulatorConfig{
		CandleStore: store,
		ResultStore: svc.results,
		Fetcher:     svc.fetcher,
		Defaults: backtest.Defaults{
			Source:      cfg.Source,
			Interval:    cfg.Interval,
			InitialCash: cfg.InitialCash,
			Commission:  cfg.Commission,
			SlippageBps: cfg.SlippageBps,
			Params:      params,
		},
		MaxConcurrent: cfg.MaxConcurrent,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化模拟器失败: %w", err)
	}
	logger.Infof("✓ 回测数据目录 %s，结果库 %s", cfg.DataDir, cfg.ResultsDB)
	success = true
	return svc, nil
}

// Start 绑定上下文；HTTP 服务由 App.Run 单独启动。
func (b *BacktestService) Start(ctx context.Context) {
	if b == nil {
		return
	}
	if b.fetcher != nil {
		b.fetcher.SetContext(ctx)
	}
	if b.sim != nil {
		b.sim.SetContext(ctx)
	}
}

// Close 释放回测相关资源。
func (b *BacktestService) Close() {
	if b == nil {
		return
	}
	if b.results != nil {
		_ = b.results.Close()
	}
	if b.store != nil {
		_ = b.store.Close()
	}
}

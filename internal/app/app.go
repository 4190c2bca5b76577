package app

import (
	"context"
	"fmt"
	"net/http"

	"fibswing/internal/backtest"
	"fibswing/internal/config"
	"fibswing/internal/gateway"
	"fibswing/internal/live"
	"fibswing/internal/logger"
	"fibswing/internal/market"
	"fibswing/internal/strategy/fib"

	"golang.org/x/sync/errgroup"
)

// App 负责应用级编排：加载配置→初始化依赖→启动 HTTP、实时纸面交易与配置热更新。
type App struct {
	cfg        *config.Config
	configPath string
	sources    map[string]market.Source
	params     *paramStore
	aligner    *AlignService
	backtest   *BacktestService
	runner     *live.Runner
	Summary    *StartupSummary
}

// NewApp 根据配置构建应用对象（不启动）；configPath 为空时不做热更新。
func NewApp(cfg *config.Config, configPath string) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	logger.SetFormat(cfg.App.LogFormat)
	return buildAppWithWire(context.Background(), cfg, configPath)
}

// Run 启动 HTTP 服务、实时 runner 与配置监听，任一退出即整体停止。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	if a.Summary != nil {
		a.Summary.Print()
	}
	group, ctx := errgroup.WithContext(ctx)
	a.backtest.Start(ctx)

	if srv := a.backtest.server; srv != nil {
		group.Go(func() error {
			if err := srv.Start(ctx); err != nil {
				return fmt.Errorf("http server error: %w", err)
			}
			return nil
		})
	}
	if a.runner != nil {
		group.Go(func() error {
			if err := a.runner.Run(ctx); err != nil {
				return fmt.Errorf("live runner: %w", err)
			}
			return nil
		})
	}
	if a.cfg.Live.HotReload && a.configPath != "" {
		if err := config.Watch(ctx, a.configPath, a.applyConfig); err != nil {
			logger.Warnf("[config] 热更新未启用: %v", err)
		}
	}
	return group.Wait()
}

// applyConfig 只热更新策略参数；其他段落需重启生效。
func (a *App) applyConfig(next *config.Config) {
	p := next.Strategy.Params()
	prev := a.params.Get()
	if p == prev {
		return
	}
	a.params.Set(p)
	if a.runner != nil {
		if err := a.runner.UpdateParams(p); err != nil {
			logger.Warnf("[config] live 参数未更新: %v", err)
		}
	}
	logger.Infof("[config] 策略参数 %s -> %s", describeParams(prev), describeParams(p))
}

// Close 释放数据库与行情源。
func (a *App) Close() {
	if a == nil {
		return
	}
	a.backtest.Close()
	if err := gateway.CloseAll(a.sources); err != nil {
		logger.Warnf("关闭行情源失败: %v", err)
	}
}

func (a *App) Config() *config.Config { return a.cfg }

// Handler 返回 HTTP 路由，便于测试或嵌入其他服务。
func (a *App) Handler() http.Handler { return a.backtest.server.Handler() }

// Params 返回当前生效的策略参数。
func (a *App) Params() fib.Params { return a.params.Get() }

func (a *App) Simulator() *backtest.Simulator { return a.backtest.sim }

func (a *App) Fetcher() *backtest.Fetcher { return a.backtest.fetcher }

func (a *App) Aligner() *AlignService { return a.aligner }

// Runner 在 live.enabled=false 时为 nil。
func (a *App) Runner() *live.Runner { return a.runner }

func describeParams(p fib.Params) string {
	return fmt.Sprintf("lookback=%d retrace=%.3f stop=%.3f risk=%.4f target=%s",
		p.Lookback, p.RetraceRatio, p.StopRatio, p.RiskPerTrade, p.TargetMode)
}

package config

import (
	"strings"

	"fibswing/internal/execution"
	"fibswing/internal/strategy/fib"
)

// 默认值常量
const (
	defaultAppEnv          = "dev"
	defaultAppLogLevel     = "info"
	defaultAppLogFormat    = "text"
	defaultAppHTTPAddr     = ":9991"
	defaultMarketSource    = "binance"
	defaultBinanceREST     = "https://fapi.binance.com"
	defaultYahooBaseURL    = "https://query1.finance.yahoo.com"
	defaultHTTPTimeout     = 15
	defaultBinancePage     = 1500
	defaultDataDir         = "data/candles"
	defaultResultsDB       = "data/backtest/results.db"
	defaultInterval        = "1d"
	defaultInitialCash     = 10000
	defaultBacktestWorkers = 1
	defaultFetchRate       = 600
	defaultFetchBatch      = 1000
	defaultFetchWorkers    = 2
	defaultCoarse          = "1d"
	defaultMedium          = "4h"
	defaultFine            = "1h"
	defaultMTFLimit        = 200
	defaultHistoryLimit    = 300
	defaultRenderDir       = "data/charts"
)

var defaultEMAPeriods = []int{21, 55}

// applyDefaults 为所有子配置应用默认值。
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Strategy.applyDefaults(keys)
	c.Market.applyDefaults(keys)
	c.Backtest.applyDefaults(keys, c.Market.ActiveSource)
	c.MultiTimeframe.applyDefaults(keys)
	c.Live.applyDefaults(keys, c.Market.ActiveSource)
	c.Render.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.log_format", &a.LogFormat, defaultAppLogFormat),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
	)
}

// 策略参数：显式写 0 的字段交给 validate 报错，不回填默认值。
func (s *StrategyConfig) applyDefaults(keys keySet) {
	def := fib.DefaultParams()
	applyFieldDefaults(keys,
		intFieldDefault("strategy.lookback", &s.Lookback, def.Lookback),
		floatFieldDefault("strategy.retrace", &s.Retrace, def.RetraceRatio),
		floatFieldDefault("strategy.stop_level", &s.StopLevel, def.StopRatio),
		floatFieldDefault("strategy.risk_per_trade", &s.RiskPerTrade, def.RiskPerTrade),
		stringFieldDefault("strategy.target", &s.Target, string(def.TargetMode)),
	)
}

func (m *MarketConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		boolFieldDefault("market.binance.enabled", &m.Binance.Enabled, true),
		boolFieldDefault("market.yahoo.enabled", &m.Yahoo.Enabled, true),
		stringFieldDefault("market.binance.rest_base_url", &m.Binance.RESTBaseURL, defaultBinanceREST),
		intFieldDefault("market.binance.http_timeout_seconds", &m.Binance.HTTPTimeoutSeconds, defaultHTTPTimeout),
		intFieldDefault("market.binance.page_limit", &m.Binance.PageLimit, defaultBinancePage),
		stringFieldDefault("market.yahoo.base_url", &m.Yahoo.BaseURL, defaultYahooBaseURL),
		intFieldDefault("market.yahoo.http_timeout_seconds", &m.Yahoo.HTTPTimeoutSeconds, defaultHTTPTimeout),
	)
	m.ActiveSource = strings.ToLower(strings.TrimSpace(m.ActiveSource))
	if m.ActiveSource == "" {
		m.ActiveSource = firstEnabledSource(*m)
	}
}

func (b *BacktestConfig) applyDefaults(keys keySet, active string) {
	applyFieldDefaults(keys,
		stringFieldDefault("backtest.data_dir", &b.DataDir, defaultDataDir),
		stringFieldDefault("backtest.results_db", &b.ResultsDB, defaultResultsDB),
		stringFieldDefault("backtest.source", &b.Source, active),
		stringFieldDefault("backtest.interval", &b.Interval, defaultInterval),
		floatFieldDefault("backtest.initial_cash", &b.InitialCash, defaultInitialCash),
		floatFieldDefault("backtest.commission", &b.Commission, execution.DefaultCommission),
		intFieldDefault("backtest.max_concurrent", &b.MaxConcurrent, defaultBacktestWorkers),
		intFieldDefault("backtest.fetch_rate_per_min", &b.FetchRatePerMin, defaultFetchRate),
		intFieldDefault("backtest.fetch_max_batch", &b.FetchMaxBatch, defaultFetchBatch),
		intFieldDefault("backtest.fetch_max_concurrent", &b.FetchMaxConcurrent, defaultFetchWorkers),
	)
}

func (m *MultiTimeframeConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("multi_timeframe.coarse", &m.Coarse, defaultCoarse),
		stringFieldDefault("multi_timeframe.medium", &m.Medium, defaultMedium),
		stringFieldDefault("multi_timeframe.fine", &m.Fine, defaultFine),
		intFieldDefault("multi_timeframe.limit", &m.Limit, defaultMTFLimit),
	)
}

func (l *LiveConfig) applyDefaults(keys keySet, active string) {
	applyFieldDefaults(keys,
		stringFieldDefault("live.source", &l.Source, active),
		stringFieldDefault("live.interval", &l.Interval, defaultInterval),
		floatFieldDefault("live.initial_cash", &l.InitialCash, defaultInitialCash),
		floatFieldDefault("live.commission", &l.Commission, execution.DefaultCommission),
		intFieldDefault("live.history_limit", &l.HistoryLimit, defaultHistoryLimit),
		boolFieldDefault("live.hot_reload", &l.HotReload, true),
	)
}

func (r *RenderConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("render.output_dir", &r.OutputDir, defaultRenderDir),
		fieldDefault{
			key:   "render.ema_periods",
			need:  func() bool { return len(r.EMAPeriods) == 0 },
			apply: func() { r.EMAPeriods = append([]int(nil), defaultEMAPeriods...) },
		},
	)
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return target != nil && *target == 0 },
		apply: func() { *target = def },
	}
}

func floatFieldDefault(key string, target *float64, def float64) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return target != nil && *target == 0 },
		apply: func() { *target = def },
	}
}

func boolFieldDefault(key string, target *bool, def bool) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func firstEnabledSource(m MarketConfig) string {
	switch {
	case m.Binance.Enabled:
		return "binance"
	case m.Yahoo.Enabled:
		return "yahoo"
	default:
		return defaultMarketSource
	}
}

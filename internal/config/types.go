package config

import (
	"strings"
	"time"

	"fibswing/internal/strategy/fib"
	"fibswing/internal/strategy/mtf"
)

// Config 是 fibswing 的主配置载体。
type Config struct {
	App            AppConfig            `toml:"app"`
	Strategy       StrategyConfig       `toml:"strategy"`
	Market         MarketConfig         `toml:"market"`
	Backtest       BacktestConfig       `toml:"backtest"`
	MultiTimeframe MultiTimeframeConfig `toml:"multi_timeframe"`
	Live           LiveConfig           `toml:"live"`
	Render         RenderConfig         `toml:"render"`
}

type AppConfig struct {
	Env       string `toml:"env"`
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
	LogPath   string `toml:"log_path"`
	HTTPAddr  string `toml:"http_addr"`
}

// StrategyConfig 对应 fib.Params。
type StrategyConfig struct {
	Lookback     int     `toml:"lookback"`
	Retrace      float64 `toml:"retrace"`
	StopLevel    float64 `toml:"stop_level"`
	RiskPerTrade float64 `toml:"risk_per_trade"`
	Target       string  `toml:"target"`
}

func (s StrategyConfig) Params() fib.Params {
	return fib.Params{
		Lookback:     s.Lookback,
		RetraceRatio: s.Retrace,
		StopRatio:    s.StopLevel,
		RiskPerTrade: s.RiskPerTrade,
		TargetMode:   fib.TargetMode(strings.ToLower(strings.TrimSpace(s.Target))),
	}
}

type MarketConfig struct {
	ActiveSource string        `toml:"active_source"`
	Binance      BinanceConfig `toml:"binance"`
	Yahoo        YahooConfig   `toml:"yahoo"`
}

type BinanceConfig struct {
	Enabled            bool   `toml:"enabled"`
	RESTBaseURL        string `toml:"rest_base_url"`
	HTTPTimeoutSeconds int    `toml:"http_timeout_seconds"`
	PageLimit          int    `toml:"page_limit"`
	CloseGraceMs       int    `toml:"close_grace_ms"`
	Proxy              Proxy  `toml:"proxy"`
}

type Proxy struct {
	Enabled bool   `toml:"enabled"`
	RESTURL string `toml:"rest_url"`
	WSURL   string `toml:"ws_url"`
}

type YahooConfig struct {
	Enabled            bool   `toml:"enabled"`
	BaseURL            string `toml:"base_url"`
	HTTPTimeoutSeconds int    `toml:"http_timeout_seconds"`
	UserAgent          string `toml:"user_agent"`
	PollSeconds        int    `toml:"poll_seconds"`
}

func (y YahooConfig) PollEvery() time.Duration {
	return time.Duration(y.PollSeconds) * time.Second
}

type BacktestConfig struct {
	DataDir            string  `toml:"data_dir"`
	ResultsDB          string  `toml:"results_db"`
	Source             string  `toml:"source"`
	Interval           string  `toml:"interval"`
	InitialCash        float64 `toml:"initial_cash"`
	Commission         float64 `toml:"commission"`
	SlippageBps        float64 `toml:"slippage_bps"`
	MaxConcurrent      int     `toml:"max_concurrent"`
	FetchRatePerMin    int     `toml:"fetch_rate_per_min"`
	FetchMaxBatch      int     `toml:"fetch_max_batch"`
	FetchMaxConcurrent int     `toml:"fetch_max_concurrent"`
}

type MultiTimeframeConfig struct {
	Coarse string `toml:"coarse"`
	Medium string `toml:"medium"`
	Fine   string `toml:"fine"`
	// Limit 是每个周期拉取的 K 线数量。
	Limit int `toml:"limit"`
}

func (m MultiTimeframeConfig) Timeframes() mtf.Timeframes {
	return mtf.Timeframes{Coarse: m.Coarse, Medium: m.Medium, Fine: m.Fine}
}

type LiveConfig struct {
	Enabled      bool    `toml:"enabled"`
	Symbol       string  `toml:"symbol"`
	Interval     string  `toml:"interval"`
	Source       string  `toml:"source"`
	InitialCash  float64 `toml:"initial_cash"`
	Commission   float64 `toml:"commission"`
	SlippageBps  float64 `toml:"slippage_bps"`
	HistoryLimit int     `toml:"history_limit"`
	HotReload    bool    `toml:"hot_reload"`
}

type RenderConfig struct {
	EMAPeriods []int  `toml:"ema_periods"`
	OutputDir  string `toml:"output_dir"`
	PNG        bool   `toml:"png"`
}

// keySet 用于追踪配置文件中显式设置的字段路径。
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

// fieldDefault 描述单个字段的默认值设置规则。
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}

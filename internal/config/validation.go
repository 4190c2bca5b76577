package config

import (
	"errors"
	"fmt"
	"strings"

	"fibswing/internal/market"
	"fibswing/internal/strategy/fib"
)

// validate 对配置进行基础校验。
func validate(c *Config) error {
	if err := c.Strategy.validate(); err != nil {
		return err
	}
	if err := c.Market.validate(); err != nil {
		return err
	}
	if err := c.Backtest.validate(c.Market); err != nil {
		return err
	}
	if err := c.MultiTimeframe.validate(c.Strategy.Lookback); err != nil {
		return err
	}
	if err := c.Live.validate(c.Market); err != nil {
		return err
	}
	return c.Render.validate()
}

// 错误消息带上配置键名，底层仍可用 errors.Is(err, fib.ErrInvalidConfiguration) 判断。
func (s StrategyConfig) validate() error {
	p := s.Params()
	err := p.Validate()
	if err == nil {
		return nil
	}
	key := "strategy"
	switch {
	case p.Lookback < 2:
		key = "strategy.lookback"
	case p.RetraceRatio <= 0 || p.RetraceRatio >= 1:
		key = "strategy.retrace"
	case p.StopRatio <= 0 || p.StopRatio >= 1:
		key = "strategy.stop_level"
	case p.RetraceRatio >= p.StopRatio:
		key = "strategy.retrace/stop_level"
	case p.RiskPerTrade < 0 || p.RiskPerTrade > 1:
		key = "strategy.risk_per_trade"
	default:
		if _, terr := fib.ParseTargetMode(s.Target); terr != nil {
			key = "strategy.target"
		}
	}
	return fmt.Errorf("%s: %w", key, err)
}

func (m MarketConfig) sourceEnabled(name string) bool {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "binance":
		return m.Binance.Enabled
	case "yahoo":
		return m.Yahoo.Enabled
	default:
		return false
	}
}

func (m MarketConfig) validate() error {
	if !m.Binance.Enabled && !m.Yahoo.Enabled {
		return errors.New("market: at least one source must be enabled")
	}
	if !m.sourceEnabled(m.ActiveSource) {
		return fmt.Errorf("market.active_source %q is not an enabled source", m.ActiveSource)
	}
	if m.Binance.PageLimit < 0 || m.Binance.PageLimit > 1500 {
		return fmt.Errorf("market.binance.page_limit must be in [1,1500], got %d", m.Binance.PageLimit)
	}
	if m.Binance.Proxy.Enabled && m.Binance.Proxy.RESTURL == "" && m.Binance.Proxy.WSURL == "" {
		return errors.New("market.binance.proxy enabled but no rest_url/ws_url configured")
	}
	return nil
}

func (b BacktestConfig) validate(m MarketConfig) error {
	if !m.sourceEnabled(b.Source) {
		return fmt.Errorf("backtest.source %q is not an enabled source", b.Source)
	}
	if _, err := market.ParseInterval(b.Interval); err != nil {
		return fmt.Errorf("backtest.interval: %w", err)
	}
	if b.InitialCash <= 0 {
		return fmt.Errorf("backtest.initial_cash must be > 0")
	}
	if b.Commission < 0 || b.Commission >= 1 {
		return fmt.Errorf("backtest.commission must be in [0,1), got %v", b.Commission)
	}
	if b.SlippageBps < 0 {
		return fmt.Errorf("backtest.slippage_bps must be >= 0")
	}
	if b.MaxConcurrent <= 0 {
		return fmt.Errorf("backtest.max_concurrent must be > 0")
	}
	return nil
}

func (m MultiTimeframeConfig) validate(lookback int) error {
	if err := m.Timeframes().Validate(); err != nil {
		return fmt.Errorf("multi_timeframe: %w", err)
	}
	if m.Limit < lookback {
		return fmt.Errorf("multi_timeframe.limit (%d) must cover strategy.lookback (%d)", m.Limit, lookback)
	}
	return nil
}

func (l LiveConfig) validate(m MarketConfig) error {
	if !l.Enabled {
		return nil
	}
	if strings.TrimSpace(l.Symbol) == "" {
		return errors.New("live.symbol is required when live.enabled")
	}
	if !m.sourceEnabled(l.Source) {
		return fmt.Errorf("live.source %q is not an enabled source", l.Source)
	}
	if _, err := market.ParseInterval(l.Interval); err != nil {
		return fmt.Errorf("live.interval: %w", err)
	}
	if l.InitialCash <= 0 {
		return errors.New("live.initial_cash must be > 0")
	}
	return nil
}

func (r RenderConfig) validate() error {
	for _, p := range r.EMAPeriods {
		if p < 2 {
			return fmt.Errorf("render.ema_periods entries must be >= 2, got %d", p)
		}
	}
	return nil
}

package gateway

import (
	"fmt"
	"strings"
	"time"

	"fibswing/internal/config"
	"fibswing/internal/gateway/binance"
	"fibswing/internal/gateway/yahoo"
	"fibswing/internal/market"
)

// NewSources 按配置创建所有启用的行情源，key 为源名称。
func NewSources(cfg config.MarketConfig) (map[string]market.Source, error) {
	out := make(map[string]market.Source, 2)
	if cfg.Binance.Enabled {
		b := cfg.Binance
		src, err := binance.New(binance.Config{
			RESTBaseURL:  b.RESTBaseURL,
			HTTPTimeout:  time.Duration(b.HTTPTimeoutSeconds) * time.Second,
			ProxyEnabled: b.Proxy.Enabled,
			RESTProxyURL: b.Proxy.RESTURL,
			WSProxyURL:   b.Proxy.WSURL,
			PageLimit:    b.PageLimit,
			CloseGrace:   time.Duration(b.CloseGraceMs) * time.Millisecond,
		})
		if err != nil {
			return nil, fmt.Errorf("binance source: %w", err)
		}
		out[src.Name()] = src
	}
	if cfg.Yahoo.Enabled {
		y := cfg.Yahoo
		src := yahoo.New(yahoo.Config{
			BaseURL:     y.BaseURL,
			HTTPTimeout: time.Duration(y.HTTPTimeoutSeconds) * time.Second,
			UserAgent:   y.UserAgent,
			PollEvery:   y.PollEvery(),
		})
		out[src.Name()] = src
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no market source enabled")
	}
	return out, nil
}

// Pick 返回指定名称的源；name 为空时用 fallback。
func Pick(sources map[string]market.Source, name, fallback string) (market.Source, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		key = strings.ToLower(strings.TrimSpace(fallback))
	}
	src, ok := sources[key]
	if !ok {
		return nil, fmt.Errorf("unsupported market source: %s", key)
	}
	return src, nil
}

// CloseAll 关闭全部行情源，返回第一个错误。
func CloseAll(sources map[string]market.Source) error {
	var first error
	for _, src := range sources {
		if err := src.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

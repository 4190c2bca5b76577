package binance

import (
	"strings"
	"time"
)

type Config struct {
	RESTBaseURL string
	HTTPTimeout time.Duration

	ProxyEnabled bool
	RESTProxyURL string
	WSProxyURL   string

	// PageLimit 是 FetchRange 每页请求的 K 线数量（上限 1500）。
	PageLimit int
	// CloseGrace 收盘后多久才认为最后一根 K 线已完结。
	CloseGrace time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	out.RESTBaseURL = strings.TrimRight(strings.TrimSpace(out.RESTBaseURL), "/")
	if out.RESTBaseURL == "" {
		out.RESTBaseURL = "https://fapi.binance.com"
	}
	if out.HTTPTimeout <= 0 {
		out.HTTPTimeout = 15 * time.Second
	}
	if out.PageLimit <= 0 || out.PageLimit > maxHistoryLimit {
		out.PageLimit = maxHistoryLimit
	}
	if out.CloseGrace < 0 {
		out.CloseGrace = 0
	}
	out.RESTProxyURL = strings.TrimSpace(out.RESTProxyURL)
	out.WSProxyURL = strings.TrimSpace(out.WSProxyURL)
	return out
}

// normalizeSymbol: "BTC/USDT", "btc-usdt" -> "BTCUSDT"。
func normalizeSymbol(sym string) string {
	r := strings.NewReplacer("/", "", "-", "", "_", "", ":", "")
	return strings.ToUpper(r.Replace(strings.TrimSpace(sym)))
}

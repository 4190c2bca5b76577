package yahoo

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"fibswing/internal/logger"
	"fibswing/internal/market"

	"github.com/tidwall/gjson"
)

type Config struct {
	BaseURL     string
	HTTPTimeout time.Duration
	UserAgent   string
	// PollEvery 是 Subscribe 的轮询周期；为 0 时取 interval 与 1 分钟中的较小值。
	PollEvery time.Duration
}

func (c Config) withDefaults() Config {
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if c.BaseURL == "" {
		c.BaseURL = "https://query1.finance.yahoo.com"
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 15 * time.Second
	}
	if c.UserAgent == "" {
		c.UserAgent = "Mozilla/5.0 (fibswing)"
	}
	return c
}

// yahoo chart API 支持的周期
var intervalMap = map[string]string{
	"1m":  "1m",
	"5m":  "5m",
	"15m": "15m",
	"30m": "30m",
	"1h":  "60m",
	"1d":  "1d",
	"1w":  "1wk",
	"1M":  "1mo",
}

// Source 通过 Yahoo Finance v8 chart 接口获取股票/指数 K 线。
type Source struct {
	cfg    Config
	client *http.Client
	now    func() time.Time

	mu      sync.Mutex
	cancels []context.CancelFunc

	statsMu sync.Mutex
	stats   market.SourceStats
}

var _ market.Source = (*Source)(nil)

func New(cfg Config) *Source {
	final := cfg.withDefaults()
	return &Source{
		cfg:    final,
		client: &http.Client{Timeout: final.HTTPTimeout},
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *Source) Name() string { return "yahoo" }

func (s *Source) FetchHistory(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error) {
	if limit <= 0 {
		limit = 100
	}
	iv, err := market.ParseInterval(interval)
	if err != nil {
		return nil, err
	}
	// 日线以上存在休市日，向前多取一倍
	end := s.now().UnixMilli()
	start := end - int64(limit)*2*iv.Millis()
	bars, err := s.FetchRange(ctx, symbol, interval, start, 0)
	if err != nil {
		return nil, err
	}
	if len(bars) > limit {
		bars = bars[len(bars)-limit:]
	}
	return bars, nil
}

func (s *Source) FetchRange(ctx context.Context, symbol, interval string, start, end int64) ([]market.Candle, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	iv, err := market.ParseInterval(interval)
	if err != nil {
		return nil, err
	}
	yiv, ok := intervalMap[iv.Key]
	if !ok {
		return nil, fmt.Errorf("yahoo does not serve interval %s", iv.Key)
	}
	if end <= 0 {
		end = s.now().UnixMilli()
	}
	if end < start {
		return nil, fmt.Errorf("invalid range %d-%d", start, end)
	}
	u, err := url.Parse(s.cfg.BaseURL + "/v8/finance/chart/" + url.PathEscape(symbol))
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("interval", yiv)
	q.Set("period1", strconv.FormatInt(start/1000, 10))
	q.Set("period2", strconv.FormatInt(end/1000+1, 10))
	q.Set("includePrePost", "false")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", s.cfg.UserAgent)
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("yahoo chart %s: %w", symbol, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	bars, err := parseChart(body, iv)
	if err != nil {
		return nil, fmt.Errorf("yahoo chart %s (status %d): %w", symbol, resp.StatusCode, err)
	}
	out := bars[:0]
	for _, b := range bars {
		if b.OpenTime < start || b.OpenTime > end {
			continue
		}
		out = append(out, b)
	}
	return s.dropUnclosed(out), nil
}

// parseChart 解析 chart.result[0]，跳过价格为 null 的行。
func parseChart(body []byte, iv market.Interval) ([]market.Candle, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("json 格式无效")
	}
	root := gjson.ParseBytes(body)
	if e := root.Get("chart.error"); e.Exists() && e.Type != gjson.Null {
		return nil, fmt.Errorf("%s: %s", e.Get("code").String(), e.Get("description").String())
	}
	result := root.Get("chart.result.0")
	if !result.Exists() {
		return nil, fmt.Errorf("chart.result 为空")
	}
	ts := result.Get("timestamp").Array()
	quote := result.Get("indicators.quote.0")
	opens := quote.Get("open").Array()
	highs := quote.Get("high").Array()
	lows := quote.Get("low").Array()
	closes := quote.Get("close").Array()
	volumes := quote.Get("volume").Array()

	out := make([]market.Candle, 0, len(ts))
	for i, t := range ts {
		if i >= len(closes) || i >= len(opens) || i >= len(highs) || i >= len(lows) {
			break
		}
		if closes[i].Type == gjson.Null || highs[i].Type == gjson.Null || lows[i].Type == gjson.Null {
			continue
		}
		open := t.Int() * 1000
		var vol float64
		if i < len(volumes) {
			vol = volumes[i].Float()
		}
		out = append(out, market.Candle{
			OpenTime:  open,
			CloseTime: closeTime(iv, open),
			Open:      opens[i].Float(),
			High:      highs[i].Float(),
			Low:       lows[i].Float(),
			Close:     closes[i].Float(),
			Volume:    vol,
		})
	}
	return out, nil
}

func closeTime(iv market.Interval, open int64) int64 {
	if iv.Monthly {
		return iv.NextBucket(open) - 1
	}
	return open + iv.Millis() - 1
}

func (s *Source) dropUnclosed(bars []market.Candle) []market.Candle {
	if len(bars) == 0 {
		return bars
	}
	if s.now().UnixMilli() <= bars[len(bars)-1].CloseTime {
		return bars[:len(bars)-1]
	}
	return bars
}

// Subscribe 轮询 chart 接口，推送新收盘的 K 线。
func (s *Source) Subscribe(ctx context.Context, symbol, interval string, opts market.SubscribeOptions) (<-chan market.CandleEvent, error) {
	iv, err := market.ParseInterval(interval)
	if err != nil {
		return nil, err
	}
	if _, ok := intervalMap[iv.Key]; !ok {
		return nil, fmt.Errorf("yahoo does not serve interval %s", iv.Key)
	}
	every := s.cfg.PollEvery
	if every <= 0 {
		every = min(iv.Duration, time.Minute)
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 16
	}
	out := make(chan market.CandleEvent, buffer)
	subCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancels = append(s.cancels, cancel)
	s.mu.Unlock()

	sym := strings.ToUpper(strings.TrimSpace(symbol))
	go func() {
		defer close(out)
		if opts.OnConnect != nil {
			opts.OnConnect()
		}
		var lastOpen int64
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			bars, err := s.FetchHistory(subCtx, sym, iv.Key, 3)
			if err != nil {
				if subCtx.Err() != nil {
					return
				}
				s.recordError(err)
				logger.Warnf("[yahoo] poll %s %s 失败: %v", sym, iv.Key, err)
				if opts.OnDisconnect != nil {
					opts.OnDisconnect(err)
				}
			}
			for _, b := range bars {
				if lastOpen == 0 && len(bars) > 0 {
					// 首次轮询只记录游标，不回放历史
					lastOpen = bars[len(bars)-1].OpenTime
					break
				}
				if b.OpenTime <= lastOpen {
					continue
				}
				lastOpen = b.OpenTime
				select {
				case out <- market.CandleEvent{Symbol: sym, Interval: iv.Key, Candle: b, Closed: true}:
				case <-subCtx.Done():
					return
				}
			}
			select {
			case <-subCtx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out, nil
}

func (s *Source) recordError(err error) {
	s.statsMu.Lock()
	s.stats.SubscribeErrors++
	s.stats.LastError = err.Error()
	s.statsMu.Unlock()
}

func (s *Source) Stats() market.SourceStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cancel := range s.cancels {
		cancel()
	}
	s.cancels = nil
	return nil
}

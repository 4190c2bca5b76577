package binance

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"fibswing/internal/logger"
	"fibswing/internal/market"

	"github.com/adshao/go-binance/v2/futures"
)

const maxHistoryLimit = 1500

// Source 基于 go-binance SDK 实现 market.Source（USDT 永续）。
type Source struct {
	cfg    Config
	client *futures.Client
	now    func() time.Time

	mu      sync.Mutex
	cancels []context.CancelFunc

	statsMu sync.Mutex
	stats   market.SourceStats
}

var _ market.Source = (*Source)(nil)

func New(cfg Config) (*Source, error) {
	final := cfg.withDefaults()
	client := futures.NewClient("", "")
	client.BaseURL = final.RESTBaseURL
	httpClient := &http.Client{Timeout: final.HTTPTimeout}
	if final.ProxyEnabled && final.RESTProxyURL != "" {
		proxyURL, err := url.Parse(final.RESTProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REST proxy url: %w", err)
		}
		baseTransport, ok := http.DefaultTransport.(*http.Transport)
		if !ok || baseTransport == nil {
			return nil, fmt.Errorf("http DefaultTransport is not *http.Transport")
		}
		transport := baseTransport.Clone()
		transport.Proxy = http.ProxyURL(proxyURL)
		httpClient.Transport = transport
	}
	client.HTTPClient = httpClient
	if final.ProxyEnabled {
		wsProxy := final.WSProxyURL
		if wsProxy == "" {
			wsProxy = final.RESTProxyURL
		}
		if wsProxy != "" {
			futures.SetWsProxyUrl(wsProxy)
		}
	}
	return &Source{
		cfg:    final,
		client: client,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *Source) Name() string { return "binance" }

func (s *Source) FetchHistory(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	sym, iv, err := s.normalize(symbol, interval)
	if err != nil {
		return nil, err
	}
	// 多取一根，抵消被丢弃的未收盘 K 线
	req := limit + 1
	if req > maxHistoryLimit {
		req = maxHistoryLimit
	}
	kls, err := s.client.NewKlinesService().Symbol(sym).Interval(iv.Key).Limit(req).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance klines %s %s: %w", sym, iv.Key, err)
	}
	out := s.dropUnclosed(convertKlines(kls), iv)
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// FetchRange 以 startTime 翻页拉取 [start, end] 内的 K 线。
func (s *Source) FetchRange(ctx context.Context, symbol, interval string, start, end int64) ([]market.Candle, error) {
	sym, iv, err := s.normalize(symbol, interval)
	if err != nil {
		return nil, err
	}
	if end > 0 && end < start {
		return nil, fmt.Errorf("invalid range %d-%d", start, end)
	}
	var out []market.Candle
	cursor := start
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		svc := s.client.NewKlinesService().Symbol(sym).Interval(iv.Key).Limit(s.cfg.PageLimit).StartTime(cursor)
		if end > 0 {
			svc = svc.EndTime(end)
		}
		kls, err := svc.Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("binance klines %s %s from %d: %w", sym, iv.Key, cursor, err)
		}
		page := convertKlines(kls)
		if len(page) == 0 {
			break
		}
		for _, c := range page {
			if c.OpenTime < cursor || (end > 0 && c.OpenTime > end) {
				continue
			}
			out = append(out, c)
		}
		last := page[len(page)-1].OpenTime
		if len(page) < s.cfg.PageLimit || last < cursor {
			break
		}
		cursor = last + 1
		if end > 0 && cursor > end {
			break
		}
	}
	return s.dropUnclosed(out, iv), nil
}

// Subscribe 订阅单个 symbol/interval 的 K 线流，只推送已收盘的 K 线。
func (s *Source) Subscribe(ctx context.Context, symbol, interval string, opts market.SubscribeOptions) (<-chan market.CandleEvent, error) {
	sym, iv, err := s.normalize(symbol, interval)
	if err != nil {
		return nil, err
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	out := make(chan market.CandleEvent, buffer)
	subCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.cancels = append(s.cancels, cancel)
	s.mu.Unlock()

	mapping := map[string][]string{sym: {iv.Key}}
	go func() {
		defer close(out)
		s.runKlineLoop(subCtx, mapping, out, opts)
	}()
	return out, nil
}

func (s *Source) runKlineLoop(ctx context.Context, mapping map[string][]string, out chan<- market.CandleEvent, opts market.SubscribeOptions) {
	delay := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		var errMu sync.Mutex
		var lastErr error
		handler := func(event *futures.WsKlineEvent) {
			ce, ok := convertKlineEvent(event)
			if !ok || !ce.Closed {
				return
			}
			select {
			case <-ctx.Done():
				return
			case out <- ce:
			default:
				logger.Warnf("[binance] kline channel full, drop %s %s", ce.Symbol, ce.Interval)
			}
		}
		errHandler := func(err error) {
			if err == nil {
				return
			}
			errMu.Lock()
			lastErr = err
			errMu.Unlock()
		}
		doneC, stopC, err := futures.WsCombinedKlineServeMultiInterval(mapping, handler, errHandler)
		if err != nil {
			s.recordSubscribeError(err)
			if opts.OnDisconnect != nil {
				opts.OnDisconnect(err)
			}
			if !sleepWithContext(ctx, delay) {
				return
			}
			delay = nextDelay(delay)
			continue
		}
		delay = time.Second
		if opts.OnConnect != nil {
			opts.OnConnect()
		}
		select {
		case <-ctx.Done():
			close(stopC)
			<-doneC
			return
		case <-doneC:
		}
		close(stopC)
		errMu.Lock()
		errCopy := lastErr
		errMu.Unlock()
		s.recordReconnect(errCopy)
		if opts.OnDisconnect != nil {
			opts.OnDisconnect(errCopy)
		}
		if !sleepWithContext(ctx, delay) {
			return
		}
		delay = nextDelay(delay)
	}
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

func (s *Source) normalize(symbol, interval string) (string, market.Interval, error) {
	sym := normalizeSymbol(symbol)
	if sym == "" {
		return "", market.Interval{}, fmt.Errorf("symbol is required")
	}
	iv, err := market.ParseInterval(interval)
	if err != nil {
		return "", market.Interval{}, err
	}
	return sym, iv, nil
}

// dropUnclosed 丢弃仍在形成中的最后一根 K 线。
func (s *Source) dropUnclosed(klines []market.Candle, iv market.Interval) []market.Candle {
	if len(klines) == 0 {
		return klines
	}
	last := klines[len(klines)-1]
	closeMs := last.CloseTime
	if closeMs <= 0 {
		closeMs = iv.NextBucket(last.OpenTime) - 1
	}
	if s.now().UnixMilli() < closeMs+s.cfg.CloseGrace.Milliseconds() {
		return klines[:len(klines)-1]
	}
	return klines
}

func convertKlines(kls []*futures.Kline) []market.Candle {
	out := make([]market.Candle, 0, len(kls))
	for _, kl := range kls {
		if kl == nil {
			continue
		}
		out = append(out, market.Candle{
			OpenTime:  kl.OpenTime,
			CloseTime: kl.CloseTime,
			Open:      parseFloat(kl.Open),
			High:      parseFloat(kl.High),
			Low:       parseFloat(kl.Low),
			Close:     parseFloat(kl.Close),
			Volume:    parseFloat(kl.Volume),
			Trades:    kl.TradeNum,
		})
	}
	return out
}

func parseFloat(v string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(v), 64)
	return f
}

func convertKlineEvent(ev *futures.WsKlineEvent) (market.CandleEvent, bool) {
	if ev == nil {
		return market.CandleEvent{}, false
	}
	c := market.Candle{
		OpenTime:  ev.Kline.StartTime,
		CloseTime: ev.Kline.EndTime,
		Open:      parseFloat(ev.Kline.Open),
		High:      parseFloat(ev.Kline.High),
		Low:       parseFloat(ev.Kline.Low),
		Close:     parseFloat(ev.Kline.Close),
		Volume:    parseFloat(ev.Kline.Volume),
		Trades:    ev.Kline.TradeNum,
	}
	symbol := strings.ToUpper(strings.TrimSpace(ev.Symbol))
	interval := strings.TrimSpace(ev.Kline.Interval)
	if symbol == "" || interval == "" {
		return market.CandleEvent{}, false
	}
	return market.CandleEvent{Symbol: symbol, Interval: interval, Candle: c, Closed: ev.Kline.IsFinal}, true
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = time.Second
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func nextDelay(current time.Duration) time.Duration {
	if current <= 0 {
		return time.Second
	}
	next := current * 2
	if next > 30*time.Second {
		next = 30 * time.Second
	}
	return next
}

func (s *Source) recordSubscribeError(err error) {
	if err == nil {
		return
	}
	s.statsMu.Lock()
	s.stats.SubscribeErrors++
	s.stats.LastError = err.Error()
	s.statsMu.Unlock()
}

func (s *Source) recordReconnect(err error) {
	s.statsMu.Lock()
	s.stats.Reconnects++
	if err != nil && err.Error() != "" {
		s.stats.LastError = err.Error()
	}
	s.statsMu.Unlock()
}

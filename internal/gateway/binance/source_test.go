package binance

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"fibswing/internal/market"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const hourMs = int64(3_600_000)

func klineServer(t *testing.T, start int64, n int) (*httptest.Server, *int) {
	t.Helper()
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fapi/v1/klines", r.URL.Path)
		calls++
		q := r.URL.Query()
		assert.Equal(t, "BTCUSDT", q.Get("symbol"))
		assert.Equal(t, "1h", q.Get("interval"))
		limit, _ := strconv.Atoi(q.Get("limit"))
		from, _ := strconv.ParseInt(q.Get("startTime"), 10, 64)
		rows := make([][]any, 0)
		for i := 0; i < n; i++ {
			open := start + int64(i)*hourMs
			if open < from {
				continue
			}
			if q.Get("startTime") == "" && i < n-limit {
				continue
			}
			if len(rows) == limit {
				break
			}
			px := strconv.Itoa(100 + i)
			rows = append(rows, []any{open, px, px, px, px, "1.5", open + hourMs - 1, "150", 7, "0.7", "70", "0"})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(rows)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newTestSource(t *testing.T, baseURL string, now time.Time) *Source {
	t.Helper()
	src, err := New(Config{RESTBaseURL: baseURL, PageLimit: 2})
	require.NoError(t, err)
	src.now = func() time.Time { return now }
	return src
}

func TestFetchRangePages(t *testing.T) {
	start := int64(1_700_000_000_000) / hourMs * hourMs
	srv, calls := klineServer(t, start, 5)
	src := newTestSource(t, srv.URL, time.UnixMilli(start+100*hourMs))

	bars, err := src.FetchRange(context.Background(), "btc/usdt", "1h", start, 0)
	require.NoError(t, err)
	require.Len(t, bars, 5)
	assert.Equal(t, 3, *calls)
	for i, b := range bars {
		assert.Equal(t, start+int64(i)*hourMs, b.OpenTime)
		assert.Equal(t, float64(100+i), b.Close)
		assert.Equal(t, int64(7), b.Trades)
	}
}

func TestFetchHistoryDropsUnclosedBar(t *testing.T) {
	start := int64(1_700_000_000_000) / hourMs * hourMs
	srv, _ := klineServer(t, start, 4)
	// the last bar opened 10 minutes ago
	now := time.UnixMilli(start + 3*hourMs + 10*60*1000)
	src := newTestSource(t, srv.URL, now)

	bars, err := src.FetchHistory(context.Background(), "BTCUSDT", "1h", 3)
	require.NoError(t, err)
	require.Len(t, bars, 3)
	assert.Equal(t, start+2*hourMs, bars[2].OpenTime)
}

func TestFetchRejectsBadInput(t *testing.T) {
	src := newTestSource(t, "http://127.0.0.1:1", time.Now())
	_, err := src.FetchHistory(context.Background(), "", "1h", 10)
	assert.Error(t, err)
	_, err = src.FetchRange(context.Background(), "BTCUSDT", "7h", 0, 0)
	assert.Error(t, err)
}

func TestConvertKlineEvent(t *testing.T) {
	ev := &futures.WsKlineEvent{Symbol: "btcusdt"}
	ev.Kline.StartTime = 1
	ev.Kline.EndTime = 2
	ev.Kline.Interval = "1h"
	ev.Kline.Close = "101.5"
	ev.Kline.IsFinal = true
	ce, ok := convertKlineEvent(ev)
	require.True(t, ok)
	assert.Equal(t, "BTCUSDT", ce.Symbol)
	assert.True(t, ce.Closed)
	assert.Equal(t, 101.5, ce.Candle.Close)

	_, ok = convertKlineEvent(nil)
	assert.False(t, ok)
}

func TestNormalizeSymbol(t *testing.T) {
	assert.Equal(t, "ETHUSDT", normalizeSymbol(" eth/usdt "))
	assert.Equal(t, "ETHUSDT", normalizeSymbol("ETH-USDT"))
}

func TestNextDelayCaps(t *testing.T) {
	d := time.Second
	for i := 0; i < 10; i++ {
		d = nextDelay(d)
	}
	assert.Equal(t, 30*time.Second, d)
}

var _ market.Source = (*Source)(nil)

package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"fibswing/internal/config"
	"fibswing/internal/market"
	"fibswing/internal/strategy/fib"
	"fibswing/internal/strategy/mtf"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

type stubSource struct {
	bars []market.Candle
}

func (s *stubSource) Name() string { return "yahoo" }

func (s *stubSource) FetchHistory(context.Context, string, string, int) ([]market.Candle, error) {
	return s.bars, nil
}

func (s *stubSource) FetchRange(context.Context, string, string, int64, int64) ([]market.Candle, error) {
	return nil, errors.New("offline")
}

func (s *stubSource) Subscribe(context.Context, string, string, market.SubscribeOptions) (<-chan market.CandleEvent, error) {
	ch := make(chan market.CandleEvent)
	close(ch)
	return ch, nil
}

func (s *stubSource) Stats() market.SourceStats { return market.SourceStats{} }
func (s *stubSource) Close() error              { return nil }

func upSwing() []market.Candle {
	return []market.Candle{
		{OpenTime: 1000, CloseTime: 1999, Open: 101, High: 102, Low: 100, Close: 101},
		{OpenTime: 2000, CloseTime: 2999, Open: 128, High: 130, Low: 101, Close: 128},
		{OpenTime: 3000, CloseTime: 3999, Open: 148, High: 150, Low: 128, Close: 148},
	}
}

func loadTestConfig(t *testing.T, lookback int) (*config.Config, string) {
	t.Helper()
	dir := t.TempDir()
	body := fmt.Sprintf(`app:
  http_addr: 127.0.0.1:0
strategy:
  lookback: %d
market:
  active_source: yahoo
  binance:
    enabled: false
  yahoo:
    enabled: true
backtest:
  data_dir: %s
  results_db: %s
multi_timeframe:
  limit: 10
live:
  enabled: true
  symbol: btcusdt
  interval: 1h
  hot_reload: false
`, lookback, filepath.Join(dir, "candles"), filepath.Join(dir, "results.db"))
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg, path
}

func buildTestApp(t *testing.T) *App {
	t.Helper()
	cfg, path := loadTestConfig(t, 3)
	src := &stubSource{bars: upSwing()}
	a, err := NewAppBuilder(cfg, path, WithSources(func(config.MarketConfig) (map[string]market.Source, error) {
		return map[string]market.Source{"yahoo": src}, nil
	})).Build(context.Background())
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func serve(a *App, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)
	return rec
}

func TestBuildWiresServices(t *testing.T) {
	a := buildTestApp(t)
	require.NotNil(t, a.Runner())
	require.NotNil(t, a.Simulator())
	require.NotNil(t, a.Fetcher())
	assert.Equal(t, 3, a.Params().Lookback)

	rec := serve(a, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(a, http.MethodGet, "/api/live/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "BTCUSDT", gjson.Get(rec.Body.String(), "status.symbol").String())

	rec = serve(a, http.MethodGet, "/api/align?symbol=btcusdt", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, gjson.Get(rec.Body.String(), "alignment.aligned").Bool())
	assert.InDelta(t, 119.1, gjson.Get(rec.Body.String(), "alignment.levels.entry").Float(), 1e-9)
}

func TestBuildRequiresConfig(t *testing.T) {
	_, err := NewAppBuilder(nil, "").Build(context.Background())
	assert.Error(t, err)
	_, err = NewApp(nil, "")
	assert.Error(t, err)
}

func TestApplyConfigUpdatesParams(t *testing.T) {
	a := buildTestApp(t)
	next, _ := loadTestConfig(t, 5)
	a.applyConfig(next)

	assert.Equal(t, 5, a.Params().Lookback)
	assert.Equal(t, 5, a.Runner().Status().Params.Lookback)

	// lookback 5 大于数据源返回的 3 根，多周期对齐随之失败
	res, err := a.Aligner().Fetch(context.Background(), "BTCUSDT", mtf.Timeframes{Coarse: "1d", Medium: "4h", Fine: "1h"})
	require.NoError(t, err)
	assert.False(t, res.Aligned)
	assert.ErrorIs(t, res.Frames[0].Err, fib.ErrInsufficientData)
}

func TestStartupSummaryLines(t *testing.T) {
	a := buildTestApp(t)
	lines := a.Summary.Lines()
	assert.Contains(t, lines, "  回看窗口: 3")
	assert.Contains(t, lines, "  已启用: yahoo")
	assert.Contains(t, lines, "  BTCUSDT 1h @yahoo")
}

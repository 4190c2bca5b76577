package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"fibswing/internal/strategy/fib"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", "app:\n  log_level: debug\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.App.LogLevel)
	assert.Equal(t, ":9991", cfg.App.HTTPAddr)
	assert.Equal(t, fib.DefaultParams(), cfg.Strategy.Params())
	assert.Equal(t, "binance", cfg.Market.ActiveSource)
	assert.True(t, cfg.Market.Yahoo.Enabled)
	assert.Equal(t, "binance", cfg.Backtest.Source)
	assert.Equal(t, 0.0005, cfg.Backtest.Commission)
	assert.Equal(t, "4h", cfg.MultiTimeframe.Medium)
	assert.Equal(t, []int{21, 55}, cfg.Render.EMAPeriods)
	assert.True(t, cfg.Live.HotReload)
}

func TestLoadIncludesOverrideInOrder(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", "strategy:\n  lookback: 30\n  target: swing\nbacktest:\n  interval: 4h\n")
	path := writeFile(t, dir, "config.yaml", "include:\n  - base.yaml\nstrategy:\n  lookback: 40\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 40, cfg.Strategy.Lookback, "main file wins over include")
	assert.Equal(t, fib.TargetSwing, cfg.Strategy.Params().TargetMode)
	assert.Equal(t, "4h", cfg.Backtest.Interval)
}

func TestLoadIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "include:\n  - b.yaml\n")
	writeFile(t, dir, "b.yaml", "include:\n  - a.yaml\n")
	_, err := Load(filepath.Join(dir, "a.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestLoadRejectsInvalidStrategy(t *testing.T) {
	cases := map[string]struct {
		body string
		key  string
	}{
		"retrace above stop":     {"strategy:\n  retrace: 0.8\n  stop_level: 0.7\n", "strategy.retrace/stop_level"},
		"explicit zero lookback": {"strategy:\n  lookback: 0\n", "strategy.lookback"},
		"risk above one":         {"strategy:\n  risk_per_trade: 1.5\n", "strategy.risk_per_trade"},
		"unknown target":         {"strategy:\n  target: moon\n", "strategy.target"},
		"stop out of range":      {"strategy:\n  stop_level: 1.2\n", "strategy.stop_level"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "config.yaml", tc.body)
			_, err := Load(path)
			require.Error(t, err)
			assert.True(t, errors.Is(err, fib.ErrInvalidConfiguration))
			assert.Contains(t, err.Error(), tc.key)
		})
	}
}

func TestLoadRejectsBadInfra(t *testing.T) {
	cases := map[string]string{
		"no sources":        "market:\n  binance:\n    enabled: false\n  yahoo:\n    enabled: false\n",
		"disabled active":   "market:\n  active_source: yahoo\n  yahoo:\n    enabled: false\n",
		"mtf order":         "multi_timeframe:\n  coarse: 1h\n  medium: 4h\n  fine: 1d\n",
		"mtf limit":         "multi_timeframe:\n  limit: 10\n",
		"live needs symbol": "live:\n  enabled: true\n  symbol: \"\"\n",
		"bad interval":      "backtest:\n  interval: 7x\n",
		"ema period":        "render:\n  ema_periods: [1]\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "config.yaml", body)
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadShippedConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 60, cfg.Strategy.Lookback)
	assert.Equal(t, "1h", cfg.MultiTimeframe.Fine)
}

func TestPathFromEnv(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	assert.Equal(t, DefaultPath, PathFromEnv())
	t.Setenv(EnvConfigPath, "/etc/fibswing.yaml")
	assert.Equal(t, "/etc/fibswing.yaml", PathFromEnv())
}

func TestWatchReloadsValidChanges(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", "strategy:\n  lookback: 20\n")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var lookback atomic.Int64
	require.NoError(t, Watch(ctx, path, func(cfg *Config) {
		lookback.Store(int64(cfg.Strategy.Lookback))
	}))

	// 无效版本被忽略
	require.NoError(t, os.WriteFile(path, []byte("strategy:\n  lookback: 1\n"), 0o644))
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, int64(0), lookback.Load())

	require.NoError(t, os.WriteFile(path, []byte("strategy:\n  lookback: 25\n"), 0o644))
	assert.Eventually(t, func() bool { return lookback.Load() == 25 }, 5*time.Second, 50*time.Millisecond)
}

package backtest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"fibswing/internal/market"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource 按请求区间生成整点 K 线，skip 中的小时不返回。
type fakeSource struct {
	mu    sync.Mutex
	calls [][2]int64
	skip  map[int]bool
	err   error
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) FetchHistory(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error) {
	return nil, errors.New("not used")
}

func (f *fakeSource) FetchRange(ctx context.Context, symbol, interval string, start, end int64) ([]market.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, [2]int64{start, end})
	if f.err != nil {
		return nil, f.err
	}
	var out []market.Candle
	for ts := start; ts <= end; ts += hourMs {
		i := int((ts - baseMs) / hourMs)
		if f.skip[i] {
			continue
		}
		out = append(out, hourBar(i, 101, 99, 100))
	}
	return out, nil
}

func (f *fakeSource) Subscribe(ctx context.Context, symbol, interval string, opts market.SubscribeOptions) (<-chan market.CandleEvent, error) {
	return nil, errors.New("not used")
}

func (f *fakeSource) Stats() market.SourceStats { return market.SourceStats{} }

func (f *fakeSource) Close() error { return nil }

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestFetcher(t *testing.T, src *fakeSource) *Fetcher {
	t.Helper()
	f, err := NewFetcher(FetcherConfig{
		Store:           newTestStore(t),
		Sources:         map[string]market.Source{"fake": src},
		RateLimitPerMin: 60_000,
		MaxBatch:        4,
	})
	require.NoError(t, err)
	return f
}

func TestFetcherSyncFillsGapsInBatches(t *testing.T) {
	src := &fakeSource{}
	f := newTestFetcher(t, src)
	ctx := context.Background()
	params := FetchParams{Symbol: "btcusdt", Interval: "1h", Start: baseMs, End: baseMs + 9*hourMs}

	job, err := f.Sync(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, JobStatusDone, job.Status)
	assert.Equal(t, int64(10), job.Total)
	assert.Equal(t, int64(10), job.Completed)
	assert.Empty(t, job.Missing)
	assert.Equal(t, 3, src.callCount(), "10 bars in batches of 4")
	assert.Equal(t, "fake", job.Params.Source, "default source picked")

	// 第二次无缺口，不再请求
	job, err = f.Sync(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, JobStatusDone, job.Status)
	assert.Equal(t, 3, src.callCount())

	bars, err := f.Store().RangeCandles(ctx, "BTCUSDT", "1h", baseMs, baseMs+9*hourMs)
	require.NoError(t, err)
	assert.Len(t, bars, 10)
}

func TestFetcherPartialWhenSourceHasHoles(t *testing.T) {
	src := &fakeSource{skip: map[int]bool{2: true, 3: true}}
	f := newTestFetcher(t, src)
	job, err := f.Sync(context.Background(), FetchParams{Symbol: "BTCUSDT", Interval: "1h", Start: baseMs, End: baseMs + 5*hourMs})
	require.NoError(t, err)
	assert.Equal(t, JobStatusPartial, job.Status)
	require.Len(t, job.Missing, 1)
	assert.Equal(t, Gap{From: baseMs + 2*hourMs, To: baseMs + 3*hourMs}, job.Missing[0])
	assert.Equal(t, int64(4), job.Completed)
}

func TestFetcherSyncSourceError(t *testing.T) {
	src := &fakeSource{err: errors.New("boom")}
	f := newTestFetcher(t, src)
	job, err := f.Sync(context.Background(), FetchParams{Symbol: "BTCUSDT", Interval: "1h", Start: baseMs, End: baseMs + hourMs})
	require.Error(t, err)
	assert.Equal(t, JobStatusFailed, job.Status)
	assert.Contains(t, job.Message, "boom")
}

func TestFetcherSubmitRunsInBackground(t *testing.T) {
	src := &fakeSource{}
	f := newTestFetcher(t, src)
	job, err := f.Submit(FetchParams{Symbol: "BTCUSDT", Interval: "1h", Start: baseMs, End: baseMs + 3*hourMs})
	require.NoError(t, err)
	require.NotEmpty(t, job.ID)

	assert.Eventually(t, func() bool {
		got, ok := f.Job(job.ID)
		return ok && got.Status == JobStatusDone
	}, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, f.Jobs(), 1)
}

func TestFetcherRejectsBadParams(t *testing.T) {
	f := newTestFetcher(t, &fakeSource{})
	_, err := f.Sync(context.Background(), FetchParams{Symbol: "", Interval: "1h", Start: baseMs, End: baseMs + hourMs})
	assert.Error(t, err)
	_, err = f.Sync(context.Background(), FetchParams{Symbol: "BTCUSDT", Interval: "1h", Source: "nope", Start: baseMs, End: baseMs + hourMs})
	assert.Error(t, err)
	_, err = f.Sync(context.Background(), FetchParams{Symbol: "BTCUSDT", Interval: "1h", Start: baseMs, End: baseMs})
	assert.Error(t, err)
}

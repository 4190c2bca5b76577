package market

import "context"

// CandleEvent 是订阅推送的单根 K 线；Closed=false 表示仍在形成中。
type CandleEvent struct {
	Symbol   string
	Interval string
	Candle   Candle
	Closed   bool
}

type SubscribeOptions struct {
	Buffer       int
	OnConnect    func()
	OnDisconnect func(error)
}

type SourceStats struct {
	Reconnects      int
	SubscribeErrors int
	LastError       string
}

// Source 是行情数据的边界：历史拉取 + 实时订阅。
type Source interface {
	Name() string

	// FetchHistory 返回最近 limit 根已收盘 K 线，按 open_time 升序。
	FetchHistory(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)

	// FetchRange 返回 [start, end]（毫秒，按 open_time 闭区间）内的 K 线；end=0 表示不限。
	FetchRange(ctx context.Context, symbol, interval string, start, end int64) ([]Candle, error)

	Subscribe(ctx context.Context, symbol, interval string, opts SubscribeOptions) (<-chan CandleEvent, error)

	Stats() SourceStats

	Close() error
}

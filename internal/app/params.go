package app

import (
	"context"
	"sync"

	"fibswing/internal/market"
	"fibswing/internal/strategy/fib"
	"fibswing/internal/strategy/mtf"
)

// paramStore 保存当前策略参数，配置热更新时整体替换。
type paramStore struct {
	mu sync.RWMutex
	p  fib.Params
}

func newParamStore(p fib.Params) *paramStore {
	return &paramStore{p: p}
}

func (s *paramStore) Get() fib.Params {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.p
}

func (s *paramStore) Set(p fib.Params) {
	s.mu.Lock()
	s.p = p
	s.mu.Unlock()
}

// AlignService 每次请求按当前参数构造 mtf.Analyzer，保证热更新后立即生效。
type AlignService struct {
	source market.Source
	params func() fib.Params
	limit  int
}

func newAlignService(src market.Source, params func() fib.Params, limit int) *AlignService {
	return &AlignService{source: src, params: params, limit: limit}
}

func (s *AlignService) Source() market.Source { return s.source }

func (s *AlignService) Fetch(ctx context.Context, symbol string, tf mtf.Timeframes) (mtf.Alignment, error) {
	analyzer, err := mtf.NewAnalyzer(s.source, s.params(), s.limit)
	if err != nil {
		return mtf.Alignment{}, err
	}
	return analyzer.Fetch(ctx, symbol, tf)
}

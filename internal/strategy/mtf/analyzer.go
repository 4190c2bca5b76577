package mtf

import (
	"context"
	"errors"
	"fmt"

	"fibswing/internal/logger"
	"fibswing/internal/market"
	"fibswing/internal/strategy/fib"

	"golang.org/x/sync/errgroup"
)

// Timeframes names the three intervals, coarsest first.
type Timeframes struct {
	Coarse string `json:"coarse"`
	Medium string `json:"medium"`
	Fine   string `json:"fine"`
}

func (tf Timeframes) parse() ([3]market.Interval, error) {
	var out [3]market.Interval
	for i, key := range []string{tf.Coarse, tf.Medium, tf.Fine} {
		iv, err := market.ParseInterval(key)
		if err != nil {
			return out, err
		}
		out[i] = iv
	}
	if out[0].Duration < out[1].Duration || out[1].Duration < out[2].Duration {
		return out, fmt.Errorf("timeframes must go coarse to fine: %s/%s/%s", tf.Coarse, tf.Medium, tf.Fine)
	}
	return out, nil
}

// Validate checks that all intervals parse and are ordered coarse to fine.
func (tf Timeframes) Validate() error {
	_, err := tf.parse()
	return err
}

// Analyzer gathers the three series for Align, either from a Source or by
// resampling one fine series.
type Analyzer struct {
	source market.Source
	params fib.Params
	limit  int
}

// NewAnalyzer: limit is the number of bars fetched per frame; it must cover
// the lookback.
func NewAnalyzer(src market.Source, p fib.Params, limit int) (*Analyzer, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if limit < p.Lookback {
		limit = p.Lookback
	}
	return &Analyzer{source: src, params: p, limit: limit}, nil
}

func (a *Analyzer) Params() fib.Params { return a.params }

// Fetch pulls the three intervals concurrently and aligns them.
func (a *Analyzer) Fetch(ctx context.Context, symbol string, tf Timeframes) (Alignment, error) {
	if a.source == nil {
		return Alignment{}, errors.New("mtf: analyzer has no source")
	}
	if err := tf.Validate(); err != nil {
		return Alignment{}, err
	}
	keys := []string{tf.Coarse, tf.Medium, tf.Fine}
	frames := make([]Frame, len(keys))
	group, gctx := errgroup.WithContext(ctx)
	for i, key := range keys {
		i, key := i, key
		group.Go(func() error {
			bars, err := a.source.FetchHistory(gctx, symbol, key, a.limit)
			if err != nil {
				return fmt.Errorf("fetch %s %s: %w", symbol, key, err)
			}
			frames[i] = Frame{Interval: key, Bars: bars}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return Alignment{}, err
	}
	res := Align(frames[0], frames[1], frames[2], a.params)
	logger.Debugf("[mtf] %s %s/%s/%s aligned=%v %s", symbol, tf.Coarse, tf.Medium, tf.Fine, res.Aligned, res.Reason)
	return res, nil
}

// Resampled builds medium and coarse frames from the fine series.
func (a *Analyzer) Resampled(fine []market.Candle, tf Timeframes) (Alignment, error) {
	ivs, err := tf.parse()
	if err != nil {
		return Alignment{}, err
	}
	return Align(
		Frame{Interval: tf.Coarse, Bars: market.Resample(fine, ivs[0])},
		Frame{Interval: tf.Medium, Bars: market.Resample(fine, ivs[1])},
		Frame{Interval: tf.Fine, Bars: fine},
		a.params,
	), nil
}

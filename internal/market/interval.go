package market

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Interval 描述一个 K 线周期：固定时长，或按自然月切分。
type Interval struct {
	Key      string
	Duration time.Duration
	Monthly  bool
}

const (
	day  = 24 * time.Hour
	week = 7 * day
	// 1970-01-01 是周四，周线以周一 00:00 UTC 为起点。
	weekOffset = 4 * day
)

var supportedIntervals = map[string]Interval{
	"1m":  {Key: "1m", Duration: time.Minute},
	"3m":  {Key: "3m", Duration: 3 * time.Minute},
	"5m":  {Key: "5m", Duration: 5 * time.Minute},
	"15m": {Key: "15m", Duration: 15 * time.Minute},
	"30m": {Key: "30m", Duration: 30 * time.Minute},
	"1h":  {Key: "1h", Duration: time.Hour},
	"2h":  {Key: "2h", Duration: 2 * time.Hour},
	"4h":  {Key: "4h", Duration: 4 * time.Hour},
	"6h":  {Key: "6h", Duration: 6 * time.Hour},
	"8h":  {Key: "8h", Duration: 8 * time.Hour},
	"12h": {Key: "12h", Duration: 12 * time.Hour},
	"1d":  {Key: "1d", Duration: day},
	"3d":  {Key: "3d", Duration: 3 * day},
	"1w":  {Key: "1w", Duration: week},
	"1M":  {Key: "1M", Duration: 30 * day, Monthly: true},
}

// ParseInterval 返回标准化周期；"1M" 区分大小写表示月线，"1mo" 亦可。
func ParseInterval(input string) (Interval, error) {
	raw := strings.TrimSpace(input)
	if raw == "1M" || strings.EqualFold(raw, "1mo") {
		return supportedIntervals["1M"], nil
	}
	key := strings.ToLower(raw)
	if key == "1wk" {
		key = "1w"
	}
	iv, ok := supportedIntervals[key]
	if !ok {
		return Interval{}, fmt.Errorf("unsupported interval: %q", input)
	}
	return iv, nil
}

// SupportedIntervals 返回所有支持的 key（按时长排序）。
func SupportedIntervals() []string {
	keys := make([]string, 0, len(supportedIntervals))
	for k := range supportedIntervals {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return supportedIntervals[keys[i]].Duration < supportedIntervals[keys[j]].Duration
	})
	return keys
}

func (iv Interval) String() string { return iv.Key }

func (iv Interval) Millis() int64 { return iv.Duration.Milliseconds() }

func alignDown(ts, step int64) int64 {
	if step <= 0 {
		return ts
	}
	rem := ts % step
	if rem < 0 {
		rem += step
	}
	return ts - rem
}

// BucketStart 返回 ts（毫秒）所在周期桶的起点。
func (iv Interval) BucketStart(ts int64) int64 {
	switch {
	case iv.Monthly:
		t := time.UnixMilli(ts).UTC()
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	case iv.Duration == week:
		off := weekOffset.Milliseconds()
		return alignDown(ts-off, iv.Millis()) + off
	default:
		return alignDown(ts, iv.Millis())
	}
}

// NextBucket 返回紧随 start 所在桶之后的下一个桶起点。
func (iv Interval) NextBucket(start int64) int64 {
	if iv.Monthly {
		t := time.UnixMilli(iv.BucketStart(start)).UTC()
		return t.AddDate(0, 1, 0).UnixMilli()
	}
	return iv.BucketStart(start) + iv.Millis()
}

// AlignRange 将输入的毫秒时间对齐到周期网格，保证 start<=end。
func (iv Interval) AlignRange(start, end int64) (int64, int64) {
	if end < start {
		start, end = end, start
	}
	alStart := iv.BucketStart(start)
	alEnd := iv.BucketStart(end)
	if alEnd < alStart {
		alEnd = alStart
	}
	return alStart, alEnd
}

// ExpectedCandles 计算 start~end（含）区间应存在的 K 线数量。
func (iv Interval) ExpectedCandles(start, end int64) int64 {
	if end < start {
		return 0
	}
	if iv.Monthly {
		var n int64
		for ts := iv.BucketStart(start); ts <= end; ts = iv.NextBucket(ts) {
			n++
		}
		return n
	}
	step := iv.Millis()
	if step == 0 {
		return 0
	}
	return ((end - start) / step) + 1
}

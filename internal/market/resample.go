package market

// Resample 将细粒度 K 线按 target 周期聚合：open 取首根、high 取最大、low 取最小、
// close 取末根、volume/trades 求和。输入需按 open_time 升序；末尾未走完的桶同样输出，
// 只包含截至最后一根输入的数据。
func Resample(bars []Candle, target Interval) []Candle {
	if len(bars) == 0 {
		return nil
	}
	out := make([]Candle, 0, len(bars)/2+1)
	var cur Candle
	open := false
	for _, b := range bars {
		start := target.BucketStart(b.OpenTime)
		if open && start == cur.OpenTime {
			if b.High > cur.High {
				cur.High = b.High
			}
			if b.Low < cur.Low {
				cur.Low = b.Low
			}
			cur.Close = b.Close
			cur.Volume += b.Volume
			cur.Trades += b.Trades
			continue
		}
		if open {
			out = append(out, cur)
		}
		cur = Candle{
			OpenTime:  start,
			CloseTime: target.NextBucket(start) - 1,
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    b.Volume,
			Trades:    b.Trades,
		}
		open = true
	}
	out = append(out, cur)
	return out
}

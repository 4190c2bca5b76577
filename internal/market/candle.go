package market

import "time"

// Candle 是一根 OHLCV K 线；open_time/close_time 为毫秒时间戳，close_time 为区间最后 1ms。
type Candle struct {
	OpenTime  int64   `json:"open_time"`
	CloseTime int64   `json:"close_time"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	Trades    int64   `json:"trades"`
}

type Candles []Candle

func (c Candle) TimeString() string {
	ts := c.CloseTime
	if ts == 0 {
		ts = c.OpenTime
	}
	if ts <= 0 {
		return "-"
	}
	return time.UnixMilli(ts).UTC().Format("01-02 15:04") + "Z"
}

// Tail 返回最近 n 根（不复制底层数组）。
func (cs Candles) Tail(n int) Candles {
	if n <= 0 {
		return nil
	}
	if len(cs) <= n {
		return cs
	}
	return cs[len(cs)-n:]
}

func (cs Candles) Closes() []float64 {
	out := make([]float64, len(cs))
	for i, c := range cs {
		out[i] = c.Close
	}
	return out
}

// Ordered 检查 open_time 严格递增。
func (cs Candles) Ordered() bool {
	for i := 1; i < len(cs); i++ {
		if cs[i].OpenTime <= cs[i-1].OpenTime {
			return false
		}
	}
	return true
}

package confluence

import "github.com/novapulse/supervisor/pkg/types"

// AggregateCandles buckets a contiguous 1-minute candle series into
// bucketMinutes-wide bars: open=first, high=max, low=min, close=last,
// volume=sum. Bucket boundaries align to bucketMinutes since the bar epoch
// (t is in seconds), matching wall-clock bucket alignment rather than
// window-relative grouping.
func AggregateCandles(oneMin []types.Candle, bucketMinutes int) []types.Candle {
	if bucketMinutes <= 1 || len(oneMin) == 0 {
		return oneMin
	}
	bucketSeconds := int64(bucketMinutes * 60)

	out := make([]types.Candle, 0, len(oneMin)/bucketMinutes+1)
	var cur types.Candle
	open := false
	curBucket := int64(-1)

	for _, c := range oneMin {
		bucket := c.T - (c.T % bucketSeconds)
		if !open || bucket != curBucket {
			if open {
				out = append(out, cur)
			}
			cur = c
			cur.T = bucket
			curBucket = bucket
			open = true
			continue
		}
		if c.High.GreaterThan(cur.High) {
			cur.High = c.High
		}
		if c.Low.LessThan(cur.Low) {
			cur.Low = c.Low
		}
		cur.Close = c.Close
		cur.Volume = cur.Volume.Add(c.Volume)
		cur.Closed = c.Closed
	}
	if open {
		out = append(out, cur)
	}
	return out
}

// DropInProgress removes the final candle from a series when it has not
// closed, so timeframe aggregation can honor use_closed_candles_only.
func DropInProgress(candles []types.Candle) []types.Candle {
	if len(candles) == 0 {
		return candles
	}
	if !candles[len(candles)-1].Closed {
		return candles[:len(candles)-1]
	}
	return candles
}

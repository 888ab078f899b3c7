package cache

import "github.com/novapulse/supervisor/pkg/types"

// candleRing is a pre-allocated circular array of candles. Append is O(1);
// Last(n) returns a newest-last contiguous view, copying only when the
// requested window wraps the underlying array.
type candleRing struct {
	buf   []types.Candle
	head  int // index the next Push writes to
	count int // number of valid slots, caps at len(buf)
}

func newCandleRing(capacity int) *candleRing {
	return &candleRing{buf: make([]types.Candle, capacity)}
}

// Push appends c as a new bar (closed or still in progress), overwriting the
// oldest slot once full.
func (r *candleRing) Push(c types.Candle) {
	r.buf[r.head] = c
	r.head = (r.head + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// ReplaceLast overwrites the most recently pushed slot in place, used for
// further updates to the current bar (including its closing update) that
// must not advance the ring.
func (r *candleRing) ReplaceLast(c types.Candle) bool {
	if r.count == 0 {
		return false
	}
	idx := (r.head - 1 + len(r.buf)) % len(r.buf)
	r.buf[idx] = c
	return true
}

// Last returns a newest-last slice of the most recent n candles (or fewer
// if the ring isn't full yet).
func (r *candleRing) Last(n int) []types.Candle {
	if n > r.count {
		n = r.count
	}
	if n <= 0 {
		return nil
	}
	out := make([]types.Candle, n)
	start := (r.head - n + len(r.buf)) % len(r.buf)
	if start+n <= len(r.buf) {
		copy(out, r.buf[start:start+n])
	} else {
		first := len(r.buf) - start
		copy(out, r.buf[start:])
		copy(out[first:], r.buf[:n-first])
	}
	return out
}

// LastOne returns the most recently pushed candle, if any.
func (r *candleRing) LastOne() (types.Candle, bool) {
	if r.count == 0 {
		return types.Candle{}, false
	}
	idx := (r.head - 1 + len(r.buf)) % len(r.buf)
	return r.buf[idx], true
}

func (r *candleRing) Len() int { return r.count }

package signal

import (
	"math"
	"sort"
)

// ring is a fixed-capacity FIFO of float64 samples.
type ring struct {
	buf []float64
	max int
}

func newRing(max int) *ring {
	if max < 1 {
		max = 1
	}
	return &ring{max: max}
}

func (r *ring) push(v float64) {
	r.buf = append(r.buf, v)
	if len(r.buf) > r.max {
		r.buf = r.buf[1:]
	}
}

func (r *ring) len() int { return len(r.buf) }

// PriceHistory keeps the recent tick prices for lookback references.
type PriceHistory struct {
	ring *ring
}

func NewPriceHistory(max int) *PriceHistory {
	return &PriceHistory{ring: newRing(max)}
}

func (h *PriceHistory) Push(price float64) { h.ring.push(price) }

func (h *PriceHistory) Len() int { return h.ring.len() }

// Last returns the most recent price.
func (h *PriceHistory) Last() (float64, bool) {
	if len(h.ring.buf) == 0 {
		return 0, false
	}
	return h.ring.buf[len(h.ring.buf)-1], true
}

// Ref returns the price lookback ticks before the latest one. With too
// little history it falls back to the given current price, which makes
// the breakout change read as zero until the window fills.
func (h *PriceHistory) Ref(lookback int, current float64) float64 {
	idx := len(h.ring.buf) - 1 - lookback
	if idx < 0 {
		return current
	}
	return h.ring.buf[idx]
}

// Volatility tracks an exponentially weighted variance of tick returns.
type Volatility struct {
	lambda   float64
	variance float64
	primed   bool
}

func NewVolatility(lambda float64) *Volatility {
	return &Volatility{lambda: lambda}
}

// Update folds one return into the estimate and reports the updated
// standard deviation.
func (v *Volatility) Update(ret float64) float64 {
	if !v.primed {
		v.variance = ret * ret
		v.primed = true
	} else {
		v.variance = v.lambda*v.variance + (1-v.lambda)*ret*ret
	}
	return math.Sqrt(v.variance)
}

func (v *Volatility) Std() float64 { return math.Sqrt(v.variance) }

// ZHistory keeps recent |z| observations for the dynamic threshold.
type ZHistory struct {
	ring *ring
}

func NewZHistory(max int) *ZHistory {
	return &ZHistory{ring: newRing(max)}
}

func (z *ZHistory) Push(absZ float64) { z.ring.push(math.Abs(absZ)) }

func (z *ZHistory) Len() int { return z.ring.len() }

// Percentile returns the p-quantile of the stored |z| values using the
// nearest-rank of the sorted samples. p is clamped to [0, 0.999].
func (z *ZHistory) Percentile(p float64) (float64, bool) {
	n := len(z.ring.buf)
	if n == 0 {
		return 0, false
	}
	if p < 0 {
		p = 0
	}
	if p > 0.999 {
		p = 0.999
	}
	sorted := make([]float64, n)
	copy(sorted, z.ring.buf)
	sort.Float64s(sorted)
	return sorted[int(p*float64(n-1))], true
}

// MoveAverage tracks the mean absolute tick-to-tick price move over a
// fixed window. It stands in for ATR on tick data.
type MoveAverage struct {
	ring *ring
	sum  float64
}

func NewMoveAverage(max int) *MoveAverage {
	return &MoveAverage{ring: newRing(max)}
}

func (m *MoveAverage) Push(move float64) {
	move = math.Abs(move)
	if len(m.ring.buf) == m.ring.max {
		m.sum -= m.ring.buf[0]
	}
	m.ring.push(move)
	m.sum += move
}

func (m *MoveAverage) Len() int { return m.ring.len() }

func (m *MoveAverage) Avg() float64 {
	if len(m.ring.buf) == 0 {
		return 0
	}
	return m.sum / float64(len(m.ring.buf))
}

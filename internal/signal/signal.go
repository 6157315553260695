// Package signal turns a stream of tick prices into confirmed entry
// signals. Two detection modes are supported: a z-score of the change
// against a lookback reference price, scaled by an exponentially
// weighted per-tick volatility estimate, and a plain percent change
// against the same reference.
package signal

import "math"

type Side int

const (
	None Side = iota
	Buy
	Sell
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "BUY"
	case Sell:
		return "SELL"
	default:
		return "NONE"
	}
}

const (
	ModeZScore  = "zscore"
	ModePercent = "percent"

	DirectionContrarian = "contrarian"
	DirectionMomentum   = "momentum"
)

// dynamicZMinSamples is how much |z| history has to accumulate before
// the percentile threshold is trusted over the static one.
const dynamicZMinSamples = 30

type Config struct {
	Mode                  string
	Direction             string
	BreakoutChangePercent float64
	BreakoutLookback      int
	ConfirmTicks          int
	EWMLambda             float64
	ZThreshold            float64
	DynamicZEnabled       bool
	DynamicZPercentile    float64
	MaxSpreadBps          float64
	VolWindow             int
	ZHistory              int
}

// Metrics is the per-tick diagnostic snapshot of the detector.
type Metrics struct {
	Return        float64
	Vol           float64
	Z             float64
	Threshold     float64
	ChangePercent float64
}

// Detector is a single-symbol signal pipeline. It is not safe for
// concurrent use; each symbol worker owns one.
type Detector struct {
	cfg    Config
	vol    *Volatility
	prices *PriceHistory
	zhist  *ZHistory

	pending Side
	streak  int
}

func NewDetector(cfg Config) *Detector {
	if cfg.BreakoutLookback < 1 {
		cfg.BreakoutLookback = 1
	}
	histDepth := cfg.BreakoutLookback + 1
	if cfg.VolWindow > histDepth {
		histDepth = cfg.VolWindow
	}
	return &Detector{
		cfg:    cfg,
		vol:    NewVolatility(cfg.EWMLambda),
		prices: NewPriceHistory(histDepth),
		zhist:  NewZHistory(cfg.ZHistory),
	}
}

// Update folds a tick price in and returns the confirmed signal, if
// any, plus the tick's diagnostics. A signal only fires after the raw
// trigger has persisted for ConfirmTicks consecutive ticks.
func (d *Detector) Update(price float64) (Side, Metrics) {
	last, ok := d.prices.Last()
	d.prices.Push(price)
	if !ok || last <= 0 {
		return None, Metrics{}
	}

	ret := (price - last) / last
	sigma := d.vol.Update(ret)
	m := Metrics{Return: ret, Vol: sigma}

	ref := d.prices.Ref(d.cfg.BreakoutLookback, price)
	var change float64
	if ref > 0 {
		change = (price - ref) / ref
		m.ChangePercent = change * 100
	}

	var raw Side
	if d.cfg.Mode == ModePercent {
		m.Threshold = d.cfg.BreakoutChangePercent
		switch {
		case m.ChangePercent >= m.Threshold:
			raw = d.mapMove(true)
		case m.ChangePercent <= -m.Threshold:
			raw = d.mapMove(false)
		}
	} else {
		// the move is measured over the whole lookback window, the
		// volatility over single ticks, so a slow drift accumulates z
		m.Threshold = d.threshold()
		if sigma > 0 {
			m.Z = change / sigma
		}
		switch {
		case m.Z >= m.Threshold:
			raw = d.mapMove(true)
		case m.Z <= -m.Threshold:
			raw = d.mapMove(false)
		}
		// record after thresholding so a spike cannot raise the bar
		// against itself
		d.zhist.Push(m.Z)
	}

	return d.confirm(raw), m
}

// mapMove translates the direction of the triggering move into an
// order side. Contrarian buys the dip; momentum buys the breakout.
func (d *Detector) mapMove(up bool) Side {
	if d.cfg.Direction == DirectionMomentum {
		if up {
			return Buy
		}
		return Sell
	}
	if up {
		return Sell
	}
	return Buy
}

// threshold returns the effective z trigger. With dynamic thresholding
// enabled it never goes below the static floor.
func (d *Detector) threshold() float64 {
	thr := d.cfg.ZThreshold
	if !d.cfg.DynamicZEnabled || d.zhist.Len() < dynamicZMinSamples {
		return thr
	}
	if dyn, ok := d.zhist.Percentile(d.cfg.DynamicZPercentile); ok {
		return math.Max(thr, dyn)
	}
	return thr
}

func (d *Detector) confirm(raw Side) Side {
	if raw == None {
		d.pending = None
		d.streak = 0
		return None
	}
	if raw != d.pending {
		d.pending = raw
		d.streak = 1
	} else {
		d.streak++
	}
	need := d.cfg.ConfirmTicks
	if need < 1 {
		need = 1
	}
	if d.streak >= need {
		d.pending = None
		d.streak = 0
		return raw
	}
	return None
}

// SpreadOK reports whether the quoted spread is tight enough to trade.
// A zero limit disables the check.
func (d *Detector) SpreadOK(spreadBps float64) bool {
	return d.cfg.MaxSpreadBps <= 0 || spreadBps <= d.cfg.MaxSpreadBps
}

package engine

import (
	"fmt"
	"math"
	"sync"
	"time"

	"pionex-spot-bot/internal/config"
	"pionex-spot-bot/internal/metrics"

	"go.uber.org/zap"
)

// RiskGuard halts new entries after a daily loss limit, a losing
// streak, or an insufficient-funds rejection. Open positions are never
// touched; the guard only blocks fresh ones.
type RiskGuard struct {
	cfg config.RiskConfig
	met *metrics.Metrics
	log *zap.Logger
	now func() time.Time

	mu             sync.Mutex
	day            string
	dayPnL         float64
	consecutive    int
	cooloffUntil   time.Time
	dailyHaltDay   string
	fundsHaltUntil time.Time
}

func NewRiskGuard(cfg config.RiskConfig, met *metrics.Metrics, log *zap.Logger) *RiskGuard {
	if met == nil {
		met = metrics.NewNoop()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RiskGuard{cfg: cfg, met: met, log: log, now: time.Now}
}

// AllowEntry reports whether a new position may be opened, and the
// blocking reason when it may not.
func (g *RiskGuard) AllowEntry() (bool, string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	g.rollDayLocked(now)

	if g.dailyHaltDay == g.day {
		return false, fmt.Sprintf("daily loss limit reached (%.2f USDT)", g.dayPnL)
	}
	if now.Before(g.cooloffUntil) {
		return false, fmt.Sprintf("cooling off after losing streak until %s", g.cooloffUntil.UTC().Format(time.RFC3339))
	}
	if now.Before(g.fundsHaltUntil) {
		return false, fmt.Sprintf("entries halted after funds rejection until %s", g.fundsHaltUntil.UTC().Format(time.RFC3339))
	}
	return true, ""
}

// RecordTrade folds one closed trade's realized PnL into the guard.
// PnL inside the epsilon band is treated as neither win nor loss: it
// does not extend a losing streak and does not reset one.
func (g *RiskGuard) RecordTrade(pnl float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	g.rollDayLocked(now)
	g.dayPnL += pnl

	switch {
	case math.Abs(pnl) <= g.cfg.PnLEpsilonUSDT:
		// flat trade, streak untouched
	case pnl < 0:
		g.consecutive++
		if g.cfg.MaxConsecutiveLosses > 0 && g.consecutive >= g.cfg.MaxConsecutiveLosses {
			g.cooloffUntil = now.Add(g.cfg.Cooloff)
			g.consecutive = 0
			g.met.RiskHalts.Inc()
			g.log.Warn("losing streak limit reached, cooling off",
				zap.Int("losses", g.cfg.MaxConsecutiveLosses),
				zap.Time("until", g.cooloffUntil))
		}
	default:
		g.consecutive = 0
	}

	if g.cfg.MaxDailyLossUSDT > 0 && g.dayPnL <= -g.cfg.MaxDailyLossUSDT && g.dailyHaltDay != g.day {
		g.dailyHaltDay = g.day
		g.met.RiskHalts.Inc()
		g.log.Warn("daily loss limit reached, entries halted for the day",
			zap.Float64("day_pnl", g.dayPnL),
			zap.Float64("limit", g.cfg.MaxDailyLossUSDT))
	}
}

// RecordFundsRejection halts all entries for the configured backoff
// window. The rejection is account-wide, so one symbol's failure gates
// every worker.
func (g *RiskGuard) RecordFundsRejection() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fundsHaltUntil = g.now().Add(g.cfg.FundsHaltBackoff)
	g.met.RiskHalts.Inc()
	g.log.Warn("insufficient funds, entries halted",
		zap.Time("until", g.fundsHaltUntil))
}

// DayPnL returns the realized PnL accumulated today.
func (g *RiskGuard) DayPnL() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollDayLocked(g.now())
	return g.dayPnL
}

// rollDayLocked resets the daily accumulator on the first call of a
// new UTC day.
func (g *RiskGuard) rollDayLocked(now time.Time) {
	day := now.UTC().Format("2006-01-02")
	if day != g.day {
		g.day = day
		g.dayPnL = 0
	}
}

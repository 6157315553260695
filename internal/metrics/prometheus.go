package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "pionex_spot_bot"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type Prometheus struct {
	Metrics *Metrics

	registry *prometheus.Registry
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	signalsConfirmed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "signals_confirmed_total",
		Help:      "Total number of confirmed entry signals.",
	})
	entriesOpened := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "entries_opened_total",
		Help:      "Total number of positions opened.",
	})
	entriesFailed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "entries_failed_total",
		Help:      "Total number of entry flow failures.",
	})
	exitsClosed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "exits_closed_total",
		Help:      "Total number of positions closed.",
	})
	exitsFailed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "exits_failed_total",
		Help:      "Total number of exit flow failures.",
	})
	makerFills := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "maker_fills_total",
		Help:      "Total number of orders filled as maker.",
	})
	marketFallbacks := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "market_fallbacks_total",
		Help:      "Total number of maker orders that fell back to market.",
	})
	riskHalts := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "risk_halts_total",
		Help:      "Total number of risk guard trading halts.",
	})

	registry.MustRegister(signalsConfirmed, entriesOpened, entriesFailed,
		exitsClosed, exitsFailed, makerFills, marketFallbacks, riskHalts)

	m := &Metrics{
		SignalsConfirmed: promCounter{signalsConfirmed},
		EntriesOpened:    promCounter{entriesOpened},
		EntriesFailed:    promCounter{entriesFailed},
		ExitsClosed:      promCounter{exitsClosed},
		ExitsFailed:      promCounter{exitsFailed},
		MakerFills:       promCounter{makerFills},
		MarketFallbacks:  promCounter{marketFallbacks},
		RiskHalts:        promCounter{riskHalts},
	}

	return &Prometheus{Metrics: m, registry: registry}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

package metrics

type Counter interface {
	Inc()
}

type Metrics struct {
	SignalsConfirmed Counter
	EntriesOpened    Counter
	EntriesFailed    Counter
	ExitsClosed      Counter
	ExitsFailed      Counter
	MakerFills       Counter
	MarketFallbacks  Counter
	RiskHalts        Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		SignalsConfirmed: n,
		EntriesOpened:    n,
		EntriesFailed:    n,
		ExitsClosed:      n,
		ExitsFailed:      n,
		MakerFills:       n,
		MarketFallbacks:  n,
		RiskHalts:        n,
	}
}

// Package risk decides whether an account may take on new exposure.
package risk

import (
	"sort"
	"time"
)

// Limits caps the size of a single order.
type Limits struct {
	MaxNotionalPerTrade float64
}

func (l Limits) Allow(notional float64) bool {
	return notional <= l.MaxNotionalPerTrade
}

// Params are the account-level halt thresholds. MaxDailyLoss is negative.
type Params struct {
	MaxDailyLoss         float64
	DailyProfitTarget    float64
	MaxConsecutiveLosses int
}

// TradeResult is one realized outcome used for daily accounting.
type TradeResult struct {
	PnL    float64
	Voided bool
	Ts     time.Time
}

// Metrics summarizes an account's day and carries the trade gate.
type Metrics struct {
	DailyPnL          float64
	TradeCount        int
	Wins              int
	Losses            int
	ConsecutiveLosses int
	CanTrade          bool
}

// Evaluate computes daily metrics from today's realized trades. CanTrade goes
// false when the loss cap is breached, the profit target is already hit, or
// too many losses came in a row.
func Evaluate(params Params, trades []TradeResult) Metrics {
	sorted := make([]TradeResult, 0, len(trades))
	for _, tr := range trades {
		if tr.Voided {
			continue
		}
		sorted = append(sorted, tr)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Ts.Before(sorted[j].Ts) })

	var m Metrics
	for _, tr := range sorted {
		m.DailyPnL += tr.PnL
		m.TradeCount++
		if tr.PnL > 0 {
			m.Wins++
		} else if tr.PnL < 0 {
			m.Losses++
		}
	}
	for i := len(sorted) - 1; i >= 0; i-- {
		if sorted[i].PnL < 0 {
			m.ConsecutiveLosses++
			continue
		}
		if sorted[i].PnL > 0 {
			break
		}
	}

	m.CanTrade = true
	if params.MaxDailyLoss != 0 && m.DailyPnL <= params.MaxDailyLoss {
		m.CanTrade = false
	}
	if params.DailyProfitTarget > 0 && m.DailyPnL >= params.DailyProfitTarget {
		m.CanTrade = false
	}
	if params.MaxConsecutiveLosses > 0 && m.ConsecutiveLosses >= params.MaxConsecutiveLosses {
		m.CanTrade = false
	}
	return m
}

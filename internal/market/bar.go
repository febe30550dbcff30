// Package market turns fine-grained price bars into multi-timeframe trend state.
package market

import (
	"context"
	"time"
)

// Bar is one OHLCV sample at the finest granularity the bar store carries.
type Bar struct {
	Ts     time.Time `json:"ts"`
	Open   float64   `json:"o"`
	High   float64   `json:"h"`
	Low    float64   `json:"l"`
	Close  float64   `json:"c"`
	Volume float64   `json:"v"`
}

// AggregatedBar is a coarser-timeframe bar built from a contiguous run of fine bars.
// Complete is true only when every expected fine bar of the window was present.
type AggregatedBar struct {
	Start    time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
	Complete bool
}

// Regime is the discrete trend classification for one timeframe or the composite.
type Regime string

const (
	TrendingUp   Regime = "trending_up"
	TrendingDown Regime = "trending_down"
	Sideways     Regime = "sideways"
	Unknown      Regime = "unknown"
)

// BarSource provides read-only access to the append-only fine bar series.
// Implementations must return bars in ascending timestamp order and must not
// fill gaps.
type BarSource interface {
	FetchRecentBars(ctx context.Context, symbol string, since time.Time, limit int) ([]Bar, error)
}

// TimeframeState carries the trend indicator outputs for a single timeframe.
type TimeframeState struct {
	Timeframe       time.Duration
	EMA             []float64
	NormalizedSlope float64
	HasSlope        bool
	Regime          Regime
	LastClose       float64
}

// State is the per-cycle snapshot of all timeframes plus the composite vote.
// It is built fresh each evaluation and never mutated afterwards.
type State struct {
	AsOf       time.Time
	Symbol     string
	Timeframes []TimeframeState
	Composite  Regime
	Confidence float64
	Reasons    []string
}

// LastClose returns the close of the most recent complete window on the
// shortest timeframe, or zero when none is available.
func (s *State) LastClose() float64 {
	if s == nil || len(s.Timeframes) == 0 {
		return 0
	}
	return s.Timeframes[0].LastClose
}

// ByTimeframe returns the state for the given timeframe, if present.
func (s *State) ByTimeframe(tf time.Duration) (TimeframeState, bool) {
	for _, st := range s.Timeframes {
		if st.Timeframe == tf {
			return st, true
		}
	}
	return TimeframeState{}, false
}

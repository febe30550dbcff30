package market

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// Aggregator rolls fine bars into coarser timeframes and derives a trend regime
// per timeframe from an EMA regression slope normalized by price.
type Aggregator struct {
	source       BarSource
	fineInterval time.Duration
	timeframes   []time.Duration
	barLimit     int
	emaPeriod    int
	slopeWindow  int
	threshold    float64
	log          zerolog.Logger
}

// NewAggregator wires a bar source with indicator tuning. Timeframes are sorted
// ascending so the composite vote sees a deterministic order.
func NewAggregator(source BarSource, fineInterval time.Duration, timeframes []time.Duration, barLimit, emaPeriod, slopeWindow int, threshold float64, log zerolog.Logger) *Aggregator {
	tfs := make([]time.Duration, len(timeframes))
	copy(tfs, timeframes)
	sort.Slice(tfs, func(i, j int) bool { return tfs[i] < tfs[j] })
	if barLimit <= 0 {
		barLimit = 600
	}
	if emaPeriod <= 0 {
		emaPeriod = 21
	}
	if slopeWindow <= 1 {
		slopeWindow = 5
	}
	return &Aggregator{
		source:       source,
		fineInterval: fineInterval,
		timeframes:   tfs,
		barLimit:     barLimit,
		emaPeriod:    emaPeriod,
		slopeWindow:  slopeWindow,
		threshold:    threshold,
		log:          log,
	}
}

// BuildState fetches recent fine bars and produces the per-cycle market state.
// A timeframe with fewer complete windows than the slope window degrades to
// Unknown; missing data is never interpolated.
func (a *Aggregator) BuildState(ctx context.Context, symbol string, now time.Time) (*State, error) {
	since := now.Add(-time.Duration(a.barLimit) * a.fineInterval)
	bars, err := a.source.FetchRecentBars(ctx, symbol, since, a.barLimit)
	if err != nil {
		return nil, fmt.Errorf("fetch bars: %w", err)
	}

	state := &State{AsOf: now, Symbol: symbol}
	if len(bars) == 0 {
		state.Composite = Unknown
		state.Reasons = append(state.Reasons, "no bar data")
		return state, nil
	}
	for i := 1; i < len(bars); i++ {
		if !bars[i].Ts.After(bars[i-1].Ts) {
			return nil, fmt.Errorf("bar source returned unordered bars at %s", bars[i].Ts)
		}
	}

	for _, tf := range a.timeframes {
		windows := a.aggregate(bars, tf)
		ts := a.analyze(tf, windows)
		state.Timeframes = append(state.Timeframes, ts)
		a.log.Debug().
			Str("symbol", symbol).
			Dur("tf", tf).
			Float64("slope", ts.NormalizedSlope).
			Str("regime", string(ts.Regime)).
			Msg("timeframe state")
	}

	state.Composite, state.Confidence, state.Reasons = Classify(state.Timeframes, a.threshold)
	return state, nil
}

// aggregate groups fine bars into non-overlapping windows aligned to wall-clock
// boundaries of the target timeframe.
func (a *Aggregator) aggregate(bars []Bar, tf time.Duration) []AggregatedBar {
	expected := int(tf / a.fineInterval)
	if expected <= 0 {
		return nil
	}

	var out []AggregatedBar
	var cur *AggregatedBar
	count := 0
	for _, b := range bars {
		bucket := b.Ts.Truncate(tf)
		if cur == nil || !bucket.Equal(cur.Start) {
			if cur != nil {
				cur.Complete = count == expected
				out = append(out, *cur)
			}
			cur = &AggregatedBar{Start: bucket, Open: b.Open, High: b.High, Low: b.Low, Close: b.Close, Volume: b.Volume}
			count = 1
			continue
		}
		if b.High > cur.High {
			cur.High = b.High
		}
		if b.Low < cur.Low {
			cur.Low = b.Low
		}
		cur.Close = b.Close
		cur.Volume += b.Volume
		count++
	}
	if cur != nil {
		cur.Complete = count == expected
		out = append(out, *cur)
	}
	return out
}

func (a *Aggregator) analyze(tf time.Duration, windows []AggregatedBar) TimeframeState {
	closes := make([]float64, 0, len(windows))
	for _, w := range windows {
		if w.Complete {
			closes = append(closes, w.Close)
		}
	}

	ts := TimeframeState{Timeframe: tf, Regime: Unknown}
	if len(closes) == 0 {
		return ts
	}
	ts.LastClose = closes[len(closes)-1]
	ts.EMA = ema(closes, a.emaPeriod)
	if len(ts.EMA) < a.slopeWindow {
		return ts
	}

	slope := regressionSlope(ts.EMA[len(ts.EMA)-a.slopeWindow:])
	if ts.LastClose != 0 {
		ts.NormalizedSlope = slope / ts.LastClose
	}
	ts.HasSlope = true
	ts.Regime = classifyRegime(ts.NormalizedSlope, a.threshold)
	return ts
}

func classifyRegime(normalizedSlope, threshold float64) Regime {
	if math.Abs(normalizedSlope) < threshold {
		return Sideways
	}
	if normalizedSlope > 0 {
		return TrendingUp
	}
	return TrendingDown
}

// ema computes an exponential moving average seeded with the first value.
func ema(values []float64, period int) []float64 {
	if len(values) == 0 {
		return nil
	}
	alpha := 2.0 / float64(period+1)
	out := make([]float64, len(values))
	out[0] = values[0]
	for i := 1; i < len(values); i++ {
		out[i] = alpha*values[i] + (1-alpha)*out[i-1]
	}
	return out
}

// regressionSlope fits y = a + b*x over x = 0..n-1 by least squares and returns b.
func regressionSlope(y []float64) float64 {
	n := float64(len(y))
	if n < 2 {
		return 0
	}
	var sumX, sumY, sumXY, sumXX float64
	for i, v := range y {
		x := float64(i)
		sumX += x
		sumY += v
		sumXY += x * v
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}

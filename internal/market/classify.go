package market

import (
	"fmt"
	"math"
	"time"
)

// Classify reduces per-timeframe regimes into one composite regime and a
// confidence score. The vote is weighted by timeframe length so longer
// timeframes dominate; ties resolve to Sideways. Unknown timeframes never vote.
//
// Confidence is the weighted agreement fraction scaled by the weakest agreeing
// slope magnitude relative to the deadband threshold, clipped to [0,1]. Broad
// multi-timeframe agreement scores higher than a single noisy spike.
func Classify(states []TimeframeState, threshold float64) (Regime, float64, []string) {
	weights := map[Regime]float64{}
	var totalWeight float64
	var reasons []string

	for _, st := range states {
		label := fmt.Sprintf("%s %s", tfLabel(st.Timeframe), st.Regime)
		if st.HasSlope {
			label = fmt.Sprintf("%s slope=%.6f", label, st.NormalizedSlope)
		}
		reasons = append(reasons, label)

		if st.Regime == Unknown {
			continue
		}
		w := st.Timeframe.Minutes()
		weights[st.Regime] += w
		totalWeight += w
	}

	if totalWeight == 0 {
		return Unknown, 0, append(reasons, "no timeframe with sufficient data")
	}

	winner := Sideways
	best := weights[Sideways]
	for _, r := range []Regime{TrendingUp, TrendingDown} {
		if weights[r] > best {
			winner, best = r, weights[r]
		}
	}
	if weights[TrendingUp] > 0 && weights[TrendingUp] == weights[TrendingDown] && winner != Sideways {
		winner = Sideways
		best = weights[Sideways]
	}

	agreement := weights[winner] / totalWeight
	confidence := agreement * slopeStrength(states, winner, threshold)
	reasons = append(reasons, fmt.Sprintf("composite %s agreement=%.2f", winner, agreement))
	return winner, clamp(confidence, 0, 1), reasons
}

// slopeStrength returns the minimum slope magnitude among timeframes agreeing
// with the winner, normalized by the deadband threshold.
func slopeStrength(states []TimeframeState, winner Regime, threshold float64) float64 {
	if threshold <= 0 {
		return 0
	}
	minMag := math.Inf(1)
	for _, st := range states {
		if st.Regime != winner || !st.HasSlope {
			continue
		}
		mag := math.Abs(st.NormalizedSlope)
		if mag < minMag {
			minMag = mag
		}
	}
	if math.IsInf(minMag, 1) {
		return 0
	}
	return clamp(minMag/threshold, 0, 1)
}

func tfLabel(tf time.Duration) string {
	if tf >= 24*time.Hour && tf%(24*time.Hour) == 0 {
		return fmt.Sprintf("%dd", int(tf/(24*time.Hour)))
	}
	if tf >= time.Hour && tf%time.Hour == 0 {
		return fmt.Sprintf("%dh", int(tf/time.Hour))
	}
	return fmt.Sprintf("%dm", int(tf/time.Minute))
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

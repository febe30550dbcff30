package market

import (
	"testing"
	"time"
)

func tfState(tf time.Duration, regime Regime, slope float64) TimeframeState {
	return TimeframeState{Timeframe: tf, Regime: regime, NormalizedSlope: slope, HasSlope: regime != Unknown}
}

func TestClassifyWeightsLongerTimeframes(t *testing.T) {
	states := []TimeframeState{
		tfState(5*time.Minute, TrendingUp, 0.0002),
		tfState(15*time.Minute, TrendingDown, -0.0002),
		tfState(30*time.Minute, TrendingDown, -0.0003),
	}
	regime, confidence, _ := Classify(states, 0.00005)
	if regime != TrendingDown {
		t.Fatalf("expected trending_down, got %s", regime)
	}
	if confidence <= 0 || confidence > 1 {
		t.Fatalf("confidence out of range: %g", confidence)
	}
}

func TestClassifyTieResolvesToSideways(t *testing.T) {
	states := []TimeframeState{
		tfState(15*time.Minute, TrendingUp, 0.0002),
		tfState(15*time.Minute, TrendingDown, -0.0002),
	}
	regime, _, _ := Classify(states, 0.00005)
	if regime != Sideways {
		t.Fatalf("expected sideways on tie, got %s", regime)
	}
}

func TestClassifyExcludesUnknown(t *testing.T) {
	states := []TimeframeState{
		tfState(5*time.Minute, TrendingUp, 0.0002),
		tfState(4*time.Hour, Unknown, 0),
	}
	regime, _, _ := Classify(states, 0.00005)
	if regime != TrendingUp {
		t.Fatalf("expected trending_up with unknown excluded, got %s", regime)
	}
}

func TestClassifyAllUnknown(t *testing.T) {
	states := []TimeframeState{
		tfState(5*time.Minute, Unknown, 0),
		tfState(15*time.Minute, Unknown, 0),
	}
	regime, confidence, reasons := Classify(states, 0.00005)
	if regime != Unknown {
		t.Fatalf("expected unknown composite, got %s", regime)
	}
	if confidence != 0 {
		t.Fatalf("expected zero confidence, got %g", confidence)
	}
	if len(reasons) == 0 {
		t.Fatalf("expected reasons to be populated")
	}
}

func TestClassifyConfidenceRewardsAgreement(t *testing.T) {
	unanimous := []TimeframeState{
		tfState(5*time.Minute, TrendingUp, 0.0003),
		tfState(15*time.Minute, TrendingUp, 0.0003),
		tfState(30*time.Minute, TrendingUp, 0.0003),
	}
	split := []TimeframeState{
		tfState(5*time.Minute, TrendingUp, 0.0003),
		tfState(15*time.Minute, Sideways, 0.00001),
		tfState(30*time.Minute, TrendingUp, 0.0003),
	}
	_, cAll, _ := Classify(unanimous, 0.00005)
	_, cSplit, _ := Classify(split, 0.00005)
	if cAll <= cSplit {
		t.Fatalf("expected unanimous agreement to score higher: %g vs %g", cAll, cSplit)
	}
}

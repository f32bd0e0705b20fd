package pcfit

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func floatPtr(v float64) *float64 { return &v }

// TestFitScenarioDOutlierTrimAndConvexity runs a smooth CC/taper pair
// with one badly-off quote at the ATM strike, which should be
// identified and trimmed, with the surviving fit staying call-convex
// and above its per-row floor everywhere.
func TestFitScenarioDOutlierTrimAndConvexity(t *testing.T) {
	F := 100.0
	strikes := []float64{90, 95, 100, 105, 110}
	ccTV := []float64{2.0, 2.5, 3.0, 2.5, 2.0}
	taper := []float64{0.5786, 0.7948, 1.0, 0.8048, 0.6188}
	thetaTrue := 0.5

	legs := make([]Leg, len(strikes))
	phi := make([]float64, len(strikes))
	for i, K := range strikes {
		mid := ccTV[i] + thetaTrue*taper[i]
		if K == 100 {
			mid += 1.0 // a badly-off ATM quote
		}
		legs[i] = Leg{K: K, Mid: mid, Weight: floatPtr(1), Vega: floatPtr(1)}
		phi[i] = 1.0
	}

	opt := DefaultFitOptions(0.01)
	opt.MaxOutlierTrimBps = 100

	result, err := Fit(FitRequest{Legs: legs, F: F, CCTV: ccTV, Phi: phi, Options: opt})
	require.NoError(t, err)

	require.Len(t, result.UsedMask, 5)
	require.False(t, result.UsedMask[2], "the ATM outlier should be trimmed")
	require.GreaterOrEqual(t, result.TrimCount, 1)

	// invariant 6: the repaired fit is call-convex within tolerance.
	prices := make([]float64, len(strikes))
	for i, K := range strikes {
		if K >= F {
			prices[i] = result.TVFitted[i]
		} else {
			prices[i] = result.TVFitted[i] + (F - K)
		}
	}
	for i := 1; i+1 < len(prices); i++ {
		h1 := strikes[i] - strikes[i-1]
		h2 := strikes[i+1] - strikes[i]
		conv := 2 * ((prices[i+1]-prices[i])/(h2*(h1+h2)) - (prices[i]-prices[i-1])/(h1*(h1+h2)))
		require.GreaterOrEqual(t, conv, -opt.ConvexityTol)
	}

	// invariant 7: every fitted time value respects its floor.
	for i, k := range []float64{math.Log(90.0 / 100), math.Log(95.0 / 100), 0, math.Log(105.0 / 100), math.Log(110.0 / 100)} {
		floor := opt.MinTVAbsFloorTicks * opt.MinTick
		if opt.ApplyTickFloorWithinBand && math.Abs(k) <= opt.TaperBand {
			tickFloor := opt.MinTVTicks * opt.MinTick
			if tickFloor > floor {
				floor = tickFloor
			}
		}
		fracFloor := opt.MinTVFracOfCC * ccTV[i]
		if fracFloor > floor {
			floor = fracFloor
		}
		require.GreaterOrEqual(t, result.TVFitted[i], floor-1e-9)
	}
}

func TestFitDegenerateTooFewLegs(t *testing.T) {
	F := 100.0
	legs := []Leg{
		{K: 95, Mid: 2.5},
		{K: 100, Mid: 3.0},
	}
	ccTV := []float64{2.5, 3.0}
	phi := []float64{1, 1}
	opt := DefaultFitOptions(0.01)

	_, err := Fit(FitRequest{Legs: legs, F: F, CCTV: ccTV, Phi: phi, Options: opt})
	require.Error(t, err)
}

func TestFitRejectsMismatchedLengths(t *testing.T) {
	_, err := Fit(FitRequest{
		Legs: []Leg{{K: 100, Mid: 1}},
		F:    100,
		CCTV: []float64{1, 2},
		Phi:  []float64{1},
	})
	require.Error(t, err)
}

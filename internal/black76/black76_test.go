package black76

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestScenarioARoundTrip covers a reference round-trip: a known price, its
// implied-vol recovery, and a re-pricing check.
func TestScenarioARoundTrip(t *testing.T) {
	F, K, T, sigma, df := 100000.0, 100000.0, 0.25, 0.5, 1.0

	g, err := PriceAndGreeks(F, K, T, sigma, df, true)
	require.NoError(t, err)
	require.InDelta(t, 9947.645, g.Price, 0.05)

	init := 0.4
	iv, err := ImpliedVol(g.Price, F, K, T, df, &init, true)
	require.NoError(t, err)
	require.InDelta(t, sigma, iv, 1e-8)

	g2, err := PriceAndGreeks(F, K, T, iv, df, true)
	require.NoError(t, err)
	require.InDelta(t, g.Price, g2.Price, 1e-8*(1+g.Price))
}

// TestPutCallParity checks C - P = df*(F - K) within tolerance.
func TestPutCallParity(t *testing.T) {
	F, K, T, sigma, df := 50000.0, 52000.0, 0.1, 0.8, 0.999

	call, err := PriceAndGreeks(F, K, T, sigma, df, true)
	require.NoError(t, err)
	put, err := PriceAndGreeks(F, K, T, sigma, df, false)
	require.NoError(t, err)

	parity := call.Price - put.Price
	expected := df * (F - K)
	require.InDelta(t, expected, parity, 1e-8*math.Max(1, F))
}

// TestPriceMonotoneInVol checks call and put prices are non-decreasing
// in sigma.
func TestPriceMonotoneInVol(t *testing.T) {
	F, K, T, df := 100.0, 95.0, 1.0, 1.0
	vols := []float64{0.01, 0.1, 0.2, 0.5, 1.0, 2.0}

	var lastCall, lastPut float64
	for i, sigma := range vols {
		call, err := PriceAndGreeks(F, K, T, sigma, df, true)
		require.NoError(t, err)
		put, err := PriceAndGreeks(F, K, T, sigma, df, false)
		require.NoError(t, err)
		require.False(t, math.IsNaN(call.Price) || math.IsInf(call.Price, 0))
		require.False(t, math.IsNaN(put.Price) || math.IsInf(put.Price, 0))
		if i > 0 {
			require.GreaterOrEqual(t, call.Price, lastCall-1e-9)
			require.GreaterOrEqual(t, put.Price, lastPut-1e-9)
		}
		lastCall, lastPut = call.Price, put.Price
	}
}

// TestImpliedVolEdgeCases covers the intrinsic-price and unreachable-price edge cases.
func TestImpliedVolEdgeCases(t *testing.T) {
	F, K, T, df := 100.0, 100.0, 0.5, 1.0

	intrinsic, err := PriceAndGreeks(F, K, T, 0, df, true)
	require.NoError(t, err)

	iv, err := ImpliedVol(intrinsic.Price, F, K, T, df, nil, true)
	require.NoError(t, err)
	require.Equal(t, 0.0, iv)

	tooHigh := df*F + 1
	iv2, err := ImpliedVol(tooHigh, F, K, T, df, nil, true)
	require.Error(t, err)
	require.True(t, math.IsNaN(iv2))
}

func TestImpliedVolRoundTripAcrossRange(t *testing.T) {
	F, K, T, df := 100.0, 90.0, 0.3, 1.0
	intrinsic, err := PriceAndGreeks(F, K, T, 0, df, true)
	require.NoError(t, err)

	for _, target := range []float64{intrinsic.Price + 1e-6, 15.0, 10.0, 20.0, df * F * 0.97} {
		iv, err := ImpliedVol(target, F, K, T, df, nil, true)
		require.NoError(t, err)
		g, err := PriceAndGreeks(F, K, T, iv, df, true)
		require.NoError(t, err)
		require.InDelta(t, 1.0, g.Price/target, 1e-7)
	}
}

func TestPriceAndGreeksInvalidInput(t *testing.T) {
	_, err := PriceAndGreeks(-1, 100, 1, 0.2, 1.0, true)
	require.Error(t, err)
}

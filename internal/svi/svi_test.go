package svi

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestToMetricsFromMetricsRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	p := Params{A: 0.01, B: 0.3, Rho: -0.25, Sigma: 0.2, M: 0}

	m := ToMetrics(p)
	p2 := FromMetrics(m, cfg, FromMetricsOptions{PreserveBumps: true})

	require.InDelta(t, p.A, p2.A, 1e-9)
	require.InDelta(t, p.B, p2.B, 1e-9)
	require.InDelta(t, p.Rho, p2.Rho, 1e-9)
	require.InDelta(t, p.Sigma, p2.Sigma, 1e-9)
}

func TestFromMetricsDegenerateWingsPreservesSkew(t *testing.T) {
	cfg := DefaultConfig()
	// S_pos + S_neg == 0: the "denom" branch is degenerate; with
	// PreserveBumps the S0/b fallback should still carry the sign of
	// the original skew rather than collapsing to rho=0.
	m := Metrics{L0: 0.05, S0: 0.05, C0: 0.4, SNeg: -0.2, SPos: 0.2}
	p := FromMetrics(m, cfg, FromMetricsOptions{PreserveBumps: true})
	require.Greater(t, p.Rho, 0.0)
}

func TestValidateRejectsNegativeB(t *testing.T) {
	cfg := DefaultConfig()
	p := Params{A: 0, B: -0.1, Rho: 0, Sigma: 0.2, M: 0}
	vr := Validate(p, cfg)
	require.False(t, vr.Valid)
	require.NotEmpty(t, vr.Errors)
}

func TestValidateAcceptsReasonableSmile(t *testing.T) {
	cfg := DefaultConfig()
	p := Params{A: 0.02, B: 0.2, Rho: -0.3, Sigma: 0.3, M: 0}
	vr := Validate(p, cfg)
	require.True(t, vr.Valid, "errors: %v", vr.Errors)
}

func TestWWithinFloorIV(t *testing.T) {
	p := Params{A: -1, B: 1e-6, Rho: 0, Sigma: 1e-3, M: 0}
	// deliberately pathological: w can go negative far from the money
	iv := IV(LogMoneyness(5), 0.1, p)
	require.False(t, math.IsNaN(iv))
	require.GreaterOrEqual(t, iv, 0.0)
}

func TestKLogMoneyness(t *testing.T) {
	k := K(110, 100)
	require.InDelta(t, math.Log(1.1), float64(k), 1e-12)
}

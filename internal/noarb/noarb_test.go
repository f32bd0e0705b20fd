package noarb

import (
	"testing"

	"github.com/contactkeval/smile-engine/internal/svi"
	"github.com/stretchr/testify/require"
)

func TestCheckStaticArbOnReasonableSmileIsClean(t *testing.T) {
	cfg := DefaultConfig()
	p := svi.Params{A: 0.02, B: 0.2, Rho: -0.2, Sigma: 0.3, M: 0}
	strikes := []float64{85, 90, 95, 100, 105, 110, 115}

	result := CheckStaticArb(strikes, 100, 0.5, p, cfg)
	require.True(t, result.Valid, "violations: %+v", result.Violations)
}

func TestCheckWingSlopesFlagsSteepRightWing(t *testing.T) {
	cfg := DefaultConfig()
	// b*(1+rho) will exceed the 2.0 cap.
	p := svi.Params{A: 0, B: 3, Rho: 0.9, Sigma: 0.2, M: 0}
	violations := CheckWingSlopes(p, cfg)
	require.NotEmpty(t, violations)
}

func TestCheckCalendarKFlagsInvertedTotalVariance(t *testing.T) {
	cfg := DefaultConfig()
	// Same shape, but p1 (the shorter expiry) carries more ATM total
	// variance than p2 (the longer expiry) -- a genuine calendar
	// violation regardless of the noise-floor thresholds.
	p1 := svi.Params{A: 0.02, B: 0.1, Rho: 0, Sigma: 0.2, M: 0}
	p2 := svi.Params{A: 0.015, B: 0.1, Rho: 0, Sigma: 0.2, M: 0}
	T1, T2 := 0.1, 0.2

	grid := DefaultCalendarGrid(cfg)
	violations := CheckCalendarK(100, T1, p1, 100, T2, p2, grid, cfg)

	require.NotEmpty(t, violations)
	var atZero bool
	for _, v := range violations {
		if v.K == 0 {
			atZero = true
			require.Greater(t, v.RelErrBps, cfg.CalendarRelBps)
		}
	}
	require.True(t, atZero, "expected a calendar violation at k=0")
}

func TestCheckCalendarKFlagsIdenticalShapeAcrossExpiries(t *testing.T) {
	cfg := DefaultConfig()
	// Identical SVI params at both expiries means zero total variance
	// accrues between T1 and T2 at every k -- a degenerate tie, not a
	// clean surface, even though margin never goes negative.
	p := svi.Params{A: 0.02, B: 0.1, Rho: -0.1, Sigma: 0.2, M: 0}
	T1, T2 := 0.1, 0.2

	grid := DefaultCalendarGrid(cfg)
	violations := CheckCalendarK(100, T1, p, 100, T2, p, grid, cfg)

	require.NotEmpty(t, violations)
	var atZero bool
	for _, v := range violations {
		if v.K == 0 {
			atZero = true
			require.Equal(t, 0.0, v.Margin)
			require.GreaterOrEqual(t, v.RelErrBps, cfg.CalendarRelBps)
			require.Greater(t, v.RelErrBps, 0.0)
		}
	}
	require.True(t, atZero, "expected a calendar violation at k=0")
}

func TestCheckCalendarKNoViolationWhenT2Smaller(t *testing.T) {
	cfg := DefaultConfig()
	p := svi.Params{A: 0.01, B: 0.2, Rho: -0.1, Sigma: 0.2, M: 0}
	grid := DefaultCalendarGrid(cfg)
	violations := CheckCalendarK(100, 0.2, p, 100, 0.1, p, grid, cfg)
	require.Empty(t, violations)
}

func TestCheckButterfliesOnFlatSmileIsClean(t *testing.T) {
	cfg := DefaultConfig()
	p := svi.Params{A: 0.02, B: 0.01, Rho: 0, Sigma: 0.5, M: 0}
	strikes := []float64{90, 95, 100, 105, 110}
	violations := CheckButterflies(strikes, 100, 0.5, p, cfg)
	require.Empty(t, violations)
}

package calibrator

import (
	"math"
	"testing"
	"time"

	"github.com/contactkeval/smile-engine/internal/black76"
	"github.com/contactkeval/smile-engine/internal/marketspec"
	"github.com/contactkeval/smile-engine/internal/svi"
	"github.com/stretchr/testify/require"
)

func ptr(v float64) *float64 { return &v }

// TestFitDeltaShellsScenarioB runs a five-strike BTC-style quote
// ladder, fit and checked for ATM accuracy and bounded premium error
// across every strike.
func TestFitDeltaShellsScenarioB(t *testing.T) {
	ms := marketspec.NewCryptoQuote("BTC", 5e-5)
	F := 97000.0
	T := 0.0274
	now := time.Now()
	expiry := now.Add(time.Duration(T * 365.25 * 24 * float64(time.Hour)))

	type row struct{ K, bid, ask float64 }
	rows := []row{
		{95000, 0.0280, 0.0285},
		{96000, 0.0220, 0.0225},
		{97000, 0.0170, 0.0175},
		{98000, 0.0130, 0.0135},
		{99000, 0.0095, 0.0100},
	}

	var quotes []Quote
	for _, r := range rows {
		mid := (r.bid + r.ask) / 2
		quotes = append(quotes, Quote{K: r.K, MidQuoted: mid})
	}

	cfg := DefaultConfig(ms)
	fitted, err := FitDeltaShells(FitRequest{
		Quotes:  quotes,
		F:       F,
		TExpiry: expiry,
		Now:     now,
		Symbol:  "BTC",
		Cfg:     cfg,
	})
	require.NoError(t, err)

	vr := svi.Validate(fitted, cfg.SVI)
	require.True(t, vr.Valid, "fitted SVI must validate: %v", vr.Errors)

	// ATM fitted IV should track the quoted ATM IV within 50 vol-bp.
	atmK := 97000.0
	atmMidQuoted := (rows[2].bid + rows[2].ask) / 2
	atmIVObs := implyFromQuoted(atmMidQuoted, F, atmK, T, ms)
	atmIVFit := svi.IV(svi.K(atmK, F), T, fitted)
	require.InDelta(t, atmIVObs, atmIVFit, 0.005)

	// Maximum premium error across all five strikes should be < 100bps
	// of the quoted mid.
	maxErrBps := 0.0
	for _, r := range rows {
		mid := (r.bid + r.ask) / 2
		iv := svi.IV(svi.K(r.K, F), T, fitted)
		isCall := r.K > F
		g, err := black76.PriceAndGreeks(F, r.K, T, iv, 1.0, isCall)
		require.NoError(t, err)
		modelQuoted := ms.FromBaseToQuoted(g.Price, F)
		errBps := math.Abs(modelQuoted-mid) / mid * 1e4
		if errBps > maxErrBps {
			maxErrBps = errBps
		}
	}
	require.Less(t, maxErrBps, 100.0)
}

func implyFromQuoted(midQuoted, F, K, T float64, ms marketspec.MarketSpec) float64 {
	midBase := ms.FromQuotedToBase(midQuoted, F)
	isCall := K > F
	iv, _ := black76.ImpliedVol(midBase, F, K, T, 1.0, ptr(0.5), isCall)
	return iv
}

func TestFitDeltaShellsEmptyFails(t *testing.T) {
	ms := marketspec.NewLinearBase("SPX", 0.05)
	_, err := FitDeltaShells(FitRequest{
		Quotes:  nil,
		F:       100,
		TExpiry: time.Now().Add(24 * time.Hour),
		Now:     time.Now(),
		Cfg:     DefaultConfig(ms),
	})
	require.Error(t, err)
}

func TestFitDeltaShellsDegenerateFewRows(t *testing.T) {
	ms := marketspec.NewLinearBase("SPX", 0.05)
	now := time.Now()
	quotes := []Quote{
		{K: 99, MidQuoted: 1.2},
		{K: 100, MidQuoted: 2.0},
		{K: 101, MidQuoted: 1.1},
	}
	result, err := FitDeltaShells(FitRequest{
		Quotes:  quotes,
		F:       100,
		TExpiry: now.Add(30 * 24 * time.Hour),
		Now:     now,
		Cfg:     DefaultConfig(ms),
	})
	require.Error(t, err)
	// a Degenerate failure still returns a usable ATM-only fallback.
	require.GreaterOrEqual(t, result.B, 0.0)
}

// Package scenario generates synthetic option-chain quotes for demos
// and tests: a ground-truth SVI smile perturbed by normal noise, in
// the style of the data package's synthetic market-data generator.
package scenario

import (
	"math"
	"math/rand"

	"github.com/contactkeval/smile-engine/internal/black76"
	"github.com/contactkeval/smile-engine/internal/calibrator"
	"github.com/contactkeval/smile-engine/internal/svi"
)

// ChainSpec describes the synthetic chain to generate.
type ChainSpec struct {
	F            float64
	T            float64
	Strikes      []float64
	Truth        svi.Params
	QuoteNoiseBp float64 // mid-quote noise, in bps of premium
	HalfSpreadBp float64 // half-spread, in bps of premium
	Seed         *rand.Rand
}

// DefaultStrikes returns a symmetric strike ladder around F spaced by
// step, n strikes either side.
func DefaultStrikes(F, step float64, n int) []float64 {
	strikes := make([]float64, 0, 2*n+1)
	for i := -n; i <= n; i++ {
		strikes = append(strikes, F+float64(i)*step)
	}
	return strikes
}

// GenerateChain prices every strike off the ground-truth smile, adds
// normal noise to the mid, and returns calibrator quotes plus the
// noise-free mids for comparison in tests. Every mid, including
// Quote.MidQuoted, is a base-convention premium in the forward's
// numeraire; for a market that quotes premiums differently the caller
// converts MidQuoted before calibrating.
func GenerateChain(spec ChainSpec) ([]calibrator.Quote, []float64, error) {
	rng := spec.Seed
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}

	quotes := make([]calibrator.Quote, 0, len(spec.Strikes))
	trueMids := make([]float64, 0, len(spec.Strikes))

	for _, K := range spec.Strikes {
		isCall := K > spec.F
		iv := svi.IV(svi.K(K, spec.F), spec.T, spec.Truth)
		g, err := black76.PriceAndGreeks(spec.F, K, spec.T, iv, 1.0, isCall)
		if err != nil {
			return nil, nil, err
		}
		mid := g.Price
		noisy := mid * (1 + spec.QuoteNoiseBp*1e-4*rng.NormFloat64())
		if noisy < 0 {
			noisy = 0
		}
		ivObs := iv
		weight := 1.0
		quotes = append(quotes, calibrator.Quote{K: K, MidQuoted: noisy, IV: &ivObs, Weight: &weight})
		trueMids = append(trueMids, mid)
	}
	return quotes, trueMids, nil
}

// SpreadFromChain returns a chain's average half-spread in absolute
// premium terms, for seeding a RiskScorer floor.
func SpreadFromChain(spec ChainSpec, mids []float64) float64 {
	if len(mids) == 0 {
		return 0
	}
	sum := 0.0
	for _, m := range mids {
		sum += m * spec.HalfSpreadBp * 1e-4
	}
	return sum / float64(len(mids))
}

// JitterMetrics nudges a TraderMetrics by small Gaussian perturbations,
// useful for fuzzing calibrator/engine tests against nearby ground
// truths.
func JitterMetrics(m svi.Metrics, scale float64, rng *rand.Rand) svi.Metrics {
	if rng == nil {
		rng = rand.New(rand.NewSource(2))
	}
	return svi.Metrics{
		L0:   math.Max(1e-6, m.L0+scale*rng.NormFloat64()*m.L0),
		S0:   m.S0 + scale*rng.NormFloat64()*0.01,
		C0:   math.Max(1e-3, m.C0+scale*rng.NormFloat64()*m.C0),
		SNeg: m.SNeg + scale*rng.NormFloat64()*0.05,
		SPos: m.SPos + scale*rng.NormFloat64()*0.05,
	}
}

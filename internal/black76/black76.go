// Package black76 implements the Black-76 forward-price option pricing
// kernel: price, greeks, and a hybrid Newton/bisection implied-vol
// solver. All strikes and forwards are quoted in the same numeraire;
// T is time to expiry in years; df is an externally supplied discount
// factor (single-factor, no dividend/carry term beyond df).
package black76

import (
	"math"

	"github.com/contactkeval/smile-engine/internal/coreerr"
)

const sqrt2Pi = 2.5066282746310002

// Greeks holds the price and sensitivities returned by PriceAndGreeks.
type Greeks struct {
	Price float64
	Delta float64
	Gamma float64
	Vega  float64
	Theta float64
	D1    float64
	D2    float64
}

// normPDF is the standard normal density.
func normPDF(x float64) float64 {
	return math.Exp(-0.5*x*x) / sqrt2Pi
}

// normCDF is the standard normal CDF via the (exact) error function;
// any approximation with max error <= 1.5e-7 is acceptable here,
// math.Erf exceeds that comfortably.
func normCDF(x float64) float64 {
	return 0.5 * (1.0 + math.Erf(x/math.Sqrt2))
}

// PriceAndGreeks prices a European option on a forward F under
// Black-76 and returns its greeks. isCall selects call vs put.
func PriceAndGreeks(F, K, T, sigma, df float64, isCall bool) (Greeks, error) {
	if !(F > 0) || !(K > 0) || !(T >= 0) || !(df > 0) || math.IsNaN(sigma) || sigma < 0 {
		return Greeks{}, coreerr.New(coreerr.InvalidInput, "black76.PriceAndGreeks", "F,K must be >0, T,sigma must be >=0, df must be >0").
			With("F", F).With("K", K).With("T", T).With("sigma", sigma).With("df", df)
	}

	if T == 0 || sigma == 0 {
		var intrinsic float64
		if isCall {
			intrinsic = math.Max(F-K, 0)
		} else {
			intrinsic = math.Max(K-F, 0)
		}
		var delta float64
		switch {
		case isCall && F > K:
			delta = df
		case !isCall && F < K:
			delta = -df
		}
		return Greeks{Price: df * intrinsic, Delta: delta, D1: math.NaN(), D2: math.NaN()}, nil
	}

	sqrtT := math.Sqrt(T)
	d1 := (math.Log(F/K) + 0.5*sigma*sigma*T) / (sigma * sqrtT)
	d2 := d1 - sigma*sqrtT

	nd1 := normCDF(d1)
	nd2 := normCDF(d2)
	pdf1 := normPDF(d1)

	gamma := df * pdf1 / (F * sigma * sqrtT)
	vega := df * F * pdf1 * sqrtT
	theta := -df * F * pdf1 * sigma / (2 * sqrtT)

	var price, delta float64
	if isCall {
		price = df * (F*nd1 - K*nd2)
		delta = df * nd1
	} else {
		price = df * (K*normCDF(-d2) - F*normCDF(-d1))
		delta = df * (nd1 - 1)
	}

	return Greeks{Price: price, Delta: delta, Gamma: gamma, Vega: vega, Theta: theta, D1: d1, D2: d2}, nil
}

// Solver tunables for ImpliedVol, named once at package level.
const (
	ivLo          = 1e-9
	ivHiInit      = 1.0
	ivHiCap       = 10.0
	ivHiGrowth    = 1.5
	ivVegaFloor   = 1e-14
	ivPriceTol    = 1e-12
	ivBracketTol  = 1e-12
	ivMaxIters    = 100
)

// ImpliedVol inverts PriceAndGreeks for volatility via a hybrid
// Newton-with-bracket / bisection search.
// init, if non-nil, seeds the initial Newton guess; otherwise the
// bracket midpoint is used. Returns NaN (with a coreerr.NoBracket
// error) when targetPrice exceeds the maximum reachable price within
// the expansion cap.
func ImpliedVol(targetPrice, F, K, T, df float64, init *float64, isCall bool) (float64, error) {
	if !(F > 0) || !(K > 0) || !(T >= 0) || !(df > 0) || math.IsNaN(targetPrice) {
		return math.NaN(), coreerr.New(coreerr.InvalidInput, "black76.ImpliedVol", "F,K must be >0, T>=0, df>0").
			With("F", F).With("K", K).With("T", T).With("targetPrice", targetPrice)
	}

	zero, err := PriceAndGreeks(F, K, T, 0, df, isCall)
	if err != nil {
		return math.NaN(), err
	}
	intrinsic := zero.Price
	if targetPrice <= intrinsic+ivPriceTol*(1+math.Abs(intrinsic)) {
		return 0, nil
	}

	lo, hi := ivLo, ivHiInit
	loPrice, err := priceAt(lo, F, K, T, df, isCall)
	if err != nil {
		return math.NaN(), err
	}
	hiPrice, err := priceAt(hi, F, K, T, df, isCall)
	if err != nil {
		return math.NaN(), err
	}
	for hiPrice < targetPrice && hi < ivHiCap {
		hi *= ivHiGrowth
		if hi > ivHiCap {
			hi = ivHiCap
		}
		hiPrice, err = priceAt(hi, F, K, T, df, isCall)
		if err != nil {
			return math.NaN(), err
		}
	}
	if hiPrice < targetPrice {
		return math.NaN(), coreerr.New(coreerr.NoBracket, "black76.ImpliedVol", "target price exceeds max reachable price").
			With("targetPrice", targetPrice).With("maxPrice", hiPrice).With("hi", hi)
	}

	v := (lo + hi) / 2
	if init != nil && *init > lo && *init < hi {
		v = *init
	}

	for iter := 0; iter < ivMaxIters; iter++ {
		g, err := PriceAndGreeks(F, K, T, v, df, isCall)
		if err != nil {
			return math.NaN(), err
		}
		diff := g.Price - targetPrice
		if math.Abs(diff) <= ivPriceTol*(1+math.Abs(targetPrice)) || (hi-lo) < ivBracketTol {
			return v, nil
		}

		if diff > 0 {
			hi = v
		} else {
			lo = v
		}

		next := v
		if g.Vega > ivVegaFloor {
			next = v - diff/g.Vega
		}
		if next > lo && next < hi {
			v = next
		} else {
			v = (lo + hi) / 2
		}
	}

	return v, nil
}

func priceAt(sigma, F, K, T, df float64, isCall bool) (float64, error) {
	g, err := PriceAndGreeks(F, K, T, sigma, df, isCall)
	if err != nil {
		return 0, err
	}
	return g.Price, nil
}

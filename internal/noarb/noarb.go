// Package noarb implements the static no-arbitrage diagnostics run
// against an SVI smile: wing slopes, variance convexity in k, butterfly
// spreads at market strikes, call-price convexity in K, and calendar
// monotonicity in k-space between two expiries. Every check returns a
// structured list of violations and never mutates its inputs.
package noarb

import (
	"math"
	"sort"

	"github.com/contactkeval/smile-engine/internal/black76"
	"github.com/contactkeval/smile-engine/internal/svi"
)

// Config bundles the tolerances used by the checks in this package.
type Config struct {
	WingMaxSlope       float64
	VarConvexityTol    float64
	VarConvexityStep   float64
	VarConvexitySpan   float64
	ButterflyTol       float64
	CallConvexityTol   float64
	CalendarStep       float64
	CalendarSpan       float64
	CalendarRelBps     float64
	CalendarAbsTol     float64
}

// DefaultConfig returns the standard arbitrage tolerances.
func DefaultConfig() Config {
	return Config{
		WingMaxSlope:     2.0,
		VarConvexityTol:  3e-6,
		VarConvexityStep: 0.1,
		VarConvexitySpan: 2.5,
		ButterflyTol:     1e-8,
		CallConvexityTol: 1e-9,
		CalendarStep:     0.1,
		CalendarSpan:     2.5,
		CalendarRelBps:   2.0,
		CalendarAbsTol:   1e-10,
	}
}

// Violation describes a single offending point from one of the checks
// below. Not every field is populated by every check.
type Violation struct {
	Check     string
	K         float64
	Strike    float64
	Margin    float64
	Sign      float64
	RelErrBps float64
}

// StaticArbCheck is the aggregate result of CheckStaticArb.
type StaticArbCheck struct {
	Valid      bool
	Violations []Violation
}

// CheckStaticArb runs the wing-slope, variance-convexity, butterfly,
// and call-price-convexity checks for a single expiry's smile.
func CheckStaticArb(strikes []float64, F, T float64, p svi.Params, cfg Config) StaticArbCheck {
	var out []Violation
	out = append(out, CheckWingSlopes(p, cfg)...)
	out = append(out, CheckVarianceConvexity(p, cfg)...)
	out = append(out, CheckButterflies(strikes, F, T, p, cfg)...)
	out = append(out, CheckCallConvexity(strikes, F, T, p, cfg)...)
	return StaticArbCheck{Valid: len(out) == 0, Violations: out}
}

// CheckWingSlopes checks b(1-rho) and b(1+rho) both lie in [0, max].
func CheckWingSlopes(p svi.Params, cfg Config) []Violation {
	var out []Violation
	left := p.B * (1 - p.Rho)
	right := p.B * (1 + p.Rho)
	if left < 0 || left > cfg.WingMaxSlope {
		out = append(out, Violation{Check: "wing_slope_left", Margin: left, Sign: math.Copysign(1, left)})
	}
	if right < 0 || right > cfg.WingMaxSlope {
		out = append(out, Violation{Check: "wing_slope_right", Margin: right, Sign: math.Copysign(1, right)})
	}
	return out
}

// CheckVarianceConvexity checks d2w/dk2 >= -tol on a uniform k-grid.
func CheckVarianceConvexity(p svi.Params, cfg Config) []Violation {
	var out []Violation
	step := cfg.VarConvexityStep
	span := cfg.VarConvexitySpan
	n := int(math.Round(2 * span / step))
	for i := 1; i < n; i++ {
		kc := -span + float64(i)*step
		wm := svi.W(svi.LogMoneyness(kc-step), p)
		w0 := svi.W(svi.LogMoneyness(kc), p)
		wp := svi.W(svi.LogMoneyness(kc+step), p)
		d2 := (wp - 2*w0 + wm) / (step * step)
		if d2 < -cfg.VarConvexityTol {
			out = append(out, Violation{Check: "variance_convexity", K: kc, Margin: d2, Sign: -1})
		}
	}
	return out
}

// CheckButterflies checks the weighted total-variance combination at
// each consecutive market-strike triplet is non-negative (butterfly
// no-arb in k-space).
func CheckButterflies(strikes []float64, F, T float64, p svi.Params, cfg Config) []Violation {
	ks := sortedUnique(strikes)
	var out []Violation
	for i := 1; i+1 < len(ks); i++ {
		k1, k2, k3 := ks[i-1], ks[i], ks[i+1]
		w1 := svi.W(svi.K(k1, F), p)
		w2 := svi.W(svi.K(k2, F), p)
		w3 := svi.W(svi.K(k3, F), p)
		combo := w1*(k3-k2)/(k3-k1) - w2 + w3*(k2-k1)/(k3-k1)
		if combo < -cfg.ButterflyTol {
			out = append(out, Violation{Check: "butterfly", Strike: k2, Margin: combo, Sign: -1})
		}
	}
	return out
}

// CheckCallConvexity checks the non-uniform 3-point stencil of the
// Black-76 call price is non-negative across K, at each interior
// market strike. A unit discount factor is used since convexity of a
// positive scalar multiple of the price curve is unaffected by it.
func CheckCallConvexity(strikes []float64, F, T float64, p svi.Params, cfg Config) []Violation {
	ks := sortedUnique(strikes)
	var out []Violation
	for i := 1; i+1 < len(ks); i++ {
		k0, k1, k2 := ks[i-1], ks[i], ks[i+1]
		c0 := callPrice(F, k0, T, p)
		c1 := callPrice(F, k1, T, p)
		c2 := callPrice(F, k2, T, p)
		h1 := k1 - k0
		h2 := k2 - k1
		conv := 2 * ((c2-c1)/(h2*(h1+h2)) - (c1-c0)/(h1*(h1+h2)))
		if conv < -cfg.CallConvexityTol {
			out = append(out, Violation{Check: "call_convexity", Strike: k1, Margin: conv, Sign: -1})
		}
	}
	return out
}

func callPrice(F, K, T float64, p svi.Params) float64 {
	iv := svi.IV(svi.K(K, F), T, p)
	g, err := black76.PriceAndGreeks(F, K, T, iv, 1.0, true)
	if err != nil {
		return math.NaN()
	}
	return g.Price
}

// CheckCalendarK checks w(k;p2) >= w(k;p1) for T2 > T1 across a
// k-grid. A negative margin is reported only when it reaches both the
// absolute and the relative-bps noise floor; an exact tie (zero
// margin) is always reported, with RelErrBps set to the relative floor.
func CheckCalendarK(F1, T1 float64, p1 svi.Params, F2, T2 float64, p2 svi.Params, kGrid []float64, cfg Config) []Violation {
	var out []Violation
	if T2 <= T1 {
		return out
	}
	for _, k := range kGrid {
		w1 := svi.W(svi.LogMoneyness(k), p1)
		w2 := svi.W(svi.LogMoneyness(k), p2)
		margin := w2 - w1
		if margin > 0 {
			continue
		}
		if margin == 0 {
			// No total variance accrues between T1 and T2 at this k at
			// all -- a tie is a degenerate calendar violation, not
			// noise, so it bypasses the relative-bps floor below.
			out = append(out, Violation{Check: "calendar_k", K: k, Margin: margin, Sign: -1, RelErrBps: cfg.CalendarRelBps})
			continue
		}
		relBps := math.Abs(margin) / math.Max(w1, 1e-12) * 1e4
		if math.Abs(margin) >= cfg.CalendarAbsTol && relBps >= cfg.CalendarRelBps {
			out = append(out, Violation{Check: "calendar_k", K: k, Margin: margin, Sign: -1, RelErrBps: relBps})
		}
	}
	return out
}

// DefaultCalendarGrid builds the standard calendar-check k-grid.
func DefaultCalendarGrid(cfg Config) []float64 {
	step := cfg.CalendarStep
	span := cfg.CalendarSpan
	n := int(math.Round(2*span/step)) + 1
	grid := make([]float64, n)
	for i := 0; i < n; i++ {
		grid[i] = -span + float64(i)*step
	}
	return grid
}

func sortedUnique(in []float64) []float64 {
	out := append([]float64(nil), in...)
	sort.Float64s(out)
	j := 0
	for i, v := range out {
		if i == 0 || v != out[j-1] {
			out[j] = v
			j++
		}
	}
	return out[:j]
}

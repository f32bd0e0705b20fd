// Package pcfit implements the per-expiry PC time-value fitter: a
// single scalar theta scales an ATM-concentrated taper to shift the
// Core Curve's time value toward the quoted market, fit by weighted
// least squares with an iteratively reweighted robust loss, outlier
// trimming, and a convex repair pass over both theta and the fitted
// time-value sequence.
package pcfit

import (
	"math"
	"sort"

	"github.com/contactkeval/smile-engine/internal/coreerr"
	"gonum.org/v1/gonum/stat"
)

// RobustLoss selects the IRLS weighting family.
type RobustLoss int

const (
	Huber RobustLoss = iota
	Tukey
)

// FitOptions collapses the source's dynamic config object into a
// fixed record; defaults mirror the fitter's design notes.
type FitOptions struct {
	MinTick                 float64
	MinTVTicks              float64
	MinTVFracOfCC           float64
	ApplyTickFloorWithinBand bool
	MinTVAbsFloorTicks      float64
	MaxOutlierTrimBps       float64
	RobustLoss              RobustLoss
	HuberC                  float64
	TukeyC                  float64
	EnforceCallConvexity    bool
	ConvexityTol            float64
	TaperBand               float64
	TaperExp                float64
}

// DefaultFitOptions returns the constants named in the fitter's design
// notes, given the market's minimum tick.
func DefaultFitOptions(minTick float64) FitOptions {
	return FitOptions{
		MinTick:                  minTick,
		MinTVTicks:               2,
		MinTVFracOfCC:            0.5,
		ApplyTickFloorWithinBand: true,
		MinTVAbsFloorTicks:       1,
		MaxOutlierTrimBps:        150,
		RobustLoss:               Huber,
		HuberC:                   1.345,
		TukeyC:                   4.685,
		EnforceCallConvexity:     true,
		ConvexityTol:             1e-6,
		TaperBand:                0.25,
		TaperExp:                 1.0,
	}
}

// Leg is one sanitised input row.
type Leg struct {
	K      float64
	Mid    float64
	Weight *float64
	Vega   *float64
}

// FitRequest bundles the per-leg observations against which theta is
// fit. CCTV, Phi, and Legs are positionally aligned before Sanitise.
type FitRequest struct {
	Legs    []Leg
	F       float64
	CCTV    []float64
	Phi     []float64
	Options FitOptions
}

// Result is the full fit_pc_smile output.
type Result struct {
	Theta       float64
	TVFitted    []float64
	UsedMask    []bool
	RMSEBps     float64
	ShrinkCount int
	TrimCount   int
	MinTVSlack  float64
}

type row struct {
	k        float64 // log-moneyness, ln(K/F)
	K        float64
	mid      float64
	ccTV     float64
	phi      float64
	taper    float64
	w0       float64
	weight   float64 // current IRLS weight, starts at 1
	used     bool
}

// Fit runs fit_pc_smile. Inputs are sanitised internally; the caller
// need not pre-sort or de-dup.
func Fit(req FitRequest) (Result, error) {
	opt := req.Options
	if !(req.F > 0) {
		return Result{}, coreerr.New(coreerr.InvalidInput, "pcfit.Fit", "F must be > 0").With("F", req.F)
	}
	n := len(req.Legs)
	if n != len(req.CCTV) || n != len(req.Phi) {
		return Result{}, coreerr.New(coreerr.InvalidInput, "pcfit.Fit", "legs, ccTV, and phi must have equal length")
	}

	rows := sanitise(req.Legs, req.CCTV, req.Phi, req.F, opt)
	if len(rows) == 0 {
		return Result{}, coreerr.New(coreerr.InvalidInput, "pcfit.Fit", "no finite legs after sanitisation")
	}

	active := 0
	for _, r := range rows {
		if r.w0 > 0 {
			active++
		}
	}

	// early degeneracy: too few active rows to trust a fit.
	if active < 5 {
		tv := make([]float64, len(rows))
		used := make([]bool, len(rows))
		for i, r := range rows {
			tv[i] = r.ccTV
		}
		return Result{Theta: 0, TVFitted: tv, UsedMask: used}, coreerr.Newf(coreerr.Degenerate, "pcfit.Fit", "only %d active rows, need >= 5", active).
			With("activeRows", active)
	}

	allTapersZero := true
	for _, r := range rows {
		if r.phi != 0 {
			allTapersZero = false
			break
		}
	}

	var theta float64
	var shrinkCount, trimCount int

	if !allTapersZero {
		theta = solveWLS(rows)
		theta, rows = irls(rows, theta, opt)
		theta, trimCount, rows = trimOutliers(rows, theta, opt)

		if opt.EnforceCallConvexity {
			theta, shrinkCount = repairConvexity(theta, rows, req.F, opt)
		}
	}

	tvRaw := make([]float64, len(rows))
	for i, r := range rows {
		tvRaw[i] = r.ccTV + theta*r.taper
	}

	tvFloored, minSlack := applyFloors(rows, tvRaw, opt)
	tvFinal := convexRepair(rows, tvFloored)
	tvFinal, minSlack = applyFloorsToSeries(rows, tvFinal, opt, minSlack)

	used := make([]bool, len(rows))
	sumSq := 0.0
	cnt := 0
	for i, r := range rows {
		used[i] = r.used
		if used[i] {
			diff := tvFinal[i] - r.mid
			sumSq += diff * diff
			cnt++
		}
	}
	rmseBps := 0.0
	if cnt > 0 {
		rmse := math.Sqrt(sumSq / float64(cnt))
		avgMid := 0.0
		for _, r := range rows {
			avgMid += r.mid
		}
		avgMid /= float64(len(rows))
		if avgMid > 0 {
			rmseBps = rmse / avgMid * 1e4
		}
	}

	return Result{
		Theta:       theta,
		TVFitted:    tvFinal,
		UsedMask:    used,
		RMSEBps:     rmseBps,
		ShrinkCount: shrinkCount,
		TrimCount:   trimCount,
		MinTVSlack:  minSlack,
	}, nil
}

// sanitise drops non-finite/negative legs, de-dups strikes keeping the
// max-weight row, sorts by k, and computes taper/base weight.
func sanitise(legs []Leg, ccTV, phi []float64, F float64, opt FitOptions) []row {
	byK := make(map[float64]row)
	for i, l := range legs {
		if !(l.K > 0) || math.IsInf(l.K, 0) || math.IsNaN(l.Mid) || math.IsInf(l.Mid, 0) || l.Mid < 0 ||
			math.IsNaN(ccTV[i]) || math.IsInf(ccTV[i], 0) || ccTV[i] < 0 {
			continue
		}
		weight := 1.0
		if l.Weight != nil {
			weight = *l.Weight
		}
		if weight < 0 || math.IsNaN(weight) {
			continue
		}
		k := math.Log(l.K / F)
		p := phi[i]
		if p < 0 {
			p = 0
		}
		if p > 1 {
			p = 1
		}
		taper := math.Max(0, 1-math.Pow(math.Abs(k)/opt.TaperBand, opt.TaperExp))

		scale := math.Max(0.1*1e-4*ccTV[i], 1e-6)
		if l.Vega != nil {
			scale = math.Max(2*(*l.Vega)*1e-4, scale)
		}
		w0 := weight * p / (scale * scale)
		if p == 0 {
			w0 = 0
		}

		r := row{k: k, K: l.K, mid: l.Mid, ccTV: ccTV[i], phi: p, taper: taper, w0: w0, weight: w0, used: w0 > 0}
		if existing, ok := byK[l.K]; !ok || r.weight > existing.weight {
			byK[l.K] = r
		}
	}

	out := make([]row, 0, len(byK))
	for _, r := range byK {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].k < out[j].k })
	return out
}

func solveWLS(rows []row) float64 {
	var sumWXY, sumWXX float64
	for _, r := range rows {
		x := r.taper
		y := r.mid - r.ccTV
		sumWXY += r.weight * x * y
		sumWXX += r.weight * x * x
	}
	if sumWXX <= 0 {
		return 0
	}
	return sumWXY / sumWXX
}

// irls reweights rows from robust residual scale for up to 5
// iterations, stopping early once the weighted-residual update is
// small.
func irls(rows []row, theta float64, opt FitOptions) (float64, []row) {
	const maxIters = 5
	const tol = 1e-4
	cur := append([]row(nil), rows...)

	for iter := 0; iter < maxIters; iter++ {
		resid := make([]float64, len(cur))
		for i, r := range cur {
			resid[i] = r.mid - (r.ccTV + theta*r.taper)
		}
		sigma := 1.4826 * mad(resid)
		if sigma <= 0 {
			break
		}

		maxDelta := 0.0
		next := append([]row(nil), cur...)
		for i, r := range cur {
			z := resid[i] / sigma
			var robust float64
			switch opt.RobustLoss {
			case Tukey:
				if math.Abs(z) < opt.TukeyC {
					u := z / opt.TukeyC
					robust = (1 - u*u) * (1 - u*u)
				}
			default:
				robust = math.Min(1, opt.HuberC/math.Max(math.Abs(z), 1e-12))
			}
			newWeight := r.w0 * robust
			delta := math.Abs(newWeight*resid[i] - r.weight*resid[i])
			if delta > maxDelta {
				maxDelta = delta
			}
			next[i].weight = newWeight
		}
		cur = next
		theta = solveWLS(cur)
		if maxDelta < tol {
			break
		}
	}
	return theta, cur
}

// mad returns the median absolute deviation of xs, via gonum's
// empirical-quantile estimator for both the median and the deviation
// pass.
func mad(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	med := stat.Quantile(0.5, stat.Empirical, sorted, nil)
	devs := make([]float64, len(xs))
	for i, x := range xs {
		devs[i] = math.Abs(x - med)
	}
	sort.Float64s(devs)
	return stat.Quantile(0.5, stat.Empirical, devs, nil)
}

// trimOutliers drops rows whose residual exceeds the MAD-derived
// tolerance or the configured bps-of-market-TV tolerance, then
// re-solves theta on the survivors.
func trimOutliers(rows []row, theta float64, opt FitOptions) (float64, int, []row) {
	resid := make([]float64, len(rows))
	for i, r := range rows {
		resid[i] = r.mid - (r.ccTV + theta*r.taper)
	}
	sigma := 1.4826 * mad(resid)

	survivors := make([]row, 0, len(rows))
	trimmed := 0
	for i, r := range rows {
		bpsTol := opt.MaxOutlierTrimBps * 1e-4 * math.Max(r.mid, 1e-9)
		madTol := 0.0
		if sigma > 0 {
			madTol = 6 * sigma
		}
		tol := bpsTol
		if madTol > 0 && madTol < tol {
			tol = madTol
		}
		if r.w0 > 0 && math.Abs(resid[i]) > tol && tol > 0 {
			trimmed++
			r.weight = 0
			r.w0 = 0
			r.used = false
		}
		survivors = append(survivors, r)
	}
	if trimmed > 0 {
		theta = solveWLS(survivors)
	}
	return theta, trimmed, survivors
}

// repairConvexity shrinks theta toward zero until the Black-76
// call-price stencil is non-negative everywhere, capped at 10 shrinks.
func repairConvexity(theta float64, rows []row, F float64, opt FitOptions) (float64, int) {
	shrink := 0
	for shrink < 10 {
		if convexityOK(theta, rows, F, opt) {
			return theta, shrink
		}
		theta *= 0.8
		shrink++
	}
	return theta, shrink
}

func convexityOK(theta float64, rows []row, F float64, opt FitOptions) bool {
	if len(rows) < 3 {
		return true
	}
	prices := make([]float64, len(rows))
	for i, r := range rows {
		tv := r.ccTV + theta*r.taper
		prices[i] = impliedCallFromTV(r.K, F, tv)
	}
	for i := 1; i+1 < len(rows); i++ {
		h1 := rows[i].K - rows[i-1].K
		h2 := rows[i+1].K - rows[i].K
		if h1 <= 0 || h2 <= 0 {
			continue
		}
		conv := 2 * ((prices[i+1]-prices[i])/(h2*(h1+h2)) - (prices[i]-prices[i-1])/(h1*(h1+h2)))
		if conv < -opt.ConvexityTol {
			return false
		}
	}
	return true
}

// impliedCallFromTV reconstructs the Black-76 call price implied by a
// given OTM/ATM time value: for K>=F the quoted mid already is the
// call price (OTM call, zero intrinsic); for K<F we add the forward
// intrinsic back so convexity is checked on the actual call-price
// curve rather than the put-side time value.
func impliedCallFromTV(K, F, tv float64) float64 {
	if K >= F {
		return tv
	}
	return tv + (F - K)
}

func applyFloors(rows []row, tvRaw []float64, opt FitOptions) ([]float64, float64) {
	out := make([]float64, len(tvRaw))
	minSlack := math.Inf(1)
	for i, r := range rows {
		floor := floorFor(r, opt)
		v := tvRaw[i]
		if v < floor {
			v = floor
		}
		out[i] = v
		slack := v - floor
		if slack < minSlack {
			minSlack = slack
		}
	}
	if math.IsInf(minSlack, 1) {
		minSlack = 0
	}
	return out, minSlack
}

func applyFloorsToSeries(rows []row, tv []float64, opt FitOptions, prevSlack float64) ([]float64, float64) {
	out := make([]float64, len(tv))
	minSlack := prevSlack
	for i, r := range rows {
		floor := floorFor(r, opt)
		v := tv[i]
		if v < floor {
			v = floor
		}
		out[i] = v
		slack := v - floor
		if slack < minSlack {
			minSlack = slack
		}
	}
	return out, minSlack
}

func floorFor(r row, opt FitOptions) float64 {
	floor := opt.MinTVAbsFloorTicks * opt.MinTick
	inBand := math.Abs(r.k) <= opt.TaperBand
	if opt.ApplyTickFloorWithinBand && inBand {
		tickFloor := opt.MinTVTicks * opt.MinTick
		if tickFloor > floor {
			floor = tickFloor
		}
	}
	fracFloor := opt.MinTVFracOfCC * r.ccTV
	if fracFloor > floor {
		floor = fracFloor
	}
	return floor
}

// convexRepair merges adjacent slope blocks (Pool-Adjacent-Violators
// on slope-vs-K) until the sequence of slopes between successive
// strikes is non-decreasing, then reconstructs tv from those slopes.
func convexRepair(rows []row, tv []float64) []float64 {
	n := len(rows)
	if n < 3 {
		return tv
	}

	type block struct {
		sumSlopeWidth float64
		sumWidth      float64
		n             int
	}
	blocks := make([]block, 0, n-1)
	for i := 1; i < n; i++ {
		width := rows[i].K - rows[i-1].K
		if width <= 0 {
			width = 1e-9
		}
		slope := (tv[i] - tv[i-1]) / width
		blocks = append(blocks, block{sumSlopeWidth: slope * width, sumWidth: width, n: 1})

		for len(blocks) > 1 {
			last := blocks[len(blocks)-1]
			prev := blocks[len(blocks)-2]
			if last.sumSlopeWidth/last.sumWidth < prev.sumSlopeWidth/prev.sumWidth {
				merged := block{
					sumSlopeWidth: prev.sumSlopeWidth + last.sumSlopeWidth,
					sumWidth:      prev.sumWidth + last.sumWidth,
					n:             prev.n + last.n,
				}
				blocks = append(blocks[:len(blocks)-2], merged)
			} else {
				break
			}
		}
	}

	out := make([]float64, n)
	out[0] = tv[0]
	idx := 1
	for _, b := range blocks {
		avgSlope := b.sumSlopeWidth / b.sumWidth
		for j := 0; j < b.n; j++ {
			width := rows[idx].K - rows[idx-1].K
			if width <= 0 {
				width = 1e-9
			}
			out[idx] = out[idx-1] + avgSlope*width
			idx++
		}
	}
	return out
}

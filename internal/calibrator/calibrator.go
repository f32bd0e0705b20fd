// Package calibrator implements the ATM-anchored delta-shell SVI
// calibrator: it locks ATM total variance from the row nearest the
// forward, grows symmetric delta shells outward fitting S0/C0 against
// a Huber-robust loss on time value, then fits the wings against deep
// OTM rows, and finally re-locks L0 before returning SVI parameters.
package calibrator

import (
	"math"
	"time"

	"github.com/contactkeval/smile-engine/internal/black76"
	"github.com/contactkeval/smile-engine/internal/coreerr"
	"github.com/contactkeval/smile-engine/internal/marketspec"
	"github.com/contactkeval/smile-engine/internal/svi"
	"gonum.org/v1/gonum/floats"
)

// Quote is one strike's quoted market row.
type Quote struct {
	K         float64
	MidQuoted float64
	IV        *float64
	Weight    *float64
}

// Config bundles the calibrator's tunables; the zero value is not
// usable, use DefaultConfig to seed one and override selectively.
type Config struct {
	MarketSpec   marketspec.MarketSpec
	SVI          svi.Config
	HuberKTicks  float64 // Huber threshold expressed as a multiple of MinTick
	ShellStep    float64
	ShellFloor   float64 // stop growing shells once target < this
	ATMIVFloor   float64
	ATMIVCap     float64
	ATMIVDefault float64
	Grids        []GridResolution
	WingGridN    int
	WingSNegLo   float64
	WingSNegHi   float64
	WingSPosLo   float64
	WingSPosHi   float64
	WingDeltaLo  float64 // call-delta <= this is a left-wing row
	WingDeltaHi  float64 // call-delta >= this is a right-wing row
	SeedWingSlope float64 // initial b-like magnitude before any shells are fit
}

// GridResolution is one pass of the coarse-to-fine (S0, C0) sweep.
type GridResolution struct {
	N    int
	Span float64
}

// DefaultConfig returns the calibrator constants used in production.
func DefaultConfig(ms marketspec.MarketSpec) Config {
	return Config{
		MarketSpec:   ms,
		SVI:          svi.DefaultConfig(),
		HuberKTicks:  6,
		ShellStep:    0.01,
		ShellFloor:   0.20,
		ATMIVFloor:   0.20,
		ATMIVCap:     2.0,
		ATMIVDefault: 0.50,
		Grids: []GridResolution{
			{N: 15, Span: 0.25},
			{N: 9, Span: 0.12},
			{N: 7, Span: 0.06},
		},
		WingGridN:     17,
		WingSNegLo:    -1.5,
		WingSNegHi:    -0.05,
		WingSPosLo:    0.05,
		WingSPosHi:    1.5,
		WingDeltaLo:   0.15,
		WingDeltaHi:   0.85,
		SeedWingSlope: 0.3,
	}
}

// FitRequest is the input to FitDeltaShells.
type FitRequest struct {
	Quotes   []Quote
	F        float64
	TExpiry  time.Time
	Now      time.Time
	Symbol   string
	Cfg      Config
}

// YearFrac computes an ACT/365.25 year fraction, the day-count fixed
// by this system's moneyness convention.
func YearFrac(now, expiry time.Time) float64 {
	return expiry.Sub(now).Hours() / 24 / 365.25
}

type fitRow struct {
	K       float64
	IsCall  bool
	TVObs   float64 // quoted time value
	Weight  float64
}

// FitDeltaShells runs the ATM-anchored calibration described in the
// calibration and returns the resulting SVI parameters. On a Degenerate
// failure it still returns a usable (ATM-only) fallback and a non-nil
// error the caller can inspect with coreerr.Is.
func FitDeltaShells(req FitRequest) (svi.Params, error) {
	cfg := req.Cfg
	F := req.F
	T := YearFrac(req.Now, req.TExpiry)

	if len(req.Quotes) == 0 {
		return svi.Params{}, coreerr.New(coreerr.InvalidInput, "calibrator.FitDeltaShells", "Empty: no quotes supplied")
	}
	if !(F > 0) || T <= 0 {
		return svi.Params{}, coreerr.New(coreerr.InvalidInput, "calibrator.FitDeltaShells", "F must be >0 and expiry must be in the future").
			With("F", F).With("T", T)
	}

	minTick := cfg.MarketSpec.MinTick
	if minTick <= 0 {
		minTick = 1e-4
	}
	huberK := cfg.HuberKTicks * minTick

	// --- step 1: ATM lock ---
	atmIdx := nearestIndex(req.Quotes, F)
	atmQuote := req.Quotes[atmIdx]
	iv := cfg.ATMIVDefault
	if atmQuote.IV != nil {
		iv = clamp(*atmQuote.IV, cfg.ATMIVFloor, cfg.ATMIVCap)
	}
	lockedL0 := iv * iv * T

	// seed metrics before any shell is fit: ATM-only SVI.
	metrics := svi.Metrics{
		L0:   lockedL0,
		S0:   0,
		C0:   1.0,
		SNeg: cfg.SeedWingSlope,
		SPos: cfg.SeedWingSlope,
	}
	current := svi.FromMetrics(metrics, cfg.SVI, svi.FromMetricsOptions{})

	// --- step 2: grow shells ---
	used := map[int]bool{atmIdx: true}
	var fitSet []fitRow

	for target := 0.49; target >= cfg.ShellFloor-1e-9; target -= cfg.ShellStep {
		putIdx := nearestUnusedByDelta(req.Quotes, used, F, T, current, 1-target, true)
		if putIdx >= 0 {
			used[putIdx] = true
			fitSet = append(fitSet, toFitRow(req.Quotes[putIdx], F, cfg.MarketSpec, minTick))
		}
		callIdx := nearestUnusedByDelta(req.Quotes, used, F, T, current, target, false)
		if callIdx >= 0 {
			used[callIdx] = true
			fitSet = append(fitSet, toFitRow(req.Quotes[callIdx], F, cfg.MarketSpec, minTick))
		}

		if len(fitSet) == 0 {
			continue
		}

		// --- step 3: refit S0, C0 on the accumulated fit set ---
		s0, c0 := metrics.S0, metrics.C0
		for _, g := range cfg.Grids {
			s0, c0 = sweepS0C0(g, s0, c0, lockedL0, metrics.SNeg, metrics.SPos, cfg, F, T, fitSet, huberK)
		}
		metrics.S0, metrics.C0 = s0, c0
		current = svi.FromMetrics(metrics, cfg.SVI, svi.FromMetricsOptions{})
	}

	if len(fitSet) < 5 {
		fallback := svi.FromMetrics(svi.Metrics{L0: lockedL0, S0: 0, C0: 1.0, SNeg: cfg.SeedWingSlope, SPos: cfg.SeedWingSlope}, cfg.SVI, svi.FromMetricsOptions{})
		return fallback, coreerr.Newf(coreerr.Degenerate, "calibrator.FitDeltaShells", "only %d usable rows, need >= 5", len(fitSet)).
			With("usableRows", len(fitSet))
	}

	// --- step 4: wings ---
	var wingRows []fitRow
	for i, q := range req.Quotes {
		if i == atmIdx {
			continue
		}
		delta := callDelta(q.K, F, T, current)
		if delta <= cfg.WingDeltaLo || delta >= cfg.WingDeltaHi {
			wingRows = append(wingRows, toFitRow(q, F, cfg.MarketSpec, minTick))
		}
	}
	if len(wingRows) > 0 {
		sNeg, sPos := sweepWings(cfg, lockedL0, metrics.S0, metrics.C0, F, T, wingRows, huberK)
		metrics.SNeg, metrics.SPos = sNeg, sPos
	}

	// --- step 5: re-lock L0 ---
	metrics.L0 = lockedL0
	final := svi.FromMetrics(metrics, cfg.SVI, svi.FromMetricsOptions{PreserveBumps: true})
	return final, nil
}

func nearestIndex(qs []Quote, F float64) int {
	best := 0
	bestDist := math.Inf(1)
	for i, q := range qs {
		d := math.Abs(q.K - F)
		if d < bestDist {
			bestDist = d
			best = i
		}
	}
	return best
}

// nearestUnusedByDelta scans the rows on the requested side of the
// forward (wantLeft selects K<=F candidates, i.e. the put side) and
// returns the index whose model call-delta is nearest targetDelta.
func nearestUnusedByDelta(qs []Quote, used map[int]bool, F, T float64, p svi.Params, targetDelta float64, wantLeft bool) int {
	best := -1
	bestDist := math.Inf(1)
	for i, q := range qs {
		if used[i] {
			continue
		}
		isLeft := q.K <= F
		if isLeft != wantLeft {
			continue
		}
		d := callDelta(q.K, F, T, p)
		dist := math.Abs(d - targetDelta)
		if dist < bestDist {
			bestDist = dist
			best = i
		}
	}
	return best
}

func callDelta(K, F, T float64, p svi.Params) float64 {
	iv := svi.IV(svi.K(K, F), T, p)
	g, err := black76.PriceAndGreeks(F, K, T, iv, 1.0, true)
	if err != nil {
		return math.NaN()
	}
	return g.Delta
}

// toFitRow converts a quoted row into its OTM leg (call above the
// forward, put at or below it) and the corresponding fit weight. Every
// row built this way prices an OTM leg, whose intrinsic value against
// the forward is zero, so the quoted mid is already a time value.
func toFitRow(q Quote, F float64, ms marketspec.MarketSpec, minTick float64) fitRow {
	isCall := q.K > F
	tv := q.MidQuoted
	floor := minTick / 2
	if tv < floor {
		tv = floor
	}
	weight := 1.0
	if q.Weight != nil {
		weight = *q.Weight
	}
	return fitRow{K: q.K, IsCall: isCall, TVObs: tv, Weight: weight}
}

func huberLoss(r, k float64) float64 {
	ar := math.Abs(r)
	if ar <= k {
		return 0.5 * r * r
	}
	return k * (ar - 0.5*k)
}

// modelTimeValue reprices row's OTM leg under p and restates it in the
// market's quoting convention; since row is always an OTM leg its
// intrinsic value is zero, so the price already is the time value.
func modelTimeValue(row fitRow, F, T float64, p svi.Params, ms marketspec.MarketSpec) float64 {
	iv := svi.IV(svi.K(row.K, F), T, p)
	g, err := black76.PriceAndGreeks(F, row.K, T, iv, 1.0, row.IsCall)
	if err != nil {
		return math.NaN()
	}
	return ms.FromBaseToQuoted(g.Price, F)
}

func scoreCandidate(m svi.Metrics, cfg Config, F, T float64, rows []fitRow, huberK float64) (float64, bool) {
	p := svi.FromMetrics(m, cfg.SVI, svi.FromMetricsOptions{PreserveBumps: true})
	vr := svi.Validate(p, cfg.SVI)
	if !vr.Valid {
		return 0, false
	}
	losses := make([]float64, len(rows))
	for i, row := range rows {
		tvModel := modelTimeValue(row, F, T, p, cfg.MarketSpec)
		losses[i] = row.Weight * huberLoss(tvModel-row.TVObs, huberK)
	}
	return floats.Sum(losses), true
}

func sweepS0C0(g GridResolution, s0Center, c0Center, lockedL0, sNeg, sPos float64, cfg Config, F, T float64, rows []fitRow, huberK float64) (float64, float64) {
	bestS0, bestC0 := s0Center, c0Center
	bestLoss := math.Inf(1)
	found := false
	if g.N < 2 {
		g.N = 2
	}
	for i := 0; i < g.N; i++ {
		for j := 0; j < g.N; j++ {
			s0 := s0Center - g.Span + 2*g.Span*float64(i)/float64(g.N-1)
			c0 := c0Center - g.Span + 2*g.Span*float64(j)/float64(g.N-1)
			if c0 <= 0 {
				continue
			}
			m := svi.Metrics{L0: lockedL0, S0: s0, C0: c0, SNeg: sNeg, SPos: sPos}
			loss, ok := scoreCandidate(m, cfg, F, T, rows, huberK)
			if ok && (!found || loss < bestLoss) {
				found = true
				bestLoss = loss
				bestS0, bestC0 = s0, c0
			}
		}
	}
	if !found {
		return s0Center, c0Center
	}
	return bestS0, bestC0
}

func sweepWings(cfg Config, lockedL0, s0, c0, F, T float64, rows []fitRow, huberK float64) (float64, float64) {
	n := cfg.WingGridN
	if n < 2 {
		n = 2
	}
	bestSNeg, bestSPos := cfg.SeedWingSlope, cfg.SeedWingSlope
	bestLoss := math.Inf(1)
	found := false
	for i := 0; i < n; i++ {
		sNeg := cfg.WingSNegLo + (cfg.WingSNegHi-cfg.WingSNegLo)*float64(i)/float64(n-1)
		for j := 0; j < n; j++ {
			sPos := cfg.WingSPosLo + (cfg.WingSPosHi-cfg.WingSPosLo)*float64(j)/float64(n-1)
			m := svi.Metrics{L0: lockedL0, S0: s0, C0: c0, SNeg: sNeg, SPos: sPos}
			loss, ok := scoreCandidate(m, cfg, F, T, rows, huberK)
			if ok && (!found || loss < bestLoss) {
				found = true
				bestLoss = loss
				bestSNeg, bestSPos = sNeg, sPos
			}
		}
	}
	if !found {
		return s0, s0 // degenerate: no valid wing candidate, both wing metrics fall back to S0
	}
	return bestSNeg, bestSPos
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

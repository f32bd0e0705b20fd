// Package inventory implements the bucket-level inventory to
// smile-deformation map: per-bucket net vega drives a signed edge in
// ticks, which in turn nudges the trader-metrics view of the smile
// according to a fixed rule table, before re-projecting to SVI params.
package inventory

import (
	"math"

	"github.com/contactkeval/smile-engine/internal/svi"
)

// BucketName is one of the four canonical delta buckets.
type BucketName string

const (
	ATM  BucketName = "atm"
	RR25 BucketName = "rr25"
	RR10 BucketName = "rr10"
	Wings BucketName = "wings"
)

// DeltaBucket classifies strikes by absolute put-delta range.
type DeltaBucket struct {
	Name     BucketName
	DeltaMin float64
	DeltaMax float64
}

// StandardBuckets is the canonical classification used throughout the
// engine: atm around 0.50, rr25 around the 0.25 risk reversal, rr10
// around 0.10, and wings beyond that.
var StandardBuckets = []DeltaBucket{
	{Name: ATM, DeltaMin: 0.40, DeltaMax: 0.60},
	{Name: RR25, DeltaMin: 0.15, DeltaMax: 0.40},
	{Name: RR10, DeltaMin: 0.05, DeltaMax: 0.15},
	{Name: Wings, DeltaMin: 0, DeltaMax: 0.05},
}

// Classify returns the bucket whose range contains absPutDelta.
// Values at or above the top of the ATM range also map to ATM;
// anything else outside the standard ranges maps to Wings.
func Classify(absPutDelta float64) BucketName {
	for _, b := range StandardBuckets {
		if absPutDelta >= b.DeltaMin && absPutDelta < b.DeltaMax {
			return b.Name
		}
	}
	if absPutDelta >= StandardBuckets[0].DeltaMax {
		return ATM
	}
	return Wings
}

// EdgeParams are the per-bucket edge-curve coefficients.
type EdgeParams struct {
	E0   float64
	Kappa float64
	Gamma float64
	Vref float64
}

// BucketInventory is one bucket's aggregate net position.
type BucketInventory struct {
	Vega  float64
	Count int
}

// Config bundles the per-bucket edge params and the activation floor
// below which a bucket's vega is ignored.
type Config struct {
	VegaFloor float64
	Edge      map[BucketName]EdgeParams
}

// DefaultConfig returns reasonable per-bucket edge curves; callers
// tune these per underlying.
func DefaultConfig() Config {
	return Config{
		VegaFloor: 0.1,
		Edge: map[BucketName]EdgeParams{
			ATM:  {E0: 0.5, Kappa: 1.0, Gamma: 0.7, Vref: 1000},
			RR25: {E0: 0.5, Kappa: 1.2, Gamma: 0.7, Vref: 1000},
			RR10: {E0: 0.5, Kappa: 1.5, Gamma: 0.8, Vref: 1000},
			Wings: {E0: 0.5, Kappa: 2.0, Gamma: 0.9, Vref: 1000},
		},
	}
}

// EdgeTicks computes E(v) = -sign(v)*(E0 + kappa*(|v|/Vref)^gamma).
func EdgeTicks(v float64, p EdgeParams) float64 {
	if v == 0 {
		return 0
	}
	mag := p.E0 + p.Kappa*math.Pow(math.Abs(v)/p.Vref, p.Gamma)
	return -math.Copysign(mag, v)
}

// MetricDelta is the accumulated nudge to apply to trader metrics for
// one bucket's net position.
type MetricDelta struct {
	DL0, DS0, DC0, DSNeg, DSPos float64
}

// deltaForBucket applies the fixed bucket->metric-delta rule table. v is the
// bucket's signed net vega (negative = net short that bucket); e is
// the edge in ticks for that vega.
func deltaForBucket(name BucketName, v, e float64) MetricDelta {
	short := v < 0
	switch name {
	case ATM:
		return MetricDelta{
			DL0: e * 1e-3,
			DC0: math.Copysign(1, v) * e * 2e-4,
		}
	case RR25:
		if short {
			return MetricDelta{DL0: e * 2e-4, DS0: e * 3e-4, DSNeg: -e * 2e-4}
		}
		return MetricDelta{DL0: -e * 2e-4, DS0: -e * 3e-4, DSNeg: e * 2e-4}
	case RR10:
		if short {
			return MetricDelta{DS0: e * 2e-4, DSNeg: -e * 3e-4}
		}
		return MetricDelta{DS0: -e * 2e-4, DSNeg: e * 3e-4}
	case Wings:
		if short {
			return MetricDelta{DS0: e * 1e-4, DSNeg: -e * 4e-4}
		}
		// long wings: negate the short-wings rule by symmetry with the
		// other buckets' short/long pairs.
		return MetricDelta{DS0: -e * 1e-4, DSNeg: e * 4e-4}
	default:
		return MetricDelta{}
	}
}

// Deform computes adjusted trader metrics from the base CC metrics and
// the current per-bucket inventory, building candidate SVI params via
// FromMetrics(preserveBumps:true). If the candidate fails validation,
// the base metrics are returned unchanged (fall back to CC).
func Deform(base svi.Metrics, inv map[BucketName]BucketInventory, cfg Config, sviCfg svi.Config) (svi.Metrics, svi.Params, bool) {
	adjusted := base
	for name, bi := range inv {
		if math.Abs(bi.Vega) < cfg.VegaFloor {
			continue
		}
		params, ok := cfg.Edge[name]
		if !ok {
			continue
		}
		e := EdgeTicks(bi.Vega, params)
		d := deltaForBucket(name, bi.Vega, e)
		adjusted.L0 += d.DL0
		adjusted.S0 += d.DS0
		adjusted.C0 += d.DC0
		adjusted.SNeg += d.DSNeg
		adjusted.SPos += d.DSPos
	}

	candidate := svi.FromMetrics(adjusted, sviCfg, svi.FromMetricsOptions{PreserveBumps: true})
	vr := svi.Validate(candidate, sviCfg)
	if !vr.Valid {
		fallback := svi.FromMetrics(base, sviCfg, svi.FromMetricsOptions{PreserveBumps: true})
		return base, fallback, false
	}
	return adjusted, candidate, true
}

// Summary is the report returned by DualSurfaceEngine.getInventorySummary.
type Summary struct {
	TotalVega       float64
	ByBucket        map[BucketName]BucketInventory
	SmileAdjustments MetricDelta
}

// Summarize aggregates per-bucket inventory into a total-vega summary
// and reports the net metric delta the deformation would apply.
func Summarize(base svi.Metrics, adjusted svi.Metrics, inv map[BucketName]BucketInventory) Summary {
	total := 0.0
	for _, bi := range inv {
		total += bi.Vega
	}
	return Summary{
		TotalVega: total,
		ByBucket:  inv,
		SmileAdjustments: MetricDelta{
			DL0:   adjusted.L0 - base.L0,
			DS0:   adjusted.S0 - base.S0,
			DC0:   adjusted.C0 - base.C0,
			DSNeg: adjusted.SNeg - base.SNeg,
			DSPos: adjusted.SPos - base.SPos,
		},
	}
}

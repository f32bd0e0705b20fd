// Package svi implements the raw SVI total-variance smile
// parameterisation, its trader-metrics projection, and the static
// validity checks required of every observable smile in the core.
package svi

import (
	"fmt"
	"math"

	"github.com/contactkeval/smile-engine/internal/coreerr"
)

// LogMoneyness brands k = ln(K/F) as a distinct type from unbranded
// floats, so a strike or forward can never be passed where a
// log-moneyness is expected without an explicit conversion.
type LogMoneyness float64

// K computes the log-moneyness of strike relative to forward.
func K(strike, forward float64) LogMoneyness {
	return LogMoneyness(math.Log(strike / forward))
}

// Params is the five-parameter raw SVI smile: w(k) = a + b*(rho*(k-m)
// + sqrt((k-m)^2 + sigma^2)). m is pinned to 0 everywhere in this
// system (FromMetrics always sets it to 0), but kept as a field for fidelity with
// the textbook parameterisation.
type Params struct {
	A, B, Rho, Sigma, M float64
}

// Metrics is the bijective "trader view" of Params at m=0.
type Metrics struct {
	L0   float64 // ATM total variance: a + b*sigma
	S0   float64 // ATM skew: b*rho
	C0   float64 // curvature: b/sigma
	SNeg float64 // left wing slope: b*(1-rho)
	SPos float64 // right wing slope: b*(1+rho)
}

// Config bundles the clamps and tolerances used by FromMetrics and
// Validate. Defaults mirror the system's numeric floors.
type Config struct {
	BMin              float64
	SigmaMin          float64
	RhoMax            float64
	C0Min             float64
	WingMaxSlope      float64
	ValidateGridStep  float64
	ValidateGridSpan  float64 // grid covers [-span, span]
	ConvexityTol      float64
	WingBlendWeight   float64 // weight given to the S0/b fallback when blending (Open Question 2 default 0.25)
	DenomEps          float64 // |S_pos+S_neg| below this is treated as degenerate
}

// DefaultConfig returns the standard SVI validation tolerances.
func DefaultConfig() Config {
	return Config{
		BMin:             1e-6,
		SigmaMin:         1e-3,
		RhoMax:           0.995,
		C0Min:            1e-6,
		WingMaxSlope:     2.0,
		ValidateGridStep: 0.1,
		ValidateGridSpan: 2.0,
		ConvexityTol:     3e-6,
		WingBlendWeight:  0.25,
		DenomEps:         1e-9,
	}
}

// W evaluates total variance at log-moneyness k.
func W(k LogMoneyness, p Params) float64 {
	d := float64(k) - p.M
	return p.A + p.B*(p.Rho*d+math.Sqrt(d*d+p.Sigma*p.Sigma))
}

// IV converts total variance at (k, T) to annualised volatility, with
// a numeric floor so downstream consumers never take sqrt of a
// negative or zero variance.
func IV(k LogMoneyness, T float64, p Params) float64 {
	const wFloor = 1e-12
	const tFloor = 1e-12
	w := W(k, p)
	if w < wFloor {
		w = wFloor
	}
	t := T
	if t < tFloor {
		t = tFloor
	}
	return math.Sqrt(w / t)
}

// ToMetrics is a pure projection from raw params to trader metrics.
func ToMetrics(p Params) Metrics {
	return Metrics{
		L0:   p.A + p.B*p.Sigma,
		S0:   p.B * p.Rho,
		C0:   p.B / p.Sigma,
		SNeg: p.B * (1 - p.Rho),
		SPos: p.B * (1 + p.Rho),
	}
}

// FromMetricsOptions tunes the metrics->params projection.
type FromMetricsOptions struct {
	// PreserveBumps, when the wing slopes have collapsed (S_pos+S_neg
	// near zero), blends the wing-derived rho with S0/b instead of
	// dropping the skew information the wings carried.
	PreserveBumps bool
}

// FromMetrics is the inverse projection used by the calibrator, the
// CC/PC updater, and the inventory deformation map. m is always 0.
func FromMetrics(m Metrics, cfg Config, opts FromMetricsOptions) Params {
	b := (m.SPos + m.SNeg) / 2
	if b < cfg.BMin {
		b = cfg.BMin
	}

	denom := m.SPos + m.SNeg
	var rho float64
	if math.Abs(denom) >= cfg.DenomEps {
		rho = (m.SPos - m.SNeg) / denom
	} else {
		s0Rho := 0.0
		if b > cfg.BMin/2 {
			s0Rho = m.S0 / b
		}
		if opts.PreserveBumps {
			regDenom := cfg.DenomEps
			if denom < 0 {
				regDenom = -cfg.DenomEps
			}
			wingRho := (m.SPos - m.SNeg) / regDenom
			rho = (1-cfg.WingBlendWeight)*wingRho + cfg.WingBlendWeight*s0Rho
		} else {
			rho = s0Rho
		}
	}
	if rho > cfg.RhoMax {
		rho = cfg.RhoMax
	}
	if rho < -cfg.RhoMax {
		rho = -cfg.RhoMax
	}

	c0 := m.C0
	if c0 < cfg.C0Min {
		c0 = cfg.C0Min
	}
	sigma := b / c0
	if sigma < cfg.SigmaMin {
		sigma = cfg.SigmaMin
	}

	a := m.L0 - b*sigma

	return Params{A: a, B: b, Rho: rho, Sigma: sigma, M: 0}
}

// ValidationResult reports whether p satisfies every static invariant
// and, if not, a human-readable list of which ones failed.
type ValidationResult struct {
	Valid  bool
	Errors []string
}

// Validate checks the raw-SVI static invariants: b>=0,
// |rho|<1, sigma>0, both wing slopes in [0, wingMaxSlope], and
// non-negative variance convexity on a uniform k-grid.
func Validate(p Params, cfg Config) ValidationResult {
	var errs []string

	if p.B < 0 {
		errs = append(errs, fmt.Sprintf("b must be >= 0, got %g", p.B))
	}
	if math.Abs(p.Rho) >= 1 {
		errs = append(errs, fmt.Sprintf("|rho| must be < 1, got %g", p.Rho))
	}
	if p.Sigma <= 0 {
		errs = append(errs, fmt.Sprintf("sigma must be > 0, got %g", p.Sigma))
	}

	leftWing := p.B * (1 - p.Rho)
	rightWing := p.B * (1 + p.Rho)
	if leftWing < 0 || leftWing > cfg.WingMaxSlope {
		errs = append(errs, fmt.Sprintf("left wing slope b(1-rho)=%g out of [0,%g]", leftWing, cfg.WingMaxSlope))
	}
	if rightWing < 0 || rightWing > cfg.WingMaxSlope {
		errs = append(errs, fmt.Sprintf("right wing slope b(1+rho)=%g out of [0,%g]", rightWing, cfg.WingMaxSlope))
	}

	if violK, margin, ok := checkConvexity(p, cfg); !ok {
		errs = append(errs, fmt.Sprintf("variance convexity violated at k=%g, d2w=%g", violK, margin))
	}

	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

// checkConvexity scans a uniform grid and returns the first point (if
// any) where the central second difference of w falls below -tol.
func checkConvexity(p Params, cfg Config) (k, d2w float64, ok bool) {
	step := cfg.ValidateGridStep
	span := cfg.ValidateGridSpan
	n := int(math.Round(2 * span / step))
	for i := 1; i < n; i++ {
		kc := -span + float64(i)*step
		wm := W(LogMoneyness(kc-step), p)
		w0 := W(LogMoneyness(kc), p)
		wp := W(LogMoneyness(kc+step), p)
		d2 := (wp - 2*w0 + wm) / (step * step)
		if d2 < -cfg.ConvexityTol {
			return kc, d2, false
		}
	}
	return 0, 0, true
}

// ErrInvalidSVI is the standard wrap used by callers that need to
// surface a failing Validate() result as a coreerr.
func ErrInvalidSVI(op string, vr ValidationResult) error {
	if vr.Valid {
		return nil
	}
	return coreerr.Newf(coreerr.InvalidSVI, op, "invalid SVI parameters: %v", vr.Errors)
}

// Package surface implements the DualSurfaceEngine: per-expiry Core
// Curve / Price Curve state, node bookkeeping, inventory-driven PC
// deformation, the width-delta rule, and quote emission. The engine
// is a synchronous library; a single exclusive-mutation discipline
// guards every Surface so no observer ever sees a partially rebuilt
// one.
package surface

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/contactkeval/smile-engine/internal/black76"
	"github.com/contactkeval/smile-engine/internal/coreerr"
	"github.com/contactkeval/smile-engine/internal/inventory"
	"github.com/contactkeval/smile-engine/internal/marketspec"
	"github.com/contactkeval/smile-engine/internal/svi"
)

// Bump is a Gaussian RBF contribution to total variance; the engine
// keeps these only as a diagnostic view of the PC deformation, the
// authoritative PC state is the SVI params stored on Surface.
type Bump struct {
	KCenter   float64
	Alpha     float64
	Lambda    float64
	BucketTag inventory.BucketName
}

// NodeState is per-strike, per-expiry trade bookkeeping. LastForward
// and IsCall are bookkeeping additions beyond the literal data model,
// needed to reprice a node's anchor against a new CC without
// re-deriving the trade's original side from strike vs. a
// since-replaced forward.
type NodeState struct {
	Strike        float64
	PCAnchor      float64
	WidthRef      float64
	Position      float64
	LastBucket    inventory.BucketName
	LastTradeTime time.Time
	LastForward   float64
	IsCall        bool
}

// Surface is one expiry's CC/PC state.
type Surface struct {
	T         float64
	CC        svi.Params
	CCMetrics svi.Metrics
	PC        svi.Params
	PCMetrics svi.Metrics
	PCBumps   []Bump
	Nodes     map[float64]NodeState
	StaleHours float64
}

// Quote is the bid/ask emission of getQuote.
type Quote struct {
	Bid      float64
	Ask      float64
	PCMid    float64
	CCMid    float64
	Edge     float64
	BidSize  float64
	AskSize  float64
	Bucket   inventory.BucketName
}

// InventorySummary is the getInventorySummary output.
type InventorySummary struct {
	TotalVega        float64
	ByBucket         map[inventory.BucketName]inventory.BucketInventory
	SmileAdjustments inventory.MetricDelta
}

// SizePolicy governs bid/ask size emission.
type SizePolicy struct {
	MinDisplay float64
	MaxDisplay float64
	Capacity   float64
}

// DefaultSizePolicy is a conservative starting point; callers tune per
// underlying.
func DefaultSizePolicy() SizePolicy {
	return SizePolicy{MinDisplay: 1, MaxDisplay: 50, Capacity: 200}
}

// EngineConfig bundles the injected dependencies and tunables the
// engine needs at construction time.
type EngineConfig struct {
	MarketSpec     marketspec.MarketSpec
	SVI            svi.Config
	Inventory      inventory.Config
	SizePolicy     SizePolicy
	DefaultStaleHours float64
	JacobianEps    float64
}

// DefaultEngineConfig returns the defaults named across §4.6/§9,
// given the caller's market spec.
func DefaultEngineConfig(ms marketspec.MarketSpec) EngineConfig {
	return EngineConfig{
		MarketSpec:        ms,
		SVI:               svi.DefaultConfig(),
		Inventory:         inventory.DefaultConfig(),
		SizePolicy:        DefaultSizePolicy(),
		DefaultStaleHours: 24,
		JacobianEps:       1e-4,
	}
}

// DualSurfaceEngine owns every Surface and the RiskScorer. Mutators
// (UpdateCC, OnTrade, SetProfile, RetireExpiry, RescoreFromMarket)
// take the write lock and increment version; observers (GetQuote,
// GetInventorySummary, arbitrage checks elsewhere) take the read lock.
type DualSurfaceEngine struct {
	mu       sync.RWMutex
	surfaces map[float64]*Surface
	risk     *RiskScorer
	cfg      EngineConfig
	version  uint64
}

// NewDualSurfaceEngine constructs an engine with no surfaces yet.
func NewDualSurfaceEngine(cfg EngineConfig) *DualSurfaceEngine {
	return &DualSurfaceEngine{
		surfaces: make(map[float64]*Surface),
		risk:     NewRiskScorer(),
		cfg:      cfg,
	}
}

// Version returns the monotonically increasing mutation counter.
func (e *DualSurfaceEngine) Version() uint64 {
	return atomic.LoadUint64(&e.version)
}

func (e *DualSurfaceEngine) bumpVersion() {
	atomic.AddUint64(&e.version, 1)
}

// UpdateCC rebuilds T's Core Curve from metrics. If T is new, the
// Surface is created with empty nodes and a PC identical to the CC.
// Otherwise every existing node's pcAnchor is rebased to preserve its
// quoted distance from the CC across the update.
func (e *DualSurfaceEngine) UpdateCC(T float64, metrics svi.Metrics) error {
	p := svi.FromMetrics(metrics, e.cfg.SVI, svi.FromMetricsOptions{})
	if vr := svi.Validate(p, e.cfg.SVI); !vr.Valid {
		return svi.ErrInvalidSVI("surface.DualSurfaceEngine.UpdateCC", vr)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	existing, ok := e.surfaces[T]
	if !ok {
		e.surfaces[T] = &Surface{
			T:          T,
			CC:         p,
			CCMetrics:  metrics,
			PC:         p,
			PCMetrics:  metrics,
			Nodes:      make(map[float64]NodeState),
			StaleHours: e.cfg.DefaultStaleHours,
		}
		e.bumpVersion()
		return nil
	}

	next := &Surface{
		T:          T,
		CC:         p,
		CCMetrics:  metrics,
		PC:         existing.PC,
		PCMetrics:  existing.PCMetrics,
		PCBumps:    existing.PCBumps,
		Nodes:      make(map[float64]NodeState, len(existing.Nodes)),
		StaleHours: existing.StaleHours,
	}
	for k, node := range existing.Nodes {
		rebased := node
		if node.LastForward > 0 {
			oldCCQuoted := nodeCCMidQuoted(existing.CC, node.Strike, node.LastForward, T, node.IsCall, e.cfg.MarketSpec)
			edge := node.PCAnchor - oldCCQuoted
			newCCQuoted := nodeCCMidQuoted(p, node.Strike, node.LastForward, T, node.IsCall, e.cfg.MarketSpec)
			rebased.PCAnchor = newCCQuoted + edge
		}
		next.Nodes[k] = rebased
	}

	// Re-derive PC from the rebuilt node inventory against the new CC
	// before swapping the surface in, so no observer sees a CC/PC pair
	// that mixes the old CC with stale bumps.
	bucketInv := aggregateInventory(next, e.cfg)
	adjustedMetrics, pc, _ := inventory.Deform(metrics, bucketInv, e.cfg.Inventory, e.cfg.SVI)
	next.PC = pc
	next.PCMetrics = adjustedMetrics
	next.PCBumps = diagnosticBumps(next, bucketInv)

	e.surfaces[T] = next
	e.bumpVersion()
	return nil
}

// OnTrade records a fill at (T, K), updates the node's anchor,
// position, and bucket, and rebuilds the PC from the new aggregate
// inventory. Per convention, a customer buy (size > 0) leaves the
// maker short, so position accumulates -size.
func (e *DualSurfaceEngine) OnTrade(T, K, premium, size, F float64, t time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	existing, ok := e.surfaces[T]
	if !ok {
		return coreerr.New(coreerr.StaleSurface, "surface.DualSurfaceEngine.OnTrade", "no CC for expiry").
			With("T", T)
	}

	next := &Surface{
		T:          T,
		CC:         existing.CC,
		CCMetrics:  existing.CCMetrics,
		Nodes:      make(map[float64]NodeState, len(existing.Nodes)+1),
		StaleHours: existing.StaleHours,
	}
	for k, v := range existing.Nodes {
		next.Nodes[k] = v
	}

	node := next.Nodes[K]
	node.Strike = K
	node.PCAnchor = premium
	node.Position += -size
	node.LastTradeTime = t
	node.LastForward = F
	node.IsCall = K > F

	k := svi.K(K, F)
	ccIV := svi.IV(k, T, existing.CC)
	g, _ := black76.PriceAndGreeks(F, K, T, ccIV, 1.0, node.IsCall)
	absPutDelta := 1 - g.Delta
	if !node.IsCall {
		absPutDelta = -g.Delta
	}
	node.LastBucket = inventory.Classify(absPutDelta)

	width := e.risk.Width(g.Gamma, 0, 0, 0)
	node.WidthRef = width

	next.Nodes[K] = node

	bucketInv := aggregateInventory(next, e.cfg)
	adjustedMetrics, pc, _ := inventory.Deform(existing.CCMetrics, bucketInv, e.cfg.Inventory, e.cfg.SVI)
	next.PC = pc
	next.PCMetrics = adjustedMetrics
	next.PCBumps = diagnosticBumps(next, bucketInv)

	e.surfaces[T] = next
	e.bumpVersion()
	return nil
}

// GetQuote prices (T, K, F) for the requested side. now is used only
// to compute the width-delta rule's staleness confidence; the core
// never reads a wall clock internally.
func (e *DualSurfaceEngine) GetQuote(T, K, F float64, isCall bool, now time.Time) (Quote, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	s, ok := e.surfaces[T]
	if !ok {
		return Quote{}, coreerr.New(coreerr.StaleSurface, "surface.DualSurfaceEngine.GetQuote", "no CC for expiry").
			With("T", T)
	}

	k := svi.K(K, F)
	ivCC := svi.IV(k, T, s.CC)
	ccG, err := black76.PriceAndGreeks(F, K, T, ivCC, 1.0, isCall)
	if err != nil {
		return Quote{}, err
	}
	ccMid := e.cfg.MarketSpec.FromBaseToQuoted(ccG.Price, F)

	ivPC := svi.IV(k, T, s.PC)
	pcG, err := black76.PriceAndGreeks(F, K, T, ivPC, 1.0, isCall)
	if err != nil {
		return Quote{}, err
	}
	pcMid := e.cfg.MarketSpec.FromBaseToQuoted(pcG.Price, F)

	jL0, jS0, jC0 := jacobians(k, T, s.PCMetrics, e.cfg.SVI, e.cfg.JacobianEps)
	width := e.risk.Width(pcG.Gamma, jL0, jS0, jC0)

	mid := pcMid
	node, hasNode := s.Nodes[K]
	if hasNode && node.Position != 0 {
		signShort := -1.0
		if node.Position < 0 {
			signShort = 1.0
		}
		anchorAdj := node.PCAnchor + signShort*(width-node.WidthRef)
		staleHours := s.StaleHours
		if staleHours <= 0 {
			staleHours = e.cfg.DefaultStaleHours
		}
		ageHours := now.Sub(node.LastTradeTime).Hours()
		if ageHours < 0 {
			ageHours = 0
		}
		confidence := math.Exp(-ageHours / staleHours)
		mid = confidence*anchorAdj + (1-confidence)*pcMid
	}

	absPutDelta := 1 - ccG.Delta
	if !isCall {
		absPutDelta = -ccG.Delta
	}
	bucket := inventory.Classify(absPutDelta)

	capacity := e.cfg.SizePolicy.Capacity
	used := 0.0
	if hasNode {
		used = math.Abs(node.Position)
	}
	remaining := capacity - used
	size := clampSize(remaining, e.cfg.SizePolicy.MinDisplay, e.cfg.SizePolicy.MaxDisplay)

	return Quote{
		Bid:     mid - width,
		Ask:     mid + width,
		PCMid:   pcMid,
		CCMid:   ccMid,
		Edge:    pcMid - ccMid,
		BidSize: size,
		AskSize: size,
		Bucket:  bucket,
	}, nil
}

// GetInventorySummary reports total vega, per-bucket inventory, and
// the current smile-adjustment delta for T.
func (e *DualSurfaceEngine) GetInventorySummary(T float64) (InventorySummary, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	s, ok := e.surfaces[T]
	if !ok {
		return InventorySummary{}, coreerr.New(coreerr.StaleSurface, "surface.DualSurfaceEngine.GetInventorySummary", "no CC for expiry").
			With("T", T)
	}
	bucketInv := aggregateInventory(s, e.cfg)
	summary := inventory.Summarize(s.CCMetrics, s.PCMetrics, bucketInv)
	return InventorySummary{
		TotalVega:        summary.TotalVega,
		ByBucket:         summary.ByBucket,
		SmileAdjustments: summary.SmileAdjustments,
	}, nil
}

// RetireExpiry destroys T's Surface entirely.
func (e *DualSurfaceEngine) RetireExpiry(T float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.surfaces, T)
	e.bumpVersion()
}

// SetProfile swaps the engine's size policy, e.g. on a risk-appetite
// change from the surrounding application.
func (e *DualSurfaceEngine) SetProfile(policy SizePolicy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg.SizePolicy = policy
	e.bumpVersion()
}

// RescoreFromMarket folds a batch of observed half-spreads into the
// RiskScorer's floor beta.
func (e *DualSurfaceEngine) RescoreFromMarket(avgSpread float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.risk.UpdateFloor(avgSpread)
	e.bumpVersion()
}

func clampSize(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func nodeCCMidQuoted(p svi.Params, K, F, T float64, isCall bool, ms marketspec.MarketSpec) float64 {
	k := svi.K(K, F)
	iv := svi.IV(k, T, p)
	g, err := black76.PriceAndGreeks(F, K, T, iv, 1.0, isCall)
	if err != nil {
		return 0
	}
	return ms.FromBaseToQuoted(g.Price, F)
}

// aggregateInventory sums each node's position-weighted vega into its
// last-known bucket.
func aggregateInventory(s *Surface, cfg EngineConfig) map[inventory.BucketName]inventory.BucketInventory {
	out := make(map[inventory.BucketName]inventory.BucketInventory)
	for _, node := range s.Nodes {
		if node.Position == 0 || node.LastForward <= 0 {
			continue
		}
		k := svi.K(node.Strike, node.LastForward)
		iv := svi.IV(k, s.T, s.CC)
		g, err := black76.PriceAndGreeks(node.LastForward, node.Strike, s.T, iv, 1.0, node.IsCall)
		if err != nil {
			continue
		}
		bi := out[node.LastBucket]
		bi.Vega += node.Position * g.Vega
		bi.Count++
		out[node.LastBucket] = bi
	}
	return out
}

// diagnosticBumps expresses the PC deformation that was already baked
// into PCMetrics/PC as an equivalent Gaussian-RBF sequence tagged by
// bucket, for callers that want to inspect the deformation directly
// rather than recomputing it from metrics.
func diagnosticBumps(s *Surface, bucketInv map[inventory.BucketName]inventory.BucketInventory) []Bump {
	var bumps []Bump
	centers := map[inventory.BucketName]float64{
		inventory.ATM:   0,
		inventory.RR25:  0.25,
		inventory.RR10:  0.10,
		inventory.Wings: 0.40,
	}
	for name, bi := range bucketInv {
		if bi.Vega == 0 {
			continue
		}
		wPC := svi.W(svi.LogMoneyness(centers[name]), s.PC)
		wCC := svi.W(svi.LogMoneyness(centers[name]), s.CC)
		alpha := wPC - wCC
		if alpha == 0 {
			continue
		}
		bumps = append(bumps, Bump{KCenter: centers[name], Alpha: alpha, Lambda: 0.1, BucketTag: name})
	}
	return bumps
}

// jacobians gives finite-difference sensitivities of the PC's implied
// vol at (k, T) to small perturbations of L0, S0, and C0, used by the
// RiskScorer as a proxy for model risk contributing to quoted width.
func jacobians(k svi.LogMoneyness, T float64, m svi.Metrics, cfg svi.Config, eps float64) (jL0, jS0, jC0 float64) {
	if eps <= 0 {
		eps = 1e-4
	}
	base := svi.FromMetrics(m, cfg, svi.FromMetricsOptions{PreserveBumps: true})
	ivBase := svi.IV(k, T, base)

	bumpL0 := m
	bumpL0.L0 += eps
	ivL0 := svi.IV(k, T, svi.FromMetrics(bumpL0, cfg, svi.FromMetricsOptions{PreserveBumps: true}))
	jL0 = (ivL0 - ivBase) / eps

	bumpS0 := m
	bumpS0.S0 += eps
	ivS0 := svi.IV(k, T, svi.FromMetrics(bumpS0, cfg, svi.FromMetricsOptions{PreserveBumps: true}))
	jS0 = (ivS0 - ivBase) / eps

	bumpC0 := m
	bumpC0.C0 += eps
	ivC0 := svi.IV(k, T, svi.FromMetrics(bumpC0, cfg, svi.FromMetricsOptions{PreserveBumps: true}))
	jC0 = (ivC0 - ivBase) / eps

	return jL0, jS0, jC0
}

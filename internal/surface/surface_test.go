package surface

import (
	"testing"
	"time"

	"github.com/contactkeval/smile-engine/internal/coreerr"
	"github.com/contactkeval/smile-engine/internal/marketspec"
	"github.com/contactkeval/smile-engine/internal/svi"
	"github.com/stretchr/testify/require"
)

func baseMetrics() svi.Metrics {
	return svi.Metrics{L0: 0.04, S0: -0.01, C0: 0.5, SNeg: -0.8, SPos: 0.9}
}

func TestEngineLifecycleHappyPath(t *testing.T) {
	ms := marketspec.NewLinearBase("SPX", 0.05)
	eng := NewDualSurfaceEngine(DefaultEngineConfig(ms))
	T := 0.1
	F := 100.0

	require.NoError(t, eng.UpdateCC(T, baseMetrics()))
	v1 := eng.Version()
	require.Greater(t, v1, uint64(0))

	now := time.Now()
	require.NoError(t, eng.OnTrade(T, 100, 4.0, 10, F, now))
	v2 := eng.Version()
	require.Greater(t, v2, v1)

	q, err := eng.GetQuote(T, 100, F, true, now)
	require.NoError(t, err)
	require.Less(t, q.Bid, q.Ask)
	require.Greater(t, q.AskSize, 0.0)

	summary, err := eng.GetInventorySummary(T)
	require.NoError(t, err)
	require.NotZero(t, summary.TotalVega)
}

func TestGetQuoteUnknownExpiryIsStale(t *testing.T) {
	ms := marketspec.NewLinearBase("SPX", 0.05)
	eng := NewDualSurfaceEngine(DefaultEngineConfig(ms))

	_, err := eng.GetQuote(0.5, 100, 100, true, time.Now())
	require.Error(t, err)
	require.True(t, coreerr.Is(err, coreerr.StaleSurface))
}

func TestOnTradeUnknownExpiryIsStale(t *testing.T) {
	ms := marketspec.NewLinearBase("SPX", 0.05)
	eng := NewDualSurfaceEngine(DefaultEngineConfig(ms))

	err := eng.OnTrade(0.5, 100, 4.0, 10, 100, time.Now())
	require.Error(t, err)
	require.True(t, coreerr.Is(err, coreerr.StaleSurface))
}

func TestVersionIncreasesOnEveryMutator(t *testing.T) {
	ms := marketspec.NewLinearBase("SPX", 0.05)
	eng := NewDualSurfaceEngine(DefaultEngineConfig(ms))
	T := 0.2

	require.NoError(t, eng.UpdateCC(T, baseMetrics()))
	v1 := eng.Version()

	eng.SetProfile(SizePolicy{MinDisplay: 2, MaxDisplay: 40, Capacity: 100})
	v2 := eng.Version()
	require.Greater(t, v2, v1)

	eng.RescoreFromMarket(0.02)
	v3 := eng.Version()
	require.Greater(t, v3, v2)

	eng.RetireExpiry(T)
	v4 := eng.Version()
	require.Greater(t, v4, v3)
}

// TestEdgeSignFollowsInventoryDirection covers invariant 9: after a
// customer buy leaves the maker net short the strike's bucket, the PC
// is deformed richer than the CC, so the quote's edge (pcMid - ccMid)
// is positive; the width-delta rule also moves the quoted mid off the
// raw PC mid while the position is open.
func TestEdgeSignFollowsInventoryDirection(t *testing.T) {
	ms := marketspec.NewLinearBase("SPX", 0.05)
	eng := NewDualSurfaceEngine(DefaultEngineConfig(ms))
	T := 0.1
	F := 100.0
	require.NoError(t, eng.UpdateCC(T, baseMetrics()))

	now := time.Now()
	// customer buy of size 20 leaves the maker short the strike.
	require.NoError(t, eng.OnTrade(T, 100, 4.0, 20, F, now))

	q, err := eng.GetQuote(T, 100, F, true, now)
	require.NoError(t, err)
	require.Greater(t, q.Edge, 0.0, "a net short bucket should be quoted richer than the CC")
	require.NotEqual(t, q.PCMid, (q.Bid+q.Ask)/2, "an active short position should skew the quoted mid off the raw PC mid")
}

func TestUpdateCCRebasePreservesNodeEdge(t *testing.T) {
	ms := marketspec.NewLinearBase("SPX", 0.05)
	eng := NewDualSurfaceEngine(DefaultEngineConfig(ms))
	T := 0.1
	F := 100.0
	require.NoError(t, eng.UpdateCC(T, baseMetrics()))

	now := time.Now()
	require.NoError(t, eng.OnTrade(T, 100, 4.0, 10, F, now))
	before := eng.surfaces[T].Nodes[100]
	oldEdge := before.PCAnchor - nodeCCMidQuoted(eng.surfaces[T].CC, 100, F, T, before.IsCall, ms)

	// shift the CC's level; node anchors should rebase rather than
	// staying pinned to a stale premium.
	shifted := baseMetrics()
	shifted.L0 += 0.01
	require.NoError(t, eng.UpdateCC(T, shifted))

	after := eng.surfaces[T].Nodes[100]
	newEdge := after.PCAnchor - nodeCCMidQuoted(eng.surfaces[T].CC, 100, F, T, after.IsCall, ms)
	require.NotEqual(t, before.PCAnchor, after.PCAnchor)
	require.InDelta(t, oldEdge, newEdge, 1e-9)

	q, err := eng.GetQuote(T, 100, F, true, now)
	require.NoError(t, err)
	require.Greater(t, q.CCMid, 0.0)
}

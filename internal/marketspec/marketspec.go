// Package marketspec models the caller-supplied premium-convention
// capability set: how a premium in this market's native quoting
// convention maps to and from the "base" convention the pricing kernel
// works in. Implementations are injected by the caller rather than
// looked up from a global registry (injected explicitly by the caller).
package marketspec

// PremiumConvention discriminates the two supported variants.
type PremiumConvention int

const (
	// LinearBase quotes premiums in the same numeraire as the
	// underlying/forward (e.g. equity index options): identity
	// conversion.
	LinearBase PremiumConvention = iota
	// CryptoQuote quotes premiums as a fraction of the forward (e.g.
	// BTC/ETH options quoted in coin terms): conversion divides by F.
	CryptoQuote
)

// MarketSpec is the capability set a caller supplies for a given
// underlying: how premiums in its native convention relate to base
// premiums, its minimum price increment, and an optional display cap.
type MarketSpec struct {
	Symbol             string
	PremiumConvention  PremiumConvention
	MinTick            float64
	MaxPremium         *float64
}

// NewLinearBase builds a MarketSpec for a base-quoted (e.g. equity
// index) underlying.
func NewLinearBase(symbol string, minTick float64) MarketSpec {
	return MarketSpec{Symbol: symbol, PremiumConvention: LinearBase, MinTick: minTick}
}

// NewCryptoQuote builds a MarketSpec for a coin-quoted underlying.
func NewCryptoQuote(symbol string, minTick float64) MarketSpec {
	return MarketSpec{Symbol: symbol, PremiumConvention: CryptoQuote, MinTick: minTick}
}

// FromBaseToQuoted converts a base-convention premium p (same
// numeraire as the forward F) into this market's quoting convention.
func (m MarketSpec) FromBaseToQuoted(p, F float64) float64 {
	if m.PremiumConvention == CryptoQuote && F != 0 {
		return p / F
	}
	return p
}

// FromQuotedToBase converts a premium quoted in this market's native
// convention back into the base numeraire.
func (m MarketSpec) FromQuotedToBase(p, F float64) float64 {
	if m.PremiumConvention == CryptoQuote {
		return p * F
	}
	return p
}

// Package fees defines the platform fee schedule and the Fees value type
// accumulated on markets and bets.
//
// Fees are a proportional take on the spread component of a trade, the
// expected-loss side of the position, never on principal. For a bet of B
// mana on an outcome whose post-trade probability implies a per-share cost
// of p, the spread component is (1-p)*B for YES and p*B for NO.
package fees

// CPMM fee rates, applied per trade.
const (
	PlatformFee  = 0
	CreatorFee   = 0.1
	LiquidityFee = 0
)

// DPM fee rates, applied to profit at sale or resolution.
const (
	DPMPlatformFee = 0.01
	DPMCreatorFee  = 0.04
	DPMFees        = DPMPlatformFee + DPMCreatorFee
)

// Fees is a fee amount split by recipient bucket. It is merged additively
// into a market's collected fees on every trade.
type Fees struct {
	Creator   float64 `json:"creator_fee" db:"creator_fee"`
	Platform  float64 `json:"platform_fee" db:"platform_fee"`
	Liquidity float64 `json:"liquidity_fee" db:"liquidity_fee"`
}

// None is the zero fee split.
var None = Fees{}

// Add returns the bucket-wise sum of f and g.
func (f Fees) Add(g Fees) Fees {
	return Fees{
		Creator:   f.Creator + g.Creator,
		Platform:  f.Platform + g.Platform,
		Liquidity: f.Liquidity + g.Liquidity,
	}
}

// Total returns the sum across all buckets.
func (f Fees) Total() float64 {
	return f.Creator + f.Platform + f.Liquidity
}

// Split divides a trade's spread component betP*amount into the CPMM fee
// buckets and returns the split along with the total taken.
func Split(betP, amount float64) (Fees, float64) {
	f := Fees{
		Creator:   CreatorFee * betP * amount,
		Platform:  PlatformFee * betP * amount,
		Liquidity: LiquidityFee * betP * amount,
	}
	return f, f.Total()
}

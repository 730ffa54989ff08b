package web3

import (
	"context"
	"fmt"
	"math/big"
)

// FeeCaps carries the EIP-1559 fee caps for one transaction.
type FeeCaps struct {
	TipCap *big.Int // maxPriorityFeePerGas
	FeeCap *big.Int // maxFeePerGas
}

const (
	minTipBumpGwei    = int64(2) // 2 gwei min absolute bump for tip
	minFeeCapBumpGwei = int64(5) // 5 gwei min absolute bump for fee cap

	// bump factor ~+12.5% (x1.125)
	bumpFactorNum = int64(1125)
	bumpFactorDen = int64(1000)
)

// SuggestFees returns FeeCaps built from on-chain conditions: the node's
// suggested tip plus twice the latest base fee. On pre-london networks it
// falls back to the legacy gas price for both caps.
func (c *Chain) SuggestFees(ctx context.Context) (FeeCaps, error) {
	var fees FeeCaps

	tip, err := c.cli.SuggestGasTipCap(ctx)
	if err != nil {
		return fees, fmt.Errorf("suggest tip: %w", err)
	}

	h, err := c.cli.HeaderByNumber(ctx, nil)
	if err != nil {
		return fees, fmt.Errorf("header by number: %w", err)
	}
	if h.BaseFee == nil {
		price, err := c.cli.SuggestGasPrice(ctx)
		if err != nil {
			return fees, fmt.Errorf("suggest gas price: %w", err)
		}
		return FeeCaps{TipCap: price, FeeCap: price}, nil
	}

	feeCap := new(big.Int).Mul(h.BaseFee, big.NewInt(2))
	feeCap.Add(feeCap, tip)

	fees.TipCap = tip
	fees.FeeCap = feeCap
	return fees, nil
}

// BumpFees raises the provided FeeCaps using EIP-1559-friendly rules and the
// current base fee, for replacing a stuck transaction.
func (c *Chain) BumpFees(ctx context.Context, fees FeeCaps) (FeeCaps, error) {
	suggestedTip, err := c.cli.SuggestGasTipCap(ctx)
	if err != nil {
		return fees, fmt.Errorf("suggest tip: %w", err)
	}
	// tip' = max(tip * 1.125, tip + 2gwei, suggestedTip)
	tipBumped := maxBig(
		mulFrac(fees.TipCap, bumpFactorNum, bumpFactorDen),
		new(big.Int).Add(fees.TipCap, gwei(minTipBumpGwei)),
		suggestedTip,
	)

	// feeCap' >= base*2 + tip'
	h, err := c.cli.HeaderByNumber(ctx, nil)
	if err != nil {
		return fees, fmt.Errorf("header by number: %w", err)
	}
	baseTarget := new(big.Int).Add(tipBumped, tipBumped)
	if h.BaseFee != nil {
		baseTarget = new(big.Int).Mul(h.BaseFee, big.NewInt(2))
		baseTarget.Add(baseTarget, tipBumped)
	}

	// feeCap' = max(feeCap * 1.125, feeCap + 5gwei, baseTarget)
	feeCapBumped := maxBig(
		mulFrac(fees.FeeCap, bumpFactorNum, bumpFactorDen),
		new(big.Int).Add(fees.FeeCap, gwei(minFeeCapBumpGwei)),
		baseTarget,
	)

	return FeeCaps{TipCap: tipBumped, FeeCap: feeCapBumped}, nil
}

func mulFrac(x *big.Int, num, den int64) *big.Int {
	if x == nil {
		return nil
	}
	xx := new(big.Int).Set(x)
	xx.Mul(xx, big.NewInt(num))
	xx.Div(xx, big.NewInt(den))
	return xx
}

func maxBig(vals ...*big.Int) *big.Int {
	var best *big.Int
	for _, v := range vals {
		if v == nil {
			continue
		}
		if best == nil || v.Cmp(best) > 0 {
			best = new(big.Int).Set(v)
		}
	}
	if best == nil {
		return big.NewInt(0)
	}
	return best
}

func gwei(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000))
}

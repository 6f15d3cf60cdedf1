package engine

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/oswapdao/token-engine/internal/curve"
	"github.com/oswapdao/token-engine/internal/state"
)

// Read-only getters. Each one runs the same settlement code as the trigger
// handlers against a throwaway transaction that is never committed, so the
// quoted numbers match exactly what the next trigger at the same timestamp
// would produce.

// GetPrice quotes the current token price, with emission and appreciation
// caught up to now.
func (e *Engine) GetPrice(ctx context.Context, now int64) (decimal.Decimal, error) {
	tx := state.NewTx(e.store)
	tc, err := e.tradeContext(ctx, tx, now)
	if err != nil {
		return decimal.Zero, err
	}
	return curve.Price(tc.st), nil
}

// GetExchangeResult simulates a trade: deltaReserve > 0 quotes a buy with
// that reserve amount, otherwise tokens quotes a sell.
func (e *Engine) GetExchangeResult(ctx context.Context, tokens, deltaReserve decimal.Decimal, now int64) (curve.Result, error) {
	tx := state.NewTx(e.store)
	tc, err := e.tradeContext(ctx, tx, now)
	if err != nil {
		return curve.Result{}, err
	}
	if deltaReserve.Sign() > 0 {
		return curve.Buy(tc.st, deltaReserve.Floor(), tc.swapFeeRate, tc.arbTaxRate, tc.targetPrice)
	}
	return curve.Sell(tc.st, tokens.Floor(), tc.swapFeeRate, tc.arbTaxRate, tc.targetPrice)
}

// GetStakingReward quotes the staking reward the address could withdraw now.
func (e *Engine) GetStakingReward(ctx context.Context, addr string, now int64) (decimal.Decimal, error) {
	tx := state.NewTx(e.store)
	em, err := e.settleGlobalEmissions(ctx, tx, now)
	if err != nil {
		return decimal.Zero, err
	}
	user, _, err := e.loadUser(ctx, tx, addr)
	if err != nil {
		return decimal.Zero, err
	}
	if err := e.settleUserReward(ctx, tx, user, em); err != nil {
		return decimal.Zero, err
	}
	return user.Reward.Floor(), nil
}

// GetLPReward quotes the LP reward the address could withdraw now from the
// given pool.
func (e *Engine) GetLPReward(ctx context.Context, addr, poolAsset, depositAA string, now int64) (decimal.Decimal, error) {
	tx := state.NewTx(e.store)
	pool, found, err := e.loadPool(ctx, tx, poolID(depositAA, poolAsset))
	if err != nil {
		return decimal.Zero, err
	}
	if !found {
		return decimal.Zero, fmt.Errorf("pool %s is not whitelisted", poolAsset)
	}
	pos, posFound, err := e.loadPosition(ctx, tx, addr, pool.AssetKey)
	if err != nil {
		return decimal.Zero, err
	}
	if !posFound {
		return decimal.Zero, nil
	}

	em, err := e.settleGlobalEmissions(ctx, tx, now)
	if err != nil {
		return decimal.Zero, err
	}
	if err := e.settlePool(ctx, tx, pool, em); err != nil {
		return decimal.Zero, err
	}
	bal, err := e.loadPoolBalance(ctx, tx, pool.AssetKey)
	if err != nil {
		return decimal.Zero, err
	}
	settlePosition(pos, bal)
	return pos.Reward.Floor(), nil
}

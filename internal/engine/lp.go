package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/oswapdao/token-engine/internal/model"
	"github.com/oswapdao/token-engine/internal/state"
)

var (
	errNoDeposit       = errors.New("no deposit received")
	errNoPosition      = errors.New("you have no deposit")
	errPoolBlacklisted = errors.New("pool is blacklisted")
)

// depositedAsset resolves which pool asset a deposit trigger refers to:
// the explicit pool_asset field if present, otherwise the first attached
// payment that is neither the reserve nor the curve asset.
func depositedAsset(trig *model.Trigger, cons *model.Constants) string {
	if a := trig.DataString("pool_asset"); a != "" {
		return a
	}
	for _, p := range trig.Payments {
		if p.Asset != cons.ReserveAsset && p.Asset != cons.Asset {
			return p.Asset
		}
	}
	return ""
}

// handleDeposit adds attached pool-asset liquidity to the caller's LP
// position. The pool and the position are settled against the reward
// accumulator before the balance changes, so past rewards are locked in at
// the pre-deposit rate.
func (e *Engine) handleDeposit(ctx context.Context, tx *state.Tx, trig *model.Trigger, res *model.Response) error {
	cons, err := e.constants(ctx, tx)
	if err != nil {
		return err
	}
	poolAsset := depositedAsset(trig, cons)
	if poolAsset == "" {
		return errNoDeposit
	}
	amount := trig.PaidAmount(poolAsset).Floor()
	if amount.Sign() <= 0 {
		return errNoDeposit
	}

	pid := poolID(trig.DataString("deposit_aa"), poolAsset)
	pool, found, err := e.loadPool(ctx, tx, pid)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("pool %s is not whitelisted", poolAsset)
	}
	if pool.Blacklisted {
		return errPoolBlacklisted
	}

	em, err := e.settleGlobalEmissions(ctx, tx, trig.Timestamp)
	if err != nil {
		return err
	}
	if err := e.settlePool(ctx, tx, pool, em); err != nil {
		return err
	}
	if err := state.PutJSON(ctx, tx, pid, pool); err != nil {
		return err
	}

	bal, err := e.loadPoolBalance(ctx, tx, pool.AssetKey)
	if err != nil {
		return err
	}
	pos, _, err := e.loadPosition(ctx, tx, trig.Sender, pool.AssetKey)
	if err != nil {
		return err
	}
	settlePosition(pos, bal)

	pos.Amount = pos.Amount.Add(amount)
	bal.Balance = bal.Balance.Add(amount)
	if err := state.PutJSON(ctx, tx, poolBalanceKey(pool.AssetKey), bal); err != nil {
		return err
	}
	if err := state.PutJSON(ctx, tx, lpKey(trig.Sender, pool.AssetKey), pos); err != nil {
		return err
	}

	res.Vars["message"] = "deposited"
	return nil
}

// handleWithdraw returns deposited liquidity, harvesting any accrued LP
// reward along the way. Omitting amount withdraws everything; a full
// withdrawal deletes the position.
func (e *Engine) handleWithdraw(ctx context.Context, tx *state.Tx, trig *model.Trigger, res *model.Response) error {
	cons, err := e.constants(ctx, tx)
	if err != nil {
		return err
	}
	poolAsset := trig.DataString("pool_asset")
	if poolAsset == "" {
		return errors.New("pool_asset is required")
	}
	pid := poolID(trig.DataString("deposit_aa"), poolAsset)
	pool, found, err := e.loadPool(ctx, tx, pid)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("pool %s is not whitelisted", poolAsset)
	}

	pos, posFound, err := e.loadPosition(ctx, tx, trig.Sender, pool.AssetKey)
	if err != nil {
		return err
	}
	if !posFound {
		return errNoPosition
	}

	em, err := e.settleGlobalEmissions(ctx, tx, trig.Timestamp)
	if err != nil {
		return err
	}
	if err := e.settlePool(ctx, tx, pool, em); err != nil {
		return err
	}
	if err := state.PutJSON(ctx, tx, pid, pool); err != nil {
		return err
	}
	bal, err := e.loadPoolBalance(ctx, tx, pool.AssetKey)
	if err != nil {
		return err
	}
	settlePosition(pos, bal)

	amount := pos.Amount
	if trig.Has("amount") {
		amount, err = trig.DataDecimal("amount")
		if err != nil || amount.Sign() <= 0 {
			return errors.New("amount must be positive")
		}
		amount = amount.Floor()
	}
	if amount.GreaterThan(pos.Amount) {
		return errors.New("trying to withdraw more than you deposited")
	}

	pos.Amount = pos.Amount.Sub(amount)
	bal.Balance = bal.Balance.Sub(amount)
	if err := state.PutJSON(ctx, tx, poolBalanceKey(pool.AssetKey), bal); err != nil {
		return err
	}

	pay(res, poolAsset, amount, trig.Sender)

	// Harvest on the way out.
	reward := pos.Reward.Floor()
	if reward.Sign() > 0 {
		pos.Reward = pos.Reward.Sub(reward)
		pay(res, cons.Asset, reward, trig.Sender)
		res.Vars["reward"] = reward.String()
	}

	// A full withdrawal closes the position; sub-unit reward dust is
	// forfeited with it.
	if pos.Amount.Sign() == 0 {
		if err := tx.Delete(ctx, lpKey(trig.Sender, pool.AssetKey)); err != nil {
			return err
		}
	} else if err := state.PutJSON(ctx, tx, lpKey(trig.Sender, pool.AssetKey), pos); err != nil {
		return err
	}

	res.Vars["message"] = "withdrawn"
	return nil
}

// handleWithdrawLPReward pays out the accrued LP reward for one pool. The
// optional "for" field lets anyone trigger a payout on a holder's behalf;
// the reward always goes to the holder, never to the caller. A zero reward
// is a no-op that still advances the checkpoint.
func (e *Engine) handleWithdrawLPReward(ctx context.Context, tx *state.Tx, trig *model.Trigger, res *model.Response) error {
	cons, err := e.constants(ctx, tx)
	if err != nil {
		return err
	}
	poolAsset := trig.DataString("pool_asset")
	if poolAsset == "" {
		return errors.New("pool_asset is required")
	}
	holder := trig.DataString("for")
	if holder == "" {
		holder = trig.Sender
	}

	pid := poolID(trig.DataString("deposit_aa"), poolAsset)
	pool, found, err := e.loadPool(ctx, tx, pid)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("pool %s is not whitelisted", poolAsset)
	}
	pos, posFound, err := e.loadPosition(ctx, tx, holder, pool.AssetKey)
	if err != nil {
		return err
	}
	if !posFound {
		return errNoPosition
	}

	em, err := e.settleGlobalEmissions(ctx, tx, trig.Timestamp)
	if err != nil {
		return err
	}
	if err := e.settlePool(ctx, tx, pool, em); err != nil {
		return err
	}
	if err := state.PutJSON(ctx, tx, pid, pool); err != nil {
		return err
	}
	bal, err := e.loadPoolBalance(ctx, tx, pool.AssetKey)
	if err != nil {
		return err
	}
	settlePosition(pos, bal)

	reward := pos.Reward.Floor()
	res.Vars["reward"] = reward.String()
	if reward.Sign() > 0 {
		pos.Reward = pos.Reward.Sub(reward)
		pay(res, cons.Asset, reward, holder)
	}
	return state.PutJSON(ctx, tx, lpKey(holder, pool.AssetKey), pos)
}

func (e *Engine) loadPosition(ctx context.Context, s state.Store, addr, aKey string) (*model.LPPosition, bool, error) {
	var p model.LPPosition
	found, err := state.GetJSON(ctx, s, lpKey(addr, aKey), &p)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return &model.LPPosition{
			Amount:             decimal.Zero,
			RewardPerTokenPaid: decimal.Zero,
			Reward:             decimal.Zero,
		}, false, nil
	}
	return &p, true, nil
}

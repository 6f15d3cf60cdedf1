package engine

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/oswapdao/token-engine/internal/curve"
	"github.com/oswapdao/token-engine/internal/model"
	"github.com/oswapdao/token-engine/internal/state"
)

var errAlreadyDefined = errors.New("already defined")

// handleDefine bootstraps the token: the curve asset is identified by the
// defining trigger's unit id, the VP normalization epoch is fixed at the
// define timestamp, and all counters start at zero.
func (e *Engine) handleDefine(ctx context.Context, tx *state.Tx, trig *model.Trigger, res *model.Response) error {
	var existing model.Constants
	found, err := state.GetJSON(ctx, tx, keyConstants, &existing)
	if err != nil {
		return err
	}
	if found {
		return errAlreadyDefined
	}

	cons := model.Constants{
		Asset:        trig.ID,
		ReserveAsset: e.params.ReserveAsset,
		EpochTS:      trig.Timestamp,
	}
	if err := state.PutJSON(ctx, tx, keyConstants, cons); err != nil {
		return err
	}

	st := model.CurveState{
		Reserve: decimal.Zero,
		Supply:  decimal.Zero,
		S0:      e.params.S0,
		Coef:    e.params.InitialCoef,
	}
	if err := state.PutJSON(ctx, tx, keyState, st); err != nil {
		return err
	}
	if err := putInt64(ctx, tx, keyEmissionsTS, trig.Timestamp); err != nil {
		return err
	}

	res.Vars["asset"] = cons.Asset
	res.Vars["message"] = "token defined"
	return nil
}

// tradeContext collects everything a buy or sell needs: the settled curve
// state with the appreciation multiplier already applied, the fee rates,
// and the oracle target price.
type tradeContext struct {
	cons         *model.Constants
	st           model.CurveState
	swapFeeRate  decimal.Decimal
	arbTaxRate   decimal.Decimal
	targetPrice  decimal.Decimal
	appreciation decimal.Decimal
}

func (e *Engine) tradeContext(ctx context.Context, tx *state.Tx, now int64) (*tradeContext, error) {
	cons, err := e.constants(ctx, tx)
	if err != nil {
		return nil, err
	}

	// dt for appreciation is measured from the pre-settlement checkpoint.
	prevTS, err := getInt64(ctx, tx, keyEmissionsTS)
	if err != nil {
		return nil, err
	}
	if _, err := e.settleGlobalEmissions(ctx, tx, now); err != nil {
		return nil, err
	}

	st, err := e.curveState(ctx, tx)
	if err != nil {
		return nil, err
	}

	tc := &tradeContext{
		cons:         cons,
		swapFeeRate:  decimal.Zero,
		arbTaxRate:   decimal.Zero,
		targetPrice:  decimal.Zero,
		appreciation: decimal.NewFromInt(1),
	}
	if tc.swapFeeRate, err = e.param(ctx, tx, ParamSwapFee); err != nil {
		return nil, err
	}
	if tc.arbTaxRate, err = e.param(ctx, tx, ParamArbProfitTax); err != nil {
		return nil, err
	}

	if e.feed != nil {
		if tvl, _, found := e.feed.Latest(e.params.TVLFeedName); found && tvl.Sign() > 0 {
			tc.targetPrice = curve.PriceAtReserve(st, tvl)
			tc.appreciation = curve.AppreciationMultiplier(
				e.params.AppreciationRate, tvl, st.Reserve, now-prevTS)
			st.Coef = st.Coef.Mul(tc.appreciation)
		}
	}
	tc.st = st
	return tc, nil
}

// handleBuy converts a reserve payment into curve tokens.
func (e *Engine) handleBuy(ctx context.Context, tx *state.Tx, trig *model.Trigger, amount decimal.Decimal, res *model.Response) error {
	tc, err := e.tradeContext(ctx, tx, trig.Timestamp)
	if err != nil {
		return err
	}

	result, err := curve.Buy(tc.st, amount.Floor(), tc.swapFeeRate, tc.arbTaxRate, tc.targetPrice)
	if err != nil {
		return err
	}
	if err := state.PutJSON(ctx, tx, keyState, result.NewState); err != nil {
		return err
	}

	pay(res, tc.cons.Asset, result.Tokens, trig.Sender)
	e.tradeVars(res, result, tc, amount)
	return nil
}

// handleSell burns curve tokens sent to the engine and pays out reserve.
func (e *Engine) handleSell(ctx context.Context, tx *state.Tx, trig *model.Trigger, tokens decimal.Decimal, res *model.Response) error {
	tc, err := e.tradeContext(ctx, tx, trig.Timestamp)
	if err != nil {
		return err
	}

	result, err := curve.Sell(tc.st, tokens.Floor(), tc.swapFeeRate, tc.arbTaxRate, tc.targetPrice)
	if err != nil {
		return err
	}
	if err := state.PutJSON(ctx, tx, keyState, result.NewState); err != nil {
		return err
	}

	pay(res, tc.cons.ReserveAsset, result.Payout, trig.Sender)
	e.tradeVars(res, result, tc, result.Payout)
	return nil
}

// tradeVars surfaces the computed trade quantities as response variables.
func (e *Engine) tradeVars(res *model.Response, r curve.Result, tc *tradeContext, notional decimal.Decimal) {
	res.Vars["price"] = r.PriceAfter.String()
	res.Vars["swap_fee"] = r.SwapFee.String()
	res.Vars["arb_profit_tax"] = r.ArbTax.String()
	res.Vars["coef_multiplier"] = tc.appreciation.Mul(r.CoefMultiplier).String()
	if notional.Sign() > 0 {
		feePct := r.SwapFee.Add(r.ArbTax).
			Div(notional).
			Mul(decimal.NewFromInt(100)).
			Round(4)
		res.Vars["fee%"] = feePct.String()
	}
}

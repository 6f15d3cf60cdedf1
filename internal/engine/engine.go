// Package engine implements the deterministic, message-triggered state
// machine combining the bonding-curve market maker, the vote-escrow
// governance ledger, the whitelist/group registry, LP-reward emission
// proration, and the value-voting/proposal machinery.
//
// Each trigger is processed strictly in isolation: the handler runs against
// a buffered state transaction, and either every effect commits or the
// trigger bounces with an error string and no state change at all. The
// engine never reads a wall clock — the trigger's timestamp is the only
// source of time.
package engine

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/oswapdao/token-engine/internal/model"
	"github.com/oswapdao/token-engine/internal/oracle"
	"github.com/oswapdao/token-engine/internal/state"
)

// Params are the protocol constants and the defaults for votable values.
type Params struct {
	ReserveAsset string

	// Curve shape at define time.
	S0          decimal.Decimal
	InitialCoef decimal.Decimal

	// Defaults for votable parameters.
	SwapFee           decimal.Decimal // fraction of traded notional
	ArbProfitTax      decimal.Decimal // fraction of the windfall triangle
	InflationRate     decimal.Decimal // annual emission as fraction of supply
	StakersShare      decimal.Decimal // emission split stakers vs LPs
	WhitelistMinShare decimal.Decimal // VP share required to (de)whitelist

	// Vote-escrow shape.
	GrowthFactor   decimal.Decimal // VP growth base, 4
	TermPeriodDays int64           // normalization period, 360
	MaxTermDays    int64

	// Registry shape.
	GroupCapacity int

	// Oracle feed name for the external TVL reference.
	TVLFeedName string

	// AppreciationRate drives the per-trade coef multiplier.
	AppreciationRate decimal.Decimal
}

// DefaultParams returns the protocol defaults.
func DefaultParams() Params {
	return Params{
		ReserveAsset:      "base",
		S0:                decimal.New(1, 15), // 1e15
		InitialCoef:       decimal.NewFromInt(1),
		SwapFee:           decimal.NewFromFloat(0.003),
		ArbProfitTax:      decimal.NewFromFloat(0.9),
		InflationRate:     decimal.NewFromFloat(0.3),
		StakersShare:      decimal.NewFromFloat(0.5),
		WhitelistMinShare: decimal.NewFromFloat(0.1),
		GrowthFactor:      decimal.NewFromInt(4),
		TermPeriodDays:    360,
		MaxTermDays:       4 * 360,
		GroupCapacity:     30,
		TVLFeedName:       "TVL",
		AppreciationRate:  decimal.NewFromFloat(0.1),
	}
}

// Engine is the trigger processor. It owns no goroutines and keeps no
// in-memory state beyond its configuration: everything lives in the Store.
type Engine struct {
	store  state.Store
	feed   oracle.Feed
	params Params
}

// New creates an engine over the given store. feed may be nil when no
// oracle is wired; the arb tax and coef appreciation then stay inactive.
func New(store state.Store, feed oracle.Feed, params Params) *Engine {
	return &Engine{store: store, feed: feed, params: params}
}

// Store exposes the underlying committed state for read-only callers.
func (e *Engine) Store() state.Store { return e.store }

// Constants returns the define-time constants, or found=false before define.
func (e *Engine) Constants(ctx context.Context) (*model.Constants, bool, error) {
	var c model.Constants
	found, err := state.GetJSON(ctx, e.store, keyConstants, &c)
	if err != nil || !found {
		return nil, false, err
	}
	return &c, true, nil
}

// Execute processes one trigger and returns its response. A returned error
// means the infrastructure failed (storage unreachable); validation and
// precondition failures are reported inside the response as a bounce, with
// no state committed.
func (e *Engine) Execute(ctx context.Context, trig *model.Trigger) (*model.Response, error) {
	tx := state.NewTx(e.store)
	res := &model.Response{
		TriggerID: trig.ID,
		Vars:      make(map[string]any),
	}

	if err := e.dispatch(ctx, tx, trig, res); err != nil {
		slog.Info("trigger bounced",
			"trigger", trig.ID,
			"sender", trig.Sender,
			"error", err.Error(),
		)
		return &model.Response{
			TriggerID: trig.ID,
			Bounced:   true,
			Error:     err.Error(),
		}, nil
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	slog.Info("trigger processed",
		"trigger", trig.ID,
		"sender", trig.Sender,
		"payouts", len(res.Payouts),
	)
	return res, nil
}

// dispatch routes a trigger to its handler. Data keys take precedence;
// a bare payment in the reserve asset is a buy, in the curve asset a sell.
func (e *Engine) dispatch(ctx context.Context, tx *state.Tx, trig *model.Trigger, res *model.Response) error {
	switch {
	case trig.Has("define"):
		return e.handleDefine(ctx, tx, trig, res)
	case trig.Has("stake"):
		return e.handleStake(ctx, tx, trig, res)
	case trig.Has("unstake"):
		return e.handleUnstake(ctx, tx, trig, res)
	case trig.Has("withdraw_staking_reward"):
		return e.handleWithdrawStakingReward(ctx, tx, trig, res)
	case trig.Has("vote_whitelist"):
		return e.handleVoteWhitelist(ctx, tx, trig, res)
	case trig.Has("vote_blacklist"):
		return e.handleVoteBlacklist(ctx, tx, trig, res)
	case trig.Has("vote_shares"):
		return e.handleVoteShares(ctx, tx, trig, res)
	case trig.Has("vote_value"):
		return e.handleVoteValue(ctx, tx, trig, res)
	case trig.Has("add_proposal"):
		return e.handleAddProposal(ctx, tx, trig, res)
	case trig.Has("deposit"):
		return e.handleDeposit(ctx, tx, trig, res)
	case trig.Has("withdraw"):
		return e.handleWithdraw(ctx, tx, trig, res)
	case trig.Has("withdraw_lp_reward"):
		return e.handleWithdrawLPReward(ctx, tx, trig, res)
	}

	// No recognized data key: dispatch by payment asset.
	cons, err := e.constants(ctx, tx)
	if err != nil {
		return err
	}
	if amount := trig.PaidAmount(cons.ReserveAsset); amount.Sign() > 0 {
		return e.handleBuy(ctx, tx, trig, amount, res)
	}
	if tokens := trig.PaidAmount(cons.Asset); tokens.Sign() > 0 {
		return e.handleSell(ctx, tx, trig, tokens, res)
	}
	return errUnknownAction
}

// pay appends an outgoing payment to the response.
func pay(res *model.Response, asset string, amount decimal.Decimal, address string) {
	res.Payouts = append(res.Payouts, model.Payment{Asset: asset, Amount: amount, Address: address})
}

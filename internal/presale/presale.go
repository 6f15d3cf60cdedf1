// Package presale implements the pre-launch offering satellite: a small
// state machine that pools reserve contributions before a launch timestamp,
// converts the whole pool into one buy against the main curve at launch, and
// lets each contributor stake their pro-rata tokens into the main engine's
// vote-escrow ledger.
//
// The presale keeps its own flat key-value state, separate from the main
// engine's, and talks to the engine only through triggers — the same way any
// other ledger participant would.
package presale

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/oswapdao/token-engine/internal/engine"
	"github.com/oswapdao/token-engine/internal/model"
	"github.com/oswapdao/token-engine/internal/state"
)

var (
	errTooEarly         = errors.New("too early")
	errAlreadyBought    = errors.New("already bought")
	errNotBoughtYet     = errors.New("not bought yet")
	errNoContribution   = errors.New("you have no contribution")
	errLaunchPassed     = errors.New("the launch date has already passed")
	errNothingReceived  = errors.New("no contribution received")
	errUnknownAction    = errors.New("unrecognized trigger")
	errWithdrawTooLarge = errors.New("trying to withdraw more than you contributed")
)

// Persisted presale state keys.
const (
	keyTotal    = "total"
	keyTokens   = "tokens"
	keyAvgPrice = "avg_price"
)

func contributionKey(addr string) string { return "contribution_" + addr }

// Presale is the offering state machine. Address identifies it as the
// sender of the launch buy against the main engine.
type Presale struct {
	store    state.Store
	engine   *engine.Engine
	address  string
	launchTS int64
}

// New creates a presale launching at launchTS, buying into eng.
func New(store state.Store, eng *engine.Engine, address string, launchTS int64) *Presale {
	return &Presale{store: store, engine: eng, address: address, launchTS: launchTS}
}

// Execute processes one presale trigger with the same bounce semantics as
// the main engine: all effects commit, or none do.
func (p *Presale) Execute(ctx context.Context, trig *model.Trigger) (*model.Response, error) {
	tx := state.NewTx(p.store)
	res := &model.Response{
		TriggerID: trig.ID,
		Vars:      make(map[string]any),
	}

	if err := p.dispatch(ctx, tx, trig, res); err != nil {
		slog.Info("presale trigger bounced",
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
	return res, nil
}

func (p *Presale) dispatch(ctx context.Context, tx *state.Tx, trig *model.Trigger, res *model.Response) error {
	switch {
	case trig.Has("buy"):
		return p.handleBuy(ctx, tx, trig, res)
	case trig.Has("stake"):
		return p.handleStake(ctx, tx, trig, res)
	case trig.Has("withdraw"):
		return p.handleWithdraw(ctx, tx, trig, res)
	}

	cons, found, err := p.engine.Constants(ctx)
	if err != nil {
		return err
	}
	if !found {
		return errors.New("token not defined yet")
	}
	if amount := trig.PaidAmount(cons.ReserveAsset); amount.Sign() > 0 {
		return p.handleContribute(ctx, tx, trig, amount, res)
	}
	return errUnknownAction
}

// handleContribute pools a reserve payment before launch.
func (p *Presale) handleContribute(ctx context.Context, tx *state.Tx, trig *model.Trigger, amount decimal.Decimal, res *model.Response) error {
	if trig.Timestamp >= p.launchTS {
		return errLaunchPassed
	}
	amount = amount.Floor()
	if amount.Sign() <= 0 {
		return errNothingReceived
	}

	contribution, err := p.getDecimal(ctx, tx, contributionKey(trig.Sender))
	if err != nil {
		return err
	}
	if err := state.PutJSON(ctx, tx, contributionKey(trig.Sender), contribution.Add(amount)); err != nil {
		return err
	}
	total, err := p.getDecimal(ctx, tx, keyTotal)
	if err != nil {
		return err
	}
	if err := state.PutJSON(ctx, tx, keyTotal, total.Add(amount)); err != nil {
		return err
	}

	res.Vars["message"] = "contributed"
	return nil
}

// handleWithdraw returns part or all of a contribution. Only possible
// before launch; after launch the pool belongs to the curve.
func (p *Presale) handleWithdraw(ctx context.Context, tx *state.Tx, trig *model.Trigger, res *model.Response) error {
	if trig.Timestamp >= p.launchTS {
		return errLaunchPassed
	}
	contribution, err := p.getDecimal(ctx, tx, contributionKey(trig.Sender))
	if err != nil {
		return err
	}
	if contribution.Sign() <= 0 {
		return errNoContribution
	}

	amount := contribution
	if trig.Has("amount") {
		amount, err = trig.DataDecimal("amount")
		if err != nil || amount.Sign() <= 0 {
			return errors.New("amount must be positive")
		}
		amount = amount.Floor()
	}
	if amount.GreaterThan(contribution) {
		return errWithdrawTooLarge
	}

	if err := state.PutJSON(ctx, tx, contributionKey(trig.Sender), contribution.Sub(amount)); err != nil {
		return err
	}
	total, err := p.getDecimal(ctx, tx, keyTotal)
	if err != nil {
		return err
	}
	if err := state.PutJSON(ctx, tx, keyTotal, total.Sub(amount)); err != nil {
		return err
	}

	cons, _, err := p.engine.Constants(ctx)
	if err != nil {
		return err
	}
	res.Payouts = append(res.Payouts, model.Payment{
		Asset:   cons.ReserveAsset,
		Amount:  amount,
		Address: trig.Sender,
	})
	res.Vars["message"] = "withdrawn"
	return nil
}

// handleBuy converts the whole pooled reserve into one purchase against the
// main curve. Anyone may pull the trigger once the launch time has passed;
// it works exactly once. The resulting volume-weighted average price is
// fixed forever.
func (p *Presale) handleBuy(ctx context.Context, tx *state.Tx, trig *model.Trigger, res *model.Response) error {
	if trig.Timestamp < p.launchTS {
		return errTooEarly
	}
	tokens, err := p.getDecimal(ctx, tx, keyTokens)
	if err != nil {
		return err
	}
	if tokens.Sign() > 0 {
		return errAlreadyBought
	}
	total, err := p.getDecimal(ctx, tx, keyTotal)
	if err != nil {
		return err
	}
	if total.Sign() <= 0 {
		return errors.New("nothing was contributed")
	}

	cons, _, err := p.engine.Constants(ctx)
	if err != nil {
		return err
	}
	buyRes, err := p.engine.Execute(ctx, &model.Trigger{
		ID:        trig.ID + "-launch",
		Sender:    p.address,
		Timestamp: trig.Timestamp,
		Payments:  []model.Payment{{Asset: cons.ReserveAsset, Amount: total}},
	})
	if err != nil {
		return err
	}
	if buyRes.Bounced {
		return fmt.Errorf("launch buy bounced: %s", buyRes.Error)
	}

	bought := decimal.Zero
	for _, pay := range buyRes.Payouts {
		if pay.Asset == cons.Asset {
			bought = bought.Add(pay.Amount)
		}
	}
	if bought.Sign() <= 0 {
		return errors.New("launch buy produced no tokens")
	}

	avgPrice := total.Div(bought)
	if err := state.PutJSON(ctx, tx, keyTokens, bought); err != nil {
		return err
	}
	if err := state.PutJSON(ctx, tx, keyAvgPrice, avgPrice); err != nil {
		return err
	}

	res.Vars["tokens"] = bought.String()
	res.Vars["avg_price"] = avgPrice.String()
	res.Vars["message"] = "bought"
	return nil
}

// handleStake converts the caller's pro-rata share of the launch tokens
// into a vote-escrow position in the main engine, under the caller's own
// address. The stake parameters pass through unchanged.
func (p *Presale) handleStake(ctx context.Context, tx *state.Tx, trig *model.Trigger, res *model.Response) error {
	tokens, err := p.getDecimal(ctx, tx, keyTokens)
	if err != nil {
		return err
	}
	if tokens.Sign() <= 0 {
		return errNotBoughtYet
	}
	contribution, err := p.getDecimal(ctx, tx, contributionKey(trig.Sender))
	if err != nil {
		return err
	}
	if contribution.Sign() <= 0 {
		return errNoContribution
	}
	total, err := p.getDecimal(ctx, tx, keyTotal)
	if err != nil {
		return err
	}

	share := contribution.Mul(tokens).Div(total).Floor()
	if share.Sign() <= 0 {
		return errors.New("contribution too small to stake")
	}

	cons, _, err := p.engine.Constants(ctx)
	if err != nil {
		return err
	}
	stakeRes, err := p.engine.Execute(ctx, &model.Trigger{
		ID:        trig.ID + "-stake",
		Sender:    trig.Sender,
		Timestamp: trig.Timestamp,
		Payments:  []model.Payment{{Asset: cons.Asset, Amount: share}},
		Data: map[string]any{
			"stake":       1,
			"term":        trig.Data["term"],
			"group_key":   trig.Data["group_key"],
			"percentages": trig.Data["percentages"],
		},
	})
	if err != nil {
		return err
	}
	if stakeRes.Bounced {
		return fmt.Errorf("stake bounced: %s", stakeRes.Error)
	}

	// The share is claimed for good; the contribution record is spent.
	if err := state.PutJSON(ctx, tx, contributionKey(trig.Sender), decimal.Zero); err != nil {
		return err
	}

	res.Vars["tokens"] = share.String()
	res.Vars["message"] = "staked"
	return nil
}

// GetPrices reports the fixed launch average price and the engine's current
// price. Before the launch buy both are zero and found is false.
func (p *Presale) GetPrices(ctx context.Context, now int64) (avgPrice, currentPrice decimal.Decimal, found bool, err error) {
	tx := state.NewTx(p.store)
	avgPrice, err = p.getDecimal(ctx, tx, keyAvgPrice)
	if err != nil {
		return decimal.Zero, decimal.Zero, false, err
	}
	currentPrice, err = p.engine.GetPrice(ctx, now)
	if err != nil {
		return decimal.Zero, decimal.Zero, false, err
	}
	return avgPrice, currentPrice, avgPrice.Sign() > 0, nil
}

// Contribution returns the caller's open contribution.
func (p *Presale) Contribution(ctx context.Context, addr string) (decimal.Decimal, error) {
	tx := state.NewTx(p.store)
	return p.getDecimal(ctx, tx, contributionKey(addr))
}

func (p *Presale) getDecimal(ctx context.Context, s state.Store, key string) (decimal.Decimal, error) {
	var v decimal.Decimal
	found, err := state.GetJSON(ctx, s, key, &v)
	if err != nil {
		return decimal.Zero, err
	}
	if !found {
		return decimal.Zero, nil
	}
	return v, nil
}

package engine

import (
	"context"
	"errors"

	"github.com/oswapdao/token-engine/internal/model"
	"github.com/oswapdao/token-engine/internal/state"
)

// defaultProposalTermDays is the voting window when the proposer sets none.
const defaultProposalTermDays = 30

// handleAddProposal registers a one-shot grant request. Anyone may file one;
// deciding it is the voters' business. Proposal numbers are strictly
// monotone and never reused.
func (e *Engine) handleAddProposal(ctx context.Context, tx *state.Tx, trig *model.Trigger, res *model.Response) error {
	cons, err := e.constants(ctx, tx)
	if err != nil {
		return err
	}

	recipient := trig.DataString("recipient")
	if recipient == "" {
		return errors.New("recipient is required")
	}
	amount, err := trig.DataDecimal("amount")
	if err != nil || amount.Sign() <= 0 {
		return errors.New("amount must be positive")
	}
	unit := trig.DataString("unit")
	if unit == "" {
		unit = cons.Asset
	}

	termDays := int64(defaultProposalTermDays)
	if trig.Has("expiry") {
		termDays, err = trig.DataInt("expiry")
		if err != nil || termDays <= 0 {
			return errors.New("expiry must be a positive number of days")
		}
	}

	count, err := getInt64(ctx, tx, keyCountProposals)
	if err != nil {
		return err
	}
	num := count + 1
	if err := putInt64(ctx, tx, keyCountProposals, num); err != nil {
		return err
	}

	prop := model.Proposal{
		Recipient: recipient,
		Amount:    amount.Floor(),
		Unit:      unit,
		ExpiryTS:  trig.Timestamp + termDays*86400,
	}
	if err := state.PutJSON(ctx, tx, proposalKey(num), prop); err != nil {
		return err
	}

	res.Vars["proposal_num"] = num
	res.Vars["message"] = "proposal added"
	return nil
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/oswapdao/token-engine/internal/model"
	"github.com/oswapdao/token-engine/internal/state"
)

var (
	errNoVotingPower   = errors.New("you have no voting power")
	errProposalDecided = errors.New("the proposal has already been decided upon")
)

// handleVoteValue casts the caller's full VP for one value of one named
// parameter, or for yes/no on a proposal. A voter holds at most one position
// per name; re-voting moves the whole position. The plurality leader is
// committed as the live parameter immediately — there is no quorum beyond
// holding the top tally.
func (e *Engine) handleVoteValue(ctx context.Context, tx *state.Tx, trig *model.Trigger, res *model.Response) error {
	if _, err := e.constants(ctx, tx); err != nil {
		return err
	}

	name := trig.DataString("name")
	if name == "" {
		return errors.New("name is required")
	}

	em, err := e.settleGlobalEmissions(ctx, tx, trig.Timestamp)
	if err != nil {
		return err
	}
	user, _, err := e.loadUser(ctx, tx, trig.Sender)
	if err != nil {
		return err
	}
	if err := e.settleUserReward(ctx, tx, user, em); err != nil {
		return err
	}
	if err := state.PutJSON(ctx, tx, userKey(trig.Sender), user); err != nil {
		return err
	}
	if user.NormalizedVP.Sign() <= 0 {
		return errNoVotingPower
	}

	if num, ok := parseProposalName(name); ok {
		return e.voteProposal(ctx, tx, trig, res, user, name, num)
	}

	value, err := canonicalParamValue(trig, name)
	if err != nil {
		return err
	}
	if err := e.moveValueVote(ctx, tx, trig.Sender, name, value, user.NormalizedVP); err != nil {
		return err
	}

	leaderValue, _, err := e.recomputeLeader(ctx, tx, trig, res, name)
	if err != nil {
		return err
	}

	committed, err := decimal.NewFromString(leaderValue)
	if err != nil {
		return err
	}
	if err := putDecimal(ctx, tx, name, committed); err != nil {
		return err
	}
	res.Vars["committed"] = leaderValue
	return nil
}

// canonicalParamValue validates and canonicalizes the voted value for an
// ordinary parameter name. Tally keys are built from the canonical string so
// "0.0030" and "0.003" count as the same value.
func canonicalParamValue(trig *model.Trigger, name string) (string, error) {
	d, err := trig.DataDecimal("value")
	if err != nil {
		return "", errors.New("value is required")
	}
	one := decimal.NewFromInt(1)
	switch name {
	case ParamSwapFee:
		if d.Sign() < 0 || d.GreaterThanOrEqual(one) {
			return "", fmt.Errorf("%s must be between 0 and 1", name)
		}
	case ParamArbProfitTax, ParamInflationRate:
		if d.Sign() < 0 {
			return "", fmt.Errorf("%s must not be negative", name)
		}
	case ParamStakersShare, ParamWhitelistMinShare:
		if d.Sign() < 0 || d.GreaterThan(one) {
			return "", fmt.Errorf("%s must be between 0 and 1", name)
		}
	default:
		return "", fmt.Errorf("unknown parameter %s", name)
	}
	return d.String(), nil
}

// moveValueVote removes the voter's previous position on the name, if any,
// and adds the full VP to the new value's tally. Emptied tallies stay at
// zero rather than being deleted, preserving the record of past contenders.
func (e *Engine) moveValueVote(ctx context.Context, tx *state.Tx, addr, name, value string, vp decimal.Decimal) error {
	var prev model.UserValueVote
	hadPrev, err := state.GetJSON(ctx, tx, userValueVotesKey(addr, name), &prev)
	if err != nil {
		return err
	}
	if hadPrev {
		tally, err := getDecimal(ctx, tx, valueVotesKey(name, prev.Value))
		if err != nil {
			return err
		}
		tally = tally.Sub(prev.VP)
		if tally.Sign() < 0 {
			tally = decimal.Zero
		}
		if err := putDecimal(ctx, tx, valueVotesKey(name, prev.Value), tally); err != nil {
			return err
		}
	}

	tally, err := getDecimal(ctx, tx, valueVotesKey(name, value))
	if err != nil {
		return err
	}
	if err := putDecimal(ctx, tx, valueVotesKey(name, value), tally.Add(vp)); err != nil {
		return err
	}
	return state.PutJSON(ctx, tx, userValueVotesKey(addr, name), model.UserValueVote{Value: value, VP: vp})
}

// recomputeLeader rescans all tallies for the name and updates the persisted
// leader. flip_ts only advances when leadership actually changes hands.
func (e *Engine) recomputeLeader(ctx context.Context, tx *state.Tx, trig *model.Trigger, res *model.Response, name string) (string, decimal.Decimal, error) {
	prefix := valueVotesPrefix(name)
	keys, err := tx.Keys(ctx, prefix)
	if err != nil {
		return "", decimal.Zero, err
	}

	bestValue := ""
	bestTally := decimal.Zero
	for _, key := range keys {
		value := strings.TrimPrefix(key, prefix)
		tally, err := getDecimal(ctx, tx, key)
		if err != nil {
			return "", decimal.Zero, err
		}
		if bestValue == "" || tally.GreaterThan(bestTally) {
			bestValue, bestTally = value, tally
		}
	}
	if bestValue == "" {
		return "", decimal.Zero, errors.New("no votes to lead")
	}

	var leader model.Leader
	found, err := state.GetJSON(ctx, tx, leaderKey(name), &leader)
	if err != nil {
		return "", decimal.Zero, err
	}
	if !found || leader.Value != bestValue {
		leader = model.Leader{Value: bestValue, FlipTS: trig.Timestamp}
		if err := state.PutJSON(ctx, tx, leaderKey(name), leader); err != nil {
			return "", decimal.Zero, err
		}
		res.Vars["new_leader"] = bestValue
	}
	return bestValue, bestTally, nil
}

// voteProposal handles vote_value on a "proposal<N>" name. Values are "yes"
// or "no". The proposal decides as soon as either side clears half the total
// VP; a vote landing after expiry decides it by plurality instead. A yes
// decision pays the grant exactly once.
func (e *Engine) voteProposal(ctx context.Context, tx *state.Tx, trig *model.Trigger, res *model.Response, user *model.User, name string, num int64) error {
	var prop model.Proposal
	found, err := state.GetJSON(ctx, tx, proposalKey(num), &prop)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("no such proposal %d", num)
	}
	if prop.Decided {
		return errProposalDecided
	}

	value := trig.DataString("value")
	if value != "yes" && value != "no" {
		return errors.New("value must be yes or no")
	}
	if err := e.moveValueVote(ctx, tx, trig.Sender, name, value, user.NormalizedVP); err != nil {
		return err
	}
	if _, _, err := e.recomputeLeader(ctx, tx, trig, res, name); err != nil {
		return err
	}

	yes, err := getDecimal(ctx, tx, valueVotesKey(name, "yes"))
	if err != nil {
		return err
	}
	no, err := getDecimal(ctx, tx, valueVotesKey(name, "no"))
	if err != nil {
		return err
	}
	totalVP, err := getDecimal(ctx, tx, keyTotalNormalizedVP)
	if err != nil {
		return err
	}

	half := totalVP.Div(decimal.NewFromInt(2))
	result := ""
	switch {
	case yes.GreaterThan(half):
		result = "yes"
	case no.GreaterThan(half):
		result = "no"
	case trig.Timestamp >= prop.ExpiryTS:
		result = "no"
		if yes.GreaterThan(no) {
			result = "yes"
		}
	}
	if result == "" {
		return nil
	}

	prop.Decided = true
	prop.Result = result
	if err := state.PutJSON(ctx, tx, proposalKey(num), prop); err != nil {
		return err
	}
	res.Vars["committed"] = result
	if result == "yes" {
		pay(res, prop.Unit, prop.Amount, prop.Recipient)
	}
	return nil
}

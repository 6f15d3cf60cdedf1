package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/oswapdao/token-engine/internal/model"
	"github.com/oswapdao/token-engine/internal/state"
)

var (
	errNothingToStake = errors.New("nothing to stake")
	errTooEarly       = errors.New("too early")
	errNoBalance      = errors.New("you have no balance")
)

// normalizedVP computes the time-normalized voting power of a locked
// balance:
//
//	vp = balance · growth^((expiry_ts − epoch_ts)/period)
//
// The exponent is measured from the fixed protocol epoch, not the stake
// time, so equal balances locked to the same expiry always carry the same
// weight regardless of when they were staked — later stakes are normalized
// against the emission inflation that predates them.
func (e *Engine) normalizedVP(balance decimal.Decimal, expiryTS, epochTS int64) decimal.Decimal {
	periods := float64(expiryTS-epochTS) / float64(e.params.TermPeriodDays*86400)
	growth := math.Pow(e.params.GrowthFactor.InexactFloat64(), periods)
	return balance.Mul(decimal.NewFromFloat(growth))
}

// handleStake locks curve tokens for a term and fans the resulting VP
// across the percentages within the chosen group. Re-staking extends the
// lock and adds the new VP on top of the existing allocation; with
// stake_reward set, the pending staking reward is capitalized first.
func (e *Engine) handleStake(ctx context.Context, tx *state.Tx, trig *model.Trigger, res *model.Response) error {
	cons, err := e.constants(ctx, tx)
	if err != nil {
		return err
	}

	term, err := trig.DataInt("term")
	if err != nil {
		return errors.New("term is required")
	}
	if term <= 0 || term > e.params.MaxTermDays {
		return fmt.Errorf("term must be between 1 and %d days", e.params.MaxTermDays)
	}
	gKey := trig.DataString("group_key")
	if gKey == "" {
		return errors.New("group_key is required")
	}
	if _, err := parseGroupKey(gKey); err != nil {
		return err
	}
	percentages, err := trig.DataDecimalMap("percentages")
	if err != nil {
		return errors.New("percentages are required")
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

	amount := trig.PaidAmount(cons.Asset).Floor()
	if trig.Has("stake_reward") {
		reward := user.Reward.Floor()
		if reward.Sign() > 0 {
			amount = amount.Add(reward)
			user.Reward = user.Reward.Sub(reward)
		}
	}
	if amount.Sign() <= 0 {
		return errNothingToStake
	}

	newExpiry := trig.Timestamp + term*86400
	if newExpiry < user.ExpiryTS {
		return errors.New("you cannot shorten the lock")
	}

	newBalance := user.Balance.Add(amount)
	newVP := e.normalizedVP(newBalance, newExpiry, cons.EpochTS)
	deltaVP := newVP.Sub(user.NormalizedVP)
	if deltaVP.Sign() <= 0 {
		return errors.New("stake would not add voting power")
	}

	if err := e.allocateVP(ctx, tx, trig.Sender, gKey, percentages, deltaVP); err != nil {
		return err
	}

	totalVP, err := getDecimal(ctx, tx, keyTotalNormalizedVP)
	if err != nil {
		return err
	}
	if err := putDecimal(ctx, tx, keyTotalNormalizedVP, totalVP.Add(deltaVP)); err != nil {
		return err
	}

	user.Balance = newBalance
	user.NormalizedVP = newVP
	user.ExpiryTS = newExpiry
	if err := state.PutJSON(ctx, tx, userKey(trig.Sender), user); err != nil {
		return err
	}

	res.Vars["vp"] = newVP.String()
	res.Vars["message"] = "staked"
	return nil
}

// allocateVP fans deltaVP across the given percentages of asset keys inside
// one group, updating the user's votes, the per-key VP book and the group
// total. Percentages must sum to 100.
func (e *Engine) allocateVP(ctx context.Context, tx *state.Tx, addr, gKey string, percentages map[string]decimal.Decimal, deltaVP decimal.Decimal) error {
	hundred := decimal.NewFromInt(100)
	sum := decimal.Zero
	for _, pct := range percentages {
		if pct.Sign() < 0 {
			return errors.New("percentages must not be negative")
		}
		sum = sum.Add(pct)
	}
	if sum.Sub(hundred).Abs().GreaterThan(decimal.NewFromFloat(1e-6)) {
		return errors.New("percentages must sum to 100")
	}

	group, found, err := e.loadGroup(ctx, tx, gKey)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("no such group %s", gKey)
	}
	votes, err := e.loadVotes(ctx, tx, addr)
	if err != nil {
		return err
	}

	// Deterministic iteration order: state writes must not depend on map
	// ordering.
	keys := make([]string, 0, len(percentages))
	for k := range percentages {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, aKey := range keys {
		_, pool, err := e.poolByAssetKey(ctx, tx, aKey)
		if err != nil {
			return err
		}
		if _, ok := group.VP[aKey]; !ok {
			return fmt.Errorf("%s is not in group %s", aKey, gKey)
		}
		if pool.Blacklisted {
			return fmt.Errorf("%s is blacklisted", aKey)
		}

		share := deltaVP.Mul(percentages[aKey]).Div(hundred)
		if share.Sign() == 0 {
			continue
		}
		votes[aKey] = votes[aKey].Add(share)
		group.VP[aKey] = group.VP[aKey].Add(share)
		group.Total = group.Total.Add(share)
	}

	if err := e.saveGroup(ctx, tx, gKey, group); err != nil {
		return err
	}
	return state.PutJSON(ctx, tx, votesKey(addr), votes)
}

// handleUnstake releases an expired lock. It requires the caller's entire
// VP to sit inside the indicated group so the proration books can be
// unwound in one pass; the first key found elsewhere is named in the error.
func (e *Engine) handleUnstake(ctx context.Context, tx *state.Tx, trig *model.Trigger, res *model.Response) error {
	cons, err := e.constants(ctx, tx)
	if err != nil {
		return err
	}
	gKey := trig.DataString("group_key")
	if gKey == "" {
		return errors.New("group_key is required")
	}

	user, found, err := e.loadUser(ctx, tx, trig.Sender)
	if err != nil {
		return err
	}
	if !found || user.Balance.Sign() <= 0 {
		return errNoBalance
	}
	if trig.Timestamp < user.ExpiryTS {
		return errTooEarly
	}

	votes, err := e.loadVotes(ctx, tx, trig.Sender)
	if err != nil {
		return err
	}
	aKeys := make([]string, 0, len(votes))
	for aKey := range votes {
		aKeys = append(aKeys, aKey)
	}
	sort.Strings(aKeys)
	for _, aKey := range aKeys {
		if votes[aKey].Sign() == 0 {
			continue
		}
		_, pool, err := e.poolByAssetKey(ctx, tx, aKey)
		if err != nil {
			return err
		}
		if pool.GroupKey != gKey {
			return fmt.Errorf("all voting power must be in group %s but %s is in %s", gKey, aKey, pool.GroupKey)
		}
	}

	em, err := e.settleGlobalEmissions(ctx, tx, trig.Timestamp)
	if err != nil {
		return err
	}
	if err := e.settleUserReward(ctx, tx, user, em); err != nil {
		return err
	}

	group, groupFound, err := e.loadGroup(ctx, tx, gKey)
	if err != nil {
		return err
	}
	if !groupFound {
		return fmt.Errorf("no such group %s", gKey)
	}
	for _, aKey := range aKeys {
		vp := votes[aKey]
		if vp.Sign() == 0 {
			continue
		}
		_, pool, err := e.poolByAssetKey(ctx, tx, aKey)
		if err != nil {
			return err
		}
		group.VP[aKey] = group.VP[aKey].Sub(vp)
		if !pool.Blacklisted {
			group.Total = group.Total.Sub(vp)
		}
	}
	if err := e.saveGroup(ctx, tx, gKey, group); err != nil {
		return err
	}
	if err := tx.Delete(ctx, votesKey(trig.Sender)); err != nil {
		return err
	}

	totalVP, err := getDecimal(ctx, tx, keyTotalNormalizedVP)
	if err != nil {
		return err
	}
	if err := putDecimal(ctx, tx, keyTotalNormalizedVP, totalVP.Sub(user.NormalizedVP)); err != nil {
		return err
	}

	pay(res, cons.Asset, user.Balance, trig.Sender)
	res.Vars["message"] = "unstaked"

	user.Balance = decimal.Zero
	user.NormalizedVP = decimal.Zero
	user.ExpiryTS = 0
	return state.PutJSON(ctx, tx, userKey(trig.Sender), user)
}

// handleWithdrawStakingReward settles and pays out the caller's accrued
// staking emissions. A zero reward is a no-op response, never an error.
func (e *Engine) handleWithdrawStakingReward(ctx context.Context, tx *state.Tx, trig *model.Trigger, res *model.Response) error {
	cons, err := e.constants(ctx, tx)
	if err != nil {
		return err
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

	reward := user.Reward.Floor()
	res.Vars["reward"] = reward.String()
	if reward.Sign() <= 0 {
		return state.PutJSON(ctx, tx, userKey(trig.Sender), user)
	}

	user.Reward = user.Reward.Sub(reward)
	pay(res, cons.Asset, reward, trig.Sender)
	return state.PutJSON(ctx, tx, userKey(trig.Sender), user)
}

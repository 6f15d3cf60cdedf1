package engine

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/oswapdao/token-engine/internal/model"
	"github.com/oswapdao/token-engine/internal/state"
)

// yearSeconds is the emission year: 360 days, matching the VP term period.
const yearSeconds = 360 * 86400

// emissions is the settled global emission counters after catch-up to now.
type emissions struct {
	Stakers decimal.Decimal
	LP      decimal.Decimal
}

// settleGlobalEmissions advances the emission counters from the last
// checkpoint to now. It must run at the top of every handler that reads or
// changes anything emission-dependent (supply, VP totals, pool checkpoints),
// so that catch-up is idempotent no matter which trigger touches first.
//
// Emission over an interval is supply · inflation_rate · dt/year, split
// between stakers and LPs by stakers_share. Emitted tokens are minted
// outside the curve: the curve's own supply and reserve are untouched.
func (e *Engine) settleGlobalEmissions(ctx context.Context, tx *state.Tx, now int64) (emissions, error) {
	var em emissions
	var err error
	if em.Stakers, err = getDecimal(ctx, tx, keyStakersEmissions); err != nil {
		return em, err
	}
	if em.LP, err = getDecimal(ctx, tx, keyLPEmissions); err != nil {
		return em, err
	}

	ts, err := getInt64(ctx, tx, keyEmissionsTS)
	if err != nil {
		return em, err
	}
	if ts == 0 || now <= ts {
		return em, nil
	}

	st, err := e.curveState(ctx, tx)
	if err != nil {
		return em, err
	}
	if st.Supply.Sign() > 0 {
		rate, err := e.param(ctx, tx, ParamInflationRate)
		if err != nil {
			return em, err
		}
		share, err := e.param(ctx, tx, ParamStakersShare)
		if err != nil {
			return em, err
		}

		dt := decimal.NewFromInt(now - ts)
		total := st.Supply.Mul(rate).Mul(dt).Div(decimal.NewFromInt(yearSeconds))
		em.Stakers = em.Stakers.Add(total.Mul(share))
		em.LP = em.LP.Add(total.Sub(total.Mul(share)))

		if err := putDecimal(ctx, tx, keyStakersEmissions, em.Stakers); err != nil {
			return em, err
		}
		if err := putDecimal(ctx, tx, keyLPEmissions, em.LP); err != nil {
			return em, err
		}
	}
	return em, putInt64(ctx, tx, keyEmissionsTS, now)
}

// settleUserReward accrues the user's share of staking emissions since their
// last checkpoint and advances the checkpoint. The caller saves the user.
func (e *Engine) settleUserReward(ctx context.Context, tx *state.Tx, u *model.User, em emissions) error {
	if u.NormalizedVP.Sign() > 0 {
		totalVP, err := getDecimal(ctx, tx, keyTotalNormalizedVP)
		if err != nil {
			return err
		}
		if totalVP.Sign() > 0 {
			delta := em.Stakers.Sub(u.LastStakersEmissions)
			if delta.Sign() > 0 {
				u.Reward = u.Reward.Add(delta.Mul(u.NormalizedVP).Div(totalVP))
			}
		}
	}
	u.LastStakersEmissions = em.Stakers
	return nil
}

// settlePool credits the pool's share of LP emissions accrued since its
// last checkpoint: the pool's group first takes its share of the interval's
// emissions proportionally to the group's VP against all groups, then the
// pool takes its per-key VP share within the group. The credited amount also
// feeds the pool's reward-per-token accumulator. The caller saves the pool.
func (e *Engine) settlePool(ctx context.Context, tx *state.Tx, pool *model.Pool, em emissions) error {
	delta := em.LP.Sub(pool.LastLPEmissions)
	pool.LastLPEmissions = em.LP
	if delta.Sign() <= 0 || pool.Blacklisted {
		return nil
	}

	allGroupsVP, err := e.totalGroupVP(ctx, tx)
	if err != nil {
		return err
	}
	group, _, err := e.loadGroup(ctx, tx, pool.GroupKey)
	if err != nil {
		return err
	}
	keyVP := group.VP[pool.AssetKey]
	if allGroupsVP.Sign() <= 0 || group.Total.Sign() <= 0 || keyVP.Sign() <= 0 {
		return nil
	}

	groupShare := group.Total.Div(allGroupsVP)
	keyShare := keyVP.Div(group.Total)
	inc := delta.Mul(groupShare).Mul(keyShare)
	pool.ReceivedEmissions = pool.ReceivedEmissions.Add(inc)

	bal, err := e.loadPoolBalance(ctx, tx, pool.AssetKey)
	if err != nil {
		return err
	}
	if bal.Balance.Sign() > 0 {
		bal.RewardPerToken = bal.RewardPerToken.Add(inc.Div(bal.Balance))
		if err := state.PutJSON(ctx, tx, poolBalanceKey(pool.AssetKey), bal); err != nil {
			return err
		}
	}
	return nil
}

// settlePosition accrues a position's pending reward from the pool
// accumulator. The caller saves the position.
func settlePosition(pos *model.LPPosition, bal *model.PoolBalance) {
	delta := bal.RewardPerToken.Sub(pos.RewardPerTokenPaid)
	if delta.Sign() > 0 && pos.Amount.Sign() > 0 {
		pos.Reward = pos.Reward.Add(delta.Mul(pos.Amount))
	}
	pos.RewardPerTokenPaid = bal.RewardPerToken
}

// totalGroupVP sums the VP totals of every group.
func (e *Engine) totalGroupVP(ctx context.Context, tx *state.Tx) (decimal.Decimal, error) {
	lastGroup, err := getInt64(ctx, tx, keyLastGroupNum)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for i := int64(1); i <= lastGroup; i++ {
		g, _, err := e.loadGroup(ctx, tx, groupKey(i))
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(g.Total)
	}
	return total, nil
}

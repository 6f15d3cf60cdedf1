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
	errNoVotingWhitelist  = errors.New("only one asset can be added without voting")
	errAlreadyWhitelisted = errors.New("already whitelisted")
	errAlreadyBlacklisted = errors.New("already blacklisted")
	errNotEnoughSupport   = errors.New("not enough support")
)

// requireSupport enforces the VP-weighted admission rule: the caller's VP
// share of the total must reach whitelist_min_share. The exact quorum shape
// is deliberately parameterized; bootstrapping (zero total VP) is handled by
// the callers, which own the error wording.
func (e *Engine) requireSupport(ctx context.Context, tx *state.Tx, sender string) error {
	totalVP, err := getDecimal(ctx, tx, keyTotalNormalizedVP)
	if err != nil {
		return err
	}
	if totalVP.Sign() <= 0 {
		return errNoVotingWhitelist
	}
	user, _, err := e.loadUser(ctx, tx, sender)
	if err != nil {
		return err
	}
	minShare, err := e.param(ctx, tx, ParamWhitelistMinShare)
	if err != nil {
		return err
	}
	if user.NormalizedVP.Div(totalVP).LessThan(minShare) {
		return errNotEnoughSupport
	}
	return nil
}

// handleVoteWhitelist admits a pool asset into the registry, or restores a
// blacklisted one. The very first asset is admitted unconditionally; every
// later admission needs VP support. Asset and group keys are permanent and
// strictly monotone; re-whitelisting never allocates new keys.
func (e *Engine) handleVoteWhitelist(ctx context.Context, tx *state.Tx, trig *model.Trigger, res *model.Response) error {
	if _, err := e.constants(ctx, tx); err != nil {
		return err
	}
	poolAsset := trig.DataString("pool_asset")
	if poolAsset == "" {
		return errors.New("pool_asset is required")
	}
	pid := poolID(trig.DataString("deposit_aa"), poolAsset)

	if _, err := e.settleGlobalEmissions(ctx, tx, trig.Timestamp); err != nil {
		return err
	}

	pool, found, err := e.loadPool(ctx, tx, pid)
	if err != nil {
		return err
	}
	if found {
		if !pool.Blacklisted {
			return errAlreadyWhitelisted
		}
		// Restore a blacklisted pool: same keys, history preserved.
		if err := e.requireSupport(ctx, tx, trig.Sender); err != nil {
			return err
		}
		group, _, err := e.loadGroup(ctx, tx, pool.GroupKey)
		if err != nil {
			return err
		}
		group.Total = group.Total.Add(group.VP[pool.AssetKey])
		if err := e.saveGroup(ctx, tx, pool.GroupKey, group); err != nil {
			return err
		}
		pool.Blacklisted = false
		// Skip the emissions the pool sat out.
		lpEmissions, err := getDecimal(ctx, tx, keyLPEmissions)
		if err != nil {
			return err
		}
		pool.LastLPEmissions = lpEmissions
		if err := state.PutJSON(ctx, tx, pid, pool); err != nil {
			return err
		}
		res.Vars["message"] = "whitelisted"
		return nil
	}

	lastAssetNum, err := getInt64(ctx, tx, keyLastAssetNum)
	if err != nil {
		return err
	}
	if lastAssetNum > 0 {
		// Bootstrap is over: admissions need voted support.
		if err := e.requireSupport(ctx, tx, trig.Sender); err != nil {
			return err
		}
	}

	aKey := assetKey(lastAssetNum + 1)
	if err := putInt64(ctx, tx, keyLastAssetNum, lastAssetNum+1); err != nil {
		return err
	}

	gKey, group, err := e.groupWithCapacity(ctx, tx)
	if err != nil {
		return err
	}
	group.VP[aKey] = decimal.Zero
	if err := e.saveGroup(ctx, tx, gKey, group); err != nil {
		return err
	}

	lpEmissions, err := getDecimal(ctx, tx, keyLPEmissions)
	if err != nil {
		return err
	}
	newPool := model.Pool{
		AssetKey:          aKey,
		GroupKey:          gKey,
		LastLPEmissions:   lpEmissions,
		ReceivedEmissions: decimal.Zero,
	}
	if err := state.PutJSON(ctx, tx, pid, newPool); err != nil {
		return err
	}
	if err := state.PutJSON(ctx, tx, assetIndexKey(aKey), pid); err != nil {
		return err
	}

	res.Vars["message"] = "whitelisted"
	return nil
}

// groupWithCapacity returns the current group if it still has spare
// capacity, otherwise opens the next one. Group capacity is a protocol
// constant.
func (e *Engine) groupWithCapacity(ctx context.Context, tx *state.Tx) (string, *model.GroupVPs, error) {
	lastGroupNum, err := getInt64(ctx, tx, keyLastGroupNum)
	if err != nil {
		return "", nil, err
	}
	if lastGroupNum > 0 {
		gKey := groupKey(lastGroupNum)
		group, _, err := e.loadGroup(ctx, tx, gKey)
		if err != nil {
			return "", nil, err
		}
		if len(group.VP) < e.params.GroupCapacity {
			return gKey, group, nil
		}
	}
	if err := putInt64(ctx, tx, keyLastGroupNum, lastGroupNum+1); err != nil {
		return "", nil, err
	}
	return groupKey(lastGroupNum + 1), model.NewGroupVPs(), nil
}

// handleVoteBlacklist excludes a pool from emission proration. Its keys and
// received_emissions history stay in place; only the flag and the group
// total change.
func (e *Engine) handleVoteBlacklist(ctx context.Context, tx *state.Tx, trig *model.Trigger, res *model.Response) error {
	if _, err := e.constants(ctx, tx); err != nil {
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
		return fmt.Errorf("no such pool %s", poolAsset)
	}
	if pool.Blacklisted {
		return errAlreadyBlacklisted
	}
	if err := e.requireSupport(ctx, tx, trig.Sender); err != nil {
		return err
	}

	// Settle what the pool earned up to now before freezing it out.
	em, err := e.settleGlobalEmissions(ctx, tx, trig.Timestamp)
	if err != nil {
		return err
	}
	if err := e.settlePool(ctx, tx, pool, em); err != nil {
		return err
	}

	group, _, err := e.loadGroup(ctx, tx, pool.GroupKey)
	if err != nil {
		return err
	}
	group.Total = group.Total.Sub(group.VP[pool.AssetKey])
	if err := e.saveGroup(ctx, tx, pool.GroupKey, group); err != nil {
		return err
	}

	pool.Blacklisted = true
	if err := state.PutJSON(ctx, tx, pid, pool); err != nil {
		return err
	}
	res.Vars["message"] = "blacklisted"
	return nil
}

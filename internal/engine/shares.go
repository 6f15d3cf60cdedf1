package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/oswapdao/token-engine/internal/model"
	"github.com/oswapdao/token-engine/internal/state"
)

var errChangesNotBalanced = errors.New("changes must net to zero")

// handleVoteShares reallocates the caller's existing VP between asset keys.
// Deltas must net to zero: the caller's total VP is fixed between stakes.
// Up to two groups may be touched in one trigger, which is how VP migrates
// from a full group into the next one.
func (e *Engine) handleVoteShares(ctx context.Context, tx *state.Tx, trig *model.Trigger, res *model.Response) error {
	if _, err := e.constants(ctx, tx); err != nil {
		return err
	}

	gKey1 := trig.DataString("group_key1")
	if gKey1 == "" {
		return errors.New("group_key1 is required")
	}
	if _, err := parseGroupKey(gKey1); err != nil {
		return err
	}
	changes, err := trig.DataDecimalMap("changes")
	if err != nil {
		return errors.New("changes are required")
	}
	gKey2 := trig.DataString("group_key2")
	if gKey2 != "" {
		if _, err := parseGroupKey(gKey2); err != nil {
			return err
		}
	}

	user, found, err := e.loadUser(ctx, tx, trig.Sender)
	if err != nil {
		return err
	}
	if !found || user.NormalizedVP.Sign() <= 0 {
		return errNoBalance
	}

	net := decimal.Zero
	for _, delta := range changes {
		net = net.Add(delta)
	}
	if net.Abs().GreaterThan(decimal.NewFromFloat(1e-6)) {
		return errChangesNotBalanced
	}

	votes, err := e.loadVotes(ctx, tx, trig.Sender)
	if err != nil {
		return err
	}

	groups := map[string]*model.GroupVPs{}
	for _, gKey := range []string{gKey1, gKey2} {
		if gKey == "" {
			continue
		}
		g, found, err := e.loadGroup(ctx, tx, gKey)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("no such group %s", gKey)
		}
		groups[gKey] = g
	}

	// Validate everything before writing anything: a partial reallocation
	// would corrupt the proration books.
	aKeys := make([]string, 0, len(changes))
	for aKey := range changes {
		aKeys = append(aKeys, aKey)
	}
	sort.Strings(aKeys)

	type move struct {
		aKey        string
		delta       decimal.Decimal
		gKey        string
		blacklisted bool
	}
	moves := make([]move, 0, len(aKeys))
	for _, aKey := range aKeys {
		delta := changes[aKey]
		if delta.Sign() == 0 {
			continue
		}
		_, pool, err := e.poolByAssetKey(ctx, tx, aKey)
		if err != nil {
			return err
		}
		group, ok := groups[pool.GroupKey]
		if !ok {
			return fmt.Errorf("%s is in group %s, not in %s", aKey, pool.GroupKey, gKey1)
		}
		if _, ok := group.VP[aKey]; !ok {
			return fmt.Errorf("%s is not in group %s", aKey, pool.GroupKey)
		}
		if pool.Blacklisted && delta.Sign() > 0 {
			return fmt.Errorf("%s is blacklisted", aKey)
		}
		if votes[aKey].Add(delta).Sign() < 0 {
			return fmt.Errorf("not enough votes on %s", aKey)
		}
		moves = append(moves, move{aKey: aKey, delta: delta, gKey: pool.GroupKey, blacklisted: pool.Blacklisted})
	}

	for _, m := range moves {
		group := groups[m.gKey]
		votes[m.aKey] = votes[m.aKey].Add(m.delta)
		if votes[m.aKey].Sign() == 0 {
			delete(votes, m.aKey)
		}
		group.VP[m.aKey] = group.VP[m.aKey].Add(m.delta)
		if !m.blacklisted {
			group.Total = group.Total.Add(m.delta)
		}
	}

	gKeys := make([]string, 0, len(groups))
	for gKey := range groups {
		gKeys = append(gKeys, gKey)
	}
	sort.Strings(gKeys)
	for _, gKey := range gKeys {
		if err := e.saveGroup(ctx, tx, gKey, groups[gKey]); err != nil {
			return err
		}
	}
	if err := state.PutJSON(ctx, tx, votesKey(trig.Sender), votes); err != nil {
		return err
	}

	res.Vars["message"] = "shares moved"
	return nil
}

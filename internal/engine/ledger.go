package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/oswapdao/token-engine/internal/model"
	"github.com/oswapdao/token-engine/internal/state"
)

// errNotDefined bounces every trigger arriving before the define trigger.
var errNotDefined = errors.New("token not defined yet")

// errUnknownAction bounces triggers with no recognized data key and no
// payment in a known asset.
var errUnknownAction = errors.New("unrecognized trigger")

// --- scalar accessors ---

func getDecimal(ctx context.Context, s state.Store, key string) (decimal.Decimal, error) {
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

func putDecimal(ctx context.Context, s state.Store, key string, v decimal.Decimal) error {
	return state.PutJSON(ctx, s, key, v)
}

func getInt64(ctx context.Context, s state.Store, key string) (int64, error) {
	var v int64
	found, err := state.GetJSON(ctx, s, key, &v)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, nil
	}
	return v, nil
}

func putInt64(ctx context.Context, s state.Store, key string, v int64) error {
	return state.PutJSON(ctx, s, key, v)
}

// --- typed records ---

func (e *Engine) constants(ctx context.Context, s state.Store) (*model.Constants, error) {
	var c model.Constants
	found, err := state.GetJSON(ctx, s, keyConstants, &c)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errNotDefined
	}
	return &c, nil
}

func (e *Engine) curveState(ctx context.Context, s state.Store) (model.CurveState, error) {
	var st model.CurveState
	found, err := state.GetJSON(ctx, s, keyState, &st)
	if err != nil {
		return model.CurveState{}, err
	}
	if !found {
		return model.CurveState{}, errNotDefined
	}
	return st, nil
}

func (e *Engine) loadUser(ctx context.Context, s state.Store, addr string) (*model.User, bool, error) {
	var u model.User
	found, err := state.GetJSON(ctx, s, userKey(addr), &u)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return &model.User{
			Balance:              decimal.Zero,
			Reward:               decimal.Zero,
			NormalizedVP:         decimal.Zero,
			LastStakersEmissions: decimal.Zero,
		}, false, nil
	}
	return &u, true, nil
}

func (e *Engine) loadPool(ctx context.Context, s state.Store, pid string) (*model.Pool, bool, error) {
	var p model.Pool
	found, err := state.GetJSON(ctx, s, pid, &p)
	if err != nil {
		return nil, false, err
	}
	return &p, found, nil
}

// poolByAssetKey resolves an "a<N>" key to its pool record via the asset
// index written at whitelist time.
func (e *Engine) poolByAssetKey(ctx context.Context, s state.Store, aKey string) (string, *model.Pool, error) {
	var pid string
	found, err := state.GetJSON(ctx, s, assetIndexKey(aKey), &pid)
	if err != nil {
		return "", nil, err
	}
	if !found {
		return "", nil, fmt.Errorf("no pool for asset key %s", aKey)
	}
	p, found, err := e.loadPool(ctx, s, pid)
	if err != nil {
		return "", nil, err
	}
	if !found {
		return "", nil, fmt.Errorf("no pool for asset key %s", aKey)
	}
	return pid, p, nil
}

func (e *Engine) loadGroup(ctx context.Context, s state.Store, gKey string) (*model.GroupVPs, bool, error) {
	var g model.GroupVPs
	found, err := state.GetJSON(ctx, s, groupVPsKey(gKey), &g)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return model.NewGroupVPs(), false, nil
	}
	if g.VP == nil {
		g.VP = make(map[string]decimal.Decimal)
	}
	return &g, true, nil
}

func (e *Engine) saveGroup(ctx context.Context, s state.Store, gKey string, g *model.GroupVPs) error {
	return state.PutJSON(ctx, s, groupVPsKey(gKey), g)
}

func (e *Engine) loadVotes(ctx context.Context, s state.Store, addr string) (map[string]decimal.Decimal, error) {
	votes := make(map[string]decimal.Decimal)
	if _, err := state.GetJSON(ctx, s, votesKey(addr), &votes); err != nil {
		return nil, err
	}
	return votes, nil
}

func (e *Engine) loadPoolBalance(ctx context.Context, s state.Store, aKey string) (*model.PoolBalance, error) {
	var b model.PoolBalance
	found, err := state.GetJSON(ctx, s, poolBalanceKey(aKey), &b)
	if err != nil {
		return nil, err
	}
	if !found {
		return &model.PoolBalance{Balance: decimal.Zero, RewardPerToken: decimal.Zero}, nil
	}
	return &b, nil
}

// param reads a votable parameter, falling back to the engine default when
// no value vote has committed one yet.
func (e *Engine) param(ctx context.Context, s state.Store, name string) (decimal.Decimal, error) {
	var v decimal.Decimal
	found, err := state.GetJSON(ctx, s, name, &v)
	if err != nil {
		return decimal.Zero, err
	}
	if found {
		return v, nil
	}
	switch name {
	case ParamSwapFee:
		return e.params.SwapFee, nil
	case ParamArbProfitTax:
		return e.params.ArbProfitTax, nil
	case ParamInflationRate:
		return e.params.InflationRate, nil
	case ParamStakersShare:
		return e.params.StakersShare, nil
	case ParamWhitelistMinShare:
		return e.params.WhitelistMinShare, nil
	default:
		return decimal.Zero, fmt.Errorf("unknown parameter %s", name)
	}
}

// Package model defines the core domain types shared across the token engine.
// All monetary values and voting power use shopspring/decimal — never float64
// for money.
package model

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Payment is a single asset movement attached to a trigger or produced in
// a response. Address is the destination and is only set on outgoing
// payments.
type Payment struct {
	Asset   string          `json:"asset"`
	Amount  decimal.Decimal `json:"amount"`
	Address string          `json:"address,omitempty"`
}

// Trigger is the envelope delivered by the ledger layer: a sender, a
// timestamp, one or more payments and optional structured data. The engine
// is a pure function of (current state, trigger); the timestamp is the only
// clock it ever sees.
type Trigger struct {
	ID        string         `json:"id"`
	Sender    string         `json:"sender"`
	Timestamp int64          `json:"timestamp"` // unix seconds
	Payments  []Payment      `json:"payments"`
	Data      map[string]any `json:"data,omitempty"`
}

// PaidAmount returns the total amount of the given asset attached to the
// trigger. Missing assets yield zero.
func (t *Trigger) PaidAmount(asset string) decimal.Decimal {
	total := decimal.Zero
	for _, p := range t.Payments {
		if p.Asset == asset {
			total = total.Add(p.Amount)
		}
	}
	return total
}

// Has reports whether the trigger data contains the given key, the way a
// dispatch field like {stake: 1} is recognized.
func (t *Trigger) Has(key string) bool {
	if t.Data == nil {
		return false
	}
	_, ok := t.Data[key]
	return ok
}

// DataString returns a string data field, or "" if absent.
func (t *Trigger) DataString(key string) string {
	if t.Data == nil {
		return ""
	}
	s, _ := t.Data[key].(string)
	return s
}

// DataDecimal returns a numeric data field as a decimal.
// Accepts JSON numbers, json.Number and numeric strings.
func (t *Trigger) DataDecimal(key string) (decimal.Decimal, error) {
	if t.Data == nil {
		return decimal.Zero, fmt.Errorf("missing field %s", key)
	}
	return toDecimal(t.Data[key])
}

// DataInt returns an integer data field.
func (t *Trigger) DataInt(key string) (int64, error) {
	d, err := t.DataDecimal(key)
	if err != nil {
		return 0, err
	}
	if !d.IsInteger() {
		return 0, fmt.Errorf("field %s must be an integer", key)
	}
	return d.IntPart(), nil
}

// DataDecimalMap returns a map-valued data field (e.g. vote-share changes
// or stake percentages) with decimal values.
func (t *Trigger) DataDecimalMap(key string) (map[string]decimal.Decimal, error) {
	if t.Data == nil {
		return nil, fmt.Errorf("missing field %s", key)
	}
	raw, ok := t.Data[key].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("field %s must be an object", key)
	}
	out := make(map[string]decimal.Decimal, len(raw))
	for k, v := range raw {
		d, err := toDecimal(v)
		if err != nil {
			return nil, fmt.Errorf("field %s.%s: %w", key, k, err)
		}
		out[k] = d
	}
	return out, nil
}

func toDecimal(v any) (decimal.Decimal, error) {
	switch x := v.(type) {
	case float64:
		return decimal.NewFromFloat(x), nil
	case int:
		return decimal.NewFromInt(int64(x)), nil
	case int64:
		return decimal.NewFromInt(x), nil
	case json.Number:
		return decimal.NewFromString(x.String())
	case string:
		return decimal.NewFromString(x)
	case decimal.Decimal:
		return x, nil
	case nil:
		return decimal.Zero, fmt.Errorf("missing value")
	default:
		return decimal.Zero, fmt.Errorf("unsupported numeric type %T", v)
	}
}

// Response is the engine's reply to one trigger. A non-empty Error means the
// trigger bounced: none of its effects were committed and Payouts is empty.
type Response struct {
	TriggerID string         `json:"trigger_id"`
	Bounced   bool           `json:"bounced"`
	Error     string         `json:"error,omitempty"`
	Vars      map[string]any `json:"response_vars,omitempty"`
	Payouts   []Payment      `json:"payouts,omitempty"`
}

// CurveState is the bonding-curve position, persisted under the "state" key.
// Invariant after every trade: reserve == coef·s0·supply/(s0−supply), held
// exactly because coef is refitted after fees are folded into the reserve.
type CurveState struct {
	Reserve decimal.Decimal `json:"reserve"`
	Supply  decimal.Decimal `json:"supply"`
	S0      decimal.Decimal `json:"s0"`
	Coef    decimal.Decimal `json:"coef"`
}

// Constants are fixed at define time, persisted under "constants".
type Constants struct {
	Asset        string `json:"asset"`
	ReserveAsset string `json:"reserve_asset"`
	EpochTS      int64  `json:"epoch_ts"` // VP normalization epoch
}

// User is a vote-escrow position, persisted under "user_<address>".
type User struct {
	Balance              decimal.Decimal `json:"balance"`
	Reward               decimal.Decimal `json:"reward"`
	NormalizedVP         decimal.Decimal `json:"normalized_vp"`
	LastStakersEmissions decimal.Decimal `json:"last_stakers_emissions"`
	ExpiryTS             int64           `json:"expiry_ts"`
}

// Pool is a whitelisted LP asset, persisted under "pool_<asset>" (or
// "pool_<deposit_aa>_<asset>" when a deposit agent qualifies the asset).
// AssetKey and GroupKey are permanent; blacklisting only flips the flag.
type Pool struct {
	AssetKey          string          `json:"asset_key"`
	GroupKey          string          `json:"group_key"`
	LastLPEmissions   decimal.Decimal `json:"last_lp_emissions"`
	ReceivedEmissions decimal.Decimal `json:"received_emissions"`
	Blacklisted       bool            `json:"blacklisted,omitempty"`
}

// GroupVPs is the per-group VP book persisted under "pool_vps_g<N>".
// It serializes as a flat object {"total": t, "a1": v1, ...} for
// compatibility with external state readers.
type GroupVPs struct {
	Total decimal.Decimal
	VP    map[string]decimal.Decimal // asset_key → vp
}

// NewGroupVPs returns an empty VP book.
func NewGroupVPs() *GroupVPs {
	return &GroupVPs{Total: decimal.Zero, VP: make(map[string]decimal.Decimal)}
}

func (g GroupVPs) MarshalJSON() ([]byte, error) {
	flat := make(map[string]decimal.Decimal, len(g.VP)+1)
	flat["total"] = g.Total
	for k, v := range g.VP {
		flat[k] = v
	}
	return json.Marshal(flat)
}

func (g *GroupVPs) UnmarshalJSON(data []byte) error {
	flat := make(map[string]decimal.Decimal)
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}
	g.Total = flat["total"]
	delete(flat, "total")
	g.VP = flat
	return nil
}

// PoolBalance tracks a pool's total deposited liquidity and its cumulative
// reward-per-token accumulator, persisted under
// "pool_asset_balance_<asset_key>". The accumulator makes per-position
// reward accrual independent of later balance changes.
type PoolBalance struct {
	Balance        decimal.Decimal `json:"balance"`
	RewardPerToken decimal.Decimal `json:"reward_per_token"`
}

// LPPosition is one holder's stake in one pool, persisted under
// "lp_<address>_<asset_key>". Created on first deposit, deleted on full
// withdrawal.
type LPPosition struct {
	Amount             decimal.Decimal `json:"amount"`
	RewardPerTokenPaid decimal.Decimal `json:"reward_per_token_paid"`
	Reward             decimal.Decimal `json:"reward"`
}

// Leader is the current plurality winner of a value vote, persisted under
// "leader_<name>". FlipTS is the timestamp the leadership last changed.
type Leader struct {
	Value  string `json:"value"`
	FlipTS int64  `json:"flip_ts"`
}

// UserValueVote is one voter's current position on one named value,
// persisted under "user_value_votes_<address>_<name>".
type UserValueVote struct {
	Value string          `json:"value"`
	VP    decimal.Decimal `json:"vp"`
}

// Proposal is a one-shot grant request, persisted under "proposal_<num>".
// It transitions Open → Decided exactly once; a yes decision pays out once.
type Proposal struct {
	Recipient string          `json:"recipient"`
	Amount    decimal.Decimal `json:"amount"`
	Unit      string          `json:"unit"` // payout asset
	ExpiryTS  int64           `json:"expiry_ts"`
	Decided   bool            `json:"decided"`
	Result    string          `json:"result,omitempty"` // "yes" or "no"
}

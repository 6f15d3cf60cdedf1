package engine

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/oswapdao/token-engine/internal/curve"
	"github.com/oswapdao/token-engine/internal/model"
	"github.com/oswapdao/token-engine/internal/oracle"
	"github.com/oswapdao/token-engine/internal/state"
)

const (
	day = int64(86400)

	alice = "ALICE7AUTONOMOUS2AGENT4ADDRESS"
	bob   = "BOB2LIQUIDITY5PROVIDER9ADDRESS"
	carol = "CAROL3THIRD6PARTY1VOTERADDRESS"
	eve   = "EVE4GRANT8RECIPIENT3ADDRESSXYZ"

	pool1 = "POOL1LPSHARESASSETUNIT"
	pool2 = "POOL2LPSHARESASSETUNIT"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func di(n int64) decimal.Decimal { return decimal.NewFromInt(n) }

// fixture wires an engine over a fresh in-memory store and tracks a logical
// clock and trigger counter so scenarios read top to bottom.
type fixture struct {
	t     *testing.T
	e     *Engine
	feed  *oracle.MemoryFeed
	ctx   context.Context
	now   int64
	seq   int
	asset string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	feed := oracle.NewMemoryFeed()
	return &fixture{
		t:    t,
		e:    New(state.NewMemoryStore(), feed, DefaultParams()),
		feed: feed,
		ctx:  context.Background(),
		now:  1700000000,
	}
}

func (f *fixture) trigger(sender string, data map[string]any, payments ...model.Payment) *model.Trigger {
	f.seq++
	return &model.Trigger{
		ID:        fmt.Sprintf("unit%04d", f.seq),
		Sender:    sender,
		Timestamp: f.now,
		Payments:  payments,
		Data:      data,
	}
}

// exec runs a trigger and fails the test if it bounces.
func (f *fixture) exec(sender string, data map[string]any, payments ...model.Payment) *model.Response {
	f.t.Helper()
	res, err := f.e.Execute(f.ctx, f.trigger(sender, data, payments...))
	if err != nil {
		f.t.Fatalf("execute: %v", err)
	}
	if res.Bounced {
		f.t.Fatalf("trigger bounced: %s", res.Error)
	}
	return res
}

// execBounce runs a trigger and fails the test unless it bounces with the
// given error substring.
func (f *fixture) execBounce(wantErr, sender string, data map[string]any, payments ...model.Payment) *model.Response {
	f.t.Helper()
	res, err := f.e.Execute(f.ctx, f.trigger(sender, data, payments...))
	if err != nil {
		f.t.Fatalf("execute: %v", err)
	}
	if !res.Bounced {
		f.t.Fatalf("expected bounce %q, got success with vars %v", wantErr, res.Vars)
	}
	if !strings.Contains(res.Error, wantErr) {
		f.t.Fatalf("expected bounce %q, got %q", wantErr, res.Error)
	}
	return res
}

func (f *fixture) define() {
	f.t.Helper()
	res := f.exec(alice, map[string]any{"define": 1})
	f.asset = res.Vars["asset"].(string)
	if f.asset == "" {
		f.t.Fatal("define returned no asset")
	}
}

func (f *fixture) advance(seconds int64) { f.now += seconds }

func (f *fixture) getJSON(key string, out any) bool {
	f.t.Helper()
	found, err := state.GetJSON(f.ctx, f.e.Store(), key, out)
	if err != nil {
		f.t.Fatalf("read %s: %v", key, err)
	}
	return found
}

func (f *fixture) curveState() model.CurveState {
	f.t.Helper()
	var st model.CurveState
	if !f.getJSON(keyState, &st) {
		f.t.Fatal("no curve state")
	}
	return st
}

// checkCurve asserts the persisted state sits on its own invariant within
// one reserve unit.
func (f *fixture) checkCurve() model.CurveState {
	f.t.Helper()
	st := f.curveState()
	if dev := curve.Deviation(st); dev.GreaterThan(di(1)) {
		f.t.Fatalf("curve off its invariant by %s (reserve %s, supply %s, coef %s)",
			dev, st.Reserve, st.Supply, st.Coef)
	}
	return st
}

// buy sends reserve to the curve and returns the tokens received.
func (f *fixture) buy(sender string, amount int64) decimal.Decimal {
	f.t.Helper()
	res := f.exec(sender, nil, model.Payment{Asset: "base", Amount: di(amount)})
	if len(res.Payouts) != 1 || res.Payouts[0].Asset != f.asset {
		f.t.Fatalf("buy did not pay out tokens: %+v", res.Payouts)
	}
	return res.Payouts[0].Amount
}

func (f *fixture) whitelistFirstPool() {
	f.t.Helper()
	res := f.exec(alice, map[string]any{"vote_whitelist": 1, "pool_asset": pool1})
	if res.Vars["message"] != "whitelisted" {
		f.t.Fatalf("expected whitelisted, got %v", res.Vars)
	}
}

// stake locks tokens for a term with all VP on one asset key.
func (f *fixture) stake(sender string, tokens decimal.Decimal, termDays int64, gKey, aKey string) {
	f.t.Helper()
	f.exec(sender, map[string]any{
		"stake":       1,
		"term":        termDays,
		"group_key":   gKey,
		"percentages": map[string]any{aKey: 100},
	}, model.Payment{Asset: f.asset, Amount: tokens})
}

func TestDefineBootstrapsTokenOnce(t *testing.T) {
	f := newFixture(t)
	f.define()

	var cons model.Constants
	if !f.getJSON(keyConstants, &cons) {
		t.Fatal("constants not written")
	}
	if cons.Asset != f.asset {
		t.Fatalf("constants asset %s != response asset %s", cons.Asset, f.asset)
	}
	if cons.EpochTS != f.now {
		t.Fatalf("epoch_ts = %d, want %d", cons.EpochTS, f.now)
	}

	st := f.curveState()
	if !st.Supply.IsZero() || !st.Reserve.IsZero() {
		t.Fatalf("fresh curve not empty: %+v", st)
	}
	if !st.S0.Equal(d("1000000000000000")) {
		t.Fatalf("s0 = %s", st.S0)
	}

	f.execBounce("already defined", alice, map[string]any{"define": 1})
}

func TestTriggersBeforeDefineBounce(t *testing.T) {
	f := newFixture(t)
	f.execBounce("token not defined yet", alice, nil,
		model.Payment{Asset: "base", Amount: di(1000)})
}

func TestFirstWhitelistNeedsNoVotes(t *testing.T) {
	f := newFixture(t)
	f.define()
	f.whitelistFirstPool()

	var pool model.Pool
	if !f.getJSON("pool_"+pool1, &pool) {
		t.Fatal("pool record not written")
	}
	if pool.AssetKey != "a1" || pool.GroupKey != "g1" {
		t.Fatalf("pool keys = %s/%s, want a1/g1", pool.AssetKey, pool.GroupKey)
	}

	var group model.GroupVPs
	if !f.getJSON("pool_vps_g1", &group) {
		t.Fatal("group VP book not written")
	}
	if !group.Total.IsZero() {
		t.Fatalf("new group total = %s, want 0", group.Total)
	}
	if vp, ok := group.VP["a1"]; !ok || !vp.IsZero() {
		t.Fatalf("group a1 slot = %v", group.VP)
	}
}

func TestSecondWhitelistRequiresVotes(t *testing.T) {
	f := newFixture(t)
	f.define()
	f.whitelistFirstPool()
	f.execBounce("only one asset can be added without voting",
		alice, map[string]any{"vote_whitelist": 1, "pool_asset": pool2})
}

func TestWhitelistingSamePoolTwiceBounces(t *testing.T) {
	f := newFixture(t)
	f.define()
	f.whitelistFirstPool()
	f.execBounce("already whitelisted",
		alice, map[string]any{"vote_whitelist": 1, "pool_asset": pool1})
}

func TestBuyIssuesTokensAndHoldsInvariant(t *testing.T) {
	f := newFixture(t)
	f.define()

	tokens := f.buy(alice, 100_000_000_000)
	if tokens.Sign() <= 0 {
		t.Fatal("buy issued no tokens")
	}
	if !tokens.IsInteger() {
		t.Fatalf("tokens not integer: %s", tokens)
	}

	st := f.checkCurve()
	// The whole payment enters the reserve; fees only reduce tokens.
	if !st.Reserve.Equal(di(100_000_000_000)) {
		t.Fatalf("reserve = %s, want full payment", st.Reserve)
	}
	if !st.Supply.Equal(tokens) {
		t.Fatalf("supply %s != issued tokens %s", st.Supply, tokens)
	}
	// Swap fee appreciated the token: coef rose above its initial value.
	if !st.Coef.GreaterThan(di(1)) {
		t.Fatalf("coef = %s, want > 1 after fee", st.Coef)
	}
}

func TestSellPaysReserveAndHoldsInvariant(t *testing.T) {
	f := newFixture(t)
	f.define()
	tokens := f.buy(alice, 100_000_000_000)

	half := tokens.Div(di(2)).Floor()
	res := f.exec(alice, nil, model.Payment{Asset: f.asset, Amount: half})
	if len(res.Payouts) != 1 || res.Payouts[0].Asset != "base" {
		t.Fatalf("sell did not pay reserve: %+v", res.Payouts)
	}
	payout := res.Payouts[0].Amount
	if payout.Sign() <= 0 || !payout.IsInteger() {
		t.Fatalf("bad payout %s", payout)
	}
	// Round trip through the fee loses value.
	if payout.GreaterThanOrEqual(di(50_000_000_000)) {
		t.Fatalf("payout %s did not lose the fee", payout)
	}

	st := f.checkCurve()
	if !st.Supply.Equal(tokens.Sub(half)) {
		t.Fatalf("supply = %s, want %s", st.Supply, tokens.Sub(half))
	}
}

func TestSellingMoreThanSupplyBounces(t *testing.T) {
	f := newFixture(t)
	f.define()
	tokens := f.buy(alice, 1_000_000_000)
	f.execBounce("cannot sell more than the outstanding supply",
		alice, nil, model.Payment{Asset: f.asset, Amount: tokens.Add(di(1))})
}

func TestTradeResponseVars(t *testing.T) {
	f := newFixture(t)
	f.define()
	res := f.exec(alice, nil, model.Payment{Asset: "base", Amount: di(100_000_000_000)})

	for _, key := range []string{"price", "swap_fee", "arb_profit_tax", "coef_multiplier", "fee%"} {
		if _, ok := res.Vars[key]; !ok {
			t.Fatalf("missing response var %s in %v", key, res.Vars)
		}
	}
	if res.Vars["swap_fee"] == "0" {
		t.Fatal("swap fee not charged")
	}
	// No oracle target: no arb tax.
	if res.Vars["arb_profit_tax"] != "0" {
		t.Fatalf("arb tax %v without a target price", res.Vars["arb_profit_tax"])
	}
}

func TestArbTaxAndAppreciationWithOracleFeed(t *testing.T) {
	f := newFixture(t)
	f.define()
	// Target far above the current price: buys move toward it and get taxed.
	f.feed.Post("TVL", d("1000000000000"), f.now)
	f.advance(day)

	res := f.exec(alice, nil, model.Payment{Asset: "base", Amount: di(100_000_000_000)})
	tax := d(res.Vars["arb_profit_tax"].(string))
	if tax.Sign() <= 0 {
		t.Fatalf("arb tax = %s, want > 0 for a trade toward the target", tax)
	}
	mult := d(res.Vars["coef_multiplier"].(string))
	if !mult.GreaterThan(di(1)) {
		t.Fatalf("coef multiplier = %s, want > 1 with TVL appreciation", mult)
	}
	f.checkCurve()
}

func TestBouncedTriggerCommitsNothing(t *testing.T) {
	f := newFixture(t)
	f.define()
	f.whitelistFirstPool()
	tokens := f.buy(alice, 100_000_000_000)
	before := f.curveState()

	// Bad term: the stake bounces after the emission settlement already ran.
	f.execBounce("term must be between", alice, map[string]any{
		"stake":       1,
		"term":        100000,
		"group_key":   "g1",
		"percentages": map[string]any{"a1": 100},
	}, model.Payment{Asset: f.asset, Amount: tokens})

	after := f.curveState()
	if !before.Reserve.Equal(after.Reserve) || !before.Supply.Equal(after.Supply) {
		t.Fatalf("bounced trigger changed state: %+v -> %+v", before, after)
	}
	if found := f.getJSON(userKey(alice), &model.User{}); found {
		t.Fatal("bounced stake wrote a user record")
	}
}

func TestUnrecognizedTriggerBounces(t *testing.T) {
	f := newFixture(t)
	f.define()
	f.execBounce("unrecognized trigger", alice, map[string]any{"frobnicate": 1})
}

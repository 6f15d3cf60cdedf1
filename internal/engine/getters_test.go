package engine

import (
	"testing"
)

func TestGetExchangeResultMatchesActualBuy(t *testing.T) {
	f := newFixture(t)
	f.define()

	quote, err := f.e.GetExchangeResult(f.ctx, di(0), di(50_000_000_000), f.now)
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	tokens := f.buy(alice, 50_000_000_000)
	if !quote.Tokens.Equal(tokens) {
		t.Fatalf("quoted %s tokens, trade issued %s", quote.Tokens, tokens)
	}
}

func TestGetPriceDoesNotMutateState(t *testing.T) {
	f := newFixture(t)
	f.define()
	f.buy(alice, 10_000_000_000)
	before := f.curveState()

	f.advance(30 * day)
	price, err := f.e.GetPrice(f.ctx, f.now)
	if err != nil {
		t.Fatalf("get price: %v", err)
	}
	if price.Sign() <= 0 {
		t.Fatalf("price = %s", price)
	}

	after := f.curveState()
	if !before.Coef.Equal(after.Coef) || !before.Supply.Equal(after.Supply) {
		t.Fatalf("getter mutated state: %+v -> %+v", before, after)
	}
	var ts int64
	f.getJSON(keyEmissionsTS, &ts)
	if ts != f.now-30*day {
		t.Fatalf("getter advanced the emissions checkpoint to %d", ts)
	}
}

func TestGetStakingRewardMatchesClaim(t *testing.T) {
	f, _ := stakedFixture(t)
	f.advance(180 * day)

	quote, err := f.e.GetStakingReward(f.ctx, alice, f.now)
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	res := f.exec(alice, map[string]any{"withdraw_staking_reward": 1})
	if res.Vars["reward"] != quote.String() {
		t.Fatalf("quoted %s, claim paid %v", quote, res.Vars["reward"])
	}
}

func TestGetLPRewardMatchesClaim(t *testing.T) {
	f := lpFixture(t)
	f.advance(180 * day)

	quote, err := f.e.GetLPReward(f.ctx, carol, pool1, "", f.now)
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if quote.Sign() <= 0 {
		t.Fatalf("quote = %s", quote)
	}
	res := f.exec(carol, map[string]any{"withdraw_lp_reward": 1, "pool_asset": pool1})
	if res.Vars["reward"] != quote.String() {
		t.Fatalf("quoted %s, claim paid %v", quote, res.Vars["reward"])
	}
}

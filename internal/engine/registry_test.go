package engine

import (
	"fmt"
	"testing"

	"github.com/oswapdao/token-engine/internal/model"
)

func TestWhitelistNeedsMinimumVPShare(t *testing.T) {
	f, _ := stakedFixture(t)

	// Bob's stake is about 1% of the total VP, below the 10% threshold.
	bobTokens := f.buy(bob, 1_000_000_000)
	f.stake(bob, bobTokens, 360, "g1", "a1")
	f.execBounce("not enough support",
		bob, map[string]any{"vote_whitelist": 1, "pool_asset": pool2})

	// Alice clears it easily.
	f.exec(alice, map[string]any{"vote_whitelist": 1, "pool_asset": pool2})
}

func TestBlacklistFreezesPoolAndRestorePreservesKeys(t *testing.T) {
	f, _ := twoPoolFixture(t)

	res := f.exec(alice, map[string]any{"vote_blacklist": 1, "pool_asset": pool2})
	if res.Vars["message"] != "blacklisted" {
		t.Fatalf("vars = %v", res.Vars)
	}
	var pool model.Pool
	f.getJSON("pool_"+pool2, &pool)
	if !pool.Blacklisted || pool.AssetKey != "a2" {
		t.Fatalf("pool = %+v", pool)
	}

	// Blacklisted pools accept no deposits and no fresh votes.
	f.execBounce("pool is blacklisted", carol, map[string]any{"deposit": 1},
		model.Payment{Asset: pool2, Amount: di(1000)})
	f.execBounce("a2 is blacklisted", alice, map[string]any{
		"vote_shares": 1,
		"group_key1":  "g1",
		"changes":     map[string]any{"a1": -10, "a2": 10},
	})
	f.execBounce("already blacklisted",
		alice, map[string]any{"vote_blacklist": 1, "pool_asset": pool2})

	// Restoring reuses the permanent keys instead of allocating new ones.
	res = f.exec(alice, map[string]any{"vote_whitelist": 1, "pool_asset": pool2})
	if res.Vars["message"] != "whitelisted" {
		t.Fatalf("vars = %v", res.Vars)
	}
	pool = model.Pool{}
	f.getJSON("pool_"+pool2, &pool)
	if pool.Blacklisted || pool.AssetKey != "a2" || pool.GroupKey != "g1" {
		t.Fatalf("restored pool = %+v", pool)
	}
	var lastAssetNum int64
	f.getJSON(keyLastAssetNum, &lastAssetNum)
	if lastAssetNum != 2 {
		t.Fatalf("last_asset_num = %d, want 2 after restore", lastAssetNum)
	}

	// Numbering continues past the cycle.
	f.exec(alice, map[string]any{"vote_whitelist": 1, "pool_asset": "POOL3LPSHARESASSETUNIT"})
	f.getJSON(keyLastAssetNum, &lastAssetNum)
	if lastAssetNum != 3 {
		t.Fatalf("last_asset_num = %d, want 3", lastAssetNum)
	}
}

func TestBlacklistRemovesVPFromGroupTotal(t *testing.T) {
	f, tokens := twoPoolFixture(t)
	vp := tokens.Mul(di(4))
	moved := vp.Mul(d("0.3"))
	f.exec(alice, map[string]any{
		"vote_shares": 1,
		"group_key1":  "g1",
		"changes":     map[string]any{"a1": moved.Neg().String(), "a2": moved.String()},
	})

	f.exec(alice, map[string]any{"vote_blacklist": 1, "pool_asset": pool2})

	var group model.GroupVPs
	f.getJSON("pool_vps_g1", &group)
	// The per-key book keeps the votes; only the prorated total drops.
	if !group.VP["a2"].Equal(moved) {
		t.Fatalf("a2 book = %s, want %s", group.VP["a2"], moved)
	}
	if !group.Total.Equal(vp.Sub(moved)) {
		t.Fatalf("group total = %s, want %s", group.Total, vp.Sub(moved))
	}
}

func TestGroupOverflowsIntoNextAtCapacity(t *testing.T) {
	f, tokens := stakedFixture(t)

	// Fill g1 to its 30-slot capacity, then one more.
	for i := 2; i <= 31; i++ {
		f.exec(alice, map[string]any{
			"vote_whitelist": 1,
			"pool_asset":     fmt.Sprintf("POOLASSET%02dUNIT", i),
		})
	}

	var pool model.Pool
	f.getJSON("pool_POOLASSET31UNIT", &pool)
	if pool.AssetKey != "a31" || pool.GroupKey != "g2" {
		t.Fatalf("overflow pool = %+v, want a31/g2", pool)
	}
	var lastGroupNum int64
	f.getJSON(keyLastGroupNum, &lastGroupNum)
	if lastGroupNum != 2 {
		t.Fatalf("last_group_num = %d", lastGroupNum)
	}
	var g2 model.GroupVPs
	if !f.getJSON("pool_vps_g2", &g2) {
		t.Fatal("g2 book not written")
	}
	if _, ok := g2.VP["a31"]; !ok {
		t.Fatalf("g2 book = %v", g2.VP)
	}

	// Spread VP across both groups, then try to unstake from g1 alone.
	vp := tokens.Mul(di(4))
	moved := vp.Mul(d("0.1"))
	f.exec(alice, map[string]any{
		"vote_shares": 1,
		"group_key1":  "g1",
		"group_key2":  "g2",
		"changes":     map[string]any{"a1": moved.Neg().String(), "a31": moved.String()},
	})

	f.advance(360 * day)
	f.execBounce("all voting power must be in group g1 but a31 is in g2",
		alice, map[string]any{"unstake": 1, "group_key": "g1"})

	// Pulling the stray votes back makes the unstake pass.
	f.exec(alice, map[string]any{
		"vote_shares": 1,
		"group_key1":  "g1",
		"group_key2":  "g2",
		"changes":     map[string]any{"a1": moved.String(), "a31": moved.Neg().String()},
	})
	f.exec(alice, map[string]any{"unstake": 1, "group_key": "g1"})
}

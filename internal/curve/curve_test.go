package curve

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/oswapdao/token-engine/internal/model"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func di(i int64) decimal.Decimal {
	return decimal.NewFromInt(i)
}

// freshCurve returns an empty curve with s0=1e15 and coef=1.
func freshCurve() model.CurveState {
	return model.CurveState{
		Reserve: decimal.Zero,
		Supply:  decimal.Zero,
		S0:      di(1_000_000_000_000_000),
		Coef:    di(1),
	}
}

// seededCurve returns a curve after a clean 100e9 buy with no fees.
func seededCurve(t *testing.T) model.CurveState {
	t.Helper()
	res, err := Buy(freshCurve(), di(100_000_000_000), decimal.Zero, decimal.Zero, decimal.Zero)
	if err != nil {
		t.Fatalf("seed buy failed: %v", err)
	}
	return res.NewState
}

// --- Solver tests ---

func TestSupplyForReserve_RoundTrips(t *testing.T) {
	s0 := di(1_000_000_000_000_000)
	coef := di(1)
	reserve := di(100_000_000_000)

	supply := SupplyForReserve(s0, coef, reserve)
	back := ReserveForSupply(s0, coef, supply)

	if back.Sub(reserve).Abs().GreaterThan(d(1)) {
		t.Errorf("round trip drifted: reserve=%s back=%s", reserve, back)
	}
}

func TestPrice_IncreasesWithSupply(t *testing.T) {
	st := freshCurve()
	p0 := Price(st)

	st.Supply = di(100_000_000_000)
	st.Reserve = ReserveForSupply(st.S0, st.Coef, st.Supply)
	p1 := Price(st)

	if p1.LessThanOrEqual(p0) {
		t.Errorf("price should rise with supply: p0=%s p1=%s", p0, p1)
	}
}

// --- Buy tests ---

func TestBuy_HoldsInvariant(t *testing.T) {
	res, err := Buy(freshCurve(), di(100_000_000_000), d(0.003), decimal.Zero, decimal.Zero)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dev := Deviation(res.NewState); dev.GreaterThan(d(1)) {
		t.Errorf("invariant deviation %s exceeds 1 unit", dev)
	}
}

func TestBuy_FullPaymentEntersReserve(t *testing.T) {
	amount := di(100_000_000_000)
	res, err := Buy(freshCurve(), amount, d(0.003), decimal.Zero, decimal.Zero)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.NewState.Reserve.Equal(amount) {
		t.Errorf("expected reserve %s, got %s", amount, res.NewState.Reserve)
	}
}

func TestBuy_FeeReducesTokensNotReserve(t *testing.T) {
	amount := di(100_000_000_000)
	noFee, err := Buy(freshCurve(), amount, decimal.Zero, decimal.Zero, decimal.Zero)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	withFee, err := Buy(freshCurve(), amount, d(0.003), decimal.Zero, decimal.Zero)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if withFee.Tokens.GreaterThanOrEqual(noFee.Tokens) {
		t.Errorf("fee should reduce tokens: noFee=%s withFee=%s", noFee.Tokens, withFee.Tokens)
	}
	if !withFee.NewState.Reserve.Equal(noFee.NewState.Reserve) {
		t.Errorf("fee must not change the reserve")
	}
}

func TestBuy_FeeRaisesCoef(t *testing.T) {
	res, err := Buy(freshCurve(), di(100_000_000_000), d(0.003), decimal.Zero, decimal.Zero)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.CoefMultiplier.LessThan(di(1)) {
		t.Errorf("folding the fee into the reserve should not shrink coef, multiplier=%s", res.CoefMultiplier)
	}
}

func TestBuy_ZeroAmount(t *testing.T) {
	_, err := Buy(freshCurve(), decimal.Zero, d(0.003), decimal.Zero, decimal.Zero)
	if err != ErrZeroAmount {
		t.Errorf("expected ErrZeroAmount, got %v", err)
	}
}

func TestBuy_TokensAreIntegers(t *testing.T) {
	res, err := Buy(freshCurve(), di(12_345_678_901), d(0.003), decimal.Zero, decimal.Zero)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Tokens.IsInteger() {
		t.Errorf("tokens must be floored to integer units, got %s", res.Tokens)
	}
}

// --- Sell tests ---

func TestSell_HoldsInvariant(t *testing.T) {
	st := seededCurve(t)
	res, err := Sell(st, st.Supply.Div(di(2)).Floor(), d(0.003), decimal.Zero, decimal.Zero)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dev := Deviation(res.NewState); dev.GreaterThan(d(1)) {
		t.Errorf("invariant deviation %s exceeds 1 unit", dev)
	}
}

func TestSell_PayoutIsFlooredInteger(t *testing.T) {
	st := seededCurve(t)
	res, err := Sell(st, di(1_234_567), d(0.003), decimal.Zero, decimal.Zero)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Payout.IsInteger() {
		t.Errorf("payout must be an integer, got %s", res.Payout)
	}
}

func TestSell_ReserveNeverBelowTheoretical(t *testing.T) {
	st := seededCurve(t)
	res, err := Sell(st, st.Supply.Div(di(2)).Floor(), d(0.003), decimal.Zero, decimal.Zero)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	theoretical := ReserveForSupply(st.S0, st.Coef, res.NewState.Supply)
	if res.NewState.Reserve.LessThan(theoretical.Floor()) {
		t.Errorf("reserve %s fell below theoretical %s", res.NewState.Reserve, theoretical)
	}
}

func TestSell_MoreThanSupply(t *testing.T) {
	st := seededCurve(t)
	_, err := Sell(st, st.Supply.Add(di(1)), d(0.003), decimal.Zero, decimal.Zero)
	if err != ErrInsufficientSupply {
		t.Errorf("expected ErrInsufficientSupply, got %v", err)
	}
}

func TestSell_RoundTripLosesOnlyFees(t *testing.T) {
	amount := di(100_000_000_000)
	buyRes, err := Buy(freshCurve(), amount, decimal.Zero, decimal.Zero, decimal.Zero)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sellRes, err := Sell(buyRes.NewState, buyRes.Tokens, decimal.Zero, decimal.Zero, decimal.Zero)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Fee-free round trip returns the reserve minus integer dust only.
	lost := amount.Sub(sellRes.Payout)
	if lost.Sign() < 0 {
		t.Errorf("round trip minted value: payout %s > paid %s", sellRes.Payout, amount)
	}
	if lost.GreaterThan(di(2)) {
		t.Errorf("fee-free round trip lost %s, expected at most rounding dust", lost)
	}
}

// --- Arb-profit tax tests ---

func TestBuy_ArbTaxOnlyTowardTarget(t *testing.T) {
	st := seededCurve(t)
	amount := di(10_000_000_000)

	// Target far above the post-trade price: a buy is a move toward it.
	toward, err := Buy(st, amount, decimal.Zero, d(0.9), Price(st).Mul(di(10)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if toward.ArbTax.Sign() <= 0 {
		t.Errorf("expected arb tax on a buy toward the target")
	}

	// Target below the current price: the same buy moves away, no tax.
	away, err := Buy(st, amount, decimal.Zero, d(0.9), Price(st).Div(di(10)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if away.ArbTax.Sign() != 0 {
		t.Errorf("expected no arb tax on a buy away from the target, got %s", away.ArbTax)
	}
}

func TestBuy_NoTargetNoTax(t *testing.T) {
	res, err := Buy(seededCurve(t), di(10_000_000_000), decimal.Zero, d(0.9), decimal.Zero)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ArbTax.Sign() != 0 {
		t.Errorf("expected zero tax without an oracle target, got %s", res.ArbTax)
	}
}

func TestBuy_ArbTaxReducesTokens(t *testing.T) {
	st := seededCurve(t)
	amount := di(10_000_000_000)
	target := Price(st).Mul(di(10))

	taxed, err := Buy(st, amount, decimal.Zero, d(0.9), target)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	untaxed, err := Buy(st, amount, decimal.Zero, decimal.Zero, decimal.Zero)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if taxed.Tokens.GreaterThanOrEqual(untaxed.Tokens) {
		t.Errorf("arb tax should reduce tokens: taxed=%s untaxed=%s", taxed.Tokens, untaxed.Tokens)
	}
}

// --- Appreciation multiplier tests ---

func TestAppreciationMultiplier_NoFeed(t *testing.T) {
	m := AppreciationMultiplier(d(0.1), decimal.Zero, di(100), 86400)
	if !m.Equal(di(1)) {
		t.Errorf("expected multiplier 1 without a feed, got %s", m)
	}
}

func TestAppreciationMultiplier_GrowsWithTime(t *testing.T) {
	short := AppreciationMultiplier(d(0.1), di(1_000_000), di(1_000_000), 86400)
	long := AppreciationMultiplier(d(0.1), di(1_000_000), di(1_000_000), 360*86400)
	if long.LessThanOrEqual(short) {
		t.Errorf("multiplier should grow with elapsed time: short=%s long=%s", short, long)
	}
	if short.LessThanOrEqual(di(1)) {
		t.Errorf("multiplier with a live feed should exceed 1, got %s", short)
	}
}

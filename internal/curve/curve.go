// Package curve implements the bonding-curve automated market maker used by
// the token engine.
//
// The curve relates reserve and supply through the invariant
//
//	reserve = coef · s0 · supply / (s0 − supply)
//
// defined for supply < s0. Buying adds reserve and solves for the new
// supply; selling burns supply and solves for the new reserve. Fees are
// never paid out: they stay in the reserve and the coefficient is refitted
// so the invariant passes exactly through the post-trade point. Payouts are
// floored to integer units, so the reserve can only gain dust, never leak it.
//
// All monetary values use shopspring/decimal — never float64 for money.
package curve

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/oswapdao/token-engine/internal/model"
)

var (
	// ErrZeroAmount is returned when a trade carries no usable amount.
	ErrZeroAmount = errors.New("curve: amount must be positive")

	// ErrAmountTooSmall is returned when a trade is too small to move the
	// curve by at least one integer unit after fees.
	ErrAmountTooSmall = errors.New("curve: amount too small")

	// ErrSupplyExhausted is returned when a trade would require
	// supply >= s0, where the curve is undefined.
	ErrSupplyExhausted = errors.New("curve: supply would reach s0")

	// ErrInsufficientSupply is returned when a sell burns more tokens than
	// the curve has issued.
	ErrInsufficientSupply = errors.New("curve: cannot sell more than the outstanding supply")
)

// one is shared by the multiplier helpers.
var one = decimal.NewFromInt(1)

// Result describes a completed exchange: the traded legs, the fees charged,
// and the post-trade curve state.
type Result struct {
	Tokens  decimal.Decimal // tokens issued (buy) or burned (sell)
	Payout  decimal.Decimal // reserve units paid out (sell only)
	SwapFee decimal.Decimal // reserve units retained as swap fee
	ArbTax  decimal.Decimal // reserve units retained as arb-profit tax

	PriceBefore decimal.Decimal
	PriceAfter  decimal.Decimal

	NewState       model.CurveState
	CoefMultiplier decimal.Decimal // NewState.Coef / old coef
}

// Price returns the instantaneous price dReserve/dSupply:
//
//	p = coef · s0² / (s0 − supply)²
func Price(st model.CurveState) decimal.Decimal {
	rem := st.S0.Sub(st.Supply)
	return st.Coef.Mul(st.S0).Mul(st.S0).Div(rem.Mul(rem))
}

// PriceAtReserve returns the price the curve would quote if the reserve held
// the given amount. Used to derive the arbitrage target price from an
// oracle-reported TVL figure.
func PriceAtReserve(st model.CurveState, reserve decimal.Decimal) decimal.Decimal {
	if reserve.Sign() <= 0 {
		return decimal.Zero
	}
	s := SupplyForReserve(st.S0, st.Coef, reserve)
	return Price(model.CurveState{Reserve: reserve, Supply: s, S0: st.S0, Coef: st.Coef})
}

// SupplyForReserve solves the invariant for supply:
//
//	s = s0 · r / (coef·s0 + r)
func SupplyForReserve(s0, coef, reserve decimal.Decimal) decimal.Decimal {
	return s0.Mul(reserve).Div(coef.Mul(s0).Add(reserve))
}

// ReserveForSupply solves the invariant for reserve:
//
//	r = coef · s0 · s / (s0 − s)
func ReserveForSupply(s0, coef, supply decimal.Decimal) decimal.Decimal {
	return coef.Mul(s0).Mul(supply).Div(s0.Sub(supply))
}

// refit recomputes coef so the invariant passes exactly through
// (reserve, supply). Called after fees are folded into the reserve.
// With zero supply the coefficient is left untouched.
func refit(reserve, supply, s0, oldCoef decimal.Decimal) decimal.Decimal {
	if supply.Sign() <= 0 {
		return oldCoef
	}
	return reserve.Mul(s0.Sub(supply)).Div(s0.Mul(supply))
}

// arbProfitTax computes the windfall tax for a trade that moved the price
// from priceBefore to priceAfter over tokens units. The taxable profit is
// the triangle under the price move:
//
//	profit = |Δprice| · tokens / 2
//
// The tax applies only when the move is toward targetPrice — the direction
// a riskless arbitrageur against the oracle reference would trade. With no
// target (nil semantics: zero target), the tax is zero.
func arbProfitTax(rate, priceBefore, priceAfter, targetPrice, tokens decimal.Decimal) decimal.Decimal {
	if rate.Sign() <= 0 || targetPrice.Sign() <= 0 {
		return decimal.Zero
	}
	towardTarget := (priceAfter.GreaterThan(priceBefore) && targetPrice.GreaterThanOrEqual(priceAfter)) ||
		(priceAfter.LessThan(priceBefore) && targetPrice.LessThanOrEqual(priceAfter))
	if !towardTarget {
		return decimal.Zero
	}
	profit := priceAfter.Sub(priceBefore).Abs().Mul(tokens).Div(decimal.NewFromInt(2))
	return rate.Mul(profit).Floor()
}

// AppreciationMultiplier returns the per-trade coefficient adjustment driven
// by the oracle TVL feed: the token appreciates against the reserve at
// `rate` per year, weighted by the share of protocol value held outside the
// reserve.
//
//	m = 1 + rate · dtYears · TVL/(TVL + reserve)
//
// Without a feed (TVL <= 0) the multiplier is 1.
func AppreciationMultiplier(rate, tvl, reserve decimal.Decimal, dtSeconds int64) decimal.Decimal {
	if rate.Sign() <= 0 || tvl.Sign() <= 0 || dtSeconds <= 0 {
		return one
	}
	dtYears := decimal.NewFromInt(dtSeconds).Div(decimal.NewFromInt(360 * 86400))
	share := tvl.Div(tvl.Add(reserve))
	return one.Add(rate.Mul(dtYears).Mul(share))
}

// Buy adds amountIn reserve units to the curve and issues tokens.
//
// The full payment enters the reserve; the swap fee and arb tax only reduce
// the tokens issued. The coefficient is then refitted so the invariant holds
// exactly — fees appreciate the token for everyone instead of sitting as
// slack in the reserve.
func Buy(st model.CurveState, amountIn, swapFeeRate, arbTaxRate, targetPrice decimal.Decimal) (Result, error) {
	if amountIn.Sign() <= 0 {
		return Result{}, ErrZeroAmount
	}

	priceBefore := Price(st)
	fee := amountIn.Mul(swapFeeRate).Floor()
	net := amountIn.Sub(fee)
	if net.Sign() <= 0 {
		return Result{}, ErrAmountTooSmall
	}

	// First pass: tokens ignoring the arb tax.
	newSupplyRaw := SupplyForReserve(st.S0, st.Coef, st.Reserve.Add(net))
	tokens := newSupplyRaw.Sub(st.Supply).Floor()
	if tokens.Sign() <= 0 {
		return Result{}, ErrAmountTooSmall
	}

	priceAfter := priceAt(st, st.Supply.Add(tokens))
	tax := arbProfitTax(arbTaxRate, priceBefore, priceAfter, targetPrice, tokens)

	// Second pass: re-solve with the tax withheld from the buying leg.
	if tax.Sign() > 0 {
		net = net.Sub(tax)
		if net.Sign() <= 0 {
			return Result{}, ErrAmountTooSmall
		}
		newSupplyRaw = SupplyForReserve(st.S0, st.Coef, st.Reserve.Add(net))
		tokens = newSupplyRaw.Sub(st.Supply).Floor()
		if tokens.Sign() <= 0 {
			return Result{}, ErrAmountTooSmall
		}
	}

	newSupply := st.Supply.Add(tokens)
	if newSupply.GreaterThanOrEqual(st.S0) {
		return Result{}, ErrSupplyExhausted
	}

	newReserve := st.Reserve.Add(amountIn)
	newCoef := refit(newReserve, newSupply, st.S0, st.Coef)
	newState := model.CurveState{Reserve: newReserve, Supply: newSupply, S0: st.S0, Coef: newCoef}

	return Result{
		Tokens:         tokens,
		SwapFee:        fee,
		ArbTax:         tax,
		PriceBefore:    priceBefore,
		PriceAfter:     Price(newState),
		NewState:       newState,
		CoefMultiplier: newCoef.Div(st.Coef),
	}, nil
}

// Sell burns tokens and pays out reserve units net of fees. The payout is
// floored; the withheld fees and dust stay in the reserve and the
// coefficient is refitted through the post-trade point.
func Sell(st model.CurveState, tokens, swapFeeRate, arbTaxRate, targetPrice decimal.Decimal) (Result, error) {
	if tokens.Sign() <= 0 {
		return Result{}, ErrZeroAmount
	}
	if tokens.GreaterThan(st.Supply) {
		return Result{}, ErrInsufficientSupply
	}

	priceBefore := Price(st)
	newSupply := st.Supply.Sub(tokens)
	priceAfter := priceAt(st, newSupply)

	theoretical := ReserveForSupply(st.S0, st.Coef, newSupply).Ceil()
	gross := st.Reserve.Sub(theoretical)
	if gross.Sign() <= 0 {
		return Result{}, ErrAmountTooSmall
	}

	fee := gross.Mul(swapFeeRate).Floor()
	tax := arbProfitTax(arbTaxRate, priceBefore, priceAfter, targetPrice, tokens)
	payout := gross.Sub(fee).Sub(tax).Floor()
	if payout.Sign() <= 0 {
		return Result{}, ErrAmountTooSmall
	}

	newReserve := st.Reserve.Sub(payout)
	newCoef := refit(newReserve, newSupply, st.S0, st.Coef)
	newState := model.CurveState{Reserve: newReserve, Supply: newSupply, S0: st.S0, Coef: newCoef}

	return Result{
		Tokens:         tokens,
		Payout:         payout,
		SwapFee:        fee,
		ArbTax:         tax,
		PriceBefore:    priceBefore,
		PriceAfter:     Price(newState),
		NewState:       newState,
		CoefMultiplier: newCoef.Div(st.Coef),
	}, nil
}

// priceAt evaluates the price at a hypothetical supply with the current coef.
func priceAt(st model.CurveState, supply decimal.Decimal) decimal.Decimal {
	rem := st.S0.Sub(supply)
	if rem.Sign() <= 0 {
		return decimal.Zero
	}
	return st.Coef.Mul(st.S0).Mul(st.S0).Div(rem.Mul(rem))
}

// Deviation returns |reserve − coef·s0·supply/(s0−supply)|, the distance of
// a state from its own invariant. Zero supply states are exact by definition.
func Deviation(st model.CurveState) decimal.Decimal {
	if st.Supply.Sign() == 0 {
		return st.Reserve.Abs()
	}
	return st.Reserve.Sub(ReserveForSupply(st.S0, st.Coef, st.Supply)).Abs()
}

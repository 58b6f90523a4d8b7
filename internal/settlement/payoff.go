package settlement

import (
	"errors"
	"fmt"
	"math/bits"

	fpmath "SettledForward/internal/math"
)

// NormalizeSettlementPrice converts an inverse-quoted settlement leg to
// standard quoting. A zero price is returned unchanged in either mode so that
// it zeroes the payoff instead of faulting on a reciprocal.
func NormalizeSettlementPrice(settlement fpmath.Decimal, isStandard bool) (fpmath.Decimal, error) {
	if isStandard || settlement.IsZero() {
		return settlement, nil
	}
	inv, err := settlement.Inv()
	if err != nil {
		return fpmath.Zero, mathError("normalize", err)
	}
	return inv, nil
}

func checkPrices(underlying, strike fpmath.Decimal) error {
	if underlying.IsNegative() {
		return invalidInput("payoff", fmt.Errorf("underlying price %s is negative", underlying))
	}
	if strike.IsNegative() {
		return invalidInput("payoff", fmt.Errorf("strike %s is negative", strike))
	}
	return nil
}

// IsWipeout reports the inverse-contract total loss: the underlying is
// worthless against a positive strike, so the senior side loses everything.
func IsWipeout(underlying, strike fpmath.Decimal, isLinear bool) bool {
	return underlying.IsZero() && !isLinear && strike.IsPositive()
}

// Payoff returns the decimal change in senior-side collateral. Positive
// favors the senior side. settlement must already be normalized.
//
//	linear:  settlement * notional * (underlying - strike)
//	inverse: settlement * notional * (underlying - strike) / underlying
//
// An inverse contract with zero underlying and zero strike pays notional.
func Payoff(underlying, settlement, strike fpmath.Decimal, notional uint64, isLinear bool) (fpmath.Decimal, error) {
	if err := checkPrices(underlying, strike); err != nil {
		return fpmath.Zero, err
	}
	if IsWipeout(underlying, strike, isLinear) {
		return fpmath.Zero, mathError("payoff", fpmath.ErrDivisionByZero)
	}

	n := fpmath.NewFromUint64(notional)

	var f fpmath.Decimal
	if underlying.IsZero() && !isLinear {
		f = n
	} else {
		diff, err := underlying.Sub(strike)
		if err != nil {
			return fpmath.Zero, mathError("payoff", err)
		}
		if f, err = n.Mul(diff); err != nil {
			return fpmath.Zero, mathError("payoff", err)
		}
		if !isLinear {
			if f, err = f.Div(underlying); err != nil {
				return fpmath.Zero, mathError("payoff", err)
			}
		}
	}

	payoff, err := settlement.Mul(f)
	if err != nil {
		return fpmath.Zero, mathError("payoff", err)
	}
	return payoff, nil
}

func totalQuantity(old [2]uint64) (uint64, error) {
	total, carry := bits.Add64(old[0], old[1], 0)
	if carry != 0 {
		return 0, mathError("total", errors.New("old quantity sum overflows uint64"))
	}
	return total, nil
}

// ClampAndRound applies payoff to the senior side, clamps it to [0, total],
// gives the remainder to the junior side and floors both. Whatever the
// flooring drops is returned as the fee, so the three legs always sum to the
// old total.
func ClampAndRound(payoff fpmath.Decimal, old [2]uint64) (ExecuteResult, error) {
	total, err := totalQuantity(old)
	if err != nil {
		return ExecuteResult{}, err
	}
	totalDec := fpmath.NewFromUint64(total)

	raw, err := fpmath.NewFromUint64(old[0]).Add(payoff)
	if err != nil {
		return ExecuteResult{}, mathError("clamp", err)
	}
	seniorDec := totalDec.Min(fpmath.Zero.Max(raw))

	rest, err := totalDec.Sub(seniorDec)
	if err != nil {
		return ExecuteResult{}, mathError("clamp", err)
	}
	juniorDec := fpmath.Zero.Max(rest)

	senior, err := seniorDec.Floor().Uint64()
	if err != nil {
		return ExecuteResult{}, mathError("round", err)
	}
	junior, err := juniorDec.Floor().Uint64()
	if err != nil {
		return ExecuteResult{}, mathError("round", err)
	}

	fee, borrow := bits.Sub64(total, senior, 0)
	fee, borrow2 := bits.Sub64(fee, junior, 0)
	if borrow|borrow2 != 0 {
		return ExecuteResult{}, mathError("fee", fmt.Errorf("senior %d + junior %d exceeds total %d", senior, junior, total))
	}

	return ExecuteResult{
		NewQuantity: [2]uint64{senior, junior},
		FeeQuantity: fee,
	}, nil
}

// Package settlement redistributes a senior/junior collateral pool after a
// price observation for a forward contract settled in a quote currency.
//
// The pipeline is strictly Validate -> NormalizeSettlementPrice -> Payoff ->
// ClampAndRound. It is pure: no I/O, no shared mutable state, and the same
// inputs always give the same result.
package settlement

import (
	fpmath "SettledForward/internal/math"
)

// Execute validates every fair-value slot and settles the position using
// the new underlying (slot 0) and settlement-leg (slot 1) prices.
func Execute(cfg Config, in ExecuteInput) (ExecuteResult, error) {
	if err := in.Validate(); err != nil {
		return ExecuteResult{}, err
	}

	return ExecutePlugin(
		in.OldQuantity,
		in.NewFairValues.At(SlotUnderlying),
		in.NewFairValues.At(SlotSettlement),
		cfg.Strike,
		cfg.Notional,
		cfg.IsLinear,
		cfg.IsStandard,
	)
}

// ExecutePlugin runs the settlement on already-decoded prices.
func ExecutePlugin(
	old [2]uint64,
	underlying fpmath.Decimal,
	settlement fpmath.Decimal, // as quoted; normalized here
	strike fpmath.Decimal,
	notional uint64,
	isLinear bool,
	isStandard bool,
) (ExecuteResult, error) {
	if err := checkPrices(underlying, strike); err != nil {
		return ExecuteResult{}, err
	}

	if IsWipeout(underlying, strike, isLinear) {
		total, err := totalQuantity(old)
		if err != nil {
			return ExecuteResult{}, err
		}
		return ExecuteResult{NewQuantity: [2]uint64{0, total}}, nil
	}

	settlement, err := NormalizeSettlementPrice(settlement, isStandard)
	if err != nil {
		return ExecuteResult{}, err
	}

	payoff, err := Payoff(underlying, settlement, strike, notional, isLinear)
	if err != nil {
		return ExecuteResult{}, err
	}

	return ClampAndRound(payoff, old)
}

package gate

import (
	"fmt"
	"math/big"

	"aqua-agent/pkg/types"
)

// Feasibility validates the prospective intent against on-chain state once
// the amount-out is known. A failure here after a clean policy gate means a
// race with an on-chain change or configuration drift; every predicate leaves
// a PASS/FAIL line so operators can tell "allowance drift" from "strategy
// just docked". The gate reports, it never retries.
func Feasibility(chain *types.ChainSnapshot, amountOut *big.Int) ([]types.GateCheck, *Rejection) {
	var checks []types.GateCheck
	fail := func(name string, reason types.RejectReason, detail string) ([]types.GateCheck, *Rejection) {
		checks = append(checks, types.GateCheck{Gate: GateFeasibility, Check: name, Passed: false, Detail: detail})
		return checks, &Rejection{Reason: reason, Detail: detail}
	}
	pass := func(name, detail string) {
		checks = append(checks, types.GateCheck{Gate: GateFeasibility, Check: name, Passed: true, Detail: detail})
	}

	if !chain.Active {
		return fail("STRATEGY_ACTIVE", types.RejectStrategyInactive,
			fmt.Sprintf("strategy %s holds no tokens", chain.StrategyID))
	}
	pass("STRATEGY_ACTIVE", chain.StrategyID)

	if chain.Docked {
		return fail("STRATEGY_UNDOCKED", types.RejectStrategyDocked,
			fmt.Sprintf("strategy %s is docked", chain.StrategyID))
	}
	pass("STRATEGY_UNDOCKED", "")

	budget := big.NewInt(0)
	if chain.TokenOutBudget != nil {
		budget = &chain.TokenOutBudget.Int
	}
	if budget.Cmp(amountOut) < 0 {
		return fail("BUDGET_SUFFICIENT", types.RejectInsufficientBudget,
			fmt.Sprintf("budget %s < required %s", budget, amountOut))
	}
	pass("BUDGET_SUFFICIENT", fmt.Sprintf("budget %s covers %s", budget, amountOut))

	allowance := big.NewInt(0)
	if chain.Allowance != nil {
		allowance = &chain.Allowance.Int
	}
	if allowance.Cmp(amountOut) < 0 {
		return fail("ALLOWANCE_SUFFICIENT", types.RejectInsufficientAllowance,
			fmt.Sprintf("allowance %s < required %s", allowance, amountOut))
	}
	pass("ALLOWANCE_SUFFICIENT", "")

	return checks, nil
}

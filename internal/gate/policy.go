// Package gate implements the admission-control gates of the quote pipeline.
//
// Gates are pure functions: they read immutable snapshots (request, policy,
// pricing, chain, a volume counter snapshot) and return a verdict plus a
// PASS/FAIL trace for the explainability payload. The first failing predicate
// short-circuits; ordering puts the cheap, most diagnostic checks first.
// State commits happen elsewhere — a gate never mutates anything.
package gate

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"aqua-agent/pkg/types"
)

// Gate names used in explainability traces.
const (
	GatePolicy      = "policy"
	GateFeasibility = "feasibility"
	GateIdempotency = "idempotency"
)

// Rejection is a failed gate verdict: a canonical reason plus operator detail.
type Rejection struct {
	Reason types.RejectReason
	Detail string
}

// PolicyInput bundles everything the pre-synthesis policy gate reads.
type PolicyInput struct {
	Request         *types.QuoteRequest
	Policy          *types.MakerPolicy
	Pricing         *types.PricingSnapshot
	SupportedChains map[int64]bool
	MinConfidence   float64
}

// PreTrade runs the policy predicates that do not depend on synthesized
// amounts: chain support, token shape, pause flag, pair membership, and
// pricing freshness. Returns the full check trace and the first rejection.
func PreTrade(in PolicyInput) ([]types.GateCheck, *Rejection) {
	var checks []types.GateCheck
	fail := func(name string, reason types.RejectReason, detail string) ([]types.GateCheck, *Rejection) {
		checks = append(checks, types.GateCheck{Gate: GatePolicy, Check: name, Passed: false, Detail: detail})
		return checks, &Rejection{Reason: reason, Detail: detail}
	}
	pass := func(name, detail string) {
		checks = append(checks, types.GateCheck{Gate: GatePolicy, Check: name, Passed: true, Detail: detail})
	}

	req, pol, px := in.Request, in.Policy, in.Pricing

	if !in.SupportedChains[req.ChainID] {
		return fail("CHAIN_SUPPORTED", types.RejectInvalidChain,
			fmt.Sprintf("chain %d is not supported", req.ChainID))
	}
	pass("CHAIN_SUPPORTED", fmt.Sprintf("chain %d", req.ChainID))

	if bad, ok := malformedToken(req.TokenIn, req.TokenOut); ok {
		return fail("TOKENS_VALID", types.RejectInvalidToken,
			fmt.Sprintf("token %q is not a valid address", bad))
	}
	pass("TOKENS_VALID", "")

	if pol.Paused {
		return fail("MAKER_ACTIVE", types.RejectMakerPaused,
			fmt.Sprintf("maker %s is paused", pol.Maker))
	}
	pass("MAKER_ACTIVE", "")

	if !pol.AllowsPair(req.TokenIn, req.TokenOut) {
		return fail("PAIR_ALLOWED", types.RejectPairNotAllowed,
			fmt.Sprintf("pair %s not in allowed set", req.PairKey()))
	}
	pass("PAIR_ALLOWED", req.PairKey())

	if px.Stale {
		return fail("PRICING_FRESH", types.RejectStalePricing, "pricing snapshot flagged stale")
	}
	if px.Confidence < in.MinConfidence {
		return fail("PRICING_FRESH", types.RejectStalePricing,
			fmt.Sprintf("confidence %.2f below minimum %.2f", px.Confidence, in.MinConfidence))
	}
	pass("PRICING_FRESH", fmt.Sprintf("confidence %.2f", px.Confidence))

	return checks, nil
}

// malformedToken flags identifiers that claim to be on-chain addresses but
// fail checksum-free hex validation. Plain symbols stay opaque and pass.
func malformedToken(tokens ...string) (string, bool) {
	for _, t := range tokens {
		if strings.HasPrefix(t, "0x") && !common.IsHexAddress(t) {
			return t, true
		}
	}
	return "", false
}

// PostTrade runs the policy predicates that need the synthesized amounts:
// max trade size on both legs, then the projected daily cap on token-out.
// currentVolume is a snapshot of today's accumulated token-out volume; the
// authoritative cap re-check happens atomically at commit time.
func PostTrade(req *types.QuoteRequest, pol *types.MakerPolicy, amountIn, amountOut, currentVolume *big.Int) ([]types.GateCheck, *Rejection) {
	var checks []types.GateCheck
	fail := func(name string, reason types.RejectReason, detail string) ([]types.GateCheck, *Rejection) {
		checks = append(checks, types.GateCheck{Gate: GatePolicy, Check: name, Passed: false, Detail: detail})
		return checks, &Rejection{Reason: reason, Detail: detail}
	}
	pass := func(name, detail string) {
		checks = append(checks, types.GateCheck{Gate: GatePolicy, Check: name, Passed: true, Detail: detail})
	}

	if max := pol.MaxTradeSize; max != nil && max.Sign() > 0 {
		if amountIn.Cmp(&max.Int) > 0 {
			return fail("MAX_TRADE_SIZE", types.RejectExceedsMaxTradeSize,
				fmt.Sprintf("amountIn %s exceeds max trade size %s", amountIn, max))
		}
		if amountOut.Cmp(&max.Int) > 0 {
			return fail("MAX_TRADE_SIZE", types.RejectExceedsMaxTradeSize,
				fmt.Sprintf("amountOut %s exceeds max trade size %s", amountOut, max))
		}
	}
	pass("MAX_TRADE_SIZE", "")

	if capAmt := pol.DailyCapFor(req.TokenOut); capAmt != nil && capAmt.Sign() > 0 {
		projected := new(big.Int).Add(currentVolume, amountOut)
		if projected.Cmp(&capAmt.Int) > 0 {
			return fail("DAILY_CAP", types.RejectExceedsDailyCap,
				fmt.Sprintf("projected daily volume %s exceeds cap %s for %s", projected, capAmt, req.TokenOut))
		}
		pass("DAILY_CAP", fmt.Sprintf("projected %s of %s", projected, capAmt))
	} else {
		pass("DAILY_CAP", "uncapped")
	}

	return checks, nil
}

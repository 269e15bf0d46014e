// Package synth computes executable quote intents.
//
// The synthesizer is side-aware: SELL treats the request amount as exact
// input and quotes the output; BUY treats it as exact output and quotes the
// input. Pricing comes from the depth curve when the snapshot carries one,
// otherwise from discrete bid/ask. The realized spread is the market spread
// clamped into the maker's band, widened when the pricing confidence is low.
//
// The synthesizer never fails loudly: pricing problems surface as rejection
// verdicts for the pipeline to wrap, and only provider contract violations
// (a non-monotone curve) propagate as errors.
package synth

import (
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"aqua-agent/internal/curve"
	"aqua-agent/internal/gate"
	"aqua-agent/pkg/types"
)

// DefaultFeeBps applies when the policy does not configure a fee.
const DefaultFeeBps = 10

// Spread widening below this confidence is a warning, not a rejection.
const lowConfidenceThreshold = 0.8

var bpsDenominator = big.NewInt(10_000)

// Inputs bundles everything one synthesis needs. Budget feeds only the
// rationale's headroom figure.
type Inputs struct {
	Request       *types.QuoteRequest
	Policy        *types.MakerPolicy
	Pricing       *types.PricingSnapshot
	SpreadBps     int64
	Budget        *types.Amount
	Now           time.Time
	DefaultFeeBps int64
}

// Output is a synthesized intent plus diagnostics for explainability. The
// intent's nonce is left at -1; the pipeline assigns it at commit time.
type Output struct {
	Intent    *types.QuoteIntent
	FeeAmount *big.Int
	ImpactBps float64
	Saturated bool
	Warnings  []string
}

// SelectSpread clamps the market spread into the maker's band and widens it
// 1.5x when pricing confidence is low. Widening is reported as a warning.
func SelectSpread(pricing *types.PricingSnapshot, pol *types.MakerPolicy) (int64, []string) {
	spread := pricing.MarketSpreadBps
	if spread < pol.MinSpreadBps {
		spread = pol.MinSpreadBps
	}
	if spread > pol.MaxSpreadBps {
		spread = pol.MaxSpreadBps
	}

	var warnings []string
	if pricing.Confidence < lowConfidenceThreshold {
		spread = spread * 3 / 2
		warnings = append(warnings,
			fmt.Sprintf("low pricing confidence %.2f: spread widened to %d bps", pricing.Confidence, spread))
	}
	return spread, warnings
}

// Synthesize computes the side-aware amounts, fee, TTL, strategy hash, and
// rationale for one validated request.
func Synthesize(in Inputs) (*Output, *gate.Rejection, error) {
	req, pol, px := in.Request, in.Policy, in.Pricing

	mid, err := px.Mid()
	if err != nil || mid.Sign() <= 0 {
		return nil, &gate.Rejection{
			Reason: types.RejectStalePricing,
			Detail: fmt.Sprintf("unusable mid price %q", px.MidPrice),
		}, nil
	}

	var (
		amountIn, amountOut *big.Int
		impactBps           float64
		saturated           bool
	)

	switch req.Side {
	case types.SELL:
		amountIn = new(big.Int).Set(&req.Amount.Int)
		if px.HasCurve() {
			res, evalErr := curve.Evaluate(px.DepthPoints, amountIn, mid)
			if evalErr != nil {
				return synthPricingFailure(evalErr)
			}
			amountIn = res.AmountIn
			amountOut = applyBpsDown(res.AmountOut, in.SpreadBps)
			impactBps = res.ImpactBps
			saturated = res.Saturated
		} else {
			bid, perr := decimal.NewFromString(px.Bid)
			if perr != nil || bid.Sign() <= 0 {
				return nil, &gate.Rejection{
					Reason: types.RejectStalePricing,
					Detail: fmt.Sprintf("no depth curve and unusable bid %q", px.Bid),
				}, nil
			}
			// amountOut = amountIn / bid * (1 - spread/10_000)
			gross := decimal.NewFromBigInt(amountIn, 0).Div(bid)
			amountOut = scaleDownBps(gross, in.SpreadBps)
		}

	case types.BUY:
		amountOut = new(big.Int).Set(&req.Amount.Int)
		if px.HasCurve() {
			res, evalErr := curve.EvaluateExactOut(px.DepthPoints, amountOut, mid)
			if evalErr != nil {
				return synthPricingFailure(evalErr)
			}
			amountOut = res.AmountOut
			amountIn = applyBpsUp(res.AmountIn, in.SpreadBps)
			impactBps = res.ImpactBps
			saturated = res.Saturated
		} else {
			ask, perr := decimal.NewFromString(px.Ask)
			if perr != nil || ask.Sign() <= 0 {
				return nil, &gate.Rejection{
					Reason: types.RejectStalePricing,
					Detail: fmt.Sprintf("no depth curve and unusable ask %q", px.Ask),
				}, nil
			}
			// amountIn = amountOut * ask * (1 + spread/10_000), rounded
			// against the taker.
			gross := decimal.NewFromBigInt(amountOut, 0).Mul(ask)
			amountIn = scaleUpBps(gross, in.SpreadBps)
		}

	default:
		return nil, nil, fmt.Errorf("unknown side %q", req.Side)
	}

	feeBps := pol.FeeBps
	if feeBps == 0 {
		feeBps = in.DefaultFeeBps
	}
	if feeBps == 0 {
		feeBps = DefaultFeeBps
	}
	minOutNet := applyBpsDown(amountOut, feeBps)
	feeAmount := new(big.Int).Sub(amountOut, minOutNet)

	strategy := selectStrategy(pol, req)
	strategyHash, err := StrategyHash(strategy)
	if err != nil {
		return nil, nil, fmt.Errorf("strategy hash: %w", err)
	}

	ttl := pol.DefaultTTLSec
	expiry := in.Now.Unix() + ttl

	headroom := "n/a"
	if in.Budget != nil {
		headroom = new(big.Int).Sub(&in.Budget.Int, amountOut).String()
	}
	rationale := fmt.Sprintf(
		"%s %s %s for %s %s at mid %s, spread %d bps, impact %.1f bps, budget headroom %s, ttl %ds",
		req.Side, amountIn, req.TokenIn, amountOut, req.TokenOut,
		px.MidPrice, in.SpreadBps, impactBps, headroom, ttl,
	)

	var warnings []string
	if saturated {
		warnings = append(warnings,
			"requested size exceeds depth curve coverage: quote saturated at last curve point")
	}

	intent := &types.QuoteIntent{
		Maker:          pol.Maker,
		TokenIn:        req.TokenIn,
		TokenOut:       req.TokenOut,
		AmountIn:       types.AmountFromBig(amountIn),
		AmountOut:      types.AmountFromBig(amountOut),
		StrategyHash:   strategyHash,
		Nonce:          -1, // assigned by the state store at commit
		Expiry:         expiry,
		MinOutNet:      types.AmountFromBig(minOutNet),
		TTLSec:         ttl,
		IdempotencyKey: req.IdempotencyKey,
		SpreadBps:      in.SpreadBps,
		PriceUsed:      px.MidPrice,
		Rationale:      rationale,
	}

	return &Output{
		Intent:    intent,
		FeeAmount: feeAmount,
		ImpactBps: impactBps,
		Saturated: saturated,
		Warnings:  warnings,
	}, nil, nil
}

// synthPricingFailure maps evaluator errors: an empty curve is a pricing
// rejection, anything else is a provider contract violation.
func synthPricingFailure(err error) (*Output, *gate.Rejection, error) {
	if err == curve.ErrEmptyCurve {
		return nil, &gate.Rejection{
			Reason: types.RejectStalePricing,
			Detail: "pricing snapshot has no depth points",
		}, nil
	}
	return nil, nil, err
}

// selectStrategy resolves the pair's strategy from the policy map, falling
// back to a deterministic default derived from the pair itself.
func selectStrategy(pol *types.MakerPolicy, req *types.QuoteRequest) types.StrategyInfo {
	if s, ok := pol.StrategyFor(req.TokenIn, req.TokenOut); ok {
		return s
	}
	return types.StrategyInfo{
		ID:      "default-" + req.PairKey(),
		Version: 1,
	}
}

// applyBpsDown returns floor(v * (10_000 - bps) / 10_000).
func applyBpsDown(v *big.Int, bps int64) *big.Int {
	out := new(big.Int).Mul(v, big.NewInt(10_000-bps))
	return out.Quo(out, bpsDenominator)
}

// applyBpsUp returns ceil(v * (10_000 + bps) / 10_000).
func applyBpsUp(v *big.Int, bps int64) *big.Int {
	out := new(big.Int).Mul(v, big.NewInt(10_000+bps))
	out.Add(out, new(big.Int).Sub(bpsDenominator, big.NewInt(1)))
	return out.Quo(out, bpsDenominator)
}

// scaleDownBps quantizes a decimal to base units after shaving bps off.
func scaleDownBps(v decimal.Decimal, bps int64) *big.Int {
	factor := decimal.NewFromInt(10_000 - bps).Div(decimal.NewFromInt(10_000))
	return v.Mul(factor).Floor().BigInt()
}

// scaleUpBps quantizes a decimal to base units after adding bps, rounding up.
func scaleUpBps(v decimal.Decimal, bps int64) *big.Int {
	factor := decimal.NewFromInt(10_000 + bps).Div(decimal.NewFromInt(10_000))
	return v.Mul(factor).Ceil().BigInt()
}

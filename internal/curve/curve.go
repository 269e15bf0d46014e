// Package curve evaluates cumulative depth curves.
//
// A depth curve is an ordered sequence of cumulative samples: the n-th point
// states "selling up to amountInRaw_n yields up to amountOutRaw_n in
// aggregate, with realized impact impactBps_n versus mid". Evaluate walks the
// curve and linearly interpolates between the bracketing points; sizes past
// the last point saturate to the last cumulative output.
//
// Amount interpolation is exact big.Int arithmetic. Floating point appears
// only in the transient ratio used for impact interpolation and in the
// recomputed impact, both of which are diagnostic values.
package curve

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"

	"aqua-agent/pkg/types"
)

// ErrEmptyCurve means the snapshot carried no depth points. Callers map this
// to a STALE_PRICING rejection: the provider had nothing usable to say.
var ErrEmptyCurve = errors.New("empty depth curve")

// ErrNonMonotonic means the curve violates the provider contract (points not
// strictly increasing in amountInRaw, or cumulative output decreasing). This
// is an input contract violation, never a policy outcome.
var ErrNonMonotonic = errors.New("depth curve is not monotonic")

// Result is the outcome of one curve evaluation.
type Result struct {
	AmountIn  *big.Int // input consumed (== requested unless saturated)
	AmountOut *big.Int // interpolated cumulative output
	ImpactBps float64  // realized impact vs mid; recomputed from amounts
	Saturated bool     // request exceeded the curve's last point
}

// Evaluate interpolates the achievable output for selling sellAmount along
// the curve. The origin {0, 0, 0} precedes the first point. When sellAmount
// exceeds the last point, the last cumulative point is returned unchanged
// with its own impact (saturation).
func Evaluate(points []types.DepthPoint, sellAmount *big.Int, mid decimal.Decimal) (*Result, error) {
	if len(points) == 0 {
		return nil, ErrEmptyCurve
	}
	if sellAmount == nil || sellAmount.Sign() <= 0 {
		return nil, fmt.Errorf("sell amount must be > 0")
	}
	if err := checkMonotonic(points); err != nil {
		return nil, err
	}

	prevIn, prevOut := big.NewInt(0), big.NewInt(0)
	prevImpact := 0.0

	for _, pt := range points {
		if sellAmount.Cmp(&pt.AmountInRaw.Int) > 0 {
			prevIn, prevOut = &pt.AmountInRaw.Int, &pt.AmountOutRaw.Int
			prevImpact = pt.ImpactBps
			continue
		}

		span := new(big.Int).Sub(&pt.AmountInRaw.Int, prevIn)
		var out *big.Int
		var impact float64
		if span.Sign() == 0 {
			// Degenerate bracket; take the found point directly.
			out = new(big.Int).Set(&pt.AmountOutRaw.Int)
			impact = pt.ImpactBps
		} else {
			// out = prevOut + (ptOut - prevOut) * (sell - prevIn) / span
			delta := new(big.Int).Sub(&pt.AmountOutRaw.Int, prevOut)
			num := new(big.Int).Sub(sellAmount, prevIn)
			out = new(big.Int).Mul(delta, num)
			out.Quo(out, span)
			out.Add(out, prevOut)

			ratio, _ := new(big.Float).Quo(
				new(big.Float).SetInt(num),
				new(big.Float).SetInt(span),
			).Float64()
			impact = prevImpact + (pt.ImpactBps-prevImpact)*ratio
		}

		// Prefer the impact recomputed from realized amounts; the curve's
		// interpolated value is kept only as a fallback when mid is unusable.
		if recomputed, ok := realizedImpactBps(sellAmount, out, mid); ok {
			impact = recomputed
		}

		return &Result{
			AmountIn:  new(big.Int).Set(sellAmount),
			AmountOut: out,
			ImpactBps: impact,
		}, nil
	}

	// Saturation: the curve cannot absorb the full size.
	last := points[len(points)-1]
	return &Result{
		AmountIn:  new(big.Int).Set(&last.AmountInRaw.Int),
		AmountOut: new(big.Int).Set(&last.AmountOutRaw.Int),
		ImpactBps: last.ImpactBps,
		Saturated: true,
	}, nil
}

// EvaluateExactOut inverts the curve for exact-output (BUY) requests: it
// finds the input that yields buyAmount, interpolating on the output axis.
// Saturation semantics mirror Evaluate.
func EvaluateExactOut(points []types.DepthPoint, buyAmount *big.Int, mid decimal.Decimal) (*Result, error) {
	if len(points) == 0 {
		return nil, ErrEmptyCurve
	}
	if buyAmount == nil || buyAmount.Sign() <= 0 {
		return nil, fmt.Errorf("buy amount must be > 0")
	}
	if err := checkMonotonic(points); err != nil {
		return nil, err
	}

	prevIn, prevOut := big.NewInt(0), big.NewInt(0)
	prevImpact := 0.0

	for _, pt := range points {
		if buyAmount.Cmp(&pt.AmountOutRaw.Int) > 0 {
			prevIn, prevOut = &pt.AmountInRaw.Int, &pt.AmountOutRaw.Int
			prevImpact = pt.ImpactBps
			continue
		}

		span := new(big.Int).Sub(&pt.AmountOutRaw.Int, prevOut)
		var in *big.Int
		var impact float64
		if span.Sign() == 0 {
			in = new(big.Int).Set(&pt.AmountInRaw.Int)
			impact = pt.ImpactBps
		} else {
			delta := new(big.Int).Sub(&pt.AmountInRaw.Int, prevIn)
			num := new(big.Int).Sub(buyAmount, prevOut)
			in = new(big.Int).Mul(delta, num)
			in.Quo(in, span)
			in.Add(in, prevIn)

			ratio, _ := new(big.Float).Quo(
				new(big.Float).SetInt(num),
				new(big.Float).SetInt(span),
			).Float64()
			impact = prevImpact + (pt.ImpactBps-prevImpact)*ratio
		}

		if in.Sign() > 0 {
			if recomputed, ok := realizedImpactBps(in, buyAmount, mid); ok {
				impact = recomputed
			}
		}

		return &Result{
			AmountIn:  in,
			AmountOut: new(big.Int).Set(buyAmount),
			ImpactBps: impact,
		}, nil
	}

	last := points[len(points)-1]
	return &Result{
		AmountIn:  new(big.Int).Set(&last.AmountInRaw.Int),
		AmountOut: new(big.Int).Set(&last.AmountOutRaw.Int),
		ImpactBps: last.ImpactBps,
		Saturated: true,
	}, nil
}

// realizedImpactBps recomputes impact from realized amounts:
// p = out/in, impact = ((p - mid) / mid) * 10_000.
func realizedImpactBps(in, out *big.Int, mid decimal.Decimal) (float64, bool) {
	if mid.IsZero() || in.Sign() == 0 {
		return 0, false
	}
	price := decimal.NewFromBigInt(out, 0).Div(decimal.NewFromBigInt(in, 0))
	impact, _ := price.Sub(mid).Div(mid).Mul(decimal.NewFromInt(10_000)).Float64()
	return impact, true
}

// checkMonotonic enforces the provider contract: strictly increasing
// amountInRaw and non-decreasing cumulative output.
func checkMonotonic(points []types.DepthPoint) error {
	prevIn, prevOut := big.NewInt(-1), big.NewInt(0)
	for i, pt := range points {
		if pt.AmountInRaw == nil || pt.AmountOutRaw == nil {
			return fmt.Errorf("depth point %d has nil amounts", i)
		}
		if pt.AmountInRaw.Cmp(prevIn) <= 0 {
			return fmt.Errorf("%w: amountInRaw not strictly increasing at point %d", ErrNonMonotonic, i)
		}
		if pt.AmountOutRaw.Cmp(prevOut) < 0 {
			return fmt.Errorf("%w: amountOutRaw decreasing at point %d", ErrNonMonotonic, i)
		}
		prevIn, prevOut = &pt.AmountInRaw.Int, &pt.AmountOutRaw.Int
	}
	return nil
}

// Package pipeline runs a quote request through the full decision flow:
// idempotency lookup, policy gate, synthesis, post-trade limits, feasibility
// gate, and the atomic state commit. Every decision, accepted or rejected,
// carries an explainability record with the ordered gate trace.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"aqua-agent/internal/gate"
	"aqua-agent/internal/state"
	"aqua-agent/internal/synth"
	"aqua-agent/pkg/types"
)

// Config carries the operator-set quoting parameters.
type Config struct {
	SupportedChains map[int64]bool
	MinConfidence   float64
	DefaultFeeBps   int64
}

// Bundle is one fully-resolved decision input. The boundary layer is
// responsible for filling Pricing before calling Quote.
type Bundle struct {
	Request *types.QuoteRequest
	Policy  *types.MakerPolicy
	Pricing *types.PricingSnapshot
	Chain   *types.ChainSnapshot
}

// Result pairs the decided intent with its explainability record.
type Result struct {
	Intent  *types.QuoteIntent
	Explain *types.Explainability
}

type Pipeline struct {
	store  *state.Store
	clock  types.Clock
	cfg    Config
	logger *slog.Logger
}

func New(store *state.Store, clock types.Clock, cfg Config, logger *slog.Logger) *Pipeline {
	if clock == nil {
		clock = types.SystemClock
	}
	return &Pipeline{
		store:  store,
		clock:  clock,
		cfg:    cfg,
		logger: logger.With("component", "pipeline"),
	}
}

// Quote decides one request. Business rejections come back as a rejected
// intent with a nil error; a non-nil error means a provider contract
// violation the caller should surface as an internal failure.
func (p *Pipeline) Quote(ctx context.Context, b Bundle) (*Result, error) {
	explain := &types.Explainability{
		TraceID:       uuid.NewString(),
		PricingSource: types.PricingSourceLive,
		Metadata:      map[string]string{},
	}
	if len(b.Pricing.SourcesUsed) > 0 {
		explain.Metadata["pricingSources"] = strings.Join(b.Pricing.SourcesUsed, ",")
	}

	key := b.Request.IdempotencyKey
	if key == "" {
		key = DeriveIdempotencyKey(b.Request, b.Policy.Maker)
		explain.Metadata["idempotencyKeyDerived"] = "true"
	}

	if cached, ok := p.store.CachedIntent(key); ok {
		return p.cachedResult(cached, explain), nil
	}

	pol := gate.PolicyInput{
		Request:         b.Request,
		Policy:          b.Policy,
		Pricing:         b.Pricing,
		SupportedChains: p.cfg.SupportedChains,
		MinConfidence:   p.cfg.MinConfidence,
	}
	checks, rejection := gate.PreTrade(pol)
	explain.Checks = append(explain.Checks, checks...)
	if rejection != nil {
		return p.reject(b, explain, key, rejection), nil
	}

	spread, warnings := synth.SelectSpread(b.Pricing, b.Policy)
	explain.Warnings = append(explain.Warnings, warnings...)

	out, rejection, err := synth.Synthesize(synth.Inputs{
		Request:       b.Request,
		Policy:        b.Policy,
		Pricing:       b.Pricing,
		SpreadBps:     spread,
		Budget:        b.Chain.TokenOutBudget,
		Now:           p.clock.Now(),
		DefaultFeeBps: p.cfg.DefaultFeeBps,
	})
	if err != nil {
		return nil, fmt.Errorf("synthesize quote: %w", err)
	}
	if rejection != nil {
		return p.reject(b, explain, key, rejection), nil
	}
	explain.Warnings = append(explain.Warnings, out.Warnings...)
	explain.Metadata["impactBps"] = strconv.FormatFloat(out.ImpactBps, 'f', 2, 64)
	explain.Metadata["feeAmount"] = out.FeeAmount.String()

	currentVolume := p.store.DailyVolume(b.Policy.Maker, b.Request.TokenOut)
	checks, rejection = gate.PostTrade(b.Request, b.Policy,
		&out.Intent.AmountIn.Int, &out.Intent.AmountOut.Int, currentVolume)
	explain.Checks = append(explain.Checks, checks...)
	if rejection != nil {
		return p.reject(b, explain, key, rejection), nil
	}

	checks, rejection = gate.Feasibility(b.Chain, &out.Intent.AmountOut.Int)
	explain.Checks = append(explain.Checks, checks...)
	if rejection != nil {
		return p.reject(b, explain, key, rejection), nil
	}

	var cap *big.Int
	if c := b.Policy.DailyCapFor(b.Request.TokenOut); c != nil {
		cap = &c.Int
	}
	committed, cached, err := p.store.Commit(key, out.Intent, cap)
	switch {
	case err == state.ErrCapExceeded:
		return p.reject(b, explain, key, &gate.Rejection{
			Reason: types.RejectExceedsDailyCap,
			Detail: "daily cap consumed by concurrent quotes",
		}), nil
	case err == state.ErrNonceExhausted:
		return p.reject(b, explain, key, &gate.Rejection{
			Reason: types.RejectNonceExhausted,
			Detail: fmt.Sprintf("maker %s has no remaining nonces", b.Policy.Maker),
		}), nil
	case err != nil:
		return nil, fmt.Errorf("commit quote: %w", err)
	}
	if cached {
		return p.cachedResult(committed, explain), nil
	}

	p.addBudgetWarning(explain, b.Chain, &committed.AmountOut.Int)

	p.logger.Info("quote accepted",
		"trace_id", explain.TraceID,
		"maker", committed.Maker,
		"pair", b.Request.PairKey(),
		"side", string(b.Request.Side),
		"nonce", committed.Nonce,
		"spread_bps", committed.SpreadBps,
		"amount_in", committed.AmountIn.String(),
		"amount_out", committed.AmountOut.String())

	return &Result{Intent: committed, Explain: explain}, nil
}

func (p *Pipeline) cachedResult(intent *types.QuoteIntent, explain *types.Explainability) *Result {
	explain.PricingSource = types.PricingSourceCached
	explain.Checks = append(explain.Checks, types.GateCheck{
		Gate:   gate.GateIdempotency,
		Check:  "IDEMPOTENCY_HIT",
		Passed: true,
		Detail: fmt.Sprintf("returning cached intent, expiry %d", intent.Expiry),
	})
	p.logger.Info("quote served from cache",
		"trace_id", explain.TraceID,
		"maker", intent.Maker,
		"nonce", intent.Nonce)
	return &Result{Intent: intent, Explain: explain}
}

func (p *Pipeline) reject(b Bundle, explain *types.Explainability, key string, r *gate.Rejection) *Result {
	intent := types.NewRejectedIntent(b.Request, b.Policy.Maker, r.Reason, r.Detail)
	intent.IdempotencyKey = key
	explain.Metadata["rejectionDetail"] = r.Detail
	p.logger.Info("quote rejected",
		"trace_id", explain.TraceID,
		"maker", b.Policy.Maker,
		"pair", b.Request.PairKey(),
		"reason", string(r.Reason),
		"detail", r.Detail)
	return &Result{Intent: intent, Explain: explain}
}

// addBudgetWarning flags makers running low on settlement budget.
func (p *Pipeline) addBudgetWarning(explain *types.Explainability, chain *types.ChainSnapshot, amountOut *big.Int) {
	if chain.TokenOutBudget == nil || chain.TokenOutBudget.Sign() <= 0 {
		return
	}
	budget := &chain.TokenOutBudget.Int
	remaining := new(big.Int).Sub(budget, amountOut)
	// warn when more than 80% of the budget is consumed
	threshold := new(big.Int).Mul(budget, big.NewInt(20))
	threshold.Quo(threshold, big.NewInt(100))
	if remaining.Cmp(threshold) < 0 {
		explain.Warnings = append(explain.Warnings,
			fmt.Sprintf("budget headroom low: %s remaining after this quote", remaining))
	}
}

// DeriveIdempotencyKey hashes the request's identifying fields when the
// caller does not supply a key. The maker is part of the hash so two makers
// quoting the same request never share a cache entry. Two byte-identical
// requests for one maker map to the same key; any differing field produces a
// different one.
func DeriveIdempotencyKey(req *types.QuoteRequest, maker string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%s|%s|%s|%s|%s|%s",
		maker, req.ChainID, req.Side, req.TokenIn, req.TokenOut,
		req.Amount.String(), req.Taker, req.EffectiveRecipient())
	return "derived-" + hex.EncodeToString(h.Sum(nil))
}

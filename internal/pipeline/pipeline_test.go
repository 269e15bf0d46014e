package pipeline

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"aqua-agent/internal/state"
	"aqua-agent/pkg/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	clock    *fakeClock
	store    *state.Store
	pipeline *Pipeline
}

func newFixture(start time.Time) *fixture {
	clock := &fakeClock{now: start}
	store := state.New(clock)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	pl := New(store, clock, Config{
		SupportedChains: map[int64]bool{1: true, 8453: true},
		MinConfidence:   0.3,
		DefaultFeeBps:   10,
	}, logger)
	return &fixture{clock: clock, store: store, pipeline: pl}
}

func mustAmount(t *testing.T, s string) *types.Amount {
	t.Helper()
	a, err := types.AmountFromString(s)
	if err != nil {
		t.Fatalf("parse amount %q: %v", s, err)
	}
	return a
}

func happySellBundle(t *testing.T) Bundle {
	t.Helper()
	return Bundle{
		Request: &types.QuoteRequest{
			ChainID:  1,
			Side:     types.SELL,
			TokenIn:  "USDC",
			TokenOut: "WETH",
			Amount:   types.NewAmount(1_000_000),
			Taker:    "0x1111111111111111111111111111111111111111",
		},
		Policy: &types.MakerPolicy{
			Maker:         "0x2222222222222222222222222222222222222222",
			AllowedPairs:  []types.TradingPair{{TokenA: "WETH", TokenB: "USDC"}},
			MaxTradeSize:  mustAmount(t, "10000000000000000000"),
			MinSpreadBps:  10,
			MaxSpreadBps:  50,
			DefaultTTLSec: 60,
		},
		Pricing: &types.PricingSnapshot{
			MidPrice:        "0.00053",
			MarketSpreadBps: 8,
			Confidence:      0.95,
			DepthPoints: []types.DepthPoint{
				{AmountInRaw: types.NewAmount(1_000_000), AmountOutRaw: mustAmount(t, "530000000000000000"), ImpactBps: 12},
				{AmountInRaw: types.NewAmount(5_000_000), AmountOutRaw: mustAmount(t, "2600000000000000000"), ImpactBps: 42},
			},
		},
		Chain: &types.ChainSnapshot{
			ChainID:        1,
			StrategyID:     "s1",
			Active:         true,
			TokenOutBudget: mustAmount(t, "1000000000000000000"),
			Allowance:      mustAmount(t, "1000000000000000000"),
		},
	}
}

func TestQuoteHappySell(t *testing.T) {
	t.Parallel()
	start := time.Unix(1_700_000_000, 0)
	f := newFixture(start)

	res, err := f.pipeline.Quote(context.Background(), happySellBundle(t))
	if err != nil {
		t.Fatalf("quote: %v", err)
	}

	intent := res.Intent
	if intent.Rejected {
		t.Fatalf("rejected: %s (%s)", intent.RejectionReason, res.Explain.Metadata["rejectionDetail"])
	}
	if intent.AmountIn.String() != "1000000" {
		t.Errorf("amountIn = %s, want 1000000", intent.AmountIn)
	}
	// first curve point minus the clamped 10 bps spread
	if intent.AmountOut.String() != "529470000000000000" {
		t.Errorf("amountOut = %s, want 529470000000000000", intent.AmountOut)
	}
	if intent.Nonce != 0 {
		t.Errorf("nonce = %d, want 0", intent.Nonce)
	}
	if intent.Expiry != start.Unix()+60 {
		t.Errorf("expiry = %d, want now+60", intent.Expiry)
	}
	if !strings.Contains(intent.Rationale, "10 bps") {
		t.Errorf("rationale %q should mention the 10 bps spread", intent.Rationale)
	}
	// 10 bps fee on the quoted amount out
	if res.Explain.Metadata["feeAmount"] != "529470000000000" {
		t.Errorf("feeAmount = %s, want 529470000000000", res.Explain.Metadata["feeAmount"])
	}
	if res.Explain.PricingSource != types.PricingSourceLive {
		t.Errorf("pricing source = %s, want live", res.Explain.PricingSource)
	}
	for _, c := range res.Explain.Checks {
		if !c.Passed {
			t.Errorf("check %s/%s failed: %s", c.Gate, c.Check, c.Detail)
		}
	}
}

func TestQuoteBuyWithIdempotencyCache(t *testing.T) {
	t.Parallel()
	f := newFixture(time.Unix(1_700_000_000, 0))

	b := happySellBundle(t)
	b.Request.Side = types.BUY
	b.Request.Amount = mustAmount(t, "50000000000000000") // 0.05 WETH
	b.Request.IdempotencyKey = "k1"

	first, err := f.pipeline.Quote(context.Background(), b)
	if err != nil {
		t.Fatalf("first quote: %v", err)
	}
	if first.Intent.Rejected {
		t.Fatalf("first quote rejected: %s", first.Intent.RejectionReason)
	}
	if first.Intent.Nonce != 0 {
		t.Errorf("first nonce = %d, want 0", first.Intent.Nonce)
	}

	second, err := f.pipeline.Quote(context.Background(), b)
	if err != nil {
		t.Fatalf("second quote: %v", err)
	}
	if second.Intent.Nonce != 0 {
		t.Errorf("cached nonce = %d, want 0", second.Intent.Nonce)
	}
	if second.Intent.AmountIn.Cmp(&first.Intent.AmountIn.Int) != 0 {
		t.Errorf("cached amountIn %s differs from original %s", second.Intent.AmountIn, first.Intent.AmountIn)
	}
	if second.Explain.PricingSource != types.PricingSourceCached {
		t.Errorf("pricing source = %s, want cached", second.Explain.PricingSource)
	}
	if f.store.PeekNonce(b.Policy.Maker) != 1 {
		t.Errorf("next nonce = %d, want 1 (no second allocation)", f.store.PeekNonce(b.Policy.Maker))
	}
}

func TestQuotePausedMakerLeavesStateUntouched(t *testing.T) {
	t.Parallel()
	f := newFixture(time.Unix(1_700_000_000, 0))

	b := happySellBundle(t)
	b.Policy.Paused = true
	b.Request.IdempotencyKey = "k-paused"

	res, err := f.pipeline.Quote(context.Background(), b)
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if !res.Intent.Rejected || res.Intent.RejectionReason != types.RejectMakerPaused {
		t.Fatalf("intent = %+v, want MAKER_PAUSED rejection", res.Intent)
	}
	if res.Intent.Nonce != -1 {
		t.Errorf("nonce = %d, want -1", res.Intent.Nonce)
	}
	if f.store.PeekNonce(b.Policy.Maker) != 0 {
		t.Error("rejection must not allocate a nonce")
	}
	if _, ok := f.store.CachedIntent("k-paused"); ok {
		t.Error("rejection must not be cached")
	}
}

func TestQuoteFeasibilityRejectThenRecover(t *testing.T) {
	t.Parallel()
	f := newFixture(time.Unix(1_700_000_000, 0))

	b := happySellBundle(t)
	// one base unit short of the desired amount out
	b.Chain.TokenOutBudget = mustAmount(t, "529469999999999999")

	res, err := f.pipeline.Quote(context.Background(), b)
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if !res.Intent.Rejected || res.Intent.RejectionReason != types.RejectInsufficientBudget {
		t.Fatalf("rejection = %s, want INSUFFICIENT_BUDGET", res.Intent.RejectionReason)
	}

	// refreshed chain snapshot covers the trade; same request now succeeds
	b.Chain.TokenOutBudget = mustAmount(t, "529470000000000000")
	res, err = f.pipeline.Quote(context.Background(), b)
	if err != nil {
		t.Fatalf("retry quote: %v", err)
	}
	if res.Intent.Rejected {
		t.Fatalf("retry rejected: %s", res.Intent.RejectionReason)
	}
	if res.Intent.Nonce != 0 {
		t.Errorf("retry nonce = %d, want 0", res.Intent.Nonce)
	}
}

func cappedBundle(t *testing.T, sellAmount int64) Bundle {
	t.Helper()
	b := happySellBundle(t)
	b.Request.Amount = types.NewAmount(sellAmount)
	b.Policy.MinSpreadBps = 0
	b.Policy.MaxSpreadBps = 50
	b.Policy.DailyCaps = map[string]*types.Amount{"WETH": types.NewAmount(1000)}
	b.Pricing.MarketSpreadBps = 0
	b.Pricing.DepthPoints = []types.DepthPoint{
		{AmountInRaw: types.NewAmount(1000), AmountOutRaw: types.NewAmount(800), ImpactBps: 5},
	}
	b.Chain.TokenOutBudget = types.NewAmount(100_000)
	b.Chain.Allowance = types.NewAmount(100_000)
	return b
}

func TestQuoteDailyCapAcrossCallsAndRollover(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 8, 25, 23, 59, 0, 0, time.UTC)
	f := newFixture(start)

	// first SELL consumes 800 of the 1000 cap
	res, err := f.pipeline.Quote(context.Background(), cappedBundle(t, 1000))
	if err != nil {
		t.Fatalf("first quote: %v", err)
	}
	if res.Intent.Rejected {
		t.Fatalf("first quote rejected: %s", res.Intent.RejectionReason)
	}
	if res.Intent.AmountOut.String() != "800" {
		t.Fatalf("first amountOut = %s, want 800", res.Intent.AmountOut)
	}

	// second SELL wants 300 more: projection 1100 exceeds the cap
	res, err = f.pipeline.Quote(context.Background(), cappedBundle(t, 375))
	if err != nil {
		t.Fatalf("second quote: %v", err)
	}
	if !res.Intent.Rejected || res.Intent.RejectionReason != types.RejectExceedsDailyCap {
		t.Fatalf("rejection = %s, want EXCEEDS_DAILY_CAP", res.Intent.RejectionReason)
	}

	// UTC midnight resets the accumulator; the same request is now fine
	f.clock.Advance(2 * time.Minute)
	res, err = f.pipeline.Quote(context.Background(), cappedBundle(t, 375))
	if err != nil {
		t.Fatalf("post-rollover quote: %v", err)
	}
	if res.Intent.Rejected {
		t.Errorf("post-rollover quote rejected: %s", res.Intent.RejectionReason)
	}
	if res.Intent.AmountOut.String() != "300" {
		t.Errorf("post-rollover amountOut = %s, want 300", res.Intent.AmountOut)
	}
}

func TestQuoteDailyCapIgnoresTokenCase(t *testing.T) {
	t.Parallel()
	f := newFixture(time.Unix(1_700_000_000, 0))

	// first SELL consumes 800 of the 1000 WETH cap
	res, err := f.pipeline.Quote(context.Background(), cappedBundle(t, 1000))
	if err != nil {
		t.Fatalf("first quote: %v", err)
	}
	if res.Intent.Rejected {
		t.Fatalf("first quote rejected: %s", res.Intent.RejectionReason)
	}

	// same token spelled differently must hit the same accumulator
	b := cappedBundle(t, 375)
	b.Request.TokenOut = "weth"
	res, err = f.pipeline.Quote(context.Background(), b)
	if err != nil {
		t.Fatalf("second quote: %v", err)
	}
	if !res.Intent.Rejected || res.Intent.RejectionReason != types.RejectExceedsDailyCap {
		t.Fatalf("rejection = %s, want EXCEEDS_DAILY_CAP", res.Intent.RejectionReason)
	}
}

func TestQuoteInvalidChain(t *testing.T) {
	t.Parallel()
	f := newFixture(time.Unix(1_700_000_000, 0))

	b := happySellBundle(t)
	b.Request.ChainID = 137

	res, err := f.pipeline.Quote(context.Background(), b)
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if !res.Intent.Rejected || res.Intent.RejectionReason != types.RejectInvalidChain {
		t.Fatalf("rejection = %s, want INVALID_CHAIN", res.Intent.RejectionReason)
	}
	if f.store.PeekNonce(b.Policy.Maker) != 0 {
		t.Error("rejection must not allocate a nonce")
	}
}

func TestQuoteNonMonotonicCurveIsInternalError(t *testing.T) {
	t.Parallel()
	f := newFixture(time.Unix(1_700_000_000, 0))

	b := happySellBundle(t)
	b.Pricing.DepthPoints = []types.DepthPoint{
		{AmountInRaw: types.NewAmount(1000), AmountOutRaw: types.NewAmount(800), ImpactBps: 5},
		{AmountInRaw: types.NewAmount(500), AmountOutRaw: types.NewAmount(900), ImpactBps: 9},
	}

	if _, err := f.pipeline.Quote(context.Background(), b); err == nil {
		t.Fatal("provider contract violation should surface as an error")
	}
}

func TestDeriveIdempotencyKeyStable(t *testing.T) {
	t.Parallel()
	req := happySellBundle(t).Request
	maker := happySellBundle(t).Policy.Maker

	k1 := DeriveIdempotencyKey(req, maker)
	k2 := DeriveIdempotencyKey(req, maker)
	if k1 != k2 {
		t.Errorf("derived keys differ: %s vs %s", k1, k2)
	}

	other := happySellBundle(t).Request
	other.Amount = types.NewAmount(999_999)
	if DeriveIdempotencyKey(other, maker) == k1 {
		t.Error("different amounts must derive different keys")
	}
	if DeriveIdempotencyKey(req, "0x3333333333333333333333333333333333333333") == k1 {
		t.Error("different makers must derive different keys")
	}
}

func TestQuoteDerivedKeysAreMakerScoped(t *testing.T) {
	t.Parallel()
	f := newFixture(time.Unix(1_700_000_000, 0))

	a := happySellBundle(t)
	first, err := f.pipeline.Quote(context.Background(), a)
	if err != nil {
		t.Fatalf("first maker quote: %v", err)
	}
	if first.Intent.Rejected {
		t.Fatalf("first maker rejected: %s", first.Intent.RejectionReason)
	}

	// an identical request from another maker must not hit the cache
	b := happySellBundle(t)
	b.Policy.Maker = "0x3333333333333333333333333333333333333333"
	second, err := f.pipeline.Quote(context.Background(), b)
	if err != nil {
		t.Fatalf("second maker quote: %v", err)
	}
	if second.Explain.PricingSource == types.PricingSourceCached {
		t.Fatal("second maker must not receive the first maker's cached intent")
	}
	if second.Intent.Maker != b.Policy.Maker {
		t.Errorf("intent maker = %s, want %s", second.Intent.Maker, b.Policy.Maker)
	}
}

func TestQuoteLowConfidenceWidensAndWarns(t *testing.T) {
	t.Parallel()
	f := newFixture(time.Unix(1_700_000_000, 0))

	b := happySellBundle(t)
	b.Pricing.Confidence = 0.5 // above the floor, below the widening threshold

	res, err := f.pipeline.Quote(context.Background(), b)
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if res.Intent.Rejected {
		t.Fatalf("rejected: %s", res.Intent.RejectionReason)
	}
	if res.Intent.SpreadBps != 15 {
		t.Errorf("spread = %d, want 15 (widened)", res.Intent.SpreadBps)
	}
	if len(res.Explain.Warnings) == 0 {
		t.Error("expected a low-confidence warning")
	}
}

// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the strategy agent — quote
// requests, pricing and chain snapshots, maker policy records, quote intents,
// and the canonical rejection reasons. It has no dependencies on internal
// packages, so it can be imported by any layer.
package types

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of a quote request: BUY or SELL.
// SELL interprets the request amount as exact input (token-in),
// BUY as exact output (token-out).
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// RejectReason is a canonical rejection code from the closed set understood
// by every downstream consumer (signer, dashboard, maker agent).
type RejectReason string

const (
	RejectMakerPaused           RejectReason = "MAKER_PAUSED"
	RejectInsufficientBudget    RejectReason = "INSUFFICIENT_BUDGET"
	RejectStalePricing          RejectReason = "STALE_PRICING"
	RejectPairNotAllowed        RejectReason = "PAIR_NOT_ALLOWED"
	RejectExceedsMaxTradeSize   RejectReason = "EXCEEDS_MAX_TRADE_SIZE"
	RejectExceedsDailyCap       RejectReason = "EXCEEDS_DAILY_CAP"
	RejectStrategyInactive      RejectReason = "STRATEGY_INACTIVE"
	RejectStrategyDocked        RejectReason = "STRATEGY_DOCKED"
	RejectInsufficientAllowance RejectReason = "INSUFFICIENT_ALLOWANCE"
	RejectInvalidChain          RejectReason = "INVALID_CHAIN"
	RejectInvalidToken          RejectReason = "INVALID_TOKEN"
	RejectNonceExhausted        RejectReason = "NONCE_EXHAUSTED"
	RejectInternalError         RejectReason = "INTERNAL_ERROR"
)

// KnownRejectReason reports whether r belongs to the closed rejection set.
func KnownRejectReason(r RejectReason) bool {
	switch r {
	case RejectMakerPaused, RejectInsufficientBudget, RejectStalePricing,
		RejectPairNotAllowed, RejectExceedsMaxTradeSize, RejectExceedsDailyCap,
		RejectStrategyInactive, RejectStrategyDocked, RejectInsufficientAllowance,
		RejectInvalidChain, RejectInvalidToken, RejectNonceExhausted,
		RejectInternalError:
		return true
	}
	return false
}

// ————————————————————————————————————————————————————————————————————————
// Amounts
// ————————————————————————————————————————————————————————————————————————

// Amount is a token amount in base units (uint256 scale). It marshals as a
// decimal string so values beyond float64 precision survive JSON round-trips.
// Amount arithmetic stays in big.Int; floats are used only for transient
// ratio math inside the curve evaluator.
type Amount struct {
	big.Int
}

// NewAmount returns an Amount holding the given int64 value.
func NewAmount(v int64) *Amount {
	a := new(Amount)
	a.SetInt64(v)
	return a
}

// AmountFromString parses a base-10 integer string into an Amount.
func AmountFromString(s string) (*Amount, error) {
	a := new(Amount)
	if _, ok := a.SetString(s, 10); !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return a, nil
}

// AmountFromBig wraps a copy of v into an Amount. A nil v yields zero.
func AmountFromBig(v *big.Int) *Amount {
	a := new(Amount)
	if v != nil {
		a.Set(v)
	}
	return a
}

// Clone returns an independent copy.
func (a *Amount) Clone() *Amount {
	if a == nil {
		return nil
	}
	return AmountFromBig(&a.Int)
}

// IsPositive reports whether the amount is strictly greater than zero.
func (a *Amount) IsPositive() bool {
	return a != nil && a.Sign() > 0
}

// MarshalJSON encodes the amount as a quoted decimal string.
func (a *Amount) MarshalJSON() ([]byte, error) {
	if a == nil {
		return []byte(`"0"`), nil
	}
	return []byte(`"` + a.String() + `"`), nil
}

// UnmarshalJSON accepts either a quoted decimal string or a bare integer.
func (a *Amount) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		a.SetInt64(0)
		return nil
	}
	if _, ok := a.SetString(s, 10); !ok {
		return fmt.Errorf("invalid amount %q", s)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Clock
// ————————————————————————————————————————————————————————————————————————

// Clock abstracts "now" so expiry, cache eviction, and daily-volume rollover
// can be driven deterministically in tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the real wall clock.
var SystemClock Clock = systemClock{}

// ————————————————————————————————————————————————————————————————————————
// Quote request
// ————————————————————————————————————————————————————————————————————————

// QuoteRequest is a taker's ask: "at what terms will you trade X for Y?".
type QuoteRequest struct {
	ChainID        int64   `json:"chainId"`
	Side           Side    `json:"side"`
	TokenIn        string  `json:"tokenIn"`
	TokenOut       string  `json:"tokenOut"`
	Amount         *Amount `json:"amount"` // base units; SELL = exact in, BUY = exact out
	Taker          string  `json:"taker"`
	Recipient      string  `json:"recipient,omitempty"`      // defaults to taker
	IdempotencyKey string  `json:"idempotencyKey,omitempty"` // derived from the request when absent
}

// Validate checks the input contract. Violations here are transport errors
// (HTTP 400), not business rejections.
func (r *QuoteRequest) Validate() error {
	if r == nil {
		return fmt.Errorf("missing request")
	}
	if r.Side != BUY && r.Side != SELL {
		return fmt.Errorf("side must be BUY or SELL, got %q", r.Side)
	}
	if r.TokenIn == "" || r.TokenOut == "" {
		return fmt.Errorf("tokenIn and tokenOut are required")
	}
	if strings.EqualFold(r.TokenIn, r.TokenOut) {
		return fmt.Errorf("tokenIn and tokenOut must differ")
	}
	if !r.Amount.IsPositive() {
		return fmt.Errorf("amount must be > 0")
	}
	if r.Taker == "" {
		return fmt.Errorf("taker is required")
	}
	return nil
}

// EffectiveRecipient returns the recipient, falling back to the taker.
func (r *QuoteRequest) EffectiveRecipient() string {
	if r.Recipient != "" {
		return r.Recipient
	}
	return r.Taker
}

// PairKey returns the canonical unordered key for the request's token pair.
func (r *QuoteRequest) PairKey() string {
	return PairKey(r.TokenIn, r.TokenOut)
}

// PairKey builds a canonical unordered key for two tokens: lowercase,
// lexicographically sorted, dash-joined. A/B and B/A map to the same key.
func PairKey(a, b string) string {
	la, lb := strings.ToLower(a), strings.ToLower(b)
	if la > lb {
		la, lb = lb, la
	}
	return la + "-" + lb
}

// ————————————————————————————————————————————————————————————————————————
// Maker policy
// ————————————————————————————————————————————————————————————————————————

// TradingPair is one entry in a policy's allowed-pair set. Membership is
// checked symmetrically: listing A/B also allows B/A.
type TradingPair struct {
	TokenA string `json:"tokenA"`
	TokenB string `json:"tokenB"`
}

// StrategyInfo names an on-chain strategy: a liquidity pocket with its own
// budget and activation state. Params feed the strategy-hash computation and
// must match the on-chain descriptor byte-for-byte.
type StrategyInfo struct {
	ID      string         `json:"id"`
	Version int            `json:"version"`
	Params  map[string]any `json:"params,omitempty"`
}

// MakerPolicy is the maker's current rule set, authored out-of-band by the
// Maker Agent. The quoting core reads one policy snapshot per request and
// never mutates it.
type MakerPolicy struct {
	Maker         string                  `json:"maker"`
	AllowedPairs  []TradingPair           `json:"allowedPairs"`
	MaxTradeSize  *Amount                 `json:"maxTradeSize,omitempty"` // applies to both legs; nil = unlimited
	DailyCaps     map[string]*Amount      `json:"dailyCaps,omitempty"`    // token -> base-unit cap per UTC day
	Paused        bool                    `json:"paused"`
	MinSpreadBps  int64                   `json:"minSpreadBps"`
	MaxSpreadBps  int64                   `json:"maxSpreadBps"`
	DefaultTTLSec int64                   `json:"defaultTtlSec"`
	FeeBps        int64                   `json:"feeBps,omitempty"`     // 0 = use the configured default
	Strategies    map[string]StrategyInfo `json:"strategies,omitempty"` // pair key -> strategy
}

// Validate checks the policy record's invariants.
func (p *MakerPolicy) Validate() error {
	if p == nil {
		return fmt.Errorf("missing policy")
	}
	if p.Maker == "" {
		return fmt.Errorf("policy.maker is required")
	}
	if p.MinSpreadBps > p.MaxSpreadBps {
		return fmt.Errorf("policy spread band invalid: min %d > max %d", p.MinSpreadBps, p.MaxSpreadBps)
	}
	if p.DefaultTTLSec <= 0 {
		return fmt.Errorf("policy.defaultTtlSec must be > 0")
	}
	return nil
}

// AllowsPair reports whether the unordered pair (a, b) is in the allowed set.
func (p *MakerPolicy) AllowsPair(a, b string) bool {
	want := PairKey(a, b)
	for _, tp := range p.AllowedPairs {
		if PairKey(tp.TokenA, tp.TokenB) == want {
			return true
		}
	}
	return false
}

// DailyCapFor returns the cap configured for a token, or nil when uncapped.
// Token lookup is case-insensitive.
func (p *MakerPolicy) DailyCapFor(token string) *Amount {
	for t, c := range p.DailyCaps {
		if strings.EqualFold(t, token) {
			return c
		}
	}
	return nil
}

// StrategyFor looks up the strategy mapped to the pair. Keys are matched
// case-insensitively against the canonical unordered key, so "WETH-USDC" and
// "usdc-weth" both resolve.
func (p *MakerPolicy) StrategyFor(tokenA, tokenB string) (StrategyInfo, bool) {
	want := PairKey(tokenA, tokenB)
	for k, s := range p.Strategies {
		parts := strings.SplitN(k, "-", 2)
		if len(parts) == 2 && PairKey(parts[0], parts[1]) == want {
			return s, true
		}
	}
	return StrategyInfo{}, false
}

// ————————————————————————————————————————————————————————————————————————
// Pricing snapshot
// ————————————————————————————————————————————————————————————————————————

// DepthPoint is one cumulative sample on the liquidity curve: selling up to
// AmountInRaw yields up to AmountOutRaw in aggregate, with realized impact
// ImpactBps versus mid. Points are ordered by increasing AmountInRaw.
type DepthPoint struct {
	AmountInRaw  *Amount `json:"amountInRaw"`
	AmountOutRaw *Amount `json:"amountOutRaw"`
	ImpactBps    float64 `json:"impactBps"`
}

// PricingSnapshot is an immutable view of off-chain pricing at a point in
// time, produced by the price engine. Prices are decimal strings; amounts are
// base units.
type PricingSnapshot struct {
	MidPrice        string       `json:"midPrice"`
	Bid             string       `json:"bid,omitempty"` // discrete-amount pricing when no curve
	Ask             string       `json:"ask,omitempty"`
	MarketSpreadBps int64        `json:"marketSpreadBps"`
	DepthPoints     []DepthPoint `json:"depthPoints,omitempty"`
	AsOfMs          int64        `json:"asOfMs"`
	Stale           bool         `json:"stale"`
	Confidence      float64      `json:"confidenceScore"` // 0.0 to 1.0
	SourcesUsed     []string     `json:"sourcesUsed,omitempty"`
}

// Mid parses the mid price.
func (s *PricingSnapshot) Mid() (decimal.Decimal, error) {
	return decimal.NewFromString(s.MidPrice)
}

// HasCurve reports whether depth-curve pricing is available.
func (s *PricingSnapshot) HasCurve() bool {
	return len(s.DepthPoints) > 0
}

// ————————————————————————————————————————————————————————————————————————
// Chain snapshot
// ————————————————————————————————————————————————————————————————————————

// ChainSnapshot is an immutable view of the on-chain state relevant to one
// prospective trade.
type ChainSnapshot struct {
	ChainID        int64   `json:"chainId"`
	StrategyID     string  `json:"strategyId"`
	Active         bool    `json:"active"` // false when the strategy holds zero tokens
	Docked         bool    `json:"docked"` // true when administratively disabled
	TokenOutBudget *Amount `json:"tokenOutBudget"`
	Allowance      *Amount `json:"allowance"` // maker -> venue allowance for token-out
	UpdatedAt      int64   `json:"updatedAt"` // unix seconds
}

// Feasible reports whether the strategy can serve a trade at all.
func (c *ChainSnapshot) Feasible() bool {
	return c.Active && !c.Docked
}

// ————————————————————————————————————————————————————————————————————————
// Quote intent
// ————————————————————————————————————————————————————————————————————————

// QuoteIntent is the deterministic, signable output of the pipeline. A
// rejected intent carries nonce -1, zero amounts, expiry 0, and a reason
// from the closed set.
type QuoteIntent struct {
	Maker           string       `json:"maker"`
	TokenIn         string       `json:"tokenIn"`
	TokenOut        string       `json:"tokenOut"`
	AmountIn        *Amount      `json:"amountIn"`
	AmountOut       *Amount      `json:"amountOut"`
	StrategyHash    string       `json:"strategyHash"`
	Nonce           int64        `json:"nonce"`
	Expiry          int64        `json:"expiry"` // absolute unix seconds
	MinOutNet       *Amount      `json:"minOutNet"`
	TTLSec          int64        `json:"ttlSec"`
	IdempotencyKey  string       `json:"idempotencyKey,omitempty"`
	SpreadBps       int64        `json:"spreadBps"`
	PriceUsed       string       `json:"priceUsed"`
	Rationale       string       `json:"rationale"`
	Rejected        bool         `json:"rejected"`
	RejectionReason RejectReason `json:"rejectionReason,omitempty"`
}

// NewRejectedIntent builds the canonical rejected intent for a request.
// No nonce is allocated and no state is touched for rejections.
func NewRejectedIntent(req *QuoteRequest, maker string, reason RejectReason, rationale string) *QuoteIntent {
	return &QuoteIntent{
		Maker:           maker,
		TokenIn:         req.TokenIn,
		TokenOut:        req.TokenOut,
		AmountIn:        NewAmount(0),
		AmountOut:       NewAmount(0),
		Nonce:           -1,
		Expiry:          0,
		MinOutNet:       NewAmount(0),
		IdempotencyKey:  req.IdempotencyKey,
		Rationale:       rationale,
		Rejected:        true,
		RejectionReason: reason,
	}
}

// Clone returns a deep copy so cached intents stay immutable.
func (i *QuoteIntent) Clone() *QuoteIntent {
	if i == nil {
		return nil
	}
	out := *i
	out.AmountIn = i.AmountIn.Clone()
	out.AmountOut = i.AmountOut.Clone()
	out.MinOutNet = i.MinOutNet.Clone()
	return &out
}

// ————————————————————————————————————————————————————————————————————————
// Explainability
// ————————————————————————————————————————————————————————————————————————

// Pricing sources reported in explainability payloads.
const (
	PricingSourceLive   = "live"
	PricingSourceCached = "cached"
)

// GateCheck is one PASS/FAIL verdict from a gate predicate, so operators
// can see exactly why a quote died.
type GateCheck struct {
	Gate   string `json:"gate"`  // "idempotency", "policy", "feasibility"
	Check  string `json:"check"` // predicate name, e.g. "PAIR_ALLOWED"
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// Explainability carries the full gate trace and warnings for one decision.
type Explainability struct {
	TraceID       string            `json:"traceId"`
	PricingSource string            `json:"pricingSource"` // "live" or "cached"
	Checks        []GateCheck       `json:"checks"`
	Warnings      []string          `json:"warnings,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

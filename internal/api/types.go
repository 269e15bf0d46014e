package api

import (
	"aqua-agent/internal/ledger"
	"aqua-agent/pkg/types"
)

// quoteRequestBody is the full decision bundle a caller posts to /v1/quote.
// Pricing is optional when a price engine is configured; the other three
// sections are required.
type quoteRequestBody struct {
	Request *types.QuoteRequest    `json:"request"`
	Policy  *types.MakerPolicy     `json:"policy"`
	Pricing *types.PricingSnapshot `json:"pricing,omitempty"`
	Chain   *types.ChainSnapshot   `json:"chain"`
}

type quoteResponseBody struct {
	Intent         *types.QuoteIntent    `json:"intent"`
	Explainability *types.Explainability `json:"explainability"`
}

type healthResponse struct {
	Status          string  `json:"status"`
	SupportedChains []int64 `json:"supportedChains"`
	UptimeSeconds   int64   `json:"uptimeSeconds"`
}

// settlementBody reports a fill or revert back from the venue.
type settlementBody struct {
	Maker     string `json:"maker"`
	Nonce     int64  `json:"nonce"`
	TokenIn   string `json:"tokenIn"`
	TokenOut  string `json:"tokenOut"`
	AmountIn  string `json:"amountIn"`
	AmountOut string `json:"amountOut"`
	TxHash    string `json:"txHash,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

type settlementListResponse struct {
	Events []ledger.Event `json:"events"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// decisionEvent is what the websocket stream broadcasts per decision.
type decisionEvent struct {
	Type           string                `json:"type"`
	Intent         *types.QuoteIntent    `json:"intent"`
	Explainability *types.Explainability `json:"explainability"`
}

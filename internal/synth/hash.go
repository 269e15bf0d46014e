package synth

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"aqua-agent/pkg/types"
)

// canonicalStrategy fixes the field order hashed on both sides of the wire.
// Field names stay alphabetical so the digest is stable across encoders.
type canonicalStrategy struct {
	ID      string         `json:"id"`
	Params  map[string]any `json:"params"`
	Version int            `json:"version"`
}

// StrategyHash binds an intent to the exact strategy configuration it was
// quoted under: keccak256 over the canonical JSON encoding of the strategy.
func StrategyHash(s types.StrategyInfo) (string, error) {
	params := s.Params
	if params == nil {
		params = map[string]any{}
	}
	payload, err := json.Marshal(canonicalStrategy{
		ID:      s.ID,
		Params:  params,
		Version: s.Version,
	})
	if err != nil {
		return "", fmt.Errorf("encode strategy %q: %w", s.ID, err)
	}
	return hexutil.Encode(crypto.Keccak256(payload)), nil
}

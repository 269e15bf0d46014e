// Package state holds the agent's process-local mutable state: per-maker
// nonce counters, the idempotency cache, and per-maker daily volume
// accumulators. All state resets on restart; on-chain nonce tracking is the
// settlement layer's job.
package state

import (
	"errors"
	"math"
	"math/big"
	"strings"
	"sync"

	"aqua-agent/pkg/types"
)

var (
	// ErrNonceExhausted reports a maker whose nonce counter hit the
	// int64 ceiling.
	ErrNonceExhausted = errors.New("nonce space exhausted")

	// ErrCapExceeded reports a commit that would push the maker's daily
	// volume past its configured cap.
	ErrCapExceeded = errors.New("daily volume cap exceeded")
)

// Store is safe for concurrent use. A single mutex covers all three tables
// so Commit can check the cap, allocate the nonce, and record the volume as
// one atomic step.
type Store struct {
	clock types.Clock

	mu         sync.Mutex
	nonces     map[string]int64
	cache      map[string]*types.QuoteIntent
	volumes    map[string]map[string]*big.Int // maker -> token -> consumed
	volumeDate string                         // UTC day the volumes belong to
}

func New(clock types.Clock) *Store {
	if clock == nil {
		clock = types.SystemClock
	}
	return &Store{
		clock:      clock,
		nonces:     make(map[string]int64),
		cache:      make(map[string]*types.QuoteIntent),
		volumes:    make(map[string]map[string]*big.Int),
		volumeDate: clock.Now().UTC().Format("2006-01-02"),
	}
}

// CachedIntent returns the live cached intent for key, if any. Expired
// entries are evicted at lookup time rather than by a background sweeper.
func (s *Store) CachedIntent(key string) (*types.QuoteIntent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cachedLocked(key)
}

func (s *Store) cachedLocked(key string) (*types.QuoteIntent, bool) {
	intent, ok := s.cache[key]
	if !ok {
		return nil, false
	}
	if s.clock.Now().Unix() >= intent.Expiry {
		delete(s.cache, key)
		return nil, false
	}
	return intent.Clone(), true
}

// DailyVolume returns the maker's consumed volume for token in the current
// UTC day. Token matching is case-insensitive, like the policy's cap lookup.
// The caller gets a copy.
func (s *Store) DailyVolume(maker, token string) *big.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maybeRolloverLocked()
	return new(big.Int).Set(s.volumeLocked(maker, token))
}

// PeekNonce reports the next nonce the maker would be assigned, without
// allocating it.
func (s *Store) PeekNonce(maker string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nonces[maker]
}

// Commit finalizes a synthesized intent: under one lock it re-checks the
// idempotency cache, re-checks the daily cap against the authoritative
// volume, allocates the maker's next nonce, records the volume, and caches
// the finished intent under key.
//
// When a concurrent request with the same key won the race, Commit returns
// that cached intent with cached=true and mutates nothing. cap may be nil
// for uncapped tokens.
func (s *Store) Commit(key string, intent *types.QuoteIntent, cap *big.Int) (*types.QuoteIntent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.maybeRolloverLocked()

	if cached, ok := s.cachedLocked(key); ok {
		return cached, true, nil
	}

	maker, token := intent.Maker, volumeKey(intent.TokenOut)
	amountOut := &intent.AmountOut.Int

	current := s.volumeLocked(maker, token)
	projected := new(big.Int).Add(current, amountOut)
	if cap != nil && projected.Cmp(cap) > 0 {
		return nil, false, ErrCapExceeded
	}

	next := s.nonces[maker]
	if next == math.MaxInt64 {
		return nil, false, ErrNonceExhausted
	}
	s.nonces[maker] = next + 1

	committed := intent.Clone()
	committed.Nonce = next
	committed.IdempotencyKey = key

	perToken, ok := s.volumes[maker]
	if !ok {
		perToken = make(map[string]*big.Int)
		s.volumes[maker] = perToken
	}
	perToken[token] = projected

	s.cache[key] = committed
	return committed.Clone(), false, nil
}

func (s *Store) volumeLocked(maker, token string) *big.Int {
	if perToken, ok := s.volumes[maker]; ok {
		if v, ok := perToken[volumeKey(token)]; ok {
			return v
		}
	}
	return new(big.Int)
}

// volumeKey canonicalizes a token for the volume table so "WETH" and "weth"
// accumulate against the same cap, matching MakerPolicy.DailyCapFor.
func volumeKey(token string) string {
	return strings.ToLower(token)
}

// maybeRolloverLocked clears every maker's volume table when the UTC day
// changes. The rollover is global: one boundary crossing resets all makers.
func (s *Store) maybeRolloverLocked() {
	today := s.clock.Now().UTC().Format("2006-01-02")
	if today == s.volumeDate {
		return
	}
	s.volumes = make(map[string]map[string]*big.Int)
	s.volumeDate = today
}

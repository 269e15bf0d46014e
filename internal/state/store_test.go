package state

import (
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"aqua-agent/pkg/types"
)

// fakeClock is a settable clock for driving expiry and rollover.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{now: t}
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

func testIntent(maker string, amountOut int64, expiry int64) *types.QuoteIntent {
	return &types.QuoteIntent{
		Maker:     maker,
		TokenIn:   "USDC",
		TokenOut:  "WETH",
		AmountIn:  types.NewAmount(1000),
		AmountOut: types.NewAmount(amountOut),
		MinOutNet: types.NewAmount(amountOut),
		Nonce:     -1,
		Expiry:    expiry,
		TTLSec:    60,
	}
}

func TestCommitAssignsMonotonicNonces(t *testing.T) {
	t.Parallel()
	clock := newFakeClock(time.Unix(1_700_000_000, 0))
	store := New(clock)
	expiry := clock.Now().Unix() + 60

	for i := int64(0); i < 5; i++ {
		intent, cached, err := store.Commit(fmt.Sprintf("k%d", i), testIntent("0xm", 10, expiry), nil)
		if err != nil || cached {
			t.Fatalf("commit %d: err=%v cached=%v", i, err, cached)
		}
		if intent.Nonce != i {
			t.Errorf("nonce = %d, want %d", intent.Nonce, i)
		}
	}

	// independent counter per maker
	intent, _, err := store.Commit("other", testIntent("0xother", 10, expiry), nil)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if intent.Nonce != 0 {
		t.Errorf("second maker's first nonce = %d, want 0", intent.Nonce)
	}
}

func TestCommitConcurrentNoncesUnique(t *testing.T) {
	t.Parallel()
	clock := newFakeClock(time.Unix(1_700_000_000, 0))
	store := New(clock)
	expiry := clock.Now().Unix() + 60

	const n = 64
	var wg sync.WaitGroup
	nonces := make([]int64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			intent, _, err := store.Commit(fmt.Sprintf("k%d", i), testIntent("0xm", 1, expiry), nil)
			if err != nil {
				t.Errorf("commit %d: %v", i, err)
				return
			}
			nonces[i] = intent.Nonce
		}(i)
	}
	wg.Wait()

	seen := make(map[int64]bool, n)
	for _, nonce := range nonces {
		if seen[nonce] {
			t.Fatalf("duplicate nonce %d", nonce)
		}
		seen[nonce] = true
	}
}

func TestCommitSameKeyReturnsCached(t *testing.T) {
	t.Parallel()
	clock := newFakeClock(time.Unix(1_700_000_000, 0))
	store := New(clock)
	expiry := clock.Now().Unix() + 60

	first, cached, err := store.Commit("k1", testIntent("0xm", 10, expiry), nil)
	if err != nil || cached {
		t.Fatalf("first commit: err=%v cached=%v", err, cached)
	}

	second, cached, err := store.Commit("k1", testIntent("0xm", 10, expiry), nil)
	if err != nil {
		t.Fatalf("second commit: %v", err)
	}
	if !cached {
		t.Fatal("second commit with same key should hit the cache")
	}
	if second.Nonce != first.Nonce {
		t.Errorf("cached nonce = %d, want %d", second.Nonce, first.Nonce)
	}
	if store.PeekNonce("0xm") != 1 {
		t.Errorf("next nonce = %d, want 1 (no second allocation)", store.PeekNonce("0xm"))
	}
	// no double volume accounting
	if got := store.DailyVolume("0xm", "WETH"); got.Int64() != 10 {
		t.Errorf("daily volume = %s, want 10", got)
	}
}

func TestCommitSameKeyConcurrent(t *testing.T) {
	t.Parallel()
	clock := newFakeClock(time.Unix(1_700_000_000, 0))
	store := New(clock)
	expiry := clock.Now().Unix() + 60

	const n = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	fresh := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, cached, err := store.Commit("shared", testIntent("0xm", 5, expiry), nil)
			if err != nil {
				t.Errorf("commit: %v", err)
				return
			}
			if !cached {
				mu.Lock()
				fresh++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if fresh != 1 {
		t.Errorf("fresh commits = %d, want exactly 1", fresh)
	}
	if got := store.DailyVolume("0xm", "WETH"); got.Int64() != 5 {
		t.Errorf("daily volume = %s, want 5 (single accounting)", got)
	}
}

func TestCacheEvictsAtExpiry(t *testing.T) {
	t.Parallel()
	clock := newFakeClock(time.Unix(1_700_000_000, 0))
	store := New(clock)
	expiry := clock.Now().Unix() + 60

	if _, _, err := store.Commit("k1", testIntent("0xm", 10, expiry), nil); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, ok := store.CachedIntent("k1"); !ok {
		t.Fatal("intent should be cached before expiry")
	}

	clock.Advance(61 * time.Second)
	if _, ok := store.CachedIntent("k1"); ok {
		t.Error("intent should be evicted at expiry")
	}

	// a new commit under the same key gets a new nonce
	newExpiry := clock.Now().Unix() + 60
	intent, cached, err := store.Commit("k1", testIntent("0xm", 10, newExpiry), nil)
	if err != nil || cached {
		t.Fatalf("recommit: err=%v cached=%v", err, cached)
	}
	if intent.Nonce != 1 {
		t.Errorf("recommit nonce = %d, want 1", intent.Nonce)
	}
}

func TestCommitEnforcesDailyCap(t *testing.T) {
	t.Parallel()
	clock := newFakeClock(time.Unix(1_700_000_000, 0))
	store := New(clock)
	expiry := clock.Now().Unix() + 60
	cap := big.NewInt(1000)

	if _, _, err := store.Commit("k1", testIntent("0xm", 800, expiry), cap); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	if _, _, err := store.Commit("k2", testIntent("0xm", 300, expiry), cap); err != ErrCapExceeded {
		t.Fatalf("second commit err = %v, want ErrCapExceeded", err)
	}
	// rejected commit leaves no trace
	if got := store.DailyVolume("0xm", "WETH"); got.Int64() != 800 {
		t.Errorf("daily volume = %s, want 800", got)
	}
	if store.PeekNonce("0xm") != 1 {
		t.Errorf("next nonce = %d, want 1", store.PeekNonce("0xm"))
	}
	// exactly at the cap is allowed
	if _, _, err := store.Commit("k3", testIntent("0xm", 200, expiry), cap); err != nil {
		t.Errorf("at-cap commit: %v", err)
	}
}

func TestDailyVolumeIgnoresTokenCase(t *testing.T) {
	t.Parallel()
	clock := newFakeClock(time.Unix(1_700_000_000, 0))
	store := New(clock)
	expiry := clock.Now().Unix() + 60
	cap := big.NewInt(1000)

	if _, _, err := store.Commit("k1", testIntent("0xm", 800, expiry), cap); err != nil {
		t.Fatalf("first commit: %v", err)
	}

	// same token with different casing accumulates against the same cap
	lower := testIntent("0xm", 300, expiry)
	lower.TokenOut = "weth"
	if _, _, err := store.Commit("k2", lower, cap); err != ErrCapExceeded {
		t.Fatalf("case-variant commit err = %v, want ErrCapExceeded", err)
	}
	if got := store.DailyVolume("0xm", "weth"); got.Int64() != 800 {
		t.Errorf("case-variant volume lookup = %s, want 800", got)
	}
}

func TestDailyVolumeRollsOverAtUTCMidnight(t *testing.T) {
	t.Parallel()
	// 23:59:30 UTC
	start := time.Date(2026, 8, 25, 23, 59, 30, 0, time.UTC)
	clock := newFakeClock(start)
	store := New(clock)
	expiry := start.Unix() + 3600
	cap := big.NewInt(1000)

	if _, _, err := store.Commit("k1", testIntent("0xm", 800, expiry), cap); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	if _, _, err := store.Commit("k2", testIntent("0xm", 300, expiry), cap); err != ErrCapExceeded {
		t.Fatalf("same-day commit err = %v, want ErrCapExceeded", err)
	}

	clock.Advance(60 * time.Second) // crosses UTC midnight

	if got := store.DailyVolume("0xm", "WETH"); got.Sign() != 0 {
		t.Errorf("volume after rollover = %s, want 0", got)
	}
	if _, _, err := store.Commit("k3", testIntent("0xm", 300, expiry), cap); err != nil {
		t.Errorf("post-rollover commit: %v", err)
	}
}

// Package swapregistry tracks the process's live swaps for order-placement
// accounting (locked_amount) and drives kickstart on startup: scanning the
// saved-swap store for unfinished swaps and handing the caller the set of
// coin tickers it must bring up before resuming them.
package swapregistry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/apd/v3"
	"github.com/google/uuid"

	"github.com/shellreserve/atomicswap/coins"
	"github.com/shellreserve/atomicswap/swap"
)

// DefaultPollInterval is how often WaitForCoins re-checks a coin lookup,
// per spec.md §4.7's "poll every 5s".
const DefaultPollInterval = 5 * time.Second

// Snapshot is the live-swap view the registry tracks. It holds no
// reference to a concrete makerswap/takerswap Machine: the registry only
// needs a swap's identity, its frozen amounts, and a way to read its
// current event log, so neither FSM package needs to know the registry
// exists.
type Snapshot struct {
	UUID                     uuid.UUID
	Role                     swap.Role
	MakerCoin, TakerCoin     string
	MakerAmount, TakerAmount *apd.Decimal
	// Saved returns the swap's current SavedSwap. Called under the
	// registry's lock only to read HasEventType, never mutated.
	Saved func() *swap.SavedSwap
}

// Registry is a process-wide table of running swaps. The zero value is
// not usable; construct with New.
type Registry struct {
	mu   sync.Mutex
	live map[uuid.UUID]Snapshot
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{live: make(map[uuid.UUID]Snapshot)}
}

// Register adds a running swap and returns a Done func the owning driver
// must call exactly once when its Run loop returns, successfully or not.
//
// spec.md §4.7 describes the registry as holding weak references to live
// swap objects, pruned lazily on query. Go had no portable weak pointer
// before the 1.24 `weak` package; the direct equivalent here is registry
// ownership of a lightweight Snapshot plus an explicit Done callback,
// so a swap is removed the instant its driver stops rather than waiting
// for a GC cycle to collect a dangling weak reference.
func (r *Registry) Register(snap Snapshot) (done func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live[snap.UUID] = snap

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			delete(r.live, snap.UUID)
		})
	}
}

// Live returns the uuids of every currently registered swap, for status
// inspection. (rpc's active_swaps command reads the swaplog index instead.)
func (r *Registry) Live() []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(r.live))
	for id := range r.live {
		ids = append(ids, id)
	}
	return ids
}

// LockedAmount sums the {coin, amount} contribution of every live swap
// touching ticker, per spec.md §4.7's accounting rules:
//   - maker: maker_amount iff MakerPaymentSent not yet recorded, else 0.
//   - taker: taker_amount iff TakerPaymentSent not yet recorded, else 0.
func (r *Registry) LockedAmount(ticker string) *apd.Decimal {
	r.mu.Lock()
	defer r.mu.Unlock()

	total := apd.New(0, 0)
	ctx := apd.BaseContext.WithPrecision(40)
	for _, snap := range r.live {
		saved := snap.Saved()
		if saved == nil {
			continue
		}
		var amount *apd.Decimal
		switch {
		case snap.Role == swap.RoleMaker && snap.MakerCoin == ticker:
			if !saved.HasEventType(swap.MakerPaymentSent) {
				amount = snap.MakerAmount
			}
		case snap.Role == swap.RoleTaker && snap.TakerCoin == ticker:
			if !saved.HasEventType(swap.TakerPaymentSent) {
				amount = snap.TakerAmount
			}
		}
		if amount == nil {
			continue
		}
		if _, err := ctx.Add(total, total, amount); err != nil {
			// Amounts are always well-formed decimals by the time a
			// swap reaches the registry; a corrupt value here means a
			// bug upstream, not a condition callers can act on.
			panic(fmt.Sprintf("swapregistry: add locked amount: %v", err))
		}
	}
	return total
}

// SwapLister lists every saved swap a persistence layer knows about.
// swaplog.FileJournal.LoadAll satisfies this.
type SwapLister interface {
	LoadAll(ctx context.Context) ([]*swap.SavedSwap, error)
}

// KickstartResult is Kickstart's report: the coin tickers every
// unfinished swap will need, and the swap records themselves, which the
// caller must individually resume (via makerswap.Resume or
// takerswap.Resume, by Role) once those coins are available.
type KickstartResult struct {
	Tickers []string
	Pending []*swap.SavedSwap
}

// Kickstart scans every saved swap via lister and reports the ones that
// have not reached Finished (invariant 3 makes Finished terminal, so a
// finished swap is never a kickstart candidate), plus the set of coin
// tickers those swaps require. It does not spawn swaps itself:
// reconstructing the right Machine type for a swap's Role and supplying
// live Coin objects is the caller's job, since the registry must not
// import makerswap/takerswap or a coin-configuration layer.
func Kickstart(ctx context.Context, lister SwapLister) (*KickstartResult, error) {
	all, err := lister.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("swapregistry: kickstart: load saved swaps: %w", err)
	}

	seen := make(map[string]bool)
	result := &KickstartResult{}
	for _, saved := range all {
		if saved.IsFinished() {
			continue
		}
		result.Pending = append(result.Pending, saved)
		for _, ticker := range []string{saved.MakerCoin, saved.TakerCoin} {
			if !seen[ticker] {
				seen[ticker] = true
				result.Tickers = append(result.Tickers, ticker)
			}
		}
	}
	return result, nil
}

// CoinLookup resolves a ticker to its live, enabled Coin.
type CoinLookup func(ticker string) (coins.Coin, bool)

// WaitForCoins polls lookup every pollInterval until every requested
// ticker resolves, or ctx is canceled. Per spec.md §4.7, a kickstarted
// swap must not spawn its driver until both its coins are enabled.
func WaitForCoins(ctx context.Context, lookup CoinLookup, pollInterval time.Duration, tickers ...string) (map[string]coins.Coin, error) {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	resolved := make(map[string]coins.Coin, len(tickers))
	for {
		for _, ticker := range tickers {
			if _, ok := resolved[ticker]; ok {
				continue
			}
			if c, ok := lookup(ticker); ok {
				resolved[ticker] = c
			}
		}
		if len(resolved) == len(tickers) {
			return resolved, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

package swapregistry

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/apd/v3"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/shellreserve/atomicswap/coins"
	"github.com/shellreserve/atomicswap/swap"
)

func mustDecimal(t *testing.T, s string) *apd.Decimal {
	t.Helper()
	d, _, err := apd.NewFromString(s)
	require.NoError(t, err)
	return d
}

func TestLockedAmount_MakerBeforeAndAfterPaymentSent(t *testing.T) {
	r := New()
	saved := &swap.SavedSwap{UUID: uuid.New(), Role: swap.RoleMaker}

	done := r.Register(Snapshot{
		UUID:        saved.UUID,
		Role:        swap.RoleMaker,
		MakerCoin:   "BEER",
		TakerCoin:   "PIZZA",
		MakerAmount: mustDecimal(t, "5"),
		TakerAmount: mustDecimal(t, "10"),
		Saved:       func() *swap.SavedSwap { return saved },
	})
	defer done()

	require.Equal(t, 0, r.LockedAmount("BEER").Cmp(mustDecimal(t, "5")))
	require.Equal(t, 0, r.LockedAmount("PIZZA").Cmp(mustDecimal(t, "0")))

	e, err := swap.NewEvent(swap.MakerPaymentSent, nil)
	require.NoError(t, err)
	saved.AppendEvent(e)

	require.Equal(t, 0, r.LockedAmount("BEER").Cmp(mustDecimal(t, "0")))
}

func TestLockedAmount_SumsMultipleSwaps(t *testing.T) {
	r := New()
	for i := 0; i < 3; i++ {
		saved := &swap.SavedSwap{UUID: uuid.New(), Role: swap.RoleTaker}
		done := r.Register(Snapshot{
			UUID:        saved.UUID,
			Role:        swap.RoleTaker,
			MakerCoin:   "BEER",
			TakerCoin:   "PIZZA",
			MakerAmount: mustDecimal(t, "5"),
			TakerAmount: mustDecimal(t, "2"),
			Saved:       func() *swap.SavedSwap { return saved },
		})
		defer done()
	}
	require.Equal(t, 0, r.LockedAmount("PIZZA").Cmp(mustDecimal(t, "6")))
}

func TestRegister_DoneRemovesSwap(t *testing.T) {
	r := New()
	saved := &swap.SavedSwap{UUID: uuid.New(), Role: swap.RoleMaker}
	done := r.Register(Snapshot{
		UUID:        saved.UUID,
		Role:        swap.RoleMaker,
		MakerCoin:   "BEER",
		MakerAmount: mustDecimal(t, "5"),
		Saved:       func() *swap.SavedSwap { return saved },
	})
	require.Len(t, r.Live(), 1)
	done()
	require.Len(t, r.Live(), 0)
	// Calling done twice must not panic.
	done()
}

type fakeLister struct {
	swaps []*swap.SavedSwap
}

func (f *fakeLister) LoadAll(ctx context.Context) ([]*swap.SavedSwap, error) {
	return f.swaps, nil
}

func TestKickstart_SkipsFinishedCollectsTickers(t *testing.T) {
	unfinished := &swap.SavedSwap{
		UUID: uuid.New(), Role: swap.RoleMaker,
		MakerCoin: "BEER", TakerCoin: "PIZZA",
		Events: []swap.Event{{Type: swap.Started}, {Type: swap.Negotiated}},
	}
	finished := &swap.SavedSwap{
		UUID: uuid.New(), Role: swap.RoleTaker,
		MakerCoin: "BEER", TakerCoin: "SODA",
		Events: []swap.Event{{Type: swap.Started}, {Type: swap.Finished}},
	}
	lister := &fakeLister{swaps: []*swap.SavedSwap{unfinished, finished}}

	result, err := Kickstart(context.Background(), lister)
	require.NoError(t, err)
	require.Len(t, result.Pending, 1)
	require.Equal(t, unfinished.UUID, result.Pending[0].UUID)
	require.ElementsMatch(t, []string{"BEER", "PIZZA"}, result.Tickers)
}

type stubCoin struct{ coins.Coin }

func TestWaitForCoins_ResolvesOnceBothEnabled(t *testing.T) {
	enabled := map[string]coins.Coin{}
	lookup := func(ticker string) (coins.Coin, bool) {
		c, ok := enabled[ticker]
		return c, ok
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go func() {
		time.Sleep(20 * time.Millisecond)
		enabled["BEER"] = stubCoin{}
		time.Sleep(20 * time.Millisecond)
		enabled["PIZZA"] = stubCoin{}
	}()

	resolved, err := WaitForCoins(ctx, lookup, 10*time.Millisecond, "BEER", "PIZZA")
	require.NoError(t, err)
	require.Len(t, resolved, 2)
}

func TestWaitForCoins_CanceledContext(t *testing.T) {
	lookup := func(ticker string) (coins.Coin, bool) { return nil, false }
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := WaitForCoins(ctx, lookup, 10*time.Millisecond, "BEER")
	require.Error(t, err)
}

package swaplog

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/shellreserve/atomicswap/coins"
	"github.com/shellreserve/atomicswap/swap"
)

func newTestJournal(t *testing.T) *FileJournal {
	t.Helper()
	j, err := NewFileJournal(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, j.Close()) })
	return j
}

func startedSwap(role swap.Role) *swap.SavedSwap {
	id := uuid.New()
	s := coins.Secret{1, 2, 3}
	params := swap.Params{
		UUID:      id,
		MakerCoin: "BEER",
		TakerCoin: "PIZZA",
		Secret:    &s,
	}
	started, err := swap.NewEvent(swap.Started, swap.StartedData{Params: params})
	if err != nil {
		panic(err)
	}
	return &swap.SavedSwap{
		UUID:      id,
		Role:      role,
		MakerCoin: "BEER",
		TakerCoin: "PIZZA",
		Events:    []swap.Event{started},
	}
}

func TestPersistAndLoad_RoundTrips(t *testing.T) {
	ctx := context.Background()
	j := newTestJournal(t)

	saved := startedSwap(swap.RoleMaker)
	require.NoError(t, j.Persist(ctx, saved))

	loaded, err := j.Load(ctx, saved.UUID)
	require.NoError(t, err)
	require.Equal(t, saved.UUID, loaded.UUID)
	require.Len(t, loaded.Events, 1)

	var started swap.StartedData
	require.NoError(t, loaded.Events[0].Decode(&started))
	require.NotNil(t, started.Params.Secret)
}

func TestLoadAll_ReturnsEveryPersistedSwap(t *testing.T) {
	ctx := context.Background()
	j := newTestJournal(t)

	a := startedSwap(swap.RoleMaker)
	b := startedSwap(swap.RoleTaker)
	require.NoError(t, j.Persist(ctx, a))
	require.NoError(t, j.Persist(ctx, b))

	all, err := j.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestFinish_RedactsSecretFromStatsRecord(t *testing.T) {
	ctx := context.Background()
	j := newTestJournal(t)

	saved := startedSwap(swap.RoleMaker)
	finishedEvent, err := swap.NewEvent(swap.Finished, nil)
	require.NoError(t, err)
	saved.AppendEvent(finishedEvent)

	require.NoError(t, j.Persist(ctx, saved))
	require.NoError(t, j.Finish(ctx, saved))

	data, err := readSavedSwap(j.statsPath(saved.Role, saved.UUID))
	require.NoError(t, err)

	var started swap.StartedData
	require.NoError(t, data.Events[0].Decode(&started))
	require.Nil(t, started.Params.Secret)

	// The journal's own on-disk copy keeps the real secret; only the
	// public stats record is redacted.
	mine, err := j.Load(ctx, saved.UUID)
	require.NoError(t, err)
	var mineStarted swap.StartedData
	require.NoError(t, mine.Events[0].Decode(&mineStarted))
	require.NotNil(t, mineStarted.Params.Secret)
}

func TestActiveUUIDs_ExcludesFinished(t *testing.T) {
	ctx := context.Background()
	j := newTestJournal(t)

	active := startedSwap(swap.RoleMaker)
	require.NoError(t, j.Persist(ctx, active))

	finished := startedSwap(swap.RoleTaker)
	finishedEvent, err := swap.NewEvent(swap.Finished, nil)
	require.NoError(t, err)
	finished.AppendEvent(finishedEvent)
	require.NoError(t, j.Persist(ctx, finished))

	ids, err := j.ActiveUUIDs(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []uuid.UUID{active.UUID}, ids)
}

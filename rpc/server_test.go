package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/shellreserve/atomicswap/coins"
	"github.com/shellreserve/atomicswap/swap"
)

var errNotFound = errors.New("swap not found")

type fakeStore struct {
	saved  map[uuid.UUID]*swap.SavedSwap
	active []uuid.UUID
}

func (f *fakeStore) Load(_ context.Context, id uuid.UUID) (*swap.SavedSwap, error) {
	s, ok := f.saved[id]
	if !ok {
		return nil, errNotFound
	}
	return s, nil
}

func (f *fakeStore) ActiveUUIDs(_ context.Context) ([]uuid.UUID, error) {
	return f.active, nil
}

func newTestServer(store SwapStore) *Server {
	return &Server{
		Store:      store,
		CoinLookup: func(string) (coins.Coin, bool) { return nil, false },
		Password:   "hunter2",
	}
}

func postRPC(t *testing.T, s *Server, method string, params interface{}) response {
	t.Helper()
	paramsJSON, err := json.Marshal(params)
	require.NoError(t, err)
	body, err := json.Marshal(request{Method: method, Params: paramsJSON})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	req.SetBasicAuth("rpcuser", "hunter2")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	var resp response
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func TestServeHTTP_RejectsWrongPassword(t *testing.T) {
	s := newTestServer(&fakeStore{saved: map[uuid.UUID]*swap.SavedSwap{}})

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader([]byte(`{}`)))
	req.SetBasicAuth("rpcuser", "wrong")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServeHTTP_UnknownMethod(t *testing.T) {
	s := newTestServer(&fakeStore{saved: map[uuid.UUID]*swap.SavedSwap{}})
	resp := postRPC(t, s, "not_a_real_method", nil)
	require.NotEmpty(t, resp.Error)
}

func TestMySwapStatus_ReturnsStoredSwap(t *testing.T) {
	id := uuid.New()
	saved := &swap.SavedSwap{UUID: id, Role: swap.RoleMaker, MakerCoin: "BEER", TakerCoin: "PIZZA"}
	s := newTestServer(&fakeStore{saved: map[uuid.UUID]*swap.SavedSwap{id: saved}})

	resp := postRPC(t, s, MethodMySwapStatus, MySwapStatusCmd{UUID: id})
	require.Empty(t, resp.Error)
	require.NotNil(t, resp.Result)

	result, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	var got swap.SavedSwap
	require.NoError(t, json.Unmarshal(result, &got))
	require.Equal(t, id, got.UUID)
}

func TestActiveSwaps_ReturnsIndexedUUIDs(t *testing.T) {
	id := uuid.New()
	s := newTestServer(&fakeStore{saved: map[uuid.UUID]*swap.SavedSwap{}, active: []uuid.UUID{id}})

	resp := postRPC(t, s, MethodActiveSwaps, nil)
	require.Empty(t, resp.Error)

	result, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	var got []uuid.UUID
	require.NoError(t, json.Unmarshal(result, &got))
	require.Equal(t, []uuid.UUID{id}, got)
}

func TestRecoverFunds_ErrorsWhenCoinNotEnabled(t *testing.T) {
	id := uuid.New()
	started, err := swap.NewEvent(swap.Started, swap.StartedData{Params: swap.Params{MakerCoin: "BEER", TakerCoin: "PIZZA"}})
	require.NoError(t, err)
	saved := &swap.SavedSwap{UUID: id, Role: swap.RoleMaker, MakerCoin: "BEER", TakerCoin: "PIZZA", Events: []swap.Event{started}}
	s := newTestServer(&fakeStore{saved: map[uuid.UUID]*swap.SavedSwap{id: saved}})

	resp := postRPC(t, s, MethodRecoverFunds, RecoverFundsCmd{UUID: id})
	require.NotEmpty(t, resp.Error)
}

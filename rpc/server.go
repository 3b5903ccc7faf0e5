package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/shellreserve/atomicswap/recovery"
	"github.com/shellreserve/atomicswap/swap"
	"github.com/shellreserve/atomicswap/swapregistry"
)

// SwapStore loads saved swaps by uuid and reports which are still active.
// swaplog.FileJournal satisfies this.
type SwapStore interface {
	Load(ctx context.Context, id uuid.UUID) (*swap.SavedSwap, error)
	ActiveUUIDs(ctx context.Context) ([]uuid.UUID, error)
}

// CoinLookup resolves a ticker to its live, enabled Coin.
type CoinLookup = swapregistry.CoinLookup

// Server dispatches the three commands this daemon exposes over a single
// guarded HTTP endpoint.
type Server struct {
	Store      SwapStore
	CoinLookup CoinLookup
	Password   string
}

type request struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type response struct {
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// ServeHTTP accepts a single POST of {"method": ..., "params": ...},
// guarded by HTTP basic auth against Password the way a full node's RPC
// listener gates every request.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.checkAuth(r) {
		w.Header().Set("WWW-Authenticate", `Basic realm="atomicswap"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeResponse(w, response{Error: fmt.Sprintf("rpc: decode request: %v", err)})
		return
	}

	result, err := s.dispatch(r.Context(), req)
	if err != nil {
		writeResponse(w, response{Error: err.Error()})
		return
	}
	writeResponse(w, response{Result: result})
}

func (s *Server) checkAuth(r *http.Request) bool {
	if s.Password == "" {
		return false
	}
	_, password, ok := r.BasicAuth()
	return ok && password == s.Password
}

func (s *Server) dispatch(ctx context.Context, req request) (interface{}, error) {
	switch req.Method {
	case MethodMySwapStatus:
		var cmd MySwapStatusCmd
		if err := json.Unmarshal(req.Params, &cmd); err != nil {
			return nil, fmt.Errorf("rpc: %s: decode params: %w", req.Method, err)
		}
		return s.mySwapStatus(ctx, cmd)
	case MethodRecoverFunds:
		var cmd RecoverFundsCmd
		if err := json.Unmarshal(req.Params, &cmd); err != nil {
			return nil, fmt.Errorf("rpc: %s: decode params: %w", req.Method, err)
		}
		return s.recoverFunds(ctx, cmd)
	case MethodActiveSwaps:
		return s.activeSwaps(ctx)
	default:
		return nil, fmt.Errorf("rpc: unknown method %q", req.Method)
	}
}

func (s *Server) mySwapStatus(ctx context.Context, cmd MySwapStatusCmd) (*swap.SavedSwap, error) {
	saved, err := s.Store.Load(ctx, cmd.UUID)
	if err != nil {
		return nil, fmt.Errorf("rpc: %s: %w", MethodMySwapStatus, err)
	}
	return saved, nil
}

func (s *Server) activeSwaps(ctx context.Context) ([]uuid.UUID, error) {
	ids, err := s.Store.ActiveUUIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("rpc: %s: %w", MethodActiveSwaps, err)
	}
	return ids, nil
}

func (s *Server) recoverFunds(ctx context.Context, cmd RecoverFundsCmd) (*recovery.Result, error) {
	saved, err := s.Store.Load(ctx, cmd.UUID)
	if err != nil {
		return nil, fmt.Errorf("rpc: %s: load swap: %w", MethodRecoverFunds, err)
	}
	params, err := startedParams(saved)
	if err != nil {
		return nil, fmt.Errorf("rpc: %s: %w", MethodRecoverFunds, err)
	}
	makerCoin, ok := s.CoinLookup(saved.MakerCoin)
	if !ok {
		return nil, fmt.Errorf("rpc: %s: maker coin %s not enabled", MethodRecoverFunds, saved.MakerCoin)
	}
	takerCoin, ok := s.CoinLookup(saved.TakerCoin)
	if !ok {
		return nil, fmt.Errorf("rpc: %s: taker coin %s not enabled", MethodRecoverFunds, saved.TakerCoin)
	}
	return recovery.RecoverFunds(ctx, saved, params, makerCoin, takerCoin)
}

// startedParams extracts the frozen Params a swap's Started event recorded,
// the record every recovery decision is keyed on.
func startedParams(saved *swap.SavedSwap) (swap.Params, error) {
	for _, e := range saved.Events {
		if e.Type != swap.Started {
			continue
		}
		var started swap.StartedData
		if err := e.Decode(&started); err != nil {
			return swap.Params{}, fmt.Errorf("decode Started event: %w", err)
		}
		return started.Params, nil
	}
	return swap.Params{}, fmt.Errorf("swap %s has no Started event", saved.UUID)
}

func writeResponse(w http.ResponseWriter, resp response) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

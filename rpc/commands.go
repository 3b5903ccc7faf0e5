// Package rpc exposes the swap daemon's control surface: status lookups
// and manual fund recovery, dispatched the way btcjson's command-struct-
// per-RPC pattern shapes a full node's RPC surface, generalized here from
// mobile-wallet commands to swap-engine commands.
package rpc

import "github.com/google/uuid"

// Method names accepted by Server.ServeHTTP.
const (
	MethodMySwapStatus = "my_swap_status"
	MethodRecoverFunds = "recover_funds"
	MethodActiveSwaps  = "active_swaps"
)

// MySwapStatusCmd requests the full event log of one swap.
type MySwapStatusCmd struct {
	UUID uuid.UUID `json:"uuid"`
}

// RecoverFundsCmd requests an on-chain recovery attempt for one swap.
type RecoverFundsCmd struct {
	UUID uuid.UUID `json:"uuid"`
}

// ActiveSwapsCmd requests the uuids of every swap not yet Finished.
// It carries no fields; present so every command has a matching type.
type ActiveSwapsCmd struct{}

// Package recovery implements the operator-invoked "recover funds"
// action of spec.md §4.8: given a Finished swap whose outcome was not a
// clean success, reclaim whichever leg of the HTLC pair is still
// reclaimable.
package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/shellreserve/atomicswap/coins"
	"github.com/shellreserve/atomicswap/swap"
)

// Action reports what RecoverFunds actually did.
type Action string

const (
	Refunded Action = "Refunded"
	Spent    Action = "Spent"
)

// Result is recover_funds's reported outcome.
type Result struct {
	Action      Action
	Coin        string
	Transaction coins.Tx
}

// RecoverFunds attempts to reclaim funds from a Finished swap whose log
// does not already show a clean settlement. makerCoin/takerCoin must be
// the same Coin implementations (or equivalents sharing chain state) the
// original swap ran against.
func RecoverFunds(ctx context.Context, saved *swap.SavedSwap, params swap.Params, makerCoin, takerCoin coins.Coin) (*Result, error) {
	if !saved.IsFinished() {
		return nil, fmt.Errorf("recovery: swap %s has not reached Finished", saved.UUID)
	}
	switch saved.Role {
	case swap.RoleMaker:
		return recoverMaker(ctx, saved, params, makerCoin)
	case swap.RoleTaker:
		return recoverTaker(ctx, saved, params, makerCoin, takerCoin)
	default:
		return nil, fmt.Errorf("recovery: swap %s has unknown role %q", saved.UUID, saved.Role)
	}
}

func recoverMaker(ctx context.Context, saved *swap.SavedSwap, params swap.Params, makerCoin coins.Coin) (*Result, error) {
	if saved.HasEventType(swap.MakerPaymentRefunded) {
		return nil, fmt.Errorf("recovery: swap %s: maker payment already refunded", saved.UUID)
	}
	if saved.HasEventType(swap.TakerPaymentSpent) {
		return nil, fmt.Errorf("recovery: swap %s: taker payment already claimed; swap completed normally", saved.UUID)
	}

	paymentTx, err := locateMyPayment(ctx, saved, swap.MakerPaymentSent, makerCoin, params.MakerPaymentLock, params.OtherPersistentPub, params.SecretHash, params.MakerCoinStartBlock)
	if err != nil {
		return nil, fmt.Errorf("recovery: swap %s: locate maker payment: %w", saved.UUID, err)
	}

	found, err := makerCoin.SearchForSwapTxSpendMy(ctx, params.MakerPaymentLock, params.OtherPersistentPub, params.SecretHash, paymentTx, params.MakerCoinStartBlock)
	if err != nil {
		return nil, fmt.Errorf("recovery: swap %s: search maker payment spend: %w", saved.UUID, err)
	}
	if found != nil {
		switch found.Kind {
		case coins.Spent:
			return nil, fmt.Errorf("recovery: swap %s: maker payment was already claimed by the taker in %s; extract the secret from it and claim the taker payment instead", saved.UUID, found.Tx.TxHash())
		case coins.Refunded:
			return nil, fmt.Errorf("recovery: swap %s: maker payment was already refunded in %s", saved.UUID, found.Tx.TxHash())
		}
	}

	readyAt := params.MakerPaymentLock + swap.RefundGraceSeconds
	if time.Now().Unix() < readyAt {
		return nil, fmt.Errorf("recovery: swap %s: maker payment lock has not yet elapsed, retry after %s", saved.UUID, time.Unix(readyAt, 0).UTC())
	}

	refundTx, err := makerCoin.SendMakerRefundsPayment(ctx, paymentTx, params.MakerPaymentLock, params.OtherPersistentPub, params.SecretHash)
	if err != nil {
		return nil, fmt.Errorf("recovery: swap %s: refund maker payment: %w", saved.UUID, err)
	}
	return &Result{Action: Refunded, Coin: params.MakerCoin, Transaction: refundTx}, nil
}

func recoverTaker(ctx context.Context, saved *swap.SavedSwap, params swap.Params, makerCoin, takerCoin coins.Coin) (*Result, error) {
	if saved.HasEventType(swap.TakerPaymentRefunded) {
		return nil, fmt.Errorf("recovery: swap %s: taker payment already refunded", saved.UUID)
	}
	if saved.HasEventType(swap.MakerPaymentSpent) {
		return nil, fmt.Errorf("recovery: swap %s: maker payment already claimed; swap completed normally", saved.UUID)
	}

	takerPaymentTx, err := locateMyPayment(ctx, saved, swap.TakerPaymentSent, takerCoin, params.TakerPaymentLock, params.OtherPersistentPub, params.SecretHash, params.TakerCoinStartBlock)
	if err != nil {
		return nil, fmt.Errorf("recovery: swap %s: locate taker payment: %w", saved.UUID, err)
	}

	if secret := knownSecret(saved, params); secret != nil {
		if makerPaymentTx, merr := locateEventPayment(saved, swap.MakerPaymentReceived, makerCoin); merr == nil {
			found, ferr := makerCoin.SearchForSwapTxSpendOther(ctx, params.MakerPaymentLock, params.OtherPersistentPub, params.SecretHash, makerPaymentTx, params.MakerCoinStartBlock)
			if ferr == nil && found == nil && time.Now().Unix() < params.MakerPaymentLock {
				claimTx, cerr := makerCoin.SendTakerSpendsMakerPayment(ctx, makerPaymentTx, params.MakerPaymentLock, params.OtherPersistentPub, *secret)
				if cerr == nil {
					return &Result{Action: Spent, Coin: params.MakerCoin, Transaction: claimTx}, nil
				}
			}
		}
	}

	readyAt := params.TakerPaymentLock + swap.RefundGraceSeconds
	if time.Now().Unix() >= readyAt {
		found, ferr := takerCoin.SearchForSwapTxSpendMy(ctx, params.TakerPaymentLock, params.OtherPersistentPub, params.SecretHash, takerPaymentTx, params.TakerCoinStartBlock)
		if ferr == nil && found != nil {
			return nil, fmt.Errorf("recovery: swap %s: taker payment already settled (kind=%v) in %s", saved.UUID, found.Kind, found.Tx.TxHash())
		}
		refundTx, rerr := takerCoin.SendTakerRefundsPayment(ctx, takerPaymentTx, params.TakerPaymentLock, params.OtherPersistentPub, params.SecretHash)
		if rerr != nil {
			return nil, fmt.Errorf("recovery: swap %s: refund taker payment: %w", saved.UUID, rerr)
		}
		return &Result{Action: Refunded, Coin: params.TakerCoin, Transaction: refundTx}, nil
	}

	return nil, fmt.Errorf("recovery: swap %s: neither claiming the maker payment nor refunding the taker payment is available yet; retry after %s", saved.UUID, time.Unix(readyAt, 0).UTC())
}

// knownSecret returns the swap's secret if it is known to this side:
// directly on params (the maker always knows it), or recorded on a prior
// TakerPaymentSpent observation (the taker's own extraction of it).
func knownSecret(saved *swap.SavedSwap, params swap.Params) *coins.Secret {
	if params.Secret != nil {
		return params.Secret
	}
	for _, e := range saved.Events {
		if e.Type != swap.TakerPaymentSpent {
			continue
		}
		var data swap.SecretData
		if err := e.Decode(&data); err == nil {
			secret := data.Secret
			return &secret
		}
	}
	return nil
}

// locateEventPayment recovers a counterparty's payment transaction from
// its corresponding *Received event's recorded TxData. There is no
// Coin probe for "has the counterparty's payment appeared" the way
// CheckIfMyPaymentSent probes one's own broadcast, so a missing event
// here is unrecoverable.
func locateEventPayment(saved *swap.SavedSwap, eventType swap.EventType, coin coins.Coin) (coins.Tx, error) {
	for _, e := range saved.Events {
		if e.Type != eventType {
			continue
		}
		var data swap.TxData
		if err := e.Decode(&data); err != nil {
			return nil, fmt.Errorf("decode %s event: %w", eventType, err)
		}
		return coin.TxEnumFromBytes([]byte(data.TxRecord.TxHex))
	}
	return nil, fmt.Errorf("no %s event recorded", eventType)
}

// locateMyPayment recovers my own payment transaction, preferring the
// recorded *Sent event's TxData but falling back to CheckIfMyPaymentSent
// for a swap that crashed after broadcasting but before the event was
// durably appended.
func locateMyPayment(ctx context.Context, saved *swap.SavedSwap, sentEvent swap.EventType, coin coins.Coin, lockTime int64, otherPub *btcec.PublicKey, secretHash coins.SecretHash, fromBlock uint64) (coins.Tx, error) {
	for _, e := range saved.Events {
		if e.Type != sentEvent {
			continue
		}
		var data swap.TxData
		if err := e.Decode(&data); err != nil {
			return nil, fmt.Errorf("decode %s event: %w", sentEvent, err)
		}
		return coin.TxEnumFromBytes([]byte(data.TxRecord.TxHex))
	}

	tx, err := coin.CheckIfMyPaymentSent(ctx, lockTime, otherPub, secretHash, fromBlock)
	if err != nil {
		return nil, fmt.Errorf("no %s event recorded and CheckIfMyPaymentSent failed: %w", sentEvent, err)
	}
	if tx == nil {
		return nil, fmt.Errorf("no %s event recorded and no payment found on-chain", sentEvent)
	}
	return tx, nil
}

// Package coins defines the chain-abstract capability a swap participant
// must provide to be driven by the maker/taker state machines. A Coin
// implementation speaks one concrete chain (a UTXO chain such as Shell or
// Bitcoin, or an account chain such as Ethereum); the state machines never
// see chain-specific types.
package coins

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/cockroachdb/apd/v3"
)

// Sentinel errors for the domain error taxonomy (SPEC_FULL §7). Callers
// should compare with errors.Is; implementations may wrap these with
// additional context via fmt.Errorf("...: %w", ...).
var (
	ErrBalanceUnavailable = errors.New("coins: balance unavailable")
	ErrBroadcastRejected  = errors.New("coins: transaction broadcast rejected")
	ErrTransport          = errors.New("coins: transport error")
	ErrTimeout            = errors.New("coins: deadline exceeded")
	ErrReorged            = errors.New("coins: chain reorganized under the watched transaction")
	ErrNotFound           = errors.New("coins: not found")
	ErrInvalidFee         = errors.New("coins: dex fee transaction does not match expectations")
	ErrInvalidPayment     = errors.New("coins: on-chain payment does not match the expected HTLC")
)

// SecretHash is RIPEMD160(SHA256(secret)), the 20-byte value locking both
// legs of a swap's HTLCs.
type SecretHash [20]byte

// Secret is the 32-byte preimage generated by the maker.
type Secret [32]byte

// Tx is a chain-abstract handle on a transaction: enough for the state
// machines to log it, hand it back to the same Coin it came from, and
// compare transactions for equality without understanding chain-specific
// encoding.
type Tx interface {
	// TxHash returns the chain-native transaction identifier.
	TxHash() string
	// TxHex returns the raw transaction, hex-encoded, as it would be
	// broadcast or stored verbatim in a TransactionRecord.
	TxHex() string
}

// TransactionRecord is the chain-abstract, verbatim transaction summary
// spec.md §3 requires the core to store without interpretation.
type TransactionRecord struct {
	TxHex            string          `json:"tx_hex"`
	TxHash           string          `json:"tx_hash"`
	From             []string        `json:"from"`
	To               []string        `json:"to"`
	TotalAmount      *apd.Decimal    `json:"total_amount"`
	SpentByMe        *apd.Decimal    `json:"spent_by_me"`
	ReceivedByMe     *apd.Decimal    `json:"received_by_me"`
	MyBalanceChange  *apd.Decimal    `json:"my_balance_change"`
	BlockHeight      uint64          `json:"block_height"`
	Timestamp        int64           `json:"timestamp"`
	FeeDetails       json.RawMessage `json:"fee_details,omitempty"`
	Coin             string          `json:"coin"`
	InternalID       string          `json:"internal_id"`
}

// SpendKind distinguishes how a watched HTLC output was ultimately spent.
type SpendKind int

const (
	// Spent means the counterparty claimed the output by revealing the
	// secret.
	Spent SpendKind = iota
	// Refunded means the output's owner reclaimed it after the time-lock.
	Refunded
)

// FoundSpend is the result of searching the chain for how a payment's HTLC
// output was ultimately spent.
type FoundSpend struct {
	Kind SpendKind
	Tx   Tx
}

// Coin is the capability set a chain implementation exposes to the swap
// engine. Implementations must be cheaply cloneable (or passed by a single
// shared reference) and safe for concurrent use: the registry may drive
// many swaps against the same Coin value at once.
type Coin interface {
	// Market ops.

	// Ticker is this coin's short identifier, e.g. "BTC", "KMD", "ETH".
	Ticker() string
	// MyAddress returns the wallet address funding this coin's side of
	// swaps.
	MyAddress() string
	// MyBalance returns the spendable balance, or ErrBalanceUnavailable
	// if the backend could not be reached.
	MyBalance(ctx context.Context) (*apd.Decimal, error)
	// SendRawTx broadcasts a raw, hex-encoded transaction and returns its
	// hash, or ErrBroadcastRejected / ErrTransport.
	SendRawTx(ctx context.Context, rawHex string) (string, error)
	// TxEnumFromBytes decodes a chain-native raw transaction.
	TxEnumFromBytes(raw []byte) (Tx, error)
	// CurrentBlock returns the current chain height (or epoch height
	// equivalent for account chains).
	CurrentBlock(ctx context.Context) (uint64, error)
	// TxDetailsByHash fetches a TransactionRecord, or ErrNotFound /
	// ErrTransport.
	TxDetailsByHash(ctx context.Context, hash string) (*TransactionRecord, error)
	// WaitForConfirmations blocks until tx has at least n confirmations,
	// the deadline passes (ErrTimeout), or a reorg is observed
	// (ErrReorged).
	WaitForConfirmations(ctx context.Context, tx Tx, confirmations uint64, deadline time.Time, pollInterval time.Duration) error
	// WaitForTxSpend blocks until some transaction spends tx's output,
	// scanning from fromBlock, returning the spending transaction or
	// ErrTimeout once deadline passes.
	WaitForTxSpend(ctx context.Context, tx Tx, deadline time.Time, fromBlock uint64) (Tx, error)

	// Swap ops. All are asynchronous and return the broadcast Tx or a
	// recoverable error from the taxonomy above.

	// SendTakerFee pays the fixed dex-fee address an unconditional amount.
	SendTakerFee(ctx context.Context, feeAddr string, amount *apd.Decimal) (Tx, error)
	// SendMakerPayment broadcasts the maker's HTLC: spendable by takerPub
	// upon revealing the secretHash preimage, or by my own key after
	// lockTime.
	SendMakerPayment(ctx context.Context, lockTime int64, takerPub *btcec.PublicKey, secretHash SecretHash, amount *apd.Decimal) (Tx, error)
	// SendTakerPayment is SendMakerPayment's mirror for the taker leg.
	SendTakerPayment(ctx context.Context, lockTime int64, makerPub *btcec.PublicKey, secretHash SecretHash, amount *apd.Decimal) (Tx, error)
	// SendMakerSpendsTakerPayment claims the taker's HTLC by revealing
	// secret.
	SendMakerSpendsTakerPayment(ctx context.Context, takerPayment Tx, lockTime int64, takerPub *btcec.PublicKey, secret Secret) (Tx, error)
	// SendTakerSpendsMakerPayment is the taker-side mirror.
	SendTakerSpendsMakerPayment(ctx context.Context, makerPayment Tx, lockTime int64, makerPub *btcec.PublicKey, secret Secret) (Tx, error)
	// SendMakerRefundsPayment reclaims the maker's own HTLC after
	// lockTime.
	SendMakerRefundsPayment(ctx context.Context, makerPayment Tx, lockTime int64, takerPub *btcec.PublicKey, secretHash SecretHash) (Tx, error)
	// SendTakerRefundsPayment is the taker-side mirror.
	SendTakerRefundsPayment(ctx context.Context, takerPayment Tx, lockTime int64, makerPub *btcec.PublicKey, secretHash SecretHash) (Tx, error)

	// ValidateFee checks that feeTx pays feeAddr at least amount, or
	// returns ErrInvalidFee.
	ValidateFee(ctx context.Context, feeTx Tx, feeAddr string, amount *apd.Decimal) error
	// ValidateMakerPayment verifies an on-chain HTLC matches the expected
	// parameters, or returns ErrInvalidPayment.
	ValidateMakerPayment(ctx context.Context, payment Tx, lockTime int64, makerPub *btcec.PublicKey, secretHash SecretHash, amount *apd.Decimal) error
	// ValidateTakerPayment is the taker-side mirror.
	ValidateTakerPayment(ctx context.Context, payment Tx, lockTime int64, takerPub *btcec.PublicKey, secretHash SecretHash, amount *apd.Decimal) error

	// CheckIfMyPaymentSent is an idempotency probe: it returns the
	// already-broadcast payment transaction if one exists, or (nil, nil)
	// if none has been observed yet.
	CheckIfMyPaymentSent(ctx context.Context, lockTime int64, otherPub *btcec.PublicKey, secretHash SecretHash, fromBlock uint64) (Tx, error)
	// SearchForSwapTxSpendMy looks for how my own payment output was
	// spent (by the counterparty's claim, or by my own refund). Returns
	// (nil, nil) if it is still unspent.
	SearchForSwapTxSpendMy(ctx context.Context, lockTime int64, otherPub *btcec.PublicKey, secretHash SecretHash, paymentTx Tx, fromBlock uint64) (*FoundSpend, error)
	// SearchForSwapTxSpendOther is the mirror, searching the
	// counterparty's payment.
	SearchForSwapTxSpendOther(ctx context.Context, lockTime int64, otherPub *btcec.PublicKey, secretHash SecretHash, paymentTx Tx, fromBlock uint64) (*FoundSpend, error)
	// ExtractSecret parses the claim branch witness/calldata of a
	// spending transaction to recover the revealed secret.
	ExtractSecret(spendTx Tx) (Secret, error)

	// RequiredConfirmations is this coin's configured confirmation
	// policy.
	RequiredConfirmations() uint64
	// GetTradeFee estimates the network fee for a swap transaction, in
	// this coin's own denomination.
	GetTradeFee(ctx context.Context) (*apd.Decimal, error)
	// IsAssetChain reports whether this coin rides on a shared asset
	// chain, mirroring KMD asset chains in the original network. The
	// dex-fee discount in package swap keys on the KMD ticker and does
	// not consult it.
	IsAssetChain() bool
}

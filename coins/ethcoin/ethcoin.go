// Package ethcoin implements coins.Coin over an account-based, smart
// contract chain in the style of Ethereum: instead of a UTXO locked by a
// redeem script, a payment is a call into a shared HTLC contract that
// tracks (sender, recipient, secret_hash, lock_time, amount) records
// keyed by a deterministic contract id. The wire representation of each
// call is a real go-ethereum *types.Transaction, signed and hashed with
// go-ethereum's own crypto package, so a real EVM backend can slot in
// behind the same Backend interface FakeChain satisfies for tests.
package ethcoin

import (
	"context"
	"crypto/ecdsa"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/cockroachdb/apd/v3"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/shellreserve/atomicswap/coins"
)

// weiScale is the decimal exponent of GetTradeFee's flat estimate
// (21000 × 10^-8). Amounts themselves convert to and from wei at the full
// 18 decimals (see weiPerToken).
const weiScale = 8

var htlcContractAddress = common.HexToAddress("0x00000000000000000000000000000000005a57") // low bytes 0x5a57, "ZW"

// Backend is the chain-access capability ethcoin needs: broadcasting
// signed calls and reading back the HTLC registry's state. A real
// deployment backs this with an eth_call/eth_sendRawTransaction JSON-RPC
// client against the actual HTLC contract; tests use FakeChain.
type Backend interface {
	Broadcast(ctx context.Context, tx *types.Transaction) error
	CurrentBlock(ctx context.Context) (uint64, error)
	Balance(ctx context.Context, addr common.Address) (*big.Int, error)
	GetTx(ctx context.Context, hash common.Hash) (*types.Transaction, uint64, error)

	// OpenHTLC records a new contract, or returns an error if id already
	// exists.
	OpenHTLC(ctx context.Context, id common.Hash, sender, recipient common.Address, secretHash coins.SecretHash, lockTime int64, amount *big.Int) error
	// Contract returns the current state of contract id, or ErrNotFound.
	Contract(ctx context.Context, id common.Hash) (*HTLCRecord, error)
	// Claim marks id spent by secret, returning an error if the secret
	// doesn't match or the contract is already settled.
	Claim(ctx context.Context, id common.Hash, secret coins.Secret) error
	// Refund marks id refunded.
	Refund(ctx context.Context, id common.Hash) error
}

// HTLCRecord is a snapshot of one contract's on-chain state.
type HTLCRecord struct {
	Sender, Recipient common.Address
	SecretHash        coins.SecretHash
	LockTime          int64
	Amount            *big.Int
	Claimed, Refunded bool
	Secret            coins.Secret
}

// Tx wraps a signed go-ethereum transaction as a coins.Tx handle.
type Tx struct {
	signed *types.Transaction
}

func (t *Tx) TxHash() string { return t.signed.Hash().Hex() }
func (t *Tx) TxHex() string {
	raw, err := t.signed.MarshalBinary()
	if err != nil {
		panic(fmt.Sprintf("ethcoin: marshal tx: %v", err))
	}
	return hex.EncodeToString(raw)
}

// Coin drives one account-chain side of a swap. Keys travel the Coin
// interface as *btcec.PublicKey, matching shellcoin's UTXO side; ethcoin
// converts to go-ethereum's ecdsa representation only where its own
// crypto and types packages require it.
type Coin struct {
	ticker  string
	backend Backend
	priv    *btcec.PrivateKey
	addr    common.Address
	signer  types.Signer
	confs   uint64
	nonce   uint64
}

// New constructs an ethcoin Coin. chainID identifies the network for
// EIP-155 replay protection.
func New(ticker string, backend Backend, priv *btcec.PrivateKey, chainID *big.Int, requiredConfirmations uint64) *Coin {
	return &Coin{
		ticker:  ticker,
		backend: backend,
		priv:    priv,
		addr:    crypto.PubkeyToAddress(*priv.PubKey().ToECDSA()),
		signer:  types.NewEIP155Signer(chainID),
		confs:   requiredConfirmations,
	}
}

func (c *Coin) Ticker() string    { return c.ticker }
func (c *Coin) MyAddress() string { return c.addr.Hex() }

func (c *Coin) MyBalance(ctx context.Context) (*apd.Decimal, error) {
	wei, err := c.backend.Balance(ctx, c.addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", coins.ErrBalanceUnavailable, err)
	}
	return weiToDecimal(wei), nil
}

func (c *Coin) SendRawTx(ctx context.Context, rawHex string) (string, error) {
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return "", fmt.Errorf("%w: decode raw tx: %v", coins.ErrBroadcastRejected, err)
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return "", fmt.Errorf("%w: unmarshal tx: %v", coins.ErrBroadcastRejected, err)
	}
	if err := c.backend.Broadcast(ctx, tx); err != nil {
		return "", fmt.Errorf("%w: %v", coins.ErrBroadcastRejected, err)
	}
	return tx.Hash().Hex(), nil
}

func (c *Coin) TxEnumFromBytes(raw []byte) (coins.Tx, error) {
	decoded, err := hex.DecodeString(string(raw))
	if err != nil {
		return nil, fmt.Errorf("ethcoin: decode tx hex: %w", err)
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(decoded); err != nil {
		return nil, fmt.Errorf("ethcoin: unmarshal tx: %w", err)
	}
	return &Tx{signed: tx}, nil
}

func (c *Coin) CurrentBlock(ctx context.Context) (uint64, error) {
	return c.backend.CurrentBlock(ctx)
}

func (c *Coin) TxDetailsByHash(ctx context.Context, hash string) (*coins.TransactionRecord, error) {
	tx, height, err := c.backend.GetTx(ctx, common.HexToHash(hash))
	if err != nil {
		return nil, err
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("ethcoin: marshal tx: %w", err)
	}
	return &coins.TransactionRecord{
		TxHex:       hex.EncodeToString(raw),
		TxHash:      hash,
		TotalAmount: weiToDecimal(tx.Value()),
		BlockHeight: height,
		Coin:        c.ticker,
		InternalID:  hash,
	}, nil
}

func (c *Coin) WaitForConfirmations(ctx context.Context, tx coins.Tx, confirmations uint64, deadline time.Time, pollInterval time.Duration) error {
	hash := common.HexToHash(tx.TxHash())
	for {
		_, height, err := c.backend.GetTx(ctx, hash)
		if err == nil {
			current, herr := c.backend.CurrentBlock(ctx)
			if herr == nil && height != 0 && current-height+1 >= confirmations {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return coins.ErrTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (c *Coin) WaitForTxSpend(ctx context.Context, tx coins.Tx, deadline time.Time, fromBlock uint64) (coins.Tx, error) {
	id := contractIDOf(tx)
	for {
		record, err := c.backend.Contract(ctx, id)
		if err == nil && (record.Claimed || record.Refunded) {
			spend, serr := c.spendTxFor(ctx, id, record)
			if serr == nil {
				return spend, nil
			}
		}
		if time.Now().After(deadline) {
			return nil, coins.ErrTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

// spendTxFor synthesizes the coins.Tx handle for a now-settled contract:
// ethcoin's Backend records settlement state directly rather than
// replaying individual call transactions, so the "spend transaction"
// handed back to the state machine is a self-consistent marker tx whose
// data payload carries the contract id (and, for a claim, the secret).
func (c *Coin) spendTxFor(ctx context.Context, id common.Hash, record *HTLCRecord) (coins.Tx, error) {
	data := append([]byte{}, id.Bytes()...)
	if record.Claimed {
		data = append(data, record.Secret[:]...)
	}
	tx, err := c.buildAndSign(record.Recipient, big.NewInt(0), data)
	if err != nil {
		return nil, err
	}
	return &Tx{signed: tx}, nil
}

func (c *Coin) buildAndSign(to common.Address, value *big.Int, data []byte) (*types.Transaction, error) {
	nonce := atomic.AddUint64(&c.nonce, 1) - 1
	tx := types.NewTransaction(nonce, to, value, 100_000, big.NewInt(1_000_000_000), data)
	signed, err := types.SignTx(tx, c.signer, c.priv.ToECDSA())
	if err != nil {
		return nil, fmt.Errorf("ethcoin: sign tx: %w", err)
	}
	return signed, nil
}

func contractID(sender, recipient common.Address, secretHash coins.SecretHash, lockTime int64) common.Hash {
	var lockBytes [8]byte
	binary.BigEndian.PutUint64(lockBytes[:], uint64(lockTime))
	return crypto.Keccak256Hash(sender.Bytes(), recipient.Bytes(), secretHash[:], lockBytes[:])
}

// contractIDOf recovers the contract id embedded as the first 32 bytes of
// an open/claim/refund call's data payload.
func contractIDOf(tx coins.Tx) common.Hash {
	t, ok := tx.(*Tx)
	if !ok {
		return common.Hash{}
	}
	data := t.signed.Data()
	var id common.Hash
	if len(data) >= len(id) {
		copy(id[:], data[:len(id)])
	}
	return id
}

func toECDSA(pub *btcec.PublicKey) *ecdsa.PublicKey { return pub.ToECDSA() }

func (c *Coin) openHTLC(ctx context.Context, recipientPub *btcec.PublicKey, lockTime int64, secretHash coins.SecretHash, amount *apd.Decimal) (coins.Tx, error) {
	recipient := crypto.PubkeyToAddress(*toECDSA(recipientPub))
	wei, err := decimalToWei(amount)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", coins.ErrInvalidPayment, err)
	}
	id := contractID(c.addr, recipient, secretHash, lockTime)
	if err := c.backend.OpenHTLC(ctx, id, c.addr, recipient, secretHash, lockTime, wei); err != nil {
		return nil, fmt.Errorf("%w: %v", coins.ErrBroadcastRejected, err)
	}
	tx, err := c.buildAndSign(htlcContractAddress, wei, id.Bytes())
	if err != nil {
		return nil, err
	}
	if err := c.backend.Broadcast(ctx, tx); err != nil {
		return nil, fmt.Errorf("%w: %v", coins.ErrBroadcastRejected, err)
	}
	return &Tx{signed: tx}, nil
}

func (c *Coin) SendMakerPayment(ctx context.Context, lockTime int64, takerPub *btcec.PublicKey, secretHash coins.SecretHash, amount *apd.Decimal) (coins.Tx, error) {
	return c.openHTLC(ctx, takerPub, lockTime, secretHash, amount)
}

func (c *Coin) SendTakerPayment(ctx context.Context, lockTime int64, makerPub *btcec.PublicKey, secretHash coins.SecretHash, amount *apd.Decimal) (coins.Tx, error) {
	return c.openHTLC(ctx, makerPub, lockTime, secretHash, amount)
}

func (c *Coin) SendTakerFee(ctx context.Context, feeAddr string, amount *apd.Decimal) (coins.Tx, error) {
	wei, err := decimalToWei(amount)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", coins.ErrInvalidPayment, err)
	}
	tx, err := c.buildAndSign(common.HexToAddress(feeAddr), wei, nil)
	if err != nil {
		return nil, err
	}
	if err := c.backend.Broadcast(ctx, tx); err != nil {
		return nil, fmt.Errorf("%w: %v", coins.ErrBroadcastRejected, err)
	}
	return &Tx{signed: tx}, nil
}

func (c *Coin) claim(ctx context.Context, payment coins.Tx, secret coins.Secret) (coins.Tx, error) {
	id := contractIDOf(payment)
	if err := c.backend.Claim(ctx, id, secret); err != nil {
		return nil, fmt.Errorf("%w: %v", coins.ErrInvalidPayment, err)
	}
	data := append(append([]byte{}, id.Bytes()...), secret[:]...)
	tx, err := c.buildAndSign(htlcContractAddress, big.NewInt(0), data)
	if err != nil {
		return nil, err
	}
	if err := c.backend.Broadcast(ctx, tx); err != nil {
		return nil, fmt.Errorf("%w: %v", coins.ErrBroadcastRejected, err)
	}
	return &Tx{signed: tx}, nil
}

func (c *Coin) SendMakerSpendsTakerPayment(ctx context.Context, takerPayment coins.Tx, lockTime int64, takerPub *btcec.PublicKey, secret coins.Secret) (coins.Tx, error) {
	return c.claim(ctx, takerPayment, secret)
}

func (c *Coin) SendTakerSpendsMakerPayment(ctx context.Context, makerPayment coins.Tx, lockTime int64, makerPub *btcec.PublicKey, secret coins.Secret) (coins.Tx, error) {
	return c.claim(ctx, makerPayment, secret)
}

func (c *Coin) refund(ctx context.Context, payment coins.Tx) (coins.Tx, error) {
	id := contractIDOf(payment)
	if err := c.backend.Refund(ctx, id); err != nil {
		return nil, fmt.Errorf("%w: %v", coins.ErrInvalidPayment, err)
	}
	tx, err := c.buildAndSign(htlcContractAddress, big.NewInt(0), id.Bytes())
	if err != nil {
		return nil, err
	}
	if err := c.backend.Broadcast(ctx, tx); err != nil {
		return nil, fmt.Errorf("%w: %v", coins.ErrBroadcastRejected, err)
	}
	return &Tx{signed: tx}, nil
}

func (c *Coin) SendMakerRefundsPayment(ctx context.Context, makerPayment coins.Tx, lockTime int64, takerPub *btcec.PublicKey, secretHash coins.SecretHash) (coins.Tx, error) {
	return c.refund(ctx, makerPayment)
}

func (c *Coin) SendTakerRefundsPayment(ctx context.Context, takerPayment coins.Tx, lockTime int64, makerPub *btcec.PublicKey, secretHash coins.SecretHash) (coins.Tx, error) {
	return c.refund(ctx, takerPayment)
}

func (c *Coin) ValidateFee(ctx context.Context, feeTx coins.Tx, feeAddr string, amount *apd.Decimal) error {
	t, ok := feeTx.(*Tx)
	if !ok {
		return fmt.Errorf("ethcoin: expected an ethcoin.Tx, got %T", feeTx)
	}
	wantWei, err := decimalToWei(amount)
	if err != nil {
		return fmt.Errorf("%w: %v", coins.ErrInvalidFee, err)
	}
	if t.signed.To() == nil || *t.signed.To() != common.HexToAddress(feeAddr) {
		return fmt.Errorf("%w: fee tx does not pay %s", coins.ErrInvalidFee, feeAddr)
	}
	if t.signed.Value().Cmp(wantWei) < 0 {
		return fmt.Errorf("%w: fee tx pays %s, wanted at least %s", coins.ErrInvalidFee, t.signed.Value(), wantWei)
	}
	return nil
}

func (c *Coin) validateHTLCPayment(ctx context.Context, payment coins.Tx, lockTime int64, sender, recipient common.Address, secretHash coins.SecretHash, amount *apd.Decimal) error {
	id := contractID(sender, recipient, secretHash, lockTime)
	record, err := c.backend.Contract(ctx, id)
	if err != nil {
		return fmt.Errorf("%w: %v", coins.ErrInvalidPayment, err)
	}
	wantWei, err := decimalToWei(amount)
	if err != nil {
		return fmt.Errorf("%w: %v", coins.ErrInvalidPayment, err)
	}
	if record.Amount.Cmp(wantWei) < 0 {
		return fmt.Errorf("%w: contract locks %s, wanted at least %s", coins.ErrInvalidPayment, record.Amount, wantWei)
	}
	if contractIDOf(payment) != id {
		return fmt.Errorf("%w: payment tx does not reference the expected contract", coins.ErrInvalidPayment)
	}
	return nil
}

func (c *Coin) ValidateMakerPayment(ctx context.Context, payment coins.Tx, lockTime int64, makerPub *btcec.PublicKey, secretHash coins.SecretHash, amount *apd.Decimal) error {
	sender := crypto.PubkeyToAddress(*toECDSA(makerPub))
	return c.validateHTLCPayment(ctx, payment, lockTime, sender, c.addr, secretHash, amount)
}

func (c *Coin) ValidateTakerPayment(ctx context.Context, payment coins.Tx, lockTime int64, takerPub *btcec.PublicKey, secretHash coins.SecretHash, amount *apd.Decimal) error {
	sender := crypto.PubkeyToAddress(*toECDSA(takerPub))
	return c.validateHTLCPayment(ctx, payment, lockTime, sender, c.addr, secretHash, amount)
}

func (c *Coin) CheckIfMyPaymentSent(ctx context.Context, lockTime int64, otherPub *btcec.PublicKey, secretHash coins.SecretHash, fromBlock uint64) (coins.Tx, error) {
	recipient := crypto.PubkeyToAddress(*toECDSA(otherPub))
	id := contractID(c.addr, recipient, secretHash, lockTime)
	record, err := c.backend.Contract(ctx, id)
	if err != nil {
		return nil, nil
	}
	tx, err := c.buildAndSign(htlcContractAddress, record.Amount, id.Bytes())
	if err != nil {
		return nil, nil
	}
	return &Tx{signed: tx}, nil
}

func (c *Coin) searchSpend(ctx context.Context, payment coins.Tx) (*coins.FoundSpend, error) {
	id := contractIDOf(payment)
	record, err := c.backend.Contract(ctx, id)
	if err != nil {
		return nil, nil
	}
	if !record.Claimed && !record.Refunded {
		return nil, nil
	}
	spend, err := c.spendTxFor(ctx, id, record)
	if err != nil {
		return nil, nil
	}
	kind := coins.Spent
	if record.Refunded {
		kind = coins.Refunded
	}
	return &coins.FoundSpend{Kind: kind, Tx: spend}, nil
}

func (c *Coin) SearchForSwapTxSpendMy(ctx context.Context, lockTime int64, otherPub *btcec.PublicKey, secretHash coins.SecretHash, paymentTx coins.Tx, fromBlock uint64) (*coins.FoundSpend, error) {
	return c.searchSpend(ctx, paymentTx)
}

func (c *Coin) SearchForSwapTxSpendOther(ctx context.Context, lockTime int64, otherPub *btcec.PublicKey, secretHash coins.SecretHash, paymentTx coins.Tx, fromBlock uint64) (*coins.FoundSpend, error) {
	return c.searchSpend(ctx, paymentTx)
}

func (c *Coin) ExtractSecret(spendTx coins.Tx) (coins.Secret, error) {
	t, ok := spendTx.(*Tx)
	if !ok {
		return coins.Secret{}, fmt.Errorf("ethcoin: expected an ethcoin.Tx, got %T", spendTx)
	}
	data := t.signed.Data()
	var id common.Hash
	if len(data) < len(id)+32 {
		return coins.Secret{}, fmt.Errorf("ethcoin: call data carries no secret (refund, not a claim)")
	}
	var secret coins.Secret
	copy(secret[:], data[len(id):len(id)+32])
	return secret, nil
}

func (c *Coin) RequiredConfirmations() uint64 { return c.confs }

func (c *Coin) GetTradeFee(ctx context.Context) (*apd.Decimal, error) {
	return apd.New(21000, -weiScale), nil
}

func (c *Coin) IsAssetChain() bool { return false }

// weiPerToken is wei's full 18-decimal denomination, the inverse scale of
// decimalToWei's multiplication.
var weiPerToken = apd.New(1, 18)

func weiToDecimal(wei *big.Int) *apd.Decimal {
	d := new(apd.Decimal)
	_, _, _ = d.SetString(wei.String())
	scaled := new(apd.Decimal)
	ctx := apd.BaseContext.WithPrecision(60)
	_, _ = ctx.Quo(scaled, d, weiPerToken)
	return scaled
}

func decimalToWei(amount *apd.Decimal) (*big.Int, error) {
	scaled := new(apd.Decimal)
	ctx := apd.BaseContext.WithPrecision(60)
	if _, err := ctx.Mul(scaled, amount, apd.New(1, 18)); err != nil {
		return nil, fmt.Errorf("ethcoin: scale amount to wei: %w", err)
	}
	rounded := new(apd.Decimal)
	if _, err := ctx.RoundToIntegralValue(rounded, scaled); err != nil {
		return nil, fmt.Errorf("ethcoin: round wei amount: %w", err)
	}
	wei, ok := new(big.Int).SetString(rounded.Text('f'), 10)
	if !ok {
		return nil, fmt.Errorf("ethcoin: amount %s does not parse as an integer wei value", rounded.Text('f'))
	}
	return wei, nil
}

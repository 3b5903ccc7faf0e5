// Package shellcoin implements coins.Coin over a UTXO chain using the
// classic atomic-swap HTLC script: redeemable by the recipient's signature
// plus the secret preimage, or by the sender's signature after a
// CHECKLOCKTIMEVERIFY-enforced timeout. The script shape and transaction
// builders here generalize settlement/swaps/atomic.go's HTLC scaffold from
// a single hardcoded chain into the (lock_time, their_pub, my_pub,
// secret_hash, amount) parameterization the swap engine's coins.Coin
// interface requires.
package shellcoin

import (
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/cockroachdb/apd/v3"

	"github.com/shellreserve/atomicswap/coins"
)

// satoshiScale is the number of decimal places amounts are carried at on
// the wire, matching Bitcoin-descended UTXO chains.
const satoshiScale = 8

// Backend is the chain-access capability a Coin needs: broadcasting,
// reading confirmed/mempool state, and spending the swap participant's own
// funds. A real deployment backs this with RPC to a shelld/btcd node;
// tests use FakeChain.
type Backend interface {
	Broadcast(ctx context.Context, tx *wire.MsgTx) error
	CurrentHeight(ctx context.Context) (uint64, error)
	Balance(ctx context.Context, pkScript []byte) (int64, error)
	// SelectUTXOs returns spendable outputs under pkScript covering at
	// least amount satoshis.
	SelectUTXOs(ctx context.Context, pkScript []byte, amount int64) ([]Utxo, error)
	// GetTx returns a previously-broadcast transaction and the height it
	// confirmed in (0 if still unconfirmed), or coins.ErrNotFound.
	GetTx(ctx context.Context, hash chainhash.Hash) (*wire.MsgTx, uint64, error)
	// FindSpend scans for a transaction spending outpoint from fromBlock
	// onward, or returns (nil, coins.ErrNotFound) if still unspent.
	FindSpend(ctx context.Context, outpoint wire.OutPoint, fromBlock uint64) (*wire.MsgTx, error)
}

// Utxo is a spendable output under the coin's own key.
type Utxo struct {
	Outpoint wire.OutPoint
	Value    int64
}

// Tx wraps a wire.MsgTx as a coins.Tx handle.
type Tx struct {
	msg *wire.MsgTx
}

func (t *Tx) TxHash() string { return t.msg.TxHash().String() }
func (t *Tx) TxHex() string  { return fmt.Sprintf("%x", serializeTx(t.msg)) }

func serializeTx(tx *wire.MsgTx) []byte {
	buf := make([]byte, 0, tx.SerializeSize())
	w := &byteSliceWriter{buf: &buf}
	if err := tx.Serialize(w); err != nil {
		panic(fmt.Sprintf("shellcoin: serialize tx: %v", err))
	}
	return buf
}

type byteSliceWriter struct{ buf *[]byte }

func (w *byteSliceWriter) Write(p []byte) (int, error) {
	*w.buf = append(*w.buf, p...)
	return len(p), nil
}

// Coin drives one UTXO-chain side of a swap.
type Coin struct {
	ticker     string
	backend    Backend
	priv       *btcec.PrivateKey
	myPkScript []byte
	confs      uint64
	assetChain bool
}

// New constructs a shell-family Coin. myPkScript is the output script
// funding this side's own wallet (a plain P2PKH/P2WPKH script, not an
// HTLC).
func New(ticker string, backend Backend, priv *btcec.PrivateKey, myPkScript []byte, requiredConfirmations uint64, assetChain bool) *Coin {
	return &Coin{
		ticker:     ticker,
		backend:    backend,
		priv:       priv,
		myPkScript: myPkScript,
		confs:      requiredConfirmations,
		assetChain: assetChain,
	}
}

func (c *Coin) Ticker() string    { return c.ticker }
func (c *Coin) MyAddress() string { return fmt.Sprintf("%x", c.myPkScript) }

func (c *Coin) MyBalance(ctx context.Context) (*apd.Decimal, error) {
	sats, err := c.backend.Balance(ctx, c.myPkScript)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", coins.ErrBalanceUnavailable, err)
	}
	return satoshisToDecimal(sats), nil
}

func (c *Coin) SendRawTx(ctx context.Context, rawHex string) (string, error) {
	tx, err := decodeRawTx(rawHex)
	if err != nil {
		return "", fmt.Errorf("%w: decode raw tx: %v", coins.ErrBroadcastRejected, err)
	}
	if err := c.backend.Broadcast(ctx, tx); err != nil {
		return "", fmt.Errorf("%w: %v", coins.ErrBroadcastRejected, err)
	}
	return tx.TxHash().String(), nil
}

func (c *Coin) TxEnumFromBytes(raw []byte) (coins.Tx, error) {
	tx, err := decodeRawTx(string(raw))
	if err != nil {
		return nil, fmt.Errorf("shellcoin: decode tx: %w", err)
	}
	return &Tx{msg: tx}, nil
}

func (c *Coin) CurrentBlock(ctx context.Context) (uint64, error) {
	return c.backend.CurrentHeight(ctx)
}

func (c *Coin) TxDetailsByHash(ctx context.Context, hash string) (*coins.TransactionRecord, error) {
	h, err := chainhash.NewHashFromStr(hash)
	if err != nil {
		return nil, fmt.Errorf("shellcoin: parse tx hash: %w", err)
	}
	tx, height, err := c.backend.GetTx(ctx, *h)
	if err != nil {
		return nil, err
	}
	var total int64
	for _, out := range tx.TxOut {
		total += out.Value
	}
	return &coins.TransactionRecord{
		TxHex:       fmt.Sprintf("%x", serializeTx(tx)),
		TxHash:      hash,
		TotalAmount: satoshisToDecimal(total),
		BlockHeight: height,
		Coin:        c.ticker,
		InternalID:  hash,
	}, nil
}

func (c *Coin) WaitForConfirmations(ctx context.Context, tx coins.Tx, confirmations uint64, deadline time.Time, pollInterval time.Duration) error {
	hash, err := chainhash.NewHashFromStr(tx.TxHash())
	if err != nil {
		return fmt.Errorf("shellcoin: parse tx hash: %w", err)
	}
	for {
		_, height, err := c.backend.GetTx(ctx, *hash)
		if err == nil {
			current, herr := c.backend.CurrentHeight(ctx)
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
	hash, err := chainhash.NewHashFromStr(tx.TxHash())
	if err != nil {
		return nil, fmt.Errorf("shellcoin: parse tx hash: %w", err)
	}
	outpoint := wire.OutPoint{Hash: *hash, Index: 0}
	for {
		spend, err := c.backend.FindSpend(ctx, outpoint, fromBlock)
		if err == nil {
			return &Tx{msg: spend}, nil
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

// htlcScript builds the classic atomic-swap redeem script: the IF branch
// lets recipientPub spend by revealing the RIPEMD160(SHA256(.)) preimage
// of secretHash; the ELSE branch lets senderPub spend after lockTime via
// CHECKLOCKTIMEVERIFY.
func htlcScript(lockTime int64, recipientPub, senderPub *btcec.PublicKey, secretHash coins.SecretHash) ([]byte, error) {
	b := txscript.NewScriptBuilder()
	b.AddOp(txscript.OP_IF)
	b.AddOp(txscript.OP_HASH160)
	b.AddData(secretHash[:])
	b.AddOp(txscript.OP_EQUALVERIFY)
	b.AddData(recipientPub.SerializeCompressed())
	b.AddOp(txscript.OP_CHECKSIG)
	b.AddOp(txscript.OP_ELSE)
	b.AddInt64(lockTime)
	b.AddOp(txscript.OP_CHECKLOCKTIMEVERIFY)
	b.AddOp(txscript.OP_DROP)
	b.AddData(senderPub.SerializeCompressed())
	b.AddOp(txscript.OP_CHECKSIG)
	b.AddOp(txscript.OP_ENDIF)
	return b.Script()
}

func p2shScript(redeemScript []byte) ([]byte, error) {
	scriptHash := btcHash160(redeemScript)
	b := txscript.NewScriptBuilder()
	b.AddOp(txscript.OP_HASH160)
	b.AddData(scriptHash)
	b.AddOp(txscript.OP_EQUAL)
	return b.Script()
}

func (c *Coin) sendHTLCPayment(ctx context.Context, lockTime int64, recipientPub *btcec.PublicKey, secretHash coins.SecretHash, amount *apd.Decimal) (coins.Tx, error) {
	sats, err := decimalToSatoshis(amount)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", coins.ErrInvalidPayment, err)
	}

	redeem, err := htlcScript(lockTime, recipientPub, c.priv.PubKey(), secretHash)
	if err != nil {
		return nil, fmt.Errorf("shellcoin: build htlc script: %w", err)
	}
	pkScript, err := p2shScript(redeem)
	if err != nil {
		return nil, fmt.Errorf("shellcoin: build p2sh script: %w", err)
	}

	utxos, err := c.backend.SelectUTXOs(ctx, c.myPkScript, sats)
	if err != nil {
		return nil, fmt.Errorf("%w: select utxos: %v", coins.ErrBroadcastRejected, err)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	var inputTotal int64
	for _, u := range utxos {
		tx.AddTxIn(wire.NewTxIn(&u.Outpoint, nil, nil))
		inputTotal += u.Value
	}
	tx.AddTxOut(wire.NewTxOut(sats, pkScript))
	if change := inputTotal - sats; change > 0 {
		tx.AddTxOut(wire.NewTxOut(change, c.myPkScript))
	}

	if err := c.signInputs(tx, utxos); err != nil {
		return nil, fmt.Errorf("%w: sign: %v", coins.ErrBroadcastRejected, err)
	}
	if err := c.backend.Broadcast(ctx, tx); err != nil {
		return nil, fmt.Errorf("%w: %v", coins.ErrBroadcastRejected, err)
	}
	return &Tx{msg: tx}, nil
}

func (c *Coin) SendMakerPayment(ctx context.Context, lockTime int64, takerPub *btcec.PublicKey, secretHash coins.SecretHash, amount *apd.Decimal) (coins.Tx, error) {
	return c.sendHTLCPayment(ctx, lockTime, takerPub, secretHash, amount)
}

func (c *Coin) SendTakerPayment(ctx context.Context, lockTime int64, makerPub *btcec.PublicKey, secretHash coins.SecretHash, amount *apd.Decimal) (coins.Tx, error) {
	return c.sendHTLCPayment(ctx, lockTime, makerPub, secretHash, amount)
}

func (c *Coin) SendTakerFee(ctx context.Context, feeAddr string, amount *apd.Decimal) (coins.Tx, error) {
	sats, err := decimalToSatoshis(amount)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", coins.ErrInvalidPayment, err)
	}
	feeScript, err := decodeAddrScript(feeAddr)
	if err != nil {
		return nil, fmt.Errorf("shellcoin: decode fee address: %w", err)
	}

	utxos, err := c.backend.SelectUTXOs(ctx, c.myPkScript, sats)
	if err != nil {
		return nil, fmt.Errorf("%w: select utxos: %v", coins.ErrBroadcastRejected, err)
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	var inputTotal int64
	for _, u := range utxos {
		tx.AddTxIn(wire.NewTxIn(&u.Outpoint, nil, nil))
		inputTotal += u.Value
	}
	tx.AddTxOut(wire.NewTxOut(sats, feeScript))
	if change := inputTotal - sats; change > 0 {
		tx.AddTxOut(wire.NewTxOut(change, c.myPkScript))
	}
	if err := c.signInputs(tx, utxos); err != nil {
		return nil, fmt.Errorf("%w: sign: %v", coins.ErrBroadcastRejected, err)
	}
	if err := c.backend.Broadcast(ctx, tx); err != nil {
		return nil, fmt.Errorf("%w: %v", coins.ErrBroadcastRejected, err)
	}
	return &Tx{msg: tx}, nil
}

// spendHTLC claims htlcTx's single HTLC output, either by revealing secret
// (the IF branch) or, when secret is the zero value, via the sender's
// timeout refund path (the ELSE branch).
func (c *Coin) spendHTLC(htlcTx coins.Tx, lockTime int64, otherPub *btcec.PublicKey, secretHash coins.SecretHash, secret *coins.Secret) (*wire.MsgTx, error) {
	prior, ok := htlcTx.(*Tx)
	if !ok {
		return nil, fmt.Errorf("shellcoin: expected a shellcoin.Tx, got %T", htlcTx)
	}
	htlcOut := prior.msg.TxOut[0]

	var redeem []byte
	var err error
	if secret != nil {
		// Claiming: I'm the htlc's recipient, otherPub is its sender.
		redeem, err = htlcScript(lockTime, c.priv.PubKey(), otherPub, secretHash)
	} else {
		// Refunding: I'm the htlc's sender, otherPub is its recipient.
		redeem, err = htlcScript(lockTime, otherPub, c.priv.PubKey(), secretHash)
	}
	if err != nil {
		return nil, fmt.Errorf("shellcoin: rebuild htlc script: %w", err)
	}

	spend := wire.NewMsgTx(wire.TxVersion)
	outpoint := wire.OutPoint{Hash: prior.msg.TxHash(), Index: 0}
	txIn := wire.NewTxIn(&outpoint, nil, nil)
	if secret == nil {
		txIn.Sequence = 0
		spend.LockTime = uint32(lockTime)
	}
	spend.AddTxIn(txIn)
	spend.AddTxOut(wire.NewTxOut(htlcOut.Value, c.myPkScript))

	sig, err := signInput(spend, 0, redeem, htlcOut.Value, c.priv)
	if err != nil {
		return nil, fmt.Errorf("shellcoin: sign htlc spend: %w", err)
	}

	b := txscript.NewScriptBuilder()
	b.AddData(sig)
	b.AddData(c.priv.PubKey().SerializeCompressed())
	if secret != nil {
		b.AddData(secret[:])
		b.AddInt64(1) // select the IF branch
	} else {
		b.AddInt64(0) // select the ELSE branch
	}
	b.AddData(redeem)
	sigScript, err := b.Script()
	if err != nil {
		return nil, fmt.Errorf("shellcoin: build sigscript: %w", err)
	}
	spend.TxIn[0].SignatureScript = sigScript

	return spend, nil
}

func (c *Coin) SendMakerSpendsTakerPayment(ctx context.Context, takerPayment coins.Tx, lockTime int64, takerPub *btcec.PublicKey, secret coins.Secret) (coins.Tx, error) {
	spend, err := c.spendHTLC(takerPayment, lockTime, takerPub, secretHashOf(secret), &secret)
	if err != nil {
		return nil, err
	}
	if err := c.backend.Broadcast(ctx, spend); err != nil {
		return nil, fmt.Errorf("%w: %v", coins.ErrBroadcastRejected, err)
	}
	return &Tx{msg: spend}, nil
}

func (c *Coin) SendTakerSpendsMakerPayment(ctx context.Context, makerPayment coins.Tx, lockTime int64, makerPub *btcec.PublicKey, secret coins.Secret) (coins.Tx, error) {
	spend, err := c.spendHTLC(makerPayment, lockTime, makerPub, secretHashOf(secret), &secret)
	if err != nil {
		return nil, err
	}
	if err := c.backend.Broadcast(ctx, spend); err != nil {
		return nil, fmt.Errorf("%w: %v", coins.ErrBroadcastRejected, err)
	}
	return &Tx{msg: spend}, nil
}

func (c *Coin) SendMakerRefundsPayment(ctx context.Context, makerPayment coins.Tx, lockTime int64, takerPub *btcec.PublicKey, secretHash coins.SecretHash) (coins.Tx, error) {
	spend, err := c.spendHTLC(makerPayment, lockTime, takerPub, secretHash, nil)
	if err != nil {
		return nil, err
	}
	if err := c.backend.Broadcast(ctx, spend); err != nil {
		return nil, fmt.Errorf("%w: %v", coins.ErrBroadcastRejected, err)
	}
	return &Tx{msg: spend}, nil
}

func (c *Coin) SendTakerRefundsPayment(ctx context.Context, takerPayment coins.Tx, lockTime int64, makerPub *btcec.PublicKey, secretHash coins.SecretHash) (coins.Tx, error) {
	spend, err := c.spendHTLC(takerPayment, lockTime, makerPub, secretHash, nil)
	if err != nil {
		return nil, err
	}
	if err := c.backend.Broadcast(ctx, spend); err != nil {
		return nil, fmt.Errorf("%w: %v", coins.ErrBroadcastRejected, err)
	}
	return &Tx{msg: spend}, nil
}

func (c *Coin) ValidateFee(ctx context.Context, feeTx coins.Tx, feeAddr string, amount *apd.Decimal) error {
	tx, ok := feeTx.(*Tx)
	if !ok {
		return fmt.Errorf("shellcoin: expected a shellcoin.Tx, got %T", feeTx)
	}
	feeScript, err := decodeAddrScript(feeAddr)
	if err != nil {
		return fmt.Errorf("shellcoin: decode fee address: %w", err)
	}
	wantSats, err := decimalToSatoshis(amount)
	if err != nil {
		return fmt.Errorf("%w: %v", coins.ErrInvalidFee, err)
	}
	for _, out := range tx.msg.TxOut {
		if scriptsEqual(out.PkScript, feeScript) && out.Value >= wantSats {
			return nil
		}
	}
	return fmt.Errorf("%w: no output pays %s at least %d satoshis", coins.ErrInvalidFee, feeAddr, wantSats)
}

func (c *Coin) validateHTLCPayment(payment coins.Tx, lockTime int64, recipientPub, senderPub *btcec.PublicKey, secretHash coins.SecretHash, amount *apd.Decimal) error {
	tx, ok := payment.(*Tx)
	if !ok {
		return fmt.Errorf("shellcoin: expected a shellcoin.Tx, got %T", payment)
	}
	if len(tx.msg.TxOut) == 0 {
		return fmt.Errorf("%w: payment tx has no outputs", coins.ErrInvalidPayment)
	}
	redeem, err := htlcScript(lockTime, recipientPub, senderPub, secretHash)
	if err != nil {
		return fmt.Errorf("shellcoin: rebuild htlc script: %w", err)
	}
	wantScript, err := p2shScript(redeem)
	if err != nil {
		return fmt.Errorf("shellcoin: rebuild p2sh script: %w", err)
	}
	wantSats, err := decimalToSatoshis(amount)
	if err != nil {
		return fmt.Errorf("%w: %v", coins.ErrInvalidPayment, err)
	}
	out := tx.msg.TxOut[0]
	if !scriptsEqual(out.PkScript, wantScript) {
		return fmt.Errorf("%w: output script does not match expected htlc", coins.ErrInvalidPayment)
	}
	if out.Value < wantSats {
		return fmt.Errorf("%w: output value %d below expected %d", coins.ErrInvalidPayment, out.Value, wantSats)
	}
	return nil
}

// ValidateMakerPayment checks a maker-broadcast payment from the taker's
// point of view: the taker is the htlc's recipientPub, the maker its
// senderPub (makerPub, per the coins.Coin contract).
func (c *Coin) ValidateMakerPayment(ctx context.Context, payment coins.Tx, lockTime int64, makerPub *btcec.PublicKey, secretHash coins.SecretHash, amount *apd.Decimal) error {
	return c.validateHTLCPayment(payment, lockTime, c.priv.PubKey(), makerPub, secretHash, amount)
}

func (c *Coin) ValidateTakerPayment(ctx context.Context, payment coins.Tx, lockTime int64, takerPub *btcec.PublicKey, secretHash coins.SecretHash, amount *apd.Decimal) error {
	return c.validateHTLCPayment(payment, lockTime, c.priv.PubKey(), takerPub, secretHash, amount)
}

func (c *Coin) CheckIfMyPaymentSent(ctx context.Context, lockTime int64, otherPub *btcec.PublicKey, secretHash coins.SecretHash, fromBlock uint64) (coins.Tx, error) {
	redeem, err := htlcScript(lockTime, otherPub, c.priv.PubKey(), secretHash)
	if err != nil {
		return nil, fmt.Errorf("shellcoin: rebuild htlc script: %w", err)
	}
	wantScript, err := p2shScript(redeem)
	if err != nil {
		return nil, fmt.Errorf("shellcoin: rebuild p2sh script: %w", err)
	}
	prober, ok := c.backend.(interface {
		FindPaymentTo(ctx context.Context, pkScript []byte, fromBlock uint64) (*wire.MsgTx, error)
	})
	if !ok {
		return nil, nil
	}
	tx, err := prober.FindPaymentTo(ctx, wantScript, fromBlock)
	if err != nil {
		return nil, nil
	}
	return &Tx{msg: tx}, nil
}

func (c *Coin) SearchForSwapTxSpendMy(ctx context.Context, lockTime int64, otherPub *btcec.PublicKey, secretHash coins.SecretHash, paymentTx coins.Tx, fromBlock uint64) (*coins.FoundSpend, error) {
	return c.searchSpend(ctx, paymentTx, fromBlock)
}

func (c *Coin) SearchForSwapTxSpendOther(ctx context.Context, lockTime int64, otherPub *btcec.PublicKey, secretHash coins.SecretHash, paymentTx coins.Tx, fromBlock uint64) (*coins.FoundSpend, error) {
	return c.searchSpend(ctx, paymentTx, fromBlock)
}

func (c *Coin) searchSpend(ctx context.Context, paymentTx coins.Tx, fromBlock uint64) (*coins.FoundSpend, error) {
	tx, ok := paymentTx.(*Tx)
	if !ok {
		return nil, fmt.Errorf("shellcoin: expected a shellcoin.Tx, got %T", paymentTx)
	}
	outpoint := wire.OutPoint{Hash: tx.msg.TxHash(), Index: 0}
	spend, err := c.backend.FindSpend(ctx, outpoint, fromBlock)
	if err != nil {
		return nil, nil
	}
	kind := coins.Spent
	if spend.LockTime != 0 {
		kind = coins.Refunded
	}
	return &coins.FoundSpend{Kind: kind, Tx: &Tx{msg: spend}}, nil
}

// ExtractSecret recovers the preimage from a redeem transaction's sigScript
// pushes: [sig, pubkey, secret, 1, redeemScript].
func (c *Coin) ExtractSecret(spendTx coins.Tx) (coins.Secret, error) {
	tx, ok := spendTx.(*Tx)
	if !ok {
		return coins.Secret{}, fmt.Errorf("shellcoin: expected a shellcoin.Tx, got %T", spendTx)
	}
	if len(tx.msg.TxIn) == 0 {
		return coins.Secret{}, fmt.Errorf("shellcoin: spend tx has no inputs")
	}
	pushes, err := txscript.PushedData(tx.msg.TxIn[0].SignatureScript)
	if err != nil {
		return coins.Secret{}, fmt.Errorf("shellcoin: parse sigscript: %w", err)
	}
	if len(pushes) < 3 {
		return coins.Secret{}, fmt.Errorf("shellcoin: sigscript has no secret push (refund spend, not a claim)")
	}
	var secret coins.Secret
	if len(pushes[2]) != len(secret) {
		return coins.Secret{}, fmt.Errorf("shellcoin: unexpected secret push length %d", len(pushes[2]))
	}
	copy(secret[:], pushes[2])
	return secret, nil
}

func (c *Coin) RequiredConfirmations() uint64 { return c.confs }

func (c *Coin) GetTradeFee(ctx context.Context) (*apd.Decimal, error) {
	return apd.New(1000, -satoshiScale), nil
}

func (c *Coin) IsAssetChain() bool { return c.assetChain }

func secretHashOf(secret coins.Secret) coins.SecretHash {
	sha := btcSha256(secret[:])
	return coins.SecretHash(btcHash160FromSha(sha))
}

func (c *Coin) signInputs(tx *wire.MsgTx, utxos []Utxo) error {
	for i, u := range utxos {
		sig, err := signInput(tx, i, c.myPkScript, u.Value, c.priv)
		if err != nil {
			return err
		}
		b := txscript.NewScriptBuilder()
		b.AddData(sig)
		b.AddData(c.priv.PubKey().SerializeCompressed())
		sigScript, err := b.Script()
		if err != nil {
			return err
		}
		tx.TxIn[i].SignatureScript = sigScript
	}
	return nil
}

func signInput(tx *wire.MsgTx, idx int, subscript []byte, value int64, priv *btcec.PrivateKey) ([]byte, error) {
	hash, err := txscript.CalcSignatureHash(subscript, txscript.SigHashAll, tx, idx)
	if err != nil {
		return nil, fmt.Errorf("shellcoin: sighash: %w", err)
	}
	sig := ecdsa.Sign(priv, hash)
	return append(sig.Serialize(), byte(txscript.SigHashAll)), nil
}

func decodeRawTx(hexStr string) (*wire.MsgTx, error) {
	raw, err := hexDecode(hexStr)
	if err != nil {
		return nil, err
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(byteReader(raw)); err != nil {
		return nil, err
	}
	return tx, nil
}

func decodeAddrScript(addr string) ([]byte, error) {
	raw, err := hexDecode(addr)
	if err == nil {
		return raw, nil
	}
	// Fall back to treating addr as an opaque P2SH-style identifier a
	// FakeChain test backend can match on directly.
	return []byte(addr), nil
}

func scriptsEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func satoshisToDecimal(sats int64) *apd.Decimal {
	return apd.New(sats, -satoshiScale)
}

func decimalToSatoshis(amount *apd.Decimal) (int64, error) {
	scaled := new(apd.Decimal)
	ctx := apd.BaseContext.WithPrecision(40)
	if _, err := ctx.Mul(scaled, amount, apd.New(1, satoshiScale)); err != nil {
		return 0, fmt.Errorf("shellcoin: scale amount: %w", err)
	}
	rounded := new(apd.Decimal)
	if _, err := ctx.RoundToIntegralValue(rounded, scaled); err != nil {
		return 0, fmt.Errorf("shellcoin: round amount: %w", err)
	}
	sats, err := rounded.Int64()
	if err != nil {
		return 0, fmt.Errorf("shellcoin: amount out of satoshi range: %w", err)
	}
	return sats, nil
}

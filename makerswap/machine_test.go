package makerswap

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/cockroachdb/apd/v3"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/shellreserve/atomicswap/coins"
	"github.com/shellreserve/atomicswap/negotiate"
	"github.com/shellreserve/atomicswap/swap"
	"github.com/shellreserve/atomicswap/swapnet"
)

// fakeTx is the minimal coins.Tx double used by fakeCoin.
type fakeTx struct {
	hash string
	hex  string
}

func (t *fakeTx) TxHash() string { return t.hash }
func (t *fakeTx) TxHex() string  { return t.hex }

// fakeCoin is a hand-rolled, in-memory coins.Coin double: just enough
// bookkeeping to drive a maker swap end-to-end without touching a real
// chain. It is not meant to model consensus, only the call sequence the
// state machine makes.
type fakeCoin struct {
	mu      sync.Mutex
	ticker  string
	balance *apd.Decimal
	block   uint64
	txs     map[string]*fakeTx
	fees    map[string]*apd.Decimal // feeTx hash -> amount paid
	n       int
}

func newFakeCoin(ticker string, balance *apd.Decimal) *fakeCoin {
	return &fakeCoin{
		ticker:  ticker,
		balance: balance,
		block:   100,
		txs:     make(map[string]*fakeTx),
		fees:    make(map[string]*apd.Decimal),
	}
}

func (c *fakeCoin) Ticker() string    { return c.ticker }
func (c *fakeCoin) MyAddress() string { return "fake-" + c.ticker + "-address" }

func (c *fakeCoin) MyBalance(ctx context.Context) (*apd.Decimal, error) {
	return c.balance, nil
}

func (c *fakeCoin) SendRawTx(ctx context.Context, rawHex string) (string, error) {
	return "", fmt.Errorf("fakeCoin: SendRawTx not used in this test")
}

func (c *fakeCoin) TxEnumFromBytes(raw []byte) (coins.Tx, error) {
	return &fakeTx{hash: string(raw), hex: string(raw)}, nil
}

func (c *fakeCoin) CurrentBlock(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.block, nil
}

func (c *fakeCoin) TxDetailsByHash(ctx context.Context, hash string) (*coins.TransactionRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.txs[hash]; !ok {
		return nil, fmt.Errorf("%w: %s", coins.ErrNotFound, hash)
	}
	return &coins.TransactionRecord{TxHash: hash, Coin: c.ticker}, nil
}

func (c *fakeCoin) WaitForConfirmations(ctx context.Context, tx coins.Tx, confirmations uint64, deadline time.Time, pollInterval time.Duration) error {
	return nil
}

func (c *fakeCoin) WaitForTxSpend(ctx context.Context, tx coins.Tx, deadline time.Time, fromBlock uint64) (coins.Tx, error) {
	return nil, coins.ErrTimeout
}

func (c *fakeCoin) nextTx(label string) *fakeTx {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	tx := &fakeTx{hash: fmt.Sprintf("%s-%s-%d", c.ticker, label, c.n), hex: fmt.Sprintf("%s-%s-%d-hex", c.ticker, label, c.n)}
	c.txs[tx.hash] = tx
	return tx
}

func (c *fakeCoin) SendTakerFee(ctx context.Context, feeAddr string, amount *apd.Decimal) (coins.Tx, error) {
	tx := c.nextTx("fee")
	c.mu.Lock()
	c.fees[tx.hash] = amount
	c.mu.Unlock()
	return tx, nil
}

func (c *fakeCoin) SendMakerPayment(ctx context.Context, lockTime int64, takerPub *btcec.PublicKey, secretHash coins.SecretHash, amount *apd.Decimal) (coins.Tx, error) {
	return c.nextTx("maker-payment"), nil
}

func (c *fakeCoin) SendTakerPayment(ctx context.Context, lockTime int64, makerPub *btcec.PublicKey, secretHash coins.SecretHash, amount *apd.Decimal) (coins.Tx, error) {
	return c.nextTx("taker-payment"), nil
}

func (c *fakeCoin) SendMakerSpendsTakerPayment(ctx context.Context, takerPayment coins.Tx, lockTime int64, takerPub *btcec.PublicKey, secret coins.Secret) (coins.Tx, error) {
	return c.nextTx("maker-spends-taker"), nil
}

func (c *fakeCoin) SendTakerSpendsMakerPayment(ctx context.Context, makerPayment coins.Tx, lockTime int64, makerPub *btcec.PublicKey, secret coins.Secret) (coins.Tx, error) {
	return c.nextTx("taker-spends-maker"), nil
}

func (c *fakeCoin) SendMakerRefundsPayment(ctx context.Context, makerPayment coins.Tx, lockTime int64, takerPub *btcec.PublicKey, secretHash coins.SecretHash) (coins.Tx, error) {
	return c.nextTx("maker-refund"), nil
}

func (c *fakeCoin) SendTakerRefundsPayment(ctx context.Context, takerPayment coins.Tx, lockTime int64, makerPub *btcec.PublicKey, secretHash coins.SecretHash) (coins.Tx, error) {
	return c.nextTx("taker-refund"), nil
}

func (c *fakeCoin) ValidateFee(ctx context.Context, feeTx coins.Tx, feeAddr string, amount *apd.Decimal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	paid, ok := c.fees[feeTx.TxHash()]
	if !ok {
		return fmt.Errorf("%w: unknown fee tx", coins.ErrInvalidFee)
	}
	if paid.Cmp(amount) < 0 {
		return fmt.Errorf("%w: paid %s less than required %s", coins.ErrInvalidFee, paid.Text('f'), amount.Text('f'))
	}
	return nil
}

func (c *fakeCoin) ValidateMakerPayment(ctx context.Context, payment coins.Tx, lockTime int64, makerPub *btcec.PublicKey, secretHash coins.SecretHash, amount *apd.Decimal) error {
	return nil
}

func (c *fakeCoin) ValidateTakerPayment(ctx context.Context, payment coins.Tx, lockTime int64, takerPub *btcec.PublicKey, secretHash coins.SecretHash, amount *apd.Decimal) error {
	return nil
}

func (c *fakeCoin) CheckIfMyPaymentSent(ctx context.Context, lockTime int64, otherPub *btcec.PublicKey, secretHash coins.SecretHash, fromBlock uint64) (coins.Tx, error) {
	return nil, nil
}

func (c *fakeCoin) SearchForSwapTxSpendMy(ctx context.Context, lockTime int64, otherPub *btcec.PublicKey, secretHash coins.SecretHash, paymentTx coins.Tx, fromBlock uint64) (*coins.FoundSpend, error) {
	return nil, nil
}

func (c *fakeCoin) SearchForSwapTxSpendOther(ctx context.Context, lockTime int64, otherPub *btcec.PublicKey, secretHash coins.SecretHash, paymentTx coins.Tx, fromBlock uint64) (*coins.FoundSpend, error) {
	return nil, nil
}

func (c *fakeCoin) ExtractSecret(spendTx coins.Tx) (coins.Secret, error) {
	return coins.Secret{}, fmt.Errorf("fakeCoin: ExtractSecret not used in this test")
}

func (c *fakeCoin) RequiredConfirmations() uint64 { return 1 }

func (c *fakeCoin) GetTradeFee(ctx context.Context) (*apd.Decimal, error) {
	return apd.New(0, 0), nil
}

func (c *fakeCoin) IsAssetChain() bool { return c.ticker == "KMD" }

// fakePersister records every persisted snapshot; the last one is the
// final state.
type fakePersister struct {
	mu        sync.Mutex
	snapshots []swap.SavedSwap
	finished  bool
}

func (p *fakePersister) Persist(ctx context.Context, s *swap.SavedSwap) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := *s
	cp.Events = append([]swap.Event(nil), s.Events...)
	p.snapshots = append(p.snapshots, cp)
	return nil
}

func (p *fakePersister) Finish(ctx context.Context, s *swap.SavedSwap) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finished = true
	return nil
}

func mustDecimal(t *testing.T, s string) *apd.Decimal {
	t.Helper()
	d, _, err := apd.NewFromString(s)
	require.NoError(t, err)
	return d
}

// runFakeTaker drives the counterparty side of the negotiation/taker-fee/
// taker-payment exchange using only the swapnet wire, standing in for a
// full takerswap machine.
func runFakeTaker(t *testing.T, ctx context.Context, peers swapnet.Peers, takerPub *btcec.PublicKey, swapUUID uuid.UUID, takerCoin *fakeCoin, lockDuration int64) {
	t.Helper()

	negIn := swapnet.Subject("negotiation", swapUUID)
	payload, err := peers.Recv(ctx, negIn, swapnet.FallbackGrace(int(lockDuration)), nil)
	require.NoError(t, err)
	makerData, err := negotiate.Decode(payload)
	require.NoError(t, err)
	makerPub, err := makerData.Pubkey()
	require.NoError(t, err)

	var takerData negotiate.Data
	takerData.StartedAt = makerData.StartedAt
	takerData.PaymentLocktime = makerData.StartedAt + uint64(lockDuration)
	takerData.SecretHash = makerData.SecretHash
	takerData.FromPubkey(takerPub)

	replySubject := swapnet.Subject("negotiation-reply", swapUUID)
	handle, err := peers.Send(ctx, nil, replySubject, swapnet.FallbackGrace(int(lockDuration)), takerData.Encode())
	require.NoError(t, err)
	require.NoError(t, handle.Wait(ctx))

	negotiatedSubject := swapnet.Subject("negotiated", swapUUID)
	_, err = peers.Recv(ctx, negotiatedSubject, swapnet.FallbackGrace(swap.BasicCommTimeout), nil)
	require.NoError(t, err)

	feeAmount := mustDecimal(t, "0.01")
	feeTx, err := takerCoin.SendTakerFee(ctx, swap.FeeAddress, feeAmount)
	require.NoError(t, err)
	feeSubject := swapnet.Subject("taker-fee", swapUUID)
	fh, err := peers.Send(ctx, nil, feeSubject, swapnet.FallbackGrace(swap.BasicCommTimeout), []byte(feeTx.TxHash()))
	require.NoError(t, err)
	require.NoError(t, fh.Wait(ctx))

	makerPaymentSubject := swapnet.Subject("maker-payment", swapUUID)
	_, err = peers.Recv(ctx, makerPaymentSubject, swapnet.FallbackGrace(swap.BasicCommTimeout), nil)
	require.NoError(t, err)

	takerPaymentTx, err := takerCoin.SendTakerPayment(ctx, int64(takerData.PaymentLocktime), makerPub, takerData.SecretHash, mustDecimal(t, "5"))
	require.NoError(t, err)
	takerPaymentSubject := swapnet.Subject("taker-payment", swapUUID)
	th, err := peers.Send(ctx, nil, takerPaymentSubject, swapnet.FallbackGrace(swap.BasicCommTimeout), []byte(takerPaymentTx.TxHash()))
	require.NoError(t, err)
	require.NoError(t, th.Wait(ctx))
}

func TestRun_HappyPath(t *testing.T) {
	makerPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	takerPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	makerCoin := newFakeCoin("BEER", mustDecimal(t, "100"))
	takerCoin := newFakeCoin("ETH", mustDecimal(t, "100"))

	makerPeers, takerPeers := swapnet.NewLoopbackPair()
	persister := &fakePersister{}

	swapUUID := uuid.New()
	m := NewFromStart(StartParams{
		UUID:                swapUUID,
		MakerAmount:         mustDecimal(t, "10"),
		TakerAmount:         mustDecimal(t, "5"),
		MyPersistentPub:     makerPriv.PubKey(),
		OtherPersistentPub:  takerPriv.PubKey(),
		DexFeeAddr:          swap.FeeAddress,
		GUI:                 "test-gui",
		MMVersion:           "test",
	}, makerCoin, takerCoin)
	m.Peers = makerPeers
	m.Persister = persister

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		runFakeTaker(t, ctx, takerPeers, takerPriv.PubKey(), swapUUID, takerCoin, swap.LockDuration("BEER", "ETH"))
	}()

	require.NoError(t, m.Run(ctx, StateStart))
	<-done

	require.True(t, persister.finished)
	last := persister.snapshots[len(persister.snapshots)-1]
	require.Equal(t, swap.Finished, last.LastEvent().Type)
	require.True(t, last.HasEventType(swap.TakerPaymentSpent))
	require.False(t, last.HasEventType(swap.MakerPaymentRefunded))
}

func TestDoStart_InsufficientBalance(t *testing.T) {
	makerPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	takerPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	makerCoin := newFakeCoin("BEER", mustDecimal(t, "1"))
	takerCoin := newFakeCoin("ETH", mustDecimal(t, "100"))

	persister := &fakePersister{}
	m := NewFromStart(StartParams{
		UUID:               uuid.New(),
		MakerAmount:        mustDecimal(t, "10"),
		TakerAmount:        mustDecimal(t, "5"),
		MyPersistentPub:    makerPriv.PubKey(),
		OtherPersistentPub: takerPriv.PubKey(),
	}, makerCoin, takerCoin)
	m.Persister = persister

	err = m.Run(context.Background(), StateStart)
	require.NoError(t, err)
	require.True(t, persister.finished)
	last := persister.snapshots[len(persister.snapshots)-1]
	require.Equal(t, swap.StartFailed, last.Events[0].Type)
}

func TestResumeState(t *testing.T) {
	cases := []struct {
		last swap.EventType
		want State
	}{
		{swap.Started, StateNegotiate},
		{swap.Negotiated, StateWaitForTakerFee},
		{swap.TakerFeeValidated, StateSendPayment},
		{swap.MakerPaymentSent, StateWaitForTakerPayment},
		{swap.TakerPaymentReceived, StateValidateTakerPayment},
		{swap.TakerPaymentWaitConfirmStarted, StateValidateTakerPayment},
		{swap.TakerPaymentValidatedConfirmed, StateSpendTakerPayment},
		{swap.TakerPaymentSpendFailed, StateRefundMakerPayment},
	}
	for _, tc := range cases {
		got, err := ResumeState(tc.last)
		require.NoError(t, err)
		require.Equal(t, tc.want, got, "resume mapping for %s", tc.last)
	}
}

package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/txscript"
	"github.com/cockroachdb/apd/v3"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/shellreserve/atomicswap/coins"
	"github.com/shellreserve/atomicswap/coins/shellcoin"
	"github.com/shellreserve/atomicswap/swap"
)

func p2pkhScript(t *testing.T, pub *btcec.PublicKey) []byte {
	t.Helper()
	pubHash := btcHash160(t, pub.SerializeCompressed())
	b := txscript.NewScriptBuilder()
	b.AddOp(txscript.OP_DUP)
	b.AddOp(txscript.OP_HASH160)
	b.AddData(pubHash)
	b.AddOp(txscript.OP_EQUALVERIFY)
	b.AddOp(txscript.OP_CHECKSIG)
	script, err := b.Script()
	require.NoError(t, err)
	return script
}

// btcHash160 mirrors shellcoin's unexported helper; recovery has no reason
// to depend on shellcoin internals for this, so it computes the same
// HASH160 here through txscript.Hash160.
func btcHash160(t *testing.T, b []byte) []byte {
	t.Helper()
	sha := txscript.Hash160(b)
	return sha
}

func mustDecimal(t *testing.T, s string) *apd.Decimal {
	t.Helper()
	d, _, err := apd.NewFromString(s)
	require.NoError(t, err)
	return d
}

func txRecordFor(tx coins.Tx) coins.TransactionRecord {
	return coins.TransactionRecord{TxHex: tx.TxHex(), TxHash: tx.TxHash(), Coin: "BEER"}
}

func TestRecoverFunds_NotFinished(t *testing.T) {
	saved := &swap.SavedSwap{UUID: uuid.New(), Role: swap.RoleMaker, Events: []swap.Event{{Type: swap.Started}}}
	_, err := RecoverFunds(context.Background(), saved, swap.Params{}, nil, nil)
	require.Error(t, err)
}

func TestRecoverMaker_RefundsAfterLockElapsed(t *testing.T) {
	makerPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	takerPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	makerScript := p2pkhScript(t, makerPriv.PubKey())
	chain := shellcoin.NewFakeChain(makerScript, 10_00000000)
	maker := shellcoin.New("BEER", chain, makerPriv, makerScript, 1, false)

	secret, err := swap.NewSecret()
	require.NoError(t, err)
	secretHash := swap.HashSecret(secret)

	lockTime := time.Now().Unix() - swap.RefundGraceSeconds - 100
	payment, err := maker.SendMakerPayment(context.Background(), lockTime, takerPriv.PubKey(), secretHash, mustDecimal(t, "1"))
	require.NoError(t, err)

	sentEvent, err := swap.NewEvent(swap.MakerPaymentSent, swap.TxData{TxRecord: txRecordFor(payment)})
	require.NoError(t, err)
	finished, err := swap.NewEvent(swap.Finished, nil)
	require.NoError(t, err)

	saved := &swap.SavedSwap{
		UUID: uuid.New(), Role: swap.RoleMaker,
		MakerCoin: "BEER", TakerCoin: "PIZZA",
		Events: []swap.Event{{Type: swap.Started}, sentEvent, finished},
	}
	params := swap.Params{
		MakerCoin: "BEER", TakerCoin: "PIZZA",
		OtherPersistentPub: takerPriv.PubKey(),
		SecretHash:         secretHash,
		MakerPaymentLock:   lockTime,
	}

	result, err := RecoverFunds(context.Background(), saved, params, maker, nil)
	require.NoError(t, err)
	require.Equal(t, Refunded, result.Action)
	require.Equal(t, "BEER", result.Coin)
	require.NotEmpty(t, result.Transaction.TxHash())
}

func TestRecoverMaker_AlreadyClaimedFails(t *testing.T) {
	makerPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	takerPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	makerScript := p2pkhScript(t, makerPriv.PubKey())
	chain := shellcoin.NewFakeChain(makerScript, 10_00000000)
	maker := shellcoin.New("BEER", chain, makerPriv, makerScript, 1, false)
	taker := shellcoin.New("BEER", chain, takerPriv, p2pkhScript(t, takerPriv.PubKey()), 1, false)

	secret, err := swap.NewSecret()
	require.NoError(t, err)
	secretHash := swap.HashSecret(secret)
	lockTime := time.Now().Unix() + 3600

	payment, err := maker.SendMakerPayment(context.Background(), lockTime, takerPriv.PubKey(), secretHash, mustDecimal(t, "1"))
	require.NoError(t, err)

	_, err = taker.SendTakerSpendsMakerPayment(context.Background(), payment, lockTime, makerPriv.PubKey(), secret)
	require.NoError(t, err)

	sentEvent, err := swap.NewEvent(swap.MakerPaymentSent, swap.TxData{TxRecord: txRecordFor(payment)})
	require.NoError(t, err)
	finished, err := swap.NewEvent(swap.Finished, nil)
	require.NoError(t, err)

	saved := &swap.SavedSwap{
		UUID: uuid.New(), Role: swap.RoleMaker,
		MakerCoin: "BEER", TakerCoin: "PIZZA",
		Events: []swap.Event{{Type: swap.Started}, sentEvent, finished},
	}
	params := swap.Params{
		MakerCoin: "BEER", TakerCoin: "PIZZA",
		OtherPersistentPub: takerPriv.PubKey(),
		SecretHash:         secretHash,
		MakerPaymentLock:   lockTime,
	}

	_, err = RecoverFunds(context.Background(), saved, params, maker, nil)
	require.Error(t, err)
}

func TestRecoverTaker_ClaimsMakerPaymentWithKnownSecret(t *testing.T) {
	makerPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	takerPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	makerScript := p2pkhScript(t, makerPriv.PubKey())
	takerScript := p2pkhScript(t, takerPriv.PubKey())
	beerChain := shellcoin.NewFakeChain(makerScript, 10_00000000)
	pizzaChain := shellcoin.NewFakeChain(takerScript, 10_00000000)

	maker := shellcoin.New("BEER", beerChain, makerPriv, makerScript, 1, false)
	takerOnMakerCoin := shellcoin.New("BEER", beerChain, takerPriv, takerScript, 1, false)
	takerOnTakerCoin := shellcoin.New("PIZZA", pizzaChain, takerPriv, takerScript, 1, false)

	secret, err := swap.NewSecret()
	require.NoError(t, err)
	secretHash := swap.HashSecret(secret)

	makerLock := time.Now().Unix() + 7200
	takerLock := time.Now().Unix() + 3600

	makerPayment, err := maker.SendMakerPayment(context.Background(), makerLock, takerPriv.PubKey(), secretHash, mustDecimal(t, "1"))
	require.NoError(t, err)
	takerPayment, err := takerOnTakerCoin.SendTakerPayment(context.Background(), takerLock, makerPriv.PubKey(), secretHash, mustDecimal(t, "1"))
	require.NoError(t, err)

	// The maker claims the taker's payment, revealing the secret; the
	// taker observes this spend and extracts the secret from it but
	// crashes before it can go on to claim the maker's own payment.
	makerOnTakerCoin := shellcoin.New("PIZZA", pizzaChain, makerPriv, makerScript, 1, false)
	spendTx, err := makerOnTakerCoin.SendMakerSpendsTakerPayment(context.Background(), takerPayment, takerLock, takerPriv.PubKey(), secret)
	require.NoError(t, err)
	extracted, err := takerOnTakerCoin.ExtractSecret(spendTx)
	require.NoError(t, err)
	require.Equal(t, secret, extracted)

	receivedEvent, err := swap.NewEvent(swap.MakerPaymentReceived, swap.TxData{TxRecord: txRecordFor(makerPayment)})
	require.NoError(t, err)
	sentEvent, err := swap.NewEvent(swap.TakerPaymentSent, swap.TxData{TxRecord: txRecordFor(takerPayment)})
	require.NoError(t, err)
	spentEvent, err := swap.NewEvent(swap.TakerPaymentSpent, swap.SecretData{Secret: extracted})
	require.NoError(t, err)
	finished, err := swap.NewEvent(swap.Finished, nil)
	require.NoError(t, err)

	saved := &swap.SavedSwap{
		UUID: uuid.New(), Role: swap.RoleTaker,
		MakerCoin: "BEER", TakerCoin: "PIZZA",
		Events: []swap.Event{{Type: swap.Started}, receivedEvent, sentEvent, spentEvent, finished},
	}
	params := swap.Params{
		MakerCoin: "BEER", TakerCoin: "PIZZA",
		OtherPersistentPub: makerPriv.PubKey(),
		SecretHash:         secretHash,
		MakerPaymentLock:   makerLock,
		TakerPaymentLock:   takerLock,
	}

	result, err := RecoverFunds(context.Background(), saved, params, takerOnMakerCoin, takerOnTakerCoin)
	require.NoError(t, err)
	require.Equal(t, Spent, result.Action)
	require.Equal(t, "BEER", result.Coin)
}

func TestRecoverTaker_RefundsOwnPaymentWhenSecretUnknown(t *testing.T) {
	makerPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	takerPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	takerScript := p2pkhScript(t, takerPriv.PubKey())
	chain := shellcoin.NewFakeChain(takerScript, 10_00000000)
	takerOnTakerCoin := shellcoin.New("PIZZA", chain, takerPriv, takerScript, 1, false)

	secretHash := swap.HashSecret(coins.Secret{9, 9, 9})
	takerLock := time.Now().Unix() - swap.RefundGraceSeconds - 100

	takerPayment, err := takerOnTakerCoin.SendTakerPayment(context.Background(), takerLock, makerPriv.PubKey(), secretHash, mustDecimal(t, "1"))
	require.NoError(t, err)

	sentEvent, err := swap.NewEvent(swap.TakerPaymentSent, swap.TxData{TxRecord: txRecordFor(takerPayment)})
	require.NoError(t, err)
	finished, err := swap.NewEvent(swap.Finished, nil)
	require.NoError(t, err)

	saved := &swap.SavedSwap{
		UUID: uuid.New(), Role: swap.RoleTaker,
		MakerCoin: "BEER", TakerCoin: "PIZZA",
		Events: []swap.Event{{Type: swap.Started}, sentEvent, finished},
	}
	params := swap.Params{
		MakerCoin: "BEER", TakerCoin: "PIZZA",
		OtherPersistentPub: makerPriv.PubKey(),
		SecretHash:         secretHash,
		TakerPaymentLock:   takerLock,
	}

	result, err := RecoverFunds(context.Background(), saved, params, nil, takerOnTakerCoin)
	require.NoError(t, err)
	require.Equal(t, Refunded, result.Action)
	require.Equal(t, "PIZZA", result.Coin)
}

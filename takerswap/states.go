package takerswap

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/apd/v3"

	"github.com/shellreserve/atomicswap/negotiate"
	"github.com/shellreserve/atomicswap/swap"
	"github.com/shellreserve/atomicswap/swapnet"
)

// doStart checks preconditions and computes the parts of Params the taker
// owns outright: its own clock and balance. The shared lock envelope is
// filled in once the maker's negotiation offer arrives.
func (m *Machine) doStart(ctx context.Context) (swap.Event, State, error) {
	balance, err := m.TakerCoin.MyBalance(ctx)
	if err != nil {
		return m.startFailed(fmt.Errorf("check balance: %w", err))
	}
	if balance.Cmp(m.params.TakerAmount) < 0 {
		return m.startFailed(fmt.Errorf("taker amount %s exceeds available balance %s",
			m.params.TakerAmount.Text('f'), balance.Text('f')))
	}
	if m.params.MakerCoin == m.params.TakerCoin {
		return m.startFailed(fmt.Errorf("maker_coin and taker_coin must differ"))
	}

	makerStartBlock, err := m.MakerCoin.CurrentBlock(ctx)
	if err != nil {
		return m.startFailed(fmt.Errorf("fetch maker_coin block height: %w", err))
	}
	takerStartBlock, err := m.TakerCoin.CurrentBlock(ctx)
	if err != nil {
		return m.startFailed(fmt.Errorf("fetch taker_coin block height: %w", err))
	}

	m.params.StartedAt = m.now().Unix()
	m.params.LockDuration = swap.LockDuration(m.params.MakerCoin, m.params.TakerCoin)
	m.params.MakerCoinStartBlock = makerStartBlock
	m.params.TakerCoinStartBlock = takerStartBlock

	e, err := swap.NewEvent(swap.Started, swap.StartedData{Params: m.params})
	return e, StateNegotiate, err
}

func (m *Machine) startFailed(err error) (swap.Event, State, error) {
	e, everr := swap.NewEvent(swap.StartFailed, swap.FailureData{Reason: err.Error()})
	return e, StateFinish, everr
}

// doNegotiate implements spec.md §4.4's taker flow: receive the maker's
// offer, validate and adopt its time envelope and secret hash, and reply.
func (m *Machine) doNegotiate(ctx context.Context) (swap.Event, State, error) {
	subjectIn := swapnet.Subject("negotiation", m.saved.UUID)
	payload, err := m.Peers.Recv(ctx, subjectIn, swapnet.FallbackGrace(swap.BasicCommTimeout), negotiationValidator)
	if err != nil {
		return m.negotiateFailed(fmt.Errorf("recv negotiation: %w", err))
	}
	makerData, err := negotiate.Decode(payload)
	if err != nil {
		return m.negotiateFailed(fmt.Errorf("decode negotiation: %w", err))
	}

	if err := negotiate.ValidateMakerOffer(makerData, m.now().Unix(), m.params.LockDuration); err != nil {
		return m.negotiateFailed(err)
	}

	m.params.SecretHash = makerData.SecretHash
	m.params.MakerPaymentLock = int64(makerData.PaymentLocktime)
	m.params.TakerPaymentLock = m.params.StartedAt + m.params.LockDuration

	var mine negotiate.Data
	mine.StartedAt = uint64(m.params.StartedAt)
	mine.PaymentLocktime = uint64(m.params.TakerPaymentLock)
	mine.SecretHash = m.params.SecretHash
	mine.FromPubkey(m.params.MyPersistentPub)

	subjectOut := swapnet.Subject("negotiation-reply", m.saved.UUID)
	handle, err := m.Peers.Send(ctx, pubkeyBytes(m.params.OtherPersistentPub), subjectOut, swapnet.FallbackGrace(swap.BasicCommTimeout), mine.Encode())
	if err != nil {
		return m.negotiateFailed(fmt.Errorf("send negotiation-reply: %w", err))
	}
	if err := handle.Wait(ctx); err != nil {
		return m.negotiateFailed(fmt.Errorf("send negotiation-reply: %w", err))
	}

	ackSubject := swapnet.Subject("negotiated", m.saved.UUID)
	ack, err := m.Peers.Recv(ctx, ackSubject, swapnet.FallbackGrace(swap.BasicCommTimeout), nil)
	if err != nil {
		return m.negotiateFailed(fmt.Errorf("recv negotiated ack: %w", err))
	}
	if len(ack) == 0 || ack[0] != 0x01 {
		return m.negotiateFailed(fmt.Errorf("maker rejected negotiation"))
	}

	e, err := swap.NewEvent(swap.Negotiated, nil)
	return e, StateSendTakerFee, err
}

func negotiationValidator(payload []byte) error {
	_, err := negotiate.Decode(payload)
	return err
}

func pubkeyBytes(pub interface{ SerializeCompressed() []byte }) []byte {
	return pub.SerializeCompressed()
}

func (m *Machine) negotiateFailed(err error) (swap.Event, State, error) {
	e, everr := swap.NewEvent(swap.NegotiateFailed, swap.FailureData{Reason: err.Error()})
	return e, StateFinish, everr
}

// doSendTakerFee pays the fixed dex-fee address and hands the maker the
// raw fee transaction, per spec.md §4.6 "SendTakerFee".
func (m *Machine) doSendTakerFee(ctx context.Context) (swap.Event, State, error) {
	fee, err := m.expectedDexFee()
	if err != nil {
		return m.takerFeeFailed(err)
	}

	tx, err := m.TakerCoin.SendTakerFee(ctx, m.DexFeeAddr, fee)
	if err != nil {
		return m.takerFeeFailed(fmt.Errorf("broadcast taker fee: %w", err))
	}

	record, err := m.TakerCoin.TxDetailsByHash(ctx, tx.TxHash())
	if err != nil {
		return m.takerFeeFailed(fmt.Errorf("fetch taker fee details: %w", err))
	}

	subject := swapnet.Subject("taker-fee", m.saved.UUID)
	handle, err := m.Peers.Send(ctx, pubkeyBytes(m.params.OtherPersistentPub), subject, swapnet.FallbackGrace(swap.BasicCommTimeout), []byte(tx.TxHex()))
	if err != nil || handle.Wait(ctx) != nil {
		return m.takerFeeFailed(fmt.Errorf("send taker fee tx to maker failed"))
	}

	e, err := swap.NewEvent(swap.TakerFeeSent, swap.TxData{TxRecord: *record})
	return e, StateWaitForMakerPayment, err
}

func (m *Machine) expectedDexFee() (*apd.Decimal, error) {
	fee, err := swap.DexFeeAmount(m.params.MakerCoin, m.params.TakerCoin, m.params.TakerAmount)
	if err != nil {
		return nil, fmt.Errorf("compute dex fee: %w", err)
	}
	return fee, nil
}

func (m *Machine) takerFeeFailed(err error) (swap.Event, State, error) {
	e, everr := swap.NewEvent(swap.TakerFeeSendFailed, swap.FailureData{Reason: err.Error()})
	return e, StateFinish, everr
}

// doWaitForMakerPayment waits for the maker to hand over its payment
// transaction bytes (spec.md §4.6 "WaitForMakerPayment").
func (m *Machine) doWaitForMakerPayment(ctx context.Context) (swap.Event, State, error) {
	subject := swapnet.Subject("maker-payment", m.saved.UUID)
	payload, err := m.Peers.Recv(ctx, subject, swapnet.FallbackGrace(swap.BasicCommTimeout), nil)
	if err != nil {
		return m.makerPaymentValidateFailed(fmt.Errorf("recv maker-payment: %w", err))
	}

	tx, err := m.MakerCoin.TxEnumFromBytes(payload)
	if err != nil {
		return m.makerPaymentValidateFailed(fmt.Errorf("decode maker payment tx: %w", err))
	}
	m.makerPaymentTx = tx

	record, err := m.MakerCoin.TxDetailsByHash(ctx, tx.TxHash())
	if err != nil {
		return m.makerPaymentValidateFailed(fmt.Errorf("fetch maker payment details: %w", err))
	}
	e, err := swap.NewEvent(swap.MakerPaymentReceived, swap.TxData{TxRecord: *record})
	return e, StateValidateMakerPayment, err
}

// doValidateMakerPayment checks the received transaction against the
// negotiated HTLC parameters and waits out its confirmation policy. Like
// makerswap's mirror state, it is idempotent: kickstart may resume here
// twice and re-running it only re-reads the chain.
func (m *Machine) doValidateMakerPayment(ctx context.Context) (swap.Event, State, error) {
	if m.makerPaymentTx == nil {
		return m.makerPaymentValidateFailed(fmt.Errorf("no maker payment recorded to validate"))
	}

	if err := m.MakerCoin.ValidateMakerPayment(ctx, m.makerPaymentTx, m.params.MakerPaymentLock, m.params.OtherPersistentPub, m.params.SecretHash, m.params.MakerAmount); err != nil {
		return m.makerPaymentValidateFailed(fmt.Errorf("validate maker payment: %w", err))
	}

	deadline := time.Unix(m.params.StartedAt+m.params.LockDuration/3, 0)
	if err := m.MakerCoin.WaitForConfirmations(ctx, m.makerPaymentTx, m.params.MakerPaymentConfirmations, deadline, m.pollInterval()); err != nil {
		return m.makerPaymentValidateFailed(fmt.Errorf("wait for maker payment confirmations: %w", err))
	}

	record, err := m.MakerCoin.TxDetailsByHash(ctx, m.makerPaymentTx.TxHash())
	if err != nil {
		return m.makerPaymentValidateFailed(fmt.Errorf("fetch maker payment details: %w", err))
	}
	e, err := swap.NewEvent(swap.MakerPaymentValidatedConfirmed, swap.TxData{TxRecord: *record})
	return e, StateSendPayment, err
}

func (m *Machine) makerPaymentValidateFailed(err error) (swap.Event, State, error) {
	e, everr := swap.NewEvent(swap.MakerPaymentValidateFailed, swap.FailureData{Reason: err.Error()})
	return e, StateRefundTakerPayment, everr
}

// doSendPayment broadcasts the taker's HTLC and hands its raw bytes to the
// maker, per spec.md §4.6 "SendPayment".
func (m *Machine) doSendPayment(ctx context.Context) (swap.Event, State, error) {
	existing, err := m.TakerCoin.CheckIfMyPaymentSent(ctx, m.params.TakerPaymentLock, m.params.OtherPersistentPub, m.params.SecretHash, m.params.TakerCoinStartBlock)
	if err != nil {
		return m.sendPaymentFailed(fmt.Errorf("check prior taker payment: %w", err))
	}

	tx := existing
	if tx == nil {
		budget := m.params.TakerPaymentLock - m.params.LockDuration/3
		if m.now().Unix() > budget {
			return m.sendPaymentFailed(fmt.Errorf("taker payment budget of taker_payment_lock-lock_duration/3 expired before broadcast"))
		}
		tx, err = m.TakerCoin.SendTakerPayment(ctx, m.params.TakerPaymentLock, m.params.OtherPersistentPub, m.params.SecretHash, m.params.TakerAmount)
		if err != nil {
			return m.sendPaymentFailed(fmt.Errorf("broadcast taker payment: %w", err))
		}
	}
	m.takerPaymentTx = tx

	record, err := m.TakerCoin.TxDetailsByHash(ctx, tx.TxHash())
	if err != nil {
		return m.sendPaymentFailed(fmt.Errorf("fetch taker payment details: %w", err))
	}

	subject := swapnet.Subject("taker-payment", m.saved.UUID)
	handle, err := m.Peers.Send(ctx, pubkeyBytes(m.params.OtherPersistentPub), subject, swapnet.FallbackGrace(swap.BasicCommTimeout), []byte(tx.TxHex()))
	if err != nil || handle.Wait(ctx) != nil {
		e, everr := swap.NewEvent(swap.TakerPaymentDataSendFailed, swap.FailureData{Reason: "send taker payment data to maker failed"})
		return e, StateRefundTakerPayment, everr
	}

	e, err := swap.NewEvent(swap.TakerPaymentSent, swap.TxData{TxRecord: *record})
	return e, StateWaitForMakerToSpend, err
}

func (m *Machine) sendPaymentFailed(err error) (swap.Event, State, error) {
	e, everr := swap.NewEvent(swap.TakerPaymentTransactionFailed, swap.FailureData{Reason: err.Error()})
	return e, StateRefundTakerPayment, everr
}

// doWaitForMakerToSpend watches the taker's own payment output for the
// maker's claim, which reveals the secret (spec.md §4.6
// "WaitForMakerToSpend").
func (m *Machine) doWaitForMakerToSpend(ctx context.Context) (swap.Event, State, error) {
	deadline := time.Unix(m.params.TakerPaymentLock, 0)
	spendTx, err := m.TakerCoin.WaitForTxSpend(ctx, m.takerPaymentTx, deadline, m.params.TakerCoinStartBlock)
	if err != nil {
		return m.waitForSpendFailed(fmt.Errorf("wait for maker to spend taker payment: %w", err))
	}

	secret, err := m.TakerCoin.ExtractSecret(spendTx)
	if err != nil {
		return m.waitForSpendFailed(fmt.Errorf("extract secret from maker's claim: %w", err))
	}
	m.params.Secret = &secret

	e, err := swap.NewEvent(swap.TakerPaymentSpent, swap.SecretData{Secret: secret})
	return e, StateSpendMakerPayment, err
}

func (m *Machine) waitForSpendFailed(err error) (swap.Event, State, error) {
	e, everr := swap.NewEvent(swap.TakerPaymentWaitForSpendFailed, swap.FailureData{Reason: err.Error()})
	return e, StateRefundTakerPayment, everr
}

// doSpendMakerPayment claims the maker's HTLC with the now-known secret,
// per spec.md §4.6 "SpendMakerPayment".
func (m *Machine) doSpendMakerPayment(ctx context.Context) (swap.Event, State, error) {
	if m.params.Secret == nil {
		return m.spendMakerPaymentFailed(fmt.Errorf("no secret available to spend maker payment"))
	}

	tx, err := m.MakerCoin.SendTakerSpendsMakerPayment(ctx, m.makerPaymentTx, m.params.MakerPaymentLock, m.params.OtherPersistentPub, *m.params.Secret)
	if err != nil {
		return m.spendMakerPaymentFailed(fmt.Errorf("spend maker payment: %w", err))
	}

	record, err := m.MakerCoin.TxDetailsByHash(ctx, tx.TxHash())
	if err != nil {
		return m.spendMakerPaymentFailed(fmt.Errorf("fetch spend details: %w", err))
	}
	e, err := swap.NewEvent(swap.MakerPaymentSpent, swap.TxData{TxRecord: *record})
	return e, StateFinish, err
}

func (m *Machine) spendMakerPaymentFailed(err error) (swap.Event, State, error) {
	e, everr := swap.NewEvent(swap.MakerPaymentSpendFailed, swap.FailureData{Reason: err.Error()})
	return e, StateRefundTakerPayment, everr
}

// doRefundTakerPayment reclaims the taker's own HTLC after its lock time
// plus BIP113 grace has elapsed, mirroring makerswap's refund state. If the
// taker never broadcast a payment, there is nothing to refund.
func (m *Machine) doRefundTakerPayment(ctx context.Context) (swap.Event, State, error) {
	if m.takerPaymentTx == nil {
		e, err := swap.NewEvent(swap.Finished, nil)
		return e, stateDone, err
	}

	refundAt := time.Unix(m.params.TakerPaymentLock+swap.RefundGraceSeconds, 0)
	if wait := time.Until(refundAt); wait > 0 {
		select {
		case <-ctx.Done():
			return swap.Event{}, "", ctx.Err()
		case <-time.After(wait):
		}
	}

	tx, err := m.TakerCoin.SendTakerRefundsPayment(ctx, m.takerPaymentTx, m.params.TakerPaymentLock, m.params.OtherPersistentPub, m.params.SecretHash)
	if err != nil {
		e, everr := swap.NewEvent(swap.TakerPaymentRefundFailed, swap.FailureData{Reason: err.Error()})
		return e, StateFinish, everr
	}

	record, err := m.TakerCoin.TxDetailsByHash(ctx, tx.TxHash())
	if err != nil {
		e, everr := swap.NewEvent(swap.TakerPaymentRefundFailed, swap.FailureData{Reason: fmt.Sprintf("fetch refund details: %v", err)})
		return e, StateFinish, everr
	}
	e, err := swap.NewEvent(swap.TakerPaymentRefunded, swap.TxData{TxRecord: *record})
	return e, StateFinish, err
}

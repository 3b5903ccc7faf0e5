package makerswap

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/apd/v3"

	"github.com/shellreserve/atomicswap/negotiate"
	"github.com/shellreserve/atomicswap/swap"
	"github.com/shellreserve/atomicswap/swapnet"
)

// doStart checks preconditions, draws the secret, computes the frozen
// Params, and freezes m.params. Spec.md §4.5 "Start".
func (m *Machine) doStart(ctx context.Context) (swap.Event, State, error) {
	balance, err := m.MakerCoin.MyBalance(ctx)
	if err != nil {
		return m.startFailed(fmt.Errorf("check balance: %w", err))
	}
	if balance.Cmp(m.params.MakerAmount) < 0 {
		return m.startFailed(fmt.Errorf("maker amount %s exceeds available balance %s",
			m.params.MakerAmount.Text('f'), balance.Text('f')))
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

	secret, err := swap.NewSecret()
	if err != nil {
		return m.startFailed(err)
	}

	now := m.now().Unix()
	lockDuration := swap.LockDuration(m.params.MakerCoin, m.params.TakerCoin)

	m.params.StartedAt = now
	m.params.LockDuration = lockDuration
	m.params.TakerPaymentLock = now + lockDuration
	m.params.MakerPaymentLock = now + 2*lockDuration
	m.params.Secret = &secret
	m.params.SecretHash = swap.HashSecret(secret)
	m.params.MakerCoinStartBlock = makerStartBlock
	m.params.TakerCoinStartBlock = takerStartBlock

	e, err := swap.NewEvent(swap.Started, swap.StartedData{Params: m.params})
	return e, StateNegotiate, err
}

func (m *Machine) startFailed(err error) (swap.Event, State, error) {
	e, everr := swap.NewEvent(swap.StartFailed, swap.FailureData{Reason: err.Error()})
	return e, StateFinish, everr
}

// doNegotiate implements spec.md §4.4's maker flow.
func (m *Machine) doNegotiate(ctx context.Context) (swap.Event, State, error) {
	var mine negotiate.Data
	mine.StartedAt = uint64(m.params.StartedAt)
	mine.PaymentLocktime = uint64(m.params.MakerPaymentLock)
	mine.SecretHash = m.params.SecretHash
	mine.FromPubkey(m.params.MyPersistentPub)

	subjectOut := swapnet.Subject("negotiation", m.saved.UUID)
	handle, err := m.Peers.Send(ctx, pubkeyBytes(m.params.OtherPersistentPub), subjectOut, negotiationFallback(m.params.LockDuration), mine.Encode())
	if err != nil {
		return m.negotiateFailed(fmt.Errorf("send negotiation: %w", err))
	}
	if err := handle.Wait(ctx); err != nil {
		return m.negotiateFailed(fmt.Errorf("send negotiation: %w", err))
	}

	subjectIn := swapnet.Subject("negotiation-reply", m.saved.UUID)
	payload, err := m.Peers.Recv(ctx, subjectIn, negotiationFallback(m.params.LockDuration), negotiationValidator)
	if err != nil {
		return m.negotiateFailed(fmt.Errorf("recv negotiation-reply: %w", err))
	}
	taker, err := negotiate.Decode(payload)
	if err != nil {
		return m.negotiateFailed(fmt.Errorf("decode negotiation-reply: %w", err))
	}

	if err := negotiate.ValidateTakerReply(mine, taker, m.params.LockDuration); err != nil {
		_ = m.sendNegotiated(ctx, false)
		return m.negotiateFailed(err)
	}

	if err := m.sendNegotiated(ctx, true); err != nil {
		return m.negotiateFailed(err)
	}

	e, err := swap.NewEvent(swap.Negotiated, nil)
	return e, StateWaitForTakerFee, err
}

func (m *Machine) sendNegotiated(ctx context.Context, accepted bool) error {
	payload := []byte{0x00}
	if accepted {
		payload = []byte{0x01}
	}
	subject := swapnet.Subject("negotiated", m.saved.UUID)
	handle, err := m.Peers.Send(ctx, pubkeyBytes(m.params.OtherPersistentPub), subject, swapnet.FallbackGrace(swap.BasicCommTimeout), payload)
	if err != nil {
		return fmt.Errorf("send negotiated: %w", err)
	}
	return handle.Wait(ctx)
}

func (m *Machine) negotiateFailed(err error) (swap.Event, State, error) {
	e, everr := swap.NewEvent(swap.NegotiateFailed, swap.FailureData{Reason: err.Error()})
	return e, StateFinish, everr
}

func negotiationFallback(lockDuration int64) int {
	return swapnet.FallbackGrace(int(lockDuration))
}

func negotiationValidator(payload []byte) error {
	_, err := negotiate.Decode(payload)
	return err
}

func pubkeyBytes(pub interface{ SerializeCompressed() []byte }) []byte {
	return pub.SerializeCompressed()
}

// doWaitForTakerFee waits for the taker's dex-fee transaction and validates
// it with bounded retries (spec.md §4.5 "WaitForTakerFee").
func (m *Machine) doWaitForTakerFee(ctx context.Context) (swap.Event, State, error) {
	subject := swapnet.Subject("taker-fee", m.saved.UUID)
	payload, err := m.Peers.Recv(ctx, subject, swapnet.FallbackGrace(swap.BasicCommTimeout), nil)
	if err != nil {
		return m.takerFeeFailed(fmt.Errorf("recv taker-fee: %w", err))
	}

	feeTx, err := m.TakerCoin.TxEnumFromBytes(payload)
	if err != nil {
		return m.takerFeeFailed(fmt.Errorf("decode taker-fee tx: %w", err))
	}

	const maxAttempts = 3
	const retryDelay = 10 * time.Second
	var validateErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		validateErr = m.TakerCoin.ValidateFee(ctx, feeTx, m.DexFeeAddr, m.expectedDexFee())
		if validateErr == nil {
			break
		}
		if attempt < maxAttempts {
			select {
			case <-ctx.Done():
				return m.takerFeeFailed(ctx.Err())
			case <-time.After(retryDelay):
			}
		}
	}
	if validateErr != nil {
		return m.takerFeeFailed(fmt.Errorf("validate taker fee: %w", validateErr))
	}

	m.takerFeeTx = feeTx
	record, err := m.TakerCoin.TxDetailsByHash(ctx, feeTx.TxHash())
	if err != nil {
		return m.takerFeeFailed(fmt.Errorf("fetch taker fee details: %w", err))
	}
	e, err := swap.NewEvent(swap.TakerFeeValidated, swap.TxData{TxRecord: *record})
	return e, StateSendPayment, err
}

func (m *Machine) expectedDexFee() *apd.Decimal {
	fee, err := swap.DexFeeAmount(m.params.MakerCoin, m.params.TakerCoin, m.params.TakerAmount)
	if err != nil {
		// DexFeeAmount only fails on arithmetic context errors, which
		// cannot happen with the fixed-precision context it uses.
		panic(fmt.Sprintf("makerswap: compute expected dex fee: %v", err))
	}
	return fee
}

func (m *Machine) takerFeeFailed(err error) (swap.Event, State, error) {
	e, everr := swap.NewEvent(swap.TakerFeeValidateFailed, swap.FailureData{Reason: err.Error()})
	return e, StateFinish, everr
}

// doSendPayment broadcasts the maker's HTLC and hands its raw bytes to the
// taker, per spec.md §4.5 "SendPayment". A prior broadcast is detected via
// CheckIfMyPaymentSent so a kickstarted machine never double-pays.
func (m *Machine) doSendPayment(ctx context.Context) (swap.Event, State, error) {
	existing, err := m.MakerCoin.CheckIfMyPaymentSent(ctx, m.params.MakerPaymentLock, m.params.OtherPersistentPub, m.params.SecretHash, m.params.MakerCoinStartBlock)
	if err != nil {
		return m.sendPaymentFailed(fmt.Errorf("check prior maker payment: %w", err))
	}

	tx := existing
	if tx == nil {
		budget := m.params.StartedAt + m.params.LockDuration/3
		if m.now().Unix() > budget {
			return m.sendPaymentFailed(fmt.Errorf("maker payment budget of lock_duration/3 expired before broadcast"))
		}
		tx, err = m.MakerCoin.SendMakerPayment(ctx, m.params.MakerPaymentLock, m.params.OtherPersistentPub, m.params.SecretHash, m.params.MakerAmount)
		if err != nil {
			return m.sendPaymentFailed(fmt.Errorf("broadcast maker payment: %w", err))
		}
	}
	m.makerPaymentTx = tx

	record, err := m.MakerCoin.TxDetailsByHash(ctx, tx.TxHash())
	if err != nil {
		return m.sendPaymentFailed(fmt.Errorf("fetch maker payment details: %w", err))
	}

	subject := swapnet.Subject("maker-payment", m.saved.UUID)
	handle, err := m.Peers.Send(ctx, pubkeyBytes(m.params.OtherPersistentPub), subject, swapnet.FallbackGrace(swap.BasicCommTimeout), []byte(tx.TxHex()))
	if err != nil || handle.Wait(ctx) != nil {
		// The chain payment already landed: from here on only a refund
		// can recover the funds, never a plain retry of this state.
		e, everr := swap.NewEvent(swap.MakerPaymentDataSendFailed, swap.FailureData{Reason: "send maker payment data to taker failed"})
		return e, StateRefundMakerPayment, everr
	}

	e, err := swap.NewEvent(swap.MakerPaymentSent, swap.TxData{TxRecord: *record})
	return e, StateWaitForTakerPayment, err
}

func (m *Machine) sendPaymentFailed(err error) (swap.Event, State, error) {
	e, everr := swap.NewEvent(swap.MakerPaymentTransactionFailed, swap.FailureData{Reason: err.Error()})
	return e, StateFinish, everr
}

// doWaitForTakerPayment waits for the taker to hand over its payment
// transaction bytes (spec.md §4.5 "WaitForTakerPayment"). Deep validation
// and confirmation happen in ValidateTakerPayment.
func (m *Machine) doWaitForTakerPayment(ctx context.Context) (swap.Event, State, error) {
	subject := swapnet.Subject("taker-payment", m.saved.UUID)
	payload, err := m.Peers.Recv(ctx, subject, int(m.params.LockDuration/3), nil)
	if err != nil {
		return m.takerPaymentValidateFailed(fmt.Errorf("recv taker-payment: %w", err))
	}

	tx, err := m.TakerCoin.TxEnumFromBytes(payload)
	if err != nil {
		return m.takerPaymentValidateFailed(fmt.Errorf("decode taker payment tx: %w", err))
	}
	m.takerPaymentTx = tx

	record, err := m.TakerCoin.TxDetailsByHash(ctx, tx.TxHash())
	if err != nil {
		return m.takerPaymentValidateFailed(fmt.Errorf("fetch taker payment details: %w", err))
	}
	e, err := swap.NewEvent(swap.TakerPaymentReceived, swap.TxData{TxRecord: *record})
	return e, StateValidateTakerPayment, err
}

// doValidateTakerPayment checks the received transaction against the
// negotiated HTLC parameters and waits out its confirmation policy. It is
// idempotent: kickstart may resume here twice (once from
// TakerPaymentReceived, once from TakerPaymentWaitConfirmStarted) and
// re-running it is harmless, only redundant chain reads.
func (m *Machine) doValidateTakerPayment(ctx context.Context) (swap.Event, State, error) {
	if m.takerPaymentTx == nil {
		return m.takerPaymentValidateFailed(fmt.Errorf("no taker payment recorded to validate"))
	}

	if err := m.TakerCoin.ValidateTakerPayment(ctx, m.takerPaymentTx, m.params.TakerPaymentLock, m.params.OtherPersistentPub, m.params.SecretHash, m.params.TakerAmount); err != nil {
		return m.takerPaymentValidateFailed(fmt.Errorf("validate taker payment: %w", err))
	}

	deadline := time.Unix(m.params.StartedAt+m.params.LockDuration/3, 0)
	if err := m.TakerCoin.WaitForConfirmations(ctx, m.takerPaymentTx, m.params.TakerPaymentConfirmations, deadline, m.pollInterval()); err != nil {
		return m.takerPaymentValidateFailed(fmt.Errorf("wait for taker payment confirmations: %w", err))
	}

	record, err := m.TakerCoin.TxDetailsByHash(ctx, m.takerPaymentTx.TxHash())
	if err != nil {
		return m.takerPaymentValidateFailed(fmt.Errorf("fetch taker payment details: %w", err))
	}
	e, err := swap.NewEvent(swap.TakerPaymentValidatedConfirmed, swap.TxData{TxRecord: *record})
	return e, StateSpendTakerPayment, err
}

func (m *Machine) takerPaymentValidateFailed(err error) (swap.Event, State, error) {
	e, everr := swap.NewEvent(swap.TakerPaymentValidateFailed, swap.FailureData{Reason: err.Error()})
	return e, StateRefundMakerPayment, everr
}

// doSpendTakerPayment reveals the secret to claim the taker's HTLC output,
// per spec.md §4.5 "SpendTakerPayment".
func (m *Machine) doSpendTakerPayment(ctx context.Context) (swap.Event, State, error) {
	if m.params.Secret == nil {
		return m.takerPaymentSpendFailed(fmt.Errorf("no secret available to spend taker payment"))
	}

	tx, err := m.TakerCoin.SendMakerSpendsTakerPayment(ctx, m.takerPaymentTx, m.params.TakerPaymentLock, m.params.OtherPersistentPub, *m.params.Secret)
	if err != nil {
		return m.takerPaymentSpendFailed(fmt.Errorf("spend taker payment: %w", err))
	}

	record, err := m.TakerCoin.TxDetailsByHash(ctx, tx.TxHash())
	if err != nil {
		return m.takerPaymentSpendFailed(fmt.Errorf("fetch spend details: %w", err))
	}
	e, err := swap.NewEvent(swap.TakerPaymentSpent, swap.TxData{TxRecord: *record})
	return e, StateFinish, err
}

func (m *Machine) takerPaymentSpendFailed(err error) (swap.Event, State, error) {
	e, everr := swap.NewEvent(swap.TakerPaymentSpendFailed, swap.FailureData{Reason: err.Error()})
	return e, StateRefundMakerPayment, everr
}

// doRefundMakerPayment reclaims the maker's own HTLC after its lock time
// plus BIP113 grace has elapsed, per spec.md §4.5 "RefundMakerPayment" and
// §4.8's recovery procedure. It busy-waits out the remaining grace period
// rather than failing, since the whole point of this state is to wait.
func (m *Machine) doRefundMakerPayment(ctx context.Context) (swap.Event, State, error) {
	if m.makerPaymentTx == nil {
		// The maker payment never broadcast successfully; there is
		// nothing on-chain to refund.
		e, err := swap.NewEvent(swap.Finished, nil)
		return e, stateDone, err
	}

	refundAt := time.Unix(m.params.MakerPaymentLock+swap.RefundGraceSeconds, 0)
	if wait := time.Until(refundAt); wait > 0 {
		select {
		case <-ctx.Done():
			return swap.Event{}, "", ctx.Err()
		case <-time.After(wait):
		}
	}

	tx, err := m.MakerCoin.SendMakerRefundsPayment(ctx, m.makerPaymentTx, m.params.MakerPaymentLock, m.params.OtherPersistentPub, m.params.SecretHash)
	if err != nil {
		e, everr := swap.NewEvent(swap.MakerPaymentRefundFailed, swap.FailureData{Reason: err.Error()})
		return e, StateFinish, everr
	}

	record, err := m.MakerCoin.TxDetailsByHash(ctx, tx.TxHash())
	if err != nil {
		e, everr := swap.NewEvent(swap.MakerPaymentRefundFailed, swap.FailureData{Reason: fmt.Sprintf("fetch refund details: %v", err)})
		return e, StateFinish, everr
	}
	e, err := swap.NewEvent(swap.MakerPaymentRefunded, swap.TxData{TxRecord: *record})
	return e, StateFinish, err
}

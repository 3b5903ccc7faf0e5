// Package makerswap drives the maker half of a swap end-to-end, per
// spec.md §4.5. A Machine is strictly sequential: states run one at a
// time, appending exactly one event before the driver loop advances.
package makerswap

import (
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/cockroachdb/apd/v3"
	"github.com/google/uuid"

	"github.com/shellreserve/atomicswap/coins"
	"github.com/shellreserve/atomicswap/swap"
	"github.com/shellreserve/atomicswap/swapnet"
)

// State names the maker FSM's states, matching spec.md §4.5's table
// verbatim so kickstart can resume by name.
type State string

const (
	StateStart                  State = "Start"
	StateNegotiate              State = "Negotiate"
	StateWaitForTakerFee        State = "WaitForTakerFee"
	StateSendPayment            State = "SendPayment"
	StateWaitForTakerPayment    State = "WaitForTakerPayment"
	StateValidateTakerPayment   State = "ValidateTakerPayment"
	StateSpendTakerPayment      State = "SpendTakerPayment"
	StateRefundMakerPayment     State = "RefundMakerPayment"
	StateFinish                 State = "Finish"
	// stateDone is an internal sentinel: the machine has emitted
	// Finished and the driver loop should stop.
	stateDone State = ""
)

// Persister durably records a swap's full state after every transition
// (SPEC_FULL §4.3) and handles the Finished-event side effects (stats
// journal + broadcast).
type Persister interface {
	Persist(ctx context.Context, s *swap.SavedSwap) error
	Finish(ctx context.Context, s *swap.SavedSwap) error
}

// StartParams are the pre-agreed terms an external matcher hands the
// maker driver (spec.md §1: "accepts a pre-agreed pair").
type StartParams struct {
	UUID                                                     uuid.UUID
	MakerAmount, TakerAmount                                 *apd.Decimal
	MyPersistentPub, OtherPersistentPub                      *btcec.PublicKey
	MakerPaymentConfirmations, TakerPaymentConfirmations     uint64
	DexFeeAddr                                               string
	GUI, MMVersion                                           string
}

// Machine drives one maker swap to completion.
type Machine struct {
	Peers        swapnet.Peers
	Persister    Persister
	MakerCoin    coins.Coin
	TakerCoin    coins.Coin
	Now          func() time.Time
	PollInterval time.Duration
	DexFeeAddr   string

	saved  *swap.SavedSwap
	params swap.Params

	takerFeeTx     coins.Tx
	takerPaymentTx coins.Tx
	makerPaymentTx coins.Tx
}

func (m *Machine) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *Machine) pollInterval() time.Duration {
	if m.PollInterval > 0 {
		return m.PollInterval
	}
	return 10 * time.Second
}

// NewFromStart creates a fresh maker swap that has not yet run its Start
// state.
func NewFromStart(p StartParams, makerCoin, takerCoin coins.Coin) *Machine {
	return &Machine{
		MakerCoin:  makerCoin,
		TakerCoin:  takerCoin,
		DexFeeAddr: p.DexFeeAddr,
		saved: &swap.SavedSwap{
			UUID:      p.UUID,
			Role:      swap.RoleMaker,
			MakerCoin: makerCoin.Ticker(),
			TakerCoin: takerCoin.Ticker(),
			GUI:       p.GUI,
			MMVersion: p.MMVersion,
		},
		params: swap.Params{
			UUID:                      p.UUID,
			MakerCoin:                 makerCoin.Ticker(),
			TakerCoin:                 takerCoin.Ticker(),
			MakerAmount:               p.MakerAmount,
			TakerAmount:               p.TakerAmount,
			MyPersistentPub:           p.MyPersistentPub,
			OtherPersistentPub:        p.OtherPersistentPub,
			MakerPaymentConfirmations: p.MakerPaymentConfirmations,
			TakerPaymentConfirmations: p.TakerPaymentConfirmations,
		},
	}
}

// Resume reconstructs a Machine from a previously persisted SavedSwap for
// kickstart (spec.md §4.7). It returns the State the driver loop should
// begin running at.
func Resume(saved *swap.SavedSwap, makerCoin, takerCoin coins.Coin) (*Machine, State, error) {
	if len(saved.Events) == 0 {
		return nil, "", fmt.Errorf("makerswap: cannot resume a swap with no events")
	}
	var started swap.StartedData
	if err := saved.Events[0].Decode(&started); err != nil {
		return nil, "", fmt.Errorf("makerswap: decode Started event: %w", err)
	}

	m := &Machine{
		MakerCoin: makerCoin,
		TakerCoin: takerCoin,
		saved:     saved,
		params:    started.Params,
	}

	// Restore the payment handles later states act on from the events
	// that recorded them.
	for _, e := range saved.Events {
		var data swap.TxData
		switch {
		case e.Type == swap.MakerPaymentSent && e.Decode(&data) == nil:
			m.makerPaymentTx, _ = makerCoin.TxEnumFromBytes([]byte(data.TxRecord.TxHex))
		case e.Type == swap.TakerPaymentReceived && e.Decode(&data) == nil:
			m.takerPaymentTx, _ = takerCoin.TxEnumFromBytes([]byte(data.TxRecord.TxHex))
		}
	}

	next, err := ResumeState(saved.LastEvent().Type)
	if err != nil {
		return nil, "", err
	}
	return m, next, nil
}

// ResumeState implements the "→ next" column of spec.md §4.5's table for
// kickstart: given the type of the last recorded event, which state should
// run next. Per spec.md §9's open question, TakerPaymentReceived and
// TakerPaymentWaitConfirmStarted both resume at ValidateTakerPayment, so
// validation may run twice; ValidateTakerPayment is written idempotent to
// make that safe.
func ResumeState(last swap.EventType) (State, error) {
	switch last {
	case swap.Started:
		return StateNegotiate, nil
	case swap.Negotiated:
		return StateWaitForTakerFee, nil
	case swap.TakerFeeValidated:
		return StateSendPayment, nil
	case swap.MakerPaymentSent:
		return StateWaitForTakerPayment, nil
	case swap.TakerPaymentReceived, swap.TakerPaymentWaitConfirmStarted:
		return StateValidateTakerPayment, nil
	case swap.TakerPaymentValidatedConfirmed:
		return StateSpendTakerPayment, nil
	case swap.MakerPaymentDataSendFailed, swap.TakerPaymentValidateFailed, swap.TakerPaymentSpendFailed:
		return StateRefundMakerPayment, nil
	case swap.StartFailed, swap.NegotiateFailed, swap.TakerFeeValidateFailed,
		swap.MakerPaymentTransactionFailed, swap.MakerPaymentRefunded,
		swap.MakerPaymentRefundFailed, swap.TakerPaymentSpent, swap.Finished:
		return stateDone, nil
	default:
		return "", fmt.Errorf("makerswap: no resume mapping for event type %q", last)
	}
}

// Run drives the machine from State `from` until it reaches Finished or ctx
// is canceled between states. Per SPEC_FULL §5, a cancellation is only
// honored between states, never mid-transaction.
func (m *Machine) Run(ctx context.Context, from State) error {
	current := from
	for current != stateDone {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		event, next, err := m.step(ctx, current)
		if err != nil {
			return fmt.Errorf("makerswap: state %s: %w", current, err)
		}

		m.saved.AppendEvent(event)
		if err := m.Persister.Persist(ctx, m.saved); err != nil {
			// Fatal per spec.md §7: losing an event after acting
			// on-chain is unsafe. The caller must abort the process.
			return fmt.Errorf("makerswap: persist event %s: %w", event.Type, err)
		}
		if event.Type == swap.Finished {
			if err := m.Persister.Finish(ctx, m.saved); err != nil {
				return fmt.Errorf("makerswap: finish swap: %w", err)
			}
		}

		current = next
	}
	return nil
}

// step dispatches to the handler for the current state and returns the
// event to append plus the next state to run.
func (m *Machine) step(ctx context.Context, s State) (swap.Event, State, error) {
	switch s {
	case StateStart:
		return m.doStart(ctx)
	case StateNegotiate:
		return m.doNegotiate(ctx)
	case StateWaitForTakerFee:
		return m.doWaitForTakerFee(ctx)
	case StateSendPayment:
		return m.doSendPayment(ctx)
	case StateWaitForTakerPayment:
		return m.doWaitForTakerPayment(ctx)
	case StateValidateTakerPayment:
		return m.doValidateTakerPayment(ctx)
	case StateSpendTakerPayment:
		return m.doSpendTakerPayment(ctx)
	case StateRefundMakerPayment:
		return m.doRefundMakerPayment(ctx)
	case StateFinish:
		e, err := swap.NewEvent(swap.Finished, nil)
		return e, stateDone, err
	default:
		return swap.Event{}, "", fmt.Errorf("unknown state %q", s)
	}
}

// SavedSwap returns the machine's current in-memory record, e.g. for
// inspection by the registry's locked-amount accounting.
func (m *Machine) SavedSwap() *swap.SavedSwap { return m.saved }

// Params returns the frozen swap parameters (empty until Start succeeds).
func (m *Machine) Params() swap.Params { return m.params }

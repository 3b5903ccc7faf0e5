// Package takerswap drives the taker half of a swap end-to-end, per
// spec.md §4.6. Its Machine mirrors makerswap's shape: a strictly
// sequential driver over named states, each appending exactly one event
// before advancing.
package takerswap

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

// State names the taker FSM's states, matching spec.md §4.6's table
// verbatim so kickstart can resume by name.
type State string

const (
	StateStart                State = "Start"
	StateNegotiate            State = "Negotiate"
	StateSendTakerFee         State = "SendTakerFee"
	StateWaitForMakerPayment  State = "WaitForMakerPayment"
	StateValidateMakerPayment State = "ValidateMakerPayment"
	StateSendPayment          State = "SendPayment"
	StateWaitForMakerToSpend  State = "WaitForMakerToSpend"
	StateSpendMakerPayment    State = "SpendMakerPayment"
	StateRefundTakerPayment   State = "RefundTakerPayment"
	StateFinish               State = "Finish"
	stateDone                 State = ""
)

// Persister durably records a swap's full state after every transition, the
// same contract makerswap.Persister defines.
type Persister interface {
	Persist(ctx context.Context, s *swap.SavedSwap) error
	Finish(ctx context.Context, s *swap.SavedSwap) error
}

// StartParams are the pre-agreed terms an external matcher hands the taker
// driver.
type StartParams struct {
	UUID                                                 uuid.UUID
	MakerAmount, TakerAmount                             *apd.Decimal
	MyPersistentPub, OtherPersistentPub                  *btcec.PublicKey
	MakerPaymentConfirmations, TakerPaymentConfirmations uint64
	DexFeeAddr                                           string
	GUI, MMVersion                                       string
}

// Machine drives one taker swap to completion.
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

	makerPaymentTx coins.Tx
	takerPaymentTx coins.Tx
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

// NewFromStart creates a fresh taker swap that has not yet run its Start
// state.
func NewFromStart(p StartParams, makerCoin, takerCoin coins.Coin) *Machine {
	return &Machine{
		MakerCoin:  makerCoin,
		TakerCoin:  takerCoin,
		DexFeeAddr: p.DexFeeAddr,
		saved: &swap.SavedSwap{
			UUID:      p.UUID,
			Role:      swap.RoleTaker,
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
// kickstart (spec.md §4.7).
func Resume(saved *swap.SavedSwap, makerCoin, takerCoin coins.Coin) (*Machine, State, error) {
	if len(saved.Events) == 0 {
		return nil, "", fmt.Errorf("takerswap: cannot resume a swap with no events")
	}
	var started swap.StartedData
	if err := saved.Events[0].Decode(&started); err != nil {
		return nil, "", fmt.Errorf("takerswap: decode Started event: %w", err)
	}

	m := &Machine{
		MakerCoin: makerCoin,
		TakerCoin: takerCoin,
		saved:     saved,
		params:    started.Params,
	}

	// Restore the payment handles and the extracted secret later states
	// act on from the events that recorded them.
	for _, e := range saved.Events {
		var data swap.TxData
		var sd swap.SecretData
		switch {
		case e.Type == swap.MakerPaymentReceived && e.Decode(&data) == nil:
			m.makerPaymentTx, _ = makerCoin.TxEnumFromBytes([]byte(data.TxRecord.TxHex))
		case e.Type == swap.TakerPaymentSent && e.Decode(&data) == nil:
			m.takerPaymentTx, _ = takerCoin.TxEnumFromBytes([]byte(data.TxRecord.TxHex))
		case e.Type == swap.TakerPaymentSpent && e.Decode(&sd) == nil:
			m.params.Secret = &sd.Secret
		}
	}

	next, err := ResumeState(saved.LastEvent().Type)
	if err != nil {
		return nil, "", err
	}
	return m, next, nil
}

// ResumeState implements the "→ next" column of spec.md §4.6's table.
// MakerPaymentReceived and MakerPaymentWaitConfirmStarted both resume at
// ValidateMakerPayment, mirroring makerswap's documented double mapping;
// ValidateMakerPayment is written idempotent to make that safe.
func ResumeState(last swap.EventType) (State, error) {
	switch last {
	case swap.Started:
		return StateNegotiate, nil
	case swap.Negotiated:
		return StateSendTakerFee, nil
	case swap.TakerFeeSent:
		return StateWaitForMakerPayment, nil
	case swap.MakerPaymentReceived, swap.MakerPaymentWaitConfirmStarted:
		return StateValidateMakerPayment, nil
	case swap.MakerPaymentValidatedConfirmed:
		return StateSendPayment, nil
	case swap.TakerPaymentSent:
		return StateWaitForMakerToSpend, nil
	case swap.TakerPaymentSpent:
		// The maker has claimed the taker's payment, revealing the
		// secret; the taker now uses it to claim the maker's payment.
		return StateSpendMakerPayment, nil
	case swap.MakerPaymentValidateFailed, swap.TakerPaymentTransactionFailed,
		swap.TakerPaymentDataSendFailed, swap.TakerPaymentWaitForSpendFailed,
		swap.MakerPaymentSpendFailed:
		return StateRefundTakerPayment, nil
	case swap.StartFailed, swap.NegotiateFailed, swap.TakerFeeSendFailed,
		swap.MakerPaymentSpent, swap.TakerPaymentRefunded,
		swap.TakerPaymentRefundFailed, swap.Finished:
		return stateDone, nil
	default:
		return "", fmt.Errorf("takerswap: no resume mapping for event type %q", last)
	}
}

// Run drives the machine from State `from` until it reaches Finished or ctx
// is canceled between states.
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
			return fmt.Errorf("takerswap: state %s: %w", current, err)
		}

		m.saved.AppendEvent(event)
		if err := m.Persister.Persist(ctx, m.saved); err != nil {
			return fmt.Errorf("takerswap: persist event %s: %w", event.Type, err)
		}
		if event.Type == swap.Finished {
			if err := m.Persister.Finish(ctx, m.saved); err != nil {
				return fmt.Errorf("takerswap: finish swap: %w", err)
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
	case StateSendTakerFee:
		return m.doSendTakerFee(ctx)
	case StateWaitForMakerPayment:
		return m.doWaitForMakerPayment(ctx)
	case StateValidateMakerPayment:
		return m.doValidateMakerPayment(ctx)
	case StateSendPayment:
		return m.doSendPayment(ctx)
	case StateWaitForMakerToSpend:
		return m.doWaitForMakerToSpend(ctx)
	case StateSpendMakerPayment:
		return m.doSpendMakerPayment(ctx)
	case StateRefundTakerPayment:
		return m.doRefundTakerPayment(ctx)
	case StateFinish:
		e, err := swap.NewEvent(swap.Finished, nil)
		return e, stateDone, err
	default:
		return swap.Event{}, "", fmt.Errorf("unknown state %q", s)
	}
}

// SavedSwap returns the machine's current in-memory record.
func (m *Machine) SavedSwap() *swap.SavedSwap { return m.saved }

// Params returns the frozen swap parameters (empty until Start succeeds).
func (m *Machine) Params() swap.Params { return m.params }

package swap

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shellreserve/atomicswap/coins"
)

// EventType tags an Event's payload. Names mirror the state tables in
// spec.md §4.5/§4.6 verbatim so an outside viewer never has to parse
// free-form strings to understand a swap's semantic state.
type EventType string

const (
	Started                         EventType = "Started"
	StartFailed                     EventType = "StartFailed"
	Negotiated                      EventType = "Negotiated"
	NegotiateFailed                 EventType = "NegotiateFailed"
	TakerFeeValidated               EventType = "TakerFeeValidated"
	TakerFeeValidateFailed          EventType = "TakerFeeValidateFailed"
	MakerPaymentSent                EventType = "MakerPaymentSent"
	MakerPaymentTransactionFailed   EventType = "MakerPaymentTransactionFailed"
	TakerPaymentReceived            EventType = "TakerPaymentReceived"
	TakerPaymentWaitConfirmStarted  EventType = "TakerPaymentWaitConfirmStarted"
	MakerPaymentDataSendFailed      EventType = "MakerPaymentDataSendFailed"
	TakerPaymentValidatedConfirmed  EventType = "TakerPaymentValidatedAndConfirmed"
	TakerPaymentValidateFailed      EventType = "TakerPaymentValidateFailed"
	TakerPaymentSpent               EventType = "TakerPaymentSpent"
	TakerPaymentSpendFailed         EventType = "TakerPaymentSpendFailed"
	MakerPaymentRefunded            EventType = "MakerPaymentRefunded"
	MakerPaymentRefundFailed        EventType = "MakerPaymentRefundFailed"

	TakerFeeSent                  EventType = "TakerFeeSent"
	TakerFeeSendFailed             EventType = "TakerFeeSendFailed"
	MakerPaymentReceived           EventType = "MakerPaymentReceived"
	MakerPaymentWaitConfirmStarted EventType = "MakerPaymentWaitConfirmStarted"
	MakerPaymentValidatedConfirmed EventType = "MakerPaymentValidatedAndConfirmed"
	MakerPaymentValidateFailed     EventType = "MakerPaymentValidateFailed"
	TakerPaymentSent               EventType = "TakerPaymentSent"
	TakerPaymentTransactionFailed  EventType = "TakerPaymentTransactionFailed"
	TakerPaymentDataSendFailed     EventType = "TakerPaymentDataSendFailed"
	TakerPaymentWaitForSpendFailed EventType = "TakerPaymentWaitForSpendFailed"
	MakerPaymentSpent              EventType = "MakerPaymentSpent"
	MakerPaymentSpendFailed        EventType = "MakerPaymentSpendFailed"
	TakerPaymentRefunded           EventType = "TakerPaymentRefunded"
	TakerPaymentRefundFailed       EventType = "TakerPaymentRefundFailed"

	Finished EventType = "Finished"
)

// terminalTransactionEvents is the set of types invariant 2 (spec.md §3)
// pins: at most one of each may ever be recorded for a swap, and once
// recorded it is never replaced.
var terminalTransactionEvents = map[EventType]bool{
	MakerPaymentSent:     true,
	TakerPaymentSent:     true,
	TakerFeeSent:         true,
	TakerFeeValidated:    true,
	MakerPaymentReceived: true,
	TakerPaymentReceived: true,
	MakerPaymentValidatedConfirmed: true,
	TakerPaymentValidatedConfirmed: true,
	MakerPaymentSpent:    true,
	TakerPaymentSpent:    true,
	MakerPaymentRefunded: true,
	TakerPaymentRefunded: true,
}

// IsTerminalTransactionEvent reports whether t is one of the
// "*Sent/*Received/*Validated*/*Spent/*Refunded" variants pinned by
// invariant 2.
func IsTerminalTransactionEvent(t EventType) bool { return terminalTransactionEvents[t] }

// Event is one entry in a swap's append-only log: a timestamp and a
// tagged-variant payload. Payloads are (de)serialized through Data.
type Event struct {
	TimestampMs int64           `json:"timestamp_ms"`
	Type        EventType       `json:"type"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// NewEvent marshals payload into an Event stamped with the current time.
func NewEvent(t EventType, payload interface{}) (Event, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("swap: marshal %s event payload: %w", t, err)
		}
		raw = b
	}
	return Event{
		TimestampMs: time.Now().UnixMilli(),
		Type:        t,
		Data:        raw,
	}, nil
}

// Decode unmarshals e's payload into out.
func (e Event) Decode(out interface{}) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("swap: event %s carries no payload", e.Type)
	}
	return json.Unmarshal(e.Data, out)
}

// StartedData is the Started event's payload: the frozen swap parameters.
type StartedData struct {
	Params Params `json:"params"`
}

// FailureData is a generic payload for *Failed events that only need a
// human-readable reason.
type FailureData struct {
	Reason string `json:"reason"`
}

// TxData is a generic payload for events that pin a TransactionRecord.
type TxData struct {
	TxRecord coins.TransactionRecord `json:"tx_record"`
}

// SecretData carries the secret the taker extracted from the maker's claim
// transaction.
type SecretData struct {
	Secret coins.Secret `json:"secret"`
}

// SavedSwap is the on-disk record spec.md §3 defines: immutable identity
// fields plus the append-only Events vector that fully determines state.
type SavedSwap struct {
	UUID      uuid.UUID `json:"uuid"`
	Role      Role      `json:"type"`
	Events    []Event   `json:"events"`
	MakerCoin string    `json:"maker_coin"`
	TakerCoin string    `json:"taker_coin"`

	GUI       string `json:"gui"`
	MMVersion string `json:"mm_version"`
}

// LastEvent returns the most recently appended event, or the zero Event if
// none has been recorded yet.
func (s *SavedSwap) LastEvent() Event {
	if len(s.Events) == 0 {
		return Event{}
	}
	return s.Events[len(s.Events)-1]
}

// IsFinished reports whether the swap's log ends in a Finished event
// (invariant 3).
func (s *SavedSwap) IsFinished() bool {
	return s.LastEvent().Type == Finished
}

// AppendEvent appends e to the in-memory log. Persisting it durably is
// swaplog's responsibility; the driver must not act on e until swaplog
// confirms the append is durable (SPEC_FULL §5 ordering guarantee).
func (s *SavedSwap) AppendEvent(e Event) {
	s.Events = append(s.Events, e)
}

// HasEventType reports whether any recorded event carries type t.
func (s *SavedSwap) HasEventType(t EventType) bool {
	for _, e := range s.Events {
		if e.Type == t {
			return true
		}
	}
	return false
}

// MakerSuccessEvents and MakerErrorEvents are the static, declared event
// schemas for a maker swap (spec.md §3's "Saved swap" data model): the set
// of event types an outside viewer should expect to see along the happy
// path or an error path, independent of which ones actually fired.
var (
	MakerSuccessEvents = []EventType{
		Started, Negotiated, TakerFeeValidated, MakerPaymentSent,
		TakerPaymentReceived, TakerPaymentWaitConfirmStarted,
		TakerPaymentValidatedConfirmed, TakerPaymentSpent, Finished,
	}
	MakerErrorEvents = []EventType{
		StartFailed, NegotiateFailed, TakerFeeValidateFailed,
		MakerPaymentTransactionFailed, MakerPaymentDataSendFailed,
		TakerPaymentValidateFailed, TakerPaymentSpendFailed,
		MakerPaymentRefunded, MakerPaymentRefundFailed, Finished,
	}
	TakerSuccessEvents = []EventType{
		Started, Negotiated, TakerFeeSent, MakerPaymentReceived,
		MakerPaymentWaitConfirmStarted, MakerPaymentValidatedConfirmed,
		TakerPaymentSent, TakerPaymentSpent, MakerPaymentSpent, Finished,
	}
	TakerErrorEvents = []EventType{
		StartFailed, NegotiateFailed, TakerFeeSendFailed,
		MakerPaymentValidateFailed, TakerPaymentTransactionFailed,
		TakerPaymentDataSendFailed, TakerPaymentWaitForSpendFailed,
		MakerPaymentSpendFailed, TakerPaymentRefunded,
		TakerPaymentRefundFailed, Finished,
	}
)

// SuccessEvents returns the declared happy-path event schema for s.Role.
func (s *SavedSwap) SuccessEvents() []EventType {
	if s.Role == RoleTaker {
		return TakerSuccessEvents
	}
	return MakerSuccessEvents
}

// ErrorEvents returns the declared error-path event schema for s.Role.
func (s *SavedSwap) ErrorEvents() []EventType {
	if s.Role == RoleTaker {
		return TakerErrorEvents
	}
	return MakerErrorEvents
}

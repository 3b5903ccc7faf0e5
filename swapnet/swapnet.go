// Package swapnet defines the subject-addressed peer messaging interface
// the state machines use to negotiate and exchange swap transactions, per
// spec.md §4.2. The engine never talks to a transport directly; it only
// ever calls Peers.
package swapnet

import (
	"context"
	"fmt"
	"time"
)

// Subject builds the "<tag>@<uuid>" wire subject spec.md §4.2/§6 specify.
func Subject(tag string, uuid fmt.Stringer) string {
	return fmt.Sprintf("%s@%s", tag, uuid.String())
}

// Validator inspects a candidate payload before Recv returns it, rejecting
// adversarial or malformed noise early. A nil error accepts the payload.
type Validator func(payload []byte) error

// SendHandle represents an in-flight Send; dropping it via Cancel stops
// retrying/escalating to the fallback transport.
type SendHandle interface {
	// Wait blocks until the send is acknowledged or ctx is done.
	Wait(ctx context.Context) error
	// Cancel aborts an in-flight send.
	Cancel()
}

// Peers is the rendezvous capability spec.md §4.2 describes: ordered,
// subject-addressed, at-most-once delivery of the first valid payload per
// subject, with transport fallback after a grace period.
type Peers interface {
	// Send transmits payload to dest on subject, escalating to a
	// fallback transport after fallbackSeconds of no acknowledgment.
	Send(ctx context.Context, dest []byte, subject string, fallbackSeconds int, payload []byte) (SendHandle, error)
	// Recv blocks until a payload arrives on subject that validator
	// accepts, or the deadline implied by fallbackSeconds passes.
	Recv(ctx context.Context, subject string, fallbackSeconds int, validator Validator) ([]byte, error)
}

// FallbackGrace clamps timeout/3 to [30, 60] seconds, the policy
// constant from spec.md §6.
func FallbackGrace(timeoutSeconds int) int {
	g := timeoutSeconds / 3
	if g < 30 {
		return 30
	}
	if g > 60 {
		return 60
	}
	return g
}

// Deadline is a small helper for turning a fallback-seconds budget into a
// wall-clock deadline from now, used by callers constructing ctx timeouts
// around Recv.
func Deadline(fallbackSeconds int) time.Time {
	return time.Now().Add(time.Duration(fallbackSeconds) * time.Second)
}

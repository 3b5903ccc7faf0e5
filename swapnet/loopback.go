package swapnet

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// mailbox holds one pending payload per subject, created lazily. A buffered
// channel of size 1 gives "first valid payload wins, duplicates ignored"
// semantics for free: a second Send on the same subject before the first
// is drained blocks the sender (modeled here as a timeout), matching "at
// most one payload is ever delivered" rather than silently overwriting it.
type mailbox struct {
	mu    sync.Mutex
	chans map[string]chan []byte
}

func newMailbox() *mailbox {
	return &mailbox{chans: make(map[string]chan []byte)}
}

func (m *mailbox) chanFor(subject string) chan []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chans[subject]
	if !ok {
		c = make(chan []byte, 1)
		m.chans[subject] = c
	}
	return c
}

// loopbackHandle is the SendHandle a loopback endpoint hands back.
type loopbackHandle struct {
	done chan error
}

func (h *loopbackHandle) Wait(ctx context.Context) error {
	select {
	case err := <-h.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *loopbackHandle) Cancel() {}

// endpoint is one side of a NewLoopbackPair pair: it writes into the peer's
// mailbox and reads from its own.
type endpoint struct {
	mine *mailbox
	peer *mailbox
}

// NewLoopbackPair returns two Peers wired to each other in-process, for
// driving maker/taker integration tests without a real transport.
func NewLoopbackPair() (Peers, Peers) {
	a := newMailbox()
	b := newMailbox()
	return &endpoint{mine: a, peer: b}, &endpoint{mine: b, peer: a}
}

func (e *endpoint) Send(ctx context.Context, _ []byte, subject string, fallbackSeconds int, payload []byte) (SendHandle, error) {
	h := &loopbackHandle{done: make(chan error, 1)}
	c := e.peer.chanFor(subject)
	select {
	case c <- payload:
		h.done <- nil
	case <-ctx.Done():
		h.done <- ctx.Err()
	case <-time.After(time.Duration(fallbackSeconds) * time.Second):
		h.done <- fmt.Errorf("swapnet: send on %q timed out waiting for peer to drain mailbox", subject)
	}
	return h, nil
}

func (e *endpoint) Recv(ctx context.Context, subject string, fallbackSeconds int, validator Validator) ([]byte, error) {
	c := e.mine.chanFor(subject)
	deadline := time.After(time.Duration(fallbackSeconds) * time.Second)
	for {
		select {
		case payload := <-c:
			if validator != nil {
				if err := validator(payload); err != nil {
					// Adversarial/malformed payload: drop it and keep
					// waiting for a valid one within the deadline.
					continue
				}
			}
			return payload, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, fmt.Errorf("swapnet: recv on %q: %w", subject, context.DeadlineExceeded)
		}
	}
}

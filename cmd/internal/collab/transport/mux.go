package transport

import (
	"context"
	"sync"

	v1 "roomsync/shared/contracts/realtime/v1"
)

// Mux fans inbound envelopes out to the ordered event stream and to request waiters.
//
// The reader goroutine of a connection is the only caller of Deliver and Finish.
// Every envelope reaches Events; replies additionally reach the waiter registered for their Ref.
type Mux struct {
	events chan v1.Envelope
	done   chan struct{}

	closeOnce sync.Once

	mu      sync.Mutex
	waiters map[string]chan v1.Envelope
}

// NewMux constructs a Mux with an event buffer of the given size.
func NewMux(buffer int) *Mux {
	if buffer <= 0 {
		buffer = 256
	}
	return &Mux{
		events:  make(chan v1.Envelope, buffer),
		done:    make(chan struct{}),
		waiters: make(map[string]chan v1.Envelope),
	}
}

// Events returns the ordered inbound stream.
func (m *Mux) Events() <-chan v1.Envelope { return m.events }

// Done is closed once the Mux is closed.
func (m *Mux) Done() <-chan struct{} { return m.done }

// Deliver routes one inbound envelope. It blocks while the event buffer is full and reports
// false once the Mux is closed.
func (m *Mux) Deliver(env v1.Envelope) bool {
	if env.Ref != "" {
		m.mu.Lock()
		w, ok := m.waiters[env.Ref]
		if ok {
			delete(m.waiters, env.Ref)
		}
		m.mu.Unlock()
		if ok {
			w <- env
		}
	}

	select {
	case m.events <- env:
		return true
	case <-m.done:
		return false
	}
}

// Finish closes the event stream. Only the reader goroutine calls it, after its last Deliver.
func (m *Mux) Finish() {
	m.Close()
	close(m.events)
}

// Close unblocks Deliver and fails pending requests. It is idempotent.
func (m *Mux) Close() {
	m.closeOnce.Do(func() { close(m.done) })
}

// Request registers a waiter for env.ID, sends env with send, and waits for the reply.
// Error envelopes are returned as *RemoteError.
func (m *Mux) Request(ctx context.Context, env v1.Envelope, send func(context.Context, v1.Envelope) error) (v1.Envelope, error) {
	if env.ID == "" {
		return v1.Envelope{}, ErrClosed
	}
	select {
	case <-m.done:
		return v1.Envelope{}, ErrClosed
	default:
	}

	ch := make(chan v1.Envelope, 1)
	m.mu.Lock()
	m.waiters[env.ID] = ch
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.waiters, env.ID)
		m.mu.Unlock()
	}()

	if err := send(ctx, env); err != nil {
		return v1.Envelope{}, err
	}

	select {
	case reply := <-ch:
		if reply.Type == v1.TypeError {
			var p v1.ErrorPayload
			_ = reply.Decode(&p)
			return reply, &RemoteError{Code: p.Code, Message: p.Message}
		}
		return reply, nil
	case <-ctx.Done():
		return v1.Envelope{}, ctx.Err()
	case <-m.done:
		return v1.Envelope{}, ErrClosed
	}
}

// Package transport defines the connection contract the client core is written against,
// plus the reply demultiplexer shared by concrete transports.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"roomsync/cmd/internal/ids"
	v1 "roomsync/shared/contracts/realtime/v1"
)

var (
	// ErrClosed is returned by operations on a closed connection.
	ErrClosed = errors.New("transport: connection closed")
	// ErrBackpressure is returned when the outbound queue is full.
	ErrBackpressure = errors.New("transport: send queue full")
)

// Transport opens connections to the realtime service.
type Transport interface {
	Dial(ctx context.Context) (Conn, error)
}

// Conn is one live connection.
//
// Events delivers every inbound envelope in order and is closed when the connection ends.
// Send never waits for the network. Request sends and waits for the reply whose Ref matches.
type Conn interface {
	Events() <-chan v1.Envelope
	Send(ctx context.Context, env v1.Envelope) error
	Request(ctx context.Context, env v1.Envelope) (v1.Envelope, error)
	Close() error
}

// RemoteError is an error envelope returned for a request.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %s: %s", e.Code, e.Message)
}

// NewEnvelope builds a request envelope with a fresh id.
func NewEnvelope(typ, room string, payload any) (v1.Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return v1.Envelope{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	now := time.Now().UTC()
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      ids.MustULID(now),
		Room:    room,
		TS:      now,
		Payload: raw,
	}, nil
}

// Call sends a request built from payload and decodes the reply into out.
// The reply must be of type want.
func Call(ctx context.Context, c Conn, typ, room string, payload any, want string, out any) error {
	if c == nil {
		return ErrClosed
	}
	env, err := NewEnvelope(typ, room, payload)
	if err != nil {
		return err
	}
	reply, err := c.Request(ctx, env)
	if err != nil {
		return err
	}
	if reply.Type != want {
		return fmt.Errorf("transport: unexpected reply %q to %q", reply.Type, typ)
	}
	if out == nil {
		return nil
	}
	if err := reply.Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", reply.Type, err)
	}
	return nil
}

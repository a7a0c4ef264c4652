// Package loopback connects the client core to an in-process realtime.Dispatcher.
//
// It speaks the same envelopes as the WebSocket gateway without sockets, which makes
// multi-client scenarios and reconnects deterministic in tests.
package loopback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"roomsync/cmd/internal/collab/transport"
	"roomsync/cmd/internal/realtime"
	v1 "roomsync/shared/contracts/realtime/v1"
)

// ErrOffline is returned by Dial while the network is offline.
var ErrOffline = errors.New("loopback: network offline")

const queueSize = 256

// Network is a set of in-process connections to one dispatcher.
type Network struct {
	disp *realtime.Dispatcher

	mu      sync.Mutex
	offline bool
	conns   map[*Conn]struct{}
}

// NewNetwork constructs a Network in front of disp.
func NewNetwork(disp *realtime.Dispatcher) *Network {
	return &Network{disp: disp, conns: make(map[*Conn]struct{})}
}

// Transport returns a transport.Transport that declares m in hello.
func (n *Network) Transport(m v1.Member) *Endpoint {
	return &Endpoint{net: n, member: m}
}

// SetOffline makes subsequent dials fail. Existing connections are untouched.
func (n *Network) SetOffline(offline bool) {
	n.mu.Lock()
	n.offline = offline
	n.mu.Unlock()
}

// DropAll closes every live connection as if the server went away.
func (n *Network) DropAll() int {
	n.mu.Lock()
	conns := make([]*Conn, 0, len(n.conns))
	for c := range n.conns {
		conns = append(conns, c)
	}
	n.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	return len(conns)
}

// DropMember closes the live connections of one member.
func (n *Network) DropMember(id string) int {
	n.mu.Lock()
	var conns []*Conn
	for c := range n.conns {
		if c.member == id {
			conns = append(conns, c)
		}
	}
	n.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	return len(conns)
}

// Len returns the number of live connections.
func (n *Network) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.conns)
}

func (n *Network) track(c *Conn) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.offline {
		return ErrOffline
	}
	n.conns[c] = struct{}{}
	return nil
}

func (n *Network) untrack(c *Conn) {
	n.mu.Lock()
	delete(n.conns, c)
	n.mu.Unlock()
}

// Endpoint dials the network as one member.
type Endpoint struct {
	net    *Network
	member v1.Member
}

var _ transport.Transport = (*Endpoint)(nil)

// Dial opens a connection and completes hello.
func (e *Endpoint) Dial(ctx context.Context) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	client := realtime.NewClient(realtime.NewSessionID(time.Now().UTC()), queueSize)
	c := &Conn{
		member: e.member.ID,
		net:    e.net,
		disp:   e.net.disp,
		client: client,
		mux:    transport.NewMux(queueSize),
		pumped: make(chan struct{}),
	}
	if err := e.net.track(c); err != nil {
		return nil, err
	}
	e.net.disp.Connect(client)
	go c.pump()

	var ack v1.HelloAckPayload
	if err := transport.Call(ctx, c, v1.TypeHello, "", v1.HelloPayload{Member: e.member}, v1.TypeHelloAck, &ack); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("loopback: hello: %w", err)
	}
	return c, nil
}

// Conn is one in-process connection.
type Conn struct {
	member string
	net    *Network
	disp   *realtime.Dispatcher
	client *realtime.Client
	mux    *transport.Mux
	pumped chan struct{}

	sendMu    sync.Mutex
	closeOnce sync.Once
}

var _ transport.Conn = (*Conn)(nil)

// SessionID returns the server session id.
func (c *Conn) SessionID() string { return c.client.SessionID }

// Events implements transport.Conn.
func (c *Conn) Events() <-chan v1.Envelope { return c.mux.Events() }

// Send hands env to the dispatcher synchronously. Replies arrive on Events.
func (c *Conn) Send(ctx context.Context, env v1.Envelope) error {
	select {
	case <-c.mux.Done():
		return transport.ErrClosed
	default:
	}
	if err := env.Validate(); err != nil {
		return fmt.Errorf("loopback: %w", err)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.disp.Handle(ctx, c.client, env); err != nil {
		go func() { _ = c.Close() }()
		return err
	}
	return nil
}

// Request implements transport.Conn.
func (c *Conn) Request(ctx context.Context, env v1.Envelope) (v1.Envelope, error) {
	return c.mux.Request(ctx, env, c.Send)
}

// Close leaves every room, ends the event stream, and waits for the pump. It is idempotent.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.net.untrack(c)
		c.disp.Disconnect(c.client)
		c.client.Close()
		c.mux.Close()
	})
	<-c.pumped
	return nil
}

// pump moves server output into the mux, playing the role of a socket reader.
func (c *Conn) pump() {
	defer close(c.pumped)
	defer c.mux.Finish()

	for {
		select {
		case env := <-c.client.Send:
			if !c.mux.Deliver(env) {
				return
			}
		case <-c.client.Done():
			// Flush what the server queued before the close.
			for {
				select {
				case env := <-c.client.Send:
					if !c.mux.Deliver(env) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

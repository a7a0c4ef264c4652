// Package wsclient implements transport.Transport over the roomsync WebSocket protocol.
//
// A Conn owns one reader goroutine (the only caller of conn.Read) and one writer goroutine
// draining a bounded outbound queue. Every inbound envelope is delivered in order on Events;
// replies are additionally routed to the request waiting for their Ref.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"roomsync/cmd/internal/collab/transport"
	v1 "roomsync/shared/contracts/realtime/v1"
)

const (
	maxReadBytes = 1 << 20 // 1MiB

	defaultSendQueue        = 256
	defaultWriteTimeout     = 5 * time.Second
	defaultHandshakeTimeout = 7 * time.Second
)

// Dialer opens WebSocket connections and performs the hello handshake.
type Dialer struct {
	// URL is the ws:// or wss:// endpoint, e.g. ws://127.0.0.1:8080/ws.
	URL string
	// Member is declared in hello.
	Member v1.Member
	// Origin is sent as the Origin header when set.
	Origin string
	Header http.Header

	SendQueue        int
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration

	Log *slog.Logger
}

var _ transport.Transport = (*Dialer)(nil)

// Dial connects, negotiates the subprotocol, and completes hello.
func (d *Dialer) Dial(ctx context.Context) (transport.Conn, error) {
	if err := ValidateURL(d.URL); err != nil {
		return nil, fmt.Errorf("wsclient: invalid url: %w", err)
	}
	if err := ValidateOrigin(d.Origin); err != nil {
		return nil, fmt.Errorf("wsclient: invalid origin: %w", err)
	}
	if strings.TrimSpace(d.Member.ID) == "" {
		return nil, errors.New("wsclient: member id is required")
	}

	hsTimeout := orDuration(d.HandshakeTimeout, defaultHandshakeTimeout)
	dialCtx, cancel := context.WithTimeout(ctx, hsTimeout)
	defer cancel()

	h := http.Header{}
	for k, vs := range d.Header {
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	if strings.TrimSpace(d.Origin) != "" {
		h.Set("Origin", d.Origin)
	}

	ws, resp, err := websocket.Dial(dialCtx, d.URL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("wsclient: dial: %w", err)
	}
	if sp := ws.Subprotocol(); sp != v1.Subprotocol {
		_ = ws.Close(websocket.StatusProtocolError, "subprotocol required")
		return nil, fmt.Errorf("wsclient: server selected subprotocol %q", sp)
	}
	ws.SetReadLimit(maxReadBytes)

	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	queue := d.SendQueue
	if queue <= 0 {
		queue = defaultSendQueue
	}

	c := &Conn{
		log:          log,
		ws:           ws,
		mux:          transport.NewMux(queue),
		out:          make(chan v1.Envelope, queue),
		writeTimeout: orDuration(d.WriteTimeout, defaultWriteTimeout),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.stop = make(chan struct{})
	c.writerDone = make(chan struct{})
	c.wg.Add(2)
	go c.readLoop()
	go c.writeLoop()

	var ack v1.HelloAckPayload
	if err := transport.Call(dialCtx, c, v1.TypeHello, "", v1.HelloPayload{Member: d.Member}, v1.TypeHelloAck, &ack); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("wsclient: hello: %w", err)
	}
	c.sessionID = ack.SessionID
	log.Debug("wsclient.connect.ok", "session_id", ack.SessionID, "member_id", d.Member.ID)
	return c, nil
}

// Conn is one WebSocket connection.
type Conn struct {
	log *slog.Logger
	ws  *websocket.Conn
	mux *transport.Mux

	out          chan v1.Envelope
	writeTimeout time.Duration

	ctx        context.Context
	cancel     context.CancelFunc
	stop       chan struct{}
	writerDone chan struct{}
	wg         sync.WaitGroup

	closeOnce sync.Once
	sessionID string
}

var _ transport.Conn = (*Conn)(nil)

// SessionID returns the id assigned by the server in hello_ack.
func (c *Conn) SessionID() string { return c.sessionID }

// Events implements transport.Conn.
func (c *Conn) Events() <-chan v1.Envelope { return c.mux.Events() }

// Send queues env without waiting for the network.
func (c *Conn) Send(ctx context.Context, env v1.Envelope) error {
	select {
	case <-c.mux.Done():
		return transport.ErrClosed
	default:
	}
	select {
	case c.out <- env:
		return nil
	case <-c.mux.Done():
		return transport.ErrClosed
	default:
		return transport.ErrBackpressure
	}
}

// Request implements transport.Conn.
func (c *Conn) Request(ctx context.Context, env v1.Envelope) (v1.Envelope, error) {
	return c.mux.Request(ctx, env, c.Send)
}

// Close flushes queued envelopes, closes the socket, and waits for the reader and writer
// goroutines. It is idempotent.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.mux.Close()
		close(c.stop)
		select {
		case <-c.writerDone:
		case <-time.After(c.writeTimeout):
		}
		c.cancel()
		_ = c.ws.Close(websocket.StatusNormalClosure, "bye")
	})
	c.wg.Wait()
	return nil
}

func (c *Conn) readLoop() {
	defer c.wg.Done()
	defer c.mux.Finish()
	defer c.cancel()

	for {
		mt, data, err := c.ws.Read(c.ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && c.ctx.Err() == nil {
				c.log.Info("wsclient.read.fail", "session_id", c.sessionID, "err", err)
			}
			return
		}
		if mt != websocket.MessageText && mt != websocket.MessageBinary {
			continue
		}
		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Info("wsclient.read.bad_json", "session_id", c.sessionID, "err", err)
			continue
		}
		if !c.mux.Deliver(env) {
			return
		}
	}
}

func (c *Conn) writeLoop() {
	defer c.wg.Done()
	defer close(c.writerDone)

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.stop:
			c.drain()
			return
		case env := <-c.out:
			if err := c.write(env); err != nil {
				c.log.Info("wsclient.write.fail", "session_id", c.sessionID, "close_status", websocket.CloseStatus(err), "err", err)
				c.mux.Close()
				_ = c.ws.Close(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		}
	}
}

// drain writes what is queued without waiting for more.
func (c *Conn) drain() {
	for {
		select {
		case env := <-c.out:
			if err := c.write(env); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) write(env v1.Envelope) error {
	ctx, cancel := context.WithTimeout(c.ctx, c.writeTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return c.ws.Write(ctx, websocket.MessageText, b)
}

// ValidateURL checks that raw is a ws:// or wss:// URL with host and path.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

// ValidateOrigin checks an optional http(s) Origin value.
func ValidateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func orDuration(v, def time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return def
}

// Package client provides a Go client for the fetchq gateway: a
// WebSocket connection that subscribes to lifecycle topics and streams
// bus events to the application.
//
// Usage:
//
//	c, err := client.Dial(ctx, "ws://localhost:8090/ws")
//	defer c.Close()
//
//	if err := c.Subscribe(ctx, "job.*"); err != nil { ... }
//	for evt := range c.Events() {
//	    fmt.Printf("%s %s\n", evt.Topic, evt.ID)
//	}
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/mediaflow/fetchq/bus"
	"github.com/mediaflow/fetchq/gateway"
)

// ErrClosed is returned by operations on a closed client.
var ErrClosed = errors.New("client: connection closed")

// Option configures a Client.
type Option func(*Client)

// WithFormat sets the wire format ("json" or "msgpack").
func WithFormat(format string) Option {
	return func(c *Client) { c.format = format }
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithEventBuffer sets the live event channel capacity.
func WithEventBuffer(n int) Option {
	return func(c *Client) { c.eventBuffer = n }
}

// pending is one in-flight request awaiting its terminal frame. The
// gateway answers frames in order, so a FIFO of waiters correlates
// responses without frame IDs.
type pending struct {
	done    chan *gateway.Frame
	collect bool
	events  []*bus.Event
}

// Client is a gateway client. Safe for concurrent use; requests are
// serialized on the connection.
type Client struct {
	url         string
	format      string
	logger      *slog.Logger
	eventBuffer int

	codec  gateway.Codec
	conn   net.Conn
	events chan *bus.Event

	mu      sync.Mutex // guards writes and the waiter queue
	waiters []*pending

	closed atomic.Bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// Dial connects to a gateway and negotiates the wire format.
func Dial(ctx context.Context, url string, opts ...Option) (*Client, error) {
	c := &Client{
		url:         url,
		format:      gateway.CodecNameJSON,
		logger:      slog.Default(),
		eventBuffer: 64,
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.events = make(chan *bus.Event, c.eventBuffer)

	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", url, err)
	}
	c.conn = conn

	// The hello round trip happens before the read loop starts, so
	// the response is read directly. The hello itself always travels
	// as JSON; the ack comes back in the negotiated format.
	c.codec = &gateway.JSONCodec{}
	if err := c.writeFrame(&gateway.Frame{
		Type:      gateway.FrameHello,
		Format:    c.format,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("client: hello: %w", err)
	}
	c.codec = gateway.GetCodec(c.format)

	data, _, err := wsutil.ReadServerData(conn)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("client: hello response: %w", err)
	}
	ack, err := c.codec.Decode(data)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("client: decode hello response: %w", err)
	}
	if ack.Type != gateway.FrameAck {
		_ = conn.Close()
		return nil, fmt.Errorf("client: hello rejected: %s", ack.Error)
	}

	c.wg.Add(1)
	go c.readLoop()
	return c, nil
}

// Events returns the live event stream. The channel closes when the
// connection does.
func (c *Client) Events() <-chan *bus.Event { return c.events }

// Subscribe replaces the active topic subscription.
func (c *Client) Subscribe(ctx context.Context, patterns ...string) error {
	_, err := c.roundTrip(ctx, &gateway.Frame{
		Type:     gateway.FrameSubscribe,
		Patterns: patterns,
	}, false)
	return err
}

// Unsubscribe tears down the active subscription, if any.
func (c *Client) Unsubscribe(ctx context.Context) error {
	_, err := c.roundTrip(ctx, &gateway.Frame{Type: gateway.FrameUnsubscribe}, false)
	return err
}

// Replay fetches up to limit matching events from the gateway's
// history (0 = all retained).
func (c *Client) Replay(ctx context.Context, pattern string, limit int) ([]*bus.Event, error) {
	return c.roundTrip(ctx, &gateway.Frame{
		Type:    gateway.FrameReplay,
		Pattern: pattern,
		Limit:   limit,
	}, true)
}

// Ping checks connection liveness.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.roundTrip(ctx, &gateway.Frame{Type: gateway.FramePing}, false)
	return err
}

// Close tears down the connection. Safe to call more than once.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.done)
	err := c.conn.Close()
	c.wg.Wait()
	return err
}

// roundTrip sends a frame and waits for its terminal response. When
// collect is set, replayed events preceding the ack are gathered and
// returned.
func (c *Client) roundTrip(ctx context.Context, f *gateway.Frame, collect bool) ([]*bus.Event, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	f.Timestamp = time.Now().UTC()

	p := &pending{done: make(chan *gateway.Frame, 1), collect: collect}

	c.mu.Lock()
	c.waiters = append(c.waiters, p)
	err := c.writeFrameLocked(f)
	if err != nil {
		c.waiters = c.waiters[:len(c.waiters)-1]
	}
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	select {
	case resp := <-p.done:
		if resp == nil {
			return nil, ErrClosed
		}
		switch resp.Type {
		case gateway.FrameErr:
			return nil, fmt.Errorf("client: %s", resp.Error)
		default:
			return p.events, nil
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

func (c *Client) writeFrame(f *gateway.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeFrameLocked(f)
}

func (c *Client) writeFrameLocked(f *gateway.Frame) error {
	data, err := c.codec.Encode(f)
	if err != nil {
		return fmt.Errorf("client: encode frame: %w", err)
	}
	op := ws.OpText
	if c.codec.Name() == gateway.CodecNameMsgpack {
		op = ws.OpBinary
	}
	return wsutil.WriteClientMessage(c.conn, op, data)
}

func (c *Client) readLoop() {
	defer c.wg.Done()
	defer close(c.events)
	defer c.failWaiters()

	for {
		data, _, err := wsutil.ReadServerData(c.conn)
		if err != nil {
			if !c.closed.Load() {
				c.logger.Debug("client read error", slog.String("error", err.Error()))
			}
			return
		}
		f, err := c.codec.Decode(data)
		if err != nil {
			c.logger.Warn("client decode error", slog.String("error", err.Error()))
			continue
		}

		switch f.Type {
		case gateway.FrameEvent:
			if f.Replayed {
				c.mu.Lock()
				if len(c.waiters) > 0 && c.waiters[0].collect {
					c.waiters[0].events = append(c.waiters[0].events, f.Event)
				}
				c.mu.Unlock()
				continue
			}
			select {
			case c.events <- f.Event:
			case <-c.done:
				return
			default:
				c.logger.Warn("client event buffer full, dropping event",
					slog.String("topic", f.Event.Topic),
				)
			}

		case gateway.FrameAck, gateway.FrameErr, gateway.FramePong:
			c.mu.Lock()
			if len(c.waiters) > 0 {
				p := c.waiters[0]
				c.waiters = c.waiters[1:]
				p.done <- f
			}
			c.mu.Unlock()

		default:
			c.logger.Debug("client ignoring frame", slog.String("type", string(f.Type)))
		}
	}
}

// failWaiters unblocks every in-flight round trip after a disconnect.
func (c *Client) failWaiters() {
	c.mu.Lock()
	waiters := c.waiters
	c.waiters = nil
	c.mu.Unlock()
	for _, p := range waiters {
		p.done <- nil
	}
}

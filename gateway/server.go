package gateway

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/mediaflow/fetchq/bus"
)

// Option configures a gateway Server.
type Option func(*Server)

// WithLogger sets the logger for the server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithCodec sets the default codec. Clients can override via the
// hello frame's format field.
func WithCodec(codec Codec) Option {
	return func(s *Server) { s.defaultCodec = codec }
}

// WithSendBuffer sets the per-connection outbound frame buffer.
func WithSendBuffer(n int) Option {
	return func(s *Server) { s.sendBuffer = n }
}

// Server upgrades HTTP requests to WebSocket and streams bus events to
// subscribed clients. It implements http.Handler.
type Server struct {
	bus          *bus.Bus
	logger       *slog.Logger
	defaultCodec Codec
	sendBuffer   int

	mu    sync.Mutex
	conns map[*conn]struct{}
}

// NewServer creates a gateway server over the given bus.
func NewServer(b *bus.Bus, opts ...Option) *Server {
	s := &Server{
		bus:          b,
		logger:       slog.Default(),
		defaultCodec: &JSONCodec{},
		sendBuffer:   64,
		conns:        make(map[*conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ConnCount returns the number of active connections.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Shutdown closes every active connection.
func (s *Server) Shutdown() {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.teardown()
	}
}

// ServeHTTP upgrades the request and runs the connection until the
// client disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Warn("websocket upgrade failed",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		return
	}

	c := &conn{
		server: s,
		nc:     netConn,
		codec:  s.defaultCodec,
		out:    make(chan *Frame, s.sendBuffer),
		done:   make(chan struct{}),
	}
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	s.logger.Info("gateway client connected", slog.String("remote", r.RemoteAddr))

	c.wg.Add(1)
	go c.writeLoop()
	c.readLoop()
	c.wg.Wait()

	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	s.logger.Info("gateway client disconnected", slog.String("remote", r.RemoteAddr))
}

// conn is one WebSocket client. The read loop owns frame handling; the
// write loop owns the socket's outbound side so event pushes and
// responses never interleave mid-frame.
type conn struct {
	server *Server
	nc     net.Conn
	codec  Codec

	out  chan *Frame
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	// sub is the live bus subscription, nil until the first subscribe.
	subMu sync.Mutex
	sub   *bus.Subscription
	// pumpDone closes when the forwarding goroutine for sub exits.
	pumpDone chan struct{}
}

func (c *conn) readLoop() {
	defer c.teardown()

	for {
		data, op, err := wsutil.ReadClientData(c.nc)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				var closed wsutil.ClosedError
				if !errors.As(err, &closed) {
					c.server.logger.Debug("gateway read error", slog.String("error", err.Error()))
				}
			}
			return
		}
		if op != ws.OpText && op != ws.OpBinary {
			continue
		}

		frame, err := c.codec.Decode(data)
		if err != nil {
			c.send(errorFrame("malformed frame"))
			continue
		}
		c.handle(frame)
	}
}

func (c *conn) handle(f *Frame) {
	switch f.Type {
	case FrameHello:
		c.codec = GetCodec(f.Format)
		c.send(ackFrame())

	case FrameSubscribe:
		if len(f.Patterns) == 0 {
			c.send(errorFrame("subscribe requires at least one pattern"))
			return
		}
		c.resubscribe(f.Patterns)
		c.send(ackFrame())

	case FrameUnsubscribe:
		c.unsubscribe()
		c.send(ackFrame())

	case FrameReplay:
		pattern := f.Pattern
		if pattern == "" {
			pattern = "*"
		}
		for _, evt := range c.server.bus.History(pattern, f.Limit) {
			c.send(eventFrame(evt, true))
		}
		c.send(ackFrame())

	case FramePing:
		c.send(&Frame{Type: FramePong, Timestamp: time.Now().UTC()})

	default:
		c.send(errorFrame("unknown frame type"))
	}
}

// resubscribe replaces the connection's bus subscription with one for
// the given patterns.
func (c *conn) resubscribe(patterns []string) {
	c.unsubscribe()

	c.subMu.Lock()
	defer c.subMu.Unlock()

	sub := c.server.bus.Subscribe(patterns...)
	pumpDone := make(chan struct{})
	c.sub = sub
	c.pumpDone = pumpDone

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(pumpDone)
		for {
			select {
			case evt, ok := <-sub.C():
				if !ok {
					return
				}
				c.send(eventFrame(evt, false))
			case <-c.done:
				return
			}
		}
	}()
}

// unsubscribe tears down the bus subscription if any. Idempotent.
func (c *conn) unsubscribe() {
	c.subMu.Lock()
	sub := c.sub
	pumpDone := c.pumpDone
	c.sub = nil
	c.pumpDone = nil
	c.subMu.Unlock()

	if sub == nil {
		return
	}
	c.server.bus.Unsubscribe(sub)
	if pumpDone != nil {
		<-pumpDone
	}
}

// send queues a frame for the write loop, dropping it if the client
// cannot keep up.
func (c *conn) send(f *Frame) {
	select {
	case c.out <- f:
	case <-c.done:
	default:
		c.server.logger.Debug("gateway send buffer full, dropping frame",
			slog.String("type", string(f.Type)),
		)
	}
}

func (c *conn) writeLoop() {
	defer c.wg.Done()

	for {
		select {
		case f := <-c.out:
			data, err := c.codec.Encode(f)
			if err != nil {
				c.server.logger.Error("gateway encode error", slog.String("error", err.Error()))
				continue
			}
			op := ws.OpText
			if c.codec.Name() == CodecNameMsgpack {
				op = ws.OpBinary
			}
			if err := wsutil.WriteServerMessage(c.nc, op, data); err != nil {
				c.teardown()
				return
			}
		case <-c.done:
			return
		}
	}
}

// teardown closes the socket and the bus subscription. Safe to call
// from any goroutine, any number of times.
func (c *conn) teardown() {
	c.once.Do(func() {
		close(c.done)
		_ = c.nc.Close() //nolint:errcheck
	})
	c.unsubscribe()
}

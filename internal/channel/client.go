// Package channel is the driver's persistent, reconnecting realtime
// connection to the dispatch server.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"github.com/example/driver-dispatch/internal/observability"
)

// ErrNotConnected is returned by Send while the socket is down.
var ErrNotConnected = errors.New("realtime channel not connected")

// Handler receives the raw data of one inbound event.
type Handler func(data json.RawMessage)

// Envelope is the frame exchanged on the socket.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// TokenSource provides the bearer token sent on the upgrade request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

type Options struct {
	URL          string
	Tokens       TokenSource
	Dialer       *websocket.Dialer
	MinBackoff   time.Duration
	MaxBackoff   time.Duration
	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
}

func (o *Options) setDefaults() {
	if o.Dialer == nil {
		o.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment}
	}
	if o.MinBackoff <= 0 {
		o.MinBackoff = time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = (o.PongWait * 9) / 10
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
}

// Client holds one handler per event name. Registering a second handler
// for the same name replaces the first.
type Client struct {
	opts   Options
	logger *slog.Logger

	mu          sync.Mutex
	handlers    map[string]Handler
	connHandler func(connected bool)
	connected   bool
	conn        *websocket.Conn
	cancel      context.CancelFunc
	done        chan struct{}

	writeMu sync.Mutex
}

func New(opts Options, logger *slog.Logger) *Client {
	opts.setDefaults()
	return &Client{opts: opts, logger: logger, handlers: make(map[string]Handler)}
}

// Connect starts the connection loop for driverID. It returns immediately;
// connectivity is reported through OnConnectivityChange. Calling Connect
// while the loop runs is a no-op.
func (c *Client) Connect(ctx context.Context, driverID string) error {
	target, err := dialURL(c.opts.URL, driverID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		select {
		case <-c.done:
			c.cancel()
		default:
			return nil
		}
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(runCtx, target, c.done)
	return nil
}

// Disconnect stops the loop and closes the socket. Safe to call repeatedly.
func (c *Client) Disconnect() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (c *Client) On(event string, h Handler) {
	c.mu.Lock()
	c.handlers[event] = h
	c.mu.Unlock()
}

// OnConnectivityChange registers the connectivity handler and immediately
// delivers the current state to it.
func (c *Client) OnConnectivityChange(h func(connected bool)) {
	c.mu.Lock()
	c.connHandler = h
	current := c.connected
	c.mu.Unlock()
	if h != nil {
		h(current)
	}
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Send writes one event. There is no delivery acknowledgement.
func (c *Client) Send(event string, payload any) error {
	data, err := sonic.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	frame, err := sonic.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return fmt.Errorf("encode %s envelope: %w", event, err)
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("send %s: %w", event, err)
	}
	observability.ChannelEventsTotal.WithLabelValues("out", event).Inc()
	return nil
}

func (c *Client) run(ctx context.Context, target string, done chan struct{}) {
	defer close(done)
	backoff := c.opts.MinBackoff
	for {
		conn, err := c.dial(ctx, target)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("channel dial failed", "error", err, "backoff", backoff.String())
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > c.opts.MaxBackoff {
				backoff = c.opts.MaxBackoff
			}
			continue
		}
		backoff = c.opts.MinBackoff

		c.setConn(conn)
		err = c.serve(ctx, conn)
		c.setConn(nil)
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("channel connection lost", "error", err)
	}
}

func (c *Client) dial(ctx context.Context, target string) (*websocket.Conn, error) {
	header := http.Header{}
	if c.opts.Tokens != nil {
		tok, err := c.opts.Tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("channel token: %w", err)
		}
		header.Set("Authorization", "Bearer "+tok)
	}
	conn, _, err := c.opts.Dialer.DialContext(ctx, target, header)
	return conn, err
}

// serve runs the ping writer and the read loop until the connection fails
// or ctx is cancelled.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	stop := make(chan struct{})
	defer close(stop)
	defer conn.Close()

	go func() {
		ticker := time.NewTicker(c.opts.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				c.writeMu.Lock()
				_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(c.opts.WriteWait))
				c.writeMu.Unlock()
				_ = conn.Close()
				return
			case <-stop:
				return
			case <-ticker.C:
				c.writeMu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteWait))
				c.writeMu.Unlock()
				if err != nil {
					_ = conn.Close()
					return
				}
			}
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg []byte) {
	var env Envelope
	if err := sonic.Unmarshal(msg, &env); err != nil || env.Event == "" {
		c.logger.Warn("dropping malformed channel frame", "error", err, "raw", string(msg))
		return
	}
	observability.ChannelEventsTotal.WithLabelValues("in", env.Event).Inc()

	c.mu.Lock()
	h := c.handlers[env.Event]
	c.mu.Unlock()
	if h == nil {
		c.logger.Debug("no handler for channel event", "event", env.Event)
		return
	}
	h(env.Data)
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	connected := conn != nil
	changed := c.connected != connected
	c.connected = connected
	h := c.connHandler
	c.mu.Unlock()

	if !changed {
		return
	}
	if connected {
		observability.ChannelConnected.Set(1)
	} else {
		observability.ChannelConnected.Set(0)
	}
	if h != nil {
		h(connected)
	}
}

func dialURL(raw, driverID string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("channel url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("channel url: unsupported scheme %q", u.Scheme)
	}
	if driverID == "" {
		return "", errors.New("channel: driver id required")
	}
	q := u.Query()
	q.Set("type", "driver")
	q.Set("id", driverID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

package signaling

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/1ureka/peerlink/internal/util"
)

var (
	// ErrGaveUp is reported by Client.Err once reconnecting has been
	// abandoned.
	ErrGaveUp = errors.New("gave up connecting to relay")

	// ErrNotConnected is returned by Client.Send while no relay link is up.
	ErrNotConnected = errors.New("not connected to relay")
)

const writeTimeout = 10 * time.Second

// BackoffPolicy bounds reconnect attempts. MaxAttempts counts retries after
// the first failed dial; 0 retries forever.
type BackoffPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxAttempts     int
}

// ClientOptions configures a Client.
type ClientOptions struct {
	URL     string  // relay WebSocket URL
	Dialect Dialect // dialect declared to the relay and used for outbound frames
	Backoff BackoffPolicy
}

// Client is the peer side of the relay link. It keeps the link up with a
// bounded exponential backoff, announces itself after every (re)connect and
// delivers decoded inbound messages to a single handler goroutine.
type Client struct {
	opts ClientOptions
	log  *util.Logger

	handler func(Message)

	mu   sync.Mutex // serializes writes and guards conn
	conn *websocket.Conn

	done chan struct{}
	err  error
}

// NewClient creates a client. Call OnMessage before Start.
func NewClient(opts ClientOptions) *Client {
	if opts.Dialect == DialectUnknown {
		opts.Dialect = DialectStandard
	}
	return &Client{
		opts: opts,
		log:  util.NewLogger("relay-client"),
		done: make(chan struct{}),
	}
}

// OnMessage registers the handler for inbound messages. It runs on the
// client's read goroutine, one message at a time.
func (c *Client) OnMessage(fn func(Message)) {
	c.handler = fn
}

// Start runs the connect/read loop in the background until ctx is
// cancelled or reconnecting is abandoned.
func (c *Client) Start(ctx context.Context) {
	go func() {
		err := c.run(ctx)
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	}()
}

// Done is closed once the client has stopped for good.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err reports why the client stopped: ctx.Err() on cancellation, or an
// error wrapping ErrGaveUp. It is nil while the client is running.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Send writes m to the relay in the client's dialect.
func (c *Client) Send(m Message) error {
	frame, err := Encode(c.opts.Dialect, m)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("failed to write %s: %w", m.Kind, err)
	}
	return nil
}

func (c *Client) run(ctx context.Context) error {
	target, err := c.dialURL()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGaveUp, err)
	}

	for {
		conn, err := c.dial(ctx, target)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Errorf("giving up on relay: %v", err)
			return fmt.Errorf("%w: %v", ErrGaveUp, err)
		}

		c.setConn(conn)
		c.log.Infof("connected to relay %s", c.opts.URL)
		if err := c.Send(Message{Kind: KindAnnounce, Dialect: c.opts.Dialect}); err != nil {
			c.log.Warnf("announce failed: %v", err)
		}

		stop := context.AfterFunc(ctx, func() { conn.Close() })
		c.readLoop(conn)
		stop()
		c.setConn(nil)
		conn.Close()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warnf("relay link lost, reconnecting")
	}
}

// dial connects with exponential backoff. An auth or bad-request response
// from the relay is not retried.
func (c *Client) dial(ctx context.Context, target string) (*websocket.Conn, error) {
	b := backoff.NewExponentialBackOff()
	if c.opts.Backoff.InitialInterval > 0 {
		b.InitialInterval = c.opts.Backoff.InitialInterval
	}
	if c.opts.Backoff.MaxInterval > 0 {
		b.MaxInterval = c.opts.Backoff.MaxInterval
	}
	b.MaxElapsedTime = 0

	var policy backoff.BackOff = b
	if c.opts.Backoff.MaxAttempts > 0 {
		policy = backoff.WithMaxRetries(b, uint64(c.opts.Backoff.MaxAttempts))
	}

	var conn *websocket.Conn
	op := func() error {
		ws, resp, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
		if err != nil {
			if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusBadRequest) {
				return backoff.Permanent(fmt.Errorf("relay refused connection: %s", resp.Status))
			}
			return err
		}
		conn = ws
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.log.Warnf("relay dial failed: %v (retrying in %s)", err, wait.Round(time.Millisecond))
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(policy, ctx), notify); err != nil {
		return nil, err
	}
	return conn, nil
}

// dialURL adds the dialect declaration to the relay URL unless one is
// already present.
func (c *Client) dialURL() (string, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return "", fmt.Errorf("invalid relay URL: %w", err)
	}
	q := u.Query()
	if q.Get("dialect") == "" {
		q.Set("dialect", c.opts.Dialect.String())
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debugf("relay read failed: %v", err)
			}
			return
		}

		m, _, err := Decode(frame)
		if err != nil {
			c.log.Warnf("dropping frame from relay: %v", err)
			continue
		}
		if c.handler != nil {
			c.handler(m)
		}
	}
}

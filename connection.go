package relink

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/relinkio/relink/resource"
)

// Connection owns one broker network connection and keeps it alive
// through network failures. Many channels, and therefore many Senders
// and Subscribers, may derive from a single Connection.
type Connection struct {
	settings ConnectionSettings
	dialer   Dialer
	logger   *slog.Logger
	handler  *resource.Handler[BrokerConnection]
	blocked  atomic.Bool
}

type connectionConfig struct {
	dialer  Dialer
	logger  *slog.Logger
	handler []resource.Option[BrokerConnection]
}

// ConnectionOption configures a Connection.
type ConnectionOption func(*connectionConfig)

// WithDialer replaces the default AMQP dialer.
func WithDialer(dialer Dialer) ConnectionOption {
	return func(c *connectionConfig) {
		c.dialer = dialer
	}
}

// WithConnectionLogger sets the logger.
func WithConnectionLogger(logger *slog.Logger) ConnectionOption {
	return func(c *connectionConfig) {
		c.logger = logger
	}
}

// WithConnectionRetryPolicy sets the policy for initial connect
// attempts.
func WithConnectionRetryPolicy(policy resource.RetryPolicy) ConnectionOption {
	return func(c *connectionConfig) {
		c.handler = append(c.handler, resource.WithRetryPolicy[BrokerConnection](policy))
	}
}

// WithConnectionRecovery tunes the post-loss reconnect strategy:
// attempts quick tries spaced by delay, then one try every interval
// until success or Close.
func WithConnectionRecovery(attempts int, delay, interval time.Duration) ConnectionOption {
	return func(c *connectionConfig) {
		c.handler = append(c.handler, resource.WithRecovery[BrokerConnection](attempts, delay, interval))
	}
}

// NewConnection validates settings and starts connecting in the
// background. Use Ready to wait for the first attempt to settle.
func NewConnection(settings ConnectionSettings, opts ...ConnectionOption) (*Connection, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	cfg := &connectionConfig{
		dialer: DialAMQP,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	c := &Connection{
		settings: settings.withDefaults(),
		dialer:   cfg.dialer,
		logger:   cfg.logger,
	}

	handlerOpts := append([]resource.Option[BrokerConnection]{
		resource.WithLogger[BrokerConnection](cfg.logger),
		resource.WithCloser[BrokerConnection](closeBrokerConnection),
		resource.WithWatcher[BrokerConnection](watchBrokerConnection),
	}, cfg.handler...)

	c.handler = resource.New("connection "+c.settings.Host, c.dial, handlerOpts...)
	return c, nil
}

// dial is the handler factory.
func (c *Connection) dial(ctx context.Context) (BrokerConnection, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	conn, err := c.dialer(c.settings)
	if err != nil {
		return nil, &ConnectionError{
			Op:        "dial",
			URL:       SanitizeURL(c.settings.URL()),
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	c.blocked.Store(false)
	go c.watchBlocked(conn)

	c.logger.Info("connected to broker", "url", SanitizeURL(c.settings.URL()))
	return conn, nil
}

// watchBlocked forwards broker flow-control notifications for the life
// of one connection.
func (c *Connection) watchBlocked(conn BrokerConnection) {
	blockings := conn.NotifyBlocked(make(chan amqp.Blocking, 1))
	for b := range blockings {
		c.blocked.Store(b.Active)
		if b.Active {
			c.logger.Warn("broker blocked publishing", "reason", b.Reason)
			c.handler.Forward(EventBlocked, b.Reason)
		} else {
			c.logger.Info("broker resumed publishing")
			c.handler.Forward(EventUnblocked, nil)
		}
	}
}

func closeBrokerConnection(conn BrokerConnection) error {
	if conn.IsClosed() {
		return nil
	}
	return conn.Close()
}

// watchBrokerConnection turns the AMQP close notification into the
// watcher contract of the resource package.
func watchBrokerConnection(conn BrokerConnection) <-chan error {
	closes := conn.NotifyClose(make(chan *amqp.Error, 1))
	errs := make(chan error, 1)
	go func() {
		defer close(errs)
		if err, ok := <-closes; ok && err != nil {
			errs <- err
		}
	}()
	return errs
}

// Channel waits for the connection to be available and asks it for a
// fresh channel. It fails with ErrUnavailable when the connection could
// not be established.
func (c *Connection) Channel(ctx context.Context) (BrokerChannel, error) {
	if err := c.handler.Connect(ctx); err != nil {
		return nil, err
	}
	conn, err := c.handler.Resource()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{Op: "create channel", Err: err, Timestamp: time.Now()}
	}
	return ch, nil
}

// Ready blocks until the current connect attempt settles, successfully
// or not. Inspect Status and Err afterwards.
func (c *Connection) Ready(ctx context.Context) error {
	return c.handler.Connect(ctx)
}

// Status returns the connection lifecycle status.
func (c *Connection) Status() resource.Status {
	return c.handler.Status()
}

// Err returns the last connection error, if any.
func (c *Connection) Err() error {
	return c.handler.Err()
}

// IsBlocked reports whether the broker currently applies backpressure.
func (c *Connection) IsBlocked() bool {
	return c.blocked.Load()
}

// Settings returns a copy of the settings this connection was built
// from, with defaults applied.
func (c *Connection) Settings() ConnectionSettings {
	return c.settings
}

// Subscribe registers fn for status, error, retry, open, close, blocked
// and unblocked events. It returns an unsubscribe function.
func (c *Connection) Subscribe(kind resource.EventKind, fn func(resource.Event)) func() {
	return c.handler.Subscribe(kind, fn)
}

// Close tears the connection down. Closed connections stay closed; build
// a new Connection, or a new pool entry, to reconnect.
func (c *Connection) Close() error {
	return c.handler.Close()
}

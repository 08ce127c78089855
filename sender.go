package relink

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/relinkio/relink/resource"
)

// Sender publishes messages to one exchange over its own channel. The
// channel lives in its own handler, so a channel failure on one Sender
// never affects its siblings on the same Connection.
type Sender struct {
	conn       *Connection
	exchange   string
	routingKey string
	logger     *slog.Logger
	handler    *resource.Handler[BrokerChannel]
}

type senderConfig struct {
	routingKey string
	logger     *slog.Logger
	handler    []resource.Option[BrokerChannel]
}

// SenderOption configures a Sender.
type SenderOption func(*senderConfig)

// WithRoutingKey sets a fixed routing key used when Send is called with
// an empty one.
func WithRoutingKey(key string) SenderOption {
	return func(c *senderConfig) {
		c.routingKey = key
	}
}

// WithSenderLogger sets the logger.
func WithSenderLogger(logger *slog.Logger) SenderOption {
	return func(c *senderConfig) {
		c.logger = logger
	}
}

// WithSenderRetryPolicy sets the channel acquisition retry policy.
func WithSenderRetryPolicy(policy resource.RetryPolicy) SenderOption {
	return func(c *senderConfig) {
		c.handler = append(c.handler, resource.WithRetryPolicy[BrokerChannel](policy))
	}
}

// WithSenderRecovery tunes the channel reconnect strategy.
func WithSenderRecovery(attempts int, delay, interval time.Duration) SenderOption {
	return func(c *senderConfig) {
		c.handler = append(c.handler, resource.WithRecovery[BrokerChannel](attempts, delay, interval))
	}
}

// NewSender creates a sender targeting the given exchange. Publishing to
// the default exchange, i.e. directly to a queue named by the routing
// key, works with an empty exchange name.
func NewSender(conn *Connection, exchange string, opts ...SenderOption) *Sender {
	cfg := &senderConfig{logger: conn.logger}
	for _, opt := range opts {
		opt(cfg)
	}

	s := &Sender{
		conn:       conn,
		exchange:   exchange,
		routingKey: cfg.routingKey,
		logger:     cfg.logger,
	}

	handlerOpts := append([]resource.Option[BrokerChannel]{
		resource.WithLogger[BrokerChannel](cfg.logger),
		resource.WithCloser[BrokerChannel](channelCloser(conn)),
		resource.WithWatcher[BrokerChannel](watchBrokerChannel),
	}, cfg.handler...)

	s.handler = resource.New("sender "+exchange, s.openChannel, handlerOpts...)
	return s
}

// openChannel is the handler factory: it blocks until the parent
// connection yields a channel, so a connection outage simply stalls the
// sender's recovery until the connection itself recovers.
func (s *Sender) openChannel(ctx context.Context) (BrokerChannel, error) {
	return s.conn.Channel(ctx)
}

// channelCloser closes a channel only while its parent connection is
// still up. Closing a channel on an already-broken connection is
// pointless and may itself error.
func channelCloser(conn *Connection) resource.Closer[BrokerChannel] {
	return func(ch BrokerChannel) error {
		if conn.Status() != resource.StatusConnected {
			return nil
		}
		if ch.IsClosed() {
			return nil
		}
		return ch.Close()
	}
}

// watchBrokerChannel adapts the AMQP channel close notification to the
// watcher contract of the resource package.
func watchBrokerChannel(ch BrokerChannel) <-chan error {
	closes := ch.NotifyClose(make(chan *amqp.Error, 1))
	errs := make(chan error, 1)
	go func() {
		defer close(errs)
		if err, ok := <-closes; ok && err != nil {
			errs <- err
		}
	}()
	return errs
}

// PublishOptions carries per-publish protocol options.
type PublishOptions struct {
	Mandatory   bool
	Headers     amqp.Table
	Expiration  string
	ContentType string
}

// PublishOption mutates PublishOptions.
type PublishOption func(*PublishOptions)

// WithMandatory asks the broker to return unroutable messages.
func WithMandatory() PublishOption {
	return func(o *PublishOptions) { o.Mandatory = true }
}

// WithHeaders sets message headers.
func WithHeaders(headers amqp.Table) PublishOption {
	return func(o *PublishOptions) { o.Headers = headers }
}

// WithExpiration sets the per-message TTL, in milliseconds as the broker
// expects it.
func WithExpiration(expiration string) PublishOption {
	return func(o *PublishOptions) { o.Expiration = expiration }
}

// WithContentType overrides the inferred content type.
func WithContentType(contentType string) PublishOption {
	return func(o *PublishOptions) { o.ContentType = contentType }
}

// Send publishes payload with the given routing key, falling back to the
// sender's fixed key when empty. Byte and string payloads pass through
// unchanged; anything else is JSON-encoded. The boolean mirrors broker
// flow control: false means the broker signalled backpressure and the
// caller should hold off until an unblocked event.
//
// Send fails with ErrUnavailable while no channel is held; acquisition
// failures in the background are observable via status and events only.
func (s *Sender) Send(ctx context.Context, routingKey string, payload any, opts ...PublishOption) (bool, error) {
	key := routingKey
	if key == "" {
		key = s.routingKey
	}

	body, contentType, err := encodePayload(payload)
	if err != nil {
		return false, &PublishError{Exchange: s.exchange, RoutingKey: key, Err: err, Timestamp: time.Now()}
	}

	ch, err := s.handler.Resource()
	if err != nil {
		return false, err
	}

	opt := PublishOptions{ContentType: contentType}
	for _, o := range opts {
		o(&opt)
	}

	msg := amqp.Publishing{
		ContentType:  opt.ContentType,
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		MessageId:    uuid.NewString(),
		Headers:      opt.Headers,
		Expiration:   opt.Expiration,
	}

	if err := ch.PublishWithContext(ctx, s.exchange, key, opt.Mandatory, false, msg); err != nil {
		return false, &PublishError{Exchange: s.exchange, RoutingKey: key, Err: err, Timestamp: time.Now()}
	}

	return !s.conn.IsBlocked(), nil
}

// encodePayload serializes a payload and infers its content type.
func encodePayload(payload any) ([]byte, string, error) {
	switch v := payload.(type) {
	case nil:
		return nil, "application/octet-stream", nil
	case []byte:
		return v, "application/octet-stream", nil
	case string:
		return []byte(v), "text/plain", nil
	case json.RawMessage:
		return v, "application/json", nil
	default:
		body, err := json.Marshal(v)
		if err != nil {
			return nil, "", err
		}
		return body, "application/json", nil
	}
}

// Status returns the channel handler status.
func (s *Sender) Status() resource.Status {
	return s.handler.Status()
}

// Err returns the last channel error, if any.
func (s *Sender) Err() error {
	return s.handler.Err()
}

// Ready blocks until the current channel acquisition settles.
func (s *Sender) Ready(ctx context.Context) error {
	return s.handler.Connect(ctx)
}

// Subscribe registers fn for the sender's lifecycle events.
func (s *Sender) Subscribe(kind resource.EventKind, fn func(resource.Event)) func() {
	return s.handler.Subscribe(kind, fn)
}

// Close tears down the sender's channel. The parent Connection is not
// touched; it may be shared.
func (s *Sender) Close() error {
	return s.handler.Close()
}

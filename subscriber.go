package relink

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/relinkio/relink/resource"
)

// Message is one delivery received from a queue.
type Message struct {
	RoutingKey  string
	Exchange    string
	Body        []byte
	ContentType string
	Timestamp   time.Time
}

// Subscriber consumes one queue in auto-ack mode over its own channel.
// Deliveries are re-emitted as EventMessage events and mirrored on the
// Messages stream. When the channel is lost and recovered, consumption
// resumes on the fresh channel automatically.
type Subscriber struct {
	conn    *Connection
	queue   string
	tag     string
	logger  *slog.Logger
	handler *resource.Handler[BrokerChannel]

	messages chan Message
	pumps    sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

type subscriberConfig struct {
	logger  *slog.Logger
	buffer  int
	handler []resource.Option[BrokerChannel]
}

// SubscriberOption configures a Subscriber.
type SubscriberOption func(*subscriberConfig)

// WithSubscriberLogger sets the logger.
func WithSubscriberLogger(logger *slog.Logger) SubscriberOption {
	return func(c *subscriberConfig) {
		c.logger = logger
	}
}

// WithMessageBuffer sets the capacity of the Messages stream.
func WithMessageBuffer(size int) SubscriberOption {
	return func(c *subscriberConfig) {
		c.buffer = size
	}
}

// WithSubscriberRetryPolicy sets the channel acquisition retry policy.
func WithSubscriberRetryPolicy(policy resource.RetryPolicy) SubscriberOption {
	return func(c *subscriberConfig) {
		c.handler = append(c.handler, resource.WithRetryPolicy[BrokerChannel](policy))
	}
}

// WithSubscriberRecovery tunes the channel reconnect strategy.
func WithSubscriberRecovery(attempts int, delay, interval time.Duration) SubscriberOption {
	return func(c *subscriberConfig) {
		c.handler = append(c.handler, resource.WithRecovery[BrokerChannel](attempts, delay, interval))
	}
}

// NewSubscriber creates a subscriber for the given queue and starts
// consuming as soon as a channel is available.
func NewSubscriber(conn *Connection, queue string, opts ...SubscriberOption) *Subscriber {
	cfg := &subscriberConfig{logger: conn.logger, buffer: 64}
	for _, opt := range opts {
		opt(cfg)
	}

	s := &Subscriber{
		conn:     conn,
		queue:    queue,
		tag:      "relink-" + uuid.NewString(),
		logger:   cfg.logger,
		messages: make(chan Message, cfg.buffer),
	}

	handlerOpts := append([]resource.Option[BrokerChannel]{
		resource.WithLogger[BrokerChannel](cfg.logger),
		resource.WithCloser[BrokerChannel](channelCloser(conn)),
		resource.WithWatcher[BrokerChannel](watchBrokerChannel),
	}, cfg.handler...)

	s.handler = resource.New("subscriber "+queue, s.openChannel, handlerOpts...)
	return s
}

// openChannel is the handler factory: it obtains a channel from the
// parent connection and registers the consumer before the handler
// installs it, so a recovered channel resumes delivery immediately.
// Messages are consumed in auto-ack mode; the broker considers them
// delivered once sent.
func (s *Subscriber) openChannel(ctx context.Context) (BrokerChannel, error) {
	ch, err := s.conn.Channel(ctx)
	if err != nil {
		return nil, err
	}

	deliveries, err := ch.Consume(s.queue, s.tag, true, false, false, false, nil)
	if err != nil {
		if s.conn.Status() == resource.StatusConnected && !ch.IsClosed() {
			_ = ch.Close()
		}
		return nil, &ChannelError{Op: "consume", Queue: s.queue, Err: err, Timestamp: time.Now()}
	}

	// Close may have run while the channel was being acquired. The
	// handler discards the fresh channel in that case, and a pump started
	// now could outlive the message stream.
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ch, nil
	}
	s.pumps.Add(1)
	s.mu.Unlock()
	go s.pump(deliveries)

	s.logger.Info("consuming", "queue", s.queue, "consumerTag", s.tag)
	return ch, nil
}

// pump forwards deliveries until the channel dies. Every recovered
// channel gets a fresh pump.
func (s *Subscriber) pump(deliveries <-chan amqp.Delivery) {
	defer s.pumps.Done()

	for d := range deliveries {
		msg := Message{
			RoutingKey:  d.RoutingKey,
			Exchange:    d.Exchange,
			Body:        d.Body,
			ContentType: d.ContentType,
			Timestamp:   d.Timestamp,
		}

		s.handler.Forward(EventMessage, msg)
		s.enqueue(msg)
	}
}

// enqueue mirrors a delivery on the stream. The stream is a convenience
// tap beside the event path: a reader that stalls must not stall
// consumption, and a stream closed by Close must not be written.
func (s *Subscriber) enqueue(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	select {
	case s.messages <- msg:
	default:
		s.logger.Warn("message stream full, dropping delivery",
			"queue", s.queue,
			"routingKey", msg.RoutingKey)
	}
}

// Messages returns the delivery stream. It survives reconnects and is
// closed after Close once the last in-flight delivery is forwarded.
func (s *Subscriber) Messages() <-chan Message {
	return s.messages
}

// Status returns the channel handler status.
func (s *Subscriber) Status() resource.Status {
	return s.handler.Status()
}

// Err returns the last channel error, if any.
func (s *Subscriber) Err() error {
	return s.handler.Err()
}

// Ready blocks until the current channel acquisition settles.
func (s *Subscriber) Ready(ctx context.Context) error {
	return s.handler.Connect(ctx)
}

// Subscribe registers fn for the subscriber's events, including
// EventMessage. It returns an unsubscribe function.
func (s *Subscriber) Subscribe(kind resource.EventKind, fn func(resource.Event)) func() {
	return s.handler.Subscribe(kind, fn)
}

// Close stops consumption by tearing down the channel. The parent
// Connection is not touched; it may be shared.
//
// The closed flag is set before the stream is closed, so a pump racing
// an in-flight channel acquisition can never write to a closed stream:
// pumps registered before the flag are awaited, and none register after.
func (s *Subscriber) Close() error {
	if err := s.handler.Close(); err != nil {
		return err
	}

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	go func() {
		s.pumps.Wait()
		close(s.messages)
	}()
	return nil
}

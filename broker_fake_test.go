package relink

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type publishRecord struct {
	exchange   string
	routingKey string
	mandatory  bool
	msg        amqp.Publishing
}

type consumeRecord struct {
	queue   string
	tag     string
	autoAck bool
}

// fakeChannel implements BrokerChannel for tests.
type fakeChannel struct {
	mu             sync.Mutex
	published      []publishRecord
	consumes       []consumeRecord
	deliveries     chan amqp.Delivery
	closeNotifiers []chan *amqp.Error
	closed         bool
	publishErr     error
	consumeErr     error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{deliveries: make(chan amqp.Delivery, 16)}
}

func (c *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	if c.publishErr != nil {
		return c.publishErr
	}
	c.published = append(c.published, publishRecord{exchange: exchange, routingKey: key, mandatory: mandatory, msg: msg})
	return nil
}

func (c *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	if c.consumeErr != nil {
		return nil, c.consumeErr
	}
	c.consumes = append(c.consumes, consumeRecord{queue: queue, tag: consumer, autoAck: autoAck})
	return c.deliveries, nil
}

func (c *fakeChannel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.closeNotifiers = append(c.closeNotifiers, receiver)
	return receiver
}

func (c *fakeChannel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close is the graceful path: notifiers are closed without an error.
func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.closed = true
	for _, n := range c.closeNotifiers {
		close(n)
	}
	c.closeNotifiers = nil
	close(c.deliveries)
	return nil
}

// fail simulates the broker killing the channel.
func (c *fakeChannel) fail(err *amqp.Error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for _, n := range c.closeNotifiers {
		n <- err
		close(n)
	}
	c.closeNotifiers = nil
	close(c.deliveries)
}

// deliver pushes one message to the consumer. On a closed channel the
// message is lost, as it would be on a real broker.
func (c *fakeChannel) deliver(d amqp.Delivery) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.deliveries <- d
}

func (c *fakeChannel) publishedRecords() []publishRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]publishRecord, len(c.published))
	copy(out, c.published)
	return out
}

func (c *fakeChannel) consumeRecords() []consumeRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]consumeRecord, len(c.consumes))
	copy(out, c.consumes)
	return out
}

// fakeConn implements BrokerConnection for tests. Setting channelGate
// holds every Channel call until the gate closes.
type fakeConn struct {
	mu             sync.Mutex
	channels       []*fakeChannel
	channelErr     error
	channelGate    chan struct{}
	closeNotifiers []chan *amqp.Error
	blockNotifiers []chan amqp.Blocking
	closed         bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{}
}

func (c *fakeConn) Channel() (BrokerChannel, error) {
	c.mu.Lock()
	gate := c.channelGate
	c.mu.Unlock()
	if gate != nil {
		<-gate
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	if c.channelErr != nil {
		return nil, c.channelErr
	}
	ch := newFakeChannel()
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *fakeConn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.closeNotifiers = append(c.closeNotifiers, receiver)
	return receiver
}

func (c *fakeConn) NotifyBlocked(receiver chan amqp.Blocking) chan amqp.Blocking {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.blockNotifiers = append(c.blockNotifiers, receiver)
	}
	return receiver
}

func (c *fakeConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.closed = true
	for _, n := range c.closeNotifiers {
		close(n)
	}
	c.closeNotifiers = nil
	for _, n := range c.blockNotifiers {
		close(n)
	}
	c.blockNotifiers = nil
	return nil
}

// fail simulates the network connection dropping.
func (c *fakeConn) fail(err *amqp.Error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for _, n := range c.closeNotifiers {
		n <- err
		close(n)
	}
	c.closeNotifiers = nil
	for _, n := range c.blockNotifiers {
		close(n)
	}
	c.blockNotifiers = nil
}

// block simulates broker flow control.
func (c *fakeConn) block(active bool, reason string) {
	c.mu.Lock()
	notifiers := make([]chan amqp.Blocking, len(c.blockNotifiers))
	copy(notifiers, c.blockNotifiers)
	c.mu.Unlock()
	for _, n := range notifiers {
		n <- amqp.Blocking{Active: active, Reason: reason}
	}
}

func (c *fakeConn) lastChannel() *fakeChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.channels) == 0 {
		return nil
	}
	return c.channels[len(c.channels)-1]
}

// fakeBroker hands out fakeConns, optionally refusing the first dials.
type fakeBroker struct {
	mu       sync.Mutex
	dialErrs int
	dials    int
	conns    []*fakeConn
}

func (b *fakeBroker) dial(ConnectionSettings) (BrokerConnection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials++
	if b.dials <= b.dialErrs {
		return nil, errors.New("dial: connection refused")
	}
	conn := newFakeConn()
	b.conns = append(b.conns, conn)
	return conn, nil
}

func (b *fakeBroker) dialCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

func (b *fakeBroker) lastConn() *fakeConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.conns) == 0 {
		return nil
	}
	return b.conns[len(b.conns)-1]
}

package relink

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relinkio/relink/resource"
)

func fastSenderOptions() []SenderOption {
	return []SenderOption{
		WithSenderLogger(testLogger()),
		WithSenderRetryPolicy(resource.RetryPolicy{MaxAttempts: 5, MinDelay: time.Millisecond, BackoffFactor: 2.0}),
		WithSenderRecovery(3, time.Millisecond, 10*time.Millisecond),
	}
}

func newTestSender(t *testing.T, b *fakeBroker, exchange string, opts ...SenderOption) (*Sender, *Connection) {
	t.Helper()
	conn := newTestConnection(t, b)
	s := NewSender(conn, exchange, append(fastSenderOptions(), opts...)...)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Ready(context.Background()))
	return s, conn
}

func TestSenderSend(t *testing.T) {
	t.Run("publishes bytes verbatim as octet-stream", func(t *testing.T) {
		b := &fakeBroker{}
		s, _ := newTestSender(t, b, "events")

		ok, err := s.Send(context.Background(), "orders.created", []byte{0x01, 0x02})
		require.NoError(t, err)
		assert.True(t, ok)

		recs := b.lastConn().lastChannel().publishedRecords()
		require.Len(t, recs, 1)
		assert.Equal(t, "events", recs[0].exchange)
		assert.Equal(t, "orders.created", recs[0].routingKey)
		assert.Equal(t, []byte{0x01, 0x02}, recs[0].msg.Body)
		assert.Equal(t, "application/octet-stream", recs[0].msg.ContentType)
		assert.Equal(t, uint8(amqp.Persistent), recs[0].msg.DeliveryMode)
		assert.NotEmpty(t, recs[0].msg.MessageId)
	})

	t.Run("publishes strings as text", func(t *testing.T) {
		b := &fakeBroker{}
		s, _ := newTestSender(t, b, "events")

		_, err := s.Send(context.Background(), "k", "hello")
		require.NoError(t, err)

		recs := b.lastConn().lastChannel().publishedRecords()
		require.Len(t, recs, 1)
		assert.Equal(t, []byte("hello"), recs[0].msg.Body)
		assert.Equal(t, "text/plain", recs[0].msg.ContentType)
	})

	t.Run("JSON-encodes structs", func(t *testing.T) {
		b := &fakeBroker{}
		s, _ := newTestSender(t, b, "events")

		type order struct {
			ID    string `json:"id"`
			Total int    `json:"total"`
		}
		_, err := s.Send(context.Background(), "k", order{ID: "o-1", Total: 42})
		require.NoError(t, err)

		recs := b.lastConn().lastChannel().publishedRecords()
		require.Len(t, recs, 1)
		assert.Equal(t, "application/json", recs[0].msg.ContentType)

		var got order
		require.NoError(t, json.Unmarshal(recs[0].msg.Body, &got))
		assert.Equal(t, order{ID: "o-1", Total: 42}, got)
	})

	t.Run("unmarshalable payload fails with PublishFailed semantics", func(t *testing.T) {
		b := &fakeBroker{}
		s, _ := newTestSender(t, b, "events")

		_, err := s.Send(context.Background(), "k", func() {})
		require.Error(t, err)
		var perr *PublishError
		assert.ErrorAs(t, err, &perr)
	})

	t.Run("falls back to the fixed routing key", func(t *testing.T) {
		b := &fakeBroker{}
		s, _ := newTestSender(t, b, "events", WithRoutingKey("audit"))

		_, err := s.Send(context.Background(), "", "x")
		require.NoError(t, err)
		_, err = s.Send(context.Background(), "explicit", "y")
		require.NoError(t, err)

		recs := b.lastConn().lastChannel().publishedRecords()
		require.Len(t, recs, 2)
		assert.Equal(t, "audit", recs[0].routingKey)
		assert.Equal(t, "explicit", recs[1].routingKey)
	})

	t.Run("applies publish options", func(t *testing.T) {
		b := &fakeBroker{}
		s, _ := newTestSender(t, b, "events")

		_, err := s.Send(context.Background(), "k", "x",
			WithMandatory(),
			WithHeaders(amqp.Table{"trace": "abc"}),
			WithExpiration("60000"),
			WithContentType("application/xml"))
		require.NoError(t, err)

		recs := b.lastConn().lastChannel().publishedRecords()
		require.Len(t, recs, 1)
		assert.True(t, recs[0].mandatory)
		assert.Equal(t, amqp.Table{"trace": "abc"}, recs[0].msg.Headers)
		assert.Equal(t, "60000", recs[0].msg.Expiration)
		assert.Equal(t, "application/xml", recs[0].msg.ContentType)
	})

	t.Run("reports backpressure while the broker blocks", func(t *testing.T) {
		b := &fakeBroker{}
		s, conn := newTestSender(t, b, "events")

		b.lastConn().block(true, "memory alarm")
		require.Eventually(t, conn.IsBlocked, time.Second, time.Millisecond)

		ok, err := s.Send(context.Background(), "k", "x")
		require.NoError(t, err)
		assert.False(t, ok)

		b.lastConn().block(false, "")
		require.Eventually(t, func() bool { return !conn.IsBlocked() }, time.Second, time.Millisecond)

		ok, err = s.Send(context.Background(), "k", "x")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("fails with Unavailable while no channel is held", func(t *testing.T) {
		b := &fakeBroker{dialErrs: 1 << 30}
		conn := newTestConnection(t, b,
			WithConnectionRetryPolicy(resource.RetryPolicy{MaxAttempts: 1, MinDelay: time.Millisecond}))
		s := NewSender(conn, "events", append(fastSenderOptions(),
			WithSenderRetryPolicy(resource.RetryPolicy{MaxAttempts: 1, MinDelay: time.Millisecond}))...)
		t.Cleanup(func() { _ = s.Close() })

		_, err := s.Send(context.Background(), "k", "x")
		assert.ErrorIs(t, err, ErrUnavailable)
	})

	t.Run("wraps broker publish failures", func(t *testing.T) {
		b := &fakeBroker{}
		s, _ := newTestSender(t, b, "events")

		ch := b.lastConn().lastChannel()
		ch.mu.Lock()
		ch.publishErr = amqp.ErrClosed
		ch.mu.Unlock()

		_, err := s.Send(context.Background(), "k", "x")
		require.Error(t, err)
		var perr *PublishError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, "events", perr.Exchange)
		assert.ErrorIs(t, err, ErrPublishFailed)
		assert.ErrorIs(t, err, amqp.ErrClosed)
	})
}

func TestSenderRecovery(t *testing.T) {
	t.Run("reopens the channel after it drops", func(t *testing.T) {
		b := &fakeBroker{}
		s, _ := newTestSender(t, b, "events")
		first := b.lastConn().lastChannel()

		first.fail(&amqp.Error{Code: 504, Reason: "channel error"})

		assert.Eventually(t, func() bool {
			return s.Status() == resource.StatusConnected && b.lastConn().lastChannel() != first
		}, time.Second, time.Millisecond)

		_, err := s.Send(context.Background(), "k", "after recovery")
		assert.NoError(t, err)
	})

	t.Run("recovers across a connection loss", func(t *testing.T) {
		b := &fakeBroker{}
		s, _ := newTestSender(t, b, "events")
		firstConn := b.lastConn()

		firstConn.fail(&amqp.Error{Code: 320, Reason: "connection forced"})

		assert.Eventually(t, func() bool {
			return s.Status() == resource.StatusConnected && b.lastConn() != firstConn
		}, time.Second, time.Millisecond)

		_, err := s.Send(context.Background(), "k", "after reconnect")
		require.NoError(t, err)
		assert.Len(t, b.lastConn().lastChannel().publishedRecords(), 1)
	})
}

func TestSenderClose(t *testing.T) {
	t.Run("closes its channel but not the connection", func(t *testing.T) {
		b := &fakeBroker{}
		s, conn := newTestSender(t, b, "events")
		ch := b.lastConn().lastChannel()

		require.NoError(t, s.Close())
		assert.Equal(t, resource.StatusClosed, s.Status())
		assert.True(t, ch.IsClosed())
		assert.Equal(t, resource.StatusConnected, conn.Status())
	})

	t.Run("skips the channel close when the connection is down", func(t *testing.T) {
		b := &fakeBroker{}
		s, _ := newTestSender(t, b, "events",
			WithSenderRecovery(1, time.Hour, time.Hour))

		// Take the broker down for good so the connection stays lost.
		b.mu.Lock()
		b.dialErrs = 1 << 30
		b.mu.Unlock()
		b.lastConn().fail(&amqp.Error{Code: 320, Reason: "connection forced"})

		require.Eventually(t, func() bool {
			return s.Status() != resource.StatusConnected
		}, time.Second, time.Millisecond)

		assert.NoError(t, s.Close())
	})

	t.Run("second close fails with AlreadyClosed", func(t *testing.T) {
		b := &fakeBroker{}
		s, _ := newTestSender(t, b, "events")

		require.NoError(t, s.Close())
		assert.ErrorIs(t, s.Close(), ErrAlreadyClosed)
	})

	t.Run("sending after close fails with Closed", func(t *testing.T) {
		b := &fakeBroker{}
		s, _ := newTestSender(t, b, "events")

		require.NoError(t, s.Close())
		_, err := s.Send(context.Background(), "k", "x")
		assert.ErrorIs(t, err, ErrClosed)
	})
}

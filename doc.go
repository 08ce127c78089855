// Package relink provides self-healing AMQP connectivity.
//
// This package includes:
//   - Connection: one broker connection with automatic reconnection
//   - Sender: publishes to an exchange over its own managed channel
//   - Subscriber: consumes a queue in auto-ack mode over its own managed channel
//   - ConnectionPool: shares Connections between components with equal settings
//
// Each of these wraps a resource.Handler, the generic state machine that
// retries resource creation with exponential backoff, detects loss of
// the live resource and recovers it, while callers keep a stable handle
// and a status/event stream no matter how many times the underlying
// connection or channel has been replaced.
//
// Delivery guarantees are whatever the broker and the acknowledgment
// mode provide; relink adds none of its own and persists nothing.
//
// Example usage:
//
//	pool := relink.NewConnectionPool()
//	defer pool.CloseAll()
//
//	conn, err := pool.Open(relink.ConnectionSettings{Host: "broker.local"})
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	sender := relink.NewSender(conn, "events")
//	ok, err := sender.Send(ctx, "orders.created", order)
//
//	sub := relink.NewSubscriber(conn, "orders")
//	for msg := range sub.Messages() {
//		handle(msg)
//	}
package relink

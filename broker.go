package relink

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/relinkio/relink/resource"
)

// Event kinds forwarded from the broker in addition to the lifecycle
// kinds defined by the resource package.
const (
	// EventBlocked fires when the broker pauses publishers; the payload
	// is the broker's reason string.
	EventBlocked resource.EventKind = "blocked"
	// EventUnblocked fires when the broker resumes publishers.
	EventUnblocked resource.EventKind = "unblocked"
	// EventMessage fires for every delivery a Subscriber receives; the
	// payload is a Message.
	EventMessage resource.EventKind = "message"
)

// BrokerConnection is the slice of an AMQP connection this library
// needs. The amqp091 client satisfies it through a thin adapter, and
// tests substitute fakes.
type BrokerConnection interface {
	Channel() (BrokerChannel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	NotifyBlocked(receiver chan amqp.Blocking) chan amqp.Blocking
	IsClosed() bool
	Close() error
}

// BrokerChannel is the slice of an AMQP channel this library needs.
type BrokerChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// Dialer opens a broker connection from settings.
type Dialer func(ConnectionSettings) (BrokerConnection, error)

// amqpConnection adapts *amqp.Connection so Channel returns the
// interface type.
type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) Channel() (BrokerChannel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// DialAMQP is the default Dialer. It selects encrypted or plaintext
// transport from the settings, loads the CA bundle when requested and
// passes the keep-alive interval as the AMQP heartbeat.
func DialAMQP(settings ConnectionSettings) (BrokerConnection, error) {
	settings = settings.withDefaults()

	cfg := amqp.Config{
		Vhost:      settings.Vhost,
		Heartbeat:  settings.KeepAlive,
		Properties: amqp.NewConnectionProperties(),
	}

	if settings.UseTLS {
		tlsCfg := &tls.Config{
			InsecureSkipVerify: !settings.VerifyServerCert,
		}
		if settings.UseCA {
			pem, err := LoadCertificate(settings.CA)
			if err != nil {
				return nil, err
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				return nil, fmt.Errorf("%w: %s", ErrInvalidCACertificate, settings.CA)
			}
			tlsCfg.RootCAs = pool
		}
		cfg.TLSClientConfig = tlsCfg
	}

	conn, err := amqp.DialConfig(settings.URL(), cfg)
	if err != nil {
		return nil, err
	}
	return amqpConnection{conn}, nil
}

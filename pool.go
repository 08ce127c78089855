package relink

import (
	"errors"
	"log/slog"
	"sync"
)

// ConnectionPool deduplicates Connections by a structural fingerprint of
// their settings, so every component addressing the same broker shares
// one physical connection. The pool owns its Connections; Senders and
// Subscribers hold non-owning references and must not close a pooled
// Connection directly.
//
// Pools are plain values with an explicit lifecycle. Construct one per
// process, or per test, instead of sharing a package-level singleton.
type ConnectionPool struct {
	logger   *slog.Logger
	connOpts []ConnectionOption

	mu     sync.Mutex
	conns  map[string]*Connection
	closed bool
}

type poolConfig struct {
	logger   *slog.Logger
	connOpts []ConnectionOption
}

// PoolOption configures a ConnectionPool.
type PoolOption func(*poolConfig)

// WithPoolLogger sets the logger.
func WithPoolLogger(logger *slog.Logger) PoolOption {
	return func(c *poolConfig) {
		c.logger = logger
	}
}

// WithPoolConnectionOptions sets options applied to every Connection the
// pool creates.
func WithPoolConnectionOptions(opts ...ConnectionOption) PoolOption {
	return func(c *poolConfig) {
		c.connOpts = append(c.connOpts, opts...)
	}
}

// NewConnectionPool creates an empty pool.
func NewConnectionPool(opts ...PoolOption) *ConnectionPool {
	cfg := &poolConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(cfg)
	}
	return &ConnectionPool{
		logger:   cfg.logger,
		connOpts: cfg.connOpts,
		conns:    make(map[string]*Connection),
	}
}

// Open returns the Connection registered for settings, creating and
// registering a new one on first use. Structurally equal settings,
// credentials included, always yield the same Connection.
func (p *ConnectionPool) Open(settings ConnectionSettings) (*Connection, error) {
	key, err := settings.Fingerprint()
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}
	if conn, ok := p.conns[key]; ok {
		return conn, nil
	}

	conn, err := NewConnection(settings, p.connOpts...)
	if err != nil {
		return nil, err
	}
	p.conns[key] = conn

	p.logger.Info("pooled new connection",
		"fingerprint", key,
		"host", conn.Settings().Host,
		"vhost", conn.Settings().Vhost)
	return conn, nil
}

// Close removes the Connection registered for settings and closes it.
// An unknown fingerprint is a no-op. A later Open with the same settings
// creates a fresh Connection.
func (p *ConnectionPool) Close(settings ConnectionSettings) error {
	key, err := settings.Fingerprint()
	if err != nil {
		return err
	}

	p.mu.Lock()
	conn, ok := p.conns[key]
	delete(p.conns, key)
	p.mu.Unlock()

	if !ok {
		return nil
	}
	p.logger.Info("closing pooled connection", "fingerprint", key)
	return conn.Close()
}

// CloseAll tears the pool down: every pooled Connection is closed and
// the pool stops accepting Open calls.
func (p *ConnectionPool) CloseAll() error {
	p.mu.Lock()
	p.closed = true
	conns := make([]*Connection, 0, len(p.conns))
	for _, conn := range p.conns {
		conns = append(conns, conn)
	}
	p.conns = make(map[string]*Connection)
	p.mu.Unlock()

	var errs []error
	for _, conn := range conns {
		if err := conn.Close(); err != nil && !errors.Is(err, ErrAlreadyClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Size returns the number of pooled connections.
func (p *ConnectionPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Connections returns a snapshot of the pooled connections.
func (p *ConnectionPool) Connections() []*Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	conns := make([]*Connection, 0, len(p.conns))
	for _, conn := range p.conns {
		conns = append(conns, conn)
	}
	return conns
}

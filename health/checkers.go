package health

import (
	"context"
	"fmt"
	"time"

	"github.com/relinkio/relink"
	"github.com/relinkio/relink/resource"
)

// ConnectionChecker reports the live status of one relink Connection.
type ConnectionChecker struct {
	name string
	conn *relink.Connection
}

// NewConnectionChecker creates a checker for conn. The name shows up in
// aggregated reports.
func NewConnectionChecker(name string, conn *relink.Connection) *ConnectionChecker {
	return &ConnectionChecker{name: name, conn: conn}
}

func (c *ConnectionChecker) Name() string {
	return fmt.Sprintf("connection_%s", c.name)
}

// Check reads the connection's in-memory status. It never blocks and
// makes no broker round trip, so the context goes unused.
func (c *ConnectionChecker) Check(_ context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	status := c.conn.Status()
	result.Details["status"] = status.String()
	result.Details["blocked"] = c.conn.IsBlocked()
	if err := c.conn.Err(); err != nil {
		result.Error = err.Error()
	}

	switch status {
	case resource.StatusConnected:
		result.Status = StatusHealthy
		result.Message = "connection is up"
		if c.conn.IsBlocked() {
			result.Status = StatusDegraded
			result.Message = "broker is applying backpressure"
		}
	case resource.StatusConnecting:
		result.Status = StatusDegraded
		result.Message = "connection attempt in progress"
	case resource.StatusError:
		result.Status = StatusUnhealthy
		result.Message = "connection is down"
	default:
		result.Status = StatusUnhealthy
		result.Message = "connection is closed"
	}

	result.Duration = time.Since(start)
	return result
}

// PoolChecker reports the aggregate state of a ConnectionPool: healthy
// when every pooled connection is up, degraded when some are, unhealthy
// when none are.
type PoolChecker struct {
	pool *relink.ConnectionPool
}

// NewPoolChecker creates a checker for pool.
func NewPoolChecker(pool *relink.ConnectionPool) *PoolChecker {
	return &PoolChecker{pool: pool}
}

func (c *PoolChecker) Name() string {
	return "connection_pool"
}

// Check reads each pooled connection's in-memory status. It never
// blocks and makes no broker round trip, so the context goes unused.
func (c *PoolChecker) Check(_ context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	conns := c.pool.Connections()
	connected := 0
	for _, conn := range conns {
		if conn.Status() == resource.StatusConnected {
			connected++
		}
	}

	result.Details["pool_size"] = len(conns)
	result.Details["connected"] = connected

	switch {
	case len(conns) == 0:
		result.Status = StatusHealthy
		result.Message = "pool is empty"
	case connected == len(conns):
		result.Status = StatusHealthy
		result.Message = "all pooled connections are up"
	case connected > 0:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d of %d pooled connections are up", connected, len(conns))
	default:
		result.Status = StatusUnhealthy
		result.Message = "no pooled connection is up"
	}

	result.Duration = time.Since(start)
	return result
}

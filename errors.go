package relink

import (
	"errors"
	"fmt"
	"time"

	"github.com/relinkio/relink/resource"
)

var (
	// ErrUnavailable is returned when a connection or channel is requested
	// while not connected.
	ErrUnavailable = resource.ErrUnavailable
	// ErrClosed is returned for operations on a closing or closed handle.
	ErrClosed = resource.ErrClosed
	// ErrAlreadyClosed is returned by Close on an already terminal handle.
	ErrAlreadyClosed = resource.ErrAlreadyClosed
	// ErrAcquisitionFailed wraps the last error once a retry budget is
	// exhausted.
	ErrAcquisitionFailed = resource.ErrAcquisitionFailed

	// ErrPublishFailed marks a publish the broker rejected or could not
	// accept.
	ErrPublishFailed = errors.New("relink: publish failed")
	// ErrInvalidCACertificate means the configured CA bundle contained no
	// usable certificate.
	ErrInvalidCACertificate = errors.New("relink: invalid CA certificate")
	// ErrPoolClosed is returned by Open on a torn-down pool.
	ErrPoolClosed = errors.New("relink: connection pool closed")
)

// ConnectionError represents a broker connection failure.
type ConnectionError struct {
	Op        string    // Operation that failed
	URL       string    // Connection URL (sanitized)
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("relink connection error: %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ChannelError represents a channel-level failure.
type ChannelError struct {
	Op        string    // Operation that failed
	Queue     string    // Queue involved, if any
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ChannelError) Error() string {
	if e.Queue != "" {
		return fmt.Sprintf("relink channel error: %s on queue %s: %v", e.Op, e.Queue, e.Err)
	}
	return fmt.Sprintf("relink channel error: %s: %v", e.Op, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// PublishError represents a failed publish.
type PublishError struct {
	Exchange   string    // Target exchange
	RoutingKey string    // Routing key used
	Err        error     // Underlying error
	Timestamp  time.Time // When the error occurred
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("relink publish error: %s/%s: %v", e.Exchange, e.RoutingKey, e.Err)
}

// Unwrap matches both ErrPublishFailed and the underlying cause.
func (e *PublishError) Unwrap() []error {
	return []error{ErrPublishFailed, e.Err}
}

// Package resource implements a generic lifecycle manager for fallible,
// closeable resources such as broker connections and channels. A Handler
// owns one resource, retries its creation with exponential backoff,
// watches it for failure, and recovers it after loss, while exposing a
// stable status and event stream to callers no matter how many times the
// underlying resource has been replaced.
package resource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrUnavailable is returned by Resource when no live resource is held.
	ErrUnavailable = errors.New("resource: unavailable")
	// ErrClosed is returned for operations on a closing or closed handler.
	ErrClosed = errors.New("resource: handler closed")
	// ErrAlreadyClosed is returned by Close on an already terminal handler.
	ErrAlreadyClosed = errors.New("resource: already closed")
	// ErrAcquisitionFailed wraps the last factory error once the attempt
	// budget is exhausted.
	ErrAcquisitionFailed = errors.New("resource: acquisition failed")
	// ErrLost marks a resource that signalled closure without an error.
	ErrLost = errors.New("resource: underlying resource lost")
)

// Factory creates the underlying resource. It must honor ctx, which is
// cancelled when the handler closes.
type Factory[T any] func(ctx context.Context) (T, error)

// Closer tears down a resource. Handlers use it instead of a plain Close
// when teardown depends on outside state, e.g. skipping the close of a
// channel whose parent connection is already gone.
type Closer[T any] func(T) error

// Watcher observes a live resource. The returned channel must deliver a
// single error, or be closed, when the resource dies. A nil channel
// disables failure detection.
type Watcher[T any] func(T) <-chan error

// Handler owns one resource of type T and keeps it alive. At most one
// acquisition sequence (initial connect or recovery) runs at a time.
type Handler[T any] struct {
	name    string
	id      string
	factory Factory[T]
	closer  Closer[T]
	watch   Watcher[T]
	policy  RetryPolicy
	logger  *slog.Logger

	// Recovery strategy after resource loss: recoverAttempts quick tries
	// spaced by recoverDelay, then one try every recoverInterval until
	// success or Close.
	recoverAttempts int
	recoverDelay    time.Duration
	recoverInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	status       Status
	lastErr      error
	res          T
	resOK        bool
	gen          int
	acquiring    bool
	reconnecting bool
	settled      chan struct{}
	closing      chan struct{}

	events *emitter
}

// Option configures a Handler.
type Option[T any] func(*Handler[T])

// WithCloser sets a custom resource teardown.
func WithCloser[T any](closer Closer[T]) Option[T] {
	return func(h *Handler[T]) { h.closer = closer }
}

// WithWatcher sets the failure detector for held resources.
func WithWatcher[T any](watch Watcher[T]) Option[T] {
	return func(h *Handler[T]) { h.watch = watch }
}

// WithRetryPolicy sets the acquisition retry policy.
func WithRetryPolicy[T any](policy RetryPolicy) Option[T] {
	return func(h *Handler[T]) { h.policy = policy }
}

// WithLogger sets the logger.
func WithLogger[T any](logger *slog.Logger) Option[T] {
	return func(h *Handler[T]) { h.logger = logger }
}

// WithRecovery tunes the post-loss reconnect strategy: attempts quick
// tries spaced by delay, then one try every interval until success or
// Close.
func WithRecovery[T any](attempts int, delay, interval time.Duration) Option[T] {
	return func(h *Handler[T]) {
		h.recoverAttempts = attempts
		h.recoverDelay = delay
		h.recoverInterval = interval
	}
}

// New creates a handler and immediately starts the initial acquisition
// sequence. The handler is born StatusConnecting.
func New[T any](name string, factory Factory[T], opts ...Option[T]) *Handler[T] {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handler[T]{
		name:            name,
		id:              uuid.NewString(),
		factory:         factory,
		policy:          DefaultRetryPolicy(),
		logger:          slog.Default(),
		recoverAttempts: 3,
		recoverDelay:    2 * time.Second,
		recoverInterval: 30 * time.Second,
		ctx:             ctx,
		cancel:          cancel,
		status:          StatusConnecting,
		closing:         make(chan struct{}),
		events:          newEmitter(),
	}

	for _, opt := range opts {
		opt(h)
	}

	h.mu.Lock()
	h.beginSequenceLocked()
	h.mu.Unlock()
	go h.acquire(h.policy)

	return h
}

// Name returns the diagnostic label.
func (h *Handler[T]) Name() string { return h.name }

// ID returns the unique handler id.
func (h *Handler[T]) ID() string { return h.id }

// Status returns the current lifecycle status.
func (h *Handler[T]) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Err returns the last acquisition or resource error, if any.
func (h *Handler[T]) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastErr
}

// Resource returns the currently held resource. It never blocks: during
// an outage or an unresolved acquisition it fails with ErrUnavailable,
// and on a closing or closed handler with ErrClosed. Connect is the
// blocking variant.
func (h *Handler[T]) Resource() (T, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var zero T
	switch h.status {
	case StatusClosing, StatusClosed:
		return zero, ErrClosed
	}
	if !h.resOK {
		return zero, ErrUnavailable
	}
	return h.res, nil
}

// Subscribe registers fn for events of the given kind and returns an
// unsubscribe function. Delivery is asynchronous: fn runs on the
// handler's dispatch goroutine, never inside the call that caused the
// event, so it may call back into the handler.
func (h *Handler[T]) Subscribe(kind EventKind, fn func(Event)) func() {
	return h.events.subscribe(kind, fn)
}

// Forward re-emits an event from the underlying resource verbatim to
// this handler's subscribers.
func (h *Handler[T]) Forward(kind EventKind, payload any) {
	h.events.emit(Event{Kind: kind, Payload: payload})
}

// Connect ensures an acquisition sequence is in flight, starting one if
// none is, and waits for it to settle. A failed sequence does not make
// Connect return an error; callers observe Status and events instead.
// The error return covers only ctx expiry and terminal handlers.
func (h *Handler[T]) Connect(ctx context.Context) error {
	h.mu.Lock()
	switch h.status {
	case StatusClosing, StatusClosed:
		h.mu.Unlock()
		return ErrClosed
	case StatusConnected:
		h.mu.Unlock()
		return nil
	}
	if !h.acquiring && !h.reconnecting {
		h.beginSequenceLocked()
		h.setStatusLocked(StatusConnecting)
		go h.acquire(h.policy)
	}
	settled := h.settled
	h.mu.Unlock()

	select {
	case <-settled:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close tears the handler down. If an acquisition is in flight the
// handler is marked StatusClosing and Close returns immediately; the
// attempt observes the flag at its next resumption point and finishes
// the teardown, discarding any freshly created resource. Close on an
// already closing or closed handler fails with ErrAlreadyClosed.
func (h *Handler[T]) Close() error {
	h.mu.Lock()
	switch h.status {
	case StatusClosing, StatusClosed:
		h.mu.Unlock()
		return ErrAlreadyClosed
	}

	inFlight := h.acquiring || h.reconnecting
	h.setStatusLocked(StatusClosing)
	close(h.closing)
	h.cancel()

	if inFlight {
		h.mu.Unlock()
		return nil
	}

	res, ok := h.res, h.resOK
	var zero T
	h.res, h.resOK = zero, false
	h.mu.Unlock()

	if ok {
		h.discard(res)
	}
	h.finalizeClose()
	return nil
}

// beginSequenceLocked marks a new acquisition sequence. Callers hold mu.
func (h *Handler[T]) beginSequenceLocked() {
	h.acquiring = true
	h.settled = make(chan struct{})
}

// settle ends the current acquisition or recovery sequence.
func (h *Handler[T]) settle() {
	h.mu.Lock()
	h.acquiring = false
	h.reconnecting = false
	settled := h.settled
	h.mu.Unlock()
	close(settled)
}

// acquire runs one serialized acquisition sequence under policy.
func (h *Handler[T]) acquire(policy RetryPolicy) {
	defer h.settle()

	attempt := 0
	for {
		select {
		case <-h.closing:
			h.finalizeClose()
			return
		default:
		}

		res, err := h.factory(h.ctx)
		if err == nil {
			if !h.install(res) {
				// Closed while the factory was running: the fresh
				// resource must not leak.
				h.discard(res)
				h.finalizeClose()
			}
			return
		}

		select {
		case <-h.closing:
			h.finalizeClose()
			return
		default:
		}

		attempt++
		h.events.emit(Event{
			Kind:        EventRetry,
			Err:         err,
			Attempt:     attempt,
			RetriesLeft: policy.RetriesLeft(attempt),
		})
		h.logger.Warn("acquisition attempt failed",
			"name", h.name,
			"attempt", attempt,
			"retriesLeft", policy.RetriesLeft(attempt),
			"error", err)

		if policy.Exhausted(attempt) {
			h.fail(fmt.Errorf("%w: %d attempts, last: %w", ErrAcquisitionFailed, attempt, err))
			return
		}

		select {
		case <-time.After(policy.NextDelay(attempt)):
		case <-h.closing:
			h.finalizeClose()
			return
		}
	}
}

// install stores a freshly acquired resource and moves to
// StatusConnected. It reports false when the handler closed in the
// meantime and the resource must be discarded by the caller.
func (h *Handler[T]) install(res T) bool {
	h.mu.Lock()
	switch h.status {
	case StatusClosing, StatusClosed:
		h.mu.Unlock()
		return false
	}
	h.res = res
	h.resOK = true
	h.lastErr = nil
	h.gen++
	gen := h.gen
	h.setStatusLocked(StatusConnected)
	h.mu.Unlock()

	h.events.emit(Event{Kind: EventOpen})
	h.logger.Info("resource acquired", "name", h.name)

	if h.watch != nil {
		go h.watchResource(res, gen)
	}
	return true
}

// fail records a terminal sequence failure and moves to StatusError.
func (h *Handler[T]) fail(err error) {
	h.mu.Lock()
	h.lastErr = err
	h.setStatusLocked(StatusError)
	h.mu.Unlock()

	h.events.emit(Event{Kind: EventError, Err: err})
	h.logger.Error("acquisition failed", "name", h.name, "error", err)
}

// watchResource waits for the held resource of the given generation to
// die and hands off to recovery.
func (h *Handler[T]) watchResource(res T, gen int) {
	errs := h.watch(res)
	if errs == nil {
		return
	}
	select {
	case err, ok := <-errs:
		if !ok || err == nil {
			err = ErrLost
		}
		h.resourceLost(gen, err)
	case <-h.closing:
	}
}

// resourceLost starts recovery after an unexpected resource failure. A
// stale generation or an already running recovery makes it a no-op, so
// at most one recovery sequence runs concurrently.
func (h *Handler[T]) resourceLost(gen int, cause error) {
	h.mu.Lock()
	if gen != h.gen || h.reconnecting || h.acquiring {
		h.mu.Unlock()
		return
	}
	switch h.status {
	case StatusClosing, StatusClosed:
		h.mu.Unlock()
		return
	}
	var zero T
	h.res, h.resOK = zero, false
	h.lastErr = cause
	h.reconnecting = true
	h.settled = make(chan struct{})
	h.setStatusLocked(StatusError)
	h.mu.Unlock()

	h.events.emit(Event{Kind: EventError, Err: cause})
	h.logger.Error("resource lost", "name", h.name, "error", cause)

	go h.recover()
}

// recover runs the two-stage reconnect: a bounded burst of quick
// attempts, then a slow periodic loop that stops only on success or
// Close.
func (h *Handler[T]) recover() {
	defer h.settle()

	for attempt := 1; attempt <= h.recoverAttempts; attempt++ {
		select {
		case <-h.closing:
			h.finalizeClose()
			return
		default:
		}
		if h.tryOnce(attempt, h.recoverAttempts-attempt) {
			return
		}
		select {
		case <-time.After(h.recoverDelay):
		case <-h.closing:
			h.finalizeClose()
			return
		}
	}

	h.logger.Warn("quick reconnects exhausted, falling back to periodic retry",
		"name", h.name,
		"interval", h.recoverInterval)

	ticker := time.NewTicker(h.recoverInterval)
	defer ticker.Stop()
	attempt := h.recoverAttempts
	for {
		select {
		case <-ticker.C:
			attempt++
			if h.tryOnce(attempt, -1) {
				return
			}
		case <-h.closing:
			h.finalizeClose()
			return
		}
	}
}

// tryOnce makes a single reconnect attempt. It reports true when the
// recovery sequence should stop, either because a resource was installed
// or because the handler closed.
func (h *Handler[T]) tryOnce(attempt, retriesLeft int) bool {
	h.setStatus(StatusConnecting)

	res, err := h.factory(h.ctx)
	if err == nil {
		if !h.install(res) {
			h.discard(res)
			h.finalizeClose()
		}
		return true
	}

	h.mu.Lock()
	h.lastErr = err
	closing := h.status == StatusClosing || h.status == StatusClosed
	if !closing {
		h.setStatusLocked(StatusError)
	}
	h.mu.Unlock()
	if closing {
		h.finalizeClose()
		return true
	}

	h.events.emit(Event{
		Kind:        EventRetry,
		Err:         err,
		Attempt:     attempt,
		RetriesLeft: retriesLeft,
	})
	h.logger.Warn("reconnect attempt failed",
		"name", h.name,
		"attempt", attempt,
		"error", err)
	return false
}

// discard closes a resource the handler no longer wants.
func (h *Handler[T]) discard(res T) {
	var err error
	switch {
	case h.closer != nil:
		err = h.closer(res)
	default:
		if c, ok := any(res).(interface{ Close() error }); ok {
			err = c.Close()
		}
	}
	if err != nil {
		h.logger.Warn("resource close failed", "name", h.name, "error", err)
	}
}

// finalizeClose completes the transition to StatusClosed and tears down
// event dispatch. Safe to call more than once.
func (h *Handler[T]) finalizeClose() {
	h.mu.Lock()
	if h.status == StatusClosed {
		h.mu.Unlock()
		return
	}
	h.setStatusLocked(StatusClosed)
	h.mu.Unlock()

	h.events.emit(Event{Kind: EventClose})
	h.events.shutdown()
	h.logger.Info("handler closed", "name", h.name)
}

// setStatus transitions to s and emits a status event if it changed.
func (h *Handler[T]) setStatus(s Status) {
	h.mu.Lock()
	h.setStatusLocked(s)
	h.mu.Unlock()
}

func (h *Handler[T]) setStatusLocked(s Status) {
	if h.status == s {
		return
	}
	// Closing only ever advances to Closed; Closed is terminal.
	if h.status == StatusClosed || (h.status == StatusClosing && s != StatusClosed) {
		return
	}
	h.status = s
	h.events.emit(Event{Kind: EventStatus, Status: s})
}

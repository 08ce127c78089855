package resource

import (
	"sync"
)

// Status describes where a handler is in its lifecycle. Exactly one
// status holds at any instant.
type Status int32

const (
	// StatusConnecting means an acquisition sequence is in flight.
	StatusConnecting Status = iota
	// StatusConnected means the handler holds a live resource.
	StatusConnected
	// StatusError means the last acquisition failed or the resource was
	// lost; recovery may still be running.
	StatusError
	// StatusClosing means Close was called and teardown is in progress.
	StatusClosing
	// StatusClosed is terminal: no further acquisition is attempted.
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusError:
		return "error"
	case StatusClosing:
		return "closing"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// EventKind names a category of handler event. Callers may forward
// additional kinds from the underlying resource via Handler.Forward.
type EventKind string

const (
	// EventStatus fires on every status transition.
	EventStatus EventKind = "status"
	// EventOpen fires once a resource is successfully acquired.
	EventOpen EventKind = "open"
	// EventError fires when an acquisition sequence gives up or the held
	// resource is lost.
	EventError EventKind = "error"
	// EventRetry fires after each failed acquisition attempt.
	EventRetry EventKind = "retry"
	// EventClose fires after full teardown.
	EventClose EventKind = "close"
)

// Event is delivered to subscribers. Only the fields relevant to the
// kind are populated.
type Event struct {
	Kind        EventKind
	Status      Status // EventStatus
	Err         error  // EventError, EventRetry
	Attempt     int    // EventRetry
	RetriesLeft int    // EventRetry; -1 when unbounded
	Payload     any    // forwarded events
}

// emitter fans events out to subscribers. A single dispatch goroutine
// delivers them, so listeners run off the caller's stack and observe
// events in emission order. A listener may safely call back into the
// handler that emitted the event. A listener that stalls long enough to
// fill the queue costs events, never liveness.
type emitter struct {
	mu     sync.Mutex
	subs   map[EventKind]map[int]func(Event)
	nextID int
	queue  chan Event
	stop   chan struct{}
	once   sync.Once
}

func newEmitter() *emitter {
	e := &emitter{
		subs:  make(map[EventKind]map[int]func(Event)),
		queue: make(chan Event, 128),
		stop:  make(chan struct{}),
	}
	go e.dispatch()
	return e
}

func (e *emitter) dispatch() {
	for {
		select {
		case ev := <-e.queue:
			e.deliver(ev)
		case <-e.stop:
			// Drain whatever was queued before shutdown, then exit.
			for {
				select {
				case ev := <-e.queue:
					e.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

func (e *emitter) deliver(ev Event) {
	e.mu.Lock()
	fns := make([]func(Event), 0, len(e.subs[ev.Kind]))
	for _, fn := range e.subs[ev.Kind] {
		fns = append(fns, fn)
	}
	e.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// subscribe registers fn for the given kind and returns its remover.
func (e *emitter) subscribe(kind EventKind, fn func(Event)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextID
	e.nextID++

	m := e.subs[kind]
	if m == nil {
		m = make(map[int]func(Event))
		e.subs[kind] = m
	}
	m[id] = fn

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.subs[kind], id)
	}
}

// emit queues an event for asynchronous delivery. It never blocks:
// handlers emit while holding their state lock, and a listener stalling
// the dispatch goroutine would otherwise wedge them. When the queue is
// full, or after shutdown, the event is dropped.
func (e *emitter) emit(ev Event) {
	select {
	case <-e.stop:
		return
	default:
	}
	select {
	case e.queue <- ev:
	default:
	}
}

// shutdown stops dispatch after the queued events drain. It does not
// wait for in-flight listener calls.
func (e *emitter) shutdown() {
	e.once.Do(func() { close(e.stop) })
}

// Package progress carries notifications from background work to the
// presentation layer. Delivery is one-way and ordered.
package progress

import (
	"fmt"
	"sync"
	"time"
)

// Kind classifies an event.
type Kind int

const (
	// StateChanged reports a pipeline state transition; State holds the new state.
	StateChanged Kind = iota
	// Log is an informational message for the operator.
	Log
	// Warning is a non-fatal condition the operator should know about.
	Warning
	// Error reports a failed command or step; Err holds the cause.
	Error
	// JobOutput is one line of external tool output.
	JobOutput
	// ArtifactWritten reports a file created by a running job; Path holds it.
	ArtifactWritten
	// JobFinished reports a job reaching a terminal status.
	JobFinished
)

var kindNames = [...]string{
	StateChanged:    "state",
	Log:             "log",
	Warning:         "warning",
	Error:           "error",
	JobOutput:       "output",
	ArtifactWritten: "artifact",
	JobFinished:     "finished",
}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Event is a single notification.
type Event struct {
	// Seq increases by one for every event accepted by a Channel
	Seq uint64
	// Time is when the event was emitted
	Time time.Time
	Kind Kind
	// State is the pipeline state name for StateChanged and JobFinished
	State string
	// JobID identifies the job or conversion the event belongs to, if any
	JobID   string
	Message string
	// Path is set for ArtifactWritten
	Path string
	Err  error
}

func (e Event) String() string {
	switch e.Kind {
	case StateChanged:
		return fmt.Sprintf("[%s] %s", e.Kind, e.State)
	case Error:
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	case ArtifactWritten:
		return fmt.Sprintf("[%s] %s", e.Kind, e.Path)
	default:
		return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	}
}

// Sink receives events. Emit must not block for long; the controller calls
// it while holding its lock.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

// Emit implements Sink.
func (f SinkFunc) Emit(e Event) { f(e) }

// Channel is a Sink backed by an unbounded FIFO queue. Emit never blocks;
// events come out of Events in the order they were emitted.
type Channel struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Event
	seq    uint64
	closed bool

	out  chan Event
	done chan struct{}
}

// NewChannel starts a channel and its delivery goroutine.
func NewChannel() *Channel {
	c := &Channel{
		out:  make(chan Event),
		done: make(chan struct{}),
	}
	c.cond = sync.NewCond(&c.mu)
	go c.pump()
	return c
}

// Emit queues e. Events emitted after Close are dropped.
func (c *Channel) Emit(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.seq++
	e.Seq = c.seq
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	c.queue = append(c.queue, e)
	c.cond.Signal()
}

// Events returns the delivery channel. It is closed after Close once every
// queued event has been received.
func (c *Channel) Events() <-chan Event {
	return c.out
}

// Close stops accepting events. Already queued events are still delivered.
func (c *Channel) Close() {
	c.mu.Lock()
	c.closed = true
	c.cond.Signal()
	c.mu.Unlock()
}

// Done is closed once the delivery goroutine has exited.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

func (c *Channel) pump() {
	defer close(c.done)
	defer close(c.out)
	for {
		c.mu.Lock()
		for len(c.queue) == 0 && !c.closed {
			c.cond.Wait()
		}
		if len(c.queue) == 0 && c.closed {
			c.mu.Unlock()
			return
		}
		e := c.queue[0]
		c.queue[0] = Event{}
		c.queue = c.queue[1:]
		c.mu.Unlock()

		c.out <- e
	}
}

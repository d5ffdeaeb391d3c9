package samplechan

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var (
	// ErrReceiverGone is returned by Send once the receiving endpoint was closed.
	ErrReceiverGone = errors.New("samplechan: receiver gone")

	// ErrSenderGone is returned by Receive when the queue is empty and every
	// sending endpoint has been closed.
	ErrSenderGone = errors.New("samplechan: sender gone")

	// ErrClosed is returned when an endpoint is used after its own Close.
	ErrClosed = errors.New("samplechan: endpoint closed")
)

// channel is the shared state behind a Sender/Receiver pair.
//
// The underlying Go channel is never closed; endpoint liveness is signalled
// through separate done channels so a late Send can never panic.
type channel[T any] struct {
	ch chan T

	senders     atomic.Int32
	sendersGone chan struct{}
	sendersOnce sync.Once

	receiverGone chan struct{}
	receiverOnce sync.Once

	metrics Metrics
}

// New creates a bounded FIFO hand-off queue with the given capacity and
// returns its first sending endpoint and its only receiving endpoint.
//
// Send blocks while the queue is full and Receive blocks while it is empty;
// nothing is ever dropped. Additional producers are obtained with Sender.Clone.
func New[T any](capacity int) (*Sender[T], *Receiver[T]) {
	if capacity <= 0 {
		panic("samplechan: capacity must be > 0")
	}

	c := &channel[T]{
		ch:           make(chan T, capacity),
		sendersGone:  make(chan struct{}),
		receiverGone: make(chan struct{}),
	}
	c.senders.Store(1)

	return &Sender[T]{c: c}, &Receiver[T]{c: c}
}

// Sender is a producing endpoint. A Sender must be used by one goroutine at a time.
type Sender[T any] struct {
	c      *channel[T]
	closed atomic.Bool
}

// Send enqueues v, blocking until a slot is free. It fails with
// ErrReceiverGone once the receiver is closed, or with ctx.Err() if ctx ends
// while blocked.
func (s *Sender[T]) Send(ctx context.Context, v T) error {
	if s.closed.Load() {
		return ErrClosed
	}

	select {
	case <-s.c.receiverGone:
		return ErrReceiverGone
	default:
	}

	select {
	case s.c.ch <- v:
		s.c.metrics.addSent(1)
		return nil
	default:
	}

	// Queue is full: this is where backpressure throttles the producer.
	s.c.metrics.addBlocked(1)
	select {
	case s.c.ch <- v:
		s.c.metrics.addSent(1)
		return nil
	case <-s.c.receiverGone:
		return ErrReceiverGone
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Clone returns a new producing endpoint sharing the same queue. The clone
// must be closed independently. Cloning a closed Sender fails with ErrClosed.
func (s *Sender[T]) Clone() (*Sender[T], error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	s.c.senders.Add(1)
	return &Sender[T]{c: s.c}, nil
}

// Close releases this producer. When the last producer is closed, the
// receiver drains whatever is queued and then sees ErrSenderGone.
func (s *Sender[T]) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	if s.c.senders.Add(-1) == 0 {
		s.c.sendersOnce.Do(func() { close(s.c.sendersGone) })
	}
}

// Receiver is the single consuming endpoint.
type Receiver[T any] struct {
	c      *channel[T]
	closed atomic.Bool
}

// Receive dequeues the oldest value, blocking until one is available. It
// fails with ErrSenderGone when no producer remains and the queue is empty,
// or with ctx.Err() if ctx ends first.
func (r *Receiver[T]) Receive(ctx context.Context) (T, error) {
	var zero T
	if r.closed.Load() {
		return zero, ErrClosed
	}

	select {
	case v := <-r.c.ch:
		r.c.metrics.addReceived(1)
		return v, nil
	default:
	}

	select {
	case v := <-r.c.ch:
		r.c.metrics.addReceived(1)
		return v, nil
	case <-r.c.sendersGone:
		// A producer may have enqueued right before closing.
		select {
		case v := <-r.c.ch:
			r.c.metrics.addReceived(1)
			return v, nil
		default:
			return zero, ErrSenderGone
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// TryReceive attempts a non-blocking receive.
// Returns (zero, false) if no value is ready.
func (r *Receiver[T]) TryReceive() (v T, ok bool) {
	if r.closed.Load() {
		return v, false
	}
	select {
	case v = <-r.c.ch:
		r.c.metrics.addReceived(1)
		return v, true
	default:
		return v, false
	}
}

// Close releases the receiver. Blocked and future Sends fail with ErrReceiverGone.
func (r *Receiver[T]) Close() {
	if !r.closed.CompareAndSwap(false, true) {
		return
	}
	r.c.receiverOnce.Do(func() { close(r.c.receiverGone) })
}

// Len returns the number of queued values.
func (r *Receiver[T]) Len() int {
	return len(r.c.ch)
}

// Cap returns the queue capacity.
func (r *Receiver[T]) Cap() int {
	return cap(r.c.ch)
}

// Senders returns the number of live producing endpoints.
func (r *Receiver[T]) Senders() int {
	return int(r.c.senders.Load())
}

// GetMetrics returns a snapshot of the queue counters.
func (r *Receiver[T]) GetMetrics() Metrics {
	return Metrics{
		Sent:     atomic.LoadInt64(&r.c.metrics.Sent),
		Received: atomic.LoadInt64(&r.c.metrics.Received),
		Blocked:  atomic.LoadInt64(&r.c.metrics.Blocked),
	}
}

// Metrics provides lock-free counters for a channel.
//
// Blocked counts sends that found the queue full and had to wait.
type Metrics struct {
	Sent     int64
	Received int64
	Blocked  int64
}

func (m *Metrics) addSent(n int) {
	atomic.AddInt64(&m.Sent, int64(n))
}

func (m *Metrics) addReceived(n int) {
	atomic.AddInt64(&m.Received, int64(n))
}

func (m *Metrics) addBlocked(n int) {
	atomic.AddInt64(&m.Blocked, int64(n))
}

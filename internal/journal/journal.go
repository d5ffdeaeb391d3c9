// Package journal keeps a bounded history of operator input: writes to the
// control characteristic and lines typed on the serial console. The newest
// entries win; the oldest are overwritten when the ring is full.
package journal

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"
)

// Source tells where an entry came from.
type Source string

const (
	SourceControl Source = "control"
	SourceConsole Source = "console"
)

// Entry is one recorded input.
type Entry struct {
	Time   time.Time
	Source Source
	Peer   string
	Data   []byte
}

// Text renders Data as UTF-8, replacing invalid sequences.
func (e Entry) Text() string {
	return strings.ToValidUTF8(string(e.Data), string(utf8.RuneError))
}

// String renders the entry as one console line.
func (e Entry) String() string {
	return fmt.Sprintf("%s %-7s %s %q", e.Time.Format("15:04:05.000"), e.Source, e.Peer, e.Text())
}

// Lower returns Data with ASCII letters lower-cased.
func (e Entry) Lower() []byte {
	out := make([]byte, len(e.Data))
	for i, b := range e.Data {
		if b >= 'A' && b <= 'Z' {
			b += 'a' - 'A'
		}
		out[i] = b
	}
	return out
}

// Metrics are lock-free counters of a Journal.
type Metrics struct {
	Recorded    int64 // entries accepted by Record
	Stored      int64 // entries moved into the ring
	Dropped     int64 // entries lost because the intake queue was full
	Overwritten int64 // entries lost to ring overflow
}

const (
	stateNotRunning uint32 = iota
	stateRunning
	stateStopping

	// MaxSize guards against accidental misconfiguration.
	MaxSize uint32 = 64 * 1024
)

// Journal collects entries on a background goroutine into an overlapped ring.
//
// All methods are thread-safe.
type Journal struct {
	in     chan Entry
	buffer mpmc.RichOverlappedRingBuffer[Entry]
	logger *logrus.Entry
	now    func() time.Time

	stop  chan struct{}
	done  chan struct{}
	state atomic.Uint32

	recorded    atomic.Int64
	stored      atomic.Int64
	dropped     atomic.Int64
	overwritten atomic.Int64
}

// New creates a journal retaining about size entries.
func New(size uint32, logger *logrus.Logger) (*Journal, error) {
	if size == 0 {
		return nil, fmt.Errorf("journal size must be > 0")
	}
	if size > MaxSize {
		return nil, fmt.Errorf("journal size %d exceeds maximum %d", size, MaxSize)
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &Journal{
		in:     make(chan Entry, size),
		buffer: mpmc.NewOverlappedRingBuffer[Entry](size),
		logger: logger.WithField("component", "journal"),
		now:    time.Now,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}, nil
}

// Start launches the collecting goroutine.
func (j *Journal) Start() error {
	if !j.state.CompareAndSwap(stateNotRunning, stateRunning) {
		switch s := j.state.Load(); s {
		case stateRunning:
			return fmt.Errorf("journal is already running")
		case stateStopping:
			return fmt.Errorf("journal is stopping, wait for it to finish")
		default:
			return fmt.Errorf("journal is in unknown state %d", s)
		}
	}

	// fresh channels per cycle so a restart never closes a closed channel
	j.stop = make(chan struct{})
	j.done = make(chan struct{})
	stop, done := j.stop, j.done

	started := make(chan struct{}, 1)
	go func() {
		started <- struct{}{}
		defer func() {
			close(done)
			j.state.Store(stateNotRunning)
		}()
		for {
			select {
			case <-stop:
				j.flush()
				return
			case e := <-j.in:
				j.store(e)
			}
		}
	}()

	select {
	case <-started:
		return nil
	case <-time.After(time.Second):
		close(stop)
		<-done
		return fmt.Errorf("journal failed to start within 1s timeout")
	}
}

// Stop stops collecting. Entries already queued are moved into the ring.
func (j *Journal) Stop() error {
	if !j.state.CompareAndSwap(stateRunning, stateStopping) {
		switch j.state.Load() {
		case stateNotRunning:
			return nil
		case stateStopping:
		default:
			return fmt.Errorf("journal is in unknown state %d", j.state.Load())
		}
	} else {
		close(j.stop)
	}

	select {
	case <-j.done:
		return nil
	case <-time.After(5 * time.Second):
		<-j.done
		return fmt.Errorf("stop completed but exceeded 5s timeout")
	}
}

// Record queues an entry without blocking. A full intake queue drops it.
func (j *Journal) Record(src Source, peer string, data []byte) {
	e := Entry{
		Time:   j.now(),
		Source: src,
		Peer:   peer,
		Data:   append([]byte(nil), data...),
	}
	j.recorded.Add(1)

	select {
	case j.in <- e:
	default:
		j.dropped.Add(1)
		j.logger.WithField("source", src).Warn("Journal intake full, entry dropped")
	}
}

// Drain removes and returns every stored entry, oldest first.
func (j *Journal) Drain() ([]Entry, error) {
	return Consume(j, func(e *Entry, acc []Entry) ([]Entry, bool) {
		if e == nil {
			return acc, true
		}
		return append(acc, *e), false
	})
}

// ConsumerFunc folds entries into acc. It is called once per entry and a
// final time with a nil entry. Returning done stops consumption.
type ConsumerFunc[T any] func(e *Entry, acc T) (result T, done bool)

// Consume drains stored entries through fn.
func Consume[T any](j *Journal, fn ConsumerFunc[T]) (T, error) {
	var acc T
	for !j.buffer.IsEmpty() {
		e, err := j.buffer.Dequeue()
		if err != nil {
			return acc, fmt.Errorf("journal dequeue error: %w", err)
		}
		var done bool
		if acc, done = fn(&e, acc); done {
			return acc, nil
		}
	}
	acc, _ = fn(nil, acc)
	return acc, nil
}

// Metrics returns a snapshot of the counters.
func (j *Journal) Metrics() Metrics {
	return Metrics{
		Recorded:    j.recorded.Load(),
		Stored:      j.stored.Load(),
		Dropped:     j.dropped.Load(),
		Overwritten: j.overwritten.Load(),
	}
}

func (j *Journal) store(e Entry) {
	overwrites, err := j.buffer.EnqueueM(e)
	if err != nil {
		j.logger.WithError(err).Error("Journal enqueue failed")
		return
	}
	j.overwritten.Add(int64(overwrites))
	j.stored.Add(1)
}

func (j *Journal) flush() {
	for {
		select {
		case e := <-j.in:
			j.store(e)
		default:
			return
		}
	}
}

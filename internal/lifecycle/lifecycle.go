// Package lifecycle owns the Idle/Running state machine that starts and
// retires the sampling worker in response to subscription events.
//
// All transitions happen on the goroutine running Manager.Run; BLE stacks
// hand their callbacks over with Submit and never touch the state directly.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ArkadiuszKarbowski/esp32-idf-ecg/internal/adc"
	"github.com/ArkadiuszKarbowski/esp32-idf-ecg/internal/groutine"
	"github.com/ArkadiuszKarbowski/esp32-idf-ecg/internal/guard"
	"github.com/ArkadiuszKarbowski/esp32-idf-ecg/internal/peripheral"
	"github.com/ArkadiuszKarbowski/esp32-idf-ecg/internal/samplechan"
	"github.com/ArkadiuszKarbowski/esp32-idf-ecg/internal/sampler"
)

const (
	// DefaultQueueSize bounds the number of pending events.
	DefaultQueueSize = 16

	// DefaultSamplerCPU is the secondary core.
	DefaultSamplerCPU = 1

	startSlack = 250 * time.Millisecond
)

var (
	// ErrWorkerBusy is returned when a previous worker did not exit within StartTimeout.
	ErrWorkerBusy = errors.New("lifecycle: previous sampling worker still running")

	// ErrStopped is returned by Submit once Run has returned.
	ErrStopped = errors.New("lifecycle: manager stopped")
)

type State int32

const (
	Idle State = iota
	Running
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type EventType int

const (
	EventSubscribe EventType = iota
	EventUnsubscribe
	EventConnect
	EventDisconnect
	EventBonded
)

func (t EventType) String() string {
	switch t {
	case EventSubscribe:
		return "subscribe"
	case EventUnsubscribe:
		return "unsubscribe"
	case EventConnect:
		return "connect"
	case EventDisconnect:
		return "disconnect"
	case EventBonded:
		return "bonded"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

type Event struct {
	Type EventType
	Peer peripheral.Peer
}

// FromPeripheral maps a stack event onto a lifecycle event. ok is false for
// events the state machine does not consume.
func FromPeripheral(ev peripheral.Event) (Event, bool) {
	switch ev.Type {
	case peripheral.EventSubscribe:
		if ev.Characteristic != peripheral.SampleCharUUID {
			return Event{}, false
		}
		return Event{Type: EventSubscribe, Peer: ev.Peer}, true
	case peripheral.EventUnsubscribe:
		if ev.Characteristic != peripheral.SampleCharUUID {
			return Event{}, false
		}
		return Event{Type: EventUnsubscribe, Peer: ev.Peer}, true
	case peripheral.EventConnect:
		return Event{Type: EventConnect, Peer: ev.Peer}, true
	case peripheral.EventDisconnect:
		return Event{Type: EventDisconnect, Peer: ev.Peer}, true
	case peripheral.EventAuthComplete:
		if ev.AuthErr != nil {
			return Event{}, false
		}
		return Event{Type: EventBonded, Peer: ev.Peer}, true
	default:
		return Event{}, false
	}
}

// BondChecker answers whether a connection belongs to a bonded peer.
type BondChecker interface {
	IsBonded(h peripheral.ConnHandle) bool
}

type Options struct {
	// ADC is handed to each worker; the manager never locks it itself.
	ADC *guard.Guard[adc.Reader]

	// Sender is the root producer. Each worker gets its own clone, so the
	// receiver only sees the channel as gone once Sender is closed.
	Sender *samplechan.Sender[uint16]

	// Bonds is consulted in addition to Peer.Bonded. Optional.
	Bonds BondChecker

	SamplePeriod time.Duration

	// StartTimeout bounds the wait for a previous worker to exit before a
	// new one is started. Defaults to one sample period plus slack.
	StartTimeout time.Duration

	// SamplerCPU is the core the worker is pinned to; negative disables pinning.
	SamplerCPU int

	QueueSize int
	Logger    *logrus.Logger

	// OnSample observes every sample a worker handed to the channel.
	OnSample func(v uint16)
}

// WorkerStats counts worker lifecycle outcomes.
type WorkerStats struct {
	Started  int64
	Exited   int64
	Failed   int64
	Rejected int64

	// Alive is the number of workers whose goroutine has not returned yet
	// and PeakAlive the highest value it ever reached.
	Alive     int64
	PeakAlive int64
}

type worker struct {
	id   int64
	peer peripheral.Peer
	done chan struct{}
	err  error
}

func (w *worker) exited() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

type Manager struct {
	opts   Options
	logger *logrus.Entry

	events  chan Event
	exits   chan *worker
	stopped chan struct{}
	started atomic.Bool

	state atomic.Int32
	flag  *sampler.Flag

	// owned by the Run goroutine
	current *worker

	lastErr atomic.Pointer[error]

	nStarted, nExited, nFailed, nRejected atomic.Int64
	alive, peakAlive                      atomic.Int64
}

func New(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.SamplePeriod <= 0 {
		opts.SamplePeriod = sampler.DefaultPeriod
	}
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = opts.SamplePeriod + startSlack
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}

	return &Manager{
		opts:    opts,
		logger:  opts.Logger.WithField("component", "lifecycle"),
		events:  make(chan Event, opts.QueueSize),
		exits:   make(chan *worker, 1),
		stopped: make(chan struct{}),
		flag:    sampler.NewFlag(),
	}
}

// Submit queues an event for the state machine. It blocks while the queue is
// full and fails with ErrStopped after Run returned.
func (m *Manager) Submit(ev Event) error {
	select {
	case <-m.stopped:
		return ErrStopped
	default:
	}

	select {
	case m.events <- ev:
		return nil
	case <-m.stopped:
		return ErrStopped
	}
}

// Run consumes events until ctx is done, then cancels the worker and waits
// for it to exit. It may be called once.
func (m *Manager) Run(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return fmt.Errorf("lifecycle: Run called twice")
	}
	if m.opts.ADC == nil || m.opts.Sender == nil {
		return fmt.Errorf("lifecycle: ADC guard and sender are required")
	}
	defer close(m.stopped)

	m.logger.Debug("Lifecycle manager started")
	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return nil
		case ev := <-m.events:
			m.handle(ctx, ev)
		case w := <-m.exits:
			m.reap(w)
		}
	}
}

func (m *Manager) handle(ctx context.Context, ev Event) {
	log := m.logger.WithFields(logrus.Fields{
		"event": ev.Type,
		"peer":  ev.Peer.Address,
		"state": m.State(),
	})

	switch ev.Type {
	case EventSubscribe:
		if !m.bonded(ev.Peer) {
			log.Info("Ignoring subscribe from unbonded peer")
			return
		}
		if m.State() == Running {
			log.Debug("Sampling already running")
			return
		}
		if err := m.start(ctx, ev.Peer); err != nil {
			log.WithError(err).Error("Failed to start sampling")
		}

	case EventUnsubscribe:
		if m.State() != Running {
			log.Debug("Ignoring unsubscribe while idle")
			return
		}
		if !m.isSubscriber(ev.Peer) {
			log.Debug("Ignoring unsubscribe from non-subscribing peer")
			return
		}
		m.stop("unsubscribe")

	case EventDisconnect:
		if m.State() == Running && m.isSubscriber(ev.Peer) {
			m.stop("subscriber disconnected")
			return
		}
		log.Debug("Peer disconnected")

	default:
		log.Debug("Event has no lifecycle effect")
	}
}

// isSubscriber reports whether p started the current worker.
func (m *Manager) isSubscriber(p peripheral.Peer) bool {
	return m.current != nil && m.current.peer.Handle == p.Handle
}

func (m *Manager) bonded(p peripheral.Peer) bool {
	if p.Bonded {
		return true
	}
	return m.opts.Bonds != nil && m.opts.Bonds.IsBonded(p.Handle)
}

// start spawns a worker. A previous worker that has not observed its
// cancellation yet is waited for, at most StartTimeout.
func (m *Manager) start(ctx context.Context, peer peripheral.Peer) error {
	if prev := m.current; prev != nil && !prev.exited() {
		m.logger.WithField("worker", prev.id).Debug("Waiting for previous worker to exit")
		select {
		case <-prev.done:
		case <-time.After(m.opts.StartTimeout):
			m.nRejected.Add(1)
			return fmt.Errorf("%w (waited %s)", ErrWorkerBusy, m.opts.StartTimeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	tx, err := m.opts.Sender.Clone()
	if err != nil {
		return fmt.Errorf("clone sample sender: %w", err)
	}

	m.flag.Reset()
	w := &worker{
		id:   m.nStarted.Add(1),
		peer: peer,
		done: make(chan struct{}),
	}
	m.current = w
	m.state.Store(int32(Running))
	m.trackAlive(1)

	m.logger.WithFields(logrus.Fields{
		"worker": w.id,
		"peer":   peer.Address,
		"cpu":    m.opts.SamplerCPU,
	}).Info("Sampling started")

	flag := m.flag
	run := func(ctx context.Context) {
		defer func() {
			tx.Close()
			m.trackAlive(-1)
			close(w.done)
			select {
			case m.exits <- w:
			case <-m.stopped:
			}
		}()

		if cpu, pinErr, ok := groutine.PinnedCPU(ctx); ok && pinErr != nil {
			m.logger.WithError(pinErr).WithField("cpu", cpu).Debug("Sampler not pinned")
		}
		w.err = sampler.Run(ctx, sampler.Options{
			Period:   m.opts.SamplePeriod,
			Logger:   m.opts.Logger,
			OnSample: m.opts.OnSample,
		}, m.opts.ADC, tx, flag)
	}

	if m.opts.SamplerCPU < 0 {
		groutine.Go(ctx, "sampler", run)
	} else {
		groutine.GoPinned(ctx, "sampler", m.opts.SamplerCPU, run)
	}
	return nil
}

// stop requests cancellation and returns immediately. The worker observes
// the flag within one sample period.
func (m *Manager) stop(reason string) {
	m.flag.Cancel()
	m.state.Store(int32(Idle))

	fields := logrus.Fields{"reason": reason}
	if m.current != nil {
		fields["worker"] = m.current.id
	}
	m.logger.WithFields(fields).Info("Sampling stopped")
}

// reap accounts for an exited worker. A worker that ends on its own while
// still current puts the manager back to Idle.
func (m *Manager) reap(w *worker) {
	m.nExited.Add(1)
	log := m.logger.WithField("worker", w.id)

	if w.err != nil {
		m.nFailed.Add(1)
		err := w.err
		m.lastErr.Store(&err)
		log.WithError(w.err).Error("Sampling worker failed")
	} else {
		log.Debug("Sampling worker exited")
	}

	if w == m.current && m.State() == Running {
		m.state.Store(int32(Idle))
		log.Warn("Sampling ended without unsubscribe, waiting for a new subscribe")
	}
}

func (m *Manager) shutdown() {
	m.flag.Cancel()
	m.state.Store(int32(Idle))

	w := m.current
	if w == nil {
		return
	}
	select {
	case <-w.done:
	case <-time.After(m.opts.StartTimeout):
		m.logger.WithField("worker", w.id).Warn("Sampling worker did not exit in time")
		return
	}

	// drain the exit notification so the final stats are complete
	select {
	case exited := <-m.exits:
		m.reap(exited)
	default:
	}
}

func (m *Manager) trackAlive(delta int64) {
	n := m.alive.Add(delta)
	for {
		peak := m.peakAlive.Load()
		if n <= peak || m.peakAlive.CompareAndSwap(peak, n) {
			return
		}
	}
}

// State returns the current state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// Running reports whether a worker is requested to run.
func (m *Manager) Running() bool {
	return m.State() == Running
}

// LastError returns the error of the most recent failed worker.
func (m *Manager) LastError() error {
	if p := m.lastErr.Load(); p != nil {
		return *p
	}
	return nil
}

func (m *Manager) Workers() WorkerStats {
	return WorkerStats{
		Started:   m.nStarted.Load(),
		Exited:    m.nExited.Load(),
		Failed:    m.nFailed.Load(),
		Rejected:  m.nRejected.Load(),
		Alive:     m.alive.Load(),
		PeakAlive: m.peakAlive.Load(),
	}
}

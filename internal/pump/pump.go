// Package pump forwards samples from the sample channel to the notify
// characteristic at a fixed cadence.
package pump

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/ArkadiuszKarbowski/esp32-idf-ecg/internal/samplechan"
)

// DefaultPeriod is the notification cadence.
const DefaultPeriod = 400 * time.Millisecond

// PayloadSize is the length of an encoded sample.
const PayloadSize = 2

var ErrPayloadSize = errors.New("sample payload must be 2 bytes")

// Encode serializes a sample as a little-endian uint16.
func Encode(sample uint16) []byte {
	b := make([]byte, PayloadSize)
	binary.LittleEndian.PutUint16(b, sample)
	return b
}

// Decode is the inverse of Encode.
func Decode(b []byte) (uint16, error) {
	if len(b) != PayloadSize {
		return 0, fmt.Errorf("%w: got %d", ErrPayloadSize, len(b))
	}
	return binary.LittleEndian.Uint16(b), nil
}

// Notifier pushes a characteristic value to subscribed peers.
type Notifier interface {
	Notify(value []byte) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(value []byte) error

func (f NotifierFunc) Notify(value []byte) error { return f(value) }

type Options struct {
	Period time.Duration
	Logger *logrus.Logger

	// OnValue, if set, observes every received sample before it is notified.
	OnValue func(sample uint16)
}

// Stats are counters of a Pump.
type Stats struct {
	Received int64
	Notified int64
	Failed   int64
}

// Pump owns the receiving end of the sample channel.
type Pump struct {
	rx       *samplechan.Receiver[uint16]
	notifier Notifier
	limiter  *rate.Limiter
	logger   *logrus.Entry
	onValue  func(uint16)

	mu sync.Mutex // serializes access to the notify characteristic

	received atomic.Int64
	notified atomic.Int64
	failed   atomic.Int64
}

func New(opts Options, rx *samplechan.Receiver[uint16], notifier Notifier) *Pump {
	if opts.Period <= 0 {
		opts.Period = DefaultPeriod
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	return &Pump{
		rx:       rx,
		notifier: notifier,
		limiter:  rate.NewLimiter(rate.Every(opts.Period), 1),
		logger:   opts.Logger.WithField("component", "pump"),
		onValue:  opts.OnValue,
	}
}

// Run receives and notifies until ctx ends, which returns nil. It returns
// samplechan.ErrSenderGone only once no producer can ever send again.
// Notify failures are logged and counted; the loop keeps going.
func (p *Pump) Run(ctx context.Context) error {
	for {
		if err := p.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		v, err := p.rx.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("pump receive: %w", err)
		}
		p.received.Add(1)

		p.logger.WithField("value", v).Info("Received value")
		if p.onValue != nil {
			p.onValue(v)
		}

		if err := p.Push(v); err != nil {
			p.logger.WithError(err).WithField("value", v).Warn("Failed to notify sample")
		}
	}
}

// Push encodes and notifies one sample.
func (p *Pump) Push(sample uint16) error {
	p.mu.Lock()
	err := p.notifier.Notify(Encode(sample))
	p.mu.Unlock()

	if err != nil {
		p.failed.Add(1)
		return err
	}
	p.notified.Add(1)
	return nil
}

func (p *Pump) Stats() Stats {
	return Stats{
		Received: p.received.Load(),
		Notified: p.notified.Load(),
		Failed:   p.failed.Load(),
	}
}

// Package sampler runs the acquisition loop: it polls the guarded ADC at a
// fixed period and pushes each reading into the sample channel until it is
// cancelled, the consumer disappears, or the ADC fails.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ArkadiuszKarbowski/esp32-idf-ecg/internal/adc"
	"github.com/ArkadiuszKarbowski/esp32-idf-ecg/internal/guard"
	"github.com/ArkadiuszKarbowski/esp32-idf-ecg/internal/samplechan"
)

// DefaultPeriod is the sampling period of the acquisition loop.
const DefaultPeriod = 500 * time.Millisecond

// Options configures a single run of the acquisition loop.
type Options struct {
	Period time.Duration
	Logger *logrus.Logger

	// OnSample, if set, is called after each sample was handed to the channel.
	OnSample func(v uint16)
}

// Run executes the acquisition loop on the calling goroutine.
//
// Preconditions: the caller does not hold the ADC guard, and tx is owned by
// this run and closed by the caller after Run returns.
//
// Each tick sleeps for one period, performs one read and sends it. Run
// returns nil when the flag is cancelled, when ctx ends, or when the receiver
// is gone. A read failure ends the run and is returned; there is no retry.
func Run(ctx context.Context, opts Options, adcGuard *guard.Guard[adc.Reader], tx *samplechan.Sender[uint16], flag *Flag) error {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	period := opts.Period
	if period <= 0 {
		period = DefaultPeriod
	}
	log := logger.WithField("component", "sampler")

	reader, release := adcGuard.Lock("sampler")
	defer release()

	log.WithField("period", period).Debug("ADC read loop started")
	defer log.Debug("ADC read loop finished")

	// A stop request must also release a send blocked on a full queue.
	sendCtx, cancelSend := context.WithCancel(ctx)
	defer cancelSend()
	stop := flag.Done()
	go func() {
		select {
		case <-stop:
			cancelSend()
		case <-sendCtx.Done():
		}
	}()

	timer := time.NewTimer(period)
	defer timer.Stop()

	for !flag.Cancelled() {
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		case <-timer.C:
		}
		timer.Reset(period)

		// Polled once per tick.
		if flag.Cancelled() {
			break
		}

		value, err := (*reader).Read()
		if err != nil {
			log.WithError(err).Debug("Failed to read ADC")
			return fmt.Errorf("failed to read ADC: %w", err)
		}

		if err := tx.Send(sendCtx, value); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			// Consumer gone is a stop signal, not a failure.
			log.WithError(err).Debug("Failed to send ADC value")
			return nil
		}

		if opts.OnSample != nil {
			opts.OnSample(value)
		}
	}

	return nil
}

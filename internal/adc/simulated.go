package adc

import (
	"math"
	"sync/atomic"
)

// SimulatedOptions shapes the synthetic ECG trace.
type SimulatedOptions struct {
	Baseline     float64 // resting level, in sample units
	Amplitude    float64 // R-peak height above baseline
	BeatSamples  int     // samples per heartbeat
	Noise        float64 // peak-to-peak deterministic ripple
	FailAfter    int64   // fail every read after this many successful reads; 0 disables
	StartAtIndex int64
}

// DefaultSimulatedOptions resembles a 12-bit front end at rest.
func DefaultSimulatedOptions() SimulatedOptions {
	return SimulatedOptions{
		Baseline:    2048,
		Amplitude:   1400,
		BeatSamples: 12,
		Noise:       6,
	}
}

// Simulated produces a repeating P-QRS-T shaped trace. It is deterministic so
// tests can predict values by index.
type Simulated struct {
	opts  SimulatedOptions
	index atomic.Int64
	reads atomic.Int64
	fail  atomic.Int64
}

// NewSimulated creates a simulated ADC.
func NewSimulated(opts SimulatedOptions) *Simulated {
	if opts.BeatSamples <= 0 {
		opts.BeatSamples = DefaultSimulatedOptions().BeatSamples
	}
	s := &Simulated{opts: opts}
	s.index.Store(opts.StartAtIndex)
	s.fail.Store(opts.FailAfter)
	return s
}

// FailAfter makes every read after the next n successful ones return ErrInjected.
// n <= 0 clears the fault.
func (s *Simulated) FailAfter(n int64) {
	if n <= 0 {
		s.fail.Store(0)
		return
	}
	s.fail.Store(s.reads.Load() + n)
}

// Reads returns how many successful conversions were produced.
func (s *Simulated) Reads() int64 {
	return s.reads.Load()
}

// Read returns the next point of the trace.
func (s *Simulated) Read() (uint16, error) {
	if limit := s.fail.Load(); limit > 0 && s.reads.Load() >= limit {
		return 0, ErrInjected
	}

	i := s.index.Add(1) - 1
	s.reads.Add(1)
	return s.At(i), nil
}

// At returns the trace value at sample index i.
func (s *Simulated) At(i int64) uint16 {
	phase := float64(i%int64(s.opts.BeatSamples)) / float64(s.opts.BeatSamples)

	v := s.opts.Baseline +
		0.12*s.opts.Amplitude*gauss(phase, 0.18, 0.04) + // P
		-0.10*s.opts.Amplitude*gauss(phase, 0.36, 0.012) + // Q
		s.opts.Amplitude*gauss(phase, 0.40, 0.018) + // R
		-0.20*s.opts.Amplitude*gauss(phase, 0.44, 0.014) + // S
		0.30*s.opts.Amplitude*gauss(phase, 0.68, 0.06) + // T
		s.opts.Noise/2*math.Sin(float64(i)*1.7)

	switch {
	case v < 0:
		return 0
	case v > math.MaxUint16:
		return math.MaxUint16
	default:
		return uint16(math.Round(v))
	}
}

func gauss(x, mu, sigma float64) float64 {
	d := (x - mu) / sigma
	return math.Exp(-0.5 * d * d)
}

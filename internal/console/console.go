// Package console exposes a virtual serial console on a pseudo-terminal,
// the way the sensor's UART monitor behaves on hardware: log lines and
// samples stream out, and lines typed by the operator are handed to a
// callback.
//
//	c, err := console.Open(console.Options{Logger: logger, OnLine: handle})
//	if err != nil {
//	    return err
//	}
//	defer c.Close()
//	logger.AddHook(console.NewHook(c, logrus.InfoLevel))
//	// screen $(c.TTYName()) 115200
//
// Writes never block: bytes that do not fit the ring buffer are dropped and
// counted in Stats.
package console

import (
	"errors"
	"time"
)

// ErrUnsupported is returned by Open where pseudo-terminals are unavailable.
var ErrUnsupported = errors.New("console: pseudo-terminals are not supported on this platform")

const (
	DefaultWriteCap    = 16 * 1024
	DefaultReadCap     = 1024
	DefaultPollTimeout = 50 * time.Millisecond

	// maxLine bounds a single input line; longer input is split.
	maxLine = 256
)

// LineFunc receives one input line without its terminator. It runs on the
// console's dispatcher goroutine.
type LineFunc func(line string)

// Options configures Open. Zero values select the defaults above.
type Options struct {
	WriteCap    int
	ReadCap     int
	PollTimeout time.Duration
	OnLine      LineFunc
	Logger      Logger
}

// Logger is the logging surface the console needs; *logrus.Logger and
// *logrus.Entry satisfy it.
type Logger interface {
	Debugf(format string, args ...interface{})
	Warnf(format string, args ...interface{})
}

// Stats are runtime counters of a console.
type Stats struct {
	WriteQueueLen int
	WriteQueueCap int
	DroppedWrite  uint64
	DroppedRead   uint64
	BytesWritten  uint64
	BytesRead     uint64
	Lines         uint64
}

func (o *Options) applyDefaults() {
	if o.WriteCap <= 0 {
		o.WriteCap = DefaultWriteCap
	}
	if o.ReadCap <= 0 {
		o.ReadCap = DefaultReadCap
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = DefaultPollTimeout
	}
}

// lineSplitter assembles input bytes into lines. CR, LF and CRLF all end a line.
type lineSplitter struct {
	buf    []byte
	lastCR bool
}

func (l *lineSplitter) feed(p []byte, emit func(string)) {
	for _, b := range p {
		switch b {
		case '\r':
			l.flush(emit)
			l.lastCR = true
			continue
		case '\n':
			if !l.lastCR {
				l.flush(emit)
			}
		default:
			l.buf = append(l.buf, b)
			if len(l.buf) >= maxLine {
				l.flush(emit)
			}
		}
		l.lastCR = false
	}
}

func (l *lineSplitter) flush(emit func(string)) {
	if len(l.buf) > 0 {
		emit(string(l.buf))
	}
	l.buf = l.buf[:0]
}

//go:build (linux || darwin) && !tinygo

package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/smallnest/ringbuffer"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/ArkadiuszKarbowski/esp32-idf-ecg/internal/groutine"
)

type nopLogger struct{}

func (nopLogger) Debugf(string, ...interface{}) {}
func (nopLogger) Warnf(string, ...interface{})  {}

// Console is a PTY master with ring-buffered, non-blocking output.
type Console struct {
	logger  Logger
	onLine  LineFunc
	pollMs  int
	idleFor time.Duration
	fd      int32 // master descriptor, captured before it was made non-blocking
	master  *os.File
	slave   *os.File
	ttyName string

	writeBuf *ringbuffer.RingBuffer
	readBuf  *ringbuffer.RingBuffer
	notify   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	droppedWrite atomic.Uint64
	droppedRead  atomic.Uint64
	bytesWritten atomic.Uint64
	bytesRead    atomic.Uint64
	lines        atomic.Uint64
}

// Open creates the pseudo-terminal pair and starts the I/O loops.
func Open(opts Options) (*Console, error) {
	opts.applyDefaults()
	if opts.Logger == nil {
		opts.Logger = nopLogger{}
	}

	master, slave, fd, err := openPTY()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Console{
		logger:   opts.Logger,
		onLine:   opts.OnLine,
		pollMs:   int(opts.PollTimeout.Milliseconds()),
		idleFor:  opts.PollTimeout,
		fd:       int32(fd),
		master:   master,
		slave:    slave,
		ttyName:  slave.Name(),
		writeBuf: ringbuffer.New(opts.WriteCap),
		readBuf:  ringbuffer.New(opts.ReadCap),
		notify:   make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}

	c.wg.Add(3)
	groutine.Go(ctx, "console-write-loop", func(context.Context) {
		defer c.wg.Done()
		c.writeLoop()
	})
	groutine.Go(ctx, "console-read-loop", func(context.Context) {
		defer c.wg.Done()
		c.readLoop()
	})
	groutine.Go(ctx, "console-dispatcher", func(context.Context) {
		defer c.wg.Done()
		c.dispatch()
	})
	return c, nil
}

// TTYName returns the slave path, e.g. /dev/pts/5.
func (c *Console) TTYName() string {
	return c.ttyName
}

// Write queues p for the terminal. It never blocks; n < len(p) means the
// rest was dropped.
func (c *Console) Write(p []byte) (int, error) {
	if c.closed.Load() {
		return 0, os.ErrClosed
	}
	if len(p) == 0 {
		return 0, nil
	}

	n, err := c.writeBuf.Write(p)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsFull) && !errors.Is(err, ringbuffer.ErrTooMuchDataToWrite) {
		return n, err
	}
	if n < len(p) {
		c.droppedWrite.Add(uint64(len(p) - n))
	}
	return n, nil
}

// Printf formats into the console; terminal line discipline is raw, so
// callers end lines with "\r\n".
func (c *Console) Printf(format string, args ...interface{}) {
	_, _ = c.Write([]byte(fmt.Sprintf(format, args...)))
}

func (c *Console) Stats() Stats {
	return Stats{
		WriteQueueLen: c.writeBuf.Length(),
		WriteQueueCap: c.writeBuf.Capacity(),
		DroppedWrite:  c.droppedWrite.Load(),
		DroppedRead:   c.droppedRead.Load(),
		BytesWritten:  c.bytesWritten.Load(),
		BytesRead:     c.bytesRead.Load(),
		Lines:         c.lines.Load(),
	}
}

// Close stops the loops and releases both ends of the terminal.
func (c *Console) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.cancel()

	var errs []error
	if err := c.master.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close console master: %w", err))
	}
	if err := c.slave.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close console tty: %w", err))
	}
	c.wg.Wait()
	return errors.Join(errs...)
}

func (c *Console) writeLoop() {
	master := c.master
	pollFd := []unix.PollFd{{Fd: c.fd, Events: unix.POLLOUT}}
	buf := make([]byte, 4096)

	for c.ctx.Err() == nil {
		if c.writeBuf.IsEmpty() {
			c.idle()
			continue
		}

		n, err := c.writeBuf.TryRead(buf)
		if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
			c.logger.Warnf("console: ring read failed: %v", err)
			continue
		}

		for off := 0; off < n; {
			written, err := master.Write(buf[off:n])
			if written > 0 {
				off += written
				c.bytesWritten.Add(uint64(written))
			}
			if err == nil {
				continue
			}
			switch {
			case errors.Is(err, syscall.EINTR):
			case errors.Is(err, syscall.EAGAIN):
				_, _ = unix.Poll(pollFd, c.pollMs)
				if c.ctx.Err() != nil {
					return
				}
			case errors.Is(err, os.ErrClosed), errors.Is(err, syscall.EBADF), errors.Is(err, syscall.EIO):
				return
			default:
				c.logger.Warnf("console: write loop exiting: %v", err)
				return
			}
		}
	}
}

func (c *Console) readLoop() {
	master := c.master
	pollFd := []unix.PollFd{{Fd: c.fd, Events: unix.POLLIN}}
	buf := make([]byte, 1024)

	for c.ctx.Err() == nil {
		ready, err := unix.Poll(pollFd, c.pollMs)
		if err != nil && !errors.Is(err, syscall.EINTR) {
			return
		}
		if ready == 0 {
			continue
		}

		n, err := master.Read(buf)
		if n > 0 {
			c.bytesRead.Add(uint64(n))
			written, _ := c.readBuf.Write(buf[:n])
			if written < n {
				c.droppedRead.Add(uint64(n - written))
			}
			select {
			case c.notify <- struct{}{}:
			default:
			}
		}
		if err != nil {
			switch {
			case errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EINTR):
			case errors.Is(err, io.EOF), errors.Is(err, os.ErrClosed), errors.Is(err, syscall.EBADF), errors.Is(err, syscall.EIO):
				// EIO: no process has the tty open
				c.idle()
			default:
				c.logger.Warnf("console: read loop exiting: %v", err)
				return
			}
		}
	}
}

func (c *Console) dispatch() {
	var lines lineSplitter
	tmp := make([]byte, 256)
	emit := func(line string) {
		c.lines.Add(1)
		c.logger.Debugf("console: input line %q", line)
		if c.onLine != nil {
			c.onLine(line)
		}
	}

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.notify:
		}
		for {
			n, err := c.readBuf.TryRead(tmp)
			if n == 0 || errors.Is(err, ringbuffer.ErrIsEmpty) {
				break
			}
			lines.feed(tmp[:n], emit)
		}
	}
}

// idle waits one poll period or until the console closes.
func (c *Console) idle() {
	t := time.NewTimer(c.idleFor)
	defer t.Stop()
	select {
	case <-c.ctx.Done():
	case <-t.C:
	}
}

// openPTY creates the pair and puts the slave in raw mode and the master in
// non-blocking mode. os.File.Fd switches a descriptor back to blocking, so
// the master descriptor is returned for the loops to use.
func openPTY() (*os.File, *os.File, int, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, nil, 0, fmt.Errorf("failed to create PTY (check permissions and available PTY devices): %w", err)
	}

	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		_ = master.Close()
		_ = slave.Close()
		return nil, nil, 0, fmt.Errorf("failed to set PTY %s to raw mode: %w", slave.Name(), err)
	}
	fd := int(master.Fd())
	if err := syscall.SetNonblock(fd, true); err != nil {
		_ = master.Close()
		_ = slave.Close()
		return nil, nil, 0, fmt.Errorf("failed to set PTY master non-blocking: %w", err)
	}
	return master, slave, fd, nil
}

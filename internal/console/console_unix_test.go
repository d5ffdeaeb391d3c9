//go:build (linux || darwin) && !tinygo

package console

import (
	"bufio"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openForTest(t *testing.T, onLine LineFunc) *Console {
	t.Helper()
	c, err := Open(Options{OnLine: onLine, PollTimeout: 10 * time.Millisecond})
	if err != nil {
		t.Skipf("pseudo-terminals unavailable: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestConsole_OutputReachesTerminal(t *testing.T) {
	c := openForTest(t, nil)
	require.NotEmpty(t, c.TTYName())

	tty, err := os.OpenFile(c.TTYName(), os.O_RDWR, 0)
	require.NoError(t, err)
	defer tty.Close()

	c.Printf("sample=%d\r\n", 2137)

	line, err := bufio.NewReader(tty).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "sample=2137\r\n", line)

	assert.Eventually(t, func() bool { return c.Stats().BytesWritten == uint64(len(line)) }, time.Second, 5*time.Millisecond)
}

func TestConsole_InputLines(t *testing.T) {
	var mu sync.Mutex
	var got []string
	c := openForTest(t, func(line string) {
		mu.Lock()
		got = append(got, line)
		mu.Unlock()
	})

	tty, err := os.OpenFile(c.TTYName(), os.O_RDWR, 0)
	require.NoError(t, err)
	defer tty.Close()

	_, err = tty.Write([]byte("status\rreset\r"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"status", "reset"}, got)
	mu.Unlock()
	assert.Equal(t, uint64(2), c.Stats().Lines)
}

func TestConsole_DropsWhenFull(t *testing.T) {
	c, err := Open(Options{WriteCap: 8, PollTimeout: 10 * time.Millisecond})
	if err != nil {
		t.Skipf("pseudo-terminals unavailable: %v", err)
	}

	// a single write larger than the ring can never fit
	n, err := c.Write([]byte("0123456789abcdef"))
	require.NoError(t, err)
	assert.Less(t, n, 16)
	assert.Equal(t, uint64(16-n), c.Stats().DroppedWrite)

	require.NoError(t, c.Close())
	_, err = c.Write([]byte("x"))
	assert.ErrorIs(t, err, os.ErrClosed)
	assert.NoError(t, c.Close())
}

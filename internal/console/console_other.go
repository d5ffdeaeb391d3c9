//go:build !(linux || darwin) || tinygo

package console

// Console is unavailable on this platform.
type Console struct{}

func Open(Options) (*Console, error) { return nil, ErrUnsupported }

func (*Console) TTYName() string                          { return "" }
func (*Console) Write(p []byte) (int, error)              { return 0, ErrUnsupported }
func (*Console) Printf(format string, args ...interface{}) {}
func (*Console) Stats() Stats                             { return Stats{} }
func (*Console) Close() error                             { return nil }

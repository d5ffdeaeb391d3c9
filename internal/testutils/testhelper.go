package testutils

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

type TestHelper struct {
	T      testing.TB
	Logger *logrus.Logger
	Hook   *test.Hook
}

// NewTestHelper creates a test helper with a debug logger whose entries are
// also captured for assertions.
func NewTestHelper(t testing.TB) *TestHelper {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	return &TestHelper{
		T:      t,
		Logger: logger,
		Hook:   test.NewLocal(logger),
	}
}

// Messages returns captured messages at or above level, oldest first.
func (h *TestHelper) Messages(level logrus.Level) []string {
	var result []string
	for _, e := range h.Hook.AllEntries() {
		if e.Level <= level {
			result = append(result, e.Message)
		}
	}
	return result
}

// Logged reports whether any captured entry message contains substr.
func (h *TestHelper) Logged(substr string) bool {
	for _, e := range h.Hook.AllEntries() {
		if strings.Contains(e.Message, substr) {
			return true
		}
	}
	return false
}

// WaitLogged waits until a message containing substr has been logged.
func (h *TestHelper) WaitLogged(substr string, timeout time.Duration) {
	h.T.Helper()
	deadline := time.Now().Add(timeout)
	for !h.Logged(substr) {
		if time.Now().After(deadline) {
			h.T.Fatalf("timed out after %v waiting for log %q", timeout, substr)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// EntryWith returns the first captured entry whose message contains substr.
func (h *TestHelper) EntryWith(substr string) (*logrus.Entry, bool) {
	for _, e := range h.Hook.AllEntries() {
		if strings.Contains(e.Message, substr) {
			return e, true
		}
	}
	return nil, false
}

// ProjectFile reads a file relative to the module root.
func ProjectFile(relPath string) ([]byte, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get working directory: %w", err)
	}

	// Navigate up to find the project root (look for go.mod file)
	projectRoot := wd
	for {
		if _, err := os.Stat(filepath.Join(projectRoot, "go.mod")); err == nil {
			break
		}
		parent := filepath.Dir(projectRoot)
		if parent == projectRoot {
			return nil, fmt.Errorf("could not find project root (go.mod not found)")
		}
		projectRoot = parent
	}

	fullPath := filepath.Join(projectRoot, relPath)
	data, err := os.ReadFile(fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", fullPath, err)
	}
	return data, nil
}

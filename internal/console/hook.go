package console

import (
	"bytes"
	"io"
	"time"

	"github.com/sirupsen/logrus"
)

// Hook mirrors log entries at or above a level into a writer, typically a
// Console, with CRLF line endings for raw terminals.
type Hook struct {
	w         io.Writer
	formatter logrus.Formatter
	levels    []logrus.Level
}

// NewHook creates a hook for entries at min level or more severe.
func NewHook(w io.Writer, min logrus.Level) *Hook {
	var levels []logrus.Level
	for _, l := range logrus.AllLevels {
		if l <= min {
			levels = append(levels, l)
		}
	}
	return &Hook{
		w: w,
		formatter: &logrus.TextFormatter{
			DisableColors:   true,
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		},
		levels: levels,
	}
}

func (h *Hook) Levels() []logrus.Level {
	return h.levels
}

func (h *Hook) Fire(e *logrus.Entry) error {
	b, err := h.formatter.Format(e)
	if err != nil {
		return err
	}
	b = bytes.ReplaceAll(bytes.TrimRight(b, "\n"), []byte("\n"), []byte("\r\n"))
	_, err = h.w.Write(append(b, '\r', '\n'))
	return err
}

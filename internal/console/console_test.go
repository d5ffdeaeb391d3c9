package console

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLineSplitter(t *testing.T) {
	tests := []struct {
		name  string
		input []string
		want  []string
	}{
		{"lf", []string{"start\nstop\n"}, []string{"start", "stop"}},
		{"crlf", []string{"start\r\nstop\r\n"}, []string{"start", "stop"}},
		{"cr", []string{"start\rstop\r"}, []string{"start", "stop"}},
		{"split across reads", []string{"st", "ar", "t\r", "\n"}, []string{"start"}},
		{"blank lines skipped", []string{"\n\n\r\nx\n"}, []string{"x"}},
		{"unterminated kept", []string{"partial"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var l lineSplitter
			var got []string
			for _, in := range tt.input {
				l.feed([]byte(in), func(s string) { got = append(got, s) })
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLineSplitter_LongLine(t *testing.T) {
	var l lineSplitter
	var got []string
	l.feed(bytes.Repeat([]byte("a"), maxLine+10), func(s string) { got = append(got, s) })
	require.Len(t, got, 1)
	assert.Len(t, got[0], maxLine)
}

func TestHook(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&bytes.Buffer{})
	logger.SetLevel(logrus.DebugLevel)
	logger.AddHook(NewHook(&buf, logrus.InfoLevel))

	logger.Debug("hidden")
	logger.WithField("value", 2137).Info("Received value")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `msg="Received value"`)
	assert.Contains(t, out, "value=2137")
	assert.True(t, bytes.HasSuffix(buf.Bytes(), []byte("\r\n")))
}

func TestHook_Levels(t *testing.T) {
	h := NewHook(&bytes.Buffer{}, logrus.WarnLevel)
	assert.ElementsMatch(t, []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel, logrus.WarnLevel}, h.Levels())
}

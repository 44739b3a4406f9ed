package observability

import (
	"bytes"
	"errors"
	"log"
	"testing"

	"github.com/stretchr/testify/require"
)

type recordingLogger struct {
	debugs int
	infos  int
	errors int
}

func (r *recordingLogger) Debug(string, ...Field) { r.debugs++ }
func (r *recordingLogger) Info(string, ...Field)  { r.infos++ }
func (r *recordingLogger) Error(string, ...Field) { r.errors++ }

func TestSetLoggerOverridesGlobal(t *testing.T) {
	recorder := new(recordingLogger)
	SetLogger(recorder)
	t.Cleanup(func() { SetLogger(nil) })

	Log().Debug("test")
	require.Equal(t, 1, recorder.debugs)

	SetLogger(nil)
	Log().Info("noop")
	require.Equal(t, 0, recorder.infos)
}

func TestStdLoggerFormatsFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStdLogger(log.New(&buf, "", 0), false)

	logger.Info("frame received", F("stream", "abc"), F("payload", `{"I":"1"}`), F("n", 3))
	require.Equal(t, "INFO frame received stream=abc payload=\"{\\\"I\\\":\\\"1\\\"}\" n=3\n", buf.String())

	buf.Reset()
	logger.Debug("hidden")
	require.Empty(t, buf.String())

	logger.Error("failed", F("err", errors.New("boom")))
	require.Equal(t, "ERROR failed err=\"boom\"\n", buf.String())
}

func TestStdLoggerDebugEnabled(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStdLogger(log.New(&buf, "", 0), true)
	logger.Debug("visible", F("", "skipped"), F("empty", ""))
	require.Equal(t, "DEBUG visible empty=\"\"\n", buf.String())
}

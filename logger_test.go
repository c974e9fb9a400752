package customfit

import (
	"fmt"
	"sync"
	"testing"

	qt "github.com/frankban/quicktest"
)

// recordingLogger captures every line the SDK emits through it.
type recordingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *recordingLogger) GetLevel() LogLevel { return LogLevelTrace }

func (l *recordingLogger) record(level, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, level+": "+fmt.Sprintf(format, args...))
}

func (l *recordingLogger) Debugf(format string, args ...interface{}) { l.record("D", format, args...) }
func (l *recordingLogger) Infof(format string, args ...interface{})  { l.record("I", format, args...) }
func (l *recordingLogger) Warnf(format string, args ...interface{})  { l.record("W", format, args...) }
func (l *recordingLogger) Errorf(format string, args ...interface{}) { l.record("E", format, args...) }

func (l *recordingLogger) recorded() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.lines...)
}

func logAll(log *leveledLogger) {
	log.Debugf("d")
	log.Infof("i")
	log.Warnf("w")
	log.Errorf("e")
}

func TestLeveledLogger_DisabledSilencesSuppliedLogger(t *testing.T) {
	c := qt.New(t)
	rec := &recordingLogger{}
	log := newLeveledLogger(&Config{LoggingEnabled: false, Logger: rec})

	logAll(log)
	c.Assert(rec.recorded(), qt.HasLen, 0)
}

func TestLeveledLogger_LevelGatesSuppliedLogger(t *testing.T) {
	c := qt.New(t)
	rec := &recordingLogger{}
	log := newLeveledLogger(&Config{LoggingEnabled: true, LogLevel: LogLevelWarn, Logger: rec})

	logAll(log)
	c.Assert(rec.recorded(), qt.DeepEquals, []string{"W: w", "E: e"})
}

func TestLeveledLogger_DebugFlagRaisesLevel(t *testing.T) {
	c := qt.New(t)
	rec := &recordingLogger{}
	log := newLeveledLogger(&Config{
		LoggingEnabled:      true,
		LogLevel:            LogLevelWarn,
		DebugLoggingEnabled: true,
		Logger:              rec,
	})

	logAll(log)
	c.Assert(rec.recorded(), qt.DeepEquals, []string{"D: d", "I: i", "W: w", "E: e"})
}

func TestLeveledLogger_DefaultLevelIsWarn(t *testing.T) {
	c := qt.New(t)
	rec := &recordingLogger{}
	log := newLeveledLogger(&Config{LoggingEnabled: true, Logger: rec})

	logAll(log)
	c.Assert(log.enabled(LogLevelInfo), qt.IsFalse)
	c.Assert(rec.recorded(), qt.DeepEquals, []string{"W: w", "E: e"})
}

// Package definition provides the default Logger implementation, backed by
// logrus. It provides no other collaborator.
package definition

import (
	"os"

	"github.com/jabolina/groupcast/pkg/mcast/types"
	"github.com/sirupsen/logrus"
)

// DefaultLogger adapts a logrus.Logger to the types.Logger interface,
// using logrus rather than a hand-rolled level-prefix formatter over the
// standard library's *log.Logger.
type DefaultLogger struct {
	entry *logrus.Logger
}

// NewDefaultLogger builds a logger writing to stderr at info level, with
// debug output gated by ToggleDebug.
func NewDefaultLogger() *DefaultLogger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.InfoLevel)
	return &DefaultLogger{entry: l}
}

func (d *DefaultLogger) Info(v ...interface{})                 { d.entry.Info(v...) }
func (d *DefaultLogger) Infof(format string, v ...interface{}) { d.entry.Infof(format, v...) }
func (d *DefaultLogger) Warn(v ...interface{})                 { d.entry.Warn(v...) }
func (d *DefaultLogger) Warnf(format string, v ...interface{}) { d.entry.Warnf(format, v...) }
func (d *DefaultLogger) Error(v ...interface{})                { d.entry.Error(v...) }
func (d *DefaultLogger) Errorf(format string, v ...interface{}) {
	d.entry.Errorf(format, v...)
}
func (d *DefaultLogger) Debug(v ...interface{}) { d.entry.Debug(v...) }
func (d *DefaultLogger) Debugf(format string, v ...interface{}) {
	d.entry.Debugf(format, v...)
}
func (d *DefaultLogger) Fatal(v ...interface{}) { d.entry.Fatal(v...) }
func (d *DefaultLogger) Fatalf(format string, v ...interface{}) {
	d.entry.Fatalf(format, v...)
}
func (d *DefaultLogger) Panic(v ...interface{}) { d.entry.Panic(v...) }
func (d *DefaultLogger) Panicf(format string, v ...interface{}) {
	d.entry.Panicf(format, v...)
}

// ToggleDebug flips the logger between info and debug level.
func (d *DefaultLogger) ToggleDebug(value bool) bool {
	if value {
		d.entry.SetLevel(logrus.DebugLevel)
	} else {
		d.entry.SetLevel(logrus.InfoLevel)
	}
	return value
}

var _ types.Logger = (*DefaultLogger)(nil)

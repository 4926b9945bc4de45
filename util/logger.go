package util

import (
	"fmt"
	"os"
	"strings"
	"sync"

	clog "github.com/charmbracelet/log"
)

var (
	globalLogger Logger = NewDefaultLogger("info")
	globalLock   sync.RWMutex
)

func SetLogger(log Logger) {
	if log == nil {
		panic("Can't set the logger to nil")
	}

	globalLock.Lock()
	globalLogger = log
	globalLock.Unlock()
}

func current() Logger {
	globalLock.RLock()
	defer globalLock.RUnlock()
	return globalLogger
}

func Printf(format string, a ...any) {
	current().Printf(format, a...)
}

func Infof(format string, a ...any) {
	current().Infof(format, a...)
}

func Debugf(format string, a ...any) {
	current().Debugf(format, a...)
}

func Warnf(format string, a ...any) {
	current().Warnf(format, a...)
}

func Errorf(format string, a ...any) error {
	return current().Errorf(format, a...)
}

type Logger interface {
	// Printf - Straight print passthrough
	Printf(format string, a ...any)
	// Infof - Info level print
	Infof(format string, a ...any)
	// Debugf - Debug level print, mostly used for information/tracing
	Debugf(format string, a ...any)
	// Warnf - Warn level print, something that might be a problem
	Warnf(format string, a ...any)
	// Errorf - Error level print - returns an error
	Errorf(format string, a ...any) error
}

// DefaultLogger writes leveled, timestamped lines to stderr through charmbracelet/log.
type DefaultLogger struct {
	clogger *clog.Logger
}

// NewDefaultLogger builds the stderr logger at the given level ("debug", "info", "warn", "error").
// Unknown levels fall back to info.
func NewDefaultLogger(level string) *DefaultLogger {
	l := clog.NewWithOptions(os.Stderr, clog.Options{
		ReportTimestamp: true,
		Prefix:          "gigbuds",
		Level:           parseLevel(level),
	})
	return &DefaultLogger{clogger: l}
}

func parseLevel(level string) clog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return clog.DebugLevel
	case "warn", "warning":
		return clog.WarnLevel
	case "error":
		return clog.ErrorLevel
	default:
		return clog.InfoLevel
	}
}

func (d *DefaultLogger) SetLevel(level string) {
	d.clogger.SetLevel(parseLevel(level))
}

func (d *DefaultLogger) Printf(format string, a ...any) {
	d.clogger.Printf(strings.TrimSuffix(format, "\n"), a...)
}

func (d *DefaultLogger) Infof(format string, a ...any) {
	d.clogger.Infof(strings.TrimSuffix(format, "\n"), a...)
}

func (d *DefaultLogger) Debugf(format string, a ...any) {
	d.clogger.Debugf(strings.TrimSuffix(format, "\n"), a...)
}

func (d *DefaultLogger) Warnf(format string, a ...any) {
	d.clogger.Warnf(strings.TrimSuffix(format, "\n"), a...)
}

func (d *DefaultLogger) Errorf(format string, a ...any) error {
	format = strings.TrimSuffix(format, "\n")
	d.clogger.Errorf(format, a...)
	return fmt.Errorf(format, a...)
}

type DiscardLogger struct{}

func (DiscardLogger) Printf(_ string, _ ...any) {

}

func (DiscardLogger) Infof(_ string, _ ...any) {

}

func (DiscardLogger) Debugf(_ string, _ ...any) {

}

func (DiscardLogger) Warnf(_ string, _ ...any) {

}

func (DiscardLogger) Errorf(format string, a ...any) error {
	return fmt.Errorf(format, a...)
}

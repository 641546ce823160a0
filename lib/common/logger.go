// Package common holds the configuration structs and the logging setup shared
// by the library packages and the command line tool.
package common

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lni/dragonboat/v4/logger"
)

// LoggerNames lists every package logger; InitLoggers sets their level.
var LoggerNames = []string{"cllock", "lov", "target", "client", "sim", "serve"}

var levelTags = map[logger.LogLevel]string{
	logger.CRITICAL: "CRIT",
	logger.ERROR:    "ERROR",
	logger.WARNING:  "WARN",
	logger.INFO:     "INFO",
	logger.DEBUG:    "DEBUG",
}

var (
	outMu sync.Mutex
	out   io.Writer = os.Stderr
)

// SetLogOutput redirects all package loggers to w.
func SetLogOutput(w io.Writer) {
	outMu.Lock()
	out = w
	outMu.Unlock()
}

// pkgLogger is the dragonboat logger.ILogger of one package. Lines look like
//
//	2025-01-02 15:04:05.000000 WARN  lov    top-lock 3 lost sub-lock 7
type pkgLogger struct {
	name  string
	level atomic.Int32
}

func (l *pkgLogger) SetLevel(level logger.LogLevel) { l.level.Store(int32(level)) }

func (l *pkgLogger) Debugf(format string, args ...interface{}) {
	l.emit(logger.DEBUG, format, args)
}

func (l *pkgLogger) Infof(format string, args ...interface{}) {
	l.emit(logger.INFO, format, args)
}

func (l *pkgLogger) Warningf(format string, args ...interface{}) {
	l.emit(logger.WARNING, format, args)
}

func (l *pkgLogger) Errorf(format string, args ...interface{}) {
	l.emit(logger.ERROR, format, args)
}

// Panicf logs regardless of the level, then panics with the message.
func (l *pkgLogger) Panicf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	l.emit(logger.CRITICAL, "%s", []interface{}{msg})
	panic(msg)
}

func (l *pkgLogger) emit(level logger.LogLevel, format string, args []interface{}) {
	if logger.LogLevel(l.level.Load()) < level {
		return
	}
	line := fmt.Sprintf("%s %-5s %-6s %s\n",
		time.Now().Format("2006-01-02 15:04:05.000000"), levelTags[level], l.name, fmt.Sprintf(format, args...))

	outMu.Lock()
	defer outMu.Unlock()
	_, _ = io.WriteString(out, line)
}

// CreateLogger is the dragonboat logger factory, new loggers start at INFO.
func CreateLogger(pkgName string) logger.ILogger {
	l := &pkgLogger{name: pkgName}
	l.SetLevel(logger.INFO)
	return l
}

// ParseLogLevel maps debug, info, warn(ing) and error to a logger.LogLevel.
func ParseLogLevel(level string) (logger.LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return logger.DEBUG, nil
	case "info", "":
		return logger.INFO, nil
	case "warn", "warning":
		return logger.WARNING, nil
	case "error":
		return logger.ERROR, nil
	}
	return 0, fmt.Errorf("unknown log level %q (debug, info, warn, error)", level)
}

// InitLoggers installs CreateLogger and sets the level of every logger in
// LoggerNames.
func InitLoggers(level string) error {
	lvl, err := ParseLogLevel(level)
	if err != nil {
		return err
	}
	logger.SetLoggerFactory(CreateLogger)
	for _, name := range LoggerNames {
		logger.GetLogger(name).SetLevel(lvl)
	}
	return nil
}

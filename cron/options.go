package cron

import (
	"fmt"
	"time"

	orchestrator "github.com/ryu-qqq/Orchestrator-sub000"
)

// LogLevel filters the scheduler's own log lines. Job failures always reach the error
// handler.
type LogLevel int

const (
	LogLevelSilent LogLevel = iota
	LogLevelError
	LogLevelInfo
	LogLevelDebug
)

// ParseLogLevel maps "silent", "error", "info" and "debug".
func ParseLogLevel(raw string) (LogLevel, error) {
	switch raw {
	case "silent":
		return LogLevelSilent, nil
	case "", "error":
		return LogLevelError, nil
	case "info":
		return LogLevelInfo, nil
	case "debug":
		return LogLevelDebug, nil
	}
	return LogLevelError, fmt.Errorf("unknown cron log level %q", raw)
}

// Parser selects the cron expression dialect.
type Parser int

const (
	DefaultParser Parser = iota
	StandardParser
	SecondsParser
)

type Option func(*Scheduler)

// WithLocation sets the timezone expressions are evaluated in.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		s.location = loc
	}
}

func WithLogger(logger orchestrator.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

func WithLogLevel(level LogLevel) Option {
	return func(s *Scheduler) {
		s.logLevel = level
	}
}

// WithErrorHandler receives the final error of every failed run and recovered panics.
func WithErrorHandler(handler func(error)) Option {
	return func(s *Scheduler) {
		s.errorHandler = handler
	}
}

func WithParser(p Parser) Option {
	return func(s *Scheduler) {
		s.parser = p
	}
}

// loggerAdapter adapts orchestrator.Logger to robfig/cron's logger
type loggerAdapter struct {
	logger orchestrator.Logger
	level  LogLevel
}

func (l *loggerAdapter) Info(msg string, args ...any) {
	if l.level >= LogLevelDebug {
		l.logger.Debug("cron: %s %s", msg, formatKeysAndValues(args))
	} else if l.level >= LogLevelInfo && msg != "wake" && msg != "run" {
		l.logger.Info("cron: %s %s", msg, formatKeysAndValues(args))
	}
}

func (l *loggerAdapter) Error(err error, msg string, args ...any) {
	if l.level >= LogLevelError {
		l.logger.Error("cron: %s %s: %v", msg, formatKeysAndValues(args), err)
	}
}

// errorHandlerAdapter forwards recovered job panics to the error handler
type errorHandlerAdapter struct {
	handler func(error)
}

func (e *errorHandlerAdapter) Info(string, ...any) {}

func (e *errorHandlerAdapter) Error(err error, msg string, args ...any) {
	if e.handler == nil {
		return
	}
	if err != nil {
		e.handler(err)
		return
	}
	e.handler(fmt.Errorf("%s %s", msg, formatKeysAndValues(args)))
}

// robfig/cron logs key/value pairs rather than printf arguments.
func formatKeysAndValues(kv []any) string {
	out := ""
	for i := 0; i+1 < len(kv); i += 2 {
		if out != "" {
			out += " "
		}
		out += fmt.Sprintf("%v=%v", kv[i], kv[i+1])
	}
	return out
}

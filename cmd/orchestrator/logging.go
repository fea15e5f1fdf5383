package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/goliatone/go-logger/glog"

	orchestrator "github.com/ryu-qqq/Orchestrator-sub000"
	"github.com/ryu-qqq/Orchestrator-sub000/config"
)

// glogLogger adapts a go-logger logger to orchestrator.Logger. Messages arrive in printf
// form and are rendered before they reach glog so its args stay reserved for fields.
type glogLogger struct {
	logger glog.Logger
}

func (l glogLogger) Trace(msg string, args ...any) { l.logger.Trace(render(msg, args)) }
func (l glogLogger) Debug(msg string, args ...any) { l.logger.Debug(render(msg, args)) }
func (l glogLogger) Info(msg string, args ...any)  { l.logger.Info(render(msg, args)) }
func (l glogLogger) Warn(msg string, args ...any)  { l.logger.Warn(render(msg, args)) }
func (l glogLogger) Error(msg string, args ...any) { l.logger.Error(render(msg, args)) }
func (l glogLogger) Fatal(msg string, args ...any) { l.logger.Fatal(render(msg, args)) }

func (l glogLogger) WithContext(ctx context.Context) orchestrator.Logger {
	return glogLogger{logger: l.logger.WithContext(ctx)}
}

func (l glogLogger) WithFields(fields map[string]any) orchestrator.Logger {
	if fl, ok := l.logger.(glog.FieldsLogger); ok {
		return glogLogger{logger: fl.WithFields(fields)}
	}
	return l
}

func render(msg string, args []any) string {
	if len(args) == 0 {
		return msg
	}
	return fmt.Sprintf(msg, args...)
}

// newLogger builds the process logger. JSON goes through go-logger, text uses the
// orchestrator fmt logger.
func newLogger(cfg config.LogConfig, out io.Writer) orchestrator.Logger {
	if strings.EqualFold(cfg.Format, "text") {
		return orchestrator.NewFmtLogger(out)
	}
	level := strings.ToLower(strings.TrimSpace(cfg.Level))
	if level == "" {
		level = "info"
	}
	return glogLogger{logger: glog.NewLogger(
		glog.WithWriter(out),
		glog.WithLoggerTypeJSON(),
		glog.WithLevel(level),
	)}
}

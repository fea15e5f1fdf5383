package executor

import (
	"fmt"
	"runtime"
	"sort"
	"strings"

	orchestrator "github.com/ryu-qqq/Orchestrator-sub000"
)

// CodePanic is the Fail code returned when a handler panics.
const CodePanic = "EXECUTOR_PANIC"

// PanicLogger receives a recovered panic with the stack trimmed to the panicking frame.
type PanicLogger func(env orchestrator.Envelope, recovered any, stack []byte)

// LogPanic returns a PanicLogger writing one error entry to logger.
func LogPanic(logger orchestrator.Logger) PanicLogger {
	logger = orchestrator.NormalizeLogger(logger)
	return func(env orchestrator.Envelope, recovered any, stack []byte) {
		fields := env.LogFields()
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var sb strings.Builder
		fmt.Fprintf(&sb, "recovered from panic in handler: %v (%T)\n", recovered, recovered)
		for _, k := range keys {
			fmt.Fprintf(&sb, "  %s: %v\n", k, fields[k])
		}
		sb.WriteString("stack:\n")
		sb.Write(stack)
		orchestrator.WithLoggerFields(logger, fields).Error("%s", sb.String())
	}
}

// panicOutcome converts a recovered value into a Fail outcome and reports it.
func panicOutcome(env orchestrator.Envelope, recovered any, report PanicLogger) orchestrator.Outcome {
	stack := make([]byte, 8096)
	stack = stack[:runtime.Stack(stack, false)]
	if report != nil {
		report(env, recovered, cleanStackTrace(stack))
	}
	return orchestrator.Fail{
		ErrorCode: CodePanic,
		Message:   fmt.Sprintf("handler panicked: %v", recovered),
	}
}

// cleanStackTrace drops the runtime frames above the panic call.
func cleanStackTrace(stack []byte) []byte {
	lines := strings.Split(string(stack), "\n")
	panicLine := -1
	for i, line := range lines {
		if strings.Contains(line, "panic(") {
			panicLine = i
			break
		}
	}
	// skip the panic( line and its file reference
	if panicLine >= 0 && panicLine+2 < len(lines) {
		lines = lines[panicLine+2:]
	}
	return []byte(strings.Join(lines, "\n"))
}

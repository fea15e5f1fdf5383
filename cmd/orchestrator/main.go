// Command orchestrator runs the execution core against the adapters selected in a YAML
// configuration file.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	orchestrator "github.com/ryu-qqq/Orchestrator-sub000"
	"github.com/ryu-qqq/Orchestrator-sub000/config"
)

type CLI struct {
	Config   string `help:"Path to a YAML configuration file." short:"c" type:"existingfile"`
	LogLevel string `help:"Override log.level." name:"log-level"`

	Run    RunCmd    `cmd:"" help:"Run the worker, finalizer and reaper until interrupted."`
	Submit SubmitCmd `cmd:"" help:"Submit one command and follow it until it finishes."`
}

// HandlerFlags configure the demo business handler.
type HandlerFlags struct {
	HandlerDelay time.Duration `help:"Time the handler spends on each envelope." default:"0s"`
	FailEvent    string        `help:"Event type the handler rejects with a permanent failure."`
}

func (f HandlerFlags) handler() demoHandler {
	return demoHandler{Delay: f.HandlerDelay, FailEvent: f.FailEvent}
}

// app carries what every command needs.
type app struct {
	cfg    config.Config
	logger orchestrator.Logger
	stdout io.Writer
}

type RunCmd struct {
	HandlerFlags `embed:""`
}

func (c *RunCmd) Run(ctx context.Context, a *app) error {
	rt, err := openRuntime(ctx, a.cfg, a.logger)
	if err != nil {
		return err
	}
	defer closeRuntime(rt, a.logger)

	exec, err := rt.newExecutor(c.handler())
	if err != nil {
		return err
	}
	a.logger.Info("orchestrator running store=%s bus=%s idempotency=%s",
		a.cfg.Store.Driver, a.cfg.Bus.Driver, a.cfg.Idempotency.Driver)
	return rt.serve(ctx, exec)
}

type SubmitCmd struct {
	HandlerFlags `embed:""`

	Domain    string        `help:"Domain of the command." required:""`
	EventType string        `help:"Event type of the command." name:"event-type" required:""`
	BizKey    string        `help:"Business key." name:"biz-key" required:""`
	IdemKey   string        `help:"Idempotency key." name:"idem-key" required:""`
	Payload   string        `help:"Raw payload bytes. Omit for an absent payload."`
	Budget    time.Duration `help:"Time budget for the fast path." default:"200ms"`
	Wait      time.Duration `help:"How long to follow an async operation before giving up." default:"10s"`
}

// submitResult is printed as JSON.
type submitResult struct {
	OpID          string          `json:"op_id"`
	CompletedFast bool            `json:"completed_fast"`
	StatusURL     string          `json:"status_url,omitempty"`
	State         string          `json:"state"`
	Outcome       json.RawMessage `json:"outcome,omitempty"`
}

func (c *SubmitCmd) Run(ctx context.Context, a *app) error {
	var payload []byte
	if c.Payload != "" {
		payload = []byte(c.Payload)
	}
	cmd, err := orchestrator.ParseCommand(c.Domain, c.EventType, c.BizKey, c.IdemKey, payload)
	if err != nil {
		return err
	}

	rt, err := openRuntime(ctx, a.cfg, a.logger)
	if err != nil {
		return err
	}
	defer closeRuntime(rt, a.logger)

	exec, err := rt.newExecutor(c.handler())
	if err != nil {
		return err
	}
	orch, err := rt.newOrchestrator()
	if err != nil {
		return err
	}

	result, err := submitAndFollow(ctx, rt, orch, exec, cmd, c.Budget, c.Wait)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

// submitAndFollow serves the pipeline in the background, submits cmd and polls the
// operation until it is terminal or wait elapses.
func submitAndFollow(ctx context.Context, rt *runtime, orch *orchestrator.Orchestrator, exec orchestrator.Executor,
	cmd orchestrator.Command, budget, wait time.Duration) (submitResult, error) {
	serveCtx, stop := context.WithCancel(ctx)
	served := make(chan error, 1)
	go func() { served <- rt.serve(serveCtx, exec) }()
	defer func() {
		stop()
		if err := <-served; err != nil {
			rt.logger.Warn("pipeline stopped with error: %v", err)
		}
	}()

	handle, err := orch.Submit(ctx, cmd, budget)
	if err != nil {
		return submitResult{}, err
	}
	result := submitResult{
		OpID:          handle.OpID().String(),
		CompletedFast: handle.CompletedFast(),
		StatusURL:     handle.StatusURL(),
	}

	deadline := time.Now().Add(wait)
	for {
		state, outcome, err := orch.Status(ctx, handle.OpID())
		if err != nil {
			return result, err
		}
		result.State = state.String()
		if outcome != nil {
			raw, err := orchestrator.MarshalOutcome(outcome)
			if err != nil {
				return result, err
			}
			result.Outcome = raw
		}
		if state.IsTerminal() || !time.Now().Before(deadline) {
			return result, nil
		}
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-time.After(rt.cfg.Orchestrator.PollInterval):
		}
	}
}

func closeRuntime(rt *runtime, logger orchestrator.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rt.Close(ctx); err != nil {
		logger.Warn("close runtime: %v", err)
	}
}

func loadConfig(cli *CLI) (config.Config, error) {
	var (
		cfg config.Config
		err error
	)
	if cli.Config == "" {
		cfg, err = config.Parse(nil)
	} else {
		cfg, err = config.Load(cli.Config)
	}
	if err != nil {
		return config.Config{}, err
	}
	if cli.LogLevel != "" {
		cfg.Log.Level = cli.LogLevel
	}
	return cfg, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("orchestrator"),
		kong.Description("Accepts commands, executes them within a time budget and recovers what was left unfinished."),
		kong.UsageOnError(),
		kong.BindTo(ctx, (*context.Context)(nil)),
	)

	cfg, err := loadConfig(&cli)
	kctx.FatalIfErrorf(err)

	a := &app{cfg: cfg, logger: newLogger(cfg.Log, os.Stderr), stdout: os.Stdout}
	err = kctx.Run(a)
	if err != nil {
		fmt.Fprintln(os.Stderr, "orchestrator:", err)
		stop()
		os.Exit(1)
	}
}

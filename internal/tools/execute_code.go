package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/quantchat/internal/domain"
	"github.com/ashureev/quantchat/internal/execlog"
	"github.com/ashureev/quantchat/internal/sandbox"
)

// ExecuteCodeName is the tool name the model calls.
const ExecuteCodeName = "executeCode"

// SandboxSession provides the conversation's sandbox.
type SandboxSession interface {
	GetSandbox(ctx context.Context) (sandbox.Sandbox, error)
	ResetSandbox(ctx context.Context) (sandbox.Sandbox, error)
	EmitStrategyChart(chart domain.StrategyChart)
}

// CodeInput is the executeCode input.
type CodeInput struct {
	Code  string `json:"code"`
	Label string `json:"label"`
	Reset bool   `json:"reset,omitempty"`
}

// ExecuteCodeConfig tunes code execution.
type ExecuteCodeConfig struct {
	// Timeout bounds each run. Zero means sandbox.DefaultRunTimeout.
	Timeout time.Duration
	// Env is added to the environment of every run.
	Env    map[string]string
	Logger *slog.Logger
}

// ExecuteCode runs Python in the session's sandbox, streaming log snapshots
// while the code runs and relaying chart payloads it leaves behind.
type ExecuteCode struct {
	sess SandboxSession
	cfg  ExecuteCodeConfig
	log  *slog.Logger
}

// NewExecuteCode binds the tool to a session.
func NewExecuteCode(sess SandboxSession, cfg ExecuteCodeConfig) *ExecuteCode {
	if cfg.Timeout <= 0 {
		cfg.Timeout = sandbox.DefaultRunTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecuteCode{sess: sess, cfg: cfg, log: logger}
}

// Name implements Tool.
func (t *ExecuteCode) Name() string { return ExecuteCodeName }

// Description implements Tool.
func (t *ExecuteCode) Description() string {
	return "Run Python code in this conversation's sandbox. backtrader, yfinance, pandas and numpy are installed. " +
		"Files written by earlier calls are still there. " +
		"Write strategy charts as a JSON array to " + domain.ChartPath + " to show them to the user. " +
		"Set reset to true only to discard the sandbox and start from a fresh one."
}

// Parameters implements Tool.
func (t *ExecuteCode) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"code": map[string]any{
				"type":        "string",
				"description": "Python source to execute.",
			},
			"label": map[string]any{
				"type":        "string",
				"description": "A few words describing what the code does, shown to the user.",
			},
			"reset": map[string]any{
				"type":        "boolean",
				"description": "Discard the current sandbox and run in a fresh one.",
			},
		},
		"required":             []string{"code", "label"},
		"additionalProperties": false,
	}
}

type runResult struct {
	exec *sandbox.Execution
	err  error
}

// Execute implements Tool.
func (t *ExecuteCode) Execute(ctx context.Context, raw json.RawMessage) iter.Seq2[Update, error] {
	return func(yield func(Update, error) bool) {
		var in CodeInput
		if err := json.Unmarshal(raw, &in); err != nil {
			yield(Update{}, fmt.Errorf("decode %s input: %w", ExecuteCodeName, err))
			return
		}
		if strings.TrimSpace(in.Code) == "" {
			yield(Update{}, errors.New("code is required"))
			return
		}

		var sb sandbox.Sandbox
		var err error
		if in.Reset {
			sb, err = t.sess.ResetSandbox(ctx)
		} else {
			sb, err = t.sess.GetSandbox(ctx)
		}
		if err != nil {
			yield(Update{}, err)
			return
		}

		t.log.Info("Executing code", "sandbox_id", sb.ID(), "label", in.Label, "reset", in.Reset, "code_length", len(in.Code))

		logs := execlog.NewCollector()
		errorReported := false
		done := make(chan runResult, 1)

		go func() {
			exec, err := sb.RunCode(ctx, in.Code, sandbox.RunOptions{
				Timeout:  t.cfg.Timeout,
				Env:      t.cfg.Env,
				OnStdout: func(line string) { logs.Append(execlog.Stdout, line) },
				OnStderr: func(line string) { logs.Append(execlog.Stderr, line) },
				OnError: func(e *sandbox.ExecutionError) {
					errorReported = true
					logs.Append(execlog.Stderr, e.Detail())
				},
			})
			done <- runResult{exec: exec, err: err}
		}()

		var res runResult
	wait:
		for {
			select {
			case <-logs.Updates():
				if !yield(Update{Output: logs.Snapshot(), Preliminary: true}, nil) {
					return
				}
			case res = <-done:
				break wait
			case <-ctx.Done():
				yield(Update{}, ctx.Err())
				return
			}
		}

		if res.err != nil {
			yield(Update{}, fmt.Errorf("run code in sandbox %s: %w", sb.ID(), res.err))
			return
		}
		if res.exec != nil && res.exec.Error != nil && !errorReported {
			logs.Append(execlog.Stderr, res.exec.Error.Detail())
		}

		t.relayCharts(ctx, sb)

		yield(Update{Output: logs.Snapshot()}, nil)
	}
}

// relayCharts emits every chart payload the code left at domain.ChartPath and
// removes the file. A missing file is the normal case.
func (t *ExecuteCode) relayCharts(ctx context.Context, sb sandbox.Sandbox) {
	data, err := sb.ReadFile(ctx, domain.ChartPath)
	if err != nil {
		if !errors.Is(err, sandbox.ErrNotFound) {
			t.log.Debug("Strategy chart file not readable", "sandbox_id", sb.ID(), "error", err)
		}
		return
	}

	var charts []domain.StrategyChart
	if err := json.Unmarshal(data, &charts); err != nil {
		t.log.Warn("Ignoring malformed strategy chart file", "sandbox_id", sb.ID(), "bytes", len(data), "error", err)
	} else {
		for _, chart := range charts {
			t.sess.EmitStrategyChart(chart)
		}
	}

	if err := sb.RemoveFile(ctx, domain.ChartPath); err != nil {
		t.log.Warn("Failed to remove strategy chart file", "sandbox_id", sb.ID(), "error", err)
	}
}

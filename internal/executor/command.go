package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jordanhubbard/steerloop/internal/steering"
)

const maxCapturedOutput = 4096

// CommandExecutor runs a local program for each approved prompt. The prompt is
// written to stdin and the actor id is exported as STEER_ACTOR_ID. A zero exit
// status counts as success.
type CommandExecutor struct {
	command string
	args    []string
	dir     string
	env     []string
	timeout time.Duration
	logger  *zap.Logger
}

var _ steering.Executor = (*CommandExecutor)(nil)

// CommandConfig configures a CommandExecutor.
type CommandConfig struct {
	Command string
	Args    []string
	Dir     string
	Env     []string
	Timeout time.Duration
	Logger  *zap.Logger
}

// NewCommandExecutor creates a command executor.
func NewCommandExecutor(cfg CommandConfig) (*CommandExecutor, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, ErrNoCommand
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &CommandExecutor{
		command: cfg.Command,
		args:    cfg.Args,
		dir:     cfg.Dir,
		env:     cfg.Env,
		timeout: cfg.Timeout,
		logger:  cfg.Logger.Named("executor"),
	}, nil
}

// Execute runs the configured command.
func (e *CommandExecutor) Execute(ctx context.Context, actorID, prompt string) (bool, error) {
	cmdCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, e.command, e.args...)
	cmd.Dir = e.dir
	cmd.Env = append(append(cmd.Environ(), e.env...), "STEER_ACTOR_ID="+actorID)
	cmd.Stdin = strings.NewReader(prompt)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	e.logger.Info("Command finished",
		zap.String("actor_id", actorID),
		zap.String("command", e.command),
		zap.Int("exit_code", exitCode),
		zap.Duration("duration", duration),
		zap.String("stdout", truncate(stdout.String())),
	)

	if cmdCtx.Err() == context.DeadlineExceeded {
		return false, fmt.Errorf("%w after %s", ErrTimeout, e.timeout)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			e.logger.Warn("Command failed", zap.Int("exit_code", exitCode), zap.String("stderr", truncate(stderr.String())))
			return false, nil
		}
		return false, fmt.Errorf("run %s: %w", e.command, err)
	}
	return true, nil
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxCapturedOutput {
		return s
	}
	return s[:maxCapturedOutput] + "...(truncated)"
}

package router

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrCommandFailed is returned when an external command exits unsuccessfully.
var ErrCommandFailed = errors.New("command failed")

// Executor runs a command to completion and returns its standard output.
type Executor interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// LocalExecutor runs commands on this host.
type LocalExecutor struct {
	useSudo bool
	timeout time.Duration
	logger  *zap.Logger
}

// NewLocalExecutor creates an executor for the local host. A zero timeout
// leaves commands bounded only by the caller's context.
func NewLocalExecutor(useSudo bool, timeout time.Duration, logger *zap.Logger) *LocalExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalExecutor{
		useSudo: useSudo,
		timeout: timeout,
		logger:  logger,
	}
}

// Run executes name with args.
func (e *LocalExecutor) Run(ctx context.Context, name string, args ...string) (string, error) {
	ctx, cancel := withTimeout(ctx, e.timeout)
	defer cancel()

	if e.useSudo {
		args = append([]string{"-n", name}, args...)
		name = "sudo"
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	e.logger.Debug("running command", zap.String("cmd", commandLine(name, args)))

	if err := cmd.Run(); err != nil {
		e.logger.Debug("command failed",
			zap.String("cmd", commandLine(name, args)),
			zap.String("stderr", strings.TrimSpace(stderr.String())),
			zap.Error(err),
		)
		return stdout.String(), fmt.Errorf("%w: %s: %v: %s",
			ErrCommandFailed, commandLine(name, args), err, strings.TrimSpace(stderr.String()))
	}

	return stdout.String(), nil
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func commandLine(name string, args []string) string {
	return strings.TrimSpace(name + " " + strings.Join(args, " "))
}

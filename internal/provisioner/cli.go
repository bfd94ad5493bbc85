package provisioner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	kerrors "github.com/harunnryd/kanri/internal/errors"

	"github.com/google/shlex"
	"github.com/sony/gobreaker"
)

const stderrLimit = 512

type CLIConfig struct {
	// Command is the tool invocation, split with shell-word rules but never run by a shell.
	Command            string
	Timeout            time.Duration
	BreakerMaxFailures int
	BreakerOpen        time.Duration
	// OnCall observes every invocation.
	OnCall func(op string, took time.Duration, err error)
}

type runner func(ctx context.Context, name string, args []string) (stdout string, stderr string, err error)

// CLI runs the provisioning tool as a subprocess per call.
type CLI struct {
	argv    []string
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker
	onCall  func(op string, took time.Duration, err error)
	run     runner
}

func NewCLI(cfg CLIConfig) (*CLI, error) {
	argv, err := shlex.Split(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse provisioner command: %w", err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("provisioner command is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	maxFailures := cfg.BreakerMaxFailures
	if maxFailures <= 0 {
		maxFailures = 5
	}

	c := &CLI{
		argv:    argv,
		timeout: cfg.Timeout,
		onCall:  cfg.OnCall,
		run:     execRun,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "provisioner",
		MaxRequests: 1,
		Timeout:     cfg.BreakerOpen,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(maxFailures)
		},
		IsSuccessful: func(err error) bool {
			// Bad input is the caller's fault, not the tool's.
			return err == nil || kerrors.Is(err, kerrors.ErrInvalidInput)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Provisioner circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return c, nil
}

func (c *CLI) CreateAgent(ctx context.Context, agentID string) error {
	if err := ValidateAgentID(agentID); err != nil {
		return kerrors.InvalidInput("provisioner.CreateAgent", err.Error())
	}
	_, err := c.call(ctx, "create", "agents", "add", agentID)
	return err
}

func (c *CLI) RemoveAgent(ctx context.Context, agentID string) error {
	if err := ValidateAgentID(agentID); err != nil {
		return kerrors.InvalidInput("provisioner.RemoveAgent", err.Error())
	}
	_, err := c.call(ctx, "remove", "agents", "delete", agentID)
	return err
}

func (c *CLI) ReloadGateway(ctx context.Context) error {
	_, err := c.call(ctx, "reload", "gateway", "reload")
	return err
}

func (c *CLI) Version(ctx context.Context) (string, error) {
	out, err := c.call(ctx, "version", "--version")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// BreakerState reports the circuit breaker state for health checks.
func (c *CLI) BreakerState() gobreaker.State {
	return c.breaker.State()
}

func (c *CLI) call(ctx context.Context, op string, args ...string) (string, error) {
	started := time.Now()
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.invoke(ctx, op, args)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = kerrors.Transient("provisioner."+op, "provisioning tool circuit open", err)
	}
	if c.onCall != nil {
		c.onCall(op, time.Since(started), err)
	}
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

func (c *CLI) invoke(ctx context.Context, op string, args []string) (string, error) {
	tctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	name := c.argv[0]
	full := append(append([]string{}, c.argv[1:]...), args...)

	stdout, stderr, err := c.run(tctx, name, full)
	if err == nil {
		return stdout, nil
	}

	opName := "provisioner." + op
	if errors.Is(tctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return "", kerrors.ExternalToolTimeout(opName, fmt.Sprintf("%s timed out after %s", name, c.timeout), err)
	}
	if ctx.Err() != nil {
		return "", kerrors.MapContextError(ctx.Err())
	}

	detail := strings.TrimSpace(stderr)
	if len(detail) > stderrLimit {
		detail = detail[len(detail)-stderrLimit:]
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return "", kerrors.ExternalTool(opName, fmt.Sprintf("%s exited %d: %s", name, exitErr.ExitCode(), detail), err)
	}
	return "", kerrors.ExternalTool(opName, fmt.Sprintf("run %s", name), err)
}

func execRun(ctx context.Context, name string, args []string) (string, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.WaitDelay = time.Second

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

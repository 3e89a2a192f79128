// SPDX-License-Identifier: MIT

// Package runner executes external administrative commands (qemu-img,
// targetcli, service reloads) with timeouts, captured output and a typed
// failure taxonomy. It never retries on its own; callers map its errors onto
// domain errors and perform their own compensation.
package runner

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ggnet/diskless/internal/log"
)

const (
	// DefaultTimeout bounds every invocation unless the request overrides it.
	DefaultTimeout = 60 * time.Second
	// killGrace is how long a signalled child gets before the hard kill.
	killGrace = 10 * time.Second
)

var runTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ggnet_runner_invocations_total",
	Help: "External command invocations by program and outcome",
}, []string{"program", "outcome"})

// NotFoundError means the program is not in the allow-list or its binary was
// missing at startup.
type NotFoundError struct {
	Program string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("runner: program %q not available", e.Program)
}

// TimeoutError means the command exceeded its budget and was killed.
type TimeoutError struct {
	Program string
	Budget  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("runner: %s exceeded %s budget", e.Program, e.Budget)
}

// ExitError means the command ran to completion with a non-zero exit code.
type ExitError struct {
	Program string
	Code    int
	Stderr  string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("runner: %s exited %d: %s", e.Program, e.Code, truncate(e.Stderr, 512))
}

// SignalError means the command died from a signal not sent by us.
type SignalError struct {
	Program string
	Signal  string
}

func (e *SignalError) Error() string {
	return fmt.Sprintf("runner: %s killed by signal %s", e.Program, e.Signal)
}

// Request describes one invocation. Args are always a pre-split list; there
// is no shell expansion anywhere.
type Request struct {
	Program string
	Args    []string
	Timeout time.Duration
	// OnLine, when set, receives each stdout line as it arrives. Lines are
	// split on both \n and \r so progress meters that rewrite the line
	// (qemu-img -p) are observed.
	OnLine func(line string)
}

// Result captures a completed invocation.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Runner resolves an allow-list of program names to absolute paths at
// construction and refuses everything else.
type Runner interface {
	Run(ctx context.Context, req Request) (Result, error)
	// Available reports whether a program resolved at startup, for
	// pre-flight checks.
	Available(program string) bool
	// Programs lists the resolved allow-list.
	Programs() []string
}

// ExecRunner is the production Runner on top of os/exec.
type ExecRunner struct {
	paths map[string]string
}

var _ Runner = (*ExecRunner)(nil)

// New resolves each allow-listed program with exec.LookPath. Programs that do
// not resolve are remembered as missing rather than failing construction, so
// pre-flight can report them.
func New(allowed []string) *ExecRunner {
	logger := log.WithComponent("runner")
	paths := make(map[string]string, len(allowed))
	for _, name := range allowed {
		path, err := exec.LookPath(name)
		if err != nil {
			logger.Warn().Str("program", name).Err(err).Msg("program not found in PATH")
			continue
		}
		paths[name] = path
		logger.Debug().Str("program", name).Str("path", path).Msg("resolved program")
	}
	return &ExecRunner{paths: paths}
}

func (r *ExecRunner) Available(program string) bool {
	_, ok := r.paths[program]
	return ok
}

func (r *ExecRunner) Programs() []string {
	out := make([]string, 0, len(r.paths))
	for name := range r.paths {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *ExecRunner) Run(ctx context.Context, req Request) (Result, error) {
	path, ok := r.paths[req.Program]
	if !ok {
		runTotal.WithLabelValues(req.Program, "not_found").Inc()
		return Result{}, &NotFoundError{Program: req.Program}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, path, req.Args...) // #nosec G204 -- program from fixed allow-list, args pre-split
	// Cooperative cancellation: SIGTERM first, hard kill after the grace
	// period.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = killGrace

	var stdout, stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	var runErr error
	if req.OnLine != nil {
		pipe, err := cmd.StdoutPipe()
		if err != nil {
			runTotal.WithLabelValues(req.Program, "error").Inc()
			return Result{}, fmt.Errorf("runner: stdout pipe: %w", err)
		}
		if err := cmd.Start(); err != nil {
			runTotal.WithLabelValues(req.Program, "error").Inc()
			return Result{}, fmt.Errorf("runner: start %s: %w", req.Program, err)
		}
		scanner := bufio.NewScanner(pipe)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		scanner.Split(scanCRLines)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			stdout.WriteString(line)
			stdout.WriteByte('\n')
			req.OnLine(line)
		}
		runErr = cmd.Wait()
	} else {
		cmd.Stdout = &stdout
		runErr = cmd.Run()
	}

	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	logger := log.FromContext(ctx).With().
		Str("component", "runner").
		Str("program", req.Program).
		Dur("duration", res.Duration).
		Logger()

	if runErr == nil {
		runTotal.WithLabelValues(req.Program, "ok").Inc()
		logger.Debug().Msg("command completed")
		return res, nil
	}

	// Budget exhaustion shadows whatever exec reports.
	if runCtx.Err() != nil && ctx.Err() == nil {
		runTotal.WithLabelValues(req.Program, "timeout").Inc()
		logger.Warn().Dur("budget", timeout).Msg("command timed out")
		return res, &TimeoutError{Program: req.Program, Budget: timeout}
	}
	if ctx.Err() != nil {
		runTotal.WithLabelValues(req.Program, "cancelled").Inc()
		return res, ctx.Err()
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			runTotal.WithLabelValues(req.Program, "signalled").Inc()
			logger.Warn().Str("signal", status.Signal().String()).Msg("command killed by signal")
			return res, &SignalError{Program: req.Program, Signal: status.Signal().String()}
		}
		res.ExitCode = exitErr.ExitCode()
		runTotal.WithLabelValues(req.Program, "nonzero_exit").Inc()
		logger.Warn().Int("exit_code", res.ExitCode).Str("stderr", truncate(res.Stderr, 256)).Msg("command failed")
		return res, &ExitError{Program: req.Program, Code: res.ExitCode, Stderr: res.Stderr}
	}

	runTotal.WithLabelValues(req.Program, "error").Inc()
	return res, fmt.Errorf("runner: %s: %w", req.Program, runErr)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// scanCRLines is a bufio.SplitFunc splitting on \n and \r, so carriage-return
// progress rewrites arrive as separate lines.
func scanCRLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, bytes.TrimSpace(data[:i]), nil
	}
	if atEOF {
		return len(data), bytes.TrimSpace(data), nil
	}
	return 0, nil, nil
}

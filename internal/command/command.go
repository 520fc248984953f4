// Package command runs the allowlisted external tools of the release pipeline.
// Every invocation is a typed Command with an explicit argv, working directory
// and captured output; nothing goes through a shell.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// Tool names an allowlisted program.
type Tool string

const (
	Mongodump          Tool = "mongodump"
	Mongorestore       Tool = "mongorestore"
	Bgzip              Tool = "bgzip"
	Bcftools           Tool = "bcftools"
	Sort               Tool = "sort"
	VCFValidator       Tool = "vcf_validator"
	VCFAssemblyChecker Tool = "vcf_assembly_checker"
	Java               Tool = "java"
	PortForward        Tool = "port_forward"
)

// Command is one external invocation.
type Command struct {
	Tool Tool
	Args []string
	Dir  string
	Env  map[string]string

	// Stdin and Stdout override the defaults; when Stdout is set it is not captured.
	Stdin  io.Reader
	Stdout io.Writer

	// Secrets are masked wherever the command line is printed.
	Secrets []string
}

func (c Command) String() string {
	line := strings.TrimSpace(string(c.Tool) + " " + strings.Join(c.Args, " "))
	for _, s := range c.Secrets {
		if s != "" {
			line = strings.ReplaceAll(line, s, "****")
		}
	}
	return line
}

// Result holds the outcome of a finished command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Process is a started long-running command.
type Process interface {
	Pid() int
	// Stop kills the process group and waits for it. Safe to call more than once.
	Stop() error
	// Done is closed when the process exits.
	Done() <-chan struct{}
	// Err returns the exit error once Done is closed.
	Err() error
}

// Runner executes commands.
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
	Start(ctx context.Context, cmd Command) (Process, error)
}

// ExitError is returned when a command exits non-zero.
type ExitError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	stderr := strings.TrimSpace(e.Stderr)
	if len(stderr) > 2000 {
		stderr = "..." + stderr[len(stderr)-2000:]
	}
	return fmt.Sprintf("%s exited with status %d: %s", e.Command, e.ExitCode, stderr)
}

// ExecRunner runs commands with os/exec. Programs maps each tool to its path;
// tools missing from the map are refused.
type ExecRunner struct {
	Programs map[Tool][]string
}

// NewExecRunner returns a runner restricted to the given programs. A program is
// an argv prefix so that e.g. PortForward may map to ["ssh"] or ["kubectl", "port-forward"].
func NewExecRunner(programs map[Tool][]string) *ExecRunner {
	return &ExecRunner{Programs: programs}
}

func (r *ExecRunner) build(ctx context.Context, c Command) (*exec.Cmd, error) {
	prefix, ok := r.Programs[c.Tool]
	if !ok || len(prefix) == 0 {
		return nil, fmt.Errorf("tool %q is not allowlisted", c.Tool)
	}
	args := append(append([]string{}, prefix[1:]...), c.Args...)
	cmd := exec.CommandContext(ctx, prefix[0], args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range c.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	cmd.Stdin = c.Stdin
	// Own process group so cancellation reaches grandchildren (ssh, java).
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second
	return cmd, nil
}

// Run executes c and waits for it.
func (r *ExecRunner) Run(ctx context.Context, c Command) (*Result, error) {
	cmd, err := r.build(ctx, c)
	if err != nil {
		return nil, err
	}

	var stdout, stderr bytes.Buffer
	if c.Stdout != nil {
		cmd.Stdout = c.Stdout
	} else {
		cmd.Stdout = &stdout
	}
	cmd.Stderr = &stderr

	start := time.Now()
	err = cmd.Run()
	res := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return res, nil
	case ctx.Err() != nil:
		res.ExitCode = -1
		return res, fmt.Errorf("%s: %w", c.Tool, ctx.Err())
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		return res, &ExitError{Command: c.String(), ExitCode: res.ExitCode, Stderr: res.Stderr}
	default:
		res.ExitCode = -1
		return res, fmt.Errorf("run %s: %w", c.Tool, err)
	}
}

// Start launches c without waiting. The process is killed when ctx ends or Stop is called.
func (r *ExecRunner) Start(ctx context.Context, c Command) (Process, error) {
	cmd, err := r.build(ctx, c)
	if err != nil {
		return nil, err
	}
	var stderr bytes.Buffer
	cmd.Stdout = c.Stdout
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", c.Tool, err)
	}

	p := &execProcess{cmd: cmd, stderr: &stderr, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stderr *bytes.Buffer
	done   chan struct{}
	err    error
}

func (p *execProcess) Pid() int { return p.cmd.Process.Pid }

func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) Err() error {
	select {
	case <-p.done:
		if p.err != nil {
			return fmt.Errorf("%w: %s", p.err, strings.TrimSpace(p.stderr.String()))
		}
		return nil
	default:
		return nil
	}
}

func (p *execProcess) Stop() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := syscall.Kill(-p.cmd.Process.Pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("signal process group: %w", err)
	}
	select {
	case <-p.done:
	case <-time.After(5 * time.Second):
		_ = syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL)
		<-p.done
	}
	return nil
}

package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/mkoziy/genome/release/internal/command"
	"github.com/mkoziy/genome/release/internal/ratelimit"
	"github.com/mkoziy/genome/release/internal/releaseerr"
)

// Tunnel is an open port forward to a staging instance.
type Tunnel interface {
	Port() int
	Close() error
}

// Forwarder opens tunnels to staging instances.
type Forwarder interface {
	Open(ctx context.Context, instance string) (Tunnel, error)
}

// ForwardOptions configure the port-forward command.
type ForwardOptions struct {
	// Args is the argv template after the program name. {local_port},
	// {instance}, {remote_port} and {gateway} are substituted.
	Args       []string
	Gateway    string
	RemotePort int
	ReadyWait  time.Duration
	Retry      ratelimit.Config
}

// CommandForwarder runs the port-forward tool as a child process.
type CommandForwarder struct {
	runner command.Runner
	opts   ForwardOptions
	logger *slog.Logger
	dial   func(ctx context.Context, addr string) error
}

func NewCommandForwarder(runner command.Runner, opts ForwardOptions, logger *slog.Logger) *CommandForwarder {
	if opts.RemotePort == 0 {
		opts.RemotePort = 27017
	}
	if opts.ReadyWait == 0 {
		opts.ReadyWait = 30 * time.Second
	}
	return &CommandForwarder{runner: runner, opts: opts, logger: logger, dial: dialTCP}
}

func dialTCP(ctx context.Context, addr string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

// freePort asks the kernel for an unused local port.
func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// Args renders the argv template.
func (f *CommandForwarder) Args(localPort int, instance string) []string {
	r := strings.NewReplacer(
		"{local_port}", strconv.Itoa(localPort),
		"{instance}", instance,
		"{remote_port}", strconv.Itoa(f.opts.RemotePort),
		"{gateway}", f.opts.Gateway,
	)
	out := make([]string, len(f.opts.Args))
	for i, a := range f.opts.Args {
		out[i] = r.Replace(a)
	}
	return out
}

// Open starts the forward and waits until the local port accepts connections.
func (f *CommandForwarder) Open(ctx context.Context, instance string) (Tunnel, error) {
	op := fmt.Sprintf("port forward to %s", instance)
	if instance == "" {
		return nil, releaseerr.Newf(releaseerr.KindResource, op, "target has no staging instance")
	}
	port, err := freePort()
	if err != nil {
		return nil, releaseerr.New(releaseerr.KindResource, op, err)
	}

	proc, err := f.runner.Start(ctx, command.Command{Tool: command.PortForward, Args: f.Args(port, instance)})
	if err != nil {
		return nil, releaseerr.New(releaseerr.KindResource, op, err)
	}
	tun := &processTunnel{port: port, proc: proc}

	readyCtx, cancel := context.WithTimeout(ctx, f.opts.ReadyWait)
	defer cancel()
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	err = ratelimit.Retry(readyCtx, f.opts.Retry, func(ctx context.Context) error {
		select {
		case <-proc.Done():
			return ratelimit.Permanent(fmt.Errorf("forward exited: %v", proc.Err()))
		default:
		}
		return f.dial(ctx, addr)
	})
	if err != nil {
		_ = tun.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, releaseerr.New(releaseerr.KindResource, op, err)
	}
	f.logger.Info("port forward ready", "instance", instance, "local_port", port, "pid", proc.Pid())
	return tun, nil
}

type processTunnel struct {
	port int
	proc command.Process
}

func (t *processTunnel) Port() int { return t.port }

func (t *processTunnel) Close() error { return t.proc.Stop() }

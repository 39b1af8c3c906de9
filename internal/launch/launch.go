// Package launch starts worker processes through a Deployer, waits for them
// to report their bound address, and tears them down.
package launch

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/seantiz/simproxy/internal/channel"
)

// Launch errors.
var (
	ErrDeployment         = errors.New("deployment failed")
	ErrAddressUnavailable = errors.New("worker address unavailable")
)

// DeploymentError reports a failed transfer or start, or a worker that exited
// before reporting its address.
type DeploymentError struct {
	Host string
	Err  error
}

func (e *DeploymentError) Error() string {
	return fmt.Sprintf("deploy worker on %s: %v", hostLabel(e.Host), e.Err)
}

func (e *DeploymentError) Unwrap() error { return e.Err }

func (e *DeploymentError) Is(target error) bool { return target == ErrDeployment }

// AddressUnavailableError reports a worker that did not report an address
// within the launch timeout.
type AddressUnavailableError struct {
	Host    string
	Timeout time.Duration
}

func (e *AddressUnavailableError) Error() string {
	return fmt.Sprintf("worker on %s reported no address within %s", hostLabel(e.Host), e.Timeout)
}

func (e *AddressUnavailableError) Is(target error) bool { return target == ErrAddressUnavailable }

func hostLabel(host string) string {
	if host == "" {
		return "localhost"
	}
	return host
}

// Artifact is the worker program to deploy.
type Artifact struct {
	// Path is the worker binary on the local machine.
	Path string

	// Engine selects the engine the worker serves.
	Engine string

	// Args are appended to the worker command line.
	Args []string
}

// Process is a handle on a deployed worker.
type Process interface {
	// Output is the worker's standard output.
	Output() io.Reader
	// Done is closed when the worker exits.
	Done() <-chan struct{}
	// Err is the exit cause once Done is closed.
	Err() error
	// ID identifies the process for logs.
	ID() string
}

// Deployer copies and starts workers on a host. It is the external
// remote-execution collaborator.
type Deployer interface {
	Deploy(ctx context.Context, host string, artifact Artifact, args []string) (Process, error)
	// Terminate stops the process forcefully.
	Terminate(ctx context.Context, p Process) error
}

// Worker command-line flags set by the launcher.
const (
	FlagListen = "--listen"
	FlagReport = "--report"
	FlagEngine = "--engine"
)

// Config holds launcher settings.
type Config struct {
	// Port the worker binds; 0 lets it choose.
	Port int

	// LaunchTimeout bounds the wait for the worker's address report.
	LaunchTimeout time.Duration

	// GracePeriod is how long Terminate waits after a stop request before
	// forcing termination.
	GracePeriod time.Duration
}

// Launcher starts and stops workers through a Deployer.
type Launcher struct {
	deployer Deployer
	cfg      Config
	logger   *slog.Logger
}

// NewLauncher creates a launcher. A nil logger discards output.
func NewLauncher(d Deployer, cfg Config, logger *slog.Logger) *Launcher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Launcher{deployer: d, cfg: cfg, logger: logger}
}

// Launch deploys the artifact on host and waits for the worker to report the
// address it is listening on. Wildcard hosts in the report are replaced by
// host.
func (l *Launcher) Launch(ctx context.Context, host string, artifact Artifact) (string, Process, error) {
	args := l.workerArgs(host, artifact)

	proc, err := l.deployer.Deploy(ctx, host, artifact, args)
	if err != nil {
		return "", nil, &DeploymentError{Host: host, Err: err}
	}
	l.logger.Info("worker deployed", "host", hostLabel(host), "process", proc.ID())

	reported := make(chan string, 1)
	go l.scanOutput(proc, reported)

	timer := time.NewTimer(l.cfg.LaunchTimeout)
	defer timer.Stop()

	var raw string
	select {
	case raw = <-reported:
	case <-proc.Done():
		// The report may have been the process's last act.
		select {
		case raw = <-reported:
		default:
			l.forceTerminate(proc)
			return "", nil, &DeploymentError{Host: host, Err: fmt.Errorf("worker %s exited before reporting an address: %v", proc.ID(), proc.Err())}
		}
	case <-timer.C:
		l.forceTerminate(proc)
		return "", nil, &AddressUnavailableError{Host: host, Timeout: l.cfg.LaunchTimeout}
	case <-ctx.Done():
		l.forceTerminate(proc)
		return "", nil, fmt.Errorf("launch on %s: %w", hostLabel(host), ctx.Err())
	}

	addr, err := channel.ParseAddress(raw)
	if err != nil {
		l.forceTerminate(proc)
		return "", nil, &DeploymentError{Host: host, Err: fmt.Errorf("bad address report: %w", err)}
	}
	addr = addr.WithHost(dialHost(host))

	l.logger.Info("worker ready", "host", hostLabel(host), "process", proc.ID(), "address", addr.String())
	return addr.String(), proc, nil
}

// Terminate stops proc. stop, if non-nil, asks the worker to exit on its own;
// if the process has not exited after the grace period it is terminated
// through the deployer.
func (l *Launcher) Terminate(ctx context.Context, proc Process, stop func(ctx context.Context) error) error {
	if proc == nil {
		return nil
	}

	grace := time.NewTimer(l.cfg.GracePeriod)
	defer grace.Stop()

	if stop != nil {
		stopCtx, cancel := context.WithTimeout(ctx, l.cfg.GracePeriod)
		err := stop(stopCtx)
		cancel()
		if err != nil {
			l.logger.Debug("graceful stop failed", "process", proc.ID(), "error", err)
		}
	}

	select {
	case <-proc.Done():
		l.logger.Info("worker exited", "process", proc.ID())
		return nil
	case <-grace.C:
	case <-ctx.Done():
	}

	l.logger.Info("forcing worker termination", "process", proc.ID())
	if err := l.deployer.Terminate(context.WithoutCancel(ctx), proc); err != nil {
		return fmt.Errorf("terminate %s: %w", proc.ID(), err)
	}
	return nil
}

func (l *Launcher) forceTerminate(proc Process) {
	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.GracePeriod+time.Second)
	defer cancel()
	if err := l.deployer.Terminate(ctx, proc); err != nil {
		l.logger.Warn("terminate worker", "process", proc.ID(), "error", err)
	}
}

// scanOutput delivers the first address report and keeps draining output
// into the log so the worker never blocks on a full pipe.
func (l *Launcher) scanOutput(proc Process, reported chan<- string) {
	scanner := bufio.NewScanner(proc.Output())
	sent := false
	for scanner.Scan() {
		line := scanner.Text()
		if !sent {
			if addr, ok := channel.ParseReport(line); ok {
				reported <- addr
				sent = true
				continue
			}
		}
		l.logger.Debug("worker output", "process", proc.ID(), "line", line)
	}
}

func (l *Launcher) workerArgs(host string, artifact Artifact) []string {
	listenHost := "0.0.0.0"
	if IsLocalHost(host) {
		listenHost = "127.0.0.1"
	}
	listen := channel.Address{Network: channel.NetworkTCP, Host: listenHost, Port: uint32(l.cfg.Port)}

	args := []string{FlagListen, listen.String(), FlagReport}
	if artifact.Engine != "" {
		args = append(args, FlagEngine, artifact.Engine)
	}
	return append(args, artifact.Args...)
}

// IsLocalHost reports whether host names this machine.
func IsLocalHost(host string) bool {
	switch host {
	case "", "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

func dialHost(host string) string {
	if IsLocalHost(host) {
		return "127.0.0.1"
	}
	return host
}

// ListenArg returns the value of the --listen flag in args.
func ListenArg(args []string) (string, bool) {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == FlagListen {
			return args[i+1], true
		}
	}
	return "", false
}

// ReplaceListenArg returns a copy of args with the --listen value set to addr.
func ReplaceListenArg(args []string, addr string) []string {
	out := make([]string, 0, len(args)+2)
	replaced := false
	for i := 0; i < len(args); i++ {
		if args[i] == FlagListen && i+1 < len(args) {
			out = append(out, FlagListen, addr)
			i++
			replaced = true
			continue
		}
		out = append(out, args[i])
	}
	if !replaced {
		out = append([]string{FlagListen, addr}, out...)
	}
	return out
}

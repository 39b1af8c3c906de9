package launch

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Defaults for remote deployment.
const (
	DefaultCopyCommand  = "scp"
	DefaultShellCommand = "ssh"
	DefaultRemoteDir    = "/tmp/simproxy"
	DefaultStartTimeout = 30 * time.Second
)

// pidPrefix starts the line the remote shell prints before exec'ing the
// worker, so the deployer can kill it later.
const pidPrefix = "SIMWORKER PID "

// ExecDeployer runs workers as operating system processes. Local hosts run
// the artifact directly; remote hosts receive a copy over the copy command
// and start it through the remote shell command.
type ExecDeployer struct {
	// CopyCommand transfers the artifact: <cmd> <local> <host>:<remote>.
	CopyCommand string

	// ShellCommand runs a command on the host: <cmd> <host> <command line>.
	ShellCommand string

	// RemoteDir is where artifacts are placed on remote hosts.
	RemoteDir string

	// StartTimeout bounds the wait for the remote shell to print the worker
	// PID. Set it to the launch timeout; zero means DefaultStartTimeout.
	StartTimeout time.Duration

	Logger *slog.Logger
}

// NewExecDeployer returns a deployer using scp and ssh.
func NewExecDeployer(logger *slog.Logger) *ExecDeployer {
	return &ExecDeployer{
		CopyCommand:  DefaultCopyCommand,
		ShellCommand: DefaultShellCommand,
		RemoteDir:    DefaultRemoteDir,
		StartTimeout: DefaultStartTimeout,
		Logger:       logger,
	}
}

// execProcess is a worker started by ExecDeployer.
type execProcess struct {
	cmd       *exec.Cmd
	output    io.Reader
	pipe      *os.File
	host      string
	remotePID int

	closeOnce sync.Once

	done chan struct{}
	mu   sync.Mutex
	err  error
}

func (p *execProcess) Output() io.Reader     { return p.output }
func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *execProcess) ID() string {
	if p.remotePID > 0 {
		return fmt.Sprintf("%s:%d", p.host, p.remotePID)
	}
	return "pid:" + strconv.Itoa(p.cmd.Process.Pid)
}

// Deploy copies the artifact if needed and starts it with args.
func (d *ExecDeployer) Deploy(ctx context.Context, host string, artifact Artifact, args []string) (Process, error) {
	if artifact.Path == "" {
		return nil, fmt.Errorf("artifact path is empty")
	}
	if IsLocalHost(host) {
		return d.start(exec.Command(artifact.Path, args...), host)
	}

	remotePath, err := d.copyArtifact(ctx, host, artifact.Path)
	if err != nil {
		return nil, err
	}

	line := "echo '" + pidPrefix + "'$$; exec " + shellJoin(append([]string{remotePath}, args...))
	proc, err := d.start(exec.Command(d.shell(), host, line), host)
	if err != nil {
		return nil, err
	}

	// The first line is the remote PID; the rest is worker output.
	r := bufio.NewReader(proc.output)
	pidCtx, cancel := context.WithTimeout(ctx, d.startTimeout())
	defer cancel()
	first, err := readLine(pidCtx, r)
	if err != nil {
		d.abandon(proc)
		return nil, fmt.Errorf("read remote pid: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimPrefix(first, pidPrefix))
	if err != nil || !strings.HasPrefix(first, pidPrefix) {
		d.abandon(proc)
		return nil, fmt.Errorf("unexpected remote shell output %q", first)
	}
	proc.remotePID = pid
	proc.output = r
	return proc, nil
}

// Terminate kills the worker. On remote hosts the worker is killed through
// the remote shell before the local session is closed.
func (d *ExecDeployer) Terminate(ctx context.Context, p Process) error {
	proc, ok := p.(*execProcess)
	if !ok {
		return fmt.Errorf("process %s was not started by this deployer", p.ID())
	}

	var firstErr error
	if proc.remotePID > 0 {
		cmd := exec.CommandContext(ctx, d.shell(), proc.host, "kill -9 "+strconv.Itoa(proc.remotePID))
		if out, err := cmd.CombinedOutput(); err != nil {
			firstErr = fmt.Errorf("remote kill %d: %s: %w", proc.remotePID, strings.TrimSpace(string(out)), err)
		}
	}
	d.kill(proc)

	select {
	case <-proc.done:
	case <-ctx.Done():
		if firstErr == nil {
			firstErr = fmt.Errorf("wait for %s: %w", proc.ID(), ctx.Err())
		}
	}
	proc.closeOutput()
	return firstErr
}

func (d *ExecDeployer) start(cmd *exec.Cmd, host string) (*execProcess, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create output pipe: %w", err)
	}
	cmd.Stdout = w
	cmd.Stderr = w

	if err := cmd.Start(); err != nil {
		r.Close()
		w.Close()
		return nil, fmt.Errorf("start %s: %w", cmd.Path, err)
	}
	w.Close()

	proc := &execProcess{
		cmd:    cmd,
		output: r,
		pipe:   r,
		host:   host,
		done:   make(chan struct{}),
	}
	go func() {
		err := cmd.Wait()
		proc.mu.Lock()
		proc.err = err
		proc.mu.Unlock()
		close(proc.done)
	}()

	d.logger().Debug("worker process started", "host", hostLabel(host), "pid", cmd.Process.Pid)
	return proc, nil
}

// abandon kills a process that failed to start properly and releases its
// output pipe.
func (d *ExecDeployer) abandon(proc *execProcess) {
	d.kill(proc)
	proc.closeOutput()
}

// closeOutput releases the read end of the output pipe. Pending reads
// return an error.
func (p *execProcess) closeOutput() {
	p.closeOnce.Do(func() { p.pipe.Close() })
}

func (d *ExecDeployer) kill(proc *execProcess) {
	select {
	case <-proc.done:
		return
	default:
	}
	if err := proc.cmd.Process.Kill(); err != nil {
		d.logger().Debug("kill worker process", "pid", proc.cmd.Process.Pid, "error", err)
	}
}

// copyArtifact creates the remote directory and copies the artifact into it.
func (d *ExecDeployer) copyArtifact(ctx context.Context, host, local string) (string, error) {
	dir := d.RemoteDir
	if dir == "" {
		dir = DefaultRemoteDir
	}
	remote := path.Join(dir, filepath.Base(local))

	mkdir := exec.CommandContext(ctx, d.shell(), host, "mkdir -p "+shellQuote(dir))
	if out, err := mkdir.CombinedOutput(); err != nil {
		return "", fmt.Errorf("create %s on %s: %s: %w", dir, host, strings.TrimSpace(string(out)), err)
	}

	copyCmd := d.CopyCommand
	if copyCmd == "" {
		copyCmd = DefaultCopyCommand
	}
	cp := exec.CommandContext(ctx, copyCmd, local, host+":"+remote)
	if out, err := cp.CombinedOutput(); err != nil {
		return "", fmt.Errorf("copy %s to %s: %s: %w", local, host, strings.TrimSpace(string(out)), err)
	}

	d.logger().Info("artifact copied", "host", host, "path", remote)
	return remote, nil
}

func (d *ExecDeployer) startTimeout() time.Duration {
	if d.StartTimeout <= 0 {
		return DefaultStartTimeout
	}
	return d.StartTimeout
}

func (d *ExecDeployer) shell() string {
	if d.ShellCommand == "" {
		return DefaultShellCommand
	}
	return d.ShellCommand
}

func (d *ExecDeployer) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return d.Logger
}

// readLine reads one line from r, giving up when ctx ends.
func readLine(ctx context.Context, r *bufio.Reader) (string, error) {
	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := r.ReadString('\n')
		ch <- result{strings.TrimSpace(line), err}
	}()
	select {
	case res := <-ch:
		return res.line, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func shellJoin(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = shellQuote(a)
	}
	return strings.Join(quoted, " ")
}

// shellQuote wraps s in single quotes for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

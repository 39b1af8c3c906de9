package launch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/seantiz/simproxy/internal/channel"
	"github.com/seantiz/simproxy/internal/engine"
	"github.com/seantiz/simproxy/internal/events"
	"github.com/seantiz/simproxy/internal/worker"
)

// DefaultEngine is the engine an artifact without an Engine name runs.
const DefaultEngine = "memory"

// InProcessDeployer runs workers as goroutines of the current process, each
// on its own loopback listener. The host argument is ignored.
type InProcessDeployer struct {
	registry *engine.Registry
	broker   *events.Broker
	logger   *slog.Logger

	deploys atomic.Int64
	nextID  atomic.Int64
}

// NewInProcessDeployer creates a deployer that builds engines from reg.
// broker may be nil.
func NewInProcessDeployer(reg *engine.Registry, broker *events.Broker, logger *slog.Logger) *InProcessDeployer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &InProcessDeployer{registry: reg, broker: broker, logger: logger}
}

// Deploys returns how many workers have been started.
func (d *InProcessDeployer) Deploys() int {
	return int(d.deploys.Load())
}

// InProcess is a worker started by InProcessDeployer.
type InProcess struct {
	id     string
	server *worker.Server
	output *io.PipeReader

	done chan struct{}
	mu   sync.Mutex
	err  error
}

func (p *InProcess) Output() io.Reader     { return p.output }
func (p *InProcess) Done() <-chan struct{} { return p.done }
func (p *InProcess) ID() string            { return p.id }

func (p *InProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Kill stops the worker abruptly, dropping its connection.
func (p *InProcess) Kill() {
	p.server.Stop()
}

// Deploy builds the artifact's engine and serves it on the --listen address
// in args (tcp://127.0.0.1:0 if absent). The bound address is reported on
// Output like a worker process would.
func (d *InProcessDeployer) Deploy(ctx context.Context, host string, artifact Artifact, args []string) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	name := artifact.Engine
	if name == "" {
		name = DefaultEngine
	}
	id := fmt.Sprintf("inproc-%d", d.nextID.Add(1))
	logger := d.logger.With("worker", id)

	broker := d.broker
	if broker == nil {
		broker = events.NewBroker()
	}
	e, err := d.registry.New(name, engine.Params{Broker: broker, Topic: id, Logger: logger})
	if err != nil {
		return nil, err
	}

	listen, ok := ListenArg(args)
	if !ok {
		listen = "tcp://127.0.0.1:0"
	}
	l, err := channel.Listen(listen)
	if err != nil {
		return nil, err
	}

	pr, pw := io.Pipe()
	proc := &InProcess{
		id:     id,
		server: worker.New(e, worker.WithLogger(logger), worker.WithEvents(broker, id)),
		output: pr,
		done:   make(chan struct{}),
	}
	d.deploys.Add(1)

	go func() {
		err := proc.server.Serve(l)
		proc.mu.Lock()
		proc.err = err
		proc.mu.Unlock()
		pw.Close()
		close(proc.done)
	}()
	go func() {
		// Blocks until the launcher reads the line; a closed reader ends it.
		io.WriteString(pw, channel.FormatReport(channel.ListenerAddress(l))+"\n")
	}()

	logger.Info("in-process worker started", "engine", name, "address", channel.ListenerAddress(l))
	return proc, nil
}

// Terminate stops the worker and waits for it to exit.
func (d *InProcessDeployer) Terminate(ctx context.Context, p Process) error {
	proc, ok := p.(*InProcess)
	if !ok {
		return fmt.Errorf("process %s was not started by this deployer", p.ID())
	}
	proc.Kill()
	select {
	case <-proc.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for %s: %w", proc.ID(), ctx.Err())
	}
}

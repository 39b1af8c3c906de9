// Package proxy exposes a remote worker as a local engine. Every engine
// method forwards to the worker through a session; the worker is launched on
// first use.
package proxy

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/seantiz/simproxy/internal/codec"
	"github.com/seantiz/simproxy/internal/contract"
	"github.com/seantiz/simproxy/internal/launch"
	"github.com/seantiz/simproxy/internal/session"
)

// Engine is a contract.FullEngine backed by a remote worker.
type Engine struct {
	session *session.Session
	logger  *slog.Logger
}

var _ contract.FullEngine = (*Engine)(nil)

type settings struct {
	logger      *slog.Logger
	sessionOpts []session.Option
}

// Option configures an Engine built by New.
type Option func(*settings)

// WithLogger sets the logger for the engine, its session and launcher.
func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

// WithSessionOptions passes opts to the underlying session.
func WithSessionOptions(opts ...session.Option) Option {
	return func(s *settings) { s.sessionOpts = append(s.sessionOpts, opts...) }
}

// New creates an engine whose worker is deployed by d. Nothing is launched
// until the first call or Start.
func New(cfg session.Config, d launch.Deployer, artifact launch.Artifact, opts ...Option) *Engine {
	st := settings{logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(&st)
	}
	launcher := launch.NewLauncher(d, cfg.LauncherConfig(), st.logger)
	sessOpts := append([]session.Option{session.WithLogger(st.logger)}, st.sessionOpts...)
	return NewWithSession(session.New(cfg, launcher, artifact, sessOpts...), st.logger)
}

// NewWithSession wraps an existing session.
func NewWithSession(s *session.Session, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{session: s, logger: logger}
}

// Session returns the underlying session.
func (e *Engine) Session() *session.Session { return e.session }

// Start launches the worker ahead of the first call.
func (e *Engine) Start(ctx context.Context) error {
	return e.session.Start(ctx)
}

// Close stops the worker. It is idempotent.
func (e *Engine) Close(ctx context.Context) error {
	return e.session.Close(ctx)
}

// SessionState returns the lifecycle state of the underlying session.
func (e *Engine) SessionState() session.State {
	return e.session.State()
}

// Call invokes op by name. Names outside the operation table are rejected
// with contract.ErrNotSupported without touching the session.
func (e *Engine) Call(ctx context.Context, op string, args ...codec.Value) (codec.Value, error) {
	return e.CallKw(ctx, op, args, nil)
}

// CallKw is Call with named arguments.
func (e *Engine) CallKw(ctx context.Context, op string, args []codec.Value, kwargs map[string]codec.Value) (codec.Value, error) {
	entry, ok := contract.Lookup(op)
	if !ok {
		return nil, &contract.NotSupportedError{Op: op}
	}
	bound, err := entry.Bind(args, kwargs)
	if err != nil {
		return nil, err
	}
	e.logger.Debug("forwarding call", "session", e.session.ID(), "op", op)
	return e.session.Call(ctx, codec.CallRequest{Op: op, Args: bound})
}

// Run starts the remote engine and waits for it to finish.
func (e *Engine) Run(ctx context.Context) error {
	_, err := e.Call(ctx, contract.OpRun)
	return err
}

// AddDataset stores data on the remote engine under id.
func (e *Engine) AddDataset(ctx context.Context, id string, data codec.Value) error {
	_, err := e.Call(ctx, contract.OpAddDataset, id, data)
	return err
}

// GetDataset fetches the dataset stored under id.
func (e *Engine) GetDataset(ctx context.Context, id string) (codec.Value, error) {
	return e.Call(ctx, contract.OpGetDataset, id)
}

// RemoveDataset deletes the dataset stored under id.
func (e *Engine) RemoveDataset(ctx context.Context, id string) error {
	_, err := e.Call(ctx, contract.OpRemoveDataset, id)
	return err
}

// IterDatasets lists the remote dataset ids.
func (e *Engine) IterDatasets(ctx context.Context) ([]string, error) {
	return e.stringList(ctx, contract.OpIterDatasets)
}

// State returns the remote engine's run state.
func (e *Engine) State(ctx context.Context) (string, error) {
	v, err := e.Call(ctx, contract.OpGetState)
	if err != nil {
		return "", err
	}
	s, err := contract.StringValue(v)
	if err != nil {
		return "", fmt.Errorf("%s: %w", contract.OpGetState, err)
	}
	return s, nil
}

// AddEntity stores an entity on the remote engine under id.
func (e *Engine) AddEntity(ctx context.Context, id string, data codec.Value) error {
	_, err := e.Call(ctx, contract.OpAddEntity, id, data)
	return err
}

// GetEntity fetches the entity stored under id.
func (e *Engine) GetEntity(ctx context.Context, id string) (codec.Value, error) {
	return e.Call(ctx, contract.OpGetEntity, id)
}

// RemoveEntity deletes the entity stored under id.
func (e *Engine) RemoveEntity(ctx context.Context, id string) error {
	_, err := e.Call(ctx, contract.OpRemoveEntity, id)
	return err
}

// IterEntities lists the remote entity ids.
func (e *Engine) IterEntities(ctx context.Context) ([]string, error) {
	return e.stringList(ctx, contract.OpIterEntities)
}

func (e *Engine) stringList(ctx context.Context, op string) ([]string, error) {
	v, err := e.Call(ctx, op)
	if err != nil {
		return nil, err
	}
	ids, err := contract.StringList(v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return ids, nil
}

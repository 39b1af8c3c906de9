package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/seantiz/simproxy/internal/codec"
	"github.com/seantiz/simproxy/internal/contract"
	"github.com/seantiz/simproxy/internal/events"
)

// Run states.
const (
	StateInit    = "init"
	StateRunning = "running"
	StateDone    = "done"
	StateFailed  = "failed"
)

// Error is an engine error with a declared kind.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

// Kind implements contract.Kinded.
func (e *Error) Kind() string { return e.Code }

// StepFunc is the model computation performed by Run. It may read and write
// datasets through m.
type StepFunc func(ctx context.Context, m *Memory) error

// Option configures a Memory engine.
type Option func(*Memory)

// WithStep sets the computation performed by Run.
func WithStep(step StepFunc) Option {
	return func(m *Memory) { m.step = step }
}

// WithEvents publishes state changes to b under topic.
func WithEvents(b *events.Broker, topic string) Option {
	return func(m *Memory) {
		m.broker = b
		m.topic = topic
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Memory) { m.logger = logger }
}

// Memory is an in-memory engine holding datasets and entities as codec
// values. It is safe for concurrent use, although the worker calls it from a
// single goroutine.
type Memory struct {
	mu       sync.Mutex
	state    string
	datasets map[string]codec.Value
	entities map[string]codec.Value

	step   StepFunc
	broker *events.Broker
	topic  string
	logger *slog.Logger
}

var _ contract.FullEngine = (*Memory)(nil)

// NewMemory creates an engine in the init state.
func NewMemory(opts ...Option) *Memory {
	m := &Memory{
		state:    StateInit,
		datasets: make(map[string]codec.Value),
		entities: make(map[string]codec.Value),
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run executes the step function, moving through running to done or failed.
// A failed run may be retried.
func (m *Memory) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateRunning {
		m.mu.Unlock()
		return &Error{Code: contract.KindEngine, Message: "engine is already running"}
	}
	m.state = StateRunning
	m.mu.Unlock()
	m.notify(StateRunning, "")

	var err error
	if m.step != nil {
		err = m.step(ctx, m)
	}
	if err != nil {
		m.setState(StateFailed, err.Error())
		return err
	}
	m.setState(StateDone, "")
	return nil
}

// State returns the current run state.
func (m *Memory) State(_ context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, nil
}

func (m *Memory) setState(state, msg string) {
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
	m.notify(state, msg)
}

func (m *Memory) notify(state, msg string) {
	m.logger.Info("engine state changed", "state", state)
	if m.broker != nil {
		m.broker.Publish(events.Event{
			Topic:   m.topic,
			Type:    events.TypeEngineState,
			State:   state,
			Message: msg,
		})
	}
}

// AddDataset stores data under id. Ids must be unique.
func (m *Memory) AddDataset(_ context.Context, id string, data codec.Value) error {
	return add(&m.mu, m.datasets, "dataset", id, data)
}

// GetDataset returns the dataset stored under id.
func (m *Memory) GetDataset(_ context.Context, id string) (codec.Value, error) {
	return get(&m.mu, m.datasets, "dataset", id)
}

// RemoveDataset deletes the dataset stored under id.
func (m *Memory) RemoveDataset(_ context.Context, id string) error {
	return remove(&m.mu, m.datasets, "dataset", id)
}

// IterDatasets returns dataset ids in sorted order.
func (m *Memory) IterDatasets(_ context.Context) ([]string, error) {
	return keys(&m.mu, m.datasets), nil
}

// SetDataset stores data under id, replacing any existing value. Step
// functions use it to publish results.
func (m *Memory) SetDataset(id string, data codec.Value) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.datasets[id] = data
}

// AddEntity stores data under id. Ids must be unique.
func (m *Memory) AddEntity(_ context.Context, id string, data codec.Value) error {
	return add(&m.mu, m.entities, "entity", id, data)
}

// GetEntity returns the entity stored under id.
func (m *Memory) GetEntity(_ context.Context, id string) (codec.Value, error) {
	return get(&m.mu, m.entities, "entity", id)
}

// RemoveEntity deletes the entity stored under id.
func (m *Memory) RemoveEntity(_ context.Context, id string) error {
	return remove(&m.mu, m.entities, "entity", id)
}

// IterEntities returns entity ids in sorted order.
func (m *Memory) IterEntities(_ context.Context) ([]string, error) {
	return keys(&m.mu, m.entities), nil
}

func add(mu *sync.Mutex, items map[string]codec.Value, what, id string, data codec.Value) error {
	if id == "" {
		return fmt.Errorf("%s id: %w: empty", what, contract.ErrBadArguments)
	}
	mu.Lock()
	defer mu.Unlock()
	if _, ok := items[id]; ok {
		return &Error{Code: "already_exists", Message: fmt.Sprintf("%s %q already exists", what, id)}
	}
	items[id] = data
	return nil
}

func get(mu *sync.Mutex, items map[string]codec.Value, what, id string) (codec.Value, error) {
	mu.Lock()
	defer mu.Unlock()
	v, ok := items[id]
	if !ok {
		return nil, fmt.Errorf("%s %q: %w", what, id, contract.ErrNotFound)
	}
	return v, nil
}

func remove(mu *sync.Mutex, items map[string]codec.Value, what, id string) error {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := items[id]; !ok {
		return fmt.Errorf("%s %q: %w", what, id, contract.ErrNotFound)
	}
	delete(items, id)
	return nil
}

func keys(mu *sync.Mutex, items map[string]codec.Value) []string {
	mu.Lock()
	defer mu.Unlock()
	ids := make([]string, 0, len(items))
	for id := range items {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

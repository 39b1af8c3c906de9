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

// Params are passed to a Factory when the worker builds its engine.
type Params struct {
	Broker *events.Broker
	Topic  string
	Logger *slog.Logger
}

// Factory builds one engine instance.
type Factory func(p Params) (contract.Engine, error)

// Registry maps engine names to factories. Callers construct and fill it
// explicitly; there is no package-level registry.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty engine registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register adds a factory under the given name.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// New builds the engine registered under name.
func (r *Registry) New(name string, p Params) (contract.Engine, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("engine %q is not registered", name)
	}
	e, err := f(p)
	if err != nil {
		return nil, fmt.Errorf("build engine %q: %w", name, err)
	}
	return e, nil
}

// Names returns registered engine names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Defaults returns a registry holding the built-in engines:
// "memory" (Run does nothing but track state) and "counter" (Run increments
// the int64 dataset "runs").
func Defaults() *Registry {
	r := NewRegistry()
	r.Register("memory", func(p Params) (contract.Engine, error) {
		return NewMemory(p.options()...), nil
	})
	r.Register("counter", func(p Params) (contract.Engine, error) {
		return NewMemory(append(p.options(), WithStep(CountRuns))...), nil
	})
	return r
}

func (p Params) options() []Option {
	var opts []Option
	if p.Broker != nil {
		opts = append(opts, WithEvents(p.Broker, p.Topic))
	}
	if p.Logger != nil {
		opts = append(opts, WithLogger(p.Logger))
	}
	return opts
}

// RunsDataset is the dataset CountRuns maintains.
const RunsDataset = "runs"

// CountRuns increments the int64 dataset "runs", creating it at 1.
func CountRuns(ctx context.Context, m *Memory) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var n int64
	if v, err := m.GetDataset(ctx, RunsDataset); err == nil {
		prev, ok := v.(int64)
		if !ok {
			return &Error{Code: contract.KindEngine, Message: fmt.Sprintf("dataset %q holds %T, want int64", RunsDataset, v)}
		}
		n = prev
	}
	m.SetDataset(RunsDataset, codec.Value(n+1))
	return nil
}

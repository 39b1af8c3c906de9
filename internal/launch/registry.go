package launch

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownDeployer is returned by Resolve for unregistered names.
var ErrUnknownDeployer = errors.New("unknown deployer")

// Built-in deployer names.
const (
	DeployerExec      = "exec"
	DeployerInProcess = "inprocess"
)

// Registry holds named deployers so the deployment mechanism can be chosen by
// configuration.
type Registry struct {
	mu        sync.RWMutex
	deployers map[string]Deployer
	fallback  string
}

// NewRegistry creates an empty registry that resolves the empty name to
// fallback.
func NewRegistry(fallback string) *Registry {
	return &Registry{
		deployers: make(map[string]Deployer),
		fallback:  fallback,
	}
}

// Register adds d under name, replacing any previous entry.
func (r *Registry) Register(name string, d Deployer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deployers[name] = d
}

// Resolve returns the deployer registered under name, or the fallback when
// name is empty.
func (r *Registry) Resolve(name string) (Deployer, error) {
	if name == "" {
		name = r.fallback
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.deployers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDeployer, name)
	}
	return d, nil
}

// Fallback returns the name the empty name resolves to.
func (r *Registry) Fallback() string { return r.fallback }

// Names returns the registered deployer names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.deployers))
	for name := range r.deployers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/seantiz/simproxy/internal/events"
	"github.com/seantiz/simproxy/internal/launch"
	"github.com/seantiz/simproxy/internal/session"
)

// ErrUnknownSession is returned for ids the manager does not hold.
var ErrUnknownSession = errors.New("unknown session")

// OpenRequest describes a proxy to open. Empty fields take the manager's
// defaults.
type OpenRequest struct {
	Deployer string `json:"deployer"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Engine   string `json:"engine"`
	Path     string `json:"path"`
}

// Managed is an open proxy together with how it was deployed.
type Managed struct {
	*Engine
	Deployer string
}

// Manager owns the proxies opened through the admin API.
type Manager struct {
	cfg       session.Config
	artifact  launch.Artifact
	deployers *launch.Registry
	journal   session.Journal
	broker    *events.Broker
	logger    *slog.Logger

	mu      sync.Mutex
	engines map[string]*Managed
}

// NewManager creates a manager. cfg and artifact are the defaults for
// OpenRequest fields; journal may be nil.
func NewManager(cfg session.Config, artifact launch.Artifact, deployers *launch.Registry, journal session.Journal, broker *events.Broker, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if broker == nil {
		broker = events.NewBroker()
	}
	return &Manager{
		cfg:       cfg,
		artifact:  artifact,
		deployers: deployers,
		journal:   journal,
		broker:    broker,
		logger:    logger,
		engines:   make(map[string]*Managed),
	}
}

// Broker returns the broker session transitions are published to.
func (m *Manager) Broker() *events.Broker { return m.broker }

// Deployers returns the registered deployer names.
func (m *Manager) Deployers() []string { return m.deployers.Names() }

// Open creates a proxy and launches its worker. A proxy whose worker fails
// to start is closed and not kept.
func (m *Manager) Open(ctx context.Context, req OpenRequest) (*Managed, error) {
	d, err := m.deployers.Resolve(req.Deployer)
	if err != nil {
		return nil, err
	}
	deployer := req.Deployer
	if deployer == "" {
		deployer = m.deployers.Fallback()
	}

	cfg := m.cfg
	if req.Host != "" {
		cfg.Host = req.Host
	}
	if req.Port != 0 {
		cfg.Port = req.Port
	}
	artifact := m.artifact
	if req.Engine != "" {
		artifact.Engine = req.Engine
	}
	if req.Path != "" {
		artifact.Path = req.Path
	}

	sessOpts := []session.Option{session.WithBroker(m.broker)}
	if m.journal != nil {
		sessOpts = append(sessOpts, session.WithJournal(m.journal))
	}
	e := New(cfg, d, artifact, WithLogger(m.logger), WithSessionOptions(sessOpts...))

	if err := e.Start(ctx); err != nil {
		if cerr := e.Close(context.WithoutCancel(ctx)); cerr != nil {
			m.logger.Warn("close proxy after failed start", "session", e.Session().ID(), "error", cerr)
		}
		return nil, fmt.Errorf("start proxy: %w", err)
	}

	me := &Managed{Engine: e, Deployer: deployer}
	m.mu.Lock()
	m.engines[e.Session().ID()] = me
	m.mu.Unlock()

	m.logger.Info("proxy opened", "session", e.Session().ID(), "deployer", deployer, "engine", artifact.Engine)
	return me, nil
}

// Get returns the proxy with the given session id.
func (m *Manager) Get(id string) (*Managed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.engines[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return e, nil
}

// List returns the open proxies ordered by session id, which is creation
// order.
func (m *Manager) List() []*Managed {
	m.mu.Lock()
	list := make([]*Managed, 0, len(m.engines))
	for _, e := range m.engines {
		list = append(list, e)
	}
	m.mu.Unlock()

	sort.Slice(list, func(i, j int) bool {
		return list[i].Session().ID() < list[j].Session().ID()
	})
	return list
}

// Close closes the proxy and forgets it once the worker is stopped. A failed
// close leaves the proxy listed.
func (m *Manager) Close(ctx context.Context, id string) (*Managed, error) {
	m.mu.Lock()
	e, ok := m.engines[id]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}

	// The session stays listed until its worker is stopped, so a failed
	// close can be retried and CloseAll still reaches it.
	if err := e.Close(ctx); err != nil {
		return e, err
	}
	m.mu.Lock()
	if m.engines[id] == e {
		delete(m.engines, id)
	}
	m.mu.Unlock()
	m.logger.Info("proxy closed", "session", id)
	return e, nil
}

// CloseAll closes every open proxy concurrently.
func (m *Manager) CloseAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, e := range m.List() {
		id := e.Session().ID()
		wg.Go(func() {
			if _, err := m.Close(ctx, id); err != nil {
				m.logger.Error("close proxy", "session", id, "error", err)
			}
		})
	}
	wg.Wait()
}

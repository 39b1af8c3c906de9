// Package session manages the lifecycle of one remote worker: launching it,
// handshaking, serializing calls over its channel, and relaunching it after
// a failure.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/simproxy/internal/channel"
	"github.com/seantiz/simproxy/internal/codec"
	"github.com/seantiz/simproxy/internal/contract"
	"github.com/seantiz/simproxy/internal/events"
	"github.com/seantiz/simproxy/internal/launch"
	"github.com/seantiz/simproxy/internal/model"
	"github.com/seantiz/simproxy/internal/store"
)

// State is the lifecycle state of a session.
type State int

const (
	Stopped State = iota
	Launching
	Handshaking
	Ready
	Dispatching
	Closing
	Failed
)

var stateNames = [...]string{
	Stopped:     "stopped",
	Launching:   "launching",
	Handshaking: "handshaking",
	Ready:       "ready",
	Dispatching: "dispatching",
	Closing:     "closing",
	Failed:      "failed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var (
	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("session closed")

	// ErrTimeout matches call and queue timeouts.
	ErrTimeout = channel.ErrTimeout

	// ErrHandshake matches handshake failures.
	ErrHandshake = errors.New("handshake failed")
)

// HandshakeError reports that no handshake attempt succeeded.
type HandshakeError struct {
	Address  string
	Attempts int
	Err      error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake with %s failed after %d attempt(s): %v", e.Address, e.Attempts, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// Is reports whether target is ErrHandshake.
func (e *HandshakeError) Is(target error) bool { return target == ErrHandshake }

// VersionError reports a worker that answered the handshake with a different
// operation set version.
type VersionError struct {
	Want, Got string
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("worker speaks version %q, want %q", e.Got, e.Want)
}

// Journal records session lifecycle and calls. *store.SQLiteStore satisfies
// it.
type Journal interface {
	CreateSession(ctx context.Context, r *model.SessionRecord) error
	UpdateSession(ctx context.Context, id string, u store.SessionUpdate) error
	RecordCall(ctx context.Context, c *model.CallRecord) error
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// WithJournal records the session and its calls in j.
func WithJournal(j Journal) Option {
	return func(s *Session) { s.journal = j }
}

// WithBroker publishes state transitions to b under the session id.
func WithBroker(b *events.Broker) Option {
	return func(s *Session) { s.broker = b }
}

// WithID overrides the generated session id.
func WithID(id string) Option {
	return func(s *Session) { s.id = id }
}

// Session owns at most one worker and its channel. Calls are served one at a
// time in arrival order; everything below the turn queue is touched only by
// the caller holding the turn.
type Session struct {
	id       string
	cfg      Config
	launcher *launch.Launcher
	artifact launch.Artifact
	logger   *slog.Logger
	journal  Journal
	broker   *events.Broker

	turns turnQueue

	// Owned by the turn holder.
	ch        *channel.Channel
	proc      launch.Process
	nextID    uint64
	journaled bool

	mu       sync.Mutex
	state    State
	address  string
	lastErr  error
	launches int
	closed   bool

	deferredClose sync.Once
}

// New creates a stopped session. Nothing is launched until Start or the
// first Call.
func New(cfg Config, launcher *launch.Launcher, artifact launch.Artifact, opts ...Option) *Session {
	s := &Session{
		id:       model.NewID(),
		cfg:      cfg.withDefaults(),
		launcher: launcher,
		artifact: artifact,
		logger:   slog.New(slog.DiscardHandler),
		state:    Stopped,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.broker == nil {
		s.broker = events.NewBroker()
	}
	s.logger = s.logger.With("session", s.id)
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Address returns the address of the current worker, if any.
func (s *Session) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.address
}

// LastError returns the error that last moved the session to Failed.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Launches returns how many workers this session has started.
func (s *Session) Launches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.launches
}

// Host returns the configured worker host.
func (s *Session) Host() string { return s.cfg.Host }

// Engine returns the engine name the worker is started with.
func (s *Session) Engine() string { return s.artifact.Engine }

// Pending returns the number of callers waiting for their turn.
func (s *Session) Pending() int { return s.turns.waiting() }

// Subscribe returns a stream of this session's state transitions.
func (s *Session) Subscribe() (<-chan events.Event, func()) {
	return s.broker.Subscribe(s.id)
}

// Start launches the worker if it is not running. It is idempotent while the
// session is ready.
func (s *Session) Start(ctx context.Context) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.turns.release()
	return s.ensureReady(ctx)
}

// Reset tears down the current worker, if any, and launches a new one.
func (s *Session) Reset(ctx context.Context) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.turns.release()

	s.teardown(ctx, false)
	return s.launch(ctx)
}

// Call sends req to the worker and waits for its response, launching the
// worker first if needed. req.CallID is assigned here. An error reported by
// the worker is returned as *contract.RemoteError and leaves the session
// ready.
func (s *Session) Call(ctx context.Context, req codec.CallRequest) (codec.Value, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.turns.release()

	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	return s.dispatch(ctx, req)
}

// Close stops the worker and releases the session. Queued and later calls
// return ErrClosed. Close is idempotent.
//
// If ctx ends while a call is still in flight, Close returns an error but the
// session stays closed: the worker is stopped as soon as that call finishes.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	if err := s.turns.acquire(ctx); err != nil {
		s.deferredClose.Do(func() {
			go func() {
				// Never fails with a background context.
				_ = s.turns.acquire(context.Background())
				defer s.turns.release()
				s.shutdown(context.Background())
			}()
		})
		return fmt.Errorf("wait for in-flight call: %w", err)
	}
	defer s.turns.release()
	s.shutdown(ctx)
	return nil
}

// shutdown stops the worker and publishes the final state. The caller holds
// the turn.
func (s *Session) shutdown(ctx context.Context) {
	if s.State() == Stopped && s.proc == nil {
		return
	}

	s.setState(Closing, "")
	s.teardown(ctx, true)
	s.setState(Stopped, "closed")
	s.updateJournal(store.SessionUpdate{Status: model.SessionClosed})
	s.broker.Close(s.id)
}

// acquire waits for the caller's turn and rejects closed sessions.
func (s *Session) acquire(ctx context.Context) error {
	if s.isClosed() {
		return ErrClosed
	}
	if err := s.turns.acquire(ctx); err != nil {
		return fmt.Errorf("wait for session turn: %w: %w", ErrTimeout, err)
	}
	if s.isClosed() {
		s.turns.release()
		return ErrClosed
	}
	return nil
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ensureReady brings the session to Ready, relaunching a failed or lost
// worker.
func (s *Session) ensureReady(ctx context.Context) error {
	switch s.State() {
	case Ready:
		if s.alive() {
			return nil
		}
		s.fail(&channel.TransportError{Op: "liveness", Err: s.lossCause()})
		s.teardown(ctx, false)
	case Failed:
		s.teardown(ctx, false)
	}
	return s.launch(ctx)
}

// launch starts a worker and handshakes with it.
func (s *Session) launch(ctx context.Context) error {
	s.createJournal()
	s.setState(Launching, "")

	addr, proc, err := s.launcher.Launch(ctx, s.cfg.Host, s.artifact)
	if err != nil {
		launchesTotal.WithLabelValues(launchFailed).Inc()
		s.fail(err)
		return err
	}
	s.proc = proc
	s.mu.Lock()
	s.address = addr
	s.launches++
	s.mu.Unlock()

	s.setState(Handshaking, addr)
	if err := s.handshake(ctx, addr); err != nil {
		launchesTotal.WithLabelValues(launchFailed).Inc()
		s.fail(err)
		s.teardown(ctx, false)
		return err
	}
	launchesTotal.WithLabelValues(launchOK).Inc()

	go s.watch(proc, s.ch)
	s.setState(Ready, addr)
	s.updateJournal(store.SessionUpdate{Status: model.SessionActive, Address: addr, Launched: true})
	s.logger.Info("session ready", "address", addr, "process", proc.ID())
	return nil
}

// watch closes ch when the worker process exits so a waiting dispatch sees
// the loss.
func (s *Session) watch(proc launch.Process, ch *channel.Channel) {
	select {
	case <-proc.Done():
		s.logger.Warn("worker exited", "process", proc.ID(), "error", proc.Err())
		ch.Close()
	case <-ch.Done():
	}
}

// handshake dials addr and pings the worker until it answers with the
// expected version, backing off between attempts.
func (s *Session) handshake(ctx context.Context, addr string) error {
	backoff := s.cfg.InitialBackoff
	var lastErr error

	for attempt := 1; attempt <= s.cfg.MaxHandshakeRetries; attempt++ {
		select {
		case <-s.proc.Done():
			return &HandshakeError{Address: addr, Attempts: attempt - 1,
				Err: fmt.Errorf("worker exited: %v", s.proc.Err())}
		default:
		}

		ch, err := s.tryHandshake(ctx, addr)
		if err == nil {
			s.ch = ch
			return nil
		}
		lastErr = err
		handshakeRetries.Inc()
		s.logger.Debug("handshake attempt failed", "attempt", attempt, "error", err)

		var verr *VersionError
		if errors.As(err, &verr) || ctx.Err() != nil {
			return &HandshakeError{Address: addr, Attempts: attempt, Err: err}
		}
		if attempt == s.cfg.MaxHandshakeRetries {
			break
		}

		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return &HandshakeError{Address: addr, Attempts: attempt, Err: ctx.Err()}
		case <-s.proc.Done():
			timer.Stop()
		}
		backoff = min(backoff*2, s.cfg.MaxBackoff)
	}
	return &HandshakeError{Address: addr, Attempts: s.cfg.MaxHandshakeRetries, Err: lastErr}
}

func (s *Session) tryHandshake(ctx context.Context, addr string) (*channel.Channel, error) {
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()

	ch, err := channel.Dial(dialCtx, addr)
	if err != nil {
		return nil, err
	}

	resp, err := s.roundTrip(dialCtx, ch, codec.CallRequest{Op: contract.OpPing}, s.cfg.HandshakeTimeout)
	if err != nil {
		ch.Close()
		return nil, err
	}
	got, _ := resp.Result.(string)
	if resp.Status != codec.StatusOK || got != contract.Version {
		ch.Close()
		return nil, &VersionError{Want: contract.Version, Got: got}
	}
	return ch, nil
}

// roundTrip sends one request on ch and waits for the response carrying its
// call id. Responses to earlier calls are discarded.
func (s *Session) roundTrip(ctx context.Context, ch *channel.Channel, req codec.CallRequest, timeout time.Duration) (codec.CallResponse, error) {
	s.nextID++
	req.CallID = s.nextID

	payload, err := codec.EncodeRequest(req)
	if err != nil {
		return codec.CallResponse{CallID: req.CallID}, err
	}
	if err := ch.Send(payload); err != nil {
		if errors.Is(err, channel.ErrFrameTooLarge) {
			// Rejected before any byte was written; the worker never saw it.
			return codec.CallResponse{CallID: req.CallID},
				fmt.Errorf("call %d %s: %w: %w", req.CallID, req.Op, codec.ErrCodec, err)
		}
		return codec.CallResponse{CallID: req.CallID}, err
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		wait := time.Duration(0)
		if !deadline.IsZero() {
			wait = time.Until(deadline)
			if wait <= 0 {
				return codec.CallResponse{CallID: req.CallID},
					fmt.Errorf("call %d %s: no response within %s: %w", req.CallID, req.Op, timeout, ErrTimeout)
			}
		}

		frame, err := ch.Receive(ctx, wait)
		if err != nil {
			return codec.CallResponse{CallID: req.CallID}, err
		}

		if codec.IsEvent(frame) {
			s.forwardEvent(frame)
			continue
		}

		resp, err := codec.DecodeResponse(frame)
		if resp.CallID != req.CallID && (err == nil || resp.CallID != 0) {
			staleResponses.Inc()
			s.logger.Debug("discarding stale response", "call_id", resp.CallID, "awaiting", req.CallID)
			continue
		}
		if err != nil {
			return codec.CallResponse{CallID: req.CallID}, fmt.Errorf("call %d %s: %w", req.CallID, req.Op, err)
		}
		return resp, nil
	}
}

// dispatch performs one call on a ready session.
func (s *Session) dispatch(ctx context.Context, req codec.CallRequest) (codec.Value, error) {
	s.setState(Dispatching, req.Op)
	start := time.Now()

	resp, err := s.roundTrip(ctx, s.ch, req, s.cfg.CallTimeout)
	elapsed := time.Since(start)

	switch {
	case err == nil:
		s.setState(Ready, "")
	case errors.Is(err, ErrTimeout):
		if s.alive() {
			s.setState(Ready, "")
		} else {
			s.fail(err)
		}
	case errors.Is(err, codec.ErrCodec):
		s.setState(Ready, "")
	default:
		s.fail(err)
	}

	rec := &model.CallRecord{
		SessionID:  s.id,
		CallID:     resp.CallID,
		Op:         req.Op,
		DurationMS: elapsed.Milliseconds(),
		CreatedAt:  start.UTC(),
	}
	defer func() {
		observeCall(rec.Op, rec.Status, elapsed)
		s.recordCall(rec)
	}()

	if err != nil {
		rec.Status = model.CallError
		if errors.Is(err, ErrTimeout) {
			rec.Status = model.CallTimeout
		}
		rec.Error = err.Error()
		return nil, err
	}
	if resp.Status == codec.StatusError {
		desc := codec.ErrorDescriptor{Kind: contract.KindEngine}
		if resp.Error != nil {
			desc = *resp.Error
		}
		rec.Status, rec.ErrorKind, rec.Error = model.CallError, desc.Kind, desc.Message
		return nil, contract.FromDescriptor(desc)
	}
	rec.Status = model.CallOK
	return resp.Result, nil
}

// alive reports whether the channel is connected and the worker has not
// exited.
func (s *Session) alive() bool {
	if s.ch == nil || !s.ch.IsConnected() {
		return false
	}
	if s.proc != nil {
		select {
		case <-s.proc.Done():
			return false
		default:
		}
	}
	return true
}

func (s *Session) lossCause() error {
	if s.ch != nil && s.ch.Err() != nil {
		return s.ch.Err()
	}
	if s.proc != nil {
		if err := s.proc.Err(); err != nil {
			return err
		}
	}
	return errors.New("worker lost")
}

// teardown closes the channel and terminates the worker. When graceful, the
// worker is first asked to stop.
func (s *Session) teardown(ctx context.Context, graceful bool) {
	ch, proc := s.ch, s.proc
	s.ch, s.proc = nil, nil

	var stop func(context.Context) error
	if graceful && ch != nil && ch.IsConnected() {
		stop = func(ctx context.Context) error {
			_, err := s.roundTrip(ctx, ch, codec.CallRequest{Op: contract.OpStop}, s.cfg.GracePeriod)
			return err
		}
	}
	if proc != nil {
		if err := s.launcher.Terminate(context.WithoutCancel(ctx), proc, stop); err != nil {
			s.logger.Warn("terminate worker", "process", proc.ID(), "error", err)
		}
	}
	if ch != nil {
		ch.Close()
	}
}

// fail records err and moves the session to Failed. The next Call or Start
// relaunches the worker.
func (s *Session) fail(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
	if s.ch != nil {
		s.ch.Close()
	}
	s.logger.Error("session failed", "error", err)
	s.setState(Failed, err.Error())
	s.updateJournal(store.SessionUpdate{Status: model.SessionFailed, Error: err.Error()})
}

func (s *Session) setState(next State, msg string) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()

	if prev == next {
		return
	}
	transitionsTotal.WithLabelValues(next.String()).Inc()
	s.logger.Debug("session state", "from", prev.String(), "to", next.String())
	s.broker.Publish(events.Event{
		Topic:   s.id,
		Type:    events.TypeSessionState,
		State:   next.String(),
		Message: msg,
		Time:    time.Now().UTC(),
	})
}

// forwardEvent republishes an engine event from the worker under the
// session topic.
func (s *Session) forwardEvent(frame []byte) {
	ev, err := codec.DecodeEvent(frame)
	if err != nil {
		s.logger.Debug("discarding malformed engine event", "error", err)
		return
	}
	s.broker.Publish(events.Event{
		Topic:   s.id,
		Type:    events.TypeEngineState,
		State:   ev.State,
		Message: ev.Message,
		Time:    time.Now().UTC(),
	})
}

// Journal writes never fail a call; errors are logged.

func (s *Session) createJournal() {
	if s.journal == nil || s.journaled {
		return
	}
	now := time.Now().UTC()
	err := s.journal.CreateSession(context.Background(), &model.SessionRecord{
		ID:        s.id,
		Host:      s.cfg.Host,
		Engine:    s.artifact.Engine,
		Status:    model.SessionActive,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		s.logger.Warn("journal session", "error", err)
		return
	}
	s.journaled = true
}

func (s *Session) updateJournal(u store.SessionUpdate) {
	if s.journal == nil || !s.journaled {
		return
	}
	if err := s.journal.UpdateSession(context.Background(), s.id, u); err != nil {
		s.logger.Warn("journal session update", "status", u.Status, "error", err)
	}
}

func (s *Session) recordCall(c *model.CallRecord) {
	if s.journal == nil || !s.journaled {
		return
	}
	if err := s.journal.RecordCall(context.Background(), c); err != nil {
		s.logger.Warn("journal call", "op", c.Op, "error", err)
	}
}

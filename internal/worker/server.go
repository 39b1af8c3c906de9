// Package worker implements the remote side of a session: it owns one engine
// instance, accepts a proxy connection, and answers call requests one at a
// time.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/seantiz/simproxy/internal/channel"
	"github.com/seantiz/simproxy/internal/codec"
	"github.com/seantiz/simproxy/internal/contract"
	"github.com/seantiz/simproxy/internal/events"
)

// Server serves one engine to one proxy connection at a time. A second
// connection waits in the listener backlog until the first closes.
type Server struct {
	engine contract.Engine
	logger *slog.Logger
	broker *events.Broker
	topic  string

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
	active   *channel.Channel
	stopped  bool
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithEvents forwards engine state events published on topic to the
// connected proxy. Events raised by a call are written ahead of its response.
func WithEvents(b *events.Broker, topic string) Option {
	return func(s *Server) {
		s.broker = b
		s.topic = topic
	}
}

// New creates a server for e.
func New(e contract.Engine, opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		engine: e,
		logger: slog.New(slog.DiscardHandler),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serve accepts connections on l and handles them sequentially. It returns
// nil after Stop or a stop request, and an error if accepting fails otherwise.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.listener = l
	s.mu.Unlock()

	for {
		conn, err := l.Accept()
		if err != nil {
			if s.isStopped() {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.handleConnection(conn)
		if s.isStopped() {
			return nil
		}
	}
}

// Stop stops accepting connections and closes the active one. Safe to call
// more than once.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}
	if s.active != nil {
		s.active.Close()
	}
}

func (s *Server) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// handleConnection runs the request loop for one proxy connection.
func (s *Server) handleConnection(conn net.Conn) {
	ch := channel.New(conn, nil)
	defer ch.Close()

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.active = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.active = nil
		s.mu.Unlock()
	}()

	var engineEvents <-chan events.Event
	if s.broker != nil {
		var unsubscribe func()
		engineEvents, unsubscribe = s.broker.Subscribe(s.topic)
		defer unsubscribe()
	}

	remote := ch.RemoteAddr()
	s.logger.Info("proxy connected", "remote", remote)

	for {
		frame, err := ch.Receive(s.ctx, 0)
		if err != nil {
			if errors.Is(err, channel.ErrTransport) {
				s.logger.Info("proxy disconnected", "remote", remote, "error", err)
			}
			return
		}

		resp, stop := s.handle(frame)
		if engineEvents, err = s.flushEvents(ch, engineEvents); err != nil {
			s.logger.Warn("send engine event", "error", err)
			return
		}
		if resp != nil {
			if err := s.send(ch, *resp); err != nil {
				s.logger.Warn("send response", "call_id", resp.CallID, "error", err)
				return
			}
		}
		if stop {
			s.logger.Info("stop requested", "remote", remote)
			s.Stop()
			return
		}
	}
}

// handle decodes one request frame and produces its response. It reports
// true when the request asked the server to stop.
func (s *Server) handle(frame []byte) (*codec.CallResponse, bool) {
	req, err := codec.DecodeRequest(frame)
	if err != nil {
		if req.CallID == 0 {
			s.logger.Warn("dropping undecodable frame", "bytes", len(frame), "error", err)
			return nil, false
		}
		resp := codec.Failed(req.CallID, contract.KindCodec, err.Error())
		return &resp, false
	}

	switch req.Op {
	case contract.OpPing:
		resp := codec.OK(req.CallID, contract.Version)
		return &resp, false
	case contract.OpEcho:
		var v codec.Value
		if len(req.Args) > 0 {
			v = req.Args[0]
		}
		resp := codec.OK(req.CallID, v)
		return &resp, false
	case contract.OpStop:
		resp := codec.OK(req.CallID, nil)
		return &resp, true
	}

	start := time.Now()
	result, err := s.invoke(req)
	elapsed := time.Since(start)

	if err != nil {
		d := contract.Descriptor(err)
		observeCall(req.Op, statusError, elapsed)
		s.logger.Info("call failed", "call_id", req.CallID, "op", req.Op, "kind", d.Kind, "error", d.Message)
		resp := codec.Failed(req.CallID, d.Kind, d.Message)
		return &resp, false
	}

	observeCall(req.Op, statusOK, elapsed)
	s.logger.Debug("call completed", "call_id", req.CallID, "op", req.Op, "duration_ms", elapsed.Milliseconds())
	resp := codec.OK(req.CallID, result)
	return &resp, false
}

// invoke dispatches req to the engine. Engine panics are converted to errors
// so a failing engine never takes the worker down.
func (s *Server) invoke(req codec.CallRequest) (result codec.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("engine panic", "op", req.Op, "panic", r, "stack", string(debug.Stack()))
			result, err = nil, &panicError{value: r}
		}
	}()
	return contract.Dispatch(s.ctx, s.engine, req.Op, req.Args, req.Kwargs)
}

// flushEvents writes the engine events queued on evs without blocking. It
// returns nil in place of evs once the topic has been closed.
func (s *Server) flushEvents(ch *channel.Channel, evs <-chan events.Event) (<-chan events.Event, error) {
	for evs != nil {
		select {
		case ev, ok := <-evs:
			if !ok {
				return nil, nil
			}
			if ev.Type != events.TypeEngineState {
				continue
			}
			payload, err := codec.EncodeEvent(codec.EngineEvent{State: ev.State, Message: ev.Message})
			if err != nil {
				s.logger.Warn("encode engine event", "state", ev.State, "error", err)
				continue
			}
			if err := ch.Send(payload); err != nil {
				return evs, err
			}
		default:
			return evs, nil
		}
	}
	return nil, nil
}

// send encodes and writes resp. A result the codec cannot represent, or one
// whose frame would exceed the size limit, is reported to the proxy as a
// codec error for the same call.
func (s *Server) send(ch *channel.Channel, resp codec.CallResponse) error {
	payload, err := codec.EncodeResponse(resp)
	if err == nil {
		err = ch.Send(payload)
		if !errors.Is(err, channel.ErrFrameTooLarge) {
			return err
		}
	}
	s.logger.Warn("response not sendable", "call_id", resp.CallID, "error", err)
	payload, err = codec.EncodeResponse(codec.Failed(resp.CallID, contract.KindCodec, err.Error()))
	if err != nil {
		return err
	}
	return ch.Send(payload)
}

type panicError struct {
	value any
}

func (e *panicError) Error() string { return fmt.Sprintf("engine panic: %v", e.value) }

func (e *panicError) Kind() string { return contract.KindPanic }

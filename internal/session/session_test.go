package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/simproxy/internal/channel"
	"github.com/seantiz/simproxy/internal/codec"
	"github.com/seantiz/simproxy/internal/contract"
	"github.com/seantiz/simproxy/internal/engine"
	"github.com/seantiz/simproxy/internal/events"
	"github.com/seantiz/simproxy/internal/launch"
	"github.com/seantiz/simproxy/internal/model"
	"github.com/seantiz/simproxy/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// recordingDeployer wraps the in-process deployer and remembers the workers
// it started.
type recordingDeployer struct {
	*launch.InProcessDeployer

	mu    sync.Mutex
	procs []*launch.InProcess
}

func (d *recordingDeployer) Deploy(ctx context.Context, host string, a launch.Artifact, args []string) (launch.Process, error) {
	p, err := d.InProcessDeployer.Deploy(ctx, host, a, args)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.procs = append(d.procs, p.(*launch.InProcess))
	d.mu.Unlock()
	return p, nil
}

func (d *recordingDeployer) last() *launch.InProcess {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.procs[len(d.procs)-1]
}

// slowEngine registers "slow", whose run takes delay unless the worker stops.
func slowEngine(reg *engine.Registry, delay time.Duration) {
	reg.Register("slow", func(p engine.Params) (contract.Engine, error) {
		return engine.NewMemory(engine.WithStep(func(ctx context.Context, _ *engine.Memory) error {
			select {
			case <-time.After(delay):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})), nil
	})
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.LaunchTimeout = 5 * time.Second
	cfg.CallTimeout = 5 * time.Second
	cfg.HandshakeTimeout = time.Second
	cfg.GracePeriod = time.Second
	cfg.InitialBackoff = 10 * time.Millisecond
	cfg.MaxBackoff = 50 * time.Millisecond
	return cfg
}

func newTestSession(t *testing.T, cfg Config, engineName string, reg *engine.Registry, opts ...Option) (*Session, *recordingDeployer) {
	t.Helper()
	if reg == nil {
		reg = engine.Defaults()
	}
	d := &recordingDeployer{InProcessDeployer: launch.NewInProcessDeployer(reg, events.NewBroker(), testLogger())}
	l := launch.NewLauncher(d, cfg.LauncherConfig(), testLogger())
	opts = append([]Option{WithLogger(testLogger())}, opts...)
	s := New(cfg, l, launch.Artifact{Path: "simworker", Engine: engineName}, opts...)
	t.Cleanup(func() { s.Close(context.Background()) })
	return s, d
}

func call(t *testing.T, s *Session, op string, args ...codec.Value) codec.Value {
	t.Helper()
	v, err := s.Call(context.Background(), codec.CallRequest{Op: op, Args: args})
	if err != nil {
		t.Fatalf("Call(%s): %v", op, err)
	}
	return v
}

func TestStartIsIdempotent(t *testing.T) {
	s, d := newTestSession(t, testConfig(), "memory", nil)
	ctx := context.Background()

	if s.State() != Stopped {
		t.Fatalf("initial state = %s, want stopped", s.State())
	}
	for i := 0; i < 3; i++ {
		if err := s.Start(ctx); err != nil {
			t.Fatalf("Start %d: %v", i, err)
		}
	}
	if s.State() != Ready {
		t.Errorf("State = %s, want ready", s.State())
	}
	if d.Deploys() != 1 || s.Launches() != 1 {
		t.Errorf("Deploys = %d, Launches = %d, want 1", d.Deploys(), s.Launches())
	}
	if !strings.HasPrefix(s.Address(), "tcp://127.0.0.1:") {
		t.Errorf("Address = %q", s.Address())
	}
}

func TestCallLaunchesLazily(t *testing.T) {
	s, d := newTestSession(t, testConfig(), "memory", nil)

	data := codec.MustFromSlice([]int64{1, 2, 3})
	call(t, s, contract.OpAddDataset, "a", data)
	got := call(t, s, contract.OpGetDataset, "a")
	if !codec.Equal(got, data) {
		t.Errorf("get_dataset = %v", got)
	}
	if d.Deploys() != 1 {
		t.Errorf("Deploys = %d, want 1", d.Deploys())
	}
	if s.State() != Ready {
		t.Errorf("State = %s, want ready", s.State())
	}
}

func TestRemoteErrorKeepsSessionReady(t *testing.T) {
	s, d := newTestSession(t, testConfig(), "memory", nil)

	_, err := s.Call(context.Background(), codec.CallRequest{Op: contract.OpGetDataset, Args: []codec.Value{"missing"}})
	if !errors.Is(err, contract.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	var remote *contract.RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("err = %T, want *contract.RemoteError", err)
	}
	if s.State() != Ready {
		t.Errorf("State = %s, want ready", s.State())
	}

	call(t, s, contract.OpIterDatasets)
	if d.Deploys() != 1 {
		t.Errorf("Deploys = %d, want 1", d.Deploys())
	}
}

func TestOversizedRequestKeepsSessionReady(t *testing.T) {
	s, d := newTestSession(t, testConfig(), "memory", nil)
	keep := codec.MustFromSlice([]int64{4, 5, 6})
	call(t, s, contract.OpAddDataset, "keep", keep)

	big := codec.MustFromSlice(make([]uint8, channel.MaxFrameSize+1024))
	_, err := s.Call(context.Background(), codec.CallRequest{Op: contract.OpAddDataset, Args: []codec.Value{"big", big}})
	if !errors.Is(err, codec.ErrCodec) {
		t.Fatalf("err = %v, want ErrCodec", err)
	}
	if errors.Is(err, channel.ErrTransport) {
		t.Errorf("oversized request reported as transport error: %v", err)
	}
	if s.State() != Ready {
		t.Errorf("State = %s, want ready", s.State())
	}

	if got := call(t, s, contract.OpGetDataset, "keep"); !codec.Equal(got, keep) {
		t.Errorf("get_dataset keep = %v", got)
	}
	if d.Deploys() != 1 || s.Launches() != 1 {
		t.Errorf("Deploys = %d, Launches = %d, want 1", d.Deploys(), s.Launches())
	}
}

func TestOversizedResponseKeepsSessionReady(t *testing.T) {
	reg := engine.NewRegistry()
	reg.Register("bloat", func(p engine.Params) (contract.Engine, error) {
		return engine.NewMemory(engine.WithStep(func(_ context.Context, m *engine.Memory) error {
			m.SetDataset("huge", codec.MustFromSlice(make([]uint8, channel.MaxFrameSize+1024)))
			return nil
		})), nil
	})
	s, d := newTestSession(t, testConfig(), "bloat", reg)
	call(t, s, contract.OpRun)

	_, err := s.Call(context.Background(), codec.CallRequest{Op: contract.OpGetDataset, Args: []codec.Value{"huge"}})
	var remote *contract.RemoteError
	if !errors.As(err, &remote) || remote.Kind != contract.KindCodec {
		t.Fatalf("err = %v, want remote codec error", err)
	}
	if s.State() != Ready {
		t.Errorf("State = %s, want ready", s.State())
	}

	call(t, s, contract.OpIterDatasets)
	if d.Deploys() != 1 || s.Launches() != 1 {
		t.Errorf("Deploys = %d, Launches = %d, want 1", d.Deploys(), s.Launches())
	}
}

func TestEngineEventsReachSessionTopic(t *testing.T) {
	s, _ := newTestSession(t, testConfig(), "memory", nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ch, cancel := s.Subscribe()
	defer cancel()

	call(t, s, contract.OpRun)

	var got []string
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case ev := <-ch:
			if ev.Type == events.TypeEngineState && ev.Topic == s.ID() {
				got = append(got, ev.State)
			}
		case <-timeout:
			t.Fatalf("engine events on session topic = %v, want [running done]", got)
		}
	}
	if got[0] != engine.StateRunning || got[1] != engine.StateDone {
		t.Errorf("engine events = %v, want [running done]", got)
	}
}

func TestConcurrentCallsAreSerialized(t *testing.T) {
	s, d := newTestSession(t, testConfig(), "memory", nil)

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i))
			if _, err := s.Call(context.Background(), codec.CallRequest{Op: contract.OpAddDataset, Args: []codec.Value{id, int64(i)}}); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent call: %v", err)
	}

	ids, err := contract.StringList(call(t, s, contract.OpIterDatasets))
	if err != nil {
		t.Fatalf("StringList: %v", err)
	}
	if len(ids) != n {
		t.Errorf("iter_datasets returned %d ids, want %d", len(ids), n)
	}
	if d.Deploys() != 1 {
		t.Errorf("Deploys = %d, want 1 for concurrent first calls", d.Deploys())
	}
}

func TestTimeoutKeepsLiveWorkerAndDiscardsLateResponse(t *testing.T) {
	reg := engine.Defaults()
	slowEngine(reg, 400*time.Millisecond)
	cfg := testConfig()
	cfg.CallTimeout = 250 * time.Millisecond
	s, d := newTestSession(t, cfg, "slow", reg)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	_, err := s.Call(context.Background(), codec.CallRequest{Op: contract.OpRun})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("run err = %v, want ErrTimeout", err)
	}
	if s.State() != Ready {
		t.Fatalf("State after timeout = %s, want ready", s.State())
	}

	// The late run response arrives first and must not be taken for this one.
	got := call(t, s, contract.OpGetState)
	if got != engine.StateDone {
		t.Errorf("get_state = %v, want %q", got, engine.StateDone)
	}
	if d.Deploys() != 1 {
		t.Errorf("Deploys = %d, want 1", d.Deploys())
	}
}

func TestCallerContextBoundsQueueWait(t *testing.T) {
	reg := engine.Defaults()
	slowEngine(reg, 300*time.Millisecond)
	s, _ := newTestSession(t, testConfig(), "slow", reg)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	go s.Call(context.Background(), codec.CallRequest{Op: contract.OpRun})
	deadline := time.Now().Add(time.Second)
	for s.State() != Dispatching && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := s.Call(ctx, codec.CallRequest{Op: contract.OpGetState})
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("queued call err = %v, want ErrTimeout", err)
	}
}

func TestPeerLossBetweenCallsRelaunches(t *testing.T) {
	s, d := newTestSession(t, testConfig(), "memory", nil)
	call(t, s, contract.OpAddDataset, "a", int64(1))

	proc := d.last()
	proc.Kill()
	<-proc.Done()

	// The new worker starts empty.
	_, err := s.Call(context.Background(), codec.CallRequest{Op: contract.OpGetDataset, Args: []codec.Value{"a"}})
	if !errors.Is(err, contract.ErrNotFound) {
		t.Fatalf("get_dataset after relaunch err = %v, want ErrNotFound", err)
	}
	if d.Deploys() != 2 || s.Launches() != 2 {
		t.Errorf("Deploys = %d, Launches = %d, want 2", d.Deploys(), s.Launches())
	}
	if s.State() != Ready {
		t.Errorf("State = %s, want ready", s.State())
	}
}

func TestPeerLossDuringCallFailsThenRelaunches(t *testing.T) {
	reg := engine.Defaults()
	slowEngine(reg, 5*time.Second)
	s, d := newTestSession(t, testConfig(), "slow", reg)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	proc := d.last()
	time.AfterFunc(100*time.Millisecond, proc.Kill)

	_, err := s.Call(context.Background(), codec.CallRequest{Op: contract.OpRun})
	if !errors.Is(err, channel.ErrTransport) {
		t.Fatalf("err = %v, want a transport error", err)
	}
	if s.State() != Failed {
		t.Fatalf("State = %s, want failed", s.State())
	}
	if s.LastError() == nil {
		t.Error("LastError is nil")
	}

	got := call(t, s, contract.OpGetState)
	if got != engine.StateInit {
		t.Errorf("get_state = %v, want %q", got, engine.StateInit)
	}
	if d.Deploys() != 2 {
		t.Errorf("Deploys = %d, want 2", d.Deploys())
	}
}

func TestResetRelaunches(t *testing.T) {
	s, d := newTestSession(t, testConfig(), "memory", nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	first := d.last()

	if err := s.Reset(context.Background()); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	select {
	case <-first.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("first worker still running after Reset")
	}
	if d.Deploys() != 2 || s.State() != Ready {
		t.Errorf("Deploys = %d, State = %s", d.Deploys(), s.State())
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	s, d := newTestSession(t, testConfig(), "memory", nil)
	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	proc := d.last()

	for i := 0; i < 2; i++ {
		if err := s.Close(ctx); err != nil {
			t.Fatalf("Close %d: %v", i, err)
		}
	}
	if s.State() != Stopped {
		t.Errorf("State = %s, want stopped", s.State())
	}
	select {
	case <-proc.Done():
	default:
		t.Error("worker still running after Close")
	}

	if _, err := s.Call(ctx, codec.CallRequest{Op: contract.OpGetState}); !errors.Is(err, ErrClosed) {
		t.Errorf("Call after Close err = %v, want ErrClosed", err)
	}
	if err := s.Start(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Start after Close err = %v, want ErrClosed", err)
	}
}

func TestCloseExpiredContextStillStopsWorker(t *testing.T) {
	reg := engine.Defaults()
	slowEngine(reg, 300*time.Millisecond)
	s, d := newTestSession(t, testConfig(), "slow", reg)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	proc := d.last()

	runErr := make(chan error, 1)
	go func() {
		_, err := s.Call(context.Background(), codec.CallRequest{Op: contract.OpRun})
		runErr <- err
	}()
	for s.State() != Dispatching {
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Close(ctx); err == nil {
		t.Fatal("Close with expired context returned nil while a call was in flight")
	}
	if _, err := s.Call(context.Background(), codec.CallRequest{Op: contract.OpPing}); !errors.Is(err, ErrClosed) {
		t.Errorf("call after Close err = %v, want ErrClosed", err)
	}

	if err := <-runErr; err != nil {
		t.Errorf("in-flight run err = %v", err)
	}
	select {
	case <-proc.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("worker still running after the in-flight call finished")
	}
	deadline := time.Now().Add(2 * time.Second)
	for s.State() != Stopped {
		if time.Now().After(deadline) {
			t.Fatalf("State = %s, want stopped", s.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := s.Close(context.Background()); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestCloseNeverStarted(t *testing.T) {
	s, d := newTestSession(t, testConfig(), "memory", nil)
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if d.Deploys() != 0 {
		t.Errorf("Deploys = %d, want 0", d.Deploys())
	}
}

func TestLaunchFailureMovesToFailed(t *testing.T) {
	s, _ := newTestSession(t, testConfig(), "no-such-engine", nil)

	err := s.Start(context.Background())
	if !errors.Is(err, launch.ErrDeployment) {
		t.Fatalf("Start err = %v, want ErrDeployment", err)
	}
	if s.State() != Failed {
		t.Errorf("State = %s, want failed", s.State())
	}
}

func TestSubscribeSeesTransitions(t *testing.T) {
	s, _ := newTestSession(t, testConfig(), "memory", nil)
	ch, cancel := s.Subscribe()
	defer cancel()

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	want := []string{"launching", "handshaking", "ready"}
	for _, w := range want {
		select {
		case ev := <-ch:
			if ev.Type != events.TypeSessionState || ev.State != w || ev.Topic != s.ID() {
				t.Errorf("event = %+v, want state %s", ev, w)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("no %s event", w)
		}
	}
}

func TestJournalRecordsLifecycle(t *testing.T) {
	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer st.Close()

	s, _ := newTestSession(t, testConfig(), "memory", nil, WithJournal(st))
	call(t, s, contract.OpAddDataset, "a", int64(1))
	s.Call(context.Background(), codec.CallRequest{Op: contract.OpGetDataset, Args: []codec.Value{"missing"}})
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	ctx := context.Background()
	rec, err := st.GetSession(ctx, s.ID())
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if rec.Status != model.SessionClosed || rec.Launches != 1 || rec.Engine != "memory" {
		t.Errorf("session record = %+v", rec)
	}

	calls, total, err := st.ListCalls(ctx, s.ID(), 10, 0)
	if err != nil {
		t.Fatalf("ListCalls: %v", err)
	}
	if total != 2 {
		t.Fatalf("total calls = %d, want 2", total)
	}
	if calls[0].Status != model.CallOK || calls[1].Status != model.CallError || calls[1].ErrorKind != contract.KindNotFound {
		t.Errorf("calls = %+v, %+v", calls[0], calls[1])
	}
	if calls[1].CallID <= calls[0].CallID {
		t.Errorf("call ids not increasing: %d, %d", calls[0].CallID, calls[1].CallID)
	}
}

// fakeProcess reports a fixed address and runs until terminated.
type fakeProcess struct {
	output io.Reader
	done   chan struct{}
	once   sync.Once
}

func newFakeProcess(addr string) *fakeProcess {
	return &fakeProcess{
		output: strings.NewReader(channel.FormatReport(addr) + "\n"),
		done:   make(chan struct{}),
	}
}

func (p *fakeProcess) Output() io.Reader     { return p.output }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }
func (p *fakeProcess) Err() error            { return nil }
func (p *fakeProcess) ID() string            { return "fake" }
func (p *fakeProcess) stop()                 { p.once.Do(func() { close(p.done) }) }

type fakeDeployer struct {
	addr       string
	mu         sync.Mutex
	terminated int
}

func (d *fakeDeployer) Deploy(context.Context, string, launch.Artifact, []string) (launch.Process, error) {
	return newFakeProcess(d.addr), nil
}

func (d *fakeDeployer) Terminate(_ context.Context, p launch.Process) error {
	d.mu.Lock()
	d.terminated++
	d.mu.Unlock()
	p.(*fakeProcess).stop()
	return nil
}

// versionServer answers every request on one connection with version.
func versionServer(t *testing.T, version string) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			ch := channel.New(conn, nil)
			go func() {
				defer ch.Close()
				for {
					frame, err := ch.Receive(context.Background(), 0)
					if err != nil {
						return
					}
					req, err := codec.DecodeRequest(frame)
					if err != nil {
						return
					}
					payload, _ := codec.EncodeResponse(codec.OK(req.CallID, version))
					ch.Send(payload)
				}
			}()
		}
	}()
	return "tcp://" + l.Addr().String()
}

func newFakeSession(t *testing.T, cfg Config, addr string) (*Session, *fakeDeployer) {
	t.Helper()
	d := &fakeDeployer{addr: addr}
	l := launch.NewLauncher(d, cfg.LauncherConfig(), testLogger())
	s := New(cfg, l, launch.Artifact{Path: "simworker"}, WithLogger(testLogger()))
	t.Cleanup(func() { s.Close(context.Background()) })
	return s, d
}

func TestHandshakeVersionMismatch(t *testing.T) {
	cfg := testConfig()
	s, d := newFakeSession(t, cfg, versionServer(t, "0"))

	err := s.Start(context.Background())
	var verr *VersionError
	if !errors.As(err, &verr) || !errors.Is(err, ErrHandshake) {
		t.Fatalf("Start err = %v, want a version error", err)
	}
	if verr.Got != "0" || verr.Want != contract.Version {
		t.Errorf("VersionError = %+v", verr)
	}
	var herr *HandshakeError
	if errors.As(err, &herr) && herr.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1; mismatches are not retried", herr.Attempts)
	}
	if s.State() != Failed {
		t.Errorf("State = %s, want failed", s.State())
	}
	if d.terminated != 1 {
		t.Errorf("terminated = %d, want 1", d.terminated)
	}
}

func TestHandshakeRetriesExhausted(t *testing.T) {
	// A port nothing listens on.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	addr := "tcp://" + l.Addr().String()
	l.Close()

	cfg := testConfig()
	cfg.MaxHandshakeRetries = 3
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 2 * time.Millisecond
	s, d := newFakeSession(t, cfg, addr)

	err = s.Start(context.Background())
	var herr *HandshakeError
	if !errors.As(err, &herr) {
		t.Fatalf("Start err = %v, want *HandshakeError", err)
	}
	if herr.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", herr.Attempts)
	}
	if d.terminated != 1 {
		t.Errorf("terminated = %d, want 1", d.terminated)
	}
}

func TestHandshakeAcceptsMatchingVersion(t *testing.T) {
	s, _ := newFakeSession(t, testConfig(), versionServer(t, contract.Version))
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s.State() != Ready {
		t.Errorf("State = %s, want ready", s.State())
	}
}

func TestStateString(t *testing.T) {
	if Dispatching.String() != "dispatching" || State(42).String() != "state(42)" {
		t.Errorf("String = %q, %q", Dispatching.String(), State(42).String())
	}
}

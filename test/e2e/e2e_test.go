package e2e

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/simproxy/internal/api"
	"github.com/seantiz/simproxy/internal/engine"
	"github.com/seantiz/simproxy/internal/events"
	"github.com/seantiz/simproxy/internal/launch"
	"github.com/seantiz/simproxy/internal/proxy"
	"github.com/seantiz/simproxy/internal/session"
	"github.com/seantiz/simproxy/internal/store"
)

// buildWorker compiles cmd/simworker into a temp dir.
func buildWorker(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("builds the worker binary")
	}
	gobin, err := exec.LookPath("go")
	if err != nil {
		t.Skip("go toolchain not on PATH")
	}

	_, file, _, _ := runtime.Caller(0)
	root := filepath.Join(filepath.Dir(file), "..", "..")
	out := filepath.Join(t.TempDir(), "simworker")

	cmd := exec.Command(gobin, "build", "-o", out, "./cmd/simworker")
	cmd.Dir = root
	cmd.Env = append(os.Environ(), "CGO_ENABLED=0")
	if b, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("build simworker: %v\n%s", err, b)
	}
	return out
}

type stack struct {
	ts    *httptest.Server
	store *store.SQLiteStore
	mgr   *proxy.Manager
}

// newStack wires the admin API to a manager that launches real worker
// processes through the exec deployer, with an in-process fallback.
func newStack(t *testing.T, workerPath string) *stack {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	broker := events.NewBroker()
	reg := launch.NewRegistry(launch.DeployerExec)
	reg.Register(launch.DeployerExec, launch.NewExecDeployer(logger))
	reg.Register(launch.DeployerInProcess, launch.NewInProcessDeployer(engine.Defaults(), broker, logger))

	cfg := session.DefaultConfig()
	cfg.LaunchTimeout = 10 * time.Second
	cfg.CallTimeout = 10 * time.Second
	cfg.GracePeriod = 2 * time.Second

	mgr := proxy.NewManager(cfg, launch.Artifact{Path: workerPath, Engine: "counter"}, reg, s, broker, logger)
	ts := httptest.NewServer(api.NewServer(":0", s, mgr, logger).Router())
	t.Cleanup(func() {
		ts.Close()
		mgr.CloseAll(context.Background())
	})
	return &stack{ts: ts, store: s, mgr: mgr}
}

func (st *stack) do(t *testing.T, method, path, body string, wantStatus int) map[string]any {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, st.ts.URL+path, r)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != wantStatus {
		t.Fatalf("%s %s status = %d, want %d\nbody: %s", method, path, resp.StatusCode, wantStatus, b)
	}
	var out map[string]any
	if len(b) > 0 {
		if err := json.Unmarshal(b, &out); err != nil {
			t.Fatalf("decode %s: %v", b, err)
		}
	}
	return out
}

func TestExecWorkerLifecycle(t *testing.T) {
	st := newStack(t, buildWorker(t))

	opened := st.do(t, http.MethodPost, "/v1/sessions", `{}`, http.StatusCreated)
	id, _ := opened["id"].(string)
	if opened["deployer"] != launch.DeployerExec || opened["state"] != "ready" {
		t.Fatalf("opened = %v", opened)
	}
	if addr, _ := opened["address"].(string); !strings.HasPrefix(addr, "tcp://127.0.0.1:") {
		t.Errorf("address = %q", addr)
	}

	calls := []struct {
		body   string
		status int
		result any
	}{
		{`{"op":"get_state"}`, http.StatusOK, "init"},
		{`{"op":"run"}`, http.StatusOK, nil},
		{`{"op":"run"}`, http.StatusOK, nil},
		{`{"op":"get_dataset","args":["runs"]}`, http.StatusOK, float64(2)},
		{`{"op":"add_dataset","args":["grid",{"$array":{"dtype":"float64","shape":[1],"data":"AAAAAAAA+D8="}}]}`, http.StatusOK, nil},
		{`{"op":"iter_datasets"}`, http.StatusOK, []any{"grid", "runs"}},
		{`{"op":"get_entity","args":["ghost"]}`, http.StatusNotFound, nil},
		{`{"op":"__stop__"}`, http.StatusBadRequest, nil},
	}
	for _, c := range calls {
		out := st.do(t, http.MethodPost, "/v1/sessions/"+id+"/calls", c.body, c.status)
		if c.status != http.StatusOK {
			continue
		}
		if got, want := jsonString(out["result"]), jsonString(c.result); got != want {
			t.Errorf("%s result = %s, want %s", c.body, got, want)
		}
	}

	st.do(t, http.MethodDelete, "/v1/sessions/"+id, "", http.StatusOK)

	rec := st.do(t, http.MethodGet, "/v1/history/"+id, "", http.StatusOK)
	if rec["status"] != "closed" || rec["launches"] != float64(1) {
		t.Errorf("history = %v", rec)
	}
	list := st.do(t, http.MethodGet, "/v1/history/"+id+"/calls", "", http.StatusOK)
	// __stop__ is rejected before dispatch and never journaled.
	if list["total"] != float64(7) {
		t.Errorf("journaled calls = %v, want 7", list["total"])
	}
}

func TestExecWorkerReset(t *testing.T) {
	st := newStack(t, buildWorker(t))

	opened := st.do(t, http.MethodPost, "/v1/sessions", `{}`, http.StatusCreated)
	id, _ := opened["id"].(string)
	st.do(t, http.MethodPost, "/v1/sessions/"+id+"/calls", `{"op":"run"}`, http.StatusOK)

	m, err := st.mgr.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	sub, cancel := m.Session().Subscribe()
	defer cancel()

	// Reset tears the worker down and launches a new process.
	st.do(t, http.MethodPost, "/v1/sessions/"+id+"/reset", "", http.StatusOK)
	waitForState(t, sub, "ready")

	// A relaunched worker starts with fresh engine state.
	out := st.do(t, http.MethodPost, "/v1/sessions/"+id+"/calls", `{"op":"get_state"}`, http.StatusOK)
	if out["result"] != "init" {
		t.Errorf("state after relaunch = %v, want init", out["result"])
	}
	if got := st.do(t, http.MethodGet, "/v1/sessions/"+id, "", http.StatusOK)["launches"]; got != float64(2) {
		t.Errorf("launches = %v, want 2", got)
	}
}

func TestLocalSessionEvents(t *testing.T) {
	st := newStack(t, "unused")

	opened := st.do(t, http.MethodPost, "/v1/sessions", `{"deployer":"inprocess"}`, http.StatusCreated)
	id, _ := opened["id"].(string)

	resp, err := http.Get(st.ts.URL + "/v1/sessions/" + id + "/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()

	go func() {
		req, _ := http.NewRequest(http.MethodDelete, st.ts.URL+"/v1/sessions/"+id, nil)
		if resp, err := http.DefaultClient.Do(req); err == nil {
			resp.Body.Close()
		}
	}()

	var states []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		var ev map[string]any
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}
		if s, ok := ev["state"].(string); ok {
			states = append(states, s)
		}
	}
	if strings.Join(states, ",") != "closing,stopped" {
		t.Errorf("streamed states = %v", states)
	}
}

func waitForState(t *testing.T, sub <-chan events.Event, want string) {
	t.Helper()
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				t.Fatalf("subscription closed before state %s", want)
			}
			if ev.State == want {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for state %s", want)
		}
	}
}

func jsonString(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/seantiz/simproxy/internal/channel"
	"github.com/seantiz/simproxy/internal/codec"
	"github.com/seantiz/simproxy/internal/contract"
	"github.com/seantiz/simproxy/internal/launch"
	"github.com/seantiz/simproxy/internal/session"
)

type callResult struct {
	Result any    `json:"result"`
	Error  string `json:"error"`
	Kind   string `json:"kind"`
}

func doCall(t *testing.T, base, id, body string) (int, callResult) {
	t.Helper()
	var out callResult
	resp := postJSON(t, base+"/v1/sessions/"+id+"/calls", body, &out)
	return resp.StatusCode, out
}

func TestCallRoundTrip(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t).Router())
	defer ts.Close()
	id := openSession(t, ts.URL, `{}`).ID

	// int32 [1, 2, 3] as a raw little-endian buffer.
	array := `{"$array":{"dtype":"int32","shape":[3],"data":"AQAAAAIAAAADAAAA"}}`
	if status, out := doCall(t, ts.URL, id, `{"op":"add_dataset","args":["a",`+array+`]}`); status != http.StatusOK {
		t.Fatalf("add_dataset status = %d: %s", status, out.Error)
	}

	status, out := doCall(t, ts.URL, id, `{"op":"get_dataset","kwargs":{"id":"a"}}`)
	if status != http.StatusOK {
		t.Fatalf("get_dataset status = %d: %s", status, out.Error)
	}
	got := fmt.Sprint(out.Result)
	want := fmt.Sprint(map[string]any{"$array": map[string]any{"dtype": "int32", "shape": []any{float64(3)}, "data": "AQAAAAIAAAADAAAA"}})
	if got != want {
		t.Errorf("result = %s, want %s", got, want)
	}

	status, out = doCall(t, ts.URL, id, `{"op":"iter_datasets"}`)
	if status != http.StatusOK || fmt.Sprint(out.Result) != "[a]" {
		t.Errorf("iter_datasets = %d %v", status, out.Result)
	}
}

func TestCallErrors(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t).Router())
	defer ts.Close()
	id := openSession(t, ts.URL, `{}`).ID

	tests := []struct {
		name     string
		body     string
		want     int
		wantKind string
	}{
		{"missing op", `{}`, http.StatusBadRequest, ""},
		{"not supported", `{"op":"delete_everything"}`, http.StatusBadRequest, ""},
		{"bad arguments", `{"op":"get_dataset"}`, http.StatusBadRequest, ""},
		{"bad array", `{"op":"add_dataset","args":["a",{"$array":{"dtype":"int128","shape":[1],"data":""}}]}`, http.StatusBadRequest, ""},
		{"remote not found", `{"op":"get_dataset","args":["missing"]}`, http.StatusNotFound, contract.KindNotFound},
		{"remote bad id", `{"op":"get_dataset","args":[7]}`, http.StatusUnprocessableEntity, contract.KindBadArguments},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, out := doCall(t, ts.URL, id, tt.body)
			if status != tt.want {
				t.Errorf("status = %d, want %d (%s)", status, tt.want, out.Error)
			}
			if out.Error == "" {
				t.Error("expected error message")
			}
			if out.Kind != tt.wantKind {
				t.Errorf("kind = %q, want %q", out.Kind, tt.wantKind)
			}
		})
	}

	var v sessionView
	getJSON(t, ts.URL+"/v1/sessions/"+id, &v)
	if v.State != "ready" || v.Launches != 1 {
		t.Errorf("session after errors = %+v", v)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&contract.NotSupportedError{Op: "x"}, http.StatusBadRequest},
		{&contract.RemoteError{Kind: contract.KindEngine, Message: "boom"}, http.StatusUnprocessableEntity},
		{&contract.RemoteError{Kind: contract.KindNotFound}, http.StatusNotFound},
		{fmt.Errorf("call 3 add_dataset: %w: %w", codec.ErrCodec, channel.ErrFrameTooLarge), http.StatusBadRequest},
		{session.ErrClosed, http.StatusGone},
		{fmt.Errorf("call: %w", session.ErrTimeout), http.StatusGatewayTimeout},
		{&launch.AddressUnavailableError{Host: "node1"}, http.StatusGatewayTimeout},
		{&channel.TransportError{Op: "send", Err: errors.New("reset")}, http.StatusBadGateway},
		{&launch.DeploymentError{Host: "node1", Err: errors.New("ssh")}, http.StatusBadGateway},
		{&session.HandshakeError{Attempts: 3, Err: errors.New("refused")}, http.StatusBadGateway},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

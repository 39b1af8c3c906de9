package contract_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/seantiz/simproxy/internal/codec"
	"github.com/seantiz/simproxy/internal/contract"
	"github.com/seantiz/simproxy/internal/engine"
)

// coreOnly implements the minimum contract and no extensions.
type coreOnly struct{ runs int }

func (c *coreOnly) Run(context.Context) error { c.runs++; return nil }
func (c *coreOnly) AddDataset(context.Context, string, codec.Value) error {
	return nil
}
func (c *coreOnly) GetDataset(_ context.Context, id string) (codec.Value, error) {
	return "data:" + id, nil
}
func (c *coreOnly) RemoveDataset(context.Context, string) error   { return nil }
func (c *coreOnly) IterDatasets(context.Context) ([]string, error) { return []string{"x"}, nil }

func TestDispatchCore(t *testing.T) {
	ctx := context.Background()
	e := &coreOnly{}

	if _, err := contract.Dispatch(ctx, e, contract.OpRun, nil, nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	if e.runs != 1 {
		t.Errorf("runs = %d, want 1", e.runs)
	}

	got, err := contract.Dispatch(ctx, e, contract.OpGetDataset, nil, map[string]codec.Value{"id": "a"})
	if err != nil {
		t.Fatalf("get_dataset: %v", err)
	}
	if got != "data:a" {
		t.Errorf("get_dataset = %v, want data:a", got)
	}

	ids, err := contract.Dispatch(ctx, e, contract.OpIterDatasets, nil, nil)
	if err != nil {
		t.Fatalf("iter_datasets: %v", err)
	}
	list, err := contract.StringList(ids)
	if err != nil || len(list) != 1 || list[0] != "x" {
		t.Errorf("iter_datasets = %v, %v", list, err)
	}
}

func TestDispatchUnknownAndMissingExtension(t *testing.T) {
	ctx := context.Background()
	e := &coreOnly{}

	for _, name := range []string{"delete_everything", contract.OpGetState, contract.OpAddEntity} {
		args := []codec.Value{}
		if name == contract.OpAddEntity {
			args = []codec.Value{"id", nil}
		}
		_, err := contract.Dispatch(ctx, e, name, args, nil)
		if !errors.Is(err, contract.ErrUnsupportedOperation) {
			t.Errorf("Dispatch(%q) error = %v, want ErrUnsupportedOperation", name, err)
		}
		if contract.KindOf(err) != contract.KindUnsupportedOperation {
			t.Errorf("KindOf = %q", contract.KindOf(err))
		}
	}
}

func TestDispatchFullEngine(t *testing.T) {
	ctx := context.Background()
	m := engine.NewMemory()

	if _, err := contract.Dispatch(ctx, m, contract.OpAddEntity, []codec.Value{"e1", int64(5)}, nil); err != nil {
		t.Fatalf("add_entity: %v", err)
	}
	v, err := contract.Dispatch(ctx, m, contract.OpGetEntity, []codec.Value{"e1"}, nil)
	if err != nil || v != int64(5) {
		t.Errorf("get_entity = %v, %v", v, err)
	}
	state, err := contract.Dispatch(ctx, m, contract.OpGetState, nil, nil)
	if err != nil || state != engine.StateInit {
		t.Errorf("get_state = %v, %v", state, err)
	}
}

func TestBindArguments(t *testing.T) {
	op, ok := contract.Lookup(contract.OpAddDataset)
	if !ok {
		t.Fatal("add_dataset missing from table")
	}

	tests := []struct {
		name    string
		args    []codec.Value
		kwargs  map[string]codec.Value
		wantErr bool
	}{
		{"positional", []codec.Value{"a", int64(1)}, nil, false},
		{"mixed", []codec.Value{"a"}, map[string]codec.Value{"data": int64(1)}, false},
		{"named", nil, map[string]codec.Value{"id": "a", "data": nil}, false},
		{"too many", []codec.Value{"a", 1, 2}, nil, true},
		{"missing", []codec.Value{"a"}, nil, true},
		{"unknown kwarg", []codec.Value{"a", 1}, map[string]codec.Value{"force": true}, true},
		{"duplicate", []codec.Value{"a", 1}, map[string]codec.Value{"id": "b"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bound, err := op.Bind(tt.args, tt.kwargs)
			if tt.wantErr {
				if !errors.Is(err, contract.ErrBadArguments) {
					t.Errorf("Bind error = %v, want ErrBadArguments", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Bind: %v", err)
			}
			if len(bound) != 2 || bound[0] != "a" {
				t.Errorf("Bind = %v", bound)
			}
		})
	}

	if _, err := contract.Dispatch(context.Background(), &coreOnly{}, contract.OpGetDataset, []codec.Value{int64(3)}, nil); !errors.Is(err, contract.ErrBadArguments) {
		t.Errorf("non-string id error = %v, want ErrBadArguments", err)
	}
}

func TestKindOfAndRemoteError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{errors.New("boom"), contract.KindEngine},
		{fmt.Errorf("dataset: %w", contract.ErrNotFound), contract.KindNotFound},
		{&engine.Error{Code: "diverged", Message: "x"}, "diverged"},
		{fmt.Errorf("wrap: %w", &codec.CodecError{Op: "decode", Reason: "bad"}), contract.KindCodec},
		{&contract.RemoteError{Kind: "custom", Message: "m"}, "custom"},
	}
	for _, tt := range tests {
		if got := contract.KindOf(tt.err); got != tt.want {
			t.Errorf("KindOf(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}

	re := contract.FromDescriptor(codec.ErrorDescriptor{Kind: contract.KindNotFound, Message: `dataset "a": not found`})
	if !errors.Is(re, contract.ErrNotFound) {
		t.Error("remote not_found must match ErrNotFound")
	}
	if errors.Is(re, contract.ErrUnsupportedOperation) {
		t.Error("remote not_found must not match ErrUnsupportedOperation")
	}

	d := contract.Descriptor(&engine.Error{Code: "diverged", Message: "solver diverged"})
	if d.Kind != "diverged" || d.Message != "solver diverged" {
		t.Errorf("Descriptor = %+v", d)
	}
}

func TestNotSupportedError(t *testing.T) {
	err := &contract.NotSupportedError{Op: "delete_everything"}
	if !errors.Is(err, contract.ErrNotSupported) {
		t.Error("NotSupportedError must match ErrNotSupported")
	}
	if errors.Is(err, contract.ErrUnsupportedOperation) {
		t.Error("proxy-side rejection must be distinguishable from worker-side")
	}
}

func TestNamesSorted(t *testing.T) {
	names := contract.Names()
	if len(names) != 10 {
		t.Fatalf("Names() has %d entries, want 10", len(names))
	}
	for i := 1; i < len(names); i++ {
		if names[i-1] >= names[i] {
			t.Errorf("Names not sorted at %d: %v", i, names)
		}
	}
}

package contract

import (
	"context"
	"fmt"
	"sort"

	"github.com/seantiz/simproxy/internal/codec"
)

// Operation is one entry of the capability contract.
type Operation struct {
	Name      string
	Params    []string
	Extension bool

	invoke func(ctx context.Context, e Engine, args []codec.Value) (codec.Value, error)
}

// operations is the static dispatch table. It is never modified.
var operations = map[string]Operation{
	OpRun: {
		Name: OpRun,
		invoke: func(ctx context.Context, e Engine, _ []codec.Value) (codec.Value, error) {
			return nil, e.Run(ctx)
		},
	},
	OpAddDataset: {
		Name:   OpAddDataset,
		Params: []string{"id", "data"},
		invoke: func(ctx context.Context, e Engine, args []codec.Value) (codec.Value, error) {
			id, err := idArg(OpAddDataset, args[0])
			if err != nil {
				return nil, err
			}
			return nil, e.AddDataset(ctx, id, args[1])
		},
	},
	OpGetDataset: {
		Name:   OpGetDataset,
		Params: []string{"id"},
		invoke: func(ctx context.Context, e Engine, args []codec.Value) (codec.Value, error) {
			id, err := idArg(OpGetDataset, args[0])
			if err != nil {
				return nil, err
			}
			return e.GetDataset(ctx, id)
		},
	},
	OpRemoveDataset: {
		Name:   OpRemoveDataset,
		Params: []string{"id"},
		invoke: func(ctx context.Context, e Engine, args []codec.Value) (codec.Value, error) {
			id, err := idArg(OpRemoveDataset, args[0])
			if err != nil {
				return nil, err
			}
			return nil, e.RemoveDataset(ctx, id)
		},
	},
	OpIterDatasets: {
		Name: OpIterDatasets,
		invoke: func(ctx context.Context, e Engine, _ []codec.Value) (codec.Value, error) {
			ids, err := e.IterDatasets(ctx)
			if err != nil {
				return nil, err
			}
			return ids, nil
		},
	},
	OpGetState: {
		Name:      OpGetState,
		Extension: true,
		invoke: func(ctx context.Context, e Engine, _ []codec.Value) (codec.Value, error) {
			sr, ok := e.(StateReporter)
			if !ok {
				return nil, &UnsupportedError{Op: OpGetState}
			}
			return sr.State(ctx)
		},
	},
	OpAddEntity: {
		Name:      OpAddEntity,
		Params:    []string{"id", "data"},
		Extension: true,
		invoke: func(ctx context.Context, e Engine, args []codec.Value) (codec.Value, error) {
			es, err := entityStore(e, OpAddEntity)
			if err != nil {
				return nil, err
			}
			id, err := idArg(OpAddEntity, args[0])
			if err != nil {
				return nil, err
			}
			return nil, es.AddEntity(ctx, id, args[1])
		},
	},
	OpGetEntity: {
		Name:      OpGetEntity,
		Params:    []string{"id"},
		Extension: true,
		invoke: func(ctx context.Context, e Engine, args []codec.Value) (codec.Value, error) {
			es, err := entityStore(e, OpGetEntity)
			if err != nil {
				return nil, err
			}
			id, err := idArg(OpGetEntity, args[0])
			if err != nil {
				return nil, err
			}
			return es.GetEntity(ctx, id)
		},
	},
	OpRemoveEntity: {
		Name:      OpRemoveEntity,
		Params:    []string{"id"},
		Extension: true,
		invoke: func(ctx context.Context, e Engine, args []codec.Value) (codec.Value, error) {
			es, err := entityStore(e, OpRemoveEntity)
			if err != nil {
				return nil, err
			}
			id, err := idArg(OpRemoveEntity, args[0])
			if err != nil {
				return nil, err
			}
			return nil, es.RemoveEntity(ctx, id)
		},
	},
	OpIterEntities: {
		Name:      OpIterEntities,
		Extension: true,
		invoke: func(ctx context.Context, e Engine, _ []codec.Value) (codec.Value, error) {
			es, err := entityStore(e, OpIterEntities)
			if err != nil {
				return nil, err
			}
			ids, err := es.IterEntities(ctx)
			if err != nil {
				return nil, err
			}
			return ids, nil
		},
	},
}

// Lookup returns the operation registered under name.
func Lookup(name string) (Operation, bool) {
	op, ok := operations[name]
	return op, ok
}

// Names returns every operation name in sorted order.
func Names() []string {
	names := make([]string, 0, len(operations))
	for name := range operations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Bind resolves positional and named arguments against op's parameters.
func (op Operation) Bind(args []codec.Value, kwargs map[string]codec.Value) ([]codec.Value, error) {
	if len(args) > len(op.Params) {
		return nil, badArgs(op.Name, "takes %d arguments, got %d", len(op.Params), len(args))
	}

	bound := make([]codec.Value, len(op.Params))
	set := make([]bool, len(op.Params))
	for i, a := range args {
		bound[i] = a
		set[i] = true
	}

	for name, v := range kwargs {
		idx := -1
		for i, p := range op.Params {
			if p == name {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, badArgs(op.Name, "unexpected argument %q", name)
		}
		if set[idx] {
			return nil, badArgs(op.Name, "argument %q given twice", name)
		}
		bound[idx] = v
		set[idx] = true
	}

	for i, ok := range set {
		if !ok {
			return nil, badArgs(op.Name, "missing argument %q", op.Params[i])
		}
	}
	return bound, nil
}

// Dispatch invokes the named operation on e. Names outside the table fail
// with ErrUnsupportedOperation.
func Dispatch(ctx context.Context, e Engine, name string, args []codec.Value, kwargs map[string]codec.Value) (codec.Value, error) {
	op, ok := operations[name]
	if !ok {
		return nil, &UnsupportedError{Op: name}
	}
	bound, err := op.Bind(args, kwargs)
	if err != nil {
		return nil, err
	}
	return op.invoke(ctx, e, bound)
}

func idArg(op string, v codec.Value) (string, error) {
	id, ok := v.(string)
	if !ok {
		return "", badArgs(op, "id must be a string, got %T", v)
	}
	return id, nil
}

func entityStore(e Engine, op string) (EntityStore, error) {
	es, ok := e.(EntityStore)
	if !ok {
		return nil, &UnsupportedError{Op: op}
	}
	return es, nil
}

// StringList converts a decoded list of strings back into []string.
func StringList(v codec.Value) ([]string, error) {
	switch l := v.(type) {
	case nil:
		return nil, nil
	case []string:
		return l, nil
	case []any:
		out := make([]string, len(l))
		for i, item := range l {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("list item %d is %T, want string", i, item)
			}
			out[i] = s
		}
		return out, nil
	default:
		return nil, fmt.Errorf("value is %T, want list of strings", v)
	}
}

// StringValue converts a decoded value into a string.
func StringValue(v codec.Value) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("value is %T, want string", v)
	}
	return s, nil
}

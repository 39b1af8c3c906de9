// Package contract defines the capability contract shared by the proxy and
// the worker: the Engine interfaces, the fixed operation table, and the error
// kinds carried across the wire.
package contract

import (
	"context"

	"github.com/seantiz/simproxy/internal/codec"
)

// Version identifies this operation set. The worker reports it in reply to a
// ping and the session refuses workers that disagree.
const Version = "1"

// Operation names.
const (
	OpRun           = "run"
	OpAddDataset    = "add_dataset"
	OpGetDataset    = "get_dataset"
	OpRemoveDataset = "remove_dataset"
	OpIterDatasets  = "iter_datasets"

	OpGetState     = "get_state"
	OpAddEntity    = "add_entity"
	OpGetEntity    = "get_entity"
	OpRemoveEntity = "remove_entity"
	OpIterEntities = "iter_entities"
)

// Control operations are answered by the worker itself and never reach the
// engine. They are not part of the forwardable set.
const (
	OpPing = "__ping__"
	OpEcho = "__echo__"
	OpStop = "__stop__"
)

// IsControl reports whether name is a control operation.
func IsControl(name string) bool {
	switch name {
	case OpPing, OpEcho, OpStop:
		return true
	}
	return false
}

// Engine is the minimum surface every engine exposes.
type Engine interface {
	Run(ctx context.Context) error
	AddDataset(ctx context.Context, id string, data codec.Value) error
	GetDataset(ctx context.Context, id string) (codec.Value, error)
	RemoveDataset(ctx context.Context, id string) error
	IterDatasets(ctx context.Context) ([]string, error)
}

// StateReporter is the get_state extension.
type StateReporter interface {
	State(ctx context.Context) (string, error)
}

// EntityStore is the entity extension.
type EntityStore interface {
	AddEntity(ctx context.Context, id string, data codec.Value) error
	GetEntity(ctx context.Context, id string) (codec.Value, error)
	RemoveEntity(ctx context.Context, id string) error
	IterEntities(ctx context.Context) ([]string, error)
}

// FullEngine implements the core set and every declared extension.
type FullEngine interface {
	Engine
	StateReporter
	EntityStore
}

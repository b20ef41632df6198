// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package persistence defines the durable store of the topology.
//
// Every call is a local single-row operation. Nothing here coordinates with
// the entity cache: the configuration orchestrator decides the order of store
// and cache writes and issues compensating deletes itself.
//
// Set membership (the equipment of a process, the tags of an equipment) is
// not stored on the parent row. It is derived from the child rows' owner
// columns when the cache is warmed up.
package persistence

import (
	"context"
	"errors"

	"github.com/united-manufacturing-hub/united-manufacturing-hub/topology-core/pkg/models"
)

var (
	// ErrNotFound indicates the row does not exist.
	ErrNotFound = errors.New("row not found")

	// ErrConflict indicates a unique constraint violation, usually a duplicate id.
	ErrConflict = errors.New("row conflicts with an existing one")

	// ErrClosed is returned by every call after Close.
	ErrClosed = errors.New("store is closed")
)

// Gateway is the per-kind durable write interface.
//
// Implementations must be safe for concurrent use. Returned entities are
// copies owned by the caller.
type Gateway interface {
	InsertProcess(ctx context.Context, p *models.Process) error
	UpdateProcess(ctx context.Context, p *models.Process) error
	DeleteProcess(ctx context.Context, id int64) error
	GetProcess(ctx context.Context, id int64) (*models.Process, error)
	ListProcesses(ctx context.Context) ([]*models.Process, error)

	InsertEquipment(ctx context.Context, e *models.Equipment) error
	UpdateEquipment(ctx context.Context, e *models.Equipment) error
	DeleteEquipment(ctx context.Context, id int64) error
	GetEquipment(ctx context.Context, id int64) (*models.Equipment, error)
	ListEquipment(ctx context.Context) ([]*models.Equipment, error)

	InsertControlTag(ctx context.Context, t *models.ControlTag) error
	UpdateControlTag(ctx context.Context, t *models.ControlTag) error
	DeleteControlTag(ctx context.Context, id int64) error
	GetControlTag(ctx context.Context, id int64) (*models.ControlTag, error)
	ListControlTags(ctx context.Context) ([]*models.ControlTag, error)

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
	Close() error
}

// Insert dispatches on the entity kind.
func Insert(ctx context.Context, g Gateway, e models.Entity) error {
	switch v := e.(type) {
	case *models.Process:
		return g.InsertProcess(ctx, v)
	case *models.Equipment:
		return g.InsertEquipment(ctx, v)
	case *models.ControlTag:
		return g.InsertControlTag(ctx, v)
	default:
		return errors.New("unsupported entity type")
	}
}

// Update dispatches on the entity kind.
func Update(ctx context.Context, g Gateway, e models.Entity) error {
	switch v := e.(type) {
	case *models.Process:
		return g.UpdateProcess(ctx, v)
	case *models.Equipment:
		return g.UpdateEquipment(ctx, v)
	case *models.ControlTag:
		return g.UpdateControlTag(ctx, v)
	default:
		return errors.New("unsupported entity type")
	}
}

// Delete dispatches on the entity kind.
func Delete(ctx context.Context, g Gateway, kind models.EntityKind, id int64) error {
	switch kind {
	case models.KindProcess:
		return g.DeleteProcess(ctx, id)
	case models.KindEquipment:
		return g.DeleteEquipment(ctx, id)
	case models.KindControlTag:
		return g.DeleteControlTag(ctx, id)
	default:
		return errors.New("unsupported entity kind")
	}
}

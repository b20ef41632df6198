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

package persistence

import (
	"context"

	"github.com/united-manufacturing-hub/united-manufacturing-hub/topology-core/pkg/metrics"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/topology-core/pkg/models"
)

// Instrumented wraps a Gateway and counts every write by kind and result.
type Instrumented struct {
	Gateway
}

func NewInstrumented(g Gateway) *Instrumented {
	return &Instrumented{Gateway: g}
}

func observe(op string, kind models.EntityKind, err error) error {
	metrics.IncStoreOperation(op, string(kind), err)

	return err
}

func (i *Instrumented) InsertProcess(ctx context.Context, p *models.Process) error {
	return observe("insert", models.KindProcess, i.Gateway.InsertProcess(ctx, p))
}

func (i *Instrumented) UpdateProcess(ctx context.Context, p *models.Process) error {
	return observe("update", models.KindProcess, i.Gateway.UpdateProcess(ctx, p))
}

func (i *Instrumented) DeleteProcess(ctx context.Context, id int64) error {
	return observe("delete", models.KindProcess, i.Gateway.DeleteProcess(ctx, id))
}

func (i *Instrumented) InsertEquipment(ctx context.Context, e *models.Equipment) error {
	return observe("insert", models.KindEquipment, i.Gateway.InsertEquipment(ctx, e))
}

func (i *Instrumented) UpdateEquipment(ctx context.Context, e *models.Equipment) error {
	return observe("update", models.KindEquipment, i.Gateway.UpdateEquipment(ctx, e))
}

func (i *Instrumented) DeleteEquipment(ctx context.Context, id int64) error {
	return observe("delete", models.KindEquipment, i.Gateway.DeleteEquipment(ctx, id))
}

func (i *Instrumented) InsertControlTag(ctx context.Context, t *models.ControlTag) error {
	return observe("insert", models.KindControlTag, i.Gateway.InsertControlTag(ctx, t))
}

func (i *Instrumented) UpdateControlTag(ctx context.Context, t *models.ControlTag) error {
	return observe("update", models.KindControlTag, i.Gateway.UpdateControlTag(ctx, t))
}

func (i *Instrumented) DeleteControlTag(ctx context.Context, id int64) error {
	return observe("delete", models.KindControlTag, i.Gateway.DeleteControlTag(ctx, id))
}

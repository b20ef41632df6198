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

package configuration

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/united-manufacturing-hub/topology-core/pkg/cache"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/topology-core/pkg/models"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/topology-core/pkg/persistence"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/topology-core/pkg/sentry"
)

type equipmentHandler struct {
	o   *Orchestrator
	log *zap.SugaredLogger
}

// create locks the owning process, then the equipment, and links the new
// equipment into the process once it is persisted and cached.
func (h *equipmentHandler) create(ctx context.Context, el *element) error {
	o := h.o
	id := el.EntityID

	if o.cache.HasKey(id) {
		return el.fail(errorf(KindEntityExists, id, "entity %d already exists", id))
	}

	eq, err := models.NewEquipment(id, el.Properties)
	if err != nil {
		return el.fail(newError(KindInvalidConfiguration, id, err))
	}

	releaseProcess, err := o.lock(ctx, eq.ProcessID, models.KindProcess)
	if err != nil {
		return el.fail(err)
	}
	defer releaseProcess()
	ctx = context.WithoutCancel(ctx)

	p, err := o.cache.GetProcess(eq.ProcessID)
	if err != nil {
		return el.fail(errorf(KindPreconditionFailed, id, "owning process %d is not available: %w", eq.ProcessID, err))
	}

	release, err := o.lock(ctx, id, models.KindEquipment)
	if err != nil {
		return el.fail(err)
	}
	defer release()

	entities := []models.Entity{eq}
	if eq.HasCommFaultTag() {
		entities = append(entities, models.NewCommFaultTag(eq))
	}
	for _, e := range entities {
		if o.cache.HasKey(e.GetID()) {
			return el.fail(errorf(KindEntityExists, e.GetID(), "entity %d already exists", e.GetID()))
		}
	}

	el.applyingStore()
	if err := o.insertAll(ctx, entities...); err != nil {
		return el.fail(err)
	}

	el.applyingCache()
	if err := o.putAll(entities...); err != nil {
		o.deleteAll(ctx, entities...)

		return el.fail(err)
	}
	p.EquipmentIDs.Add(id)

	el.commit()
	h.log.Infow("Equipment created", "equipment", id, "process", p.ID, "commFaultTag", eq.CommFaultTagID)

	return nil
}

func (h *equipmentHandler) update(ctx context.Context, el *element) error {
	o := h.o
	id := el.EntityID

	release, err := o.lock(ctx, id, models.KindEquipment)
	if err != nil {
		return el.fail(err)
	}
	defer release()
	ctx = context.WithoutCancel(ctx)

	eq, err := o.cache.GetEquipment(id)
	if err != nil {
		return el.fail(lookupError(id, err))
	}

	return o.updateLocked(ctx, el, eq, func(c models.Entity) {
		*eq = *c.(*models.Equipment)
	})
}

// remove deletes the equipment and its tags, then drops the equipment from
// its process. The process lock is taken only after the equipment lock is
// released.
func (h *equipmentHandler) remove(ctx context.Context, el *element) error {
	o := h.o
	id := el.EntityID

	eq, err := o.cache.GetEquipment(id)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			el.skip(fmt.Sprintf("equipment %d does not exist", id))

			return nil
		}

		return el.fail(lookupError(id, err))
	}
	processID := eq.ProcessID

	detached := false
	err = h.removeLocked(ctx, el, func(int64) { detached = true })
	if detached {
		// the equipment row is gone, whatever else failed
		if err := o.RemoveEquipmentFromProcess(context.WithoutCancel(ctx), id, processID); err != nil {
			h.log.Debugw("Owning process already gone", "equipment", id, "process", processID, "error", err)
		}
	}

	return err
}

// removeLocked removes one equipment with its generic tags and its commfault
// tag. The caller holds the owning process lock, or no lock at all. unlink is
// called once the equipment row is gone.
func (h *equipmentHandler) removeLocked(ctx context.Context, el *element, unlink func(int64)) error {
	o := h.o
	id := el.EntityID

	release, err := o.lock(ctx, id, models.KindEquipment)
	if err != nil {
		return el.fail(err)
	}
	defer release()
	ctx = context.WithoutCancel(ctx)

	eq, err := o.cache.GetEquipment(id)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			return el.fail(lookupError(id, err))
		}
		// removed concurrently or never cached; make sure no row is left
		if err := o.storeDelete(ctx, models.KindEquipment, id); err != nil && !errors.Is(err, persistence.ErrNotFound) {
			h.log.Warnw("Failed to delete row of uncached equipment", "equipment", id, "error", err)
		}
		unlink(id)
		el.skip(fmt.Sprintf("equipment %d does not exist", id))

		return nil
	}

	el.applyingStore()
	for _, tagID := range eq.TagIDs.Slice() {
		child := el.child(models.KindControlTag, tagID, o.controlTags.log)
		err := o.controlTags.removeLocked(ctx, child, eq.TagIDs.Remove)
		child.finish()
		if err != nil {
			el.report.Message = "cascade aborted"

			return el.fail(newError(KindOf(err), id, fmt.Errorf("cascade aborted at control tag %d: %w", tagID, err)))
		}
	}

	if err := o.storeDelete(ctx, models.KindEquipment, id); err != nil && !errors.Is(err, persistence.ErrNotFound) {
		// The row survives, so the process keeps pointing at it.
		o.cache.Evict(id, models.KindEquipment, "remove failed")
		sentry.ReportConfigError(h.log, string(models.KindEquipment), id, "remove", err)

		return el.fail(newError(KindStoreError, id, fmt.Errorf("failed to delete equipment %d: %w", id, err)))
	}

	var cleanupErr error
	if eq.HasCommFaultTag() {
		child := el.child(models.KindControlTag, eq.CommFaultTagID, o.controlTags.log)
		cleanupErr = o.controlTags.removeLocked(ctx, child, nil)
		child.finish()
	}

	el.applyingCache()
	unlink(id)
	if cleanupErr != nil {
		o.cache.Evict(id, models.KindEquipment, "remove cleanup failed")
		sentry.ReportConfigError(h.log, string(models.KindEquipment), id, "remove", cleanupErr)

		return el.fail(newError(KindOf(cleanupErr), id, cleanupErr))
	}
	o.cache.Remove(id)

	el.commit()
	h.log.Infow("Equipment removed", "equipment", id, "process", eq.ProcessID)

	return nil
}

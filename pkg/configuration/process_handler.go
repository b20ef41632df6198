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

type processHandler struct {
	o   *Orchestrator
	log *zap.SugaredLogger
}

// create inserts the process with its alive and state tags, then starts the
// alive watch and subscribes the process channel.
//
// The alive and state tag ids are claimed in the cache together with the
// process; they are guarded by the process lock from then on.
func (h *processHandler) create(ctx context.Context, el *element) error {
	o := h.o
	id := el.EntityID

	if o.cache.HasKey(id) {
		return el.fail(errorf(KindEntityExists, id, "entity %d already exists", id))
	}

	p, err := models.NewProcess(id, el.Properties)
	if err != nil {
		return el.fail(newError(KindInvalidConfiguration, id, err))
	}

	release, err := o.lock(ctx, id, models.KindProcess)
	if err != nil {
		return el.fail(err)
	}
	defer release()
	ctx = context.WithoutCancel(ctx)

	alive, state := models.NewAliveTag(p), models.NewStateTag(p)
	for _, e := range []models.Entity{p, alive, state} {
		if o.cache.HasKey(e.GetID()) {
			return el.fail(errorf(KindEntityExists, e.GetID(), "entity %d already exists", e.GetID()))
		}
	}

	el.applyingStore()
	if err := o.insertAll(ctx, p, alive, state); err != nil {
		return el.fail(err)
	}

	el.applyingCache()
	if err := o.putAll(p, alive, state); err != nil {
		o.deleteAll(ctx, p, alive, state)

		return el.fail(err)
	}

	if err := h.activate(ctx, p); err != nil {
		// The rows stay: the failure is the infrastructure's, not the data's.
		o.evictAll("activation failed", state, alive, p)
		sentry.ReportConfigError(h.log, string(models.KindProcess), id, "create", err)

		return el.fail(err)
	}

	el.commit()
	h.log.Infow("Process created", "process", id, "name", p.Name, "aliveTag", p.AliveTagID, "stateTag", p.StateTagID)

	return nil
}

// activate starts the alive watch and subscribes the process. On failure
// nothing of either is left behind.
func (h *processHandler) activate(ctx context.Context, p *models.Process) error {
	o := h.o

	if err := o.tracker.Start(p.ID); err != nil {
		return newError(KindInfrastructure, p.ID, fmt.Errorf("failed to start alive watch: %w", err))
	}

	fctx, cancel := o.fleetCtx(ctx)
	defer cancel()

	if err := o.fleet.Subscribe(fctx, p); err != nil {
		o.tracker.Stop(p.ID)
		_ = h.unsubscribe(ctx, p)

		return newError(KindInfrastructure, p.ID, fmt.Errorf("failed to subscribe process: %w", err))
	}

	return nil
}

func (h *processHandler) unsubscribe(ctx context.Context, p *models.Process) error {
	fctx, cancel := h.o.fleetCtx(ctx)
	defer cancel()

	if err := h.o.fleet.Unsubscribe(fctx, p); err != nil {
		h.log.Warnw("Failed to unsubscribe process", "process", p.ID, "error", err)

		return newError(KindInfrastructure, p.ID, fmt.Errorf("failed to unsubscribe process: %w", err))
	}

	return nil
}

// update applies the properties to a clone, persists it and only then copies
// it into the cached process. A changed alive tag id re-keys the alive tag.
func (h *processHandler) update(ctx context.Context, el *element) error {
	o := h.o
	id := el.EntityID

	release, err := o.lock(ctx, id, models.KindProcess)
	if err != nil {
		return el.fail(err)
	}
	defer release()
	ctx = context.WithoutCancel(ctx)

	p, err := o.cache.GetProcess(id)
	if err != nil {
		return el.fail(lookupError(id, err))
	}
	if len(el.Properties) == 0 {
		el.skip("no properties to update")

		return nil
	}

	clone, err := p.Clone()
	if err != nil {
		return el.fail(newError(KindInvalidConfiguration, id, err))
	}
	change, err := clone.ApplyUpdate(el.Properties)
	if err != nil {
		return el.fail(newError(KindInvalidConfiguration, id, err))
	}

	oldAliveID := p.AliveTagID
	var newAlive *models.ControlTag
	if clone.AliveTagID != oldAliveID {
		newAlive = models.NewAliveTag(clone)
		if err := o.cache.PutIfAbsent(newAlive); err != nil {
			return el.fail(errorf(KindEntityExists, newAlive.ID, "alive tag id %d is already in use", newAlive.ID))
		}
	}

	supervised := models.TouchesSupervision(el.Properties)
	if supervised {
		o.tracker.Suspend(id)
	}

	el.applyingStore()
	if err := h.persistUpdate(ctx, p, clone, newAlive); err != nil {
		if newAlive != nil {
			o.cache.Remove(newAlive.ID)
		}
		h.evict(ctx, p, "update", err)

		return el.fail(err)
	}

	el.applyingCache()
	*p = *clone
	if newAlive != nil {
		o.cache.Remove(oldAliveID)
	}

	if supervised {
		if err := o.tracker.Start(id); err != nil {
			// the change is in the store and the cache; only the watch is missing
			o.tracker.Stop(id)
			err = newError(KindInfrastructure, id, fmt.Errorf("failed to restart alive watch: %w", err))
			sentry.ReportConfigError(h.log, string(models.KindProcess), id, "update", err)
			el.commitDegraded(err, change.Fields...)

			return nil
		}
	}

	el.commit(change.Fields...)
	h.log.Infow("Process updated", "process", id, "fields", change.Fields)

	return nil
}

// persistUpdate writes the new alive tag row, the process row and drops the
// old alive tag row, in that order.
func (h *processHandler) persistUpdate(ctx context.Context, p, clone *models.Process, newAlive *models.ControlTag) error {
	o := h.o

	if newAlive != nil {
		if err := o.insertAll(ctx, newAlive); err != nil {
			return err
		}
	}
	if err := o.storeUpdate(ctx, clone); err != nil {
		if newAlive != nil {
			o.deleteAll(ctx, newAlive)
		}

		return newError(KindStoreError, p.ID, fmt.Errorf("failed to update process %d: %w", p.ID, err))
	}
	if newAlive != nil {
		if err := o.storeDelete(ctx, models.KindControlTag, p.AliveTagID); err != nil && !errors.Is(err, persistence.ErrNotFound) {
			h.log.Warnw("Failed to delete replaced alive tag row", "process", p.ID, "aliveTag", p.AliveTagID, "error", err)
		}
	}

	return nil
}

// evict drops a process whose cached state can no longer be trusted. Its
// watch and subscription go with it.
func (h *processHandler) evict(ctx context.Context, p *models.Process, operation string, cause error) {
	o := h.o

	o.tracker.Stop(p.ID)
	_ = h.unsubscribe(ctx, p)
	o.cache.Evict(p.ID, models.KindProcess, operation+" failed")
	sentry.ReportConfigError(h.log, string(models.KindProcess), p.ID, operation, cause)
}

// remove cascades into the equipment of the process, then deletes the process
// with its alive and state tags.
func (h *processHandler) remove(ctx context.Context, el *element) error {
	o := h.o
	id := el.EntityID

	if !o.cache.HasKey(id) {
		el.skip(fmt.Sprintf("process %d does not exist", id))

		return nil
	}

	release, err := o.lock(ctx, id, models.KindProcess)
	if err != nil {
		return el.fail(err)
	}
	defer release()
	ctx = context.WithoutCancel(ctx)

	p, err := o.cache.GetProcess(id)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			el.skip(fmt.Sprintf("process %d does not exist", id))

			return nil
		}

		return el.fail(lookupError(id, err))
	}

	if o.tracker.IsRunning(id) && !o.opts.AllowRunningProcessRemoval {
		el.report.Message = "must be stopped first"

		return el.fail(errorf(KindPreconditionFailed, id, "process %d is running and must be stopped first", id))
	}

	el.applyingStore()
	for _, equipmentID := range p.EquipmentIDs.Slice() {
		child := el.child(models.KindEquipment, equipmentID, o.equipment.log)
		err := o.equipment.removeLocked(ctx, child, p.EquipmentIDs.Remove)
		child.finish()
		if err != nil {
			el.report.Message = "cascade aborted"

			return el.fail(newError(KindOf(err), id, fmt.Errorf("cascade aborted at equipment %d: %w", equipmentID, err)))
		}
	}

	var errs []error
	if err := o.storeDelete(ctx, models.KindProcess, id); err != nil && !errors.Is(err, persistence.ErrNotFound) {
		errs = append(errs, newError(KindStoreError, id, fmt.Errorf("failed to delete process %d: %w", id, err)))
	}
	for _, tagID := range []int64{p.AliveTagID, p.StateTagID} {
		child := el.child(models.KindControlTag, tagID, o.controlTags.log)
		if err := o.controlTags.removeLocked(ctx, child, nil); err != nil {
			errs = append(errs, err)
		}
		child.finish()
	}
	o.tracker.Stop(id)
	if err := h.unsubscribe(ctx, p); err != nil {
		errs = append(errs, err)
	}

	el.applyingCache()
	if len(errs) > 0 {
		err := errors.Join(errs...)
		o.cache.Evict(id, models.KindProcess, "remove cleanup failed")
		sentry.ReportConfigError(h.log, string(models.KindProcess), id, "remove", err)

		return el.fail(newError(KindOf(err), id, err))
	}
	o.cache.Remove(id)

	el.commit()
	h.log.Infow("Process removed", "process", id, "name", p.Name)

	return nil
}

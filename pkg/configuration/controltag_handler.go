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

type controlTagHandler struct {
	o   *Orchestrator
	log *zap.SugaredLogger
}

// create adds a generic tag to an equipment. Alive, state and commfault tags
// only come into being with their owner.
func (h *controlTagHandler) create(ctx context.Context, el *element) error {
	o := h.o
	id := el.EntityID

	if o.cache.HasKey(id) {
		return el.fail(errorf(KindEntityExists, id, "entity %d already exists", id))
	}

	t, err := models.NewControlTag(id, el.Properties)
	if err != nil {
		return el.fail(newError(KindInvalidConfiguration, id, err))
	}
	if t.TagKind.Dedicated() {
		return el.fail(errorf(KindUnsupportedOperation, id, "%s tags are created with their owner", t.TagKind))
	}

	releaseOwner, err := o.lock(ctx, t.OwnerID, models.KindEquipment)
	if err != nil {
		return el.fail(err)
	}
	defer releaseOwner()
	ctx = context.WithoutCancel(ctx)

	eq, err := o.cache.GetEquipment(t.OwnerID)
	if err != nil {
		if errors.Is(err, cache.ErrWrongKind) {
			return el.fail(errorf(KindInvalidConfiguration, id, "owner %d of a generic tag must be equipment: %w", t.OwnerID, err))
		}

		return el.fail(errorf(KindPreconditionFailed, id, "owning equipment %d is not available: %w", t.OwnerID, err))
	}

	release, err := o.lock(ctx, id, models.KindControlTag)
	if err != nil {
		return el.fail(err)
	}
	defer release()

	if o.cache.HasKey(id) {
		return el.fail(errorf(KindEntityExists, id, "entity %d already exists", id))
	}

	el.applyingStore()
	if err := o.insertAll(ctx, t); err != nil {
		return el.fail(err)
	}

	el.applyingCache()
	if err := o.putAll(t); err != nil {
		o.deleteAll(ctx, t)

		return el.fail(err)
	}
	eq.TagIDs.Add(id)

	el.commit()
	h.log.Infow("Control tag created", "tag", id, "equipment", eq.ID)

	return nil
}

func (h *controlTagHandler) update(ctx context.Context, el *element) error {
	o := h.o
	id := el.EntityID

	release, err := o.lock(ctx, id, models.KindControlTag)
	if err != nil {
		return el.fail(err)
	}
	defer release()
	ctx = context.WithoutCancel(ctx)

	t, err := o.cache.GetControlTag(id)
	if err != nil {
		return el.fail(lookupError(id, err))
	}

	return o.updateLocked(ctx, el, t, func(c models.Entity) {
		*t = *c.(*models.ControlTag)
	})
}

// remove deletes a generic tag and then drops it from its equipment.
func (h *controlTagHandler) remove(ctx context.Context, el *element) error {
	o := h.o
	id := el.EntityID

	t, err := o.cache.GetControlTag(id)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			el.skip(fmt.Sprintf("control tag %d does not exist", id))

			return nil
		}

		return el.fail(lookupError(id, err))
	}
	if t.TagKind.Dedicated() {
		el.report.Message = "removed only with its owner"

		return el.fail(errorf(KindPreconditionFailed, id, "%s tag %d is removed only with its owner %d", t.TagKind, id, t.OwnerID))
	}
	ownerID := t.OwnerID

	detached := false
	err = h.removeLocked(ctx, el, func(int64) { detached = true })
	if detached {
		h.detach(context.WithoutCancel(ctx), id, ownerID)
	}

	return err
}

func (h *controlTagHandler) detach(ctx context.Context, tagID, equipmentID int64) {
	release, err := h.o.lock(ctx, equipmentID, models.KindEquipment)
	if err != nil {
		h.log.Warnw("Failed to lock equipment to drop tag", "tag", tagID, "equipment", equipmentID, "error", err)

		return
	}
	defer release()

	if eq, err := h.o.cache.GetEquipment(equipmentID); err == nil {
		eq.TagIDs.Remove(tagID)
	}
}

// removeLocked removes one tag. The caller holds the owner lock, or no lock
// at all. unlink, if set, is called once the tag row is gone.
func (h *controlTagHandler) removeLocked(ctx context.Context, el *element, unlink func(int64)) error {
	o := h.o
	id := el.EntityID
	if unlink == nil {
		unlink = func(int64) {}
	}

	release, err := o.lock(ctx, id, models.KindControlTag)
	if err != nil {
		return el.fail(err)
	}
	defer release()
	ctx = context.WithoutCancel(ctx)

	if _, err := o.cache.GetControlTag(id); err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			return el.fail(lookupError(id, err))
		}
		if err := o.storeDelete(ctx, models.KindControlTag, id); err != nil && !errors.Is(err, persistence.ErrNotFound) {
			h.log.Warnw("Failed to delete row of uncached control tag", "tag", id, "error", err)
		}
		unlink(id)
		el.skip(fmt.Sprintf("control tag %d does not exist", id))

		return nil
	}

	el.applyingStore()
	if err := o.storeDelete(ctx, models.KindControlTag, id); err != nil && !errors.Is(err, persistence.ErrNotFound) {
		o.cache.Evict(id, models.KindControlTag, "remove failed")
		sentry.ReportConfigError(h.log, string(models.KindControlTag), id, "remove", err)

		return el.fail(newError(KindStoreError, id, fmt.Errorf("failed to delete control tag %d: %w", id, err)))
	}

	el.applyingCache()
	o.cache.Remove(id)
	unlink(id)

	el.commit()
	h.log.Debugw("Control tag removed", "tag", id)

	return nil
}

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

// Package configuration applies batches of create, update and remove
// elements to the topology, keeping the entity cache, the durable store and
// the DAQ fleet consistent.
//
// Every element is applied under the write lock of its entity. Creation locks
// parent before child; a cascading removal locks the parent and then each
// child in turn, so a parent never points at a child that is already gone
// once the cascade returns. Store failures evict the entity from the cache
// instead of attempting an in-memory rollback.
//
// Removal cascades are not transactional: a failing child aborts its parent
// and its remaining siblings, but children already removed stay removed.
package configuration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/united-manufacturing-hub/united-manufacturing-hub/topology-core/pkg/cache"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/topology-core/pkg/constants"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/topology-core/pkg/fleet"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/topology-core/pkg/logger"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/topology-core/pkg/metrics"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/topology-core/pkg/models"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/topology-core/pkg/persistence"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/topology-core/pkg/sentry"
)

// Supervisor is the part of the supervision tracker the orchestrator drives.
// Implementations must not take entity locks.
type Supervisor interface {
	Start(processID int64) error
	Suspend(processID int64)
	Stop(processID int64)
	IsRunning(processID int64) bool
}

type Options struct {
	// MaxParallel bounds how many elements of one wave run at once.
	MaxParallel int
	// AllowRunningProcessRemoval lets Remove take down a process that still sends heartbeats.
	AllowRunningProcessRemoval bool

	LockTimeout  time.Duration
	StoreTimeout time.Duration
	FleetTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		MaxParallel:  1,
		LockTimeout:  constants.EntityLockTimeout,
		StoreTimeout: constants.StoreCallTimeout,
		FleetTimeout: constants.FleetCallTimeout,
	}
}

type handler interface {
	create(ctx context.Context, el *element) error
	update(ctx context.Context, el *element) error
	remove(ctx context.Context, el *element) error
}

// Orchestrator owns no state of its own beyond its collaborators.
type Orchestrator struct {
	cache   *cache.EntityCache
	store   persistence.Gateway
	tracker Supervisor
	fleet   fleet.Gateway
	opts    Options
	log     *zap.SugaredLogger

	processes   *processHandler
	equipment   *equipmentHandler
	controlTags *controlTagHandler
}

func New(c *cache.EntityCache, store persistence.Gateway, tracker Supervisor, fl fleet.Gateway, opts Options) *Orchestrator {
	defaults := DefaultOptions()
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = defaults.MaxParallel
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = defaults.LockTimeout
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = defaults.StoreTimeout
	}
	if opts.FleetTimeout <= 0 {
		opts.FleetTimeout = defaults.FleetTimeout
	}

	o := &Orchestrator{
		cache:   c,
		store:   store,
		tracker: tracker,
		fleet:   fl,
		opts:    opts,
		log:     logger.For(logger.ComponentOrchestrator),
	}
	o.processes = &processHandler{o: o, log: logger.For(logger.ComponentProcessHandler)}
	o.equipment = &equipmentHandler{o: o, log: logger.For(logger.ComponentEquipmentHandler)}
	o.controlTags = &controlTagHandler{o: o, log: logger.For(logger.ComponentControlTagHandler)}

	return o
}

func (o *Orchestrator) handlerFor(kind models.EntityKind) handler {
	switch kind {
	case models.KindProcess:
		return o.processes
	case models.KindEquipment:
		return o.equipment
	default:
		return o.controlTags
	}
}

// ApplyConfiguration applies the elements of cfg in order and always returns
// a report with one node per element.
//
// Consecutive elements with the same action and entity kind form a wave whose
// elements may run concurrently, up to MaxParallel. Waves run one after the
// other. Once ctx is done, elements that have not acquired their entity lock
// yet fail as not attempted; started elements run to completion.
func (o *Orchestrator) ApplyConfiguration(ctx context.Context, cfg models.Configuration) *ConfigurationReport {
	report := newConfigurationReport(cfg)

	elements := make([]*element, len(cfg.Elements))
	for i, req := range cfg.Elements {
		if a, err := models.ParseAction(string(req.Action)); err == nil {
			req.Action = a
		}
		elements[i] = newElement(i, req, o.log)
	}

	for _, wave := range waves(elements) {
		var g errgroup.Group
		g.SetLimit(o.opts.MaxParallel)
		for _, el := range wave {
			g.Go(func() error {
				o.applyElement(ctx, el)

				return nil
			})
		}
		_ = g.Wait()
	}

	for i, el := range elements {
		report.Elements[i] = el.report
	}
	report.finalize()

	o.log.Infow("Configuration applied", "id", report.ID, "name", report.Name, "user", report.User,
		"elements", len(report.Elements), "status", report.Status)

	return report
}

// waves splits elements into runs of equal action and kind.
func waves(elements []*element) [][]*element {
	var out [][]*element
	for _, el := range elements {
		n := len(out)
		if n > 0 {
			last := out[n-1][0]
			if last.Action == el.Action && last.EntityKind == el.EntityKind {
				out[n-1] = append(out[n-1], el)

				continue
			}
		}
		out = append(out, []*element{el})
	}

	return out
}

func (o *Orchestrator) applyElement(ctx context.Context, el *element) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic while applying element: %v", r)
			sentry.ReportConfigError(o.log, string(el.EntityKind), el.EntityID, string(el.Action), err)
			_ = el.fail(newError(KindStoreError, el.EntityID, err))
		}
		rep := el.finish()
		metrics.ObserveElement(string(el.Action), string(el.EntityKind), string(rep.Status), time.Since(start))
		el.log.Debugw("Element applied", "status", rep.Status, "state", rep.State, "took", time.Since(start))
	}()

	if err := el.Validate(); err != nil {
		_ = el.fail(newError(KindInvalidConfiguration, el.EntityID, err))

		return
	}
	if err := ctx.Err(); err != nil {
		_ = el.fail(notAttempted(el.EntityID, err))

		return
	}

	h := o.handlerFor(el.EntityKind)
	switch el.Action {
	case models.ActionCreate:
		_ = h.create(ctx, el)
	case models.ActionUpdate:
		_ = o.update(ctx, el, h)
	case models.ActionRemove:
		_ = h.remove(ctx, el)
	}
}

// update runs the checks every kind shares before the kind's own update.
func (o *Orchestrator) update(ctx context.Context, el *element, h handler) error {
	for _, key := range models.ImmutableProperties(el.EntityKind) {
		if el.Properties.Has(key) {
			return el.fail(errorf(KindUnsupportedOperation, el.EntityID, "property %q cannot be updated", key))
		}
	}
	if !o.cache.HasKey(el.EntityID) {
		return el.fail(errorf(KindEntityNotFound, el.EntityID, "%s %d does not exist", el.EntityKind, el.EntityID))
	}

	return h.update(ctx, el)
}

// lookupError classifies a failed cache lookup of an element's entity.
func lookupError(id int64, err error) *Error {
	if errors.Is(err, cache.ErrWrongKind) {
		return newError(KindInvalidConfiguration, id, err)
	}

	return newError(KindEntityNotFound, id, err)
}

func notAttempted(id int64, cause error) *Error {
	return newError(KindNotAttempted, id, fmt.Errorf("not attempted: %w", cause))
}

// lock acquires the write lock of id, waiting at most LockTimeout. Failing to
// get it means nothing was touched yet.
func (o *Orchestrator) lock(ctx context.Context, id int64, kind models.EntityKind) (cache.Release, error) {
	lctx, cancel := context.WithTimeout(ctx, o.opts.LockTimeout)
	defer cancel()

	release, err := o.cache.Lock(lctx, id, kind)
	if err != nil {
		return nil, notAttempted(id, fmt.Errorf("waiting for the lock of %s %d: %w", kind, id, err))
	}

	return release, nil
}

// storeCtx detaches a store call from the batch context: an element that has
// started is never cut short by the caller.
func (o *Orchestrator) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), o.opts.StoreTimeout)
}

func (o *Orchestrator) fleetCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), o.opts.FleetTimeout)
}

func (o *Orchestrator) storeInsert(ctx context.Context, e models.Entity) error {
	sctx, cancel := o.storeCtx(ctx)
	defer cancel()

	return persistence.Insert(sctx, o.store, e)
}

func (o *Orchestrator) storeUpdate(ctx context.Context, e models.Entity) error {
	sctx, cancel := o.storeCtx(ctx)
	defer cancel()

	return persistence.Update(sctx, o.store, e)
}

func (o *Orchestrator) storeDelete(ctx context.Context, kind models.EntityKind, id int64) error {
	sctx, cancel := o.storeCtx(ctx)
	defer cancel()

	return persistence.Delete(sctx, o.store, kind, id)
}

// insertAll persists the entities in order. When one fails, the rows already
// inserted are deleted again so the store is left as it was.
func (o *Orchestrator) insertAll(ctx context.Context, entities ...models.Entity) error {
	for i, e := range entities {
		if err := o.storeInsert(ctx, e); err != nil {
			o.deleteAll(ctx, entities[:i]...)

			kind := KindStoreError
			if errors.Is(err, persistence.ErrConflict) {
				kind = KindEntityExists
			}

			return newError(kind, e.GetID(), fmt.Errorf("failed to insert %s %d: %w", e.Kind(), e.GetID(), err))
		}
	}

	return nil
}

// deleteAll removes rows in reverse order, best effort.
func (o *Orchestrator) deleteAll(ctx context.Context, entities ...models.Entity) {
	for i := len(entities) - 1; i >= 0; i-- {
		e := entities[i]
		if err := o.storeDelete(ctx, e.Kind(), e.GetID()); err != nil && !errors.Is(err, persistence.ErrNotFound) {
			sentry.ReportConfigError(o.log, string(e.Kind()), e.GetID(), "compensate", err)
		}
	}
}

// putAll inserts the entities into the cache. On a collision the ones already
// inserted are removed again.
func (o *Orchestrator) putAll(entities ...models.Entity) error {
	for i, e := range entities {
		if err := o.cache.PutIfAbsent(e); err != nil {
			o.removeAll(entities[:i]...)

			return newError(KindEntityExists, e.GetID(), err)
		}
	}

	return nil
}

func (o *Orchestrator) removeAll(entities ...models.Entity) {
	for _, e := range entities {
		o.cache.Remove(e.GetID())
	}
}

func (o *Orchestrator) evictAll(reason string, entities ...models.Entity) {
	for _, e := range entities {
		o.cache.Evict(e.GetID(), e.Kind(), reason)
	}
}

// RemoveEquipmentFromProcess drops equipmentID from the equipment set of
// processID. The store is not touched: set membership is derived from the
// equipment rows.
func (o *Orchestrator) RemoveEquipmentFromProcess(ctx context.Context, equipmentID, processID int64) error {
	release, err := o.lock(ctx, processID, models.KindProcess)
	if err != nil {
		return err
	}
	defer release()

	p, err := o.cache.GetProcess(processID)
	if err != nil {
		return newError(KindEntityNotFound, processID, err)
	}
	p.EquipmentIDs.Remove(equipmentID)

	return nil
}

// ApplyTagValue stores a live value on a cached control tag.
func (o *Orchestrator) ApplyTagValue(ctx context.Context, tagID int64, value interface{}, ts time.Time) error {
	release, err := o.lock(ctx, tagID, models.KindControlTag)
	if err != nil {
		return err
	}
	defer release()

	t, err := o.cache.GetControlTag(tagID)
	if err != nil {
		return newError(KindEntityNotFound, tagID, err)
	}
	t.Value = value
	t.Timestamp = ts

	return nil
}

// OnRunningChanged mirrors the supervision state of a process into its state
// tag. It is meant to be registered as a tracker listener.
func (o *Orchestrator) OnRunningChanged(processID int64, running bool) {
	ctx, cancel := context.WithTimeout(context.Background(), o.opts.LockTimeout)
	defer cancel()

	var stateTagID int64
	err := o.cache.Locks().With(ctx, processID, models.KindProcess.LockLevel(), func() error {
		p, err := o.cache.GetProcess(processID)
		if err != nil {
			return err
		}
		stateTagID = p.StateTagID

		return nil
	})
	if err != nil {
		o.log.Debugw("Running state change for unknown process", "process", processID, "error", err)

		return
	}

	if err := o.ApplyTagValue(ctx, stateTagID, running, time.Now().UTC()); err != nil {
		o.log.Warnw("Failed to update state tag", "process", processID, "stateTag", stateTagID, "error", err)
	}
}

type updatable interface {
	models.Entity
	ApplyUpdate(props models.Properties) (models.Change, error)
}

// updateLocked applies el to a clone of e, persists the clone and hands it to
// assign to be copied into the cached object. The caller holds the lock of e.
func (o *Orchestrator) updateLocked(ctx context.Context, el *element, e models.Entity, assign func(models.Entity)) error {
	id := e.GetID()

	if len(el.Properties) == 0 {
		el.skip("no properties to update")

		return nil
	}

	c, err := models.CloneEntity(e)
	if err != nil {
		return el.fail(newError(KindInvalidConfiguration, id, err))
	}
	u, ok := c.(updatable)
	if !ok {
		return el.fail(errorf(KindUnsupportedOperation, id, "%s cannot be updated", e.Kind()))
	}
	change, err := u.ApplyUpdate(el.Properties)
	if err != nil {
		return el.fail(newError(KindInvalidConfiguration, id, err))
	}

	el.applyingStore()
	if err := o.storeUpdate(ctx, c); err != nil {
		o.cache.Evict(id, e.Kind(), "update failed")
		sentry.ReportConfigError(o.log, string(e.Kind()), id, "update", err)

		return el.fail(newError(KindStoreError, id, fmt.Errorf("failed to update %s %d: %w", e.Kind(), id, err)))
	}

	el.applyingCache()
	assign(c)

	el.commit(change.Fields...)

	return nil
}

// Snapshot returns a copy of a cached entity taken under its lock. For a
// process, running reports the state of its alive watch.
func (o *Orchestrator) Snapshot(ctx context.Context, id int64) (e models.Entity, running bool, err error) {
	cached, err := o.cache.Get(id)
	if err != nil {
		return nil, false, newError(KindEntityNotFound, id, err)
	}

	release, err := o.lock(ctx, id, cached.Kind())
	if err != nil {
		return nil, false, err
	}
	defer release()

	// re-read: the entity may have been replaced while we waited
	if cached, err = o.cache.Get(id); err != nil {
		return nil, false, newError(KindEntityNotFound, id, err)
	}
	if e, err = models.CloneEntity(cached); err != nil {
		return nil, false, err
	}
	if cached.Kind() == models.KindProcess {
		running = o.tracker.IsRunning(id)
	}

	return e, running, nil
}

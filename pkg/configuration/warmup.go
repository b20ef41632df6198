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
	"fmt"
	"time"

	"github.com/united-manufacturing-hub/united-manufacturing-hub/topology-core/pkg/models"
)

// WarmupResult counts what Warmup loaded and what it had to leave out.
type WarmupResult struct {
	Processes  int
	Equipment  int
	ControlTag int
	Orphans    int
	Activated  int
	Took       time.Duration
}

// Warmup loads every stored entity into the cache, rebuilds the equipment and
// tag sets from the owner columns, then starts the watch and the subscription
// of each process. Rows whose owner is missing are skipped.
//
// Activation failures are logged; the process stays cached and can be fixed
// with an update.
func (o *Orchestrator) Warmup(ctx context.Context) (WarmupResult, error) {
	start := time.Now()
	var res WarmupResult

	processes, err := o.store.ListProcesses(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to load processes: %w", err)
	}
	equipment, err := o.store.ListEquipment(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to load equipment: %w", err)
	}
	tags, err := o.store.ListControlTags(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to load control tags: %w", err)
	}

	for _, p := range processes {
		p.EquipmentIDs = models.NewIDSet()
		if err := o.cache.PutIfAbsent(p); err != nil {
			o.log.Warnw("Skipping process during warmup", "process", p.ID, "error", err)

			continue
		}
		res.Processes++
	}

	for _, e := range equipment {
		e.TagIDs = models.NewIDSet()
		err := o.cache.Locks().With(ctx, e.ProcessID, models.KindProcess.LockLevel(), func() error {
			p, err := o.cache.GetProcess(e.ProcessID)
			if err != nil {
				return err
			}
			if err := o.cache.PutIfAbsent(e); err != nil {
				return err
			}
			p.EquipmentIDs.Add(e.ID)

			return nil
		})
		if err != nil {
			res.Orphans++
			o.log.Warnw("Skipping equipment during warmup", "equipment", e.ID, "process", e.ProcessID, "error", err)

			continue
		}
		res.Equipment++
	}

	for _, t := range tags {
		if err := o.warmupTag(ctx, t); err != nil {
			res.Orphans++
			o.log.Warnw("Skipping control tag during warmup", "tag", t.ID, "kind", t.TagKind, "owner", t.OwnerID, "error", err)

			continue
		}
		res.ControlTag++
	}

	for _, p := range processes {
		if !o.cache.HasKey(p.ID) {
			continue
		}
		if err := o.processes.activate(ctx, p); err != nil {
			o.log.Errorw("Failed to activate process during warmup", "process", p.ID, "error", err)

			continue
		}
		res.Activated++
	}

	res.Took = time.Since(start)
	o.log.Infow("Cache warmed up", "processes", res.Processes, "equipment", res.Equipment,
		"controlTags", res.ControlTag, "orphans", res.Orphans, "activated", res.Activated, "took", res.Took)

	return res, nil
}

// warmupTag caches t under the lock of its owner. Generic tags are linked
// into their equipment.
func (o *Orchestrator) warmupTag(ctx context.Context, t *models.ControlTag) error {
	ownerKind := models.KindEquipment
	if t.TagKind.OwnedByProcess() {
		ownerKind = models.KindProcess
	}

	return o.cache.Locks().With(ctx, t.OwnerID, ownerKind.LockLevel(), func() error {
		switch ownerKind {
		case models.KindProcess:
			p, err := o.cache.GetProcess(t.OwnerID)
			if err != nil {
				return err
			}
			if t.ID != p.AliveTagID && t.ID != p.StateTagID {
				return fmt.Errorf("process %d does not reference %s tag %d", p.ID, t.TagKind, t.ID)
			}

			return o.cache.PutIfAbsent(t)
		default:
			eq, err := o.cache.GetEquipment(t.OwnerID)
			if err != nil {
				return err
			}
			if err := o.cache.PutIfAbsent(t); err != nil {
				return err
			}
			if t.TagKind == models.TagGeneric {
				eq.TagIDs.Add(t.ID)
			}

			return nil
		}
	})
}

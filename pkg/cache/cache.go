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

// Package cache is the in-memory home of the live topology.
//
// The cache only guarantees that inserting or removing the id to entity
// association is atomic. The fields of a cached entity belong to whoever holds
// the entity's lock from the LockRegistry; readers that do not hold the lock
// must treat what they get as a snapshot that may be in flux.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/united-manufacturing-hub/topology-core/pkg/metrics"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/topology-core/pkg/models"
)

var (
	ErrNotFound  = errors.New("entity not in cache")
	ErrExists    = errors.New("entity already in cache")
	ErrWrongKind = errors.New("entity has a different kind")
)

// EntityCache maps entity ids to live entity objects.
type EntityCache struct {
	items *gocache.Cache
	locks *LockRegistry
	log   *zap.SugaredLogger

	// guards the per-kind counters; go-cache itself is already safe
	countMu sync.Mutex
	counts  map[models.EntityKind]int
}

func New(log *zap.SugaredLogger) *EntityCache {
	return &EntityCache{
		// entities never expire and there is no janitor: removal is explicit
		items:  gocache.New(gocache.NoExpiration, 0),
		locks:  NewLockRegistry(),
		log:    log,
		counts: make(map[models.EntityKind]int),
	}
}

// Locks returns the lock registry guarding the cached entities.
func (c *EntityCache) Locks() *LockRegistry {
	return c.locks
}

// Lock acquires the write lock of id at the lock level of kind.
func (c *EntityCache) Lock(ctx context.Context, id int64, kind models.EntityKind) (Release, error) {
	return c.locks.Acquire(ctx, id, kind.LockLevel())
}

func (c *EntityCache) Get(id int64) (models.Entity, error) {
	v, ok := c.items.Get(models.FormatID(id))
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}

	return v.(models.Entity), nil
}

func (c *EntityCache) GetProcess(id int64) (*models.Process, error) {
	e, err := c.Get(id)
	if err != nil {
		return nil, err
	}
	p, ok := e.(*models.Process)
	if !ok {
		return nil, fmt.Errorf("%w: %d is a %s, not a process", ErrWrongKind, id, e.Kind())
	}

	return p, nil
}

func (c *EntityCache) GetEquipment(id int64) (*models.Equipment, error) {
	e, err := c.Get(id)
	if err != nil {
		return nil, err
	}
	eq, ok := e.(*models.Equipment)
	if !ok {
		return nil, fmt.Errorf("%w: %d is a %s, not equipment", ErrWrongKind, id, e.Kind())
	}

	return eq, nil
}

func (c *EntityCache) GetControlTag(id int64) (*models.ControlTag, error) {
	e, err := c.Get(id)
	if err != nil {
		return nil, err
	}
	t, ok := e.(*models.ControlTag)
	if !ok {
		return nil, fmt.Errorf("%w: %d is a %s, not a control tag", ErrWrongKind, id, e.Kind())
	}

	return t, nil
}

// PutIfAbsent inserts e unless its id is already taken.
func (c *EntityCache) PutIfAbsent(e models.Entity) error {
	if err := c.items.Add(models.FormatID(e.GetID()), e, gocache.NoExpiration); err != nil {
		return fmt.Errorf("%w: %d", ErrExists, e.GetID())
	}

	c.adjust(e.Kind(), 1)

	return nil
}

// Remove drops id from the cache. Lookups fail immediately afterwards.
// It returns false when id was not cached.
func (c *EntityCache) Remove(id int64) bool {
	key := models.FormatID(id)

	c.countMu.Lock()
	defer c.countMu.Unlock()

	v, ok := c.items.Get(key)
	if !ok {
		return false
	}
	c.items.Delete(key)

	kind := v.(models.Entity).Kind()
	c.counts[kind]--
	metrics.SetCacheEntries(string(kind), c.counts[kind])

	return true
}

// Evict removes id after an unrecoverable failure and records why.
func (c *EntityCache) Evict(id int64, kind models.EntityKind, reason string) {
	if c.Remove(id) {
		metrics.IncCacheEviction(string(kind), reason)
		c.log.Warnw("Evicted entity from cache", "id", id, "kind", kind, "reason", reason)
	}
}

func (c *EntityCache) HasKey(id int64) bool {
	_, ok := c.items.Get(models.FormatID(id))

	return ok
}

func (c *EntityCache) Len() int {
	return c.items.ItemCount()
}

// IDs returns the sorted ids of all cached entities of kind.
func (c *EntityCache) IDs(kind models.EntityKind) []int64 {
	var ids []int64
	for _, item := range c.items.Items() {
		if e, ok := item.Object.(models.Entity); ok && e.Kind() == kind {
			ids = append(ids, e.GetID())
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return ids
}

func (c *EntityCache) adjust(kind models.EntityKind, delta int) {
	c.countMu.Lock()
	defer c.countMu.Unlock()

	c.counts[kind] += delta
	metrics.SetCacheEntries(string(kind), c.counts[kind])
}

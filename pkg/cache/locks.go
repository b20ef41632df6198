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

package cache

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/semaphore"

	"github.com/united-manufacturing-hub/united-manufacturing-hub/topology-core/pkg/metrics"
)

const numShards = 32

// Release gives a lock back. Calling it more than once is a no-op.
type Release func()

// LockRegistry hands out one write lock per entity id. Entries exist only while
// someone holds or waits for them.
//
// Locks are context aware: the semaphore below is weighted with 1 so it acts
// as a mutex whose acquisition can be cancelled.
type LockRegistry struct {
	shards [numShards]*lockShard
	order  *orderTracker
}

type lockShard struct {
	mu      sync.Mutex
	entries map[int64]*lockEntry
}

type lockEntry struct {
	sem  *semaphore.Weighted
	refs int
}

func NewLockRegistry() *LockRegistry {
	r := &LockRegistry{
		order: &orderTracker{
			held:    make(map[uint64][]heldLock),
			enabled: os.Getenv("ENABLE_LOCK_ORDER_CHECKS") == "1",
		},
	}
	for i := range r.shards {
		r.shards[i] = &lockShard{entries: make(map[int64]*lockEntry)}
	}

	return r
}

func (r *LockRegistry) shard(id int64) *lockShard {
	var buf [20]byte

	return r.shards[xxhash.Sum64(strconv.AppendInt(buf[:0], id, 10))%numShards]
}

// Acquire blocks until the lock of id is held or ctx is done. level is the
// hierarchy depth of the entity; a goroutine must acquire strictly increasing
// levels.
func (r *LockRegistry) Acquire(ctx context.Context, id int64, level int) (Release, error) {
	r.order.check(id, level)

	s := r.shard(id)
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		e = &lockEntry{sem: semaphore.NewWeighted(1)}
		s.entries[id] = e
	}
	e.refs++
	s.mu.Unlock()

	start := time.Now()
	if err := e.sem.Acquire(ctx, 1); err != nil {
		r.unref(s, id, e)

		return nil, fmt.Errorf("failed to lock entity %d: %w", id, err)
	}
	metrics.ObserveLockWait(time.Since(start))
	r.order.acquired(id, level)

	var once sync.Once

	return func() {
		once.Do(func() {
			r.order.released(id)
			e.sem.Release(1)
			r.unref(s, id, e)
		})
	}, nil
}

// With runs fn while holding the lock of id. The lock is released on every
// exit path of fn, panics included.
func (r *LockRegistry) With(ctx context.Context, id int64, level int, fn func() error) error {
	release, err := r.Acquire(ctx, id, level)
	if err != nil {
		return err
	}
	defer release()

	return fn()
}

func (r *LockRegistry) unref(s *lockShard, id int64, e *lockEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e.refs--
	if e.refs == 0 {
		delete(s.entries, id)
	}
}

// Len returns the number of ids currently locked or waited for.
func (r *LockRegistry) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}

	return n
}

// orderTracker panics when a goroutine acquires a lock whose level is not
// deeper than every lock it already holds. It is only active with
// ENABLE_LOCK_ORDER_CHECKS=1.
type orderTracker struct {
	mu      sync.RWMutex
	held    map[uint64][]heldLock
	enabled bool
}

type heldLock struct {
	id    int64
	level int
}

func (t *orderTracker) check(id int64, level int) {
	if !t.enabled {
		return
	}

	gid := getGoroutineID()

	t.mu.RLock()
	held := t.held[gid]
	t.mu.RUnlock()

	for _, h := range held {
		if h.level >= level {
			stack := make([]byte, 4096)
			n := runtime.Stack(stack, false)

			panic(fmt.Sprintf(
				"lock order violation: goroutine %d attempting to lock entity %d (level %d) while holding entity %d (level %d)\n"+
					"Stack trace:\n%s",
				gid, id, level, h.id, h.level, string(stack[:n]),
			))
		}
	}
}

func (t *orderTracker) acquired(id int64, level int) {
	if !t.enabled {
		return
	}

	gid := getGoroutineID()

	t.mu.Lock()
	defer t.mu.Unlock()

	t.held[gid] = append(t.held[gid], heldLock{id: id, level: level})
}

func (t *orderTracker) released(id int64) {
	if !t.enabled {
		return
	}

	gid := getGoroutineID()

	t.mu.Lock()
	defer t.mu.Unlock()

	locks := t.held[gid]
	for i := len(locks) - 1; i >= 0; i-- {
		if locks[i].id == id {
			t.held[gid] = append(locks[:i], locks[i+1:]...)

			break
		}
	}

	if len(t.held[gid]) == 0 {
		delete(t.held, gid)
	}
}

func getGoroutineID() uint64 {
	var buf [64]byte

	n := runtime.Stack(buf[:], false)
	idField := strings.Fields(string(buf[:n]))[1]
	id, _ := strconv.ParseUint(idField, 10, 64)

	return id
}

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

// Package supervision tracks whether each process is alive.
//
// A process is watched from its creation until its removal. Every heartbeat on
// its alive tag re-arms a timeout of one alive interval; when the timeout
// fires the process is considered not running until the next heartbeat.
//
// The tracker never takes entity locks. Start and Stop are called by the
// orchestrator while it holds the process lock, and Start reads the process
// through the ProcessSource without locking for that reason.
package supervision

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/united-manufacturing-hub/topology-core/pkg/metrics"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/topology-core/pkg/models"
)

var ErrClosed = errors.New("tracker is closed")

// ProcessSource resolves the alive configuration of a process.
type ProcessSource interface {
	GetProcess(id int64) (*models.Process, error)
}

// StateListener is told when a process starts or stops sending heartbeats.
// It is invoked without any tracker lock held and must not call Close.
type StateListener func(processID int64, running bool)

type watch struct {
	processID     int64
	aliveTagID    int64
	interval      time.Duration
	timer         *time.Timer
	generation    uint64
	running       bool
	suspended     bool
	lastHeartbeat time.Time
}

type Tracker struct {
	mu         sync.Mutex
	source     ProcessSource
	watches    map[int64]*watch
	byAliveTag map[int64]int64
	listeners  []StateListener
	nextGen    uint64
	closed     bool
	log        *zap.SugaredLogger

	// notifying counts listener calls in flight; Close waits for them
	notifying sync.WaitGroup
}

func NewTracker(source ProcessSource, log *zap.SugaredLogger) *Tracker {
	return &Tracker{
		source:     source,
		watches:    make(map[int64]*watch),
		byAliveTag: make(map[int64]int64),
		log:        log,
	}
}

// AddListener registers l for running-state transitions.
func (t *Tracker) AddListener(l StateListener) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.listeners = append(t.listeners, l)
}

// Start watches processID with its current alive tag and interval. On an
// already watched process the timer is stopped and re-armed, even if nothing
// changed; the running flag survives the restart.
func (t *Tracker) Start(processID int64) error {
	p, err := t.source.GetProcess(processID)
	if err != nil {
		return fmt.Errorf("failed to start alive watch for process %d: %w", processID, err)
	}
	if p.AliveInterval <= 0 {
		return fmt.Errorf("failed to start alive watch for process %d: invalid alive interval %s", processID, p.AliveInterval)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}

	w, ok := t.watches[processID]
	if ok {
		w.timer.Stop()
		delete(t.byAliveTag, w.aliveTagID)
	} else {
		w = &watch{processID: processID}
		t.watches[processID] = w
	}

	w.aliveTagID = p.AliveTagID
	w.interval = p.AliveInterval
	w.suspended = false
	t.byAliveTag[w.aliveTagID] = processID
	t.arm(w)

	metrics.SetAliveWatches(len(t.watches))
	t.log.Debugw("Alive watch armed", "process", processID, "aliveTag", w.aliveTagID, "interval", w.interval, "generation", w.generation)

	return nil
}

// arm must be called with mu held.
func (t *Tracker) arm(w *watch) {
	t.nextGen++
	gen := t.nextGen
	w.generation = gen
	pid := w.processID
	w.timer = time.AfterFunc(w.interval, func() { t.expire(pid, gen) })
}

// Suspend halts the timer of processID while its alive configuration is being
// changed. The watch and its running flag are kept; heartbeats are recorded
// but do not re-arm the timer until the next Start.
func (t *Tracker) Suspend(processID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	w, ok := t.watches[processID]
	if !ok {
		return
	}
	w.timer.Stop()
	t.nextGen++
	w.generation = t.nextGen
	w.suspended = true

	t.log.Debugw("Alive watch suspended", "process", processID)
}

// Stop ends the watch of processID. Stopping an unwatched process is a no-op.
func (t *Tracker) Stop(processID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	w, ok := t.watches[processID]
	if !ok {
		return
	}
	w.timer.Stop()
	delete(t.byAliveTag, w.aliveTagID)
	delete(t.watches, processID)

	metrics.SetAliveWatches(len(t.watches))
	t.log.Debugw("Alive watch stopped", "process", processID)
}

// Heartbeat records a value on an alive tag. It returns false when the tag
// does not belong to a watched process.
func (t *Tracker) Heartbeat(aliveTagID int64, ts time.Time) bool {
	t.mu.Lock()

	pid, ok := t.byAliveTag[aliveTagID]
	if !ok || t.closed {
		t.mu.Unlock()

		return false
	}
	w := t.watches[pid]
	w.timer.Stop()
	w.lastHeartbeat = ts
	started := !w.running
	w.running = true
	if !w.suspended {
		t.arm(w)
	}
	listeners := t.listeners
	if started {
		t.notifying.Add(1)
	}

	t.mu.Unlock()

	if started {
		defer t.notifying.Done()
		t.log.Infow("Process is alive", "process", pid)
		notify(listeners, pid, true)
	}

	return true
}

func (t *Tracker) expire(processID int64, generation uint64) {
	t.mu.Lock()

	w, ok := t.watches[processID]
	if !ok || w.generation != generation || t.closed {
		// stale timer from before a restart or stop
		t.mu.Unlock()

		return
	}
	wasRunning := w.running
	last := w.lastHeartbeat
	w.running = false
	listeners := t.listeners
	t.notifying.Add(1)

	t.mu.Unlock()
	defer t.notifying.Done()

	metrics.IncAliveExpiration()
	t.log.Warnw("Alive timer expired", "process", processID, "lastHeartbeat", last)

	if wasRunning {
		notify(listeners, processID, false)
	}
}

func notify(listeners []StateListener, processID int64, running bool) {
	for _, l := range listeners {
		l(processID, running)
	}
}

// IsRunning reports whether the last heartbeat of processID is younger than
// its alive interval.
func (t *Tracker) IsRunning(processID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	w, ok := t.watches[processID]

	return ok && w.running
}

func (t *Tracker) Watched(processID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.watches[processID]

	return ok
}

// Generation identifies the currently armed timer of processID; it changes on
// every restart and every heartbeat. Zero means unwatched.
func (t *Tracker) Generation(processID int64) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if w, ok := t.watches[processID]; ok {
		return w.generation
	}

	return 0
}

func (t *Tracker) ActiveWatches() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.watches)
}

// Close stops every watch and returns once no listener call is in flight.
// Later calls to Start fail with ErrClosed.
func (t *Tracker) Close() {
	t.mu.Lock()
	for id, w := range t.watches {
		w.timer.Stop()
		delete(t.watches, id)
	}
	t.byAliveTag = make(map[int64]int64)
	t.closed = true
	t.mu.Unlock()

	metrics.SetAliveWatches(0)
	t.notifying.Wait()
}
